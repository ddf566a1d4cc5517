package relay

import (
	"sync"

	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/media"
)

// distributor fans samples from one upstream connection out to the
// subscribed viewers. One instance exists per connection epoch; viewers
// survive reconnects and are resubscribed to the replacement instance.
// Publishing only enqueues into per-viewer rings, so a stalled viewer never
// delays delivery to the others.
type distributor struct {
	mu      sync.RWMutex
	viewers map[ViewerID]*Viewer
}

func newDistributor() *distributor {
	return &distributor{
		viewers: make(map[ViewerID]*Viewer),
	}
}

func (d *distributor) subscribe(v *Viewer) {
	d.mu.Lock()
	d.viewers[v.id] = v
	d.mu.Unlock()
}

func (d *distributor) unsubscribe(id ViewerID) {
	d.mu.Lock()
	delete(d.viewers, id)
	d.mu.Unlock()
}

func (d *distributor) count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.viewers)
}

// publish pushes one sample to every subscribed viewer's queue. It returns
// the number of queue drops and the viewers that exceeded their overflow
// budget and must be evicted.
func (d *distributor) publish(s media.Sample) (drops int, kicked []*Viewer) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, v := range d.viewers {
		dropped, kick := v.push(s)
		if dropped {
			drops++
		}
		if kick {
			kicked = append(kicked, v)
		}
	}
	return drops, kicked
}
