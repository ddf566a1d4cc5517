package relay

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/media"
)

// ViewerID identifies one viewer subscription within its session.
type ViewerID uint64

// Viewer is one downstream subscription: a bounded ring of samples drained by
// the downstream session handler. When the ring is full the oldest sample is
// dropped, favoring freshness over completeness for live media. A viewer that
// overflows more than the configured threshold within the sliding window is
// evicted so it cannot degrade delivery to others.
type Viewer struct {
	id   ViewerID
	path string
	sess *Session
	clk  clock.Clock

	mu        sync.Mutex
	ring      []media.Sample
	head      int
	length    int
	overflows []time.Time
	window    time.Duration
	threshold int
	dropped   uint64
	closed    bool
	err       error

	notify chan struct{}
}

func newViewer(id ViewerID, sess *Session, capacity, threshold int, window time.Duration, clk clock.Clock) *Viewer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Viewer{
		id:        id,
		path:      sess.path,
		sess:      sess,
		clk:       clk,
		ring:      make([]media.Sample, capacity),
		window:    window,
		threshold: threshold,
		notify:    make(chan struct{}, 1),
	}
}

// ID returns the viewer's per-session identifier.
func (v *Viewer) ID() ViewerID { return v.id }

// Path returns the mount path this viewer is attached to.
func (v *Viewer) Path() string { return v.path }

// Dropped returns the total number of samples dropped from this viewer's
// queue.
func (v *Viewer) Dropped() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dropped
}

// push enqueues a sample, dropping the oldest when the ring is full. It
// reports whether the viewer exceeded its overflow budget and must be
// detached; the caller performs the eviction.
func (v *Viewer) push(s media.Sample) (dropped, kicked bool) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return false, false
	}

	if v.length == len(v.ring) {
		v.head = (v.head + 1) % len(v.ring)
		v.length--
		v.dropped++
		dropped = true

		now := v.clk.Now()
		v.overflows = append(v.overflows, now)
		v.pruneOverflowsLocked(now)
		if len(v.overflows) > v.threshold {
			v.mu.Unlock()
			return dropped, true
		}
	}

	v.ring[(v.head+v.length)%len(v.ring)] = s
	v.length++
	v.mu.Unlock()

	select {
	case v.notify <- struct{}{}:
	default:
	}
	return dropped, false
}

func (v *Viewer) pruneOverflowsLocked(now time.Time) {
	cutoff := now.Add(-v.window)
	i := 0
	for i < len(v.overflows) && !v.overflows[i].After(cutoff) {
		i++
	}
	if i > 0 {
		v.overflows = append(v.overflows[:0], v.overflows[i:]...)
	}
}

// Receive blocks until a sample is queued, the context is canceled, or the
// subscription ends. After the subscription ends it keeps returning the
// terminal error.
func (v *Viewer) Receive(ctx context.Context) (media.Sample, error) {
	for {
		v.mu.Lock()
		if v.length > 0 {
			s := v.ring[v.head]
			v.ring[v.head] = media.Sample{}
			v.head = (v.head + 1) % len(v.ring)
			v.length--
			more := v.length > 0
			v.mu.Unlock()

			if more {
				select {
				case v.notify <- struct{}{}:
				default:
				}
			}
			return s, nil
		}
		if v.closed {
			err := v.err
			v.mu.Unlock()
			return media.Sample{}, err
		}
		v.mu.Unlock()

		select {
		case <-v.notify:
		case <-ctx.Done():
			return media.Sample{}, ctx.Err()
		}
	}
}

// close terminates the subscription with the given error, clearing the queue
// and waking any blocked Receive. The first close wins; later calls are
// no-ops, so a viewer observes exactly one terminal error.
func (v *Viewer) close(err error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	if err == nil {
		err = ErrViewerClosed
	}
	v.err = err
	v.head = 0
	v.length = 0
	v.mu.Unlock()

	select {
	case v.notify <- struct{}{}:
	default:
	}
}
