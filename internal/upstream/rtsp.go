package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"

	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/media"
)

const defaultSampleQueue = 128

// ErrSourceClosed is returned by Read after Close.
var ErrSourceClosed = errors.New("upstream source closed")

// RTSPDialer opens pull connections to RTSP sources and exposes them as
// media.Source sample sequences.
type RTSPDialer struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// SampleQueue bounds the packet queue between the RTSP reader and the
	// relay worker. When full, the oldest pending packet is dropped.
	SampleQueue int
}

// Open connects to the given rtsp:// locator, sets up every announced medium
// and starts playback. The returned source yields raw RTP packets as samples.
func (d *RTSPDialer) Open(ctx context.Context, locator string) (media.Source, error) {
	u, err := base.ParseURL(locator)
	if err != nil {
		return nil, fmt.Errorf("invalid source url %q: %w", locator, err)
	}

	c := &gortsplib.Client{
		ReadTimeout:  d.ReadTimeout,
		WriteTimeout: d.WriteTimeout,
	}

	if err := c.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", u.Host, err)
	}
	if err := ctx.Err(); err != nil {
		c.Close()
		return nil, err
	}

	desc, _, err := c.Describe(u)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("describing %s: %w", locator, err)
	}

	if err := c.SetupAll(desc.BaseURL, desc.Medias); err != nil {
		c.Close()
		return nil, fmt.Errorf("setting up media for %s: %w", locator, err)
	}
	if err := ctx.Err(); err != nil {
		c.Close()
		return nil, err
	}

	queue := d.SampleQueue
	if queue <= 0 {
		queue = defaultSampleQueue
	}

	src := &rtspSource{
		client:  c,
		samples: make(chan media.Sample, queue),
		done:    make(chan struct{}),
		ended:   make(chan struct{}),
	}

	trackIDs := make(map[*description.Media]int, len(desc.Medias))
	for i, medi := range desc.Medias {
		trackIDs[medi] = i
	}

	c.OnPacketRTPAny(func(medi *description.Media, _ format.Format, pkt *rtp.Packet) {
		buf, err := pkt.Marshal()
		if err != nil {
			return
		}
		smp := media.Sample{
			TrackID:   trackIDs[medi],
			Timestamp: time.Now(),
			Payload:   buf,
		}
		select {
		case src.samples <- smp:
		case <-src.done:
		default:
			// queue full: drop the oldest pending packet to keep the feed live
			select {
			case <-src.samples:
			default:
			}
			select {
			case src.samples <- smp:
			default:
			}
		}
	})

	if _, err := c.Play(nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("starting playback of %s: %w", locator, err)
	}

	go src.wait()
	return src, nil
}

// rtspSource adapts gortsplib's callback delivery to the pull-based Source
// contract.
type rtspSource struct {
	client  *gortsplib.Client
	samples chan media.Sample

	closeOnce sync.Once
	done      chan struct{} // closed by Close
	ended     chan struct{} // closed when the client terminates
	errMu     sync.Mutex
	err       error
}

// wait blocks until the RTSP client terminates, either because the remote
// dropped the connection or because Close was called.
func (s *rtspSource) wait() {
	err := s.client.Wait()
	s.errMu.Lock()
	if err == nil {
		err = ErrSourceClosed
	}
	s.err = err
	s.errMu.Unlock()
	close(s.ended)
}

func (s *rtspSource) Read() (media.Sample, error) {
	// drain buffered samples before reporting the terminal error
	select {
	case smp := <-s.samples:
		return smp, nil
	default:
	}
	select {
	case smp := <-s.samples:
		return smp, nil
	case <-s.ended:
		return media.Sample{}, s.readErr()
	case <-s.done:
		return media.Sample{}, ErrSourceClosed
	}
}

func (s *rtspSource) readErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *rtspSource) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.client.Close()
	})
	return nil
}
