package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/media"
	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/mount"
)

type fakeSource struct {
	samples chan media.Sample
	fail    chan error

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		samples: make(chan media.Sample, 64),
		fail:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (f *fakeSource) Read() (media.Sample, error) {
	select {
	case s := <-f.samples:
		return s, nil
	case err := <-f.fail:
		return media.Sample{}, err
	case <-f.done:
		return media.Sample{}, errors.New("source closed")
	}
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

// fakeDialer scripts Open results per call number (1-based).
type fakeDialer struct {
	mu    sync.Mutex
	opens int
	open  func(n int) (media.Source, error)
}

func (d *fakeDialer) Open(ctx context.Context, locator string) (media.Source, error) {
	d.mu.Lock()
	d.opens++
	n := d.opens
	fn := d.open
	d.mu.Unlock()
	return fn(n)
}

func (d *fakeDialer) openCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func testConfig() Config {
	return Config{
		IdleTimeout:             50 * time.Millisecond,
		MaxRetries:              3,
		RetryBaseDelay:          time.Millisecond,
		RetryMaxDelay:           4 * time.Millisecond,
		ViewerQueueCapacity:     8,
		ViewerOverflowThreshold: 3,
		OverflowWindow:          time.Second,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry(t *testing.T) *mount.Registry {
	t.Helper()
	reg := mount.NewRegistry(nil)
	if err := reg.Register(mount.Mount{Path: "cam1", Locator: "rtsp://upstream/cam1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func receiveOne(t *testing.T, v *Viewer) media.Sample {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := v.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return s
}

func TestAttachUnknownMount(t *testing.T) {
	m := NewManager(testConfig(), testRegistry(t), &fakeDialer{}, testLogger())
	defer m.Stop()

	_, err := m.Attach("nope")
	var nf *MountNotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected MountNotFoundError, got %v", err)
	}
	if nf.Path != "nope" {
		t.Errorf("expected path %q, got %q", "nope", nf.Path)
	}
}

func TestSingleUpstreamConnection(t *testing.T) {
	src := newFakeSource()
	dialer := &fakeDialer{open: func(n int) (media.Source, error) { return src, nil }}
	m := NewManager(testConfig(), testRegistry(t), dialer, testLogger())
	defer m.Stop()

	const viewers = 10
	var wg sync.WaitGroup
	vs := make([]*Viewer, viewers)
	for i := 0; i < viewers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.Attach("cam1")
			if err != nil {
				t.Errorf("Attach: %v", err)
				return
			}
			vs[i] = v
		}(i)
	}
	wg.Wait()

	sess, ok := m.Session("cam1")
	if !ok {
		t.Fatal("expected a live session")
	}
	waitFor(t, time.Second, "streaming state", func() bool {
		return sess.State() == StateStreaming
	})

	if got := dialer.openCount(); got != 1 {
		t.Errorf("expected exactly 1 upstream connection, got %d", got)
	}
	if got := sess.ViewerCount(); got != viewers {
		t.Errorf("expected %d viewers, got %d", viewers, got)
	}

	src.samples <- sample(42)
	// fan-out delivers the same sample to every viewer
	for i, v := range vs {
		s := receiveOne(t, v)
		if s.Payload[0] != 42 {
			t.Errorf("viewer %d: expected sample 42, got %d", i, s.Payload[0])
		}
	}
}

func TestIdleTeardown(t *testing.T) {
	src := newFakeSource()
	dialer := &fakeDialer{open: func(n int) (media.Source, error) { return src, nil }}
	m := NewManager(testConfig(), testRegistry(t), dialer, testLogger())
	defer m.Stop()

	v, err := m.Attach("cam1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	sess, _ := m.Session("cam1")
	m.Detach(v)

	waitFor(t, time.Second, "idle teardown", func() bool {
		_, ok := m.Session("cam1")
		return !ok
	})
	if got := sess.State(); got != StateClosed {
		t.Errorf("expected closed state, got %s", got)
	}

	src.mu.Lock()
	closed := src.closed
	src.mu.Unlock()
	if !closed {
		t.Error("expected upstream source to be closed")
	}
}

func TestAttachCancelsIdleTeardown(t *testing.T) {
	dialer := &fakeDialer{open: func(n int) (media.Source, error) { return newFakeSource(), nil }}
	m := NewManager(testConfig(), testRegistry(t), dialer, testLogger())
	defer m.Stop()

	v1, err := m.Attach("cam1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	sess, _ := m.Session("cam1")
	m.Detach(v1)

	// re-attach before the idle timeout fires
	v2, err := m.Attach("cam1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer m.Detach(v2)

	time.Sleep(120 * time.Millisecond)

	cur, ok := m.Session("cam1")
	if !ok || cur != sess {
		t.Error("expected the same session to survive the idle window")
	}
	if sess.State().terminal() {
		t.Errorf("session unexpectedly terminal: %s", sess.State())
	}
}

func TestReconnectRetainsViewers(t *testing.T) {
	src1 := newFakeSource()
	src2 := newFakeSource()
	dialer := &fakeDialer{open: func(n int) (media.Source, error) {
		if n == 1 {
			return src1, nil
		}
		return src2, nil
	}}
	m := NewManager(testConfig(), testRegistry(t), dialer, testLogger())
	defer m.Stop()

	v, err := m.Attach("cam1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	sess, _ := m.Session("cam1")

	src1.samples <- sample(1)
	if s := receiveOne(t, v); s.Payload[0] != 1 {
		t.Fatalf("expected sample 1, got %d", s.Payload[0])
	}

	src1.fail <- errors.New("connection reset")

	waitFor(t, time.Second, "reconnect", func() bool {
		return dialer.openCount() == 2 && sess.State() == StateStreaming
	})

	// the viewer survived the reconnect and keeps receiving
	src2.samples <- sample(2)
	if s := receiveOne(t, v); s.Payload[0] != 2 {
		t.Errorf("expected sample 2 after reconnect, got %d", s.Payload[0])
	}
	if got := sess.ViewerCount(); got != 1 {
		t.Errorf("expected 1 viewer after reconnect, got %d", got)
	}
}

func TestRetryExhaustion(t *testing.T) {
	// hold the first connect attempt until both viewers are attached
	gate := make(chan struct{})
	dialer := &fakeDialer{open: func(n int) (media.Source, error) {
		if n == 1 {
			<-gate
		}
		return nil, errors.New("connection refused")
	}}
	cfg := testConfig()
	cfg.MaxRetries = 2
	m := NewManager(cfg, testRegistry(t), dialer, testLogger())
	defer m.Stop()

	v1, err := m.Attach("cam1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	v2, err := m.Attach("cam1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	sess, _ := m.Session("cam1")
	close(gate)

	// each viewer observes the terminal failure exactly once
	for i, v := range []*Viewer{v1, v2} {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := v.Receive(ctx)
		cancel()
		var uf *UpstreamFailureError
		if !errors.As(err, &uf) {
			t.Fatalf("viewer %d: expected UpstreamFailureError, got %v", i, err)
		}
		if uf.Attempts != 2 {
			t.Errorf("viewer %d: expected 2 attempts, got %d", i, uf.Attempts)
		}
	}

	if got := dialer.openCount(); got != 3 {
		t.Errorf("expected 3 connect attempts (initial + 2 retries), got %d", got)
	}
	if got := sess.State(); got != StateFailed {
		t.Errorf("expected failed state, got %s", got)
	}

	// a failed session is never resurrected: the next attach gets a new one
	waitFor(t, time.Second, "failed session removal", func() bool {
		_, ok := m.Session("cam1")
		return !ok
	})
	v3, err := m.Attach("cam1")
	if err != nil {
		t.Fatalf("Attach after failure: %v", err)
	}
	fresh, ok := m.Session("cam1")
	if !ok || fresh == sess {
		t.Error("expected a fresh session after failure")
	}
	m.Detach(v3)
}

func TestNoRetriesFailsImmediately(t *testing.T) {
	dialer := &fakeDialer{open: func(n int) (media.Source, error) {
		return nil, errors.New("connection refused")
	}}
	cfg := testConfig()
	cfg.MaxRetries = 0
	m := NewManager(cfg, testRegistry(t), dialer, testLogger())
	defer m.Stop()

	v, err := m.Attach("cam1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = v.Receive(ctx)
	var uf *UpstreamFailureError
	if !errors.As(err, &uf) {
		t.Fatalf("expected UpstreamFailureError, got %v", err)
	}
	if uf.Attempts != 0 {
		t.Errorf("expected 0 attempts, got %d", uf.Attempts)
	}
	if got := dialer.openCount(); got != 1 {
		t.Errorf("expected a single connect attempt, got %d", got)
	}
}

func TestBackpressureEvictsOnlySlowViewer(t *testing.T) {
	src := newFakeSource()
	dialer := &fakeDialer{open: func(n int) (media.Source, error) { return src, nil }}
	cfg := testConfig()
	cfg.ViewerQueueCapacity = 2
	cfg.ViewerOverflowThreshold = 1
	m := NewManager(cfg, testRegistry(t), dialer, testLogger())
	defer m.Stop()

	slow, err := m.Attach("cam1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	fast, err := m.Attach("cam1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	sess, _ := m.Session("cam1")
	waitFor(t, time.Second, "streaming state", func() bool {
		return sess.State() == StateStreaming
	})

	// fast viewer drains continuously, slow viewer never reads
	fastCtx, fastCancel := context.WithCancel(context.Background())
	defer fastCancel()
	fastErr := make(chan error, 1)
	go func() {
		for {
			if _, err := fast.Receive(fastCtx); err != nil {
				fastErr <- err
				return
			}
		}
	}()

	// pace the feed so the draining viewer keeps up while the stalled one
	// overflows
	for i := 0; i < 8; i++ {
		src.samples <- sample(byte(i))
		time.Sleep(2 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = slow.Receive(ctx)
	var bp *ViewerBackpressureError
	if !errors.As(err, &bp) {
		t.Fatalf("expected ViewerBackpressureError, got %v", err)
	}

	if sess.State() != StateStreaming {
		t.Errorf("session should keep streaming, got %s", sess.State())
	}
	select {
	case err := <-fastErr:
		t.Fatalf("fast viewer unexpectedly terminated: %v", err)
	default:
	}

	// the surviving viewer still gets fresh samples
	fastCancel()
	if !errors.Is(<-fastErr, context.Canceled) {
		t.Error("fast viewer should only stop on its own cancellation")
	}
}

func TestCloseMount(t *testing.T) {
	src := newFakeSource()
	dialer := &fakeDialer{open: func(n int) (media.Source, error) { return src, nil }}
	m := NewManager(testConfig(), testRegistry(t), dialer, testLogger())
	defer m.Stop()

	v, err := m.Attach("cam1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	m.CloseMount("cam1")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = v.Receive(ctx)
	if !errors.Is(err, ErrViewerClosed) {
		t.Errorf("expected ErrViewerClosed, got %v", err)
	}
	waitFor(t, time.Second, "session removal", func() bool {
		_, ok := m.Session("cam1")
		return !ok
	})
}

func TestManagerStop(t *testing.T) {
	src := newFakeSource()
	dialer := &fakeDialer{open: func(n int) (media.Source, error) { return src, nil }}
	m := NewManager(testConfig(), testRegistry(t), dialer, testLogger())

	v, err := m.Attach("cam1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	m.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := v.Receive(ctx); !errors.Is(err, ErrViewerClosed) {
		t.Errorf("expected ErrViewerClosed, got %v", err)
	}
	if _, err := m.Attach("cam1"); !errors.Is(err, ErrManagerStopped) {
		t.Errorf("expected ErrManagerStopped, got %v", err)
	}
}

func TestSessionsSnapshot(t *testing.T) {
	dialer := &fakeDialer{open: func(n int) (media.Source, error) { return newFakeSource(), nil }}
	reg := testRegistry(t)
	if err := reg.Register(mount.Mount{Path: "cam2", Locator: "rtsp://upstream/cam2"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	m := NewManager(testConfig(), reg, dialer, testLogger())
	defer m.Stop()

	v1, _ := m.Attach("cam1")
	v2, _ := m.Attach("cam2")
	defer m.Detach(v1)
	defer m.Detach(v2)

	infos := m.Sessions()
	if len(infos) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(infos))
	}
	if infos[0].Path != "cam1" || infos[1].Path != "cam2" {
		t.Errorf("expected sorted paths, got %q, %q", infos[0].Path, infos[1].Path)
	}
	for _, info := range infos {
		if info.Viewers != 1 {
			t.Errorf("session %s: expected 1 viewer, got %d", info.Path, info.Viewers)
		}
	}
}
