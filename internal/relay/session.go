package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/media"
	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/metrics"
)

// State is the lifecycle state of a relay session.
type State int

const (
	// StateInit: created, no upstream attempt yet.
	StateInit State = iota
	// StateConnecting: first upstream open in flight.
	StateConnecting
	// StateStreaming: samples flowing to attached viewers.
	StateStreaming
	// StateReconnecting: upstream lost, retry loop active, viewers retained.
	StateReconnecting
	// StateFailed: retry budget exhausted. Terminal.
	StateFailed
	// StateClosed: idle teardown or explicit shutdown. Terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateFailed || s == StateClosed
}

// SessionInfo is a snapshot of one session for monitoring and APIs.
type SessionInfo struct {
	Path      string    `json:"path"`
	State     string    `json:"state"`
	Viewers   int       `json:"viewers"`
	StartTime time.Time `json:"start_time"`
	Samples   uint64    `json:"samples_relayed"`
	LastError string    `json:"last_error,omitempty"`
}

// Session relays one mount's upstream feed to its attached viewers. All state
// mutation is serialized through the session mutex; the upstream feed is
// driven by a single worker goroutine. Terminal sessions never come back:
// a later attach on the same path gets a brand-new session.
type Session struct {
	path    string
	locator string
	cfg     Config
	logger  *slog.Logger
	dialer  media.Dialer
	clk     clock.Clock
	metrics *metrics.Metrics
	onClose func(*Session)

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	started   chan struct{}
	done      chan struct{}

	startTime time.Time
	samples   atomic.Uint64

	mu        sync.Mutex
	state     State
	dist      *distributor
	viewers   map[ViewerID]*Viewer
	nextID    ViewerID
	source    media.Source
	idleTimer *clock.Timer
	idleGen   int
	lastError error
}

func newSession(path, locator string, cfg Config, logger *slog.Logger,
	dialer media.Dialer, clk clock.Clock, m *metrics.Metrics, onClose func(*Session)) *Session {

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		path:      path,
		locator:   locator,
		cfg:       cfg,
		logger:    logger,
		dialer:    dialer,
		clk:       clk,
		metrics:   m,
		onClose:   onClose,
		ctx:       ctx,
		cancel:    cancel,
		started:   make(chan struct{}),
		done:      make(chan struct{}),
		startTime: clk.Now(),
		state:     StateInit,
		viewers:   make(map[ViewerID]*Viewer),
	}
	go s.run()
	return s
}

// Path returns the mount path this session serves.
func (s *Session) Path() string { return s.path }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ViewerCount returns the number of currently attached viewers.
func (s *Session) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// Info returns a monitoring snapshot.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		Path:      s.path,
		State:     s.state.String(),
		Viewers:   len(s.viewers),
		StartTime: s.startTime,
		Samples:   s.samples.Load(),
	}
	if s.lastError != nil {
		info.LastError = s.lastError.Error()
	}
	return info
}

// attach registers a new viewer and cancels any pending idle teardown. ok is
// false when the session is terminal; the caller must then create a fresh
// session instead of resurrecting this one.
func (s *Session) attach() (*Viewer, bool) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return nil, false
	}

	s.idleGen++
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}

	s.nextID++
	v := newViewer(s.nextID, s, s.cfg.ViewerQueueCapacity,
		s.cfg.ViewerOverflowThreshold, s.cfg.OverflowWindow, s.clk)
	s.viewers[v.id] = v
	if s.dist != nil {
		s.dist.subscribe(v)
	}
	s.mu.Unlock()

	// first attach moves the session out of Init
	s.startOnce.Do(func() { close(s.started) })

	if s.metrics != nil {
		s.metrics.RecordViewerAttached()
	}
	return v, true
}

// detach removes a viewer and starts the idle-teardown timer when it was the
// last one. Detaching an unknown or already-detached viewer is a no-op.
func (s *Session) detach(id ViewerID) {
	s.mu.Lock()
	v, ok := s.viewers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.viewers, id)
	if s.dist != nil {
		s.dist.unsubscribe(id)
	}
	if len(s.viewers) == 0 && !s.state.terminal() {
		s.startIdleTimerLocked()
	}
	s.mu.Unlock()

	v.close(nil)
	if s.metrics != nil {
		s.metrics.RecordViewerDetached()
	}
}

// startIdleTimerLocked schedules teardown after the idle timeout. The
// generation counter resolves the race against a concurrent attach: an attach
// bumps the generation, so an expiry from a stale timer does nothing.
func (s *Session) startIdleTimerLocked() {
	s.idleGen++
	gen := s.idleGen
	s.idleTimer = s.clk.AfterFunc(s.cfg.IdleTimeout, func() {
		s.idleExpired(gen)
	})
}

func (s *Session) idleExpired(gen int) {
	s.mu.Lock()
	if gen != s.idleGen || len(s.viewers) > 0 || s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.logger.Info("closing idle relay session",
		slog.String("path", s.path),
		slog.Duration("idle_timeout", s.cfg.IdleTimeout),
	)
	s.closeLocked(StateClosed, nil)
	s.mu.Unlock()

	s.finish(false)
}

// Close tears the session down regardless of attached viewers, e.g. on mount
// removal or service shutdown. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.closeLocked(StateClosed, nil)
	s.mu.Unlock()

	s.finish(false)
}

// closeLocked performs the terminal transition: it stops timers, closes the
// owned upstream connection synchronously, cancels the worker, and detaches
// every viewer with the given terminal error.
func (s *Session) closeLocked(to State, err error) {
	s.state = to
	s.lastError = err
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	if s.source != nil {
		s.source.Close()
		s.source = nil
	}
	s.cancel()
	s.startOnce.Do(func() { close(s.started) })

	for id, v := range s.viewers {
		delete(s.viewers, id)
		v.close(err)
		if s.metrics != nil {
			s.metrics.RecordViewerDetached()
		}
	}
	s.dist = nil
}

// finish reports the terminal transition to the manager and to metrics.
func (s *Session) finish(failed bool) {
	if s.metrics != nil {
		duration := s.clk.Now().Sub(s.startTime).Seconds()
		if failed {
			s.metrics.RecordSessionFailed(duration)
		} else {
			s.metrics.RecordSessionClosed(duration)
		}
	}
	if s.onClose != nil {
		s.onClose(s)
	}
}

// fail terminates the session with an upstream failure. Every attached viewer
// receives the error exactly once.
func (s *Session) fail(cause error, attempts int) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	err := &UpstreamFailureError{
		Path:     s.path,
		State:    s.state,
		Attempts: attempts,
		Err:      cause,
	}
	s.closeLocked(StateFailed, err)
	s.mu.Unlock()

	s.logger.Error("relay session failed",
		slog.String("path", s.path),
		slog.Int("attempts", attempts),
		slog.String("error", cause.Error()),
	)
	s.finish(true)
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	if !s.state.terminal() {
		s.state = to
	}
	s.mu.Unlock()
}

// run is the session worker: it opens the upstream connection, pumps its
// sample sequence into the fan-out, and drives the reconnect loop. It is the
// only goroutine that touches the upstream source between adoption and close.
func (s *Session) run() {
	defer close(s.done)

	select {
	case <-s.started:
	case <-s.ctx.Done():
		return
	}
	if s.ctx.Err() != nil {
		return
	}

	s.setState(StateConnecting)
	src, err := s.open()
	if err != nil {
		src = s.reconnect(err)
		if src == nil {
			return
		}
	}

	for {
		dist := newDistributor()
		if !s.adoptSource(src, dist) {
			src.Close()
			return
		}
		s.logger.Info("upstream streaming",
			slog.String("path", s.path),
			slog.Int("viewers", dist.count()),
		)

		readErr := s.pump(src, dist)
		src.Close()
		s.clearSource()

		if s.ctx.Err() != nil || s.State().terminal() {
			return
		}

		s.logger.Warn("upstream connection lost",
			slog.String("path", s.path),
			slog.String("error", readErr.Error()),
		)
		src = s.reconnect(readErr)
		if src == nil {
			return
		}
	}
}

// open performs a single upstream connect attempt.
func (s *Session) open() (media.Source, error) {
	src, err := s.dialer.Open(s.ctx, s.locator)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordUpstreamFailure()
		}
		return nil, &UpstreamConnectError{Path: s.path, State: s.State(), Err: err}
	}
	if s.metrics != nil {
		s.metrics.RecordUpstreamConnect()
	}
	return src, nil
}

// reconnect runs the backoff loop after a connect failure or a dropped
// connection. It returns a fresh source, or nil after transitioning the
// session to Failed (or after cancellation). Attached viewers are retained
// for the whole loop; they only learn about the outage if it becomes final.
func (s *Session) reconnect(cause error) media.Source {
	if s.cfg.MaxRetries <= 0 {
		s.fail(cause, 0)
		return nil
	}

	s.setState(StateReconnecting)
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		delay := retryDelay(s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay, attempt)
		s.logger.Info("scheduling upstream reconnect",
			slog.String("path", s.path),
			slog.Int("attempt", attempt),
			slog.Int("max_retries", s.cfg.MaxRetries),
			slog.Duration("delay", delay),
		)
		if !s.sleep(delay) {
			return nil
		}

		if s.metrics != nil {
			s.metrics.RecordUpstreamRetry()
		}
		src, err := s.open()
		if err == nil {
			return src
		}
		cause = err
		s.logger.Warn("upstream reconnect failed",
			slog.String("path", s.path),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	s.fail(cause, s.cfg.MaxRetries)
	return nil
}

// adoptSource installs a freshly opened connection and its fan-out, moving
// every retained viewer onto the new distributor instance. It reports false
// when the session turned terminal while the connect was in flight.
func (s *Session) adoptSource(src media.Source, dist *distributor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return false
	}
	s.source = src
	s.dist = dist
	for _, v := range s.viewers {
		dist.subscribe(v)
	}
	s.state = StateStreaming
	return true
}

func (s *Session) clearSource() {
	s.mu.Lock()
	s.source = nil
	s.mu.Unlock()
}

// pump drains the upstream sample sequence into the fan-out until the
// connection fails. Slow viewers are evicted here, on the publishing side,
// without ever blocking delivery to the rest.
func (s *Session) pump(src media.Source, dist *distributor) error {
	for {
		smp, err := src.Read()
		if err != nil {
			return err
		}
		s.samples.Add(1)

		drops, kicked := dist.publish(smp)
		if s.metrics != nil {
			s.metrics.RecordSamplesRelayed(dist.count())
			for i := 0; i < drops; i++ {
				s.metrics.RecordSampleDropped()
			}
		}
		for _, v := range kicked {
			s.evict(v)
		}
	}
}

// evict force-detaches one viewer for sustained backpressure.
func (s *Session) evict(v *Viewer) {
	err := &ViewerBackpressureError{
		Path:      s.path,
		Overflows: s.cfg.ViewerOverflowThreshold + 1,
		Window:    s.cfg.OverflowWindow,
	}

	s.mu.Lock()
	if _, ok := s.viewers[v.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.viewers, v.id)
	if s.dist != nil {
		s.dist.unsubscribe(v.id)
	}
	if len(s.viewers) == 0 && !s.state.terminal() {
		s.startIdleTimerLocked()
	}
	s.mu.Unlock()

	v.close(err)
	s.logger.Warn("viewer evicted for backpressure",
		slog.String("path", s.path),
		slog.Uint64("viewer_id", uint64(v.id)),
		slog.Duration("overflow_window", s.cfg.OverflowWindow),
	)
	if s.metrics != nil {
		s.metrics.RecordViewerEvicted()
		s.metrics.RecordViewerDetached()
	}
}

// sleep waits for the given delay on the session clock, aborting early on
// cancellation.
func (s *Session) sleep(d time.Duration) bool {
	t := s.clk.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}
