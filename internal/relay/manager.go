package relay

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/media"
	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/metrics"
	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/mount"
)

// Config holds the per-session relay policy. The manager applies the same
// policy to every session it creates.
type Config struct {
	// IdleTimeout is how long a session with zero viewers stays alive before
	// teardown.
	IdleTimeout time.Duration
	// MaxRetries bounds the reconnect loop. Zero or negative means no
	// retries: the first failure is final.
	MaxRetries int
	// RetryBaseDelay is the first reconnect delay; it doubles per attempt.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the reconnect delay growth.
	RetryMaxDelay time.Duration
	// ViewerQueueCapacity bounds each viewer's sample queue.
	ViewerQueueCapacity int
	// ViewerOverflowThreshold is the number of queue overflows within
	// OverflowWindow a viewer survives before eviction.
	ViewerOverflowThreshold int
	// OverflowWindow is the sliding window for counting overflows.
	OverflowWindow time.Duration
}

// Option configures optional manager dependencies.
type Option func(*Manager)

// WithClock substitutes the clock used for idle timers and backoff sleeps.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clk = clk }
}

// WithMetrics wires Prometheus instrumentation into the manager's sessions.
func WithMetrics(mtr *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mtr }
}

// Manager owns the relay sessions, one per active mount path. It guarantees
// at most one live session (and therefore at most one upstream connection)
// per path, creates sessions on demand when the first viewer attaches, and
// lets them expire when idle.
type Manager struct {
	cfg      Config
	registry *mount.Registry
	dialer   media.Dialer
	logger   *slog.Logger
	clk      clock.Clock
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	stopped  bool
}

// NewManager creates a session manager over the given mount registry and
// upstream dialer.
func NewManager(cfg Config, registry *mount.Registry, dialer media.Dialer, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		registry: registry,
		dialer:   dialer,
		logger:   logger,
		clk:      clock.New(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach subscribes a new viewer to the mount at path, creating the relay
// session on demand. Concurrent attaches to the same path share one session;
// an attach that races a terminal transition transparently gets a fresh
// session instead.
func (m *Manager) Attach(path string) (*Viewer, error) {
	locator, ok := m.registry.Resolve(path)
	if !ok {
		return nil, &MountNotFoundError{Path: path}
	}

	for {
		sess, err := m.getOrCreate(path, locator)
		if err != nil {
			return nil, err
		}
		v, ok := sess.attach()
		if ok {
			return v, nil
		}
		// lost the race against a terminal transition; drop the dead
		// session and try again
		m.forget(sess)
	}
}

func (m *Manager) getOrCreate(path, locator string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrManagerStopped
	}
	if sess, ok := m.sessions[path]; ok {
		return sess, nil
	}

	sess := newSession(path, locator, m.cfg, m.logger, m.dialer, m.clk, m.metrics, m.onSessionClose)
	m.sessions[path] = sess
	m.registry.SetSession(path, sess)
	m.logger.Info("relay session created",
		slog.String("path", path),
		slog.String("locator", locator),
	)
	if m.metrics != nil {
		m.metrics.RecordSessionCreated()
	}
	return sess, nil
}

// Detach removes a viewer from its session. Idempotent.
func (m *Manager) Detach(v *Viewer) {
	if v == nil {
		return
	}
	v.sess.detach(v.id)
}

// onSessionClose runs after a session reaches a terminal state and clears its
// registration so a later attach creates a replacement.
func (m *Manager) onSessionClose(s *Session) {
	m.forget(s)
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.path]; ok && cur == s {
		delete(m.sessions, s.path)
		m.registry.SetSession(s.path, nil)
	}
	m.mu.Unlock()
}

// Session returns the live session for path, if any.
func (m *Manager) Session(path string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[path]
	return sess, ok
}

// CloseMount tears down the session for path, detaching its viewers. It is a
// no-op when the path has no live session.
func (m *Manager) CloseMount(path string) {
	m.mu.Lock()
	sess := m.sessions[path]
	m.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
}

// Sessions returns monitoring snapshots of all live sessions, ordered by
// path.
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos
}

// Stop closes every session and rejects further attaches. It returns after
// all session workers have exited.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	for _, s := range sessions {
		<-s.done
	}
	m.logger.Info("relay manager stopped", slog.Int("sessions_closed", len(sessions)))
}
