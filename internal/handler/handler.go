package handler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/media"
	"github.com/tiarhax/michilante-rtsp-dynamic-relay/internal/relay"
)

// WriteFunc delivers one sample to a downstream connection. A non-nil error
// means the connection is no longer usable and ends the session.
type WriteFunc func(media.Sample) error

// Handler bridges downstream protocol connections to relay viewers. It owns
// the attach/detach bookkeeping per connection id and guarantees each
// connection holds at most one viewer subscription.
type Handler struct {
	mgr    *relay.Manager
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*conn
}

type conn struct {
	id     string
	path   string
	viewer *relay.Viewer
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a handler over the given session manager.
func New(mgr *relay.Manager, logger *slog.Logger) *Handler {
	return &Handler{
		mgr:    mgr,
		logger: logger,
		conns:  make(map[string]*conn),
	}
}

// Active returns the number of connections with a live subscription.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// SessionBegin attaches the connection to the mount at path and starts
// delivering samples through write. Calling it again for a connection that
// already has a live subscription is a no-op.
func (h *Handler) SessionBegin(connID, path string, write WriteFunc) error {
	h.mu.Lock()
	if _, ok := h.conns[connID]; ok {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	v, err := h.mgr.Attach(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:     connID,
		path:   path,
		viewer: v,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if _, ok := h.conns[connID]; ok {
		// lost a begin/begin race; keep the winner's subscription
		h.mu.Unlock()
		cancel()
		h.mgr.Detach(v)
		return nil
	}
	h.conns[connID] = c
	h.mu.Unlock()

	h.logger.Info("downstream session started",
		slog.String("conn_id", connID),
		slog.String("path", path),
	)
	go h.pump(ctx, c, write)
	return nil
}

// SessionEnd tears down the connection's subscription. It returns after the
// delivery goroutine has stopped, so no write happens past this call.
// Idempotent.
func (h *Handler) SessionEnd(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	c.cancel()
	h.mgr.Detach(c.viewer)
	<-c.done

	h.logger.Info("downstream session ended",
		slog.String("conn_id", connID),
		slog.String("path", c.path),
	)
}

// Close ends every active session, e.g. on shutdown.
func (h *Handler) Close() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.SessionEnd(id)
	}
}

// pump forwards the viewer's sample sequence into the connection until the
// subscription or the connection ends.
func (h *Handler) pump(ctx context.Context, c *conn, write WriteFunc) {
	defer close(c.done)

	for {
		s, err := c.viewer.Receive(ctx)
		if err != nil {
			h.finish(c, err)
			return
		}
		if err := write(s); err != nil {
			h.logger.Debug("downstream write failed",
				slog.String("conn_id", c.id),
				slog.String("path", c.path),
				slog.String("error", err.Error()),
			)
			h.finish(c, nil)
			return
		}
	}
}

// finish removes the connection after its subscription ended on the relay
// side or its write path broke. SessionEnd races are resolved by the map
// check: only the goroutine that removes the entry detaches the viewer.
func (h *Handler) finish(c *conn, cause error) {
	h.mu.Lock()
	cur, ok := h.conns[c.id]
	if ok && cur == c {
		delete(h.conns, c.id)
	} else {
		ok = false
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	c.cancel()
	h.mgr.Detach(c.viewer)

	switch {
	case cause == nil || errors.Is(cause, relay.ErrViewerClosed) || errors.Is(cause, context.Canceled):
		h.logger.Info("downstream session closed",
			slog.String("conn_id", c.id),
			slog.String("path", c.path),
		)
	default:
		h.logger.Warn("downstream session terminated",
			slog.String("conn_id", c.id),
			slog.String("path", c.path),
			slog.String("error", cause.Error()),
		)
	}
}
