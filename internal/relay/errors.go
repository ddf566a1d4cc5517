package relay

import (
	"errors"
	"fmt"
	"time"
)

// ErrManagerStopped is returned by Attach after the manager has shut down.
var ErrManagerStopped = errors.New("relay manager stopped")

// ErrViewerClosed is the terminal error of a viewer detached without a
// failure, e.g. by its own teardown or an orderly session close.
var ErrViewerClosed = errors.New("viewer subscription closed")

// MountNotFoundError is returned when a requested path has no resolvable
// upstream locator. It is surfaced to the protocol layer as a not-found
// response.
type MountNotFoundError struct {
	Path string
}

func (e *MountNotFoundError) Error() string {
	return fmt.Sprintf("mount %q not found", e.Path)
}

// UpstreamConnectError wraps a single failed upstream connect attempt. It is
// transient: the session retries per backoff policy and viewers never see it
// unless the retry budget runs out.
type UpstreamConnectError struct {
	Path  string
	State State
	Err   error
}

func (e *UpstreamConnectError) Error() string {
	return fmt.Sprintf("upstream connect for mount %q failed in state %s: %v", e.Path, e.State, e.Err)
}

func (e *UpstreamConnectError) Unwrap() error { return e.Err }

// UpstreamFailureError terminates a session after the retry budget is
// exhausted. Every attached viewer receives it exactly once.
type UpstreamFailureError struct {
	Path     string
	State    State
	Attempts int
	Err      error
}

func (e *UpstreamFailureError) Error() string {
	return fmt.Sprintf("upstream for mount %q failed in state %s after %d attempts: %v",
		e.Path, e.State, e.Attempts, e.Err)
}

func (e *UpstreamFailureError) Unwrap() error { return e.Err }

// ViewerBackpressureError detaches a single slow viewer whose queue overflow
// count exceeded the configured threshold within the sliding window. It never
// affects other viewers or the session itself.
type ViewerBackpressureError struct {
	Path      string
	Overflows int
	Window    time.Duration
}

func (e *ViewerBackpressureError) Error() string {
	return fmt.Sprintf("viewer on mount %q evicted: %d queue overflows within %s",
		e.Path, e.Overflows, e.Window)
}
