// Package upstream implements the media.Dialer boundary for RTSP sources.
// It owns the transport of each pull connection; reconnect policy belongs to
// the relay session that drives it.
package upstream
