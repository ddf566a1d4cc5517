// Package server implements the HTTP management API: publishing and removing
// dynamic streams, stale-stream cleanup, and the monitoring/statistics
// endpoints including Prometheus metrics.
package server
