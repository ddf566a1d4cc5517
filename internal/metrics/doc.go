// Package metrics defines the Prometheus instrumentation for the relay
// service.
package metrics
