// Package relay implements the session lifecycle and fan-out engine of the
// media relay.
//
// A Session owns exactly one upstream connection per mount path and fans its
// sample sequence out to any number of attached viewers. Sessions are created
// on demand by the Manager when the first viewer attaches, survive upstream
// drops via a capped exponential backoff reconnect loop, and tear themselves
// down after a configurable idle period with no viewers.
//
// Each Viewer has a bounded queue with drop-oldest overflow. A viewer that
// overflows too often within a sliding window is evicted so one slow consumer
// can never degrade delivery to the others.
package relay
