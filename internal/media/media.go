package media

import (
	"context"
	"time"
)

// Sample is a single media unit pulled from an upstream source. The payload
// is an opaque, already-framed packet; the relay never inspects it.
type Sample struct {
	TrackID   int
	Timestamp time.Time
	Payload   []byte
}

// Source is one live upstream connection. Read blocks until a sample is
// available or the connection fails; after the first error the sequence is
// over and subsequent calls keep returning an error. Close releases the
// transport and unblocks any pending Read.
type Source interface {
	Read() (Sample, error)
	Close() error
}

// Dialer opens upstream connections. Implementations own the transport
// exclusively; callers decide whether and when to retry.
type Dialer interface {
	Open(ctx context.Context, locator string) (Source, error)
}
