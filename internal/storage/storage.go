package storage

import (
	"context"
	"io"
)

// ObjectStore persists generation output bytes and returns a durable,
// client-servable URL. The orchestrator re-homes every provider output
// through it before a generation is marked completed.
type ObjectStore interface {
	Upload(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
}
