// Package idgen generates the identifiers used across the runtime.
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var entropyPool = sync.Pool{
	New: func() any {
		return ulid.Monotonic(rand.Reader, 0)
	},
}

// NewID generates a sortable unique identifier (ULID). Used for jobs, async
// submissions and other records where creation order matters.
func NewID() string {
	entropy := entropyPool.Get().(*ulid.MonotonicEntropy)
	defer entropyPool.Put(entropy)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewUUID generates an opaque random identifier.
func NewUUID() string {
	return uuid.NewString()
}
