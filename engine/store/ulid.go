package store

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// idEntropy is a process-wide monotonic entropy source so that artifact ids
// generated within the same millisecond stay lexicographically sortable,
// the standard idiom for oklog/ulid.
var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(ulid.DefaultEntropy(), 0)
)

// NewArtifactID returns a fresh 26-character ULID-compatible, lexically
// sortable, monotonic identifier (spec §3 Artifact.id).
func NewArtifactID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}
