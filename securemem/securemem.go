// Package securemem defines the contract for cleartext key storage: a Secret
// holds sensitive bytes in memory that is protected (via mprotect/mlock)
// outside of a narrow, reference-counted access window, and guarantees the
// bytes are wiped and unlocked exactly once, no matter how many goroutines
// are sharing it.
//
// Concrete allocators live in sub-packages (see securemem/pagelock); this
// package only fixes the interface every caller in this module programs
// against, following the same split the teacher project uses between its
// securememory root package and its protectedmemory/memguard backends.
package securemem

import (
	"io"

	"github.com/rcrowley/go-metrics"
)

var (
	// AllocCounter counts every Secret ever allocated by any Factory. It never
	// decreases.
	AllocCounter = metrics.GetOrRegisterCounter("securemem.allocated", nil)

	// LiveCounter tracks the number of Secrets currently allocated and not yet
	// closed.
	LiveCounter = metrics.GetOrRegisterCounter("securemem.live", nil)
)

// Secret holds protected, wipe-on-close key material.
//
// A Secret starts life in a no-access state. WithBytes/WithBytesFunc bracket
// a scoped read-only access window: the first concurrent accessor flips the
// backing pages to read-only, the last flips them back to no-access. Close
// blocks until every in-flight accessor has finished, then makes the memory
// read-write, wipes it, unlocks it, and frees it. Close is idempotent and
// safe to call from multiple goroutines; only the first caller does the
// work.
type Secret interface {
	// WithBytes grants read access to the secret's bytes for the duration of
	// action. The slice passed to action MUST NOT escape action — it becomes
	// invalid the instant action returns.
	WithBytes(action func([]byte) error) error

	// WithBytesFunc is WithBytes for callbacks that produce a new byte slice
	// (e.g. "decrypt this cipher text under me").
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)

	// IsClosed reports whether Close has already completed.
	IsClosed() bool

	// Close wipes and releases the backing memory. Safe to call more than
	// once and from multiple goroutines.
	Close() error

	// NewReader returns an io.Reader over the secret's bytes. Each Read call
	// takes its own WithBytes access window.
	NewReader() io.Reader
}

// Factory creates Secrets.
type Factory interface {
	// New copies src into a new Secret and wipes src. src's length becomes
	// the Secret's length.
	New(src []byte) (Secret, error)

	// CreateRandom returns a new Secret of size bytes filled with
	// cryptographically secure random data.
	CreateRandom(size int) (Secret, error)
}
