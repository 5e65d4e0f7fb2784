package metastore

import "github.com/google/uuid"

// NewID returns a fresh random identifier suitable for naming a system or
// intermediate key's partition, or for keying a caller's own DataRowRecord
// store. Asherah-style deployments commonly generate these per-test or
// per-row rather than reusing a fixed partition ID.
func NewID() string {
	return uuid.NewString()
}
