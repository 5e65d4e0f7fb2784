// Package memcall wraps the OS-level mmap/mprotect/mlock primitives behind
// a narrow interface so securemem/pagelock can be unit tested with a fake
// allocator instead of touching real page protections on every test run.
package memcall

import "github.com/awnumar/memcall"

// ProtectionFlag selects the page protection mode applied to an allocation.
type ProtectionFlag = memcall.MemoryProtectionFlag

// NoAccess marks memory unreadable and unwritable.
func NoAccess() ProtectionFlag { return memcall.NoAccess() }

// ReadOnly marks memory readable but immutable.
func ReadOnly() ProtectionFlag { return memcall.ReadOnly() }

// ReadWrite marks memory readable and writable.
func ReadWrite() ProtectionFlag { return memcall.ReadWrite() }

// Allocator allocates page-aligned memory.
type Allocator interface {
	Alloc(size int) ([]byte, error)
}

// Protector changes the protection flags of an allocation.
type Protector interface {
	Protect(b []byte, flag ProtectionFlag) error
}

// Locker prevents an allocation's pages from being swapped to disk.
type Locker interface {
	Lock(b []byte) error
	Unlock(b []byte) error
}

// Freer releases an allocation back to the OS.
type Freer interface {
	Free(b []byte) error
}

// Interface is the full set of primitives securemem/pagelock needs.
type Interface interface {
	Allocator
	Protector
	Locker
	Freer
}

// Default wraps the real awnumar/memcall package calls.
var Default Interface = osMemcall{}

type osMemcall struct{}

func (osMemcall) Alloc(size int) ([]byte, error)           { return memcall.Alloc(size) }
func (osMemcall) Protect(b []byte, f ProtectionFlag) error { return memcall.Protect(b, f) }
func (osMemcall) Lock(b []byte) error                      { return memcall.Lock(b) }
func (osMemcall) Unlock(b []byte) error                    { return memcall.Unlock(b) }
func (osMemcall) Free(b []byte) error                      { return memcall.Free(b) }
