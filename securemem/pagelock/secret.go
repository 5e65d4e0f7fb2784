// Package pagelock implements securemem.Secret on top of mmap'd, mlock'd
// pages whose protection flags are toggled between NoAccess and ReadOnly as
// readers come and go. It is the production Factory: the only implementation
// this module ships that actually keeps cleartext key material out of swap
// and out of core dumps.
package pagelock

import (
	"crypto/subtle"
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	memguardcore "github.com/awnumar/memguard/core"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"

	"github.com/sentrykey/envelope/pkg/log"
	"github.com/sentrykey/envelope/securemem"
	"github.com/sentrykey/envelope/securemem/internal/memcall"
	"github.com/sentrykey/envelope/securemem/internal/reader"
)

// AllocTimer records how long page allocation + locking takes.
var AllocTimer = metrics.GetOrRegisterTimer("securemem.pagelock.alloc", nil)

type closedError string

func (e closedError) Error() string { return string(e) }

// ErrClosed is returned by WithBytes/WithBytesFunc once Close has run.
const ErrClosed closedError = "secret has already been closed"

// secret is the concrete, protected-memory backed Secret.
//
// Two mutexes do different jobs on purpose: rw guards the access-count /
// protection-flag state machine (cheap, held briefly); closeMu's condition
// variable lets Close block until concurrent readers have drained without
// making every reader contend on the same lock Close uses to wait.
type secret struct {
	bytes []byte
	mc    memcall.Interface

	rw      sync.Mutex
	readers int

	// closing/closed are atomics, not bools guarded by closeMu: access()
	// must be able to check them while holding rw (to stay atomic with
	// the readers increment) without ever taking closeMu while rw is
	// held, since Close() takes rw while closeMu is held — nesting the
	// same two locks in opposite orders on both paths would deadlock.
	closing atomic.Bool
	closed  atomic.Bool

	closeMu sync.Mutex
	closeC  *sync.Cond

	// finalizeGuard carries the runtime finalizer so the finalizer func
	// itself never holds a reference to *secret (which would keep it alive
	// forever).
	finalizeGuard *int
}

// Factory allocates pagelock-backed Secrets. The zero value is ready to use.
type Factory struct {
	mc memcall.Interface
}

// NewFactory returns a Factory ready to use with the platform's real
// memcall backend.
func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) backend() memcall.Interface {
	if f.mc == nil {
		return memcall.Default
	}

	return f.mc
}

var _ securemem.Factory = (*Factory)(nil)

// New copies src into a new protected Secret and wipes src.
func (f *Factory) New(src []byte) (securemem.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	s, err := allocate(len(src), f.backend())
	if err != nil {
		return nil, err
	}

	subtle.ConstantTimeCopy(1, s.bytes, src)
	memguardcore.Wipe(src)

	if err := f.backend().Protect(s.bytes, memcall.NoAccess()); err != nil {
		if cerr := memcall.Cleanup(f.backend(), s.bytes); cerr != nil {
			err = errors.Wrap(err, cerr.Error())
		}

		return nil, err
	}

	securemem.AllocCounter.Inc(1)
	securemem.LiveCounter.Inc(1)

	return s, nil
}

// CreateRandom returns a new Secret of size bytes of cryptographically
// secure random data.
func (f *Factory) CreateRandom(size int) (securemem.Secret, error) {
	defer AllocTimer.UpdateSince(time.Now())

	s, err := allocate(size, f.backend())
	if err != nil {
		return nil, err
	}

	if err := fillRandom(s.bytes); err != nil {
		if cerr := memcall.Cleanup(f.backend(), s.bytes); cerr != nil {
			err = errors.Wrap(err, cerr.Error())
		}

		return nil, err
	}

	if err := f.backend().Protect(s.bytes, memcall.NoAccess()); err != nil {
		if cerr := memcall.Cleanup(f.backend(), s.bytes); cerr != nil {
			err = errors.Wrap(err, cerr.Error())
		}

		return nil, err
	}

	securemem.AllocCounter.Inc(1)
	securemem.LiveCounter.Inc(1)

	return s, nil
}

func allocate(size int, mc memcall.Interface) (*secret, error) {
	if size < 1 {
		return nil, errors.New("securemem: invalid secret length")
	}

	buf, err := mc.Alloc(size)
	if err != nil {
		return nil, err
	}

	if err := mc.Lock(buf); err != nil {
		if ferr := mc.Free(buf); ferr != nil {
			err = errors.Wrap(err, ferr.Error())
		}

		return nil, err
	}

	s := &secret{
		bytes:         buf,
		mc:            mc,
		finalizeGuard: new(int),
	}
	s.closeC = sync.NewCond(&s.closeMu)

	// The finalizer closes over s directly; Go finalizers on a value that's
	// part of its own referent cycle still fire because the finalizer isn't
	// reachable from s itself (only from finalizeGuard), matching the
	// teacher's dummy-reference pattern.
	runtime.SetFinalizer(s.finalizeGuard, func(*int) {
		go func() {
			if !s.isClosed() {
				log.Debugf("securemem: secret finalized before Close was called")
			}

			_ = s.Close()
		}()
	})

	return s, nil
}

func fillRandom(buf []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("securemem: random fill failed: %v", r)
		}
	}()

	// delegate to the same constant-effort fill used for DRK/IK generation
	// so secure-memory allocation and key generation can't diverge in how
	// "random" is defined.
	fillRandomBytes(buf)

	return nil
}

// access flips the backing pages to read-only on the 0->1 transition.
//
// closing/closed are read here while holding rw, the same lock Close()
// holds while taking its readers==0 snapshot; that shared lock is what
// makes "no new reader is admitted after Close has decided to proceed"
// hold even though closing is an atomic rather than something closeMu
// guards (see the comment on the secret struct).
func (s *secret) access() error {
	s.rw.Lock()
	defer s.rw.Unlock()

	if s.closing.Load() || s.closed.Load() {
		return errors.WithStack(ErrClosed)
	}

	if s.readers == 0 {
		if err := s.mc.Protect(s.bytes, memcall.ReadOnly()); err != nil {
			return errors.WithMessage(err, "securemem: unable to mark memory read-only")
		}
	}

	s.readers++

	return nil
}

// release flips the backing pages back to no-access on the 1->0 transition.
//
// The closeMu broadcast happens after rw is released, never nested inside
// it: Close() takes the locks in the opposite order (closeMu, then a brief
// rw to snapshot readers), so nesting them the same way here would
// deadlock — Close holding closeMu and blocked on rw while a concurrent
// release held rw and blocked on closeMu.
func (s *secret) release() error {
	s.rw.Lock()
	s.readers--
	last := s.readers == 0

	var err error
	if last {
		if perr := s.mc.Protect(s.bytes, memcall.NoAccess()); perr != nil {
			err = errors.WithMessage(perr, "securemem: unable to mark memory no-access")
		}
	}

	s.rw.Unlock()

	if last {
		// Close may be waiting on readers draining.
		s.closeMu.Lock()
		s.closeC.Broadcast()
		s.closeMu.Unlock()
	}

	return err
}

func (s *secret) isClosed() bool {
	return s.closed.Load()
}

// WithBytes implements securemem.Secret.
func (s *secret) WithBytes(action func([]byte) error) (err error) {
	if err = s.access(); err != nil {
		return err
	}

	defer func() {
		if rerr := s.release(); rerr != nil {
			if err == nil {
				err = rerr
			} else {
				err = errors.WithMessage(err, rerr.Error())
			}
		}
	}()

	return action(s.bytes)
}

// WithBytesFunc implements securemem.Secret.
func (s *secret) WithBytesFunc(action func([]byte) ([]byte, error)) (ret []byte, err error) {
	if err = s.access(); err != nil {
		return nil, err
	}

	defer func() {
		if rerr := s.release(); rerr != nil {
			if err == nil {
				err = rerr
			} else {
				err = errors.WithMessage(err, rerr.Error())
			}
		}
	}()

	return action(s.bytes)
}

// IsClosed implements securemem.Secret.
func (s *secret) IsClosed() bool {
	return s.isClosed()
}

// NewReader implements securemem.Secret.
func (s *secret) NewReader() io.Reader {
	return reader.New(s)
}

// Close implements securemem.Secret. It blocks until any in-flight
// WithBytes/WithBytesFunc callers have released their access, then wipes,
// unlocks and frees the backing memory. Safe to call concurrently and more
// than once; only the first completed call does the work.
func (s *secret) Close() error {
	s.closing.Store(true)

	s.closeMu.Lock()

	for !s.closed.Load() {
		s.rw.Lock()
		idle := s.readers == 0
		s.rw.Unlock()

		if idle {
			break
		}

		s.closeC.Wait()
	}

	if s.closed.Load() {
		s.closeMu.Unlock()
		return nil
	}

	s.closed.Store(true)
	s.closeMu.Unlock()

	return s.wipeAndFree()
}

func (s *secret) wipeAndFree() error {
	if err := s.mc.Protect(s.bytes, memcall.ReadWrite()); err != nil {
		return err
	}

	memguardcore.Wipe(s.bytes)

	if err := s.mc.Unlock(s.bytes); err != nil {
		return err
	}

	if err := s.mc.Free(s.bytes); err != nil {
		return err
	}

	s.bytes = nil
	securemem.LiveCounter.Dec(1)

	return nil
}

func (s *secret) String() string {
	return fmt.Sprintf("pagelock.secret(%p)", s)
}
