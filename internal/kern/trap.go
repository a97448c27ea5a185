package kern

import (
	"errors"
	"fmt"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/uapi"
)

// Reasons an environment is terminated by a page fault.
const (
	ReasonNoUpcall   = "no_upcall"
	ReasonBadXStack  = "bad_exception_stack"
	ReasonUnresolved = "unresolved"
	ReasonHandler    = "handler_error"
)

// TerminatedError reports that an environment was destroyed because a
// page fault could not be handled.
type TerminatedError struct {
	Env    uapi.EnvID
	Frame  uapi.Trapframe
	Reason string
	Cause  error
}

func (e *TerminatedError) Error() string {
	msg := fmt.Sprintf("env %s terminated: page fault at va %08x err %#x: %s",
		e.Env, e.Frame.FaultVA, e.Frame.Err, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TerminatedError) Unwrap() error { return e.Cause }

// reasoner is implemented by handler errors that classify themselves.
type reasoner interface {
	Reason() string
}

// Read copies len(buf) bytes at va into buf.
func (p *Proc) Read(va uintptr, buf []byte) error {
	return p.access(va, len(buf), false, func(page []byte, done int) {
		copy(buf[done:], page)
	})
}

// Write stores data at va. Writes to read-only pages fault.
func (p *Proc) Write(va uintptr, data []byte) error {
	return p.access(va, len(data), true, func(page []byte, done int) {
		copy(page, data[done:])
	})
}

// Copy moves n bytes from src to dst within the caller's address space.
func (p *Proc) Copy(dst, src uintptr, n int) error {
	buf := make([]byte, n)
	if err := p.Read(src, buf); err != nil {
		return err
	}
	return p.Write(dst, buf)
}

// access walks [va, va+n) page by page, calling fn with the mapped bytes of
// each chunk. A fault is delivered to the env's handler and the access is
// retried once.
func (p *Proc) access(va uintptr, n int, write bool, fn func(page []byte, done int)) error {
	k := p.k
	done := 0
	for done < n {
		addr := va + uintptr(done)
		off := int(addr - uapi.RoundDown(addr))
		chunk := min(uapi.PGSIZE-off, n-done)

		for attempt := 0; ; attempt++ {
			k.lock()
			cur, err := p.curLocked()
			if err != nil {
				k.unlock()
				return err
			}
			ec, ok := translate(cur, addr, write)
			if ok {
				m, _ := cur.lookup(uapi.PGNUM(addr))
				fn(k.pool.Bytes(m.frame)[off:off+chunk], done)
				k.unlock()
				break
			}
			tf := uapi.Trapframe{FaultVA: addr, Err: ec}
			if attempt > 0 {
				return k.terminateLocked(cur, tf, ReasonUnresolved, nil)
			}
			k.unlock()

			if err := p.deliver(tf); err != nil {
				return err
			}
		}
		done += chunk
	}
	return nil
}

// translate checks a user access against e's mappings and returns the
// fault error code when it is not permitted.
func translate(e *Env, va uintptr, write bool) (uint32, bool) {
	ec := uapi.FEC_U
	if write {
		ec |= uapi.FEC_WR
	}
	if va >= uapi.UTOP {
		return ec, false
	}
	m, ok := e.lookup(uapi.PGNUM(va))
	if !ok || !m.perm.Has(uapi.PTE_P|uapi.PTE_U) {
		return ec, false
	}
	if write && !m.perm.Has(uapi.PTE_W) {
		return ec | uapi.FEC_PR, false
	}
	return 0, true
}

// deliver is the exception trampoline: it switches to the env's exception
// stack and runs the registered handler with the trap frame.
func (p *Proc) deliver(tf uapi.Trapframe) error {
	k := p.k
	k.lock()
	cur, err := p.curLocked()
	if err != nil {
		k.unlock()
		return err
	}
	if !cur.upcall || cur.handler == nil {
		return k.terminateLocked(cur, tf, ReasonNoUpcall, nil)
	}
	xs, ok := cur.lookup(uapi.ExceptionStackPage)
	if !ok || !xs.perm.Has(uapi.PTE_P|uapi.PTE_U|uapi.PTE_W) {
		return k.terminateLocked(cur, tf, ReasonBadXStack, nil)
	}
	h := cur.handler
	k.unlock()

	if err := h(p, tf); err != nil {
		reason := ReasonHandler
		var r reasoner
		if errors.As(err, &r) {
			reason = r.Reason()
		}
		k.lock()
		cur, cerr := p.curLocked()
		if cerr != nil {
			k.unlock()
			return &TerminatedError{Env: p.id, Frame: tf, Reason: reason, Cause: err}
		}
		return k.terminateLocked(cur, tf, reason, err)
	}
	return nil
}

// terminateLocked destroys e with a diagnostic and releases mu.
func (k *Kernel) terminateLocked(e *Env, tf uapi.Trapframe, reason string, cause error) error {
	terr := &TerminatedError{Env: e.id, Frame: tf, Reason: reason, Cause: cause}
	k.logger.Error("fatal page fault",
		"env", e.id.String(),
		"va", fmt.Sprintf("%08x", tf.FaultVA),
		"err", tf.Err,
		"reason", reason,
		"error", cause,
	)
	k.metrics.IncFatalFault(reason)
	k.emit(events.FaultFatal, map[string]string{
		"env":    e.id.String(),
		"va":     fmt.Sprintf("%08x", tf.FaultVA),
		"reason": reason,
	})
	k.destroyLocked(e, "page fault: "+reason)
	k.unlock()
	return terr
}
