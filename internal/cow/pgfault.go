package cow

import (
	"errors"
	"fmt"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/uapi"
)

// Faults the handler refuses. Each is fatal to the faulting process.
var (
	ErrUnmapped = errors.New("unmapped address faulted")
	ErrNotCOW   = errors.New("fault on non-COW page")
	ErrNotWrite = errors.New("fault was not a write")
)

// FaultError is the diagnostic for a fault the handler refused or could
// not resolve.
type FaultError struct {
	VA  uintptr
	Err error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("pgfault: va %08x: %v", e.VA, e.Err)
}

func (e *FaultError) Unwrap() error { return e.Err }

// Reason classifies the failure for metrics and diagnostics.
func (e *FaultError) Reason() string {
	switch {
	case errors.Is(e.Err, ErrUnmapped):
		return "unmapped"
	case errors.Is(e.Err, ErrNotCOW):
		return "not_cow"
	case errors.Is(e.Err, ErrNotWrite):
		return "not_write"
	default:
		return "resolve_failed"
	}
}

// Pgfault resolves a copy-on-write write fault in env by installing a
// private writable copy of the faulting page. Any other fault is refused
// before anything is allocated or remapped.
func Pgfault(env uapi.Env, tf uapi.Trapframe) error {
	addr := tf.FaultVA

	pte := env.PTE(uapi.PGNUM(addr))
	if !env.PDE(uapi.PDX(addr)).Has(uapi.PTE_P) || !pte.Has(uapi.PTE_P) {
		return &FaultError{VA: addr, Err: ErrUnmapped}
	}
	if !pte.Has(uapi.PTE_COW) {
		return &FaultError{VA: addr, Err: ErrNotCOW}
	}
	if !tf.IsWrite() {
		return &FaultError{VA: addr, Err: ErrNotWrite}
	}

	pg := uapi.RoundDown(addr)
	const perm = uapi.PTE_U | uapi.PTE_W | uapi.PTE_P

	if err := env.PageAlloc(0, uapi.PFTEMP, perm); err != nil {
		return &FaultError{VA: addr, Err: fmt.Errorf("alloc scratch page: %w", err)}
	}
	if err := env.Copy(uapi.PFTEMP, pg, uapi.PGSIZE); err != nil {
		return &FaultError{VA: addr, Err: fmt.Errorf("copy page: %w", err)}
	}
	if err := env.PageMap(0, uapi.PFTEMP, 0, pg, perm); err != nil {
		return &FaultError{VA: addr, Err: fmt.Errorf("remap page: %w", err)}
	}
	if err := env.PageUnmap(0, uapi.PFTEMP); err != nil {
		return &FaultError{VA: addr, Err: fmt.Errorf("unmap scratch page: %w", err)}
	}
	return nil
}

// pgfault is the handler this library registers. It runs in whichever
// process took the fault, which may be a child that inherited it.
func (l *Lib) pgfault(env uapi.Env, tf uapi.Trapframe) error {
	if err := Pgfault(env, tf); err != nil {
		return err
	}
	l.metrics.IncCOWFault()
	l.bus.Publish(events.Event{
		Type: events.FaultResolved,
		Data: map[string]string{
			"env": env.GetEnvID().String(),
			"va":  fmt.Sprintf("%08x", uapi.RoundDown(tf.FaultVA)),
		},
	})
	return nil
}
