package kern

import (
	"errors"
	"fmt"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/physmem"
	"github.com/kahiteam/cowfork/internal/uapi"
)

// Proc is an environment's view of the kernel: every call runs as that
// environment, and EnvID 0 names it.
type Proc struct {
	k  *Kernel
	id uapi.EnvID
}

var _ uapi.Env = (*Proc)(nil)

// ID returns the environment this handle executes as.
func (p *Proc) ID() uapi.EnvID { return p.id }

// curLocked returns the calling env, which must be alive and runnable.
func (p *Proc) curLocked() (*Env, error) {
	e, err := p.k.envLocked(p.id, nil, false)
	if err != nil {
		return nil, err
	}
	if !e.executable() {
		return nil, fmt.Errorf("env %s: %w", e.id, ErrNotRunnable)
	}
	return e, nil
}

func checkVA(va uintptr) error {
	if va >= uapi.UTOP || !uapi.Aligned(va) {
		return uapi.E_INVAL
	}
	return nil
}

func checkPerm(perm uapi.PTE) error {
	if !perm.Has(uapi.PTE_U|uapi.PTE_P) || perm&^uapi.PTE_SYSCALL != 0 {
		return uapi.E_INVAL
	}
	return nil
}

// GetEnvID returns the calling environment's id.
func (p *Proc) GetEnvID() uapi.EnvID { return p.id }

// Exofork creates a not-runnable child of the caller with an empty address
// space. The child inherits the caller's user-level fault handler slot.
func (p *Proc) Exofork() (uapi.EnvID, error) {
	k := p.k
	k.lock()
	defer k.unlock()
	cur, err := p.curLocked()
	if err != nil {
		return 0, err
	}
	child, err := k.allocLocked(cur.id)
	if err != nil {
		return 0, err
	}
	child.handler = cur.handler
	k.logger.Debug("exofork", "parent", cur.id.String(), "child", child.id.String())
	return child.id, nil
}

// PageAlloc maps a fresh zeroed frame at va in env.
func (p *Proc) PageAlloc(env uapi.EnvID, va uintptr, perm uapi.PTE) error {
	if err := checkVA(va); err != nil {
		return err
	}
	if err := checkPerm(perm); err != nil {
		return err
	}
	k := p.k
	k.lock()
	defer k.unlock()
	cur, err := p.curLocked()
	if err != nil {
		return err
	}
	e, err := k.envLocked(env, cur, true)
	if err != nil {
		return err
	}
	f, err := k.pool.Alloc()
	if errors.Is(err, physmem.ErrNoMem) {
		return uapi.E_NO_MEM
	} else if err != nil {
		return err
	}
	k.insertLocked(e, va, f, perm)
	return nil
}

// PageMap maps the frame at srcva in srcenv at dstva in dstenv with perm.
// Write access cannot be granted on a read-only source mapping.
func (p *Proc) PageMap(srcenv uapi.EnvID, srcva uintptr, dstenv uapi.EnvID, dstva uintptr, perm uapi.PTE) error {
	if err := checkVA(srcva); err != nil {
		return err
	}
	if err := checkVA(dstva); err != nil {
		return err
	}
	if err := checkPerm(perm); err != nil {
		return err
	}
	k := p.k
	k.lock()
	defer k.unlock()
	cur, err := p.curLocked()
	if err != nil {
		return err
	}
	src, err := k.envLocked(srcenv, cur, true)
	if err != nil {
		return err
	}
	dst, err := k.envLocked(dstenv, cur, true)
	if err != nil {
		return err
	}
	m, ok := src.lookup(uapi.PGNUM(srcva))
	if !ok {
		return uapi.E_INVAL
	}
	if perm.Has(uapi.PTE_W) && !m.perm.Has(uapi.PTE_W) {
		return uapi.E_INVAL
	}
	k.insertLocked(dst, dstva, m.frame, perm)
	return nil
}

// PageUnmap removes the mapping at va in env. Unmapping an absent page
// succeeds.
func (p *Proc) PageUnmap(env uapi.EnvID, va uintptr) error {
	if err := checkVA(va); err != nil {
		return err
	}
	k := p.k
	k.lock()
	defer k.unlock()
	cur, err := p.curLocked()
	if err != nil {
		return err
	}
	e, err := k.envLocked(env, cur, true)
	if err != nil {
		return err
	}
	k.removeLocked(e, va)
	return nil
}

// SetPgfaultUpcall routes env's page faults through the exception
// trampoline.
func (p *Proc) SetPgfaultUpcall(env uapi.EnvID) error {
	k := p.k
	k.lock()
	defer k.unlock()
	cur, err := p.curLocked()
	if err != nil {
		return err
	}
	e, err := k.envLocked(env, cur, true)
	if err != nil {
		return err
	}
	e.upcall = true
	return nil
}

// SetStatus sets env to EnvRunnable or EnvNotRunnable.
func (p *Proc) SetStatus(env uapi.EnvID, status uapi.EnvStatus) error {
	if status != uapi.EnvRunnable && status != uapi.EnvNotRunnable {
		return uapi.E_INVAL
	}
	k := p.k
	k.lock()
	defer k.unlock()
	cur, err := p.curLocked()
	if err != nil {
		return err
	}
	e, err := k.envLocked(env, cur, true)
	if err != nil {
		return err
	}
	was := e.status
	if err := e.transition(status); err != nil {
		return uapi.E_INVAL
	}
	k.dirty = true
	if status == uapi.EnvRunnable && was != uapi.EnvRunnable {
		k.emit(events.EnvRunnable, map[string]string{
			"env":    e.id.String(),
			"parent": e.parent.String(),
			"pages":  fmt.Sprint(len(e.pages)),
		})
	}
	return nil
}

// SetPgfaultHandler installs h as the caller's fault handler. The first
// call allocates the exception stack and sets the upcall; later calls only
// replace the handler.
func (p *Proc) SetPgfaultHandler(h uapi.PgfaultHandler) error {
	if h == nil {
		return uapi.E_INVAL
	}
	k := p.k
	k.lock()
	cur, err := p.curLocked()
	if err != nil {
		k.unlock()
		return err
	}
	first := cur.handler == nil
	k.unlock()

	if first {
		if err := p.PageAlloc(0, uapi.UXSTACKTOP-uapi.PGSIZE, uapi.PTE_W|uapi.PTE_U|uapi.PTE_P); err != nil {
			return fmt.Errorf("alloc exception stack: %w", err)
		}
		if err := p.SetPgfaultUpcall(0); err != nil {
			return fmt.Errorf("set pgfault upcall: %w", err)
		}
	}

	k.lock()
	defer k.unlock()
	cur, err = p.curLocked()
	if err != nil {
		return err
	}
	if first {
		cur.handlerInstalls++
	}
	cur.handler = h
	return nil
}

// PDE returns the caller's page directory entry pdx.
func (p *Proc) PDE(pdx int) uapi.PTE {
	if pdx < 0 || pdx >= uapi.NPDENTRIES {
		return 0
	}
	k := p.k
	k.lock()
	defer k.unlock()
	e, err := k.envLocked(p.id, nil, false)
	if err != nil || e.ptcount[pdx] == 0 {
		return 0
	}
	return uapi.PTE_P | uapi.PTE_W | uapi.PTE_U
}

// PTE returns the caller's page table entry for page pn.
func (p *Proc) PTE(pn uint32) uapi.PTE {
	k := p.k
	k.lock()
	defer k.unlock()
	e, err := k.envLocked(p.id, nil, false)
	if err != nil {
		return 0
	}
	m, ok := e.lookup(pn)
	if !ok {
		return 0
	}
	return m.perm
}

// Destroy tears down the calling environment.
func (p *Proc) Destroy() error {
	return p.k.Destroy(p.id)
}
