// Package kern simulates the microkernel that hosts user environments: the
// environment table, physical page mappings, the page syscalls and the
// delivery of page faults to user-level handlers.
package kern

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/metrics"
	"github.com/kahiteam/cowfork/internal/physmem"
	"github.com/kahiteam/cowfork/internal/uapi"
)

// ErrNotRunnable is returned when an environment that is not runnable
// tries to execute.
var ErrNotRunnable = errors.New("environment is not runnable")

// Config configures a Kernel.
type Config struct {
	Frames  int
	Backing physmem.Backing
	MaxEnvs int
	Logger  *slog.Logger
	Bus     *events.Bus
	Metrics *metrics.Collector
}

// Kernel owns every environment and all of physical memory. All state is
// guarded by mu; syscalls never hold it while running user code.
type Kernel struct {
	mu      sync.Mutex
	pool    *physmem.Pool
	envs    []*Env
	logger  *slog.Logger
	bus     *events.Bus
	metrics *metrics.Collector

	pending []events.Event
	dirty   bool
}

// New boots a kernel with an empty environment table.
func New(cfg Config) (*Kernel, error) {
	if cfg.MaxEnvs <= 0 || cfg.MaxEnvs > uapi.NENV {
		return nil, fmt.Errorf("kern: max envs must be in 1..%d, got %d", uapi.NENV, cfg.MaxEnvs)
	}
	pool, err := physmem.New(physmem.Config{Frames: cfg.Frames, Backing: cfg.Backing})
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus(logger)
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New()
	}

	k := &Kernel{
		pool:    pool,
		envs:    make([]*Env, cfg.MaxEnvs),
		logger:  logger.With("component", "kern"),
		bus:     bus,
		metrics: m,
	}
	for i := range k.envs {
		k.envs[i] = &Env{status: uapi.EnvFree}
	}

	k.lock()
	k.emit(events.KernelBooted, map[string]string{
		"frames":   fmt.Sprint(cfg.Frames),
		"max_envs": fmt.Sprint(cfg.MaxEnvs),
	})
	k.dirty = true
	k.unlock()
	return k, nil
}

// Bus returns the kernel's event bus.
func (k *Kernel) Bus() *events.Bus { return k.bus }

// Metrics returns the kernel's metrics collector.
func (k *Kernel) Metrics() *metrics.Collector { return k.metrics }

// Close releases physical memory.
func (k *Kernel) Close() error {
	k.lock()
	k.emit(events.KernelStopping, nil)
	k.unlock()
	return k.pool.Close()
}

func (k *Kernel) lock() { k.mu.Lock() }

// unlock releases mu and then publishes queued events, so subscribers may
// call back into the kernel.
func (k *Kernel) unlock() {
	evs := k.pending
	k.pending = nil
	refresh := k.dirty
	k.dirty = false
	var counts map[uapi.EnvStatus]int
	if refresh {
		counts = k.countLocked()
	}
	k.mu.Unlock()

	if refresh {
		k.metrics.SetFrames(k.pool.InUse(), k.pool.Free())
		for s := uapi.EnvFree; s <= uapi.EnvNotRunnable; s++ {
			k.metrics.SetEnvCount(s.String(), counts[s])
		}
	}
	for _, ev := range evs {
		k.bus.Publish(ev)
	}
}

func (k *Kernel) emit(t events.EventType, data map[string]string) {
	k.pending = append(k.pending, events.Event{Type: t, Data: data})
}

func (k *Kernel) countLocked() map[uapi.EnvStatus]int {
	counts := make(map[uapi.EnvStatus]int)
	for _, e := range k.envs {
		counts[e.status]++
	}
	return counts
}

// envLocked resolves id to a live env. Id 0 resolves to cur. With
// checkperm, the target must be cur or an immediate child of cur.
func (k *Kernel) envLocked(id uapi.EnvID, cur *Env, checkperm bool) (*Env, error) {
	if id == 0 {
		if cur == nil {
			return nil, uapi.E_BAD_ENV
		}
		return cur, nil
	}
	idx := uapi.ENVX(id)
	if idx >= len(k.envs) {
		return nil, uapi.E_BAD_ENV
	}
	e := k.envs[idx]
	if !e.alive() || e.id != id {
		return nil, uapi.E_BAD_ENV
	}
	if checkperm && cur != nil && e != cur && e.parent != cur.id {
		return nil, uapi.E_BAD_ENV
	}
	return e, nil
}

// allocLocked takes a free env slot and assigns it a fresh id.
func (k *Kernel) allocLocked(parent uapi.EnvID) (*Env, error) {
	for i, e := range k.envs {
		if e.status != uapi.EnvFree {
			continue
		}
		gen := (e.id + (1 << ENVGENSHIFT)) &^ (uapi.NENV - 1)
		if gen <= 0 {
			gen = 1 << ENVGENSHIFT
		}
		*e = Env{
			id:     gen | uapi.EnvID(i),
			parent: parent,
			status: uapi.EnvFree,
			pages:  make(map[uint32]mapping),
		}
		if err := e.transition(uapi.EnvNotRunnable); err != nil {
			return nil, err
		}
		k.dirty = true
		k.emit(events.EnvCreated, map[string]string{"env": e.id.String(), "parent": parent.String()})
		return e, nil
	}
	return nil, uapi.E_NO_FREE_ENV
}

// insertLocked maps frame at va in e, replacing any previous mapping.
func (k *Kernel) insertLocked(e *Env, va uintptr, frame physmem.Frame, perm uapi.PTE) {
	pn := uapi.PGNUM(va)
	k.pool.IncRef(frame)
	if old, ok := e.pages[pn]; ok {
		k.pool.DecRef(old.frame)
	} else {
		e.ptcount[uapi.PDX(va)]++
	}
	e.pages[pn] = mapping{frame: frame, perm: perm | uapi.PTE_P}
	k.dirty = true
}

// removeLocked unmaps va in e if mapped.
func (k *Kernel) removeLocked(e *Env, va uintptr) {
	pn := uapi.PGNUM(va)
	old, ok := e.pages[pn]
	if !ok {
		return
	}
	delete(e.pages, pn)
	e.ptcount[uapi.PDX(va)]--
	k.pool.DecRef(old.frame)
	k.dirty = true
}

// destroyLocked frees every mapping of e and returns its slot.
func (k *Kernel) destroyLocked(e *Env, reason string) {
	if !e.alive() {
		return
	}
	if err := e.transition(uapi.EnvDying); err != nil {
		k.logger.Error("destroy", "env", e.id.String(), "error", err)
		return
	}
	for pn := range e.pages {
		k.removeLocked(e, uapi.PGADDR(pn))
	}
	e.handler = nil
	e.upcall = false
	_ = e.transition(uapi.EnvFree)
	k.dirty = true
	k.emit(events.EnvDestroyed, map[string]string{"env": e.id.String(), "reason": reason})
	k.logger.Info("env destroyed", "env", e.id.String(), "reason", reason)
}

// Destroy tears down the environment id.
func (k *Kernel) Destroy(id uapi.EnvID) error {
	k.lock()
	defer k.unlock()
	e, err := k.envLocked(id, nil, false)
	if err != nil {
		return err
	}
	k.destroyLocked(e, "destroyed")
	return nil
}

// Proc returns a handle through which id executes. The handle implements
// uapi.Env.
func (k *Kernel) Proc(id uapi.EnvID) (*Proc, error) {
	k.lock()
	defer k.unlock()
	if _, err := k.envLocked(id, nil, false); err != nil {
		return nil, err
	}
	return &Proc{k: k, id: id}, nil
}

// Envs lists live environments in table order.
func (k *Kernel) Envs() []EnvInfo {
	k.lock()
	defer k.unlock()
	var out []EnvInfo
	for _, e := range k.envs {
		if e.alive() {
			out = append(out, e.info())
		}
	}
	return out
}

// Env describes one environment.
func (k *Kernel) Env(id uapi.EnvID) (EnvInfo, error) {
	k.lock()
	defer k.unlock()
	e, err := k.envLocked(id, nil, false)
	if err != nil {
		return EnvInfo{}, err
	}
	return e.info(), nil
}

// Pages lists the mappings of an environment ordered by page number.
func (k *Kernel) Pages(id uapi.EnvID) ([]PageInfo, error) {
	k.lock()
	defer k.unlock()
	e, err := k.envLocked(id, nil, false)
	if err != nil {
		return nil, err
	}
	return e.pageInfos(k.pool), nil
}

// HandlerInstalls reports how many times id's fault handler was installed
// from scratch (exception stack allocated and upcall set).
func (k *Kernel) HandlerInstalls(id uapi.EnvID) (int, error) {
	k.lock()
	defer k.unlock()
	e, err := k.envLocked(id, nil, false)
	if err != nil {
		return 0, err
	}
	return e.handlerInstalls, nil
}

// FramesInUse returns the number of allocated physical frames.
func (k *Kernel) FramesInUse() int { return k.pool.InUse() }
