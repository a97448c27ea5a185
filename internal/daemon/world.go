package daemon

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kahiteam/cowfork/internal/config"
	"github.com/kahiteam/cowfork/internal/cow"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/kern"
	"github.com/kahiteam/cowfork/internal/uapi"
)

// World runs user programs on a kernel. Each environment gets its own fork
// library, bound to that environment's capabilities.
type World struct {
	k      *kern.Kernel
	opts   cow.Options
	logger *slog.Logger

	mu    sync.Mutex
	libs  map[uapi.EnvID]*cow.Lib
	locks map[uapi.EnvID]*sync.Mutex
	sub   uint64
}

// NewWorld wraps k. opts is used for every library the world links.
func NewWorld(k *kern.Kernel, opts cow.Options, logger *slog.Logger) *World {
	opts.Logger = logger
	opts.Bus = k.Bus()
	opts.Metrics = k.Metrics()
	w := &World{
		k:      k,
		opts:   opts,
		logger: logger.With("component", "world"),
		libs:   make(map[uapi.EnvID]*cow.Lib),
		locks:  make(map[uapi.EnvID]*sync.Mutex),
	}
	w.sub = k.Bus().Subscribe(events.EnvDestroyed, w.onDestroyed)
	return w
}

// ForkOptions converts the [fork] config section into library options.
func ForkOptions(fc config.ForkConfig) (cow.Options, error) {
	policy, err := cow.ParsePolicy(fc.OnDupError)
	if err != nil {
		return cow.Options{}, err
	}
	return cow.Options{OnDupError: policy, IdentityVA: uintptr(fc.IdentityVA)}, nil
}

// Close detaches the world from the kernel's bus.
func (w *World) Close() {
	w.k.Bus().Unsubscribe(w.sub)
}

func (w *World) onDestroyed(e events.Event) {
	id, ok := e.Env()
	if !ok {
		return
	}
	w.mu.Lock()
	delete(w.libs, id)
	delete(w.locks, id)
	w.mu.Unlock()
}

// acquire takes id's execution lock. An environment is single threaded:
// a fork must see its address space at one instant, so forks and memory
// accesses on the same environment run one at a time.
func (w *World) acquire(id uapi.EnvID) func() {
	w.mu.Lock()
	l, ok := w.locks[id]
	if !ok {
		l = new(sync.Mutex)
		w.locks[id] = l
	}
	w.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Boot spawns the init environment from in and maps its files.
func (w *World) Boot(in config.InitConfig) (uapi.EnvID, error) {
	id, err := w.k.Spawn(BuildImage(in))
	if err != nil {
		return 0, fmt.Errorf("spawn init: %w", err)
	}
	lib, err := w.lib(id)
	if err != nil {
		return 0, err
	}
	if err := MapFiles(lib.Env(), in.Files, w.logger); err != nil {
		_ = w.k.Destroy(id)
		return 0, err
	}
	w.logger.Info("init booted", "env", id.String())
	return id, nil
}

// lib returns the fork library linked into id, creating it on first use.
// mu is not held across kernel calls: the kernel publishes events, and
// onDestroyed takes mu.
func (w *World) lib(id uapi.EnvID) (*cow.Lib, error) {
	w.mu.Lock()
	l, ok := w.libs[id]
	w.mu.Unlock()
	if ok {
		return l, nil
	}

	p, err := w.k.Proc(id)
	if err != nil {
		return nil, fmt.Errorf("env %s: %w", id, err)
	}
	l = cow.New(p, w.opts)

	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.libs[id]; ok {
		return existing, nil
	}
	w.libs[id] = l
	return l, nil
}

// List returns the live environments.
func (w *World) List() []kern.EnvInfo { return w.k.Envs() }

// Get describes one environment.
func (w *World) Get(id uapi.EnvID) (kern.EnvInfo, error) { return w.k.Env(id) }

// Pages lists id's mappings.
func (w *World) Pages(id uapi.EnvID) ([]kern.PageInfo, error) { return w.k.Pages(id) }

// Fork runs fork (or sfork) in id and then the child's side of it, the way
// both halves return from the same call in a real process. id stays
// locked until the child has resumed.
func (w *World) Fork(id uapi.EnvID, variant string) (cow.ForkStats, error) {
	defer w.acquire(id)()

	lib, err := w.lib(id)
	if err != nil {
		return cow.ForkStats{}, err
	}

	var child uapi.EnvID
	switch variant {
	case cow.VariantCOW:
		child, err = lib.Fork()
	case cow.VariantShared:
		child, err = lib.SFork()
	default:
		return cow.ForkStats{}, fmt.Errorf("unknown fork variant %q: %w", variant, uapi.E_INVAL)
	}
	if err != nil {
		return cow.ForkStats{}, err
	}

	// Ancestors are always locked before descendants.
	defer w.acquire(child)()

	clib, err := w.lib(child)
	if err != nil {
		return cow.ForkStats{}, err
	}
	if variant == cow.VariantShared {
		_, err = clib.ResumeShared()
	} else {
		_, err = clib.ResumeChild()
	}
	if err != nil {
		return cow.ForkStats{}, fmt.Errorf("child %s: %w", child, err)
	}
	return lib.LastFork(), nil
}

// Read copies n bytes at va out of id's address space.
func (w *World) Read(id uapi.EnvID, va uintptr, n int) ([]byte, error) {
	defer w.acquire(id)()

	lib, err := w.lib(id)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := lib.Env().Read(va, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write stores data at va in id, as a store instruction executed by id.
func (w *World) Write(id uapi.EnvID, va uintptr, data []byte) error {
	defer w.acquire(id)()

	lib, err := w.lib(id)
	if err != nil {
		return err
	}
	return lib.Env().Write(va, data)
}

// Destroy tears down id.
func (w *World) Destroy(id uapi.EnvID) error {
	defer w.acquire(id)()

	return w.k.Destroy(id)
}
