// Package cow implements user-space fork for the microkernel: a page-fault
// handler that gives a writer its own copy of a copy-on-write page, the
// per-page duplication policy, and the fork and shared-memory fork
// orchestrations built from them.
package cow

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/metrics"
	"github.com/kahiteam/cowfork/internal/uapi"
)

// DupErrorPolicy decides what fork does when a single page cannot be
// propagated to the child.
type DupErrorPolicy string

const (
	// ContinueOnDupError logs the failure and keeps copying; the child
	// runs without that page.
	ContinueOnDupError DupErrorPolicy = "continue"
	// AbortOnDupError returns the error and leaves the child not runnable.
	AbortOnDupError DupErrorPolicy = "abort"
)

// Options configures a Lib.
type Options struct {
	OnDupError DupErrorPolicy
	// IdentityVA, when non-zero, is where a forked child records its own
	// env id in user memory. The store faults on the inherited
	// copy-on-write page and is resolved by the inherited handler.
	IdentityVA uintptr
	Logger     *slog.Logger
	Bus        *events.Bus
	Metrics    *metrics.Collector
}

// Lib is the fork library linked into one process.
type Lib struct {
	env     uapi.Env
	opts    Options
	logger  *slog.Logger
	bus     *events.Bus
	metrics *metrics.Collector

	mu       sync.Mutex
	self     uapi.EnvID
	selfSet  bool
	lastFork ForkStats
}

// New binds the library to a process's capabilities.
func New(env uapi.Env, opts Options) *Lib {
	if opts.OnDupError == "" {
		opts.OnDupError = ContinueOnDupError
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(logger)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	return &Lib{
		env:     env,
		opts:    opts,
		logger:  logger.With("component", "cow", "env", env.GetEnvID().String()),
		bus:     bus,
		metrics: m,
	}
}

// Env returns the capabilities the library runs with.
func (l *Lib) Env() uapi.Env { return l.env }

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (DupErrorPolicy, error) {
	switch p := DupErrorPolicy(s); p {
	case ContinueOnDupError, AbortOnDupError:
		return p, nil
	case "":
		return ContinueOnDupError, nil
	default:
		return "", fmt.Errorf("unknown duplication error policy %q", s)
	}
}
