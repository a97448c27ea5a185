package cow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/uapi"
)

// ErrNoHandler is returned when a child tries to touch its inherited state
// before its fault handling is in place.
var ErrNoHandler = errors.New("page fault handler not installed")

// Fork variants.
const (
	VariantCOW    = "cow"
	VariantShared = "shared"
)

// ForkStats summarizes one fork's address-space copy.
type ForkStats struct {
	Variant  string         `json:"variant"`
	Child    uapi.EnvID     `json:"child"`
	Pages    map[string]int `json:"pages"`
	Failed   int            `json:"failed"`
	Duration time.Duration  `json:"duration"`
}

// Fork creates a child whose address space is a copy-on-write copy of
// ours, and returns the child's id. The exception stack is never shared:
// the child gets a fresh one.
//
// Page duplication failures follow Options.OnDupError. Failures in the
// handshake that makes the child schedulable always abort, leaving the
// child not runnable.
func (l *Lib) Fork() (uapi.EnvID, error) {
	return l.fork(VariantCOW)
}

// SFork creates a child that shares every page with us except the user
// stack, which is copied on write, and the exception stack, which is
// private. The child performs no identity fixup.
func (l *Lib) SFork() (uapi.EnvID, error) {
	return l.fork(VariantShared)
}

func (l *Lib) fork(variant string) (uapi.EnvID, error) {
	start := time.Now()

	if err := l.env.SetPgfaultHandler(l.pgfault); err != nil {
		return 0, l.forkFailed(variant, 0, fmt.Errorf("set pgfault handler: %w", err))
	}

	child, err := l.env.Exofork()
	if err != nil {
		return 0, l.forkFailed(variant, 0, fmt.Errorf("exofork: %w", err))
	}
	if child == 0 {
		// We are the child.
		if variant == VariantShared {
			return l.ResumeShared()
		}
		return l.ResumeChild()
	}

	stats := ForkStats{Variant: variant, Child: child, Pages: make(map[string]int)}
	if err := l.copyAddressSpace(child, variant, &stats); err != nil {
		return 0, l.forkFailed(variant, child, err)
	}

	const xperm = uapi.PTE_U | uapi.PTE_W | uapi.PTE_P
	if err := l.env.PageAlloc(child, uapi.UXSTACKTOP-uapi.PGSIZE, xperm); err != nil {
		return 0, l.forkFailed(variant, child, fmt.Errorf("alloc child exception stack: %w", err))
	}
	if err := l.env.SetPgfaultUpcall(child); err != nil {
		return 0, l.forkFailed(variant, child, fmt.Errorf("set child pgfault upcall: %w", err))
	}
	// Last step: the child must not be scheduled half built.
	if err := l.env.SetStatus(child, uapi.EnvRunnable); err != nil {
		return 0, l.forkFailed(variant, child, fmt.Errorf("set child runnable: %w", err))
	}

	stats.Duration = time.Since(start)
	l.mu.Lock()
	l.lastFork = stats
	l.mu.Unlock()

	l.metrics.IncFork(variant, stats.Duration.Seconds())
	l.bus.Publish(events.Event{
		Type: events.ForkCompleted,
		Data: map[string]string{
			"parent":  l.env.GetEnvID().String(),
			"child":   child.String(),
			"variant": variant,
			"failed":  fmt.Sprint(stats.Failed),
		},
	})
	l.logger.Info("fork completed",
		"child", child.String(),
		"variant", variant,
		"cow", stats.Pages[PolicyCOW],
		"shared", stats.Pages[PolicyShared],
		"readonly", stats.Pages[PolicyReadOnly],
		"failed", stats.Failed,
		"duration", stats.Duration,
	)
	return child, nil
}

// copyAddressSpace propagates every present user page below UTOP, except
// the exception stack, into child.
func (l *Lib) copyAddressSpace(child uapi.EnvID, variant string, stats *ForkStats) error {
	for pdx := 0; pdx < uapi.PDX(uapi.UTOP); pdx++ {
		if !l.env.PDE(pdx).Has(uapi.PTE_U | uapi.PTE_P) {
			continue
		}
		for ptx := 0; ptx < uapi.NPTENTRIES; ptx++ {
			pn := uapi.PageNumber(pdx, ptx)
			if pn == uapi.ExceptionStackPage {
				continue
			}
			if !l.env.PTE(pn).Has(uapi.PTE_U | uapi.PTE_P) {
				continue
			}

			var (
				policy string
				err    error
			)
			if variant == VariantShared && pn != uapi.UserStackPage {
				policy, err = l.sharePage(child, pn)
			} else {
				policy, err = l.dupPage(child, pn)
			}
			if err == nil {
				stats.Pages[policy]++
				l.metrics.IncPageDuplicated(policy)
				continue
			}

			stats.Failed++
			l.metrics.IncPageDupError()
			l.logger.Error("duppage failed",
				"child", child.String(),
				"pn", pn,
				"va", fmt.Sprintf("%08x", uapi.PGADDR(pn)),
				"error", err,
			)
			l.bus.Publish(events.Event{
				Type: events.PageDupFailed,
				Data: map[string]string{
					"child": child.String(),
					"va":    fmt.Sprintf("%08x", uapi.PGADDR(pn)),
					"error": err.Error(),
				},
			})
			if l.opts.OnDupError == AbortOnDupError {
				return fmt.Errorf("duppage: %w", err)
			}
		}
	}
	return nil
}

func (l *Lib) forkFailed(variant string, child uapi.EnvID, err error) error {
	l.metrics.IncForkError(variant)
	data := map[string]string{"variant": variant, "error": err.Error()}
	if child != 0 {
		data["child"] = child.String()
	}
	l.bus.Publish(events.Event{Type: events.ForkFailed, Data: data})
	l.logger.Error("fork failed", "variant", variant, "child", child.String(), "error", err)
	return err
}

// LastFork returns the stats of the most recent successful fork.
func (l *Lib) LastFork() ForkStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastFork
}

// ResumeChild is the child's side of Fork: it records its own identity and
// returns 0. The fault handler and exception stack must already be in
// place, since recording the identity may write to a copy-on-write page.
func (l *Lib) ResumeChild() (uapi.EnvID, error) {
	if !l.env.PTE(uapi.ExceptionStackPage).Has(uapi.PTE_P | uapi.PTE_U | uapi.PTE_W) {
		return 0, ErrNoHandler
	}
	id := l.Self()
	if l.opts.IdentityVA != 0 {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(id))
		if err := l.env.Write(l.opts.IdentityVA, buf[:]); err != nil {
			return 0, fmt.Errorf("record identity: %w", err)
		}
	}
	return 0, nil
}

// ResumeShared is the child's side of SFork. Identity fixup is left to
// the caller because global state is shared with the parent.
func (l *Lib) ResumeShared() (uapi.EnvID, error) {
	return 0, nil
}

// Self returns this process's env id, resolving it on first use.
func (l *Lib) Self() uapi.EnvID {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.selfSet {
		l.self = l.env.GetEnvID()
		l.selfSet = true
	}
	return l.self
}
