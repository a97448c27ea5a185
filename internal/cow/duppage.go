package cow

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/uapi"
)

// Duplication policies, as reported in metrics and stats.
const (
	PolicyShared   = "shared"
	PolicyCOW      = "cow"
	PolicyReadOnly = "readonly"
)

const cowPerm = uapi.PTE_COW | uapi.PTE_U | uapi.PTE_P

// DupPage maps our page pn into env at the same address. Shared pages keep
// their permissions; writable or copy-on-write pages become copy-on-write
// in both env and the caller; anything else is mapped as is.
func (l *Lib) DupPage(env uapi.EnvID, pn uint32) error {
	_, err := l.dupPage(env, pn)
	return err
}

func (l *Lib) dupPage(env uapi.EnvID, pn uint32) (string, error) {
	va := uapi.PGADDR(pn)
	pte := l.env.PTE(pn)

	switch {
	case pte.Has(uapi.PTE_SHARE):
		if err := l.env.PageMap(0, va, env, va, pte.Perm()); err != nil {
			return PolicyShared, fmt.Errorf("share va %08x: %w", va, err)
		}
		return PolicyShared, nil

	case pte.HasAny(uapi.PTE_W | uapi.PTE_COW):
		if err := l.env.PageMap(0, va, env, va, cowPerm); err != nil {
			return PolicyCOW, fmt.Errorf("map va %08x copy-on-write in child: %w", va, err)
		}
		// Remap our own page copy-on-write even if it already was, so the
		// next write by either side takes a private copy.
		if err := l.env.PageMap(0, va, 0, va, cowPerm); err != nil {
			return PolicyCOW, fmt.Errorf("remap va %08x copy-on-write: %w", va, err)
		}
		return PolicyCOW, nil

	default:
		if err := l.env.PageMap(0, va, env, va, pte.Perm()); err != nil {
			return PolicyReadOnly, fmt.Errorf("map va %08x: %w", va, err)
		}
		return PolicyReadOnly, nil
	}
}

// sharePage maps pn into env with our permissions, whatever they are.
func (l *Lib) sharePage(env uapi.EnvID, pn uint32) (string, error) {
	va := uapi.PGADDR(pn)
	if err := l.env.PageMap(0, va, env, va, l.env.PTE(pn).Perm()); err != nil {
		return PolicyShared, fmt.Errorf("share va %08x: %w", va, err)
	}
	return PolicyShared, nil
}
