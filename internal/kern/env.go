package kern

import (
	"sort"

	"github.com/kahiteam/cowfork/internal/physmem"
	"github.com/kahiteam/cowfork/internal/uapi"
)

// ENVGENSHIFT is the shift of the generation counter inside an EnvID.
const ENVGENSHIFT = 12

type mapping struct {
	frame physmem.Frame
	perm  uapi.PTE
}

// Env is one simulated environment: an address space plus the user-level
// state the kernel tracks for it.
type Env struct {
	id     uapi.EnvID
	parent uapi.EnvID
	status uapi.EnvStatus

	pages   map[uint32]mapping
	ptcount [uapi.NPDENTRIES]uint16

	// upcall is set once the env's faults are routed to the trampoline.
	upcall bool
	// handler is the user-level fault handler slot. It lives in user
	// memory on real hardware, so a child inherits it from its parent.
	handler uapi.PgfaultHandler
	// handlerInstalls counts first-time handler registrations.
	handlerInstalls int
}

func (e *Env) lookup(pn uint32) (mapping, bool) {
	m, ok := e.pages[pn]
	return m, ok
}

// EnvInfo describes an environment for introspection.
type EnvInfo struct {
	ID         uapi.EnvID `json:"id"`
	Parent     uapi.EnvID `json:"parent"`
	Status     string     `json:"status"`
	Pages      int        `json:"pages"`
	Upcall     bool       `json:"upcall"`
	HandlerSet bool       `json:"handler_set"`
}

// PageInfo describes one mapping of an environment.
type PageInfo struct {
	VA    uintptr  `json:"va"`
	PN    uint32   `json:"pn"`
	Perm  uapi.PTE `json:"perm"`
	Flags string   `json:"flags"`
	Frame uint32   `json:"frame"`
	Refs  int      `json:"refs"`
}

func (e *Env) info() EnvInfo {
	return EnvInfo{
		ID:         e.id,
		Parent:     e.parent,
		Status:     e.status.String(),
		Pages:      len(e.pages),
		Upcall:     e.upcall,
		HandlerSet: e.handler != nil,
	}
}

func (e *Env) pageInfos(pool *physmem.Pool) []PageInfo {
	out := make([]PageInfo, 0, len(e.pages))
	for pn, m := range e.pages {
		out = append(out, PageInfo{
			VA:    uapi.PGADDR(pn),
			PN:    pn,
			Perm:  m.perm,
			Flags: m.perm.String(),
			Frame: uint32(m.frame),
			Refs:  pool.Refs(m.frame),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PN < out[j].PN })
	return out
}
