package kern

import (
	"fmt"

	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/uapi"
)

// Segment is a run of pages loaded into a new environment.
type Segment struct {
	VA    uintptr
	Pages int
	Perm  uapi.PTE // PTE_U and PTE_P are implied
	Data  []byte   // copied from VA; the rest of the segment is zero
}

// Image describes the initial address space of a spawned environment.
// A writable user stack page below USTACKTOP is always added.
type Image struct {
	Segments []Segment
}

// Spawn creates a runnable root environment from img, the way the kernel
// loads the first user program.
func (k *Kernel) Spawn(img Image) (uapi.EnvID, error) {
	k.lock()
	defer k.unlock()

	e, err := k.allocLocked(0)
	if err != nil {
		return 0, err
	}

	segs := append([]Segment(nil), img.Segments...)
	segs = append(segs, Segment{VA: uapi.USTACKTOP - uapi.PGSIZE, Pages: 1, Perm: uapi.PTE_W})

	for _, s := range segs {
		if err := k.loadSegmentLocked(e, s); err != nil {
			k.destroyLocked(e, "load failed")
			return 0, fmt.Errorf("kern: load segment at %#x: %w", s.VA, err)
		}
	}

	if err := e.transition(uapi.EnvRunnable); err != nil {
		return 0, err
	}
	k.emit(events.EnvRunnable, map[string]string{"env": e.id.String(), "pages": fmt.Sprint(len(e.pages))})
	k.logger.Info("env spawned", "env", e.id.String(), "pages", len(e.pages))
	return e.id, nil
}

func (k *Kernel) loadSegmentLocked(e *Env, s Segment) error {
	if !uapi.Aligned(s.VA) || s.Pages <= 0 {
		return uapi.E_INVAL
	}
	end := s.VA + uintptr(s.Pages)*uapi.PGSIZE
	if end > uapi.UTOP || end < s.VA {
		return uapi.E_INVAL
	}
	if len(s.Data) > s.Pages*uapi.PGSIZE {
		return uapi.E_INVAL
	}
	for i := 0; i < s.Pages; i++ {
		f, err := k.pool.Alloc()
		if err != nil {
			return uapi.E_NO_MEM
		}
		va := s.VA + uintptr(i)*uapi.PGSIZE
		k.insertLocked(e, va, f, s.Perm.Perm()|uapi.PTE_U|uapi.PTE_P)
		lo := i * uapi.PGSIZE
		if lo < len(s.Data) {
			copy(k.pool.Bytes(f), s.Data[lo:])
		}
	}
	return nil
}
