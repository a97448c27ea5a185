package uapi

import "strings"

// PTE is a page table or page directory entry's permission bits.
type PTE uint32

// Hardware-defined bits.
const (
	PTE_P PTE = 0x001 // present
	PTE_W PTE = 0x002 // writable
	PTE_U PTE = 0x004 // user
)

// Bits left available for software.
const (
	PTE_AVAIL PTE = 0xE00
	PTE_SHARE PTE = 0x400 // propagate identically across fork
	PTE_COW   PTE = 0x800 // copy-on-write
)

// PTE_SYSCALL is the set of bits a user environment may pass to the
// page syscalls.
const PTE_SYSCALL = PTE_AVAIL | PTE_P | PTE_W | PTE_U

// Has reports whether all bits in flags are set.
func (p PTE) Has(flags PTE) bool { return p&flags == flags }

// HasAny reports whether at least one bit in flags is set.
func (p PTE) HasAny(flags PTE) bool { return p&flags != 0 }

// Perm returns the bits a user environment may request for this entry.
func (p PTE) Perm() PTE { return p & PTE_SYSCALL }

// String renders the flags in "PWU-CS" form, with '-' for cleared bits.
func (p PTE) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit PTE
		c   byte
	}{{PTE_P, 'P'}, {PTE_W, 'W'}, {PTE_U, 'U'}, {PTE_COW, 'C'}, {PTE_SHARE, 'S'}} {
		if p.Has(f.bit) {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Page fault error code bits.
const (
	FEC_PR uint32 = 0x1 // protection violation, page was present
	FEC_WR uint32 = 0x2 // fault caused by a write
	FEC_U  uint32 = 0x4 // fault occurred in user mode
)

// Trapframe is the frame pushed on the exception stack when a user page
// fault is delivered.
type Trapframe struct {
	FaultVA uintptr
	Err     uint32
}

// IsWrite reports whether the faulting access was a write.
func (tf Trapframe) IsWrite() bool { return tf.Err&FEC_WR != 0 }
