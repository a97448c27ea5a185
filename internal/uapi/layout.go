// Package uapi defines the user-visible ABI shared by the simulated kernel
// and the user-space library: address-space layout, page table entry flags,
// environment ids, the fault trap frame and the capability contracts a
// process uses to manage its own address space.
package uapi

// Page geometry for the two-level 32-bit layout.
const (
	PGSHIFT    = 12
	PGSIZE     = 1 << PGSHIFT
	PTXSHIFT   = 12
	PDXSHIFT   = 22
	NPDENTRIES = 1024
	NPTENTRIES = 1024
	PTSIZE     = PGSIZE * NPTENTRIES
)

// Virtual memory layout visible to user environments.
const (
	UTOP       uintptr = 0xEEC00000
	UXSTACKTOP uintptr = UTOP
	USTACKTOP  uintptr = UTOP - 2*PGSIZE
	UTEXT      uintptr = 2 * PTSIZE
	UTEMP      uintptr = PTSIZE
	PFTEMP     uintptr = UTEMP + PTSIZE - PGSIZE
)

// PDX returns the page directory index of va.
func PDX(va uintptr) int { return int(va>>PDXSHIFT) & 0x3FF }

// PTX returns the page table index of va.
func PTX(va uintptr) int { return int(va>>PTXSHIFT) & 0x3FF }

// PGNUM returns the page number of va.
func PGNUM(va uintptr) uint32 { return uint32(va >> PTXSHIFT) }

// PGADDR returns the address of the first byte of page pn.
func PGADDR(pn uint32) uintptr { return uintptr(pn) << PGSHIFT }

// PageNumber composes a page number from directory and table indices.
func PageNumber(pdx, ptx int) uint32 { return uint32(pdx*NPTENTRIES + ptx) }

// RoundDown aligns va down to a page boundary.
func RoundDown(va uintptr) uintptr { return va &^ (PGSIZE - 1) }

// RoundUp aligns n up to a page boundary.
func RoundUp(n uintptr) uintptr { return (n + PGSIZE - 1) &^ (PGSIZE - 1) }

// Aligned reports whether va is page aligned.
func Aligned(va uintptr) bool { return va&(PGSIZE-1) == 0 }

// ExceptionStackPage is the page number of the user exception stack.
var ExceptionStackPage = PGNUM(UXSTACKTOP - PGSIZE)

// UserStackPage is the page number of the normal user stack.
var UserStackPage = PGNUM(USTACKTOP - PGSIZE)
