// Package filemap maps file contents into an environment's address space,
// one page at a time, staging each page through the UTEMP scratch slot.
package filemap

import (
	"errors"
	"fmt"
	"io"

	"github.com/kahiteam/cowfork/internal/uapi"
)

// ErrBadRange is returned for an unaligned or out-of-range target.
var ErrBadRange = errors.New("filemap: bad address range")

// Map copies length bytes of r, starting at offset, into target at addr
// with permissions prot. Each page is read into a fresh page at UTEMP in
// the caller and then mapped into target, so target may be the caller
// (0) or one of its children. Bytes past the end of r read as zero.
//
// prot is combined with PTE_U|PTE_P. It returns addr. On error nothing
// is left mapped: UTEMP and the pages already placed in target are
// unmapped again.
func Map(env uapi.Env, target uapi.EnvID, addr uintptr, length int, prot uapi.PTE, r io.ReaderAt, offset int64) (uintptr, error) {
	if length <= 0 || !uapi.Aligned(addr) {
		return 0, ErrBadRange
	}
	size := uapi.RoundUp(uintptr(length))
	if addr >= uapi.UTOP || size > uapi.UTOP-addr {
		return 0, ErrBadRange
	}
	if addr <= uapi.UTEMP && uapi.UTEMP < addr+size {
		return 0, ErrBadRange
	}

	const scratch = uapi.PTE_W | uapi.PTE_U | uapi.PTE_P
	perm := prot.Perm() | uapi.PTE_U | uapi.PTE_P
	buf := make([]byte, uapi.PGSIZE)

	var (
		mapped uintptr
		done   bool
	)
	defer func() {
		if done {
			return
		}
		_ = env.PageUnmap(0, uapi.UTEMP)
		for va := addr; va < addr+mapped; va += uapi.PGSIZE {
			_ = env.PageUnmap(target, va)
		}
	}()

	for i := uintptr(0); i < size; i += uapi.PGSIZE {
		if err := env.PageAlloc(0, uapi.UTEMP, scratch); err != nil {
			return 0, fmt.Errorf("filemap: alloc staging page: %w", err)
		}
		n, err := r.ReadAt(buf, offset+int64(i))
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("filemap: read at %d: %w", offset+int64(i), err)
		}
		if n > 0 {
			if err := env.Write(uapi.UTEMP, buf[:n]); err != nil {
				return 0, fmt.Errorf("filemap: stage page: %w", err)
			}
		}
		if err := env.PageMap(0, uapi.UTEMP, target, addr+i, perm); err != nil {
			return 0, fmt.Errorf("filemap: map va %08x: %w", addr+i, err)
		}
		mapped = i + uapi.PGSIZE
	}
	if err := env.PageUnmap(0, uapi.UTEMP); err != nil {
		return 0, fmt.Errorf("filemap: unmap staging page: %w", err)
	}
	done = true
	return addr, nil
}
