package cow

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kahiteam/cowfork/internal/uapi"
)

// fakeEnv records every capability call and serves page table reads from
// a map. Calls never fail unless listed in fail.
type fakeEnv struct {
	id     uapi.EnvID
	child  uapi.EnvID
	ptes   map[uint32]uapi.PTE
	calls  []string
	fail   map[string]error
	mem    map[uintptr][]byte
	upcall uapi.PgfaultHandler
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		id:    0x1000,
		child: 0x1001,
		ptes:  make(map[uint32]uapi.PTE),
		fail:  make(map[string]error),
		mem:   make(map[uintptr][]byte),
	}
}

var _ uapi.Env = (*fakeEnv)(nil)

func (f *fakeEnv) record(format string, args ...any) error {
	call := fmt.Sprintf(format, args...)
	f.calls = append(f.calls, call)
	for prefix, err := range f.fail {
		if strings.HasPrefix(call, prefix) {
			return err
		}
	}
	return nil
}

func (f *fakeEnv) GetEnvID() uapi.EnvID { return f.id }

func (f *fakeEnv) Exofork() (uapi.EnvID, error) {
	if err := f.record("exofork"); err != nil {
		return 0, err
	}
	return f.child, nil
}

func (f *fakeEnv) PageAlloc(env uapi.EnvID, va uintptr, perm uapi.PTE) error {
	return f.record("alloc %s %08x %s", env, va, perm)
}

func (f *fakeEnv) PageMap(srcenv uapi.EnvID, srcva uintptr, dstenv uapi.EnvID, dstva uintptr, perm uapi.PTE) error {
	if err := f.record("map %s %08x %s %08x %s", srcenv, srcva, dstenv, dstva, perm); err != nil {
		return err
	}
	if dstenv == 0 {
		f.ptes[uapi.PGNUM(dstva)] = perm
	}
	return nil
}

func (f *fakeEnv) PageUnmap(env uapi.EnvID, va uintptr) error {
	return f.record("unmap %s %08x", env, va)
}

func (f *fakeEnv) SetPgfaultUpcall(env uapi.EnvID) error {
	return f.record("upcall %s", env)
}

func (f *fakeEnv) SetStatus(env uapi.EnvID, status uapi.EnvStatus) error {
	return f.record("status %s %s", env, status)
}

func (f *fakeEnv) SetPgfaultHandler(h uapi.PgfaultHandler) error {
	if err := f.record("handler"); err != nil {
		return err
	}
	f.upcall = h
	return nil
}

func (f *fakeEnv) Read(va uintptr, buf []byte) error {
	return f.record("read %08x %d", va, len(buf))
}

func (f *fakeEnv) Write(va uintptr, data []byte) error {
	if err := f.record("write %08x %d", va, len(data)); err != nil {
		return err
	}
	f.mem[va] = append([]byte(nil), data...)
	return nil
}

func (f *fakeEnv) Copy(dst, src uintptr, n int) error {
	return f.record("copy %08x %08x %d", dst, src, n)
}

func (f *fakeEnv) PDE(pdx int) uapi.PTE {
	for pn := range f.ptes {
		if int(pn)/uapi.NPTENTRIES == pdx {
			return uapi.PTE_P | uapi.PTE_W | uapi.PTE_U
		}
	}
	return 0
}

func (f *fakeEnv) PTE(pn uint32) uapi.PTE { return f.ptes[pn] }

func (f *fakeEnv) set(va uintptr, perm uapi.PTE) {
	f.ptes[uapi.PGNUM(va)] = perm
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLib(env uapi.Env, opts Options) *Lib {
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	return New(env, opts)
}
