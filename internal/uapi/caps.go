package uapi

// Syscalls is the set of kernel capabilities a user environment may invoke.
// An EnvID of 0 names the calling environment.
type Syscalls interface {
	// GetEnvID returns the calling environment's id.
	GetEnvID() EnvID
	// Exofork creates a not-runnable child with an empty address space.
	Exofork() (EnvID, error)
	// PageAlloc backs va in env with a fresh zeroed frame.
	PageAlloc(env EnvID, va uintptr, perm PTE) error
	// PageMap maps the frame at srcva in srcenv at dstva in dstenv.
	PageMap(srcenv EnvID, srcva uintptr, dstenv EnvID, dstva uintptr, perm PTE) error
	// PageUnmap removes the mapping at va in env, if any.
	PageUnmap(env EnvID, va uintptr) error
	// SetPgfaultUpcall routes env's future page faults to the shared
	// exception trampoline.
	SetPgfaultUpcall(env EnvID) error
	// SetStatus sets env to EnvRunnable or EnvNotRunnable.
	SetStatus(env EnvID, status EnvStatus) error
	// SetPgfaultHandler installs the calling environment's user-level fault
	// handler, allocating its exception stack and upcall on first use.
	SetPgfaultHandler(h PgfaultHandler) error
}

// Memory is a process's load/store access to its own address space.
// Accesses that violate the current mappings raise page faults.
type Memory interface {
	Read(va uintptr, buf []byte) error
	Write(va uintptr, data []byte) error
	Copy(dst, src uintptr, n int) error
}

// PageView is a read-only view of a process's own page directory and
// page tables. Absent entries read as zero.
type PageView interface {
	PDE(pdx int) PTE
	PTE(pn uint32) PTE
}

// Env is everything a running process can do to itself.
type Env interface {
	Syscalls
	Memory
	PageView
}

// PgfaultHandler resolves a page fault taken by env. A non-nil error is
// fatal to env.
type PgfaultHandler func(env Env, tf Trapframe) error
