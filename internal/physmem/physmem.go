// Package physmem manages the simulated machine's physical page frames.
package physmem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kahiteam/cowfork/internal/uapi"
)

// ErrNoMem is returned when every frame is in use.
var ErrNoMem = errors.New("out of physical memory")

// Frame is a physical page frame number.
type Frame uint32

// Addr returns the physical address of the frame's first byte.
func (f Frame) Addr() uintptr { return uintptr(f) << uapi.PGSHIFT }

// Backing selects where frame contents live.
type Backing string

const (
	BackingHeap Backing = "heap"
	BackingMmap Backing = "mmap"
)

// Config configures a Pool.
type Config struct {
	Frames  int
	Backing Backing
}

// Pool is a fixed set of frames with reference counts. Frame 0 is
// reserved and never handed out, so a zero Frame can mean "none".
type Pool struct {
	mu     sync.Mutex
	mem    []byte
	refs   []uint32 // a frame can be mapped at every page of every env
	free   []Frame
	inUse  int
	unmap  func() error
	closed bool
}

// New allocates the pool's backing memory.
func New(cfg Config) (*Pool, error) {
	if cfg.Frames < 2 {
		return nil, fmt.Errorf("physmem: need at least 2 frames, got %d", cfg.Frames)
	}
	size := cfg.Frames * uapi.PGSIZE

	p := &Pool{
		refs: make([]uint32, cfg.Frames),
		free: make([]Frame, 0, cfg.Frames-1),
	}

	switch cfg.Backing {
	case BackingHeap, "":
		p.mem = make([]byte, size)
	case BackingMmap:
		mem, unmap, err := mapAnonymous(size)
		if err != nil {
			return nil, fmt.Errorf("physmem: mmap %d bytes: %w", size, err)
		}
		p.mem = mem
		p.unmap = unmap
	default:
		return nil, fmt.Errorf("physmem: unknown backing %q", cfg.Backing)
	}

	// Hand out low frames first.
	for f := cfg.Frames - 1; f >= 1; f-- {
		p.free = append(p.free, Frame(f))
	}
	return p, nil
}

// Alloc returns a zeroed frame with a reference count of zero.
func (p *Pool) Alloc() (Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, ErrNoMem
	}
	f := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inUse++
	clear(p.bytesLocked(f))
	return f, nil
}

// IncRef adds a reference to f.
func (p *Pool) IncRef(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs[f]++
}

// DecRef drops a reference to f, returning it to the free list when the
// count reaches zero.
func (p *Pool) DecRef(f Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs[f] == 0 {
		panic(fmt.Sprintf("physmem: DecRef on frame %d with no references", f))
	}
	p.refs[f]--
	if p.refs[f] == 0 {
		p.free = append(p.free, f)
		p.inUse--
	}
}

// Refs returns the reference count of f.
func (p *Pool) Refs(f Frame) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.refs[f])
}

// Bytes returns the contents of f. Callers must hold a reference.
func (p *Pool) Bytes(f Frame) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytesLocked(f)
}

func (p *Pool) bytesLocked(f Frame) []byte {
	off := int(f) * uapi.PGSIZE
	return p.mem[off : off+uapi.PGSIZE : off+uapi.PGSIZE]
}

// InUse returns the number of allocated frames.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Free returns the number of frames available for allocation.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Close releases the backing memory. The pool must not be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.unmap != nil {
		return p.unmap()
	}
	return nil
}
