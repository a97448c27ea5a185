package filemap

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/kahiteam/cowfork/internal/kern"
	"github.com/kahiteam/cowfork/internal/uapi"
)

func newProc(t *testing.T) (*kern.Kernel, *kern.Proc) {
	t.Helper()
	k, err := kern.New(kern.Config{Frames: 32, MaxEnvs: 4, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { k.Close() })
	id, err := k.Spawn(kern.Image{})
	if err != nil {
		t.Fatal(err)
	}
	p, err := k.Proc(id)
	if err != nil {
		t.Fatal(err)
	}
	return k, p
}

func TestMapIntoSelf(t *testing.T) {
	k, p := newProc(t)
	content := bytes.Repeat([]byte("0123456789"), 500) // 5000 bytes, two pages
	const addr = uapi.UTEXT

	got, err := Map(p, 0, addr, len(content), 0, bytes.NewReader(content), 0)
	if err != nil {
		t.Fatal(err)
	}
	if got != addr {
		t.Fatalf("Map returned %08x", got)
	}

	buf := make([]byte, 2*uapi.PGSIZE)
	if err := p.Read(addr, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf[:len(content)], content) {
		t.Fatal("mapped content differs")
	}
	if !bytes.Equal(buf[len(content):], make([]byte, len(buf)-len(content))) {
		t.Fatal("tail of last page not zero")
	}
	if p.PTE(uapi.PGNUM(addr)).Has(uapi.PTE_W) {
		t.Fatal("read-only mapping became writable")
	}
	if p.PTE(uapi.PGNUM(uapi.UTEMP)) != 0 {
		t.Fatal("staging page left mapped")
	}

	// Two file pages plus the user stack.
	if n := k.FramesInUse(); n != 3 {
		t.Fatalf("frames in use = %d, want 3", n)
	}
}

func TestMapOffsetIntoChild(t *testing.T) {
	k, p := newProc(t)
	child, err := p.Exofork()
	if err != nil {
		t.Fatal(err)
	}
	content := []byte(strings.Repeat("a", uapi.PGSIZE) + "second page")
	const addr = uapi.UTEXT + 4*uapi.PGSIZE

	if _, err := Map(p, child, addr, 11, uapi.PTE_W, bytes.NewReader(content), uapi.PGSIZE); err != nil {
		t.Fatal(err)
	}
	if p.PTE(uapi.PGNUM(addr)) != 0 {
		t.Fatal("page mapped in the caller instead of the child")
	}
	if err := p.SetStatus(child, uapi.EnvRunnable); err != nil {
		t.Fatal(err)
	}
	cp, err := k.Proc(child)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, uapi.PGSIZE)
	if err := cp.Read(addr, buf); err != nil {
		t.Fatal(err)
	}
	// The file ends 11 bytes past offset; the rest of the page is zero.
	if string(buf[:11]) != "second page" || buf[11] != 0 {
		t.Fatalf("child sees %q", buf[:12])
	}
	if !cp.PTE(uapi.PGNUM(addr)).Has(uapi.PTE_W) {
		t.Fatal("prot not applied")
	}
}

func TestMapRejectsBadRanges(t *testing.T) {
	_, p := newProc(t)
	r := bytes.NewReader([]byte("x"))
	for _, tt := range []struct {
		name   string
		addr   uintptr
		length int
	}{
		{"empty", uapi.UTEXT, 0},
		{"unaligned", uapi.UTEXT + 1, 1},
		{"above utop", uapi.UTOP, 1},
		{"crosses utop", uapi.UTOP - uapi.PGSIZE, 2 * uapi.PGSIZE},
		{"covers staging page", uapi.UTEMP, 1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Map(p, 0, tt.addr, tt.length, 0, r, 0); !errors.Is(err, ErrBadRange) {
				t.Fatalf("err = %v, want ErrBadRange", err)
			}
		})
	}
}

type failingReader struct{}

func (failingReader) ReadAt([]byte, int64) (int, error) { return 0, errors.New("disk on fire") }

func TestMapReadError(t *testing.T) {
	_, p := newProc(t)
	_, err := Map(p, 0, uapi.UTEXT, 10, 0, failingReader{}, 0)
	if err == nil || !strings.Contains(err.Error(), "disk on fire") {
		t.Fatalf("err = %v", err)
	}
}

// failAfter serves one page of content and fails reads past it.
type failAfter struct{ page []byte }

func (f failAfter) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.page)) {
		return 0, errors.New("disk on fire")
	}
	return copy(p, f.page[off:]), nil
}

func TestMapErrorUnmapsEverything(t *testing.T) {
	k, p := newProc(t)
	child, err := p.Exofork()
	if err != nil {
		t.Fatal(err)
	}
	before := k.FramesInUse()
	const addr = uapi.UTEXT + 8*uapi.PGSIZE
	r := failAfter{page: bytes.Repeat([]byte("x"), uapi.PGSIZE)}

	if _, err := Map(p, child, addr, 3*uapi.PGSIZE, 0, r, 0); err == nil {
		t.Fatal("expected read error")
	}
	if p.PTE(uapi.PGNUM(uapi.UTEMP)) != 0 {
		t.Fatal("staging page left mapped")
	}
	pages, err := k.Pages(child)
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 0 {
		t.Fatalf("child kept %d partial pages", len(pages))
	}
	if n := k.FramesInUse(); n != before {
		t.Fatalf("frames in use = %d, want %d", n, before)
	}
}
