package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/kahiteam/cowfork/internal/config"
	"github.com/kahiteam/cowfork/internal/filemap"
	"github.com/kahiteam/cowfork/internal/kern"
	"github.com/kahiteam/cowfork/internal/uapi"
)

// BuildImage lays out the init environment: text and rodata read-only,
// then data writable, then shared pages that stay shared across forks.
// The first bytes of each segment hold its name.
func BuildImage(in config.InitConfig) kern.Image {
	var img kern.Image
	va := uintptr(uapi.UTEXT)
	add := func(name string, pages int, perm uapi.PTE) {
		if pages <= 0 {
			return
		}
		img.Segments = append(img.Segments, kern.Segment{VA: va, Pages: pages, Perm: perm, Data: []byte(name)})
		va += uintptr(pages) * uapi.PGSIZE
	}
	add("text", in.TextPages, 0)
	add("rodata", in.RodataPages, 0)
	add("data", in.DataPages, uapi.PTE_W)
	add("shared", in.SharedPages, uapi.PTE_W|uapi.PTE_SHARE)
	return img
}

// MapFiles maps every configured file into env, in name order.
func MapFiles(env uapi.Env, files map[string]config.FileConfig, logger *slog.Logger) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := mapFile(env, name, files[name], logger); err != nil {
			return fmt.Errorf("init.files.%s: %w", name, err)
		}
	}
	return nil
}

func mapFile(env uapi.Env, name string, fc config.FileConfig, logger *slog.Logger) error {
	prot, err := config.ParseProt(fc.Prot)
	if err != nil {
		return err
	}
	f, err := os.Open(fc.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	length := fc.Length
	if length == 0 {
		st, err := f.Stat()
		if err != nil {
			return err
		}
		length = int(st.Size() - fc.Offset)
	}
	if length <= 0 {
		logger.Warn("skipping empty file mapping", "file", name, "path", fc.Path)
		return nil
	}

	va, err := filemap.Map(env, 0, uintptr(fc.VA), length, prot, f, fc.Offset)
	if err != nil {
		return err
	}
	logger.Info("file mapped", "file", name, "path", fc.Path,
		"va", fmt.Sprintf("%08x", va), "bytes", length, "prot", fc.Prot)
	return nil
}
