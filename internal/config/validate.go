package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/kahiteam/cowfork/internal/uapi"
)

// Limits on the simulated machine.
const (
	MinFrames = 16
	MaxFrames = 1 << 20
)

// Validate checks the config for semantic errors and returns all of them.
func Validate(cfg *Config) []error {
	var errs []error

	k := cfg.Kernel
	if k.Frames < MinFrames || k.Frames > MaxFrames {
		errs = append(errs, fmt.Errorf("kernel.frames must be between %d and %d, got %d", MinFrames, MaxFrames, k.Frames))
	}
	if k.MaxEnvs < 1 || k.MaxEnvs > uapi.NENV {
		errs = append(errs, fmt.Errorf("kernel.max_envs must be between 1 and %d, got %d", uapi.NENV, k.MaxEnvs))
	}
	if k.Backing != "heap" && k.Backing != "mmap" {
		errs = append(errs, fmt.Errorf("kernel.backing must be heap or mmap, got %q", k.Backing))
	}
	if err := logging.ValidateLevel(k.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("kernel.log_level: %w", err))
	}
	if k.LogFormat != "json" && k.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("kernel.log_format must be json or text, got %q", k.LogFormat))
	}
	if k.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("kernel.shutdown_timeout must be >= 0, got %d", k.ShutdownTimeout))
	}

	if cfg.Fork.OnDupError != "continue" && cfg.Fork.OnDupError != "abort" {
		errs = append(errs, fmt.Errorf("fork.on_dup_error must be continue or abort, got %q", cfg.Fork.OnDupError))
	}
	if va := cfg.Fork.IdentityVA; va != 0 && (va < int64(uapi.UTEXT) || va+4 > int64(uapi.USTACKTOP)) {
		errs = append(errs, fmt.Errorf("fork.identity_va %#x is outside the user image", va))
	}

	errs = append(errs, validateInit(&cfg.Init, k.Frames)...)

	if _, err := strconv.ParseUint(cfg.Server.Unix.Chmod, 8, 32); err != nil {
		errs = append(errs, fmt.Errorf("server.unix.chmod: invalid octal mode %q", cfg.Server.Unix.Chmod))
	}
	h := cfg.Server.HTTP
	if h.Enabled && strings.TrimSpace(h.Listen) == "" {
		errs = append(errs, fmt.Errorf("server.http.listen is required when server.http.enabled is true"))
	}
	if (h.Username == "") != (h.Password == "") {
		errs = append(errs, fmt.Errorf("server.http: username and password must be set together"))
	}

	return errs
}

func validateInit(in *InitConfig, frames int) []error {
	var errs []error

	pages := 0
	for name, n := range map[string]int{
		"text_pages":   in.TextPages,
		"rodata_pages": in.RodataPages,
		"data_pages":   in.DataPages,
		"shared_pages": in.SharedPages,
	} {
		if n < 0 || n > uapi.NPTENTRIES {
			errs = append(errs, fmt.Errorf("init.%s must be between 0 and %d, got %d", name, uapi.NPTENTRIES, n))
		}
		pages += n
	}
	if in.TextPages < 1 {
		errs = append(errs, fmt.Errorf("init.text_pages must be >= 1"))
	}
	// Image plus user stack and exception stack.
	if need := pages + 2; frames > 0 && need >= frames {
		errs = append(errs, fmt.Errorf("init image needs %d frames but kernel.frames is %d", need, frames))
	}

	imageEnd := int64(uapi.UTEXT) + int64(pages)*uapi.PGSIZE
	names := make([]string, 0, len(in.Files))
	for name := range in.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f := in.Files[name]
		prefix := "init.files." + name
		if strings.TrimSpace(f.Path) == "" {
			errs = append(errs, fmt.Errorf("%s: path is required", prefix))
		}
		if f.VA%uapi.PGSIZE != 0 {
			errs = append(errs, fmt.Errorf("%s: va %#x is not page aligned", prefix, f.VA))
		}
		if f.VA < imageEnd || f.VA >= int64(uapi.USTACKTOP-uapi.PGSIZE) {
			errs = append(errs, fmt.Errorf("%s: va %#x overlaps the init image or stacks", prefix, f.VA))
		}
		if f.Length < 0 || f.Offset < 0 {
			errs = append(errs, fmt.Errorf("%s: length and offset must be >= 0", prefix))
		}
		if _, err := ParseProt(f.Prot); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", prefix, err))
		}
	}

	return errs
}

// ParseProt converts a protection string of letters from "rws" into page
// permissions. "r" is implied.
func ParseProt(s string) (uapi.PTE, error) {
	var perm uapi.PTE
	for _, c := range s {
		switch c {
		case 'r':
		case 'w':
			perm |= uapi.PTE_W
		case 's':
			perm |= uapi.PTE_SHARE
		default:
			return 0, fmt.Errorf("invalid prot %q (letters from rws)", s)
		}
	}
	return perm, nil
}
