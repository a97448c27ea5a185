package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/kahiteam/cowfork/internal/config"
	"github.com/kahiteam/cowfork/internal/cow"
	"github.com/kahiteam/cowfork/internal/daemon"
	"github.com/kahiteam/cowfork/internal/kern"
	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/kahiteam/cowfork/internal/uapi"
	"github.com/spf13/cobra"
)

var (
	demoVerbose    bool
	demoOnDupError string
)

var demoCmd = &cobra.Command{
	Use:       "demo fork|sfork|fault",
	Short:     "Run a fork scenario on a fresh kernel",
	Long:      "Boot a private kernel with the default init image, run one scenario and print what each environment observes.",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"fork", "sfork", "fault"},
	RunE: func(cmd *cobra.Command, args []string) error {
		level := "error"
		if demoVerbose {
			level = "debug"
		}
		logger := logging.New(logging.LogConfig{Level: level, Format: "text", Output: cmd.ErrOrStderr()})

		cfg := &config.Config{Fork: config.ForkConfig{OnDupError: demoOnDupError}}
		config.ApplyDefaults(cfg)
		if errs := config.Validate(cfg); len(errs) > 0 {
			return errors.Join(errs...)
		}

		s, err := newScenario(cfg, logger, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer s.close()

		switch args[0] {
		case "fork":
			return s.fork()
		case "sfork":
			return s.sfork()
		default:
			return s.fault()
		}
	},
}

// Addresses in the default init image.
const (
	demoText   = uapi.UTEXT
	demoData   = uapi.UTEXT + 3*uapi.PGSIZE
	demoShared = uapi.UTEXT + 5*uapi.PGSIZE
	demoStack  = uapi.USTACKTOP - uapi.PGSIZE
)

type scenario struct {
	k    *kern.Kernel
	w    *daemon.World
	out  io.Writer
	init uapi.EnvID
}

func newScenario(cfg *config.Config, logger *slog.Logger, out io.Writer) (*scenario, error) {
	k, err := kern.New(kern.Config{
		Frames:  cfg.Kernel.Frames,
		MaxEnvs: cfg.Kernel.MaxEnvs,
		Backing: "heap",
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	opts, err := daemon.ForkOptions(cfg.Fork)
	if err != nil {
		k.Close()
		return nil, err
	}
	w := daemon.NewWorld(k, opts, logger)
	id, err := w.Boot(cfg.Init)
	if err != nil {
		w.Close()
		k.Close()
		return nil, err
	}
	s := &scenario{k: k, w: w, out: out, init: id}
	s.printf("booted init %s\n", id)
	return s, nil
}

func (s *scenario) close() {
	s.w.Close()
	s.k.Close()
}

func (s *scenario) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *scenario) forkInit(variant string) (uapi.EnvID, error) {
	stats, err := s.w.Fork(s.init, variant)
	if err != nil {
		return 0, err
	}
	policies := make([]string, 0, len(stats.Pages))
	for p, n := range stats.Pages {
		policies = append(policies, fmt.Sprintf("%s=%d", p, n))
	}
	sort.Strings(policies)
	s.printf("%s: %s forked %s (%s) in %s\n", variant, s.init, stats.Child, strings.Join(policies, " "), stats.Duration)
	return stats.Child, nil
}

func (s *scenario) write(id uapi.EnvID, va uintptr, data string) error {
	if err := s.w.Write(id, va, []byte(data)); err != nil {
		return err
	}
	s.printf("  %s writes %q at %08x\n", id, data, va)
	return nil
}

func (s *scenario) show(va uintptr, n int, ids ...uapi.EnvID) error {
	for _, id := range ids {
		buf, err := s.w.Read(id, va, n)
		if err != nil {
			return err
		}
		flags, frame := s.mapping(id, va)
		s.printf("  %s reads  %q at %08x [%s frame %d]\n", id, strings.TrimRight(string(buf), "\x00"), va, flags, frame)
	}
	return nil
}

func (s *scenario) mapping(id uapi.EnvID, va uintptr) (string, uint32) {
	pages, err := s.w.Pages(id)
	if err != nil {
		return "?", 0
	}
	for _, p := range pages {
		if p.VA == va {
			return p.Flags, p.Frame
		}
	}
	return "unmapped", 0
}

func (s *scenario) fork() error {
	child, err := s.forkInit(cow.VariantCOW)
	if err != nil {
		return err
	}
	s.printf("private data page:\n")
	if err := s.write(s.init, demoData, "parent"); err != nil {
		return err
	}
	if err := s.show(demoData, 8, s.init, child); err != nil {
		return err
	}
	s.printf("shared page:\n")
	if err := s.write(child, demoShared, "child"); err != nil {
		return err
	}
	if err := s.show(demoShared, 8, s.init, child); err != nil {
		return err
	}
	s.printf("read-only text page:\n")
	return s.show(demoText, 4, s.init, child)
}

func (s *scenario) sfork() error {
	child, err := s.forkInit(cow.VariantShared)
	if err != nil {
		return err
	}
	s.printf("global data page:\n")
	if err := s.write(child, demoData, "global"); err != nil {
		return err
	}
	if err := s.show(demoData, 8, s.init, child); err != nil {
		return err
	}
	s.printf("user stack page:\n")
	if err := s.write(s.init, demoStack, "parent frame"); err != nil {
		return err
	}
	if err := s.write(child, demoStack, "child frame"); err != nil {
		return err
	}
	return s.show(demoStack, 16, s.init, child)
}

func (s *scenario) fault() error {
	child, err := s.forkInit(cow.VariantCOW)
	if err != nil {
		return err
	}
	s.printf("store to read-only text:\n")
	err = s.w.Write(child, demoText, []byte("x"))
	var terr *kern.TerminatedError
	if !errors.As(err, &terr) {
		return fmt.Errorf("expected %s to be terminated, got %v", child, err)
	}
	s.printf("  %s\n", terr)
	s.printf("survivors:\n")
	for _, e := range s.w.List() {
		s.printf("  %s %s pages=%d\n", e.ID, e.Status, e.Pages)
	}
	return nil
}

func init() {
	demoCmd.Flags().BoolVarP(&demoVerbose, "verbose", "v", false, "log kernel and fork activity to stderr")
	demoCmd.Flags().StringVar(&demoOnDupError, "on-dup-error", "continue", "duplication failure policy (continue|abort)")
	rootCmd.AddCommand(demoCmd)
}
