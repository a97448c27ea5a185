// Package daemon runs the cowfork daemon: it boots the simulated kernel
// and the init environment, serves the control API and handles signals.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kahiteam/cowfork/internal/api"
	"github.com/kahiteam/cowfork/internal/config"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/kern"
	"github.com/kahiteam/cowfork/internal/logging"
	"github.com/kahiteam/cowfork/internal/metrics"
	"github.com/kahiteam/cowfork/internal/physmem"
	"github.com/kahiteam/cowfork/internal/uapi"
	"github.com/kahiteam/cowfork/internal/version"
	"github.com/kahiteam/cowfork/internal/web"
)

// Options configures a Daemon.
type Options struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	// Level and Tail back the log endpoints. Either may be nil.
	Level *logging.LevelVar
	Tail  *logging.Tail
}

// Daemon is the main daemon run loop.
type Daemon struct {
	mu         sync.Mutex
	config     *config.Config
	configPath string
	logger     *slog.Logger
	level      *logging.LevelVar
	tail       *logging.Tail

	bus     *events.Bus
	metrics *metrics.Collector
	kernel  *kern.Kernel
	world   *World
	server  *api.Server
	ticker  *events.Ticker
	signals *SignalQueue

	init       uapi.EnvID
	shutting   bool
	shutdownCh chan struct{}
	doneCh     chan struct{}
}

// New boots the kernel and prepares the API server. Nothing listens until
// Run.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := opts.Level
	if level == nil {
		level = logging.NewLevelVar(cfg.Kernel.LogLevel)
	}

	m := metrics.New()
	m.SetBuildInfo(version.Version, version.Go())
	bus := events.NewBus(logger)

	k, err := kern.New(kern.Config{
		Frames:  cfg.Kernel.Frames,
		Backing: physmem.Backing(cfg.Kernel.Backing),
		MaxEnvs: cfg.Kernel.MaxEnvs,
		Logger:  logger,
		Bus:     bus,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	forkOpts, err := ForkOptions(cfg.Fork)
	if err != nil {
		k.Close()
		return nil, err
	}

	d := &Daemon{
		config:     cfg,
		configPath: opts.ConfigPath,
		logger:     logger,
		level:      level,
		tail:       opts.Tail,
		bus:        bus,
		metrics:    m,
		kernel:     k,
		world:      NewWorld(k, forkOpts, logger),
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	apiCfg := api.Config{
		Username: cfg.Server.HTTP.Username,
		Password: cfg.Server.HTTP.Password,
		Metrics:  m.Handler(),
	}
	if cfg.Server.Web.Enabled {
		wh, err := web.NewHandler(webLister{d.world}, web.Config{StaticDir: cfg.Server.Web.StaticDir}, logger)
		if err != nil {
			d.world.Close()
			k.Close()
			return nil, err
		}
		apiCfg.Web = wh
	}
	d.server = api.NewServer(apiCfg, d.world, &logControl{level: level, tail: opts.Tail}, d, d, bus, logger)
	return d, nil
}

// World returns the environments the daemon runs.
func (d *Daemon) World() *World { return d.world }

// Kernel returns the simulated kernel.
func (d *Daemon) Kernel() *kern.Kernel { return d.kernel }

// Server returns the API server.
func (d *Daemon) Server() *api.Server { return d.server }

// Init returns the init environment's id once Run has booted it.
func (d *Daemon) Init() uapi.EnvID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.init
}

// Run boots init, starts the listeners and blocks until shutdown.
func (d *Daemon) Run() error {
	defer close(d.doneCh)
	defer d.kernel.Close()
	defer d.world.Close()

	cfg := d.GetConfig().(*config.Config)
	root, err := d.world.Boot(cfg.Init)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.init = root
	d.mu.Unlock()

	if err := d.startServers(cfg.Server); err != nil {
		return err
	}
	if err := WritePIDFile(cfg.Kernel.Pidfile); err != nil {
		_ = d.server.Stop(context.Background())
		return err
	}
	defer RemovePIDFile(cfg.Kernel.Pidfile)

	d.ticker = events.NewTicker(d.bus, events.Tick60, time.Minute)
	defer d.ticker.Stop()
	statsSub := d.bus.Subscribe(events.Tick60, func(events.Event) { d.logStats() })
	defer d.bus.Unsubscribe(statsSub)

	d.signals = NewSignalQueue(d.logger)
	defer d.signals.Stop()

	d.logger.Info("daemon running", "pid", os.Getpid(), "init", root.String())

loop:
	for {
		select {
		case sig := <-d.signals.C:
			if d.handleSignal(sig) {
				break loop
			}
		case <-d.shutdownCh:
			break loop
		}
	}
	d.Shutdown()

	d.logger.Info("shutting down")
	timeout := time.Duration(cfg.Kernel.ShutdownTimeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := d.server.Stop(ctx); err != nil {
		d.logger.Warn("api shutdown incomplete", "error", err)
	}
	d.logger.Info("shutdown complete")
	return nil
}

func (d *Daemon) startServers(srv config.ServerConfig) error {
	mode, err := strconv.ParseUint(srv.Unix.Chmod, 8, 32)
	if err != nil {
		return fmt.Errorf("server.unix.chmod: %w", err)
	}
	if err := ValidateSocketPermissions(srv.Unix.File); err != nil {
		return err
	}
	if err := d.server.StartUnix(srv.Unix.File, os.FileMode(mode)); err != nil {
		return err
	}
	if srv.HTTP.Enabled {
		if err := d.server.StartTCP(srv.HTTP.Listen); err != nil {
			_ = d.server.Stop(context.Background())
			return err
		}
	}
	return nil
}

// handleSignal processes a signal and returns true if shutdown should begin.
func (d *Daemon) handleSignal(sig os.Signal) bool {
	d.logger.Info("received signal", "signal", sig.String())

	switch sig {
	case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
		return true
	case syscall.SIGHUP:
		d.handleReload()
	case syscall.SIGUSR1:
		d.dumpEnvs()
	default:
		d.logger.Warn("unhandled signal", "signal", sig.String())
	}
	return false
}

// handleReload re-reads the config file. Only the log level applies to a
// running daemon; other changes are reported and wait for a restart.
func (d *Daemon) handleReload() {
	if d.configPath == "" {
		d.logger.Warn("no config file to reload")
		return
	}
	cfg, warnings, err := config.LoadWithIncludes(d.configPath)
	if err != nil {
		d.logger.Error("reload failed", "error", err)
		return
	}
	for _, w := range warnings {
		d.logger.Warn("config warning", "warning", w)
	}

	d.mu.Lock()
	old := d.config
	d.config = cfg
	d.mu.Unlock()

	d.level.Set(cfg.Kernel.LogLevel)
	d.logger.Info("config reloaded", "path", d.configPath, "log_level", d.level.String())
	if old.Kernel != cfg.Kernel || old.Fork != cfg.Fork {
		d.logger.Warn("kernel and fork settings take effect on restart")
	}
}

func (d *Daemon) dumpEnvs() {
	for _, e := range d.world.List() {
		d.logger.Info("env",
			"env", e.ID.String(),
			"parent", e.Parent.String(),
			"status", e.Status,
			"pages", e.Pages,
			"handler", e.HandlerSet,
		)
	}
}

func (d *Daemon) logStats() {
	d.logger.Info("kernel stats",
		"envs", len(d.world.List()),
		"frames_in_use", d.kernel.FramesInUse(),
	)
}

// Shutdown triggers a graceful shutdown.
func (d *Daemon) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.shutting {
		d.shutting = true
		close(d.shutdownCh)
	}
}

// Done returns a channel that closes when Run has returned.
func (d *Daemon) Done() <-chan struct{} { return d.doneCh }

// IsShuttingDown returns true if the daemon is shutting down.
func (d *Daemon) IsShuttingDown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutting
}

// Version returns version info.
func (d *Daemon) Version() map[string]string {
	return map[string]string{
		"version":    version.Version,
		"commit":     version.Commit,
		"date":       version.Date,
		"go_version": version.Go(),
		"pid":        strconv.Itoa(os.Getpid()),
	}
}

// PID returns the daemon PID.
func (d *Daemon) PID() int { return os.Getpid() }

// GetConfig returns the current config.
func (d *Daemon) GetConfig() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// logControl serves the log endpoints.
type logControl struct {
	level *logging.LevelVar
	tail  *logging.Tail
}

func (l *logControl) Tail(n int) []byte {
	if l.tail == nil {
		return nil
	}
	return l.tail.Last(n)
}

func (l *logControl) Level() string { return l.level.String() }

func (l *logControl) SetLevel(level string) error {
	if err := logging.ValidateLevel(level); err != nil {
		return err
	}
	l.level.Set(level)
	return nil
}
