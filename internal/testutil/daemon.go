package testutil

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kahiteam/cowfork/internal/config"
	"github.com/kahiteam/cowfork/internal/ctl"
	"github.com/kahiteam/cowfork/internal/daemon"
	"github.com/kahiteam/cowfork/internal/logging"
)

// RunningDaemon is an in-process cowfork daemon started for a test.
type RunningDaemon struct {
	*TestConfig
	Daemon *daemon.Daemon
	Client *ctl.Client
	Tail   *logging.Tail

	mu     sync.Mutex
	runErr error
	exited chan struct{}
}

// StartDaemon writes a config with WriteTestConfig, runs the daemon in a
// goroutine and waits until its socket answers. Cleanup shuts it down.
func StartDaemon(t *testing.T, extra string) *RunningDaemon {
	t.Helper()
	tc := WriteTestConfig(t, extra)

	cfg, warnings, err := config.LoadWithIncludes(tc.ConfigPath)
	if err != nil {
		t.Fatalf("StartDaemon: %v", err)
	}
	for _, w := range warnings {
		t.Logf("config warning: %s", w)
	}

	level := logging.NewLevelVar(cfg.Kernel.LogLevel)
	tail := logging.NewTail(64 << 10)
	logger, cleanup, err := logging.NewDaemonLogger(logging.DaemonConfig{
		Level:  level,
		Format: cfg.Kernel.LogFormat,
		// Records go to the tail only; tests read them through the API.
		Output: io.Discard,
		Tail:   tail,
	})
	if err != nil {
		t.Fatalf("StartDaemon: %v", err)
	}

	d, err := daemon.New(daemon.Options{
		Config:     cfg,
		ConfigPath: tc.ConfigPath,
		Logger:     logger,
		Level:      level,
		Tail:       tail,
	})
	if err != nil {
		t.Fatalf("StartDaemon: %v", err)
	}

	rd := &RunningDaemon{
		TestConfig: tc,
		Daemon:     d,
		Client:     ctl.NewUnixClient(tc.SocketPath),
		Tail:       tail,
		exited:     make(chan struct{}),
	}
	go func() {
		err := d.Run()
		rd.mu.Lock()
		rd.runErr = err
		rd.mu.Unlock()
		close(rd.exited)
	}()

	t.Cleanup(func() {
		d.Shutdown()
		select {
		case <-rd.exited:
		case <-time.After(10 * time.Second):
			t.Errorf("daemon did not stop")
		}
		if cleanup != nil {
			cleanup()
		}
	})

	WaitFor(t, func() bool {
		select {
		case <-rd.exited:
			return true
		default:
		}
		status, err := rd.Client.Health()
		return err == nil && status == "ok"
	}, 5*time.Second)
	select {
	case <-rd.exited:
		t.Fatalf("daemon exited during startup: %v", rd.Err())
	default:
	}
	return rd
}

// Err returns the error Run returned, if it has returned.
func (rd *RunningDaemon) Err() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.runErr
}

// Log returns the daemon's log so far.
func (rd *RunningDaemon) Log() string {
	return string(bytes.Clone(rd.Tail.Last(0)))
}
