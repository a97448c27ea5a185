// Package testutil provides shared test helpers for the cowfork test suite.
package testutil

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kahiteam/cowfork/internal/config"
	"github.com/kahiteam/cowfork/internal/kern"
)

// TempDir creates a temporary directory for testing and registers cleanup.
// Paths stay short enough for Unix socket names.
func TempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cowfork-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

// FreeSocket returns a unique Unix socket path in a temporary directory.
// The socket file does not exist yet; it is created by the daemon.
func FreeSocket(t *testing.T) string {
	t.Helper()
	return filepath.Join(TempDir(t), "cowfork.sock")
}

// FreeTCPPort returns an available TCP port by binding to :0 and releasing.
func FreeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

// MustParseConfig parses a TOML string into a Config struct, failing the
// test on error. Intended for concise test setup.
func MustParseConfig(t *testing.T, toml string) *config.Config {
	t.Helper()
	cfg, warnings, err := config.LoadBytes([]byte(toml), "test.toml")
	if err != nil {
		t.Fatalf("MustParseConfig: %v", err)
	}
	for _, w := range warnings {
		t.Logf("config warning: %s", w)
	}
	return cfg
}

// QuietLogger returns a logger that discards everything.
func QuietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewKernel boots a heap-backed kernel and closes it when the test ends.
func NewKernel(t *testing.T, frames, maxEnvs int) *kern.Kernel {
	t.Helper()
	k, err := kern.New(kern.Config{Frames: frames, MaxEnvs: maxEnvs, Backing: "heap", Logger: QuietLogger()})
	if err != nil {
		t.Fatalf("NewKernel: %v", err)
	}
	t.Cleanup(func() { _ = k.Close() })
	return k
}

// WaitFor polls a condition function until it returns true or the timeout
// expires, failing the test on timeout.
func WaitFor(t *testing.T, condition func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	interval := 50 * time.Millisecond

	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(interval)
	}
	t.Fatal("WaitFor: condition not met within timeout")
}

// WriteFile writes content to a file in the given directory.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("cannot write %s: %v", path, err)
	}
	return path
}

// TestConfig is a config file written for a test daemon.
type TestConfig struct {
	SocketPath string
	ConfigPath string
	Dir        string
}

// WriteTestConfig writes cowfork.toml to a fresh directory. The kernel is
// kept small, logs go to text at debug level and the Unix socket lives in
// the same directory. extra is appended verbatim.
func WriteTestConfig(t *testing.T, extra string) *TestConfig {
	t.Helper()
	dir := TempDir(t)
	socketPath := filepath.Join(dir, "cowfork.sock")

	fullConfig := fmt.Sprintf(`
[kernel]
frames = 256
max_envs = 32
log_level = "debug"
log_format = "text"
shutdown_timeout = 5

[server.unix]
file = %q

%s
`, socketPath, extra)

	return &TestConfig{
		SocketPath: socketPath,
		ConfigPath: WriteFile(t, dir, "cowfork.toml", fullConfig),
		Dir:        dir,
	}
}
