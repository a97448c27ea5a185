//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kahiteam/cowfork/internal/ctl"
)

// cowforkBinary is the path to the built cowfork binary, set by TestMain.
var cowforkBinary string

func TestMain(m *testing.M) {
	tmpDir, err := os.MkdirTemp("", "cowfork-e2e-bin-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmpDir)

	cowforkBinary = filepath.Join(tmpDir, "cowfork")
	cmd := exec.Command("go", "build", "-race", "-o", cowforkBinary, "github.com/kahiteam/cowfork/cmd/cowfork")
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to build cowfork binary: %v\n", err)
		os.Exit(1)
	}

	// Suite-wide 10-minute timeout fallback.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	go func() {
		<-ctx.Done()
		if ctx.Err() == context.DeadlineExceeded {
			fmt.Fprintln(os.Stderr, "E2E suite timeout exceeded (10 minutes)")
			os.Exit(2)
		}
	}()

	os.Exit(m.Run())
}

// daemonHandle is a running cowfork daemon process.
type daemonHandle struct {
	client     *ctl.Client
	socketPath string
	configPath string
	dir        string
	cmd        *exec.Cmd
	waitCh     chan error
}

// startDaemon writes configTOML to a temp directory, starts the cowfork
// daemon, polls for readiness, and returns a handle. The socket path and a
// debug [kernel] section are injected into the config automatically.
func startDaemon(t *testing.T, configTOML string) *daemonHandle {
	t.Helper()

	dir := t.TempDir()
	socketPath := filepath.Join(dir, "cowfork.sock")
	configPath := filepath.Join(dir, "cowfork.toml")

	fullConfig := fmt.Sprintf("[kernel]\nframes = 256\nmax_envs = 64\nlog_level = \"debug\"\nlog_format = \"text\"\nshutdown_timeout = 10\n\n[server.unix]\nfile = %q\n\n%s", socketPath, configTOML)
	if err := os.WriteFile(configPath, []byte(fullConfig), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	h := &daemonHandle{socketPath: socketPath, configPath: configPath, dir: dir}
	h.cmd = startDaemonCmd(t, cowforkBinary, configPath, dir)
	h.waitCh = make(chan error, 1)
	go func() { h.waitCh <- h.cmd.Wait() }()

	// Cleanup: shutdown then kill.
	t.Cleanup(func() {
		_ = ctl.NewUnixClient(socketPath).Shutdown()
		if _, ok := h.wait(5 * time.Second); !ok {
			_ = h.cmd.Process.Kill()
			<-h.waitCh
		}
	})

	// Stage 1: Wait for socket file (5s, 100ms interval).
	waitForSocket(t, socketPath, 5*time.Second)

	h.client = ctl.NewUnixClient(socketPath)

	// Stage 2: Wait for health endpoint (3s, 50ms interval).
	waitForHealth(t, h.client, 3*time.Second)
	return h
}

// wait blocks until the daemon process exits or timeout passes. ok is
// false on timeout; exitErr is what cmd.Wait returned.
func (h *daemonHandle) wait(timeout time.Duration) (exitErr error, ok bool) {
	select {
	case err := <-h.waitCh:
		h.waitCh <- err
		return err, true
	case <-time.After(timeout):
		return nil, false
	}
}

// startDaemonCmd starts "cowfork daemon -c configPath" with output on the
// test's stdout.
func startDaemonCmd(t *testing.T, binary, configPath, dir string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(binary, "daemon", "-c", configPath)
	cmd.Dir = dir
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	return cmd
}

// waitForSocket polls for the existence of a Unix socket file.
func waitForSocket(t *testing.T, path string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			// Verify it's connectable.
			conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
			if err == nil {
				conn.Close()
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for socket %s", path)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// waitForHealth polls the health endpoint until it returns "ok".
func waitForHealth(t *testing.T, client *ctl.Client, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if h, err := client.Health(); err == nil && h == "ok" {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for health endpoint")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// listEnvs fetches every environment via the JSON status API.
func listEnvs(t *testing.T, client *ctl.Client) []ctl.EnvInfo {
	t.Helper()
	var buf bytes.Buffer
	if err := client.Status(nil, true, &buf); err != nil {
		t.Fatalf("status: %v", err)
	}
	var envs []ctl.EnvInfo
	if err := json.Unmarshal(buf.Bytes(), &envs); err != nil {
		t.Fatalf("parse status JSON: %v (raw: %s)", err, buf.String())
	}
	return envs
}

// runCLI runs the cowfork binary and returns its combined output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out, err := exec.Command(cowforkBinary, args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func hexID(id int32) string { return fmt.Sprintf("%08x", id) }
