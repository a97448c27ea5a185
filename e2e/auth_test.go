//go:build e2e

package e2e

import (
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/kahiteam/cowfork/internal/ctl"
)

// hashPassword uses the cowfork binary to generate a bcrypt hash.
func hashPassword(t *testing.T, password string) string {
	t.Helper()
	cmd := execCLI("hash-password")
	cmd.Stdin = strings.NewReader(password + "\n")
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("hash-password: %v", err)
	}
	return strings.TrimSpace(string(out))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestAuth_TCPWithCreds(t *testing.T) {
	hash := hashPassword(t, "testpass")
	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))

	d := startDaemon(t, fmt.Sprintf(`
[server.http]
enabled = true
listen = %q
username = "admin"
password = %q
`, addr, hash))

	good := ctl.NewTCPClient(addr, "admin", "testpass")
	envs, err := good.Env(initID(t, d))
	if err != nil {
		t.Fatalf("authorized request failed: %v", err)
	}
	if envs.Status != "RUNNABLE" {
		t.Fatalf("init = %+v", envs)
	}

	bad := ctl.NewTCPClient(addr, "admin", "wrong")
	if _, err := bad.Env(initID(t, d)); err == nil {
		t.Fatal("wrong password accepted")
	}

	// Health stays open.
	if h, err := ctl.NewTCPClient(addr, "", "").Health(); err != nil || h != "ok" {
		t.Fatalf("health without creds: %q %v", h, err)
	}
}

func TestAuth_UnixSocketSkipsAuth(t *testing.T) {
	hash := hashPassword(t, "testpass")
	addr := fmt.Sprintf("127.0.0.1:%d", freePort(t))
	d := startDaemon(t, fmt.Sprintf(`
[server.http]
enabled = true
listen = %q
username = "admin"
password = %q
`, addr, hash))

	if _, err := d.client.Fork(initID(t, d), false); err != nil {
		t.Fatalf("unix fork: %v", err)
	}
}
