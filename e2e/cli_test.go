//go:build e2e

package e2e

import (
	"bytes"
	"os/exec"
	"strings"
	"sync"
	"testing"
)

func execCLI(args ...string) *exec.Cmd {
	return exec.Command(cowforkBinary, args...)
}

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestCLI_CtlAgainstDaemon(t *testing.T) {
	d := startDaemon(t, "")
	sock := d.socketPath

	out, err := runCLI(t, "ctl", "-s", sock, "status")
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	if !strings.Contains(out, "00001000") || !strings.Contains(out, "RUNNABLE") {
		t.Fatalf("status output:\n%s", out)
	}

	out, err = runCLI(t, "ctl", "-s", sock, "fork", "1000")
	if err != nil {
		t.Fatalf("fork: %v\n%s", err, out)
	}
	if !strings.Contains(out, "forked 00001001") {
		t.Fatalf("fork output: %s", out)
	}

	if out, err := runCLI(t, "ctl", "-s", sock, "write", "1001", "0x803000", "hello"); err != nil {
		t.Fatalf("write: %v\n%s", err, out)
	}
	out, err = runCLI(t, "ctl", "-s", sock, "read", "-n", "5", "1001", "0x803000")
	if err != nil || out != "hello" {
		t.Fatalf("read = %q, %v", out, err)
	}
	out, err = runCLI(t, "ctl", "-s", sock, "read", "-n", "4", "1000", "0x803000")
	if err != nil || out != "data" {
		t.Fatalf("parent read = %q, %v", out, err)
	}

	out, err = runCLI(t, "ctl", "-s", sock, "pages", "1001")
	if err != nil || !strings.Contains(out, "00803000") {
		t.Fatalf("pages: %v\n%s", err, out)
	}
}

func TestCLI_Demo(t *testing.T) {
	for _, scenario := range []string{"fork", "sfork", "fault"} {
		t.Run(scenario, func(t *testing.T) {
			out, err := runCLI(t, "demo", scenario)
			if err != nil {
				t.Fatalf("demo %s: %v\n%s", scenario, err, out)
			}
			if !strings.Contains(out, "booted init 00001000") {
				t.Fatalf("demo output:\n%s", out)
			}
		})
	}
}

func TestCLI_InitStdout(t *testing.T) {
	out, err := runCLI(t, "init", "--stdout")
	if err != nil {
		t.Fatal(err)
	}
	for _, section := range []string{"[kernel]", "[fork]", "[init]", "[server.unix]"} {
		if !strings.Contains(out, section) {
			t.Errorf("sample config missing %s", section)
		}
	}
}
