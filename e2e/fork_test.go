//go:build e2e

package e2e

import (
	"context"
	"strings"
	"testing"
	"time"
)

const (
	dataVA   = "0x803000"
	sharedVA = "0x805000"
	textVA   = "0x800000"
)

func initID(t *testing.T, d *daemonHandle) string {
	t.Helper()
	return hexID(listEnvs(t, d.client)[0].ID)
}

func TestFork_CopyOnWrite(t *testing.T) {
	d := startDaemon(t, "")
	parent := initID(t, d)

	res, err := d.client.Fork(parent, false)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	child := hexID(res.Child)
	if res.Variant != "cow" || res.Failed != 0 || res.Pages["cow"] == 0 {
		t.Fatalf("fork result = %+v", res)
	}

	if err := d.client.Write(parent, dataVA, "parent"); err != nil {
		t.Fatalf("write parent: %v", err)
	}
	if err := d.client.Write(child, sharedVA, "child"); err != nil {
		t.Fatalf("write child: %v", err)
	}

	for _, tt := range []struct {
		env, va, want string
	}{
		{parent, dataVA, "parent"},
		{child, dataVA, "data"},
		{parent, sharedVA, "child"},
		{child, textVA, "text"},
	} {
		got, err := d.client.Read(tt.env, tt.va, len(tt.want))
		if err != nil {
			t.Fatalf("read %s %s: %v", tt.env, tt.va, err)
		}
		if string(got) != tt.want {
			t.Errorf("%s at %s = %q, want %q", tt.env, tt.va, got, tt.want)
		}
	}
}

func TestFork_SharedStack(t *testing.T) {
	d := startDaemon(t, "")
	parent := initID(t, d)

	res, err := d.client.Fork(parent, true)
	if err != nil {
		t.Fatalf("sfork: %v", err)
	}
	child := hexID(res.Child)

	if err := d.client.Write(child, dataVA, "global"); err != nil {
		t.Fatal(err)
	}
	got, err := d.client.Read(parent, dataVA, 6)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "global" {
		t.Fatalf("parent sees %q", got)
	}

	var pages strings.Builder
	if err := d.client.Pages(child, false, &pages); err != nil {
		t.Fatal(err)
	}
	// User stack is copy-on-write, the exception stack private.
	if !strings.Contains(pages.String(), "eebfd000  P-UC-") {
		t.Errorf("child stack not copy-on-write:\n%s", pages.String())
	}
}

func TestFork_FaultTerminatesChild(t *testing.T) {
	d := startDaemon(t, "")
	parent := initID(t, d)
	res, err := d.client.Fork(parent, false)
	if err != nil {
		t.Fatal(err)
	}
	child := hexID(res.Child)

	if err := d.client.Write(child, textVA, "x"); err == nil || !strings.Contains(err.Error(), "terminated") {
		t.Fatalf("write to text: %v", err)
	}
	envs := listEnvs(t, d.client)
	if len(envs) != 1 || hexID(envs[0].ID) != parent {
		t.Fatalf("envs after fault = %+v", envs)
	}
}

func TestFork_Events(t *testing.T) {
	d := startDaemon(t, "")
	parent := initID(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- d.client.Events(ctx, []string{"FORK_COMPLETED"}, out) }()

	// The subscription is live once the stream has connected; retry the
	// fork until its event shows up.
	deadline := time.Now().Add(4 * time.Second)
	for !strings.Contains(out.String(), "FORK_COMPLETED") {
		if time.Now().After(deadline) {
			t.Fatalf("no FORK_COMPLETED event; got %q", out.String())
		}
		if _, err := d.client.Fork(parent, false); err != nil {
			t.Fatal(err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	cancel()
	<-done
}
