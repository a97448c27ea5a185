package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewCollector(t *testing.T) {
	c := New()
	if c == nil {
		t.Fatal("expected non-nil collector")
	}
}

func TestMetricsHandler(t *testing.T) {
	c := New()
	handler := c.Handler()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body, _ := io.ReadAll(w.Body)
	content := string(body)

	// Should contain Go runtime metrics.
	if !strings.Contains(content, "go_goroutines") {
		t.Fatal("expected go_goroutines metric")
	}
}

func TestForkCounter(t *testing.T) {
	c := New()
	c.IncFork("cow", 0.001)
	c.IncFork("cow", 0.002)
	c.IncFork("shared", 0.001)

	body := scrape(t, c)
	if !strings.Contains(body, `cowfork_fork_total{variant="cow"} 2`) {
		t.Fatalf("expected cow fork_total=2, got:\n%s", body)
	}
	if !strings.Contains(body, `cowfork_fork_total{variant="shared"} 1`) {
		t.Fatalf("expected shared fork_total=1, got:\n%s", body)
	}
	if !strings.Contains(body, `cowfork_fork_duration_seconds_count{variant="cow"} 2`) {
		t.Fatalf("expected duration histogram count=2, got:\n%s", body)
	}
}

func TestForkErrorCounter(t *testing.T) {
	c := New()
	c.IncForkError("cow")

	body := scrape(t, c)
	if !strings.Contains(body, `cowfork_fork_errors_total{variant="cow"} 1`) {
		t.Fatalf("expected fork_errors_total=1, got:\n%s", body)
	}
}

func TestPagesDuplicatedByPolicy(t *testing.T) {
	c := New()
	c.IncPageDuplicated("cow")
	c.IncPageDuplicated("cow")
	c.IncPageDuplicated("shared")
	c.IncPageDuplicated("readonly")
	c.IncPageDupError()

	body := scrape(t, c)
	for _, want := range []string{
		`cowfork_pages_duplicated_total{policy="cow"} 2`,
		`cowfork_pages_duplicated_total{policy="shared"} 1`,
		`cowfork_pages_duplicated_total{policy="readonly"} 1`,
		`cowfork_page_dup_errors_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s, got:\n%s", want, body)
		}
	}
}

func TestFaultCounters(t *testing.T) {
	c := New()
	c.IncCOWFault()
	c.IncCOWFault()
	c.IncFatalFault("not_cow")

	body := scrape(t, c)
	if !strings.Contains(body, "cowfork_cow_faults_total 2") {
		t.Fatalf("expected cow_faults_total=2, got:\n%s", body)
	}
	if !strings.Contains(body, `cowfork_fatal_faults_total{reason="not_cow"} 1`) {
		t.Fatalf("expected fatal_faults_total=1, got:\n%s", body)
	}
}

func TestFrameAndEnvGauges(t *testing.T) {
	c := New()
	c.SetFrames(12, 500)
	c.SetEnvCount("RUNNABLE", 3)
	c.SetEnvCount("NOT_RUNNABLE", 1)

	body := scrape(t, c)
	for _, want := range []string{
		"cowfork_frames_in_use 12",
		"cowfork_frames_free 500",
		`cowfork_envs{status="RUNNABLE"} 3`,
		`cowfork_envs{status="NOT_RUNNABLE"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %s, got:\n%s", want, body)
		}
	}
}

func TestBuildInfo(t *testing.T) {
	c := New()
	c.SetBuildInfo("1.0.0", "go1.26.0")

	body := scrape(t, c)
	if !strings.Contains(body, `cowfork_info{go_version="go1.26.0",version="1.0.0"} 1`) {
		t.Fatalf("expected build info metric, got:\n%s", body)
	}
}

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics scrape failed: %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	return string(body)
}
