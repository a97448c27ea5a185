package web

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

type mockLister struct {
	envs  []EnvView
	pages map[string][]PageView
}

func (m *mockLister) ListWeb() []EnvView {
	return m.envs
}

func (m *mockLister) EnvWeb(id string) (EnvView, []PageView, error) {
	for _, e := range m.envs {
		if e.ID == id {
			return e, m.pages[id], nil
		}
	}
	return EnvView{}, nil, errors.New("bad environment")
}

func newTestHandler(t *testing.T, lister EnvLister) *Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h, err := NewHandler(lister, Config{}, logger)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	return w
}

func testLister() *mockLister {
	return &mockLister{
		envs: []EnvView{
			{ID: "00001000", Parent: "-", Status: "RUNNABLE", StatusLower: "runnable", Pages: 7, Size: "28 KiB", Handler: "yes"},
			{ID: "00001001", Parent: "00001000", Status: "NOT_RUNNABLE", StatusLower: "not_runnable", Pages: 2, Size: "8 KiB", Handler: "-"},
		},
		pages: map[string][]PageView{
			"00001000": {
				{VA: "00800000", Flags: "P-U--", Frame: 3, Refs: 2, Kind: "readonly"},
				{VA: "00803000", Flags: "P-UC-", Frame: 5, Refs: 2, Kind: "cow"},
			},
		},
	}
}

func TestStatusPage(t *testing.T) {
	w := get(t, newTestHandler(t, testLister()), "/")
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()

	for _, want := range []string{
		`href="/env/00001000"`,
		"00001001",
		"status-runnable",
		"status-not_runnable",
		"28 KiB",
		"app.js",
		"viewport",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("index missing %q", want)
		}
	}
}

func TestStatusPageEmpty(t *testing.T) {
	w := get(t, newTestHandler(t, &mockLister{}), "/")
	if !strings.Contains(w.Body.String(), "no environments") {
		t.Error("empty table not rendered")
	}
}

func TestUnknownPathNotFound(t *testing.T) {
	w := get(t, newTestHandler(t, testLister()), "/nope")
	if w.Code != 404 {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestEnvPage(t *testing.T) {
	w := get(t, newTestHandler(t, testLister()), "/env/00001000")
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"env 00001000", "00803000", "P-UC-", "page-cow", "page-readonly", "handler yes"} {
		if !strings.Contains(body, want) {
			t.Errorf("env page missing %q", want)
		}
	}
}

func TestEnvPageUnknown(t *testing.T) {
	w := get(t, newTestHandler(t, testLister()), "/env/deadbeef")
	if w.Code != 404 {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestRegisterRoutesOnSharedMux(t *testing.T) {
	h := newTestHandler(t, testLister())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	if w := get(t, mux, "/"); w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestStaticAssetsServed(t *testing.T) {
	h := newTestHandler(t, &mockLister{})

	w := get(t, h, "/static/style.css")
	if w.Code != 200 {
		t.Fatalf("CSS status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/css") {
		t.Errorf("CSS Content-Type = %q, want text/css", ct)
	}
	if w.Header().Get("Cache-Control") == "" {
		t.Error("missing Cache-Control header")
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Error("missing ETag header")
	}

	req := httptest.NewRequest("GET", "/static/style.css", nil)
	req.Header.Set("If-None-Match", etag)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotModified {
		t.Errorf("conditional GET status = %d, want 304", w.Code)
	}

	w = get(t, h, "/static/app.js")
	if w.Code != 200 {
		t.Fatalf("JS status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "javascript") {
		t.Errorf("JS Content-Type = %q, want javascript", ct)
	}
	if !strings.Contains(w.Body.String(), "/api/v1/events/stream") {
		t.Error("app.js does not subscribe to events")
	}
}

func TestStaticDirFallback(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h, err := NewHandler(&mockLister{}, Config{StaticDir: "/nonexistent/path"}, logger)
	if err != nil {
		t.Fatal(err)
	}
	// Should fall back to embedded assets without error.
	if h.staticFS == nil {
		t.Error("staticFS should not be nil after fallback")
	}
}

func TestStaticDirOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/style.css", []byte("body{}"), 0644); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	h, err := NewHandler(&mockLister{}, Config{StaticDir: dir}, logger)
	if err != nil {
		t.Fatal(err)
	}
	if body := get(t, h, "/static/style.css").Body.String(); body != "body{}" {
		t.Fatalf("override not served: %q", body)
	}
}

func TestCSSClasses(t *testing.T) {
	css := get(t, newTestHandler(t, &mockLister{}), "/static/style.css").Body.String()
	for _, cls := range []string{
		".status-runnable",
		".status-not_runnable",
		".status-dying",
		".page-cow",
		".page-shared",
		"max-width: 768px",
		"monospace",
	} {
		if !strings.Contains(css, cls) {
			t.Errorf("CSS missing %q", cls)
		}
	}
	if strings.Contains(css, "http://") || strings.Contains(css, "https://") {
		t.Error("CSS should not contain external URLs")
	}
}

func TestPageKind(t *testing.T) {
	tests := []struct {
		flags string
		want  string
	}{
		{"P-U--", "readonly"},
		{"PWU--", "writable"},
		{"P-UC-", "cow"},
		{"PWU-S", "shared"},
		{"", "readonly"},
	}
	for _, tt := range tests {
		if got := PageKind(tt.flags); got != tt.want {
			t.Errorf("PageKind(%q) = %q, want %q", tt.flags, got, tt.want)
		}
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		pages int
		want  string
	}{
		{0, "0 B"},
		{1, "4 KiB"},
		{7, "28 KiB"},
		{512, "2.0 MiB"},
	}
	for _, tt := range tests {
		if got := FormatSize(tt.pages, 4096); got != tt.want {
			t.Errorf("FormatSize(%d) = %q, want %q", tt.pages, got, tt.want)
		}
	}
}
