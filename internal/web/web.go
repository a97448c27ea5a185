// Package web serves the cowfork dashboard with embedded static assets.
package web

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// EnvView is the template data for a single environment row.
type EnvView struct {
	ID          string
	Parent      string
	Status      string
	StatusLower string
	Pages       int
	Size        string
	Handler     string
}

// PageView is the template data for one mapping.
type PageView struct {
	VA    string
	Flags string
	Frame uint32
	Refs  int
	// Kind is "cow", "shared", "writable" or "readonly".
	Kind string
}

// StatusPageData is the template data for the status page.
type StatusPageData struct {
	Envs []EnvView
}

// EnvPageData is the template data for the page-table viewer.
type EnvPageData struct {
	Env   EnvView
	Pages []PageView
}

// EnvLister provides environment data for the web UI.
type EnvLister interface {
	ListWeb() []EnvView
	EnvWeb(id string) (EnvView, []PageView, error)
}

// Handler serves the cowfork web UI.
type Handler struct {
	lister    EnvLister
	templates *template.Template
	staticFS  http.FileSystem
	logger    *slog.Logger
	mux       *http.ServeMux
}

// Config configures the web handler.
type Config struct {
	StaticDir string // override embedded assets with files from this directory
}

// NewHandler creates a web UI handler.
func NewHandler(lister EnvLister, cfg Config, logger *slog.Logger) (*Handler, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("cannot parse templates: %w", err)
	}

	var sfs http.FileSystem
	if cfg.StaticDir != "" {
		if info, err := os.Stat(cfg.StaticDir); err != nil || !info.IsDir() {
			logger.Warn("static_dir not found, using embedded assets", "path", cfg.StaticDir)
			sub, _ := fs.Sub(staticFS, "static")
			sfs = http.FS(sub)
		} else {
			sfs = http.Dir(cfg.StaticDir)
		}
	} else {
		sub, _ := fs.Sub(staticFS, "static")
		sfs = http.FS(sub)
	}

	h := &Handler{
		lister:    lister,
		templates: tmpl,
		staticFS:  sfs,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	h.RegisterRoutes(h.mux)
	return h, nil
}

// RegisterRoutes adds web UI routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /", h.handleIndex)
	mux.HandleFunc("GET /env/{id}", h.handleEnv)
	mux.Handle("GET /static/", http.StripPrefix("/static/", h.staticHandler()))
}

// ServeHTTP serves the UI routes, so the handler can be mounted as a whole.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	var data StatusPageData
	if h.lister != nil {
		data.Envs = h.lister.ListWeb()
	}
	h.render(w, "index.html", data)
}

func (h *Handler) handleEnv(w http.ResponseWriter, r *http.Request) {
	if h.lister == nil {
		http.NotFound(w, r)
		return
	}
	env, pages, err := h.lister.EnvWeb(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	h.render(w, "env.html", EnvPageData{Env: env, Pages: pages})
}

func (h *Handler) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, name, data); err != nil {
		h.logger.Error("template render error", "template", name, "error", err)
	}
}

func (h *Handler) staticHandler() http.Handler {
	fileServer := http.FileServer(h.staticFS)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Set content type and caching headers.
		ext := filepath.Ext(r.URL.Path)
		switch ext {
		case ".css":
			w.Header().Set("Content-Type", "text/css; charset=utf-8")
		case ".js":
			w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		case ".svg":
			w.Header().Set("Content-Type", "image/svg+xml")
		}

		// ETag based on file content.
		f, err := h.staticFS.Open(r.URL.Path)
		if err == nil {
			defer f.Close()
			if info, err := f.Stat(); err == nil && !info.IsDir() {
				etag := fmt.Sprintf(`"%x"`, sha256.Sum256([]byte(info.Name()+info.ModTime().String())))
				w.Header().Set("ETag", etag)
				w.Header().Set("Cache-Control", "public, max-age=3600")
				if match := r.Header.Get("If-None-Match"); match != "" && strings.Contains(match, etag) {
					w.WriteHeader(http.StatusNotModified)
					return
				}
			}
		}

		fileServer.ServeHTTP(w, r)
	})
}

// PageKind classifies a mapping by its flag string (as rendered by
// uapi.PTE.String, "PWUCS" with '-' for clear bits).
func PageKind(flags string) string {
	switch {
	case len(flags) < 5:
		return "readonly"
	case flags[4] == 'S':
		return "shared"
	case flags[3] == 'C':
		return "cow"
	case flags[1] == 'W':
		return "writable"
	default:
		return "readonly"
	}
}

// FormatSize formats a page count as a human-readable size.
func FormatSize(pages, pageSize int) string {
	b := pages * pageSize
	switch {
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%d KiB", b>>10)
	default:
		return fmt.Sprintf("%d B", b)
	}
}
