// Package api exposes the cowfork control API over Unix socket and optional TCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kahiteam/cowfork/internal/cow"
	"github.com/kahiteam/cowfork/internal/events"
	"github.com/kahiteam/cowfork/internal/kern"
	"github.com/kahiteam/cowfork/internal/uapi"
	"golang.org/x/crypto/bcrypt"
)

// MaxAccess bounds a single memory read or write through the API.
const MaxAccess = 64 << 10

// EnvManager provides environment operations to the API layer.
type EnvManager interface {
	List() []kern.EnvInfo
	Get(id uapi.EnvID) (kern.EnvInfo, error)
	Pages(id uapi.EnvID) ([]kern.PageInfo, error)
	Fork(id uapi.EnvID, variant string) (cow.ForkStats, error)
	Read(id uapi.EnvID, va uintptr, n int) ([]byte, error)
	Write(id uapi.EnvID, va uintptr, data []byte) error
	Destroy(id uapi.EnvID) error
}

// LogManager exposes the daemon's own log.
type LogManager interface {
	Tail(n int) []byte
	Level() string
	SetLevel(level string) error
}

// ConfigManager provides the running config.
type ConfigManager interface {
	GetConfig() any
}

// DaemonInfo describes the running daemon.
type DaemonInfo interface {
	IsShuttingDown() bool
	Version() map[string]string
	PID() int
	Shutdown()
}

// Server is the HTTP API server for cowfork.
type Server struct {
	envs       EnvManager
	logs       LogManager
	config     ConfigManager
	daemon     DaemonInfo
	bus        *events.Bus
	metrics    http.Handler
	web        http.Handler
	logger     *slog.Logger
	mux        *http.ServeMux
	unixLn     net.Listener
	tcpLn      net.Listener
	unixServer *http.Server
	tcpServer  *http.Server

	authUser string
	authPass string // bcrypt hash
}

// Config holds API server configuration.
type Config struct {
	Username string
	Password string // bcrypt hash
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	// Web, when set, serves every other GET path (the dashboard).
	Web http.Handler
}

// NewServer creates an API server with the given dependencies.
func NewServer(cfg Config, em EnvManager, lm LogManager, cm ConfigManager, di DaemonInfo, bus *events.Bus, logger *slog.Logger) *Server {
	s := &Server{
		envs:     em,
		logs:     lm,
		config:   cm,
		daemon:   di,
		bus:      bus,
		metrics:  cfg.Metrics,
		web:      cfg.Web,
		logger:   logger,
		authUser: cfg.Username,
		authPass: cfg.Password,
	}
	s.mux = s.buildMux()
	return s
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Probe endpoint -- no auth required.
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// API v1 endpoints -- auth required on TCP.
	mux.HandleFunc("GET /api/v1/envs", s.requireAuth(s.handleListEnvs))
	mux.HandleFunc("GET /api/v1/envs/{id}", s.requireAuth(s.handleGetEnv))
	mux.HandleFunc("DELETE /api/v1/envs/{id}", s.requireAuth(s.handleDestroyEnv))
	mux.HandleFunc("GET /api/v1/envs/{id}/pages", s.requireAuth(s.handleListPages))
	mux.HandleFunc("POST /api/v1/envs/{id}/fork", s.requireAuth(s.forkHandler(cow.VariantCOW)))
	mux.HandleFunc("POST /api/v1/envs/{id}/sfork", s.requireAuth(s.forkHandler(cow.VariantShared)))
	mux.HandleFunc("GET /api/v1/envs/{id}/mem", s.requireAuth(s.handleReadMem))
	mux.HandleFunc("POST /api/v1/envs/{id}/mem", s.requireAuth(s.handleWriteMem))

	mux.HandleFunc("GET /api/v1/log", s.requireAuth(s.handleReadLog))
	mux.HandleFunc("GET /api/v1/log/level", s.requireAuth(s.handleGetLogLevel))
	mux.HandleFunc("PUT /api/v1/log/level", s.requireAuth(s.handleSetLogLevel))

	mux.HandleFunc("GET /api/v1/config", s.requireAuth(s.handleGetConfig))
	mux.HandleFunc("POST /api/v1/shutdown", s.requireAuth(s.handleShutdown))
	mux.HandleFunc("GET /api/v1/version", s.requireAuth(s.handleVersion))
	mux.HandleFunc("GET /api/v1/events/stream", s.requireAuth(s.handleEventStream))

	if s.web != nil {
		mux.Handle("GET /", s.requireAuth(s.web.ServeHTTP))
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.requireAuth(s.metrics.ServeHTTP))
	}
	return mux
}

// StartUnix creates and begins serving on a Unix domain socket.
func (s *Server) StartUnix(path string, mode os.FileMode) error {
	// Remove stale socket from previous run.
	if err := removeStaleSocket(path); err != nil {
		return fmt.Errorf("cannot create socket: %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("cannot create socket: %s: %w", path, err)
	}

	if err := os.Chmod(path, mode); err != nil {
		ln.Close()
		return fmt.Errorf("cannot set socket permissions: %s: %w", path, err)
	}

	s.unixLn = ln
	s.unixServer = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.unixServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("unix server error", "error", err)
		}
	}()

	s.logger.Info("unix socket server started", "path", path)
	return nil
}

// StartTCP begins serving on a TCP address.
func (s *Server) StartTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot bind %s: %w", addr, err)
	}

	s.tcpLn = ln
	s.tcpServer = &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}

	host, _, _ := net.SplitHostPort(addr)
	if host == "0.0.0.0" || host == "" || host == "::" {
		s.logger.Warn("HTTP server bound to all interfaces", "addr", addr)
	}
	if s.authUser == "" {
		s.logger.Warn("HTTP server has no credentials configured", "addr", addr)
	}

	go func() {
		if err := s.tcpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("tcp server error", "error", err)
		}
	}()

	s.logger.Info("tcp http server started", "addr", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down all listeners.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if s.unixServer != nil {
		if err := s.unixServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.tcpServer != nil {
		if err := s.tcpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("server shutdown errors: %v", errs)
	}
	return nil
}

// UnixAddr returns the address of the Unix listener, or empty if not started.
func (s *Server) UnixAddr() string {
	if s.unixLn != nil {
		return s.unixLn.Addr().String()
	}
	return ""
}

// TCPAddr returns the address of the TCP listener, or empty if not started.
func (s *Server) TCPAddr() string {
	if s.tcpLn != nil {
		return s.tcpLn.Addr().String()
	}
	return ""
}

func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// --- HTTP Handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.daemon != nil && s.daemon.IsShuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "shutting_down",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListEnvs(w http.ResponseWriter, r *http.Request) {
	envs := s.envs.List()
	if envs == nil {
		envs = []kern.EnvInfo{}
	}
	writeJSON(w, http.StatusOK, envs)
}

// envID parses the {id} path segment, writing a 400 on failure.
func envID(w http.ResponseWriter, r *http.Request) (uapi.EnvID, bool) {
	id, err := uapi.ParseEnvID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return 0, false
	}
	return id, true
}

func (s *Server) handleGetEnv(w http.ResponseWriter, r *http.Request) {
	id, ok := envID(w, r)
	if !ok {
		return
	}
	info, err := s.envs.Get(id)
	if err != nil {
		writeClassified(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDestroyEnv(w http.ResponseWriter, r *http.Request) {
	id, ok := envID(w, r)
	if !ok {
		return
	}
	if err := s.envs.Destroy(id); err != nil {
		writeClassified(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed", "env": id.String()})
}

func (s *Server) handleListPages(w http.ResponseWriter, r *http.Request) {
	id, ok := envID(w, r)
	if !ok {
		return
	}
	pages, err := s.envs.Pages(id)
	if err != nil {
		writeClassified(w, err)
		return
	}
	if pages == nil {
		pages = []kern.PageInfo{}
	}
	writeJSON(w, http.StatusOK, pages)
}

func (s *Server) forkHandler(variant string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := envID(w, r)
		if !ok {
			return
		}
		if s.daemon != nil && s.daemon.IsShuttingDown() {
			writeError(w, http.StatusConflict, "daemon is shutting down", "SHUTTING_DOWN")
			return
		}
		stats, err := s.envs.Fork(id, variant)
		if err != nil {
			writeClassified(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func parseVA(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return uintptr(v), nil
}

func (s *Server) handleReadMem(w http.ResponseWriter, r *http.Request) {
	id, ok := envID(w, r)
	if !ok {
		return
	}
	va, err := parseVA(r.URL.Query().Get("va"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}
	n := uapi.PGSIZE
	if l := r.URL.Query().Get("len"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 || v > MaxAccess {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("len must be in 1..%d", MaxAccess), "BAD_REQUEST")
			return
		}
		n = v
	}

	data, err := s.envs.Read(id, va, n)
	if err != nil {
		writeClassified(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func (s *Server) handleWriteMem(w http.ResponseWriter, r *http.Request) {
	id, ok := envID(w, r)
	if !ok {
		return
	}
	var body struct {
		VA   string `json:"va"`
		Data string `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "request body must contain {\"va\":\"0x...\",\"data\":\"...\"}", "BAD_REQUEST")
		return
	}
	va, err := parseVA(body.VA)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}
	if len(body.Data) == 0 || len(body.Data) > MaxAccess {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("data must be 1..%d bytes", MaxAccess), "BAD_REQUEST")
		return
	}
	if err := s.envs.Write(id, va, []byte(body.Data)); err != nil {
		writeClassified(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "written", "env": id.String(), "bytes": len(body.Data)})
}

func (s *Server) handleReadLog(w http.ResponseWriter, r *http.Request) {
	n := 1600
	if b := r.URL.Query().Get("bytes"); b != "" {
		v, err := strconv.Atoi(b)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "bytes must be a non-negative integer", "BAD_REQUEST")
			return
		}
		n = v
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(s.logs.Tail(n))
}

func (s *Server) handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"level": s.logs.Level()})
}

func (s *Server) handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Level == "" {
		writeError(w, http.StatusBadRequest, "request body must contain {\"level\":\"NAME\"}", "BAD_REQUEST")
		return
	}
	if err := s.logs.SetLevel(body.Level); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}
	s.logger.Info("log level changed", "level", body.Level)
	writeJSON(w, http.StatusOK, map[string]string{"level": s.logs.Level()})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.GetConfig())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "shutting_down"})
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.daemon.Shutdown()
	}()
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Version())
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "SERVER_ERROR")
		return
	}

	types, err := events.ParseTypes(r.URL.Query().Get("types"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	// Use a channel to serialize writes to the response writer.
	type sseEvent struct {
		eventType string
		data      []byte
	}
	ch := make(chan sseEvent, 64)

	ids := s.bus.SubscribeTypes(types, func(e events.Event) {
		data, _ := json.Marshal(e.Data)
		select {
		case ch <- sseEvent{eventType: string(e.Type), data: data}:
		default:
		}
	})
	defer s.bus.UnsubscribeAll(ids)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.eventType, ev.data)
			flusher.Flush()
		}
	}
}

// --- Auth middleware ---

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Unix socket connections skip auth.
		if isUnixConn(r) {
			next(w, r)
			return
		}

		if s.authUser == "" {
			next(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="cowfork"`)
			writeError(w, http.StatusUnauthorized, "authentication required", "UNAUTHORIZED")
			return
		}

		if user != s.authUser || !checkPassword(pass, s.authPass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="cowfork"`)
			writeError(w, http.StatusUnauthorized, "invalid credentials", "UNAUTHORIZED")
			return
		}

		next(w, r)
	}
}

func isUnixConn(r *http.Request) bool {
	// When served over Unix socket, RemoteAddr is typically empty or "@".
	return r.RemoteAddr == "" || r.RemoteAddr == "@"
}

func checkPassword(plain, hash string) bool {
	if hash == "" {
		return plain == ""
	}
	if strings.HasPrefix(hash, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
	}
	// Plaintext fallback for testing only.
	return plain == hash
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

func writeClassified(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	writeError(w, status, err.Error(), code)
}

// classifyError maps capability and kernel errors to an HTTP status and
// an error code.
func classifyError(err error) (int, string) {
	var term *kern.TerminatedError
	switch {
	case errors.As(err, &term):
		return http.StatusConflict, "ENV_TERMINATED"
	case errors.Is(err, uapi.E_BAD_ENV):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, uapi.E_INVAL):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, uapi.E_NO_MEM), errors.Is(err, uapi.E_NO_FREE_ENV):
		return http.StatusInsufficientStorage, "NO_RESOURCES"
	case errors.Is(err, kern.ErrNotRunnable):
		return http.StatusConflict, "CONFLICT"
	default:
		return http.StatusInternalServerError, "SERVER_ERROR"
	}
}
