// Package ctl implements the CLI control client for communicating
// with a running cowfork daemon over its Unix socket or TCP API.
package ctl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

// Client communicates with a cowfork daemon API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
}

// NewUnixClient creates a client that connects via Unix socket.
func NewUnixClient(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			Timeout: 30 * time.Second,
		},
		baseURL: "http://unix",
	}
}

// NewTCPClient creates a client that connects via TCP.
func NewTCPClient(addr, username, password string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "http://" + addr,
		username:   username,
		password:   password,
	}
}

func (c *Client) do(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return c.httpClient.Do(req)
}

// doInto performs a request and decodes a JSON response into out.
func (c *Client) doInto(method, path string, body io.Reader, out any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return nil
}

func (c *Client) doJSON(method, path string, body io.Reader) (map[string]any, error) {
	var result map[string]any
	if err := c.doInto(method, path, body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func responseError(resp *http.Response) error {
	var errBody map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil || errBody["error"] == "" {
		return fmt.Errorf("server error (status %d)", resp.StatusCode)
	}
	return fmt.Errorf("%s", errBody["error"])
}

func jsonBody(v any) io.Reader {
	data, _ := json.Marshal(v)
	return strings.NewReader(string(data))
}

// EnvInfo is the JSON structure returned for an environment.
type EnvInfo struct {
	ID         int32  `json:"id"`
	Parent     int32  `json:"parent"`
	Status     string `json:"status"`
	Pages      int    `json:"pages"`
	Upcall     bool   `json:"upcall"`
	HandlerSet bool   `json:"handler_set"`
}

// PageInfo is the JSON structure returned for one mapping.
type PageInfo struct {
	VA    uint32 `json:"va"`
	Flags string `json:"flags"`
	Frame uint32 `json:"frame"`
	Refs  int    `json:"refs"`
}

// ForkResult is the JSON structure returned by a fork.
type ForkResult struct {
	Variant  string         `json:"variant"`
	Child    int32          `json:"child"`
	Pages    map[string]int `json:"pages"`
	Failed   int            `json:"failed"`
	Duration time.Duration  `json:"duration"`
}

func envPath(id string, rest ...string) string {
	p := "/api/v1/envs/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

// --- Environment operations ---

// Env fetches a single environment.
func (c *Client) Env(id string) (EnvInfo, error) {
	var info EnvInfo
	err := c.doInto("GET", envPath(id), nil, &info)
	return info, err
}

// Fork forks the environment id. shared selects the shared-memory variant.
func (c *Client) Fork(id string, shared bool) (ForkResult, error) {
	op := "fork"
	if shared {
		op = "sfork"
	}
	var res ForkResult
	err := c.doInto("POST", envPath(id, op), nil, &res)
	return res, err
}

// Destroy tears down an environment.
func (c *Client) Destroy(id string) error {
	_, err := c.doJSON("DELETE", envPath(id), nil)
	return err
}

// Write stores data at va in the environment's address space.
func (c *Client) Write(id, va, data string) error {
	body := jsonBody(map[string]string{"va": va, "data": data})
	_, err := c.doJSON("POST", envPath(id, "mem"), body)
	return err
}

// Read returns n bytes at va from the environment's address space.
func (c *Client) Read(id, va string, n int) ([]byte, error) {
	q := url.Values{"va": {va}}
	if n > 0 {
		q.Set("len", fmt.Sprint(n))
	}
	resp, err := c.do("GET", envPath(id, "mem")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, responseError(resp)
	}
	return io.ReadAll(resp.Body)
}

// --- Status display ---

// Status retrieves and formats the environment table.
func (c *Client) Status(ids []string, jsonOutput bool, w io.Writer) error {
	var envs []EnvInfo
	if err := c.doInto("GET", "/api/v1/envs", nil, &envs); err != nil {
		return err
	}

	if len(ids) > 0 {
		filter := make(map[string]bool)
		for _, id := range ids {
			filter[normalizeID(id)] = true
		}
		var filtered []EnvInfo
		for _, e := range envs {
			if filter[formatID(e.ID)] {
				filtered = append(filtered, e)
			}
		}
		envs = filtered
	}

	if jsonOutput {
		return encodeIndent(w, envs)
	}
	return formatStatusTable(envs, w, isTerminal(w))
}

// Pages retrieves and formats an environment's mappings.
func (c *Client) Pages(id string, jsonOutput bool, w io.Writer) error {
	var pages []PageInfo
	if err := c.doInto("GET", envPath(id, "pages"), nil, &pages); err != nil {
		return err
	}
	if jsonOutput {
		return encodeIndent(w, pages)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "VA\tFLAGS\tFRAME\tREFS\n")
	for _, p := range pages {
		fmt.Fprintf(tw, "%08x\t%s\t%d\t%d\n", p.VA, p.Flags, p.Frame, p.Refs)
	}
	return tw.Flush()
}

func encodeIndent(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatID(id int32) string { return fmt.Sprintf("%08x", id) }

// normalizeID renders a user-supplied hex id the way the daemon does.
func normalizeID(s string) string {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) < 8 {
		s = strings.Repeat("0", 8-len(s)) + s
	}
	return s
}

func formatStatusTable(envs []EnvInfo, w io.Writer, color bool) error {
	sort.Slice(envs, func(i, j int) bool {
		return envs[i].ID < envs[j].ID
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tPARENT\tSTATUS\tPAGES\tHANDLER\n")

	for _, e := range envs {
		status := e.Status
		if color {
			status = colorStatus(e.Status)
		}

		parent := "-"
		if e.Parent != 0 {
			parent = formatID(e.Parent)
		}

		handler := "-"
		switch {
		case e.Upcall && e.HandlerSet:
			handler = "yes"
		case e.HandlerSet:
			handler = "inherited"
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", formatID(e.ID), parent, status, e.Pages, handler)
	}
	return tw.Flush()
}

func colorStatus(status string) string {
	switch status {
	case "RUNNABLE", "RUNNING":
		return "\033[32m" + status + "\033[0m"
	case "DYING":
		return "\033[31m" + status + "\033[0m"
	case "NOT_RUNNABLE":
		return "\033[33m" + status + "\033[0m"
	default:
		return status
	}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		stat, _ := f.Stat()
		return stat != nil && (stat.Mode()&os.ModeCharDevice) != 0
	}
	return false
}

// --- Daemon log ---

// Tail writes the last bytes of the daemon's log to w.
func (c *Client) Tail(bytes int, w io.Writer) error {
	resp, err := c.do("GET", fmt.Sprintf("/api/v1/log?bytes=%d", bytes), nil)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return responseError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// LogLevel returns the daemon's current log level.
func (c *Client) LogLevel() (string, error) {
	var body map[string]string
	if err := c.doInto("GET", "/api/v1/log/level", nil, &body); err != nil {
		return "", err
	}
	return body["level"], nil
}

// SetLogLevel changes the daemon's log level.
func (c *Client) SetLogLevel(level string) error {
	return c.doInto("PUT", "/api/v1/log/level", jsonBody(map[string]string{"level": level}), nil)
}

// Events streams daemon events via SSE, one "TYPE data" line each, until
// ctx is done or the daemon closes the stream.
func (c *Client) Events(ctx context.Context, types []string, w io.Writer) error {
	path := "/api/v1/events/stream"
	if len(types) > 0 {
		path += "?types=" + url.QueryEscape(strings.Join(types, ","))
	}
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	// The stream outlives the client's request timeout.
	hc := *c.httpClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return responseError(resp)
	}

	var event string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = line[len("event: "):]
		case strings.HasPrefix(line, "data: "):
			fmt.Fprintf(w, "%s %s\n", event, line[len("data: "):])
		case line == "":
			event = ""
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// --- Daemon operations ---

// Shutdown initiates daemon shutdown.
func (c *Client) Shutdown() error {
	_, err := c.doJSON("POST", "/api/v1/shutdown", nil)
	return err
}

// Version returns daemon version info.
func (c *Client) Version() (map[string]any, error) {
	return c.doJSON("GET", "/api/v1/version", nil)
}

// Config returns the daemon's running config.
func (c *Client) Config() (map[string]any, error) {
	return c.doJSON("GET", "/api/v1/config", nil)
}

// Health checks daemon liveness.
func (c *Client) Health() (string, error) {
	resp, err := c.do("GET", "/healthz", nil)
	if err != nil {
		return "", fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("invalid response: %w", err)
	}
	return body["status"], nil
}
