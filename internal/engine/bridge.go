package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// BridgeConfig bounds the host functions exposed to plugin code.
// All ceilings are fixed by the host; the script cannot negotiate them.
type BridgeConfig struct {
	RequestTimeout   time.Duration // Per http_request ceiling. 0 = 30s.
	DownloadTimeout  time.Duration // Per request_download ceiling. 0 = 5 min.
	MaxResponseBytes int64         // Body bytes returned into the sandbox. 0 = 5 MB.
	MaxDownloadBytes int64         // Bytes consumed per download. 0 = 1 GB.
	MaxQueueItems    int           // Discovery queue capacity. 0 = 10000.
	AllowPrivateIPs  bool          // Skip the private-address guard (tests only).
}

const (
	defaultRequestTimeout   = 30 * time.Second
	defaultDownloadTimeout  = 5 * time.Minute
	defaultMaxResponseBytes = 5 << 20
	defaultMaxDownloadBytes = 1 << 30
	defaultMaxQueueItems    = 10000
	maxRedirects            = 5
)

// Bridge is the set of host functions callable from inside one run's
// sandbox: http_request, emit_item_id, request_download. One Bridge per
// run; it is only ever touched from that run's single script execution
// context, so no locking is needed.
type Bridge struct {
	cfg    BridgeConfig
	client *http.Client
	logger *slog.Logger

	queue      []string
	frozen     bool // Set once the orchestrator snapshots the queue.
	downloads  int
	bytesTotal int64
}

// NewBridge creates the host-function bridge for a single run.
func NewBridge(cfg BridgeConfig, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := &Bridge{cfg: cfg, logger: logger}
	b.client = &http.Client{CheckRedirect: b.checkRedirect}
	return b
}

// Install binds the host functions as globals in the given interpreter
// state. Must be called before any plugin code runs.
func (b *Bridge) Install(L *lua.LState) {
	L.SetGlobal("http_request", L.NewFunction(b.luaHTTPRequest))
	L.SetGlobal("emit_item_id", L.NewFunction(b.luaEmitItemID))
	L.SetGlobal("request_download", L.NewFunction(b.luaRequestDownload))
}

// Snapshot freezes the discovery queue and returns the fixed work list
// for the run, in emission order, duplicates preserved. Emissions after
// the snapshot raise a script error.
func (b *Bridge) Snapshot() []string {
	b.frozen = true
	out := make([]string, len(b.queue))
	copy(out, b.queue)
	return out
}

// DownloadedBytes reports the total bytes consumed (and discarded) by
// request_download over the run's lifetime.
func (b *Bridge) DownloadedBytes() int64 { return b.bytesTotal }

// --- Lua host functions ---

// http_request(method, url, options) -> {status, ok, body, headers}
// options: {headers = {..}, query_params = {..}}. Transport failures are
// raised as a script error the plugin may pcall; non-success statuses come
// back as a value with ok=false so the plugin can branch.
func (b *Bridge) luaHTTPRequest(L *lua.LState) int {
	method := strings.ToUpper(L.CheckString(1))
	rawURL := L.CheckString(2)
	opts := L.OptTable(3, nil)

	u, err := b.checkURL(rawURL)
	if err != nil {
		L.RaiseError("http_request: %v", err)
	}

	headers, query := decodeRequestOptions(opts)
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	timeout := b.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(b.callContext(L), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		L.RaiseError("http_request: building request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "Hifadhi/1.0")
	}

	b.logger.Debug("bridge http_request",
		slog.String("method", method),
		slog.String("url", u.String()),
	)

	resp, err := b.client.Do(req)
	if err != nil {
		L.RaiseError("http_request: %v", err)
	}
	defer resp.Body.Close()

	maxBytes := b.cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		L.RaiseError("http_request: reading response: %v", err)
	}

	ret := L.NewTable()
	ret.RawSetString("status", lua.LNumber(resp.StatusCode))
	ret.RawSetString("ok", lua.LBool(resp.StatusCode >= 200 && resp.StatusCode < 300))
	ret.RawSetString("body", lua.LString(body))
	hdrs := L.NewTable()
	for k := range resp.Header {
		hdrs.RawSetString(k, lua.LString(resp.Header.Get(k)))
	}
	ret.RawSetString("headers", hdrs)
	L.Push(ret)
	return 1
}

// emit_item_id(id) appends one discovered item identifier to the run's
// discovery queue. Returns immediately; duplicates are preserved in order.
func (b *Bridge) luaEmitItemID(L *lua.LState) int {
	id := L.CheckString(1)
	if id == "" {
		L.RaiseError("emit_item_id: id must be a non-empty string")
	}
	if b.frozen {
		L.RaiseError("emit_item_id: enumeration already finished")
	}
	max := b.cfg.MaxQueueItems
	if max <= 0 {
		max = defaultMaxQueueItems
	}
	if len(b.queue) >= max {
		L.RaiseError("emit_item_id: discovery queue full (%d items)", max)
	}
	b.queue = append(b.queue, id)
	return 0
}

// request_download(url, options) -> {ok, status, size}
// Streams the body and discards it once fully received; no content bytes
// ever cross back into the sandbox.
func (b *Bridge) luaRequestDownload(L *lua.LState) int {
	rawURL := L.CheckString(1)
	opts := L.OptTable(2, nil)

	u, err := b.checkURL(rawURL)
	if err != nil {
		L.RaiseError("request_download: %v", err)
	}
	headers, _ := decodeRequestOptions(opts)

	timeout := b.cfg.DownloadTimeout
	if timeout <= 0 {
		timeout = defaultDownloadTimeout
	}
	ctx, cancel := context.WithTimeout(b.callContext(L), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		L.RaiseError("request_download: building request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		L.RaiseError("request_download: %v", err)
	}
	defer resp.Body.Close()

	maxBytes := b.cfg.MaxDownloadBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxDownloadBytes
	}
	// Read one byte past the cap so an at-cap body is distinguishable
	// from an over-cap one.
	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		L.RaiseError("request_download: streaming body: %v", err)
	}
	if n > maxBytes {
		L.RaiseError("request_download: body exceeds %d byte limit", maxBytes)
	}

	b.downloads++
	b.bytesTotal += n

	b.logger.Debug("bridge request_download",
		slog.String("url", u.String()),
		slog.Int("status", resp.StatusCode),
		slog.Int64("bytes", n),
	)

	ret := L.NewTable()
	ret.RawSetString("ok", lua.LBool(resp.StatusCode >= 200 && resp.StatusCode < 300))
	ret.RawSetString("status", lua.LNumber(resp.StatusCode))
	ret.RawSetString("size", lua.LNumber(n))
	L.Push(ret)
	return 1
}

// --- Helpers ---

// callContext returns the interpreter's context so bridge calls also
// respect the sandbox wall-clock budget.
func (b *Bridge) callContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// checkURL validates scheme and host before any network traffic.
func (b *Bridge) checkURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %v", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("only http/https schemes allowed, got %q", u.Scheme)
	}
	if err := b.checkHost(u.Hostname()); err != nil {
		return nil, err
	}
	return u, nil
}

// checkHost resolves the host and refuses private, loopback, link-local
// and unspecified addresses so a plugin cannot reach the host's network.
func (b *Bridge) checkHost(host string) error {
	if b.cfg.AllowPrivateIPs {
		return nil
	}
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("resolving %q: %v", host, err)
	}
	for _, s := range ips {
		ip := net.ParseIP(s)
		if ip == nil || ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("host %q resolves to blocked address %s", host, s)
		}
	}
	return nil
}

// checkRedirect re-validates every redirect target.
func (b *Bridge) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("too many redirects (max %d)", maxRedirects)
	}
	return b.checkHost(req.URL.Hostname())
}

// decodeRequestOptions pulls headers and query_params string maps out of
// the options table. Non-string values are ignored rather than rejected —
// the script's type discipline is not trusted at this boundary.
func decodeRequestOptions(opts *lua.LTable) (headers, query map[string]string) {
	headers = map[string]string{}
	query = map[string]string{}
	if opts == nil {
		return headers, query
	}
	if t, ok := opts.RawGetString("headers").(*lua.LTable); ok {
		t.ForEach(func(k, v lua.LValue) {
			if ks, ok := k.(lua.LString); ok {
				if vs, ok := v.(lua.LString); ok {
					headers[string(ks)] = string(vs)
				}
			}
		})
	}
	if t, ok := opts.RawGetString("query_params").(*lua.LTable); ok {
		t.ForEach(func(k, v lua.LValue) {
			if ks, ok := k.(lua.LString); ok {
				if vs, ok := v.(lua.LString); ok {
					query[string(ks)] = string(vs)
				}
			}
		})
	}
	return headers, query
}
