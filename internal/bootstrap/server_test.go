package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/sandbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testSandbox struct {
	dir string
	srv *Server
	ts  *httptest.Server
}

func newTestSandbox(t *testing.T, mutate func(*Config)) *testSandbox {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Dir = t.TempDir()
	cfg.Timeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(cfg, testLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testSandbox{dir: cfg.Dir, srv: srv, ts: ts}
}

// link writes src into the sandbox directory the way a worker links it and
// returns its version.
func (sb *testSandbox) link(t *testing.T, src string) string {
	t.Helper()
	version := model.ContentVersion([]byte(src))
	if err := os.WriteFile(filepath.Join(sb.dir, version+".js"), []byte(src), 0o444); err != nil {
		t.Fatal(err)
	}
	return version
}

func (sb *testSandbox) do(t *testing.T, method, path, body string, headers map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, sb.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, string(data)
}

func (sb *testSandbox) loadAndGet(t *testing.T, src string) (*http.Response, string) {
	t.Helper()
	v := sb.link(t, src)
	return sb.do(t, http.MethodGet, "/", "", map[string]string{sandbox.HeaderLoadModule: v})
}

func TestHealthCheckWithoutModule(t *testing.T) {
	sb := newTestSandbox(t, nil)

	resp, body := sb.do(t, http.MethodGet, "/", "", map[string]string{sandbox.HeaderHealthCheck: "true"})
	if resp.StatusCode != http.StatusOK || body != "OK" {
		t.Errorf("health = %d %q, want 200 OK", resp.StatusCode, body)
	}
}

func TestRequestWithoutModule(t *testing.T) {
	sb := newTestSandbox(t, nil)

	resp, _ := sb.do(t, http.MethodGet, "/", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestLoadAndServe(t *testing.T) {
	sb := newTestSandbox(t, nil)
	v := sb.link(t, `export default (req) => new Response("hello " + req.method, { status: 201, headers: { "X-Custom": "yes" } })`)

	resp, body := sb.do(t, http.MethodPut, "/", "", map[string]string{sandbox.HeaderLoadModule: v})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %q)", resp.StatusCode, body)
	}
	if body != "hello PUT" {
		t.Errorf("body = %q, want %q", body, "hello PUT")
	}
	if got := resp.Header.Get("X-Custom"); got != "yes" {
		t.Errorf("X-Custom = %q, want yes", got)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", got)
	}
	if sb.srv.Version() != v {
		t.Errorf("Version = %q, want %q", sb.srv.Version(), v)
	}

	// Subsequent requests reuse the resident module without a load header.
	resp, body = sb.do(t, http.MethodGet, "/", "", nil)
	if resp.StatusCode != http.StatusCreated || body != "hello GET" {
		t.Errorf("resident request = %d %q", resp.StatusCode, body)
	}
}

func TestRequestShape(t *testing.T) {
	sb := newTestSandbox(t, nil)
	v := sb.link(t, `
export default async function handler(req) {
  const payload = await req.json();
  return Response.json({
    url: req.url,
    method: req.method,
    agent: req.headers.get("x-agent"),
    control: req.headers.get("x-load-module"),
    sum: payload.a + payload.b,
  });
}
`)

	resp, body := sb.do(t, http.MethodPost, "/calc?x=1", `{"a": 2, "b": 3}`, map[string]string{
		sandbox.HeaderLoadModule: v,
		"X-Agent":                "tests",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var got struct {
		URL     string  `json:"url"`
		Method  string  `json:"method"`
		Agent   string  `json:"agent"`
		Control *string `json:"control"`
		Sum     int     `json:"sum"`
	}
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	if !strings.HasSuffix(got.URL, "/calc?x=1") {
		t.Errorf("url = %q", got.URL)
	}
	if got.Method != http.MethodPost || got.Agent != "tests" || got.Sum != 5 {
		t.Errorf("got %+v", got)
	}
	if got.Control != nil {
		t.Errorf("control header visible to handler: %q", *got.Control)
	}
}

func TestModuleStatePersists(t *testing.T) {
	sb := newTestSandbox(t, nil)
	v := sb.link(t, `
let hits = 0;
export const name = "counter";
export default () => String(++hits);
`)

	headers := map[string]string{sandbox.HeaderLoadModule: v}
	for want := 1; want <= 3; want++ {
		_, body := sb.do(t, http.MethodGet, "/", "", headers)
		if body != strconv.Itoa(want) {
			t.Fatalf("hit %d: body = %q", want, body)
		}
	}
}

func TestReloadSameVersionIsNoop(t *testing.T) {
	sb := newTestSandbox(t, nil)
	v := sb.link(t, `export default () => "same"`)
	headers := map[string]string{sandbox.HeaderLoadModule: v}

	sb.do(t, http.MethodGet, "/", "", headers)
	first := sb.srv.current.Load()
	sb.do(t, http.MethodGet, "/", "", headers)
	if sb.srv.current.Load() != first {
		t.Error("reloading the resident version replaced the module")
	}
}

func TestLoadFailures(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax error", `export default (req => {`},
		{"default not a function", `export default 42`},
		{"no default export", `export function handler() { return "x" }`},
		{"import statement", "import fs from \"node:fs\";\nexport default () => 'x'"},
		{"throws at top level", `throw new Error("boom"); export default () => 'x'`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := newTestSandbox(t, nil)
			resp, body := sb.loadAndGet(t, tt.src)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (body %q)", resp.StatusCode, body)
			}
			if resp.Header.Get(sandbox.HeaderLoadError) == "" {
				t.Error("load failure response missing load error header")
			}
			if sb.srv.Version() != "" {
				t.Errorf("failed load left version %q resident", sb.srv.Version())
			}
		})
	}
}

func TestLoadMissingOrTamperedFile(t *testing.T) {
	sb := newTestSandbox(t, nil)

	missing := model.ContentVersion([]byte("never linked"))
	resp, _ := sb.do(t, http.MethodGet, "/", "", map[string]string{sandbox.HeaderLoadModule: missing})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing file status = %d, want 400", resp.StatusCode)
	}

	tampered := model.ContentVersion([]byte("original"))
	if err := os.WriteFile(filepath.Join(sb.dir, tampered+".js"), []byte("export default () => 'evil'"), 0o644); err != nil {
		t.Fatal(err)
	}
	resp, _ = sb.do(t, http.MethodGet, "/", "", map[string]string{sandbox.HeaderLoadModule: tampered})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("tampered file status = %d, want 400", resp.StatusCode)
	}

	resp, _ = sb.do(t, http.MethodGet, "/", "", map[string]string{sandbox.HeaderLoadModule: "../../etc/passwd"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed version status = %d, want 400", resp.StatusCode)
	}
}

func TestExecutionFailures(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want int
	}{
		{"fetch denied", `export default async () => await fetch("https://example.com")`, http.StatusUnauthorized},
		{"env denied", `export default () => Deno.env.get("HOME")`, http.StatusUnauthorized},
		{"file denied", `export default () => Deno.readTextFile("/etc/passwd")`, http.StatusUnauthorized},
		{"subprocess denied", `export default () => new Deno.Command("ls")`, http.StatusUnauthorized},
		{"process env denied", `export default () => process.env.HOME`, http.StatusUnauthorized},
		{"infinite loop", `export default () => { while (true) {} }`, http.StatusRequestTimeout},
		{"never settles", `export default () => new Promise(() => {})`, http.StatusRequestTimeout},
		{"throws", `export default () => { throw new TypeError("bad input") }`, http.StatusInternalServerError},
		{"rejects", `export default async () => { throw new Error("async bad") }`, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := newTestSandbox(t, func(c *Config) { c.Timeout = 200 * time.Millisecond })
			resp, body := sb.loadAndGet(t, tt.src)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (body %q)", resp.StatusCode, tt.want, body)
			}
			if resp.Header.Get(sandbox.HeaderLoadError) != "" {
				t.Error("execution failure flagged as load failure")
			}
		})
	}
}

func TestTimeoutDoesNotPoisonModule(t *testing.T) {
	sb := newTestSandbox(t, func(c *Config) { c.Timeout = 200 * time.Millisecond })
	v := sb.link(t, `export default (req) => { if (req.method === "POST") { while (true) {} } return "alive" }`)
	headers := map[string]string{sandbox.HeaderLoadModule: v}

	resp, _ := sb.do(t, http.MethodPost, "/", "", headers)
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", resp.StatusCode)
	}
	resp, body := sb.do(t, http.MethodGet, "/", "", headers)
	if resp.StatusCode != http.StatusOK || body != "alive" {
		t.Errorf("after timeout = %d %q, want 200 alive", resp.StatusCode, body)
	}
}

func TestLateWatchdogIgnored(t *testing.T) {
	m, err := compileModule("v1", []byte(`export default () => "ok"`), time.Second, testLogger())
	if err != nil {
		t.Fatalf("compileModule: %v", err)
	}

	first := m.begin()
	m.end()
	second := m.begin()

	// The first execution's watchdog fires after the second has begun.
	m.interrupt(first, sandbox.ErrTimeout)
	if _, err := m.vm.RunString(`for (let i = 0; i < 1000; i++) {}`); err != nil {
		t.Fatalf("stale watchdog interrupted the next execution: %v", err)
	}

	m.interrupt(second, sandbox.ErrTimeout)
	_, err = m.vm.RunString(`while (true) {}`)
	if !errors.Is(classify(err), sandbox.ErrTimeout) {
		t.Errorf("current watchdog: err = %v, want ErrTimeout", err)
	}
	m.end()

	res, err := m.serve(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil), nil, "req", time.Second)
	if err != nil {
		t.Fatalf("serve after interrupt: %v", err)
	}
	if res.status != http.StatusOK || res.body != "ok" {
		t.Errorf("serve = %d %q, want 200 ok", res.status, res.body)
	}
}

func TestReplacePolicy(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		sb := newTestSandbox(t, nil)
		sb.loadAndGet(t, `export default () => "one"`)
		resp, body := sb.loadAndGet(t, `export default () => "two"`)
		if resp.StatusCode != http.StatusOK || body != "two" {
			t.Errorf("after replace = %d %q, want 200 two", resp.StatusCode, body)
		}
	})

	t.Run("denied", func(t *testing.T) {
		sb := newTestSandbox(t, func(c *Config) { c.AllowReplace = false })
		first := `export default () => "one"`
		sb.loadAndGet(t, first)
		resp, _ := sb.loadAndGet(t, `export default () => "two"`)
		if resp.StatusCode != http.StatusConflict {
			t.Errorf("status = %d, want 409", resp.StatusCode)
		}
		if sb.srv.Version() != model.ContentVersion([]byte(first)) {
			t.Error("denied replace changed the resident module")
		}
	})
}

func TestReturnValueConversion(t *testing.T) {
	tests := []struct {
		name       string
		src        string
		wantStatus int
		wantBody   string
	}{
		{"string", `export default () => "plain"`, http.StatusOK, "plain"},
		{"object", `export default () => ({ ok: true })`, http.StatusOK, `{"ok":true}`},
		{"undefined", `export default () => {}`, http.StatusNoContent, ""},
		{"async response", `export default async () => new Response("later", { status: 202 })`, http.StatusAccepted, "later"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sb := newTestSandbox(t, nil)
			resp, body := sb.loadAndGet(t, tt.src)
			if resp.StatusCode != tt.wantStatus || body != tt.wantBody {
				t.Errorf("got %d %q, want %d %q", resp.StatusCode, body, tt.wantStatus, tt.wantBody)
			}
		})
	}
}

func TestTransform(t *testing.T) {
	out, err := transform("export default function handler() {}\nexport const x = 1;\n  export async function y() {}")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "export ") {
		t.Errorf("export keyword left in output:\n%s", out)
	}
	if !strings.Contains(out, exportsVar+".default = function handler") {
		t.Errorf("default export not rewritten:\n%s", out)
	}

	if _, err := transform("import { a } from './a.js'"); err == nil {
		t.Error("transform accepted an import statement")
	}
	if _, err := transform("const important = 1; export default () => important"); err != nil {
		t.Errorf("identifier starting with import rejected: %v", err)
	}
}

func TestBindFlags(t *testing.T) {
	cfg := DefaultConfig()
	fs := pflag.NewFlagSet("sandbox", pflag.ContinueOnError)
	BindFlags(fs, &cfg)

	err := fs.Parse([]string{"--host", "0.0.0.0", "--port", "9001", "--dir", "/app/data", "--timeout", "3s", "--allow-replace=false"})
	if err != nil {
		t.Fatal(err)
	}
	want := Config{Host: "0.0.0.0", Port: 9001, Dir: "/app/data", Timeout: 3 * time.Second, AllowReplace: false}
	if cfg != want {
		t.Errorf("cfg = %+v, want %+v", cfg, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	bad := cfg
	bad.Port = 0
	if bad.Validate() == nil {
		t.Error("Validate accepted port 0")
	}
}

func TestRunServesUntilCancelled(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg := DefaultConfig()
	cfg.Port = port
	cfg.Dir = t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, testLogger()) }()

	url := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + "/"
	deadline := time.Now().Add(5 * time.Second)
	for {
		req, _ := http.NewRequest(http.MethodGet, url, nil)
		req.Header.Set(sandbox.HeaderHealthCheck, "true")
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("sandbox never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
