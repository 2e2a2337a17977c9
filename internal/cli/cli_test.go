package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/api"
	"github.com/seantiz/anvil/internal/config"
	"github.com/seantiz/anvil/internal/modules"
	"github.com/seantiz/anvil/internal/pool"
	"github.com/seantiz/anvil/internal/sandbox"
	"github.com/seantiz/anvil/internal/sandboxtest"
	"github.com/seantiz/anvil/internal/supervisor"
	"github.com/seantiz/anvil/internal/worker"
)

func TestMain(m *testing.M) {
	sandboxtest.Main(m)
}

type testPlatform struct {
	adminURL string
	sup      *supervisor.Supervisor
}

// startTestPlatform runs a store, worker pool, supervisor and admin API and
// returns their URLs.
func startTestPlatform(t *testing.T) *testPlatform {
	t.Helper()
	root := t.TempDir()
	ctx := context.Background()
	srvLogger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := modules.Open(ctx, modules.Options{Root: filepath.Join(root, "modules")})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	wp := pool.NewWorkerPool(sandboxtest.Spawner(t), store, pool.Config{
		Max:               2,
		AcquireMaxRetries: 3,
		AcquireRetryWait:  10 * time.Millisecond,
	}, worker.Options{
		DataDir:        filepath.Join(root, "workers"),
		RequestTimeout: 2 * time.Second,
		AllowReplace:   true,
		ShutdownGrace:  2 * time.Second,
		Logger:         srvLogger,
	})

	sup := supervisor.New(store, wp, supervisor.Options{Logger: srvLogger})
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start supervisor: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	})

	srv := api.NewServer(":0", store, sup, wp, srvLogger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testPlatform{adminURL: ts.URL, sup: sup}
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()

	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--log-level", "error"}, args...))

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeModule(t *testing.T, code string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "handler.js")
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCommand(t *testing.T) {
	p := startTestPlatform(t)
	path := writeModule(t, `export default () => "hello"`)

	out, err := runCLI(t, "", "--server", p.adminURL, "load", "hello", path)
	if err != nil {
		t.Fatalf("load error: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "Loaded hello@") {
		t.Errorf("expected 'Loaded hello@' in output, got: %s", out)
	}

	resp, err := http.Get(p.sup.URL() + "/hello")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "hello" {
		t.Errorf("served body = %q, want hello", body)
	}
}

func TestLoadCommand_Stdin(t *testing.T) {
	p := startTestPlatform(t)

	out, err := runCLI(t, `export default () => "piped"`, "--server", p.adminURL, "load", "piped", "-")
	if err != nil {
		t.Fatalf("load error: %v\noutput: %s", err, out)
	}

	src, err := runCLI(t, "", "--server", p.adminURL, "source", "piped")
	if err != nil {
		t.Fatalf("source error: %v", err)
	}
	if src != `export default () => "piped"` {
		t.Errorf("source = %q", src)
	}
}

func TestLoadCommand_InvalidName(t *testing.T) {
	p := startTestPlatform(t)
	path := writeModule(t, `export default () => "x"`)

	_, err := runCLI(t, "", "--server", p.adminURL, "load", "bad name", path)
	if err == nil {
		t.Fatal("expected error for invalid name")
	}
	if !strings.Contains(err.Error(), "invalid module name") {
		t.Errorf("error = %v, want invalid module name", err)
	}
}

func TestModulesCommand(t *testing.T) {
	p := startTestPlatform(t)

	out, err := runCLI(t, "", "--server", p.adminURL, "modules")
	if err != nil {
		t.Fatalf("modules error: %v", err)
	}
	if !strings.Contains(out, "No modules found.") {
		t.Errorf("expected 'No modules found.', got: %s", out)
	}

	for _, name := range []string{"alpha", "beta", "gamma"} {
		if _, err := runCLI(t, "export default () => 1", "--server", p.adminURL, "load", name, "-"); err != nil {
			t.Fatalf("load %s: %v", name, err)
		}
	}

	out, err = runCLI(t, "", "--server", p.adminURL, "modules", "--limit", "2")
	if err != nil {
		t.Fatalf("modules error: %v", err)
	}
	if !strings.Contains(out, "NAME") || !strings.Contains(out, "alpha") || !strings.Contains(out, "beta") {
		t.Errorf("unexpected table: %s", out)
	}
	if strings.Contains(out, "gamma") {
		t.Errorf("limit not applied: %s", out)
	}
	if !strings.Contains(out, "(2 of 3 shown)") {
		t.Errorf("expected pagination footer, got: %s", out)
	}
}

func TestModulesCommand_Show(t *testing.T) {
	p := startTestPlatform(t)
	runCLI(t, "export default () => 1", "--server", p.adminURL, "load", "multi", "-")
	runCLI(t, "export default () => 2", "--server", p.adminURL, "load", "multi", "-")

	out, err := runCLI(t, "", "--server", p.adminURL, "modules", "multi")
	if err != nil {
		t.Fatalf("modules multi error: %v", err)
	}
	if !strings.Contains(out, "Name:    multi") {
		t.Errorf("missing name line: %s", out)
	}
	if n := strings.Count(out, "ago") + strings.Count(out, "now"); n < 3 {
		t.Errorf("expected updated time and two versions, got: %s", out)
	}

	_, err = runCLI(t, "", "--server", p.adminURL, "modules", "nope")
	if err == nil || !strings.Contains(err.Error(), `module "nope" not found`) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestWorkersAndEvictCommands(t *testing.T) {
	p := startTestPlatform(t)
	runCLI(t, `export default () => "w"`, "--server", p.adminURL, "load", "busy", "-")

	resp, err := http.Get(p.sup.URL() + "/busy")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	out, err := runCLI(t, "", "--server", p.adminURL, "workers")
	if err != nil {
		t.Fatalf("workers error: %v", err)
	}
	if !strings.Contains(out, "ACTIVE") || !strings.Contains(out, "busy") {
		t.Errorf("expected busy listed as active, got: %s", out)
	}

	out, err = runCLI(t, "", "--server", p.adminURL, "evict", "busy")
	if err != nil {
		t.Fatalf("evict error: %v", err)
	}
	if !strings.Contains(out, "Evicted busy") {
		t.Errorf("unexpected evict output: %s", out)
	}

	out, _ = runCLI(t, "", "--server", p.adminURL, "workers")
	if !strings.Contains(out, "No active modules.") {
		t.Errorf("expected no active modules after evict, got: %s", out)
	}

	if _, err := runCLI(t, "", "--server", p.adminURL, "evict", "busy"); err == nil {
		t.Error("expected error evicting a module without a worker")
	}
}

func TestEventsCommand(t *testing.T) {
	p := startTestPlatform(t)

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := runCLI(t, "", "--server", p.adminURL, "events", "-n", "1")
		done <- result{out, err}
	}()

	// Keep loading until the stream is subscribed and delivers one event.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(10 * time.Second)
	for i := 0; ; i++ {
		select {
		case r := <-done:
			if r.err != nil {
				t.Fatalf("events error: %v", r.err)
			}
			if !strings.Contains(r.out, "watched@") {
				t.Errorf("expected a watched@ line, got: %s", r.out)
			}
			return
		case <-ticker.C:
			code := "export default () => " + strings.Repeat("1", i+1)
			if _, err := p.sup.Load(context.Background(), "watched", []byte(code)); err != nil {
				t.Fatalf("Load: %v", err)
			}
		case <-deadline:
			t.Fatal("events command did not receive a load")
		}
	}
}

func TestServerFromEnv(t *testing.T) {
	t.Setenv("ANVIL_SERVER", "http://anvil.example:9000")
	if got := defaultServer(); got != "http://anvil.example:9000" {
		t.Errorf("defaultServer = %q", got)
	}
}

func TestNewSpawner(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.SandboxBin = "/usr/local/bin/anvil"

	s, err := newSpawner(cfg, log)
	if err != nil {
		t.Fatalf("newSpawner(process): %v", err)
	}
	ps, ok := s.(*sandbox.ProcessSpawner)
	if !ok {
		t.Fatalf("spawner = %T, want *sandbox.ProcessSpawner", s)
	}
	if ps.Bin != "/usr/local/bin/anvil" || len(ps.Args) != 1 || ps.Args[0] != "sandbox" {
		t.Errorf("process spawner = %+v", ps)
	}

	cfg.Sandbox = "docker"
	s, err = newSpawner(cfg, log)
	if err != nil {
		t.Fatalf("newSpawner(docker): %v", err)
	}
	if _, ok := s.(*sandbox.DockerSpawner); !ok {
		t.Errorf("spawner = %T, want *sandbox.DockerSpawner", s)
	}

	cfg.Sandbox = "vm"
	if _, err := newSpawner(cfg, log); err == nil {
		t.Error("expected error for unknown sandbox")
	}
}
