package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"slices"
	"strings"
	"syscall"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitDone(t *testing.T, p Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{ErrLoadFailed, http.StatusBadRequest},
		{fmt.Errorf("compile: %w", ErrLoadFailed), http.StatusBadRequest},
		{ErrNotLoaded, http.StatusBadRequest},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrTimeout, http.StatusRequestTimeout},
		{ErrReplaceDenied, http.StatusConflict},
		{errors.New("TypeError: x is not a function"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestProcessSpawnerCommand(t *testing.T) {
	s := &ProcessSpawner{
		Bin:         "/usr/local/bin/anvil",
		Args:        []string{"sandbox"},
		Env:         []string{"EXTRA=1"},
		CPUs:        0.2,
		MemoryBytes: 200_000_000,
	}
	cmd := s.Command(Spec{Port: 4100, Dir: "/data/workers/w1", RequestTimeout: 2 * time.Second})

	want := []string{
		"/usr/local/bin/anvil", "sandbox",
		"--host", "127.0.0.1",
		"--port", "4100",
		"--dir", "/data/workers/w1",
		"--timeout", "2s",
		"--allow-replace=false",
	}
	if !slices.Equal(cmd.Args, want) {
		t.Errorf("args = %v, want %v", cmd.Args, want)
	}
	if cmd.Dir != "/data/workers/w1" {
		t.Errorf("dir = %q", cmd.Dir)
	}
	for _, kv := range []string{"EXTRA=1", "GOMAXPROCS=1", "GOMEMLIMIT=200000000"} {
		if !slices.Contains(cmd.Env, kv) {
			t.Errorf("env missing %q", kv)
		}
	}
}

func TestProcessSpawnerExitStatus(t *testing.T) {
	s := &ProcessSpawner{Bin: "/bin/sh", Args: []string{"-c", "exit 3", "sh"}}
	p, err := s.Spawn(context.Background(), Spec{Port: 1, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitDone(t, p)

	st := p.ExitStatus()
	if st.Code != 3 || st.Signal != "" {
		t.Errorf("ExitStatus = %+v, want code 3", st)
	}
	if err := p.Kill(); err != nil {
		t.Errorf("Kill after exit: %v", err)
	}
	if err := p.Signal(os.Interrupt); !errors.Is(err, os.ErrProcessDone) {
		t.Errorf("Signal after exit = %v, want ErrProcessDone", err)
	}
}

func TestProcessSpawnerKill(t *testing.T) {
	s := &ProcessSpawner{Bin: "/bin/sh", Args: []string{"-c", "exec sleep 30", "sh"}}
	p, err := s.Spawn(context.Background(), Spec{Port: 1, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if p.Pid() <= 0 {
		t.Errorf("Pid = %d", p.Pid())
	}

	if err := p.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitDone(t, p)

	st := p.ExitStatus()
	if st.Signal != syscall.SIGKILL.String() {
		t.Errorf("ExitStatus = %+v, want signal %q", st, syscall.SIGKILL.String())
	}
	if !strings.Contains(st.String(), "signal") {
		t.Errorf("String() = %q", st.String())
	}
}

func TestProcessSpawnerMissingBinary(t *testing.T) {
	s := &ProcessSpawner{Bin: "/nonexistent/anvil"}
	if _, err := s.Spawn(context.Background(), Spec{Dir: t.TempDir()}); err == nil {
		t.Fatal("Spawn of missing binary succeeded")
	}
}

// mockCommandRunner records calls and returns canned responses.
type mockCommandRunner struct {
	calls [][]string
	code  int
}

func (m *mockCommandRunner) Run(_ context.Context, name string, args ...string) (string, string, int, error) {
	m.calls = append(m.calls, append([]string{name}, args...))
	return "", "", m.code, nil
}

func TestDockerSpawnerArgs(t *testing.T) {
	s := NewDockerSpawner("anvil-sandbox:latest", 0.2, 200_000_000, testLogger())
	args := s.Args(Spec{Name: "01ABC", Port: 4200, Dir: "/srv/data/workers/01ABC", RequestTimeout: time.Minute, AllowReplace: true})

	want := []string{
		"run", "-i", "--rm",
		"--name", "anvil-01ABC",
		"-v", "/srv/data/workers/01ABC:/app/data",
		"-p", "127.0.0.1:4200:8000",
		"--cpus", "0.2",
		"--memory", "200000000",
		"anvil-sandbox:latest",
		"sandbox",
		"--host", "0.0.0.0",
		"--port", "8000",
		"--dir", "/app/data",
		"--timeout", "1m0s",
		"--allow-replace=true",
	}
	if !slices.Equal(args, want) {
		t.Errorf("args =\n%v\nwant\n%v", args, want)
	}
}

func TestDockerContainerKillRemovesContainer(t *testing.T) {
	runner := &mockCommandRunner{}
	s := NewDockerSpawner("img", 0, 0, testLogger())
	s.runner = runner
	s.docker = "/bin/sh"

	// Stand in for the attached docker CLI with a long-running shell.
	cmd := exec.Command("/bin/sh", "-c", "exec sleep 30")
	p, err := startProc(cmd)
	if err != nil {
		t.Fatal(err)
	}
	c := &container{proc: p, name: "anvil-w1", spawner: s}

	if err := c.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitDone(t, c)

	if len(runner.calls) != 1 {
		t.Fatalf("runner calls = %v, want one docker rm", runner.calls)
	}
	want := []string{"/bin/sh", "rm", "-f", "anvil-w1"}
	if !slices.Equal(runner.calls[0], want) {
		t.Errorf("call = %v, want %v", runner.calls[0], want)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	ps := &ProcessSpawner{Bin: "anvil"}
	reg.Register(SpawnerProcess, ps)
	reg.Register(SpawnerDocker, NewDockerSpawner("img", 1, 0, testLogger()))

	got, err := reg.Resolve(SpawnerProcess)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != ps {
		t.Error("Resolve returned a different spawner")
	}

	if _, err := reg.Resolve("vm"); err == nil {
		t.Error("Resolve of unregistered name succeeded")
	}

	if names := reg.Names(); !slices.Equal(names, []string{SpawnerDocker, SpawnerProcess}) {
		t.Errorf("Names = %v", names)
	}
}
