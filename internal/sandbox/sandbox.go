package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Spec describes one sandbox process to start.
type Spec struct {
	// Name identifies the sandbox; Docker uses it for the container name.
	Name string
	// Port is the host loopback port the sandbox must listen on.
	Port int
	// Dir is the worker's private directory, visible to the sandbox as its
	// code directory.
	Dir string
	// RequestTimeout bounds the execution of a single request inside the sandbox.
	RequestTimeout time.Duration
	// AllowReplace lets the sandbox swap one loaded module for another.
	AllowReplace bool
	// Output receives the sandbox's stdout and stderr. Nil discards them.
	Output io.Writer
}

// Spawner starts sandbox processes.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// Process is a running sandbox.
type Process interface {
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitStatus reports how the process ended. Only valid after Done is closed.
	ExitStatus() ExitStatus
	Signal(sig os.Signal) error
	Kill() error
}

// ExitStatus records how a sandbox process ended.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return "signal " + s.Signal
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// proc is a Process backed by an os/exec command.
type proc struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	status ExitStatus
}

// startProc starts cmd in its own process group so terminal signals aimed at
// the platform do not reach sandboxes directly.
func startProc(cmd *exec.Cmd) (*proc, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &proc{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	return p, nil
}

func (p *proc) wait() {
	err := p.cmd.Wait()

	status := ExitStatus{Code: -1}
	if ps := p.cmd.ProcessState; ps != nil {
		status.Code = ps.ExitCode()
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal().String()
		}
	} else if err != nil {
		status.Signal = err.Error()
	}

	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
	close(p.done)
}

func (p *proc) Pid() int {
	return p.cmd.Process.Pid
}

func (p *proc) Done() <-chan struct{} {
	return p.done
}

func (p *proc) ExitStatus() ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *proc) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return p.cmd.Process.Signal(sig)
}

func (p *proc) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}
