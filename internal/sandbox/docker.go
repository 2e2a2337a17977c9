package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

const (
	containerPort    = 8000
	containerDataDir = "/app/data"
	containerPrefix  = "anvil-"
	dockerRemoveWait = 10 * time.Second
)

// CommandRunner abstracts command execution for testing.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// osCommandRunner is the real implementation using os/exec.
type osCommandRunner struct{}

func (r *osCommandRunner) Run(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()

	switch e := runErr.(type) {
	case nil:
		return stdoutBuf.String(), stderrBuf.String(), 0, nil
	case *exec.ExitError:
		return stdoutBuf.String(), stderrBuf.String(), e.ExitCode(), nil
	default:
		return stdoutBuf.String(), stderrBuf.String(), -1, runErr
	}
}

// Compile-time interface satisfaction check.
var _ Spawner = (*DockerSpawner)(nil)

// DockerSpawner starts each sandbox as a Docker container with the worker
// directory mounted and the sandbox port published on the loopback interface.
type DockerSpawner struct {
	image       string
	cpus        float64
	memoryBytes uint64
	docker      string
	runner      CommandRunner
	logger      *slog.Logger
}

// NewDockerSpawner creates a DockerSpawner for image.
func NewDockerSpawner(image string, cpus float64, memoryBytes uint64, logger *slog.Logger) *DockerSpawner {
	return &DockerSpawner{
		image:       image,
		cpus:        cpus,
		memoryBytes: memoryBytes,
		docker:      "docker",
		runner:      &osCommandRunner{},
		logger:      logger.With("component", "docker-spawner"),
	}
}

// Args returns the docker CLI arguments that start the sandbox for spec.
func (s *DockerSpawner) Args(spec Spec) []string {
	args := []string{
		"run", "-i", "--rm",
		"--name", containerPrefix + spec.Name,
		"-v", spec.Dir + ":" + containerDataDir,
		"-p", "127.0.0.1:" + strconv.Itoa(spec.Port) + ":" + strconv.Itoa(containerPort),
	}
	if s.cpus > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(s.cpus, 'f', -1, 64))
	}
	if s.memoryBytes > 0 {
		args = append(args, "--memory", strconv.FormatUint(s.memoryBytes, 10))
	}
	return append(args,
		s.image,
		"sandbox",
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(containerPort),
		"--dir", containerDataDir,
		"--timeout", spec.RequestTimeout.String(),
		"--allow-replace="+strconv.FormatBool(spec.AllowReplace),
	)
}

// Spawn starts the container. The docker CLI stays attached (-i) so the
// returned Process tracks the container's lifetime and SIGINT is proxied in.
func (s *DockerSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(s.docker, s.Args(spec)...)
	out := spec.Output
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out

	p, err := startProc(cmd)
	if err != nil {
		spawnsTotal.WithLabelValues(spawnerDocker, resultError).Inc()
		return nil, fmt.Errorf("start sandbox container: %w", err)
	}
	spawnsTotal.WithLabelValues(spawnerDocker, resultOK).Inc()

	return &container{proc: p, name: containerPrefix + spec.Name, spawner: s}, nil
}

// container is a Process whose Kill also force-removes the container, since
// killing the attached CLI alone can leave it running.
type container struct {
	*proc
	name    string
	spawner *DockerSpawner
}

func (c *container) Kill() error {
	killErr := c.proc.Kill()

	ctx, cancel := context.WithTimeout(context.Background(), dockerRemoveWait)
	defer cancel()
	_, stderr, code, err := c.spawner.runner.Run(ctx, c.spawner.docker, "rm", "-f", c.name)
	if err != nil {
		return fmt.Errorf("docker rm %s: %w", c.name, err)
	}
	if code != 0 {
		c.spawner.logger.Debug("docker rm failed", "container", c.name, "exit_code", code, "stderr", stderr)
	}
	return killErr
}
