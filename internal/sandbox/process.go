package sandbox

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"slices"
	"strconv"
)

// Compile-time interface satisfaction check.
var _ Spawner = (*ProcessSpawner)(nil)

// ProcessSpawner starts each sandbox as a local child process running the
// sandbox entrypoint of Bin. The CPU and memory ceilings become GOMAXPROCS
// and GOMEMLIMIT of the child.
type ProcessSpawner struct {
	// Bin is the executable to run.
	Bin string
	// Args precede the generated sandbox flags, e.g. {"sandbox"}.
	Args []string
	// Env is appended to the platform's environment.
	Env []string
	// CPUs is the CPU share; zero leaves GOMAXPROCS unset.
	CPUs float64
	// MemoryBytes is the soft memory ceiling; zero leaves GOMEMLIMIT unset.
	MemoryBytes uint64
}

// Command builds the command for spec without starting it.
func (s *ProcessSpawner) Command(spec Spec) *exec.Cmd {
	args := slices.Clone(s.Args)
	args = append(args,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(spec.Port),
		"--dir", spec.Dir,
		"--timeout", spec.RequestTimeout.String(),
		"--allow-replace="+strconv.FormatBool(spec.AllowReplace),
	)

	// Not CommandContext: the process outlives the request that created it.
	cmd := exec.Command(s.Bin, args...)
	cmd.Dir = spec.Dir

	env := append(os.Environ(), s.Env...)
	if s.CPUs > 0 {
		env = append(env, "GOMAXPROCS="+strconv.Itoa(int(math.Max(1, math.Ceil(s.CPUs)))))
	}
	if s.MemoryBytes > 0 {
		env = append(env, "GOMEMLIMIT="+strconv.FormatUint(s.MemoryBytes, 10))
	}
	cmd.Env = env

	out := spec.Output
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd
}

// Spawn starts the sandbox process.
func (s *ProcessSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := startProc(s.Command(spec))
	if err != nil {
		spawnsTotal.WithLabelValues(spawnerProcess, resultError).Inc()
		return nil, fmt.Errorf("start sandbox process: %w", err)
	}
	spawnsTotal.WithLabelValues(spawnerProcess, resultOK).Inc()
	return p, nil
}
