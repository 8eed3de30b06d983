//go:build unix

package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/loykin/workerd/internal/pool"
)

// Process is a spawned worker as seen by the supervisor.
type Process interface {
	PID() int
	Signal(sig os.Signal) error
	// Wait blocks until the process exits and returns its exit status:
	// the exit code, or 128+signal when it was killed by a signal.
	Wait() (int, error)
}

// Spawner creates worker processes.
type Spawner interface {
	Spawn(spec *pool.Spec, slot int) (Process, error)
}

// WorkerCommand is the hidden subcommand a worker process runs.
const WorkerCommand = "worker"

// ExecSpawner starts workers by re-executing a binary with the worker
// subcommand: Path Args... worker --pool NAME --slot N ExtraArgs...
type ExecSpawner struct {
	// Path defaults to the running executable.
	Path      string
	Args      []string
	ExtraArgs []string
	Env       []string
	// PoolEnv is appended after Env for the named pool's workers.
	PoolEnv map[string][]string
	Stdout  io.Writer
	Stderr  io.Writer
	Logger  *slog.Logger
}

func (e *ExecSpawner) command(spec *pool.Spec, slot int) (*exec.Cmd, error) {
	path := e.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		path = exe
	}
	args := append([]string{}, e.Args...)
	args = append(args, WorkerCommand, "--pool", spec.Name, "--slot", strconv.Itoa(slot))
	args = append(args, e.ExtraArgs...)

	// #nosec G204
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env, e.PoolEnv[spec.Name]...)
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	if err := configureSysProcAttr(cmd, spec); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (e *ExecSpawner) Spawn(spec *pool.Spec, slot int) (Process, error) {
	cmd, err := e.command(spec, slot)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	if e.Logger != nil {
		e.Logger.Debug("worker process started", "pool", spec.Name, "slot", slot, "pid", cmd.Process.Pid)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct{ cmd *exec.Cmd }

func (p *execProcess) PID() int                   { return p.cmd.Process.Pid }
func (p *execProcess) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		return pool.ExitUnexpected, err
	}
	return exitStatus(p.cmd.ProcessState), nil
}

func exitStatus(ps *os.ProcessState) int {
	if ps == nil {
		return pool.ExitUnexpected
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
