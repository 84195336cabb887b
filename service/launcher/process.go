package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/inductiva/task-runner/runtime/run"
)

const (
	stdoutFileName = "stdout.txt"
	stderrFileName = "stderr.txt"

	// forceKillWait bounds how long Terminate waits for the kernel to reap
	// the group after SIGKILL.
	forceKillWait = 10 * time.Second
)

// ProcessLauncher runs task commands sequentially on this machine, bare or
// inside the task's container image. Each command gets its own process group
// so that cancellation reaches the whole process tree.
type ProcessLauncher struct {
	logger *zap.SugaredLogger
}

// NewProcessLauncher creates the single-node launcher.
func NewProcessLauncher(logger *zap.SugaredLogger) *ProcessLauncher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ProcessLauncher{logger: logger}
}

// Launch starts the first command and drives the rest in the background. A
// spawn failure of the first command is returned directly.
func (l *ProcessLauncher) Launch(_ context.Context, spec *Spec) (Process, error) {
	steps, err := buildSteps(spec, nil)
	if err != nil {
		return nil, err
	}
	return startProcess(spec.Run, steps, nil, l.logger)
}

var _ Launcher = (*ProcessLauncher)(nil)

// step is one command ready to exec.
type step struct {
	argv  []string
	stdin string
}

// buildSteps tokenises the task commands and wraps them for the container
// runtime. Commands marked for the job runner get mpiPrefix prepended; a nil
// prefix runs them as plain processes (single node).
func buildSteps(spec *Spec, mpiPrefix []string) ([]step, error) {
	steps := make([]step, 0, len(spec.Task.Commands))
	for i := range spec.Task.Commands {
		command := &spec.Task.Commands[i]
		tokens, err := command.Tokens()
		if err != nil {
			return nil, fmt.Errorf("task %s command %d: %w", spec.Task.ID, i, err)
		}
		argv := containerArgv(spec, tokens)
		if command.MPI && len(mpiPrefix) > 0 {
			argv = append(append([]string{}, mpiPrefix...), argv...)
		}
		var stdin string
		if len(command.Prompts) > 0 {
			stdin = strings.Join(command.Prompts, "\n") + "\n"
		}
		steps = append(steps, step{argv: argv, stdin: stdin})
	}
	return steps, nil
}

// osProcess drives a sequence of commands as one logical run. Output goes to
// the run's rolling log tail and to files in the working directory.
type osProcess struct {
	run    *run.Run
	logger *zap.SugaredLogger
	stdout *os.File
	stderr *os.File

	// onExit fires once after the last command finished, before done closes.
	onExit func(code int)

	mux        sync.Mutex
	current    *exec.Cmd
	terminated bool

	done     chan struct{}
	exitCode int
	runErr   error
}

func startProcess(r *run.Run, steps []step, onExit func(int), logger *zap.SugaredLogger) (*osProcess, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("no commands to run")
	}
	stdout, err := os.OpenFile(filepath.Join(r.Dir, stdoutFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout capture: %w", err)
	}
	stderr, err := os.OpenFile(filepath.Join(r.Dir, stderrFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("failed to open stderr capture: %w", err)
	}

	process := &osProcess{
		run:    r,
		logger: logger,
		stdout: stdout,
		stderr: stderr,
		onExit: onExit,
		done:   make(chan struct{}),
	}
	first := process.command(steps[0])
	if err := first.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start %q: %w", steps[0].argv[0], err)
	}
	r.StartedAt = time.Now()
	process.setCurrent(first)
	go process.drive(first, steps[1:])
	return process, nil
}

func (p *osProcess) command(s step) *exec.Cmd {
	cmd := exec.Command(s.argv[0], s.argv[1:]...)
	cmd.Dir = p.run.Dir
	cmd.Env = p.run.Env
	cmd.Stdout = io.MultiWriter(p.run.LogTail(), p.stdout)
	cmd.Stderr = io.MultiWriter(p.run.LogTail(), p.stderr)
	if s.stdin != "" {
		cmd.Stdin = strings.NewReader(s.stdin)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

func (p *osProcess) drive(current *exec.Cmd, rest []step) {
	code := exitStatus(current.Wait())
	for _, s := range rest {
		if code != 0 || p.isTerminated() {
			break
		}
		next := p.command(s)
		if err := next.Start(); err != nil {
			p.runErr = fmt.Errorf("failed to start %q: %w", s.argv[0], err)
			code = 127
			break
		}
		p.setCurrent(next)
		code = exitStatus(next.Wait())
	}
	p.finish(code)
}

func (p *osProcess) finish(code int) {
	p.mux.Lock()
	p.current = nil
	p.mux.Unlock()
	p.exitCode = code
	p.run.SetExit(code)
	p.stdout.Close()
	p.stderr.Close()
	if p.onExit != nil {
		p.onExit(code)
	}
	close(p.done)
}

func (p *osProcess) setCurrent(cmd *exec.Cmd) {
	p.mux.Lock()
	p.current = cmd
	p.mux.Unlock()
}

func (p *osProcess) isTerminated() bool {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.terminated
}

// Wait blocks until the run completes. Context cancellation abandons the
// wait without touching the process; use Terminate to stop it.
func (p *osProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.done:
		return p.exitCode, p.runErr
	}
}

// Terminate signals the current process group, waits the grace period, then
// force-kills. Remaining commands never start once termination is requested.
func (p *osProcess) Terminate(grace time.Duration) error {
	p.mux.Lock()
	p.terminated = true
	current := p.current
	p.mux.Unlock()
	if current == nil || current.Process == nil {
		return nil
	}
	pid := current.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		p.logger.Warnw("failed to signal process group, escalating", "pid", pid, "error", err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to force-kill process group %d: %w", pid, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(forceKillWait):
		return fmt.Errorf("process group %d did not exit after force kill", pid)
	}
}

var _ Process = (*osProcess)(nil)

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
