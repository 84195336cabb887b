// Package launcher turns a prepared task into a running, observable
// execution and returns its outcome. The variant set is closed: a single-node
// process launcher (bare or containerised) and a multi-node MPI launcher.
// Picking one is a switch over the task's resource class, not dynamic
// dispatch.
package launcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/inductiva/task-runner/model"
	"github.com/inductiva/task-runner/runtime/run"
	"github.com/inductiva/task-runner/service/cluster"
)

// Spec is everything the launcher needs to start a run.
type Spec struct {
	Task *model.Task
	Run  *run.Run

	// ImagePath is the local .sif file the commands run in. Empty means bare
	// execution on the host (local mode).
	ImagePath string

	// Membership is the agreed cluster membership for multi-node tasks, nil
	// otherwise.
	Membership *cluster.Membership
}

// Process is a started run. Wait blocks until the run completes or the
// context is cancelled; Terminate signals the process group, waits the grace
// period and force-kills survivors.
type Process interface {
	Wait(ctx context.Context) (int, error)
	Terminate(grace time.Duration) error
}

// Launcher starts a run. Spawn failures (missing binary or image) are
// returned from Launch and are fatal for the task; no retry happens at this
// level.
type Launcher interface {
	Launch(ctx context.Context, spec *Spec) (Process, error)
}

// Service dispatches to the launcher variant matching the task's resource
// class.
type Service struct {
	single *ProcessLauncher
	multi  *MPILauncher
}

// New creates the launcher service.
func New(mpi MPIConfig, logger *zap.SugaredLogger) *Service {
	return &Service{
		single: NewProcessLauncher(logger),
		multi:  NewMPILauncher(mpi, logger),
	}
}

// Launch starts the run with the variant the task's class requires.
func (s *Service) Launch(ctx context.Context, spec *Spec) (Process, error) {
	if spec.Task == nil || spec.Run == nil {
		return nil, fmt.Errorf("launch spec is incomplete")
	}
	if spec.Task.Class.MultiNode() {
		return s.multi.Launch(ctx, spec)
	}
	return s.single.Launch(ctx, spec)
}

var _ Launcher = (*Service)(nil)

// containerArgv wraps command tokens with the container runtime invocation.
// The working directory is bind-mounted so simulators read and write through
// the same paths inside and outside the container; GPU tasks get device
// visibility.
func containerArgv(spec *Spec, tokens []string) []string {
	if spec.ImagePath == "" {
		return tokens
	}
	argv := []string{"apptainer", "exec",
		"--bind", spec.Run.Dir + ":" + spec.Run.Dir,
		"--pwd", spec.Run.Dir,
	}
	if spec.Task.Class == model.ResourceClassGPU {
		argv = append(argv, "--nv")
	}
	argv = append(argv, spec.ImagePath)
	return append(argv, tokens...)
}
