package tracker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/inductiva/task-runner/internal/backoff"
	"github.com/inductiva/task-runner/model"
	"github.com/inductiva/task-runner/runtime/run"
	"github.com/inductiva/task-runner/service/cluster"
	"github.com/inductiva/task-runner/service/event"
	"github.com/inductiva/task-runner/service/image"
	"github.com/inductiva/task-runner/service/launcher"
	"github.com/inductiva/task-runner/service/messaging/memory"
)

type fakeArtifacts struct {
	mu        sync.Mutex
	fetchErr  error
	pushErr   error
	fetched   []string
	pushed    []string
	discarded []string
}

func (f *fakeArtifacts) Fetch(_ context.Context, bundleRef, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return f.fetchErr
	}
	f.fetched = append(f.fetched, bundleRef)
	return nil
}

func (f *fakeArtifacts) Push(_ context.Context, _, bundleRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, bundleRef)
	return nil
}

func (f *fakeArtifacts) Discard(_ context.Context, bundleRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discarded = append(f.discarded, bundleRef)
	return nil
}

type fakeImages struct {
	err error
}

func (f *fakeImages) Get(context.Context, string) (*image.Ref, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &image.Ref{Path: "/cache/solver.sif", Source: image.SourceLocalCache}, nil
}

type fakeCluster struct {
	err        error
	membership *cluster.Membership
}

func (f *fakeCluster) Form(context.Context, string, int) (*cluster.Membership, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.membership, nil
}

type fakeProcess struct {
	run      *run.Run
	exitCode int
	duration time.Duration

	once       sync.Once
	terminated chan struct{}
}

func newFakeProcess(r *run.Run, exitCode int, duration time.Duration) *fakeProcess {
	return &fakeProcess{run: r, exitCode: exitCode, duration: duration, terminated: make(chan struct{})}
}

func (p *fakeProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-time.After(p.duration):
		p.run.SetExit(p.exitCode)
		return p.exitCode, nil
	case <-p.terminated:
		p.run.SetExit(-1)
		return -1, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *fakeProcess) Terminate(time.Duration) error {
	p.once.Do(func() { close(p.terminated) })
	return nil
}

type fakeLauncher struct {
	err      error
	exitCode int
	duration time.Duration

	mu      sync.Mutex
	process *fakeProcess
}

func (f *fakeLauncher) Launch(_ context.Context, spec *launcher.Spec) (launcher.Process, error) {
	if f.err != nil {
		return nil, f.err
	}
	spec.Run.StartedAt = time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.process = newFakeProcess(spec.Run, f.exitCode, f.duration)
	return f.process, nil
}

type harness struct {
	task      *model.Task
	artifacts *fakeArtifacts
	launcher  *fakeLauncher
	sink      *event.MemorySink
	commands  *memory.CommandListener
	tracker   *Tracker
}

func newHarness(t *testing.T, task *model.Task, mutate func(*Dependencies, *Config)) *harness {
	t.Helper()
	h := &harness{
		task:      task,
		artifacts: &fakeArtifacts{},
		launcher:  &fakeLauncher{},
		sink:      event.NewMemorySink(),
		commands:  memory.NewCommandListener(),
	}
	deps := Dependencies{
		Artifacts: h.artifacts,
		Images:    &fakeImages{},
		Launcher:  h.launcher,
		Reporter:  event.NewReporter(h.sink, "worker-1", backoff.Policy{MaxAttempts: 1}, nil),
		Commands:  h.commands,
	}
	config := Config{WorkRoot: t.TempDir(), KillGrace: 100 * time.Millisecond}
	if mutate != nil {
		mutate(&deps, &config)
	}
	h.tracker = New(task, deps, config)
	return h
}

func singleNodeTask() *model.Task {
	return &model.Task{
		ID:           "t-1",
		Commands:     []model.Command{{Cmd: "echo hello"}},
		Class:        model.ResourceClassCPU,
		InputBundle:  "mem://bundles/t-1/in",
		OutputBundle: "mem://bundles/t-1/out",
	}
}

func (h *harness) states() []run.TaskState {
	events := h.sink.Events()
	states := make([]run.TaskState, 0, len(events))
	for _, e := range events {
		states = append(states, e.State)
	}
	return states
}

func TestProcessHappyPath(t *testing.T) {
	h := newHarness(t, singleNodeTask(), nil)

	final := h.tracker.Process(context.Background())

	assert.Equal(t, run.StateSucceeded, final)
	assert.Equal(t, []run.TaskState{
		run.StateClaimed,
		run.StateFetchingInput,
		run.StatePreparingEnv,
		run.StateExecuting,
		run.StateUploadingOutput,
		run.StateSucceeded,
	}, h.states())
	assert.Equal(t, []string{"mem://bundles/t-1/out"}, h.artifacts.pushed)

	code, exited := h.tracker.Run().Exit()
	assert.True(t, exited)
	assert.Equal(t, 0, code)

	// Working directory removed on terminal state.
	_, err := os.Stat(h.tracker.Run().Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestProcessFetchFailure(t *testing.T) {
	h := newHarness(t, singleNodeTask(), func(deps *Dependencies, _ *Config) {
		deps.Artifacts.(*fakeArtifacts).fetchErr = fmt.Errorf("bundle missing")
	})

	final := h.tracker.Process(context.Background())

	assert.Equal(t, run.StateFailed, final)
	assert.Equal(t, model.ReasonInputFetchError, h.tracker.Reason())
	assert.Equal(t, []run.TaskState{
		run.StateClaimed,
		run.StateFetchingInput,
		run.StateFailed,
	}, h.states())
	// Execution never attempted.
	assert.Nil(t, h.launcher.process)
}

func TestProcessNonzeroExit(t *testing.T) {
	h := newHarness(t, singleNodeTask(), func(deps *Dependencies, _ *Config) {})
	h.launcher.exitCode = 2

	final := h.tracker.Process(context.Background())

	assert.Equal(t, run.StateFailed, final)
	assert.Equal(t, model.ReasonExecutionNonzeroExit, h.tracker.Reason())

	events := h.sink.Events()
	last := events[len(events)-1]
	assert.Equal(t, "2", last.Detail["exitCode"])
}

func TestProcessExecutionTimeout(t *testing.T) {
	task := singleNodeTask()
	task.TTLSeconds = 1
	h := newHarness(t, task, nil)
	h.launcher.duration = time.Minute

	started := time.Now()
	final := h.tracker.Process(context.Background())

	assert.Equal(t, run.StateFailed, final)
	assert.Equal(t, model.ReasonExecutionTimeout, h.tracker.Reason())
	assert.Less(t, time.Since(started), 10*time.Second)
}

func TestProcessUploadFailure(t *testing.T) {
	h := newHarness(t, singleNodeTask(), func(deps *Dependencies, _ *Config) {
		deps.Artifacts.(*fakeArtifacts).pushErr = fmt.Errorf("store unavailable")
	})

	final := h.tracker.Process(context.Background())

	assert.Equal(t, run.StateFailed, final)
	assert.Equal(t, model.ReasonOutputUploadError, h.tracker.Reason())
	assert.Contains(t, h.states(), run.StateUploadingOutput)
}

func TestProcessKillDuringExecution(t *testing.T) {
	h := newHarness(t, singleNodeTask(), nil)
	h.launcher.duration = time.Minute

	go func() {
		for h.tracker.State() != run.StateExecuting {
			time.Sleep(time.Millisecond)
		}
		h.tracker.Kill(model.ReasonKilledByRequest)
	}()

	final := h.tracker.Process(context.Background())

	assert.Equal(t, run.StateKilled, final)
	assert.Equal(t, model.ReasonKilledByRequest, h.tracker.Reason())
	// Partial output is discarded, not uploaded.
	assert.Empty(t, h.artifacts.pushed)
	assert.Equal(t, []string{"mem://bundles/t-1/out"}, h.artifacts.discarded)
	_, err := os.Stat(h.tracker.Run().Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestProcessKillViaCommandChannel(t *testing.T) {
	h := newHarness(t, singleNodeTask(), nil)
	h.launcher.duration = time.Minute

	go func() {
		for h.tracker.State() != run.StateExecuting {
			time.Sleep(time.Millisecond)
		}
		assert.NoError(t, h.commands.Send(context.Background(), "t-1", "kill"))
	}()

	final := h.tracker.Process(context.Background())
	assert.Equal(t, run.StateKilled, final)
	assert.Equal(t, model.ReasonKilledByRequest, h.tracker.Reason())
}

func TestProcessKillIsIdempotent(t *testing.T) {
	h := newHarness(t, singleNodeTask(), nil)
	h.launcher.duration = time.Minute

	go func() {
		for h.tracker.State() != run.StateExecuting {
			time.Sleep(time.Millisecond)
		}
		h.tracker.Kill(model.ReasonKilledByRequest)
		h.tracker.Kill(model.ReasonWorkerShutdown)
		h.tracker.Kill(model.ReasonKilledByRequest)
	}()

	final := h.tracker.Process(context.Background())
	assert.Equal(t, run.StateKilled, final)
	// First reason wins.
	assert.Equal(t, model.ReasonKilledByRequest, h.tracker.Reason())

	terminal := 0
	for _, state := range h.states() {
		if state.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal)
}

func TestProcessPreservesOutputOnKillWhenConfigured(t *testing.T) {
	h := newHarness(t, singleNodeTask(), func(_ *Dependencies, config *Config) {
		config.PreserveOutputOnKill = true
	})
	h.launcher.duration = time.Minute

	go func() {
		for h.tracker.State() != run.StateExecuting {
			time.Sleep(time.Millisecond)
		}
		h.tracker.Kill(model.ReasonKilledByRequest)
	}()

	final := h.tracker.Process(context.Background())
	assert.Equal(t, run.StateKilled, final)
	assert.Equal(t, []string{"mem://bundles/t-1/out"}, h.artifacts.pushed)
	assert.Empty(t, h.artifacts.discarded)
}

func TestProcessClusterFormationTimeout(t *testing.T) {
	task := singleNodeTask()
	task.Class = model.ResourceClassMPI
	task.JobID = "job-1"
	task.NodeCount = 3
	h := newHarness(t, task, func(deps *Dependencies, _ *Config) {
		deps.Cluster = &fakeCluster{
			err: fmt.Errorf("job job-1 assembled 2 of 3 nodes: %w", cluster.ErrFormationTimeout),
		}
	})

	final := h.tracker.Process(context.Background())

	assert.Equal(t, run.StateFailed, final)
	assert.Equal(t, model.ReasonClusterFormationTimeout, h.tracker.Reason())
	// No execution attempted after a failed formation.
	assert.Nil(t, h.launcher.process)
}

func TestPeerReportsDistributedRunFailure(t *testing.T) {
	share := t.TempDir()
	task := singleNodeTask()
	task.Class = model.ResourceClassMPI
	task.JobID = "job-1"
	task.NodeCount = 2
	task.Commands = []model.Command{{Cmd: "solver", MPI: true}}

	// The initiator already published a nonzero outcome on the share.
	marker := filepath.Join(share, task.ID+".done")
	assert.NoError(t, os.WriteFile(marker, []byte("7"), 0o644))

	h := newHarness(t, task, func(deps *Dependencies, _ *Config) {
		deps.Cluster = &fakeCluster{membership: &cluster.Membership{
			JobID:     "job-1",
			Peers:     []string{"10.0.0.1", "10.0.0.2"},
			Address:   "10.0.0.2",
			SharePath: share,
		}}
		deps.Launcher = launcher.NewMPILauncher(launcher.MPIConfig{
			MarkerPollInterval: 5 * time.Millisecond,
		}, nil)
	})

	final := h.tracker.Process(context.Background())

	assert.Equal(t, run.StateFailed, final)
	assert.Equal(t, model.ReasonExecutionNonzeroExit, h.tracker.Reason())

	events := h.sink.Events()
	last := events[len(events)-1]
	assert.Equal(t, "7", last.Detail["exitCode"])
}

func TestProcessLaunchFailure(t *testing.T) {
	h := newHarness(t, singleNodeTask(), nil)
	h.launcher.err = fmt.Errorf("image missing")

	final := h.tracker.Process(context.Background())
	assert.Equal(t, run.StateFailed, final)
	assert.Equal(t, model.ReasonExecutionNonzeroExit, h.tracker.Reason())
}

func TestProcessKillBeforeStart(t *testing.T) {
	h := newHarness(t, singleNodeTask(), nil)
	h.tracker.Kill(model.ReasonWorkerShutdown)

	final := h.tracker.Process(context.Background())
	assert.Equal(t, run.StateKilled, final)
	assert.Equal(t, model.ReasonWorkerShutdown, h.tracker.Reason())
}

func TestTerminalEventCarriesLogTail(t *testing.T) {
	h := newHarness(t, singleNodeTask(), nil)
	_, _ = h.tracker.Run().LogTail().Write([]byte("solver diverged\n"))
	h.launcher.exitCode = 1

	h.tracker.Process(context.Background())

	events := h.sink.Events()
	last := events[len(events)-1]
	assert.Equal(t, run.StateFailed, last.State)
	assert.Contains(t, last.LogTail, "solver diverged")
}
