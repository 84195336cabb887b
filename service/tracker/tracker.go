// Package tracker owns a single claimed task from claim to terminal state.
// It drives the artifact, image, cluster and launcher services through the
// lifecycle state machine and emits exactly one event per transition.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inductiva/task-runner/model"
	"github.com/inductiva/task-runner/runtime/run"
	"github.com/inductiva/task-runner/service/cluster"
	"github.com/inductiva/task-runner/service/event"
	"github.com/inductiva/task-runner/service/image"
	"github.com/inductiva/task-runner/service/launcher"
	"github.com/inductiva/task-runner/service/messaging"
)

// Artifacts is the bundle transfer capability the tracker depends on.
type Artifacts interface {
	Fetch(ctx context.Context, bundleRef, destDir string) error
	Push(ctx context.Context, srcDir, bundleRef string) error
	Discard(ctx context.Context, bundleRef string) error
}

// Images resolves a container image reference to a local file.
type Images interface {
	Get(ctx context.Context, imageRef string) (*image.Ref, error)
}

// Cluster forms multi-node membership.
type Cluster interface {
	Form(ctx context.Context, jobID string, nodes int) (*cluster.Membership, error)
}

// Reporter publishes lifecycle events.
type Reporter interface {
	Report(ctx context.Context, e *event.Event)
}

// Dependencies are the collaborators a tracker drives. Images, Cluster and
// Commands may be nil when the task does not need them.
type Dependencies struct {
	Artifacts Artifacts
	Images    Images
	Cluster   Cluster
	Launcher  launcher.Launcher
	Reporter  Reporter
	Commands  messaging.CommandListener
	Logger    *zap.SugaredLogger
}

// Config bounds the tracker's own behavior; collaborator retry policies live
// with the collaborators.
type Config struct {
	// WorkRoot is where per-task working directories are created.
	WorkRoot string

	// KillGrace is the graceful-termination window before force kill.
	KillGrace time.Duration

	// PreserveOutputOnKill uploads whatever output exists when a task is
	// killed instead of discarding it.
	PreserveOutputOnKill bool

	// PreserveWorkdir skips working-directory removal on terminal states,
	// retained for debugging.
	PreserveWorkdir bool
}

// Tracker is the state machine for one claimed task. It is created per claim
// and discarded once a terminal state is reached; no two trackers ever share
// a working directory or process group.
type Tracker struct {
	task   *model.Task
	run    *run.Run
	deps   Dependencies
	config Config

	mux     sync.Mutex
	state   run.TaskState
	reason  model.Reason
	process launcher.Process
	cancel  context.CancelFunc

	killOnce   sync.Once
	killReason model.Reason
	killed     chan struct{}

	done chan struct{}
}

// New creates a tracker for a freshly claimed task.
func New(task *model.Task, deps Dependencies, config Config) *Tracker {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if config.KillGrace <= 0 {
		config.KillGrace = 30 * time.Second
	}
	workdir := filepath.Join(config.WorkRoot, task.ID)
	return &Tracker{
		task:   task,
		run:    run.New(task.ID, workdir, nil),
		deps:   deps,
		config: config,
		killed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Task returns the tracked task.
func (t *Tracker) Task() *model.Task {
	return t.task
}

// Run returns the task's execution record.
func (t *Tracker) Run() *run.Run {
	return t.run
}

// State returns the current lifecycle state.
func (t *Tracker) State() run.TaskState {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.state
}

// Reason returns the terminal reason, empty until a terminal state.
func (t *Tracker) Reason() model.Reason {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.reason
}

// Done closes when the task reached a terminal state.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Kill requests cancellation with the given reason. It is idempotent and may
// arrive in any state: the in-flight phase is interrupted, any running
// process group is terminated within the grace period, and the task ends
// KILLED.
func (t *Tracker) Kill(reason model.Reason) {
	t.killOnce.Do(func() {
		t.mux.Lock()
		t.killReason = reason
		process := t.process
		cancel := t.cancel
		t.mux.Unlock()
		close(t.killed)
		t.deps.Logger.Infow("kill requested", "taskID", t.task.ID, "reason", reason)
		go func() {
			if process != nil {
				if err := process.Terminate(t.config.KillGrace); err != nil {
					t.deps.Logger.Warnw("terminate failed", "taskID", t.task.ID, "error", err)
				}
			}
			if cancel != nil {
				cancel()
			}
		}()
	})
}

func (t *Tracker) killRequested() bool {
	select {
	case <-t.killed:
		return true
	default:
		return false
	}
}

// Process drives the task to a terminal state and returns it. It must be
// called exactly once.
func (t *Tracker) Process(ctx context.Context) run.TaskState {
	defer close(t.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.mux.Lock()
	t.cancel = cancel
	t.mux.Unlock()
	if t.killRequested() {
		// Kill arrived before processing started.
		cancel()
	}

	if t.deps.Commands != nil {
		go t.watchCommands(ctx)
		defer func() {
			unblockCtx, unblockCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer unblockCancel()
			_ = t.deps.Commands.Unblock(unblockCtx, t.task.ID)
		}()
	}

	t.transition(ctx, run.StateClaimed, nil)

	detail := map[string]string{}
	if !t.fetchInput(ctx, detail) {
		t.cleanup()
		return t.State()
	}
	spec, ok := t.prepareEnv(ctx, detail)
	if !ok {
		t.cleanup()
		return t.State()
	}
	if !t.execute(ctx, spec, detail) {
		t.cleanup()
		return t.State()
	}
	if !t.uploadOutput(ctx, detail) {
		t.cleanup()
		return t.State()
	}
	t.terminal(ctx, run.StateSucceeded, "", detail)
	t.cleanup()
	return t.State()
}

// fetchInput materialises the input bundle into a fresh working directory.
func (t *Tracker) fetchInput(ctx context.Context, detail map[string]string) bool {
	if !t.transition(ctx, run.StateFetchingInput, nil) {
		return false
	}
	if err := os.MkdirAll(t.run.Dir, 0o755); err != nil {
		return t.fail(ctx, model.ReasonInputFetchError, err, detail)
	}
	started := time.Now()
	if err := t.deps.Artifacts.Fetch(ctx, t.task.InputBundle, t.run.Dir); err != nil {
		return t.fail(ctx, model.ReasonInputFetchError, err, detail)
	}
	detail["inputFetchMs"] = durationMs(started)
	return true
}

// prepareEnv resolves the container image and, for multi-node tasks, blocks
// on cluster membership formation.
func (t *Tracker) prepareEnv(ctx context.Context, detail map[string]string) (*launcher.Spec, bool) {
	if !t.transition(ctx, run.StatePreparingEnv, nil) {
		return nil, false
	}
	spec := &launcher.Spec{Task: t.task, Run: t.run}

	if t.task.Image != "" {
		if t.deps.Images == nil {
			t.fail(ctx, model.ReasonExecutionNonzeroExit,
				fmt.Errorf("task %s requires image %s but no image manager is configured", t.task.ID, t.task.Image), detail)
			return nil, false
		}
		ref, err := t.deps.Images.Get(ctx, t.task.Image)
		if err != nil {
			t.fail(ctx, model.ReasonExecutionNonzeroExit, err, detail)
			return nil, false
		}
		spec.ImagePath = ref.Path
		detail["imageSource"] = string(ref.Source)
		detail["imageFetchMs"] = strconv.FormatInt(ref.FetchDuration.Milliseconds(), 10)
	}

	if t.task.Class.MultiNode() {
		if t.deps.Cluster == nil {
			t.fail(ctx, model.ReasonClusterFormationTimeout,
				fmt.Errorf("task %s requires a cluster but no coordinator is configured", t.task.ID), detail)
			return nil, false
		}
		membership, err := t.deps.Cluster.Form(ctx, t.task.JobID, t.task.NodeCount)
		if err != nil {
			reason := model.ReasonExecutionNonzeroExit
			if errors.Is(err, cluster.ErrFormationTimeout) {
				reason = model.ReasonClusterFormationTimeout
			}
			t.fail(ctx, reason, err, detail)
			return nil, false
		}
		spec.Membership = membership
	}
	return spec, true
}

// execute launches the run and waits for it, enforcing the task time limit
// through a watchdog on the same termination path as external kills.
func (t *Tracker) execute(ctx context.Context, spec *launcher.Spec, detail map[string]string) bool {
	if t.killRequested() {
		return t.fail(ctx, t.killReason, nil, detail)
	}
	process, err := t.deps.Launcher.Launch(ctx, spec)
	if err != nil {
		return t.fail(ctx, model.ReasonExecutionNonzeroExit, err, detail)
	}
	t.mux.Lock()
	t.process = process
	t.mux.Unlock()
	if t.killRequested() {
		// Kill arrived between launch and registration; terminate directly.
		_ = process.Terminate(t.config.KillGrace)
	}
	if !t.transition(ctx, run.StateExecuting, nil) {
		_ = process.Terminate(t.config.KillGrace)
		return false
	}

	timedOut := t.waitWithWatchdog(ctx, process)
	code, _ := t.run.Exit()
	detail["exitCode"] = strconv.Itoa(code)
	detail["executionMs"] = strconv.FormatInt(time.Since(t.run.StartedAt).Milliseconds(), 10)

	switch {
	case t.killRequested():
		return t.fail(ctx, t.killReason, nil, detail)
	case timedOut:
		return t.fail(ctx, model.ReasonExecutionTimeout,
			fmt.Errorf("task exceeded time limit of %s", t.task.TTL()), detail)
	case code != 0:
		return t.fail(ctx, model.ReasonExecutionNonzeroExit,
			fmt.Errorf("run exited with code %d", code), detail)
	}
	return true
}

// waitWithWatchdog blocks until the run completes, terminating it if the
// declared time limit elapses first. Returns whether the watchdog fired.
func (t *Tracker) waitWithWatchdog(ctx context.Context, process launcher.Process) bool {
	waitCtx := context.WithoutCancel(ctx)
	ttl := t.task.TTL()
	if ttl <= 0 {
		_, _ = process.Wait(waitCtx)
		return false
	}
	waitDone := make(chan struct{})
	fired := make(chan struct{})
	go func() {
		select {
		case <-time.After(ttl):
			close(fired)
			if err := process.Terminate(t.config.KillGrace); err != nil {
				t.deps.Logger.Warnw("watchdog terminate failed", "taskID", t.task.ID, "error", err)
			}
		case <-waitDone:
		}
	}()
	_, _ = process.Wait(waitCtx)
	close(waitDone)
	select {
	case <-fired:
		return true
	default:
		return false
	}
}

// uploadOutput pushes the working directory to the output bundle. Killed
// tasks skip the push unless output preservation is configured.
func (t *Tracker) uploadOutput(ctx context.Context, detail map[string]string) bool {
	if !t.transition(ctx, run.StateUploadingOutput, nil) {
		return false
	}
	started := time.Now()
	if err := t.deps.Artifacts.Push(ctx, t.run.Dir, t.task.OutputBundle); err != nil {
		return t.fail(ctx, model.ReasonOutputUploadError, err, detail)
	}
	detail["outputUploadMs"] = durationMs(started)
	return true
}

// watchCommands delivers out-of-band control messages for the task.
func (t *Tracker) watchCommands(ctx context.Context) {
	for {
		command, err := t.deps.Commands.Receive(ctx, t.task.ID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.deps.Logger.Warnw("command receive failed", "taskID", t.task.ID, "error", err)
			continue
		}
		switch command {
		case messaging.CommandKill:
			t.Kill(model.ReasonKilledByRequest)
			return
		case messaging.CommandDone:
			return
		case messaging.CommandEnableLogStream, messaging.CommandDisableLogStream:
			// Log streaming is handled by the file-mirroring side-car; the
			// tracker only acknowledges the message.
			t.deps.Logger.Infow("log streaming toggled", "taskID", t.task.ID, "command", command)
		default:
			t.deps.Logger.Warnw("unknown command ignored", "taskID", t.task.ID, "command", command)
		}
	}
}

// transition moves to next and emits the corresponding event. Returns false
// when the move is illegal, which happens only when a kill raced the phase;
// the caller then stops driving the happy path.
func (t *Tracker) transition(ctx context.Context, next run.TaskState, detail map[string]string) bool {
	t.mux.Lock()
	if t.state != "" && !t.state.CanTransition(next) {
		t.mux.Unlock()
		return false
	}
	t.state = next
	t.mux.Unlock()
	t.deps.Reporter.Report(context.WithoutCancel(ctx), &event.Event{
		TaskID: t.task.ID,
		State:  next,
		Detail: detail,
	})
	return true
}

// fail drives the task to the terminal state the reason maps to. A pending
// kill wins over the phase's own failure reason.
func (t *Tracker) fail(ctx context.Context, reason model.Reason, err error, detail map[string]string) bool {
	if t.killRequested() {
		reason = t.killReason
	}
	if err != nil {
		t.deps.Logger.Warnw("task failed", "taskID", t.task.ID, "reason", reason, "error", err)
		if detail != nil {
			detail["error"] = err.Error()
		}
	}
	if reason.Killed() && t.task.OutputBundle != "" {
		cleanCtx := context.WithoutCancel(ctx)
		if t.config.PreserveOutputOnKill {
			if pushErr := t.deps.Artifacts.Push(cleanCtx, t.run.Dir, t.task.OutputBundle); pushErr != nil {
				t.deps.Logger.Warnw("failed to preserve partial output", "taskID", t.task.ID, "error", pushErr)
			}
		} else if discardErr := t.deps.Artifacts.Discard(cleanCtx, t.task.OutputBundle); discardErr != nil {
			t.deps.Logger.Warnw("failed to discard partial output", "taskID", t.task.ID, "error", discardErr)
		}
	}
	t.terminal(ctx, run.TerminalState(reason), reason, detail)
	return false
}

// terminal records the terminal state and emits the final event carrying the
// reason and the captured log tail.
func (t *Tracker) terminal(ctx context.Context, state run.TaskState, reason model.Reason, detail map[string]string) {
	t.mux.Lock()
	if t.state.Terminal() {
		t.mux.Unlock()
		return
	}
	t.state = state
	t.reason = reason
	t.mux.Unlock()
	t.deps.Reporter.Report(context.WithoutCancel(ctx), &event.Event{
		TaskID:  t.task.ID,
		State:   state,
		Reason:  reason,
		Detail:  detail,
		LogTail: t.run.LogTail().Lines(),
	})
}

// cleanup removes the task working directory unless retention is configured.
func (t *Tracker) cleanup() {
	if t.config.PreserveWorkdir {
		return
	}
	if err := os.RemoveAll(t.run.Dir); err != nil {
		t.deps.Logger.Warnw("failed to remove working directory", "taskID", t.task.ID, "error", err)
	}
}

func durationMs(since time.Time) string {
	return strconv.FormatInt(time.Since(since).Milliseconds(), 10)
}
