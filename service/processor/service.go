// Package processor is the process-wide consumer loop: it claims tasks from
// the shared queue up to the worker capacity, spawns a tracker per claim and
// coordinates worker-level draining on shutdown.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inductiva/task-runner/internal/backoff"
	"github.com/inductiva/task-runner/model"
	"github.com/inductiva/task-runner/progress"
	"github.com/inductiva/task-runner/runtime/run"
	"github.com/inductiva/task-runner/service/messaging"
	"github.com/inductiva/task-runner/service/tracker"
	"github.com/inductiva/task-runner/tracing"
)

// Config bounds the consumer loop.
type Config struct {
	// Capacity is the maximum number of concurrently running tasks.
	Capacity int

	// DrainGrace is how long Shutdown waits for in-flight tasks before
	// force-killing survivors.
	DrainGrace time.Duration

	// IdleTimeout stops the loop after this long without a claim and with no
	// running tasks. Zero runs forever.
	IdleTimeout time.Duration

	// ClaimBackoff paces reconnection attempts when the queue is unreachable
	// and acknowledgment retries on terminal states.
	ClaimBackoff backoff.Policy

	// Tracker configures the per-task state machines this loop spawns.
	Tracker tracker.Config
}

// DefaultConfig returns the default consumer loop configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:     1,
		DrainGrace:   time.Minute,
		ClaimBackoff: backoff.DefaultPolicy(),
	}
}

// Service drives the worker: one claim loop, up to Capacity concurrent
// trackers. The registry of running tasks is owned by the loop and passed to
// nothing; collaborators see individual trackers only.
type Service struct {
	config Config
	queue  messaging.Queue[model.Task]
	deps   tracker.Dependencies

	progress *progress.Progress
	logger   *zap.SugaredLogger

	mux     sync.Mutex
	running map[string]*tracker.Tracker

	slots        chan struct{}
	taskWg       sync.WaitGroup
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New creates a consumer loop service.
func New(options ...Option) (*Service, error) {
	s := &Service{
		config:     DefaultConfig(),
		running:    make(map[string]*tracker.Tracker),
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.queue == nil {
		return nil, fmt.Errorf("task queue is required")
	}
	if s.deps.Artifacts == nil {
		return nil, fmt.Errorf("artifact client is required")
	}
	if s.deps.Launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if s.deps.Reporter == nil {
		return nil, fmt.Errorf("event reporter is required")
	}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	if s.progress == nil {
		s.progress = progress.New("")
	}
	if s.deps.Logger == nil {
		s.deps.Logger = s.logger
	}
	if s.config.Capacity < 1 {
		s.config.Capacity = 1
	}
	s.slots = make(chan struct{}, s.config.Capacity)
	return s, nil
}

// Progress returns the worker counters, nil unless configured.
func (s *Service) Progress() *progress.Progress {
	return s.progress
}

// Running returns the ids of tasks currently owned by this worker.
func (s *Service) Running() []string {
	s.mux.Lock()
	defer s.mux.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// Start runs the claim loop until Shutdown is called, the context is
// cancelled, or the idle timeout elapses. It blocks.
func (s *Service) Start(ctx context.Context) error {
	lastClaim := time.Now()
	failures := 0
	for {
		select {
		case <-s.shutdownCh:
			return nil
		case <-ctx.Done():
			return nil
		case s.slots <- struct{}{}:
		}

		message, err := s.queue.Consume(ctx)
		if err != nil {
			<-s.slots
			switch {
			case errors.Is(err, messaging.ErrNoMessage):
				failures = 0
				if s.idle(lastClaim) {
					s.logger.Infow("idle timeout reached, stopping claim loop")
					return nil
				}
			case ctx.Err() != nil:
				return nil
			default:
				// Queue connection lost. Claimed tasks keep running locally;
				// claims resume once connectivity is back.
				failures++
				delay := s.config.ClaimBackoff.Delay(failures - 1)
				s.logger.Warnw("claim failed, backing off", "delay", delay, "error", err)
				select {
				case <-time.After(delay):
				case <-s.shutdownCh:
					return nil
				case <-ctx.Done():
					return nil
				}
			}
			continue
		}
		failures = 0
		lastClaim = time.Now()
		s.spawn(ctx, message)
	}
}

func (s *Service) idle(lastClaim time.Time) bool {
	if s.config.IdleTimeout <= 0 {
		return false
	}
	s.mux.Lock()
	busy := len(s.running) > 0
	s.mux.Unlock()
	return !busy && time.Since(lastClaim) > s.config.IdleTimeout
}

// spawn validates the claim and hands it to a new tracker. The slot is
// released when the tracker reaches a terminal state.
func (s *Service) spawn(ctx context.Context, message messaging.Message[model.Task]) {
	task := message.T()
	if err := task.Validate(); err != nil {
		// Malformed claims are acknowledged so they do not loop forever.
		s.logger.Errorw("rejecting invalid task", "error", err)
		if ackErr := message.Ack(); ackErr != nil {
			s.logger.Warnw("failed to ack invalid task", "error", ackErr)
		}
		<-s.slots
		return
	}

	s.mux.Lock()
	if _, exists := s.running[task.ID]; exists {
		s.mux.Unlock()
		// A duplicate delivery while the first claim is still live; leave it
		// to the visibility window.
		s.logger.Warnw("duplicate claim rejected", "taskID", task.ID)
		if nackErr := message.Nack(fmt.Errorf("task %s already running", task.ID)); nackErr != nil {
			s.logger.Warnw("failed to release duplicate claim", "taskID", task.ID, "error", nackErr)
		}
		<-s.slots
		return
	}
	t := tracker.New(task, s.deps, s.config.Tracker)
	s.running[task.ID] = t
	s.mux.Unlock()

	s.progress.Update(progress.Delta{Claimed: 1, Running: 1})
	s.logger.Infow("claimed task", "taskID", task.ID, "class", task.Class)

	s.taskWg.Add(1)
	go func() {
		defer s.taskWg.Done()
		defer func() { <-s.slots }()

		taskCtx, span := tracing.StartSpan(ctx, fmt.Sprintf("task.process %s", task.ID), "INTERNAL")
		state := t.Process(taskCtx)
		tracing.EndSpan(span, nil)

		s.mux.Lock()
		delete(s.running, task.ID)
		s.mux.Unlock()
		s.progress.Update(terminalDelta(state))
		s.logger.Infow("task finished", "taskID", task.ID, "state", state, "reason", t.Reason())

		s.settle(taskCtx, message, task.ID)
	}()
}

// settle acknowledges the claim after the terminal state. Failures are
// retried so that a temporary queue outage does not resurrect a finished
// task; on exhaustion the visibility window re-delivers and the control plane
// reconciles via the terminal event.
func (s *Service) settle(ctx context.Context, message messaging.Message[model.Task], taskID string) {
	err := backoff.Retry(context.WithoutCancel(ctx), s.config.ClaimBackoff, func() error {
		return message.Ack()
	})
	if err != nil {
		s.logger.Errorw("failed to acknowledge finished task", "taskID", taskID, "error", err)
	}
}

func terminalDelta(state run.TaskState) progress.Delta {
	delta := progress.Delta{Running: -1}
	switch state {
	case run.StateSucceeded:
		delta.Succeeded = 1
	case run.StateKilled:
		delta.Killed = 1
	default:
		delta.Failed = 1
	}
	return delta
}

// Shutdown drains the worker: claiming stops immediately, in-flight trackers
// get the grace period to finish, survivors are killed with the shutdown
// reason, and the call returns once every tracker settled.
func (s *Service) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		s.logger.Infow("draining worker", "grace", s.config.DrainGrace, "running", len(s.Running()))

		finished := make(chan struct{})
		go func() {
			s.taskWg.Wait()
			close(finished)
		}()
		select {
		case <-finished:
			return
		case <-time.After(s.config.DrainGrace):
		}

		s.mux.Lock()
		survivors := make([]*tracker.Tracker, 0, len(s.running))
		for _, t := range s.running {
			survivors = append(survivors, t)
		}
		s.mux.Unlock()
		for _, t := range survivors {
			t.Kill(model.ReasonWorkerShutdown)
		}
		<-finished
	})
}
