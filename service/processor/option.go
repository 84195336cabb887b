package processor

import (
	"go.uber.org/zap"

	"github.com/inductiva/task-runner/model"
	"github.com/inductiva/task-runner/progress"
	"github.com/inductiva/task-runner/service/messaging"
	"github.com/inductiva/task-runner/service/tracker"
)

// Option customises the consumer loop service.
type Option func(*Service)

// WithQueue sets the task queue the loop claims from.
func WithQueue(queue messaging.Queue[model.Task]) Option {
	return func(s *Service) {
		s.queue = queue
	}
}

// WithDependencies sets the collaborators handed to every spawned tracker.
func WithDependencies(deps tracker.Dependencies) Option {
	return func(s *Service) {
		s.deps = deps
	}
}

// WithConfig sets the loop configuration.
func WithConfig(config Config) Option {
	return func(s *Service) {
		s.config = config
	}
}

// WithCapacity sets the maximum number of concurrently running tasks.
func WithCapacity(capacity int) Option {
	return func(s *Service) {
		s.config.Capacity = capacity
	}
}

// WithProgress registers worker counters updated on claim and terminal state.
func WithProgress(p *progress.Progress) Option {
	return func(s *Service) {
		s.progress = p
	}
}

// WithLogger sets the loop logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}
