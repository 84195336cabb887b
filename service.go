package taskrunner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/inductiva/task-runner/internal/backoff"
	"github.com/inductiva/task-runner/internal/logger"
	"github.com/inductiva/task-runner/model"
	"github.com/inductiva/task-runner/progress"
	"github.com/inductiva/task-runner/service/artifact"
	"github.com/inductiva/task-runner/service/cluster"
	"github.com/inductiva/task-runner/service/event"
	"github.com/inductiva/task-runner/service/image"
	"github.com/inductiva/task-runner/service/launcher"
	"github.com/inductiva/task-runner/service/messaging"
	mfs "github.com/inductiva/task-runner/service/messaging/fs"
	mmemory "github.com/inductiva/task-runner/service/messaging/memory"
	mredis "github.com/inductiva/task-runner/service/messaging/redis"
	"github.com/inductiva/task-runner/service/processor"
	"github.com/inductiva/task-runner/service/tracker"
)

// Service is the composed worker agent: queue, tracker collaborators and the
// consumer loop, wired from one immutable Config. Collaborators not supplied
// through options fall back to local-mode defaults (memory vendors, bare
// process execution).
type Service struct {
	config *Config
	logger *zap.SugaredLogger

	client    goredis.UniversalClient
	queue     messaging.Queue[model.Task]
	sink      event.Sink
	commands  messaging.CommandListener
	artifacts tracker.Artifacts
	images    tracker.Images
	coord     tracker.Cluster
	launch    launcher.Launcher
	probe     cluster.Probe

	progress  *progress.Progress
	processor *processor.Service
}

// New composes a worker from the configuration and options.
func New(config *Config, options ...Option) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Service{config: config}
	for _, option := range options {
		option(s)
	}
	if err := s.ensureBaseSetup(); err != nil {
		return nil, err
	}

	deps := tracker.Dependencies{
		Artifacts: s.artifacts,
		Images:    s.images,
		Cluster:   s.coord,
		Launcher:  s.launch,
		Reporter:  event.NewReporter(s.sink, s.config.Worker.ID, s.config.Events.Retry, s.logger.Named("events")),
		Commands:  s.commands,
		Logger:    s.logger.Named("tracker"),
	}
	var err error
	s.processor, err = processor.New(
		processor.WithQueue(s.queue),
		processor.WithDependencies(deps),
		processor.WithConfig(processor.Config{
			Capacity:     s.config.Worker.Capacity,
			DrainGrace:   s.config.Worker.DrainGrace,
			IdleTimeout:  s.config.Worker.IdleTimeout,
			ClaimBackoff: backoff.DefaultPolicy(),
			Tracker: tracker.Config{
				WorkRoot:             s.config.Worker.WorkRoot,
				KillGrace:            s.config.Worker.KillGrace,
				PreserveOutputOnKill: s.config.Worker.PreserveOutputOnKill,
				PreserveWorkdir:      s.config.Worker.PreserveWorkdir,
			},
		}),
		processor.WithProgress(s.progress),
		processor.WithLogger(s.logger.Named("processor")),
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) ensureBaseSetup() error {
	if s.config.Worker.ID == "" {
		s.config.Worker.ID = "worker-" + uuid.New().String()
	}
	if s.logger == nil {
		s.logger = logger.New(s.config.Logging).Sugar()
	}
	if s.progress == nil {
		s.progress = progress.New(s.config.Worker.ID)
	}

	if s.config.Queue.Vendor == "redis" {
		if s.client == nil {
			s.client = goredis.NewClient(&goredis.Options{
				Addr:     s.config.Queue.Addr,
				Password: s.config.Queue.Password,
				DB:       s.config.Queue.DB,
			})
		}
		if s.queue == nil {
			queueConfig := s.config.Queue.Stream
			if queueConfig.Consumer == "" {
				queueConfig.Consumer = s.config.Worker.ID
			}
			queue, err := mredis.NewQueue[model.Task](s.client, queueConfig)
			if err != nil {
				return fmt.Errorf("failed to create task queue: %w", err)
			}
			s.queue = queue
		}
		if s.sink == nil {
			s.sink = event.NewRedisSink(s.client, s.config.Events.Stream)
		}
		if s.commands == nil {
			s.commands = mredis.NewCommandListener(s.client)
		}
	}
	if s.config.Queue.Vendor == "fs" && s.queue == nil {
		spoolConfig := s.config.Queue.Spool
		if spoolConfig.BlockTimeout == 0 {
			spoolConfig.BlockTimeout = time.Second
		}
		queue, err := mfs.NewQueue[model.Task](nil, spoolConfig)
		if err != nil {
			return fmt.Errorf("failed to create task queue: %w", err)
		}
		s.queue = queue
	}
	if s.queue == nil {
		queueConfig := mmemory.DefaultConfig()
		// Bounded blocking keeps the claim loop responsive to shutdown and
		// idle-timeout checks.
		queueConfig.BlockTimeout = time.Second
		s.queue = mmemory.NewQueue[model.Task](queueConfig)
	}
	if s.sink == nil {
		s.sink = event.NewMemorySink()
	}
	if s.commands == nil {
		s.commands = mmemory.NewCommandListener()
	}

	if s.artifacts == nil {
		s.artifacts = artifact.New(s.config.Artifact.Retry, s.logger.Named("artifact"))
	}
	if s.images == nil && s.config.Images.CacheDir != "" {
		images, err := image.New(s.config.Images.CacheDir, s.config.Images.RemoteURL, nil, s.logger.Named("image"))
		if err != nil {
			return err
		}
		s.images = images
	}
	if s.coord == nil && s.config.Cluster.Address != "" {
		var rendezvous cluster.Rendezvous
		if s.client != nil {
			rendezvous = cluster.NewRedisRendezvous(s.client)
		} else {
			rendezvous = cluster.NewMemoryRendezvous()
		}
		if s.probe == nil && s.config.Cluster.SSHCredentials != "" {
			s.probe = cluster.NewSSHProbe(s.config.Cluster.SSHCredentials)
		}
		coordinator := cluster.NewCoordinator(rendezvous, s.probe,
			s.config.Cluster.Address, s.config.Cluster.SharePath, s.logger.Named("cluster"))
		if s.config.Cluster.FormationDeadline > 0 {
			coordinator.FormationDeadline = s.config.Cluster.FormationDeadline
		}
		if s.config.Cluster.PollInterval > 0 {
			coordinator.PollInterval = s.config.Cluster.PollInterval
		}
		s.coord = coordinator
	}
	if s.launch == nil {
		s.launch = launcher.New(s.config.MPI, s.logger.Named("launcher"))
	}
	return nil
}

// Queue exposes the task queue, mainly so that local-mode callers can publish
// work into the memory vendor.
func (s *Service) Queue() messaging.Queue[model.Task] {
	return s.queue
}

// Commands exposes the per-task command channel.
func (s *Service) Commands() messaging.CommandListener {
	return s.commands
}

// Progress returns the worker counters.
func (s *Service) Progress() *progress.Progress {
	return s.progress
}

// Events returns the event sink the worker publishes to.
func (s *Service) Events() event.Sink {
	return s.sink
}

// Start runs the consumer loop until Shutdown, context cancellation or idle
// timeout. It blocks.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Infow("worker starting",
		"workerID", s.config.Worker.ID,
		"machineGroup", s.config.Worker.MachineGroup,
		"capacity", s.config.Worker.Capacity,
		"queueVendor", s.config.Queue.Vendor)
	return s.processor.Start(ctx)
}

// Shutdown drains the worker and releases shared connections.
func (s *Service) Shutdown() {
	s.processor.Shutdown()
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Warnw("failed to close queue connection", "error", err)
		}
	}
	_ = s.logger.Sync()
}
