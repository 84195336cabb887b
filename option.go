package taskrunner

import (
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/inductiva/task-runner/model"
	"github.com/inductiva/task-runner/progress"
	"github.com/inductiva/task-runner/service/cluster"
	"github.com/inductiva/task-runner/service/event"
	"github.com/inductiva/task-runner/service/launcher"
	"github.com/inductiva/task-runner/service/messaging"
	"github.com/inductiva/task-runner/service/tracker"
	"github.com/inductiva/task-runner/tracing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Option customises the composed worker service.
type Option func(s *Service)

// WithQueue sets the task queue, overriding the configured vendor.
func WithQueue(queue messaging.Queue[model.Task]) Option {
	return func(s *Service) {
		s.queue = queue
	}
}

// WithEventSink sets the lifecycle event sink.
func WithEventSink(sink event.Sink) Option {
	return func(s *Service) {
		s.sink = sink
	}
}

// WithCommandListener sets the per-task command channel.
func WithCommandListener(listener messaging.CommandListener) Option {
	return func(s *Service) {
		s.commands = listener
	}
}

// WithRedisClient supplies a shared Redis connection instead of dialing one
// from the queue configuration.
func WithRedisClient(client goredis.UniversalClient) Option {
	return func(s *Service) {
		s.client = client
	}
}

// WithArtifacts sets the bundle transfer client.
func WithArtifacts(artifacts tracker.Artifacts) Option {
	return func(s *Service) {
		s.artifacts = artifacts
	}
}

// WithImages sets the container image resolver.
func WithImages(images tracker.Images) Option {
	return func(s *Service) {
		s.images = images
	}
}

// WithCluster sets the multi-node membership coordinator.
func WithCluster(coordinator tracker.Cluster) Option {
	return func(s *Service) {
		s.coord = coordinator
	}
}

// WithProbe sets the peer reachability probe used during cluster formation.
func WithProbe(probe cluster.Probe) Option {
	return func(s *Service) {
		s.probe = probe
	}
}

// WithLauncher sets the execution environment launcher.
func WithLauncher(launch launcher.Launcher) Option {
	return func(s *Service) {
		s.launch = launch
	}
}

// WithLogger sets the process logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		s.logger = log.Sugar()
	}
}

// WithProgress sets the worker counters.
func WithProgress(p *progress.Progress) Option {
	return func(s *Service) {
		s.progress = p
	}
}

// WithTracing configures OpenTelemetry tracing for the worker. If outputFile
// is empty the stdout exporter is used; otherwise traces are written to the
// supplied file path. Safe to call multiple times; the first successful
// initialisation wins.
func WithTracing(serviceName, serviceVersion, outputFile string) Option {
	return func(s *Service) {
		_ = tracing.Init(serviceName, serviceVersion, outputFile)
	}
}

// WithTracingExporter configures OpenTelemetry tracing using a custom
// SpanExporter, enabling OTLP, Jaeger or Zipkin integrations.
func WithTracingExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) Option {
	return func(s *Service) {
		_ = tracing.InitWithExporter(serviceName, serviceVersion, exporter)
	}
}
