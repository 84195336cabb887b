package taskrunner

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/inductiva/task-runner/internal/backoff"
	"github.com/inductiva/task-runner/internal/logger"
	"github.com/inductiva/task-runner/service/launcher"
	fsq "github.com/inductiva/task-runner/service/messaging/fs"
	redisq "github.com/inductiva/task-runner/service/messaging/redis"
)

// Config is a serialisable representation of the worker configuration. It can
// be populated from YAML or environment overrides; it is immutable after
// start and passed by reference to every component. The zero-value is useful
// in local mode since all nested fields inherit their package defaults.
type Config struct {
	Worker   WorkerConfig   `json:"worker" yaml:"worker"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Events   EventsConfig   `json:"events" yaml:"events"`
	Artifact ArtifactConfig `json:"artifact" yaml:"artifact"`
	Images   ImagesConfig   `json:"images" yaml:"images"`
	Cluster  ClusterConfig  `json:"cluster" yaml:"cluster"`
	MPI      launcher.MPIConfig `json:"mpi" yaml:"mpi"`
	Logging  logger.Config      `json:"logging" yaml:"logging"`
}

// WorkerConfig is the process-wide worker identity and capacity.
type WorkerConfig struct {
	// ID is the queue consumer name; it must be unique among workers sharing
	// a group. Empty generates one.
	ID string `json:"id" yaml:"id"`

	// MachineGroup names the pool this worker belongs to, informative only.
	MachineGroup string `json:"machineGroup" yaml:"machineGroup"`

	// Capacity is the maximum number of concurrently running tasks.
	Capacity int `json:"capacity" yaml:"capacity"`

	// WorkRoot is where per-task working directories live.
	WorkRoot string `json:"workRoot" yaml:"workRoot"`

	// DrainGrace bounds shutdown draining; KillGrace bounds graceful process
	// termination before force kill.
	DrainGrace time.Duration `json:"drainGrace" yaml:"drainGrace"`
	KillGrace  time.Duration `json:"killGrace" yaml:"killGrace"`

	// IdleTimeout stops the worker after this long without claims; zero
	// runs forever.
	IdleTimeout time.Duration `json:"idleTimeout" yaml:"idleTimeout"`

	// PreserveOutputOnKill uploads partial output of killed tasks instead of
	// discarding it; PreserveWorkdir keeps working directories for debugging.
	PreserveOutputOnKill bool `json:"preserveOutputOnKill" yaml:"preserveOutputOnKill"`
	PreserveWorkdir      bool `json:"preserveWorkdir" yaml:"preserveWorkdir"`
}

// QueueConfig selects and configures the queue vendor.
type QueueConfig struct {
	// Vendor is "memory", "redis" or "fs". Empty means memory (local mode).
	Vendor string `json:"vendor" yaml:"vendor"`

	// Redis connection and stream settings, used when Vendor is "redis".
	Addr     string        `json:"addr" yaml:"addr"`
	Password string        `json:"password" yaml:"password"`
	DB       int           `json:"db" yaml:"db"`
	Stream   redisq.Config `json:"stream" yaml:"stream"`

	// Spool settings, used when Vendor is "fs".
	Spool fsq.Config `json:"spool" yaml:"spool"`
}

// EventsConfig configures the lifecycle event sink.
type EventsConfig struct {
	// Stream is the Redis stream lifecycle events are appended to.
	Stream string `json:"stream" yaml:"stream"`

	// Retry bounds publish attempts before an event is dropped.
	Retry backoff.Policy `json:"retry" yaml:"retry"`
}

// ArtifactConfig configures bundle transfers.
type ArtifactConfig struct {
	// Retry bounds fetch/push attempts before the task fails.
	Retry backoff.Policy `json:"retry" yaml:"retry"`
}

// ImagesConfig configures the container image cache.
type ImagesConfig struct {
	// CacheDir is the local .sif cache; empty disables containerised
	// execution (bare local mode).
	CacheDir string `json:"cacheDir" yaml:"cacheDir"`

	// RemoteURL optionally points at a warm cache of pre-built images.
	RemoteURL string `json:"remoteURL" yaml:"remoteURL"`
}

// ClusterConfig configures multi-node membership formation.
type ClusterConfig struct {
	// Address is this worker's reachable network address, required for
	// multi-node tasks.
	Address string `json:"address" yaml:"address"`

	// SharePath is the filesystem path shared by all cluster members.
	SharePath string `json:"sharePath" yaml:"sharePath"`

	// SSHCredentials is a secret resource providing the peer-probe identity;
	// empty skips reachability probing.
	SSHCredentials string `json:"sshCredentials" yaml:"sshCredentials"`

	FormationDeadline time.Duration `json:"formationDeadline" yaml:"formationDeadline"`
	PollInterval      time.Duration `json:"pollInterval" yaml:"pollInterval"`
}

// DefaultConfig returns a Config suitable for a single-node local-mode
// worker. Callers may modify the returned struct before passing it to New.
func DefaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			Capacity:   1,
			WorkRoot:   os.TempDir(),
			DrainGrace: time.Minute,
			KillGrace:  30 * time.Second,
		},
		Queue: QueueConfig{
			Vendor: "memory",
			Stream: redisq.DefaultConfig(),
		},
		Events: EventsConfig{
			Stream: "events",
			Retry:  backoff.DefaultPolicy(),
		},
		Artifact: ArtifactConfig{
			Retry: backoff.DefaultPolicy(),
		},
		Cluster: ClusterConfig{
			FormationDeadline: 5 * time.Minute,
			PollInterval:      500 * time.Millisecond,
		},
		MPI: launcher.MPIConfig{
			ExtraArgs: []string{"--allow-run-as-root"},
		},
	}
}

// Validate returns an error describing invalid settings or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	if c.Worker.Capacity <= 0 {
		return fmt.Errorf("worker.capacity must be > 0")
	}
	if c.Worker.WorkRoot == "" {
		return fmt.Errorf("worker.workRoot is required")
	}
	switch c.Queue.Vendor {
	case "", "memory":
	case "redis":
		if c.Queue.Addr == "" {
			return fmt.Errorf("queue.addr is required for the redis vendor")
		}
	case "fs":
		if c.Queue.Spool.BaseURL == "" {
			return fmt.Errorf("queue.spool.baseURL is required for the fs vendor")
		}
	default:
		return fmt.Errorf("unknown queue vendor: %q", c.Queue.Vendor)
	}
	return nil
}

// LoadConfig reads a YAML configuration file on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
