package launcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/inductiva/task-runner/runtime/run"
)

// MPIConfig describes how the message-passing job runner is invoked.
type MPIConfig struct {
	// BinPathTemplate locates the mpirun binary; a "{version}" placeholder is
	// substituted with Version (e.g. "/opt/openmpi/{version}/bin/mpirun").
	BinPathTemplate string `yaml:"binPathTemplate"`
	// Version fills the template placeholder.
	Version string `yaml:"version"`
	// ExtraArgs are appended to every mpirun invocation.
	ExtraArgs []string `yaml:"extraArgs"`
	// NetworkInterface restricts MPI traffic to one interface/subnet
	// (btl_tcp_if_include); empty means no restriction.
	NetworkInterface string `yaml:"networkInterface"`
	// SlotsPerHost is the process count per hostfile entry; 0 means 1.
	SlotsPerHost int `yaml:"slotsPerHost"`
	// MarkerPollInterval is how often non-initiator peers poll the shared
	// completion marker; 0 picks a default.
	MarkerPollInterval time.Duration `yaml:"markerPollInterval"`
}

const defaultMarkerPoll = time.Second

// MPILauncher runs multi-node tasks. Only the cluster initiator launches the
// job runner; it fans the executable out to every peer over the established
// trust channel. Non-initiator peers hold their task in EXECUTING until the
// initiator publishes the run outcome on the shared path.
type MPILauncher struct {
	config MPIConfig
	logger *zap.SugaredLogger
}

// NewMPILauncher creates the multi-node launcher.
func NewMPILauncher(config MPIConfig, logger *zap.SugaredLogger) *MPILauncher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MPILauncher{config: config, logger: logger}
}

// Launch starts the job runner on the initiator and a completion watch on
// every other member.
func (l *MPILauncher) Launch(_ context.Context, spec *Spec) (Process, error) {
	if spec.Membership == nil {
		return nil, fmt.Errorf("task %s requires cluster membership", spec.Task.ID)
	}
	marker := markerPath(spec.Membership.SharePath, spec.Task.ID)
	if !spec.Membership.Initiator() {
		spec.Run.StartedAt = time.Now()
		return newPeerProcess(spec.Run, marker, l.pollInterval()), nil
	}

	hostfile := filepath.Join(spec.Run.Dir, "hostfile")
	if err := writeHostfile(hostfile, spec.Membership.Peers, l.config.SlotsPerHost); err != nil {
		return nil, err
	}
	prefix, err := l.mpirunPrefix(hostfile, len(spec.Membership.Peers))
	if err != nil {
		return nil, err
	}
	steps, err := buildSteps(spec, prefix)
	if err != nil {
		return nil, err
	}
	onExit := func(code int) {
		if err := writeMarker(marker, code); err != nil {
			l.logger.Errorw("failed to publish run outcome to peers",
				"taskID", spec.Task.ID, "marker", marker, "error", err)
		}
	}
	return startProcess(spec.Run, steps, onExit, l.logger)
}

var _ Launcher = (*MPILauncher)(nil)

func (l *MPILauncher) pollInterval() time.Duration {
	if l.config.MarkerPollInterval > 0 {
		return l.config.MarkerPollInterval
	}
	return defaultMarkerPoll
}

func (l *MPILauncher) mpirunPrefix(hostfile string, hosts int) ([]string, error) {
	bin := strings.ReplaceAll(l.config.BinPathTemplate, "{version}", l.config.Version)
	if bin == "" {
		bin = "mpirun"
	} else if strings.Contains(bin, string(os.PathSeparator)) {
		if _, err := os.Stat(bin); err != nil {
			return nil, fmt.Errorf("mpirun binary not available: %w", err)
		}
	}
	slots := l.config.SlotsPerHost
	if slots <= 0 {
		slots = 1
	}
	prefix := []string{bin, "--hostfile", hostfile, "-np", strconv.Itoa(hosts * slots)}
	prefix = append(prefix, l.config.ExtraArgs...)
	if l.config.NetworkInterface != "" {
		prefix = append(prefix, "--mca", "btl_tcp_if_include", l.config.NetworkInterface)
	}
	return prefix, nil
}

func markerPath(sharePath, taskID string) string {
	return filepath.Join(sharePath, taskID+".done")
}

func writeMarker(path string, code int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(code)), 0o644)
}

// peerProcess is the non-initiator side of a cluster run: the job runner
// reaches this machine over SSH, so locally there is nothing to wait on but
// the initiator's outcome marker on the shared path. The marker's exit code
// is recorded on the Run so the peer's task reports the distributed outcome.
type peerProcess struct {
	run    *run.Run
	marker string
	poll   time.Duration
	stop   chan struct{}
}

func newPeerProcess(r *run.Run, marker string, poll time.Duration) *peerProcess {
	return &peerProcess{run: r, marker: marker, poll: poll, stop: make(chan struct{})}
}

func (p *peerProcess) Wait(ctx context.Context) (int, error) {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		if data, err := os.ReadFile(p.marker); err == nil {
			code, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
			if convErr != nil {
				p.run.SetExit(-1)
				return -1, fmt.Errorf("unreadable outcome marker %s: %w", p.marker, convErr)
			}
			p.run.SetExit(code)
			return code, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-p.stop:
			p.run.SetExit(-1)
			return -1, fmt.Errorf("cluster run terminated before completion")
		case <-ticker.C:
		}
	}
}

// Terminate stops the completion watch. The initiator's job runner tears
// down the fanned-out processes on its own side.
func (p *peerProcess) Terminate(time.Duration) error {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	return nil
}

var _ Process = (*peerProcess)(nil)
