package taskrunner

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/inductiva/task-runner/model"
	"github.com/inductiva/task-runner/runtime/run"
	"github.com/inductiva/task-runner/service/event"
	mmemory "github.com/inductiva/task-runner/service/messaging/memory"
)

// stageInputBundle creates a bundle directory holding a zipped input tree.
func stageInputBundle(t *testing.T) string {
	t.Helper()
	var buffer bytes.Buffer
	writer := zip.NewWriter(&buffer)
	entry, err := writer.Create("input.json")
	assert.NoError(t, err)
	_, err = entry.Write([]byte(`{"steps": 10}`))
	assert.NoError(t, err)
	assert.NoError(t, writer.Close())

	bundleRef := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(bundleRef, "input.zip"), buffer.Bytes(), 0o644))
	return bundleRef
}

func newLocalWorker(t *testing.T) (*Service, *event.MemorySink, *mmemory.Queue[model.Task]) {
	t.Helper()
	config := DefaultConfig()
	config.Worker.ID = "worker-test"
	config.Worker.WorkRoot = t.TempDir()
	config.Worker.KillGrace = 200 * time.Millisecond
	config.Worker.DrainGrace = 200 * time.Millisecond

	queue := mmemory.NewQueue[model.Task](mmemory.Config{BlockTimeout: 20 * time.Millisecond, Buffer: 16})
	sink := event.NewMemorySink()
	service, err := New(config, WithQueue(queue), WithEventSink(sink))
	assert.NoError(t, err)
	return service, sink, queue
}

func finalState(sink *event.MemorySink, taskID string) run.TaskState {
	var states []run.TaskState
	for _, e := range sink.Events() {
		if e.TaskID == taskID {
			states = append(states, e.State)
		}
	}
	return run.Fold(states)
}

func TestWorkerRunsTaskEndToEnd(t *testing.T) {
	service, sink, queue := newLocalWorker(t)

	inputBundle := stageInputBundle(t)
	outputBundle := t.TempDir()
	task := &model.Task{
		ID:           "t-1",
		Commands:     []model.Command{{Cmd: "echo hello"}},
		Class:        model.ResourceClassCPU,
		InputBundle:  inputBundle,
		OutputBundle: outputBundle,
	}
	assert.NoError(t, queue.Publish(context.Background(), task))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = service.Start(context.Background())
	}()

	assert.Eventually(t, func() bool {
		return finalState(sink, "t-1") == run.StateSucceeded
	}, 10*time.Second, 20*time.Millisecond)

	service.Shutdown()

	// The output bundle was pushed, including the captured stdout.
	archive, err := os.ReadFile(filepath.Join(outputBundle, "output.zip"))
	assert.NoError(t, err)
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	assert.NoError(t, err)
	names := make(map[string]bool)
	for _, file := range reader.File {
		names[file.Name] = true
	}
	assert.True(t, names["stdout.txt"])
	assert.True(t, names["input.json"])

	snapshot := service.Progress().Snapshot()
	assert.Equal(t, 1, snapshot.SucceededTasks)
}

func TestWorkerKillsTaskOnCommand(t *testing.T) {
	service, sink, queue := newLocalWorker(t)

	task := &model.Task{
		ID:           "t-kill",
		Commands:     []model.Command{{Cmd: "sleep 100"}},
		Class:        model.ResourceClassCPU,
		InputBundle:  stageInputBundle(t),
		OutputBundle: t.TempDir(),
	}
	assert.NoError(t, queue.Publish(context.Background(), task))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = service.Start(context.Background())
	}()

	assert.Eventually(t, func() bool {
		return finalState(sink, "t-kill") == run.StateExecuting
	}, 10*time.Second, 20*time.Millisecond)

	listener := service.Commands().(*mmemory.CommandListener)
	assert.NoError(t, listener.Send(context.Background(), "t-kill", "kill"))

	assert.Eventually(t, func() bool {
		return finalState(sink, "t-kill") == run.StateKilled
	}, 10*time.Second, 20*time.Millisecond)

	service.Shutdown()
	for _, e := range sink.Events() {
		if e.State == run.StateKilled {
			assert.Equal(t, model.ReasonKilledByRequest, e.Reason)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	config := DefaultConfig()
	assert.NoError(t, config.Validate())

	config.Worker.Capacity = 0
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.Queue.Vendor = "rabbitmq"
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.Queue.Vendor = "redis"
	assert.Error(t, config.Validate()) // addr missing
	config.Queue.Addr = "localhost:6379"
	assert.NoError(t, config.Validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
worker:
  id: worker-9
  capacity: 4
  workRoot: /var/task-runner
queue:
  vendor: redis
  addr: localhost:6379
cluster:
  address: 10.0.0.9
  sharePath: /mnt/share
mpi:
  binPathTemplate: /opt/openmpi/{version}/bin/mpirun
  version: 4.1.6
`
	assert.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	config, err := LoadConfig(path)
	assert.NoError(t, err)
	assert.Equal(t, "worker-9", config.Worker.ID)
	assert.Equal(t, 4, config.Worker.Capacity)
	assert.Equal(t, "redis", config.Queue.Vendor)
	assert.Equal(t, "/mnt/share", config.Cluster.SharePath)
	assert.Equal(t, "4.1.6", config.MPI.Version)
	// Unset sections keep their defaults.
	assert.Equal(t, "events", config.Events.Stream)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
