package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskValidate(t *testing.T) {
	testCases := []struct {
		description string
		task        Task
		valid       bool
	}{
		{
			description: "single node cpu task",
			task: Task{
				ID:       "t-1",
				Commands: []Command{{Cmd: "echo hello"}},
				Class:    ResourceClassCPU,
			},
			valid: true,
		},
		{
			description: "missing id",
			task: Task{
				Commands: []Command{{Cmd: "echo hello"}},
				Class:    ResourceClassCPU,
			},
		},
		{
			description: "no commands",
			task:        Task{ID: "t-2", Class: ResourceClassGPU},
		},
		{
			description: "unknown resource class",
			task: Task{
				ID:       "t-3",
				Commands: []Command{{Cmd: "echo hello"}},
				Class:    "tpu",
			},
		},
		{
			description: "mpi task without job id",
			task: Task{
				ID:        "t-4",
				Commands:  []Command{{Cmd: "solver", MPI: true}},
				Class:     ResourceClassMPI,
				NodeCount: 3,
			},
		},
		{
			description: "mpi task with single node",
			task: Task{
				ID:        "t-5",
				Commands:  []Command{{Cmd: "solver", MPI: true}},
				Class:     ResourceClassMPI,
				JobID:     "job-1",
				NodeCount: 1,
			},
		},
		{
			description: "valid mpi task",
			task: Task{
				ID:        "t-6",
				Commands:  []Command{{Cmd: "solver", MPI: true}},
				Class:     ResourceClassMPI,
				JobID:     "job-1",
				NodeCount: 3,
			},
			valid: true,
		},
	}

	for _, tc := range testCases {
		err := tc.task.Validate()
		if tc.valid {
			assert.NoError(t, err, tc.description)
		} else {
			assert.Error(t, err, tc.description)
		}
	}
}

func TestTaskTTL(t *testing.T) {
	task := Task{TTLSeconds: 90}
	assert.Equal(t, 90*time.Second, task.TTL())
	assert.Equal(t, time.Duration(0), (&Task{}).TTL())
}

func TestCommandTokens(t *testing.T) {
	testCases := []struct {
		cmd      string
		expected []string
		hasError bool
	}{
		{cmd: "echo hello", expected: []string{"echo", "hello"}},
		{cmd: `gmx pdb2gmx -f "my protein.pdb"`, expected: []string{"gmx", "pdb2gmx", "-f", "my protein.pdb"}},
		{cmd: "solver  --steps   100", expected: []string{"solver", "--steps", "100"}},
		{cmd: "sh -c 'sleep 1; echo done'", expected: []string{"sh", "-c", "sleep 1; echo done"}},
		{cmd: `broken "quote`, hasError: true},
		{cmd: "   ", hasError: true},
	}
	for _, tc := range testCases {
		command := Command{Cmd: tc.cmd}
		tokens, err := command.Tokens()
		if tc.hasError {
			assert.Error(t, err, tc.cmd)
			continue
		}
		assert.NoError(t, err, tc.cmd)
		assert.Equal(t, tc.expected, tokens, tc.cmd)
	}
}

func TestResourceClassMultiNode(t *testing.T) {
	assert.False(t, ResourceClassCPU.MultiNode())
	assert.False(t, ResourceClassGPU.MultiNode())
	assert.True(t, ResourceClassMPI.MultiNode())
}
