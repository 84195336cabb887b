// Command task-runner runs a worker agent that claims tasks from a shared
// queue and executes them to completion.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	taskrunner "github.com/inductiva/task-runner"
)

const version = "0.1.0"

var (
	cfgFile      string
	workerID     string
	machineGroup string
	capacity     int
	workRoot     string
	queueAddr    string
	logLevel     string
	traceFile    string
)

var rootCmd = &cobra.Command{
	Use:     "task-runner",
	Short:   "Task execution worker agent",
	Long:    "task-runner claims tasks from a shared queue, runs them in containerised or MPI environments and reports lifecycle events.",
	Version: version,
	RunE:    run,
}

func init() {
	rootCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "configuration file path")
	rootCmd.Flags().StringVar(&workerID, "id", "", "worker identity (generated when empty)")
	rootCmd.Flags().StringVar(&machineGroup, "machine-group", "", "machine group this worker belongs to")
	rootCmd.Flags().IntVar(&capacity, "capacity", 0, "maximum concurrently running tasks")
	rootCmd.Flags().StringVar(&workRoot, "work-root", "", "root directory for per-task working directories")
	rootCmd.Flags().StringVar(&queueAddr, "queue-addr", "", "redis queue address (selects the redis vendor)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&traceFile, "trace-file", "", "write OpenTelemetry traces to this file")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func run(cmd *cobra.Command, args []string) error {
	config, err := taskrunner.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	if workerID != "" {
		config.Worker.ID = workerID
	}
	if machineGroup != "" {
		config.Worker.MachineGroup = machineGroup
	}
	if capacity > 0 {
		config.Worker.Capacity = capacity
	}
	if workRoot != "" {
		config.Worker.WorkRoot = workRoot
	}
	if queueAddr != "" {
		config.Queue.Vendor = "redis"
		config.Queue.Addr = queueAddr
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	var options []taskrunner.Option
	if traceFile != "" {
		options = append(options, taskrunner.WithTracing("task-runner", version, traceFile))
	}
	worker, err := taskrunner.New(config, options...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- worker.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	worker.Shutdown()
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
