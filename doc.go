// Package taskrunner implements a distributed task-execution worker agent.
//
// The worker claims simulation tasks from a shared queue, runs each one in an
// isolated execution environment (optionally spanning several machines via an
// MPI cluster), moves artifact bundles to and from remote storage, and
// reports lifecycle events back to a control plane. The building blocks are
// pluggable service layers:
//
//   - processor: the consumer loop claiming tasks up to capacity
//   - tracker: the per-task lifecycle state machine
//   - launcher: single-node and multi-node execution environments
//   - cluster: multi-node membership formation
//   - artifact / event: boundary shims to storage and the control plane
//
// End-users typically interact with the composed Service exposed by the root
// package:
//
//	srv, _ := taskrunner.New(taskrunner.DefaultConfig())
//	go srv.Start(ctx)
//	...
//	srv.Shutdown()
package taskrunner
