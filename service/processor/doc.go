// Package processor implements the worker's consumer loop: capacity-bounded
// exclusive claims from the task queue, one tracker per claimed task, and a
// coordinated drain on shutdown.
package processor
