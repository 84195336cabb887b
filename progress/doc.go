// Package progress defines primitives for observing how many tasks a worker
// has claimed, is running and has finished. It abstracts the delivery of
// counter updates so that callers consume them uniformly whether they log
// them, export them or assert on them in tests.
package progress
