// Package lock provides the concurrency primitives shared by the orchestrator:
// a key-scoped FIFO mutex for in-process critical sections, a cross-process
// exclusive file lock with staleness detection, and a single-slot FIFO
// semaphore that serializes workspace-mutating commands.
package lock
