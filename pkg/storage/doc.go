/*
Package storage provides transactional persistence for Loom's orchestrator
state.

The Store interface covers tasks, subtasks, workers, checkpoints, reviews,
evaluations and corrections. BoltStore is the bbolt-backed implementation:
every entity serializes to JSON in its own bucket, bbolt's single-writer
transactions serialize concurrent sweeps, and task rows carry a monotonic
version counter for optimistic locking.

# Concurrency model

Two mechanisms protect concurrent mutation:

  - Task rows: UpdateTask compare-and-swaps on Task.Version and returns a
    conflict error on mismatch. MutateTask wraps the read-modify-write cycle
    and retries conflicts up to three times with exponential backoff
    (100ms, 200ms, 400ms).
  - Subtask sweeps: PutSubtasks commits a batch inside one write transaction,
    so a task's DAG advance is atomic relative to other writers.

# Circuit breaker

BreakerStore decorates any Store with a circuit breaker. Infrastructure
failures trip it; domain outcomes (not-found, conflict, validation) pass
through untouched. While the breaker is open every call fails fast with an
unavailable error, which the API layer maps to 503.

	store, err := storage.NewBoltStore(dataDir)
	if err != nil { ... }
	st := storage.NewBreakerStore(store)
*/
package storage
