/*
Package types defines the core data structures used throughout Loom.

This package contains all fundamental types of Loom's domain model: tasks,
subtasks, workers, checkpoints, reviews, evaluations and corrections. All other
packages depend on it for state management, API payloads and orchestration
logic.

# Core Types

Task lifecycle:
  - Task: a user-submitted unit of work, decomposed into a subtask DAG
  - TaskState: pending, initializing, running, checkpoint_pending,
    completed, failed, cancelled (last three are absorbing)
  - TaskConfig: checkpoint frequency, privacy level, preferred tools

Subtask scheduling:
  - Subtask: a single node in the DAG with dependencies and a recommended tool
  - SubtaskKind: work, review, correction
  - SubtaskState: pending → ready → assigned → running → completed/failed,
    with correcting re-entering the scheduling pool

Worker fleet:
  - Worker: a remote process offering a set of AI tools
  - WorkerState: online, busy, offline
  - WorkerResources: cpu/mem/disk utilization from the latest heartbeat

Human gates and quality:
  - Checkpoint: a paused state awaiting approval, rejection or correction
  - Review: one peer-review pass with a severity-classified verdict
  - Evaluation: weighted multi-dimension score for a subtask's output
  - Correction: corrective guidance applied back to the original author

# Conventions

All enums are typed string constants. Identifiers are UUID strings, timestamps
are UTC. Every type serializes to JSON for storage and the wire. Mutation is
synchronized by the storage layer; in-memory caches do their own locking.
*/
package types
