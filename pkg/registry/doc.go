/*
Package registry manages the worker fleet.

Workers register with their tool set, residency and resource snapshot, then
keep themselves alive by heartbeating. Registration records are durable in the
store; liveness lives in an in-memory TTL index so a restart only costs one
loss window before stale workers are swept offline.

A background sweeper runs at half the loss window and marks workers offline
when their TTL lapses; the offline hook lets the scheduler reclaim the lost
worker's subtasks. Load is tracked per worker and drives the Online/Busy
distinction against the per-worker concurrency limit.
*/
package registry
