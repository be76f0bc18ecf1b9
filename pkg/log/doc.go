/*
Package log provides structured logging for Loom built on zerolog.

Call Init once at startup, then use the package-level helpers or create
entity-scoped child loggers:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("scheduler")
	logger.Info().Str("subtask_id", id).Msg("subtask dispatched")

Child logger constructors exist for the identifiers that recur across the
codebase: component, task_id, subtask_id, worker_id. Console output (with
RFC3339 timestamps) is the default; JSON output is intended for production.
*/
package log
