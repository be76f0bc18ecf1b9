/*
Package orchestrator composes the control plane: it accepts tasks, decomposes
them into subtask DAGs, admits them to the scheduler and reacts to subtask
completions with evaluation, peer review and checkpoint policy.

Work subtasks are scored by the evaluation pipeline when they complete. A
score below 7 raises a low-score checkpoint; complexity three and above, or a
score in the revision band, spawns a peer-review subtask. Review verdicts are
accepted, turned into correction subtasks, or escalated to a human
checkpoint, with the correct-and-re-review loop capped at the configured
cycle ceiling. Frequency checkpoints follow the task's configured cadence
over completed work subtasks.

Checkpoints suspend dispatching but never cancel running work; approval
resumes the task and rejection fails it. A task whose DAG drains while a
checkpoint is pending completes only after that checkpoint is approved.
*/
package orchestrator
