/*
Package checkpoint pauses tasks for human review and applies the reviewer's
decision.

Checkpoints trigger by frequency policy (low, medium, high), by a low
evaluation score, or by peer-review escalation. At most one checkpoint is
pending per task; raising one moves the task to checkpoint_pending and the
scheduler suspends it. Approve resumes the task, Reject fails it, Correct
records guidance against a subtask and re-enters the scheduler as a
correction subtask. A task parked at a checkpoint has no decision deadline.
*/
package checkpoint
