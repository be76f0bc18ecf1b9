/*
Package scheduler places ready subtasks onto the worker fleet and advances
each task's DAG.

Per task it mirrors the store with Ready, Running, Done and Failed sets. The
dispatch loop pops ready subtasks by priority (descending), complexity
(ascending), then FIFO, and selects the best worker by a weighted score of
tool match, resource headroom and privacy fit; workers with any resource at
90 % or above are excluded. When nothing is eligible the subtask stays Ready
and the next registry event retries it.

Completions promote dependents and recompute task progress; worker loss
returns in-flight subtasks to Ready with their retry counter bumped.
Transient failures retry with exponential backoff (10 s doubling to a 60 s
cap) within a three-attempt budget; fatal failures end the subtask at once
and the task fails when its remaining running work drains. Checkpoints
suspend dispatching without touching running subtasks.
*/
package scheduler
