/*
Package review implements the peer-review loop over completed work subtasks.

The trigger policy reviews everything of complexity 3 and above, plus simpler
subtasks whose evaluation score falls in the uncertain [7,9) band. A review is
a regular subtask dispatched to a worker distinct from the author; its output
must be a structured JSON verdict. Verdicts either accept the work, send an
auto-fixable issue back to the author as a correction subtask, or raise a
checkpoint. The cycle ceiling (default 3) turns further reviews into a
review_escalation checkpoint.
*/
package review
