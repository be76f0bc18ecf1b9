/*
Package apierr defines Loom's error taxonomy.

Every error that crosses a component boundary is an *Error carrying a Kind
(validation, not_found, conflict, transient, fatal, unavailable, timeout,
rate_limit, unauthorized, forbidden, internal), a stable machine-readable Code,
a human Message and optional contextual Details. The HTTP adapter maps kinds to
status codes with HTTPStatus; retry loops consult Retryable.

Construction uses the kind helpers:

	return apierr.NotFound("task_not_found", "task %s not found", id)

	return apierr.Conflict("task_terminal", "cannot cancel task in state %s", st).
		WithDetail("task_id", id)

Errors wrap causes via Wrap and participate in errors.Is / errors.As.
*/
package apierr
