/*
Package decompose turns a free-text task description into a validated subtask
DAG.

The LLM path runs under a bounded wall-clock budget and its JSON output is
validated for required fields, dependency index bounds and acyclicity. On
timeout or invalid output the decomposer falls back to keyword templates
(authentication, CRUD, refactor, UI) and finally to a single subtask carrying
the original description, so it always returns a usable plan. The only error
it surfaces upstream is malformed caller input.
*/
package decompose
