/*
Package evaluate scores completed subtask output.

A pipeline holds a table of evaluators, one per quality dimension, each with a
weight, an applicability predicate and a scoring function. Applicable
evaluators run concurrently under a per-call timeout; their dimension scores
aggregate into a weighted overall score in [0,10]. Weights must sum to 1.
A failing or panicking evaluator drops its dimension from the aggregate
instead of failing the subtask.

Built-in dimensions are completeness, code_quality and test_coverage;
external-tool evaluators plug into the same table.
*/
package evaluate
