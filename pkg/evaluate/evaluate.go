package evaluate

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/loomctl/loom/pkg/apierr"
	"github.com/loomctl/loom/pkg/config"
	"github.com/loomctl/loom/pkg/log"
	"github.com/loomctl/loom/pkg/metrics"
	"github.com/loomctl/loom/pkg/types"
)

// Result is one evaluator's verdict for its dimension
type Result struct {
	Score       float64 // [0,10]
	Issues      []types.Issue
	Suggestions []string
}

// Evaluator scores one quality dimension of a subtask's output. Applies
// gates whether the dimension is relevant; Score may call external tools
// but must honor its context deadline.
type Evaluator struct {
	Dimension string
	Weight    float64
	Applies   func(sub *types.Subtask) bool
	Score     func(ctx context.Context, sub *types.Subtask) (Result, error)
}

// Pipeline runs all applicable evaluators concurrently and aggregates
// their dimension scores into a weighted overall score.
type Pipeline struct {
	evaluators []Evaluator
	timeout    time.Duration
	logger     zerolog.Logger
}

// New validates the evaluator table and creates a pipeline. Weights must
// sum to 1 within the configured tolerance.
func New(evaluators []Evaluator, timeout time.Duration) (*Pipeline, error) {
	if len(evaluators) == 0 {
		return nil, apierr.Validation("evaluators_empty", "at least one evaluator is required")
	}
	var sum float64
	seen := make(map[string]bool, len(evaluators))
	for _, e := range evaluators {
		if e.Dimension == "" || e.Applies == nil || e.Score == nil {
			return nil, apierr.Validation("evaluator_invalid", "evaluator %q is incomplete", e.Dimension)
		}
		if seen[e.Dimension] {
			return nil, apierr.Validation("evaluator_duplicate", "dimension %q registered twice", e.Dimension)
		}
		seen[e.Dimension] = true
		sum += e.Weight
	}
	if math.Abs(sum-1) > config.WeightTolerance {
		return nil, apierr.Validation("weights_invalid", "evaluator weights sum to %g, want 1", sum)
	}
	return &Pipeline{
		evaluators: evaluators,
		timeout:    timeout,
		logger:     log.WithComponent("evaluate"),
	}, nil
}

// Evaluate runs the applicable evaluators for the subtask and returns the
// aggregated evaluation. Dimensions whose evaluator fails or panics are
// excluded from the aggregate rather than failing the subtask.
func (p *Pipeline) Evaluate(ctx context.Context, sub *types.Subtask) (*types.Evaluation, error) {
	eval := &types.Evaluation{
		ID:         uuid.NewString(),
		SubtaskID:  sub.ID,
		Dimensions: make(map[string]float64),
		CreatedAt:  time.Now().UTC(),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, e := range p.evaluators {
		if !e.Applies(sub) {
			continue
		}
		e := e
		g.Go(func() error {
			res, err := p.runOne(gctx, e, sub)
			if err != nil {
				p.logger.Warn().Err(err).
					Str("dimension", e.Dimension).
					Str("subtask_id", sub.ID).
					Msg("evaluator failed, dimension excluded")
				return nil
			}
			mu.Lock()
			eval.Dimensions[e.Dimension] = clamp(res.Score)
			eval.Issues = append(eval.Issues, res.Issues...)
			eval.Suggestions = append(eval.Suggestions, res.Suggestions...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var weighted, totalWeight float64
	for _, e := range p.evaluators {
		score, ok := eval.Dimensions[e.Dimension]
		if !ok {
			continue
		}
		weighted += e.Weight * score
		totalWeight += e.Weight
	}
	if totalWeight > 0 {
		eval.Overall = clamp(weighted / totalWeight)
	}

	metrics.EvaluationsTotal.Inc()
	p.logger.Debug().
		Str("subtask_id", sub.ID).
		Float64("overall", eval.Overall).
		Int("dimensions", len(eval.Dimensions)).
		Msg("subtask evaluated")
	return eval, nil
}

// runOne executes a single evaluator under the per-call timeout with panic
// isolation.
func (p *Pipeline) runOne(ctx context.Context, e Evaluator, sub *types.Subtask) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: apierr.Internal("evaluator_panic", "evaluator %s panicked: %v", e.Dimension, r)}
			}
		}()
		res, err := e.Score(ctx, sub)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-ctx.Done():
		return Result{}, apierr.Timeout("evaluator_timeout", "evaluator %s exceeded its deadline", e.Dimension)
	}
}

func clamp(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 10 {
		return 10
	}
	return s
}
