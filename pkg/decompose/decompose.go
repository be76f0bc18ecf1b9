package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomctl/loom/pkg/apierr"
	"github.com/loomctl/loom/pkg/log"
	"github.com/loomctl/loom/pkg/metrics"
)

// Spec is one planned subtask before it becomes a persisted Subtask.
// DependsOn holds indices into the same plan.
type Spec struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	DependsOn       []int  `json:"depends_on"`
	RecommendedTool string `json:"recommended_tool"`
	Complexity      int    `json:"complexity"`
}

const (
	minComplexity = 1
	maxComplexity = 5
)

const systemPrompt = `You are a software task planner. Break the given task into
the smallest set of independent subtasks that together complete it. Respond with
ONLY a JSON array, no prose. Each element:
{"name": string, "description": string, "depends_on": [indices into this array],
"recommended_tool": string, "complexity": integer 1-5}`

// Decomposer turns a free-text task description into a validated subtask DAG
type Decomposer struct {
	client  Client
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a decomposer. client may be nil, in which case only the
// template and fallback paths are used.
func New(client Client, timeout time.Duration) *Decomposer {
	return &Decomposer{
		client:  client,
		timeout: timeout,
		logger:  log.WithComponent("decompose"),
	}
}

// Decompose produces a non-empty acyclic plan for the description. The LLM
// path is tried first under the decomposition timeout; on timeout or invalid
// output it falls back to keyword templates, then to a single subtask. The
// only error surfaced is malformed caller input.
func (d *Decomposer) Decompose(ctx context.Context, description string, requirements, preferences []string) ([]Spec, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, apierr.Validation("description_required", "task description must not be empty")
	}

	if d.client != nil {
		start := time.Now()
		plan, err := d.fromLLM(ctx, description, requirements, preferences)
		if err == nil {
			metrics.DecompositionDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())
			d.logger.Info().Int("subtasks", len(plan)).Msg("decomposed via llm")
			return plan, nil
		}
		d.logger.Warn().Err(err).Msg("llm decomposition failed, trying templates")
	}

	if plan, ok := matchTemplate(description); ok {
		metrics.DecompositionDuration.WithLabelValues("template").Observe(0)
		d.logger.Info().Int("subtasks", len(plan)).Msg("decomposed via template")
		return applyPreferences(plan, preferences), nil
	}

	metrics.DecompositionDuration.WithLabelValues("fallback").Observe(0)
	d.logger.Info().Msg("decomposed via single-subtask fallback")
	return applyPreferences([]Spec{{
		Name:        "complete-task",
		Description: description,
		Complexity:  3,
	}}, preferences), nil
}

func (d *Decomposer) fromLLM(ctx context.Context, description string, requirements, preferences []string) ([]Spec, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", description)
	if len(requirements) > 0 {
		fmt.Fprintf(&b, "Requirements:\n")
		for _, r := range requirements {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if len(preferences) > 0 {
		fmt.Fprintf(&b, "Preferred tools: %s\n", strings.Join(preferences, ", "))
	}

	raw, err := d.client.Complete(ctx, systemPrompt, b.String())
	if err != nil {
		return nil, err
	}
	plan, err := parsePlan(raw)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// LLMs wrap JSON in markdown fences more often than not
var jsonArrayFence = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
var jsonArrayLoose = regexp.MustCompile(`(?s)\[[\s\S]*\]`)

func extractJSONArray(content string) string {
	if m := jsonArrayFence.FindStringSubmatch(content); len(m) > 1 {
		return m[1]
	}
	return jsonArrayLoose.FindString(content)
}

func parsePlan(raw string) ([]Spec, error) {
	payload := extractJSONArray(raw)
	if payload == "" {
		return nil, apierr.Transient("llm_output_invalid", "no JSON array in completion")
	}
	var plan []Spec
	if err := json.Unmarshal([]byte(payload), &plan); err != nil {
		return nil, apierr.Transient("llm_output_invalid", "completion is not a subtask list").Wrap(err)
	}
	if err := Validate(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// Validate checks required fields, dependency index bounds and acyclicity
func Validate(plan []Spec) error {
	if len(plan) == 0 {
		return apierr.Transient("plan_empty", "plan has no subtasks")
	}
	for i, s := range plan {
		if strings.TrimSpace(s.Name) == "" {
			return apierr.Transient("plan_invalid", "subtask %d has no name", i)
		}
		if strings.TrimSpace(s.Description) == "" {
			return apierr.Transient("plan_invalid", "subtask %d has no description", i)
		}
		if s.Complexity < minComplexity || s.Complexity > maxComplexity {
			return apierr.Transient("plan_invalid", "subtask %d complexity %d out of range", i, s.Complexity)
		}
		for _, dep := range s.DependsOn {
			if dep < 0 || dep >= len(plan) {
				return apierr.Transient("plan_invalid", "subtask %d depends on out-of-range index %d", i, dep)
			}
			if dep == i {
				return apierr.Transient("plan_cyclic", "subtask %d depends on itself", i)
			}
		}
	}
	if hasCycle(plan) {
		return apierr.Transient("plan_cyclic", "dependency graph contains a cycle")
	}
	return nil
}

// hasCycle runs a three-color depth-first traversal over the index graph
func hasCycle(plan []Spec) bool {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(plan))

	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = gray
		for _, dep := range plan[i].DependsOn {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[i] = black
		return false
	}

	for i := range plan {
		if color[i] == white && visit(i) {
			return true
		}
	}
	return false
}

// applyPreferences fills empty tool recommendations from the caller's
// preferred tools, first preference wins.
func applyPreferences(plan []Spec, preferences []string) []Spec {
	if len(preferences) == 0 {
		return plan
	}
	for i := range plan {
		if plan[i].RecommendedTool == "" {
			plan[i].RecommendedTool = preferences[0]
		}
	}
	return plan
}
