package review

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomctl/loom/pkg/apierr"
	"github.com/loomctl/loom/pkg/log"
	"github.com/loomctl/loom/pkg/metrics"
	"github.com/loomctl/loom/pkg/types"
)

// Verdict is the structured JSON a reviewer must emit
type Verdict struct {
	Score           float64       `json:"score"`
	Issues          []types.Issue `json:"issues"`
	AutoFixFeasible bool          `json:"auto_fix_feasible"`
	SuggestedFix    string        `json:"suggested_fix"`
}

// Outcome is what the controller decides to do with a parsed verdict
type Outcome int

const (
	// OutcomeAccept closes the review loop, the original subtask stands
	OutcomeAccept Outcome = iota
	// OutcomeCorrect spawns a correction subtask against the author
	OutcomeCorrect
	// OutcomeCheckpoint raises a peer_review_issues checkpoint
	OutcomeCheckpoint
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccept:
		return "accept"
	case OutcomeCorrect:
		return "correct"
	default:
		return "checkpoint"
	}
}

// Controller decides when subtask output gets a peer review and what to do
// with the reviewer's verdict.
type Controller struct {
	maxCycles    int
	autoFixFloor float64
	logger       zerolog.Logger
}

// NewController creates a review controller
func NewController(maxCycles int, autoFixFloor float64) *Controller {
	return &Controller{
		maxCycles:    maxCycles,
		autoFixFloor: autoFixFloor,
		logger:       log.WithComponent("review"),
	}
}

// Needed reports whether a completed work subtask requires peer review.
// Complexity 3 and above always reviews; simpler subtasks review only when
// the evaluation score sits in the uncertain [7,9) band.
func Needed(sub *types.Subtask) bool {
	if sub.Kind != types.SubtaskKindWork {
		return false
	}
	if sub.Complexity >= 3 {
		return true
	}
	if sub.Score == nil {
		return false
	}
	return *sub.Score >= 7 && *sub.Score < 9
}

// AtCycleCeiling reports whether starting another review would exceed the
// cycle ceiling; the caller escalates to a checkpoint instead.
func (c *Controller) AtCycleCeiling(sub *types.Subtask) bool {
	return sub.ReviewCycles >= c.maxCycles
}

// BuildReviewSubtask creates the review subtask for an original work
// subtask. The scheduler routes it away from the original author via the
// ReviewTarget reference.
func (c *Controller) BuildReviewSubtask(original *types.Subtask) *types.Subtask {
	now := time.Now().UTC()
	return &types.Subtask{
		ID:              uuid.NewString(),
		TaskID:          original.TaskID,
		Kind:            types.SubtaskKindReview,
		Name:            "review-" + original.Name,
		Description:     reviewPrompt(original),
		State:           types.SubtaskStatePending,
		RecommendedTool: original.RecommendedTool,
		Complexity:      2,
		Priority:        original.Priority + 1,
		ReviewTarget:    original.ID,
		ReviewCycles:    original.ReviewCycles,
		CreatedAt:       now,
	}
}

// BuildCorrectionSubtask creates a correction subtask carrying the fix
// guidance back to the original author.
func (c *Controller) BuildCorrectionSubtask(original *types.Subtask, guidance string) *types.Subtask {
	now := time.Now().UTC()
	return &types.Subtask{
		ID:              uuid.NewString(),
		TaskID:          original.TaskID,
		Kind:            types.SubtaskKindCorrection,
		Name:            "correct-" + original.Name,
		Description:     correctionPrompt(original, guidance),
		State:           types.SubtaskStatePending,
		RecommendedTool: original.RecommendedTool,
		Complexity:      original.Complexity,
		Priority:        original.Priority + 1,
		ReviewTarget:    original.ID,
		ReviewCycles:    original.ReviewCycles,
		CreatedAt:       now,
	}
}

// Decide interprets a verdict for an original subtask with the given number
// of completed review cycles.
func (c *Controller) Decide(v *Verdict, cycles int) (Outcome, types.ReviewDecision) {
	if v.Score >= 8 && !hasSeverity(v.Issues, types.SeverityCritical, types.SeverityHigh) {
		metrics.ReviewsTotal.WithLabelValues(string(types.ReviewApproved)).Inc()
		return OutcomeAccept, types.ReviewApproved
	}
	if v.AutoFixFeasible &&
		!hasSeverity(v.Issues, types.SeverityCritical) &&
		v.Score >= c.autoFixFloor &&
		cycles < c.maxCycles {
		metrics.ReviewsTotal.WithLabelValues(string(types.ReviewNeedsRevision)).Inc()
		return OutcomeCorrect, types.ReviewNeedsRevision
	}
	metrics.ReviewsTotal.WithLabelValues(string(types.ReviewEscalate)).Inc()
	return OutcomeCheckpoint, types.ReviewEscalate
}

// Record materializes the audit entity for a finished review pass
func (c *Controller) Record(reviewSub, original *types.Subtask, v *Verdict, decision types.ReviewDecision) *types.Review {
	return &types.Review{
		ID:             uuid.NewString(),
		SubtaskID:      original.ID,
		ReviewSubtask:  reviewSub.ID,
		ReviewerWorker: reviewSub.AssignedWorker,
		OriginalWorker: original.AssignedWorker,
		Score:          v.Score,
		Issues:         v.Issues,
		AutoFixable:    v.AutoFixFeasible,
		SuggestedFix:   v.SuggestedFix,
		Decision:       decision,
		CreatedAt:      time.Now().UTC(),
	}
}

var jsonObjectFence = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
var jsonObjectLoose = regexp.MustCompile(`(?s)\{[\s\S]*\}`)

// ParseVerdict extracts and validates the JSON verdict from reviewer output.
// Reviewer output is untrusted; parsing is panic-isolated.
func (c *Controller) ParseVerdict(out *types.SubtaskOutput) (v *Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = apierr.Internal("verdict_parse_panic", "verdict parsing panicked: %v", r)
		}
	}()

	if out == nil || strings.TrimSpace(out.Text) == "" {
		return nil, apierr.Transient("verdict_missing", "review output carries no verdict")
	}
	payload := jsonObjectLoose.FindString(out.Text)
	if m := jsonObjectFence.FindStringSubmatch(out.Text); len(m) > 1 {
		payload = m[1]
	}
	if payload == "" {
		return nil, apierr.Transient("verdict_missing", "no JSON object in review output")
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(payload), &verdict); err != nil {
		return nil, apierr.Transient("verdict_invalid", "verdict is not valid JSON").Wrap(err)
	}
	if verdict.Score < 0 || verdict.Score > 10 {
		return nil, apierr.Transient("verdict_invalid", "verdict score %g out of range", verdict.Score)
	}
	for i, issue := range verdict.Issues {
		switch issue.Severity {
		case types.SeverityCritical, types.SeverityHigh, types.SeverityMedium, types.SeverityLow:
		default:
			return nil, apierr.Transient("verdict_invalid", "issue %d has unknown severity %q", i, issue.Severity)
		}
	}
	return &verdict, nil
}

func hasSeverity(issues []types.Issue, severities ...types.IssueSeverity) bool {
	for _, issue := range issues {
		for _, s := range severities {
			if issue.Severity == s {
				return true
			}
		}
	}
	return false
}

func reviewPrompt(original *types.Subtask) string {
	var b strings.Builder
	b.WriteString("Review the work produced for the following subtask.\n\n")
	fmt.Fprintf(&b, "Original task: %s\n%s\n\n", original.Name, original.Description)
	if original.Output != nil {
		if original.Output.Text != "" {
			fmt.Fprintf(&b, "Author summary:\n%s\n\n", original.Output.Text)
		}
		for _, f := range original.Output.Files {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", f.Path, f.Content)
		}
	}
	b.WriteString(`
Respond with ONLY a JSON object:
{"score": 0-10, "issues": [{"severity": "critical|high|medium|low", "description": string}],
"auto_fix_feasible": bool, "suggested_fix": string}`)
	return b.String()
}

func correctionPrompt(original *types.Subtask, guidance string) string {
	var b strings.Builder
	b.WriteString("Revise your previous work on the following subtask.\n\n")
	fmt.Fprintf(&b, "Original task: %s\n%s\n\n", original.Name, original.Description)
	fmt.Fprintf(&b, "Required changes:\n%s\n", guidance)
	return b.String()
}
