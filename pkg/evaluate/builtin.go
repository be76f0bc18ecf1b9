package evaluate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loomctl/loom/pkg/apierr"
	"github.com/loomctl/loom/pkg/types"
)

// Built-in dimension names
const (
	DimCompleteness = "completeness"
	DimCodeQuality  = "code_quality"
	DimTestCoverage = "test_coverage"
)

// NewDefault builds a pipeline from the built-in evaluators using the
// configured per-dimension weights. Unknown dimension names are rejected.
func NewDefault(weights map[string]float64, timeout time.Duration) (*Pipeline, error) {
	builtin := map[string]Evaluator{
		DimCompleteness: {
			Dimension: DimCompleteness,
			Applies:   hasOutput,
			Score:     scoreCompleteness,
		},
		DimCodeQuality: {
			Dimension: DimCodeQuality,
			Applies:   hasFiles,
			Score:     scoreCodeQuality,
		},
		DimTestCoverage: {
			Dimension: DimTestCoverage,
			Applies:   hasCodeFiles,
			Score:     scoreTestCoverage,
		},
	}

	evaluators := make([]Evaluator, 0, len(weights))
	for dim, weight := range weights {
		e, ok := builtin[dim]
		if !ok {
			return nil, apierr.Validation("evaluator_unknown", "no built-in evaluator for dimension %q", dim)
		}
		e.Weight = weight
		evaluators = append(evaluators, e)
	}
	return New(evaluators, timeout)
}

func hasOutput(sub *types.Subtask) bool {
	return sub.Output != nil
}

func hasFiles(sub *types.Subtask) bool {
	return sub.Output != nil && len(sub.Output.Files) > 0
}

func hasCodeFiles(sub *types.Subtask) bool {
	if sub.Output == nil {
		return false
	}
	for _, f := range sub.Output.Files {
		if isCodeFile(f.Path) && !isTestFile(f.Path) {
			return true
		}
	}
	return false
}

func scoreCompleteness(_ context.Context, sub *types.Subtask) (Result, error) {
	out := sub.Output
	if len(out.Files) == 0 && strings.TrimSpace(out.Text) == "" {
		return Result{
			Score:  0,
			Issues: []types.Issue{{Severity: types.SeverityHigh, Description: "subtask produced no artifacts or summary"}},
		}, nil
	}

	score := 10.0
	var issues []types.Issue
	var suggestions []string

	for _, f := range out.Files {
		if strings.TrimSpace(f.Content) == "" {
			score -= 2
			issues = append(issues, types.Issue{
				Severity:    types.SeverityMedium,
				Description: fmt.Sprintf("file %s is empty", f.Path),
			})
		}
	}
	if len(out.Files) > 0 && strings.TrimSpace(out.Text) == "" {
		score -= 1
		suggestions = append(suggestions, "include a summary of the changes alongside the files")
	}
	return Result{Score: score, Issues: issues, Suggestions: suggestions}, nil
}

func scoreCodeQuality(_ context.Context, sub *types.Subtask) (Result, error) {
	score := 10.0
	var issues []types.Issue

	for _, f := range sub.Output.Files {
		if !isCodeFile(f.Path) {
			continue
		}
		for _, marker := range []string{"TODO", "FIXME", "XXX"} {
			if strings.Contains(f.Content, marker) {
				score -= 1
				issues = append(issues, types.Issue{
					Severity:    types.SeverityLow,
					Description: fmt.Sprintf("file %s contains a %s marker", f.Path, marker),
				})
				break
			}
		}
		if longest := longestLine(f.Content); longest > 200 {
			score -= 0.5
			issues = append(issues, types.Issue{
				Severity:    types.SeverityLow,
				Description: fmt.Sprintf("file %s has a %d-character line", f.Path, longest),
			})
		}
	}
	return Result{Score: score, Issues: issues}, nil
}

func scoreTestCoverage(_ context.Context, sub *types.Subtask) (Result, error) {
	var code, tests int
	for _, f := range sub.Output.Files {
		switch {
		case isTestFile(f.Path):
			tests++
		case isCodeFile(f.Path):
			code++
		}
	}
	if code == 0 {
		return Result{Score: 10}, nil
	}
	if tests == 0 {
		return Result{
			Score:       2,
			Issues:      []types.Issue{{Severity: types.SeverityMedium, Description: "code files without any accompanying tests"}},
			Suggestions: []string{"add tests for the new code paths"},
		}, nil
	}

	ratio := float64(tests) / float64(code)
	if ratio > 1 {
		ratio = 1
	}
	return Result{Score: 5 + 5*ratio}, nil
}

var codeExtensions = []string{".go", ".py", ".ts", ".tsx", ".js", ".jsx", ".rs", ".java", ".rb", ".c", ".cc", ".cpp", ".h"}

func isCodeFile(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range codeExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func isTestFile(path string) bool {
	lower := strings.ToLower(path)
	if !isCodeFile(lower) {
		return false
	}
	base := lower
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	return strings.Contains(base, "_test.") || strings.Contains(base, ".test.") ||
		strings.Contains(base, ".spec.") || strings.HasPrefix(base, "test_")
}

func longestLine(content string) int {
	max := 0
	for _, line := range strings.Split(content, "\n") {
		if len(line) > max {
			max = len(line)
		}
	}
	return max
}
