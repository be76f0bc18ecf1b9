package decompose

import "strings"

// templates are tried in order; the first one whose keywords appear in the
// description wins.
var templates = []struct {
	keywords []string
	plan     []Spec
}{
	{
		keywords: []string{"auth", "login", "signin", "sign-in", "signup", "sign-up"},
		plan:     authTemplate,
	},
	{
		keywords: []string{"crud", "rest api", "endpoint"},
		plan:     crudTemplate,
	},
	{
		keywords: []string{"refactor", "restructure", "clean up", "cleanup"},
		plan:     refactorTemplate,
	},
	{
		keywords: []string{"ui", "frontend", "front-end", "page", "component"},
		plan:     uiTemplate,
	},
}

// authTemplate is six subtasks: a linear spine (model, registration, login)
// then a fan-out of three independent follow-ups off the login step.
var authTemplate = []Spec{
	{Name: "design-auth-model", Description: "Design the user and credential data model including password hashing and token storage", Complexity: 3},
	{Name: "implement-registration", Description: "Implement user registration with input validation and duplicate handling", DependsOn: []int{0}, Complexity: 3},
	{Name: "implement-login", Description: "Implement login, session or token issuance, and logout", DependsOn: []int{1}, Complexity: 4},
	{Name: "implement-password-reset", Description: "Implement the password reset flow with expiring reset tokens", DependsOn: []int{2}, Complexity: 3},
	{Name: "implement-access-control", Description: "Add authentication middleware and role checks to protected routes", DependsOn: []int{2}, Complexity: 3},
	{Name: "write-auth-tests", Description: "Write tests covering registration, login, reset and access control paths", DependsOn: []int{2}, Complexity: 2},
}

var crudTemplate = []Spec{
	{Name: "design-schema", Description: "Design the entity schema and storage layout", Complexity: 2},
	{Name: "implement-create-read", Description: "Implement create and read operations with validation", DependsOn: []int{0}, Complexity: 3},
	{Name: "implement-update-delete", Description: "Implement update and delete operations with concurrency handling", DependsOn: []int{0}, Complexity: 3},
	{Name: "wire-api-endpoints", Description: "Expose the operations as API endpoints with error mapping", DependsOn: []int{1, 2}, Complexity: 2},
	{Name: "write-crud-tests", Description: "Write tests covering all operations and edge cases", DependsOn: []int{3}, Complexity: 2},
}

var refactorTemplate = []Spec{
	{Name: "map-current-structure", Description: "Survey the current structure and identify the seams to change", Complexity: 2},
	{Name: "apply-refactoring", Description: "Apply the restructuring in small reviewable steps", DependsOn: []int{0}, Complexity: 4},
	{Name: "verify-behavior-unchanged", Description: "Run and extend tests to confirm behavior is unchanged", DependsOn: []int{1}, Complexity: 2},
}

var uiTemplate = []Spec{
	{Name: "design-layout", Description: "Design the layout and component breakdown", Complexity: 2},
	{Name: "implement-components", Description: "Implement the components with state handling", DependsOn: []int{0}, Complexity: 3},
	{Name: "wire-data-flow", Description: "Connect components to data sources and handle loading and errors", DependsOn: []int{1}, Complexity: 3},
	{Name: "polish-and-test", Description: "Add styling polish and component tests", DependsOn: []int{2}, Complexity: 2},
}

// matchTemplate returns a copy of the first template whose keywords match
func matchTemplate(description string) ([]Spec, bool) {
	lower := strings.ToLower(description)
	for _, t := range templates {
		for _, kw := range t.keywords {
			if strings.Contains(lower, kw) {
				plan := make([]Spec, len(t.plan))
				copy(plan, t.plan)
				return plan, true
			}
		}
	}
	return nil, false
}
