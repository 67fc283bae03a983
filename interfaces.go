package loom

import "context"

// TemplateRenderer is the expression boundary. The engine treats it as a
// pure function over the variable environment; a render error aborts the
// whole flow since it indicates an authoring defect.
type TemplateRenderer interface {
	// Render substitutes every {{ ... }} span in template and returns the
	// resulting string. Text outside the spans passes through untouched.
	Render(template string, env map[string]any) (string, error)
	// Eval returns the typed value of template: a sole {{ ... }} span (or a
	// bare expression) yields the expression's value, anything else yields
	// the rendered string. Used for if/while/until conditions and for
	// clauses, which need lists and booleans rather than text.
	Eval(template string, env map[string]any) (any, error)
}

// LLMClient completes a rendered prompt into text.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Shell selects the interpreter for a script body.
type Shell string

const (
	ShellBash   Shell = "bash"
	ShellPython Shell = "python"
)

// ProcessLauncher runs a rendered script synchronously, capturing stdout and
// the exit status. err is reserved for launch/cancellation failures; a
// process that started and exited non-zero reports through exitCode.
type ProcessLauncher interface {
	Run(ctx context.Context, script string, shell Shell) (stdout string, exitCode int, err error)
}

// DecisionAction enumerates the human responses at a HITL checkpoint.
type DecisionAction string

const (
	ActionAccept   DecisionAction = "accept"
	ActionEdit     DecisionAction = "edit"
	ActionReject   DecisionAction = "reject"
	ActionFeedback DecisionAction = "feedback" // prompt bodies only
	ActionRerun    DecisionAction = "rerun"    // bash/python bodies only
)

// ReviewRequest is what the gate presents to the approval collaborator.
type ReviewRequest struct {
	Step   string
	Body   BodyKind
	Raw    string
	Fields map[string]any
}

// Decision is the approval collaborator's response. Fields accompanies
// ActionEdit, Feedback accompanies ActionFeedback.
type Decision struct {
	Action   DecisionAction
	Fields   map[string]any
	Feedback string
}

// Approver suspends the workflow for a human decision. Only one review is
// in flight flow-wide at any time.
type Approver interface {
	Review(ctx context.Context, req ReviewRequest) (Decision, error)
}
