package loom

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var _ context.Context = &Execution{}

// Execution is the per-run state: the root variable scope plus the run's
// identity and cancellation signal. It implements context.Context by
// delegating to the embedded ctx so deadlines and cancellation propagate
// through slog and collaborator calls.
type Execution struct {
	ID       string
	Flow     *Flow
	Root     *Scope
	Outcomes []StepOutcome
	ctx      context.Context
}

func (e *Execution) Deadline() (time.Time, bool) { return e.ctx.Deadline() }
func (e *Execution) Done() <-chan struct{}       { return e.ctx.Done() }
func (e *Execution) Err() error                  { return e.ctx.Err() }

func (e *Execution) Value(key any) any {
	k, ok := key.(string)
	if !ok {
		return e.ctx.Value(key)
	}
	v, err := e.Root.Resolve(k)
	if err != nil {
		return nil
	}
	return v
}

// StepOutcome pairs a declared step with its committed context value, in
// declaration order. Loop steps appear once with their aggregated value.
type StepOutcome struct {
	Step  string
	Value any
}

// Result is the run report: every committed step outcome in order plus the
// final context snapshot. Returned even on failure so the accumulated
// context up to the failure point is visible.
type Result struct {
	ExecutionID string
	FlowName    string
	Outcomes    []StepOutcome
	Context     map[string]any
}

// NewExecution resolves input parameters and properties into the root scope.
// Parameters resolve exactly once, at flow start, and are never mutated
// afterward.
func NewExecution(ctx context.Context, flow *Flow, inputs map[string]string) (*Execution, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	exec := &Execution{
		ID:   uuid.New().String(),
		Flow: flow,
		Root: NewScope(),
		ctx:  ctx,
	}

	for name, param := range flow.Input {
		raw, given := inputs[name]
		var value any
		switch {
		case given:
			coerced, err := coerceValue(param.Type, raw)
			if err != nil {
				return nil, wrapError(KindValidation, "", fmt.Errorf("input %q: %w", name, err))
			}
			value = coerced
		case param.HasDefault:
			value = param.Default
		default:
			return nil, newErrorf(KindValidation, "", "required input %q not provided", name)
		}
		exec.Root.values[name] = value
	}
	for name := range inputs {
		if _, ok := flow.Input[name]; !ok {
			return nil, newErrorf(KindValidation, "", "unknown input %q", name)
		}
	}

	if len(flow.Properties) > 0 {
		props := make(map[string]any, len(flow.Properties))
		for k, v := range flow.Properties {
			resolved, err := resolveEnvVar(v)
			if err != nil {
				return nil, wrapError(KindValidation, "", err)
			}
			props[k] = resolved
		}
		exec.Root.values["properties"] = props
	}

	return exec, nil
}

// WithContext returns a shallow copy with a new embedded context. Used to
// apply per-step deadlines without mutating the parent. Mirrors the
// http.Request.WithContext pattern.
func (e *Execution) WithContext(ctx context.Context) *Execution {
	copy := *e
	copy.ctx = ctx
	return &copy
}

func (e *Execution) record(step string, value any) {
	e.Outcomes = append(e.Outcomes, StepOutcome{Step: step, Value: value})
}

func (e *Execution) result() *Result {
	return &Result{
		ExecutionID: e.ID,
		FlowName:    e.Flow.Name,
		Outcomes:    e.Outcomes,
		Context:     e.Root.Env(),
	}
}

// envVarPattern matches ${VAR} and ${VAR:default} property values.
var envVarPattern = regexp.MustCompile(`^\$\{([A-Z_][A-Z0-9_]*)(:[^}]*)?\}$`)

func resolveEnvVar(value any) (any, error) {
	strValue, ok := value.(string)
	if !ok {
		return value, nil
	}
	matches := envVarPattern.FindStringSubmatch(strValue)
	if matches == nil {
		return value, nil
	}
	if envValue, exists := os.LookupEnv(matches[1]); exists {
		return envValue, nil
	}
	if matches[2] != "" {
		return strings.TrimPrefix(matches[2], ":"), nil
	}
	return nil, fmt.Errorf("required environment variable not set: %s", matches[1])
}

// StepResult is one body execution's outcome. Success reflects the logical
// success field of the parsed output (defaulting to true), distinct from the
// process exit status, which surfaces as an execution error instead.
type StepResult struct {
	Raw      string
	Fields   map[string]any
	Items    []map[string]any // set instead of Fields for array-schema steps
	Success  bool
	Approved *bool // present only for hitl steps
	Skipped  bool
}

// contextValue is what commits into the enclosing scope under the step name.
func (r *StepResult) contextValue() any {
	if r.Items != nil {
		items := make([]any, len(r.Items))
		for i, it := range r.Items {
			items[i] = it
		}
		return items
	}
	v := make(map[string]any, len(r.Fields)+3)
	for k, val := range r.Fields {
		v[k] = val
	}
	if _, ok := v["success"]; !ok {
		v["success"] = r.Success
	}
	v["skipped"] = r.Skipped
	if r.Approved != nil {
		v["approved"] = *r.Approved
	}
	return v
}
