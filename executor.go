package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Runner walks a flow's ordered step list, applying the control-flow
// evaluator, parallel coordinator and HITL gate around each body execution
// and committing every result into the execution context. The top level is
// strictly sequential; only the parallel coordinator introduces concurrency.
type Runner struct {
	cfg      *Config
	renderer TemplateRenderer
	llm      LLMClient
	launcher ProcessLauncher
	approver Approver
	l        *slog.Logger
}

func NewRunner(cfg *Config, renderer TemplateRenderer, llm LLMClient, launcher ProcessLauncher, approver Approver, l *slog.Logger) *Runner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if l == nil {
		l = slog.Default()
	}
	return &Runner{
		cfg:      cfg,
		renderer: renderer,
		llm:      llm,
		launcher: launcher,
		approver: approver,
		l:        l,
	}
}

// Run validates the flow, resolves inputs and executes every top-level step
// in declaration order. A step does not begin until its predecessor's
// commit completes. On failure the partial Result is returned alongside the
// error so the accumulated context is visible.
func (r *Runner) Run(ctx context.Context, flow *Flow, inputs map[string]string) (*Result, error) {
	if err := ValidateFlow(flow); err != nil {
		return nil, err
	}
	exec, err := NewExecution(ctx, flow, inputs)
	if err != nil {
		return nil, err
	}

	r.l.InfoContext(exec, fmt.Sprintf("Starting flow: %s", flow.Name), "execution_id", exec.ID)

	for i := range flow.Steps {
		step := &flow.Steps[i]
		value, err := r.runStep(ctx, exec, exec.Root, step)
		if err != nil {
			r.l.ErrorContext(exec, fmt.Sprintf("Flow failed at step: %s", step.Name), "error", err)
			return exec.result(), err
		}
		if err := exec.Root.Commit(step.Name, value); err != nil {
			return exec.result(), err
		}
		exec.record(step.Name, value)
	}

	r.l.InfoContext(exec, fmt.Sprintf("Flow completed: %s", flow.Name))
	return exec.result(), nil
}

// runStep applies the per-step state machine: if-gate, then exactly one of
// for/while/until/plain around the body.
func (r *Runner) runStep(ctx context.Context, exec *Execution, scope *Scope, step *Step) (any, error) {
	if step.If != "" {
		v, err := r.renderer.Eval(step.If, scope.Env())
		if err != nil {
			return nil, wrapError(KindTemplate, step.Name, err)
		}
		if !truthy(v) {
			r.l.InfoContext(exec, fmt.Sprintf("Skipping step: %s", step.Name), "condition", step.If)
			res := &StepResult{Skipped: true, Success: true}
			return res.contextValue(), nil
		}
	}

	switch {
	case len(step.For) > 0:
		return r.runFor(ctx, exec, scope, step)
	case step.While != "":
		return r.runLoop(ctx, exec, scope, step, step.While, false)
	case step.Until != "":
		return r.runLoop(ctx, exec, scope, step, step.Until, true)
	}

	kind, err := step.Kind()
	if err != nil {
		return nil, wrapError(KindValidation, step.Name, err)
	}
	if kind == BodyParallel {
		return r.runParallel(ctx, exec, scope, step)
	}
	res, err := r.runLeafGated(ctx, exec, scope, step, kind)
	if err != nil {
		return nil, err
	}
	return res.contextValue(), nil
}

// runLeafGated executes a leaf body once and passes the parsed result
// through the HITL gate when the step requests it.
func (r *Runner) runLeafGated(ctx context.Context, exec *Execution, scope *Scope, step *Step, kind BodyKind) (*StepResult, error) {
	rendered, res, err := r.executeLeaf(ctx, exec, scope, step, kind)
	if err != nil {
		return nil, err
	}
	if step.HITL {
		return r.gate(ctx, exec, scope, step, kind, rendered, res)
	}
	return res, nil
}

// executeLeaf renders the body template and invokes the matching external
// collaborator, returning the rendered text for possible HITL reruns.
func (r *Runner) executeLeaf(ctx context.Context, exec *Execution, scope *Scope, step *Step, kind BodyKind) (string, *StepResult, error) {
	var template string
	switch kind {
	case BodyPrompt:
		template = step.Prompt
	case BodyBash, BodyPython:
		template = step.script(kind)
	case BodyParallel:
		return "", nil, newError(KindValidation, step.Name, "parallel body is not a leaf")
	}

	env := scope.Env()
	if kind == BodyPrompt {
		// Prompt templates may reference {{ feedback }}; it is empty until
		// the HITL gate supplies one.
		if _, ok := env["feedback"]; !ok {
			env["feedback"] = ""
		}
	}
	rendered, err := r.renderer.Render(template, env)
	if err != nil {
		return "", nil, wrapError(KindTemplate, step.Name, err)
	}
	res, err := r.invoke(ctx, exec, step, kind, rendered)
	return rendered, res, err
}

// invoke dispatches the rendered body to the LLM client or process launcher
// and parses the raw output. Each variant's execution has the identical
// shape (rendered input in, step result out).
func (r *Runner) invoke(ctx context.Context, exec *Execution, step *Step, kind BodyKind, rendered string) (*StepResult, error) {
	ctx, cancel := r.stepContext(ctx, step)
	defer cancel()

	var raw string
	switch kind {
	case BodyPrompt:
		out, err := r.llm.Complete(ctx, rendered)
		if err != nil {
			return nil, wrapError(KindExecution, step.Name, err)
		}
		raw = out
	case BodyBash, BodyPython:
		shell := ShellBash
		if kind == BodyPython {
			shell = ShellPython
		}
		stdout, exitCode, err := r.launcher.Run(ctx, rendered, shell)
		if err != nil {
			return nil, wrapError(KindExecution, step.Name, err)
		}
		if exitCode != 0 {
			return nil, newErrorf(KindExecution, step.Name, "process exited with status %d", exitCode)
		}
		raw = stdout
	case BodyParallel:
		return nil, newError(KindValidation, step.Name, "parallel body is not a leaf")
	}

	r.l.InfoContext(exec, fmt.Sprintf("Executed step body: %s", step.Name), "kind", kind.String())
	return ParseOutput(step.Name, raw, step.Output)
}

func (r *Runner) stepContext(ctx context.Context, step *Step) (context.Context, context.CancelFunc) {
	if step.Timeout > 0 {
		return context.WithTimeout(ctx, time.Duration(step.Timeout)*time.Second)
	}
	if r.cfg.StepTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.StepTimeout)
	}
	return ctx, func() {}
}

// runFor evaluates every list expression up front, requires equal lengths,
// then executes the body once per index under a child scope binding each
// loop variable to its i-th element. Aggregation order is always index
// order.
func (r *Runner) runFor(ctx context.Context, exec *Execution, scope *Scope, step *Step) (any, error) {
	names := make([]string, 0, len(step.For))
	for name := range step.For {
		names = append(names, name)
	}
	sort.Strings(names)

	seqs := make(map[string][]any, len(names))
	length := -1
	for _, name := range names {
		v, err := r.renderer.Eval(step.For[name], scope.Env())
		if err != nil {
			return nil, wrapError(KindTemplate, step.Name, err)
		}
		seq, err := toSequence(v)
		if err != nil {
			return nil, newErrorf(KindTemplate, step.Name, "for variable %q: %v", name, err)
		}
		if length >= 0 && len(seq) != length {
			return nil, newErrorf(KindForMismatch, step.Name,
				"for sequences have unequal lengths (%q has %d, expected %d)", name, len(seq), length)
		}
		length = len(seq)
		seqs[name] = seq
	}

	kind, err := step.Kind()
	if err != nil {
		return nil, wrapError(KindValidation, step.Name, err)
	}

	results := make([]*StepResult, 0, length)
	for i := 0; i < length; i++ {
		vars := make(map[string]any, len(names)*2)
		for _, name := range names {
			vars[name] = seqs[name][i]
			vars[name+"_index"] = i
		}
		res, err := r.runLeafGated(ctx, exec, scope.Bind(vars), step, kind)
		if err != nil {
			return nil, atIteration(err, i)
		}
		results = append(results, res)
	}

	return joinForResults(step, results), nil
}

func joinForResults(step *Step, results []*StepResult) any {
	join := step.Join
	if join == JoinDefault {
		join = JoinArray
	}
	switch join {
	case JoinText:
		raws := make([]string, len(results))
		for i, res := range results {
			raws[i] = res.Raw
		}
		return strings.Join(raws, "\n")
	case JoinLast:
		if len(results) == 0 {
			return nil
		}
		return results[len(results)-1].contextValue()
	default: // array
		out := make([]any, len(results))
		for i, res := range results {
			if res.Items != nil {
				out[i] = res.contextValue()
			} else {
				out[i] = res.Fields
			}
		}
		return out
	}
}

// runLoop implements while (continue while condition is truthy) and until
// (continue while condition is falsy). The body always runs at least once,
// and the condition sees the step's own name bound to the latest
// iteration's result. Execution errors are never silently retried; only
// logical success fields drive continuation.
func (r *Runner) runLoop(ctx context.Context, exec *Execution, scope *Scope, step *Step, condition string, isUntil bool) (any, error) {
	max := step.Max
	if max == 0 {
		max = r.cfg.MaxIterations
	}
	kind, err := step.Kind()
	if err != nil {
		return nil, wrapError(KindValidation, step.Name, err)
	}

	var last *StepResult
	for i := 0; i < max; i++ {
		iterScope := scope.Bind(map[string]any{"iteration": i})
		res, err := r.runLeafGated(ctx, exec, iterScope, step, kind)
		if err != nil {
			return nil, atIteration(err, i)
		}
		last = res

		condScope := scope.Bind(map[string]any{
			"iteration": i,
			step.Name:   res.contextValue(),
		})
		v, err := r.renderer.Eval(condition, condScope.Env())
		if err != nil {
			return nil, wrapError(KindTemplate, step.Name, err)
		}
		done := truthy(v)
		if !isUntil {
			done = !done
		}
		if done {
			r.l.InfoContext(exec, fmt.Sprintf("Loop settled: %s", step.Name), "iterations", i+1)
			return last.contextValue(), nil
		}
	}

	fe := newErrorf(KindLoopExhausted, step.Name, "loop did not settle within %d iterations", max)
	fe.Iteration = max
	if last != nil {
		fe.Fields = last.Fields
	}
	return nil, fe
}

func atIteration(err error, i int) error {
	if fe, ok := err.(*FlowError); ok && fe.Iteration < 0 {
		fe.Iteration = i
	}
	return err
}

// toSequence converts a for-clause value into a list. Strings are accepted
// when they hold a JSON array, so rendered templates can produce sequences.
func toSequence(v any) ([]any, error) {
	switch val := v.(type) {
	case []any:
		return val, nil
	case string:
		var seq []any
		if err := json.Unmarshal([]byte(val), &seq); err != nil {
			return nil, fmt.Errorf("%q is not a sequence", val)
		}
		return seq, nil
	default:
		if seq, err := cast.ToSliceE(v); err == nil {
			return seq, nil
		}
		return nil, fmt.Errorf("%T is not a sequence", v)
	}
}
