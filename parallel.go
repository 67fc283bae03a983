package loom

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// runParallel fans the fixed child list out concurrently, each child reading
// the context as it stood when the parallel step began. Siblings never
// observe each other's in-flight results; the joined aggregate commits once
// under the parent step's name, keyed and ordered by declaration regardless
// of completion order. With fail-fast enabled the first child failure
// cancels the remaining siblings cooperatively and becomes the parallel
// step's own failure.
func (r *Runner) runParallel(ctx context.Context, exec *Execution, scope *Scope, step *Step) (any, error) {
	children := step.Parallel
	results := make([]*StepResult, len(children))

	runChild := func(ctx context.Context, i int) error {
		child := &children[i]
		if child.If != "" {
			v, err := r.renderer.Eval(child.If, scope.Env())
			if err != nil {
				return childError(step.Name, child.Name, wrapError(KindTemplate, child.Name, err))
			}
			if !truthy(v) {
				r.l.InfoContext(exec, fmt.Sprintf("Skipping parallel child: %s.%s", step.Name, child.Name))
				results[i] = &StepResult{Skipped: true, Success: true}
				return nil
			}
		}
		kind, err := child.Kind()
		if err != nil {
			return childError(step.Name, child.Name, wrapError(KindValidation, child.Name, err))
		}
		_, res, err := r.executeLeaf(ctx, exec, scope, child, kind)
		if err != nil {
			return childError(step.Name, child.Name, err)
		}
		results[i] = res
		return nil
	}

	r.l.InfoContext(exec, fmt.Sprintf("Fanning out parallel step: %s", step.Name), "children", len(children))

	if r.cfg.FailFast {
		g, gctx := errgroup.WithContext(ctx)
		for i := range children {
			i := i
			g.Go(func() error { return runChild(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		var g errgroup.Group
		for i := range children {
			i := i
			g.Go(func() error { return runChild(ctx, i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	return joinParallelResults(step, children, results), nil
}

func joinParallelResults(step *Step, children []Step, results []*StepResult) any {
	join := step.Join
	if join == JoinDefault {
		join = JoinObject
	}
	switch join {
	case JoinArray:
		out := make([]any, len(results))
		for i, res := range results {
			out[i] = res.contextValue()
		}
		return out
	case JoinText:
		raws := make([]string, 0, len(results))
		for _, res := range results {
			if res.Skipped {
				continue
			}
			raws = append(raws, res.Raw)
		}
		return strings.Join(raws, "\n")
	default: // object
		fields := make(map[string]any, len(children))
		for i := range children {
			fields[children[i].Name] = results[i].contextValue()
		}
		return fields
	}
}

// childError re-raises a child failure as the parallel step's own,
// preserving which child and what kind of failure it was.
func childError(parent, child string, err error) error {
	fe, ok := err.(*FlowError)
	if !ok {
		return &FlowError{Kind: KindExecution, Step: parent, Child: child, Iteration: -1, Cause: err}
	}
	out := *fe
	out.Step = parent
	out.Child = child
	return &out
}
