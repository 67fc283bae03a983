package loom

import (
	"context"
	"fmt"
)

// gate suspends execution to present a parsed step result for human review.
// Rejection is ordinary output (approved: false), not an error; downstream
// steps branch on it with `if: "{{ step.approved }}"`. Feedback re-renders
// and re-invokes prompt bodies with the feedback text bound into the
// rendering context; rerun re-executes the same rendered script. The loop
// continues until an accept, edit or reject.
func (r *Runner) gate(ctx context.Context, exec *Execution, scope *Scope, step *Step, kind BodyKind, rendered string, res *StepResult) (*StepResult, error) {
	for {
		r.l.InfoContext(exec, fmt.Sprintf("Awaiting approval for step: %s", step.Name))
		decision, err := r.approver.Review(ctx, ReviewRequest{
			Step:   step.Name,
			Body:   kind,
			Raw:    res.Raw,
			Fields: res.Fields,
		})
		if err != nil {
			return nil, wrapError(KindExecution, step.Name, err)
		}

		switch decision.Action {
		case ActionAccept:
			return approved(res, true), nil

		case ActionEdit:
			res.Fields = decision.Fields
			res.Success = true
			if v, ok := res.Fields["success"]; ok {
				res.Success = truthy(v)
			}
			return approved(res, true), nil

		case ActionReject:
			return approved(res, false), nil

		case ActionFeedback:
			if kind != BodyPrompt {
				return nil, newErrorf(KindExecution, step.Name, "feedback applies to prompt bodies only, not %s", kind)
			}
			fbScope := scope.Bind(map[string]any{"feedback": decision.Feedback})
			rendered, res, err = r.executeLeaf(ctx, exec, fbScope, step, kind)
			if err != nil {
				return nil, err
			}

		case ActionRerun:
			if kind != BodyBash && kind != BodyPython {
				return nil, newErrorf(KindExecution, step.Name, "rerun applies to bash/python bodies only, not %s", kind)
			}
			res, err = r.invoke(ctx, exec, step, kind, rendered)
			if err != nil {
				return nil, err
			}

		default:
			return nil, newErrorf(KindExecution, step.Name, "unknown approval decision %q", decision.Action)
		}
	}
}

func approved(res *StepResult, ok bool) *StepResult {
	res.Approved = &ok
	return res
}
