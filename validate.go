package loom

import (
	"errors"
)

// ValidateFlow checks every structural invariant before execution starts:
// unique names per scope, exactly one body variant, at most one loop
// modifier, parallel nesting restrictions, schema and join sanity. All
// violations are collected so the author sees them at once.
func ValidateFlow(flow *Flow) error {
	var errs []error
	fail := func(step, format string, args ...any) {
		errs = append(errs, newErrorf(KindValidation, step, format, args...))
	}

	if flow.Name == "" {
		fail("", "workflow has no name")
	}

	for name, param := range flow.Input {
		if !knownFieldType(param.Type) {
			fail("", "input %q has unknown type %q", name, param.Type)
		}
	}

	seen := make(map[string]bool, len(flow.Steps))
	for i := range flow.Steps {
		step := &flow.Steps[i]
		if step.Name == "" {
			fail("", "step #%d has no name", i)
			continue
		}
		if seen[step.Name] {
			fail(step.Name, "duplicate step name")
		}
		seen[step.Name] = true
		if _, ok := flow.Input[step.Name]; ok {
			fail(step.Name, "step name collides with input parameter %q", step.Name)
		}
		if step.Name == "properties" {
			fail(step.Name, "step name %q is reserved for workflow properties", step.Name)
		}
		validateStep(step, false, fail)
	}

	return errors.Join(errs...)
}

func validateStep(step *Step, isChild bool, fail func(step, format string, args ...any)) {
	kind, err := step.Kind()
	if err != nil {
		fail(step.Name, "%v", err)
		return
	}

	if step.loopCount() > 1 {
		fail(step.Name, "at most one of for/while/until may be set")
	}
	if step.Max != 0 {
		if step.While == "" && step.Until == "" {
			fail(step.Name, "max is only valid with while or until")
		} else if step.Max < 1 {
			fail(step.Name, "max must be at least 1")
		}
	}

	if isChild {
		if kind == BodyParallel {
			fail(step.Name, "parallel children cannot be parallel themselves")
		}
		if step.loopCount() > 0 {
			fail(step.Name, "parallel children cannot carry for/while/until")
		}
		if step.HITL {
			fail(step.Name, "parallel children cannot set hitl")
		}
	}

	if kind == BodyParallel {
		if step.loopCount() > 0 {
			fail(step.Name, "a parallel step cannot carry for/while/until")
		}
		if step.HITL {
			fail(step.Name, "hitl applies to prompt/bash/python bodies, not parallel")
		}
		childSeen := make(map[string]bool, len(step.Parallel))
		for i := range step.Parallel {
			child := &step.Parallel[i]
			if child.Name == "" {
				fail(step.Name, "parallel child #%d has no name", i)
				continue
			}
			if childSeen[child.Name] {
				fail(child.Name, "duplicate child name in parallel step %q", step.Name)
			}
			childSeen[child.Name] = true
			validateStep(child, true, fail)
		}
	}

	validateJoin(step, kind, fail)

	if step.Output != nil {
		for name, spec := range step.Output.Fields {
			if !knownFieldType(spec.Type) {
				fail(step.Name, "output field %q has unknown type %q", name, spec.Type)
			}
		}
		if kind == BodyParallel {
			fail(step.Name, "parallel steps aggregate child outputs and cannot declare their own schema")
		}
	}
}

func validateJoin(step *Step, kind BodyKind, fail func(step, format string, args ...any)) {
	switch {
	case len(step.For) > 0:
		switch step.Join {
		case JoinDefault, JoinArray, JoinText, JoinLast:
		case JoinObject:
			fail(step.Name, "join object requires independently named results; use parallel, or array/text/lastOf here")
		default:
			fail(step.Name, "unknown join mode %q", step.Join)
		}
	case kind == BodyParallel:
		switch step.Join {
		case JoinDefault, JoinObject, JoinArray, JoinText:
		default:
			fail(step.Name, "unknown or unsupported join mode %q for parallel", step.Join)
		}
	case step.While != "" || step.Until != "":
		if step.Join != JoinDefault && step.Join != JoinLast {
			fail(step.Name, "while/until loops keep only the last result; join %q is invalid", step.Join)
		}
	default:
		if step.Join != JoinDefault {
			fail(step.Name, "join is only valid on for loops and parallel steps")
		}
	}
}
