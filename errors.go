package loom

import (
	"errors"
	"fmt"
)

// ErrorKind classifies flow failures. All kinds abort the workflow; the
// distinction drives reporting and lets callers branch with errors.As.
type ErrorKind string

const (
	// KindValidation covers static, pre-execution defects: bad nesting,
	// duplicate names, malformed schemas. Never reaches the executor.
	KindValidation ErrorKind = "validation"
	// KindTemplate covers render failures (undefined variable, syntax
	// error). Treated as an authoring defect, so flow-fatal.
	KindTemplate ErrorKind = "template"
	// KindForMismatch signals unequal sequence lengths in a for clause,
	// raised before any iteration runs.
	KindForMismatch ErrorKind = "for_length_mismatch"
	// KindExecution covers non-zero process exits and LLM client failures.
	KindExecution ErrorKind = "execution"
	// KindOutput signals a required schema field missing or mistyped after
	// parsing.
	KindOutput ErrorKind = "output_validation"
	// KindLoopExhausted signals a while/repeat loop hitting its max
	// iteration count without satisfying its condition.
	KindLoopExhausted ErrorKind = "loop_exhausted"
	// KindDuplicateStep is the runtime guard behind the write-once context
	// invariant. Validation catches this statically; seeing it at runtime
	// means an engine bug.
	KindDuplicateStep ErrorKind = "duplicate_step"
	// KindUndefined signals an unresolvable context path.
	KindUndefined ErrorKind = "undefined_reference"
)

// FlowError is the canonical error propagated out of a flow execution. It
// names the failing step and, where applicable, the iteration or parallel
// child, so whoever must fix the workflow knows where to look.
type FlowError struct {
	Kind      ErrorKind
	Step      string
	Child     string         // parallel child name, if the failure came from one
	Iteration int            // loop iteration count, -1 when not applicable
	Field     string         // offending schema field, for output validation
	Message   string
	Fields    map[string]any // last parsed fields, for loop exhaustion reports
	Cause     error
}

func (e *FlowError) Error() string {
	s := fmt.Sprintf("[%s]", e.Kind)
	if e.Step != "" {
		s += fmt.Sprintf(" step %q", e.Step)
	}
	if e.Child != "" {
		s += fmt.Sprintf(" child %q", e.Child)
	}
	if e.Iteration >= 0 {
		s += fmt.Sprintf(" iteration %d", e.Iteration)
	}
	if e.Field != "" {
		s += fmt.Sprintf(" field %q", e.Field)
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsKind reports whether err is (or wraps) a FlowError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var fe *FlowError
	return errors.As(err, &fe) && fe.Kind == kind
}

func newError(kind ErrorKind, step, message string) *FlowError {
	return &FlowError{Kind: kind, Step: step, Iteration: -1, Message: message}
}

func newErrorf(kind ErrorKind, step, format string, args ...any) *FlowError {
	return newError(kind, step, fmt.Sprintf(format, args...))
}

func wrapError(kind ErrorKind, step string, cause error) *FlowError {
	return &FlowError{Kind: kind, Step: step, Iteration: -1, Cause: cause}
}

func outputError(step, field, message string) *FlowError {
	e := newError(KindOutput, step, message)
	e.Field = field
	return e
}
