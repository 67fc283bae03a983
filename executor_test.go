package loom_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomctl/loom"
	"github.com/loomctl/loom/render"
)

// fakeLLM records prompts and replies from a scripted queue.
type fakeLLM struct {
	mu      sync.Mutex
	prompts []string
	replies []string
	err     error
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.prompts = append(f.prompts, prompt)
	if len(f.replies) == 0 {
		return "", fmt.Errorf("fakeLLM: no reply scripted for %q", prompt)
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

// fakeLauncher simulates `echo ...` lines so scripts produce their own
// rendered text as stdout. A non-nil hook overrides the simulation.
type fakeLauncher struct {
	mu    sync.Mutex
	calls []string
	delay time.Duration
	hook  func(ctx context.Context, script string, shell loom.Shell) (string, int, error)
}

func (f *fakeLauncher) Run(ctx context.Context, script string, shell loom.Shell) (string, int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, script)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", -1, ctx.Err()
		}
	}
	if f.hook != nil {
		return f.hook(ctx, script, shell)
	}
	return echoSim(script), 0, nil
}

func (f *fakeLauncher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// echoSim interprets each `echo ...` line of a script, stripping one level
// of surrounding quotes.
func echoSim(script string) string {
	var out []string
	for _, line := range strings.Split(script, "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "echo "); ok {
			rest = strings.TrimSpace(rest)
			if len(rest) >= 2 && (rest[0] == '"' || rest[0] == '\'') && rest[len(rest)-1] == rest[0] {
				rest = rest[1 : len(rest)-1]
			}
			out = append(out, rest)
		}
	}
	return strings.Join(out, "\n")
}

// fakeApprover pops decisions from a scripted queue.
type fakeApprover struct {
	mu        sync.Mutex
	decisions []loom.Decision
	requests  []loom.ReviewRequest
}

func (f *fakeApprover) Review(ctx context.Context, req loom.ReviewRequest) (loom.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.decisions) == 0 {
		return loom.Decision{}, fmt.Errorf("fakeApprover: no decision scripted")
	}
	d := f.decisions[0]
	f.decisions = f.decisions[1:]
	return d, nil
}

func newTestRunner(llmc loom.LLMClient, launcher loom.ProcessLauncher, approver loom.Approver) *loom.Runner {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return loom.NewRunner(nil, render.New(), llmc, launcher, approver, logger)
}

func lineSchema(names ...string) *loom.OutputSchema {
	fields := make(map[string]loom.FieldSpec, len(names))
	for _, n := range names {
		fields[n] = loom.FieldSpec{Type: loom.TypeLine}
	}
	return &loom.OutputSchema{Fields: fields}
}

func intSchema(names ...string) *loom.OutputSchema {
	fields := make(map[string]loom.FieldSpec, len(names))
	for _, n := range names {
		fields[n] = loom.FieldSpec{Type: loom.TypeInt}
	}
	return &loom.OutputSchema{Fields: fields}
}

func stepFields(t *testing.T, result *loom.Result, name string) map[string]any {
	t.Helper()
	v, ok := result.Context[name]
	if !ok {
		t.Fatalf("step %q missing from context", name)
	}
	fields, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("step %q context value is %T, expected map", name, v)
	}
	return fields
}

// Minimal end-to-end: one bash step templated from an input parameter.
func TestRunSimpleWorkflow(t *testing.T) {
	launcher := &fakeLauncher{}
	runner := newTestRunner(nil, launcher, nil)

	flow := &loom.Flow{
		Name:  "simple_workflow",
		Input: map[string]loom.InputParameter{"name": {Type: loom.TypeWord}},
		Steps: []loom.Step{
			{Name: "greet", Bash: `echo "message=Hello, {{ name }}!"`, Output: lineSchema("message")},
		},
	}

	result, err := runner.Run(context.Background(), flow, map[string]string{"name": "World"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := stepFields(t, result, "greet")["message"]; got != "Hello, World!" {
		t.Errorf("greet.message = %v, expected Hello, World!", got)
	}
	if launcher.callCount() != 1 {
		t.Errorf("launcher called %d times, expected exactly 1", launcher.callCount())
	}
}

func TestRunRequiredInputMissing(t *testing.T) {
	runner := newTestRunner(nil, &fakeLauncher{}, nil)
	flow := &loom.Flow{
		Name:  "f",
		Input: map[string]loom.InputParameter{"name": {Type: loom.TypeWord}},
		Steps: []loom.Step{{Name: "a", Bash: "echo x=1"}},
	}
	_, err := runner.Run(context.Background(), flow, nil)
	if !loom.IsKind(err, loom.KindValidation) {
		t.Fatalf("expected KindValidation, got %v", err)
	}
}

func TestRunInputDefaultApplied(t *testing.T) {
	launcher := &fakeLauncher{}
	runner := newTestRunner(nil, launcher, nil)
	flow := &loom.Flow{
		Name: "f",
		Input: map[string]loom.InputParameter{
			"greeting": {Type: loom.TypeLine, Default: "Hello", HasDefault: true},
		},
		Steps: []loom.Step{
			{Name: "a", Bash: "echo message={{ greeting }}", Output: lineSchema("message")},
		},
	}
	result, err := runner.Run(context.Background(), flow, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := stepFields(t, result, "a")["message"]; got != "Hello" {
		t.Errorf("message = %v, expected default Hello", got)
	}
}

// A falsy if-gate must skip the body entirely but still commit a result.
func TestRunIfFalseSkipsBody(t *testing.T) {
	launcher := &fakeLauncher{}
	runner := newTestRunner(nil, launcher, nil)
	flow := &loom.Flow{
		Name: "f",
		Steps: []loom.Step{
			{Name: "skipped_step", Bash: "echo x=1", If: "false"},
			{Name: "ran", Bash: "echo x=2"},
		},
	}
	result, err := runner.Run(context.Background(), flow, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := stepFields(t, result, "skipped_step")["skipped"]; got != true {
		t.Errorf("skipped = %v, expected true", got)
	}
	if launcher.callCount() != 1 {
		t.Errorf("launcher called %d times, expected only the second step", launcher.callCount())
	}
	if len(result.Outcomes) != 2 {
		t.Errorf("outcomes = %d, expected one committed result per declared step", len(result.Outcomes))
	}
}

// For loop with array join: aggregate ordering follows the input sequence.
func TestRunForArrayJoin(t *testing.T) {
	launcher := &fakeLauncher{}
	runner := newTestRunner(nil, launcher, nil)
	flow := &loom.Flow{
		Name: "f",
		Steps: []loom.Step{
			{
				Name:   "iterate",
				Bash:   "echo value={{ item }}",
				For:    map[string]string{"item": "[1,2,3]"},
				Output: intSchema("value"),
			},
		},
	}
	result, err := runner.Run(context.Background(), flow, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	agg, ok := result.Context["iterate"].([]any)
	if !ok {
		t.Fatalf("iterate = %T, expected []any", result.Context["iterate"])
	}
	if len(agg) != 3 {
		t.Fatalf("aggregate length = %d, expected 3", len(agg))
	}
	for i, want := range []int64{1, 2, 3} {
		fields := agg[i].(map[string]any)
		if fields["value"] != want {
			t.Errorf("aggregate[%d].value = %v, expected %d", i, fields["value"], want)
		}
	}
}

func TestRunForTextJoin(t *testing.T) {
	launcher := &fakeLauncher{}
	runner := newTestRunner(nil, launcher, nil)
	flow := &loom.Flow{
		Name: "f",
		Steps: []loom.Step{
			{
				Name: "lines",
				Bash: "echo item {{ w }}",
				For:  map[string]string{"w": `["a","b"]`},
				Join: loom.JoinText,
			},
		},
	}
	result, err := runner.Run(context.Background(), flow, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := result.Context["lines"]; got != "item a\nitem b" {
		t.Errorf("text join = %q, expected raw outputs newline-joined in order", got)
	}
}

// Unequal for sequences fail before any iteration executes.
func TestRunForLengthMismatch(t *testing.T) {
	launcher := &fakeLauncher{}
	runner := newTestRunner(nil, launcher, nil)
	flow := &loom.Flow{
		Name: "f",
		Steps: []loom.Step{
			{
				Name: "zip",
				Bash: "echo x={{ a }}{{ b }}",
				For:  map[string]string{"a": "[1,2]", "b": "[1,2,3]"},
			},
		},
	}
	_, err := runner.Run(context.Background(), flow, nil)
	if !loom.IsKind(err, loom.KindForMismatch) {
		t.Fatalf("expected KindForMismatch, got %v", err)
	}
	if launcher.callCount() != 0 {
		t.Errorf("launcher called %d times, expected none before the mismatch", launcher.callCount())
	}
}

// Parallel children aggregate under their declared names and downstream
// steps can combine their fields.
func TestRunParallelCombine(t *testing.T) {
	launcher := &fakeLauncher{}
	runner := newTestRunner(nil, launcher, nil)
	flow := &loom.Flow{
		Name: "f",
		Steps: []loom.Step{
			{
				Name: "fetch_data",
				Parallel: []loom.Step{
					{Name: "users", Bash: "echo count=100", Output: intSchema("count")},
					{Name: "orders", Bash: "echo count=500", Output: intSchema("count")},
				},
			},
			{
				Name:   "combine",
				Bash:   "echo total={{ fetch_data.users.count + fetch_data.orders.count }}",
				Output: intSchema("total"),
			},
		},
	}
	result, err := runner.Run(context.Background(), flow, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := stepFields(t, result, "combine")["total"]; got != int64(600) {
		t.Errorf("combine.total = %v (%T), expected 600", got, got)
	}
}

// Children run concurrently: wall clock tracks the slowest child, not the
// sum of all of them.
func TestRunParallelIsConcurrent(t *testing.T) {
	launcher := &fakeLauncher{delay: 60 * time.Millisecond}
	runner := newTestRunner(nil, launcher, nil)
	flow := &loom.Flow{
		Name: "f",
		Steps: []loom.Step{
			{
				Name: "fan",
				Parallel: []loom.Step{
					{Name: "a", Bash: "echo v=1"},
					{Name: "b", Bash: "echo v=2"},
					{Name: "c", Bash: "echo v=3"},
				},
			},
		},
	}
	start := time.Now()
	_, err := runner.Run(context.Background(), flow, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("parallel elapsed %v, expected roughly one child's delay", elapsed)
	}
}

// First child failure cancels the remaining siblings and becomes the
// parallel step's own failure.
func TestRunParallelFailFast(t *testing.T) {
	launcher := &fakeLauncher{
		hook: func(ctx context.Context, script string, shell loom.Shell) (string, int, error) {
			if strings.Contains(script, "boom") {
				return "", 1, nil
			}
			select {
			case <-time.After(5 * time.Second):
				return "v=1", 0, nil
			case <-ctx.Done():
				return "", -1, ctx.Err()
			}
		},
	}
	runner := newTestRunner(nil, launcher, nil)
	flow := &loom.Flow{
		Name: "f",
		Steps: []loom.Step{
			{
				Name: "fan",
				Parallel: []loom.Step{
					{Name: "slow", Bash: "sleep forever"},
					{Name: "boom", Bash: "boom"},
				},
			},
		},
	}
	start := time.Now()
	_, err := runner.Run(context.Background(), flow, nil)
	if !loom.IsKind(err, loom.KindExecution) {
		t.Fatalf("expected KindExecution, got %v", err)
	}
	var fe *loom.FlowError
	if !errors.As(err, &fe) {
		t.Fatal("expected FlowError")
	}
	if fe.Step != "fan" || fe.Child != "boom" {
		t.Errorf("failure attributed to step %q child %q, expected fan/boom", fe.Step, fe.Child)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("fail-fast took %v, siblings were not cancelled", elapsed)
	}
}

// While loops run the body at least once.
func TestRunWhileAtLeastOnce(t *testing.T) {
	launcher := &fakeLauncher{}
	runner := newTestRunner(nil, launcher, nil)
	flow := &loom.Flow{
		Name: "f",
		Steps: []loom.Step{
			{Name: "once", Bash: "echo v=1", While: "false"},
		},
	}
	_, err := runner.Run(context.Background(), flow, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if launcher.callCount() != 1 {
		t.Errorf("launcher called %d times, expected exactly 1", launcher.callCount())
	}
}

// Until loop whose condition never satisfies exhausts after max executions.
func TestRunUntilExhaustsAtMax(t *testing.T) {
	launcher := &fakeLauncher{}
	runner := newTestRunner(nil, launcher, nil)
	flow := &loom.Flow{
		Name: "f",
		Steps: []loom.Step{
			{
				Name:  "persist",
				Bash:  "echo success=0",
				Until: "{{ persist.success }}",
				Max:   3,
				Output: &loom.OutputSchema{Fields: map[string]loom.FieldSpec{
					"success": {Type: loom.TypeBool},
				}},
			},
		},
	}
	_, err := runner.Run(context.Background(), flow, nil)
	if !loom.IsKind(err, loom.KindLoopExhausted) {
		t.Fatalf("expected KindLoopExhausted, got %v", err)
	}
	if launcher.callCount() != 3 {
		t.Errorf("launcher called %d times, expected exactly 3", launcher.callCount())
	}
	var fe *loom.FlowError
	if errors.As(err, &fe) {
		if fe.Iteration != 3 {
			t.Errorf("reported iterations = %d, expected 3", fe.Iteration)
		}
		if fe.Fields == nil {
			t.Error("exhaustion report should carry the last parsed fields")
		}
	}
}

// While loop retries on a logical success field until it flips.
func TestRunWhileStopsWhenConditionFalsifies(t *testing.T) {
	count := 0
	launcher := &fakeLauncher{
		hook: func(ctx context.Context, script string, shell loom.Shell) (string, int, error) {
			count++
			if count < 3 {
				return "done=no", 0, nil
			}
			return "done=yes", 0, nil
		},
	}
	runner := newTestRunner(nil, launcher, nil)
	flow := &loom.Flow{
		Name: "f",
		Steps: []loom.Step{
			{
				Name:  "poll",
				Bash:  "poll",
				While: `{{ !poll.done }}`,
				Output: &loom.OutputSchema{Fields: map[string]loom.FieldSpec{
					"done": {Type: loom.TypeBool},
				}},
			},
		},
	}
	result, err := runner.Run(context.Background(), flow, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if count != 3 {
		t.Errorf("body ran %d times, expected 3", count)
	}
	if got := stepFields(t, result, "poll")["done"]; got != true {
		t.Errorf("poll.done = %v, expected final iteration's fields", got)
	}
}

// A render failure aborts the whole flow, not just the step.
func TestRunUndefinedVariableIsFatal(t *testing.T) {
	runner := newTestRunner(nil, &fakeLauncher{}, nil)
	flow := &loom.Flow{
		Name: "f",
		Steps: []loom.Step{
			{Name: "a", Bash: "echo {{ missing_variable }}"},
		},
	}
	_, err := runner.Run(context.Background(), flow, nil)
	if !loom.IsKind(err, loom.KindTemplate) {
		t.Fatalf("expected KindTemplate, got %v", err)
	}
}

// A non-zero exit status is an execution error, distinct from logical
// success=false output.
func TestRunNonZeroExitIsFatal(t *testing.T) {
	launcher := &fakeLauncher{
		hook: func(ctx context.Context, script string, shell loom.Shell) (string, int, error) {
			return "", 42, nil
		},
	}
	runner := newTestRunner(nil, launcher, nil)
	flow := &loom.Flow{
		Name:  "f",
		Steps: []loom.Step{{Name: "a", Bash: "exit 42"}},
	}
	result, err := runner.Run(context.Background(), flow, nil)
	if !loom.IsKind(err, loom.KindExecution) {
		t.Fatalf("expected KindExecution, got %v", err)
	}
	if result == nil {
		t.Error("failed runs should still report the accumulated context")
	}
}

func TestRunPromptStep(t *testing.T) {
	llmc := &fakeLLM{replies: []string{"headline=Breaking news"}}
	runner := newTestRunner(llmc, nil, nil)
	flow := &loom.Flow{
		Name:  "f",
		Input: map[string]loom.InputParameter{"topic": {Type: loom.TypeWord}},
		Steps: []loom.Step{
			{Name: "write", Prompt: "Write a headline about {{ topic }}.", Output: lineSchema("headline")},
		},
	}
	result, err := runner.Run(context.Background(), flow, map[string]string{"topic": "go"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(llmc.prompts) != 1 || !strings.Contains(llmc.prompts[0], "about go.") {
		t.Errorf("prompts = %v, expected rendered topic", llmc.prompts)
	}
	if got := stepFields(t, result, "write")["headline"]; got != "Breaking news" {
		t.Errorf("headline = %v", got)
	}
}

// blockingLauncher waits for cancellation, as a stuck script would.
func blockingLauncher() *fakeLauncher {
	return &fakeLauncher{
		hook: func(ctx context.Context, script string, shell loom.Shell) (string, int, error) {
			<-ctx.Done()
			return "", -1, fmt.Errorf("script cancelled: %w", ctx.Err())
		},
	}
}

// The engine-wide step timeout bounds each body execution.
func TestRunStepTimeoutFromConfig(t *testing.T) {
	cfg := loom.DefaultConfig()
	cfg.StepTimeout = 50 * time.Millisecond
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := loom.NewRunner(cfg, render.New(), nil, blockingLauncher(), nil, logger)
	flow := &loom.Flow{
		Name: "f",
		Steps: []loom.Step{
			{Name: "stuck", Bash: "sleep forever"},
		},
	}
	start := time.Now()
	_, err := runner.Run(context.Background(), flow, nil)
	if !loom.IsKind(err, loom.KindExecution) {
		t.Fatalf("expected KindExecution, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v, expected roughly the configured 50ms", elapsed)
	}
}

// A step's own timeout takes precedence over the engine-wide one.
func TestRunStepTimeoutPerStep(t *testing.T) {
	cfg := loom.DefaultConfig()
	cfg.StepTimeout = 10 * time.Minute
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := loom.NewRunner(cfg, render.New(), nil, blockingLauncher(), nil, logger)
	flow := &loom.Flow{
		Name: "f",
		Steps: []loom.Step{
			{Name: "stuck", Bash: "sleep forever", Timeout: 1},
		},
	}
	start := time.Now()
	_, err := runner.Run(context.Background(), flow, nil)
	if !loom.IsKind(err, loom.KindExecution) {
		t.Fatalf("expected KindExecution, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v, expected roughly the step's 1s", elapsed)
	}
}

// lastOf keeps only the final iteration's result.
func TestRunForLastOfJoin(t *testing.T) {
	launcher := &fakeLauncher{}
	runner := newTestRunner(nil, launcher, nil)
	flow := &loom.Flow{
		Name: "f",
		Steps: []loom.Step{
			{
				Name:   "walk",
				Bash:   "echo v={{ item }}",
				For:    map[string]string{"item": "[1, 2, 3]"},
				Join:   loom.JoinLast,
				Output: intSchema("v"),
			},
		},
	}
	result, err := runner.Run(context.Background(), flow, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := stepFields(t, result, "walk")["v"]; got != int64(3) {
		t.Errorf("walk.v = %v (%T), expected the last iteration's 3", got, got)
	}
	if launcher.callCount() != 3 {
		t.Errorf("launcher called %d times, expected every iteration to run", launcher.callCount())
	}
}
