// Package render implements the engine's template boundary with
// expr-lang expressions inside {{ ... }} spans.
package render

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/loomctl/loom"
)

var _ loom.TemplateRenderer = (*Renderer)(nil)

// spanPattern matches one {{ ... }} expression span, non-greedy.
var spanPattern = regexp.MustCompile(`\{\{(.*?)\}\}`)

// Custom expression functions available in all flows.
var exprFunctions = []expr.Option{
	expr.Function("base64_encode", func(params ...any) (any, error) {
		s, _ := params[0].(string)
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	}),
	expr.Function("base64_decode", func(params ...any) (any, error) {
		s, _ := params[0].(string)
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", err
		}
		return string(decoded), nil
	}),
}

// Renderer evaluates expressions with expr-lang. Undefined variable
// references are compile errors; the engine treats any error here as
// flow-fatal, so nothing renders partially.
type Renderer struct{}

func New() *Renderer {
	return &Renderer{}
}

// Render substitutes every {{ ... }} span and returns the resulting string.
// Text outside the spans, shell syntax included, passes through untouched.
func (r *Renderer) Render(template string, env map[string]any) (string, error) {
	var firstErr error
	out := spanPattern.ReplaceAllStringFunc(template, func(span string) string {
		if firstErr != nil {
			return span
		}
		inner := strings.TrimSpace(spanPattern.FindStringSubmatch(span)[1])
		v, err := r.eval(inner, env)
		if err != nil {
			firstErr = err
			return span
		}
		return stringify(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// Eval returns the typed value of template. A sole {{ ... }} span yields
// the expression's value directly, so conditions stay booleans and for
// clauses stay lists. A brace-free template is evaluated as a bare
// expression, falling back to the literal string when it does not compile.
// Anything else is rendered as text.
func (r *Renderer) Eval(template string, env map[string]any) (any, error) {
	trimmed := strings.TrimSpace(template)

	if m := spanPattern.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		return r.eval(strings.TrimSpace(m[1]), env)
	}
	if !strings.Contains(trimmed, "{{") {
		v, err := r.eval(trimmed, env)
		if err != nil {
			// Not an expression: treat as a literal.
			return template, nil
		}
		return v, nil
	}
	return r.Render(template, env)
}

func (r *Renderer) eval(expression string, env map[string]any) (any, error) {
	if env == nil {
		env = map[string]any{}
	}

	// defined() distinguishes missing variables from null values.
	definedFn := expr.Function(
		"defined",
		func(params ...any) (any, error) {
			path, ok := params[0].(string)
			if !ok {
				return false, fmt.Errorf("defined() expects string path argument, got %T", params[0])
			}
			_, exists := env[path]
			return exists, nil
		},
		new(func(string) bool),
	)

	opts := []expr.Option{
		expr.Env(env),
		definedFn,
	}
	opts = append(opts, exprFunctions...)

	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", expression, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", expression, err)
	}
	return out, nil
}

// stringify renders an expression value into template text. Structured
// values serialize as JSON so list and object outputs stay machine-readable.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
