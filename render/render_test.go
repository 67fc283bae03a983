package render

import (
	"reflect"
	"testing"
)

func TestRenderSubstitution(t *testing.T) {
	tests := []struct {
		name     string
		template string
		env      map[string]any
		want     string
	}{
		{
			name:     "single span",
			template: "hello {{ name }}",
			env:      map[string]any{"name": "world"},
			want:     "hello world",
		},
		{
			name:     "multiple spans",
			template: "{{ a }}-{{ b }}",
			env:      map[string]any{"a": "x", "b": "y"},
			want:     "x-y",
		},
		{
			name:     "dotted path",
			template: "got {{ fetch.status }}",
			env:      map[string]any{"fetch": map[string]any{"status": int64(200)}},
			want:     "got 200",
		},
		{
			name:     "shell syntax outside spans untouched",
			template: `for f in $(ls); do echo "$f {{ suffix }}"; done`,
			env:      map[string]any{"suffix": "ok"},
			want:     `for f in $(ls); do echo "$f ok"; done`,
		},
		{
			name:     "no spans",
			template: "echo $HOME && cat file | grep x",
			env:      nil,
			want:     "echo $HOME && cat file | grep x",
		},
		{
			name:     "expression arithmetic",
			template: "total={{ a + b }}",
			env:      map[string]any{"a": 2, "b": 3},
			want:     "total=5",
		},
		{
			name:     "bool stringifies",
			template: "ok={{ done }}",
			env:      map[string]any{"done": true},
			want:     "ok=true",
		},
		{
			name:     "list stringifies as JSON",
			template: "items={{ items }}",
			env:      map[string]any{"items": []any{"a", "b"}},
			want:     `items=["a","b"]`,
		},
		{
			name:     "base64 helpers",
			template: "{{ base64_decode(base64_encode(secret)) }}",
			env:      map[string]any{"secret": "s3cret"},
			want:     "s3cret",
		},
	}
	r := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Render(tt.template, tt.env)
			if err != nil {
				t.Fatalf("Render(%q) failed: %v", tt.template, err)
			}
			if got != tt.want {
				t.Errorf("Render(%q) = %q, want %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestRenderUndefinedVariable(t *testing.T) {
	r := New()
	if _, err := r.Render("hello {{ nobody }}", map[string]any{"name": "x"}); err == nil {
		t.Fatal("expected an error for an undefined variable")
	}
}

func TestEvalTypedValues(t *testing.T) {
	tests := []struct {
		name     string
		template string
		env      map[string]any
		want     any
	}{
		{
			name:     "sole span keeps the boolean",
			template: "{{ count > 2 }}",
			env:      map[string]any{"count": 3},
			want:     true,
		},
		{
			name:     "sole span keeps the list",
			template: "{{ items }}",
			env:      map[string]any{"items": []any{1, 2}},
			want:     []any{1, 2},
		},
		{
			name:     "brace-free list literal",
			template: "[1, 2, 3]",
			env:      nil,
			want:     []any{1, 2, 3},
		},
		{
			name:     "brace-free variable reference",
			template: "parts",
			env:      map[string]any{"parts": []any{"a"}},
			want:     []any{"a"},
		},
		{
			name:     "brace-free non-expression falls back to literal",
			template: "plain words here",
			env:      nil,
			want:     "plain words here",
		},
		{
			name:     "mixed spans render to string",
			template: "n={{ n }}!",
			env:      map[string]any{"n": 1},
			want:     "n=1!",
		},
		{
			name:     "negation of a step field",
			template: "{{ !poll.done }}",
			env:      map[string]any{"poll": map[string]any{"done": false}},
			want:     true,
		},
		{
			name:     "defined reports presence",
			template: "{{ defined('topic') }}",
			env:      map[string]any{"topic": "go"},
			want:     true,
		},
		{
			name:     "defined reports absence",
			template: "{{ defined('missing') }}",
			env:      map[string]any{"topic": "go"},
			want:     false,
		},
	}
	r := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Eval(tt.template, tt.env)
			if err != nil {
				t.Fatalf("Eval(%q) failed: %v", tt.template, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Eval(%q) = %#v, want %#v", tt.template, got, tt.want)
			}
		})
	}
}

func TestEvalUndefinedVariableInSpan(t *testing.T) {
	r := New()
	if _, err := r.Eval("{{ ghost.field }}", map[string]any{}); err == nil {
		t.Fatal("expected an error for an undefined reference inside a span")
	}
}
