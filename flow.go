package loom

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Flow is a loaded workflow definition. It is immutable once loaded;
// the engine never writes back into it.
type Flow struct {
	Name       string                    `yaml:"name"`
	Input      map[string]InputParameter `yaml:"input"`
	Properties map[string]any            `yaml:"properties"`
	Steps      []Step                    `yaml:"steps"`
}

// FieldType enumerates the scalar types accepted by input parameters and
// output schema fields.
type FieldType string

const (
	TypeWord  FieldType = "word" // no whitespace
	TypeLine  FieldType = "line" // no newlines
	TypeText  FieldType = "text"
	TypePath  FieldType = "path" // non-empty string
	TypeInt   FieldType = "int"
	TypeBool  FieldType = "bool"
	TypeFloat FieldType = "float"
)

func knownFieldType(t FieldType) bool {
	switch t {
	case TypeWord, TypeLine, TypeText, TypePath, TypeInt, TypeBool, TypeFloat:
		return true
	}
	return false
}

// InputParameter declares a workflow input. A parameter without a default is
// required at invocation. Supports the scalar shorthand `name: word` as well
// as the full `name: {type: word, default: x}` form.
type InputParameter struct {
	Type       FieldType
	Default    any
	HasDefault bool
}

func (p *InputParameter) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		p.Type = FieldType(node.Value)
		return nil
	}
	var aux struct {
		Type    FieldType `yaml:"type"`
		Default yaml.Node `yaml:"default"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	p.Type = aux.Type
	if !aux.Default.IsZero() {
		p.HasDefault = true
		if err := aux.Default.Decode(&p.Default); err != nil {
			return err
		}
	}
	return nil
}

// JoinMode selects how a loop's or parallel block's per-iteration results
// are combined into the step's single committed result.
type JoinMode string

const (
	JoinDefault JoinMode = ""
	JoinArray   JoinMode = "array"
	JoinObject  JoinMode = "object"
	JoinText    JoinMode = "text"
	JoinLast    JoinMode = "lastOf"
)

// BodyKind tags the step body variant. Exactly one variant is set per step,
// enforced by static validation.
type BodyKind int

const (
	BodyPrompt BodyKind = iota
	BodyBash
	BodyPython
	BodyParallel
)

func (k BodyKind) String() string {
	switch k {
	case BodyPrompt:
		return "prompt"
	case BodyBash:
		return "bash"
	case BodyPython:
		return "python"
	case BodyParallel:
		return "parallel"
	}
	return "unknown"
}

// Step is one declared unit of work: one body variant plus optional control
// modifiers. At most one of For/While/Until may be set.
type Step struct {
	Name     string            `yaml:"name"`
	Prompt   string            `yaml:"prompt,omitempty"`
	Bash     string            `yaml:"bash,omitempty"`
	Python   string            `yaml:"python,omitempty"`
	Parallel []Step            `yaml:"parallel,omitempty"`
	If       string            `yaml:"if,omitempty"`
	For      map[string]string `yaml:"for,omitempty"`
	While    string            `yaml:"while,omitempty"`
	Until    string            `yaml:"until,omitempty"`
	Max      int               `yaml:"max,omitempty"`
	Join     JoinMode          `yaml:"join,omitempty"`
	Output   *OutputSchema     `yaml:"output,omitempty"`
	HITL     bool              `yaml:"hitl,omitempty"`
	Timeout  int               `yaml:"timeout,omitempty"` // seconds, 0 = none
}

// Kind reports the step's body variant. Validation guarantees exactly one
// variant is present, so after ValidateFlow this never returns an error.
func (s *Step) Kind() (BodyKind, error) {
	kinds := make([]BodyKind, 0, 1)
	if s.Prompt != "" {
		kinds = append(kinds, BodyPrompt)
	}
	if s.Bash != "" {
		kinds = append(kinds, BodyBash)
	}
	if s.Python != "" {
		kinds = append(kinds, BodyPython)
	}
	if len(s.Parallel) > 0 {
		kinds = append(kinds, BodyParallel)
	}
	if len(kinds) != 1 {
		return 0, fmt.Errorf("step %s must have exactly one body (prompt, bash, python or parallel), found %d", s.Name, len(kinds))
	}
	return kinds[0], nil
}

func (s *Step) loopCount() int {
	n := 0
	if len(s.For) > 0 {
		n++
	}
	if s.While != "" {
		n++
	}
	if s.Until != "" {
		n++
	}
	return n
}

// script returns the leaf body text for bash/python kinds.
func (s *Step) script(kind BodyKind) string {
	if kind == BodyBash {
		return s.Bash
	}
	return s.Python
}

// FieldSpec declares one output schema field. Supports the scalar shorthand
// `field: int` and the full `field: {type: int, default: 0}` form. A field
// without a default is required.
type FieldSpec struct {
	Type       FieldType
	Default    any
	HasDefault bool
}

func (f *FieldSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		f.Type = FieldType(node.Value)
		return nil
	}
	var aux struct {
		Type    FieldType `yaml:"type"`
		Default yaml.Node `yaml:"default"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	f.Type = aux.Type
	if !aux.Default.IsZero() {
		f.HasDefault = true
		if err := aux.Default.Decode(&f.Default); err != nil {
			return err
		}
	}
	return nil
}

// OutputSchema is either an object schema (mapping of field name to spec) or
// an array schema wrapping one object schema:
//
//	output:
//	  message: line
//	  count: {type: int, default: 0}
//
//	output:
//	  array:
//	    value: int
type OutputSchema struct {
	Array  bool
	Fields map[string]FieldSpec
}

func (o *OutputSchema) UnmarshalYAML(node *yaml.Node) error {
	var m map[string]yaml.Node
	if err := node.Decode(&m); err != nil {
		return err
	}
	if len(m) == 1 {
		if inner, ok := m["array"]; ok && inner.Kind == yaml.MappingNode {
			o.Array = true
			return inner.Decode(&o.Fields)
		}
	}
	return node.Decode(&o.Fields)
}

// hasRequired reports whether any schema field lacks a default.
func (o *OutputSchema) hasRequired() bool {
	for _, f := range o.Fields {
		if !f.HasDefault {
			return true
		}
	}
	return false
}
