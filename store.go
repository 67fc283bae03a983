package loom

import (
	"strconv"
	"strings"
)

// Scope is one layer of the hierarchical variable environment. Step results
// commit into their enclosing scope exactly once; loop iterations layer
// ephemeral bindings in child scopes so sibling iterations never see each
// other's loop variables. A scope is exclusively owned by the task that
// created it until its result commits upward, so no locking is needed.
type Scope struct {
	parent *Scope
	values map[string]any
}

func NewScope() *Scope {
	return &Scope{values: make(map[string]any)}
}

// Bind returns a child scope layering vars over s. Non-destructive: s is
// never modified.
func (s *Scope) Bind(vars map[string]any) *Scope {
	child := &Scope{parent: s, values: make(map[string]any, len(vars))}
	for k, v := range vars {
		child.values[k] = v
	}
	return child
}

// Commit writes a step result into this scope. Entries are write-once; a
// duplicate name is an engine invariant violation since validation rejects
// duplicate step names statically.
func (s *Scope) Commit(name string, value any) error {
	if _, ok := s.lookup(name); ok {
		return newErrorf(KindDuplicateStep, name, "context entry %q already committed", name)
	}
	s.values[name] = value
	return nil
}

func (s *Scope) lookup(name string) (any, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.values[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// Resolve walks a dotted path ("fetch_data.users.count") through nested maps
// and lists. Numeric segments index lists.
func (s *Scope) Resolve(path string) (any, error) {
	segments := strings.Split(path, ".")
	v, ok := s.lookup(segments[0])
	if !ok {
		return nil, newErrorf(KindUndefined, "", "undefined reference %q", segments[0])
	}
	for _, seg := range segments[1:] {
		switch cur := v.(type) {
		case map[string]any:
			nv, ok := cur[seg]
			if !ok {
				return nil, newErrorf(KindUndefined, "", "undefined reference %q in path %q", seg, path)
			}
			v = nv
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(cur) {
				return nil, newErrorf(KindUndefined, "", "bad list index %q in path %q", seg, path)
			}
			v = cur[i]
		default:
			return nil, newErrorf(KindUndefined, "", "cannot descend into %q in path %q", seg, path)
		}
	}
	return v, nil
}

// Env flattens the scope chain into a single map for template rendering.
// Inner bindings shadow outer ones.
func (s *Scope) Env() map[string]any {
	chain := make([]*Scope, 0, 4)
	for cur := s; cur != nil; cur = cur.parent {
		chain = append(chain, cur)
	}
	env := make(map[string]any)
	for i := len(chain) - 1; i >= 0; i-- {
		for k, v := range chain[i].values {
			env[k] = v
		}
	}
	return env
}
