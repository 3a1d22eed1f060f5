package domain

import "strings"

// Capabilities is a worker's declared attribute tree. Values are scalars
// (string/bool/float64 after JSON decoding), lists of scalars, or nested
// maps. Keys in requirements address into the tree with dot paths, e.g.
// "hardware.gpu_memory_gb".
type Capabilities map[string]any

// Lookup resolves a dot-path key against the tree. The second return is
// false when any path segment is missing or a non-map is traversed.
func (c Capabilities) Lookup(key string) (any, bool) {
	var cur any = map[string]any(c)
	for _, seg := range strings.Split(key, ".") {
		m, ok := toMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Capabilities:
		return m, true
	}
	return nil, false
}

// Requirements constrains which workers may claim a job. Required entries
// must be satisfied by the worker's capabilities; NotAllowed entries must be
// absent or unequal. Both use the capability dot-path grammar.
type Requirements struct {
	Required   map[string]any `json:"required,omitempty"`
	NotAllowed map[string]any `json:"not_allowed,omitempty"`
}

func (r Requirements) Empty() bool {
	return len(r.Required) == 0 && len(r.NotAllowed) == 0
}

// Match reports whether a worker with the given capabilities satisfies every
// positive requirement (scalar equality, or membership when the capability is
// a list) and violates no negative requirement.
func (r Requirements) Match(caps Capabilities) bool {
	for key, want := range r.Required {
		have, ok := caps.Lookup(key)
		if !ok || !valueSatisfies(have, want) {
			return false
		}
	}
	for key, banned := range r.NotAllowed {
		have, ok := caps.Lookup(key)
		if ok && valueSatisfies(have, banned) {
			return false
		}
	}
	return true
}

// valueSatisfies matches a scalar requirement against a scalar or list
// capability. A list capability satisfies a scalar requirement when the
// scalar is one of its members.
func valueSatisfies(have, want any) bool {
	if list, ok := have.([]any); ok {
		for _, item := range list {
			if scalarEqual(item, want) {
				return true
			}
		}
		return false
	}
	return scalarEqual(have, want)
}

// scalarEqual compares scalars with numeric tolerance: JSON decoding turns
// every number into float64, but capabilities built in Go may carry ints.
func scalarEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
