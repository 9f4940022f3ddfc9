package model

// DeepMerge returns a new mapping with b folded over a: scalar and slice
// keys in b replace a's; nested maps recurse. DeepMerge(m, {}) == m and
// DeepMerge({}, m) == m hold by construction, and the operation is
// associative over non-overlapping key sets.
func DeepMerge(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		bv, ok := v.(map[string]any)
		av, aok := out[k].(map[string]any)
		if ok && aok {
			out[k] = DeepMerge(av, bv)
		} else {
			out[k] = v
		}
	}
	return out
}

// Clone deep-copies a payload so mutations by one consumer never leak into
// another's view of the same state.
func Clone(p Payload) Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}
