package schema

// DeepCopyMap creates a deep copy of a map[string]any.
func DeepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = DeepCopyAny(v)
	}
	return cp
}

// DeepCopyAny recursively copies maps and slices; scalars are returned as-is.
func DeepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return DeepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopyAny(item)
		}
		return cp
	case []string:
		return append([]string(nil), val...)
	case []map[string]any:
		cp := make([]map[string]any, len(val))
		for i, item := range val {
			cp[i] = DeepCopyMap(item)
		}
		return cp
	default:
		return v
	}
}
