package expressions

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// refPattern matches a reference body: a name followed by dotted segments.
// Step names may contain hyphens; numeric segments index into lists.
const refPattern = `[A-Za-z_][A-Za-z0-9_\-]*(?:\.[A-Za-z0-9_\-]+)*`

var (
	placeholderAt    = regexp.MustCompile(`^\{(` + refPattern + `)\}`)
	wholePlaceholder = regexp.MustCompile(`^\{(` + refPattern + `)\}$`)
)

// Interpolate resolves {steps.<name>.<field>} and {<var>} placeholders in
// value against ns. Maps and slices are walked recursively and each string
// leaf is interpolated independently.
//
// A string consisting of exactly one placeholder yields the referenced value
// unchanged (lists stay lists). Placeholders embedded in longer text are
// substituted textually. "{{" and "}}" produce literal braces.
func Interpolate(value any, ns *Namespace) (any, error) {
	switch v := value.(type) {
	case string:
		return InterpolateString(v, ns)
	case map[string]any:
		return InterpolateMap(v, ns)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Interpolate(item, ns)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case []string:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := InterpolateString(item, ns)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// InterpolateMap resolves every value of m, returning a new map.
func InterpolateMap(m map[string]any, ns *Namespace) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, item := range m {
		resolved, err := Interpolate(item, ns)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// InterpolateString resolves the placeholders in a single string.
func InterpolateString(s string, ns *Namespace) (any, error) {
	if !strings.ContainsAny(s, "{}") {
		return s, nil
	}
	if m := wholePlaceholder.FindStringSubmatch(s); m != nil {
		return ns.Lookup(m[1])
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "{{"):
			b.WriteByte('{')
			i += 2
		case strings.HasPrefix(s[i:], "}}"):
			b.WriteByte('}')
			i += 2
		case s[i] == '{':
			m := placeholderAt.FindStringSubmatch(s[i:])
			if m == nil {
				b.WriteByte('{')
				i++
				continue
			}
			val, err := ns.Lookup(m[1])
			if err != nil {
				return nil, err
			}
			b.WriteString(Stringify(val))
			i += len(m[0])
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String(), nil
}

// InterpolateText is InterpolateString for callers that always need text,
// such as prompts and email bodies.
func InterpolateText(s string, ns *Namespace) (string, error) {
	v, err := InterpolateString(s, ns)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// Stringify renders a resolved value for textual substitution.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int64, int32, uint, uint64:
		return fmt.Sprint(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// References returns the distinct references used by placeholders anywhere in
// value, sorted. Escaped braces are ignored.
func References(value any) []string {
	seen := map[string]bool{}
	collectRefs(value, seen)
	out := make([]string, 0, len(seen))
	for ref := range seen {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

func collectRefs(value any, seen map[string]bool) {
	switch v := value.(type) {
	case string:
		for i := 0; i < len(v); {
			switch {
			case strings.HasPrefix(v[i:], "{{"), strings.HasPrefix(v[i:], "}}"):
				i += 2
			case v[i] == '{':
				if m := placeholderAt.FindStringSubmatch(v[i:]); m != nil {
					seen[m[1]] = true
					i += len(m[0])
					continue
				}
				i++
			default:
				i++
			}
		}
	case map[string]any:
		for _, item := range v {
			collectRefs(item, seen)
		}
	case []any:
		for _, item := range v {
			collectRefs(item, seen)
		}
	case []string:
		for _, item := range v {
			collectRefs(item, seen)
		}
	}
}

// ReferencedSteps returns the step names referenced as steps.<name>... in value.
func ReferencedSteps(value any) []string {
	var out []string
	seen := map[string]bool{}
	for _, ref := range References(value) {
		parts := strings.SplitN(ref, ".", 3)
		if parts[0] != StepsKey || len(parts) < 2 || seen[parts[1]] {
			continue
		}
		seen[parts[1]] = true
		out = append(out, parts[1])
	}
	return out
}
