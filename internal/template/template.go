// Package template resolves {{ path }} references inside playbook step
// parameters against the layered execution context. Resolution is pure: the
// input value is never mutated and the caller receives a fresh structure plus
// the list of paths that failed to resolve.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// LookupFunc resolves a dotted path against the execution context. ok=false
// means the path does not exist in any layer.
type LookupFunc func(path string) (any, bool)

// exprPattern matches one {{ ... }} expression. Whitespace inside the braces
// is insignificant.
var exprPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Result carries the resolved structure and every path that resolved to "".
type Result struct {
	Value      any
	Unresolved []string
}

// Resolve walks value recursively, resolving template expressions in every
// string. Maps and slices are rebuilt; numbers, booleans, and nil pass
// through unchanged.
func Resolve(value any, lookup LookupFunc) Result {
	r := &resolver{lookup: lookup, seen: make(map[string]struct{})}
	out := r.walk(value)
	return Result{Value: out, Unresolved: r.unresolved}
}

// ResolveString resolves expressions in a single string. When the entire
// string is one expression the raw context value is returned, preserving its
// type; otherwise each expression is stringified in place.
func ResolveString(s string, lookup LookupFunc) (any, []string) {
	r := &resolver{lookup: lookup, seen: make(map[string]struct{})}
	out := r.resolveString(s)
	return out, r.unresolved
}

type resolver struct {
	lookup     LookupFunc
	unresolved []string
	seen       map[string]struct{}
}

func (r *resolver) walk(value any) any {
	switch v := value.(type) {
	case string:
		return r.resolveString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			out[k] = r.walk(elem)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = r.walk(elem)
		}
		return out
	default:
		return v
	}
}

func (r *resolver) resolveString(s string) any {
	m := exprPattern.FindStringIndex(s)
	if m == nil {
		return s
	}

	// A string that is exactly one expression yields the raw value.
	if m[0] == 0 && m[1] == len(s) {
		inner := s[2 : len(s)-2]
		return r.evaluate(inner)
	}

	return exprPattern.ReplaceAllStringFunc(s, func(match string) string {
		inner := match[2 : len(match)-2]
		return stringify(r.evaluate(inner))
	})
}

// evaluate resolves one expression body: "path" or "path | default: value".
func (r *resolver) evaluate(inner string) any {
	expr := strings.TrimSpace(inner)
	path := expr
	var defaultVal any
	hasDefault := false

	if idx := strings.Index(expr, "|"); idx >= 0 {
		path = strings.TrimSpace(expr[:idx])
		filter := strings.TrimSpace(expr[idx+1:])
		if rest, ok := strings.CutPrefix(filter, "default:"); ok {
			defaultVal = parseDefault(strings.TrimSpace(rest))
			hasDefault = true
		}
	}

	if path == "" {
		r.recordMissing(path)
		return ""
	}

	if v, ok := r.lookupPath(path); ok {
		return v
	}
	if hasDefault {
		return defaultVal
	}
	r.recordMissing(path)
	return ""
}

func (r *resolver) lookupPath(path string) (any, bool) {
	if r.lookup != nil {
		if v, ok := r.lookup(path); ok {
			return v, true
		}
	}
	// env.X reads the process environment when the env layer has no entry.
	if name, ok := strings.CutPrefix(path, "env."); ok {
		if v, ok := os.LookupEnv(name); ok {
			return v, true
		}
	}
	return nil, false
}

func (r *resolver) recordMissing(path string) {
	if _, dup := r.seen[path]; dup {
		return
	}
	r.seen[path] = struct{}{}
	r.unresolved = append(r.unresolved, path)
}

// parseDefault interprets the default filter argument: quoted string, number,
// or bareword. Barewords true/false/null carry their JSON meaning.
func parseDefault(raw string) any {
	if len(raw) >= 2 {
		if (raw[0] == '"' && raw[len(raw)-1] == '"') || (raw[0] == '\'' && raw[len(raw)-1] == '\'') {
			return raw[1 : len(raw)-1]
		}
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	switch raw {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	return raw
}

// stringify renders a resolved value for in-place substitution. Strings embed
// as-is; everything else renders as JSON so arrays and objects remain
// machine-readable inside the surrounding text.
func stringify(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64)
	case int:
		return strconv.Itoa(tv)
	case int64:
		return strconv.FormatInt(tv, 10)
	case bool:
		return strconv.FormatBool(tv)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
