// Package expression resolves {{ ... }} template expressions embedded in
// node configuration against live execution state. Expressions are evaluated
// with expr-lang; an optional pipe chain of filters post-processes the
// result.
//
// Resolution is idempotent: an expression whose path is missing from the
// context stays in the text verbatim, and resolved text contains no
// placeholders to resolve again.
package expression

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
)

var placeholderRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// filters are the supported pipe functions.
var filters = map[string]func(any) (any, error){
	"upper": func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("upper: expected string, got %T", v)
		}
		return strings.ToUpper(s), nil
	},
	"lower": func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("lower: expected string, got %T", v)
		}
		return strings.ToLower(s), nil
	},
	"length": func(v any) (any, error) {
		switch t := v.(type) {
		case string:
			return len(t), nil
		case []any:
			return len(t), nil
		case map[string]any:
			return len(t), nil
		}
		return nil, fmt.Errorf("length: unsupported type %T", v)
	},
	"tojson": func(v any) (any, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("tojson: %w", err)
		}
		return string(data), nil
	},
}

// Resolve replaces every {{ expression }} in text with its evaluated value.
// Placeholders that fail to evaluate are left untouched.
func Resolve(text string, env map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		inner := strings.TrimSpace(match[2 : len(match)-2])
		value, err := evaluate(inner, env)
		if err != nil || value == nil {
			return match
		}
		return stringify(value)
	})
}

// ResolveValue resolves a string leaf. A leaf that is exactly one
// placeholder keeps the evaluated value's type; anything else interpolates
// into a string.
func ResolveValue(text string, env map[string]any) any {
	trimmed := strings.TrimSpace(text)
	if m := placeholderRe.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		value, err := evaluate(strings.TrimSpace(m[1]), env)
		if err != nil || value == nil {
			return text
		}
		return value
	}
	return Resolve(text, env)
}

// ResolveMap walks a configuration map and resolves every string leaf,
// recursing through nested maps and slices. The input is not modified.
func ResolveMap(cfg map[string]any, env map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = resolveAny(v, env)
	}
	return out
}

func resolveAny(v any, env map[string]any) any {
	switch t := v.(type) {
	case string:
		return ResolveValue(t, env)
	case map[string]any:
		return ResolveMap(t, env)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = resolveAny(item, env)
		}
		return out
	default:
		return v
	}
}

// evaluate runs one placeholder body: an expression followed by an optional
// pipe chain of filters.
func evaluate(body string, env map[string]any) (any, error) {
	parts := strings.Split(body, "|")
	expression := strings.TrimSpace(parts[0])
	if expression == "" {
		return nil, fmt.Errorf("empty expression")
	}

	value, err := expr.Eval(expression, env)
	if err != nil {
		return nil, err
	}

	for _, part := range parts[1:] {
		name := strings.TrimSpace(part)
		filter, ok := filters[name]
		if !ok {
			return nil, fmt.Errorf("unknown filter %q", name)
		}
		value, err = filter(value)
		if err != nil {
			return nil, err
		}
	}
	return value, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", t)
	}
}
