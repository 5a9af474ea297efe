// Package pipe implements the small expression language mapping rules are
// written in: "{path}" resolves a dotted/slashed path against a job context
// (metadata, data, or an upstream activity's input/output/hook), and
// "{@domain.fn, arg1, arg2}" calls a registered named function with
// resolved arguments. Expressions are data, never compiled code: this
// package only walks maps and slices and dispatches to a fixed function
// table, the same "validate and evaluate, don't compile" posture the graph
// loader takes with descriptors.
package pipe

import (
	"fmt"
	"strconv"
	"strings"
)

// Context is the root object expressions are resolved against. Each domain
// corresponds to a top-level key a path or function can reach into.
type Context map[string]any

// Func is a named pipe function, e.g. "@number.add" or "@string.concat".
type Func func(args []any) (any, error)

// Registry holds the named function table pipe expressions can call.
type Registry struct {
	fns map[string]Func
}

// NewRegistry returns a Registry pre-loaded with the built-in functions
// (see functions.go).
func NewRegistry() *Registry {
	r := &Registry{fns: make(map[string]Func)}
	registerBuiltins(r)
	return r
}

// Register adds or replaces a named function, keyed as "domain.name".
func (r *Registry) Register(name string, fn Func) {
	r.fns[name] = fn
}

// Resolve evaluates a single expression (with or without surrounding
// "{...}") against ctx. A plain path resolves to the value at that path; an
// "@domain.fn, args" form calls the named function with resolved args.
func (r *Registry) Resolve(ctx Context, expr string) (any, error) {
	inner := strings.TrimSpace(expr)
	inner = strings.TrimPrefix(inner, "{")
	inner = strings.TrimSuffix(inner, "}")
	inner = strings.TrimSpace(inner)

	if strings.HasPrefix(inner, "@") {
		return r.resolveCall(ctx, inner)
	}
	return r.resolvePath(ctx, inner)
}

// ResolveString interpolates every "{...}" occurrence in template against
// ctx, formatting non-string results with fmt.Sprint. Used for mapping
// rules whose target is a plain string field, as opposed to a rule whose
// entire value is a single expression (Resolve).
func (r *Registry) ResolveString(ctx Context, template string) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(template) {
		start := strings.IndexByte(template[i:], '{')
		if start < 0 {
			b.WriteString(template[i:])
			break
		}
		start += i
		end := strings.IndexByte(template[start:], '}')
		if end < 0 {
			b.WriteString(template[i:])
			break
		}
		end += start
		b.WriteString(template[i:start])
		val, err := r.Resolve(ctx, template[start:end+1])
		if err != nil {
			return "", err
		}
		fmt.Fprint(&b, val)
		i = end + 1
	}
	return b.String(), nil
}

func (r *Registry) resolvePath(ctx Context, path string) (any, error) {
	path = strings.ReplaceAll(path, ".", "/")
	segs := strings.Split(strings.Trim(path, "/"), "/")
	var cur any = map[string]any(ctx)
	for _, seg := range segs {
		switch t := cur.(type) {
		case map[string]any:
			v, ok := t[seg]
			if !ok {
				return nil, fmt.Errorf("pipe: path %q: no field %q", path, seg)
			}
			cur = v
		case Context:
			v, ok := t[seg]
			if !ok {
				return nil, fmt.Errorf("pipe: path %q: no field %q", path, seg)
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil, fmt.Errorf("pipe: path %q: bad index %q", path, seg)
			}
			cur = t[idx]
		default:
			return nil, fmt.Errorf("pipe: path %q: cannot descend into %T at %q", path, cur, seg)
		}
	}
	return cur, nil
}

func (r *Registry) resolveCall(ctx Context, inner string) (any, error) {
	parts := strings.Split(inner, ",")
	name := strings.TrimPrefix(strings.TrimSpace(parts[0]), "@")
	fn, ok := r.fns[name]
	if !ok {
		return nil, fmt.Errorf("pipe: unknown function %q", name)
	}
	args := make([]any, 0, len(parts)-1)
	for _, raw := range parts[1:] {
		raw = strings.TrimSpace(raw)
		if strings.HasPrefix(raw, "{") || looksLikePath(raw) {
			v, err := r.Resolve(ctx, raw)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
			continue
		}
		args = append(args, literal(raw))
	}
	return fn(args)
}

// looksLikePath treats a bare (unbraced) argument as a path reference when
// it contains a path separator; otherwise it is parsed as a literal.
func looksLikePath(s string) bool {
	return strings.ContainsAny(s, "/.") && !isNumeric(s)
}

func isNumeric(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func literal(raw string) any {
	if raw == "true" {
		return true
	}
	if raw == "false" {
		return false
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return strings.Trim(raw, `"'`)
}
