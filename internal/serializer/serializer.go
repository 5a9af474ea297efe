// Package serializer encodes arbitrary JSON-compatible values to flat string
// hash-field values and back, tagging the wire form with a type prefix so
// decode does not need external schema information.
package serializer

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// tag prefixes distinguish encoded scalar types from JSON-encoded composites.
const (
	tagString = "s:"
	tagNumber = "n:"
	tagBool   = "b:"
	tagNull   = "u:"
	tagJSON   = "j:"
)

// ToString encodes v into its flat hash-field representation.
func ToString(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return tagNull, nil
	case string:
		return tagString + t, nil
	case bool:
		return tagBool + strconv.FormatBool(t), nil
	case float64:
		return tagNumber + strconv.FormatFloat(t, 'g', -1, 64), nil
	case int:
		return tagNumber + strconv.Itoa(t), nil
	case int64:
		return tagNumber + strconv.FormatInt(t, 10), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("serializer: encode: %w", err)
		}
		return tagJSON + string(b), nil
	}
}

// FromString decodes a flat hash-field representation back into a Go value.
// FromString(ToString(x)) == x for all JSON-compatible x.
func FromString(s string) (any, error) {
	if len(s) < 2 {
		return nil, fmt.Errorf("serializer: malformed value %q", s)
	}
	tag, rest := s[:2], s[2:]
	switch tag {
	case tagNull:
		return nil, nil
	case tagString:
		return rest, nil
	case tagBool:
		b, err := strconv.ParseBool(rest)
		if err != nil {
			return nil, fmt.Errorf("serializer: decode bool: %w", err)
		}
		return b, nil
	case tagNumber:
		f, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			return nil, fmt.Errorf("serializer: decode number: %w", err)
		}
		return f, nil
	case tagJSON:
		var out any
		if err := json.Unmarshal([]byte(rest), &out); err != nil {
			return nil, fmt.Errorf("serializer: decode json: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("serializer: unknown tag %q", tag)
	}
}

// Flatten converts a nested map/slice structure into a flat map of
// slash-joined paths to scalar leaf values, encoded with ToString. An empty
// map below the root, or an empty slice, is kept as a JSON-encoded leaf so
// RestoreHierarchy brings it back.
func Flatten(prefix string, v any, out map[string]string) error {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 && prefix != "" {
			out[prefix] = tagJSON + "{}"
		}
		for k, vv := range t {
			p := k
			if prefix != "" {
				p = prefix + "/" + k
			}
			if err := Flatten(p, vv, out); err != nil {
				return err
			}
		}
	case []any:
		if len(t) == 0 {
			out[prefix] = tagJSON + "[]"
		}
		for i, vv := range t {
			p := fmt.Sprintf("%s/%d", prefix, i)
			if err := Flatten(p, vv, out); err != nil {
				return err
			}
		}
	default:
		enc, err := ToString(t)
		if err != nil {
			return err
		}
		out[prefix] = enc
	}
	return nil
}

// RestoreHierarchy rebuilds the nested map/slice structure a flat path map
// was derived from. RestoreHierarchy(Flatten(x)) == x.
func RestoreHierarchy(flat map[string]string) (map[string]any, error) {
	root := make(map[string]any)
	for path, enc := range flat {
		v, err := FromString(enc)
		if err != nil {
			return nil, err
		}
		segs := splitPath(path)
		if err := setPath(root, segs, v); err != nil {
			return nil, err
		}
	}
	return arrayify(root).(map[string]any), nil
}

// arrayify recursively rewrites any map[string]any whose keys are exactly
// the sequential indices "0".."n-1" back into a []any, undoing Flatten's
// "p/0", "p/1", ... encoding of slices. Without this pass every array in
// the original value would come back as a numeric-keyed map instead.
func arrayify(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, vv := range m {
		m[k] = arrayify(vv)
	}
	if len(m) == 0 {
		return m
	}
	for i := 0; i < len(m); i++ {
		if _, ok := m[strconv.Itoa(i)]; !ok {
			return m
		}
	}
	arr := make([]any, len(m))
	for i := range arr {
		arr[i] = m[strconv.Itoa(i)]
	}
	return arr
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			segs = append(segs, path[start:i])
			start = i + 1
		}
	}
	segs = append(segs, path[start:])
	return segs
}

func setPath(root map[string]any, segs []string, v any) error {
	cur := root
	for i, seg := range segs {
		last := i == len(segs)-1
		if last {
			cur[seg] = v
			return nil
		}
		next, ok := cur[seg]
		if !ok {
			m := make(map[string]any)
			cur[seg] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("serializer: path conflict at %q", seg)
		}
		cur = m
	}
	return nil
}
