package registry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Dotted-path access works over the record's JSON form: the record is
// lowered to nested maps once, then segments are walked container by
// container. The evidence_index subtree is not addressable; only the
// verifier maintains it.

// toTree lowers the record to its nested-map JSON form.
func toTree(r *ClinicalRecord) map[string]any {
	data, err := json.Marshal(r)
	if err != nil {
		panic(fmt.Sprintf("registry: tree marshal failed: %v", err))
	}
	var tree map[string]any
	if err := json.Unmarshal(data, &tree); err != nil {
		panic(fmt.Sprintf("registry: tree unmarshal failed: %v", err))
	}
	delete(tree, "evidence_index")
	return tree
}

// Resolve walks a dotted path and returns the value at the leaf.
// Numeric segments index into arrays. The second return is false when any
// segment is missing or indexes the wrong container kind.
func Resolve(r *ClinicalRecord, path string) (any, bool) {
	return resolveTree(toTree(r), path)
}

func resolveTree(tree map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = tree
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Truthy reports whether the value at path resolves and is non-zero:
// true booleans, non-zero numbers, non-empty strings and non-empty
// containers count. Derivation explainability is checked against this.
func Truthy(r *ClinicalRecord, path string) bool {
	v, ok := Resolve(r, path)
	if !ok {
		return false
	}
	return truthyValue(v)
}

func truthyValue(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	case nil:
		return false
	default:
		return true
	}
}

// Flatten returns the record as a flat map of dotted paths to leaf values,
// the shape the produced payload exposes as `registry`. Array elements
// flatten under numeric segments.
func Flatten(r *ClinicalRecord) map[string]any {
	flat := make(map[string]any)
	flattenInto(flat, "", toTree(r))
	return flat
}

func flattenInto(flat map[string]any, prefix string, v any) {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			flattenInto(flat, joinPath(prefix, k), child)
		}
	case []any:
		for i, child := range node {
			flattenInto(flat, joinPath(prefix, strconv.Itoa(i)), child)
		}
	default:
		flat[prefix] = v
	}
}

func joinPath(prefix, seg string) string {
	if prefix == "" {
		return seg
	}
	return prefix + "." + seg
}

// MatchPath reports whether a concrete dotted path matches an allow-list
// pattern. Patterns are exact paths, single-segment wildcards ("*"), or
// prefix wildcards (trailing ".**").
func MatchPath(pattern, path string) bool {
	if strings.HasSuffix(pattern, ".**") {
		prefix := strings.TrimSuffix(pattern, ".**")
		return path == prefix || strings.HasPrefix(path, prefix+".")
	}
	psegs := strings.Split(pattern, ".")
	segs := strings.Split(path, ".")
	if len(psegs) != len(segs) {
		return false
	}
	for i, ps := range psegs {
		if ps == "*" {
			continue
		}
		if ps != segs[i] {
			return false
		}
	}
	return true
}
