package config

import (
	"fmt"
	"sort"
	"strings"
)

// Tree is a parsed configuration document: string keys mapping to scalars,
// slices or nested Trees.
type Tree map[string]interface{}

// Merge returns a new tree holding base overlaid with override.
// Mappings present on both sides are merged recursively; every other
// override value replaces the base value outright, whatever its type.
// Neither input is modified.
func Merge(base, override Tree) Tree {
	out := base.Clone()
	if out == nil {
		out = Tree{}
	}
	for key, ov := range override {
		ovTree, ovIsTree := asTree(ov)
		bv, exists := out[key]
		bvTree, bvIsTree := asTree(bv)
		if exists && bvIsTree && ovIsTree {
			out[key] = Merge(bvTree, ovTree)
			continue
		}
		out[key] = cloneValue(ov)
	}
	return out
}

// Clone returns a deep copy of the tree.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for k, v := range t {
		out[k] = cloneValue(v)
	}
	return out
}

// Keys returns the top-level keys in sorted order.
func (t Tree) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup walks a dotted path ("env_config.experiment.type").
func (t Tree) Lookup(path string) (interface{}, bool) {
	var cur interface{} = t
	for _, part := range splitPath(path) {
		node, ok := asTree(cur)
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Expand turns dotted keys into nested mappings so that
// {"a.b": 1} becomes {"a": {"b": 1}}. Keys that expand onto the same
// prefix are merged in sorted key order.
func Expand(t Tree) Tree {
	out := Tree{}
	for _, key := range t.Keys() {
		v := t[key]
		if sub, ok := asTree(v); ok {
			v = Expand(sub)
		} else {
			v = cloneValue(v)
		}
		parts := splitPath(key)
		if len(parts) == 0 {
			continue
		}
		for i := len(parts) - 1; i > 0; i-- {
			v = Tree{parts[i]: v}
		}
		out = Merge(out, Tree{parts[0]: v})
	}
	return out
}

// Normalize converts map[interface{}]interface{} and map[string]interface{}
// nodes produced by decoders into Trees.
func Normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case Tree:
		out := make(Tree, len(n))
		for k, e := range n {
			out[k] = Normalize(e)
		}
		return out
	case map[string]interface{}:
		out := make(Tree, len(n))
		for k, e := range n {
			out[k] = Normalize(e)
		}
		return out
	case map[interface{}]interface{}:
		out := make(Tree, len(n))
		for k, e := range n {
			out[fmt.Sprint(k)] = Normalize(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, e := range n {
			out[i] = Normalize(e)
		}
		return out
	default:
		return v
	}
}

func asTree(v interface{}) (Tree, bool) {
	switch n := v.(type) {
	case Tree:
		return n, true
	case map[string]interface{}:
		return Tree(n), true
	default:
		return nil, false
	}
}

func cloneValue(v interface{}) interface{} {
	switch n := v.(type) {
	case Tree:
		return n.Clone()
	case map[string]interface{}:
		return Tree(n).Clone()
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, e := range n {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func splitPath(path string) []string {
	parts := strings.Split(path, ".")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
