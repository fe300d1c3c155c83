package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML run document from disk.
func Load(path string) (Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document into a Tree. An empty document yields an
// empty tree.
func Parse(data []byte) (Tree, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if raw == nil {
		return Tree{}, nil
	}
	return Normalize(raw).(Tree), nil
}

// ParseOverride parses a "dotted.key=value" flag. The value is decoded as
// YAML so "3" becomes an int, "true" a bool and "[1,2]" a list; anything
// that fails to decode is kept as the raw string.
func ParseOverride(expr string) (string, interface{}, error) {
	key, raw, ok := strings.Cut(expr, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", nil, fmt.Errorf("invalid override %q: expected key=value", expr)
	}

	var value interface{}
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return key, raw, nil
	}
	if value == nil && strings.TrimSpace(raw) != "null" && strings.TrimSpace(raw) != "~" {
		// empty right-hand side
		return key, "", nil
	}
	return key, Normalize(value), nil
}

// ParseOverrides folds a list of "key=value" expressions into a Tree of
// dotted keys, later expressions winning.
func ParseOverrides(exprs []string) (Tree, error) {
	out := Tree{}
	for _, expr := range exprs {
		key, value, err := ParseOverride(expr)
		if err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, nil
}
