package config

import (
	"errors"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ExperimentPath is the subtree every run document must carry.
const ExperimentPath = "env_config.experiment"

// CarlaPath holds the simulator connection and display options.
const CarlaPath = "env_config.carla"

// ErrConfig matches every *ConfigError via errors.Is.
var ErrConfig = errors.New("invalid configuration")

// ConfigError reports a required subtree missing after the merge.
type ConfigError struct {
	Path   string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Path, e.Reason)
}

// Is lets errors.Is(err, ErrConfig) match.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// Effective is the merged configuration a run is driven by. It is built
// once by Resolve and never changes; accessors hand out copies.
type Effective struct {
	tree Tree
}

// Resolve overlays overrides on base and checks the result. Dotted keys in
// overrides are expanded first, so {"env_config.experiment.type": "dqn"}
// and the equivalent nested form behave identically.
func Resolve(base, overrides Tree) (*Effective, error) {
	merged := Merge(base, Expand(overrides))

	exp, ok := merged.Lookup(ExperimentPath)
	if !ok {
		return nil, &ConfigError{Path: ExperimentPath, Reason: "required subtree is missing"}
	}
	if _, isTree := asTree(exp); !isTree {
		return nil, &ConfigError{Path: ExperimentPath, Reason: fmt.Sprintf("expected a mapping, got %T", exp)}
	}

	return &Effective{tree: merged}, nil
}

// Tree returns a deep copy of the whole configuration.
func (e *Effective) Tree() Tree {
	return e.tree.Clone()
}

// Get returns a copy of the value at a dotted path.
func (e *Effective) Get(path string) (interface{}, bool) {
	v, ok := e.tree.Lookup(path)
	if !ok {
		return nil, false
	}
	return cloneValue(v), true
}

// Sub returns a copy of the mapping at path, or nil when path is absent or
// not a mapping.
func (e *Effective) Sub(path string) Tree {
	v, ok := e.tree.Lookup(path)
	if !ok {
		return nil
	}
	t, ok := asTree(v)
	if !ok {
		return nil
	}
	return t.Clone()
}

// String returns the value at path rendered as a string, or def.
func (e *Effective) String(path, def string) string {
	v, ok := e.tree.Lookup(path)
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the integer at path, or def when absent or not numeric.
func (e *Effective) Int(path string, def int) int {
	v, ok := e.tree.Lookup(path)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return def
}

// Bool returns the boolean at path, or def.
func (e *Effective) Bool(path string, def bool) bool {
	v, ok := e.tree.Lookup(path)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	return def
}

// Decode re-encodes the subtree at path and decodes it into out, which
// lets callers use yaml struct tags for typed sections.
func (e *Effective) Decode(path string, out interface{}) error {
	var node interface{} = map[string]interface{}(e.tree)
	if path != "" {
		v, ok := e.tree.Lookup(path)
		if !ok {
			return &ConfigError{Path: path, Reason: "required subtree is missing"}
		}
		node = v
	}
	raw, err := yaml.Marshal(toPlain(node))
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

// YAML renders the configuration as a YAML document.
func (e *Effective) YAML() ([]byte, error) {
	return yaml.Marshal(toPlain(e.tree))
}

// toPlain converts Trees back to map[string]interface{} for encoders.
func toPlain(v interface{}) interface{} {
	switch n := v.(type) {
	case Tree:
		out := make(map[string]interface{}, len(n))
		for k, e := range n {
			out[k] = toPlain(e)
		}
		return out
	case map[string]interface{}:
		return toPlain(Tree(n))
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, e := range n {
			out[i] = toPlain(e)
		}
		return out
	default:
		return v
	}
}
