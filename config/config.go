// Package config provides the immutable dot-path configuration accessor
// consumed by the executor and its collaborators.
package config

import (
	"strings"

	"gopkg.in/yaml.v3"
)

// Config wraps an immutable nested mapping loaded from YAML.
type Config struct {
	data map[string]any
}

// New wraps an already-decoded nested map as a Config. The map is
// defensively deep-copied so later caller-side mutation can't leak in.
func New(data map[string]any) *Config {
	return &Config{data: deepCopy(data)}
}

// Load parses YAML bytes into a Config.
func Load(raw []byte) (*Config, error) {
	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return &Config{data: data}, nil
}

// Get traverses dotPath's segments and returns the value found, or
// defaultValue when a segment is missing or an intermediate value is not
// a mapping (including nil).
func (c *Config) Get(dotPath string, defaultValue any) any {
	if c == nil || c.data == nil {
		return defaultValue
	}
	segments := strings.Split(dotPath, ".")
	var cur any = c.data
	for _, seg := range segments {
		m, ok := asMap(cur)
		if !ok {
			return defaultValue
		}
		v, present := m[seg]
		if !present {
			return defaultValue
		}
		cur = v
	}
	return cur
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = deepCopy(vv)
		default:
			out[k] = vv
		}
	}
	return out
}
