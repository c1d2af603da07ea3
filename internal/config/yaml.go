package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	yaml "go.yaml.in/yaml/v3"
)

// coerceToJSONBytes converts YAML or TOML config to JSON bytes so the strict
// JSON decoder (DisallowUnknownFields) serves every format.
//
// Returns (jsonBytes, format, err) where format is "json", "yaml" or "toml".
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	var (
		v      any
		format string
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, format, fmt.Errorf("yaml unmarshal: %w", err)
		}
	case ".toml":
		format = "toml"
		m := map[string]any{}
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, format, fmt.Errorf("toml decode: %w", err)
		}
		v = m
	default:
		return data, "json", nil
	}

	j, err := json.Marshal(normalizeTree(v))
	if err != nil {
		return nil, format, fmt.Errorf("%s->json marshal: %w", format, err)
	}
	return j, format, nil
}

// normalizeTree ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeTree(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeTree(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeTree(v)
		}
		return m
	case []map[string]any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = normalizeTree(x[i])
		}
		return out
	case []any:
		for i := range x {
			x[i] = normalizeTree(x[i])
		}
		return x
	default:
		return in
	}
}
