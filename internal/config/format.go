package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	yaml "go.yaml.in/yaml/v3"
)

// format turns one config syntax into a generic tree.
type format struct {
	name   string
	decode func(data []byte) (any, error)
}

var (
	jsonFormat = format{name: "json"}
	yamlFormat = format{name: "yaml", decode: func(data []byte) (any, error) {
		var v any
		err := yaml.Unmarshal(data, &v)
		return stringKeys(v), err
	}}
	tomlFormat = format{name: "toml", decode: func(data []byte) (any, error) {
		v := map[string]any{}
		_, err := toml.Decode(string(data), &v)
		return v, err
	}}
)

// formatFor picks the syntax from the file extension. Unknown extensions
// are read as JSON.
func formatFor(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yamlFormat
	case ".toml":
		return tomlFormat
	default:
		return jsonFormat
	}
}

// Decode parses a JSON, YAML or TOML config. YAML and TOML are rewritten
// as JSON first, so every syntax shares the strict decoder that rejects
// unknown fields.
func Decode(path string, data []byte) (*Config, error) {
	f := formatFor(path)
	fail := func(err error) (*Config, error) {
		return nil, &Error{Msg: fmt.Sprintf("%s (%s): %v", path, f.name, err), Err: err}
	}

	raw := data
	if f.decode != nil {
		tree, err := f.decode(data)
		if err != nil {
			return fail(err)
		}
		if tree == nil {
			tree = map[string]any{}
		}
		if raw, err = json.Marshal(tree); err != nil {
			return fail(err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return fail(err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("trailing data after config object")
		}
		return fail(err)
	}
	return &cfg, nil
}

// stringKeys rewrites map[any]any nodes so the tree marshals as JSON.
func stringKeys(v any) any {
	switch n := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, val := range n {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range n {
			n[k] = stringKeys(val)
		}
	case []any:
		for i, val := range n {
			n[i] = stringKeys(val)
		}
	}
	return v
}
