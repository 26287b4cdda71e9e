package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format selects how command results are printed.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ParseFormat parses a --format value.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case "":
		return FormatText, nil
	case FormatText, FormatJSON, FormatYAML, FormatTOML:
		return f, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text, json, yaml or toml)", s)
}

// Encode writes v in a structured format. Field names follow the json tags
// in every format. TOML has no top-level arrays, so slices are wrapped in
// an "items" table.
func Encode(w io.Writer, format Format, v any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML, FormatTOML:
	default:
		return fmt.Errorf("format %q is not a structured format", format)
	}

	generic, err := toGeneric(v)
	if err != nil {
		return err
	}

	if format == FormatYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	}

	if _, ok := generic.(map[string]any); !ok {
		generic = map[string]any{"items": generic}
	}
	if err := toml.NewEncoder(w).Encode(generic); err != nil {
		return fmt.Errorf("failed to encode toml: %w", err)
	}
	return nil
}

// toGeneric round-trips v through JSON so that every encoder sees the same
// field names. Nulls are dropped; TOML cannot represent them.
func toGeneric(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output: %w", err)
	}
	return dropNulls(generic), nil
}

func dropNulls(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			if item == nil {
				delete(val, k)
				continue
			}
			val[k] = dropNulls(item)
		}
	case []any:
		for i, item := range val {
			val[i] = dropNulls(item)
		}
	}
	return v
}
