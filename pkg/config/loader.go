package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FromFile loads configuration from a file, auto-detecting format by extension.
// Supported extensions: .yaml, .yml, .json, .env
func FromFile(path string) (Config, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".env" || filepath.Base(path) == ".env" {
		return FromEnvFile(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	switch ext {
	case ".yaml", ".yml":
		return FromYAML(data)
	case ".json":
		return FromJSON(data)
	default:
		return Config{}, fmt.Errorf("unsupported config file extension: %s", ext)
	}
}

// FromYAML parses YAML data into a Config. Nested sections are
// flattened with underscores, so `neo4j: {uri: x}` reads as neo4j_uri.
func FromYAML(data []byte) (Config, error) {
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse yaml: %w", err)
	}
	return New(flatten(m)), nil
}

// FromJSON parses JSON data into a Config, flattening like FromYAML.
func FromJSON(data []byte) (Config, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return Config{}, fmt.Errorf("parse json: %w", err)
	}
	return New(flatten(m)), nil
}

// FromEnvFile reads KEY=value pairs without touching the process environment.
func FromEnvFile(path string) (Config, error) {
	pairs, err := godotenv.Read(path)
	if err != nil {
		return Config{}, fmt.Errorf("read env file: %w", err)
	}
	return FromStrings(pairs), nil
}

// FromEnviron builds a Config from the process environment, keeping only
// the given keys.
func FromEnviron(keys []string) Config {
	pairs := make(map[string]string)
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok {
			pairs[k] = v
		}
	}
	return FromStrings(pairs)
}

func flatten(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	flattenInto(out, "", m)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		if nested, ok := v.(map[string]any); ok {
			flattenInto(out, key, nested)
			continue
		}
		out[key] = v
	}
}
