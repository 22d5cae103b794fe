package ruleset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// yamlBundle is the top-level YAML structure for seed rule set files.
type yamlBundle struct {
	Version  string         `yaml:"version"`
	Metadata map[string]any `yaml:"metadata"`
}

// LoadFile reads a single rule set bundle and publishes it to the service.
//
// Precondition: path must point to a valid YAML bundle file.
// Postcondition: Returns the published RuleSet or a non-nil error.
func (s *Service) LoadFile(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("reading rule set file %s: %w", path, err)
	}

	var bundle yamlBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return RuleSet{}, fmt.Errorf("parsing rule set file %s: %w", path, err)
	}
	if bundle.Version == "" {
		return RuleSet{}, fmt.Errorf("rule set file %s: version must not be empty", path)
	}

	rs, err := s.Publish(bundle.Version, ParseMetadata(normalizeYAMLKeys(bundle.Metadata)))
	if err != nil {
		return RuleSet{}, fmt.Errorf("publishing rule set %s from %s: %w", bundle.Version, path, err)
	}
	return rs, nil
}

// LoadDir publishes every *.yaml / *.yml bundle in dir, in filename order.
//
// Postcondition: Returns the number of bundles published, or a non-nil error
// on the first failure.
func (s *Service) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading rule set directory %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)

	for _, path := range files {
		if _, err := s.LoadFile(path); err != nil {
			return 0, err
		}
	}
	return len(files), nil
}

// normalizeYAMLKeys converts yaml.v3 map[any]any values (which appear for
// nested mappings in some documents) into map[string]any recursively.
func normalizeYAMLKeys(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[k] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return normalizeYAMLKeys(value)
	case map[any]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[fmt.Sprintf("%v", k)] = normalizeYAMLValue(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = normalizeYAMLValue(item)
		}
		return out
	default:
		return v
	}
}
