package loom

import (
	"fmt"
	"os"
	"time"

	"github.com/creasty/defaults"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// MapToStruct converts a map[string]any to a struct using mapstructure with
// weak typing, so YAML scalars coerce into the target field types. Uses yaml
// tags for field mapping and supports time.Duration strings like "30s".
func MapToStruct(m map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: "yaml",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(m); err != nil {
		return fmt.Errorf("failed to decode map to struct: %w", err)
	}
	return nil
}

// LoadConfig reads an engine config file: defaults first, file values
// merged over them, validated last.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	cfg := &Config{}
	if err := defaultsThenMerge(cfg, values); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaultsThenMerge follows the defaults → merge → validate order. Defaults
// apply once, before the merge, so explicit zero values in the file survive.
func defaultsThenMerge(cfg *Config, values map[string]any) error {
	if err := defaults.Set(cfg); err != nil {
		return fmt.Errorf("failed to apply default values: %w", err)
	}
	if len(values) > 0 {
		if err := MapToStruct(values, cfg); err != nil {
			return fmt.Errorf("failed to apply config values: %w", err)
		}
	}
	return validateConfig(cfg)
}
