package loom

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

// Package-level validator instance, shared with the collaborator packages.
var validate *validator.Validate

func init() {
	validate = validator.New()

	// url_format validates URL structure (used by the LLM client config).
	validate.RegisterValidation("url_format", func(fl validator.FieldLevel) bool {
		u, err := url.Parse(fl.Field().String())
		return err == nil && u.Scheme != "" && u.Host != ""
	})
}

// Config tunes engine-wide execution behavior.
type Config struct {
	// MaxIterations caps while/repeat loops that don't set their own max.
	MaxIterations int `yaml:"maxIterations" json:"maxIterations" default:"100" validate:"gte=1"`
	// FailFast makes the parallel coordinator cancel remaining children on
	// the first failure.
	FailFast bool `yaml:"failFast" json:"failFast" default:"true"`
	// StepTimeout bounds each body execution. Zero means no timeout; steps
	// may still declare their own.
	StepTimeout time.Duration `yaml:"stepTimeout" json:"stepTimeout"`
}

func DefaultConfig() *Config {
	cfg := &Config{}
	if err := PrepareConfig(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// PrepareConfig applies struct-tag defaults and validates the result.
func PrepareConfig(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := defaults.Set(config); err != nil {
		return fmt.Errorf("failed to apply default values: %w", err)
	}
	return validateConfig(config)
}

// validateConfig runs tag validation only. Merging file values must not
// re-apply defaults afterwards, or explicit zero values (failFast: false)
// would be silently reset.
func validateConfig(config any) error {
	if err := validate.Struct(config); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			var msgs []string
			for _, fieldErr := range validationErrors {
				msgs = append(msgs, fmt.Sprintf("field '%s' failed validation (rule: %s)",
					fieldErr.Field(), fieldErr.Tag()))
			}
			return fmt.Errorf("config validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// RegisterCustomValidator exposes the shared validator for collaborator
// packages that carry their own config structs.
func RegisterCustomValidator(tag string, fn validator.Func) error {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		return fmt.Errorf("failed to register custom validator '%s': %w", tag, err)
	}
	return nil
}
