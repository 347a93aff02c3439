package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/nlquery/internal/budget"
)

// ValidBackendNames lists the backend names with a built-in factory.
// Used by [Validate] to warn about unrecognised names.
var ValidBackendNames = []string{
	"openai", "azure", "anthropic", "ollama", "gemini", "deepseek",
	"mistral", "groq", "llamacpp", "llamafile",
}

// ValidEncodings lists the BPE encodings accepted in the tokenizer section.
var ValidEncodings = []string{
	"o200k_base", "cl100k_base", "p50k_base", "p50k_edit", "r50k_base",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Validate expects [ApplyDefaults] to have run.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout %s must not be negative", cfg.Server.RequestTimeout))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if cfg.Backend.Name == "" {
		errs = append(errs, errors.New("backend.name is required"))
	}
	validateBackendName("backend", cfg.Backend.Name)
	for i, fb := range cfg.Backend.Fallbacks {
		prefix := fmt.Sprintf("backend.fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateBackendName(prefix, fb.Name)
	}
	if cfg.Backend.Name == "azure" && cfg.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required for the azure backend"))
	}

	for deployment, enc := range cfg.Tokenizer.Encodings {
		if !slices.Contains(ValidEncodings, enc) {
			errs = append(errs, fmt.Errorf("tokenizer.encodings[%q] %q is invalid; valid values: %s", deployment, enc, strings.Join(ValidEncodings, ", ")))
		}
	}
	if fb := cfg.Tokenizer.Fallback; fb != "" && !slices.Contains(ValidEncodings, fb) {
		errs = append(errs, fmt.Errorf("tokenizer.fallback %q is invalid; valid values: %s", fb, strings.Join(ValidEncodings, ", ")))
	}

	if _, err := BuildProfiles(cfg); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// BuildProfiles converts the models section into an immutable profile set.
// Without configured models the built-in profiles are returned.
func BuildProfiles(cfg *Config) (*budget.Profiles, error) {
	if len(cfg.Models) == 0 {
		builtin := budget.DefaultProfiles()
		if cfg.DefaultModel == "" {
			return builtin, nil
		}
		if _, ok := builtin.Lookup(cfg.DefaultModel); !ok {
			return nil, fmt.Errorf("default_model %q is not a built-in model; valid values: %s, %s", cfg.DefaultModel, budget.ModelGPT4o, budget.ModelGPT4oMini)
		}
		return budget.NewProfiles(cfg.DefaultModel, builtin.All()...)
	}

	profiles := make([]budget.Profile, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		deployment := m.Deployment
		if deployment == "" {
			deployment = m.ID
		}
		profiles = append(profiles, budget.Profile{
			ID:              m.ID,
			Deployment:      deployment,
			ContextWindow:   m.ContextWindow,
			MaxOutputTokens: m.MaxOutputTokens,
		})
	}
	set, err := budget.NewProfiles(cfg.DefaultModel, profiles...)
	if err != nil {
		return nil, fmt.Errorf("models: %w", err)
	}
	return set, nil
}

// validateBackendName logs a warning if name is non-empty and not a known
// backend name.
func validateBackendName(field, name string) {
	if name == "" || slices.Contains(ValidBackendNames, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or third-party backend",
		"field", field,
		"name", name,
		"known", ValidBackendNames,
	)
}
