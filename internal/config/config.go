// Package config provides the configuration schema, loader, and backend
// registry for the nlquery service.
package config

import "time"

// LogLevel controls log verbosity for the nlquery server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":8080"
	DefaultRequestTimeout = 2 * time.Minute
	DefaultServiceName    = "nlquery"
)

// Config is the root configuration structure for nlquery.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Backend   BackendConfig   `yaml:"backend"`
	Tokenizer TokenizerConfig `yaml:"tokenizer"`

	// Models lists the model profiles requests may select. When empty, the
	// built-in gpt-4o and gpt-4o-mini profiles are used.
	Models []ModelConfig `yaml:"models"`

	// DefaultModel is the profile used when a request names no model. When
	// empty, the first entry of Models (or the built-in default) is used.
	DefaultModel string `yaml:"default_model"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// RequestTimeout bounds a single completion round trip, including the
	// backend call. Requests exceeding it are cancelled.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// TelemetryConfig holds OpenTelemetry resource settings.
type TelemetryConfig struct {
	// ServiceName is reported as the service.name resource attribute.
	ServiceName string `yaml:"service_name"`
}

// BackendConfig selects the completion backend. The embedded entry is the
// primary backend; Fallbacks are tried in order when it fails.
type BackendConfig struct {
	ProviderEntry `yaml:",inline"`

	// Fallbacks lists additional backends for failover. They receive the same
	// deployment names as the primary.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`
}

// ProviderEntry is the configuration block of a single backend.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered backend implementation (e.g., "openai", "azure").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the backend's API, if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the backend's default API endpoint.
	// For the "azure" backend this is the resource endpoint.
	BaseURL string `yaml:"base_url"`

	// Options holds backend-specific values not covered by the fields above
	// (e.g., "api_version" for Azure, "organization" for OpenAI).
	Options map[string]any `yaml:"options"`
}

// TokenizerConfig controls how deployment names map to BPE encodings.
type TokenizerConfig struct {
	// Encodings maps a deployment name to an encoding name (e.g.,
	// "my-azure-gpt4o": "o200k_base"). Deployments named after a model do not
	// need an entry.
	Encodings map[string]string `yaml:"encodings"`

	// Fallback is the encoding used for deployments that are neither listed
	// in Encodings nor known model names. Empty means such deployments fail.
	Fallback string `yaml:"fallback"`

	// BPEDir is a directory holding the *.tiktoken rank files. When set,
	// encodings load from disk and never download.
	BPEDir string `yaml:"bpe_dir"`
}

// ModelConfig describes one model profile.
type ModelConfig struct {
	// ID is the identifier requests use to select this model.
	ID string `yaml:"id"`

	// Deployment addresses the backend deployment. Defaults to ID.
	Deployment string `yaml:"deployment"`

	// ContextWindow is the total token budget per request, output included.
	ContextWindow int `yaml:"context_window"`

	// MaxOutputTokens is the number of tokens reserved for the reply.
	MaxOutputTokens int `yaml:"max_output_tokens"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
	for i := range cfg.Models {
		if cfg.Models[i].Deployment == "" {
			cfg.Models[i].Deployment = cfg.Models[i].ID
		}
	}
	if cfg.DefaultModel == "" && len(cfg.Models) > 0 {
		cfg.DefaultModel = cfg.Models[0].ID
	}
}

// OptString returns the string value of Options[key], or "" if the key is
// absent or not a string.
func (e ProviderEntry) OptString(key string) string {
	if e.Options == nil {
		return ""
	}
	v, _ := e.Options[key].(string)
	return v
}
