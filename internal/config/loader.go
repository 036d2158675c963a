package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "local-runtime"},
	"stt": {"whisper-native", "local-runtime"},
	"tts": {"local-runtime"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// AI mode
	if cfg.AI.Mode != "" && !cfg.AI.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("ai.mode %q is invalid; valid values: gateway, local", cfg.AI.Mode))
	}
	if cfg.AI.Mode == AIModeGateway {
		if cfg.AI.Gateway.BaseURL == "" {
			errs = append(errs, errors.New("ai.gateway.base_url is required when ai.mode is gateway"))
		}
		if cfg.AI.Gateway.SessionToken == "" {
			errs = append(errs, errors.New("ai.gateway.session_token is required when ai.mode is gateway"))
		}
	}
	if cfg.AI.Mode == AIModeLocal {
		if cfg.Providers.STT.Name == "" {
			errs = append(errs, errors.New("providers.stt is required when ai.mode is local"))
		}
		if cfg.Providers.LLM.Name == "" {
			errs = append(errs, errors.New("providers.llm is required when ai.mode is local"))
		}
		// Patient audio needs a synthesis path in local mode; gateway mode
		// downloads pre-rendered clips instead.
		if cfg.Providers.TTS.Name == "" {
			errs = append(errs, errors.New("providers.tts is required when ai.mode is local"))
		}
	}
	if cfg.AI.Gateway.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("ai.gateway.timeout_seconds %d must not be negative", cfg.AI.Gateway.TimeoutSeconds))
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// Timing windows
	if cfg.Timing.ResponseTimerEnabled && cfg.Timing.ResponseTimerSeconds <= 0 {
		errs = append(errs, fmt.Errorf("timing.response_timer_seconds %.1f must be positive when the response timer is enabled", cfg.Timing.ResponseTimerSeconds))
	}
	if cfg.Timing.MaxDurationEnabled && cfg.Timing.MaxDurationSeconds <= 0 {
		errs = append(errs, fmt.Errorf("timing.max_duration_seconds %.1f must be positive when the duration cap is enabled", cfg.Timing.MaxDurationSeconds))
	}

	// Task catalogue
	if cfg.Tasks.Dir == "" && cfg.Tasks.PostgresDSN == "" {
		slog.Warn("no task source configured; the task catalogue will be empty")
	}

	// Warmup
	if cfg.Warmup.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("warmup.concurrency %d must not be negative", cfg.Warmup.Concurrency))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
