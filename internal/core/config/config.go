// Package config loads the workflow engine's own runtime configuration
// (as distinct from a workflow definition's LimitsConfig) via viper, the
// same config library station uses, trimmed to the concerns this engine
// actually has: where workflows and checkpoints live, global concurrency,
// telemetry, and notification defaults.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the process-wide configuration for running the workflow
// engine as a library, analogous to station's top-level Config struct.
type Config struct {
	WorkflowsDir     string `mapstructure:"workflows_dir"`
	StateDir         string `mapstructure:"state_dir"`
	ExternalSpillDir string `mapstructure:"external_spill_dir"`

	MaxGlobalConcurrency int `mapstructure:"max_global_concurrency"`

	ChannelBusEnabled bool `mapstructure:"channel_bus_enabled"`

	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
}

// TelemetryConfig controls whether/where otel traces and metrics ship.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// NotifyConfig configures the webhook sink used for workflow-level
// notifications, mirroring station's NotifyConfig shape.
type NotifyConfig struct {
	WebhookURL     string `mapstructure:"webhook_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Format         string `mapstructure:"format"`
}

// SecretsConfig selects and configures the secrets backend.
type SecretsConfig struct {
	Backend string `mapstructure:"backend"` // "env" or "static"
}

// Default returns a Config with every field set to a safe default,
// equivalent to what station's Load falls back to when a key is absent.
func Default() *Config {
	return &Config{
		WorkflowsDir:         "./workflows",
		StateDir:             "./state",
		ExternalSpillDir:     "./state/spill",
		MaxGlobalConcurrency: 16,
		ChannelBusEnabled:    true,
		Telemetry: TelemetryConfig{
			ServiceName: "workflowcore",
		},
		Notify: NotifyConfig{
			TimeoutSeconds: 10,
			Format:         "json",
		},
		Secrets: SecretsConfig{
			Backend: "env",
		},
	}
}

// Load reads configuration from a file (if configPath is non-empty) and
// the WORKFLOWCORE_* environment, layered over Default().
func Load(configPath string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("WORKFLOWCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper knows about, so bind each one to its
	// WORKFLOWCORE_* variable (e.g. WORKFLOWCORE_TELEMETRY_ENABLED).
	for _, key := range []string{
		"workflows_dir", "state_dir", "external_spill_dir", "max_global_concurrency",
		"channel_bus_enabled", "telemetry.enabled", "telemetry.otlp_endpoint",
		"telemetry.service_name", "notify.webhook_url", "notify.timeout_seconds",
		"notify.format", "secrets.backend",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}
