// Package config loads hub settings from defaults, an optional YAML file,
// MCPHUB_* environment variables and command line overrides, in that order.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override, e.g. MCPHUB_WORKERS_ROOT.
const EnvPrefix = "MCPHUB_"

type Config struct {
	Hub       HubConfig       `koanf:"hub"`
	Workers   WorkersConfig   `koanf:"workers"`
	Index     IndexConfig     `koanf:"index"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// HubConfig is how the hub introduces itself, to its client and to workers.
type HubConfig struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

type WorkersConfig struct {
	Root              string        `koanf:"root"`
	DescriptorFiles   []string      `koanf:"descriptor_files"`
	NameEnv           string        `koanf:"name_env"`
	ProtocolVersion   string        `koanf:"protocol_version"`  // empty means the latest MCP revision
	SpawnConcurrency  int           `koanf:"spawn_concurrency"` // 0 = unbounded
	CallTimeout       time.Duration `koanf:"call_timeout"`
	HandshakeTimeout  time.Duration `koanf:"handshake_timeout"`
	HandshakeAttempts int           `koanf:"handshake_attempts"`
	ShutdownGrace     time.Duration `koanf:"shutdown_grace"`
}

type IndexConfig struct {
	RefreshInterval time.Duration `koanf:"refresh_interval"` // 0 disables periodic refresh
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
	File   string `koanf:"file"`   // empty means stderr
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // none, stderr, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

func defaults() map[string]any {
	return map[string]any{
		"hub.name":                   "skills-hub",
		"hub.version":                "dev",
		"workers.root":               "skills",
		"workers.descriptor_files":   []string{"skill.json", "skill.yaml", "skill.yml"},
		"workers.name_env":           "MCP_SKILL_NAME",
		"workers.protocol_version":   "",
		"workers.spawn_concurrency":  0,
		"workers.call_timeout":       "120s",
		"workers.handshake_timeout":  "30s",
		"workers.handshake_attempts": 1,
		"workers.shutdown_grace":     "2s",
		"index.refresh_interval":     "0s",
		"log.level":                  "info",
		"log.format":                 "text",
		"log.file":                   "",
		"telemetry.exporter":         "none",
		"telemetry.otlp_endpoint":    "",
		"telemetry.otlp_insecure":    false,
	}
}

// Load reads the configuration. See LoadWithOverrides.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(path, nil)
}

// LoadWithOverrides reads defaults, then the YAML file at path (if any), then
// the environment, then each "key=value" override. A relative workers.root or
// log.file coming from the file is resolved against the file's directory.
func LoadWithOverrides(path string, overrides []string) (*Config, error) {
	k := koanf.New(".")
	for key, value := range defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, err
		}
	}

	if path != "" {
		fk := koanf.New(".")
		if err := fk.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		base := filepath.Dir(path)
		for _, key := range []string{"workers.root", "log.file"} {
			if v := fk.String(key); v != "" && !filepath.IsAbs(v) {
				if err := fk.Set(key, filepath.Join(base, v)); err != nil {
					return nil, err
				}
			}
		}
		if err := k.Merge(fk); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKeyValue), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for _, o := range overrides {
		key, value, ok := strings.Cut(o, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q (want key=value)", o)
		}
		if err := k.Set(key, normalizeValue(key, value)); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKeyValue maps MCPHUB_WORKERS_CALL_TIMEOUT to workers.call_timeout: only
// the first underscore separates section from key.
func envKeyValue(name, value string) (string, any) {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	key = strings.Replace(key, "_", ".", 1)
	return key, normalizeValue(key, value)
}

// normalizeValue turns comma separated strings into lists for list keys.
func normalizeValue(key, value string) any {
	if key != "workers.descriptor_files" {
		return value
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects settings the hub cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Workers.Root) == "" {
		return fmt.Errorf("workers.root is required")
	}
	if len(c.Workers.DescriptorFiles) == 0 {
		return fmt.Errorf("workers.descriptor_files must list at least one name")
	}
	if c.Workers.SpawnConcurrency < 0 {
		return fmt.Errorf("workers.spawn_concurrency must be >= 0")
	}
	if c.Workers.HandshakeAttempts < 1 {
		return fmt.Errorf("workers.handshake_attempts must be >= 1")
	}
	for name, d := range map[string]time.Duration{
		"workers.call_timeout":      c.Workers.CallTimeout,
		"workers.handshake_timeout": c.Workers.HandshakeTimeout,
		"workers.shutdown_grace":    c.Workers.ShutdownGrace,
		"index.refresh_interval":    c.Index.RefreshInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	switch strings.ToLower(c.Telemetry.Exporter) {
	case "none", "stderr":
	case "otlp":
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("telemetry.exporter must be none, stderr or otlp, got %q", c.Telemetry.Exporter)
	}
	return nil
}
