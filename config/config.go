// Package config loads the subsystem configuration: built-in defaults,
// then a YAML file, then WEBPILOT_* environment overrides, in that
// order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that YAML decodes from strings like
// "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("cannot decode duration: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("cannot parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the plain time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete subsystem configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Trace     TraceConfig     `yaml:"trace"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Planner   PlannerConfig   `yaml:"planner"`
	Sidecar   SidecarConfig   `yaml:"sidecar"`
	CDP       CDPConfig       `yaml:"cdp"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Fallback  FallbackConfig  `yaml:"fallback"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level          string `yaml:"level"`
	CategoryFilter string `yaml:"category_filter"`
}

// TraceConfig controls the forensic trace store.
type TraceConfig struct {
	Root          string   `yaml:"root"`
	Retention     int      `yaml:"retention"`
	PruneInterval Duration `yaml:"prune_interval"`
}

// BridgeConfig controls the correlation bridge.
type BridgeConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// PlannerConfig controls the LLM planner behind the deterministic
// provider. APIKeyEnv names the environment variable holding the key;
// the key itself never appears in config files.
type PlannerConfig struct {
	Model     string   `yaml:"model"`
	BaseURL   string   `yaml:"base_url"`
	APIKeyEnv string   `yaml:"api_key_env"`
	ClampMin  Duration `yaml:"clamp_min"`
	ClampMax  Duration `yaml:"clamp_max"`
}

// APIKey resolves the planner API key through lookup.
func (p PlannerConfig) APIKey(lookup func(string) (string, bool)) string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	key, _ := lookup(p.APIKeyEnv)
	return key
}

// SidecarConfig controls the semantic engine child process.
type SidecarConfig struct {
	Command     []string `yaml:"command"`
	CallTimeout Duration `yaml:"call_timeout"`
	CloseGrace  Duration `yaml:"close_grace"`
}

// CDPConfig controls the DevTools protocol backend.
type CDPConfig struct {
	URL string `yaml:"url"`
}

// TelemetryConfig controls the OTLP trace exporter. An empty Proto
// means spans stay local (noop provider).
type TelemetryConfig struct {
	Proto    string `yaml:"proto"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// FallbackConfig controls the orchestrator's deterministic fallback.
type FallbackConfig struct {
	Deterministic bool `yaml:"deterministic"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Trace: TraceConfig{
			Root:          filepath.Join(os.TempDir(), "webpilot", "traces"),
			Retention:     20,
			PruneInterval: Duration(time.Minute),
		},
		Bridge: BridgeConfig{
			Timeout: Duration(30 * time.Second),
		},
		Planner: PlannerConfig{
			Model:     "gpt-4o",
			APIKeyEnv: "OPENAI_API_KEY",
			ClampMin:  Duration(time.Second),
			ClampMax:  Duration(120 * time.Second),
		},
		Sidecar: SidecarConfig{
			CallTimeout: Duration(30 * time.Second),
			CloseGrace:  Duration(3 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Proto: "",
		},
		Fallback: FallbackConfig{
			Deterministic: true,
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and environment overrides apply. lookup defaults to
// os.LookupEnv; tests inject their own.
func Load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %q: %w", path, err)
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays WEBPILOT_* variables onto the configuration.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	envString(lookup, "WEBPILOT_LOG_LEVEL", &c.Log.Level)
	envString(lookup, "WEBPILOT_LOG_CATEGORY_FILTER", &c.Log.CategoryFilter)
	envString(lookup, "WEBPILOT_TRACE_ROOT", &c.Trace.Root)
	envString(lookup, "WEBPILOT_PLANNER_MODEL", &c.Planner.Model)
	envString(lookup, "WEBPILOT_PLANNER_BASE_URL", &c.Planner.BaseURL)
	envString(lookup, "WEBPILOT_PLANNER_API_KEY_ENV", &c.Planner.APIKeyEnv)
	envString(lookup, "WEBPILOT_CDP_URL", &c.CDP.URL)
	envString(lookup, "WEBPILOT_TELEMETRY_PROTO", &c.Telemetry.Proto)
	envString(lookup, "WEBPILOT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)

	if v, ok := lookup("WEBPILOT_SIDECAR_COMMAND"); ok {
		c.Sidecar.Command = strings.Fields(v)
	}

	for _, e := range []struct {
		key string
		dst *Duration
	}{
		{"WEBPILOT_TRACE_PRUNE_INTERVAL", &c.Trace.PruneInterval},
		{"WEBPILOT_BRIDGE_TIMEOUT", &c.Bridge.Timeout},
		{"WEBPILOT_PLANNER_CLAMP_MIN", &c.Planner.ClampMin},
		{"WEBPILOT_PLANNER_CLAMP_MAX", &c.Planner.ClampMax},
		{"WEBPILOT_SIDECAR_CALL_TIMEOUT", &c.Sidecar.CallTimeout},
		{"WEBPILOT_SIDECAR_CLOSE_GRACE", &c.Sidecar.CloseGrace},
	} {
		if err := envDuration(lookup, e.key, e.dst); err != nil {
			return err
		}
	}

	if err := envInt(lookup, "WEBPILOT_TRACE_RETENTION", &c.Trace.Retention); err != nil {
		return err
	}
	if err := envBool(lookup, "WEBPILOT_TELEMETRY_INSECURE", &c.Telemetry.Insecure); err != nil {
		return err
	}
	if err := envBool(lookup, "WEBPILOT_FALLBACK_DETERMINISTIC", &c.Fallback.Deterministic); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations no component could run with.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	if c.Trace.Retention <= 0 {
		return fmt.Errorf("trace retention must be positive, got %d", c.Trace.Retention)
	}
	if c.Bridge.Timeout <= 0 {
		return fmt.Errorf("bridge timeout must be positive, got %s", c.Bridge.Timeout.Std())
	}
	if c.Planner.ClampMin <= 0 || c.Planner.ClampMax < c.Planner.ClampMin {
		return fmt.Errorf("planner clamp band [%s, %s] is not a valid range",
			c.Planner.ClampMin.Std(), c.Planner.ClampMax.Std())
	}
	return nil
}

func envString(lookup func(string) (string, bool), key string, dst *string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func envInt(lookup func(string) (string, bool), key string, dst *int) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("cannot parse %s=%q as an integer", key, v)
	}
	*dst = parsed
	return nil
}

func envBool(lookup func(string) (string, bool), key string, dst *bool) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("cannot parse %s=%q as a boolean", key, v)
	}
	*dst = parsed
	return nil
}

func envDuration(lookup func(string) (string, bool), key string, dst *Duration) error {
	v, ok := lookup(key)
	if !ok {
		return nil
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("cannot parse %s=%q as a duration", key, v)
	}
	*dst = Duration(parsed)
	return nil
}
