// Package config loads command-line settings from a config file,
// RHINO_* environment variables and flags.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/wippyai/rhino-wasm/engine"
	"github.com/wippyai/rhino-wasm/rhino"
)

// EnvPrefix is prepended to every environment variable, e.g.
// RHINO_ACCESS_KEY.
const EnvPrefix = "RHINO"

// Settings holds every configurable value of the command-line tool.
type Settings struct {
	Engine           string   `mapstructure:"engine"`
	CacheDir         string   `mapstructure:"cache_dir"`
	AccessKey        string   `mapstructure:"access_key"`
	Model            string   `mapstructure:"model"`
	Context          string   `mapstructure:"context"`
	LogLevel         string   `mapstructure:"log_level"`
	MetricsListen    string   `mapstructure:"metrics_listen"`
	Mounts           []string `mapstructure:"mounts"`
	Sensitivity      float32  `mapstructure:"sensitivity"`
	EndpointDuration float32  `mapstructure:"endpoint_duration"`
	MemoryLimitPages uint32   `mapstructure:"memory_limit_pages"`
	RequireEndpoint  bool     `mapstructure:"require_endpoint"`
	LogDevelopment   bool     `mapstructure:"log_development"`
}

// New returns a viper instance with defaults and environment binding set
// up for Settings.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("sensitivity", rhino.DefaultSensitivity)
	v.SetDefault("endpoint_duration", rhino.DefaultEndpointDurationSec)
	v.SetDefault("require_endpoint", true)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_development", false)
	v.SetDefault("mounts", []string{})

	// AutomaticEnv only covers keys viper already knows about.
	for _, key := range []string{"engine", "cache_dir", "access_key", "model", "context", "metrics_listen"} {
		v.SetDefault(key, "")
	}
	v.SetDefault("memory_limit_pages", 0)
	return v
}

// Load reads file, if given, and decodes the merged settings.
func Load(v *viper.Viper, file string) (*Settings, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", file, err)
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}
	return s, nil
}

// Validate checks the settings every command needs. Engine options are
// validated separately by RhinoConfig, since the worker receives them over
// the protocol instead.
func (s *Settings) Validate() error {
	if s.Engine == "" {
		return fmt.Errorf("engine module path is required")
	}
	if _, err := ParseLevel(s.LogLevel); err != nil {
		return err
	}
	if _, err := parseMounts(s.Mounts); err != nil {
		return err
	}
	return nil
}

// RhinoConfig returns the validated engine options.
func (s *Settings) RhinoConfig() (rhino.Config, error) {
	cfg := rhino.DefaultConfig()
	cfg.AccessKey = s.AccessKey
	cfg.ModelPath = s.Model
	cfg.ContextPath = s.Context
	cfg.Sensitivity = s.Sensitivity
	cfg.EndpointDurationSec = s.EndpointDuration
	cfg.RequireEndpoint = s.RequireEndpoint
	if err := cfg.Validate(); err != nil {
		return rhino.Config{}, err
	}
	return cfg, nil
}

// EngineConfig returns the module loader configuration.
func (s *Settings) EngineConfig() (*engine.Config, error) {
	mounts, err := parseMounts(s.Mounts)
	if err != nil {
		return nil, err
	}
	return &engine.Config{
		CompilationCacheDir: s.CacheDir,
		Mounts:              mounts,
		MemoryLimitPages:    s.MemoryLimitPages,
	}, nil
}

// parseMounts parses entries of the form host:guest or host:guest:ro.
func parseMounts(entries []string) ([]engine.Mount, error) {
	mounts := make([]engine.Mount, 0, len(entries))
	for _, entry := range entries {
		parts := strings.Split(entry, ":")
		var m engine.Mount
		switch {
		case len(parts) == 2:
		case len(parts) == 3 && parts[2] == "ro":
			m.ReadOnly = true
		default:
			return nil, fmt.Errorf("invalid mount %q, want host:guest[:ro]", entry)
		}
		m.HostPath, m.GuestPath = parts[0], parts[1]
		if m.HostPath == "" || m.GuestPath == "" {
			return nil, fmt.Errorf("invalid mount %q, want host:guest[:ro]", entry)
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}
