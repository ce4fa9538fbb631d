package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"go.uber.org/zap/zapcore"

	"github.com/wippyai/rhino-wasm/engine"
	"github.com/wippyai/rhino-wasm/errors"
	"github.com/wippyai/rhino-wasm/rhino"
)

func TestLoad_Defaults(t *testing.T) {
	v := New()
	v.Set("engine", "/opt/rhino.wasm")

	s, err := Load(v, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Sensitivity != rhino.DefaultSensitivity || s.EndpointDuration != rhino.DefaultEndpointDurationSec {
		t.Errorf("defaults not applied: %+v", s)
	}
	if !s.RequireEndpoint || s.LogLevel != "info" {
		t.Errorf("defaults not applied: %+v", s)
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rhino.yaml")
	content := `engine: /opt/rhino.wasm
access_key: from-file
model: /models/params.pv
context: /models/coffee.rhn
sensitivity: 0.7
mounts:
  - /srv/models:/models:ro
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RHINO_ACCESS_KEY", "from-env")
	t.Setenv("RHINO_ENDPOINT_DURATION", "2.5")

	s, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.AccessKey != "from-env" {
		t.Errorf("AccessKey = %q, environment should win over the file", s.AccessKey)
	}
	if s.Sensitivity != 0.7 || s.EndpointDuration != 2.5 {
		t.Errorf("Sensitivity=%v EndpointDuration=%v", s.Sensitivity, s.EndpointDuration)
	}

	cfg, err := s.RhinoConfig()
	if err != nil {
		t.Fatalf("RhinoConfig failed: %v", err)
	}
	if cfg.ModelPath != "/models/params.pv" || cfg.ContextPath != "/models/coffee.rhn" {
		t.Errorf("RhinoConfig = %+v", cfg)
	}

	ec, err := s.EngineConfig()
	if err != nil {
		t.Fatal(err)
	}
	want := []engine.Mount{{HostPath: "/srv/models", GuestPath: "/models", ReadOnly: true}}
	if !reflect.DeepEqual(ec.Mounts, want) {
		t.Errorf("Mounts = %+v, want %+v", ec.Mounts, want)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		set  map[string]any
		name string
	}{
		{map[string]any{}, "no engine"},
		{map[string]any{"engine": "e.wasm", "log_level": "loud"}, "bad log level"},
		{map[string]any{"engine": "e.wasm", "mounts": []string{"/only-host"}}, "bad mount"},
		{map[string]any{"engine": "e.wasm", "mounts": []string{"/a:/b:rw"}}, "bad mount mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New()
			for k, val := range tt.set {
				v.Set(k, val)
			}
			if _, err := Load(v, ""); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestSettings_RhinoConfigValidates(t *testing.T) {
	s := &Settings{Engine: "e.wasm", AccessKey: "k", Model: "/m", Context: "/c", Sensitivity: 3, EndpointDuration: 1}
	if _, err := s.RhinoConfig(); !errors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("got %v, want invalid argument", err)
	}
}

func TestNewLogger(t *testing.T) {
	for _, dev := range []bool{false, true} {
		logger, err := NewLogger(&Settings{LogLevel: "warn", LogDevelopment: dev})
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}
		if logger.Core().Enabled(zapcore.InfoLevel) {
			t.Error("info enabled at warn level")
		}
		if !logger.Core().Enabled(zapcore.ErrorLevel) {
			t.Error("error disabled at warn level")
		}
	}

	if _, err := NewLogger(&Settings{LogLevel: "chatty"}); err == nil {
		t.Error("expected error for unknown level")
	}
}
