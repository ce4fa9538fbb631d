package rhino

import (
	"math"

	"github.com/wippyai/rhino-wasm/errors"
)

// Defaults and bounds for engine options.
const (
	DefaultSensitivity         float32 = 0.5
	DefaultEndpointDurationSec float32 = 1.0
	DefaultSDK                         = "go"

	MinEndpointDurationSec float32 = 0.5
	MaxEndpointDurationSec float32 = 5.0
)

// Config holds the options for creating a Handle. Start from DefaultConfig
// so the defaults for fields whose zero value is meaningful are applied.
type Config struct {
	// AccessKey is the license key passed to the engine.
	AccessKey string

	// ModelPath and ContextPath are paths inside the module's filesystem.
	// Host directories are exposed through engine.Config.Mounts.
	ModelPath   string
	ContextPath string

	// SDK tags the engine with the host binding name. Empty skips it.
	SDK string

	// Sensitivity in [0, 1]. Higher values reduce misses at the cost of
	// more false acceptances.
	Sensitivity float32

	// EndpointDurationSec is the silence, in seconds, that ends an
	// utterance. Must be in [0.5, 5.0].
	EndpointDurationSec float32

	// RequireEndpoint makes the engine wait for silence before it
	// finalizes.
	RequireEndpoint bool
}

// DefaultConfig returns a Config with default sensitivity, endpoint
// duration and RequireEndpoint enabled.
func DefaultConfig() Config {
	return Config{
		SDK:                 DefaultSDK,
		Sensitivity:         DefaultSensitivity,
		EndpointDurationSec: DefaultEndpointDurationSec,
		RequireEndpoint:     true,
	}
}

// Validate checks the options without touching the engine.
func (c *Config) Validate() error {
	if c.AccessKey == "" {
		return errors.InvalidArgument(errors.PhaseConfig, "AccessKey is required")
	}
	if c.ModelPath == "" {
		return errors.InvalidArgument(errors.PhaseConfig, "ModelPath is required")
	}
	if c.ContextPath == "" {
		return errors.InvalidArgument(errors.PhaseConfig, "ContextPath is required")
	}
	if isNaN(c.Sensitivity) || c.Sensitivity < 0 || c.Sensitivity > 1 {
		return errors.InvalidArgument(errors.PhaseConfig,
			"Sensitivity must be in [0, 1], got %v", c.Sensitivity)
	}
	if isNaN(c.EndpointDurationSec) ||
		c.EndpointDurationSec < MinEndpointDurationSec ||
		c.EndpointDurationSec > MaxEndpointDurationSec {
		return errors.InvalidArgument(errors.PhaseConfig,
			"EndpointDurationSec must be in [%v, %v], got %v",
			MinEndpointDurationSec, MaxEndpointDurationSec, c.EndpointDurationSec)
	}
	return nil
}

func isNaN(f float32) bool {
	return math.IsNaN(float64(f))
}
