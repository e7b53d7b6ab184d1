package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical anchor defaults file.
const DefaultConfigPath = "config/anchor.defaults.json"

// AnchorConfig is the on-disk configuration for the anchor graph service.
// Every field is optional; the Get* accessors supply the default when a
// field is absent so partial files are safe.
type AnchorConfig struct {
	// Graph density
	MinRadius  *float64 `json:"min_radius_m,omitempty"`
	MaxRadius  *float64 `json:"max_radius_m,omitempty"` // explicit MAX overrides min + margin
	EdgeMargin *float64 `json:"edge_margin_m,omitempty"`

	// Tracking confidence
	TrackingStartDelay *string `json:"tracking_start_delay,omitempty"` // duration string like "300ms"
	TrackingStaleAfter *string `json:"tracking_stale_after,omitempty"`

	// Persistence
	PersistenceEnabled *bool   `json:"persistence_enabled,omitempty"`
	SaveInterval       *string `json:"save_interval,omitempty"`

	// Frame loop
	MaxLocalAnchors           *int     `json:"max_local_anchors,omitempty"`
	CreationFailureWarnFrames *int     `json:"creation_failure_warn_frames,omitempty"`
	FrameRateHz               *float64 `json:"frame_rate_hz,omitempty"`
}

// Defaults used when a field is not present in the loaded file.
const (
	defaultMinRadius                 = 1.0
	defaultEdgeMargin                = 0.2
	defaultTrackingStartDelay        = 300 * time.Millisecond
	defaultTrackingStaleAfter        = 250 * time.Millisecond
	defaultSaveInterval              = 5 * time.Second
	defaultCreationFailureWarnFrames = 90
	defaultFrameRateHz               = 60.0
)

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyConfig returns an AnchorConfig with every field unset.
func EmptyConfig() *AnchorConfig {
	return &AnchorConfig{}
}

// DefaultConfig returns an AnchorConfig with every field populated with its
// default value.
func DefaultConfig() *AnchorConfig {
	return &AnchorConfig{
		MinRadius:                 ptrFloat64(defaultMinRadius),
		EdgeMargin:                ptrFloat64(defaultEdgeMargin),
		TrackingStartDelay:        ptrString(defaultTrackingStartDelay.String()),
		TrackingStaleAfter:        ptrString(defaultTrackingStaleAfter.String()),
		PersistenceEnabled:        ptrBool(true),
		SaveInterval:              ptrString(defaultSaveInterval.String()),
		MaxLocalAnchors:           ptrInt(0),
		CreationFailureWarnFrames: ptrInt(defaultCreationFailureWarnFrames),
		FrameRateHz:               ptrFloat64(defaultFrameRateHz),
	}
}

// LoadConfig loads an AnchorConfig from a JSON file.
// The file must have a .json extension and be no larger than 1MB.
func LoadConfig(path string) (*AnchorConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *AnchorConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are usable.
func (c *AnchorConfig) Validate() error {
	if c.MinRadius != nil && *c.MinRadius <= 0 {
		return fmt.Errorf("min_radius_m must be positive, got %f", *c.MinRadius)
	}
	if c.EdgeMargin != nil && *c.EdgeMargin < 0 {
		return fmt.Errorf("edge_margin_m must be non-negative, got %f", *c.EdgeMargin)
	}
	if c.MaxRadius != nil {
		if minR := c.GetMinRadius(); *c.MaxRadius < minR {
			return fmt.Errorf("max_radius_m (%f) must not be less than min_radius_m (%f)", *c.MaxRadius, minR)
		}
	}

	durations := []struct {
		name  string
		value *string
	}{
		{"tracking_start_delay", c.TrackingStartDelay},
		{"tracking_stale_after", c.TrackingStaleAfter},
		{"save_interval", c.SaveInterval},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", d.name, *d.value)
		}
	}

	if c.MaxLocalAnchors != nil && *c.MaxLocalAnchors < 0 {
		return fmt.Errorf("max_local_anchors must be non-negative, got %d", *c.MaxLocalAnchors)
	}
	if c.CreationFailureWarnFrames != nil && *c.CreationFailureWarnFrames < 0 {
		return fmt.Errorf("creation_failure_warn_frames must be non-negative, got %d", *c.CreationFailureWarnFrames)
	}
	if c.FrameRateHz != nil && *c.FrameRateHz <= 0 {
		return fmt.Errorf("frame_rate_hz must be positive, got %f", *c.FrameRateHz)
	}
	return nil
}

// GetMinRadius returns the MIN radius in metres.
func (c *AnchorConfig) GetMinRadius() float64 {
	if c.MinRadius == nil {
		return defaultMinRadius
	}
	return *c.MinRadius
}

// GetEdgeMargin returns the margin added to MIN when no explicit MAX is set.
func (c *AnchorConfig) GetEdgeMargin() float64 {
	if c.EdgeMargin == nil {
		return defaultEdgeMargin
	}
	return *c.EdgeMargin
}

// GetMaxRadius returns the explicit MAX radius, or MIN + margin.
func (c *AnchorConfig) GetMaxRadius() float64 {
	if c.MaxRadius != nil {
		return *c.MaxRadius
	}
	return c.GetMinRadius() + c.GetEdgeMargin()
}

// GetTrackingStartDelay returns the post-reacquisition debounce window.
func (c *AnchorConfig) GetTrackingStartDelay() time.Duration {
	return parseDurationOr(c.TrackingStartDelay, defaultTrackingStartDelay)
}

// GetTrackingStaleAfter returns how long a pose feed may go silent before
// provider-level tracking is reported unavailable.
func (c *AnchorConfig) GetTrackingStaleAfter() time.Duration {
	return parseDurationOr(c.TrackingStaleAfter, defaultTrackingStaleAfter)
}

func (c *AnchorConfig) GetPersistenceEnabled() bool {
	if c.PersistenceEnabled == nil {
		return true // default
	}
	return *c.PersistenceEnabled
}

func (c *AnchorConfig) GetSaveInterval() time.Duration {
	return parseDurationOr(c.SaveInterval, defaultSaveInterval)
}

// GetMaxLocalAnchors returns the local anchor ceiling; 0 means unlimited.
func (c *AnchorConfig) GetMaxLocalAnchors() int {
	if c.MaxLocalAnchors == nil {
		return 0 // default: unlimited
	}
	return *c.MaxLocalAnchors
}

func (c *AnchorConfig) GetCreationFailureWarnFrames() int {
	if c.CreationFailureWarnFrames == nil {
		return defaultCreationFailureWarnFrames
	}
	return *c.CreationFailureWarnFrames
}

func (c *AnchorConfig) GetFrameRateHz() float64 {
	if c.FrameRateHz == nil {
		return defaultFrameRateHz
	}
	return *c.FrameRateHz
}

// GetFrameInterval returns the frame period derived from GetFrameRateHz.
func (c *AnchorConfig) GetFrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.GetFrameRateHz())
}

func parseDurationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}
