package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestEmptyConfigGetters(t *testing.T) {
	t.Parallel()
	cfg := EmptyConfig()

	assert.Equal(t, 1.0, cfg.GetMinRadius())
	assert.InDelta(t, 1.2, cfg.GetMaxRadius(), 1e-9)
	assert.Equal(t, 300*time.Millisecond, cfg.GetTrackingStartDelay())
	assert.Equal(t, 250*time.Millisecond, cfg.GetTrackingStaleAfter())
	assert.True(t, cfg.GetPersistenceEnabled())
	assert.Equal(t, 5*time.Second, cfg.GetSaveInterval())
	assert.Equal(t, 0, cfg.GetMaxLocalAnchors())
	assert.Equal(t, 90, cfg.GetCreationFailureWarnFrames())
	assert.Equal(t, 60.0, cfg.GetFrameRateHz())
	assert.Equal(t, time.Second/60, cfg.GetFrameInterval())
}

func TestDefaultConfigMatchesGetters(t *testing.T) {
	t.Parallel()
	def := DefaultConfig()
	empty := EmptyConfig()

	require.NoError(t, def.Validate())
	assert.Equal(t, empty.GetMinRadius(), def.GetMinRadius())
	assert.Equal(t, empty.GetMaxRadius(), def.GetMaxRadius())
	assert.Equal(t, empty.GetTrackingStartDelay(), def.GetTrackingStartDelay())
	assert.Equal(t, empty.GetSaveInterval(), def.GetSaveInterval())
	assert.Equal(t, empty.GetCreationFailureWarnFrames(), def.GetCreationFailureWarnFrames())
}

func TestMustLoadDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := MustLoadDefaultConfig()
	assert.Equal(t, DefaultConfig().GetMaxRadius(), cfg.GetMaxRadius())
	assert.Equal(t, DefaultConfig().GetTrackingStartDelay(), cfg.GetTrackingStartDelay())
	assert.True(t, cfg.GetPersistenceEnabled())
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "anchor.json", `{
  "min_radius_m": 0.5,
  "max_radius_m": 0.7,
  "tracking_start_delay": "1s",
  "persistence_enabled": false,
  "max_local_anchors": 12
}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.GetMinRadius())
	assert.Equal(t, 0.7, cfg.GetMaxRadius())
	assert.Equal(t, time.Second, cfg.GetTrackingStartDelay())
	assert.False(t, cfg.GetPersistenceEnabled())
	assert.Equal(t, 12, cfg.GetMaxLocalAnchors())

	// Omitted fields keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.GetSaveInterval())
	assert.Equal(t, 90, cfg.GetCreationFailureWarnFrames())
}

func TestMaxRadiusFromMargin(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "anchor.json", `{"min_radius_m": 2, "edge_margin_m": 0.5}`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.InDelta(t, 2.5, cfg.GetMaxRadius(), 1e-9)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"wrong extension", "anchor.yaml", `{}`, "must have .json extension"},
		{"bad json", "anchor.json", `{"min_radius_m":`, "failed to parse config JSON"},
		{"zero min", "anchor.json", `{"min_radius_m": 0}`, "min_radius_m must be positive"},
		{"max below min", "anchor.json", `{"min_radius_m": 1, "max_radius_m": 0.5}`, "must not be less than"},
		{"negative margin", "anchor.json", `{"edge_margin_m": -0.1}`, "edge_margin_m"},
		{"bad delay", "anchor.json", `{"tracking_start_delay": "soon"}`, "invalid tracking_start_delay"},
		{"negative interval", "anchor.json", `{"save_interval": "-1s"}`, "save_interval must be non-negative"},
		{"negative ceiling", "anchor.json", `{"max_local_anchors": -1}`, "max_local_anchors"},
		{"zero frame rate", "anchor.json", `{"frame_rate_hz": 0}`, "frame_rate_hz must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, tt.file, tt.body)
			_, err := LoadConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stat config file")
}

func TestLoadConfigTooLarge(t *testing.T) {
	t.Parallel()
	body := `{"min_radius_m": 1.0, "pad": "` + strings.Repeat("x", 1024*1024) + `"}`
	path := writeConfig(t, "big.json", body)
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file too large")
}

func TestInvalidDurationFallsBackInGetter(t *testing.T) {
	t.Parallel()
	cfg := &AnchorConfig{SaveInterval: ptrString("nope")}
	assert.Equal(t, 5*time.Second, cfg.GetSaveInterval())
}
