package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volteria/controller/pkg/types"
)

const validYAML = `
site_id: site-1
controller_id: ctrl-1
name: Test Site
updated_at: 2026-03-01T10:00:00Z
mode: zero_generator_feed
mode_settings:
  zero_generator_feed:
    dg_reserve_kw: 10
control:
  interval_ms: 1000
safe_mode:
  policy: time_based
  timeout_s: 60
  power_limit_kw: 0
devices:
  - id: inv-1
    name: Inverter 1
    type: inverter
    rated_power_kw: 100
    slave_id: 1
    transport:
      type: tcp
      host: 192.168.1.10
      port: 502
    registers:
      - name: active_power
        address: 100
        kind: holding
        encoding: uint16
        access: read
        role: solar_active_power
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)
	assert.Equal(t, "site-1", cfg.SiteID)
	assert.Equal(t, types.ModeZeroGeneratorFeed, cfg.Mode)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, 10.0, cfg.ModeSettings.ZeroGenFeed.DGReserveKW)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	var ce *types.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("site_id: [unterminated"))
	require.Error(t, err)
	var ce *types.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestValidateMissingSiteID(t *testing.T) {
	cfg := &types.SiteConfig{ControllerID: "ctrl-1"}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SiteID")
}

func TestValidateDuplicateDeviceID(t *testing.T) {
	cfg := &types.SiteConfig{
		SiteID:       "site-1",
		ControllerID: "ctrl-1",
		Devices: []types.Device{
			{ID: "inv-1", Type: types.DeviceInverter, Transport: types.Transport{Type: types.TransportTCP, Host: "h", Port: 502}},
			{ID: "inv-1", Type: types.DeviceInverter, Transport: types.Transport{Type: types.TransportTCP, Host: "h", Port: 502}},
		},
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate device id inv-1")
}

func TestValidateTransportRequirements(t *testing.T) {
	cfg := &types.SiteConfig{
		SiteID:       "site-1",
		ControllerID: "ctrl-1",
		Devices: []types.Device{
			{ID: "inv-1", Type: types.DeviceInverter, Transport: types.Transport{Type: types.TransportTCP}},
			{ID: "gen-1", Type: types.DeviceGenerator, Transport: types.Transport{Type: types.TransportRTUSerial}},
		},
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires host and port")
	assert.Contains(t, err.Error(), "requires serial_port")
}

func TestValidateUTF8RequiresWordCount(t *testing.T) {
	cfg := &types.SiteConfig{
		SiteID:       "site-1",
		ControllerID: "ctrl-1",
		Devices: []types.Device{
			{
				ID: "inv-1", Type: types.DeviceInverter,
				Transport: types.Transport{Type: types.TransportTCP, Host: "h", Port: 502},
				Registers: []types.Register{
					{Name: "serial", Address: 1, Kind: types.RegisterHolding, Encoding: types.EncodingUTF8, Access: types.AccessRead},
				},
			},
		},
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "word_count")
}

func TestValidateIntervalRanges(t *testing.T) {
	cfg := &types.SiteConfig{
		SiteID:       "site-1",
		ControllerID: "ctrl-1",
		Control:      types.ControlConfig{IntervalMs: 50},
		SafeMode:     types.SafeModeConfig{TimeoutS: 3},
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "IntervalMs")
	assert.Contains(t, err.Error(), "TimeoutS")

	cfg.Control.IntervalMs = 0
	cfg.SafeMode.TimeoutS = 0
	assert.NoError(t, Validate(cfg), "zero means default and must pass")
}

func TestResolvePathEnvOverride(t *testing.T) {
	t.Setenv("VOLTERIA_CONFIG_PATH", "/tmp/custom.yaml")
	path, err := ResolvePath()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.yaml", path)
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	require.NoError(t, WriteCache(dir, cfg))
	cached, err := LoadCache(dir)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, cfg.SiteID, cached.SiteID)
	assert.True(t, cfg.UpdatedAt.Equal(cached.UpdatedAt))
}

func TestLoadCacheMissing(t *testing.T) {
	cached, err := LoadCache(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, cached)
}
