package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automatedhome/sunheat/pkg/types"
)

const minimalYAML = `
channels:
  - id: collector
    kind: analog
    dev: ai
    circuit: "1_01"
    scale: 16.667
  - id: tank_bottom
    kind: rtd
    dev: temp
    circuit: "2899AB"
    scale: 1
relays:
  - id: pump
    dev: relay
    circuit: "1_01"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultsApplied(t *testing.T) {
	cfg, err := NewConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.SamplePeriodS)
	assert.Equal(t, 1883, cfg.Bus.Port)
	assert.Equal(t, "solar_heating_v3/", cfg.Bus.TopicPrefix)
	assert.Equal(t, "homeassistant/", cfg.Bus.DiscoveryPrefix)
	assert.Equal(t, 360.0, cfg.Tank.VolumeL)
	assert.Equal(t, 8, cfg.Tank.Levels)
	assert.Equal(t, 4.0, cfg.Tank.TColdInC)
	assert.Equal(t, 8.0, cfg.Control.DTStart)
	assert.Equal(t, 4.0, cfg.Control.DTStop)
	assert.Equal(t, 70.0, cfg.Control.TankTargetC)
	assert.Equal(t, 90.0, cfg.Control.CollectorCoolingC)
	assert.Equal(t, 150.0, cfg.Control.BoilingC)
	assert.Equal(t, types.ModeAuto, cfg.Control.Mode)
	assert.Equal(t, types.WindowMedium, cfg.Rate.Window)
	assert.Equal(t, types.SmoothingEMA, cfg.Rate.Smoothing)
	assert.Equal(t, 0.3, cfg.Rate.EmaAlpha)
	assert.Equal(t, "./operational_state.json", cfg.StoragePath)
	assert.False(t, cfg.Simulation)
}

func TestStrictParsingRejectsUnknownKeys(t *testing.T) {
	_, err := NewConfig(writeConfig(t, minimalYAML+"\nmistypedKey: true\n"))
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name  string
		mangl func(*Config)
	}{
		{"dT_stop above dT_start", func(c *Config) { c.Control.DTStop = 9 }},
		{"sample period below one", func(c *Config) { c.SamplePeriodS = 0 }},
		{"target above high warning", func(c *Config) { c.Control.TankTargetC = 86 }},
		{"cooling above boiling", func(c *Config) { c.Control.CollectorCoolingC = 200 }},
		{"alpha out of range", func(c *Config) { c.Rate.EmaAlpha = 1.5 }},
		{"unknown mode", func(c *Config) { c.Control.Mode = "turbo" }},
		{"unknown window", func(c *Config) { c.Rate.Window = "instant" }},
		{"no channels", func(c *Config) { c.Channels = nil }},
		{"duplicate channel id", func(c *Config) {
			c.Channels = append(c.Channels, c.Channels[0])
		}},
		{"bad level heights count", func(c *Config) {
			c.Tank.LevelHeightsCm = []float64{10, 20}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := NewConfig(writeConfig(t, minimalYAML))
			require.NoError(t, err)
			tc.mangl(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MQTT_USERNAME", "heat")
	t.Setenv("MQTT_PASSWORD", "secret")
	t.Setenv("EVOK_ADDRESS", "10.0.0.5:8080")
	t.Setenv("SUNHEAT_SIMULATION", "true")

	cfg, err := NewConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "heat", cfg.Bus.User)
	assert.Equal(t, "secret", cfg.Bus.Pass)
	assert.Equal(t, "10.0.0.5:8080", cfg.EvokAddress)
	assert.True(t, cfg.Simulation)
}

func TestTankHelpers(t *testing.T) {
	tank := Tank{VolumeL: 360, Levels: 8, LevelHeightCm: 20, TColdInC: 4, TMaxC: 95}

	// 360 kg warming 91 degrees
	assert.InDelta(t, 360*4.186*91/3600, tank.MaxEnergyKWh(), 1e-6)

	h := tank.Heights()
	assert.Len(t, h, 8)
	assert.Equal(t, 20.0, h[0])

	tank.LevelHeightsCm = []float64{10, 15, 15, 20, 20, 20, 20, 20}
	assert.Equal(t, tank.LevelHeightsCm, tank.Heights())
}

func TestChannelLookups(t *testing.T) {
	cfg, err := NewConfig(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	cfg.Channels = append(cfg.Channels,
		types.Channel{ID: "tank_level_1", Role: types.RoleTankLevel, Level: 1},
		types.Channel{ID: "tank_level_0", Role: types.RoleTankLevel, Level: 0},
	)
	cfg.Tank.Levels = 2

	levels := cfg.TankLevelChannels()
	require.Len(t, levels, 2)
	assert.Equal(t, "tank_level_0", levels[0].ID, "levels sorted bottom first")
	assert.Equal(t, "tank_level_1", levels[1].ID)

	r, ok := cfg.RelayByID("pump")
	assert.True(t, ok)
	assert.Equal(t, "relay", r.Dev)

	_, ok = cfg.RelayByID("valve")
	assert.False(t, ok)
}
