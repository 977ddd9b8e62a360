package config

import (
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/automatedhome/sunheat/pkg/types"
)

// Bus holds message broker connection settings.
type Bus struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Pass            string `yaml:"pass"`
	TopicPrefix     string `yaml:"topicPrefix"`
	DiscoveryPrefix string `yaml:"discoveryPrefix"`
	ClientID        string `yaml:"clientID"`
}

// Tank describes the storage tank geometry and reference temperatures.
type Tank struct {
	VolumeL        float64   `yaml:"volumeL"`
	Levels         int       `yaml:"levels"`
	LevelHeightCm  float64   `yaml:"levelHeightCm"`
	LevelHeightsCm []float64 `yaml:"levelHeightsCm"` // optional per-level override
	TColdInC       float64   `yaml:"tColdInC"`
	TMaxC          float64   `yaml:"tMaxC"`
}

// MaxEnergyKWh is the energy stored at TMaxC relative to TColdInC.
func (t Tank) MaxEnergyKWh() float64 {
	const cp = 4.186 // kJ/(kg*K)
	return t.VolumeL * cp * (t.TMaxC - t.TColdInC) / 3600
}

// Heights returns one vertical spacing per sensor gap, in cm.
func (t Tank) Heights() []float64 {
	if len(t.LevelHeightsCm) == t.Levels {
		return t.LevelHeightsCm
	}
	h := make([]float64, t.Levels)
	for i := range h {
		h[i] = t.LevelHeightCm
	}
	return h
}

// Control holds the pump/heater state machine parameters. Mutable at
// runtime through the command queue only.
type Control struct {
	DTStart           float64    `yaml:"dTStart"`
	DTStop            float64    `yaml:"dTStop"`
	TankTargetC       float64    `yaml:"tankTargetC"`
	CollectorCoolingC float64    `yaml:"collectorCoolingC"`
	CoolingHysterC    float64    `yaml:"coolingHysteresisC"`
	BoilingC          float64    `yaml:"boilingC"`
	TempHighWarnC     float64    `yaml:"tempHighWarnC"`
	TempLowWarnC      float64    `yaml:"tempLowWarnC"`
	Mode              types.Mode `yaml:"mode"`
	HeaterMinimumC    float64    `yaml:"heaterMinimumC"`
	HeaterFloor       bool       `yaml:"heaterFloor"`
	EcoHeaterFloor    bool       `yaml:"ecoHeaterFloor"`
	EcoDTStart        float64    `yaml:"ecoDTStart"`
	EcoDTStop         float64    `yaml:"ecoDTStop"`
	EcoTankTargetC    float64    `yaml:"ecoTankTargetC"`
	SafeThresholdC    float64    `yaml:"safeThresholdC"`
	RiskCeilingC      float64    `yaml:"riskCeilingC"`
}

// Rate holds rate-of-change computation settings.
type Rate struct {
	Window    types.RateWindow    `yaml:"window"`
	Smoothing types.RateSmoothing `yaml:"smoothing"`
	EmaAlpha  float64             `yaml:"emaAlpha"`
}

// Watchdog holds supervisor settings.
type Watchdog struct {
	PingHosts    []string `yaml:"pingHosts"`
	Services     []string `yaml:"services"`
	MaxAgeHours  int      `yaml:"maxAgeHours"`
	AllowRestart bool     `yaml:"allowRestart"`
}

// Advisor holds the optional external recommendation service settings.
type Advisor struct {
	Endpoint string `yaml:"endpoint"`
}

// Config is the full engine configuration, read once at startup.
type Config struct {
	SamplePeriodS            int             `yaml:"samplePeriodS"`
	Bus                      Bus             `yaml:"bus"`
	Tank                     Tank            `yaml:"tank"`
	Control                  Control         `yaml:"control"`
	Rate                     Rate            `yaml:"rate"`
	Channels                 []types.Channel `yaml:"channels"`
	Relays                   []types.Relay   `yaml:"relays"`
	EvokAddress              string          `yaml:"evokAddress"`
	StoragePath              string          `yaml:"storagePath"`
	HTTPPort                 int             `yaml:"httpPort"`
	Simulation               bool            `yaml:"simulation"`
	TestMode                 bool            `yaml:"testMode"`
	PreserveManualOnShutdown bool            `yaml:"preserveManualOnShutdown"`
	Watchdog                 Watchdog        `yaml:"watchdog"`
	Advisor                  Advisor         `yaml:"advisor"`
}

// NewConfig reads and validates the configuration file, applying defaults
// and environment overrides.
func NewConfig(cfgFile string) (*Config, error) {
	log.Infof("Reading configuration from %s", cfgFile)
	data, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("file reading error: %w", err)
	}

	config := defaults()
	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", cfgFile, err)
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func defaults() *Config {
	return &Config{
		SamplePeriodS: 30,
		Bus: Bus{
			Port:            1883,
			TopicPrefix:     "solar_heating_v3/",
			DiscoveryPrefix: "homeassistant/",
			ClientID:        "sunheat",
		},
		Tank: Tank{
			VolumeL:       360,
			Levels:        8,
			LevelHeightCm: 20,
			TColdInC:      4,
			TMaxC:         95,
		},
		Control: Control{
			DTStart:           8,
			DTStop:            4,
			TankTargetC:       70,
			CollectorCoolingC: 90,
			CoolingHysterC:    5,
			BoilingC:          150,
			TempHighWarnC:     85,
			TempLowWarnC:      30,
			Mode:              types.ModeAuto,
			HeaterMinimumC:    40,
			EcoDTStart:        10,
			EcoDTStop:         6,
			EcoTankTargetC:    55,
			SafeThresholdC:    90,
			RiskCeilingC:      170,
		},
		Rate: Rate{
			Window:    types.WindowMedium,
			Smoothing: types.SmoothingEMA,
			EmaAlpha:  0.3,
		},
		EvokAddress: "localhost:8080",
		StoragePath: "./operational_state.json",
		HTTPPort:    7001,
		Watchdog: Watchdog{
			MaxAgeHours: 24,
		},
	}
}

// applyEnv lets deployment override secrets and addresses without
// touching the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.Bus.User = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.Bus.Pass = v
	}
	if v := os.Getenv("MQTT_HOST"); v != "" {
		c.Bus.Host = v
	}
	if v := os.Getenv("EVOK_ADDRESS"); v != "" {
		c.EvokAddress = v
	}
	if v := os.Getenv("SUNHEAT_STORAGE_PATH"); v != "" {
		c.StoragePath = v
	}
	if v := os.Getenv("SUNHEAT_SIMULATION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Simulation = b
		}
	}
}

// Validate refuses configurations that violate the control invariants.
// This is the only intentionally fatal error path in the system.
func (c *Config) Validate() error {
	if c.SamplePeriodS < 1 {
		return fmt.Errorf("samplePeriodS must be >= 1, got %d", c.SamplePeriodS)
	}
	ctl := c.Control
	if ctl.DTStop >= ctl.DTStart {
		return fmt.Errorf("dTStop (%.1f) must be below dTStart (%.1f)", ctl.DTStop, ctl.DTStart)
	}
	if ctl.EcoDTStop >= ctl.EcoDTStart {
		return fmt.Errorf("ecoDTStop (%.1f) must be below ecoDTStart (%.1f)", ctl.EcoDTStop, ctl.EcoDTStart)
	}
	if !(ctl.TempLowWarnC < ctl.TankTargetC &&
		ctl.TankTargetC < ctl.TempHighWarnC &&
		ctl.TempHighWarnC < ctl.CollectorCoolingC &&
		ctl.CollectorCoolingC < ctl.BoilingC) {
		return fmt.Errorf("temperature thresholds must satisfy low < target < high < cooling < boiling, got %.1f/%.1f/%.1f/%.1f/%.1f",
			ctl.TempLowWarnC, ctl.TankTargetC, ctl.TempHighWarnC, ctl.CollectorCoolingC, ctl.BoilingC)
	}
	if !ctl.Mode.Valid() {
		return fmt.Errorf("unknown control mode %q", ctl.Mode)
	}
	if !c.Rate.Window.Valid() {
		return fmt.Errorf("unknown rate window %q", c.Rate.Window)
	}
	if !c.Rate.Smoothing.Valid() {
		return fmt.Errorf("unknown rate smoothing %q", c.Rate.Smoothing)
	}
	if c.Rate.EmaAlpha <= 0 || c.Rate.EmaAlpha >= 1 {
		return fmt.Errorf("emaAlpha must be in (0,1), got %.2f", c.Rate.EmaAlpha)
	}
	if c.Tank.Levels < 2 {
		return fmt.Errorf("tank needs at least 2 stratification levels, got %d", c.Tank.Levels)
	}
	if c.Tank.TMaxC <= c.Tank.TColdInC {
		return fmt.Errorf("tank tMaxC (%.1f) must exceed tColdInC (%.1f)", c.Tank.TMaxC, c.Tank.TColdInC)
	}
	if n := len(c.Tank.LevelHeightsCm); n != 0 && n != c.Tank.Levels {
		return fmt.Errorf("levelHeightsCm has %d entries for %d levels", n, c.Tank.Levels)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("no temperature channels configured")
	}
	seen := make(map[string]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channel with empty id")
		}
		if seen[ch.ID] {
			return fmt.Errorf("duplicate channel id %q", ch.ID)
		}
		seen[ch.ID] = true
		if ch.Kind != types.KindRTD && ch.Kind != types.KindAnalog {
			return fmt.Errorf("channel %s: unknown kind %q", ch.ID, ch.Kind)
		}
	}
	return nil
}

// ChannelByRole returns the first channel carrying the given role tag.
func (c *Config) ChannelByRole(role string) (types.Channel, bool) {
	for _, ch := range c.Channels {
		if ch.Role == role {
			return ch, true
		}
	}
	return types.Channel{}, false
}

// TankLevelChannels returns the stratification channels sorted bottom first.
func (c *Config) TankLevelChannels() []types.Channel {
	out := make([]types.Channel, 0, c.Tank.Levels)
	for lvl := 0; lvl < c.Tank.Levels; lvl++ {
		for _, ch := range c.Channels {
			if ch.Role == types.RoleTankLevel && ch.Level == lvl {
				out = append(out, ch)
				break
			}
		}
	}
	return out
}

// RelayByID returns the relay with the given id.
func (c *Config) RelayByID(id string) (types.Relay, bool) {
	for _, r := range c.Relays {
		if r.ID == id {
			return r, true
		}
	}
	return types.Relay{}, false
}
