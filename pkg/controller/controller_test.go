package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/automatedhome/sunheat/pkg/config"
	"github.com/automatedhome/sunheat/pkg/state"
	"github.com/automatedhome/sunheat/pkg/types"
)

func testConfig() *config.Config {
	return &config.Config{
		Tank: config.Tank{VolumeL: 360, Levels: 2, LevelHeightCm: 20, TColdInC: 4, TMaxC: 95},
		Control: config.Control{
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
		Channels: []types.Channel{
			{ID: "collector", Kind: types.KindAnalog, Role: types.RoleCollector},
			{ID: "tank_bottom", Kind: types.KindRTD, Role: types.RoleTankBottom},
			{ID: "tank_level_0", Kind: types.KindRTD, Role: types.RoleTankLevel, Level: 0},
			{ID: "tank_level_1", Kind: types.KindRTD, Role: types.RoleTankLevel, Level: 1},
		},
	}
}

// frame builds a reading frame; channels listed in errored report error.
func frame(values map[string]float64, errored ...string) types.ReadingFrame {
	f := types.ReadingFrame{
		Wall:     time.Now().Unix(),
		Readings: make(map[string]types.Reading),
	}
	for id, v := range values {
		f.Readings[id] = types.Reading{ValueC: v, Status: types.StatusOK}
	}
	for _, id := range errored {
		f.Readings[id] = types.Reading{Status: types.StatusError}
	}
	return f
}

// harness steps the controller the way the engine does, tracking the
// latch like the durable record would.
type harness struct {
	ctrl    *Controller
	params  config.Control
	latched bool
	manual  state.ManualOverride
	now     time.Time
}

func newHarness(cfg *config.Config) *harness {
	return &harness{
		ctrl:   New(cfg),
		params: cfg.Control,
		now:    time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (h *harness) step(f types.ReadingFrame) Output {
	out := h.ctrl.Evaluate(Input{
		Frame:   f,
		Params:  h.params,
		Latched: h.latched,
		Manual:  h.manual,
		Now:     h.now,
	})
	for _, ev := range out.Events {
		switch ev.Code {
		case types.EventOverheat:
			h.latched = true
		case types.EventClearEmergency:
			h.latched = false
		}
	}
	h.now = h.now.Add(30 * time.Second)
	return out
}

// warm consumes the startup frames with quiet conditions.
func (h *harness) warm() {
	f := frame(map[string]float64{
		"collector": 30, "tank_bottom": 40, "tank_level_0": 40, "tank_level_1": 45,
	})
	h.step(f)
	h.step(f)
}

func hasEvent(out Output, code string) bool {
	for _, ev := range out.Events {
		if ev.Code == code {
			return true
		}
	}
	return false
}

func TestStartupIdles(t *testing.T) {
	h := newHarness(testConfig())
	// conditions that would start the pump immediately
	f := frame(map[string]float64{
		"collector": 60, "tank_bottom": 40, "tank_level_0": 40, "tank_level_1": 45,
	})

	out := h.step(f)
	assert.Equal(t, StateStartup, out.State)
	assert.False(t, out.Pump)
	assert.False(t, out.Heater)

	out = h.step(f)
	assert.Equal(t, StateStartup, out.State)

	out = h.step(f)
	assert.Equal(t, StateHeating, out.State)
}

func TestPumpStartOnRisingSun(t *testing.T) {
	h := newHarness(testConfig())
	h.warm()

	mk := func(collector float64) types.ReadingFrame {
		return frame(map[string]float64{
			"collector": collector, "tank_bottom": 40, "tank_level_0": 40, "tank_level_1": 45,
		})
	}

	out := h.step(mk(40))
	assert.Equal(t, StateStandby, out.State)
	assert.False(t, out.Pump)

	out = h.step(mk(45)) // dT 5, below start threshold
	assert.Equal(t, StateStandby, out.State)
	assert.False(t, out.Pump)

	out = h.step(mk(48)) // dT 8
	assert.Equal(t, StateHeating, out.State)
	assert.True(t, out.Pump)
	assert.True(t, hasEvent(out, types.EventDTStart))
}

func TestPumpStopAsDeltaCloses(t *testing.T) {
	h := newHarness(testConfig())
	h.warm()

	// enter heating
	out := h.step(frame(map[string]float64{
		"collector": 50, "tank_bottom": 40, "tank_level_0": 40, "tank_level_1": 45,
	}))
	require.Equal(t, StateHeating, out.State)

	out = h.step(frame(map[string]float64{
		"collector": 65, "tank_bottom": 58, "tank_level_0": 58, "tank_level_1": 60,
	}))
	assert.Equal(t, StateHeating, out.State, "dT 7 stays above stop threshold")
	assert.True(t, out.Pump)

	out = h.step(frame(map[string]float64{
		"collector": 61, "tank_bottom": 58, "tank_level_0": 58, "tank_level_1": 60,
	}))
	assert.Equal(t, StateStandby, out.State)
	assert.False(t, out.Pump)
	assert.True(t, hasEvent(out, types.EventDTStop))
}

func TestTargetReachedStopsPump(t *testing.T) {
	h := newHarness(testConfig())
	h.warm()

	out := h.step(frame(map[string]float64{
		"collector": 60, "tank_bottom": 40, "tank_level_0": 40, "tank_level_1": 45,
	}))
	require.Equal(t, StateHeating, out.State)

	out = h.step(frame(map[string]float64{
		"collector": 85, "tank_bottom": 71.5, "tank_level_0": 71.5, "tank_level_1": 73,
	}))
	assert.Equal(t, StateStandby, out.State)
	assert.True(t, hasEvent(out, types.EventTargetReached))
}

func TestCollectorCoolingPreemptsDeltaLogic(t *testing.T) {
	h := newHarness(testConfig())
	h.warm()

	// dT is only 2, well below start threshold, but the collector is hot
	out := h.step(frame(map[string]float64{
		"collector": 92, "tank_bottom": 90, "tank_level_0": 70, "tank_level_1": 72,
	}))
	assert.Equal(t, StateCollectorCooling, out.State)
	assert.True(t, out.Pump)
	assert.True(t, hasEvent(out, types.EventCoolingIn))

	// still inside the hysteresis band: keep shedding
	out = h.step(frame(map[string]float64{
		"collector": 88, "tank_bottom": 86, "tank_level_0": 70, "tank_level_1": 72,
	}))
	assert.Equal(t, StateCollectorCooling, out.State)
	assert.True(t, out.Pump)

	out = h.step(frame(map[string]float64{
		"collector": 85, "tank_bottom": 83, "tank_level_0": 70, "tank_level_1": 72,
	}))
	assert.Equal(t, StateStandby, out.State)
	assert.False(t, out.Pump)
	assert.True(t, hasEvent(out, types.EventCoolingOut))
}

func TestEmergencyLatch(t *testing.T) {
	h := newHarness(testConfig())
	h.warm()

	out := h.step(frame(map[string]float64{
		"collector": 151, "tank_bottom": 60, "tank_level_0": 60, "tank_level_1": 62,
	}))
	assert.Equal(t, StateOverheated, out.State)
	assert.False(t, out.Pump)
	assert.False(t, out.Heater)
	assert.True(t, hasEvent(out, types.EventOverheat))
	assert.True(t, h.latched)

	// dropping below boiling does not clear the latch
	out = h.step(frame(map[string]float64{
		"collector": 149, "tank_bottom": 60, "tank_level_0": 60, "tank_level_1": 62,
	}))
	assert.Equal(t, StateOverheated, out.State)
	assert.True(t, h.latched)

	// clearance request alone is not enough while above boiling-10
	h.ctrl.RequestClearEmergency()
	out = h.step(frame(map[string]float64{
		"collector": 145, "tank_bottom": 60, "tank_level_0": 60, "tank_level_1": 62,
	}))
	assert.Equal(t, StateOverheated, out.State)
	assert.True(t, h.latched)

	out = h.step(frame(map[string]float64{
		"collector": 139, "tank_bottom": 60, "tank_level_0": 60, "tank_level_1": 62,
	}))
	assert.Equal(t, StateStandby, out.State)
	assert.True(t, hasEvent(out, types.EventClearEmergency))
	assert.False(t, h.latched)
}

func TestTankLevelTriggersEmergency(t *testing.T) {
	h := newHarness(testConfig())
	h.warm()

	out := h.step(frame(map[string]float64{
		"collector": 60, "tank_bottom": 60, "tank_level_0": 60, "tank_level_1": 151,
	}))
	assert.Equal(t, StateOverheated, out.State)
	assert.True(t, h.latched)
}

func TestSensorLossInhibitsHeating(t *testing.T) {
	h := newHarness(testConfig())
	h.warm()

	// collector unreadable, so no dT transition regardless of values
	f := frame(map[string]float64{
		"tank_bottom": 30, "tank_level_0": 30, "tank_level_1": 32,
	}, "collector")

	out := h.step(f)
	assert.Equal(t, StateStandby, out.State)
	assert.False(t, out.Pump)

	out = h.step(f)
	assert.Equal(t, StateStandby, out.State)
	assert.False(t, out.Pump)
}

func TestSensorLossDuringHeatingStopsPumpAfterGrace(t *testing.T) {
	h := newHarness(testConfig())
	h.warm()

	out := h.step(frame(map[string]float64{
		"collector": 60, "tank_bottom": 40, "tank_level_0": 40, "tank_level_1": 45,
	}))
	require.Equal(t, StateHeating, out.State)

	blind := frame(map[string]float64{
		"tank_level_0": 40, "tank_level_1": 45,
	}, "collector", "tank_bottom")

	// pump keeps its cycle through the grace window (steps are 30 s apart)
	out = h.step(blind)
	assert.Equal(t, StateHeating, out.State)
	assert.True(t, out.Pump)

	out = h.step(blind)
	assert.Equal(t, StateHeating, out.State)
	assert.True(t, out.Pump)

	out = h.step(blind)
	assert.Equal(t, StateStandby, out.State)
	assert.False(t, out.Pump)
	assert.True(t, hasEvent(out, types.EventSensorLossStop))
}

func TestManualOverride(t *testing.T) {
	h := newHarness(testConfig())
	h.warm()

	h.params.Mode = types.ModeManual
	on := true
	h.manual = state.ManualOverride{Pump: &on}

	f := frame(map[string]float64{
		"collector": 30, "tank_bottom": 40, "tank_level_0": 40, "tank_level_1": 45,
	})

	out := h.step(f)
	assert.Equal(t, StateManualOverride, out.State)
	assert.True(t, out.Pump)
	assert.False(t, out.Heater)
	assert.True(t, hasEvent(out, types.EventManual))

	// with no intervening control commands the outputs are constant
	for i := 0; i < 3; i++ {
		out = h.step(f)
		assert.Equal(t, StateManualOverride, out.State)
		assert.True(t, out.Pump)
		assert.False(t, out.Heater)
		assert.Empty(t, out.Events)
	}

	h.params.Mode = types.ModeAuto
	out = h.step(f)
	assert.Equal(t, StateStandby, out.State)
	assert.False(t, out.Pump)
	assert.True(t, hasEvent(out, types.EventAutoResume))
}

func TestOverheatPreemptsManual(t *testing.T) {
	h := newHarness(testConfig())
	h.warm()

	h.params.Mode = types.ModeManual
	on := true
	h.manual = state.ManualOverride{Pump: &on, Heater: &on}

	out := h.step(frame(map[string]float64{
		"collector": 151, "tank_bottom": 60, "tank_level_0": 60, "tank_level_1": 62,
	}))
	assert.Equal(t, StateOverheated, out.State)
	assert.False(t, out.Pump)
	assert.False(t, out.Heater)
}

func TestEcoModeUsesEcoProfile(t *testing.T) {
	h := newHarness(testConfig())
	h.warm()
	h.params.Mode = types.ModeEco

	// dT 8 starts the pump in auto but not in eco (eco threshold is 10)
	out := h.step(frame(map[string]float64{
		"collector": 48, "tank_bottom": 40, "tank_level_0": 40, "tank_level_1": 45,
	}))
	assert.Equal(t, StateStandby, out.State)
	assert.False(t, out.Pump)

	out = h.step(frame(map[string]float64{
		"collector": 50, "tank_bottom": 40, "tank_level_0": 40, "tank_level_1": 45,
	}))
	assert.Equal(t, StateHeating, out.State)
	assert.True(t, out.Pump)
}

func TestHeaterFloor(t *testing.T) {
	cfg := testConfig()
	cfg.Control.HeaterFloor = true
	h := newHarness(cfg)
	h.params = cfg.Control
	h.warm()

	cold := frame(map[string]float64{
		"collector": 30, "tank_bottom": 35, "tank_level_0": 35, "tank_level_1": 38,
	})

	// below the floor but the delay has not elapsed yet
	out := h.step(cold)
	assert.False(t, out.Heater)

	// steps advance 30 s each; after 60 s below the floor it engages
	h.step(cold)
	out = h.step(cold)
	assert.True(t, out.Heater)

	// stays on just above the floor, off once comfortably above it
	out = h.step(frame(map[string]float64{
		"collector": 30, "tank_bottom": 35, "tank_level_0": 35, "tank_level_1": 41,
	}))
	assert.True(t, out.Heater)

	out = h.step(frame(map[string]float64{
		"collector": 30, "tank_bottom": 35, "tank_level_0": 35, "tank_level_1": 42.5,
	}))
	assert.False(t, out.Heater)
}

func TestEcoHeaterAlwaysOffByDefault(t *testing.T) {
	cfg := testConfig()
	cfg.Control.HeaterFloor = true
	h := newHarness(cfg)
	h.params = cfg.Control
	h.params.Mode = types.ModeEco
	h.warm()

	cold := frame(map[string]float64{
		"collector": 20, "tank_bottom": 30, "tank_level_0": 30, "tank_level_1": 32,
	})
	for i := 0; i < 4; i++ {
		out := h.step(cold)
		assert.False(t, out.Heater)
	}
}
