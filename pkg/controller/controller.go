package controller

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/automatedhome/sunheat/pkg/config"
	"github.com/automatedhome/sunheat/pkg/state"
	"github.com/automatedhome/sunheat/pkg/types"
)

// State names the position of the pump/heater state machine.
type State string

const (
	StateStartup          State = "Startup"
	StateStandby          State = "Standby"
	StateHeating          State = "Heating"
	StateCollectorCooling State = "CollectorCooling"
	StateManualOverride   State = "ManualOverride"
	StateOverheated       State = "Overheated"
	StateTest             State = "Test"
)

// startupFrames is how many completed frames the machine idles before
// normal control starts, letting the rate rings populate.
const startupFrames = 2

// sensorLossGrace is how long a running pump survives unreadable control
// temperatures before being commanded off.
const sensorLossGrace = 30 * time.Second

// heaterFloorDelay is how long the tank top must sit below the heater
// floor before the cartridge heater engages.
const heaterFloorDelay = 60 * time.Second

var (
	overheatTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sunheat_overheat_total",
		Help: "Increase when the emergency overheat latch engaged",
	})
	coolingTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sunheat_collector_cooling_total",
		Help: "Increase when proactive collector cooling kicked in",
	})
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sunheat_heating_cycles_total",
		Help: "Pump starts under auto-mode dT logic",
	})
	pumpState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sunheat_pump_running_binary",
		Help: "Registers when the circulation pump is commanded on",
	})
)

// Input is everything one evaluation observes. The controller never
// touches hardware or persistence; it only decides.
type Input struct {
	Frame   types.ReadingFrame
	Derived types.Derived
	Params  config.Control
	Latched bool // emergency latch as persisted
	Manual  state.ManualOverride
	Now     time.Time
}

// Output is the desired relay vector plus the transitions taken.
type Output struct {
	State  State
	Pump   bool
	Heater bool
	Events []types.Event
}

// Controller evaluates the transition rules in fixed order, first match
// wins. It owns no shared state; one instance belongs to the tick task.
type Controller struct {
	state  State
	frames int

	pump   bool
	heater bool

	clearRequested  bool
	unreadableSince *time.Time
	heaterLowSince  *time.Time

	collectorID string
	bottomID    string
	topID       string
	levelIDs    []string
	testMode    bool
}

// New builds a controller bound to the configured channel topology.
func New(cfg *config.Config) *Controller {
	c := &Controller{state: StateStartup, testMode: cfg.TestMode}
	if ch, ok := cfg.ChannelByRole(types.RoleCollector); ok {
		c.collectorID = ch.ID
	}
	if ch, ok := cfg.ChannelByRole(types.RoleTankBottom); ok {
		c.bottomID = ch.ID
	}
	levels := cfg.TankLevelChannels()
	for _, ch := range levels {
		c.levelIDs = append(c.levelIDs, ch.ID)
	}
	if len(levels) > 0 {
		c.topID = levels[len(levels)-1].ID
	}
	return c
}

// RequestClearEmergency arms the latch release; it takes effect once all
// temperatures have dropped far enough below the boiling threshold.
func (c *Controller) RequestClearEmergency() {
	c.clearRequested = true
}

// CurrentState reports the machine position.
func (c *Controller) CurrentState() State {
	return c.state
}

// Evaluate runs one tick of the state machine.
func (c *Controller) Evaluate(in Input) Output {
	c.frames++
	prev := c.state
	var events []types.Event

	mode := effectiveMode(in)
	params := effectiveParams(in.Params, mode)

	// Rule 1: emergency overheat, preempts everything including manual.
	if hot, detail := c.overheated(in.Frame, params.BoilingC); hot {
		if prev != StateOverheated || !in.Latched {
			log.WithField("event", types.EventOverheat).Errorf("CRITICAL: %s", detail)
			overheatTotal.Inc()
			events = append(events, types.Event{Code: types.EventOverheat, Detail: detail})
		}
		c.state = StateOverheated
		return c.finish(StateOverheated, false, false, events)
	}

	// Rule 2: Overheated exits only on explicit clearance with margin.
	if prev == StateOverheated || in.Latched {
		if c.clearRequested && c.allBelow(in.Frame, params.BoilingC-10) {
			c.clearRequested = false
			events = append(events, types.Event{Code: types.EventClearEmergency})
			c.state = StateStandby
			return c.finish(StateStandby, false, false, events)
		}
		c.state = StateOverheated
		return c.finish(StateOverheated, false, false, events)
	}

	// Test mode: observe only, never actuate.
	if c.testMode {
		c.state = StateTest
		return c.finish(StateTest, false, false, events)
	}

	// Rule 3: manual override.
	if mode == types.ModeManual {
		if prev != StateManualOverride {
			events = append(events, types.Event{Code: types.EventManual})
		}
		c.state = StateManualOverride
		pump := in.Manual.Pump != nil && *in.Manual.Pump
		heater := in.Manual.Heater != nil && *in.Manual.Heater
		return c.finish(StateManualOverride, pump, heater, events)
	}
	if prev == StateManualOverride {
		events = append(events, types.Event{Code: types.EventAutoResume})
		prev = StateStandby
	}

	collector := in.Frame.Get(c.collectorID)
	bottom := in.Frame.Get(c.bottomID)

	// Rule 4: proactive collector cooling.
	if collector.Status == types.StatusOK && collector.ValueC >= params.CollectorCoolingC {
		if prev != StateCollectorCooling {
			coolingTotal.Inc()
			events = append(events, types.Event{
				Code:   types.EventCoolingIn,
				Detail: fmt.Sprintf("collector at %.1f", collector.ValueC),
			})
		}
		c.state = StateCollectorCooling
		return c.finish(StateCollectorCooling, true, c.heaterDecision(in, mode, params), events)
	}
	if prev == StateCollectorCooling {
		if collector.Status == types.StatusOK && collector.ValueC <= params.CollectorCoolingC-params.CoolingHysterC {
			events = append(events, types.Event{Code: types.EventCoolingOut})
			prev = StateStandby
		} else {
			// inside the hysteresis band (or blind): keep shedding heat
			c.state = StateCollectorCooling
			return c.finish(StateCollectorCooling, true, c.heaterDecision(in, mode, params), events)
		}
	}

	// Rule 7: idle through the first frames so the rate rings populate.
	if c.frames <= startupFrames {
		c.state = StateStartup
		return c.finish(StateStartup, false, false, events)
	}
	if prev == StateStartup {
		prev = StateStandby
	}

	sensorsOK := collector.Status == types.StatusOK && bottom.Status == types.StatusOK
	heater := c.heaterDecision(in, mode, params)

	// Rules 5 and 6: dT hysteresis.
	switch prev {
	case StateHeating:
		if !sensorsOK {
			if c.unreadableSince == nil {
				t := in.Now
				c.unreadableSince = &t
			}
			if in.Now.Sub(*c.unreadableSince) > sensorLossGrace {
				events = append(events, types.Event{
					Code:   types.EventSensorLossStop,
					Detail: "control temperatures unreadable",
				})
				c.unreadableSince = nil
				c.state = StateStandby
				return c.finish(StateStandby, false, heater, events)
			}
			// current cycle continues on last decision
			c.state = StateHeating
			return c.finish(StateHeating, true, heater, events)
		}
		c.unreadableSince = nil

		dt := collector.ValueC - bottom.ValueC
		if dt <= params.DTStop {
			events = append(events, types.Event{
				Code:   types.EventDTStop,
				Detail: fmt.Sprintf("dT %.1f", dt),
			})
			c.state = StateStandby
			return c.finish(StateStandby, false, heater, events)
		}
		// small post-target bias to avoid chatter
		if bottom.ValueC >= params.TankTargetC+1 {
			events = append(events, types.Event{
				Code:   types.EventTargetReached,
				Detail: fmt.Sprintf("tank bottom %.1f", bottom.ValueC),
			})
			c.state = StateStandby
			return c.finish(StateStandby, false, heater, events)
		}
		c.state = StateHeating
		return c.finish(StateHeating, true, heater, events)

	default: // Standby
		// readings in error inhibit any transition into Heating
		if sensorsOK {
			dt := collector.ValueC - bottom.ValueC
			if dt >= params.DTStart && bottom.ValueC < params.TankTargetC {
				cyclesTotal.Inc()
				events = append(events, types.Event{
					Code:   types.EventDTStart,
					Detail: fmt.Sprintf("dT %.1f", dt),
				})
				c.state = StateHeating
				return c.finish(StateHeating, true, heater, events)
			}
		}
		c.state = StateStandby
		return c.finish(StateStandby, false, heater, events)
	}
}

// heaterDecision applies the cartridge heater policy for the mode.
func (c *Controller) heaterDecision(in Input, mode types.Mode, params config.Control) bool {
	floorEnabled := params.HeaterFloor
	if mode == types.ModeEco && !params.EcoHeaterFloor {
		floorEnabled = false
	}
	if !floorEnabled {
		c.heaterLowSince = nil
		return false
	}

	top := in.Frame.Get(c.topID)
	if top.Status != types.StatusOK {
		c.heaterLowSince = nil
		return c.heater
	}

	if c.heater {
		// run until comfortably above the floor
		if top.ValueC >= params.HeaterMinimumC+2 {
			c.heaterLowSince = nil
			return false
		}
		return true
	}

	if top.ValueC < params.HeaterMinimumC {
		if c.heaterLowSince == nil {
			t := in.Now
			c.heaterLowSince = &t
		}
		if in.Now.Sub(*c.heaterLowSince) >= heaterFloorDelay {
			return true
		}
	} else {
		c.heaterLowSince = nil
	}
	return false
}

func (c *Controller) finish(s State, pump, heater bool, events []types.Event) Output {
	c.state = s
	if pump != c.pump {
		if pump {
			pumpState.Set(1)
		} else {
			pumpState.Set(0)
		}
	}
	c.pump = pump
	c.heater = heater
	return Output{State: s, Pump: pump, Heater: heater, Events: events}
}

// overheated checks the collector and every tank level against the
// boiling threshold.
func (c *Controller) overheated(frame types.ReadingFrame, boilingC float64) (bool, string) {
	if r := frame.Get(c.collectorID); r.Status == types.StatusOK && r.ValueC >= boilingC {
		return true, fmt.Sprintf("collector at %.1f exceeds boiling threshold %.1f", r.ValueC, boilingC)
	}
	for _, id := range c.levelIDs {
		if r := frame.Get(id); r.Status == types.StatusOK && r.ValueC >= boilingC {
			return true, fmt.Sprintf("tank level %s at %.1f exceeds boiling threshold %.1f", id, r.ValueC, boilingC)
		}
	}
	return false, ""
}

// allBelow reports whether every readable temperature is below limit.
func (c *Controller) allBelow(frame types.ReadingFrame, limit float64) bool {
	for _, r := range frame.Readings {
		if r.Status == types.StatusOK && r.ValueC >= limit {
			return false
		}
	}
	return true
}

// effectiveMode resolves the mode in force, preferring the persisted one.
func effectiveMode(in Input) types.Mode {
	if in.Params.Mode.Valid() {
		return in.Params.Mode
	}
	return types.ModeAuto
}

// effectiveParams substitutes the eco profile when eco mode is active.
func effectiveParams(p config.Control, mode types.Mode) config.Control {
	if mode != types.ModeEco {
		return p
	}
	out := p
	if p.EcoDTStart > 0 {
		out.DTStart = p.EcoDTStart
	}
	if p.EcoDTStop > 0 {
		out.DTStop = p.EcoDTStop
	}
	if p.EcoTankTargetC > 0 {
		out.TankTargetC = p.EcoTankTargetC
	}
	return out
}
