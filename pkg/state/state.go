package state

import (
	"encoding/json"
	"time"

	"github.com/automatedhome/sunheat/pkg/types"
)

// dayFormat is the local-date form stored in DayMarker.
const dayFormat = "2006-01-02"

// ManualOverride holds operator-forced relay states, honored in manual mode.
type ManualOverride struct {
	Pump   *bool `json:"pump,omitempty"`
	Heater *bool `json:"heater,omitempty"`
}

// DailySnapshot retains the previous day's accumulators after midnight.
type DailySnapshot struct {
	Date               string  `json:"date"`
	EnergyCollectedKWh float64 `json:"energy_collected_kwh"`
	SolarEnergyKWh     float64 `json:"solar_energy_kwh"`
	PumpRuntimeS       int64   `json:"pump_runtime_s"`
}

// Operational is the durable counter record. It is owned by the tick
// task and persisted as a single JSON document.
type Operational struct {
	PumpRuntimeS            int64          `json:"pump_runtime_s"`
	HeatingCycles           uint64         `json:"heating_cycles"`
	LastPumpStart           *int64         `json:"last_pump_start"`
	LastCycleDurationS      int64          `json:"last_cycle_duration_s"`
	EnergyCollectedTodayKWh float64        `json:"energy_collected_today_kwh"`
	SolarEnergyTodayKWh     float64        `json:"solar_energy_today_kwh"`
	PumpRuntimeTodayS       int64          `json:"pump_runtime_today_s"`
	DayMarker               string         `json:"day_marker"`
	Mode                    types.Mode     `json:"mode"`
	ManualOverride          ManualOverride `json:"manual_override"`
	EmergencyLatched        bool           `json:"emergency_latched"`
	Yesterday               *DailySnapshot `json:"yesterday,omitempty"`

	// fields written by other (possibly newer) versions, preserved on rewrite
	extra map[string]json.RawMessage
}

// NewOperational returns a fresh record for the given local day and mode.
func NewOperational(now time.Time, mode types.Mode) *Operational {
	return &Operational{
		DayMarker: now.Format(dayFormat),
		Mode:      mode,
	}
}

// operationalAlias avoids recursing into the custom JSON methods.
type operationalAlias Operational

var knownKeys = []string{
	"pump_runtime_s", "heating_cycles", "last_pump_start",
	"last_cycle_duration_s", "energy_collected_today_kwh",
	"solar_energy_today_kwh", "pump_runtime_today_s", "day_marker",
	"mode", "manual_override", "emergency_latched", "yesterday",
}

// UnmarshalJSON decodes known fields and keeps everything else verbatim.
func (o *Operational) UnmarshalJSON(data []byte) error {
	var a operationalAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownKeys {
		delete(raw, k)
	}
	if len(raw) > 0 {
		a.extra = raw
	}

	*o = Operational(a)
	return nil
}

// MarshalJSON emits known fields merged with any preserved unknown ones.
func (o Operational) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(operationalAlias(o))
	if err != nil {
		return nil, err
	}
	if len(o.extra) == 0 {
		return known, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range o.extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Accumulate advances the counters by one tick interval.
// Collected energy integrates any positive rate; solar energy only while
// the pump runs.
func (o *Operational) Accumulate(dt time.Duration, pumpOn bool, energyRateKW float64) {
	seconds := int64(dt.Seconds())
	if pumpOn {
		o.PumpRuntimeS += seconds
		o.PumpRuntimeTodayS += seconds
	}
	if energyRateKW > 0 {
		kwh := energyRateKW * dt.Hours()
		o.EnergyCollectedTodayKWh += kwh
		if pumpOn {
			o.SolarEnergyTodayKWh += kwh
		}
	}
}

// RollDay resets the daily accumulators when the local date has advanced
// past the stored marker. Idempotent: a second call on the same day does
// nothing. Returns true when a reset happened.
func (o *Operational) RollDay(now time.Time) bool {
	today := now.Format(dayFormat)
	if o.DayMarker == today {
		return false
	}
	// a marker from the future (clock stepped back) is left alone
	if o.DayMarker > today {
		return false
	}

	o.Yesterday = &DailySnapshot{
		Date:               o.DayMarker,
		EnergyCollectedKWh: o.EnergyCollectedTodayKWh,
		SolarEnergyKWh:     o.SolarEnergyTodayKWh,
		PumpRuntimeS:       o.PumpRuntimeTodayS,
	}
	o.EnergyCollectedTodayKWh = 0
	o.SolarEnergyTodayKWh = 0
	o.PumpRuntimeTodayS = 0
	o.DayMarker = today
	return true
}

// StartCycle records a pump start under auto-mode dT logic.
func (o *Operational) StartCycle(now time.Time) {
	start := now.Unix()
	o.LastPumpStart = &start
	o.HeatingCycles++
}

// EndCycle records the cycle duration when the pump stops.
func (o *Operational) EndCycle(now time.Time) {
	if o.LastPumpStart != nil {
		o.LastCycleDurationS = now.Unix() - *o.LastPumpStart
	}
}
