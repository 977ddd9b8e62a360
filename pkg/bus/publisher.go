package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/automatedhome/sunheat/pkg/types"
)

// alertThrottle is the minimum interval between identical alert kinds.
const alertThrottle = 5 * time.Minute

// derivedUnits maps published derived fields to their units.
var derivedUnits = map[string]string{
	"collector_dt_c":           "°C",
	"stored_energy_kwh":        "kWh",
	"stored_energy_top_kwh":    "kWh",
	"stored_energy_bottom_kwh": "kWh",
	"tank_mean_c":              "°C",
	"stratification_c_per_cm":  "°C/cm",
	"hx_efficiency_pct":        "%",
	"energy_rate_kw":           "kW",
	"temp_rate_c_per_h":        "°C/h",
	"sensor_health_pct":        "%",
	"overheating_risk_pct":     "%",
}

// Publisher maps engine state to outbound topics. Readings and derived
// values are retained so a fresh subscriber sees last-known state;
// heartbeats and alerts are not.
type Publisher struct {
	adapter *Adapter
	prefix  string

	mu        sync.Mutex
	lastAlert map[string]time.Time
}

// NewPublisher wraps an adapter with the topic mapping.
func NewPublisher(adapter *Adapter) *Publisher {
	return &Publisher{
		adapter:   adapter,
		prefix:    adapter.prefix,
		lastAlert: make(map[string]time.Time),
	}
}

func (p *Publisher) publishJSON(topic string, retained bool, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Errorf("Could not marshal payload for %s: %v", topic, err)
		return
	}
	p.adapter.Publish(p.prefix+topic, retained, string(data))
}

// Frame publishes every channel reading, retained.
func (p *Publisher) Frame(frame types.ReadingFrame) {
	for id, r := range frame.Readings {
		p.publishJSON("temperature/"+id, true, struct {
			ValueC float64             `json:"value_c"`
			Status types.ReadingStatus `json:"status"`
			Wall   int64               `json:"wall"`
		}{r.ValueC, r.Status, frame.Wall})
	}
}

// Derived publishes each derived field on its own retained topic.
func (p *Publisher) Derived(d types.Derived, wall int64) {
	emit := func(field string, value interface{}) {
		p.publishJSON("derived/"+field, true, struct {
			Value interface{} `json:"value"`
			Unit  string      `json:"unit"`
			Wall  int64       `json:"wall"`
		}{value, derivedUnits[field], wall})
	}

	emit("collector_dt_c", d.CollectorDTC)
	emit("stored_energy_kwh", d.StoredEnergyKWh)
	emit("stored_energy_top_kwh", d.StoredEnergyTopKWh)
	emit("stored_energy_bottom_kwh", d.StoredEnergyBotKWh)
	emit("tank_mean_c", d.TankMeanC)
	emit("stratification_c_per_cm", d.StratificationCPerCm)
	emit("hx_efficiency_pct", d.HXEfficiencyPct)
	emit("energy_rate_kw", d.EnergyRateKW)
	emit("temp_rate_c_per_h", d.TempRateCPerH)
	emit("sensor_health_pct", d.SensorHealthPct)
	emit("overheating_risk_pct", d.OverheatingRiskPct)
}

// Status publishes the retained system status.
func (p *Publisher) Status(s types.Status) {
	p.publishJSON("status/system", true, s)
}

// Pump publishes a relay state change, retained.
func (p *Publisher) Pump(relay string, on bool, reason string, wall int64) {
	topic := "status/pump/primary"
	if relay == types.RelayHeater {
		topic = "status/pump/heater"
	}
	p.publishJSON(topic, true, struct {
		On     bool   `json:"on"`
		Wall   int64  `json:"wall"`
		Reason string `json:"reason"`
	}{on, wall, reason})
}

// Heartbeat publishes the per-tick liveness message, never retained.
func (p *Publisher) Heartbeat(hb types.Heartbeat) {
	p.publishJSON("heartbeat", false, hb)
}

// Alert publishes a non-retained alert, throttled to one per kind per
// five minutes.
func (p *Publisher) Alert(kind, severity, detail string) {
	p.mu.Lock()
	last, seen := p.lastAlert[kind]
	now := time.Now()
	if seen && now.Sub(last) < alertThrottle {
		p.mu.Unlock()
		return
	}
	p.lastAlert[kind] = now
	p.mu.Unlock()

	log.WithField("kind", kind).Warnf("alert: %s", detail)
	p.publishJSON("alerts/"+kind, false, types.Alert{
		Kind:     kind,
		Severity: severity,
		Wall:     now.Unix(),
		Detail:   detail,
	})
}

// Discovery publishes a retained payload under an absolute topic,
// outside the engine prefix.
func (p *Publisher) Discovery(topic string, payload []byte) {
	p.adapter.Publish(topic, true, string(payload))
}

// Advisor publishes the latest external recommendation, retained.
func (p *Publisher) Advisor(action, reason string, confidence float64, wall int64) {
	p.publishJSON("status/advisor", true, struct {
		Action     string  `json:"action"`
		Reason     string  `json:"reason"`
		Confidence float64 `json:"confidence"`
		Wall       int64   `json:"wall"`
	}{action, reason, confidence, wall})
}

// Event publishes a state transition as an informational alert.
func (p *Publisher) Event(ev types.Event) {
	p.Alert(ev.Code, "info", ev.Detail)
}

// Nack is exported for the engine to reject commands it cannot apply.
func (p *Publisher) Nack(detail string) {
	p.adapter.Publish(p.prefix+"alerts/command", false, fmt.Sprintf(
		`{"kind":"COMMAND_REJECTED","severity":"warning","wall":%d,"detail":"%s"}`,
		time.Now().Unix(), detail,
	))
}
