package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/automatedhome/sunheat/pkg/ai"
	"github.com/automatedhome/sunheat/pkg/bus"
	"github.com/automatedhome/sunheat/pkg/config"
	"github.com/automatedhome/sunheat/pkg/controller"
	"github.com/automatedhome/sunheat/pkg/derived"
	"github.com/automatedhome/sunheat/pkg/hardware"
	"github.com/automatedhome/sunheat/pkg/sampler"
	"github.com/automatedhome/sunheat/pkg/state"
	"github.com/automatedhome/sunheat/pkg/types"
)

const (
	persistInterval = 60 * time.Second
	relayTimeout    = 2 * time.Second
)

var (
	tickDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "sunheat_tick_duration_seconds",
		Help: "Wall time spent per control tick",
	})
	storedEnergy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sunheat_stored_energy_kwh",
		Help: "Energy stored in the tank relative to cold inlet",
	})
	controlDelta = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sunheat_temperature_delta_celsius",
		Help: "Collector to tank bottom temperature delta",
	})
	sensorHealth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sunheat_sensor_health_percent",
		Help: "Fraction of channels reporting ok on the latest frame",
	})
)

// Engine is the tick task: sole owner of hardware, persistence, the
// sampler, derivations, the controller, and operational state.
type Engine struct {
	cfg     *config.Config
	params  config.Control
	rate    config.Rate
	io      hardware.IO
	sampler *sampler.Sampler
	calc    *derived.Calculator
	ctrl    *controller.Controller
	op      *state.Operational
	store   *state.Store
	pub     *bus.Publisher
	adapter *bus.Adapter
	advisor ai.Advisor

	relays    map[string]types.Relay
	lastRelay map[string]*bool // nil until first successful write

	start       time.Time
	lastFrame   time.Time
	lastPersist time.Time

	statusMu   sync.RWMutex
	lastStatus types.Status
	lastDerive types.Derived
	lastTick   types.ReadingFrame
}

// New wires an engine from its collaborators.
func New(cfg *config.Config, io hardware.IO, adapter *bus.Adapter, advisor ai.Advisor) *Engine {
	now := time.Now()
	store := state.NewStore(cfg.StoragePath)
	op := store.Load(now, cfg.Control.Mode)

	params := cfg.Control
	if op.Mode.Valid() {
		params.Mode = op.Mode
	}

	e := &Engine{
		cfg:       cfg,
		params:    params,
		rate:      cfg.Rate,
		io:        io,
		sampler:   sampler.New(io, cfg.Channels, relayTimeout),
		calc:      derived.New(cfg),
		ctrl:      controller.New(cfg),
		op:        op,
		store:     store,
		pub:       bus.NewPublisher(adapter),
		adapter:   adapter,
		advisor:   advisor,
		relays:    make(map[string]types.Relay),
		lastRelay: make(map[string]*bool),
		start:     now,
	}
	for _, r := range cfg.Relays {
		e.relays[r.ID] = r
	}
	if advisor == nil {
		e.advisor = ai.Noop{}
	}
	return e
}

// Run ticks at the configured cadence until ctx is cancelled, then runs
// the shutdown sequence.
func (e *Engine) Run(ctx context.Context) error {
	period := time.Duration(e.cfg.SamplePeriodS) * time.Second
	log.Infof("Engine starting, sampling every %s", period)

	// first tick immediately, then on the ticker so tick starts stay
	// aligned to the clock rather than to previous-tick end
	e.tick(ctx)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick runs one full control cycle. Nothing inside may abort it; every
// failure is observable as state.
func (e *Engine) tick(ctx context.Context) {
	started := time.Now()
	defer func() {
		tickDuration.Observe(time.Since(started).Seconds())
	}()

	for _, cmd := range e.adapter.Drain() {
		e.applyCommand(cmd)
	}

	frame := e.sampler.Sample(ctx)
	e.lastFrame = time.Now()

	d := e.calc.Compute(frame, e.rate)
	sensorHealth.Set(d.SensorHealthPct)
	storedEnergy.Set(d.StoredEnergyKWh)
	if d.CollectorDTC != nil {
		controlDelta.Set(*d.CollectorDTC)
	}

	out := e.evaluate(frame, d, started)

	e.applyRelay(ctx, types.RelayPump, out.Pump, reasonFor(out.Events, "pump"))
	e.applyRelay(ctx, types.RelayHeater, out.Heater, reasonFor(out.Events, "heater"))

	period := time.Duration(e.cfg.SamplePeriodS) * time.Second
	e.op.Accumulate(period, out.Pump, d.EnergyRateKW)
	e.applyEvents(out.Events, started)
	if e.op.RollDay(started) {
		log.Infof("Daily counters reset, new day marker %s", e.op.DayMarker)
	}
	e.op.Mode = e.params.Mode

	e.publish(frame, d, out, started)

	if len(out.Events) > 0 || time.Since(e.lastPersist) >= persistInterval {
		e.persist()
	}
}

// evaluate runs the controller, forcing everything off if it panics.
func (e *Engine) evaluate(frame types.ReadingFrame, d types.Derived, now time.Time) (out controller.Output) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Controller panic, forcing safe state: %v", r)
			out = controller.Output{State: e.ctrl.CurrentState(), Pump: false, Heater: false}
		}
	}()

	return e.ctrl.Evaluate(controller.Input{
		Frame:   frame,
		Derived: d,
		Params:  e.params,
		Latched: e.op.EmergencyLatched,
		Manual:  e.op.ManualOverride,
		Now:     now,
	})
}

// applyRelay writes a relay only when the desired state differs from the
// last known one. A failed write is retried once; a failed safety-off
// latches the emergency flag, which only an explicit clearance releases.
func (e *Engine) applyRelay(ctx context.Context, id string, on bool, reason string) {
	relay, ok := e.relays[id]
	if !ok {
		return
	}
	if last := e.lastRelay[id]; last != nil && *last == on {
		return
	}
	if e.cfg.TestMode {
		log.Infof("Test mode: would set relay %s to %t", id, on)
		v := on
		e.lastRelay[id] = &v
		return
	}

	err := e.writeRelay(ctx, relay, on)
	if err != nil {
		log.Warnf("Relay %s write failed, retrying: %v", id, err)
		err = e.writeRelay(ctx, relay, on)
	}
	if err != nil {
		e.pub.Alert("ACTUATOR", "error", fmt.Sprintf("relay %s write failed twice: %v", id, err))
		if !on {
			// could not guarantee the safety-off; latch until explicitly cleared
			e.op.EmergencyLatched = true
		}
		e.lastRelay[id] = nil
		return
	}

	v := on
	e.lastRelay[id] = &v
	e.pub.Pump(id, on, reason, time.Now().Unix())
}

func (e *Engine) writeRelay(ctx context.Context, relay types.Relay, on bool) error {
	wctx, cancel := context.WithTimeout(ctx, relayTimeout)
	defer cancel()
	return e.io.SetRelay(wctx, relay, on)
}

// applyEvents maps controller transitions onto the durable counters.
func (e *Engine) applyEvents(events []types.Event, now time.Time) {
	for _, ev := range events {
		switch ev.Code {
		case types.EventDTStart:
			e.op.StartCycle(now)
		case types.EventDTStop, types.EventTargetReached, types.EventSensorLossStop:
			e.op.EndCycle(now)
		case types.EventOverheat:
			e.op.EmergencyLatched = true
			e.op.EndCycle(now)
		case types.EventClearEmergency:
			e.op.EmergencyLatched = false
		}
	}

	if len(events) > 0 {
		e.consultAdvisor(events)
	}
}

// consultAdvisor asks the external service for a comment on the latest
// transitions. Fire-and-forget: the engine never blocks on it and works
// identically when it is absent.
func (e *Engine) consultAdvisor(events []types.Event) {
	evs := make([]string, len(events))
	for i, ev := range events {
		evs[i] = ev.Code
	}
	taskContext := map[string]interface{}{
		"events": evs,
		"state":  string(e.ctrl.CurrentState()),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rec, err := e.advisor.Propose(ctx, "state_transition", taskContext)
		if err != nil {
			log.Debugf("Advisor unavailable: %v", err)
			return
		}
		if rec == nil {
			return
		}
		log.Infof("Advisor recommends %s: %s", rec.Action, rec.Reason)
		e.pub.Advisor(rec.Action, rec.Reason, rec.Confidence, time.Now().Unix())
	}()
}

func (e *Engine) publish(frame types.ReadingFrame, d types.Derived, out controller.Output, now time.Time) {
	e.pub.Frame(frame)
	e.pub.Derived(d, frame.Wall)

	for _, ev := range out.Events {
		e.pub.Event(ev)
	}

	status := types.Status{
		Mode:            e.params.Mode,
		State:           string(out.State),
		PumpOn:          out.Pump,
		HeaterOn:        out.Heater,
		EmergencyLatch:  e.op.EmergencyLatched,
		SensorHealthPct: d.SensorHealthPct,
		UptimeS:         int64(now.Sub(e.start).Seconds()),
		Since:           now.Unix(),
	}
	e.pub.Status(status)

	okCount := 0
	for _, r := range frame.Readings {
		if r.Status == types.StatusOK {
			okCount++
		}
	}
	e.pub.Heartbeat(types.Heartbeat{
		Alive:          true,
		Wall:           now.Unix(),
		UptimeS:        status.UptimeS,
		Mode:           e.params.Mode,
		PumpOn:         out.Pump,
		HeaterOn:       out.Heater,
		SensorCount:    okCount,
		LastFrameAgeS:  int64(time.Since(e.lastFrame).Seconds()),
		EmergencyLatch: e.op.EmergencyLatched,
	})

	e.statusMu.Lock()
	e.lastStatus = status
	e.lastDerive = d
	e.lastTick = frame
	e.statusMu.Unlock()
}

func (e *Engine) persist() {
	if err := e.store.Save(e.op); err != nil {
		log.Warnf("Persisting operational state failed: %v", err)
		if e.store.ConsecutiveFailures() >= 3 {
			e.pub.Alert("PERSISTENCE", "error", fmt.Sprintf(
				"state file unwritable, %d consecutive failures", e.store.ConsecutiveFailures()))
		}
		return
	}
	e.lastPersist = time.Now()
}

// shutdown finishes cleanly: relays off (unless manual state is to be
// preserved), counters persisted, and a final retained status emitted.
func (e *Engine) shutdown() {
	log.Info("Engine shutting down")

	preserve := e.cfg.PreserveManualOnShutdown && e.params.Mode == types.ModeManual
	if !preserve {
		ctx, cancel := context.WithTimeout(context.Background(), 2*relayTimeout)
		e.applyRelay(ctx, types.RelayPump, false, "shutdown")
		e.applyRelay(ctx, types.RelayHeater, false, "shutdown")
		cancel()
	}

	e.persist()

	e.statusMu.RLock()
	status := e.lastStatus
	e.statusMu.RUnlock()
	status.Shutdown = true
	status.UptimeS = int64(time.Since(e.start).Seconds())
	if !preserve {
		status.PumpOn = false
		status.HeaterOn = false
	}
	e.pub.Status(status)

	// give the bus task a moment to flush the final publishes
	time.Sleep(500 * time.Millisecond)
}

// Status returns the latest published system status, for the HTTP server.
func (e *Engine) Status() types.Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.lastStatus
}

// LastFrame returns the most recent reading frame, for the HTTP server.
func (e *Engine) LastFrame() types.ReadingFrame {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.lastTick
}

// LastDerived returns the most recent derived values, for the HTTP server.
func (e *Engine) LastDerived() types.Derived {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.lastDerive
}

// Fresh reports whether a tick completed within the last two periods.
func (e *Engine) Fresh() bool {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	if e.lastStatus.Since == 0 {
		return false
	}
	period := time.Duration(e.cfg.SamplePeriodS) * time.Second
	return time.Since(time.Unix(e.lastStatus.Since, 0)) < 2*period
}

// reasonFor picks the most relevant event code for a relay topic.
func reasonFor(events []types.Event, relay string) string {
	for _, ev := range events {
		switch ev.Code {
		case types.EventDTStart, types.EventDTStop, types.EventTargetReached,
			types.EventCoolingIn, types.EventCoolingOut, types.EventOverheat,
			types.EventSensorLossStop, types.EventManual:
			if relay == "pump" {
				return ev.Code
			}
		}
		if relay == "heater" {
			switch ev.Code {
			case types.EventHeaterFloorOn, types.EventHeaterFloorOff, types.EventOverheat, types.EventManual:
				return ev.Code
			}
		}
	}
	return ""
}
