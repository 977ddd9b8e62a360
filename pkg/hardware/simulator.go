package hardware

import (
	"context"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/automatedhome/sunheat/pkg/types"
)

// Simulator produces deterministic sample data so the full engine can run
// without an installation attached. Values depend only on the wall clock,
// so two runs over the same interval see the same temperatures.
type Simulator struct {
	mu     sync.Mutex
	now    func() time.Time
	relays map[string]bool
}

// NewSimulator returns a simulator reading the real clock.
func NewSimulator() *Simulator {
	return &Simulator{
		now:    time.Now,
		relays: make(map[string]bool),
	}
}

// NewSimulatorAt returns a simulator with an injected clock, for tests.
func NewSimulatorAt(now func() time.Time) *Simulator {
	return &Simulator{
		now:    now,
		relays: make(map[string]bool),
	}
}

// ReadTemp synthesizes a plausible temperature for the channel's role.
// A diurnal sine drives the collector; the tank carries a stable gradient.
func (s *Simulator) ReadTemp(_ context.Context, ch types.Channel) (float64, error) {
	s.mu.Lock()
	t := s.now()
	s.mu.Unlock()

	h := float64(t.Hour()) + float64(t.Minute())/60
	// 0 at 06:00, peaks at 13:00, negative at night
	sun := math.Sin((h - 6) / 14 * math.Pi)
	if sun < 0 {
		sun = 0
	}

	var v float64
	switch ch.Role {
	case types.RoleCollector:
		v = 15 + 75*sun
	case types.RoleTankBottom:
		v = 35 + 5*sun
	case types.RoleTankLevel:
		v = 38 + 3.5*float64(ch.Level) + 4*sun
	case types.RoleReturnLine:
		v = 30 + 20*sun
	case types.RoleOutdoorAir:
		v = 5 + 15*sun
	case types.RoleSupplyAir:
		v = 18 + 3*sun
	case types.RoleExtractAir:
		v = 21
	case types.RoleExhaustAir:
		v = 9 + 10*sun
	default:
		v = 20
	}

	// hand back what the board would report so that calibration
	// (raw*scale + offset) reproduces v
	if ch.Scale != 0 {
		return (v - ch.Offset) / ch.Scale, nil
	}
	return v, nil
}

// SetRelay records the desired state and logs the change.
func (s *Simulator) SetRelay(_ context.Context, relay types.Relay, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relays[relay.ID] != on {
		log.WithField("relay", relay.ID).Infof("simulated relay set to %t", on)
	}
	s.relays[relay.ID] = on
	return nil
}

// Relay reports the last commanded state, for tests and the status page.
func (s *Simulator) Relay(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relays[id]
}
