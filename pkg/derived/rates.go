package derived

import (
	"github.com/automatedhome/sunheat/pkg/config"
	"github.com/automatedhome/sunheat/pkg/types"
)

// ringCapacity bounds the rate history; at the default 30 s cadence this
// comfortably covers the slow (300 s) window.
const ringCapacity = 20

type rateSample struct {
	wall   int64
	energy float64
	mean   float64
}

// rateTracker keeps a bounded history of (time, energy, tank mean) and
// derives smoothed slopes over the configured window.
type rateTracker struct {
	ring []rateSample

	rawEnergy []float64 // last raw slopes, for sma
	rawTemp   []float64

	emaEnergy float64
	emaTemp   float64
	emaPrimed bool
}

func newRateTracker() *rateTracker {
	return &rateTracker{}
}

// update appends the newest sample and returns the energy rate in kW and
// the temperature rate in degrees C per hour.
func (r *rateTracker) update(wall int64, energy, mean float64, cfg config.Rate) (float64, float64) {
	r.ring = append(r.ring, rateSample{wall: wall, energy: energy, mean: mean})
	if len(r.ring) > ringCapacity {
		r.ring = r.ring[len(r.ring)-ringCapacity:]
	}

	windowS := int64(cfg.Window.Duration().Seconds())
	newest := r.ring[len(r.ring)-1]

	// oldest sample still inside the window
	oldest := newest
	for i := len(r.ring) - 1; i >= 0; i-- {
		if newest.wall-r.ring[i].wall > windowS {
			break
		}
		oldest = r.ring[i]
	}

	dt := newest.wall - oldest.wall
	var rawE, rawT float64
	if dt > 0 {
		hours := float64(dt) / 3600
		rawE = (newest.energy - oldest.energy) / hours // kWh/h = kW
		rawT = (newest.mean - oldest.mean) / hours
	}

	r.rawEnergy = appendCapped(r.rawEnergy, rawE, 3)
	r.rawTemp = appendCapped(r.rawTemp, rawT, 3)

	switch cfg.Smoothing {
	case types.SmoothingSMA:
		return average(r.rawEnergy), average(r.rawTemp)
	case types.SmoothingEMA:
		if !r.emaPrimed {
			r.emaEnergy, r.emaTemp = rawE, rawT
			r.emaPrimed = true
		} else {
			r.emaEnergy = cfg.EmaAlpha*rawE + (1-cfg.EmaAlpha)*r.emaEnergy
			r.emaTemp = cfg.EmaAlpha*rawT + (1-cfg.EmaAlpha)*r.emaTemp
		}
		return r.emaEnergy, r.emaTemp
	default:
		return rawE, rawT
	}
}

func appendCapped(s []float64, v float64, max int) []float64 {
	s = append(s, v)
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}

func average(s []float64) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s))
}
