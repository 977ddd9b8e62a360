package derived

import (
	"math"

	log "github.com/sirupsen/logrus"

	"github.com/automatedhome/sunheat/pkg/config"
	"github.com/automatedhome/sunheat/pkg/types"
)

// cp is the specific heat of water in kJ/(kg*K).
const cp = 4.186

// Calculator turns reading frames into derived values. Apart from its
// own rolling windows it holds no external references: no hardware, no
// persistence, no bus.
type Calculator struct {
	tank      config.Tank
	safeC     float64
	ceilingC  float64
	collector string
	bottom    string
	levels    []types.Channel
	supply    string
	outdoor   string
	extract   string

	lastGood    map[string]float64
	energyWarn  bool
	rates       *rateTracker
	totalInputs int
}

// New builds a calculator bound to the configured channel topology.
func New(cfg *config.Config) *Calculator {
	c := &Calculator{
		tank:        cfg.Tank,
		safeC:       cfg.Control.SafeThresholdC,
		ceilingC:    cfg.Control.RiskCeilingC,
		levels:      cfg.TankLevelChannels(),
		lastGood:    make(map[string]float64),
		rates:       newRateTracker(),
		totalInputs: len(cfg.Channels),
	}
	if ch, ok := cfg.ChannelByRole(types.RoleCollector); ok {
		c.collector = ch.ID
	}
	if ch, ok := cfg.ChannelByRole(types.RoleTankBottom); ok {
		c.bottom = ch.ID
	}
	if ch, ok := cfg.ChannelByRole(types.RoleSupplyAir); ok {
		c.supply = ch.ID
	}
	if ch, ok := cfg.ChannelByRole(types.RoleOutdoorAir); ok {
		c.outdoor = ch.ID
	}
	if ch, ok := cfg.ChannelByRole(types.RoleExtractAir); ok {
		c.extract = ch.ID
	}
	return c
}

// Compute derives all values from the latest frame. rate selects the
// window and smoothing currently in force.
func (c *Calculator) Compute(frame types.ReadingFrame, rate config.Rate) types.Derived {
	d := types.Derived{}

	ok := 0
	for _, r := range frame.Readings {
		if r.Status == types.StatusOK {
			ok++
		}
	}
	if c.totalInputs > 0 {
		d.SensorHealthPct = float64(ok) / float64(c.totalInputs) * 100
	}

	if frame.OK(c.collector) && frame.OK(c.bottom) {
		dt := frame.Get(c.collector).ValueC - frame.Get(c.bottom).ValueC
		d.CollectorDTC = &dt
	}

	temps, present := c.levelTemps(frame)
	c.computeEnergy(temps, present, &d)
	c.computeStratification(temps, present, &d)
	c.computeHX(frame, &d)
	d.OverheatingRiskPct = c.overheatingRisk(frame)

	var mean float64
	if d.TankMeanC != nil {
		mean = *d.TankMeanC
	}
	d.EnergyRateKW, d.TempRateCPerH = c.rates.update(frame.Wall, d.StoredEnergyKWh, mean, rate)

	return d
}

// levelTemps returns one temperature per stratification level, falling
// back to the last good value for channels in error. present[i] is false
// when a level has never produced a reading.
func (c *Calculator) levelTemps(frame types.ReadingFrame) ([]float64, []bool) {
	temps := make([]float64, len(c.levels))
	present := make([]bool, len(c.levels))
	for i, ch := range c.levels {
		if frame.OK(ch.ID) {
			v := frame.Get(ch.ID).ValueC
			c.lastGood[ch.ID] = v
			temps[i] = v
			present[i] = true
		} else if v, ok := c.lastGood[ch.ID]; ok {
			temps[i] = v
			present[i] = true
		}
	}
	return temps, present
}

func (c *Calculator) computeEnergy(temps []float64, present []bool, d *types.Derived) {
	if c.tank.Levels == 0 {
		return
	}
	kgPerLevel := c.tank.VolumeL / float64(c.tank.Levels) // ~1 kg/L
	maxEnergy := c.tank.MaxEnergyKWh()

	var total, top, bottom float64
	half := len(temps) / 2
	for i := range temps {
		if !present[i] {
			continue
		}
		eKWh := kgPerLevel * cp * (temps[i] - c.tank.TColdInC) / 3600
		total += eKWh
		if i >= half {
			top += eKWh
		} else {
			bottom += eKWh
		}
	}

	if total > maxEnergy*1.1 {
		if !c.energyWarn {
			log.Warnf("stored energy %.1f kWh exceeds tank capacity bound %.1f kWh", total, maxEnergy)
			c.energyWarn = true
		}
	} else {
		c.energyWarn = false
	}

	d.StoredEnergyKWh = clamp(total, 0, maxEnergy)
	d.StoredEnergyTopKWh = clamp(top, 0, maxEnergy)
	d.StoredEnergyBotKWh = clamp(bottom, 0, maxEnergy)
}

func (c *Calculator) computeStratification(temps []float64, present []bool, d *types.Derived) {
	var sum float64
	n := 0
	for i := range temps {
		if present[i] {
			sum += temps[i]
			n++
		}
	}
	if n > 0 {
		mean := sum / float64(n)
		d.TankMeanC = &mean
	}

	heights := c.tank.Heights()
	var grad float64
	pairs := 0
	for i := 0; i+1 < len(temps); i++ {
		if !present[i] || !present[i+1] {
			continue
		}
		h := heights[i]
		if h <= 0 {
			continue
		}
		grad += math.Abs(temps[i+1]-temps[i]) / h
		pairs++
	}
	if pairs > 0 {
		g := grad / float64(pairs)
		d.StratificationCPerCm = &g
	}
}

// computeHX derives the ventilation heat exchanger efficiency. Null when
// the denominator is too small to be meaningful.
func (c *Calculator) computeHX(frame types.ReadingFrame, d *types.Derived) {
	if !frame.OK(c.supply) || !frame.OK(c.outdoor) || !frame.OK(c.extract) {
		return
	}
	supply := frame.Get(c.supply).ValueC
	outdoor := frame.Get(c.outdoor).ValueC
	extract := frame.Get(c.extract).ValueC

	denom := extract - outdoor
	if math.Abs(denom) < 0.5 {
		return
	}
	eff := clamp((supply-outdoor)/denom*100, 0, 100)
	d.HXEfficiencyPct = &eff
}

// overheatingRisk interpolates linearly between the safe threshold and
// the risk ceiling, using the hottest reading in the loop.
func (c *Calculator) overheatingRisk(frame types.ReadingFrame) float64 {
	hottest := math.Inf(-1)
	seen := false
	if frame.OK(c.collector) {
		hottest = frame.Get(c.collector).ValueC
		seen = true
	}
	for _, ch := range c.levels {
		if frame.OK(ch.ID) {
			if v := frame.Get(ch.ID).ValueC; !seen || v > hottest {
				hottest = v
				seen = true
			}
		}
	}
	if !seen || c.ceilingC <= c.safeC {
		return 0
	}
	return clamp((hottest-c.safeC)/(c.ceilingC-c.safeC)*100, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
