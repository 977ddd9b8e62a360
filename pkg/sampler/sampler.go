package sampler

import (
	"context"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/automatedhome/sunheat/pkg/hardware"
	"github.com/automatedhome/sunheat/pkg/types"
)

// Physical plausibility bounds for any calibrated reading, in Celsius.
const (
	minPlausibleC = -50
	maxPlausibleC = 250
)

var (
	readErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sunheat_sensor_read_errors_total",
		Help: "Failed or implausible sensor reads per channel",
	}, []string{"channel"})
	channelTemperature = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sunheat_channel_temperature_celsius",
		Help: "Latest calibrated temperature per channel",
	}, []string{"channel"})
)

// Sampler reads every configured channel once per tick and produces a
// ReadingFrame. It never aborts a tick; channels that fail appear with
// status error.
type Sampler struct {
	io          hardware.IO
	channels    []types.Channel
	readTimeout time.Duration
	notify      *notifier
	start       time.Time
}

// New creates a sampler over the given channels.
func New(io hardware.IO, channels []types.Channel, readTimeout time.Duration) *Sampler {
	if readTimeout <= 0 {
		readTimeout = 2 * time.Second
	}
	return &Sampler{
		io:          io,
		channels:    channels,
		readTimeout: readTimeout,
		notify:      newNotifier(),
		start:       time.Now(),
	}
}

// Sample reads all channels and stamps the frame. Every configured
// channel appears exactly once in the result.
func (s *Sampler) Sample(ctx context.Context) types.ReadingFrame {
	now := time.Now()
	frame := types.ReadingFrame{
		T:        int64(now.Sub(s.start)), // monotonic since sampler creation
		Wall:     now.Unix(),
		Readings: make(map[string]types.Reading, len(s.channels)),
	}

	for _, ch := range s.channels {
		frame.Readings[ch.ID] = s.read(ctx, ch)
	}

	return frame
}

func (s *Sampler) read(ctx context.Context, ch types.Channel) types.Reading {
	readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	raw, err := s.io.ReadTemp(readCtx, ch)
	if err != nil {
		readErrorsTotal.WithLabelValues(ch.ID).Inc()
		s.notify.error(ch.ID, "sensor read failed: %v", err)
		return types.Reading{Status: types.StatusError}
	}

	scale := ch.Scale
	if scale == 0 {
		scale = 1
	}
	v := raw*scale + ch.Offset

	if math.IsNaN(v) || v < minPlausibleC || v > maxPlausibleC {
		readErrorsTotal.WithLabelValues(ch.ID).Inc()
		s.notify.warn(ch.ID, "sensor value %.1f outside physical range", v)
		return types.Reading{Status: types.StatusError}
	}

	s.notify.ok(ch.ID)
	channelTemperature.WithLabelValues(ch.ID).Set(v)
	return types.Reading{ValueC: v, Status: types.StatusOK}
}

// Channels returns the configured channel list.
func (s *Sampler) Channels() []types.Channel {
	return s.channels
}
