package hardware

import (
	"context"

	"github.com/automatedhome/sunheat/pkg/types"
)

// IO is the driver boundary for temperature inputs and relay outputs.
// ReadTemp returns the raw, uncalibrated channel value; the sampler owns
// calibration. Implementations must honor the context deadline.
type IO interface {
	ReadTemp(ctx context.Context, ch types.Channel) (float64, error)
	SetRelay(ctx context.Context, relay types.Relay, on bool) error
}
