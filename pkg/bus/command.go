package bus

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/automatedhome/sunheat/pkg/types"
)

// paramRange bounds a numeric runtime parameter.
type paramRange struct {
	min, max float64
}

// numericParams is the allowlist of numeric parameters settable over the
// bus, with their accepted ranges.
var numericParams = map[string]paramRange{
	"dT_start":      {0.5, 50},
	"dT_stop":       {0.1, 49},
	"tank_target_c": {20, 95},
	"ema_alpha":     {0.01, 0.99},
}

// enumParams is the allowlist of string-valued parameters.
var enumParams = map[string][]string{
	"rate_window":    {"fast", "medium", "slow"},
	"rate_smoothing": {"raw", "sma", "ema"},
}

// parse turns one inbound message into a validated command.
func (a *Adapter) parse(topic, payload string) (types.Command, error) {
	suffix := strings.TrimPrefix(topic, a.prefix)
	payload = strings.TrimSpace(payload)

	switch {
	case suffix == "control/mode":
		mode := types.Mode(strings.ToLower(payload))
		if !mode.Valid() {
			return types.Command{}, fmt.Errorf("unknown mode %q", payload)
		}
		return types.Command{Kind: types.CmdSetMode, Mode: mode}, nil

	case suffix == "control/pump" || suffix == "control/heater":
		on, err := parseOnOff(payload)
		if err != nil {
			return types.Command{}, err
		}
		relay := types.RelayPump
		if suffix == "control/heater" {
			relay = types.RelayHeater
		}
		return types.Command{Kind: types.CmdSetManualRelay, Relay: relay, On: on}, nil

	case strings.HasPrefix(suffix, "control/param/"):
		name := strings.TrimPrefix(suffix, "control/param/")
		return parseParam(name, payload)

	case suffix == "control/clear_emergency":
		// any payload clears
		return types.Command{Kind: types.CmdClearEmergency}, nil

	case suffix == "control/ping":
		return types.Command{Kind: types.CmdPing}, nil
	}

	return types.Command{}, fmt.Errorf("unknown control topic")
}

func parseParam(name, payload string) (types.Command, error) {
	if allowed, ok := enumParams[name]; ok {
		v := strings.ToLower(payload)
		for _, a := range allowed {
			if v == a {
				return types.Command{Kind: types.CmdSetParam, Param: name, Raw: v}, nil
			}
		}
		return types.Command{}, fmt.Errorf("parameter %s: value %q not in %v", name, payload, allowed)
	}

	r, ok := numericParams[name]
	if !ok {
		return types.Command{}, fmt.Errorf("parameter %q is not settable", name)
	}
	v, err := strconv.ParseFloat(payload, 64)
	if err != nil {
		return types.Command{}, fmt.Errorf("parameter %s: %q is not numeric", name, payload)
	}
	if v < r.min || v > r.max {
		return types.Command{}, fmt.Errorf("parameter %s: %.2f outside [%.2f, %.2f]", name, v, r.min, r.max)
	}
	return types.Command{Kind: types.CmdSetParam, Param: name, Value: v}, nil
}

func parseOnOff(payload string) (bool, error) {
	switch strings.ToLower(payload) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("expected on/off, got %q", payload)
}
