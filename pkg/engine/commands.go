package engine

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/automatedhome/sunheat/pkg/state"
	"github.com/automatedhome/sunheat/pkg/types"
)

// applyCommand executes one drained command before the controller runs,
// so its effect is visible in the same tick. Commands are already
// syntax-validated by the bus adapter; cross-field rules live here.
func (e *Engine) applyCommand(cmd types.Command) {
	switch cmd.Kind {
	case types.CmdSetMode:
		if e.params.Mode == cmd.Mode {
			return
		}
		log.Infof("Mode changed to %s", cmd.Mode)
		e.params.Mode = cmd.Mode
		e.op.Mode = cmd.Mode
		if cmd.Mode != types.ModeManual {
			e.op.ManualOverride = state.ManualOverride{}
		}

	case types.CmdSetManualRelay:
		if e.params.Mode != types.ModeManual {
			e.pub.Nack(fmt.Sprintf("relay override for %s ignored outside manual mode", cmd.Relay))
			return
		}
		v := cmd.On
		switch cmd.Relay {
		case types.RelayPump:
			e.op.ManualOverride.Pump = &v
		case types.RelayHeater:
			e.op.ManualOverride.Heater = &v
		}

	case types.CmdSetParam:
		e.applyParam(cmd)

	case types.CmdClearEmergency:
		log.Info("Emergency clearance requested")
		e.ctrl.RequestClearEmergency()

	case types.CmdPing:
		log.Debug("Ping received")
	}
}

func (e *Engine) applyParam(cmd types.Command) {
	switch cmd.Param {
	case "dT_start":
		if cmd.Value <= e.params.DTStop {
			e.pub.Nack(fmt.Sprintf("dT_start %.1f must stay above dT_stop %.1f", cmd.Value, e.params.DTStop))
			return
		}
		e.params.DTStart = cmd.Value
	case "dT_stop":
		if cmd.Value >= e.params.DTStart {
			e.pub.Nack(fmt.Sprintf("dT_stop %.1f must stay below dT_start %.1f", cmd.Value, e.params.DTStart))
			return
		}
		e.params.DTStop = cmd.Value
	case "tank_target_c":
		if cmd.Value >= e.params.TempHighWarnC {
			e.pub.Nack(fmt.Sprintf("tank_target_c %.1f must stay below high warning %.1f", cmd.Value, e.params.TempHighWarnC))
			return
		}
		e.params.TankTargetC = cmd.Value
	case "ema_alpha":
		e.rate.EmaAlpha = cmd.Value
	case "rate_window":
		e.rate.Window = types.RateWindow(cmd.Raw)
	case "rate_smoothing":
		e.rate.Smoothing = types.RateSmoothing(cmd.Raw)
	default:
		e.pub.Nack(fmt.Sprintf("parameter %q is not settable", cmd.Param))
		return
	}
	log.Infof("Parameter %s updated", cmd.Param)
}
