package sim

import (
	"strings"

	"github.com/qiki/dtmp/internal/contracts"
)

// Command error kinds returned in response envelopes.
const (
	ErrKindInvalidParams  = "invalid_parameters"
	ErrKindUnknownCommand = "unknown_command"
	ErrKindRejected       = "rejected"
	ErrKindSafeMode       = "safe_mode"
)

// CommandResult is the outcome of one dispatched control command.
type CommandResult struct {
	OK     bool
	Error  string
	Detail string
	Result map[string]any
	Code   int
}

func accepted(result map[string]any) CommandResult {
	return CommandResult{OK: true, Result: result, Code: contracts.CodeCommandAccepted}
}

func rejected(kind, detail string) CommandResult {
	return CommandResult{OK: false, Error: kind, Detail: detail, Code: contracts.CodeCommandRejected}
}

// Dispatch routes a control command into the world. Unknown names and bad
// parameters are refused with an error kind; they never panic.
func (w *World) Dispatch(cmd contracts.CommandEnvelope) CommandResult {
	params := cmd.Parameters
	switch {
	case cmd.CommandName == "sim.start":
		speed, ok, valid := optFloat(params, "speed")
		if !valid {
			return rejected(ErrKindInvalidParams, "speed must be a number")
		}
		if !ok {
			speed = 1
		}
		if err := w.Start(speed); err != nil {
			return rejected(ErrKindRejected, err.Error())
		}
		return accepted(map[string]any{"running": true, "speed": speed})

	case cmd.CommandName == "sim.stop":
		w.Stop()
		return accepted(map[string]any{"running": false})

	case cmd.CommandName == "sim.pause":
		if err := w.Pause(); err != nil {
			return rejected(ErrKindRejected, err.Error())
		}
		return accepted(map[string]any{"paused": true})

	case cmd.CommandName == "sim.reset":
		w.Reset()
		return accepted(map[string]any{"tick": 0})

	case strings.HasPrefix(cmd.CommandName, "sim.rcs."):
		axis := strings.TrimPrefix(cmd.CommandName, "sim.rcs.")
		duty, ok, valid := optFloat(params, "duty")
		if !ok || !valid {
			return rejected(ErrKindInvalidParams, "duty must be a number in [0,1]")
		}
		duration, ok, valid := optFloat(params, "duration_s")
		if !ok || !valid {
			return rejected(ErrKindInvalidParams, "duration_s must be a positive number")
		}
		if err := w.CommandRcs(axis, duty, duration); err != nil {
			return rejected(ErrKindInvalidParams, err.Error())
		}
		return accepted(map[string]any{"axis": axis, "duty": duty, "duration_s": duration})

	case cmd.CommandName == "sim.dock.engage":
		port, _ := stringParam(params, "port")
		if err := w.CommandDockEngage(port); err != nil {
			return rejected(ErrKindRejected, err.Error())
		}
		return accepted(map[string]any{"state": string(contracts.DockingEngaging)})

	case cmd.CommandName == "sim.dock.release":
		if err := w.CommandDockRelease(); err != nil {
			return rejected(ErrKindRejected, err.Error())
		}
		return accepted(map[string]any{"state": string(contracts.DockingReleasing)})

	case cmd.CommandName == "sim.xpdr.mode":
		mode, ok := stringParam(params, "mode")
		if !ok {
			return rejected(ErrKindInvalidParams, "mode is required")
		}
		if err := w.CommandXpdrMode(mode); err != nil {
			return rejected(ErrKindInvalidParams, err.Error())
		}
		return accepted(map[string]any{"mode": mode})

	default:
		return CommandResult{
			OK:     false,
			Error:  ErrKindUnknownCommand,
			Detail: cmd.CommandName,
			Code:   contracts.CodeCommandUnknown,
		}
	}
}

// optFloat reads a numeric parameter: (value, present, wellTyped).
func optFloat(params map[string]any, key string) (float64, bool, bool) {
	raw, ok := params[key]
	if !ok {
		return 0, false, true
	}
	switch v := raw.(type) {
	case float64:
		return v, true, true
	case int:
		return float64(v), true, true
	case int64:
		return float64(v), true, true
	default:
		return 0, true, false
	}
}

func stringParam(params map[string]any, key string) (string, bool) {
	raw, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok && s != ""
}
