package sim

import (
	"fmt"

	"github.com/qiki/dtmp/internal/contracts"
)

// Transponder models the IFF beacon. Active means the mode emits and power
// permits it; a shed transponder stays in its commanded mode but goes dark.
type Transponder struct {
	mode    contracts.XpdrMode
	id      string
	allowed bool
}

func NewTransponder(id string) *Transponder {
	return &Transponder{mode: contracts.XpdrOn, id: id, allowed: true}
}

// SetMode validates and applies a commanded mode.
func (t *Transponder) SetMode(mode string) error {
	m := contracts.XpdrMode(mode)
	if !m.Valid() {
		return fmt.Errorf("transponder: invalid mode %q", mode)
	}
	t.mode = m
	return nil
}

// SetAllowed reflects the power shedding decision for this tick.
func (t *Transponder) SetAllowed(allowed bool) { t.allowed = allowed }

func (t *Transponder) Mode() contracts.XpdrMode { return t.mode }

func (t *Transponder) Active() bool { return t.allowed && t.mode.Emitting() }

func (t *Transponder) Telemetry() *contracts.XpdrTelemetry {
	out := &contracts.XpdrTelemetry{
		Mode:    t.mode,
		Active:  t.Active(),
		Allowed: t.allowed,
	}
	if t.Active() {
		out.ID = t.id
	}
	return out
}

func (t *Transponder) Reset() {
	t.mode = contracts.XpdrOn
	t.allowed = true
}
