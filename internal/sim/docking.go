package sim

import (
	"fmt"

	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
)

// DockingBay runs the docking state machine:
// IDLE -> ENGAGING -> CONNECTED -> RELEASING -> IDLE.
type DockingBay struct {
	state    contracts.DockingState
	port     string
	ports    []string
	engageS  float64
	elapsedS float64
	releaseS float64
}

func NewDockingBay(cfg config.DockingConfig) *DockingBay {
	return &DockingBay{
		state:    contracts.DockingIdle,
		ports:    cfg.Ports,
		engageS:  cfg.EngageDurationS,
		releaseS: cfg.EngageDurationS / 2,
	}
}

// Engage starts a docking sequence on port (default: first configured).
func (d *DockingBay) Engage(port string) error {
	if d.state != contracts.DockingIdle {
		return fmt.Errorf("docking: busy in %s", d.state)
	}
	if port == "" {
		if len(d.ports) == 0 {
			return fmt.Errorf("docking: no ports configured")
		}
		port = d.ports[0]
	} else if !d.knownPort(port) {
		return fmt.Errorf("docking: unknown port %q", port)
	}
	d.state = contracts.DockingEngaging
	d.port = port
	d.elapsedS = 0
	return nil
}

// Release starts undocking from the connected port.
func (d *DockingBay) Release() error {
	if d.state != contracts.DockingConnected {
		return fmt.Errorf("docking: not connected (state %s)", d.state)
	}
	d.state = contracts.DockingReleasing
	d.elapsedS = 0
	return nil
}

// Step advances the sequence by dt seconds and reports whether the state
// changed this step.
func (d *DockingBay) Step(dt float64) bool {
	switch d.state {
	case contracts.DockingEngaging:
		d.elapsedS += dt
		if d.elapsedS >= d.engageS {
			d.state = contracts.DockingConnected
			return true
		}
	case contracts.DockingReleasing:
		d.elapsedS += dt
		if d.elapsedS >= d.releaseS {
			d.state = contracts.DockingIdle
			d.port = ""
			return true
		}
	}
	return false
}

func (d *DockingBay) State() contracts.DockingState { return d.state }

func (d *DockingBay) Telemetry() *contracts.DockingTelemetry {
	return &contracts.DockingTelemetry{
		State:     d.state,
		Port:      d.port,
		Connected: d.state == contracts.DockingConnected,
	}
}

func (d *DockingBay) Reset() {
	d.state = contracts.DockingIdle
	d.port = ""
	d.elapsedS = 0
}

func (d *DockingBay) knownPort(port string) bool {
	for _, p := range d.ports {
		if p == port {
			return true
		}
	}
	return false
}
