package sim

import (
	"fmt"

	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
)

// ThermalNode is one lumped mass of the thermal network.
type ThermalNode struct {
	ID       string
	TempC    float64
	HeatW    float64
	Tripped  bool
	capacity float64
	cooling  float64
	tTrip    float64
	tClear   float64
}

type coupling struct {
	a, b int
	k    float64
}

// TripEdge reports one trip latch change during a step.
type TripEdge struct {
	NodeID  string
	Tripped bool
	TempC   float64
}

// ThermalNetwork integrates the lumped-node heat equation with explicit
// Euler and latches per-node trips with hysteresis (clear = trip - delta).
type ThermalNetwork struct {
	ambientC  float64
	nodes     []*ThermalNode
	index     map[string]*ThermalNode
	couplings []coupling
}

func NewThermalNetwork(cfg config.ThermalConfig) *ThermalNetwork {
	n := &ThermalNetwork{
		ambientC: cfg.AmbientC,
		index:    make(map[string]*ThermalNode, len(cfg.Nodes)),
	}
	pos := make(map[string]int, len(cfg.Nodes))
	for i, nc := range cfg.Nodes {
		initial := nc.InitialC
		if initial == 0 {
			initial = cfg.AmbientC
		}
		node := &ThermalNode{
			ID:       nc.ID,
			TempC:    initial,
			HeatW:    nc.HeatW,
			capacity: nc.HeatCapacityJK,
			cooling:  nc.CoolingWK,
			tTrip:    nc.TTripC,
			tClear:   nc.TTripC - nc.HysteresisC,
		}
		n.nodes = append(n.nodes, node)
		n.index[nc.ID] = node
		pos[nc.ID] = i
	}
	for _, cc := range cfg.Couplings {
		ai, aok := pos[cc.A]
		bi, bok := pos[cc.B]
		if !aok || !bok {
			continue
		}
		n.couplings = append(n.couplings, coupling{a: ai, b: bi, k: cc.KWK})
	}
	return n
}

// Step advances every node by dt seconds and returns the trip edges that
// latched or cleared during this step.
func (n *ThermalNetwork) Step(dt float64) []TripEdge {
	// Derivatives are computed against the pre-step temperatures so node
	// order cannot influence the result.
	prev := make([]float64, len(n.nodes))
	for i, node := range n.nodes {
		prev[i] = node.TempC
	}

	flux := make([]float64, len(n.nodes))
	for i, node := range n.nodes {
		flux[i] = node.HeatW - node.cooling*(prev[i]-n.ambientC)
	}
	for _, c := range n.couplings {
		q := c.k * (prev[c.a] - prev[c.b])
		flux[c.a] -= q
		flux[c.b] += q
	}

	var edges []TripEdge
	for i, node := range n.nodes {
		if node.capacity > 0 {
			node.TempC = prev[i] + dt*flux[i]/node.capacity
		}
		switch {
		case !node.Tripped && node.tTrip > 0 && node.TempC >= node.tTrip:
			node.Tripped = true
			edges = append(edges, TripEdge{NodeID: node.ID, Tripped: true, TempC: node.TempC})
		case node.Tripped && node.TempC <= node.tClear:
			node.Tripped = false
			edges = append(edges, TripEdge{NodeID: node.ID, Tripped: false, TempC: node.TempC})
		}
	}
	return edges
}

// InjectHeat adds w watts of dissipation to a node (negative removes).
func (n *ThermalNetwork) InjectHeat(id string, w float64) error {
	node, ok := n.index[id]
	if !ok {
		return fmt.Errorf("thermal: unknown node %q", id)
	}
	node.HeatW += w
	return nil
}

// SetHeat pins a node's dissipation to w watts.
func (n *ThermalNetwork) SetHeat(id string, w float64) error {
	node, ok := n.index[id]
	if !ok {
		return fmt.Errorf("thermal: unknown node %q", id)
	}
	node.HeatW = w
	return nil
}

// Tripped reports whether node id is currently latched.
func (n *ThermalNetwork) Tripped(id string) bool {
	node, ok := n.index[id]
	return ok && node.Tripped
}

// Temp returns the current temperature of node id.
func (n *ThermalNetwork) Temp(id string) (float64, bool) {
	node, ok := n.index[id]
	if !ok {
		return 0, false
	}
	return node.TempC, true
}

// Telemetry renders the per-node view in configuration order.
func (n *ThermalNetwork) Telemetry() contracts.ThermalTelemetry {
	out := contracts.ThermalTelemetry{
		Nodes: make([]contracts.ThermalNode, 0, len(n.nodes)),
	}
	for _, node := range n.nodes {
		out.Nodes = append(out.Nodes, contracts.ThermalNode{ID: node.ID, TempC: node.TempC})
		if node.Tripped {
			out.Tripped = append(out.Tripped, node.ID)
		}
	}
	return out
}

// Reset restores initial temperatures and clears trip latches.
func (n *ThermalNetwork) Reset(cfg config.ThermalConfig) {
	for _, nc := range cfg.Nodes {
		node, ok := n.index[nc.ID]
		if !ok {
			continue
		}
		initial := nc.InitialC
		if initial == 0 {
			initial = cfg.AmbientC
		}
		node.TempC = initial
		node.HeatW = nc.HeatW
		node.Tripped = false
	}
}
