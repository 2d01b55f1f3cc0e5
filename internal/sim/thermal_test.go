package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiki/dtmp/internal/config"
)

func coreOnlyThermal() config.ThermalConfig {
	return config.ThermalConfig{
		AmbientC: 25,
		Nodes: []config.ThermalNodeConfig{
			{ID: "core", HeatCapacityJK: 800, CoolingWK: 0.8, TTripC: 90, HysteresisC: 5, InitialC: 25},
		},
	}
}

// ===== INTEGRATION =====

func TestThermalEulerSingleStep(t *testing.T) {
	n := NewThermalNetwork(coreOnlyThermal())
	require.NoError(t, n.SetHeat("core", 2000))

	n.Step(0.1)

	// At ambient the cooling term is zero: dT = Q/C * dt = 2000/800 * 0.1.
	temp, ok := n.Temp("core")
	require.True(t, ok)
	assert.InDelta(t, 25.25, temp, 1e-9)
}

func TestThermalCoolingApproachesAmbient(t *testing.T) {
	cfg := coreOnlyThermal()
	cfg.Nodes[0].InitialC = 80
	n := NewThermalNetwork(cfg)

	for i := 0; i < 20000; i++ {
		n.Step(1)
	}
	temp, _ := n.Temp("core")
	assert.InDelta(t, 25, temp, 0.5)
}

func TestThermalCouplingMovesHeatDownhill(t *testing.T) {
	n := NewThermalNetwork(config.ThermalConfig{
		AmbientC: 25,
		Nodes: []config.ThermalNodeConfig{
			{ID: "core", HeatCapacityJK: 800, InitialC: 80},
			{ID: "hull", HeatCapacityJK: 2500, InitialC: 25},
		},
		Couplings: []config.ThermalCouplingConfig{{A: "core", B: "hull", KWK: 2}},
	})

	n.Step(1)

	core, _ := n.Temp("core")
	hull, _ := n.Temp("hull")
	assert.Less(t, core, 80.0)
	assert.Greater(t, hull, 25.0)
}

// ===== TRIP HYSTERESIS =====

func TestThermalTripLatchesOnceAndClearsBelowHysteresis(t *testing.T) {
	n := NewThermalNetwork(coreOnlyThermal())
	require.NoError(t, n.SetHeat("core", 2000))

	var trips, clears []TripEdge
	for i := 0; i < 200 && !n.Tripped("core"); i++ {
		for _, e := range n.Step(1) {
			if e.Tripped {
				trips = append(trips, e)
			}
		}
	}
	require.Len(t, trips, 1)
	assert.Equal(t, "core", trips[0].NodeID)
	assert.GreaterOrEqual(t, trips[0].TempC, 90.0)

	// Holding above the trip point emits nothing further.
	for i := 0; i < 5; i++ {
		assert.Empty(t, n.Step(1))
	}

	// Cut heat; the latch clears only once temperature falls to trip-delta.
	require.NoError(t, n.SetHeat("core", 0))
	for i := 0; i < 20000 && n.Tripped("core"); i++ {
		for _, e := range n.Step(1) {
			if !e.Tripped {
				clears = append(clears, e)
			}
		}
	}
	require.Len(t, clears, 1)
	assert.LessOrEqual(t, clears[0].TempC, 85.0)
	assert.False(t, n.Tripped("core"))
}

func TestThermalNoChatterInsideHysteresisBand(t *testing.T) {
	cfg := coreOnlyThermal()
	cfg.Nodes[0].InitialC = 91
	n := NewThermalNetwork(cfg)

	// First step latches the trip at 91 C.
	edges := n.Step(0.001)
	require.Len(t, edges, 1)
	require.True(t, edges[0].Tripped)

	// Drifting inside (85, 90) must not clear or re-trip.
	for i := 0; i < 50; i++ {
		for _, e := range n.Step(1) {
			temp, _ := n.Temp("core")
			if temp > 85 {
				t.Fatalf("edge %+v inside hysteresis band at %.2f C", e, temp)
			}
		}
		if temp, _ := n.Temp("core"); temp <= 85.5 {
			break
		}
	}
}

func TestThermalUnknownNode(t *testing.T) {
	n := NewThermalNetwork(coreOnlyThermal())
	assert.Error(t, n.InjectHeat("reactor", 100))
	assert.Error(t, n.SetHeat("reactor", 100))
	assert.False(t, n.Tripped("reactor"))
	_, ok := n.Temp("reactor")
	assert.False(t, ok)
}

func TestThermalTelemetryOrderAndTripped(t *testing.T) {
	n := NewThermalNetwork(config.ThermalConfig{
		AmbientC: 25,
		Nodes: []config.ThermalNodeConfig{
			{ID: "core", HeatCapacityJK: 10, TTripC: 30, HysteresisC: 2, InitialC: 31},
			{ID: "pdu", HeatCapacityJK: 10, TTripC: 80, HysteresisC: 2, InitialC: 25},
		},
	})
	n.Step(0.001)

	tel := n.Telemetry()
	require.Len(t, tel.Nodes, 2)
	assert.Equal(t, "core", tel.Nodes[0].ID)
	assert.Equal(t, "pdu", tel.Nodes[1].ID)
	assert.Equal(t, []string{"core"}, tel.Tripped)
}
