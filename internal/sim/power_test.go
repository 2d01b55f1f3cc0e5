package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
)

func powerConfig(loads map[string]float64) config.PowerConfig {
	return config.PowerConfig{
		BatteryCapacityWh: 1000,
		InitialSocPct:     80,
		SocLowPct:         20,
		SocHighPct:        30,
		BusV:              48,
		MaxA:              10,
		LoadsW:            loads,
		SourcesW:          map[string]float64{},
	}
}

// ===== PDU OVERCURRENT =====

func TestPduOvercurrentShedsThenThrottles(t *testing.T) {
	// 600 W against a 480 W limit; avionics+motion+rcs alone still exceed
	// it, so the full shed order runs and motion gets throttled.
	p := NewPowerSystem(powerConfig(map[string]float64{
		LoadAvionics:    310,
		LoadNbl:         70,
		LoadRadar:       30,
		LoadTransponder: 10,
		LoadMotion:      100,
		LoadRcs:         80,
	}))

	p.Update(0.1, false, false)
	tel := p.Telemetry()

	assert.Equal(t, []string{LoadNbl, LoadRadar, LoadTransponder}, tel.ShedLoads)
	assert.Equal(t, []string{ReasonPduOvercurrent}, tel.ShedReasons)
	assert.True(t, tel.PduThrottled)
	assert.NotContains(t, tel.Faults, FaultPduOvercurrent)
	assert.InDelta(t, throttleFactor*100, tel.LoadsW[LoadMotion], 1e-9)
	assert.InDelta(t, 80, tel.LoadsW[LoadRcs], 1e-9)
}

func TestPduOvercurrentStopsSheddingWhenUnderLimit(t *testing.T) {
	// Shedding NBL alone brings the bus under the limit.
	p := NewPowerSystem(powerConfig(map[string]float64{
		LoadAvionics:    200,
		LoadNbl:         300,
		LoadRadar:       30,
		LoadTransponder: 10,
	}))

	p.Update(0.1, false, false)
	tel := p.Telemetry()

	assert.Equal(t, []string{LoadNbl}, tel.ShedLoads)
	assert.False(t, tel.PduThrottled)
	assert.Empty(t, tel.Faults)
}

func TestPduOvercurrentFaultWhenThrottlingInsufficient(t *testing.T) {
	p := NewPowerSystem(powerConfig(map[string]float64{
		LoadAvionics:    500,
		LoadNbl:         5,
		LoadRadar:       5,
		LoadTransponder: 5,
		LoadMotion:      10,
		LoadRcs:         10,
	}))

	edges := p.Update(0.1, false, false)
	tel := p.Telemetry()

	assert.Contains(t, tel.Faults, FaultPduOvercurrent)
	assert.True(t, tel.PduThrottled)

	var overEdges int
	for _, e := range edges {
		if e.Kind == contracts.KindPduOvercurrent {
			overEdges++
			assert.Equal(t, 1, e.Payload["over"])
		}
	}
	assert.Equal(t, 1, overEdges)

	// Latched: the next tick does not re-emit.
	for _, e := range p.Update(0.1, false, false) {
		assert.NotEqual(t, contracts.KindPduOvercurrent, e.Kind)
	}
}

// ===== SOC GATE =====

func TestSocGateHysteresis(t *testing.T) {
	p := NewPowerSystem(powerConfig(map[string]float64{
		LoadAvionics:    40,
		LoadRadar:       30,
		LoadTransponder: 10,
	}))
	p.SetSoc(20)

	edges := p.Update(0.1, false, false)
	require.Len(t, edges, 1)
	assert.Equal(t, contracts.KindSocEdge, edges[0].Kind)
	assert.Equal(t, contracts.CodeSocLow, edges[0].Code)
	assert.Equal(t, []string{LoadRadar, LoadTransponder}, p.Telemetry().ShedLoads)
	assert.Equal(t, []string{ReasonLowSoc}, p.Telemetry().ShedReasons)

	// Inside the band the gate holds.
	p.SetSoc(25)
	assert.Empty(t, p.Update(0.1, false, false))
	assert.True(t, p.Shed(LoadRadar))

	// Recovery above the high threshold emits one edge and releases.
	p.SetSoc(30)
	edges = p.Update(0.1, false, false)
	require.Len(t, edges, 1)
	assert.Equal(t, contracts.CodeSocRecovered, edges[0].Code)
	assert.Empty(t, p.Telemetry().ShedLoads)
}

func TestSocIntegration(t *testing.T) {
	cfg := powerConfig(map[string]float64{LoadAvionics: 100})
	cfg.BatteryCapacityWh = 100
	cfg.InitialSocPct = 50
	p := NewPowerSystem(cfg)

	// 100 W for 0.1 h drains 10 Wh of a 100 Wh pack: 10 points of SoC.
	p.Update(360, false, false)
	assert.InDelta(t, 40, p.SocPct(), 1e-6)
}

func TestSocChargesFromSources(t *testing.T) {
	cfg := powerConfig(map[string]float64{LoadAvionics: 100})
	cfg.SourcesW = map[string]float64{"solar": 300}
	cfg.BatteryCapacityWh = 100
	cfg.InitialSocPct = 50
	p := NewPowerSystem(cfg)

	// Net +200 W for 0.1 h: +20 points.
	p.Update(360, false, false)
	assert.InDelta(t, 70, p.SocPct(), 1e-6)
}

// ===== THERMAL GATES =====

func TestCoreTripShedsNbl(t *testing.T) {
	p := NewPowerSystem(powerConfig(map[string]float64{
		LoadAvionics: 40,
		LoadNbl:      200,
	}))

	p.Update(0.1, true, false)
	tel := p.Telemetry()
	assert.Equal(t, []string{LoadNbl}, tel.ShedLoads)
	assert.Equal(t, []string{ReasonThermal}, tel.ShedReasons)

	// Once the trip clears, the load returns.
	p.Update(0.1, false, false)
	assert.Empty(t, p.Telemetry().ShedLoads)
}

func TestPduTripShedsRadarAndTransponder(t *testing.T) {
	p := NewPowerSystem(powerConfig(map[string]float64{
		LoadAvionics:    40,
		LoadRadar:       120,
		LoadTransponder: 10,
	}))

	p.Update(0.1, false, true)
	tel := p.Telemetry()
	assert.Equal(t, []string{LoadRadar, LoadTransponder}, tel.ShedLoads)
	assert.Equal(t, []string{ReasonThermal}, tel.ShedReasons)
}

func TestNblBudgetGate(t *testing.T) {
	p := NewPowerSystem(powerConfig(map[string]float64{
		LoadAvionics: 40,
		LoadNbl:      200,
	}))
	p.SetNblBudget(false)

	p.Update(0.1, false, false)
	tel := p.Telemetry()
	assert.Equal(t, []string{LoadNbl}, tel.ShedLoads)
	assert.Equal(t, []string{ReasonNblBudget}, tel.ShedReasons)
}

// ===== LIST DISCIPLINE =====

func TestShedListsStayUniqueAcrossGates(t *testing.T) {
	// SoC gate sheds radar first; the overcurrent pass must not re-add it.
	p := NewPowerSystem(powerConfig(map[string]float64{
		LoadAvionics:    470,
		LoadNbl:         50,
		LoadRadar:       120,
		LoadTransponder: 10,
	}))
	p.SetSoc(10)

	p.Update(0.1, false, false)
	tel := p.Telemetry()

	assert.Equal(t, []string{LoadRadar, LoadTransponder, LoadNbl}, tel.ShedLoads)
	seen := map[string]int{}
	for _, r := range tel.ShedReasons {
		seen[r]++
	}
	for reason, count := range seen {
		assert.Equal(t, 1, count, "reason %s duplicated", reason)
	}
}
