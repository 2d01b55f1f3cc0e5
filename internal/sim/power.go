package sim

import (
	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
)

const (
	LoadAvionics    = "avionics"
	LoadRadar       = "radar"
	LoadTransponder = "transponder"
	LoadNbl         = "nbl"
	LoadMotion      = "motion"
	LoadRcs         = "rcs"
)

const (
	ReasonLowSoc         = "low_soc"
	ReasonThermal        = "thermal_overheat"
	ReasonNblBudget      = "nbl_budget"
	ReasonPduOvercurrent = "pdu_overcurrent"

	FaultPduOvercurrent = "PDU_OVERCURRENT"

	throttleFactor = 0.5
)

// PowerEdge reports one power threshold crossing during a step.
type PowerEdge struct {
	Kind     string
	Severity contracts.Severity
	Code     int
	Payload  map[string]any
}

// PowerSystem integrates battery state of charge and applies the
// deterministic load-shedding policy each tick. Shed lists are rebuilt from
// the gates every step, insertion-ordered and duplicate-free.
type PowerSystem struct {
	capacityWh float64
	socPct     float64
	socLow     float64
	socHigh    float64
	busV       float64
	maxA       float64
	loads      map[string]float64
	sources    map[string]float64

	socShed     bool
	nblActive   bool
	nblBudgetOK bool

	shedLoads    []string
	shedReasons  []string
	shedSet      map[string]bool
	throttled    map[string]bool
	pduThrottled bool
	overcurrent  bool
	powerOutW    float64
}

func NewPowerSystem(cfg config.PowerConfig) *PowerSystem {
	p := &PowerSystem{
		capacityWh:  cfg.BatteryCapacityWh,
		socPct:      cfg.InitialSocPct,
		socLow:      cfg.SocLowPct,
		socHigh:     cfg.SocHighPct,
		busV:        cfg.BusV,
		maxA:        cfg.MaxA,
		loads:       make(map[string]float64, len(cfg.LoadsW)),
		sources:     make(map[string]float64, len(cfg.SourcesW)),
		nblActive:   true,
		nblBudgetOK: true,
	}
	for k, v := range cfg.LoadsW {
		p.loads[k] = v
	}
	for k, v := range cfg.SourcesW {
		p.sources[k] = v
	}
	return p
}

// LimitW is the PDU overcurrent threshold.
func (p *PowerSystem) LimitW() float64 { return p.busV * p.maxA }

// SocPct returns the current state of charge.
func (p *PowerSystem) SocPct() float64 { return p.socPct }

// SetSoc pins the state of charge, for scenario setup.
func (p *PowerSystem) SetSoc(pct float64) { p.socPct = clamp(pct, 0, 100) }

// SetNblActive toggles the NBL payload demand.
func (p *PowerSystem) SetNblActive(active bool) { p.nblActive = active }

// SetNblBudget toggles the NBL power budget gate.
func (p *PowerSystem) SetNblBudget(ok bool) { p.nblBudgetOK = ok }

// Shed reports whether a load is currently shed.
func (p *PowerSystem) Shed(load string) bool { return p.shedSet[load] }

// Update applies the shedding gates, recomputes the bus draw, and integrates
// the battery over dt seconds. Thermal trip inputs come from the thermal
// network. The returned edges cover SoC and overcurrent crossings.
func (p *PowerSystem) Update(dt float64, coreTripped, pduTripped bool) []PowerEdge {
	var edges []PowerEdge

	// SoC gate with hysteresis.
	if !p.socShed && p.socPct <= p.socLow {
		p.socShed = true
		edges = append(edges, PowerEdge{
			Kind:     contracts.KindSocEdge,
			Severity: contracts.SeverityWarn,
			Code:     contracts.CodeSocLow,
			Payload:  map[string]any{"subject": "battery", "low": true, "soc_pct": p.socPct},
		})
	} else if p.socShed && p.socPct >= p.socHigh {
		p.socShed = false
		edges = append(edges, PowerEdge{
			Kind:     contracts.KindSocEdge,
			Severity: contracts.SeverityInfo,
			Code:     contracts.CodeSocRecovered,
			Payload:  map[string]any{"subject": "battery", "low": false, "soc_pct": p.socPct},
		})
	}

	p.shedLoads = nil
	p.shedReasons = nil
	p.shedSet = make(map[string]bool)
	p.throttled = make(map[string]bool)
	p.pduThrottled = false

	if p.socShed {
		p.shed(LoadRadar, ReasonLowSoc)
		p.shed(LoadTransponder, ReasonLowSoc)
	}
	if coreTripped {
		p.shed(LoadNbl, ReasonThermal)
	}
	if pduTripped {
		p.shed(LoadRadar, ReasonThermal)
		p.shed(LoadTransponder, ReasonThermal)
	}
	if p.nblActive && !p.nblAllowed(coreTripped) {
		reason := ReasonNblBudget
		if coreTripped {
			reason = ReasonThermal
		}
		p.shed(LoadNbl, reason)
	}

	// PDU overcurrent escalation: shed, then throttle, then fault. Each
	// action re-checks the draw so the escalation stops as soon as the bus
	// is back under the limit.
	limit := p.LimitW()
	over := func() bool { return p.computeDraw() > limit }
	if over() {
		for _, load := range []string{LoadNbl, LoadRadar, LoadTransponder} {
			p.shed(load, ReasonPduOvercurrent)
			if !over() {
				break
			}
		}
	}
	if over() {
		for _, load := range []string{LoadMotion, LoadRcs} {
			p.throttled[load] = true
			p.pduThrottled = true
			if !over() {
				break
			}
		}
	}
	fault := over()
	if fault != p.overcurrent {
		p.overcurrent = fault
		overFlag := 0
		if fault {
			overFlag = 1
		}
		edges = append(edges, PowerEdge{
			Kind:     contracts.KindPduOvercurrent,
			Severity: severityFor(fault),
			Code:     contracts.CodePduOvercurrent,
			Payload: map[string]any{
				"subject": "pdu",
				"over":    overFlag,
				"draw_w":  p.powerOutW,
				"limit_w": limit,
			},
		})
	}

	// Battery integration against the post-shedding draw.
	p.powerOutW = p.computeDraw()
	net := p.sourceSum() - p.powerOutW
	if p.capacityWh > 0 {
		p.socPct = clamp(p.socPct+net*dt/3600/p.capacityWh*100, 0, 100)
	}
	return edges
}

func (p *PowerSystem) nblAllowed(coreTripped bool) bool {
	return !coreTripped && p.nblBudgetOK
}

func (p *PowerSystem) shed(load, reason string) {
	if p.shedSet[load] {
		return
	}
	if _, ok := p.loads[load]; !ok {
		return
	}
	p.shedSet[load] = true
	p.shedLoads = append(p.shedLoads, load)
	p.shedReasons = appendUnique(p.shedReasons, reason)
}

func (p *PowerSystem) computeDraw() float64 {
	total := 0.0
	for load, w := range p.loads {
		if p.shedSet[load] {
			continue
		}
		if load == LoadNbl && !p.nblActive {
			continue
		}
		if p.throttled[load] {
			w *= throttleFactor
		}
		total += w
	}
	p.powerOutW = total
	return total
}

func (p *PowerSystem) sourceSum() float64 {
	total := 0.0
	for _, w := range p.sources {
		total += w
	}
	return total
}

// Telemetry renders the power slice: effective draw per load (zero entries
// omitted because shed loads draw nothing).
func (p *PowerSystem) Telemetry() contracts.PowerTelemetry {
	loads := make(map[string]float64, len(p.loads))
	for load, w := range p.loads {
		switch {
		case p.shedSet[load], load == LoadNbl && !p.nblActive:
			continue
		case p.throttled[load]:
			loads[load] = w * throttleFactor
		default:
			loads[load] = w
		}
	}
	sources := make(map[string]float64, len(p.sources))
	for k, v := range p.sources {
		sources[k] = v
	}
	out := contracts.PowerTelemetry{
		SocPct:       p.socPct,
		LoadsW:       loads,
		SourcesW:     sources,
		ShedLoads:    append([]string(nil), p.shedLoads...),
		ShedReasons:  append([]string(nil), p.shedReasons...),
		PduThrottled: p.pduThrottled,
	}
	if p.overcurrent {
		out.Faults = []string{FaultPduOvercurrent}
	}
	return out
}

// Reset restores the configured initial state of charge and clears latches.
func (p *PowerSystem) Reset(cfg config.PowerConfig) {
	p.socPct = cfg.InitialSocPct
	p.socShed = false
	p.overcurrent = false
	p.nblActive = true
	p.nblBudgetOK = true
	p.shedLoads = nil
	p.shedReasons = nil
	p.shedSet = make(map[string]bool)
	p.throttled = make(map[string]bool)
	p.pduThrottled = false
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func severityFor(fault bool) contracts.Severity {
	if fault {
		return contracts.SeverityError
	}
	return contracts.SeverityInfo
}
