// Package sim owns the deterministic world model of the craft: thermal
// network, power bus, sensor plane, docking bay, transponder, and attitude
// thrusters. The engine advances it one tick at a time; every mutation goes
// through the world's lock.
package sim

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
)

const defaultXpdrID = "QIKI-001"

// EdgeEvent is a threshold crossing observed during one tick, ready to be
// wrapped into an event envelope.
type EdgeEvent struct {
	Kind     string
	Severity contracts.Severity
	Code     int
	Payload  map[string]any
}

// World is the complete simulated craft state.
type World struct {
	mu  sync.Mutex
	cfg *config.Config
	rng *rand.Rand

	tick     int64
	simTimeS float64
	running  bool
	paused   bool
	speed    float64

	pos      contracts.Vec3
	vel      contracts.Vec3
	attitude contracts.Attitude
	omega    contracts.Vec3

	hullPct float64
	cpuPct  float64
	memPct  float64

	thermal *ThermalNetwork
	power   *PowerSystem
	sensors *SensorSuite
	dock    *DockingBay
	xpdr    *Transponder
	rcs     *RcsController

	latch       *EdgeLatch
	profileHash string
}

// NewWorld builds a world from configuration, seeded for reproducible runs.
func NewWorld(cfg *config.Config, profileHash string) *World {
	rng := rand.New(rand.NewSource(cfg.Sim.Seed))
	w := &World{
		cfg:         cfg,
		rng:         rng,
		speed:       1,
		hullPct:     100,
		cpuPct:      25,
		memPct:      40,
		thermal:     NewThermalNetwork(cfg.Thermal),
		power:       NewPowerSystem(cfg.Power),
		sensors:     NewSensorSuite(rng),
		dock:        NewDockingBay(cfg.Docking),
		xpdr:        NewTransponder(defaultXpdrID),
		rcs:         NewRcsController(),
		latch:       NewEdgeLatch(),
		profileHash: profileHash,
	}
	w.primeLatches()
	return w
}

func (w *World) primeLatches() {
	w.latch.Prime("xpdr", w.xpdrLatchValue())
	w.latch.Prime("docking", string(w.dock.State()))
}

func (w *World) xpdrLatchValue() string {
	return fmt.Sprintf("%s/%t", w.xpdr.Mode(), w.xpdr.Active())
}

// Step advances the world by one tick of dt wall seconds (scaled by the sim
// speed) and returns the edge events that fired. A stopped or paused world
// does not advance.
func (w *World) Step(dt float64) []EdgeEvent {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running || w.paused {
		return nil
	}
	scaled := dt * w.speed
	w.tick++
	w.simTimeS += scaled

	var edges []EdgeEvent

	for _, trip := range w.thermal.Step(scaled) {
		severity := contracts.SeverityError
		flag := 1
		if !trip.Tripped {
			severity = contracts.SeverityInfo
			flag = 0
		}
		edges = append(edges, EdgeEvent{
			Kind:     contracts.KindThermalTrip,
			Severity: severity,
			Code:     contracts.CodeThermalTrip,
			Payload: map[string]any{
				"subject": trip.NodeID,
				"tripped": flag,
				"temp_c":  trip.TempC,
			},
		})
	}

	coreTripped := w.thermal.Tripped("core")
	pduTripped := w.thermal.Tripped("pdu")
	for _, pe := range w.power.Update(scaled, coreTripped, pduTripped) {
		edges = append(edges, EdgeEvent{
			Kind:     pe.Kind,
			Severity: pe.Severity,
			Code:     pe.Code,
			Payload:  pe.Payload,
		})
	}
	w.xpdr.SetAllowed(!w.power.Shed(LoadTransponder))

	// Attitude and translation kinematics.
	delta := w.rcs.Step(scaled)
	w.omega.X += delta.X
	w.omega.Y += delta.Y
	w.omega.Z += delta.Z
	w.attitude.RollRad += w.omega.X * scaled
	w.attitude.PitchRad += w.omega.Y * scaled
	w.attitude.YawRad += w.omega.Z * scaled
	if !w.power.Shed(LoadMotion) {
		heading := w.attitude.YawRad
		w.vel = contracts.Vec3{X: w.speed * math.Cos(heading), Y: w.speed * math.Sin(heading)}
	} else {
		w.vel = contracts.Vec3{}
	}
	w.pos.X += w.vel.X * scaled
	w.pos.Y += w.vel.Y * scaled
	w.pos.Z += w.vel.Z * scaled

	w.sensors.Step(scaled, w.omega, w.headingDeg())
	w.dock.Step(scaled)

	// Host vitals wobble inside a narrow band; the seed makes runs
	// byte-comparable.
	w.cpuPct = clamp(25+w.noise(5), 0, 100)
	w.memPct = clamp(40+w.noise(3), 0, 100)

	if w.latch.Changed("xpdr", w.xpdrLatchValue()) {
		edges = append(edges, EdgeEvent{
			Kind:     contracts.KindXpdrMode,
			Severity: contracts.SeverityInfo,
			Code:     contracts.CodeXpdrModeChange,
			Payload: map[string]any{
				"mode":   string(w.xpdr.Mode()),
				"active": w.xpdr.Active(),
			},
		})
	}
	if w.latch.Changed("docking", string(w.dock.State())) {
		tel := w.dock.Telemetry()
		edges = append(edges, EdgeEvent{
			Kind:     contracts.KindDocking,
			Severity: contracts.SeverityInfo,
			Code:     contracts.CodeDockingChange,
			Payload: map[string]any{
				"state":     string(tel.State),
				"port":      tel.Port,
				"connected": tel.Connected,
			},
		})
	}
	return edges
}

func (w *World) headingDeg() float64 {
	return normDeg(w.attitude.YawRad * 180 / math.Pi)
}

func (w *World) noise(scale float64) float64 {
	return (w.rng.Float64()*2 - 1) * scale
}

// Snapshot assembles the telemetry view of the current state. Disabled or
// unavailable quantities stay absent.
func (w *World) Snapshot(tsEpoch float64, tsMonoNs int64) contracts.TelemetrySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	pos, vel, att := w.pos, w.vel, w.attitude
	thermal := w.thermal.Telemetry()
	power := w.power.Telemetry()

	snap := contracts.TelemetrySnapshot{
		SchemaVersion:       contracts.EventSchemaVersion,
		Source:              w.cfg.Sim.Source,
		TsEpoch:             tsEpoch,
		TsMonoNs:            tsMonoNs,
		Position:            &pos,
		Velocity:            &vel,
		HeadingDeg:          contracts.Float(w.headingDeg()),
		Attitude:            &att,
		BatteryPct:          contracts.Float(w.power.SocPct()),
		CPUPct:              contracts.Float(w.cpuPct),
		MemPct:              contracts.Float(w.memPct),
		HullIntegrityPct:    contracts.Float(w.hullPct),
		Thermal:             &thermal,
		Power:               &power,
		TempExternalC:       contracts.Float(w.cfg.Thermal.AmbientC),
		Comms:               &contracts.CommsTelemetry{Xpdr: w.xpdr.Telemetry()},
		Docking:             w.dock.Telemetry(),
		SensorPlane:         w.sensors.Telemetry(),
		HardwareProfileHash: w.profileHash,
	}
	if core, ok := w.thermal.Temp("core"); ok {
		snap.TempCoreC = contracts.Float(core)
	}
	if rate, ok := w.sensors.RadiationRateUSvH(); ok {
		snap.RadiationUSvH = contracts.Float(rate)
	}
	return snap
}

// EgoPose returns the craft pose for radar frame generation.
func (w *World) EgoPose() contracts.Pose {
	w.mu.Lock()
	defer w.mu.Unlock()
	return contracts.Pose{
		Position:  w.pos,
		Velocity:  w.vel,
		Euler:     w.attitude,
		OmegaRadS: w.omega,
	}
}

// Tick returns the completed tick count.
func (w *World) Tick() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tick
}

// Running reports run state (started and not paused).
func (w *World) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running && !w.paused
}

// RadarShed reports whether the radar load is currently shed; the frame
// generator goes quiet while it is.
func (w *World) RadarShed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.power.Shed(LoadRadar)
}

// XpdrState returns the transponder mode and emission state for the scene.
func (w *World) XpdrState() (contracts.XpdrMode, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.xpdr.Mode(), w.xpdr.Active()
}

// ===== COMMAND SURFACE =====

// Start begins or retunes the run. speed <= 0 means "keep current".
func (w *World) Start(speed float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if speed > 0 {
		if speed > w.cfg.Sim.SpeedMax {
			return fmt.Errorf("speed %.2f exceeds max %.2f", speed, w.cfg.Sim.SpeedMax)
		}
		w.speed = speed
	}
	w.running = true
	w.paused = false
	return nil
}

// Stop halts the run; state is preserved.
func (w *World) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	w.paused = false
}

// Pause suspends a running world.
func (w *World) Pause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return fmt.Errorf("not running")
	}
	w.paused = true
	return nil
}

// Reset restores the initial world. The run stops; a fresh start is needed.
func (w *World) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tick = 0
	w.simTimeS = 0
	w.running = false
	w.paused = false
	w.speed = 1
	w.pos, w.vel = contracts.Vec3{}, contracts.Vec3{}
	w.attitude = contracts.Attitude{}
	w.omega = contracts.Vec3{}
	w.thermal.Reset(w.cfg.Thermal)
	w.power.Reset(w.cfg.Power)
	w.sensors.Reset()
	w.dock.Reset()
	w.xpdr.Reset()
	w.rcs.Reset()
	w.latch.Reset()
	w.primeLatches()
}

// CommandRcs schedules an attitude burn.
func (w *World) CommandRcs(axis string, duty, durationS float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rcs.Command(axis, duty, durationS)
}

// CommandDockEngage starts docking on port.
func (w *World) CommandDockEngage(port string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dock.Engage(port)
}

// CommandDockRelease starts undocking.
func (w *World) CommandDockRelease() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dock.Release()
}

// CommandXpdrMode switches the transponder mode.
func (w *World) CommandXpdrMode(mode string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.xpdr.SetMode(mode)
}

// Thermal exposes the thermal network for scenario setup.
func (w *World) Thermal() *ThermalNetwork {
	return w.thermal
}

// Power exposes the power system for scenario setup.
func (w *World) Power() *PowerSystem {
	return w.power
}
