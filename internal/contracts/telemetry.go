package contracts

// Vec3 is a 3-component vector in the sim body or world frame.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Attitude is the craft orientation in radians.
type Attitude struct {
	RollRad  float64 `json:"roll_rad"`
	PitchRad float64 `json:"pitch_rad"`
	YawRad   float64 `json:"yaw_rad"`
}

// ThermalNode is one lumped node of the thermal network.
type ThermalNode struct {
	ID    string  `json:"id"`
	TempC float64 `json:"temp_c"`
}

// ThermalTelemetry carries the per-node temperatures and trip flags.
type ThermalTelemetry struct {
	Nodes   []ThermalNode `json:"nodes"`
	Tripped []string      `json:"tripped,omitempty"`
}

// PowerTelemetry is the power subsystem slice of a snapshot.
//
// ShedLoads and ShedReasons are insertion-ordered and duplicate-free; the
// shedding policy is deterministic and the order itself is part of the
// contract.
type PowerTelemetry struct {
	SocPct       float64            `json:"soc_pct"`
	LoadsW       map[string]float64 `json:"loads_w"`
	SourcesW     map[string]float64 `json:"sources_w"`
	ShedLoads    []string           `json:"shed_loads"`
	ShedReasons  []string           `json:"shed_reasons"`
	PduThrottled bool               `json:"pdu_throttled"`
	Faults       []string           `json:"faults"`
}

// XpdrTelemetry is the transponder slice of a snapshot.
type XpdrTelemetry struct {
	Mode    XpdrMode `json:"mode"`
	Active  bool     `json:"active"`
	Allowed bool     `json:"allowed"`
	ID      string   `json:"id,omitempty"`
}

// CommsTelemetry groups the comms devices.
type CommsTelemetry struct {
	Xpdr *XpdrTelemetry `json:"xpdr,omitempty"`
}

// DockingTelemetry is the docking subsystem slice of a snapshot.
type DockingTelemetry struct {
	State     DockingState `json:"state"`
	Port      string       `json:"port,omitempty"`
	Connected bool         `json:"connected"`
}

// SensorPlane carries raw sensor readings. Disabled sensors leave their
// field nil so the key is absent on the wire, never a fabricated zero.
type SensorPlane struct {
	ImuRatesRadS     *Vec3    `json:"imu_rates_rad_s,omitempty"`
	RadiationDoseUSv *float64 `json:"radiation_dose_usv,omitempty"`
	MagHeadingDeg    *float64 `json:"mag_heading_deg,omitempty"`
}

// TelemetrySnapshot is the canonical per-tick world snapshot published by the
// simulation (schema version 1). One snapshot per tick, strictly ordered by
// publication within one sim process.
type TelemetrySnapshot struct {
	SchemaVersion int     `json:"schema_version"`
	Source        string  `json:"source"`
	TsEpoch       float64 `json:"ts_epoch"`
	TsMonoNs      int64   `json:"ts_mono_ns"`

	Position   *Vec3     `json:"position,omitempty"`
	Velocity   *Vec3     `json:"velocity,omitempty"`
	HeadingDeg *float64  `json:"heading_deg,omitempty"`
	Attitude   *Attitude `json:"attitude,omitempty"`

	BatteryPct       *float64 `json:"battery_pct,omitempty"`
	CPUPct           *float64 `json:"cpu_pct,omitempty"`
	MemPct           *float64 `json:"mem_pct,omitempty"`
	HullIntegrityPct *float64 `json:"hull_integrity_pct,omitempty"`

	Thermal *ThermalTelemetry `json:"thermal,omitempty"`
	Power   *PowerTelemetry   `json:"power,omitempty"`

	RadiationUSvH *float64 `json:"radiation_usvh,omitempty"`
	TempExternalC *float64 `json:"temp_external_c,omitempty"`
	TempCoreC     *float64 `json:"temp_core_c,omitempty"`

	Comms       *CommsTelemetry   `json:"comms,omitempty"`
	Docking     *DockingTelemetry `json:"docking,omitempty"`
	SensorPlane *SensorPlane      `json:"sensor_plane,omitempty"`

	HardwareProfileHash string `json:"hardware_profile_hash,omitempty"`
}

// Float returns a pointer to v, for optional snapshot fields.
func Float(v float64) *float64 { return &v }
