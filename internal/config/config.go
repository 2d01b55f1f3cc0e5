// Package config loads the platform configuration from YAML once at process
// start. Runtime behavior changes only via explicit bus commands, never by
// re-reading files.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Bus        BusConfig        `yaml:"bus"`
	Sim        SimConfig        `yaml:"sim"`
	Thermal    ThermalConfig    `yaml:"thermal"`
	Power      PowerConfig      `yaml:"power"`
	Radar      RadarConfig      `yaml:"radar"`
	Docking    DockingConfig    `yaml:"docking"`
	Agent      AgentConfig      `yaml:"agent"`
	Bios       BiosConfig       `yaml:"bios"`
	Operator   OperatorConfig   `yaml:"operator"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Registrar  RegistrarConfig  `yaml:"registrar"`
	Grpc       GrpcConfig       `yaml:"grpc"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
}

type BusConfig struct {
	// URL is either memory:// for a single-process deployment or a
	// redis:// address for the shared backplane.
	URL              string `yaml:"url"`
	Password         string `yaml:"password"`
	DB               int    `yaml:"db"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
}

type SimConfig struct {
	TickMs        int     `yaml:"tick_ms"`
	Seed          int64   `yaml:"seed"`
	Source        string  `yaml:"source"`
	SafeModeAfter int     `yaml:"safe_mode_after"`
	SpeedMax      float64 `yaml:"speed_max"`
	MetricsAddr   string  `yaml:"metrics_addr"`
}

type ThermalNodeConfig struct {
	ID             string  `yaml:"id"`
	HeatCapacityJK float64 `yaml:"heat_capacity_j_k"`
	CoolingWK      float64 `yaml:"cooling_w_k"`
	TTripC         float64 `yaml:"t_trip_c"`
	HysteresisC    float64 `yaml:"hysteresis_c"`
	HeatW          float64 `yaml:"heat_w"`
	InitialC       float64 `yaml:"initial_c"`
}

type ThermalCouplingConfig struct {
	A   string  `yaml:"a"`
	B   string  `yaml:"b"`
	KWK float64 `yaml:"k_w_k"`
}

type ThermalConfig struct {
	AmbientC  float64                 `yaml:"ambient_c"`
	Nodes     []ThermalNodeConfig     `yaml:"nodes"`
	Couplings []ThermalCouplingConfig `yaml:"couplings"`
}

type PowerConfig struct {
	BatteryCapacityWh float64            `yaml:"battery_capacity_wh"`
	InitialSocPct     float64            `yaml:"initial_soc_pct"`
	SocLowPct         float64            `yaml:"soc_low_pct"`
	SocHighPct        float64            `yaml:"soc_high_pct"`
	BusV              float64            `yaml:"bus_v"`
	MaxA              float64            `yaml:"max_a"`
	LoadsW            map[string]float64 `yaml:"loads_w"`
	SourcesW          map[string]float64 `yaml:"sources_w"`
}

type Vec3Config struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

type TransponderConfig struct {
	Mode string `yaml:"mode"`
	ID   string `yaml:"id"`
}

type RadarContactConfig struct {
	ID          string            `yaml:"id"`
	Start       Vec3Config        `yaml:"start"`
	VelMS       Vec3Config        `yaml:"vel_m_s"`
	Transponder TransponderConfig `yaml:"transponder"`
}

type RadarConfig struct {
	SrThresholdM   float64 `yaml:"sr_threshold_m"`
	MaxRangeM      float64 `yaml:"max_range_m"`
	GateRangeM     float64 `yaml:"gate_range_m"`
	GateBearingDeg float64 `yaml:"gate_bearing_deg"`
	Alpha          float64 `yaml:"alpha"`
	Beta           float64 `yaml:"beta"`
	ConfirmHits    int     `yaml:"confirm_hits"`
	RetireMisses   int     `yaml:"retire_misses"`
	QualityWindow  int     `yaml:"quality_window"`
	SnrBase        float64 `yaml:"snr_base"`
	NoiseRangeM    float64 `yaml:"noise_range_m"`

	Contacts []RadarContactConfig `yaml:"contacts"`
}

type DockingConfig struct {
	Ports           []string `yaml:"ports"`
	EngageDurationS float64  `yaml:"engage_duration_s"`
}

type AgentConfig struct {
	Source              string  `yaml:"source"`
	TickIntervalS       float64 `yaml:"tick_interval_s"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	TopK                int     `yaml:"top_k"`
	RecoveryDelayS      float64 `yaml:"recovery_delay_s"`
	UseStateStore       bool    `yaml:"use_state_store"`
	SocProposalPct      float64 `yaml:"soc_proposal_pct"`
	MetricsAddr         string  `yaml:"metrics_addr"`
}

type BiosConfig struct {
	Source          string  `yaml:"source"`
	IntervalS       float64 `yaml:"interval_s"`
	HTTPAddr        string  `yaml:"http_addr"`
	ProfilePath     string  `yaml:"profile_path"`
	FirmwareVersion string  `yaml:"firmware_version"`
}

type EventRuleConfig struct {
	Kind         string `yaml:"kind"`
	PayloadMatch string `yaml:"payload_match"`
	RuleID       string `yaml:"rule_id"`
	Severity     string `yaml:"severity"`
}

type OperatorConfig struct {
	Source          string            `yaml:"source"`
	HTTPAddr        string            `yaml:"http_addr"`
	CoalesceWindowS float64           `yaml:"coalesce_window_s"`
	AutoClearS      float64           `yaml:"auto_clear_s"`
	EventRules      []EventRuleConfig `yaml:"event_rules"`
}

type BridgeConfig struct {
	Source        string  `yaml:"source"`
	Batch         int     `yaml:"batch"`
	AckWaitS      float64 `yaml:"ack_wait_s"`
	MaxAckPending int     `yaml:"max_ack_pending"`
	// DownstreamURL switches the bridge into two-bus mode: streams are
	// consumed upstream and republished on this second bus. Empty keeps
	// everything on the one shared backplane.
	DownstreamURL string `yaml:"downstream_url"`
	MetricsAddr   string `yaml:"metrics_addr"`
}

type RegistrarConfig struct {
	Source        string  `yaml:"source"`
	BackupDir     string  `yaml:"backup_dir"`
	RetentionDays int     `yaml:"retention_days"`
	FlushEveryS   float64 `yaml:"flush_every_s"`
	MetricsAddr   string  `yaml:"metrics_addr"`
}

type GrpcConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr joins host and port for net.Listen.
func (g GrpcConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

type GuardrailsConfig struct {
	Mode string `yaml:"mode"`
}

// GuardRulesPath is carried at top level so sim and operator agree on the one
// canonical rule file.
type fileConfig struct {
	Config         `yaml:",inline"`
	GuardRulesPath string `yaml:"guard_rules_path"`
}

// LoadConfig reads and decodes path, then fills defaults for absent keys.
func LoadConfig(path string) (*Config, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var fc fileConfig
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&fc); err != nil {
		return nil, "", fmt.Errorf("decode config: %w", err)
	}

	cfg := fc.Config
	cfg.applyDefaults()
	rules := fc.GuardRulesPath
	if rules == "" {
		rules = "configs/guard_rules.yaml"
	}
	return &cfg, rules, nil
}

// Default returns a fully-defaulted configuration for tests and the
// single-process dev mode.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Bus.URL == "" {
		c.Bus.URL = "memory://"
	}
	if c.Bus.RequestTimeoutMs == 0 {
		c.Bus.RequestTimeoutMs = 2000
	}

	if c.Sim.TickMs == 0 {
		c.Sim.TickMs = 100
	}
	if c.Sim.Seed == 0 {
		c.Sim.Seed = 42
	}
	if c.Sim.Source == "" {
		c.Sim.Source = "q-sim"
	}
	if c.Sim.SafeModeAfter == 0 {
		c.Sim.SafeModeAfter = 5
	}
	if c.Sim.SpeedMax == 0 {
		c.Sim.SpeedMax = 10
	}
	if c.Sim.MetricsAddr == "" {
		c.Sim.MetricsAddr = ":9101"
	}

	if c.Thermal.AmbientC == 0 {
		c.Thermal.AmbientC = 25
	}
	if len(c.Thermal.Nodes) == 0 {
		c.Thermal.Nodes = []ThermalNodeConfig{
			{ID: "core", HeatCapacityJK: 800, CoolingWK: 0.8, TTripC: 90, HysteresisC: 5, HeatW: 120, InitialC: 25},
			{ID: "pdu", HeatCapacityJK: 400, CoolingWK: 0.6, TTripC: 80, HysteresisC: 5, HeatW: 40, InitialC: 25},
			{ID: "hull", HeatCapacityJK: 2500, CoolingWK: 1.5, TTripC: 120, HysteresisC: 10, HeatW: 0, InitialC: 25},
		}
		c.Thermal.Couplings = []ThermalCouplingConfig{
			{A: "core", B: "hull", KWK: 0.5},
			{A: "pdu", B: "hull", KWK: 0.4},
		}
	}

	if c.Power.BatteryCapacityWh == 0 {
		c.Power.BatteryCapacityWh = 1000
	}
	if c.Power.InitialSocPct == 0 {
		c.Power.InitialSocPct = 80
	}
	if c.Power.SocLowPct == 0 {
		c.Power.SocLowPct = 20
	}
	if c.Power.SocHighPct == 0 {
		c.Power.SocHighPct = 30
	}
	if c.Power.BusV == 0 {
		c.Power.BusV = 48
	}
	if c.Power.MaxA == 0 {
		c.Power.MaxA = 10
	}
	if len(c.Power.LoadsW) == 0 {
		c.Power.LoadsW = map[string]float64{
			"avionics":    40,
			"radar":       120,
			"transponder": 10,
			"nbl":         200,
			"motion":      100,
			"rcs":         80,
		}
	}
	if len(c.Power.SourcesW) == 0 {
		c.Power.SourcesW = map[string]float64{"solar": 300}
	}

	if c.Radar.SrThresholdM == 0 {
		c.Radar.SrThresholdM = 100
	}
	if c.Radar.MaxRangeM == 0 {
		c.Radar.MaxRangeM = 10000
	}
	if c.Radar.GateRangeM == 0 {
		c.Radar.GateRangeM = 50
	}
	if c.Radar.GateBearingDeg == 0 {
		c.Radar.GateBearingDeg = 10
	}
	if c.Radar.Alpha == 0 {
		c.Radar.Alpha = 0.85
	}
	if c.Radar.Beta == 0 {
		c.Radar.Beta = 0.005
	}
	if c.Radar.ConfirmHits == 0 {
		c.Radar.ConfirmHits = 3
	}
	if c.Radar.RetireMisses == 0 {
		c.Radar.RetireMisses = 5
	}
	if c.Radar.QualityWindow == 0 {
		c.Radar.QualityWindow = 20
	}
	if c.Radar.SnrBase == 0 {
		c.Radar.SnrBase = 30
	}

	if len(c.Docking.Ports) == 0 {
		c.Docking.Ports = []string{"alpha", "beta"}
	}
	if c.Docking.EngageDurationS == 0 {
		c.Docking.EngageDurationS = 3
	}

	if c.Agent.Source == "" {
		c.Agent.Source = "q-agent"
	}
	if c.Agent.TickIntervalS == 0 {
		c.Agent.TickIntervalS = 5
	}
	if c.Agent.ConfidenceThreshold == 0 {
		c.Agent.ConfidenceThreshold = 0.6
	}
	if c.Agent.TopK == 0 {
		c.Agent.TopK = 1
	}
	if c.Agent.RecoveryDelayS == 0 {
		c.Agent.RecoveryDelayS = 2
	}
	if c.Agent.SocProposalPct == 0 {
		c.Agent.SocProposalPct = 25
	}
	if c.Agent.MetricsAddr == "" {
		c.Agent.MetricsAddr = ":9102"
	}
	// The store is the only FSM write surface; the flag survives only so the
	// QIKI_USE_STATESTORE override can be recognized and warned about at boot.
	c.Agent.UseStateStore = true

	if c.Bios.Source == "" {
		c.Bios.Source = "q-bios"
	}
	if c.Bios.IntervalS == 0 {
		c.Bios.IntervalS = 10
	}
	if c.Bios.HTTPAddr == "" {
		c.Bios.HTTPAddr = ":8092"
	}
	if c.Bios.ProfilePath == "" {
		c.Bios.ProfilePath = "configs/hardware_profile.yaml"
	}
	if c.Bios.FirmwareVersion == "" {
		c.Bios.FirmwareVersion = "1.4.2"
	}

	if c.Operator.Source == "" {
		c.Operator.Source = "q-operator"
	}
	if c.Operator.HTTPAddr == "" {
		c.Operator.HTTPAddr = ":8093"
	}
	if c.Operator.CoalesceWindowS == 0 {
		c.Operator.CoalesceWindowS = 30
	}
	if c.Operator.AutoClearS == 0 {
		c.Operator.AutoClearS = 300
	}
	if len(c.Operator.EventRules) == 0 {
		c.Operator.EventRules = []EventRuleConfig{
			{Kind: "thermal_trip", PayloadMatch: "core", RuleID: "TEMP_CORE_TRIP", Severity: "ERROR"},
		}
	}

	if c.Bridge.Source == "" {
		c.Bridge.Source = "q-bridge"
	}
	if c.Bridge.Batch == 0 {
		c.Bridge.Batch = 64
	}
	if c.Bridge.AckWaitS == 0 {
		c.Bridge.AckWaitS = 30
	}
	if c.Bridge.MaxAckPending == 0 {
		c.Bridge.MaxAckPending = 512
	}
	if c.Bridge.MetricsAddr == "" {
		c.Bridge.MetricsAddr = ":9103"
	}

	if c.Registrar.Source == "" {
		c.Registrar.Source = "q-registrar"
	}
	if c.Registrar.BackupDir == "" {
		c.Registrar.BackupDir = "data"
	}
	if c.Registrar.RetentionDays == 0 {
		c.Registrar.RetentionDays = 30
	}
	if c.Registrar.FlushEveryS == 0 {
		c.Registrar.FlushEveryS = 5
	}
	if c.Registrar.MetricsAddr == "" {
		c.Registrar.MetricsAddr = ":9104"
	}

	if c.Grpc.Host == "" {
		c.Grpc.Host = "0.0.0.0"
	}
	if c.Grpc.Port == 0 {
		c.Grpc.Port = 50061
	}

	if c.Guardrails.Mode == "" {
		c.Guardrails.Mode = "strict"
	}
}
