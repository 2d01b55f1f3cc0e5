package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// ===== FILE LOADING =====

func TestLoadConfigReadsFileAndFillsDefaults(t *testing.T) {
	path := writeFile(t, "qiki.yaml", `
bus:
  url: redis://localhost:6379/0
sim:
  tick_ms: 50
  seed: 7
radar:
  sr_threshold_m: 250
guard_rules_path: /etc/qiki/guard_rules.yaml
`)

	cfg, rulesPath, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379/0", cfg.Bus.URL)
	assert.Equal(t, 50, cfg.Sim.TickMs)
	assert.Equal(t, int64(7), cfg.Sim.Seed)
	assert.Equal(t, 250.0, cfg.Radar.SrThresholdM)
	assert.Equal(t, "/etc/qiki/guard_rules.yaml", rulesPath)

	// Absent sections come back fully defaulted.
	assert.Equal(t, 5.0, cfg.Agent.TickIntervalS)
	assert.Equal(t, 0.6, cfg.Agent.ConfidenceThreshold)
	assert.Equal(t, 1, cfg.Agent.TopK)
	assert.True(t, cfg.Agent.UseStateStore)
	assert.Equal(t, 30, cfg.Registrar.RetentionDays)
	assert.Equal(t, "strict", cfg.Guardrails.Mode)
	assert.NotEmpty(t, cfg.Thermal.Nodes)
	assert.NotEmpty(t, cfg.Power.LoadsW)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigMalformedYaml(t *testing.T) {
	path := writeFile(t, "bad.yaml", "sim: [not, a, mapping")
	_, _, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestDefaultGuardRulesPath(t *testing.T) {
	path := writeFile(t, "qiki.yaml", "sim:\n  tick_ms: 100\n")
	_, rulesPath, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "configs/guard_rules.yaml", rulesPath)
}

// ===== ENV OVERRIDES =====

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("NATS_URL", "redis://bus:6379/1")
	t.Setenv("GRPC_HOST", "127.0.0.1")
	t.Setenv("GRPC_PORT", "50062")
	t.Setenv("QIKI_TICK_MS", "25")
	t.Setenv("QIKI_AGENT_TICK_S", "2.5")
	t.Setenv("QIKI_USE_STATESTORE", "0")
	t.Setenv("QIKI_GUARDRAILS", "LENIENT")

	cfg := Default()
	ApplyEnv(cfg)

	assert.Equal(t, "redis://bus:6379/1", cfg.Bus.URL)
	assert.Equal(t, "127.0.0.1", cfg.Grpc.Host)
	assert.Equal(t, 50062, cfg.Grpc.Port)
	assert.Equal(t, 25, cfg.Sim.TickMs)
	assert.Equal(t, 2.5, cfg.Agent.TickIntervalS)
	assert.False(t, cfg.Agent.UseStateStore)
	assert.Equal(t, "lenient", cfg.Guardrails.Mode)
}

func TestApplyEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("GRPC_PORT", "not-a-port")
	t.Setenv("QIKI_TICK_MS", "-5")
	t.Setenv("QIKI_USE_STATESTORE", "maybe")

	cfg := Default()
	ApplyEnv(cfg)

	assert.Equal(t, 50061, cfg.Grpc.Port)
	assert.Equal(t, 100, cfg.Sim.TickMs)
	assert.True(t, cfg.Agent.UseStateStore)
}

// ===== GUARD RULES =====

func TestLoadGuardRules(t *testing.T) {
	path := writeFile(t, "guard_rules.yaml", `
unknown_contact_close:
  max_range_m: 75
  min_quality: 0.4
foe_transponder_off_approach:
  approach_rate_m_s: 2.0
`)

	gr, err := LoadGuardRules(path)
	require.NoError(t, err)

	assert.Equal(t, 75.0, gr.UnknownContactClose.MaxRangeM)
	assert.Equal(t, 0.4, gr.UnknownContactClose.MinQuality)
	// Absent thresholds pick up defaults.
	assert.Equal(t, 10.0, gr.UnknownContactClose.DebounceS)
	assert.Equal(t, 2.0, gr.FoeTransponderOffApproach.ApproachRateMS)
	assert.Equal(t, 200.0, gr.FoeTransponderOffApproach.MaxRangeM)
	assert.Equal(t, "ERROR", gr.SpoofingDetected.Severity)
}

func TestDefaultGuardRules(t *testing.T) {
	gr := DefaultGuardRules()
	assert.Equal(t, 50.0, gr.UnknownContactClose.MaxRangeM)
	assert.Equal(t, 1.0, gr.FoeTransponderOffApproach.ApproachRateMS)
	assert.Equal(t, 10.0, gr.SpoofingDetected.DebounceS)
}
