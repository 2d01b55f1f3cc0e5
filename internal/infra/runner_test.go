package infra

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiki/dtmp/internal/config"
)

func quietLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NATS_URL", "redis://backplane:6379/1")
	t.Setenv("GRPC_PORT", "50099")
	t.Setenv("QIKI_TICK_MS", "50")
	t.Setenv("QIKI_AGENT_TICK_S", "0.5")
	t.Setenv("QIKI_USE_STATESTORE", "off")
	t.Setenv("QIKI_GUARDRAILS", "lenient")

	cfg, rules, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "redis://backplane:6379/1", cfg.Bus.URL)
	assert.Equal(t, 50099, cfg.Grpc.Port)
	assert.Equal(t, 50, cfg.Sim.TickMs)
	assert.Equal(t, 0.5, cfg.Agent.TickIntervalS)
	assert.False(t, cfg.Agent.UseStateStore)
	assert.Equal(t, "lenient", cfg.Guardrails.Mode)
	assert.Equal(t, "configs/guard_rules.yaml", rules)
}

func TestStatestoreToggleSpellings(t *testing.T) {
	for _, v := range []string{"0", "false", "off", "no", "OFF"} {
		t.Setenv("QIKI_USE_STATESTORE", v)
		cfg, _, err := LoadConfig("")
		require.NoError(t, err)
		assert.False(t, cfg.Agent.UseStateStore, "value %q should turn the store off", v)
	}
	t.Setenv("QIKI_USE_STATESTORE", "on")
	cfg, _, err := LoadConfig("")
	require.NoError(t, err)
	assert.True(t, cfg.Agent.UseStateStore)
}

func TestOpenBusMemory(t *testing.T) {
	b, err := OpenBus(context.Background(), quietLog(), config.BusConfig{URL: "memory://"}, nil)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.Publish(context.Background(), "qiki.telemetry", []byte("{}")))
}

func TestCheckGuardrailsBoardGate(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "TASKS.md"), []byte("# board"), 0o644))

	_, err := CheckGuardrails(quietLog(), "strict", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "todo_list.md"), []byte("# rogue"), 0o644))
	_, err = CheckGuardrails(quietLog(), "strict", dir)
	require.Error(t, err)

	policy, err := CheckGuardrails(quietLog(), "lenient", dir)
	require.NoError(t, err)
	assert.False(t, policy.Strict())
}
