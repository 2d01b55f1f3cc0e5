package config

import (
	"os"
	"strconv"
	"strings"
)

// ApplyEnv layers process environment overrides on top of the file
// configuration. Unset or malformed variables leave the file value alone.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Bus.Password = v
	}
	if v := os.Getenv("GRPC_HOST"); v != "" {
		cfg.Grpc.Host = v
	}
	if v, ok := envInt("GRPC_PORT"); ok {
		cfg.Grpc.Port = v
	}
	if v, ok := envInt("QIKI_TICK_MS"); ok && v > 0 {
		cfg.Sim.TickMs = v
	}
	if v, ok := envFloat("QIKI_AGENT_TICK_S"); ok && v > 0 {
		cfg.Agent.TickIntervalS = v
	}
	if v, ok := envBool("QIKI_USE_STATESTORE"); ok {
		cfg.Agent.UseStateStore = v
	}
	if v := os.Getenv("QIKI_GUARDRAILS"); v != "" {
		cfg.Guardrails.Mode = strings.ToLower(v)
	}
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envFloat(key string) (float64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envBool(key string) (bool, bool) {
	raw := strings.ToLower(os.Getenv(key))
	switch raw {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}
