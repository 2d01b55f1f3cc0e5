// Package infra carries the boot plumbing shared by the service mains:
// logger setup, environment overrides, backplane construction with retry,
// the boot-time guardrail gate, and the metrics listener.
package infra

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/contracts"
	"github.com/qiki/dtmp/internal/guardrails"
)

// Process exit codes, part of the operator contract.
const (
	ExitOK       = 0
	ExitConfig   = 2
	ExitBus      = 3
	ExitInternal = 4
)

// NewLogger builds the process logger. LOG_FORMAT=json switches to the JSON
// handler, LOG_LEVEL=debug lowers the floor. The logger is installed as the
// slog default so package-level fallbacks agree with it.
func NewLogger() *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

// LoadConfig reads path (empty = built-in defaults) and applies the
// environment overrides. NATS_URL stays the bus URL variable name: the fleet
// tooling sets it regardless of the backplane behind it.
func LoadConfig(path string) (*config.Config, string, error) {
	cfg := config.Default()
	rulesPath := "configs/guard_rules.yaml"
	if path != "" {
		var err error
		cfg, rulesPath, err = config.LoadConfig(path)
		if err != nil {
			return nil, "", err
		}
	}
	config.ApplyEnv(cfg)
	return cfg, rulesPath, nil
}

// OpenBus builds the backplane named by url: memory:// keeps the whole twin
// in one process, anything else dials Redis. Dialing retries a few times so
// a service racing the backplane container still comes up.
func OpenBus(ctx context.Context, log *slog.Logger, busCfg config.BusConfig, metrics *bus.Metrics) (bus.Bus, error) {
	if busCfg.URL == "" || strings.HasPrefix(busCfg.URL, "memory://") {
		log.Info("[Infra] in-process backplane")
		return bus.NewMemory(metrics), nil
	}
	var b *bus.RedisBus
	backoff := bus.Backoff{Base: 500 * time.Millisecond, Max: 3 * time.Second}
	err := bus.Retry(ctx, 6, backoff, func(ctx context.Context) error {
		var dialErr error
		b, dialErr = bus.NewRedis(busCfg.URL, busCfg.Password, busCfg.DB, metrics)
		if dialErr != nil {
			log.Warn("[Infra] backplane dial failed, retrying", "url", busCfg.URL, "error", dialErr)
		}
		return dialErr
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// CheckGuardrails runs the boot-time anti-loop gate: canonical subject
// versions and the single-board rule in dir.
func CheckGuardrails(log *slog.Logger, mode, dir string) (*guardrails.Policy, error) {
	policy := guardrails.NewPolicy(mode, log)
	if err := policy.CheckSubjects(guardrails.NewSubjectRegistry(), contracts.CanonicalSubjects()...); err != nil {
		return nil, err
	}
	if err := policy.CheckSingleBoard(dir); err != nil {
		return nil, err
	}
	return policy, nil
}

// ServeMetrics exposes reg on addr under /metrics plus a liveness probe.
// Returns the server so the main can drain it; addr "" or "off" disables
// the listener.
func ServeMetrics(log *slog.Logger, addr string, reg *prometheus.Registry) *http.Server {
	if addr == "" || addr == "off" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.Info("[Infra] metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("[Infra] metrics server stopped", "error", err)
		}
	}()
	return srv
}

// Drain shuts srv down with a short deadline. nil-safe.
func Drain(srv *http.Server) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
