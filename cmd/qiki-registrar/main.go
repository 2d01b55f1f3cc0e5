// qiki-registrar archives the persistent event stream into a day-keyed bbolt
// store, enforces retention, and answers backup commands on the control
// subject.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/infra"
	"github.com/qiki/dtmp/internal/registrar"
)

func main() {
	os.Exit(run())
}

func run() int {
	dotenvErr := godotenv.Load()
	log := infra.NewLogger()
	if dotenvErr != nil {
		log.Debug("[RegistrarMain] no .env file, using process environment")
	}

	configPath := flag.String("config", "", "path to qiki.yaml (built-in defaults when empty)")
	flag.Parse()

	cfg, _, err := infra.LoadConfig(*configPath)
	if err != nil {
		log.Error("[RegistrarMain] config load failed", "error", err)
		return infra.ExitConfig
	}
	if _, err := infra.CheckGuardrails(log, cfg.Guardrails.Mode, "."); err != nil {
		log.Error("[RegistrarMain] guardrail gate failed", "error", err)
		return infra.ExitConfig
	}

	archive, err := registrar.OpenArchive(cfg.Registrar.BackupDir, cfg.Registrar.RetentionDays)
	if err != nil {
		log.Error("[RegistrarMain] archive open failed",
			"dir", cfg.Registrar.BackupDir, "error", err)
		return infra.ExitConfig
	}
	defer archive.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	b, err := infra.OpenBus(ctx, log, cfg.Bus, bus.NewMetrics(reg))
	if err != nil {
		log.Error("[RegistrarMain] backplane unreachable", "url", cfg.Bus.URL, "error", err)
		return infra.ExitBus
	}
	defer b.Close()
	if err := bus.EnsureCanonicalStreams(ctx, b); err != nil {
		log.Error("[RegistrarMain] stream ensure failed", "error", err)
		return infra.ExitBus
	}

	svc := registrar.NewService(log, b, cfg.Registrar, archive, registrar.NewMetrics(reg))
	metricsSrv := infra.ServeMetrics(log, cfg.Registrar.MetricsAddr, reg)

	err = svc.Run(ctx)
	infra.Drain(metricsSrv)
	if err != nil && ctx.Err() == nil {
		log.Error("[RegistrarMain] service failed", "error", err)
		return infra.ExitInternal
	}
	log.Info("[RegistrarMain] stopped")
	return infra.ExitOK
}
