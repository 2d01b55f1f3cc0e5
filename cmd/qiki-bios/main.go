// qiki-bios runs the firmware side of the twin: POST against the hardware
// profile, the periodic BIOS status event, and the HTTP console.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qiki/dtmp/internal/bios"
	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/infra"
)

func main() {
	os.Exit(run())
}

func run() int {
	dotenvErr := godotenv.Load()
	log := infra.NewLogger()
	if dotenvErr != nil {
		log.Debug("[BiosMain] no .env file, using process environment")
	}

	configPath := flag.String("config", "", "path to qiki.yaml (built-in defaults when empty)")
	flag.Parse()

	cfg, _, err := infra.LoadConfig(*configPath)
	if err != nil {
		log.Error("[BiosMain] config load failed", "error", err)
		return infra.ExitConfig
	}
	if _, err := infra.CheckGuardrails(log, cfg.Guardrails.Mode, "."); err != nil {
		log.Error("[BiosMain] guardrail gate failed", "error", err)
		return infra.ExitConfig
	}

	// Unlike the sim, the BIOS cannot run without its profile: POST is the
	// whole job.
	profile, err := bios.LoadProfile(cfg.Bios.ProfilePath)
	if err != nil {
		log.Error("[BiosMain] hardware profile load failed",
			"path", cfg.Bios.ProfilePath, "error", err)
		return infra.ExitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	b, err := infra.OpenBus(ctx, log, cfg.Bus, bus.NewMetrics(reg))
	if err != nil {
		log.Error("[BiosMain] backplane unreachable", "url", cfg.Bus.URL, "error", err)
		return infra.ExitBus
	}
	defer b.Close()
	if err := bus.EnsureCanonicalStreams(ctx, b); err != nil {
		log.Error("[BiosMain] stream ensure failed", "error", err)
		return infra.ExitBus
	}

	svc, err := bios.NewService(log, b, cfg.Bios, profile, bios.NewMetrics(reg))
	if err != nil {
		log.Error("[BiosMain] service init failed", "error", err)
		return infra.ExitConfig
	}

	// The console and the scrape endpoint share the firmware port.
	root := http.NewServeMux()
	root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	root.Handle("/", svc.HTTPHandler())
	httpSrv := &http.Server{Addr: cfg.Bios.HTTPAddr, Handler: root}
	go func() {
		log.Info("[BiosMain] console listening", "addr", cfg.Bios.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("[BiosMain] console stopped", "error", err)
		}
	}()

	err = svc.Run(ctx)
	infra.Drain(httpSrv)
	if err != nil && ctx.Err() == nil {
		log.Error("[BiosMain] service failed", "error", err)
		return infra.ExitInternal
	}
	log.Info("[BiosMain] stopped")
	return infra.ExitOK
}
