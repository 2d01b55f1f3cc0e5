// qiki-bridge relays stream traffic between backplanes: durable consumers on
// the upstream bus, republish on the downstream one, telemetry mirrored
// through a latest-wins cell. With no downstream configured it degrades to a
// single-bus relay for soak testing the consumer surfaces.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/qiki/dtmp/internal/bridge"
	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/infra"
)

func main() {
	os.Exit(run())
}

func run() int {
	dotenvErr := godotenv.Load()
	log := infra.NewLogger()
	if dotenvErr != nil {
		log.Debug("[BridgeMain] no .env file, using process environment")
	}

	configPath := flag.String("config", "", "path to qiki.yaml (built-in defaults when empty)")
	flag.Parse()

	cfg, _, err := infra.LoadConfig(*configPath)
	if err != nil {
		log.Error("[BridgeMain] config load failed", "error", err)
		return infra.ExitConfig
	}
	if _, err := infra.CheckGuardrails(log, cfg.Guardrails.Mode, "."); err != nil {
		log.Error("[BridgeMain] guardrail gate failed", "error", err)
		return infra.ExitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	upstream, err := infra.OpenBus(ctx, log, cfg.Bus, bus.NewMetrics(reg))
	if err != nil {
		log.Error("[BridgeMain] upstream backplane unreachable", "url", cfg.Bus.URL, "error", err)
		return infra.ExitBus
	}
	defer upstream.Close()
	if err := bus.EnsureCanonicalStreams(ctx, upstream); err != nil {
		log.Error("[BridgeMain] stream ensure failed", "error", err)
		return infra.ExitBus
	}

	var downstream bus.Core
	if cfg.Bridge.DownstreamURL != "" {
		downCfg := config.BusConfig{URL: cfg.Bridge.DownstreamURL, Password: cfg.Bus.Password}
		down, err := infra.OpenBus(ctx, log, downCfg, nil)
		if err != nil {
			log.Error("[BridgeMain] downstream backplane unreachable",
				"url", cfg.Bridge.DownstreamURL, "error", err)
			return infra.ExitBus
		}
		defer down.Close()
		downstream = down
	}

	svc := bridge.NewService(log, upstream, downstream, cfg.Bridge, bridge.NewMetrics(reg))
	metricsSrv := infra.ServeMetrics(log, cfg.Bridge.MetricsAddr, reg)

	err = svc.Run(ctx)
	infra.Drain(metricsSrv)
	if err != nil && ctx.Err() == nil {
		log.Error("[BridgeMain] service failed", "error", err)
		return infra.ExitInternal
	}
	log.Info("[BridgeMain] stopped")
	return infra.ExitOK
}
