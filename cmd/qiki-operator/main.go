// qiki-operator runs the crew console: the incident store fed by guard
// alerts and event rules, the REST surface for ack/clear, and the websocket
// feed that mirrors incidents and accepts operator actions.
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

	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/infra"
	"github.com/qiki/dtmp/internal/operator"
)

func main() {
	os.Exit(run())
}

func run() int {
	dotenvErr := godotenv.Load()
	log := infra.NewLogger()
	if dotenvErr != nil {
		log.Debug("[OperatorMain] no .env file, using process environment")
	}

	configPath := flag.String("config", "", "path to qiki.yaml (built-in defaults when empty)")
	flag.Parse()

	cfg, _, err := infra.LoadConfig(*configPath)
	if err != nil {
		log.Error("[OperatorMain] config load failed", "error", err)
		return infra.ExitConfig
	}
	if _, err := infra.CheckGuardrails(log, cfg.Guardrails.Mode, "."); err != nil {
		log.Error("[OperatorMain] guardrail gate failed", "error", err)
		return infra.ExitConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	b, err := infra.OpenBus(ctx, log, cfg.Bus, bus.NewMetrics(reg))
	if err != nil {
		log.Error("[OperatorMain] backplane unreachable", "url", cfg.Bus.URL, "error", err)
		return infra.ExitBus
	}
	defer b.Close()
	if err := bus.EnsureCanonicalStreams(ctx, b); err != nil {
		log.Error("[OperatorMain] stream ensure failed", "error", err)
		return infra.ExitBus
	}

	svc := operator.NewService(log, b, cfg.Operator, operator.NewMetrics(reg))

	// Console REST, websocket feed and scrape endpoint share one port.
	root := http.NewServeMux()
	root.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	root.Handle("/", svc.HTTPHandler())
	httpSrv := &http.Server{Addr: cfg.Operator.HTTPAddr, Handler: root}
	go func() {
		log.Info("[OperatorMain] console listening", "addr", cfg.Operator.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn("[OperatorMain] console stopped", "error", err)
		}
	}()

	err = svc.Run(ctx)
	infra.Drain(httpSrv)
	if err != nil && ctx.Err() == nil {
		log.Error("[OperatorMain] service failed", "error", err)
		return infra.ExitInternal
	}
	log.Info("[OperatorMain] stopped")
	return infra.ExitOK
}
