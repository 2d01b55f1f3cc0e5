// qiki-agent runs the decision side of the twin: the SSOT FSM store and the
// tick orchestrator that turns bus inputs into proposals. It never actuates;
// everything it emits is a proposal on the intents subject.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/qiki/dtmp/internal/agent"
	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/fsmstore"
	"github.com/qiki/dtmp/internal/infra"
)

func main() {
	os.Exit(run())
}

func run() int {
	dotenvErr := godotenv.Load()
	log := infra.NewLogger()
	if dotenvErr != nil {
		log.Debug("[AgentMain] no .env file, using process environment")
	}

	configPath := flag.String("config", "", "path to qiki.yaml (built-in defaults when empty)")
	flag.Parse()

	cfg, _, err := infra.LoadConfig(*configPath)
	if err != nil {
		log.Error("[AgentMain] config load failed", "error", err)
		return infra.ExitConfig
	}
	policy, err := infra.CheckGuardrails(log, cfg.Guardrails.Mode, ".")
	if err != nil {
		log.Error("[AgentMain] guardrail gate failed", "error", err)
		return infra.ExitConfig
	}
	if !cfg.Agent.UseStateStore {
		// The direct-attribute FSM path is retired; the store is the only
		// writer surface left. The switch stays recognized so fleet configs
		// that set it don't fail boot.
		log.Warn("[AgentMain] QIKI_USE_STATESTORE=off requested, state store remains active")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	b, err := infra.OpenBus(ctx, log, cfg.Bus, bus.NewMetrics(reg))
	if err != nil {
		log.Error("[AgentMain] backplane unreachable", "url", cfg.Bus.URL, "error", err)
		return infra.ExitBus
	}
	defer b.Close()
	if err := bus.EnsureCanonicalStreams(ctx, b); err != nil {
		log.Error("[AgentMain] stream ensure failed", "error", err)
		return infra.ExitBus
	}

	store, err := fsmstore.New(fsmstore.NewMetrics(reg))
	if err != nil {
		log.Error("[AgentMain] state store init failed", "error", err)
		return infra.ExitInternal
	}

	provider := agent.NewBusProvider(log, b)
	if err := provider.Start(); err != nil {
		log.Error("[AgentMain] telemetry subscribe failed", "error", err)
		return infra.ExitBus
	}
	defer provider.Stop()

	orch, err := agent.NewOrchestrator(log, b, cfg.Agent, store, provider,
		agent.DefaultRules(cfg.Agent.Source, cfg.Agent.SocProposalPct),
		agent.NoopNeuralEngine{}, policy, agent.NewMetrics(reg))
	if err != nil {
		log.Error("[AgentMain] orchestrator init failed", "error", err)
		return infra.ExitInternal
	}

	metricsSrv := infra.ServeMetrics(log, cfg.Agent.MetricsAddr, reg)

	err = orch.Run(ctx)
	infra.Drain(metricsSrv)
	if err != nil {
		log.Error("[AgentMain] orchestrator failed", "error", err)
		return infra.ExitInternal
	}
	log.Info("[AgentMain] stopped")
	return infra.ExitOK
}
