// qiki-sim runs the simulation side of the twin: the world tick engine, the
// radar pipeline, the control command surface on the bus, and the SimControl
// gRPC probes.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/qiki/dtmp/internal/bios"
	"github.com/qiki/dtmp/internal/bus"
	"github.com/qiki/dtmp/internal/config"
	"github.com/qiki/dtmp/internal/infra"
	"github.com/qiki/dtmp/internal/radar"
	"github.com/qiki/dtmp/internal/sim"
	"github.com/qiki/dtmp/pb"
)

func main() {
	os.Exit(run())
}

func run() int {
	dotenvErr := godotenv.Load()
	log := infra.NewLogger()
	if dotenvErr != nil {
		log.Debug("[SimMain] no .env file, using process environment")
	}

	configPath := flag.String("config", "", "path to qiki.yaml (built-in defaults when empty)")
	autostart := flag.Bool("autostart", true, "start the world running at boot")
	flag.Parse()

	cfg, rulesPath, err := infra.LoadConfig(*configPath)
	if err != nil {
		log.Error("[SimMain] config load failed", "error", err)
		return infra.ExitConfig
	}
	if _, err := infra.CheckGuardrails(log, cfg.Guardrails.Mode, "."); err != nil {
		log.Error("[SimMain] guardrail gate failed", "error", err)
		return infra.ExitConfig
	}

	rules, err := config.LoadGuardRules(rulesPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Error("[SimMain] guard rules load failed", "path", rulesPath, "error", err)
			return infra.ExitConfig
		}
		log.Warn("[SimMain] no guard rule file, using canonical defaults", "path", rulesPath)
		rules = config.DefaultGuardRules()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	b, err := infra.OpenBus(ctx, log, cfg.Bus, bus.NewMetrics(reg))
	if err != nil {
		log.Error("[SimMain] backplane unreachable", "url", cfg.Bus.URL, "error", err)
		return infra.ExitBus
	}
	defer b.Close()
	if err := bus.EnsureCanonicalStreams(ctx, b); err != nil {
		log.Error("[SimMain] stream ensure failed", "error", err)
		return infra.ExitBus
	}

	// The sim mirrors the BIOS hardware profile hash into telemetry so the
	// agent can flag drift between the two within one process generation.
	profileHash := ""
	if profile, err := bios.LoadProfile(cfg.Bios.ProfilePath); err != nil {
		log.Warn("[SimMain] hardware profile unavailable, telemetry carries no hash",
			"path", cfg.Bios.ProfilePath, "error", err)
	} else if profileHash, err = profile.Hash(); err != nil {
		log.Warn("[SimMain] hardware profile hash failed", "error", err)
	}

	world := sim.NewWorld(cfg, profileHash)
	scene := radar.NewScene(cfg.Radar, cfg.Sim.Source, cfg.Sim.Seed)
	engine := sim.NewEngine(log, b, world, scene, cfg, sim.NewMetrics(reg))
	pipeline := radar.NewService(log, b, cfg.Radar, rules, "q-radar", radar.NewMetrics(reg))

	if *autostart {
		if err := world.Start(1); err != nil {
			log.Error("[SimMain] world start failed", "error", err)
			return infra.ExitInternal
		}
	}

	lis, err := net.Listen("tcp", cfg.Grpc.Addr())
	if err != nil {
		log.Error("[SimMain] grpc listen failed", "addr", cfg.Grpc.Addr(), "error", err)
		return infra.ExitInternal
	}
	grpcServer := grpc.NewServer()
	pb.RegisterSimControlServer(grpcServer, sim.NewControlServer(log, engine))
	go func() {
		log.Info("[SimMain] SimControl listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			log.Warn("[SimMain] grpc server stopped", "error", err)
		}
	}()

	metricsSrv := infra.ServeMetrics(log, cfg.Sim.MetricsAddr, reg)

	runCtx, halt := context.WithCancel(ctx)
	defer halt()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	launch := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer halt()
			if err := run(runCtx); err != nil && runCtx.Err() == nil {
				log.Error("[SimMain] component failed", "component", name, "error", err)
				errCh <- err
			}
		}()
	}
	launch("tick engine", engine.Run)
	launch("radar pipeline", pipeline.Run)
	wg.Wait()
	close(errCh)

	grpcServer.GracefulStop()
	infra.Drain(metricsSrv)

	if <-errCh != nil {
		return infra.ExitInternal
	}
	log.Info("[SimMain] stopped")
	return infra.ExitOK
}
