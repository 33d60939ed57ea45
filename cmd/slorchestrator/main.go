package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/silverline/internal/bus"
	"github.com/danmuck/silverline/internal/config"
	"github.com/danmuck/silverline/internal/logging"
	"github.com/danmuck/silverline/internal/observability"
	"github.com/danmuck/silverline/internal/orchestrator"
	"github.com/danmuck/silverline/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", "cmd/slorchestrator/config.toml", "orchestrator config path")
	flag.Parse()

	logging.ConfigureRuntime("slorchestrator")
	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "slorchestrator: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.LoadOrchestrator(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := bus.DialMQTT(ctx, cfg.MQTT)
	if err != nil {
		return err
	}
	defer b.Close()

	orch := orchestrator.New(store.NewMemory(), cfg.Orchestrator())
	svc := orchestrator.NewService(b, orch, cfg.Topics())
	log.Info().Str("broker", cfg.MQTT.Broker).Str("realm", cfg.Realm).Str("policy", string(cfg.Policy)).Msg("slorchestrator starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return observability.Serve(gctx, cfg.MetricsAddr)
		})
	}
	return g.Wait()
}
