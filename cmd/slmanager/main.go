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
	"github.com/danmuck/silverline/internal/manager"
	"github.com/danmuck/silverline/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	path := flag.String("config", "cmd/slmanager/config.toml", "manager config path")
	flag.Parse()

	logging.ConfigureRuntime("slmanager")
	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "slmanager: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.LoadManager(path)
	if err != nil {
		return err
	}
	cfg.MQTT.WillTopic, cfg.MQTT.WillPayload, err = cfg.Will()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := bus.DialMQTT(ctx, cfg.MQTT)
	if err != nil {
		return err
	}
	svc, err := manager.NewService(cfg, b, nil)
	if err != nil {
		_ = b.Close()
		return err
	}
	log.Info().Str("manager", svc.ID()).Str("broker", cfg.MQTT.Broker).Str("realm", cfg.Realm).Msg("slmanager starting")

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
