package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"posledger/internal/infrastructure/config"
	"posledger/internal/infrastructure/logger"
	"posledger/internal/infrastructure/svc"
)

func main() {
	logger.Setup()

	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	syncNow := flag.Bool("sync", false, "replay the offline queue once and exit")
	clearQueue := flag.Bool("clear-queue", false, "discard all pending offline operations and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.SetLevel(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sc, err := svc.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("service context initialization failed")
	}
	defer sc.Close()

	positions := sc.PositionService()
	switch {
	case *clearQueue:
		n, err := positions.ClearQueue(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("clear queue failed")
		}
		log.Info().Int("discarded", n).Msg("offline queue cleared")
		return
	case *syncNow:
		if err := positions.SyncNow(ctx); err != nil {
			log.Fatal().Err(err).Msg("sync failed")
		}
		log.Info().Msg("offline queue replayed")
		return
	}

	log.Info().
		Str("config", *configPath).
		Strs("portfolios", cfg.App.Portfolios).
		Msg("posledger started")

	if err := sc.Run(ctx); err != nil {
		log.Error().Err(err).Msg("posledger exited")
	}
}
