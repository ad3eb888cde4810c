package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"posledger/internal/application/port"
	"posledger/internal/infrastructure/config"
	infracontainer "posledger/internal/infrastructure/container"
	"posledger/internal/infrastructure/logger"
	"posledger/internal/infrastructure/observability"
	"posledger/internal/infrastructure/storage"
	"posledger/internal/infrastructure/storage/composite"
	"posledger/internal/infrastructure/websocket"
	"posledger/internal/interfaces/httpapi"
)

func main() {
	logger.Setup()

	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}
	logger.SetLevel(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	infra, err := infracontainer.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("storage initialization failed")
	}
	defer infra.Close()

	var store port.PositionStore
	switch cfg.Server.Backend {
	case "postgres":
		store = infra.PostgresRepo()
	default:
		log.Warn().Msg("server backend is in-memory, positions will not survive restart")
		store = storage.NewMemoryStore()
	}

	// 变更同时推送到 WebSocket 订阅者和 Redis 频道
	hub := websocket.NewHub()
	defer hub.Close()
	pubs := []port.PushPublisher{hub}
	if repo := infra.RedisRepo(); repo != nil && cfg.Push.Redis.Enabled {
		pubs = append(pubs, repo)
	}
	store = composite.NewPublishingStore(store, composite.NewPublisher(pubs...))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	router := httpapi.Setup(&httpapi.Config{
		Store:   store,
		Hub:     hub,
		Metrics: observability.Handler(reg),
	})
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("backend", cfg.Server.Backend).
		Int("publishers", len(pubs)).
		Msg("posstore started")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("posstore exited")
	}
}
