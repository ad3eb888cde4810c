package svc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	appcontainer "posledger/internal/application/container"
	"posledger/internal/application/cache"
	"posledger/internal/application/port"
	"posledger/internal/application/service"
	"posledger/internal/application/syncer"
	"posledger/internal/infrastructure/config"
	"posledger/internal/infrastructure/connectivity"
	infracontainer "posledger/internal/infrastructure/container"
	"posledger/internal/infrastructure/httpstore"
	"posledger/internal/infrastructure/observability"
	"posledger/internal/infrastructure/storage"
	"posledger/internal/infrastructure/storage/composite"
	"posledger/internal/infrastructure/websocket"
	"posledger/internal/interfaces/console"
)

// ServiceContext 客户端进程的全部依赖
type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层（第一层初始化）
	infra    *infracontainer.Container
	registry *prometheus.Registry
	metrics  *observability.Metrics
	store    port.PositionStore
	queue    port.DurableQueue
	push     port.PushChannel
	conn     port.Connectivity
	probe    *connectivity.Probe

	// 输出端口
	Sink port.Sink

	// 应用业务组件（依赖基础设施）
	app  *appcontainer.Container
	view *console.View

	// 资源管理
	closerChain []func() error
}

// New 创建并初始化 ServiceContext
// 这是应用启动的唯一入口点，所有依赖初始化都在这里完成
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	if !cfg.ClientEnabled() {
		return nil, ErrNoStoreConfigured
	}

	infra, err := infracontainer.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("storage initialization failed: %w", err)
	}

	sc := &ServiceContext{
		Ctx:         ctx,
		Config:      cfg,
		infra:       infra,
		registry:    prometheus.NewRegistry(),
		Sink:        console.NewSink(),
		closerChain: []func() error{infra.Close},
	}

	// 初始化所有组件，按依赖顺序
	if err := sc.initializeComponents(); err != nil {
		// 清理已初始化的资源
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 按依赖关系有序初始化
func (sc *ServiceContext) initializeComponents() error {
	cfg := sc.Config
	sc.metrics = observability.NewMetrics("posledger", sc.registry)
	sc.store = httpstore.New(cfg.Store.BaseURL, cfg.StoreTimeout(), cfg.Store.RateLimitRPS)

	queue, err := sc.buildQueue()
	if err != nil {
		return err
	}
	sc.queue = queue

	sc.push = sc.buildPush()

	if cfg.Sync.ProbeURL != "" {
		sc.probe = connectivity.NewProbe(cfg.Sync.ProbeURL, cfg.ProbeInterval())
		sc.conn = sc.probe
	} else {
		sc.conn = connectivity.NewSignal(true)
	}

	sc.app = appcontainer.New(appcontainer.Deps{
		Store:   sc.store,
		Queue:   sc.queue,
		Conn:    sc.conn,
		Push:    sc.push,
		Metrics: sc.metrics,
		Cache: cache.Options{
			StaleTime:      cfg.StaleTime(),
			GCTime:         cfg.GCTime(),
			DedupWindow:    cfg.DedupWindow(),
			DebounceWindow: cfg.Debounce(),
		},
		Sync: syncer.Options{
			Retry: syncer.RetryConfig{
				MaxRetries: cfg.Sync.MaxRetries,
				InitialDel: cfg.RetryInitial(),
				MaxDelay:   cfg.RetryMax(),
			},
			OnPermanentFailure: func(op port.PendingOperation, err error) {
				_ = sc.Sink.WriteSnapshot(time.Now(), fmt.Sprintf("discarded %s on %s: %v", op.Kind, op.EntityID, err))
			},
		},
	})
	sc.closerChain = append(sc.closerChain, sc.app.Close)

	sc.view = console.NewView(sc.app.PositionService(), sc.Sink, cfg.App.Portfolios, time.Minute)

	log.Info().
		Str("store", cfg.Store.BaseURL).
		Str("queue", cfg.Sync.Queue).
		Int("portfolios", len(cfg.App.Portfolios)).
		Msg("✓ All components initialized")
	return nil
}

func (sc *ServiceContext) buildQueue() (port.DurableQueue, error) {
	switch sc.Config.Sync.Queue {
	case "sqlite":
		if repo := sc.infra.SQLiteRepo(); repo != nil {
			return repo.Queue(), nil
		}
	case "redis":
		if repo := sc.infra.RedisRepo(); repo != nil {
			return repo.Queue(), nil
		}
	case "memory":
		log.Warn().Msg("offline queue is in-memory, pending operations will not survive restart")
		return storage.NewMemoryQueue(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, sc.Config.Sync.Queue)
}

// buildPush 合并已启用的推送来源；都未启用时返回 nil
func (sc *ServiceContext) buildPush() port.PushChannel {
	var chans []port.PushChannel
	if sc.Config.Push.Redis.Enabled && sc.infra.RedisRepo() != nil {
		chans = append(chans, sc.infra.RedisRepo())
	}
	if sc.Config.Push.WebSocket.Enabled {
		chans = append(chans, websocket.NewClient(sc.Config.Push.WebSocket.URL))
	}
	switch len(chans) {
	case 0:
		log.Warn().Msg("no push channel enabled, relying on staleness refetch")
		return nil
	case 1:
		return chans[0]
	default:
		return composite.NewChannel(chans...)
	}
}

// Run 启动后台任务并阻塞到 ctx 结束
func (sc *ServiceContext) Run(ctx context.Context) error {
	go sc.app.Cache().Run(ctx)
	if sc.probe != nil {
		go sc.probe.Run(ctx)
	}
	if addr := sc.Config.Metrics.Addr; addr != "" {
		sc.serveMetrics(ctx, addr)
	}

	if err := sc.app.Sync().Start(ctx); err != nil {
		return err
	}
	for _, pid := range sc.Config.App.Portfolios {
		if err := sc.app.Sync().Watch(ctx, pid); err != nil {
			log.Error().Err(err).Str("portfolio", pid).Msg("watch failed")
		}
	}
	return sc.view.Run(ctx)
}

func (sc *ServiceContext) serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(sc.registry))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
}

// PositionService 调用方入口
func (sc *ServiceContext) PositionService() *service.PositionService {
	return sc.app.PositionService()
}

// Metrics 进程内指标
func (sc *ServiceContext) Metrics() *observability.Metrics {
	return sc.metrics
}

// Close 按照相反的顺序关闭所有资源
func (sc *ServiceContext) Close() error {
	var first error
	for i := len(sc.closerChain) - 1; i >= 0; i-- {
		if err := sc.closerChain[i](); err != nil {
			log.Error().Err(err).Msg("error closing resource")
			if first == nil {
				first = err
			}
		}
	}
	sc.closerChain = nil
	return first
}
