package container

import (
	"posledger/internal/application/cache"
	"posledger/internal/application/optimistic"
	"posledger/internal/application/port"
	"posledger/internal/application/service"
	"posledger/internal/application/syncer"
	"posledger/internal/infrastructure/observability"
)

// Deps 应用层依赖的端口；Push 可为空
type Deps struct {
	Store   port.PositionStore
	Queue   port.DurableQueue
	Conn    port.Connectivity
	Push    port.PushChannel
	Metrics *observability.Metrics

	Cache cache.Options
	Sync  syncer.Options
}

// Container 按需构建应用层组件，同一实例内只构建一次
type Container struct {
	deps Deps

	cache           *cache.Cache
	optimistic      *optimistic.Manager
	sync            *syncer.Manager
	positionService *service.PositionService
}

func New(deps Deps) *Container {
	if deps.Cache.Metrics == nil {
		deps.Cache.Metrics = deps.Metrics
	}
	if deps.Sync.Metrics == nil {
		deps.Sync.Metrics = deps.Metrics
	}
	return &Container{deps: deps}
}

func (c *Container) Cache() *cache.Cache {
	if c.cache == nil {
		c.cache = cache.New(c.deps.Cache)
	}
	return c.cache
}

func (c *Container) Optimistic() *optimistic.Manager {
	if c.optimistic == nil {
		c.optimistic = optimistic.NewManager(c.Cache(), c.deps.Metrics)
	}
	return c.optimistic
}

func (c *Container) Sync() *syncer.Manager {
	if c.sync == nil {
		c.sync = syncer.NewManager(c.deps.Store, c.deps.Queue, c.deps.Conn, c.deps.Push, c.Optimistic(), c.deps.Sync)
	}
	return c.sync
}

func (c *Container) PositionService() *service.PositionService {
	if c.positionService == nil {
		c.positionService = service.NewPositionService(c.deps.Store, c.Cache(), c.Sync())
	}
	return c.positionService
}

// Close 停止缓存后台任务；队列与连接由基础设施层关闭
func (c *Container) Close() error {
	if c.cache != nil {
		c.cache.Close()
	}
	return nil
}
