package port

import (
	"context"
	"encoding/json"
)

// EntityKind 推送实体类型
type EntityKind string

const (
	EntityPosition        EntityKind = "position"
	EntityPositionDeleted EntityKind = "position_deleted"
	EntityTransaction     EntityKind = "transaction"
)

// PushEvent 远端变更通知，Record 可能是完整记录，也可能只含部分字段
type PushEvent struct {
	EntityKind  EntityKind      `json:"entity_kind"`
	PortfolioID string          `json:"portfolio_id"`
	Record      json.RawMessage `json:"record"`
}

// PushChannel 每个组合订阅一次，ctx 取消即退订
type PushChannel interface {
	Name() string
	Subscribe(ctx context.Context, portfolioID string) (<-chan PushEvent, error)
}

// PushPublisher 服务端发布变更
type PushPublisher interface {
	Publish(ctx context.Context, ev PushEvent) error
}
