package port

import (
	"context"

	"posledger/internal/domain/model"
)

// PositionStore 服务端持仓表的请求/响应契约
// 所有方法的错误都应是 errs 分类错误（网络、校验、不存在、权限、冲突）
type PositionStore interface {
	FetchPositions(ctx context.Context, portfolioID string) ([]model.Position, error)
	CreatePosition(ctx context.Context, in model.PositionInput) (model.Position, error)
	// UpdatePosition 全部卖出时返回 quantity=0 的持仓，服务端同时删除该持仓
	UpdatePosition(ctx context.Context, id string, patch model.PositionPatch) (model.Position, error)
	DeletePosition(ctx context.Context, id string) error
	FetchTransactions(ctx context.Context, positionID string) ([]model.Transaction, error)
}
