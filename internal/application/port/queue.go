package port

import (
	"context"
	"encoding/json"
	"time"
)

// OperationKind 排队的变更类型
type OperationKind string

const (
	OpCreatePosition OperationKind = "create_position"
	OpUpdatePosition OperationKind = "update_position"
	OpDeletePosition OperationKind = "delete_position"
)

// OperationStatus 排队操作的状态
type OperationStatus string

const (
	OpStatusQueued      OperationStatus = "queued"
	OpStatusDispatching OperationStatus = "dispatching"
	OpStatusFailed      OperationStatus = "failed" // 重试耗尽，等待下次重连
)

// PendingOperation 本地已接受、服务端尚未确认的变更
type PendingOperation struct {
	ID          string          `json:"id"`
	Kind        OperationKind   `json:"kind"`
	PortfolioID string          `json:"portfolio_id"`
	EntityID    string          `json:"entity_id"` // 持仓 ID，离线新建时为临时 ID
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	RetryCount  int             `json:"retry_count"`
	Status      OperationStatus `json:"status"`
	LastError   string          `json:"last_error,omitempty"`
}

// DurableQueue 持久化的 FIFO 队列，进程重启后仍然存在
type DurableQueue interface {
	Append(ctx context.Context, op PendingOperation) error
	// List 按插入顺序返回
	List(ctx context.Context) ([]PendingOperation, error)
	// Update 持久化 EntityID、RetryCount、Status、LastError
	Update(ctx context.Context, op PendingOperation) error
	Remove(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}
