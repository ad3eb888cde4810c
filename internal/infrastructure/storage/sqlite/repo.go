package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"posledger/internal/application/port"
	"posledger/internal/infrastructure/storage"
)

// Repo 本地 SQLite 数据库，承载离线队列
type Repo struct {
	db *sql.DB
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) GetDB() *sql.DB {
	return r.db
}

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS pending_operations (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  kind TEXT NOT NULL,
  portfolio_id TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  payload TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_pending_portfolio ON pending_operations(portfolio_id);
`)
	return err
}

// Queue 返回基于本库的持久化队列
func (r *Repo) Queue() *QueueRepo {
	return NewQueueRepo(r.db)
}

// QueueRepo 持久化 FIFO 队列，插入顺序由自增 seq 保证
type QueueRepo struct {
	db *sql.DB
}

func NewQueueRepo(db *sql.DB) *QueueRepo {
	return &QueueRepo{db: db}
}

func (q *QueueRepo) Append(ctx context.Context, op port.PendingOperation) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO pending_operations(id, kind, portfolio_id, entity_id, payload, created_at, retry_count, status, last_error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, string(op.Kind), op.PortfolioID, op.EntityID, string(op.Payload),
		op.CreatedAt.UnixMilli(), op.RetryCount, string(op.Status), op.LastError)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return storage.ErrDuplicateKey
	}
	return err
}

func (q *QueueRepo) List(ctx context.Context) ([]port.PendingOperation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, kind, portfolio_id, entity_id, payload, created_at, retry_count, status, last_error
		FROM pending_operations ORDER BY seq ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := make([]port.PendingOperation, 0)
	for rows.Next() {
		var op port.PendingOperation
		var kind, status, payload string
		var createdAt int64
		if err := rows.Scan(&op.ID, &kind, &op.PortfolioID, &op.EntityID, &payload,
			&createdAt, &op.RetryCount, &status, &op.LastError); err != nil {
			return nil, err
		}
		op.Kind = port.OperationKind(kind)
		op.Status = port.OperationStatus(status)
		op.Payload = []byte(payload)
		op.CreatedAt = time.UnixMilli(createdAt).UTC()
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Update 只更新可变字段：实体 ID（临时 ID 换成服务端 ID）、重试次数、状态、错误信息
func (q *QueueRepo) Update(ctx context.Context, op port.PendingOperation) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE pending_operations SET entity_id=?, retry_count=?, status=?, last_error=? WHERE id=?
	`, op.EntityID, op.RetryCount, string(op.Status), op.LastError, op.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (q *QueueRepo) Remove(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id=?`, id)
	return err
}

func (q *QueueRepo) Clear(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM pending_operations`)
	return err
}

// Get 按 ID 读取单个操作
func (q *QueueRepo) Get(ctx context.Context, id string) (port.PendingOperation, error) {
	ops, err := q.List(ctx)
	if err != nil {
		return port.PendingOperation{}, err
	}
	for _, op := range ops {
		if op.ID == id {
			return op, nil
		}
	}
	return port.PendingOperation{}, storage.ErrNotFound
}

var _ port.DurableQueue = (*QueueRepo)(nil)
