package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"posledger/internal/application/port"
	"posledger/internal/domain/errs"
	"posledger/internal/domain/model"
	"posledger/internal/infrastructure/storage"
)

// PostgreSQL error codes
const uniqueViolation = "23505"

// Repo 服务端持仓表，持仓数值始终由流水重算
type Repo struct {
	db  *sql.DB
	now func() time.Time
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	r := &Repo{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS positions (
  id TEXT PRIMARY KEY,
  portfolio_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  quantity DOUBLE PRECISION NOT NULL,
  average_cost DOUBLE PRECISION NOT NULL,
  total_invested DOUBLE PRECISION NOT NULL,
  current_price DOUBLE PRECISION,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (portfolio_id, symbol)
);
CREATE TABLE IF NOT EXISTS transactions (
  seq BIGSERIAL PRIMARY KEY,
  id TEXT NOT NULL UNIQUE,
  position_id TEXT NOT NULL,
  portfolio_id TEXT NOT NULL,
  symbol TEXT NOT NULL,
  type TEXT NOT NULL,
  quantity DOUBLE PRECISION NOT NULL,
  price DOUBLE PRECISION NOT NULL,
  transaction_date TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_position ON transactions(position_id, seq);
`)
	return err
}

const positionColumns = `id, portfolio_id, symbol, quantity, average_cost, total_invested, current_price, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(s scanner) (model.Position, error) {
	var p model.Position
	var price sql.NullFloat64
	if err := s.Scan(&p.ID, &p.PortfolioID, &p.Symbol, &p.Quantity, &p.AverageCost,
		&p.TotalInvested, &price, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return model.Position{}, err
	}
	if price.Valid {
		p.CurrentPrice = model.Float(price.Float64)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func (r *Repo) FetchPositions(ctx context.Context, portfolioID string) ([]model.Position, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE portfolio_id=$1 ORDER BY symbol`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Position, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) CreatePosition(ctx context.Context, in model.PositionInput) (model.Position, error) {
	p, tx, err := storage.OpenPosition(in, r.now())
	if err != nil {
		return model.Position{}, err
	}

	err = r.inTx(ctx, func(dbtx *sql.Tx) error {
		if _, err := dbtx.ExecContext(ctx, `
			INSERT INTO positions(`+positionColumns+`)
			VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, p.ID, p.PortfolioID, p.Symbol, p.Quantity, p.AverageCost, p.TotalInvested,
			nullFloat(p.CurrentPrice), p.CreatedAt, p.UpdatedAt); err != nil {
			return err
		}
		return insertTransaction(ctx, dbtx, tx)
	})
	if isUniqueViolation(err) {
		return model.Position{}, errs.New(errs.KindConflict, "position for %s already exists in portfolio %s", p.Symbol, p.PortfolioID)
	}
	if err != nil {
		return model.Position{}, err
	}
	return p, nil
}

func (r *Repo) UpdatePosition(ctx context.Context, id string, patch model.PositionPatch) (model.Position, error) {
	var out model.Position
	err := r.inTx(ctx, func(dbtx *sql.Tx) error {
		p, err := scanPosition(dbtx.QueryRowContext(ctx,
			`SELECT `+positionColumns+` FROM positions WHERE id=$1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return errs.New(errs.KindNotFound, "position %s not found", id)
		}
		if err != nil {
			return err
		}
		now := r.now()

		if patch.Transaction != nil {
			history, err := fetchTransactions(ctx, dbtx, id)
			if err != nil {
				return err
			}
			next, tx, err := storage.ApplyTransaction(p, history, *patch.Transaction, now)
			if err != nil {
				return err
			}
			if err := insertTransaction(ctx, dbtx, tx); err != nil {
				return err
			}
			p = next
		}
		if patch.CurrentPrice != nil {
			p.CurrentPrice = model.Float(*patch.CurrentPrice)
			p.UpdatedAt = now
		}

		out = p
		if p.Closed() {
			_, err := dbtx.ExecContext(ctx, `DELETE FROM positions WHERE id=$1`, id)
			return err
		}
		_, err = dbtx.ExecContext(ctx, `
			UPDATE positions SET quantity=$2, average_cost=$3, total_invested=$4, current_price=$5, updated_at=$6
			WHERE id=$1
		`, p.ID, p.Quantity, p.AverageCost, p.TotalInvested, nullFloat(p.CurrentPrice), p.UpdatedAt)
		return err
	})
	if err != nil {
		return model.Position{}, err
	}
	return out, nil
}

// DeletePosition 只删除持仓，流水保留
func (r *Repo) DeletePosition(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM positions WHERE id=$1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.New(errs.KindNotFound, "position %s not found", id)
	}
	return nil
}

// PortfolioOf 持仓所属组合，不存在或查询失败时为空
func (r *Repo) PortfolioOf(ctx context.Context, positionID string) string {
	var portfolioID string
	_ = r.db.QueryRowContext(ctx, `SELECT portfolio_id FROM positions WHERE id=$1`, positionID).Scan(&portfolioID)
	return portfolioID
}

func (r *Repo) FetchTransactions(ctx context.Context, positionID string) ([]model.Transaction, error) {
	return fetchTransactions(ctx, r.db, positionID)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func fetchTransactions(ctx context.Context, q querier, positionID string) ([]model.Transaction, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, position_id, portfolio_id, symbol, type, quantity, price, transaction_date, created_at
		FROM transactions WHERE position_id=$1 ORDER BY seq ASC
	`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Transaction, 0)
	for rows.Next() {
		var tx model.Transaction
		var typ string
		if err := rows.Scan(&tx.ID, &tx.PositionID, &tx.PortfolioID, &tx.Symbol, &typ,
			&tx.Quantity, &tx.Price, &tx.TransactionDate, &tx.CreatedAt); err != nil {
			return nil, err
		}
		tx.Type = model.TransactionType(typ)
		tx.TransactionDate = tx.TransactionDate.UTC()
		tx.CreatedAt = tx.CreatedAt.UTC()
		out = append(out, tx)
	}
	return out, rows.Err()
}

func insertTransaction(ctx context.Context, dbtx *sql.Tx, tx model.Transaction) error {
	_, err := dbtx.ExecContext(ctx, `
		INSERT INTO transactions(id, position_id, portfolio_id, symbol, type, quantity, price, transaction_date, created_at)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, tx.ID, tx.PositionID, tx.PortfolioID, tx.Symbol, string(tx.Type), tx.Quantity, tx.Price,
		tx.TransactionDate, tx.CreatedAt)
	return err
}

func (r *Repo) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(dbtx); err != nil {
		_ = dbtx.Rollback()
		return err
	}
	return dbtx.Commit()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var _ port.PositionStore = (*Repo)(nil)
