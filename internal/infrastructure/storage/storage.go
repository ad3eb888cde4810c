package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"posledger/internal/application/port"
	"posledger/internal/domain/errs"
	"posledger/internal/domain/ledger"
	"posledger/internal/domain/model"
)

var (
	ErrNotFound     = errs.New(errs.KindNotFound, "record not found")
	ErrDuplicateKey = errs.New(errs.KindConflict, "duplicate key")
)

// OpenPosition 首次买入：新建持仓和对应的 BUY 流水
func OpenPosition(in model.PositionInput, now time.Time) (model.Position, model.Transaction, error) {
	in.Symbol = strings.ToUpper(strings.TrimSpace(in.Symbol))
	if in.PortfolioID == "" || in.Symbol == "" {
		return model.Position{}, model.Transaction{}, errs.New(errs.KindValidation, "portfolio id and symbol are required")
	}
	r, err := ledger.ApplyBuy(0, 0, in.Quantity, in.Price)
	if err != nil {
		return model.Position{}, model.Transaction{}, err
	}
	date := in.TransactionDate
	if date.IsZero() {
		date = now
	}

	p := model.Position{
		ID:            uuid.NewString(),
		PortfolioID:   in.PortfolioID,
		Symbol:        in.Symbol,
		Quantity:      r.Quantity,
		AverageCost:   r.AverageCost,
		TotalInvested: r.TotalInvested,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx := model.Transaction{
		ID:              uuid.NewString(),
		PositionID:      p.ID,
		PortfolioID:     p.PortfolioID,
		Symbol:          p.Symbol,
		Type:            model.TransactionBuy,
		Quantity:        in.Quantity,
		Price:           in.Price,
		TransactionDate: date,
		CreatedAt:       now,
	}
	return p, tx, nil
}

// ApplyTransaction 追加一笔流水并从完整流水重新计算持仓
// 卖出时价格取当前平均成本；全部卖出返回 quantity=0 的持仓
func ApplyTransaction(p model.Position, history []model.Transaction, intent model.TransactionIntent, now time.Time) (model.Position, model.Transaction, error) {
	price := intent.Price
	switch intent.Type {
	case model.TransactionBuy:
		if _, err := ledger.ApplyBuy(p.Quantity, p.AverageCost, intent.Quantity, intent.Price); err != nil {
			return model.Position{}, model.Transaction{}, err
		}
	case model.TransactionSell:
		if _, err := ledger.ApplySell(p.Quantity, p.AverageCost, intent.Quantity); err != nil {
			return model.Position{}, model.Transaction{}, err
		}
		if price == 0 {
			price = p.AverageCost
		}
	default:
		return model.Position{}, model.Transaction{}, errs.New(errs.KindValidation, "unknown transaction type %q", intent.Type)
	}

	date := intent.TransactionDate
	if date.IsZero() {
		date = now
	}
	tx := model.Transaction{
		ID:              uuid.NewString(),
		PositionID:      p.ID,
		PortfolioID:     p.PortfolioID,
		Symbol:          p.Symbol,
		Type:            intent.Type,
		Quantity:        intent.Quantity,
		Price:           price,
		TransactionDate: date,
		CreatedAt:       now,
	}

	all := make([]model.Transaction, 0, len(history)+1)
	all = append(all, history...)
	all = append(all, tx)
	r, err := ledger.Replay(all)
	if err != nil {
		return model.Position{}, model.Transaction{}, err
	}

	p.Quantity = r.Quantity
	p.AverageCost = r.AverageCost
	p.TotalInvested = r.TotalInvested
	p.UpdatedAt = now
	return p, tx, nil
}

// MemoryStore 进程内的持仓表，用于测试和单机服务端
type MemoryStore struct {
	mu           sync.RWMutex
	positions    map[string]model.Position
	transactions []model.Transaction
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[string]model.Position),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) FetchPositions(ctx context.Context, portfolioID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Position, 0)
	for _, p := range s.positions {
		if p.PortfolioID == portfolioID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) CreatePosition(ctx context.Context, in model.PositionInput) (model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, tx, err := OpenPosition(in, s.now())
	if err != nil {
		return model.Position{}, err
	}
	for _, existing := range s.positions {
		if existing.PortfolioID == p.PortfolioID && existing.Symbol == p.Symbol {
			return model.Position{}, errs.New(errs.KindConflict, "position for %s already exists in portfolio %s", p.Symbol, p.PortfolioID)
		}
	}
	s.positions[p.ID] = p
	s.transactions = append(s.transactions, tx)
	return p, nil
}

func (s *MemoryStore) UpdatePosition(ctx context.Context, id string, patch model.PositionPatch) (model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[id]
	if !ok {
		return model.Position{}, errs.New(errs.KindNotFound, "position %s not found", id)
	}
	now := s.now()

	if patch.Transaction != nil {
		next, tx, err := ApplyTransaction(p, s.historyLocked(id), *patch.Transaction, now)
		if err != nil {
			return model.Position{}, err
		}
		s.transactions = append(s.transactions, tx)
		p = next
	}
	if patch.CurrentPrice != nil {
		price := *patch.CurrentPrice
		p.CurrentPrice = &price
		p.UpdatedAt = now
	}

	if p.Closed() {
		delete(s.positions, id)
		return p, nil
	}
	s.positions[id] = p
	return p, nil
}

func (s *MemoryStore) DeletePosition(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[id]; !ok {
		return errs.New(errs.KindNotFound, "position %s not found", id)
	}
	delete(s.positions, id)
	return nil
}

// PortfolioOf 持仓所属组合，不存在时为空
func (s *MemoryStore) PortfolioOf(ctx context.Context, positionID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[positionID].PortfolioID
}

func (s *MemoryStore) FetchTransactions(ctx context.Context, positionID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.historyLocked(positionID), nil
}

func (s *MemoryStore) historyLocked(positionID string) []model.Transaction {
	out := make([]model.Transaction, 0)
	for _, tx := range s.transactions {
		if tx.PositionID == positionID {
			out = append(out, tx)
		}
	}
	return out
}

// MemoryQueue 进程内队列，进程退出即丢失
type MemoryQueue struct {
	mu  sync.Mutex
	ops []port.PendingOperation
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Append(ctx context.Context, op port.PendingOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.ops {
		if existing.ID == op.ID {
			return ErrDuplicateKey
		}
	}
	q.ops = append(q.ops, op)
	return nil
}

func (q *MemoryQueue) List(ctx context.Context) ([]port.PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]port.PendingOperation, len(q.ops))
	copy(out, q.ops)
	return out, nil
}

func (q *MemoryQueue) Update(ctx context.Context, op port.PendingOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ops {
		if q.ops[i].ID == op.ID {
			q.ops[i] = op
			return nil
		}
	}
	return ErrNotFound
}

func (q *MemoryQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ops {
		if q.ops[i].ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = nil
	return nil
}
