package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"posledger/internal/application/cache"
	"posledger/internal/application/optimistic"
	"posledger/internal/application/port"
	"posledger/internal/application/syncer"
	"posledger/internal/domain/errs"
	"posledger/internal/domain/ledger"
	"posledger/internal/domain/model"
)

// TempIDPrefix 离线新建持仓的临时 ID 前缀
const TempIDPrefix = "tmp-"

// PositionService 调用方使用的持仓操作：读取走缓存，写入走乐观更新和离线队列
type PositionService struct {
	store port.PositionStore
	cache *cache.Cache
	sync  *syncer.Manager
	now   func() time.Time
}

func NewPositionService(store port.PositionStore, c *cache.Cache, sync *syncer.Manager) *PositionService {
	return &PositionService{
		store: store,
		cache: c,
		sync:  sync,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Positions 组合的持仓列表
func (s *PositionService) Positions(ctx context.Context, portfolioID string) ([]model.Position, error) {
	v, err := s.cache.Read(ctx, cache.PositionsKey(portfolioID), s.fetchPositions)
	if err != nil {
		return nil, err
	}
	list, _ := v.([]model.Position)
	return list, nil
}

// Summary 组合汇总，基于缓存中的持仓列表计算
func (s *PositionService) Summary(ctx context.Context, portfolioID string) (model.Summary, error) {
	v, err := s.cache.Read(ctx, cache.SummaryKey(portfolioID), s.fetchSummary)
	if err != nil {
		return model.Summary{}, err
	}
	summary, _ := v.(model.Summary)
	return summary, nil
}

// Transactions 持仓的交易流水
func (s *PositionService) Transactions(ctx context.Context, positionID string) ([]model.Transaction, error) {
	key := cache.TransactionsKey(s.sync.Resolve(positionID))
	v, err := s.cache.Read(ctx, key, s.fetchTransactions)
	if err != nil {
		return nil, err
	}
	txs, _ := v.([]model.Transaction)
	return txs, nil
}

// Metrics 持仓的市值与浮动盈亏；没有行情时各字段为空
func (s *PositionService) Metrics(p model.Position) (model.Metrics, error) {
	return ledger.ComputeMetrics(p, p.CurrentPrice)
}

// Subscribe 持仓列表变化时回调
func (s *PositionService) Subscribe(portfolioID string, fn func([]model.Position)) (unsubscribe func()) {
	return s.cache.Subscribe(cache.PositionsKey(portfolioID), func(e cache.Entry) {
		list, _ := e.Data.([]model.Position)
		fn(list)
	})
}

// Buy 买入：没有该标的的持仓时新建，否则加仓
func (s *PositionService) Buy(ctx context.Context, portfolioID, symbol string, qty, price float64, date time.Time) (optimistic.Result, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return optimistic.Result{}, errs.New(errs.KindValidation, "symbol is required")
	}
	if _, err := ledger.ApplyBuy(0, 0, qty, price); err != nil {
		return optimistic.Result{}, err
	}
	if date.IsZero() {
		date = s.now()
	}

	list, err := s.Positions(ctx, portfolioID)
	if err != nil {
		return optimistic.Result{}, err
	}
	intent := model.TransactionIntent{Type: model.TransactionBuy, Quantity: qty, Price: price, TransactionDate: date}
	for _, p := range list {
		if p.Symbol == symbol {
			return s.transact(ctx, portfolioID, p.ID, intent)
		}
	}
	res, err := s.create(ctx, model.PositionInput{
		PortfolioID:     portfolioID,
		Symbol:          symbol,
		Quantity:        qty,
		Price:           price,
		TransactionDate: date,
	})
	// 等锁期间另一笔买入已建仓，改为加仓
	var exists *positionExistsError
	if errors.As(err, &exists) {
		return s.transact(ctx, portfolioID, exists.id, intent)
	}
	return res, err
}

// Sell 卖出；全部卖出时持仓被移除，流水保留
func (s *PositionService) Sell(ctx context.Context, portfolioID, positionID string, qty float64, date time.Time) (optimistic.Result, error) {
	if date.IsZero() {
		date = s.now()
	}
	if _, err := s.Positions(ctx, portfolioID); err != nil {
		return optimistic.Result{}, err
	}
	intent := model.TransactionIntent{Type: model.TransactionSell, Quantity: qty, TransactionDate: date}
	return s.transact(ctx, portfolioID, positionID, intent)
}

// EditPosition 把持仓数量改为 newQty：增加视为以 newPrice 买入，减少视为卖出
func (s *PositionService) EditPosition(ctx context.Context, portfolioID, positionID string, newQty float64, newPrice *float64) (optimistic.Result, error) {
	list, err := s.Positions(ctx, portfolioID)
	if err != nil {
		return optimistic.Result{}, err
	}
	p, ok := find(list, s.sync.Resolve(positionID))
	if !ok {
		p, ok = find(list, positionID)
	}
	if !ok {
		return optimistic.Result{}, errs.New(errs.KindNotFound, "position %s not found", positionID)
	}

	impact, err := ledger.ComputeUpdateImpact(p, newQty, newPrice)
	if err != nil {
		return optimistic.Result{}, err
	}
	if impact.NoOp() {
		return optimistic.Result{State: optimistic.StateConfirmed, Value: p}, nil
	}

	intent := model.TransactionIntent{Type: impact.Type, TransactionDate: s.now()}
	if impact.QuantityChange < 0 {
		intent.Quantity = -impact.QuantityChange
	} else {
		intent.Quantity = impact.QuantityChange
		intent.Price = *newPrice
	}
	return s.transact(ctx, portfolioID, positionID, intent)
}

// SetCurrentPrice 手动修改行情价格，直接合并，不经过成本核算
func (s *PositionService) SetCurrentPrice(ctx context.Context, portfolioID, positionID string, price float64) (optimistic.Result, error) {
	if err := ledger.ValidatePrice(price); err != nil {
		return optimistic.Result{}, err
	}
	if _, err := s.Positions(ctx, portfolioID); err != nil {
		return optimistic.Result{}, err
	}
	patch := model.PositionPatch{CurrentPrice: model.Float(price)}
	key := cache.PositionsKey(portfolioID)

	mut := optimistic.Mutation{
		Kind: "set_price",
		Keys: []cache.Key{key},
		Optimistic: func(read optimistic.Reader) ([]optimistic.Write, error) {
			p, err := s.locate(read, key, positionID)
			if err != nil {
				return nil, err
			}
			id := p.ID
			p.CurrentPrice = model.Float(price)
			p.UpdatedAt = s.now()
			return []optimistic.Write{{Key: key, Update: replacePosition(id, p)}}, nil
		},
		Reconcile:  s.reconcile(key, positionID),
		Invalidate: []cache.Key{cache.SummaryKey(portfolioID)},
	}
	return s.sync.Dispatch(ctx, s.updateOp(portfolioID, positionID, patch), mut)
}

// DeletePosition 删除持仓；流水保留
func (s *PositionService) DeletePosition(ctx context.Context, portfolioID, positionID string) (optimistic.Result, error) {
	if _, err := s.Positions(ctx, portfolioID); err != nil {
		return optimistic.Result{}, err
	}
	key := cache.PositionsKey(portfolioID)
	mut := optimistic.Mutation{
		Kind: "delete",
		Keys: []cache.Key{key},
		Optimistic: func(read optimistic.Reader) ([]optimistic.Write, error) {
			p, err := s.locate(read, key, positionID)
			if err != nil {
				return nil, err
			}
			return []optimistic.Write{{Key: key, Update: dropPosition(p.ID)}}, nil
		},
		Invalidate: []cache.Key{cache.SummaryKey(portfolioID)},
	}
	op := port.PendingOperation{
		Kind:        port.OpDeletePosition,
		PortfolioID: portfolioID,
		EntityID:    positionID,
		Payload:     json.RawMessage(`{}`),
	}
	return s.sync.Dispatch(ctx, op, mut)
}

// Watch 订阅组合的实时推送
func (s *PositionService) Watch(ctx context.Context, portfolioID string) error {
	return s.sync.Watch(ctx, portfolioID)
}

// SyncNow 手动重放离线队列
func (s *PositionService) SyncNow(ctx context.Context) error {
	return s.sync.SyncNow(ctx)
}

// ClearQueue 丢弃所有未确认的离线变更；调用方负责事先确认
func (s *PositionService) ClearQueue(ctx context.Context) (int, error) {
	return s.sync.ClearQueue(ctx)
}

// Pending 排队中的操作
func (s *PositionService) Pending(ctx context.Context) ([]port.PendingOperation, error) {
	return s.sync.Pending(ctx)
}

func (s *PositionService) create(ctx context.Context, in model.PositionInput) (optimistic.Result, error) {
	tempID := TempIDPrefix + uuid.NewString()
	key := cache.PositionsKey(in.PortfolioID)
	payload, err := json.Marshal(in)
	if err != nil {
		return optimistic.Result{}, err
	}

	mut := optimistic.Mutation{
		Kind: "create",
		Keys: []cache.Key{key},
		Optimistic: func(read optimistic.Reader) ([]optimistic.Write, error) {
			v, _ := read(key)
			list, _ := v.([]model.Position)
			for _, p := range list {
				if p.Symbol == in.Symbol {
					return nil, &positionExistsError{id: p.ID}
				}
			}
			r, err := ledger.ApplyBuy(0, 0, in.Quantity, in.Price)
			if err != nil {
				return nil, err
			}
			now := s.now()
			p := model.Position{
				ID:            tempID,
				PortfolioID:   in.PortfolioID,
				Symbol:        in.Symbol,
				Quantity:      r.Quantity,
				AverageCost:   r.AverageCost,
				TotalInvested: r.TotalInvested,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			return []optimistic.Write{{Key: key, Update: replacePosition(tempID, p)}}, nil
		},
		Reconcile:  s.reconcile(key, tempID),
		Invalidate: []cache.Key{cache.SummaryKey(in.PortfolioID)},
	}
	op := port.PendingOperation{
		Kind:        port.OpCreatePosition,
		PortfolioID: in.PortfolioID,
		EntityID:    tempID,
		Payload:     payload,
	}
	return s.sync.Dispatch(ctx, op, mut)
}

// transact 对已有持仓追加一笔买卖
func (s *PositionService) transact(ctx context.Context, portfolioID, positionID string, intent model.TransactionIntent) (optimistic.Result, error) {
	key := cache.PositionsKey(portfolioID)

	mut := optimistic.Mutation{
		Kind: strings.ToLower(string(intent.Type)),
		Keys: []cache.Key{key},
		Optimistic: func(read optimistic.Reader) ([]optimistic.Write, error) {
			p, err := s.locate(read, key, positionID)
			if err != nil {
				return nil, err
			}
			id := p.ID
			next, err := applyIntent(p, intent)
			if err != nil {
				return nil, err
			}
			next.UpdatedAt = s.now()
			if next.Closed() {
				return []optimistic.Write{{Key: key, Update: dropPosition(id)}}, nil
			}
			return []optimistic.Write{{Key: key, Update: replacePosition(id, next)}}, nil
		},
		Reconcile: s.reconcile(key, positionID),
		Invalidate: []cache.Key{
			cache.SummaryKey(portfolioID),
			cache.TransactionsKey(positionID),
		},
	}
	return s.sync.Dispatch(ctx, s.updateOp(portfolioID, positionID, model.PositionPatch{Transaction: &intent}), mut)
}

func (s *PositionService) updateOp(portfolioID, positionID string, patch model.PositionPatch) port.PendingOperation {
	payload, _ := json.Marshal(patch)
	return port.PendingOperation{
		Kind:        port.OpUpdatePosition,
		PortfolioID: portfolioID,
		EntityID:    positionID,
		Payload:     payload,
	}
}

// reconcile 用服务端返回的持仓替换乐观值；quantity=0 表示已平仓
func (s *PositionService) reconcile(key cache.Key, localID string) func(any) []optimistic.Write {
	return func(result any) []optimistic.Write {
		server, ok := result.(model.Position)
		if !ok {
			return nil
		}
		update := func(old any, ok bool) (any, bool) {
			list, _ := old.([]model.Position)
			out := make([]model.Position, 0, len(list)+1)
			for _, p := range list {
				if p.ID != localID && p.ID != server.ID {
					out = append(out, p)
				}
			}
			if !server.Closed() {
				out = append(out, server)
			}
			return out, true
		}
		return []optimistic.Write{{Key: key, Update: update}}
	}
}

func (s *PositionService) fetchPositions(ctx context.Context, key cache.Key) (any, error) {
	return s.store.FetchPositions(ctx, key[1])
}

func (s *PositionService) fetchTransactions(ctx context.Context, key cache.Key) (any, error) {
	return s.store.FetchTransactions(ctx, key[1])
}

func (s *PositionService) fetchSummary(ctx context.Context, key cache.Key) (any, error) {
	list, err := s.Positions(ctx, key[1])
	if err != nil {
		return nil, err
	}
	return ledger.Summarize(key[1], list), nil
}

// positionExistsError 新建时同一标的的持仓已在缓存中
type positionExistsError struct {
	id string
}

func (e *positionExistsError) Error() string {
	return "position " + e.id + " already exists"
}

// applyIntent 用成本核算计算一笔交易后的持仓
func applyIntent(p model.Position, intent model.TransactionIntent) (model.Position, error) {
	switch intent.Type {
	case model.TransactionBuy:
		r, err := ledger.ApplyBuy(p.Quantity, p.AverageCost, intent.Quantity, intent.Price)
		if err != nil {
			return model.Position{}, err
		}
		p.Quantity, p.AverageCost, p.TotalInvested = r.Quantity, r.AverageCost, r.TotalInvested
	case model.TransactionSell:
		r, err := ledger.ApplySell(p.Quantity, p.AverageCost, intent.Quantity)
		if err != nil {
			return model.Position{}, err
		}
		p.Quantity, p.AverageCost, p.TotalInvested = r.RemainingQuantity, r.AverageCost, r.TotalInvested
	default:
		return model.Position{}, errs.New(errs.KindValidation, "unknown transaction type %q", intent.Type)
	}
	return p, nil
}

func find(list []model.Position, id string) (model.Position, bool) {
	for _, p := range list {
		if p.ID == id {
			return p, true
		}
	}
	return model.Position{}, false
}

// locate 等锁期间之前的新建可能已确认，先按服务端 ID 查找；缓存尚未刷新时仍是临时 ID
func (s *PositionService) locate(read optimistic.Reader, key cache.Key, positionID string) (model.Position, error) {
	if id := s.sync.Resolve(positionID); id != positionID {
		if p, err := findIn(read, key, id); err == nil {
			return p, nil
		}
	}
	return findIn(read, key, positionID)
}

func findIn(read optimistic.Reader, key cache.Key, id string) (model.Position, error) {
	v, _ := read(key)
	list, _ := v.([]model.Position)
	p, ok := find(list, id)
	if !ok {
		return model.Position{}, errs.New(errs.KindNotFound, "position %s not found", id)
	}
	return p, nil
}

// replacePosition 替换或追加；缓存值不可原地修改，总是生成新切片
func replacePosition(id string, p model.Position) cache.UpdateFunc {
	return func(old any, ok bool) (any, bool) {
		list, _ := old.([]model.Position)
		out := make([]model.Position, 0, len(list)+1)
		replaced := false
		for _, cur := range list {
			if cur.ID == id {
				out = append(out, p)
				replaced = true
				continue
			}
			out = append(out, cur)
		}
		if !replaced {
			out = append(out, p)
		}
		return out, true
	}
}

func dropPosition(id string) cache.UpdateFunc {
	return func(old any, ok bool) (any, bool) {
		list, _ := old.([]model.Position)
		out := make([]model.Position, 0, len(list))
		for _, cur := range list {
			if cur.ID != id {
				out = append(out, cur)
			}
		}
		return out, true
	}
}
