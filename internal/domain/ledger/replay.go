package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"posledger/internal/domain/errs"
	"posledger/internal/domain/model"
)

// ReplayResult 从流水重新计算出的持仓聚合字段
type ReplayResult struct {
	Quantity      float64
	AverageCost   float64
	TotalInvested float64
	Transactions  int
}

// Replay 按交易日期顺序重放流水，得到当前持仓
// 流水是持仓唯一的事实来源，服务端每次写入后都用它重新计算
func Replay(txs []model.Transaction) (ReplayResult, error) {
	ordered := make([]model.Transaction, len(txs))
	copy(ordered, txs)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].TransactionDate.Equal(ordered[j].TransactionDate) {
			return ordered[i].TransactionDate.Before(ordered[j].TransactionDate)
		}
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	var qty, avg float64
	for _, tx := range ordered {
		switch tx.Type {
		case model.TransactionBuy:
			r, err := ApplyBuy(qty, avg, tx.Quantity, tx.Price)
			if err != nil {
				return ReplayResult{}, err
			}
			qty, avg = r.Quantity, r.AverageCost
		case model.TransactionSell:
			r, err := ApplySell(qty, avg, tx.Quantity)
			if err != nil {
				return ReplayResult{}, err
			}
			qty = r.RemainingQuantity
			if qty == 0 {
				// 清仓后重新建仓，成本从零开始
				avg = 0
			}
		default:
			return ReplayResult{}, errs.New(errs.KindValidation, "transaction %s: unknown type %q", tx.ID, tx.Type)
		}
	}

	return ReplayResult{
		Quantity:      qty,
		AverageCost:   avg,
		TotalInvested: decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(avg)).InexactFloat64(),
		Transactions:  len(ordered),
	}, nil
}

// Summarize 汇总组合；任一持仓行情未知时，总市值和浮动盈亏都为未知
func Summarize(portfolioID string, positions []model.Position) model.Summary {
	s := model.Summary{PortfolioID: portfolioID, PositionCount: len(positions)}

	invested := decimal.Zero
	value := decimal.Zero
	known := true
	for _, p := range positions {
		invested = invested.Add(decimal.NewFromFloat(p.TotalInvested))
		if p.CurrentPrice == nil {
			known = false
			continue
		}
		value = value.Add(decimal.NewFromFloat(p.Quantity).Mul(decimal.NewFromFloat(*p.CurrentPrice)))
	}

	s.TotalInvested = invested.InexactFloat64()
	if known {
		s.TotalValue = model.Float(value.InexactFloat64())
		s.UnrealizedGainLoss = model.Float(value.Sub(invested).InexactFloat64())
	}
	return s
}
