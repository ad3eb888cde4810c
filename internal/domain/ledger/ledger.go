// Package ledger 持仓成本核算：买入、卖出、修改带来的平均成本变化
// 所有函数都是纯函数，不持有状态、不做 I/O
package ledger

import (
	"math"

	"github.com/shopspring/decimal"

	"posledger/internal/domain/errs"
	"posledger/internal/domain/model"
)

// Epsilon totalInvested == quantity*averageCost 的相对误差容忍度
const Epsilon = 1e-6

// ErrDivisionByZero 两个数量都为 0 时无法计算加权平均
var ErrDivisionByZero = errs.New(errs.KindInvalidQuantity, "division by zero: existing and added quantity are both zero")

// BuyResult 买入后的聚合字段
type BuyResult struct {
	Quantity      float64
	AverageCost   float64
	TotalInvested float64
}

// SellResult 卖出后的聚合字段，平均成本不变
type SellResult struct {
	RemainingQuantity float64
	AverageCost       float64
	TotalInvested     float64
}

// UpdateImpact 把持仓数量改为新值的影响
type UpdateImpact struct {
	Type             model.TransactionType // 不变时为空
	QuantityChange   float64
	NewQuantity      float64
	NewAverageCost   float64
	NewTotalInvested float64
}

// NoOp 数量没有变化
func (u UpdateImpact) NoOp() bool {
	return u.Type == ""
}

// ApplyBuy 加仓：按数量加权计算新的平均成本
func ApplyBuy(existingQty, existingAvgCost, addQty, addPrice float64) (BuyResult, error) {
	if err := checkQuantity("existing quantity", existingQty, true); err != nil {
		return BuyResult{}, err
	}
	if err := checkQuantity("added quantity", addQty, true); err != nil {
		return BuyResult{}, err
	}
	if existingQty == 0 && addQty == 0 {
		return BuyResult{}, ErrDivisionByZero
	}
	if addQty == 0 {
		return BuyResult{}, errs.New(errs.KindInvalidQuantity, "added quantity must be positive")
	}
	if err := checkPrice("existing average cost", existingAvgCost, existingQty == 0); err != nil {
		return BuyResult{}, err
	}
	if err := checkPrice("price", addPrice, false); err != nil {
		return BuyResult{}, err
	}

	eq, ea := decimal.NewFromFloat(existingQty), decimal.NewFromFloat(existingAvgCost)
	aq, ap := decimal.NewFromFloat(addQty), decimal.NewFromFloat(addPrice)

	newQty := eq.Add(aq)
	avg := eq.Mul(ea).Add(aq.Mul(ap)).Div(newQty)

	return BuyResult{
		Quantity:      newQty.InexactFloat64(),
		AverageCost:   avg.InexactFloat64(),
		TotalInvested: newQty.Mul(avg).InexactFloat64(),
	}, nil
}

// ApplySell 减仓：剩余股份的成本基础不受影响
func ApplySell(existingQty, existingAvgCost, sellQty float64) (SellResult, error) {
	if err := checkQuantity("existing quantity", existingQty, true); err != nil {
		return SellResult{}, err
	}
	if err := checkQuantity("sell quantity", sellQty, false); err != nil {
		return SellResult{}, err
	}
	if err := checkPrice("existing average cost", existingAvgCost, existingQty == 0); err != nil {
		return SellResult{}, err
	}

	eq, sq := decimal.NewFromFloat(existingQty), decimal.NewFromFloat(sellQty)
	if sq.GreaterThan(eq) {
		return SellResult{}, errs.New(errs.KindOverselling, "cannot sell %v, only %v held", sellQty, existingQty)
	}

	remaining := eq.Sub(sq)
	avg := decimal.NewFromFloat(existingAvgCost)

	return SellResult{
		RemainingQuantity: remaining.InexactFloat64(),
		AverageCost:       existingAvgCost,
		TotalInvested:     remaining.Mul(avg).InexactFloat64(),
	}, nil
}

// ComputeMetrics 计算市值与浮动盈亏；currentPrice 为 nil 表示行情未知，结果全部为 nil
func ComputeMetrics(p model.Position, currentPrice *float64) (model.Metrics, error) {
	if currentPrice == nil {
		return model.Metrics{}, nil
	}
	if err := checkPrice("current price", *currentPrice, true); err != nil {
		return model.Metrics{}, err
	}

	value := decimal.NewFromFloat(p.Quantity).Mul(decimal.NewFromFloat(*currentPrice))
	invested := decimal.NewFromFloat(p.TotalInvested)
	gain := value.Sub(invested)

	m := model.Metrics{
		CurrentValue:       model.Float(value.InexactFloat64()),
		UnrealizedGainLoss: model.Float(gain.InexactFloat64()),
	}
	if !invested.IsZero() {
		pct := gain.Div(invested).Mul(decimal.NewFromInt(100))
		m.UnrealizedGainLossPercentage = model.Float(pct.InexactFloat64())
	}
	return m, nil
}

// ComputeUpdateImpact 把数量修改拆解为一次买入或卖出
// 增加数量视为以 newPrice 新买入（必须提供价格），减少数量视为卖出
func ComputeUpdateImpact(p model.Position, newQty float64, newPrice *float64) (UpdateImpact, error) {
	if err := checkQuantity("new quantity", newQty, true); err != nil {
		return UpdateImpact{}, err
	}

	cur := decimal.NewFromFloat(p.Quantity)
	next := decimal.NewFromFloat(newQty)

	switch next.Cmp(cur) {
	case 1:
		if newPrice == nil {
			return UpdateImpact{}, errs.New(errs.KindInvalidPrice, "price is required when increasing quantity")
		}
		delta := next.Sub(cur).InexactFloat64()
		r, err := ApplyBuy(p.Quantity, p.AverageCost, delta, *newPrice)
		if err != nil {
			return UpdateImpact{}, err
		}
		return UpdateImpact{
			Type:             model.TransactionBuy,
			QuantityChange:   delta,
			NewQuantity:      r.Quantity,
			NewAverageCost:   r.AverageCost,
			NewTotalInvested: r.TotalInvested,
		}, nil
	case -1:
		delta := cur.Sub(next).InexactFloat64()
		r, err := ApplySell(p.Quantity, p.AverageCost, delta)
		if err != nil {
			return UpdateImpact{}, err
		}
		return UpdateImpact{
			Type:             model.TransactionSell,
			QuantityChange:   -delta,
			NewQuantity:      r.RemainingQuantity,
			NewAverageCost:   r.AverageCost,
			NewTotalInvested: r.TotalInvested,
		}, nil
	default:
		return UpdateImpact{
			NewQuantity:      p.Quantity,
			NewAverageCost:   p.AverageCost,
			NewTotalInvested: p.TotalInvested,
		}, nil
	}
}

// ApproxEqual 相对误差比较
func ApproxEqual(a, b float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	if scale < 1 {
		scale = 1
	}
	return math.Abs(a-b) <= Epsilon*scale
}

// CheckInvariant 校验 totalInvested == quantity*averageCost
func CheckInvariant(p model.Position) error {
	if !ApproxEqual(p.TotalInvested, p.Quantity*p.AverageCost) {
		return errs.New(errs.KindValidation, "position %s: total invested %v != %v x %v",
			p.ID, p.TotalInvested, p.Quantity, p.AverageCost)
	}
	return nil
}

func checkQuantity(name string, v float64, allowZero bool) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errs.New(errs.KindInvalidQuantity, "%s is not a finite number", name)
	}
	if v < 0 || (!allowZero && v == 0) {
		return errs.New(errs.KindInvalidQuantity, "%s must be positive, got %v", name, v)
	}
	return nil
}

func checkPrice(name string, v float64, allowZero bool) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errs.New(errs.KindInvalidPrice, "%s is not a finite number", name)
	}
	if v < 0 || (!allowZero && v == 0) {
		return errs.New(errs.KindInvalidPrice, "%s must be positive, got %v", name, v)
	}
	return nil
}

// ValidatePrice 校验手动录入的行情价格
func ValidatePrice(v float64) error {
	return checkPrice("current price", v, true)
}
