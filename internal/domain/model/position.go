package model

import "time"

// TransactionType 交易方向
type TransactionType string

const (
	TransactionBuy  TransactionType = "BUY"
	TransactionSell TransactionType = "SELL"
)

// Position 持仓聚合记录（每个组合内每个标的一条）
type Position struct {
	ID            string    `json:"id"`
	PortfolioID   string    `json:"portfolio_id"`
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	AverageCost   float64   `json:"average_cost"`
	TotalInvested float64   `json:"total_invested"`
	CurrentPrice  *float64  `json:"current_price,omitempty"` // 外部行情，可能未知
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Closed 全部卖出后的持仓（服务端返回 quantity=0 的墓碑记录）
func (p Position) Closed() bool {
	return p.Quantity == 0
}

// Transaction 不可变的买卖流水，持仓删除后依然保留
type Transaction struct {
	ID              string          `json:"id"`
	PositionID      string          `json:"position_id"`
	PortfolioID     string          `json:"portfolio_id"`
	Symbol          string          `json:"symbol"`
	Type            TransactionType `json:"type"`
	Quantity        float64         `json:"quantity"`
	Price           float64         `json:"price"`
	TransactionDate time.Time       `json:"transaction_date"`
	CreatedAt       time.Time       `json:"created_at"`
}

// PositionInput 首次买入时创建持仓的请求
type PositionInput struct {
	PortfolioID     string    `json:"portfolio_id"`
	Symbol          string    `json:"symbol"`
	Quantity        float64   `json:"quantity"`
	Price           float64   `json:"price"`
	TransactionDate time.Time `json:"transaction_date"`
}

// TransactionIntent 随 patch 一起提交、由服务端落成 Transaction 的意图
type TransactionIntent struct {
	Type            TransactionType `json:"type"`
	Quantity        float64         `json:"quantity"`
	Price           float64         `json:"price,omitempty"` // SELL 不需要价格
	TransactionDate time.Time       `json:"transaction_date"`
}

// PositionPatch 更新持仓：要么是一笔交易，要么是简单字段修改
type PositionPatch struct {
	Transaction  *TransactionIntent `json:"transaction,omitempty"`
	CurrentPrice *float64           `json:"current_price,omitempty"`
}

// Metrics 基于行情的衍生指标；行情未知时全部为 nil
type Metrics struct {
	CurrentValue                 *float64 `json:"current_value,omitempty"`
	UnrealizedGainLoss           *float64 `json:"unrealized_gain_loss,omitempty"`
	UnrealizedGainLossPercentage *float64 `json:"unrealized_gain_loss_percentage,omitempty"`
}

// Summary 组合汇总
type Summary struct {
	PortfolioID        string   `json:"portfolio_id"`
	PositionCount      int      `json:"position_count"`
	TotalInvested      float64  `json:"total_invested"`
	TotalValue         *float64 `json:"total_value,omitempty"`
	UnrealizedGainLoss *float64 `json:"unrealized_gain_loss,omitempty"`
}

// Float 返回 v 的指针，便于构造可选字段
func Float(v float64) *float64 {
	return &v
}
