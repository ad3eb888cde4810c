package console

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"posledger/internal/application/port"
	"posledger/internal/domain/ledger"
	"posledger/internal/domain/model"
)

// ANSI color codes
const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiYellow   = "\033[33m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

// Colorize applies ANSI color to a string
func Colorize(s, color string) string {
	return color + s + ansiReset
}

// PositionSource 视图读取持仓的来源
type PositionSource interface {
	Positions(ctx context.Context, portfolioID string) ([]model.Position, error)
	Subscribe(portfolioID string, fn func([]model.Position)) (unsubscribe func())
}

// View 把组合持仓渲染到 Sink：变化时刷新 live 行，定期追加快照行
type View struct {
	src           PositionSource
	sink          port.Sink
	portfolios    []string
	snapshotEvery time.Duration

	mu     sync.Mutex
	latest map[string][]model.Position
}

func NewView(src PositionSource, sink port.Sink, portfolios []string, snapshotEvery time.Duration) *View {
	return &View{
		src:           src,
		sink:          sink,
		portfolios:    portfolios,
		snapshotEvery: snapshotEvery,
		latest:        make(map[string][]model.Position),
	}
}

// Run 阻塞到 ctx 结束
func (v *View) Run(ctx context.Context) error {
	for _, pid := range v.portfolios {
		pid := pid
		unsubscribe := v.src.Subscribe(pid, func(list []model.Position) {
			v.update(pid, list)
		})
		defer unsubscribe()

		// 首次读取触发加载，结果经订阅回调渲染
		if _, err := v.src.Positions(ctx, pid); err != nil {
			log.Warn().Err(err).Str("portfolio", pid).Msg("initial positions load failed")
		}
	}

	var tick <-chan time.Time
	if v.snapshotEvery > 0 {
		t := time.NewTicker(v.snapshotEvery)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			_ = v.sink.NewLine()
			return nil
		case ts := <-tick:
			v.snapshot(ts)
		}
	}
}

func (v *View) update(portfolioID string, list []model.Position) {
	v.mu.Lock()
	v.latest[portfolioID] = list
	line := v.renderAllLocked(true)
	v.mu.Unlock()

	_ = v.sink.WriteLive(line)
}

func (v *View) snapshot(ts time.Time) {
	v.mu.Lock()
	line := v.renderAllLocked(false)
	v.mu.Unlock()

	_ = v.sink.WriteSnapshot(ts, line)
}

func (v *View) renderAllLocked(live bool) string {
	var sb strings.Builder
	if live {
		sb.WriteString("\r")
	}
	for i, pid := range v.portfolios {
		if i > 0 {
			sb.WriteString(Colorize("  ||  ", ansiDim))
		}
		sb.WriteString(RenderPortfolio(pid, v.latest[pid]))
	}
	if live {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}

// RenderPortfolio 单个组合一行：各持仓数量、均价、浮动盈亏，以及组合汇总
func RenderPortfolio(portfolioID string, list []model.Position) string {
	var sb strings.Builder
	sb.WriteString(Colorize("["+portfolioID+"] ", ansiDim))

	sorted := make([]model.Position, len(list))
	copy(sorted, list)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Symbol < sorted[j].Symbol })

	for i, p := range sorted {
		if i > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(fmt.Sprintf("%s %g@%.2f", p.Symbol, p.Quantity, p.AverageCost))

		m, err := ledger.ComputeMetrics(p, p.CurrentPrice)
		if err != nil || m.UnrealizedGainLoss == nil {
			sb.WriteString(Colorize(" P/L=--", ansiYellow))
			continue
		}
		pl := fmt.Sprintf(" P/L=%+.2f", *m.UnrealizedGainLoss)
		if m.UnrealizedGainLossPercentage != nil {
			pl += fmt.Sprintf("(%+.2f%%)", *m.UnrealizedGainLossPercentage)
		}
		sb.WriteString(Colorize(pl, gainColor(*m.UnrealizedGainLoss)))
	}

	s := ledger.Summarize(portfolioID, list)
	sb.WriteString(Colorize(fmt.Sprintf(" | n=%d invested=%.2f", s.PositionCount, s.TotalInvested), ansiDim))
	if s.UnrealizedGainLoss != nil {
		sb.WriteString(Colorize(fmt.Sprintf(" P/L=%+.2f", *s.UnrealizedGainLoss), gainColor(*s.UnrealizedGainLoss)))
	}
	return sb.String()
}

func gainColor(v float64) string {
	switch {
	case v > 0:
		return ansiGreen
	case v < 0:
		return ansiRed
	default:
		return ansiYellow
	}
}
