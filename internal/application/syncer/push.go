package syncer

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"posledger/internal/application/cache"
	"posledger/internal/application/port"
	"posledger/internal/domain/model"
)

// HandlePush 把一条远端变更合并进缓存
// 若该组合的持仓列表有未决的乐观写入，合并会排队到写入结束后按到达顺序应用
func (m *Manager) HandlePush(ev port.PushEvent) error {
	entity := string(ev.EntityKind)

	switch ev.EntityKind {
	case port.EntityPosition:
		id, err := recordID(ev.Record)
		if err != nil {
			m.opts.Metrics.PushEvent(entity, "invalid")
			return err
		}
		deferred := m.cache.MergeRemote(cache.PositionsKey(ev.PortfolioID), mergePosition(id, ev.Record))
		m.afterMerge(ev, id, deferred)

	case port.EntityPositionDeleted:
		id, err := recordID(ev.Record)
		if err != nil {
			m.opts.Metrics.PushEvent(entity, "invalid")
			return err
		}
		deferred := m.cache.MergeRemote(cache.PositionsKey(ev.PortfolioID), removePosition(id))
		m.afterMerge(ev, id, deferred)

	case port.EntityTransaction:
		var tx model.Transaction
		if err := json.Unmarshal(ev.Record, &tx); err != nil || tx.PositionID == "" {
			m.opts.Metrics.PushEvent(entity, "invalid")
			return fmt.Errorf("decode transaction push: invalid record")
		}
		m.cache.Invalidate(cache.TransactionsKey(tx.PositionID))
		m.opts.Metrics.PushEvent(entity, "invalidated")

	default:
		m.opts.Metrics.PushEvent(entity, "invalid")
		return fmt.Errorf("unknown push entity kind %q", ev.EntityKind)
	}
	return nil
}

func (m *Manager) afterMerge(ev port.PushEvent, id string, deferred bool) {
	disposition := "merged"
	if deferred {
		disposition = "deferred"
	}
	m.opts.Metrics.PushEvent(string(ev.EntityKind), disposition)
	m.cache.Invalidate(cache.SummaryKey(ev.PortfolioID))

	log.Debug().
		Str("portfolio", ev.PortfolioID).
		Str("entity", string(ev.EntityKind)).
		Str("id", id).
		Str("disposition", disposition).
		Msg("push received")
}

func recordID(record json.RawMessage) (string, error) {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(record, &head); err != nil {
		return "", fmt.Errorf("decode push record: %w", err)
	}
	if head.ID == "" {
		return "", fmt.Errorf("push record has no id")
	}
	return head.ID, nil
}

// mergePosition 把完整或部分记录覆盖到列表中对应的持仓上；数量为 0 的记录视为已平仓
func mergePosition(id string, record json.RawMessage) cache.UpdateFunc {
	return func(old any, ok bool) (any, bool) {
		if !ok {
			return nil, false
		}
		list, _ := old.([]model.Position)
		out := make([]model.Position, 0, len(list)+1)
		found := false
		for _, p := range list {
			if p.ID != id {
				out = append(out, p)
				continue
			}
			found = true
			merged := p
			if merged.CurrentPrice != nil {
				// 避免覆盖旧值共享的指针
				merged.CurrentPrice = model.Float(*merged.CurrentPrice)
			}
			if err := json.Unmarshal(record, &merged); err != nil {
				out = append(out, p)
				continue
			}
			if !merged.Closed() {
				out = append(out, merged)
			}
		}
		if !found {
			var p model.Position
			if err := json.Unmarshal(record, &p); err == nil && p.Symbol != "" && !p.Closed() {
				out = append(out, p)
			}
		}
		return out, true
	}
}

func removePosition(id string) cache.UpdateFunc {
	return func(old any, ok bool) (any, bool) {
		if !ok {
			return nil, false
		}
		list, _ := old.([]model.Position)
		out := make([]model.Position, 0, len(list))
		for _, p := range list {
			if p.ID != id {
				out = append(out, p)
			}
		}
		return out, true
	}
}
