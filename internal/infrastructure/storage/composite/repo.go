package composite

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"posledger/internal/application/port"
	"posledger/internal/domain/model"
)

// Publisher 把同一事件发布到所有后端，返回第一个错误
type Publisher struct {
	pubs []port.PushPublisher
}

func NewPublisher(pubs ...port.PushPublisher) *Publisher {
	// nil publishers are allowed; filter in constructor for safety
	out := make([]port.PushPublisher, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	return &Publisher{pubs: out}
}

func (p *Publisher) Len() int { return len(p.pubs) }

func (p *Publisher) Publish(ctx context.Context, ev port.PushEvent) error {
	var firstErr error
	for _, pub := range p.pubs {
		if err := pub.Publish(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Channel 合并多个推送来源；部分来源订阅失败时只记日志，全部失败才返回错误
type Channel struct {
	chans []port.PushChannel
}

func NewChannel(chans ...port.PushChannel) *Channel {
	out := make([]port.PushChannel, 0, len(chans))
	for _, c := range chans {
		if c != nil {
			out = append(out, c)
		}
	}
	return &Channel{chans: out}
}

func (c *Channel) Len() int { return len(c.chans) }

func (c *Channel) Name() string { return "composite" }

func (c *Channel) Subscribe(ctx context.Context, portfolioID string) (<-chan port.PushEvent, error) {
	ins := make([]<-chan port.PushEvent, 0, len(c.chans))
	var errList []error
	for _, ch := range c.chans {
		in, err := ch.Subscribe(ctx, portfolioID)
		if err != nil {
			log.Warn().Err(err).Str("channel", ch.Name()).Str("portfolio", portfolioID).Msg("push subscribe failed")
			errList = append(errList, err)
			continue
		}
		ins = append(ins, in)
	}
	if len(ins) == 0 && len(errList) > 0 {
		return nil, errors.Join(errList...)
	}

	out := make(chan port.PushEvent, 64)
	var wg sync.WaitGroup
	for _, in := range ins {
		wg.Add(1)
		go func(in <-chan port.PushEvent) {
			defer wg.Done()
			for ev := range in {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(in)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

// PublishingStore 在服务端持仓表成功变更后发布推送事件
// 发布失败不影响请求结果
type PublishingStore struct {
	port.PositionStore
	pub port.PushPublisher
}

func NewPublishingStore(store port.PositionStore, pub port.PushPublisher) *PublishingStore {
	return &PublishingStore{PositionStore: store, pub: pub}
}

func (s *PublishingStore) CreatePosition(ctx context.Context, in model.PositionInput) (model.Position, error) {
	p, err := s.PositionStore.CreatePosition(ctx, in)
	if err != nil {
		return p, err
	}
	s.publish(ctx, port.EntityPosition, p.PortfolioID, p)
	return p, nil
}

func (s *PublishingStore) UpdatePosition(ctx context.Context, id string, patch model.PositionPatch) (model.Position, error) {
	p, err := s.PositionStore.UpdatePosition(ctx, id, patch)
	if err != nil {
		return p, err
	}
	s.publish(ctx, port.EntityPosition, p.PortfolioID, p)
	if patch.Transaction != nil {
		// 通知流水变更，订阅方只据此失效，不需要完整记录
		s.publish(ctx, port.EntityTransaction, p.PortfolioID, map[string]string{"position_id": p.ID})
	}
	return p, nil
}

func (s *PublishingStore) DeletePosition(ctx context.Context, id string) error {
	var portfolioID string
	if d, ok := s.PositionStore.(portfolioResolver); ok {
		portfolioID = d.PortfolioOf(ctx, id)
	}
	if err := s.PositionStore.DeletePosition(ctx, id); err != nil {
		return err
	}
	if portfolioID != "" {
		s.publish(ctx, port.EntityPositionDeleted, portfolioID, map[string]string{"id": id})
	}
	return nil
}

// portfolioResolver 删除前查出所属组合，用于确定推送频道
type portfolioResolver interface {
	PortfolioOf(ctx context.Context, positionID string) string
}

func (s *PublishingStore) publish(ctx context.Context, kind port.EntityKind, portfolioID string, record any) {
	if s.pub == nil {
		return
	}
	b, err := json.Marshal(record)
	if err != nil {
		log.Error().Err(err).Msg("marshal push record")
		return
	}
	ev := port.PushEvent{EntityKind: kind, PortfolioID: portfolioID, Record: b}
	if err := s.pub.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("kind", string(kind)).Str("portfolio", portfolioID).Msg("publish push event failed")
	}
}
