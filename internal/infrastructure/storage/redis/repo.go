package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"posledger/internal/application/port"
	"posledger/internal/infrastructure/storage"
)

// Repo Redis 上的推送通道、变更流和离线队列
type Repo struct {
	rdb     *redis.Client
	prefix  string
	channel string // 发布频道前缀，实际频道为 channel + ":" + portfolioID
	stream  string // 变更审计流
}

func New(rdb *redis.Client, prefix, channel string) *Repo {
	if strings.TrimSpace(prefix) == "" {
		prefix = "posledger"
	}
	if strings.TrimSpace(channel) == "" {
		channel = prefix + ":push"
	}
	return &Repo{
		rdb:     rdb,
		prefix:  prefix,
		channel: channel,
		stream:  prefix + ":changes",
	}
}

func (r *Repo) Client() *redis.Client { return r.rdb }

func (r *Repo) channelFor(portfolioID string) string {
	return r.channel + ":" + portfolioID
}

func (r *Repo) Name() string { return "redis" }

// Subscribe 订阅某组合的频道，ctx 取消时关闭订阅和返回的 channel
func (r *Repo) Subscribe(ctx context.Context, portfolioID string) (<-chan port.PushEvent, error) {
	sub := r.rdb.Subscribe(ctx, r.channelFor(portfolioID))
	// 等待订阅确认，连接失败在这里暴露
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan port.PushEvent, 64)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev port.PushEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warn().Err(err).Str("channel", msg.Channel).Msg("drop malformed push event")
					continue
				}
				if ev.PortfolioID == "" {
					ev.PortfolioID = portfolioID
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Publish 先写入变更流，再发布到组合频道
func (r *Repo) Publish(ctx context.Context, ev port.PushEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	// 1) Stream: XADD <stream> * entity portfolio record
	if _, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]any{
			"entity_kind":  string(ev.EntityKind),
			"portfolio_id": ev.PortfolioID,
			"record":       string(ev.Record),
		},
	}).Result(); err != nil {
		return err
	}

	// 2) PubSub: PUBLISH <channel>:<portfolio> json
	return r.rdb.Publish(ctx, r.channelFor(ev.PortfolioID), b).Err()
}

// Queue 返回基于本库的持久化队列
func (r *Repo) Queue() *QueueRepo {
	return NewQueueRepo(r.rdb, r.prefix)
}

// QueueRepo 列表保存插入顺序，哈希保存操作内容
type QueueRepo struct {
	rdb     *redis.Client
	keyList string
	keyOps  string
}

func NewQueueRepo(rdb *redis.Client, prefix string) *QueueRepo {
	return &QueueRepo{
		rdb:     rdb,
		keyList: prefix + ":queue",
		keyOps:  prefix + ":queue:ops",
	}
}

func (q *QueueRepo) Append(ctx context.Context, op port.PendingOperation) error {
	b, err := json.Marshal(op)
	if err != nil {
		return err
	}
	ok, err := q.rdb.HSetNX(ctx, q.keyOps, op.ID, string(b)).Result()
	if err != nil {
		return err
	}
	if !ok {
		return storage.ErrDuplicateKey
	}
	if err := q.rdb.RPush(ctx, q.keyList, op.ID).Err(); err != nil {
		_ = q.rdb.HDel(ctx, q.keyOps, op.ID).Err()
		return err
	}
	return nil
}

func (q *QueueRepo) List(ctx context.Context) ([]port.PendingOperation, error) {
	ids, err := q.rdb.LRange(ctx, q.keyList, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	ops := make([]port.PendingOperation, 0, len(ids))
	if len(ids) == 0 {
		return ops, nil
	}

	vals, err := q.rdb.HMGet(ctx, q.keyOps, ids...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// 列表与哈希不一致（删除中途失败），跳过
			log.Warn().Str("id", ids[i]).Msg("queue entry without payload")
			continue
		}
		var op port.PendingOperation
		if err := json.Unmarshal([]byte(s), &op); err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Update 只更新可变字段：实体 ID、重试次数、状态、错误信息
func (q *QueueRepo) Update(ctx context.Context, op port.PendingOperation) error {
	s, err := q.rdb.HGet(ctx, q.keyOps, op.ID).Result()
	if errors.Is(err, redis.Nil) {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	var cur port.PendingOperation
	if err := json.Unmarshal([]byte(s), &cur); err != nil {
		return err
	}
	cur.EntityID = op.EntityID
	cur.RetryCount = op.RetryCount
	cur.Status = op.Status
	cur.LastError = op.LastError

	b, err := json.Marshal(cur)
	if err != nil {
		return err
	}
	return q.rdb.HSet(ctx, q.keyOps, op.ID, string(b)).Err()
}

func (q *QueueRepo) Remove(ctx context.Context, id string) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, q.keyList, 0, id)
	pipe.HDel(ctx, q.keyOps, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *QueueRepo) Clear(ctx context.Context) error {
	return q.rdb.Del(ctx, q.keyList, q.keyOps).Err()
}

var (
	_ port.PushChannel   = (*Repo)(nil)
	_ port.PushPublisher = (*Repo)(nil)
	_ port.DurableQueue  = (*QueueRepo)(nil)
)
