package syncer

import (
	"context"
	"fmt"
	"time"

	"posledger/internal/domain/errs"
)

// RetryConfig 重放时的重试配置
type RetryConfig struct {
	MaxRetries int           // 最大重试次数
	InitialDel time.Duration // 初始延迟
	MaxDelay   time.Duration // 最大延迟
}

// DefaultRetryConfig 默认重试配置
var DefaultRetryConfig = RetryConfig{
	MaxRetries: 5,
	InitialDel: 1 * time.Second,
	MaxDelay:   30 * time.Second,
}

// Delay 第 attempt 次重试前的等待时间（attempt 从 1 开始）
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := c.InitialDel
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

// Sleeper 可被 ctx 打断的等待，测试中替换为不等待的实现
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry 执行 fn，仅对可重试错误按指数退避重试
// 返回的错误保留最后一次的分类：可重试说明次数耗尽，不可重试说明永久失败
func Retry(ctx context.Context, cfg RetryConfig, sleep Sleeper, fn func(ctx context.Context, attempt int) error) error {
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			if err := sleep(ctx, cfg.Delay(attempt)); err != nil {
				return err
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errs.Retryable(err) || ctx.Err() != nil {
			return err
		}
	}

	return fmt.Errorf("gave up after %d retries: %w", cfg.MaxRetries, lastErr)
}
