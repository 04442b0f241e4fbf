package services

import (
	"context"
	"time"

	apperrors "github.com/aihub/docqa/internal/errors"
)

// RetryPolicy 请求内的重试策略
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Backoff 第 attempt 次失败后的等待时间，按 2 的幂增长并封顶
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// withRetry 只重试瞬时依赖错误
func withRetry(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !apperrors.IsTransient(err) || apperrors.HasCode(err, apperrors.ErrCodeCircuitOpen) || attempt == attempts {
			return err
		}
		t := time.NewTimer(Backoff(p.Backoff, p.MaxBackoff, attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
	return err
}
