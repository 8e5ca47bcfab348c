package outbound

import (
	"context"

	"order-replicator-go/gateway"
)

// RetryPolicy 出站重试策略：只重试 TRANSIENT 与 RATE_LIMITED。
type RetryPolicy struct {
	MaxAttempts int             `yaml:"maxAttempts"`
	Backoff     gateway.Backoff `yaml:"backoff"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: gateway.DefaultBackoff()}
}

// retry 执行 fn 直到成功、遇到不可重试错误或用尽次数；返回最后一次错误。
func retry(ctx context.Context, p RetryPolicy, onRetry func(attempt int, err error), fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !gateway.KindOf(err).Retryable() || attempt == attempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if serr := gateway.Sleep(ctx, p.Backoff.Next(attempt)); serr != nil {
			return err
		}
	}
	return err
}
