package sizing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"order-replicator-go/gateway"
)

// FundsSnapshot 某账户在 AsOf 时刻的可用资金。
type FundsSnapshot struct {
	Account          string
	AvailableBalance decimal.Decimal
	Collateral       decimal.Decimal
	AsOf             time.Time
}

// FundsSource 资金查询协作方。
type FundsSource interface {
	Funds(ctx context.Context, account string) (FundsSnapshot, error)
}

// FundLimiter 由 gateway.BrokerRESTClient 实现
type FundLimiter interface {
	FundLimit(ctx context.Context) (gateway.FundsPayload, error)
}

// BrokerFunds 把券商 /fundlimit 适配为 FundsSource。
type BrokerFunds struct {
	Client FundLimiter
	now    func() time.Time
}

func NewBrokerFunds(c FundLimiter) *BrokerFunds {
	return &BrokerFunds{Client: c, now: time.Now}
}

func (b *BrokerFunds) Funds(ctx context.Context, account string) (FundsSnapshot, error) {
	p, err := b.Client.FundLimit(ctx)
	if err != nil {
		return FundsSnapshot{}, fmt.Errorf("fund limit %s: %w", account, err)
	}
	return FundsSnapshot{
		Account:          account,
		AvailableBalance: p.AvailableBalance,
		Collateral:       p.Collateral,
		AsOf:             b.now(),
	}, nil
}

type cachedFunds struct {
	snap      FundsSnapshot
	fetchedAt time.Time
}

// FundsCache 按账户缓存资金快照，过期后按需刷新。
type FundsCache struct {
	ttl     time.Duration
	sources map[string]FundsSource
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]cachedFunds
}

// NewFundsCache sources 以账户名为键（"source"/"destination"）。
func NewFundsCache(ttl time.Duration, sources map[string]FundsSource) *FundsCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &FundsCache{
		ttl:     ttl,
		sources: sources,
		now:     time.Now,
		entries: make(map[string]cachedFunds),
	}
}

// Snapshot 返回未过期的缓存，否则查询协作方。查询失败时不返回过期数据。
func (c *FundsCache) Snapshot(ctx context.Context, account string) (FundsSnapshot, error) {
	c.mu.Lock()
	e, ok := c.entries[account]
	now := c.now()
	c.mu.Unlock()
	if ok && now.Sub(e.fetchedAt) < c.ttl {
		return e.snap, nil
	}
	return c.Refresh(ctx, account)
}

// Refresh 强制查询并更新缓存。
func (c *FundsCache) Refresh(ctx context.Context, account string) (FundsSnapshot, error) {
	src, ok := c.sources[account]
	if !ok {
		return FundsSnapshot{}, fmt.Errorf("funds: unknown account %q", account)
	}
	snap, err := src.Funds(ctx, account)
	if err != nil {
		return FundsSnapshot{}, err
	}
	c.mu.Lock()
	c.entries[account] = cachedFunds{snap: snap, fetchedAt: c.now()}
	c.mu.Unlock()
	return snap, nil
}

// Invalidate 下单成功后调用，下一次计算会重新拉取余额。
func (c *FundsCache) Invalidate(account string) {
	c.mu.Lock()
	delete(c.entries, account)
	c.mu.Unlock()
}
