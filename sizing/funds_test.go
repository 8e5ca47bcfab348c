package sizing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-replicator-go/gateway"
)

type countingSource struct {
	calls   int32
	balance decimal.Decimal
	err     error
}

func (s *countingSource) Funds(ctx context.Context, account string) (FundsSnapshot, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return FundsSnapshot{}, s.err
	}
	return FundsSnapshot{Account: account, AvailableBalance: s.balance}, nil
}

func TestFundsCacheTTL(t *testing.T) {
	src := &countingSource{balance: dec("1000")}
	c := NewFundsCache(time.Minute, map[string]FundsSource{"destination": src})
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	s, err := c.Snapshot(ctx, "destination")
	require.NoError(t, err)
	assert.True(t, dec("1000").Equal(s.AvailableBalance))
	_, err = c.Snapshot(ctx, "destination")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))

	now = now.Add(2 * time.Minute)
	_, err = c.Snapshot(ctx, "destination")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls))

	c.Invalidate("destination")
	_, err = c.Snapshot(ctx, "destination")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&src.calls))
}

func TestFundsCacheErrors(t *testing.T) {
	src := &countingSource{err: errors.New("boom")}
	c := NewFundsCache(time.Minute, map[string]FundsSource{"source": src})
	_, err := c.Snapshot(context.Background(), "source")
	require.Error(t, err)
	_, err = c.Snapshot(context.Background(), "nobody")
	require.Error(t, err)
}

type stubFundLimit struct{ p gateway.FundsPayload }

func (s stubFundLimit) FundLimit(ctx context.Context) (gateway.FundsPayload, error) { return s.p, nil }

func TestBrokerFunds(t *testing.T) {
	b := NewBrokerFunds(stubFundLimit{p: gateway.FundsPayload{AvailableBalance: dec("5000.5"), Collateral: dec("100")}})
	s, err := b.Funds(context.Background(), "destination")
	require.NoError(t, err)
	assert.Equal(t, "destination", s.Account)
	assert.True(t, dec("5000.5").Equal(s.AvailableBalance))
	assert.True(t, dec("100").Equal(s.Collateral))
	assert.False(t, s.AsOf.IsZero())
}
