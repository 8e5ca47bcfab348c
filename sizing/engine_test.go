package sizing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-replicator-go/order"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func funds(avail string) FundsSnapshot {
	return FundsSnapshot{AvailableBalance: dec(avail)}
}

func newEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	return e
}

func limitBuy(qty int64, price string) order.SourceOrderEvent {
	return order.SourceOrderEvent{
		SourceOrderID: "S-1",
		SecurityID:    "1333",
		Side:          order.SideBuy,
		OrderType:     order.TypeLimit,
		ProductType:   order.ProductIntraday,
		Quantity:      qty,
		Price:         dec(price),
	}
}

func TestCapitalProportional(t *testing.T) {
	e := newEngine(t, nil)
	d := e.Size(Input{
		Event:       limitBuy(100, "10"),
		Source:      funds("100000"),
		Destination: funds("50000"),
	})
	require.False(t, d.Skipped(), d.Reason)
	assert.Equal(t, int64(50), d.Quantity)
	assert.Equal(t, StrategyCapitalProportional, d.Strategy)
	assert.True(t, dec("100").Equal(d.RequiredMargin), d.RequiredMargin.String())
}

func TestCapitalProportionalZeroBalance(t *testing.T) {
	e := newEngine(t, nil)
	cases := []struct {
		name     string
		src, dst string
	}{
		{"destination empty", "100000", "0"},
		{"source empty", "0", "50000"},
		{"both empty", "0", "0"},
		{"negative destination", "100000", "-5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := e.Size(Input{Event: limitBuy(100, "10"), Source: funds(tc.src), Destination: funds(tc.dst)})
			assert.Equal(t, int64(0), d.Quantity)
			assert.Equal(t, ReasonZeroAvailableBalance, d.Reason)
		})
	}
}

func TestCapitalProportionalLotRounding(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.LotSizes = map[string]int64{"1333": 25}
	})
	ev := limitBuy(100, "10")
	d := e.Size(Input{Event: ev, Source: funds("100000"), Destination: funds("60000")})
	require.False(t, d.Skipped(), d.Reason)
	assert.Equal(t, int64(50), d.Quantity, "60 rounds down to 50 with lot 25")

	// 不足一手不向上取整
	d = e.Size(Input{Event: ev, Source: funds("100000"), Destination: funds("20000")})
	assert.Equal(t, ReasonZeroComputedQuantity, d.Reason)
	assert.Equal(t, int64(0), d.Quantity)
}

func TestFixedRatio(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.Strategy = StrategyFixedRatio
		c.FixedRatio = dec("0.5")
		c.LotSizes = map[string]int64{"1333": 10}
	})
	d := e.Size(Input{Event: limitBuy(75, "10"), Destination: funds("100000")})
	require.False(t, d.Skipped(), d.Reason)
	assert.Equal(t, int64(30), d.Quantity)

	d = e.Size(Input{Event: limitBuy(15, "10"), Destination: funds("100000")})
	assert.Equal(t, ReasonZeroComputedQuantity, d.Reason)
}

func TestRiskBased(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.Strategy = StrategyRiskBased
		c.RiskPctPerTrade = dec("0.01")
	})
	ev := limitBuy(100, "100")
	ev.TriggerPrice = dec("98")
	ev.OrderType = order.TypeStopLoss
	// 200000 × 1% / 2 = 1000
	d := e.Size(Input{Event: ev, Destination: funds("200000")})
	require.False(t, d.Skipped(), d.Reason)
	assert.Equal(t, int64(1000), d.Quantity)
}

func TestRiskBasedCappedByMaxPositionValue(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.Strategy = StrategyRiskBased
		c.RiskPctPerTrade = dec("0.01")
		c.MaxPositionValue = dec("25050")
		c.LotSizes = map[string]int64{"1333": 50}
	})
	ev := limitBuy(100, "100")
	ev.TriggerPrice = dec("98")
	d := e.Size(Input{Event: ev, Destination: funds("200000")})
	require.False(t, d.Skipped(), d.Reason)
	assert.Equal(t, int64(250), d.Quantity)
}

func TestRiskBasedUnitRiskFallbacks(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.Strategy = StrategyRiskBased
		c.RiskPctPerTrade = dec("0.01")
		c.DefaultStopPct = dec("0.02")
	})

	bo := limitBuy(10, "100")
	bo.ProductType = order.ProductBO
	bo.BOStopLossValue = dec("4")
	d := e.Size(Input{Event: bo, Destination: funds("100000")})
	assert.Equal(t, int64(250), d.Quantity)

	// 无触发价、无止损值：100 × 2% = 2
	plain := limitBuy(10, "100")
	d = e.Size(Input{Event: plain, Destination: funds("100000")})
	assert.Equal(t, int64(500), d.Quantity)

	noStop := newEngine(t, func(c *Config) {
		c.Strategy = StrategyRiskBased
		c.RiskPctPerTrade = dec("0.01")
		c.DefaultStopPct = decimal.Zero
	})
	d = noStop.Size(Input{Event: plain, Destination: funds("100000")})
	assert.Equal(t, ReasonZeroComputedQuantity, d.Reason)
}

func TestRiskBasedZeroDestination(t *testing.T) {
	e := newEngine(t, func(c *Config) {
		c.Strategy = StrategyRiskBased
		c.RiskPctPerTrade = dec("0.01")
	})
	d := e.Size(Input{Event: limitBuy(10, "100"), Destination: funds("0")})
	assert.Equal(t, ReasonZeroAvailableBalance, d.Reason)
}

func TestInsufficientMargin(t *testing.T) {
	e := newEngine(t, nil)
	ev := limitBuy(100, "2000")
	ev.ProductType = order.ProductCNC
	// 40 × 2000 × 1.0 = 80000 > 40000
	d := e.Size(Input{Event: ev, Source: funds("100000"), Destination: funds("40000")})
	assert.Equal(t, ReasonInsufficientMargin, d.Reason)
	assert.Equal(t, int64(0), d.Quantity)
	assert.True(t, dec("80000").Equal(d.RequiredMargin))

	// 日内 20% 保证金足够
	ev.ProductType = order.ProductIntraday
	d = e.Size(Input{Event: ev, Source: funds("100000"), Destination: funds("40000")})
	require.False(t, d.Skipped(), d.Reason)
	assert.Equal(t, int64(40), d.Quantity)
}

func TestReferencePriceFallbacks(t *testing.T) {
	e := newEngine(t, nil)
	mkt := limitBuy(100, "0")
	mkt.OrderType = order.TypeMarket
	mkt.Price = decimal.Zero
	require.True(t, NeedsLTP(mkt))

	d := e.Size(Input{Event: mkt, Source: funds("100000"), Destination: funds("50000")})
	assert.Equal(t, ReasonMissingReferencePrice, d.Reason)

	d = e.Size(Input{Event: mkt, Source: funds("100000"), Destination: funds("50000"), LTP: dec("12.5")})
	require.False(t, d.Skipped(), d.Reason)
	assert.True(t, dec("12.5").Equal(d.ReferencePrice))

	slm := mkt
	slm.TriggerPrice = dec("11")
	ref, ok := ReferencePrice(slm, dec("12.5"))
	require.True(t, ok)
	assert.True(t, dec("11").Equal(ref))
}

func TestScaleDisclosed(t *testing.T) {
	assert.Equal(t, int64(15), ScaleDisclosed(30, 100, 50))
	assert.Equal(t, int64(3), ScaleDisclosed(10, 30, 10))
	assert.Equal(t, int64(0), ScaleDisclosed(0, 100, 50))
	assert.Equal(t, int64(0), ScaleDisclosed(30, 0, 50))

	e := newEngine(t, nil)
	ev := limitBuy(100, "10")
	ev.DisclosedQuantity = 30
	d := e.Size(Input{Event: ev, Source: funds("100000"), Destination: funds("50000")})
	assert.Equal(t, int64(15), d.DisclosedQuantity)
}

func TestUpdateRejectsInvalidConfig(t *testing.T) {
	e := newEngine(t, nil)
	bad := DefaultConfig()
	bad.Strategy = "martingale"
	require.ErrorIs(t, e.Update(bad), ErrInvalidConfig)
	assert.Equal(t, StrategyCapitalProportional, e.Config().Strategy)

	next := DefaultConfig()
	next.Strategy = StrategyFixedRatio
	next.FixedRatio = dec("2")
	require.NoError(t, e.Update(next))
	d := e.Size(Input{Event: limitBuy(10, "10"), Destination: funds("100000")})
	assert.Equal(t, int64(20), d.Quantity)
	assert.Equal(t, StrategyFixedRatio, d.Strategy)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ratio", func(c *Config) { c.Ratio = decimal.Zero }},
		{"risk pct above one", func(c *Config) { c.Strategy = StrategyRiskBased; c.RiskPctPerTrade = dec("1.5") }},
		{"risk pct zero", func(c *Config) { c.Strategy = StrategyRiskBased }},
		{"bad lot", func(c *Config) { c.LotSizes = map[string]int64{"1": 0} }},
		{"negative margin rate", func(c *Config) { c.MarginRates[order.ProductCNC] = dec("-1") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
