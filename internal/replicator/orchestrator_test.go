package replicator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-replicator-go/gateway"
	"order-replicator-go/infrastructure/alert"
	"order-replicator-go/internal/audit"
	"order-replicator-go/internal/feed"
	"order-replicator-go/internal/store"
	"order-replicator-go/order"
	"order-replicator-go/sizing"
)

type fakeBroker struct {
	mu           sync.Mutex
	seq          int
	placed       []gateway.PlaceRequest
	modified     []gateway.ModifyRequest
	cancelled    []string
	cancelCalls  map[string]int
	cancelErr    map[string]error
	orders       map[string]gateway.OrderPayload
	byCID        map[string]string
	legs         map[string][]gateway.OrderPayload
	placeErr     error
	placeVisible bool
	lookupErr    error
	modifyErr    error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		cancelCalls: make(map[string]int),
		cancelErr:   make(map[string]error),
		orders:      make(map[string]gateway.OrderPayload),
		byCID:       make(map[string]string),
		legs:        make(map[string][]gateway.OrderPayload),
	}
}

func payload(id, status string) gateway.OrderPayload {
	return gateway.OrderPayload{
		OrderID:         id,
		SecurityID:      "1333",
		ExchangeSegment: "NSE_EQ",
		TransactionType: "BUY",
		Quantity:        50,
		ProductType:     "CNC",
		OrderType:       "LIMIT",
		Validity:        "DAY",
		OrderStatus:     status,
		UpdateTime:      gateway.FormatBrokerTime(time.Now().UnixMilli()),
	}
}

func (f *fakeBroker) Place(ctx context.Context, req gateway.PlaceRequest) (gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byCID[req.CorrelationID]; ok {
		return gateway.Result{OrderID: id, Status: order.SourcePending}, nil
	}
	f.placed = append(f.placed, req)
	if f.placeErr != nil && !f.placeVisible {
		return gateway.Result{}, f.placeErr
	}
	f.seq++
	id := fmt.Sprintf("D%d", f.seq)
	p := payload(id, "PENDING")
	p.CorrelationID = req.CorrelationID
	p.Quantity = req.Quantity
	f.orders[id] = p
	f.byCID[req.CorrelationID] = id
	if f.placeErr != nil {
		return gateway.Result{}, f.placeErr
	}
	return gateway.Result{OrderID: id, Status: order.SourcePending}, nil
}

func (f *fakeBroker) Modify(ctx context.Context, req gateway.ModifyRequest) (gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modified = append(f.modified, req)
	if f.modifyErr != nil {
		return gateway.Result{}, f.modifyErr
	}
	return gateway.Result{OrderID: req.OrderID, Status: order.SourceOpen}, nil
}

func (f *fakeBroker) Cancel(ctx context.Context, orderID string) (gateway.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls[orderID]++
	if err := f.cancelErr[orderID]; err != nil {
		return gateway.Result{}, err
	}
	f.cancelled = append(f.cancelled, orderID)
	return gateway.Result{OrderID: orderID, Status: order.SourceCancelled}, nil
}

func (f *fakeBroker) GetOrder(ctx context.Context, orderID string) (gateway.OrderPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.orders[orderID]
	if !ok {
		return gateway.OrderPayload{}, &gateway.Error{Kind: gateway.KindNotFound, Message: orderID}
	}
	return p, nil
}

func (f *fakeBroker) OrderByCorrelationID(ctx context.Context, cid string) (gateway.OrderPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return gateway.OrderPayload{}, f.lookupErr
	}
	id, ok := f.byCID[cid]
	if !ok {
		return gateway.OrderPayload{}, &gateway.Error{Kind: gateway.KindNotFound, Message: cid}
	}
	return f.orders[id], nil
}

func (f *fakeBroker) OrderLegs(ctx context.Context, orderID string) ([]gateway.OrderPayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.legs[orderID], nil
}

func (f *fakeBroker) set(fn func(f *fakeBroker)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeBroker) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

type fakeFunds struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	err      error
	down     map[string]bool
}

func (f *fakeFunds) Snapshot(ctx context.Context, account string) (sizing.FundsSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return sizing.FundsSnapshot{}, f.err
	}
	if f.down[account] {
		return sizing.FundsSnapshot{}, fmt.Errorf("%s fundlimit down", account)
	}
	return sizing.FundsSnapshot{Account: account, AvailableBalance: f.balances[account]}, nil
}

func (f *fakeFunds) Invalidate(account string) {}

func (f *fakeFunds) set(fn func(f *fakeFunds)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type testClock struct{ offset atomic.Int64 }

func (c *testClock) Now() time.Time { return time.Now().Add(time.Duration(c.offset.Load())) }

func (c *testClock) Advance(d time.Duration) { c.offset.Add(int64(d)) }

type harness struct {
	o      *Orchestrator
	store  *store.MemoryStore
	broker *fakeBroker
	funds  *fakeFunds
	sink   *audit.MemorySink
	alerts *alert.MemoryChannel
	clock  *testClock
}

func newHarness(t *testing.T, tweak func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewMemoryStore(),
		broker: newFakeBroker(),
		funds: &fakeFunds{balances: map[string]decimal.Decimal{
			AccountSource:      decimal.NewFromInt(100000),
			AccountDestination: decimal.NewFromInt(50000),
		}},
		sink:   audit.NewMemorySink(),
		alerts: alert.NewMemoryChannel("test"),
		clock:  &testClock{},
	}
	sizer, err := sizing.NewEngine(sizing.DefaultConfig())
	require.NoError(t, err)
	auditLog := audit.New(audit.Config{
		FlushInterval: 5 * time.Millisecond,
		Retry:         gateway.Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2},
	}, []audit.Sink{h.sink})
	auditLog.Start()

	cfg := DefaultConfig()
	cfg.Shards = 4
	cfg.ModifyHoldTimeout = 200 * time.Millisecond
	cfg.HoldRetryInterval = 10 * time.Millisecond
	cfg.SweepInterval = time.Hour
	cfg.PollInterval = 0
	cfg.OCOBackoff = gateway.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2}
	if tweak != nil {
		tweak(&cfg)
	}
	h.o, err = New(cfg, Components{
		Store:    h.store,
		Sizer:    sizer,
		Funds:    h.funds,
		Outbound: h.broker,
		Audit:    auditLog,
		Alerts:   alert.NewManager([]alert.Channel{h.alerts}, 0),
	})
	require.NoError(t, err)
	h.o.now = h.clock.Now
	require.NoError(t, h.o.Start(context.Background()))
	t.Cleanup(func() {
		_ = h.o.Stop()
		h.sink.FailWith(nil)
		_ = auditLog.Close()
	})
	return h
}

func deliver(handler feed.Handler, ev order.SourceOrderEvent, replayed bool) <-chan error {
	done := make(chan error, 1)
	d := feed.NewDelivery("test", ev, func(err error) { done <- err })
	d.Replayed = replayed
	handler(context.Background(), d)
	return done
}

func waitAck(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ack")
		return nil
	}
}

func (h *harness) source(t *testing.T, ev order.SourceOrderEvent) {
	t.Helper()
	require.NoError(t, waitAck(t, deliver(h.o.HandleSource, ev, false)))
}

func (h *harness) destination(t *testing.T, ev order.SourceOrderEvent) {
	t.Helper()
	require.NoError(t, waitAck(t, deliver(h.o.HandleDestination, ev, false)))
}

func (h *harness) mapping(t *testing.T, id string) order.CopyMapping {
	t.Helper()
	m, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return m
}

func newEvent(id string) order.SourceOrderEvent {
	return order.SourceOrderEvent{
		SourceOrderID:   id,
		SecurityID:      "1333",
		ExchangeSegment: "NSE_EQ",
		Side:            order.SideBuy,
		OrderType:       order.TypeLimit,
		ProductType:     order.ProductCNC,
		Validity:        order.ValidityDay,
		Quantity:        100,
		Price:           decimal.NewFromInt(100),
		Status:          order.SourcePending,
		Timestamp:       time.Now().UnixMilli(),
	}
}

func destEvent(id string, status order.SourceStatus, filled int64) order.SourceOrderEvent {
	return order.SourceOrderEvent{SourceOrderID: id, Status: status, FilledQuantity: filled, Timestamp: time.Now().UnixMilli()}
}

func TestNewOrderPlacesSizedCopy(t *testing.T) {
	h := newHarness(t, nil)
	h.source(t, newEvent("S1"))

	m := h.mapping(t, "S1")
	assert.Equal(t, order.StateSubmitted, m.State)
	assert.Equal(t, "D1", m.DestinationOrderID)
	assert.Equal(t, int64(50), m.ComputedQuantity)
	assert.Equal(t, string(sizing.StrategyCapitalProportional), m.SizingStrategy)
	assert.Equal(t, CorrelationID("S1"), m.DestinationCorrelationID)

	require.Len(t, h.broker.placed, 1)
	req := h.broker.placed[0]
	assert.Equal(t, int64(50), req.Quantity)
	assert.True(t, req.Price.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, order.SideBuy, req.TransactionType)
	assert.Equal(t, []string{audit.ActionReceived, audit.ActionSized, audit.ActionPlace}, h.sink.Actions("S1"))
}

func TestFixedRatioIgnoresSourceFundsOutage(t *testing.T) {
	h := newHarness(t, nil)
	cfg := sizing.DefaultConfig()
	cfg.Strategy = sizing.StrategyFixedRatio
	cfg.FixedRatio = decimal.NewFromFloat(0.5)
	require.NoError(t, h.o.sizer.Update(cfg))
	h.funds.set(func(f *fakeFunds) { f.down = map[string]bool{AccountSource: true} })

	h.source(t, newEvent("S1"))

	m := h.mapping(t, "S1")
	assert.Equal(t, order.StateSubmitted, m.State)
	assert.Equal(t, int64(50), m.ComputedQuantity)
	assert.Equal(t, string(sizing.StrategyFixedRatio), m.SizingStrategy)

	// 按资金比例缩放时源账户余额不可缺
	require.NoError(t, h.o.sizer.Update(sizing.DefaultConfig()))
	h.source(t, newEvent("S2"))
	m = h.mapping(t, "S2")
	assert.Equal(t, order.StateSkipped, m.State)
	assert.Equal(t, ReasonFundsUnavailable, m.Reason)
}

func TestDuplicateDeliveriesPlaceOnce(t *testing.T) {
	h := newHarness(t, nil)
	ev := newEvent("S1")

	acks := make([]<-chan error, 5)
	var wg sync.WaitGroup
	for i := range acks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acks[i] = deliver(h.o.HandleSource, ev, false)
		}(i)
	}
	wg.Wait()
	for _, ch := range acks {
		require.NoError(t, waitAck(t, ch))
	}
	// 状态推进后的重复推送同样不会再下单
	ev.Status = order.SourceOpen
	h.source(t, ev)

	assert.Equal(t, 1, h.broker.placedCount())
	assert.Equal(t, order.StateSubmitted, h.mapping(t, "S1").State)
}

func TestNewOrderSkipReasons(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(h *harness)
		reason string
		placed int
	}{
		{
			name: "zero destination balance",
			setup: func(h *harness) {
				h.funds.balances[AccountDestination] = decimal.Zero
			},
			reason: sizing.ReasonZeroAvailableBalance,
		},
		{
			name:   "funds unavailable",
			setup:  func(h *harness) { h.funds.err = errors.New("fundlimit down") },
			reason: ReasonFundsUnavailable,
		},
		{
			name: "margin rejected by broker",
			setup: func(h *harness) {
				h.broker.placeErr = &gateway.Error{Kind: gateway.KindMarginRejected, Code: "MARGIN"}
			},
			reason: "margin_rejected",
			placed: 1,
		},
		{
			name: "invalid params",
			setup: func(h *harness) {
				h.broker.placeErr = &gateway.Error{Kind: gateway.KindInvalidParams, Code: "DH-905"}
			},
			reason: "invalid_params",
			placed: 1,
		},
		{
			name: "circuit open",
			setup: func(h *harness) {
				h.broker.placeErr = &gateway.Error{Kind: gateway.KindCircuitOpen}
			},
			reason: "circuit_open",
			placed: 1,
		},
		{
			name: "transient and absent at destination",
			setup: func(h *harness) {
				h.broker.placeErr = &gateway.Error{Kind: gateway.KindTransient, Unknown: true}
			},
			reason: ReasonTransientFailure,
			placed: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			tc.setup(h)
			h.source(t, newEvent("S1"))

			m := h.mapping(t, "S1")
			assert.Equal(t, order.StateSkipped, m.State)
			assert.Equal(t, tc.reason, m.Reason)
			assert.Equal(t, tc.placed, h.broker.placedCount())
			assert.Contains(t, h.sink.Actions("S1"), audit.ActionSkipped)
		})
	}
}

func TestTransientPlaceResolvedByCorrelationLookup(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.set(func(f *fakeBroker) {
		f.placeErr = &gateway.Error{Kind: gateway.KindTransient, Unknown: true, Message: "timeout"}
		f.placeVisible = true
	})
	h.source(t, newEvent("S1"))

	m := h.mapping(t, "S1")
	assert.Equal(t, order.StateSubmitted, m.State)
	assert.Equal(t, "D1", m.DestinationOrderID)
	assert.Contains(t, h.sink.Actions("S1"), audit.ActionLookup)
}

func TestTransientPlaceWithFailedLookupNeedsReconciliation(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.set(func(f *fakeBroker) {
		f.placeErr = &gateway.Error{Kind: gateway.KindTransient, Unknown: true}
		f.lookupErr = &gateway.Error{Kind: gateway.KindTransient}
	})
	h.source(t, newEvent("S1"))

	m := h.mapping(t, "S1")
	assert.Equal(t, order.StateReconcile, m.State)
	assert.Equal(t, ReasonPlaceUnknown, m.Reason)
	assert.Equal(t, 1, h.alerts.CountLevel(alert.LevelWarning))
}

func TestFatalPlaceNeedsReconciliation(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.set(func(f *fakeBroker) {
		f.placeErr = &gateway.Error{Kind: gateway.KindFatal, Message: "internal error"}
	})
	h.source(t, newEvent("S1"))

	m := h.mapping(t, "S1")
	assert.Equal(t, order.StateReconcile, m.State)
	assert.Equal(t, ReasonPlaceFatal, m.Reason)
	assert.Equal(t, 1, h.alerts.CountLevel(alert.LevelCritical))
}

func TestModifyMirrorsChangedParameters(t *testing.T) {
	h := newHarness(t, nil)
	h.source(t, newEvent("S1"))

	ev := newEvent("S1")
	ev.Price = decimal.NewFromInt(101)
	ev.ModifyCount = 1
	h.source(t, ev)

	require.Len(t, h.broker.modified, 1)
	req := h.broker.modified[0]
	assert.Equal(t, "D1", req.OrderID)
	assert.Equal(t, int64(50), req.Quantity)
	assert.True(t, req.Price.Equal(decimal.NewFromInt(101)))

	m := h.mapping(t, "S1")
	assert.True(t, m.Mirrored.Price.Equal(decimal.NewFromInt(101)))
	mods, err := h.store.Modifications(context.Background(), "S1")
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, []string{"price"}, mods[0].Fields)
	assert.Equal(t, "OK", mods[0].Result)

	// 相同参数再次推送不再改单
	h.source(t, ev)
	assert.Len(t, h.broker.modified, 1)
}

func TestQuantityModifyIsResized(t *testing.T) {
	h := newHarness(t, nil)
	h.source(t, newEvent("S1"))

	ev := newEvent("S1")
	ev.Quantity = 200
	ev.ModifyCount = 1
	h.source(t, ev)

	require.Len(t, h.broker.modified, 1)
	assert.Equal(t, int64(100), h.broker.modified[0].Quantity)
	assert.Equal(t, int64(100), h.mapping(t, "S1").ComputedQuantity)
}

func TestModifyAfterDestinationFillNeedsReconciliation(t *testing.T) {
	h := newHarness(t, nil)
	h.source(t, newEvent("S1"))
	h.broker.set(func(f *fakeBroker) {
		f.modifyErr = &gateway.Error{Kind: gateway.KindAlreadyFilled, Code: "FILLED"}
	})

	ev := newEvent("S1")
	ev.Price = decimal.NewFromInt(99)
	ev.ModifyCount = 1
	h.source(t, ev)

	m := h.mapping(t, "S1")
	assert.Equal(t, order.StateReconcile, m.State)
	assert.Equal(t, ReasonModifyAfterFill, m.Reason)
}

func TestOutOfOrderModifyIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	ev := newEvent("S9")
	ev.ModifyCount = 2

	start := time.Now()
	h.source(t, ev)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	_, err := h.store.Get(context.Background(), "S9")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 0, h.broker.placedCount())
	assert.Equal(t, []string{audit.ActionModifyDropped}, h.sink.Actions("S9"))
}

func TestHeldModifyIsReleasedByNew(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ModifyHoldTimeout = 2 * time.Second })
	mod := newEvent("S7")
	mod.Price = decimal.NewFromInt(101)
	mod.ModifyCount = 1

	modAck := deliver(h.o.HandleSource, mod, false)
	newAck := deliver(h.o.HandleSource, newEvent("S7"), false)
	require.NoError(t, waitAck(t, newAck))
	require.NoError(t, waitAck(t, modAck))

	assert.Equal(t, 1, h.broker.placedCount())
	require.Len(t, h.broker.modified, 1)
	assert.True(t, h.broker.modified[0].Price.Equal(decimal.NewFromInt(101)))
	assert.True(t, h.mapping(t, "S7").Mirrored.Price.Equal(decimal.NewFromInt(101)))
}

func TestReplayedModifiedOrderIsTreatedAsNew(t *testing.T) {
	h := newHarness(t, nil)
	ev := newEvent("S3")
	ev.ModifyCount = 3
	ev.Status = order.SourceOpen
	require.NoError(t, waitAck(t, deliver(h.o.HandleSource, ev, true)))

	assert.Equal(t, 1, h.broker.placedCount())
	assert.Equal(t, order.StateSubmitted, h.mapping(t, "S3").State)
}

func TestSourceCancelCancelsDestination(t *testing.T) {
	h := newHarness(t, nil)
	h.source(t, newEvent("S1"))

	ev := newEvent("S1")
	ev.Status = order.SourceCancelled
	h.source(t, ev)

	assert.Equal(t, []string{"D1"}, h.broker.cancelled)
	m := h.mapping(t, "S1")
	assert.Equal(t, order.StateCancelled, m.State)
	assert.Equal(t, "source_cancelled", m.Reason)

	// 重复的撤单推送不再调用券商
	h.source(t, ev)
	assert.Equal(t, 1, h.broker.cancelCalls["D1"])
}

func TestCancelAfterDestinationFillNeedsReconciliation(t *testing.T) {
	h := newHarness(t, nil)
	h.source(t, newEvent("S1"))
	h.broker.set(func(f *fakeBroker) {
		f.cancelErr["D1"] = &gateway.Error{Kind: gateway.KindAlreadyFilled, Code: "FILLED"}
	})

	ev := newEvent("S1")
	ev.Status = order.SourceCancelled
	h.source(t, ev)

	m := h.mapping(t, "S1")
	assert.Equal(t, order.StateReconcile, m.State)
	assert.Equal(t, ReasonCancelAfterFill, m.Reason)
	assert.Equal(t, 1, h.alerts.CountLevel(alert.LevelWarning))
	assert.Contains(t, h.sink.Actions("S1"), audit.ActionReconcile)
}

func TestCancelWhenDestinationCancelFailsStillCancels(t *testing.T) {
	h := newHarness(t, nil)
	h.source(t, newEvent("S1"))
	h.broker.set(func(f *fakeBroker) {
		f.cancelErr["D1"] = &gateway.Error{Kind: gateway.KindTransient}
	})

	ev := newEvent("S1")
	ev.Status = order.SourceExpired
	h.source(t, ev)

	m := h.mapping(t, "S1")
	assert.Equal(t, order.StateCancelled, m.State)
	assert.Equal(t, "cancel_failed_transient", m.Reason)
	assert.Contains(t, h.sink.Actions("S1"), audit.ActionLookup)
	assert.Equal(t, 1, h.alerts.CountLevel(alert.LevelWarning))
}

func TestCancelUnknownOutcomeChecksDestinationStatus(t *testing.T) {
	cases := []struct {
		name   string
		status string
		state  order.MappingState
		reason string
	}{
		{name: "filled meanwhile", status: "TRADED", state: order.StateReconcile, reason: ReasonCancelAfterFill},
		{name: "already cancelled", status: "CANCELLED", state: order.StateCancelled, reason: "source_cancelled"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.source(t, newEvent("S1"))
			h.broker.set(func(f *fakeBroker) {
				f.cancelErr["D1"] = &gateway.Error{Kind: gateway.KindTransient}
				p := f.orders["D1"]
				p.OrderStatus = tc.status
				f.orders["D1"] = p
			})

			ev := newEvent("S1")
			ev.Status = order.SourceCancelled
			h.source(t, ev)

			m := h.mapping(t, "S1")
			assert.Equal(t, tc.state, m.State)
			assert.Equal(t, tc.reason, m.Reason)
		})
	}
}

func TestCancelBeforeSubmissionSkips(t *testing.T) {
	h := newHarness(t, nil)
	_, _, err := h.store.UpsertIfAbsent(context.Background(), order.CopyMapping{
		SourceOrderID: "S2",
		State:         order.StateSized,
		Mirrored:      newEvent("S2").Params(),
	})
	require.NoError(t, err)

	ev := newEvent("S2")
	ev.Status = order.SourceCancelled
	h.source(t, ev)

	m := h.mapping(t, "S2")
	assert.Equal(t, order.StateSkipped, m.State)
	assert.Equal(t, ReasonSourceCancelled, m.Reason)
	assert.Empty(t, h.broker.cancelled)
}

func TestDestinationUpdatesAdvanceMapping(t *testing.T) {
	h := newHarness(t, nil)
	h.source(t, newEvent("S1"))

	h.destination(t, destEvent("D1", order.SourcePartTraded, 20))
	m := h.mapping(t, "S1")
	assert.Equal(t, order.StatePartiallyFilled, m.State)
	assert.Equal(t, int64(20), m.FilledQuantity)

	h.destination(t, destEvent("D1", order.SourceExecuted, 50))
	m = h.mapping(t, "S1")
	assert.Equal(t, order.StateExecuted, m.State)
	assert.Equal(t, int64(50), m.FilledQuantity)

	// 迟到的旧状态不回退
	h.destination(t, destEvent("D1", order.SourceOpen, 0))
	m = h.mapping(t, "S1")
	assert.Equal(t, order.StateExecuted, m.State)
	assert.Equal(t, int64(50), m.FilledQuantity)
}

func TestUnknownDestinationOrderIsIgnored(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ModifyHoldTimeout = 30 * time.Millisecond })
	h.destination(t, destEvent("D404", order.SourceExecuted, 10))
	assert.Equal(t, []string{audit.ActionIgnored}, h.sink.Actions(""))
}

func bracketEvent(id string) order.SourceOrderEvent {
	ev := newEvent(id)
	ev.ProductType = order.ProductBO
	ev.BOProfitValue = decimal.NewFromInt(5)
	ev.BOStopLossValue = decimal.NewFromInt(3)
	return ev
}

func legPayload(id, parent, legName string) gateway.OrderPayload {
	p := payload(id, "PENDING")
	p.ParentOrderID = parent
	p.LegName = legName
	p.ProductType = "BO"
	return p
}

func newBracketHarness(t *testing.T) *harness {
	h := newHarness(t, nil)
	h.broker.set(func(f *fakeBroker) {
		f.legs["D1"] = []gateway.OrderPayload{
			legPayload("D1-T", "D1", "TARGET_LEG"),
			legPayload("D1-S", "D1", "STOP_LOSS_LEG"),
		}
	})
	h.source(t, bracketEvent("B1"))
	return h
}

func TestBracketSubmissionRecordsLegs(t *testing.T) {
	h := newBracketHarness(t)

	req := h.broker.placed[0]
	assert.True(t, req.BOProfitValue.Equal(decimal.NewFromInt(5)))
	assert.True(t, req.BOStopLossValue.Equal(decimal.NewFromInt(3)))

	legs, err := h.store.Legs(context.Background(), "B1")
	require.NoError(t, err)
	ids := make([]string, 0, len(legs))
	for _, l := range legs {
		ids = append(ids, l.DestinationLegOrderID)
	}
	assert.ElementsMatch(t, []string{"D1", "D1-T", "D1-S"}, ids)
	assert.True(t, h.mapping(t, "B1").Bracket)
}

func TestBracketTargetFillCancelsStopLoss(t *testing.T) {
	h := newBracketHarness(t)

	h.destination(t, destEvent("D1", order.SourceExecuted, 50))
	m := h.mapping(t, "B1")
	// 出场腿仍在工作，不结算
	assert.Equal(t, order.StateOpen, m.State)
	assert.Equal(t, int64(50), m.FilledQuantity)

	target := destEvent("D1-T", order.SourceExecuted, 50)
	target.ParentOrderID = "D1"
	h.destination(t, target)

	assert.Equal(t, []string{"D1-S"}, h.broker.cancelled)
	stop, err := h.store.FindLeg(context.Background(), "D1-S")
	require.NoError(t, err)
	assert.Equal(t, order.SourceCancelled, stop.Status)
	assert.Equal(t, order.StateExecuted, h.mapping(t, "B1").State)

	// 券商随后推送止损腿已撤销，不影响结果
	stopUpdate := destEvent("D1-S", order.SourceCancelled, 0)
	stopUpdate.ParentOrderID = "D1"
	h.destination(t, stopUpdate)
	assert.Equal(t, order.StateExecuted, h.mapping(t, "B1").State)
	assert.Equal(t, 1, h.broker.cancelCalls["D1-S"])
}

func TestBracketBothExitsExecutedNeedsReconciliation(t *testing.T) {
	h := newBracketHarness(t)
	h.broker.set(func(f *fakeBroker) {
		f.cancelErr["D1-S"] = &gateway.Error{Kind: gateway.KindAlreadyFilled, Code: "FILLED"}
	})
	h.destination(t, destEvent("D1", order.SourceExecuted, 50))

	target := destEvent("D1-T", order.SourceExecuted, 50)
	target.ParentOrderID = "D1"
	h.destination(t, target)

	m := h.mapping(t, "B1")
	assert.Equal(t, order.StateReconcile, m.State)
	assert.Equal(t, ReasonBothExitsExecuted, m.Reason)
	assert.Equal(t, 1, h.alerts.CountLevel(alert.LevelCritical))
}

func TestBracketOCOCancelFailureEscalates(t *testing.T) {
	h := newBracketHarness(t)
	h.broker.set(func(f *fakeBroker) {
		f.cancelErr["D1-T"] = &gateway.Error{Kind: gateway.KindTransient}
	})
	h.destination(t, destEvent("D1", order.SourceExecuted, 50))

	stop := destEvent("D1-S", order.SourceExecuted, 50)
	stop.ParentOrderID = "D1"
	h.destination(t, stop)

	assert.Equal(t, 3, h.broker.cancelCalls["D1-T"])
	m := h.mapping(t, "B1")
	assert.Equal(t, order.StateReconcile, m.State)
	assert.Equal(t, ReasonOCOCancelFailed, m.Reason)
	assert.Equal(t, 1, h.alerts.CountLevel(alert.LevelCritical))
}

func TestBracketLegDiscoveredFromDestinationUpdate(t *testing.T) {
	h := newHarness(t, nil)
	h.source(t, bracketEvent("B2"))

	leg := destEvent("D1-T", order.SourceOpen, 0)
	leg.ParentOrderID = "D1"
	leg.LegType = order.LegTarget
	h.destination(t, leg)

	l, err := h.store.FindLeg(context.Background(), "D1-T")
	require.NoError(t, err)
	assert.Equal(t, "B2", l.ParentOrderID)
	assert.Equal(t, order.SourceOpen, l.Status)
	assert.Contains(t, h.sink.Actions("B2"), audit.ActionLegRecorded)
}

func TestSweepResolvesStaleMappings(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for _, id := range []string{"S5", "S6"} {
		_, _, err := h.store.UpsertIfAbsent(ctx, order.CopyMapping{SourceOrderID: id, State: order.StateSized})
		require.NoError(t, err)
	}
	// S5 的下单实际已到达券商
	h.broker.set(func(f *fakeBroker) {
		p := payload("D77", "OPEN")
		f.orders["D77"] = p
		f.byCID[CorrelationID("S5")] = "D77"
	})

	h.clock.Advance(time.Hour)
	require.NoError(t, h.o.Sweep(ctx))

	require.Eventually(t, func() bool {
		s5, err5 := h.store.Get(ctx, "S5")
		s6, err6 := h.store.Get(ctx, "S6")
		return err5 == nil && err6 == nil && s5.State == order.StateOpen && s6.State == order.StateReconcile
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "D77", h.mapping(t, "S5").DestinationOrderID)
	assert.Equal(t, "stale_sized", h.mapping(t, "S6").Reason)
}

func TestPollFeedsDestinationStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.source(t, newEvent("S1"))
	h.broker.set(func(f *fakeBroker) {
		p := payload("D1", "TRADED")
		p.FilledQty = 50
		f.orders["D1"] = p
	})

	require.NoError(t, h.o.Poll(context.Background()))
	require.Eventually(t, func() bool {
		m, err := h.store.Get(context.Background(), "S1")
		return err == nil && m.State == order.StateExecuted && m.FilledQuantity == 50
	}, 3*time.Second, 10*time.Millisecond)
}

func TestAckWaitsForDurableAudit(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ProcessTimeout = 200 * time.Millisecond })
	h.sink.FailWith(errors.New("disk full"))

	err := waitAck(t, deliver(h.o.HandleSource, newEvent("S1"), false))
	assert.Error(t, err)
}

func TestSourceLegEventsAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ev := newEvent("S1-T")
	ev.ParentOrderID = "S1"
	ev.LegType = order.LegTarget
	h.source(t, ev)

	assert.Equal(t, 0, h.broker.placedCount())
	assert.Equal(t, []string{audit.ActionIgnored}, h.sink.Actions("S1-T"))
}

func TestCorrelationIDIsDeterministic(t *testing.T) {
	a := CorrelationID("1125091612345")
	assert.Equal(t, a, CorrelationID("1125091612345"))
	assert.Len(t, a, 25)
	assert.NotEqual(t, a, CorrelationID("1125091612346"))
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(DefaultConfig(), Components{})
	assert.Error(t, err)
}
