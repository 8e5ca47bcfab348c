package replicator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-replicator-go/gateway"
	"order-replicator-go/infrastructure/alert"
	"order-replicator-go/infrastructure/logger"
	"order-replicator-go/infrastructure/monitor"
	"order-replicator-go/internal/audit"
	"order-replicator-go/internal/feed"
	"order-replicator-go/internal/store"
	"order-replicator-go/order"
	"order-replicator-go/sizing"
)

// 资金快照使用的账户名
const (
	AccountSource      = "source"
	AccountDestination = "destination"
)

var errStopped = errors.New("replicator stopped")

// Outbound 目标账户出站命令（outbound.Gateway 实现）
type Outbound interface {
	Place(ctx context.Context, req gateway.PlaceRequest) (gateway.Result, error)
	Modify(ctx context.Context, req gateway.ModifyRequest) (gateway.Result, error)
	Cancel(ctx context.Context, orderID string) (gateway.Result, error)
	GetOrder(ctx context.Context, orderID string) (gateway.OrderPayload, error)
	OrderByCorrelationID(ctx context.Context, correlationID string) (gateway.OrderPayload, error)
	OrderLegs(ctx context.Context, orderID string) ([]gateway.OrderPayload, error)
}

// QuoteSource 提供最新成交价（市价单定价用）
type QuoteSource interface {
	LTP(ctx context.Context, segment, securityID string) (decimal.Decimal, error)
}

// Funds 两个账户的资金快照（sizing.FundsCache 实现）
type Funds interface {
	Snapshot(ctx context.Context, account string) (sizing.FundsSnapshot, error)
	Invalidate(account string)
}

// Config 编排器配置
type Config struct {
	Shards            int
	QueueSize         int
	ProcessTimeout    time.Duration // 单个事件的处理上限（含审计落盘）
	ModifyHoldTimeout time.Duration // 乱序改单最长等待
	HoldRetryInterval time.Duration
	StaleAfter        time.Duration
	SweepInterval     time.Duration
	PollInterval      time.Duration // 0 关闭轮询
	OCOCancelAttempts int
	OCOBackoff        gateway.Backoff
}

func DefaultConfig() Config {
	return Config{
		Shards:            8,
		QueueSize:         256,
		ProcessTimeout:    30 * time.Second,
		ModifyHoldTimeout: 5 * time.Second,
		HoldRetryInterval: 200 * time.Millisecond,
		StaleAfter:        2 * time.Minute,
		SweepInterval:     30 * time.Second,
		PollInterval:      15 * time.Second,
		OCOCancelAttempts: 3,
		OCOBackoff:        gateway.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2},
	}
}

// Components 编排器依赖
type Components struct {
	Store    store.Store
	Sizer    *sizing.Engine
	Funds    Funds
	Quotes   QuoteSource
	Outbound Outbound
	Audit    *audit.Log
	Logger   *logger.Logger
	Monitor  *monitor.Monitor
	Alerts   *alert.Manager
}

type workKind int

const (
	workSource workKind = iota
	workDestination
	workSweep
	workRetry
)

type work struct {
	kind     workKind
	key      string
	delivery *feed.Delivery
}

type heldQueue struct {
	items    []work
	deadline time.Time
}

// Orchestrator 复制编排器：按 sourceOrderId 分片串行处理源事件和目标回报。
// 不同订单并行；同一订单的所有事件在同一 worker 上按到达顺序执行。
type Orchestrator struct {
	cfg      Config
	store    store.Store
	sizer    *sizing.Engine
	funds    Funds
	quotes   QuoteSource
	outbound Outbound
	audit    *audit.Log
	log      *logger.Logger
	mon      *monitor.Monitor
	alerts   *alert.Manager
	now      func() time.Time

	shards []chan work

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New 创建编排器
func New(cfg Config, c Components) (*Orchestrator, error) {
	if err := validateComponents(c); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = def.ProcessTimeout
	}
	if cfg.ModifyHoldTimeout <= 0 {
		cfg.ModifyHoldTimeout = def.ModifyHoldTimeout
	}
	if cfg.HoldRetryInterval <= 0 {
		cfg.HoldRetryInterval = def.HoldRetryInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.OCOCancelAttempts <= 0 {
		cfg.OCOCancelAttempts = def.OCOCancelAttempts
	}
	if cfg.OCOBackoff.Min <= 0 {
		cfg.OCOBackoff = def.OCOBackoff
	}

	o := &Orchestrator{
		cfg:      cfg,
		store:    c.Store,
		sizer:    c.Sizer,
		funds:    c.Funds,
		quotes:   c.Quotes,
		outbound: c.Outbound,
		audit:    c.Audit,
		log:      logger.OrNop(c.Logger).Named("replicator"),
		mon:      c.Monitor,
		alerts:   c.Alerts,
		now:      time.Now,
		shards:   make([]chan work, cfg.Shards),
		stopChan: make(chan struct{}),
	}
	for i := range o.shards {
		o.shards[i] = make(chan work, cfg.QueueSize)
	}
	return o, nil
}

func validateComponents(c Components) error {
	switch {
	case c.Store == nil:
		return errors.New("store is required")
	case c.Sizer == nil:
		return errors.New("sizing engine is required")
	case c.Funds == nil:
		return errors.New("funds source is required")
	case c.Outbound == nil:
		return errors.New("outbound gateway is required")
	case c.Audit == nil:
		return errors.New("audit log is required")
	}
	return nil
}

// Start 启动分片 worker、陈旧映射清扫和目标订单轮询
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return errors.New("replicator already running")
	}
	o.running = true
	o.ctx, o.cancel = context.WithCancel(ctx)

	for i, ch := range o.shards {
		o.wg.Add(1)
		go o.worker(i, ch)
	}
	o.wg.Add(1)
	go o.sweepLoop()
	if o.cfg.PollInterval > 0 {
		o.wg.Add(1)
		go o.pollLoop()
	}
	o.log.Info("replicator started", zap.Int("shards", len(o.shards)))
	return nil
}

// Stop 停止所有 worker；未处理完的投递以失败确认，重启后由回放补齐。
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	close(o.stopChan)
	o.cancel()
	o.mu.Unlock()

	o.wg.Wait()
	for _, ch := range o.shards {
	drain:
		for {
			select {
			case w := <-ch:
				if w.delivery != nil {
					w.delivery.Ack(errStopped)
				}
			default:
				break drain
			}
		}
	}
	o.log.Info("replicator stopped")
	return nil
}

// HandleSource 源账户推送的处理入口（feed.Handler）
func (o *Orchestrator) HandleSource(ctx context.Context, d *feed.Delivery) {
	o.mon.RecordEvent(d.Feed, d.Replayed)
	o.enqueue(work{kind: workSource, key: d.Event.SourceOrderID, delivery: d})
}

// HandleDestination 目标账户回报的处理入口（feed.Handler、轮询）。
// 先解析出所属的源订单，再进入该订单的分片。
func (o *Orchestrator) HandleDestination(ctx context.Context, d *feed.Delivery) {
	o.mon.RecordEvent(d.Feed, d.Replayed)
	o.resolveDestination(d, o.now().Add(o.cfg.ModifyHoldTimeout))
}

func (o *Orchestrator) resolveDestination(d *feed.Delivery, deadline time.Time) {
	ctx := o.baseContext()
	if ctx.Err() != nil {
		d.Ack(errStopped)
		return
	}
	key, err := o.ownerOf(ctx, d.Event)
	switch {
	case err == nil:
		o.enqueue(work{kind: workDestination, key: key, delivery: d})
	case errors.Is(err, store.ErrNotFound):
		// 下单返回前回报可能先到，短暂等待映射写入
		if o.now().Before(deadline) {
			time.AfterFunc(o.cfg.HoldRetryInterval, func() { o.resolveDestination(d, deadline) })
			return
		}
		o.log.Debug("destination update for unknown order", zap.String("destination_order_id", d.Event.SourceOrderID))
		r := o.audit.Record("", audit.ActionIgnored, d.Event, nil, errors.New("unknown destination order"))
		d.Ack(o.awaitReceipts(ctx, r))
	default:
		d.Ack(err)
	}
}

// ownerOf 目标订单 ID → 源订单 ID：主单、已登记子腿、父单已知的新子腿。
func (o *Orchestrator) ownerOf(ctx context.Context, ev order.SourceOrderEvent) (string, error) {
	m, err := o.store.FindByDestinationOrderID(ctx, ev.SourceOrderID)
	if err == nil {
		return m.SourceOrderID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	leg, err := o.store.FindLeg(ctx, ev.SourceOrderID)
	if err == nil {
		return leg.ParentOrderID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if ev.IsLeg() {
		m, err := o.store.FindByDestinationOrderID(ctx, ev.ParentOrderID)
		if err != nil {
			return "", err
		}
		return m.SourceOrderID, nil
	}
	return "", store.ErrNotFound
}

func (o *Orchestrator) baseContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx == nil {
		return context.Background()
	}
	return o.ctx
}

func (o *Orchestrator) shardFor(key string) chan work {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return o.shards[h.Sum32()%uint32(len(o.shards))]
}

func (o *Orchestrator) enqueue(w work) {
	select {
	case o.shardFor(w.key) <- w:
	case <-o.stopChan:
		if w.delivery != nil {
			w.delivery.Ack(errStopped)
		}
	}
}

func (o *Orchestrator) worker(idx int, ch chan work) {
	defer o.wg.Done()
	held := make(map[string]*heldQueue)
	for {
		select {
		case <-o.stopChan:
			for _, q := range held {
				for _, w := range q.items {
					w.delivery.Ack(errStopped)
				}
			}
			return
		case w := <-ch:
			o.dispatch(held, w)
		}
	}
}

// dispatch 在分片 worker 内执行；held 为本分片等待 NEW 的乱序事件。
func (o *Orchestrator) dispatch(held map[string]*heldQueue, w work) {
	switch w.kind {
	case workSource:
		if q := held[w.key]; q != nil {
			if !o.createsMapping(w.delivery) {
				q.items = append(q.items, w)
				return
			}
			o.processSource(w.delivery)
			o.release(held, w.key)
			return
		}
		if o.processSource(w.delivery) {
			held[w.key] = &heldQueue{items: []work{w}, deadline: o.now().Add(o.cfg.ModifyHoldTimeout)}
			o.scheduleRetry(w.key)
		}
	case workDestination:
		o.processDestination(w.key, w.delivery)
	case workSweep:
		o.processStale(w.key)
	case workRetry:
		o.retryHeld(held, w.key)
	}
}

func (o *Orchestrator) scheduleRetry(key string) {
	time.AfterFunc(o.cfg.HoldRetryInterval, func() {
		select {
		case o.shardFor(key) <- work{kind: workRetry, key: key}:
		case <-o.stopChan:
		}
	})
}

// retryHeld 映射已出现则按顺序放行；超时则丢弃队首改单，其余重新分发。
func (o *Orchestrator) retryHeld(held map[string]*heldQueue, key string) {
	q := held[key]
	if q == nil {
		return
	}
	ctx := o.baseContext()
	_, err := o.store.Get(ctx, key)
	if err == nil {
		o.release(held, key)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		o.log.Warn("held event lookup failed", zap.String("source_order_id", key), zap.Error(err))
	}
	if o.now().Before(q.deadline) {
		o.scheduleRetry(key)
		return
	}

	delete(held, key)
	head, rest := q.items[0], q.items[1:]
	o.dropHeld(head.delivery)
	for _, w := range rest {
		o.dispatch(held, w)
	}
}

func (o *Orchestrator) release(held map[string]*heldQueue, key string) {
	q := held[key]
	delete(held, key)
	if q == nil {
		return
	}
	for _, w := range q.items {
		o.dispatch(held, w)
	}
}

func (o *Orchestrator) dropHeld(d *feed.Delivery) {
	ctx, cancel := context.WithTimeout(o.baseContext(), o.cfg.ProcessTimeout)
	defer cancel()
	ev := d.Event
	o.mon.RecordModifyDropped()
	o.log.Warn("dropping modification for unknown order",
		zap.String("source_order_id", ev.SourceOrderID),
		zap.Int("modify_count", ev.ModifyCount),
		zap.Duration("held", o.cfg.ModifyHoldTimeout))
	r := o.audit.Record(ev.SourceOrderID, audit.ActionModifyDropped, ev, nil, nil)
	d.Ack(o.awaitReceipts(ctx, r))
}

func (o *Orchestrator) awaitReceipts(ctx context.Context, receipts ...*audit.Receipt) error {
	if err := audit.WaitAll(ctx, receipts...); err != nil {
		return fmt.Errorf("audit not durable: %w", err)
	}
	return nil
}

func (o *Orchestrator) nowMs() int64 { return o.now().UnixMilli() }

// scope 收集一次事件处理产生的审计回执
type scope struct {
	o        *Orchestrator
	receipts []*audit.Receipt
}

func (s *scope) record(mappingID, action string, req, resp any, err error) {
	s.receipts = append(s.receipts, s.o.audit.Record(mappingID, action, req, resp, err))
}

// finish 等待审计落盘后确认投递
func (s *scope) finish(ctx context.Context, d *feed.Delivery, err error) {
	if werr := s.o.awaitReceipts(ctx, s.receipts...); err == nil {
		err = werr
	}
	if d != nil {
		d.Ack(err)
	}
}
