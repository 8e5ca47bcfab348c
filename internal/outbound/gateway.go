package outbound

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"order-replicator-go/gateway"
	"order-replicator-go/infrastructure/logger"
	"order-replicator-go/infrastructure/monitor"
)

// Broker 是目标账户的 REST 接口（gateway.BrokerRESTClient 实现）。
type Broker interface {
	PlaceOrder(ctx context.Context, req gateway.PlaceRequest) (gateway.Result, error)
	ModifyOrder(ctx context.Context, req gateway.ModifyRequest) (gateway.Result, error)
	CancelOrder(ctx context.Context, orderID string) (gateway.Result, error)
	GetOrder(ctx context.Context, orderID string) (gateway.OrderPayload, error)
	OrderByCorrelationID(ctx context.Context, correlationID string) (gateway.OrderPayload, error)
	OrderLegs(ctx context.Context, orderID string) ([]gateway.OrderPayload, error)
}

// Config 出站网关配置
type Config struct {
	RatePerSecond float64
	Burst         int
	CallTimeout   time.Duration
	Retry         RetryPolicy
	Breaker       BreakerConfig
}

func DefaultConfig() Config {
	return Config{
		RatePerSecond: 10,
		Burst:         10,
		CallTimeout:   5 * time.Second,
		Retry:         DefaultRetryPolicy(),
		Breaker:       BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, SuccessThreshold: 2},
	}
}

// Gateway 目标账户出站命令路径：限流 → 熔断 → 调用 → 分类，外层按策略重试。
// 同一个 Gateway 被所有分片 worker 共享。
type Gateway struct {
	broker  Broker
	limiter gateway.RateLimiter
	breaker *Breaker
	cfg     Config
	log     *logger.Logger
	mon     *monitor.Monitor
}

// Option 配置 Gateway
type Option func(*Gateway)

func WithLogger(l *logger.Logger) Option { return func(g *Gateway) { g.log = l } }

func WithMonitor(m *monitor.Monitor) Option { return func(g *Gateway) { g.mon = m } }

// WithLimiter 替换默认令牌桶（测试使用）
func WithLimiter(l gateway.RateLimiter) Option { return func(g *Gateway) { g.limiter = l } }

func New(broker Broker, cfg Config, opts ...Option) *Gateway {
	def := DefaultConfig()
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	g := &Gateway{
		broker:  broker,
		limiter: gateway.NewTokenBucketLimiter(cfg.RatePerSecond, cfg.Burst),
		breaker: NewBreaker(cfg.Breaker),
		cfg:     cfg,
	}
	for _, o := range opts {
		o(g)
	}
	g.log = logger.OrNop(g.log).Named("outbound")
	g.breaker.OnStateChange(func(from, to BreakerState) {
		g.mon.SetBreakerState(int(to))
		g.log.Warn("circuit breaker state changed", zap.Stringer("from", from), zap.Stringer("to", to))
	})
	return g
}

// Breaker 暴露熔断器（监控/测试）
func (g *Gateway) Breaker() *Breaker { return g.breaker }

// Place 下单。CorrelationID 为空时生成一个；重试沿用同一个关联 ID，
// 券商按关联 ID 去重，重复提交被解析为已有订单（查询单独占用一个令牌）。
func (g *Gateway) Place(ctx context.Context, req gateway.PlaceRequest) (gateway.Result, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	var res gateway.Result
	err := g.retryCall(ctx, "place", req.CorrelationID, func(ctx context.Context) error {
		err := g.attempt(ctx, "place", func(ctx context.Context) error {
			r, err := g.broker.PlaceOrder(ctx, req)
			if err != nil {
				return err
			}
			res = r
			return nil
		})
		if !gateway.IsKind(err, gateway.KindDuplicate) {
			return err
		}
		return g.attempt(ctx, "get_by_correlation", func(ctx context.Context) error {
			p, err := g.broker.OrderByCorrelationID(ctx, req.CorrelationID)
			if err != nil {
				return err
			}
			g.log.Info("duplicate correlation id resolved to existing order",
				zap.String("correlation_id", req.CorrelationID), zap.String("order_id", p.OrderID))
			res = existing(p)
			return nil
		})
	})
	return res, err
}

// Modify 改单
func (g *Gateway) Modify(ctx context.Context, req gateway.ModifyRequest) (gateway.Result, error) {
	var res gateway.Result
	err := g.do(ctx, "modify", req.OrderID, func(ctx context.Context) error {
		r, err := g.broker.ModifyOrder(ctx, req)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// Cancel 撤单
func (g *Gateway) Cancel(ctx context.Context, orderID string) (gateway.Result, error) {
	var res gateway.Result
	err := g.do(ctx, "cancel", orderID, func(ctx context.Context) error {
		r, err := g.broker.CancelOrder(ctx, orderID)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	return res, err
}

// GetOrder 查询目标账户订单
func (g *Gateway) GetOrder(ctx context.Context, orderID string) (gateway.OrderPayload, error) {
	var p gateway.OrderPayload
	err := g.do(ctx, "get_order", orderID, func(ctx context.Context) error {
		var err error
		p, err = g.broker.GetOrder(ctx, orderID)
		return err
	})
	return p, err
}

// OrderByCorrelationID 按关联 ID 查询目标账户订单
func (g *Gateway) OrderByCorrelationID(ctx context.Context, correlationID string) (gateway.OrderPayload, error) {
	var p gateway.OrderPayload
	err := g.do(ctx, "get_by_correlation", correlationID, func(ctx context.Context) error {
		var err error
		p, err = g.broker.OrderByCorrelationID(ctx, correlationID)
		return err
	})
	return p, err
}

// OrderLegs 查询括号单子腿
func (g *Gateway) OrderLegs(ctx context.Context, orderID string) ([]gateway.OrderPayload, error) {
	var legs []gateway.OrderPayload
	err := g.do(ctx, "order_legs", orderID, func(ctx context.Context) error {
		var err error
		legs, err = g.broker.OrderLegs(ctx, orderID)
		return err
	})
	return legs, err
}

func (g *Gateway) do(ctx context.Context, action, ref string, call func(ctx context.Context) error) error {
	return g.retryCall(ctx, action, ref, func(ctx context.Context) error {
		return g.attempt(ctx, action, call)
	})
}

// retryCall fn 内的每次券商请求须自行经过 attempt
func (g *Gateway) retryCall(ctx context.Context, action, ref string, fn func(ctx context.Context) error) error {
	return retry(ctx, g.cfg.Retry, func(attempt int, err error) {
		g.log.Warn("retrying broker call",
			zap.String("action", action), zap.String("ref", ref),
			zap.Int("attempt", attempt), zap.Error(err))
	}, fn)
}

func (g *Gateway) attempt(ctx context.Context, action string, call func(ctx context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return &gateway.Error{Kind: gateway.KindTransient, Message: "rate limiter: " + err.Error(), Err: err}
	}
	if err := g.breaker.Allow(); err != nil {
		g.mon.RecordRESTError(action, string(gateway.KindCircuitOpen))
		return &gateway.Error{Kind: gateway.KindCircuitOpen, Message: action + " rejected", Err: err}
	}

	cctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	start := time.Now()
	err := call(cctx)
	cancel()
	g.mon.RecordRESTRequest(action, time.Since(start).Seconds())

	if err != nil {
		err = normalize(err)
		kind := gateway.KindOf(err)
		g.mon.RecordRESTError(action, string(kind))
		// 调用方取消不计入熔断
		if ctx.Err() == nil {
			g.breaker.Record(countsAsFailure(kind))
		}
		return err
	}
	g.breaker.Record(false)
	return nil
}

// countsAsFailure 只有券商不可用类错误计入熔断。
func countsAsFailure(k gateway.Kind) bool {
	return k == gateway.KindTransient || k == gateway.KindFatal
}

func normalize(err error) error {
	var ge *gateway.Error
	if errors.As(err, &ge) {
		return err
	}
	return gateway.Classify(0, nil, err)
}

func existing(p gateway.OrderPayload) gateway.Result {
	st := gateway.Result{OrderID: p.OrderID}
	if ev, err := gateway.Normalize(p); err == nil {
		st.Status = ev.Status
	}
	return st
}
