package sizing

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"order-replicator-go/order"
)

// Strategy 仓位计算方式
type Strategy string

const (
	StrategyCapitalProportional Strategy = "capital-proportional"
	StrategyFixedRatio          Strategy = "fixed-ratio"
	StrategyRiskBased           Strategy = "risk-based"
)

// 跳过原因，写入 CopyMapping.Reason
const (
	ReasonZeroAvailableBalance  = "zero_available_balance"
	ReasonZeroComputedQuantity  = "zero_computed_quantity"
	ReasonInsufficientMargin    = "insufficient_margin"
	ReasonMissingReferencePrice = "missing_reference_price"
)

var ErrInvalidConfig = errors.New("invalid sizing config")

// Config 仓位参数，可热更新。
type Config struct {
	Strategy Strategy
	// capital-proportional 的额外乘数
	Ratio decimal.Decimal
	// fixed-ratio: destQty = floor(srcQty × FixedRatio / lot) × lot
	FixedRatio decimal.Decimal
	// risk-based
	RiskPctPerTrade  decimal.Decimal
	MaxPositionValue decimal.Decimal
	DefaultStopPct   decimal.Decimal

	LotSizes    map[string]int64
	MarginRates map[order.ProductType]decimal.Decimal
}

// DefaultMarginRates 产品类型对应的保证金比例。
func DefaultMarginRates() map[order.ProductType]decimal.Decimal {
	return map[order.ProductType]decimal.Decimal{
		order.ProductCNC:      decimal.NewFromInt(1),
		order.ProductMTF:      decimal.NewFromFloat(0.5),
		order.ProductIntraday: decimal.NewFromFloat(0.2),
		order.ProductMargin:   decimal.NewFromFloat(0.2),
		order.ProductCO:       decimal.NewFromFloat(0.1),
		order.ProductBO:       decimal.NewFromFloat(0.1),
	}
}

func DefaultConfig() Config {
	return Config{
		Strategy:       StrategyCapitalProportional,
		Ratio:          decimal.NewFromInt(1),
		FixedRatio:     decimal.NewFromInt(1),
		DefaultStopPct: decimal.NewFromFloat(0.01),
		MarginRates:    DefaultMarginRates(),
	}
}

// Validate 检查策略参数。
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategyCapitalProportional:
		if !c.Ratio.IsPositive() {
			return fmt.Errorf("%w: ratio must be > 0", ErrInvalidConfig)
		}
	case StrategyFixedRatio:
		if !c.FixedRatio.IsPositive() {
			return fmt.Errorf("%w: fixedRatio must be > 0", ErrInvalidConfig)
		}
	case StrategyRiskBased:
		if !c.RiskPctPerTrade.IsPositive() || c.RiskPctPerTrade.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: riskPctPerTrade must be in (0,1]", ErrInvalidConfig)
		}
		if c.MaxPositionValue.IsNegative() {
			return fmt.Errorf("%w: maxPositionValue must be >= 0", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidConfig, c.Strategy)
	}
	if c.DefaultStopPct.IsNegative() {
		return fmt.Errorf("%w: defaultStopPct must be >= 0", ErrInvalidConfig)
	}
	for sec, lot := range c.LotSizes {
		if lot <= 0 {
			return fmt.Errorf("%w: lot size for %s must be > 0", ErrInvalidConfig, sec)
		}
	}
	for p, r := range c.MarginRates {
		if r.IsNegative() {
			return fmt.Errorf("%w: margin rate for %s must be >= 0", ErrInvalidConfig, p)
		}
	}
	return nil
}

// Constraints 返回证券的手数约束，未配置时为 1。
func (c Config) Constraints(securityID string) order.InstrumentConstraints {
	return order.InstrumentConstraints{LotSize: c.LotSizes[securityID]}
}

func (c Config) marginRate(p order.ProductType) decimal.Decimal {
	if r, ok := c.MarginRates[p]; ok {
		return r
	}
	if r, ok := DefaultMarginRates()[p]; ok {
		return r
	}
	return decimal.NewFromInt(1)
}

// Input 一次计算所需的全部输入。LTP 仅在订单本身不带价格时使用。
type Input struct {
	Event       order.SourceOrderEvent
	Source      FundsSnapshot
	Destination FundsSnapshot
	LTP         decimal.Decimal
}

// Decision 计算结果。Reason 非空表示跳过，此时 Quantity 为 0。
type Decision struct {
	Strategy          Strategy
	Quantity          int64
	DisclosedQuantity int64
	ReferencePrice    decimal.Decimal
	RequiredMargin    decimal.Decimal
	Reason            string
}

func (d Decision) Skipped() bool { return d.Reason != "" }

func skip(s Strategy, reason string) Decision {
	return Decision{Strategy: s, Reason: reason}
}

// Engine 纯计算，无 I/O；参数由 Update 原子替换。
type Engine struct {
	mu  sync.RWMutex
	cfg Config
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Update 热更新参数；非法配置被拒绝，旧参数保持不变。
func (e *Engine) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	return nil
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// NeedsLTP 订单自身没有可用参考价时返回 true，调用方应先取行情。
func NeedsLTP(ev order.SourceOrderEvent) bool {
	return !ev.Price.IsPositive() && !ev.TriggerPrice.IsPositive() && !ev.TradedPrice.IsPositive()
}

// ReferencePrice 依次取 price、triggerPrice、tradedPrice、LTP。
func ReferencePrice(ev order.SourceOrderEvent, ltp decimal.Decimal) (decimal.Decimal, bool) {
	for _, p := range []decimal.Decimal{ev.Price, ev.TriggerPrice, ev.TradedPrice, ltp} {
		if p.IsPositive() {
			return p, true
		}
	}
	return decimal.Zero, false
}

// NeedsSourceFunds 只有按资金比例缩放时才读取源账户余额。
func (c Config) NeedsSourceFunds() bool {
	return c.Strategy == StrategyCapitalProportional
}

// Size 计算目标账户数量。顺序：余额保护 → 数量 → 零数量 → 参考价 → 保证金。
func (e *Engine) Size(in Input) Decision {
	return SizeWith(e.Config(), in)
}

// SizeWith 按给定参数计算；调用方先取配置再准备输入时使用，避免热更新穿插。
func SizeWith(cfg Config, in Input) Decision {
	ev := in.Event
	cons := cfg.Constraints(ev.SecurityID)
	s := cfg.Strategy

	if ev.Quantity <= 0 {
		return skip(s, ReasonZeroComputedQuantity)
	}
	ref, hasRef := ReferencePrice(ev, in.LTP)

	var qty int64
	switch s {
	case StrategyCapitalProportional:
		src, dst := in.Source.AvailableBalance, in.Destination.AvailableBalance
		if !src.IsPositive() || !dst.IsPositive() {
			return skip(s, ReasonZeroAvailableBalance)
		}
		// 先乘后除，避免中间结果截断
		raw := decimal.NewFromInt(ev.Quantity).Mul(dst).Mul(cfg.Ratio).Div(src).Floor()
		qty = cons.RoundDown(raw.IntPart())
	case StrategyFixedRatio:
		lot := decimal.NewFromInt(cons.Lot())
		lots := decimal.NewFromInt(ev.Quantity).Mul(cfg.FixedRatio).Div(lot).Floor()
		qty = lots.IntPart() * cons.Lot()
	case StrategyRiskBased:
		dst := in.Destination.AvailableBalance
		if !dst.IsPositive() {
			return skip(s, ReasonZeroAvailableBalance)
		}
		if !hasRef {
			return skip(s, ReasonMissingReferencePrice)
		}
		unitRisk := perUnitRisk(ev, ref, cfg.DefaultStopPct)
		if !unitRisk.IsPositive() {
			return skip(s, ReasonZeroComputedQuantity)
		}
		raw := dst.Mul(cfg.RiskPctPerTrade).Div(unitRisk).Floor()
		qty = cons.RoundDown(raw.IntPart())
		if cfg.MaxPositionValue.IsPositive() {
			capQty := cons.RoundDown(cfg.MaxPositionValue.Div(ref).Floor().IntPart())
			if qty > capQty {
				qty = capQty
			}
		}
	}

	if qty <= 0 {
		return skip(s, ReasonZeroComputedQuantity)
	}
	if !hasRef {
		return skip(s, ReasonMissingReferencePrice)
	}

	margin := decimal.NewFromInt(qty).Mul(ref).Mul(cfg.marginRate(ev.ProductType))
	if margin.GreaterThan(in.Destination.AvailableBalance) {
		d := skip(s, ReasonInsufficientMargin)
		d.ReferencePrice = ref
		d.RequiredMargin = margin
		return d
	}
	return Decision{
		Strategy:          s,
		Quantity:          qty,
		DisclosedQuantity: ScaleDisclosed(ev.DisclosedQuantity, ev.Quantity, qty),
		ReferencePrice:    ref,
		RequiredMargin:    margin,
	}
}

// perUnitRisk 止损距离：触发价差，其次 BO 止损值，最后按默认百分比。
func perUnitRisk(ev order.SourceOrderEvent, ref, defaultStopPct decimal.Decimal) decimal.Decimal {
	if ev.TriggerPrice.IsPositive() && ev.Price.IsPositive() {
		if d := ev.Price.Sub(ev.TriggerPrice).Abs(); d.IsPositive() {
			return d
		}
	}
	if ev.BOStopLossValue.IsPositive() {
		return ev.BOStopLossValue
	}
	return ref.Mul(defaultStopPct)
}

// ScaleDisclosed 按比例缩放披露数量，向下取整。
func ScaleDisclosed(srcDisclosed, srcQty, destQty int64) int64 {
	if srcDisclosed <= 0 || srcQty <= 0 || destQty <= 0 {
		return 0
	}
	d := decimal.NewFromInt(srcDisclosed).Mul(decimal.NewFromInt(destQty)).Div(decimal.NewFromInt(srcQty)).Floor().IntPart()
	if d > destQty {
		return destQty
	}
	return d
}
