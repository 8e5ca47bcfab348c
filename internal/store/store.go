package store

import (
	"context"
	"errors"
	"time"

	"order-replicator-go/order"
)

// ErrNotFound 映射/子腿不存在
var ErrNotFound = errors.New("store: not found")

// Store 持久化复制映射、改单历史、括号单子腿和连接水位。
// 所有实现都必须保证：
//   - 每个 sourceOrderId 只创建一次映射（UpsertIfAbsent 只有一个调用方得到 created=true）；
//   - 状态只前向转换（order.StateMachine），相同状态为幂等更新；
//   - 水位单调不减（max-wins）。
type Store interface {
	UpsertIfAbsent(ctx context.Context, m order.CopyMapping) (order.CopyMapping, bool, error)
	Get(ctx context.Context, sourceOrderID string) (order.CopyMapping, error)
	FindByDestinationOrderID(ctx context.Context, destinationOrderID string) (order.CopyMapping, error)
	Transition(ctx context.Context, sourceOrderID string, to order.MappingState, opts ...TransitionOption) (order.CopyMapping, error)
	ListByStates(ctx context.Context, states ...order.MappingState) ([]order.CopyMapping, error)

	AppendModification(ctx context.Context, m order.Modification) error
	Modifications(ctx context.Context, sourceOrderID string) ([]order.Modification, error)

	RecordLeg(ctx context.Context, leg order.BracketLeg) (bool, error)
	UpdateLegStatus(ctx context.Context, parentOrderID, legOrderID string, status order.SourceStatus, at int64) (order.BracketLeg, error)
	FindLeg(ctx context.Context, legOrderID string) (order.BracketLeg, error)
	Legs(ctx context.Context, parentOrderID string) ([]order.BracketLeg, error)

	Watermark(ctx context.Context, feed string) (order.Watermark, error)
	AdvanceWatermark(ctx context.Context, feed string, w order.Watermark) (order.Watermark, error)

	Close() error
}

// Update 是一次状态转换附带的字段修改；nil 字段保持不变。
type Update struct {
	At                 int64
	Reason             *string
	DestinationOrderID *string
	CorrelationID      *string
	SizingStrategy     *string
	ComputedQuantity   *int64
	FilledQuantity     *int64
	Mirrored           *order.MirroredParams
}

// TransitionOption 修改 Update
type TransitionOption func(*Update)

func WithReason(reason string) TransitionOption {
	return func(u *Update) { u.Reason = &reason }
}

func WithDestinationOrder(orderID string) TransitionOption {
	return func(u *Update) { u.DestinationOrderID = &orderID }
}

func WithCorrelationID(cid string) TransitionOption {
	return func(u *Update) { u.CorrelationID = &cid }
}

func WithSizing(strategy string, qty int64) TransitionOption {
	return func(u *Update) {
		u.SizingStrategy = &strategy
		u.ComputedQuantity = &qty
	}
}

// WithComputedQuantity 改单后更新目标数量
func WithComputedQuantity(qty int64) TransitionOption {
	return func(u *Update) { u.ComputedQuantity = &qty }
}

// WithFilledQuantity 成交量只增不减
func WithFilledQuantity(qty int64) TransitionOption {
	return func(u *Update) { u.FilledQuantity = &qty }
}

func WithMirrored(p order.MirroredParams) TransitionOption {
	return func(u *Update) { u.Mirrored = &p }
}

// At 指定更新时间（epoch ms），默认当前时间
func At(ms int64) TransitionOption {
	return func(u *Update) { u.At = ms }
}

func buildUpdate(opts []TransitionOption) Update {
	var u Update
	for _, o := range opts {
		o(&u)
	}
	if u.At == 0 {
		u.At = time.Now().UnixMilli()
	}
	return u
}

// apply 校验并应用转换，供各实现共用。
func apply(m order.CopyMapping, to order.MappingState, u Update) (order.CopyMapping, error) {
	if err := order.DefaultStateMachine.ValidateTransition(m.State, to); err != nil {
		return m, err
	}
	m.State = to
	if u.Reason != nil {
		m.Reason = *u.Reason
	}
	if u.DestinationOrderID != nil && *u.DestinationOrderID != "" {
		m.DestinationOrderID = *u.DestinationOrderID
	}
	if u.CorrelationID != nil && *u.CorrelationID != "" {
		m.DestinationCorrelationID = *u.CorrelationID
	}
	if u.SizingStrategy != nil {
		m.SizingStrategy = *u.SizingStrategy
	}
	if u.ComputedQuantity != nil {
		m.ComputedQuantity = *u.ComputedQuantity
	}
	if u.FilledQuantity != nil && *u.FilledQuantity > m.FilledQuantity {
		m.FilledQuantity = *u.FilledQuantity
	}
	if u.Mirrored != nil {
		m.Mirrored = *u.Mirrored
	}
	if u.At > m.UpdatedAt {
		m.UpdatedAt = u.At
	}
	return m, nil
}

// applyLegStatus 终态子腿不再变化。
func applyLegStatus(l order.BracketLeg, status order.SourceStatus, at int64) order.BracketLeg {
	if l.Terminal() {
		return l
	}
	l.Status = status
	if at > l.UpdatedAt {
		l.UpdatedAt = at
	}
	return l
}

// IsDomainError 领域错误不应重试。
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, order.ErrIllegalTransition) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
