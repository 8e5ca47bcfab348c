package store

import (
	"context"

	"go.uber.org/zap"

	"order-replicator-go/gateway"
	"order-replicator-go/infrastructure/logger"
	"order-replicator-go/order"
)

// Retrying 在底层存储失败时按退避重试；领域错误直接返回。
// 用尽次数后返回最后一次错误，调用方据此不确认事件。
type Retrying struct {
	inner    Store
	attempts int
	backoff  gateway.Backoff
	log      *logger.Logger
}

func NewRetrying(inner Store, attempts int, backoff gateway.Backoff, log *logger.Logger) *Retrying {
	if attempts <= 0 {
		attempts = 3
	}
	return &Retrying{inner: inner, attempts: attempts, backoff: backoff, log: logger.OrNop(log).Named("store")}
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err = fn(); err == nil || IsDomainError(err) {
			return err
		}
		if attempt == r.attempts {
			break
		}
		r.log.Warn("store write failed, retrying", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		if serr := gateway.Sleep(ctx, r.backoff.Next(attempt)); serr != nil {
			return err
		}
	}
	r.log.Error("store operation failed", zap.String("op", op), zap.Error(err))
	return err
}

func (r *Retrying) UpsertIfAbsent(ctx context.Context, m order.CopyMapping) (out order.CopyMapping, created bool, err error) {
	err = r.do(ctx, "upsert", func() error {
		var e error
		out, created, e = r.inner.UpsertIfAbsent(ctx, m)
		return e
	})
	return
}

func (r *Retrying) Get(ctx context.Context, id string) (out order.CopyMapping, err error) {
	err = r.do(ctx, "get", func() error {
		var e error
		out, e = r.inner.Get(ctx, id)
		return e
	})
	return
}

func (r *Retrying) FindByDestinationOrderID(ctx context.Context, id string) (out order.CopyMapping, err error) {
	err = r.do(ctx, "find_by_destination", func() error {
		var e error
		out, e = r.inner.FindByDestinationOrderID(ctx, id)
		return e
	})
	return
}

func (r *Retrying) Transition(ctx context.Context, id string, to order.MappingState, opts ...TransitionOption) (out order.CopyMapping, err error) {
	err = r.do(ctx, "transition", func() error {
		var e error
		out, e = r.inner.Transition(ctx, id, to, opts...)
		return e
	})
	return
}

func (r *Retrying) ListByStates(ctx context.Context, states ...order.MappingState) (out []order.CopyMapping, err error) {
	err = r.do(ctx, "list", func() error {
		var e error
		out, e = r.inner.ListByStates(ctx, states...)
		return e
	})
	return
}

func (r *Retrying) AppendModification(ctx context.Context, m order.Modification) error {
	return r.do(ctx, "append_modification", func() error {
		return r.inner.AppendModification(ctx, m)
	})
}

func (r *Retrying) Modifications(ctx context.Context, id string) (out []order.Modification, err error) {
	err = r.do(ctx, "modifications", func() error {
		var e error
		out, e = r.inner.Modifications(ctx, id)
		return e
	})
	return
}

func (r *Retrying) RecordLeg(ctx context.Context, leg order.BracketLeg) (created bool, err error) {
	err = r.do(ctx, "record_leg", func() error {
		var e error
		created, e = r.inner.RecordLeg(ctx, leg)
		return e
	})
	return
}

func (r *Retrying) UpdateLegStatus(ctx context.Context, parent, leg string, status order.SourceStatus, at int64) (out order.BracketLeg, err error) {
	err = r.do(ctx, "update_leg", func() error {
		var e error
		out, e = r.inner.UpdateLegStatus(ctx, parent, leg, status, at)
		return e
	})
	return
}

func (r *Retrying) FindLeg(ctx context.Context, leg string) (out order.BracketLeg, err error) {
	err = r.do(ctx, "find_leg", func() error {
		var e error
		out, e = r.inner.FindLeg(ctx, leg)
		return e
	})
	return
}

func (r *Retrying) Legs(ctx context.Context, parent string) (out []order.BracketLeg, err error) {
	err = r.do(ctx, "legs", func() error {
		var e error
		out, e = r.inner.Legs(ctx, parent)
		return e
	})
	return
}

func (r *Retrying) Watermark(ctx context.Context, feed string) (out order.Watermark, err error) {
	err = r.do(ctx, "watermark", func() error {
		var e error
		out, e = r.inner.Watermark(ctx, feed)
		return e
	})
	return
}

func (r *Retrying) AdvanceWatermark(ctx context.Context, feed string, w order.Watermark) (out order.Watermark, err error) {
	err = r.do(ctx, "advance_watermark", func() error {
		var e error
		out, e = r.inner.AdvanceWatermark(ctx, feed, w)
		return e
	})
	return
}

func (r *Retrying) Close() error { return r.inner.Close() }
