package replicator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"order-replicator-go/gateway"
	"order-replicator-go/internal/audit"
	"order-replicator-go/internal/feed"
	"order-replicator-go/order"
)

// PollFeed 轮询产生的目标回报使用的通道名
const PollFeed = "poller"

var staleStates = []order.MappingState{order.StateReceived, order.StateSized, order.StateSubmitted}

func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopChan:
			return
		case <-ticker.C:
			if err := o.Sweep(o.baseContext()); err != nil {
				o.log.Warn("stale sweep failed", zap.Error(err))
			}
		}
	}
}

func (o *Orchestrator) pollLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopChan:
			return
		case <-ticker.C:
			if err := o.Poll(o.baseContext()); err != nil {
				o.log.Warn("destination poll failed", zap.Error(err))
			}
		}
	}
}

// Sweep 把停留在中间状态超过 staleAfter 的映射交给所属分片核对。
func (o *Orchestrator) Sweep(ctx context.Context) error {
	ms, err := o.store.ListByStates(ctx, staleStates...)
	if err != nil {
		return fmt.Errorf("list stale mappings: %w", err)
	}
	cutoff := o.now().Add(-o.cfg.StaleAfter).UnixMilli()
	for _, m := range ms {
		if m.UpdatedAt > cutoff {
			continue
		}
		o.enqueue(work{kind: workSweep, key: m.SourceOrderID})
	}
	return nil
}

// processStale 按目标订单 ID 或关联 ID 查询目标账户：查到则应用状态，否则转人工对账。
func (o *Orchestrator) processStale(key string) {
	ctx, cancel := context.WithTimeout(o.baseContext(), o.cfg.ProcessTimeout)
	defer cancel()
	sc := &scope{o: o}

	m, err := o.store.Get(ctx, key)
	if err != nil {
		o.log.Warn("stale mapping lookup failed", zap.String("source_order_id", key), zap.Error(err))
		return
	}
	cutoff := o.now().Add(-o.cfg.StaleAfter).UnixMilli()
	if !isStale(m, cutoff) {
		return
	}
	sc.record(key, audit.ActionStale, m, nil, nil)

	err = o.resolveStale(ctx, sc, m)
	if err != nil {
		o.log.LogError(err, map[string]interface{}{"source_order_id": key, "state": string(m.State)})
	}
	sc.finish(ctx, nil, err)
}

func isStale(m order.CopyMapping, cutoff int64) bool {
	for _, s := range staleStates {
		if m.State == s {
			return m.UpdatedAt <= cutoff
		}
	}
	return false
}

func (o *Orchestrator) resolveStale(ctx context.Context, sc *scope, m order.CopyMapping) error {
	id := m.SourceOrderID
	var (
		p   gateway.OrderPayload
		err error
	)
	cid := m.DestinationCorrelationID
	if m.DestinationOrderID != "" {
		p, err = o.outbound.GetOrder(ctx, m.DestinationOrderID)
		sc.record(id, audit.ActionLookup, map[string]string{"destinationOrderId": m.DestinationOrderID}, p, err)
	} else {
		if cid == "" {
			cid = CorrelationID(id)
		}
		p, err = o.outbound.OrderByCorrelationID(ctx, cid)
		sc.record(id, audit.ActionLookup, map[string]string{"correlationId": cid}, p, err)
	}

	switch {
	case gateway.IsKind(err, gateway.KindNotFound):
		return o.reconcile(ctx, sc, id, "stale_"+strings.ToLower(string(m.State)), err, false)
	case err != nil:
		return o.reconcile(ctx, sc, id, ReasonStaleLookupFailed, err, false)
	}

	ev, ok := payloadEvent(p)
	if !ok {
		return o.reconcile(ctx, sc, id, ReasonStaleLookupFailed, errors.New("unreadable destination order"), false)
	}
	if m.DestinationOrderID == "" {
		// 下单已到达券商但本地未记录
		if m.State == order.StateReceived {
			if _, err := o.store.Transition(ctx, id, order.StateSized); err != nil {
				return err
			}
		}
		return o.submitted(ctx, sc, id, cid, p.OrderID, ev.Status, "stale")
	}
	if ev.Status == order.SourcePending || ev.Status == order.SourceTransit {
		// 券商仍在处理；按 OPEN 推进，避免反复清扫
		ev.Status = order.SourceOpen
	}
	return o.applyEntry(ctx, sc, m, ev)
}

// Poll 查询所有在途映射的目标订单（含括号单子腿），作为目标回报投递到所属分片。
func (o *Orchestrator) Poll(ctx context.Context) error {
	ms, err := o.store.ListByStates(ctx, order.StateSubmitted, order.StateOpen, order.StatePartiallyFilled)
	if err != nil {
		return fmt.Errorf("list open mappings: %w", err)
	}
	for _, m := range ms {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.DestinationOrderID == "" {
			continue
		}
		p, err := o.outbound.GetOrder(ctx, m.DestinationOrderID)
		if err != nil {
			o.log.Warn("poll destination order failed", zap.String("source_order_id", m.SourceOrderID), zap.Error(err))
			continue
		}
		if ev, ok := payloadEvent(p); ok {
			o.enqueue(work{kind: workDestination, key: m.SourceOrderID, delivery: feed.NewDelivery(PollFeed, ev, nil)})
		}
		if !m.Bracket {
			continue
		}
		legs, err := o.outbound.OrderLegs(ctx, m.DestinationOrderID)
		if err != nil {
			o.log.Warn("poll bracket legs failed", zap.String("source_order_id", m.SourceOrderID), zap.Error(err))
			continue
		}
		for _, lp := range legs {
			if lp.OrderID == m.DestinationOrderID {
				continue
			}
			ev, ok := payloadEvent(lp)
			if !ok {
				continue
			}
			if ev.ParentOrderID == "" {
				ev.ParentOrderID = m.DestinationOrderID
			}
			o.enqueue(work{kind: workDestination, key: m.SourceOrderID, delivery: feed.NewDelivery(PollFeed, ev, nil)})
		}
	}
	return nil
}
