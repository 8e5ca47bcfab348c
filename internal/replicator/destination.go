package replicator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"order-replicator-go/gateway"
	"order-replicator-go/internal/audit"
	"order-replicator-go/internal/feed"
	"order-replicator-go/internal/store"
	"order-replicator-go/order"
)

func (o *Orchestrator) processDestination(key string, d *feed.Delivery) {
	ctx, cancel := context.WithTimeout(o.baseContext(), o.cfg.ProcessTimeout)
	defer cancel()
	sc := &scope{o: o}
	err := o.applyDestination(ctx, sc, key, d.Event)
	if err != nil {
		o.log.LogError(err, map[string]interface{}{"source_order_id": key, "destination_order_id": d.Event.SourceOrderID})
	}
	sc.finish(ctx, d, err)
}

// applyDestination 目标账户订单更新。ev.SourceOrderID 是目标订单 ID。
func (o *Orchestrator) applyDestination(ctx context.Context, sc *scope, key string, ev order.SourceOrderEvent) error {
	m, err := o.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		sc.record(key, audit.ActionIgnored, ev, nil, errors.New("mapping not found"))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load mapping: %w", err)
	}
	if ev.SourceOrderID == m.DestinationOrderID {
		return o.applyEntry(ctx, sc, m, ev)
	}
	if !m.Bracket {
		sc.record(key, audit.ActionIgnored, ev, nil, errors.New("unrelated destination order"))
		return nil
	}

	leg, err := o.store.FindLeg(ctx, ev.SourceOrderID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if ev.ParentOrderID != m.DestinationOrderID {
			sc.record(key, audit.ActionIgnored, ev, nil, errors.New("unknown bracket leg"))
			return nil
		}
		leg = order.BracketLeg{
			ParentOrderID:         key,
			DestinationLegOrderID: ev.SourceOrderID,
			LegType:               ev.LegType,
			Status:                order.SourcePending,
			UpdatedAt:             o.nowMs(),
		}
		if err := o.recordLeg(ctx, sc, leg); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("load leg: %w", err)
	case leg.ParentOrderID != key:
		sc.record(key, audit.ActionIgnored, ev, leg, errors.New("leg belongs to another order"))
		return nil
	}
	return o.applyExitLeg(ctx, sc, m, leg, ev)
}

// applyEntry 普通订单或括号单入场腿的状态/成交。括号单在所有出场腿结束前不结算。
func (o *Orchestrator) applyEntry(ctx context.Context, sc *scope, m order.CopyMapping, ev order.SourceOrderEvent) error {
	id := m.SourceOrderID
	sc.record(id, audit.ActionDestinationUpdate, ev, nil, nil)
	target, ok := order.MappingStateFor(ev.Status)
	if !ok {
		o.log.Debug("unmapped destination status", zap.String("source_order_id", id), zap.String("status", string(ev.Status)))
		return nil
	}

	if m.Bracket {
		if err := o.setLegStatus(ctx, sc, m, m.DestinationOrderID, order.LegEntry, ev.Status, ev.Timestamp); err != nil {
			return err
		}
		if target == order.StateExecuted {
			legs, err := o.store.Legs(ctx, id)
			if err != nil {
				return fmt.Errorf("load legs: %w", err)
			}
			settled, both := settlement(legs, m.DestinationOrderID)
			if both {
				return o.reconcile(ctx, sc, id, ReasonBothExitsExecuted, nil, true)
			}
			if !settled {
				target = workingState(m.State)
			}
		}
	}
	return o.advance(ctx, sc, m, target, ev.FilledQuantity)
}

// workingState 入场已成交但出场腿未结束时映射保持的状态。
func workingState(cur order.MappingState) order.MappingState {
	if cur == order.StateSubmitted {
		return order.StateOpen
	}
	return cur
}

// advance 前向转换并更新成交量；迟到的旧状态不回退，终态冲突记录为偏差。
func (o *Orchestrator) advance(ctx context.Context, sc *scope, m order.CopyMapping, target order.MappingState, filled int64) error {
	id := m.SourceOrderID
	if m.State.IsFinalState() {
		// 非终态的迟到回报直接忽略
		if target.IsFinalState() && target != m.State && m.State != order.StateReconcile &&
			(target == order.StateExecuted || m.State == order.StateExecuted) {
			sc.record(id, audit.ActionDivergence, map[string]string{"local": string(m.State), "destination": string(target)}, m, nil)
			_ = o.alerts.Warning("replication_divergence", "destination state conflicts with terminal mapping",
				map[string]interface{}{"source_order_id": id, "local": string(m.State), "destination": string(target)})
		}
		return nil
	}

	opts := []store.TransitionOption{store.WithFilledQuantity(filled)}
	if target.IsFinalState() {
		opts = append(opts, store.WithReason("destination_"+strings.ToLower(string(target))))
	}
	next, err := o.store.Transition(ctx, id, target, opts...)
	if errors.Is(err, order.ErrIllegalTransition) {
		if filled > m.FilledQuantity {
			_, err = o.store.Transition(ctx, id, m.State, store.WithFilledQuantity(filled))
			return err
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply destination state: %w", err)
	}
	if next.State != m.State {
		o.mon.RecordDecision("destination", strings.ToLower(string(next.State)))
		o.log.LogMapping("state_changed", id, map[string]interface{}{
			"from":   string(m.State),
			"to":     string(next.State),
			"filled": next.FilledQuantity,
		})
		if next.State.IsFinalState() {
			o.funds.Invalidate(AccountDestination)
		}
	}
	return nil
}

func (o *Orchestrator) setLegStatus(ctx context.Context, sc *scope, m order.CopyMapping, legID string, typ order.LegType, status order.SourceStatus, at int64) error {
	_, err := o.store.UpdateLegStatus(ctx, m.SourceOrderID, legID, status, at)
	if errors.Is(err, store.ErrNotFound) {
		return o.recordLeg(ctx, sc, order.BracketLeg{
			ParentOrderID:         m.SourceOrderID,
			DestinationLegOrderID: legID,
			LegType:               typ,
			Status:                status,
			UpdatedAt:             at,
		})
	}
	return err
}

// applyExitLeg 出场腿更新。一条出场腿成交后撤掉其余出场腿（OCO）。
func (o *Orchestrator) applyExitLeg(ctx context.Context, sc *scope, m order.CopyMapping, leg order.BracketLeg, ev order.SourceOrderEvent) error {
	id := m.SourceOrderID
	sc.record(id, audit.ActionDestinationUpdate, ev, leg, nil)

	if ev.Status == order.SourceExecuted && leg.Status == order.SourceCancelled {
		// 已撤的腿报成交
		return o.reconcile(ctx, sc, id, ReasonBothExitsExecuted, fmt.Errorf("leg %s executed after cancel", leg.DestinationLegOrderID), true)
	}
	updated, err := o.store.UpdateLegStatus(ctx, id, leg.DestinationLegOrderID, ev.Status, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("update leg: %w", err)
	}
	if updated.Status == order.SourceExecuted && leg.Status != order.SourceExecuted {
		if err := o.enforceOCO(ctx, sc, m, updated); err != nil {
			return err
		}
	}
	return o.settle(ctx, sc, id)
}

func (o *Orchestrator) enforceOCO(ctx context.Context, sc *scope, m order.CopyMapping, filled order.BracketLeg) error {
	legs, err := o.store.Legs(ctx, m.SourceOrderID)
	if err != nil {
		return fmt.Errorf("load legs: %w", err)
	}
	for _, l := range legs {
		if l.DestinationLegOrderID == m.DestinationOrderID || l.DestinationLegOrderID == filled.DestinationLegOrderID {
			continue
		}
		if l.Status == order.SourceExecuted {
			return o.reconcile(ctx, sc, m.SourceOrderID, ReasonBothExitsExecuted, nil, true)
		}
		if l.Terminal() {
			continue
		}
		if done, err := o.cancelSibling(ctx, sc, m, l); err != nil || done {
			return err
		}
	}
	return nil
}

// cancelSibling 有限次重试撤掉另一条出场腿。返回 done=true 表示已转入对账。
func (o *Orchestrator) cancelSibling(ctx context.Context, sc *scope, m order.CopyMapping, l order.BracketLeg) (bool, error) {
	id := m.SourceOrderID
	var lastErr error
	for attempt := 1; attempt <= o.cfg.OCOCancelAttempts; attempt++ {
		res, err := o.outbound.Cancel(ctx, l.DestinationLegOrderID)
		sc.record(id, audit.ActionOCOCancel, map[string]interface{}{"legOrderId": l.DestinationLegOrderID, "attempt": attempt}, res, err)
		switch {
		case err == nil:
			o.mon.RecordOCOCancel("cancelled")
			_, err := o.store.UpdateLegStatus(ctx, id, l.DestinationLegOrderID, order.SourceCancelled, o.nowMs())
			return false, err
		case gateway.IsKind(err, gateway.KindAlreadyFilled):
			o.mon.RecordOCOCancel("already_filled")
			if _, uerr := o.store.UpdateLegStatus(ctx, id, l.DestinationLegOrderID, order.SourceExecuted, o.nowMs()); uerr != nil {
				return false, uerr
			}
			return true, o.reconcile(ctx, sc, id, ReasonBothExitsExecuted, err, true)
		}
		lastErr = err
		o.log.Warn("oco cancel failed", zap.String("source_order_id", id),
			zap.String("leg_order_id", l.DestinationLegOrderID), zap.Int("attempt", attempt), zap.Error(err))
		if attempt < o.cfg.OCOCancelAttempts {
			if serr := gateway.Sleep(ctx, o.cfg.OCOBackoff.Next(attempt)); serr != nil {
				lastErr = serr
				break
			}
		}
	}
	o.mon.RecordOCOCancel("failed")
	return true, o.reconcile(ctx, sc, id, ReasonOCOCancelFailed, lastErr, true)
}

// settle 入场腿成交且其余腿全部结束后结算为 EXECUTED。
func (o *Orchestrator) settle(ctx context.Context, sc *scope, id string) error {
	m, err := o.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load mapping: %w", err)
	}
	if m.State.IsFinalState() {
		return nil
	}
	legs, err := o.store.Legs(ctx, id)
	if err != nil {
		return fmt.Errorf("load legs: %w", err)
	}
	settled, both := settlement(legs, m.DestinationOrderID)
	if both {
		return o.reconcile(ctx, sc, id, ReasonBothExitsExecuted, nil, true)
	}
	if !settled {
		return nil
	}
	return o.advance(ctx, sc, m, order.StateExecuted, m.FilledQuantity)
}

// settlement 按目标订单 ID 区分入场腿，不依赖券商给的腿类型。
func settlement(legs []order.BracketLeg, entryID string) (settled, bothExits bool) {
	entryFilled := false
	exitsOpen := false
	exits, executedExits := 0, 0
	for _, l := range legs {
		if l.DestinationLegOrderID == entryID {
			entryFilled = l.Status == order.SourceExecuted
			continue
		}
		exits++
		if l.Status == order.SourceExecuted {
			executedExits++
		}
		if !l.Terminal() {
			exitsOpen = true
		}
	}
	// 出场腿尚未登记时不能结算
	return entryFilled && exits > 0 && !exitsOpen, executedExits > 1
}
