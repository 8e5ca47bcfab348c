package replicator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"order-replicator-go/gateway"
	"order-replicator-go/internal/audit"
	"order-replicator-go/internal/feed"
	"order-replicator-go/internal/store"
	"order-replicator-go/order"
	"order-replicator-go/sizing"
)

// 跳过/对账原因
const (
	ReasonSourceCancelled   = "source_cancelled"
	ReasonFundsUnavailable  = "funds_unavailable"
	ReasonTransientFailure  = "transient_failure"
	ReasonPlaceFatal        = "place_fatal"
	ReasonPlaceUnknown      = "place_outcome_unknown"
	ReasonCancelAfterFill   = "cancel_after_fill"
	ReasonModifyAfterFill   = "modify_after_fill"
	ReasonBothExitsExecuted = "oco_both_exits_executed"
	ReasonOCOCancelFailed   = "oco_cancel_failed"
	ReasonStaleLookupFailed = "stale_lookup_failed"
)

// entryLegName 括号单改单时指定入场腿
const entryLegName = "ENTRY_LEG"

func isCancel(s order.SourceStatus) bool {
	return s == order.SourceCancelled || s == order.SourceRejected || s == order.SourceExpired
}

// createsMapping 映射不存在时该事件是否按 NEW 处理。
// 回放事件是订单当前快照，即使改过单也按 NEW 处理。
func (o *Orchestrator) createsMapping(d *feed.Delivery) bool {
	ev := d.Event
	if ev.IsLeg() || isCancel(ev.Status) {
		return false
	}
	return ev.ModifyCount == 0 || d.Replayed
}

// processSource 处理一条源事件。返回 true 表示事件被暂存等待 NEW，尚未确认。
func (o *Orchestrator) processSource(d *feed.Delivery) bool {
	ctx, cancel := context.WithTimeout(o.baseContext(), o.cfg.ProcessTimeout)
	defer cancel()
	sc := &scope{o: o}
	ev := d.Event

	if ev.IsLeg() {
		// 目标券商自己管理子腿
		sc.record(ev.SourceOrderID, audit.ActionIgnored, ev, nil, errors.New("source bracket leg"))
		o.mon.RecordDecision("leg", "ignored")
		sc.finish(ctx, d, nil)
		return false
	}

	m, err := o.store.Get(ctx, ev.SourceOrderID)
	exists := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		sc.finish(ctx, d, fmt.Errorf("load mapping: %w", err))
		return false
	}

	switch {
	case isCancel(ev.Status):
		if !exists {
			sc.record(ev.SourceOrderID, audit.ActionIgnored, ev, nil, errors.New("cancel for unknown order"))
			o.mon.RecordDecision("cancel", "ignored")
			break
		}
		err = o.handleCancel(ctx, sc, ev, m)
	case exists:
		if len(m.Mirrored.Diff(ev.Params())) == 0 {
			sc.record(ev.SourceOrderID, audit.ActionDuplicate, ev, nil, nil)
			o.mon.RecordDuplicate()
			break
		}
		err = o.handleModify(ctx, sc, ev, m)
	case !o.createsMapping(d):
		o.log.Debug("holding modification until order is known",
			zap.String("source_order_id", ev.SourceOrderID), zap.Int("modify_count", ev.ModifyCount))
		return true
	default:
		err = o.handleNew(ctx, sc, ev)
	}
	if err != nil {
		o.log.LogError(err, map[string]interface{}{"source_order_id": ev.SourceOrderID, "status": string(ev.Status)})
	}
	sc.finish(ctx, d, err)
	return false
}

// handleNew 建映射 → 计算数量 → 下单。只有创建映射的调用方继续执行。
func (o *Orchestrator) handleNew(ctx context.Context, sc *scope, ev order.SourceOrderEvent) error {
	id := ev.SourceOrderID
	now := o.nowMs()
	m, created, err := o.store.UpsertIfAbsent(ctx, order.CopyMapping{
		SourceOrderID: id,
		State:         order.StateReceived,
		Mirrored:      ev.Params(),
		Bracket:       ev.ProductType.Bracket(),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return fmt.Errorf("create mapping: %w", err)
	}
	if !created {
		sc.record(id, audit.ActionDuplicate, ev, m, nil)
		o.mon.RecordDuplicate()
		return nil
	}
	sc.record(id, audit.ActionReceived, ev, nil, nil)

	dec, err := o.size(ctx, ev)
	if err != nil {
		o.log.Warn("funds unavailable", zap.String("source_order_id", id), zap.Error(err))
		dec = sizing.Decision{Strategy: o.sizer.Config().Strategy, Reason: ReasonFundsUnavailable}
	}
	if _, err := o.store.Transition(ctx, id, order.StateSized, store.WithSizing(string(dec.Strategy), dec.Quantity)); err != nil {
		return fmt.Errorf("mark sized: %w", err)
	}
	sc.record(id, audit.ActionSized, ev, dec, nil)
	if dec.Skipped() {
		return o.skip(ctx, sc, id, dec.Reason, "new")
	}
	return o.submit(ctx, sc, ev, dec)
}

func (o *Orchestrator) size(ctx context.Context, ev order.SourceOrderEvent) (sizing.Decision, error) {
	cfg := o.sizer.Config()
	var src sizing.FundsSnapshot
	if cfg.NeedsSourceFunds() {
		var err error
		if src, err = o.funds.Snapshot(ctx, AccountSource); err != nil {
			return sizing.Decision{}, fmt.Errorf("source funds: %w", err)
		}
	}
	dst, err := o.funds.Snapshot(ctx, AccountDestination)
	if err != nil {
		return sizing.Decision{}, fmt.Errorf("destination funds: %w", err)
	}
	ltp := decimal.Zero
	if sizing.NeedsLTP(ev) && o.quotes != nil {
		if ltp, err = o.quotes.LTP(ctx, ev.ExchangeSegment, ev.SecurityID); err != nil {
			o.log.Warn("ltp unavailable", zap.String("security_id", ev.SecurityID), zap.Error(err))
			ltp = decimal.Zero
		}
	}
	return sizing.SizeWith(cfg, sizing.Input{Event: ev, Source: src, Destination: dst, LTP: ltp}), nil
}

func placeRequest(ev order.SourceOrderEvent, dec sizing.Decision) gateway.PlaceRequest {
	req := gateway.PlaceRequest{
		CorrelationID:     CorrelationID(ev.SourceOrderID),
		TransactionType:   ev.Side,
		ExchangeSegment:   ev.ExchangeSegment,
		ProductType:       ev.ProductType,
		OrderType:         ev.OrderType,
		Validity:          ev.Validity,
		SecurityID:        ev.SecurityID,
		Quantity:          dec.Quantity,
		DisclosedQuantity: dec.DisclosedQuantity,
		Price:             ev.Price,
		TriggerPrice:      ev.TriggerPrice,
		AfterMarketOrder:  ev.AfterMarket,
		AMOTime:           ev.AMOTime,
	}
	switch ev.ProductType {
	case order.ProductCO:
		req.COStopLossValue = ev.TriggerPrice
		if !req.COStopLossValue.IsPositive() {
			req.COStopLossValue = ev.BOStopLossValue
		}
	case order.ProductBO:
		req.BOProfitValue = ev.BOProfitValue
		req.BOStopLossValue = ev.BOStopLossValue
	}
	return req
}

func (o *Orchestrator) submit(ctx context.Context, sc *scope, ev order.SourceOrderEvent, dec sizing.Decision) error {
	id := ev.SourceOrderID
	req := placeRequest(ev, dec)
	res, err := o.outbound.Place(ctx, req)
	sc.record(id, audit.ActionPlace, req, res, err)
	o.funds.Invalidate(AccountDestination)
	if err == nil {
		return o.submitted(ctx, sc, id, req.CorrelationID, res.OrderID, res.Status, "new")
	}

	kind := gateway.KindOf(err)
	switch kind {
	case gateway.KindMarginRejected, gateway.KindInvalidParams, gateway.KindRateLimited, gateway.KindCircuitOpen:
		return o.skip(ctx, sc, id, strings.ToLower(string(kind)), "new")
	case gateway.KindFatal, gateway.KindAuth:
		return o.reconcile(ctx, sc, id, ReasonPlaceFatal, err, true)
	}

	// 结果未知：按关联 ID 查询目标账户
	p, lerr := o.outbound.OrderByCorrelationID(ctx, req.CorrelationID)
	sc.record(id, audit.ActionLookup, map[string]string{"correlationId": req.CorrelationID}, p, lerr)
	switch {
	case lerr == nil:
		return o.submitted(ctx, sc, id, req.CorrelationID, p.OrderID, payloadStatus(p), "lookup")
	case gateway.IsKind(lerr, gateway.KindNotFound):
		return o.skip(ctx, sc, id, ReasonTransientFailure, "new")
	default:
		return o.reconcile(ctx, sc, id, ReasonPlaceUnknown, lerr, false)
	}
}

// submitted 记录目标订单 ID；括号单登记子腿。下单响应里的终态/成交状态立即应用。
func (o *Orchestrator) submitted(ctx context.Context, sc *scope, id, cid, destID string, status order.SourceStatus, kind string) error {
	m, err := o.store.Transition(ctx, id, order.StateSubmitted, store.WithDestinationOrder(destID), store.WithCorrelationID(cid))
	if err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}
	o.mon.RecordDecision(kind, "submitted")
	o.log.LogMapping("submitted", id, map[string]interface{}{
		"destination_order_id": destID,
		"quantity":             m.ComputedQuantity,
		"status":               string(status),
	})
	if m.Bracket {
		if err := o.recordLegs(ctx, sc, m, status); err != nil {
			return err
		}
	}
	switch status {
	case "", order.SourcePending, order.SourceTransit:
		return nil
	}
	return o.applyEntry(ctx, sc, m, order.SourceOrderEvent{
		SourceOrderID: destID,
		Status:        status,
		Timestamp:     o.nowMs(),
	})
}

// recordLegs 登记入场腿，并按目标账户子腿列表登记其余腿；列表失败时等回报补登。
func (o *Orchestrator) recordLegs(ctx context.Context, sc *scope, m order.CopyMapping, entryStatus order.SourceStatus) error {
	if entryStatus == "" {
		entryStatus = order.SourcePending
	}
	entry := order.BracketLeg{
		ParentOrderID:         m.SourceOrderID,
		DestinationLegOrderID: m.DestinationOrderID,
		LegType:               order.LegEntry,
		Status:                entryStatus,
		UpdatedAt:             o.nowMs(),
	}
	if err := o.recordLeg(ctx, sc, entry); err != nil {
		return err
	}
	legs, err := o.outbound.OrderLegs(ctx, m.DestinationOrderID)
	if err != nil {
		o.log.Warn("bracket leg listing failed", zap.String("source_order_id", m.SourceOrderID), zap.Error(err))
		return nil
	}
	for _, p := range legs {
		if p.OrderID == "" || p.OrderID == m.DestinationOrderID {
			continue
		}
		leg := order.BracketLeg{
			ParentOrderID:         m.SourceOrderID,
			DestinationLegOrderID: p.OrderID,
			Status:                order.SourcePending,
			UpdatedAt:             o.nowMs(),
		}
		if ev, ok := payloadEvent(p); ok {
			leg.LegType = ev.LegType
			leg.Status = ev.Status
		}
		if err := o.recordLeg(ctx, sc, leg); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) recordLeg(ctx context.Context, sc *scope, leg order.BracketLeg) error {
	created, err := o.store.RecordLeg(ctx, leg)
	if err != nil {
		return fmt.Errorf("record leg: %w", err)
	}
	if created {
		sc.record(leg.ParentOrderID, audit.ActionLegRecorded, leg, nil, nil)
	}
	return nil
}

// handleModify 把改动的参数同步到目标订单；数量变化时重新计算。
func (o *Orchestrator) handleModify(ctx context.Context, sc *scope, ev order.SourceOrderEvent, m order.CopyMapping) error {
	id := m.SourceOrderID
	if !m.State.HasLiveDestination() || m.DestinationOrderID == "" {
		sc.record(id, audit.ActionIgnored, ev, m, fmt.Errorf("modify on %s mapping", m.State))
		o.mon.RecordDecision("modify", "ignored")
		return nil
	}

	fields := m.Mirrored.Diff(ev.Params())
	mod := order.Modification{
		SourceOrderID: id,
		At:            o.nowMs(),
		Fields:        fields,
		Before:        m.Mirrored,
		After:         ev.Params(),
		NewQuantity:   m.ComputedQuantity,
	}
	qty := m.ComputedQuantity
	note := ""
	if contains(fields, "quantity") {
		dec, err := o.size(ctx, ev)
		switch {
		case err != nil:
			note = ReasonFundsUnavailable
		case dec.Skipped():
			note = dec.Reason
		case dec.Quantity <= m.FilledQuantity:
			note = "below_filled_quantity"
		default:
			qty = dec.Quantity
		}
	}
	mod.NewQuantity = qty

	// 只有数量变化且无法调整：不发改单，只跟进已同步参数
	if len(fields) == 1 && fields[0] == "quantity" && qty == m.ComputedQuantity {
		mod.Result = "NO_CHANGE:" + note
		if err := o.store.AppendModification(ctx, mod); err != nil {
			return fmt.Errorf("append modification: %w", err)
		}
		sc.record(id, audit.ActionModify, mod, nil, nil)
		o.mon.RecordDecision("modify", "unchanged")
		_, err := o.store.Transition(ctx, id, m.State, store.WithMirrored(ev.Params()))
		return err
	}

	req := gateway.ModifyRequest{
		OrderID:           m.DestinationOrderID,
		OrderType:         ev.OrderType,
		Quantity:          qty,
		Price:             ev.Price,
		TriggerPrice:      ev.TriggerPrice,
		DisclosedQuantity: sizing.ScaleDisclosed(ev.DisclosedQuantity, ev.Quantity, qty),
		Validity:          ev.Validity,
	}
	if m.Bracket {
		req.LegName = entryLegName
	}
	res, err := o.outbound.Modify(ctx, req)
	sc.record(id, audit.ActionModify, req, res, err)
	if err != nil {
		mod.Result = string(gateway.KindOf(err))
		if aerr := o.store.AppendModification(ctx, mod); aerr != nil {
			return fmt.Errorf("append modification: %w", aerr)
		}
		if gateway.IsKind(err, gateway.KindAlreadyFilled) {
			return o.reconcile(ctx, sc, id, ReasonModifyAfterFill, err, false)
		}
		o.mon.RecordDecision("modify", "failed")
		o.log.Warn("modify failed", zap.String("source_order_id", id), zap.Strings("fields", fields), zap.Error(err))
		return nil
	}

	mod.Result = "OK"
	if err := o.store.AppendModification(ctx, mod); err != nil {
		return fmt.Errorf("append modification: %w", err)
	}
	if _, err := o.store.Transition(ctx, id, m.State, store.WithMirrored(ev.Params()), store.WithComputedQuantity(qty)); err != nil {
		return fmt.Errorf("record modification: %w", err)
	}
	o.funds.Invalidate(AccountDestination)
	o.mon.RecordDecision("modify", "modified")
	o.log.LogMapping("modified", id, map[string]interface{}{"fields": strings.Join(fields, ","), "quantity": qty})
	return nil
}

// handleCancel 源订单撤销/拒绝/过期：撤掉目标订单。目标已成交则转人工对账。
func (o *Orchestrator) handleCancel(ctx context.Context, sc *scope, ev order.SourceOrderEvent, m order.CopyMapping) error {
	id := m.SourceOrderID
	switch {
	case m.State == order.StateExecuted:
		sc.record(id, audit.ActionDivergence, ev, m, errors.New("source cancelled after destination executed"))
		o.mon.RecordDecision("cancel", "divergence")
		_ = o.alerts.Warning("replication_divergence", "source order cancelled after destination executed",
			map[string]interface{}{"source_order_id": id, "destination_order_id": m.DestinationOrderID})
		return nil
	case m.State.IsFinalState():
		sc.record(id, audit.ActionDuplicate, ev, m, nil)
		o.mon.RecordDuplicate()
		return nil
	case m.State == order.StateReceived:
		if _, err := o.store.Transition(ctx, id, order.StateSized); err != nil {
			return err
		}
		return o.skip(ctx, sc, id, ReasonSourceCancelled, "cancel")
	case m.State == order.StateSized:
		return o.skip(ctx, sc, id, ReasonSourceCancelled, "cancel")
	}

	res, err := o.outbound.Cancel(ctx, m.DestinationOrderID)
	sc.record(id, audit.ActionCancel, map[string]string{"destinationOrderId": m.DestinationOrderID}, res, err)
	if gateway.IsKind(err, gateway.KindAlreadyFilled) {
		return o.reconcile(ctx, sc, id, ReasonCancelAfterFill, err, false)
	}
	reason := "source_" + strings.ToLower(string(ev.Status))
	if err != nil {
		o.log.Warn("destination cancel failed", zap.String("source_order_id", id),
			zap.String("destination_order_id", m.DestinationOrderID), zap.Error(err))
		st, known := o.destinationStatus(ctx, sc, id, m.DestinationOrderID)
		switch {
		case known && st == order.SourceExecuted:
			return o.reconcile(ctx, sc, id, ReasonCancelAfterFill, err, false)
		case known && st.Terminal():
			// 目标订单已经结束，撤单实际无须再做
		default:
			reason = "cancel_failed_" + strings.ToLower(string(gateway.KindOf(err)))
			_ = o.alerts.Warning("destination_cancel_unconfirmed", "destination order may still be working",
				map[string]interface{}{"source_order_id": id, "destination_order_id": m.DestinationOrderID, "status": string(st)})
		}
	}
	if _, err := o.store.Transition(ctx, id, order.StateCancelled, store.WithReason(reason)); err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	o.funds.Invalidate(AccountDestination)
	o.mon.RecordDecision("cancel", "cancelled")
	o.log.LogMapping("cancelled", id, map[string]interface{}{"reason": reason})
	return nil
}

// destinationStatus 撤单结果未知时查询一次目标订单状态
func (o *Orchestrator) destinationStatus(ctx context.Context, sc *scope, id, destinationOrderID string) (order.SourceStatus, bool) {
	p, err := o.outbound.GetOrder(ctx, destinationOrderID)
	sc.record(id, audit.ActionLookup, map[string]string{"destinationOrderId": destinationOrderID}, p, err)
	if err != nil {
		return "", false
	}
	ev, ok := payloadEvent(p)
	if !ok {
		return "", false
	}
	return ev.Status, true
}

func (o *Orchestrator) skip(ctx context.Context, sc *scope, id, reason, kind string) error {
	if _, err := o.store.Transition(ctx, id, order.StateSkipped, store.WithReason(reason)); err != nil {
		return fmt.Errorf("mark skipped: %w", err)
	}
	sc.record(id, audit.ActionSkipped, map[string]string{"reason": reason}, nil, nil)
	o.mon.RecordSkip(reason)
	o.mon.RecordDecision(kind, "skipped")
	o.log.LogMapping("skipped", id, map[string]interface{}{"reason": reason})
	return nil
}

// reconcile 转入 RECONCILIATION_NEEDED 并告警。映射已是终态时只记录偏差。
func (o *Orchestrator) reconcile(ctx context.Context, sc *scope, id, reason string, cause error, critical bool) error {
	fields := map[string]interface{}{"source_order_id": id, "reason": reason}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	m, err := o.store.Transition(ctx, id, order.StateReconcile, store.WithReason(reason))
	if errors.Is(err, order.ErrIllegalTransition) {
		sc.record(id, audit.ActionDivergence, map[string]string{"reason": reason, "state": string(m.State)}, nil, cause)
		_ = o.alerts.Warning("replication_divergence", reason, fields)
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark reconciliation: %w", err)
	}
	fields["destination_order_id"] = m.DestinationOrderID
	sc.record(id, audit.ActionReconcile, map[string]string{"reason": reason}, m, cause)
	o.mon.RecordReconciliation(reason)
	o.log.LogMapping("reconciliation_needed", id, fields)
	if critical {
		_ = o.alerts.Critical("reconciliation_needed", reason, fields)
	} else {
		_ = o.alerts.Warning("reconciliation_needed", reason, fields)
	}
	return nil
}

func payloadEvent(p gateway.OrderPayload) (order.SourceOrderEvent, bool) {
	ev, err := gateway.Normalize(p)
	return ev, err == nil
}

func payloadStatus(p gateway.OrderPayload) order.SourceStatus {
	if ev, ok := payloadEvent(p); ok {
		return ev.Status
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
