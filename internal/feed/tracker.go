package feed

import (
	"math"
	"sync"

	"order-replicator-go/order"
)

type inflight struct {
	ts     int64
	seq    int64
	failed bool
}

// ackTracker 计算低水位：所有时间戳不超过水位的已投递事件都已成功确认。
// 一个较新的事件先处理完，不会让仍在处理中的旧事件被之后的回放跳过。
type ackTracker struct {
	mu      sync.Mutex
	gen     uint64
	next    uint64
	pending map[uint64]*inflight
	maxDone order.Watermark
}

func newAckTracker() *ackTracker {
	return &ackTracker{pending: make(map[uint64]*inflight)}
}

// reset 开始新的会话；旧会话的确认不再影响水位。
func (t *ackTracker) reset() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.pending = make(map[uint64]*inflight)
	t.maxDone = order.Watermark{}
	return t.gen
}

// track 登记一次投递，返回确认时使用的句柄。
func (t *ackTracker) track(gen uint64, ev order.SourceOrderEvent) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return 0, false
	}
	t.next++
	t.pending[t.next] = &inflight{ts: ev.Timestamp, seq: ev.Sequence}
	return t.next, true
}

// ack 记录处理结果，返回可持久化的新水位（ok=false 表示无需推进）。
func (t *ackTracker) ack(gen, id uint64, failed bool) (order.Watermark, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return order.Watermark{}, false
	}
	e, ok := t.pending[id]
	if !ok {
		return order.Watermark{}, false
	}
	if failed {
		// 失败的事件留在 pending 中，水位不越过它，直到重连回放
		e.failed = true
		return order.Watermark{}, false
	}
	delete(t.pending, id)
	done := order.Watermark{Timestamp: e.ts, Sequence: e.seq}
	if done.After(t.maxDone) {
		t.maxDone = done
	}
	return t.lowWatermark()
}

func (t *ackTracker) lowWatermark() (order.Watermark, bool) {
	if t.maxDone.IsZero() {
		return order.Watermark{}, false
	}
	minPending := int64(math.MaxInt64)
	for _, e := range t.pending {
		if e.ts < minPending {
			minPending = e.ts
		}
	}
	if minPending > t.maxDone.Timestamp {
		return t.maxDone, true
	}
	if minPending-1 <= 0 {
		return order.Watermark{}, false
	}
	return order.Watermark{Timestamp: minPending - 1}, true
}

// outstanding 当前会话未确认的事件数。
func (t *ackTracker) outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
