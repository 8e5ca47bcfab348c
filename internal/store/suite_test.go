package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-replicator-go/order"
)

// runStoreSuite 所有 Store 实现共用的行为测试。
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("UpsertIsIdempotentUnderConcurrency", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		var created int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, ok, err := st.UpsertIfAbsent(ctx, order.CopyMapping{
					SourceOrderID:  "S-dup",
					SizingStrategy: fmt.Sprintf("worker-%d", i),
				})
				assert.NoError(t, err)
				if ok {
					atomic.AddInt32(&created, 1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), created)

		m, err := st.Get(ctx, "S-dup")
		require.NoError(t, err)
		assert.Equal(t, order.StateReceived, m.State)
	})

	t.Run("TransitionsForwardOnly", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		_, _, err := st.UpsertIfAbsent(ctx, order.CopyMapping{SourceOrderID: "S-1"})
		require.NoError(t, err)

		_, err = st.Transition(ctx, "S-1", order.StateSized, WithSizing("fixed-ratio", 50))
		require.NoError(t, err)
		m, err := st.Transition(ctx, "S-1", order.StateSubmitted,
			WithDestinationOrder("D-1"), WithCorrelationID("cid-1"),
			WithMirrored(order.MirroredParams{Quantity: 100, Price: decimal.NewFromInt(250), Validity: order.ValidityDay}))
		require.NoError(t, err)
		assert.Equal(t, "D-1", m.DestinationOrderID)
		assert.Equal(t, int64(50), m.ComputedQuantity)
		assert.True(t, decimal.NewFromInt(250).Equal(m.Mirrored.Price))

		_, err = st.Transition(ctx, "S-1", order.StateSized)
		assert.True(t, errors.Is(err, order.ErrIllegalTransition))

		// 相同状态幂等，仍可更新成交量
		m, err = st.Transition(ctx, "S-1", order.StateSubmitted, WithFilledQuantity(10))
		require.NoError(t, err)
		assert.Equal(t, int64(10), m.FilledQuantity)

		m, err = st.Transition(ctx, "S-1", order.StatePartiallyFilled, WithFilledQuantity(5))
		require.NoError(t, err)
		assert.Equal(t, int64(10), m.FilledQuantity, "filled quantity never decreases")

		byDest, err := st.FindByDestinationOrderID(ctx, "D-1")
		require.NoError(t, err)
		assert.Equal(t, "S-1", byDest.SourceOrderID)
		assert.Equal(t, order.StatePartiallyFilled, byDest.State)

		_, err = st.Transition(ctx, "S-1", order.StateReconcile, WithReason("cancel_after_fill"))
		require.NoError(t, err)
		_, err = st.Transition(ctx, "S-1", order.StateCancelled)
		assert.True(t, errors.Is(err, order.ErrIllegalTransition))
	})

	t.Run("NotFound", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		_, err := st.Get(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = st.Transition(ctx, "missing", order.StateSized)
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = st.FindByDestinationOrderID(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = st.FindLeg(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("ListByStates", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		for i, id := range []string{"A", "B", "C"} {
			_, _, err := st.UpsertIfAbsent(ctx, order.CopyMapping{SourceOrderID: id, CreatedAt: int64(1000 + i)})
			require.NoError(t, err)
		}
		_, err := st.Transition(ctx, "B", order.StateSized)
		require.NoError(t, err)
		_, err = st.Transition(ctx, "B", order.StateSkipped, WithReason("zero_available_balance"))
		require.NoError(t, err)

		got, err := st.ListByStates(ctx, order.StateReceived)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "A", got[0].SourceOrderID)
		assert.Equal(t, "C", got[1].SourceOrderID)

		skipped, err := st.ListByStates(ctx, order.StateSkipped)
		require.NoError(t, err)
		require.Len(t, skipped, 1)
		assert.Equal(t, "zero_available_balance", skipped[0].Reason)
	})

	t.Run("Modifications", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		_, _, err := st.UpsertIfAbsent(ctx, order.CopyMapping{SourceOrderID: "S-m"})
		require.NoError(t, err)
		for i := 1; i <= 2; i++ {
			require.NoError(t, st.AppendModification(ctx, order.Modification{
				SourceOrderID: "S-m",
				At:            int64(i),
				Fields:        []string{"price"},
				After:         order.MirroredParams{Price: decimal.NewFromInt(int64(100 + i))},
				Result:        "OK",
			}))
		}
		mods, err := st.Modifications(ctx, "S-m")
		require.NoError(t, err)
		require.Len(t, mods, 2)
		assert.Equal(t, int64(1), mods[0].At)
		assert.Equal(t, []string{"price"}, mods[1].Fields)
		assert.True(t, decimal.NewFromInt(102).Equal(mods[1].After.Price))
	})

	t.Run("LegsTerminalStatusSticks", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		ok, err := st.RecordLeg(ctx, order.BracketLeg{ParentOrderID: "S-b", DestinationLegOrderID: "D-t", LegType: order.LegTarget, Status: order.SourcePending})
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = st.RecordLeg(ctx, order.BracketLeg{ParentOrderID: "S-b", DestinationLegOrderID: "D-t", LegType: order.LegTarget, Status: order.SourceOpen})
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = st.RecordLeg(ctx, order.BracketLeg{ParentOrderID: "S-b", DestinationLegOrderID: "D-s", LegType: order.LegStopLoss, Status: order.SourcePending})
		require.NoError(t, err)

		l, err := st.UpdateLegStatus(ctx, "S-b", "D-t", order.SourceExecuted, 10)
		require.NoError(t, err)
		assert.Equal(t, order.SourceExecuted, l.Status)
		l, err = st.UpdateLegStatus(ctx, "S-b", "D-t", order.SourceOpen, 11)
		require.NoError(t, err)
		assert.Equal(t, order.SourceExecuted, l.Status)

		found, err := st.FindLeg(ctx, "D-s")
		require.NoError(t, err)
		assert.Equal(t, "S-b", found.ParentOrderID)

		legs, err := st.Legs(ctx, "S-b")
		require.NoError(t, err)
		assert.Len(t, legs, 2)
	})

	t.Run("WatermarkMonotonic", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		w, err := st.Watermark(ctx, "source")
		require.NoError(t, err)
		assert.True(t, w.IsZero())

		w, err = st.AdvanceWatermark(ctx, "source", order.Watermark{Timestamp: 200})
		require.NoError(t, err)
		assert.Equal(t, int64(200), w.Timestamp)

		w, err = st.AdvanceWatermark(ctx, "source", order.Watermark{Timestamp: 150, Sequence: 99})
		require.NoError(t, err)
		assert.Equal(t, order.Watermark{Timestamp: 200}, w)

		w, err = st.AdvanceWatermark(ctx, "source", order.Watermark{Timestamp: 200, Sequence: 3})
		require.NoError(t, err)
		assert.Equal(t, order.Watermark{Timestamp: 200, Sequence: 3}, w)

		other, err := st.Watermark(ctx, "destination")
		require.NoError(t, err)
		assert.True(t, other.IsZero())
	})
}
