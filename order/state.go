package order

import "github.com/shopspring/decimal"

// SourceStatus is the broker-side order status carried by feed frames.
type SourceStatus string

const (
	SourcePending    SourceStatus = "PENDING"
	SourceTransit    SourceStatus = "TRANSIT"
	SourceOpen       SourceStatus = "OPEN"
	SourcePartial    SourceStatus = "PARTIAL"
	SourcePartTraded SourceStatus = "PART_TRADED"
	SourceExecuted   SourceStatus = "EXECUTED"
	SourceCancelled  SourceStatus = "CANCELLED"
	SourceRejected   SourceStatus = "REJECTED"
	SourceExpired    SourceStatus = "EXPIRED"
)

// Terminal reports whether the broker will emit no further lifecycle changes.
func (s SourceStatus) Terminal() bool {
	switch s {
	case SourceExecuted, SourceCancelled, SourceRejected, SourceExpired:
		return true
	}
	return false
}

// LegType labels a bracket/cover leg. It is informational only: leg identity
// is always the destination order id captured at submission.
type LegType string

const (
	LegNone     LegType = ""
	LegEntry    LegType = "ENTRY"
	LegTarget   LegType = "TARGET"
	LegStopLoss LegType = "STOP_LOSS"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const (
	TypeLimit          OrderType = "LIMIT"
	TypeMarket         OrderType = "MARKET"
	TypeStopLoss       OrderType = "STOP_LOSS"
	TypeStopLossMarket OrderType = "STOP_LOSS_MARKET"
)

type ProductType string

const (
	ProductCNC      ProductType = "CNC"
	ProductIntraday ProductType = "INTRADAY"
	ProductMargin   ProductType = "MARGIN"
	ProductMTF      ProductType = "MTF"
	ProductCO       ProductType = "CO"
	ProductBO       ProductType = "BO"
)

// Bracket reports whether the product creates broker-managed exit legs.
func (p ProductType) Bracket() bool {
	return p == ProductCO || p == ProductBO
}

type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
)

// SourceOrderEvent is one normalized order update from the source account.
// Many events share a SourceOrderID over the order's lifetime.
type SourceOrderEvent struct {
	SourceOrderID     string
	CorrelationID     string
	ParentOrderID     string
	LegType           LegType
	SecurityID        string
	ExchangeSegment   string
	Side              Side
	OrderType         OrderType
	ProductType       ProductType
	Validity          Validity
	Quantity          int64
	Price             decimal.Decimal
	TriggerPrice      decimal.Decimal
	DisclosedQuantity int64
	FilledQuantity    int64
	TradedPrice       decimal.Decimal
	Status            SourceStatus
	AfterMarket       bool
	AMOTime           string
	BOProfitValue     decimal.Decimal
	BOStopLossValue   decimal.Decimal
	ModifyCount       int
	DrvExpiry         int64
	DrvOptionType     string
	DrvStrike         decimal.Decimal
	Timestamp         int64 // epoch ms
	Sequence          int64
}

// IsLeg reports whether the event belongs to a leg of a source bracket/cover order.
func (e SourceOrderEvent) IsLeg() bool {
	return e.ParentOrderID != "" && e.ParentOrderID != e.SourceOrderID
}

// Params returns the parameters the replicator mirrors on modification.
func (e SourceOrderEvent) Params() MirroredParams {
	return MirroredParams{
		Quantity:     e.Quantity,
		Price:        e.Price,
		TriggerPrice: e.TriggerPrice,
		Validity:     e.Validity,
	}
}

// MirroredParams is the last set of source parameters copied to the destination.
type MirroredParams struct {
	Quantity     int64
	Price        decimal.Decimal
	TriggerPrice decimal.Decimal
	Validity     Validity
}

// Diff lists the fields that differ between p and next.
func (p MirroredParams) Diff(next MirroredParams) []string {
	var changed []string
	if p.Quantity != next.Quantity {
		changed = append(changed, "quantity")
	}
	if !p.Price.Equal(next.Price) {
		changed = append(changed, "price")
	}
	if !p.TriggerPrice.Equal(next.TriggerPrice) {
		changed = append(changed, "trigger_price")
	}
	if p.Validity != next.Validity {
		changed = append(changed, "validity")
	}
	return changed
}

// CopyMapping links one source order to its destination copy.
type CopyMapping struct {
	SourceOrderID            string
	DestinationOrderID       string
	DestinationCorrelationID string
	SizingStrategy           string
	ComputedQuantity         int64
	FilledQuantity           int64
	State                    MappingState
	Reason                   string
	Mirrored                 MirroredParams
	Bracket                  bool
	CreatedAt                int64
	UpdatedAt                int64
}

// RemainingQuantity is the destination quantity not yet filled.
func (m CopyMapping) RemainingQuantity() int64 {
	r := m.ComputedQuantity - m.FilledQuantity
	if r < 0 {
		return 0
	}
	return r
}

// Modification is one entry of a mapping's modification history.
type Modification struct {
	SourceOrderID string
	At            int64
	Fields        []string
	Before        MirroredParams
	After         MirroredParams
	NewQuantity   int64
	Result        string
}

// BracketLeg is one destination leg of a bracket/cover order.
// ParentOrderID is the source parent order id (the mapping key).
type BracketLeg struct {
	ParentOrderID         string
	DestinationLegOrderID string
	LegType               LegType
	Status                SourceStatus
	UpdatedAt             int64
}

// Terminal reports whether the leg can no longer change.
func (l BracketLeg) Terminal() bool {
	return l.Status.Terminal()
}

// Watermark is the last successfully processed feed position.
type Watermark struct {
	Timestamp int64
	Sequence  int64
}

// After reports whether w is strictly newer than other. Sequence only breaks ties.
func (w Watermark) After(other Watermark) bool {
	if w.Timestamp != other.Timestamp {
		return w.Timestamp > other.Timestamp
	}
	return w.Sequence > other.Sequence
}

// IsZero reports whether no event was processed yet.
func (w Watermark) IsZero() bool {
	return w.Timestamp == 0 && w.Sequence == 0
}
