package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"order-replicator-go/order"
)

// FrameKind 推送帧类型
type FrameKind string

const (
	FrameOrderUpdate FrameKind = "ORDER_UPDATE"
	FrameHeartbeat   FrameKind = "HEARTBEAT"
	FrameAuthOK      FrameKind = "AUTH_OK"
	FrameSubscribed  FrameKind = "SUBSCRIBED"
	FrameError       FrameKind = "ERROR"
)

var (
	ErrMalformedFrame = errors.New("malformed feed frame")
	ErrUnknownFrame   = errors.New("unknown feed frame type")
)

// ExchangeLocation is the zone feed/API timestamps are expressed in.
var ExchangeLocation = time.FixedZone("IST", 5*3600+30*60)

const brokerTimeLayout = "2006-01-02 15:04:05"

// Frame 对应推送通道的外层包装。
type Frame struct {
	Type    FrameKind       `json:"type"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// OrderPayload 是 ORDER_UPDATE 帧和订单 REST 接口共用的订单结构。
type OrderPayload struct {
	OrderID           string          `json:"orderId"`
	CorrelationID     string          `json:"correlationId"`
	ParentOrderID     string          `json:"parentOrderId"`
	LegName           string          `json:"legName"`
	SecurityID        string          `json:"securityId"`
	ExchangeSegment   string          `json:"exchangeSegment"`
	TransactionType   string          `json:"transactionType"`
	Quantity          int64           `json:"quantity"`
	Price             decimal.Decimal `json:"price"`
	TriggerPrice      decimal.Decimal `json:"triggerPrice"`
	DisclosedQuantity int64           `json:"disclosedQuantity"`
	FilledQty         int64           `json:"filledQty"`
	TradedPrice       decimal.Decimal `json:"tradedPrice"`
	ProductType       string          `json:"productType"`
	OrderType         string          `json:"orderType"`
	Validity          string          `json:"validity"`
	OrderStatus       string          `json:"orderStatus"`
	AfterMarketOrder  bool            `json:"afterMarketOrder"`
	AMOTime           string          `json:"amoTime"`
	BOProfitValue     decimal.Decimal `json:"boProfitValue"`
	BOStopLossValue   decimal.Decimal `json:"boStopLossValue"`
	ModifyCount       int             `json:"modifyCount"`
	DrvExpiryDate     string          `json:"drvExpiryDate"`
	DrvOptionType     string          `json:"drvOptionType"`
	DrvStrikePrice    decimal.Decimal `json:"drvStrikePrice"`
	CreateTime        string          `json:"createTime"`
	UpdateTime        string          `json:"updateTime"`
	Sequence          int64           `json:"sequence"`
}

// FeedMessage is a structurally valid frame. Only valid frames count as heartbeats.
type FeedMessage struct {
	Kind    FrameKind
	Event   *order.SourceOrderEvent
	Code    string
	Message string
}

// AuthRejected reports whether an ERROR frame rejects the session credentials.
func (m FeedMessage) AuthRejected() bool {
	if m.Kind != FrameError {
		return false
	}
	if codeKinds[m.Code] == KindAuth {
		return true
	}
	switch strings.ToUpper(m.Code) {
	case "AUTH_FAILED", "UNAUTHORIZED", "401", "403":
		return true
	}
	return false
}

type authFrame struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Token    string `json:"token"`
}

type subscribeFrame struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// AuthFrame 连接建立后发送的第一帧。
func AuthFrame(clientID, token string) []byte {
	b, _ := json.Marshal(authFrame{Type: "AUTH", ClientID: clientID, Token: token})
	return b
}

// SubscribeFrame 订阅订单更新。
func SubscribeFrame() []byte {
	b, _ := json.Marshal(subscribeFrame{Type: "SUBSCRIBE", Channels: []string{string(FrameOrderUpdate)}})
	return b
}

// ParseFeedFrame 解析一帧推送消息。返回错误的帧不应刷新心跳。
func ParseFeedFrame(raw []byte) (FeedMessage, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return FeedMessage{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Type {
	case FrameHeartbeat, FrameAuthOK, FrameSubscribed:
		return FeedMessage{Kind: f.Type}, nil
	case FrameError:
		return FeedMessage{Kind: FrameError, Code: f.Code, Message: f.Message}, nil
	case FrameOrderUpdate:
		if len(f.Data) == 0 {
			return FeedMessage{}, fmt.Errorf("%w: empty order payload", ErrMalformedFrame)
		}
		var p OrderPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return FeedMessage{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		ev, err := Normalize(p)
		if err != nil {
			return FeedMessage{}, err
		}
		return FeedMessage{Kind: FrameOrderUpdate, Event: &ev}, nil
	case "":
		return FeedMessage{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	default:
		return FeedMessage{}, fmt.Errorf("%w: %s", ErrUnknownFrame, f.Type)
	}
}

// Normalize 把券商订单结构转换为内部事件；字符串时间只在这里转换为 epoch 毫秒。
func Normalize(p OrderPayload) (order.SourceOrderEvent, error) {
	if p.OrderID == "" {
		return order.SourceOrderEvent{}, fmt.Errorf("%w: missing orderId", ErrMalformedFrame)
	}
	if p.SecurityID == "" {
		return order.SourceOrderEvent{}, fmt.Errorf("%w: order %s missing securityId", ErrMalformedFrame, p.OrderID)
	}
	if p.Quantity < 0 || p.FilledQty < 0 || p.DisclosedQuantity < 0 {
		return order.SourceOrderEvent{}, fmt.Errorf("%w: order %s negative quantity", ErrMalformedFrame, p.OrderID)
	}
	status, ok := parseStatus(p.OrderStatus)
	if !ok {
		return order.SourceOrderEvent{}, fmt.Errorf("%w: order %s unknown status %q", ErrMalformedFrame, p.OrderID, p.OrderStatus)
	}
	side := order.Side(strings.ToUpper(p.TransactionType))
	if side != order.SideBuy && side != order.SideSell {
		return order.SourceOrderEvent{}, fmt.Errorf("%w: order %s unknown side %q", ErrMalformedFrame, p.OrderID, p.TransactionType)
	}
	ts, err := ParseBrokerTime(p.UpdateTime)
	if err != nil || ts == 0 {
		ts, err = ParseBrokerTime(p.CreateTime)
	}
	if err != nil {
		return order.SourceOrderEvent{}, fmt.Errorf("%w: order %s: %v", ErrMalformedFrame, p.OrderID, err)
	}
	if ts == 0 {
		return order.SourceOrderEvent{}, fmt.Errorf("%w: order %s missing timestamp", ErrMalformedFrame, p.OrderID)
	}
	var expiry int64
	if p.DrvExpiryDate != "" {
		if expiry, err = ParseBrokerTime(p.DrvExpiryDate); err != nil {
			return order.SourceOrderEvent{}, fmt.Errorf("%w: order %s expiry: %v", ErrMalformedFrame, p.OrderID, err)
		}
	}
	return order.SourceOrderEvent{
		SourceOrderID:     p.OrderID,
		CorrelationID:     p.CorrelationID,
		ParentOrderID:     p.ParentOrderID,
		LegType:           parseLeg(p.LegName),
		SecurityID:        p.SecurityID,
		ExchangeSegment:   p.ExchangeSegment,
		Side:              side,
		OrderType:         order.OrderType(strings.ToUpper(p.OrderType)),
		ProductType:       order.ProductType(strings.ToUpper(p.ProductType)),
		Validity:          order.Validity(strings.ToUpper(p.Validity)),
		Quantity:          p.Quantity,
		Price:             p.Price,
		TriggerPrice:      p.TriggerPrice,
		DisclosedQuantity: p.DisclosedQuantity,
		FilledQuantity:    p.FilledQty,
		TradedPrice:       p.TradedPrice,
		Status:            status,
		AfterMarket:       p.AfterMarketOrder,
		AMOTime:           p.AMOTime,
		BOProfitValue:     p.BOProfitValue,
		BOStopLossValue:   p.BOStopLossValue,
		ModifyCount:       p.ModifyCount,
		DrvExpiry:         expiry,
		DrvOptionType:     p.DrvOptionType,
		DrvStrike:         p.DrvStrikePrice,
		Timestamp:         ts,
		Sequence:          p.Sequence,
	}, nil
}

// ParseBrokerTime 解析券商时间字符串为 epoch 毫秒；空串返回 0。
func ParseBrokerTime(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	for _, layout := range []string{brokerTimeLayout, "2006-01-02 15:04:05.000", time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, ExchangeLocation); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unparseable time %q", s)
}

// FormatBrokerTime 把 epoch 毫秒格式化为券商时间字符串（出站边界使用）。
func FormatBrokerTime(ms int64) string {
	return time.UnixMilli(ms).In(ExchangeLocation).Format(brokerTimeLayout)
}

func parseStatus(s string) (order.SourceStatus, bool) {
	switch st := order.SourceStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case order.SourcePending, order.SourceTransit, order.SourceOpen, order.SourcePartial,
		order.SourcePartTraded, order.SourceExecuted, order.SourceCancelled,
		order.SourceRejected, order.SourceExpired:
		return st, true
	case "TRADED":
		return order.SourceExecuted, true
	}
	return "", false
}

// parseLeg 腿类型字段不可靠，仅作标签。
func parseLeg(s string) order.LegType {
	switch strings.ToUpper(s) {
	case "ENTRY_LEG", "ENTRY":
		return order.LegEntry
	case "TARGET_LEG", "TARGET":
		return order.LegTarget
	case "STOP_LOSS_LEG", "STOP_LOSS":
		return order.LegStopLoss
	}
	return order.LegNone
}
