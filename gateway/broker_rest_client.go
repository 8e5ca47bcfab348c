package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"order-replicator-go/order"
)

// BrokerRESTClient 券商 REST 客户端；HTTPClient 可注入 httptest。
// 401 时通过 TokenProvider 刷新一次 token，仍失败则返回 FATAL。
type BrokerRESTClient struct {
	BaseURL    string
	Auth       TokenProvider
	HTTPClient *http.Client
}

// PlaceRequest 下单参数（出站命令接口）。
type PlaceRequest struct {
	ClientID          string            `json:"dhanClientId"`
	CorrelationID     string            `json:"correlationId"`
	TransactionType   order.Side        `json:"transactionType"`
	ExchangeSegment   string            `json:"exchangeSegment"`
	ProductType       order.ProductType `json:"productType"`
	OrderType         order.OrderType   `json:"orderType"`
	Validity          order.Validity    `json:"validity"`
	SecurityID        string            `json:"securityId"`
	Quantity          int64             `json:"quantity"`
	DisclosedQuantity int64             `json:"disclosedQuantity,omitempty"`
	Price             decimal.Decimal   `json:"price"`
	TriggerPrice      decimal.Decimal   `json:"triggerPrice"`
	AfterMarketOrder  bool              `json:"afterMarketOrder"`
	AMOTime           string            `json:"amoTime,omitempty"`
	COStopLossValue   decimal.Decimal   `json:"coStopLossValue"`
	BOProfitValue     decimal.Decimal   `json:"boProfitValue"`
	BOStopLossValue   decimal.Decimal   `json:"boStopLossValue"`
}

// ModifyRequest 改单参数；零值字段沿用原值。
type ModifyRequest struct {
	ClientID          string          `json:"dhanClientId"`
	OrderID           string          `json:"orderId"`
	OrderType         order.OrderType `json:"orderType"`
	LegName           string          `json:"legName,omitempty"`
	Quantity          int64           `json:"quantity"`
	Price             decimal.Decimal `json:"price"`
	TriggerPrice      decimal.Decimal `json:"triggerPrice"`
	DisclosedQuantity int64           `json:"disclosedQuantity,omitempty"`
	Validity          order.Validity  `json:"validity"`
}

// FundsPayload /fundlimit 响应
type FundsPayload struct {
	AvailableBalance decimal.Decimal `json:"availabelBalance"`
	Collateral       decimal.Decimal `json:"collateralAmount"`
	UtilizedAmount   decimal.Decimal `json:"utilizedAmount"`
}

// PositionPayload /positions 响应中的一条持仓
type PositionPayload struct {
	SecurityID      string          `json:"securityId"`
	ExchangeSegment string          `json:"exchangeSegment"`
	ProductType     string          `json:"productType"`
	NetQty          int64           `json:"netQty"`
	BuyAvg          decimal.Decimal `json:"buyAvg"`
	SellAvg         decimal.Decimal `json:"sellAvg"`
	RealizedProfit  decimal.Decimal `json:"realizedProfit"`
}

type orderResp struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
}

type orderPage struct {
	Orders  []OrderPayload `json:"orders"`
	HasMore bool           `json:"hasMore"`
}

// PlaceOrder 调用 POST /orders 下单。
func (c *BrokerRESTClient) PlaceOrder(ctx context.Context, req PlaceRequest) (Result, error) {
	if req.ClientID == "" && c.Auth != nil {
		req.ClientID = c.Auth.ClientID()
	}
	var resp orderResp
	if err := c.do(ctx, http.MethodPost, "/orders", req, &resp); err != nil {
		return Result{}, err
	}
	return toResult(resp)
}

// ModifyOrder 调用 PUT /orders/{id} 改单。
func (c *BrokerRESTClient) ModifyOrder(ctx context.Context, req ModifyRequest) (Result, error) {
	if req.ClientID == "" && c.Auth != nil {
		req.ClientID = c.Auth.ClientID()
	}
	var resp orderResp
	if err := c.do(ctx, http.MethodPut, "/orders/"+url.PathEscape(req.OrderID), req, &resp); err != nil {
		return Result{}, err
	}
	return toResult(resp)
}

// CancelOrder 调用 DELETE /orders/{id} 撤单。
func (c *BrokerRESTClient) CancelOrder(ctx context.Context, orderID string) (Result, error) {
	var resp orderResp
	if err := c.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, &resp); err != nil {
		return Result{}, err
	}
	if resp.OrderID == "" {
		resp.OrderID = orderID
	}
	return toResult(resp)
}

// GetOrder 查询单个订单。
func (c *BrokerRESTClient) GetOrder(ctx context.Context, orderID string) (OrderPayload, error) {
	var p OrderPayload
	err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &p)
	return p, err
}

// OrderByCorrelationID 按客户端关联 ID 查询订单，用于判定超时下单的真实结果。
func (c *BrokerRESTClient) OrderByCorrelationID(ctx context.Context, correlationID string) (OrderPayload, error) {
	var p OrderPayload
	err := c.do(ctx, http.MethodGet, "/orders/external/"+url.PathEscape(correlationID), nil, &p)
	return p, err
}

// OrderLegs 查询括号单/挂钩单的子腿。
func (c *BrokerRESTClient) OrderLegs(ctx context.Context, orderID string) ([]OrderPayload, error) {
	var legs []OrderPayload
	err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID)+"/legs", nil, &legs)
	return legs, err
}

// OrdersUpdatedAfter 分页拉取更新时间晚于 afterMs 的订单（断线补发使用）。
func (c *BrokerRESTClient) OrdersUpdatedAfter(ctx context.Context, afterMs int64, page int) ([]OrderPayload, bool, error) {
	q := url.Values{}
	q.Set("updatedAfter", strconv.FormatInt(afterMs, 10))
	q.Set("page", strconv.Itoa(page))
	var resp orderPage
	if err := c.do(ctx, http.MethodGet, "/orders?"+q.Encode(), nil, &resp); err != nil {
		return nil, false, err
	}
	return resp.Orders, resp.HasMore, nil
}

// FundLimit 查询账户资金。
func (c *BrokerRESTClient) FundLimit(ctx context.Context) (FundsPayload, error) {
	var f FundsPayload
	err := c.do(ctx, http.MethodGet, "/fundlimit", nil, &f)
	return f, err
}

// LTP 查询最新成交价。
func (c *BrokerRESTClient) LTP(ctx context.Context, segment, securityID string) (decimal.Decimal, error) {
	body := map[string][]string{segment: {securityID}}
	var resp struct {
		Data map[string]map[string]struct {
			LastPrice decimal.Decimal `json:"last_price"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/marketfeed/ltp", body, &resp); err != nil {
		return decimal.Zero, err
	}
	seg, ok := resp.Data[segment]
	if !ok {
		return decimal.Zero, &Error{Kind: KindNotFound, Message: "no ltp for segment " + segment}
	}
	q, ok := seg[securityID]
	if !ok || !q.LastPrice.IsPositive() {
		return decimal.Zero, &Error{Kind: KindNotFound, Message: "no ltp for security " + securityID}
	}
	return q.LastPrice, nil
}

// Positions 查询当日持仓（仅对账报表使用）。
func (c *BrokerRESTClient) Positions(ctx context.Context) ([]PositionPayload, error) {
	var ps []PositionPayload
	err := c.do(ctx, http.MethodGet, "/positions", nil, &ps)
	return ps, err
}

func (c *BrokerRESTClient) do(ctx context.Context, method, path string, in, out any) error {
	if c == nil || c.HTTPClient == nil {
		return &Error{Kind: KindFatal, Message: "http client not set"}
	}
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return &Error{Kind: KindInvalidParams, Message: err.Error(), Err: err}
		}
	}
	token, err := c.token(ctx, false)
	if err != nil {
		return err
	}
	status, body, err := c.send(ctx, method, path, payload, token)
	cerr := Classify(status, body, err)
	if IsKind(cerr, KindAuth) {
		if token, err = c.token(ctx, true); err != nil {
			return err
		}
		status, body, err = c.send(ctx, method, path, payload, token)
		cerr = Classify(status, body, err)
		if IsKind(cerr, KindAuth) {
			ge := cerr.(*Error)
			return &Error{Kind: KindFatal, Code: ge.Code, Message: "authentication failed after refresh: " + ge.Message}
		}
	}
	if cerr != nil {
		return cerr
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: KindFatal, Message: fmt.Sprintf("decode %s %s: %v", method, path, err), Err: err}
	}
	return nil
}

func (c *BrokerRESTClient) token(ctx context.Context, refresh bool) (string, error) {
	if c.Auth == nil {
		return "", nil
	}
	var (
		tok string
		err error
	)
	if refresh {
		tok, err = c.Auth.Refresh(ctx)
	} else {
		tok, err = c.Auth.Token(ctx)
	}
	if err != nil {
		return "", &Error{Kind: KindFatal, Message: "token unavailable: " + err.Error(), Err: err}
	}
	return tok, nil
}

func (c *BrokerRESTClient) send(ctx context.Context, method, path string, payload []byte, token string) (int, []byte, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("access-token", token)
	}
	if c.Auth != nil {
		req.Header.Set("client-id", c.Auth.ClientID())
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func toResult(r orderResp) (Result, error) {
	if r.OrderID == "" {
		return Result{}, &Error{Kind: KindFatal, Message: "empty orderId in broker response"}
	}
	st, ok := parseStatus(r.OrderStatus)
	if !ok {
		st = order.SourceTransit
	}
	return Result{OrderID: r.OrderID, Status: st}, nil
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
