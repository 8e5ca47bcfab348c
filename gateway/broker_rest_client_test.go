package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-replicator-go/order"
)

func TestBrokerRESTClientPlaceOrder(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get("access-token"))
		assert.Equal(t, "1100", r.Header.Get("client-id"))
		var req PlaceRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "1100", req.ClientID)
		assert.Equal(t, int64(50), req.Quantity)
		assert.True(t, decimal.RequireFromString("101.5").Equal(req.Price))
		io.WriteString(w, `{"orderId":"D-1","orderStatus":"PENDING"}`)
	}))
	defer ts.Close()

	cli := &BrokerRESTClient{
		BaseURL:    ts.URL,
		Auth:       NewStaticTokenProvider("1100", "tok", nil),
		HTTPClient: ts.Client(),
	}
	res, err := cli.PlaceOrder(context.Background(), PlaceRequest{
		CorrelationID:   "cid-1",
		TransactionType: order.SideBuy,
		SecurityID:      "1333",
		Quantity:        50,
		Price:           decimal.RequireFromString("101.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, "D-1", res.OrderID)
	assert.Equal(t, order.SourcePending, res.Status)
}

func TestBrokerRESTClientErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   Kind
	}{
		{"rate limited code", 400, `{"errorCode":"DH-904","errorMessage":"too many"}`, KindRateLimited},
		{"rate limited status", 429, ``, KindRateLimited},
		{"code wins over message", 400, `{"errorCode":"DH-906","errorMessage":"Insufficient margin for order"}`, KindInvalidParams},
		{"margin message", 400, `{"errorMessage":"Insufficient funds"}`, KindMarginRejected},
		{"invalid", 400, `{"errorCode":"X","errorMessage":"bad price"}`, KindInvalidParams},
		{"server", 503, `oops`, KindTransient},
		{"already traded", 400, `{"errorMessage":"Order already traded"}`, KindAlreadyFilled},
		{"not found", 404, ``, KindNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer ts.Close()
			cli := &BrokerRESTClient{BaseURL: ts.URL, HTTPClient: ts.Client()}
			_, err := cli.CancelOrder(context.Background(), "D-1")
			require.Error(t, err)
			assert.Equal(t, tc.kind, KindOf(err))
		})
	}
}

func TestBrokerRESTClientRefreshesTokenOnce(t *testing.T) {
	var calls, refreshes int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("access-token") != "fresh" {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"errorCode":"DH-901","errorMessage":"token expired"}`)
			return
		}
		io.WriteString(w, `{"availabelBalance":100000.5,"collateralAmount":0}`)
	}))
	defer ts.Close()

	auth := NewStaticTokenProvider("1100", "stale", func(ctx context.Context) (string, error) {
		atomic.AddInt32(&refreshes, 1)
		return "fresh", nil
	})
	cli := &BrokerRESTClient{BaseURL: ts.URL, Auth: auth, HTTPClient: ts.Client()}
	f, err := cli.FundLimit(context.Background())
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("100000.5").Equal(f.AvailableBalance))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshes))
}

func TestBrokerRESTClientAuthFailsAfterRefresh(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	auth := NewStaticTokenProvider("1100", "stale", func(ctx context.Context) (string, error) {
		return "still-bad", nil
	})
	cli := &BrokerRESTClient{BaseURL: ts.URL, Auth: auth, HTTPClient: ts.Client()}
	_, err := cli.GetOrder(context.Background(), "D-1")
	require.Error(t, err)
	assert.Equal(t, KindFatal, KindOf(err))
}

func TestBrokerRESTClientOrdersUpdatedAfter(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1700000000000", r.URL.Query().Get("updatedAfter"))
		if r.URL.Query().Get("page") == "0" {
			io.WriteString(w, `{"orders":[{"orderId":"S-1","securityId":"1333","transactionType":"BUY","orderStatus":"PENDING","updateTime":"2024-01-02 10:00:00"}],"hasMore":true}`)
			return
		}
		io.WriteString(w, `{"orders":[],"hasMore":false}`)
	}))
	defer ts.Close()

	cli := &BrokerRESTClient{BaseURL: ts.URL, HTTPClient: ts.Client()}
	orders, more, err := cli.OrdersUpdatedAfter(context.Background(), 1700000000000, 0)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.True(t, more)
	assert.Equal(t, "S-1", orders[0].OrderID)

	orders, more, err = cli.OrdersUpdatedAfter(context.Background(), 1700000000000, 1)
	require.NoError(t, err)
	assert.Empty(t, orders)
	assert.False(t, more)
}

func TestBrokerRESTClientLTP(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":{"NSE_EQ":{"1333":{"last_price":1642.35}}},"status":"success"}`)
	}))
	defer ts.Close()

	cli := &BrokerRESTClient{BaseURL: ts.URL, HTTPClient: ts.Client()}
	px, err := cli.LTP(context.Background(), "NSE_EQ", "1333")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1642.35").Equal(px))

	_, err = cli.LTP(context.Background(), "NSE_EQ", "999")
	assert.Equal(t, KindNotFound, KindOf(err))
}
