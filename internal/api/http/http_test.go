package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jekabolt/o2o-ledger/internal/entity"
	gerr "github.com/jekabolt/o2o-ledger/internal/errors"
	"github.com/jekabolt/o2o-ledger/internal/ingest"
	"github.com/jekabolt/o2o-ledger/internal/router"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
)

type fakeRouter struct {
	got *entity.Query
	err error
}

func (f *fakeRouter) Route(ctx context.Context, q *entity.Query) (*entity.Result, *entity.RoutingDecision, error) {
	f.got = q
	if f.err != nil {
		return nil, &entity.RoutingDecision{QueryID: "q1"}, f.err
	}
	res := &entity.Result{
		Kind:             q.Kind,
		Granularity:      q.Granularity,
		Mode:             q.Mode,
		MarketingFormula: "v3.1",
		TotalCount:       1,
		Buckets: []entity.AggregationBucket{{
			Granularity: q.Granularity,
			Mode:        q.Mode,
			PeriodStart: q.Window.From,
			StoreID:     "S1",
			Channel:     "meituan",
			Totals:      entity.Totals{OrderCount: 1, ActualProfit: decimal.NewFromInt(88)},
		}},
		Totals: entity.Totals{OrderCount: 1, ActualProfit: decimal.NewFromInt(88)},
	}
	res.Excluded.Add("eleme", 1)
	return res, &entity.RoutingDecision{
		QueryID:       "q1",
		Engine:        entity.EngineOLTP,
		EstimatedRows: 2,
		Latency:       1500 * time.Microsecond,
	}, nil
}

func (f *fakeRouter) Status(ctx context.Context) (*router.Status, error) {
	return &router.Status{TotalRows: 5, SwitchThreshold: 100, ActiveEngine: entity.EngineOLTP}, nil
}

type fakeIngester struct {
	lines   []entity.OrderLine
	records []map[string]string
	err     error
}

func (f *fakeIngester) Ingest(ctx context.Context, lines []entity.OrderLine) (*ingest.Result, error) {
	f.lines = lines
	return &ingest.Result{Lines: len(lines), Inserted: 1}, f.err
}

func (f *fakeIngester) IngestRecords(ctx context.Context, recs []map[string]string) (*ingest.Result, error) {
	f.records = recs
	return &ingest.Result{Lines: len(recs), Inserted: 1}, nil
}

type fakeRebuilder struct {
	got entity.Window
}

func (f *fakeRebuilder) RebuildRange(ctx context.Context, w entity.Window) (int, error) {
	f.got = w
	return len(w.Days()), nil
}

type fakeDB struct {
	err    error
	orders map[string]*entity.Order
}

func (f *fakeDB) Ping(ctx context.Context) error {
	return f.err
}

func (f *fakeDB) GetOrder(ctx context.Context, orderID string) (*entity.Order, []entity.OrderLine, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	o, ok := f.orders[orderID]
	if !ok {
		return nil, nil, nil
	}
	return o, []entity.OrderLine{{OrderID: orderID, StoreID: o.StoreID, Channel: o.Channel}}, nil
}

type harness struct {
	router    *fakeRouter
	ingester  *fakeIngester
	rebuilder *fakeRebuilder
	db        *fakeDB
	handler   http.Handler
}

func newHarness() *harness {
	h := &harness{
		router:    &fakeRouter{},
		ingester:  &fakeIngester{},
		rebuilder: &fakeRebuilder{},
		db: &fakeDB{orders: map[string]*entity.Order{
			"O1": {
				OrderID:            "O1",
				StoreID:            "S1",
				Channel:            "meituan",
				ProfitAmountSum:    decimal.NewFromInt(100),
				ServiceFeeItemSum:  decimal.NewFromInt(0),
				PlatformCommission: decimal.NewFromInt(12),
			},
		}},
	}
	c := DefaultConfig()
	c.MaxBodyBytes = 4096
	h.handler = New(&c, NewHandlers(h.router, h.ingester, h.rebuilder, h.db)).Handler()
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestQuery(t *testing.T) {
	h := newHarness()
	rec := h.do(t, http.MethodPost, "/api/v1/query", `{
		"store_id": "S1",
		"date_range": {"from": "2024-03-04", "to": "2024-03-10"},
		"granularity": "week",
		"fallback_mode": "with_fallback",
		"require_fresh": true
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	q := h.router.got
	require.NotNil(t, q)
	assert.Equal(t, "S1", q.StoreID)
	assert.Equal(t, "2024-03-04_2024-03-11", q.Window.Key(), "to is inclusive")
	assert.Equal(t, entity.GranularityWeek, q.Granularity)
	assert.Equal(t, entity.FallbackWithCommission, q.Mode)
	assert.Equal(t, entity.QueryBuckets, q.Kind)
	assert.True(t, q.RequireFresh)

	var resp struct {
		Kind         string `json:"kind"`
		FallbackMode string `json:"fallback_mode"`
		TotalCount   int64  `json:"total_count"`
		Buckets      []struct {
			Channel      string `json:"channel"`
			ActualProfit string `json:"actual_profit"`
		} `json:"buckets"`
		Excluded struct {
			Count     int64            `json:"count"`
			ByChannel map[string]int64 `json:"by_channel"`
		} `json:"excluded"`
		Routing RoutingInfo `json:"routing"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "buckets", resp.Kind)
	assert.Equal(t, "with_fallback", resp.FallbackMode)
	require.Len(t, resp.Buckets, 1)
	assert.Equal(t, "88", resp.Buckets[0].ActualProfit)
	assert.EqualValues(t, 1, resp.Excluded.ByChannel["eleme"])
	assert.Equal(t, entity.EngineOLTP, resp.Routing.Engine)
	assert.Equal(t, "q1", resp.Routing.QueryID)
	assert.InDelta(t, 1.5, resp.Routing.QueryTimeMs, 0.001)
	assert.EqualValues(t, 2, resp.Routing.EstimatedRows)
}

func TestQueryValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown field", `{"date_range":{"from":"2024-03-04","to":"2024-03-04"},"granularity":"day","fallback_mode":"strict","foo":1}`},
		{"missing mode", `{"date_range":{"from":"2024-03-04","to":"2024-03-04"},"granularity":"day"}`},
		{"unknown mode", `{"date_range":{"from":"2024-03-04","to":"2024-03-04"},"granularity":"day","fallback_mode":"lenient"}`},
		{"bad granularity", `{"date_range":{"from":"2024-03-04","to":"2024-03-04"},"granularity":"hour","fallback_mode":"strict"}`},
		{"missing range", `{"granularity":"day","fallback_mode":"strict"}`},
		{"bad date", `{"date_range":{"from":"2024-13-04","to":"2024-03-04"},"granularity":"day","fallback_mode":"strict"}`},
		{"reversed range", `{"date_range":{"from":"2024-03-05","to":"2024-03-04"},"granularity":"day","fallback_mode":"strict"}`},
		{"unknown engine", `{"date_range":{"from":"2024-03-04","to":"2024-03-04"},"granularity":"day","fallback_mode":"strict","engine":"gpu"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			rec := h.do(t, http.MethodPost, "/api/v1/query", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			var e ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
			assert.Equal(t, "InvalidArgument", e.Code)
			assert.Nil(t, h.router.got)
		})
	}
}

func TestQueryErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
		engine string
	}{
		{"engine unavailable", &gerr.EngineUnavailableError{Engine: "olap", Err: errors.New("disk")}, http.StatusServiceUnavailable, "Unavailable", "olap"},
		{"deadline", gerr.ErrDeadlineExceeded, http.StatusGatewayTimeout, "DeadlineExceeded", ""},
		{"no engine", gerr.ErrNoEngine, http.StatusServiceUnavailable, "Unavailable", ""},
		{"internal", errors.New("boom"), http.StatusInternalServerError, "Internal", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.router.err = tt.err
			rec := h.do(t, http.MethodPost, "/api/v1/query",
				`{"date_range":{"from":"2024-03-04","to":"2024-03-04"},"granularity":"day","fallback_mode":"strict"}`)
			assert.Equal(t, tt.status, rec.Code)
			var e ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
			assert.Equal(t, tt.code, e.Code)
			assert.Equal(t, tt.engine, e.Engine)
		})
	}
}

func TestIngest(t *testing.T) {
	h := newHarness()

	rec := h.do(t, http.MethodPost, "/api/v1/ingest", `{"lines":[{
		"order_id": "O1", "store_id": "S1", "channel": "meituan",
		"timestamp": "2024-03-04T11:00:00Z",
		"unit_price": "10", "quantity": "1", "unit_cost": "4",
		"amounts": {"profit_amount": "100", "platform_commission": "2", "delivery_fee": "10"}
	}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, h.ingester.lines, 1)
	l := h.ingester.lines[0]
	assert.Equal(t, "O1", l.OrderID)
	assert.True(t, decimal.NewFromInt(100).Equal(l.Amounts.Get(entity.FieldProfitAmount)))

	rec = h.do(t, http.MethodPost, "/api/v1/ingest", `{"records":[{"订单编号":"O1","门店":"S1"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, h.ingester.records, 1)
	assert.Equal(t, "O1", h.ingester.records[0]["订单编号"])

	var res ingest.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Inserted)
}

func TestIngestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing order id", `{"lines":[{"store_id":"S1","channel":"meituan","timestamp":"2024-03-04T11:00:00Z"}]}`},
		{"missing timestamp", `{"lines":[{"order_id":"O1","store_id":"S1","channel":"meituan"}]}`},
		{"both shapes", `{"lines":[{"order_id":"O1","store_id":"S1","channel":"meituan","timestamp":"2024-03-04T11:00:00Z"}],"records":[{"a":"b"}]}`},
		{"too large", `{"records":[{"order_id":"` + string(bytes.Repeat([]byte("x"), 5000)) + `"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			rec := h.do(t, http.MethodPost, "/api/v1/ingest", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Nil(t, h.ingester.lines)
			assert.Nil(t, h.ingester.records)
		})
	}
}

func TestRebuild(t *testing.T) {
	h := newHarness()
	rec := h.do(t, http.MethodPost, "/api/v1/cache/rebuild", `{"date_range":{"from":"2024-03-04","to":"2024-03-06"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp RebuildResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2024-03-04_2024-03-07", resp.Window)
	assert.Equal(t, 3, resp.Published)

	h.rebuilder.got = entity.Window{}
	rec = h.do(t, http.MethodPost, "/api/v1/cache/rebuild", `{"date_range":{"from":"2000-01-01","to":"2024-12-31"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "at most 366")
	assert.True(t, h.rebuilder.got.Empty(), "rebuilder is not called")

	rec = h.do(t, http.MethodPost, "/api/v1/cache/rebuild", `{"date_range":{"from":"2024-01-01","to":"2024-12-31"}}`)
	assert.Equal(t, http.StatusOK, rec.Code, "a full leap year fits")
}

func TestIngestColumnarFailureReportsStoredOrders(t *testing.T) {
	h := newHarness()
	h.ingester.err = fmt.Errorf("%w: disk full", gerr.ErrColumnarWrite)

	rec := h.do(t, http.MethodPost, "/api/v1/ingest", `{"lines":[{
		"order_id": "O1", "store_id": "S1", "channel": "meituan",
		"timestamp": "2024-03-04T11:00:00Z"
	}]}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, codes.Internal.String(), resp.Code)
	require.NotNil(t, resp.Ingest)
	assert.Equal(t, 1, resp.Ingest.Inserted)
}

func TestWriteRateLimit(t *testing.T) {
	h := newHarness()
	c := DefaultConfig()
	c.WriteRateLimit = 1
	srv := New(&c, NewHandlers(h.router, h.ingester, h.rebuilder, h.db))
	defer srv.Stop(context.Background())
	h.handler = srv.Handler()

	body := `{"date_range":{"from":"2024-03-04","to":"2024-03-04"}}`
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v1/cache/rebuild", body).Code)
	assert.Equal(t, http.StatusTooManyRequests, h.do(t, http.MethodPost, "/api/v1/cache/rebuild", body).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/v1/status", "").Code, "reads are not limited")
}

func TestStatusAndHealth(t *testing.T) {
	h := newHarness()

	rec := h.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st router.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.EqualValues(t, 5, st.TotalRows)
	assert.Equal(t, entity.EngineOLTP, st.ActiveEngine)

	rec = h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	h.db.err = errors.New("connection refused")
	rec = h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCORS(t *testing.T) {
	h := newHarness()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/query", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/api/v1/query", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestOrder(t *testing.T) {
	h := newHarness()

	rec := h.do(t, http.MethodGet, "/api/v1/orders/O1?fallback_mode=with_fallback", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Order struct {
			OrderID              string `json:"order_id"`
			FallbackMode         string `json:"fallback_mode"`
			PlatformFeeEffective string `json:"platform_fee_effective"`
			ActualProfit         string `json:"actual_profit"`
		} `json:"order"`
		Lines []json.RawMessage `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "O1", resp.Order.OrderID)
	assert.Equal(t, "with_fallback", resp.Order.FallbackMode)
	assert.Equal(t, "12", resp.Order.PlatformFeeEffective)
	assert.Equal(t, "88", resp.Order.ActualProfit)
	assert.Len(t, resp.Lines, 1)

	rec = h.do(t, http.MethodGet, "/api/v1/orders/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/orders/O1?fallback_mode=lenient", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
