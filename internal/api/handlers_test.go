package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/storefront-orders/internal/api/middleware"
	"github.com/example/storefront-orders/internal/auth"
	"github.com/example/storefront-orders/internal/command"
	"github.com/example/storefront-orders/internal/domain/product"
	"github.com/example/storefront-orders/internal/infrastructure/idempotency"
	"github.com/example/storefront-orders/internal/infrastructure/store/mocks"
	"github.com/example/storefront-orders/internal/metrics"
	"github.com/example/storefront-orders/internal/payment/vietqr"
	"github.com/example/storefront-orders/internal/query"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type apiResponse struct {
	Success    bool              `json:"success"`
	Data       json.RawMessage   `json:"data"`
	Message    string            `json:"message"`
	Pagination *query.Pagination `json:"pagination"`
}

type orderBody struct {
	ID                string `json:"id"`
	CustomerID        string `json:"customerId"`
	FulfillmentStatus string `json:"fulfillmentStatus"`
	PaymentStatus     string `json:"paymentStatus"`
	IsPaid            bool   `json:"isPaid"`
}

type testServer struct {
	router   http.Handler
	store    *mocks.MockStore
	tokens   *auth.JWTService
	customer string
	stranger string
	admin    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := mocks.NewMockStore()
	st.AddProduct(product.Product{ID: "p1", Name: "Áo thun", Price: decimal.NewFromInt(100000), Stock: 10})
	st.AddProduct(product.Product{ID: "p2", Name: "Quần jean", Price: decimal.NewFromInt(250000), Stock: 1})

	var seq atomic.Int64
	cmd := command.NewHandler(command.Deps{
		Store: st,
		QR: vietqr.NewBuilder(vietqr.Config{
			BankID:      "970436",
			AccountNo:   "0011001234567",
			AccountName: "CUA HANG AN",
		}, vietqr.DefaultSandboxPolicy()),
		NewID: func() string { return fmt.Sprintf("ord-%d", seq.Add(1)) },
	})
	handlers := NewHandlers(cmd, query.NewHandler(st, zap.NewNop()), zap.NewNop())

	tokens := auth.NewJWTService("api-test-secret-key-that-is-long-enough", "storefront", time.Hour)
	router := NewRouter(handlers, RouterConfig{
		Tokens:      tokens,
		Metrics:     metrics.New(),
		Idempotency: idempotency.NewMemoryStore(),
		Logger:      zap.NewNop(),
	})

	mint := func(id, email, role string) string {
		token, _, err := tokens.GenerateAccessToken(id, email, role)
		require.NoError(t, err)
		return token
	}
	return &testServer{
		router:   router,
		store:    st,
		tokens:   tokens,
		customer: mint("cust-1", "an@example.com", "customer"),
		stranger: mint("cust-2", "binh@example.com", "customer"),
		admin:    mint("admin-1", "ops@example.com", auth.RoleAdmin),
	}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any, headers ...string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func orderRequest(method string, productID string, qty int64, unitPrice int64) map[string]any {
	items := unitPrice * qty
	return map[string]any{
		"items": []map[string]any{{"productId": productID, "quantity": qty}},
		"shippingAddress": map[string]any{
			"fullName":    "Nguyễn Văn An",
			"phone":       "0901234567",
			"addressLine": "12 Lê Lợi",
			"district":    "Quận 1",
			"province":    "TP. Hồ Chí Minh",
		},
		"paymentMethod": method,
		"itemsPrice":    items,
		"shippingPrice": 30000,
		"totalPrice":    items + 30000,
	}
}

func (s *testServer) createOrder(t *testing.T, method string) orderBody {
	t.Helper()
	rec, resp := s.do(t, http.MethodPost, "/orders", s.customer, orderRequest(method, "p1", 2, 100000))
	require.Equal(t, http.StatusCreated, rec.Code, resp.Message)

	var created struct {
		Order orderBody `json:"order"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	return created.Order
}

func decodeOrder(t *testing.T, resp apiResponse) orderBody {
	t.Helper()
	var o orderBody
	require.NoError(t, json.Unmarshal(resp.Data, &o))
	return o
}

// ============================================
// Routing and Auth Tests
// ============================================

func TestRouter_HealthIsPublic(t *testing.T) {
	s := newTestServer(t)

	rec, resp := s.do(t, http.MethodGet, "/health", "", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
}

func TestRouter_UnknownRouteUsesEnvelope(t *testing.T) {
	s := newTestServer(t)

	rec, resp := s.do(t, http.MethodGet, "/nowhere", "", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, resp.Success)
}

func TestRouter_OrdersRequireAuthentication(t *testing.T) {
	s := newTestServer(t)

	rec, resp := s.do(t, http.MethodGet, "/orders/my-orders", "", nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "authentication required", resp.Message)
}

func TestRouter_AdminRoutesRejectCustomers(t *testing.T) {
	s := newTestServer(t)
	o := s.createOrder(t, "vietqr")

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/orders"},
		{http.MethodGet, "/orders/stats/overview"},
		{http.MethodPut, "/orders/" + o.ID + "/status"},
		{http.MethodPut, "/orders/" + o.ID + "/verify-payment"},
		{http.MethodPut, "/orders/" + o.ID + "/payment-failed"},
		{http.MethodPost, "/products"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec, _ := s.do(t, tt.method, tt.path, s.customer, map[string]any{})
			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	}
}

// ============================================
// Order Handler Tests
// ============================================

func TestCreateOrder_ReturnsPaymentInfo(t *testing.T) {
	s := newTestServer(t)

	rec, resp := s.do(t, http.MethodPost, "/orders", s.customer, orderRequest("vietqr", "p1", 2, 100000))

	require.Equal(t, http.StatusCreated, rec.Code, resp.Message)
	var created struct {
		Order       orderBody           `json:"order"`
		PaymentInfo *vietqr.PaymentInfo `json:"paymentInfo"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &created))
	assert.Equal(t, "cust-1", created.Order.CustomerID)
	assert.Equal(t, "pending", created.Order.FulfillmentStatus)
	require.NotNil(t, created.PaymentInfo)
	assert.NotEmpty(t, created.PaymentInfo.QRCodeURL)
	assert.Equal(t, 8, s.store.Stock("p1"))
}

func TestCreateOrder_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed body", `{"items":`, http.StatusBadRequest},
		{"unknown payment method", orderRequest("paypal", "p1", 1, 100000), http.StatusBadRequest},
		{"unknown product", orderRequest("cod", "nope", 1, 100000), http.StatusNotFound},
		{"insufficient stock", orderRequest("cod", "p2", 2, 250000), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := s.do(t, http.MethodPost, "/orders", s.customer, tt.body)
			assert.Equal(t, tt.want, rec.Code, resp.Message)
			assert.False(t, resp.Success)
		})
	}
	assert.Equal(t, 1, s.store.Stock("p2"))
}

func TestCreateOrder_IdempotentReplay(t *testing.T) {
	s := newTestServer(t)
	body := orderRequest("cod", "p1", 1, 100000)

	first, _ := s.do(t, http.MethodPost, "/orders", s.customer, body, middleware.IdempotencyHeader, "checkout-1")
	second, _ := s.do(t, http.MethodPost, "/orders", s.customer, body, middleware.IdempotencyHeader, "checkout-1")

	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(middleware.ReplayedHeader))
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 9, s.store.Stock("p1"))
}

func TestGetOrder_Visibility(t *testing.T) {
	s := newTestServer(t)
	o := s.createOrder(t, "cod")

	rec, resp := s.do(t, http.MethodGet, "/orders/"+o.ID, s.customer, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, o.ID, decodeOrder(t, resp).ID)

	rec, _ = s.do(t, http.MethodGet, "/orders/"+o.ID, s.stranger, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/orders/"+o.ID, s.admin, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/orders/missing", s.admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMyOrders_Paginates(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		s.createOrder(t, "cod")
	}

	rec, resp := s.do(t, http.MethodGet, "/orders/my-orders?page=2&limit=2", s.customer, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var orders []orderBody
	require.NoError(t, json.Unmarshal(resp.Data, &orders))
	assert.Len(t, orders, 1)
	require.NotNil(t, resp.Pagination)
	assert.Equal(t, 3, resp.Pagination.Total)
	assert.Equal(t, 2, resp.Pagination.Pages)
	assert.Equal(t, 2, resp.Pagination.CurrentPage)

	rec, _ = s.do(t, http.MethodGet, "/orders/my-orders", s.stranger, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = s.do(t, http.MethodGet, "/orders/my-orders?page=abc", s.customer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = s.do(t, http.MethodGet, "/orders/my-orders?limit=500", s.customer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListOrders_Filters(t *testing.T) {
	s := newTestServer(t)
	s.createOrder(t, "cod")
	s.createOrder(t, "vietqr")

	rec, resp := s.do(t, http.MethodGet, "/orders?paymentMethod=vietqr", s.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, resp.Pagination.Total)

	rec, resp = s.do(t, http.MethodGet, "/orders?isPaid=false", s.admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, resp.Pagination.Total)

	rec, _ = s.do(t, http.MethodGet, "/orders?isPaid=maybe", s.admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransferHandshakeAndFulfillment(t *testing.T) {
	s := newTestServer(t)
	o := s.createOrder(t, "vietqr")
	base := "/orders/" + o.ID

	rec, resp := s.do(t, http.MethodPut, base+"/confirm-transfer", s.customer, nil)
	require.Equal(t, http.StatusOK, rec.Code, resp.Message)
	assert.Equal(t, "customer_transferred", decodeOrder(t, resp).PaymentStatus)

	rec, resp = s.do(t, http.MethodPut, base+"/verify-payment", s.admin, map[string]any{"note": "VCB 12:05"})
	require.Equal(t, http.StatusOK, rec.Code, resp.Message)
	verified := decodeOrder(t, resp)
	assert.True(t, verified.IsPaid)
	assert.Equal(t, "confirmed", verified.FulfillmentStatus)

	rec, resp = s.do(t, http.MethodPut, base+"/status", s.admin, map[string]any{
		"status":   "shipped",
		"shipping": map[string]any{"provider": "GHN", "trackingNumber": "GHN123"},
	})
	require.Equal(t, http.StatusOK, rec.Code, resp.Message)
	assert.Equal(t, "shipped", decodeOrder(t, resp).FulfillmentStatus)

	rec, _ = s.do(t, http.MethodPut, base+"/status", s.admin, map[string]any{"status": "pending"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = s.do(t, http.MethodPut, base+"/cancel", s.customer, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelOrder_RestoresStock(t *testing.T) {
	s := newTestServer(t)
	o := s.createOrder(t, "cod")
	require.Equal(t, 8, s.store.Stock("p1"))

	rec, _ := s.do(t, http.MethodPut, "/orders/"+o.ID+"/cancel", s.stranger, map[string]any{"reason": "x"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp := s.do(t, http.MethodPut, "/orders/"+o.ID+"/cancel", s.customer, map[string]any{"reason": "đổi ý"})
	require.Equal(t, http.StatusOK, rec.Code, resp.Message)
	assert.Equal(t, "cancelled", decodeOrder(t, resp).FulfillmentStatus)
	assert.Equal(t, 10, s.store.Stock("p1"))
}

func TestPaymentFailed(t *testing.T) {
	s := newTestServer(t)
	o := s.createOrder(t, "vietqr")

	rec, resp := s.do(t, http.MethodPut, "/orders/"+o.ID+"/payment-failed", s.admin, map[string]any{"reason": "no transfer found"})

	require.Equal(t, http.StatusOK, rec.Code, resp.Message)
	assert.Equal(t, "failed", decodeOrder(t, resp).PaymentStatus)
}

func TestOrderStats(t *testing.T) {
	s := newTestServer(t)
	s.createOrder(t, "vietqr")
	s.createOrder(t, "cod")

	rec, resp := s.do(t, http.MethodGet, "/orders/stats/overview", s.admin, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		TotalOrders     int            `json:"totalOrders"`
		PendingPayments int            `json:"pendingPayments"`
		ByStatus        map[string]int `json:"byStatus"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &stats))
	assert.Equal(t, 2, stats.TotalOrders)
	assert.Equal(t, 1, stats.PendingPayments)
	assert.Equal(t, 2, stats.ByStatus["pending"])
}

// ============================================
// Product Handler Tests
// ============================================

func TestProducts_UpsertRestockAndGet(t *testing.T) {
	s := newTestServer(t)

	rec, resp := s.do(t, http.MethodPost, "/products", s.admin, map[string]any{
		"id": "p9", "name": "Nón lá", "price": 45000, "stock": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code, resp.Message)

	rec, resp = s.do(t, http.MethodPost, "/products/p9/stock", s.admin, map[string]any{"quantity": 5})
	require.Equal(t, http.StatusOK, rec.Code, resp.Message)

	rec, resp = s.do(t, http.MethodGet, "/products/p9", s.customer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p product.Product
	require.NoError(t, json.Unmarshal(resp.Data, &p))
	assert.Equal(t, "Nón lá", p.Name)
	assert.Equal(t, 7, p.Stock)

	rec, _ = s.do(t, http.MethodPost, "/products/p9/stock", s.admin, map[string]any{"quantity": 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
