package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gymhealth_checkout/internal/auth"
	"gymhealth_checkout/internal/config"
	"gymhealth_checkout/internal/middleware"
	"gymhealth_checkout/internal/payment"
	"gymhealth_checkout/internal/services"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *mapCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = b
	return nil
}

func (c *mapCache) Get(_ context.Context, key string, dest any) error {
	c.mu.Lock()
	b, ok := c.data[key]
	c.mu.Unlock()
	if !ok {
		return services.ErrCacheMiss
	}
	return json.Unmarshal(b, dest)
}

func (c *mapCache) SetNX(ctx context.Context, key string, value any, exp time.Duration) (bool, error) {
	c.mu.Lock()
	_, ok := c.data[key]
	c.mu.Unlock()
	if ok {
		return false, nil
	}
	return true, c.Set(ctx, key, value, exp)
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

type stubBackend struct{}

func (stubBackend) RegisterSubscription(context.Context, string, string) (string, error) {
	return "42", nil
}

func (stubBackend) CreatePayment(context.Context, string, payment.Method, services.PaymentRequest) (services.PaymentCreation, error) {
	return services.PaymentCreation{
		Kind:       services.PaymentRedirect,
		PaymentURL: "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html?vnp_Amount=50000000",
		OrderID:    "GYM_42_ab12cd34",
	}, nil
}

func (stubBackend) ActiveSubscription(context.Context, string) (*services.Subscription, error) {
	return nil, nil
}

// withSession stands in for RequireAuth
func withSession(sess *auth.Session) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(auth.WithSession(c.Request().Context(), sess)))
			return next(c)
		}
	}
}

func newCheckoutEcho(t *testing.T) *echo.Echo {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, services.AutoMigrate(db, zap.NewNop()))

	svc := services.NewCheckoutService(db, &mapCache{data: map[string][]byte{}}, stubBackend{}, nil,
		services.NewMetrics(prometheus.NewRegistry()),
		config.CheckoutConfig{
			SettleDelay:  time.Second,
			GatewayHosts: []string{"vnpayment.vn"},
			IdleTTL:      time.Hour,
			StatusTTL:    time.Hour,
			MaxAge:       time.Hour,
			MinAmount:    1000,
		}, zap.NewNop())
	t.Cleanup(svc.Shutdown)

	h := NewCheckoutHandler(svc)
	e := echo.New()
	e.HTTPErrorHandler = middleware.JSONErrorHandler(zap.NewNop())
	g := e.Group("/checkouts", withSession(&auth.Session{Token: "tok", UserID: "7"}))
	g.POST("", h.StartCheckout)
	g.GET("", h.ListCheckouts)
	g.GET("/:id", h.GetCheckout)
	g.GET("/:id/events", h.ListEvents)
	g.POST("/:id/navigations", h.Navigate)
	g.POST("/:id/load-error", h.ReportLoadError)
	g.POST("/:id/reload", h.Reload)
	g.POST("/:id/cancel", h.Cancel)
	g.POST("/:id/handoff-failure", h.ReportHandoffFailure)
	g.DELETE("/:id", h.CloseCheckout)
	return e
}

func do(t *testing.T, e *echo.Echo, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func startCheckout(t *testing.T, e *echo.Echo) string {
	rec, out := do(t, e, http.MethodPost, "/checkouts", `{"packageId":"3","packageName":"Gói 3 tháng","price":500000,"method":"vnpay"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "PENDING", out["status"])
	assert.Equal(t, true, out["live"])
	return out["id"].(string)
}

func TestCheckoutHandlerSuccessFlow(t *testing.T) {
	e := newCheckoutEcho(t)
	id := startCheckout(t, e)

	rec, out := do(t, e, http.MethodPost, "/checkouts/"+id+"/navigations", `{"url":"https://sandbox.vnpayment.vn/return?vnp_ResponseCode=00&vnp_TransactionNo=99"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SUCCESS", out["status"])
	assert.Equal(t, true, out["committed"])

	rec, out = do(t, e, http.MethodGet, "/checkouts/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "SUCCESS", out["status"])
	result := out["result"].(map[string]any)
	assert.Equal(t, "99", result["transactionMeta"].(map[string]any)["transactionId"])

	rec, out = do(t, e, http.MethodPost, "/checkouts/"+id+"/cancel", `{"confirmed":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, out["prompt"])

	rec, out = do(t, e, http.MethodGet, "/checkouts/"+id+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["events"], 1)

	rec, _ = do(t, e, http.MethodDelete, "/checkouts/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, out = do(t, e, http.MethodPost, "/checkouts/"+id+"/navigations", `{"url":"https://sandbox.vnpayment.vn/return"}`)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "closed", out["kind"])

	rec, out = do(t, e, http.MethodGet, "/checkouts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["checkouts"], 1)
}

func TestCheckoutHandlerCancelFlow(t *testing.T) {
	e := newCheckoutEcho(t)
	id := startCheckout(t, e)

	rec, out := do(t, e, http.MethodPost, "/checkouts/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	prompt := out["prompt"].(map[string]any)
	assert.Equal(t, "Hủy thanh toán", prompt["confirm"])

	rec, out = do(t, e, http.MethodPost, "/checkouts/"+id+"/cancel", `{"confirmed":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	result := out["result"].(map[string]any)
	assert.Equal(t, "CANCELLED", result["status"])
	assert.Equal(t, "user_cancelled", result["kind"])
}

func TestCheckoutHandlerLoadErrorFlow(t *testing.T) {
	e := newCheckoutEcho(t)
	id := startCheckout(t, e)

	rec, out := do(t, e, http.MethodPost, "/checkouts/"+id+"/reload", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "no_load_error", out["kind"])

	rec, out = do(t, e, http.MethodPost, "/checkouts/"+id+"/load-error", `{"description":"net::ERR_NAME_NOT_RESOLVED"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["retryable"])
	assert.Equal(t, "transport_error", out["failure"].(map[string]any)["kind"])

	rec, out = do(t, e, http.MethodPost, "/checkouts/"+id+"/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PENDING", out["status"])

	rec, out = do(t, e, http.MethodPost, "/checkouts/"+id+"/handoff-failure", `{}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "no_handoff", out["kind"])
}

func TestCheckoutHandlerErrors(t *testing.T) {
	e := newCheckoutEcho(t)

	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "price too low",
			method:     http.MethodPost,
			target:     "/checkouts",
			body:       `{"packageId":"3","price":500,"method":"vnpay"}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Giá gói tập không hợp lệ. Giá tối thiểu là 1,000 VND.",
		},
		{
			name:       "malformed body",
			method:     http.MethodPost,
			target:     "/checkouts",
			body:       `{"price":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Dữ liệu gửi lên không hợp lệ.",
		},
		{
			name:       "unknown checkout",
			method:     http.MethodGet,
			target:     "/checkouts/nope",
			wantStatus: http.StatusNotFound,
			wantError:  "Không tìm thấy giao dịch.",
		},
		{
			name:       "navigation without url",
			method:     http.MethodPost,
			target:     "/checkouts/nope/navigations",
			body:       `{"url":" "}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "Thiếu URL điều hướng.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := do(t, e, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantError, out["error"])
		})
	}
}
