package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gymhealth_checkout/internal/auth"
	"gymhealth_checkout/internal/config"
	"gymhealth_checkout/internal/models"
	"gymhealth_checkout/internal/payment"
)

// memoryCache mimics RedisCache by storing JSON, ignoring expirations
type memoryCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: make(map[string][]byte)}
}

func (c *memoryCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = b
	return nil
}

func (c *memoryCache) Get(_ context.Context, key string, dest any) error {
	c.mu.Lock()
	b, ok := c.data[key]
	c.mu.Unlock()
	if !ok {
		return ErrCacheMiss
	}
	return json.Unmarshal(b, dest)
}

func (c *memoryCache) SetNX(ctx context.Context, key string, value any, exp time.Duration) (bool, error) {
	c.mu.Lock()
	_, exists := c.data[key]
	c.mu.Unlock()
	if exists {
		return false, nil
	}
	return true, c.Set(ctx, key, value, exp)
}

func (c *memoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func (c *memoryCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

type fakeBackend struct {
	mu         sync.Mutex
	subID      string
	creation   PaymentCreation
	active     *Subscription
	activeErr  error
	registered []string
	payments   []PaymentRequest
	activeHits int
}

func (b *fakeBackend) RegisterSubscription(_ context.Context, _ string, packageID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registered = append(b.registered, packageID)
	return b.subID, nil
}

func (b *fakeBackend) CreatePayment(_ context.Context, _ string, _ payment.Method, req PaymentRequest) (PaymentCreation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payments = append(b.payments, req)
	return b.creation, nil
}

func (b *fakeBackend) ActiveSubscription(context.Context, string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.activeHits++
	return b.active, b.activeErr
}

type fakeMembers struct {
	mu        sync.Mutex
	forgotten []string
}

func (m *fakeMembers) Forget(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgotten = append(m.forgotten, userID)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type checkoutFixture struct {
	svc     *CheckoutService
	db      *gorm.DB
	cache   *memoryCache
	backend *fakeBackend
	members *fakeMembers
	clock   *testClock
	metrics *Metrics
}

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every connection to :memory: is a new database
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, AutoMigrate(db, zap.NewNop()))
	return db
}

func testCheckoutConfig() config.CheckoutConfig {
	return config.CheckoutConfig{
		SettleDelay:  10 * time.Millisecond,
		GatewayHosts: []string{"vnpayment.vn"},
		IdleTTL:      30 * time.Minute,
		StatusTTL:    24 * time.Hour,
		MaxAge:       2 * time.Hour,
		MinAmount:    1000,
	}
}

func newCheckoutFixture(t *testing.T, db *gorm.DB, cache *memoryCache) *checkoutFixture {
	if db == nil {
		db = setupTestDB(t)
	}
	if cache == nil {
		cache = newMemoryCache()
	}
	f := &checkoutFixture{
		db:    db,
		cache: cache,
		backend: &fakeBackend{
			subID: "42",
			creation: PaymentCreation{
				Kind:       PaymentRedirect,
				PaymentURL: "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html?vnp_Amount=50000000",
				PaymentID:  "901",
				OrderID:    "GYM_42_ab12cd34",
			},
		},
		members: &fakeMembers{},
		clock:   &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	f.svc = NewCheckoutService(db, cache, f.backend, f.members, f.metrics, testCheckoutConfig(), zap.NewNop())
	f.svc.now = f.clock.Now
	t.Cleanup(f.svc.Shutdown)
	return f
}

func (f *checkoutFixture) row(t *testing.T, id string) models.Checkout {
	var row models.Checkout
	require.NoError(t, f.db.First(&row, "id = ?", id).Error)
	return row
}

var member = &auth.Session{Token: "tok-1", UserID: "7", Username: "an"}

func startVNPay(t *testing.T, f *checkoutFixture) *CheckoutView {
	view, err := f.svc.Start(context.Background(), member, StartRequest{
		PackageID:   "3",
		PackageName: "Gói 3 tháng",
		Price:       500000,
		Method:      "vnpay",
		BankCode:    "VIETCOMBANK",
	})
	require.NoError(t, err)
	return view
}

func TestCheckoutStartValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     StartRequest
		wantMsg string
	}{
		{
			name:    "price below minimum",
			req:     StartRequest{PackageID: "3", Price: 999, Method: "vnpay"},
			wantMsg: "Giá gói tập không hợp lệ. Giá tối thiểu là 1,000 VND.",
		},
		{
			name:    "unknown method",
			req:     StartRequest{PackageID: "3", Price: 5000, Method: "paypal"},
			wantMsg: "Phương thức thanh toán không được hỗ trợ",
		},
		{
			name:    "missing package",
			req:     StartRequest{Price: 5000, Method: "momo"},
			wantMsg: "Thông tin gói tập không hợp lệ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCheckoutFixture(t, nil, nil)
			_, err := f.svc.Start(context.Background(), member, tt.req)

			var inputErr *InputError
			require.ErrorAs(t, err, &inputErr)
			assert.Equal(t, tt.wantMsg, inputErr.Message)
			assert.Empty(t, f.backend.registered)
		})
	}
}

func TestCheckoutStartCreatesLiveCheckout(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	view := startVNPay(t, f)

	assert.Equal(t, payment.StatusPending, view.Status)
	assert.True(t, view.Live)
	assert.Equal(t, "42", view.SubscriptionID)
	assert.Equal(t, "GYM_42_ab12cd34", view.OrderID)
	assert.Equal(t, 1, f.svc.LiveCount())

	require.Len(t, f.backend.payments, 1)
	req := f.backend.payments[0]
	assert.Equal(t, int64(42), req.SubscriptionID)
	assert.Equal(t, int64(500000), req.Amount)
	assert.Equal(t, "Thanh toan goi tap Gói 3 tháng", req.OrderInfo)
	assert.Equal(t, "VCB", req.BankCode)

	row := f.row(t, view.ID)
	assert.Equal(t, payment.StatusPending, row.Status)
	assert.Equal(t, "VIETCOMBANK", row.BankCode)
	assert.True(t, f.cache.has(statusKey(view.ID)))
	assert.True(t, f.cache.has(tokenKey(view.ID)))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ActiveCheckouts))
}

func TestCheckoutStartOrderIDFallback(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	f.backend.creation.OrderID = ""
	view := startVNPay(t, f)

	assert.Regexp(t, `^GYM_42_[0-9a-f]{8}$`, view.OrderID)
}

func TestCheckoutStartCompletedWithoutGateway(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	f.backend.creation = PaymentCreation{Kind: PaymentCompleted, Message: "Đăng ký thành công"}

	view, err := f.svc.Start(context.Background(), member, StartRequest{PackageID: "3", Price: 5000, Method: "momo"})
	require.NoError(t, err)

	assert.Equal(t, payment.StatusSuccess, view.Status)
	assert.True(t, view.Verified)
	assert.False(t, view.Live)
	assert.Equal(t, 0, f.svc.LiveCount())
	require.NotNil(t, view.Result)
	assert.Equal(t, "Đăng ký thành công", view.Result.Message)
}

func TestCheckoutNavigateSuccess(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	ctx := context.Background()
	view := startVNPay(t, f)

	d, err := f.svc.Navigate(ctx, member, view.ID, "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html?vnp_Amount=50000000")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, d.Status)

	d, err = f.svc.Navigate(ctx, member, view.ID, "https://sandbox.vnpayment.vn/return?vnp_ResponseCode=00&vnp_TransactionNo=14251234&vnp_TxnRef=GYM_42_ab12cd34")
	require.NoError(t, err)
	assert.True(t, d.Committed)
	assert.Equal(t, payment.StatusSuccess, d.Status)

	d, err = f.svc.Navigate(ctx, member, view.ID, "https://sandbox.vnpayment.vn/return?vnp_ResponseCode=24")
	require.NoError(t, err)
	assert.True(t, d.Ignored)
	assert.Equal(t, payment.StatusSuccess, d.Status)

	row := f.row(t, view.ID)
	assert.Equal(t, payment.StatusSuccess, row.Status)
	assert.False(t, row.Verified)
	require.NotNil(t, row.TransactionMeta)
	assert.Equal(t, "14251234", row.TransactionMeta.TransactionID)
	assert.NotNil(t, row.CompletedAt)

	events, err := f.svc.Events(ctx, member, view.ID)
	require.NoError(t, err)
	assert.Len(t, events, 3)
	assert.True(t, events[1].Committed)

	var cached CheckoutView
	require.NoError(t, f.cache.Get(ctx, statusKey(view.ID), &cached))
	assert.Equal(t, payment.StatusSuccess, cached.Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.CheckoutOutcomes.WithLabelValues("vnpay", "SUCCESS", "")))
}

func TestCheckoutDuplicateCommitSuppressed(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	ctx := context.Background()
	view := startVNPay(t, f)
	require.NoError(t, f.cache.Set(ctx, committedKey(view.ID), payment.StatusFailed, time.Hour))

	d, err := f.svc.Navigate(ctx, member, view.ID, "https://sandbox.vnpayment.vn/return?vnp_ResponseCode=00")
	require.NoError(t, err)
	assert.True(t, d.Committed)

	assert.Equal(t, payment.StatusPending, f.row(t, view.ID).Status)
}

func TestCheckoutErrorPageSettles(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	view := startVNPay(t, f)

	d, err := f.svc.Navigate(context.Background(), member, view.ID, "https://sandbox.vnpayment.vn/Payment/Error.html?code=75")
	require.NoError(t, err)
	assert.True(t, d.SettlePending)

	assert.Eventually(t, func() bool {
		var row models.Checkout
		if err := f.db.First(&row, "id = ?", view.ID).Error; err != nil {
			return false
		}
		return row.Status == payment.StatusFailed
	}, time.Second, 5*time.Millisecond)

	row := f.row(t, view.ID)
	assert.Equal(t, "75", row.ReasonCode)
	assert.Equal(t, payment.KindGatewayDeclined, row.FailureKind)
	assert.Equal(t, payment.Message("75"), row.Message)
}

func TestCheckoutCancel(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	ctx := context.Background()
	view := startVNPay(t, f)

	out, err := f.svc.Cancel(ctx, member, view.ID, false)
	require.NoError(t, err)
	require.NotNil(t, out.Prompt)
	assert.Nil(t, out.Result)
	assert.Equal(t, payment.StatusPending, f.row(t, view.ID).Status)

	out, err = f.svc.Cancel(ctx, member, view.ID, true)
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.Equal(t, payment.StatusCancelled, out.Result.Status)

	row := f.row(t, view.ID)
	assert.Equal(t, payment.StatusCancelled, row.Status)
	assert.Equal(t, payment.KindUserCancelled, row.FailureKind)

	// leaving a decided checkout needs no confirmation
	out, err = f.svc.Cancel(ctx, member, view.ID, false)
	require.NoError(t, err)
	assert.Nil(t, out.Prompt)
	assert.Equal(t, payment.StatusCancelled, out.Result.Status)

	out, err = f.svc.Cancel(ctx, member, view.ID, true)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusCancelled, out.Result.Status)
}

func TestCheckoutLoadErrorAndReload(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	ctx := context.Background()
	view := startVNPay(t, f)

	_, err := f.svc.Reload(ctx, member, view.ID)
	assert.ErrorIs(t, err, payment.ErrNoLoadError)

	failure, err := f.svc.LoadError(ctx, member, view.ID, "net::ERR_INTERNET_DISCONNECTED")
	require.NoError(t, err)
	assert.Equal(t, payment.KindTransport, failure.Kind)

	got, err := f.svc.Get(ctx, member, view.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LoadError)
	assert.Equal(t, payment.StatusPending, got.Status)

	reloaded, err := f.svc.Reload(ctx, member, view.ID)
	require.NoError(t, err)
	assert.Nil(t, reloaded.LoadError)
	assert.Equal(t, payment.StatusPending, f.row(t, view.ID).Status)
}

func TestCheckoutMoMoConfirmedOnGet(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	ctx := context.Background()
	f.backend.creation.PaymentURL = "https://test-payment.momo.vn/v2/gateway/pay?t=abc"

	view, err := f.svc.Start(ctx, member, StartRequest{PackageID: "3", Price: 500000, Method: "momo", BankCode: "VIETCOMBANK"})
	require.NoError(t, err)
	assert.Empty(t, f.backend.payments[0].BankCode)

	d, err := f.svc.Navigate(ctx, member, view.ID, "intent://pay?orderId=GYM_42_ab12cd34#Intent;scheme=momo;end")
	require.NoError(t, err)
	assert.Equal(t, "momo://pay?orderId=GYM_42_ab12cd34#Intent;scheme=momo;end", d.OpenURL)
	assert.Equal(t, d.OpenURL, f.row(t, view.ID).HandoffURL)

	got, err := f.svc.Get(ctx, member, view.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, got.Status)

	f.backend.active = &Subscription{ID: "42", Status: "active"}
	got, err = f.svc.Get(ctx, member, view.ID)
	require.NoError(t, err)
	assert.Equal(t, payment.StatusSuccess, got.Status)
	assert.True(t, got.Verified)

	row := f.row(t, view.ID)
	assert.Equal(t, payment.StatusSuccess, row.Status)
	assert.True(t, row.Verified)
	assert.NotNil(t, row.VerifiedAt)
}

func TestCheckoutHandoffFailed(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	ctx := context.Background()
	view, err := f.svc.Start(ctx, member, StartRequest{PackageID: "3", Price: 500000, Method: "momo"})
	require.NoError(t, err)

	_, err = f.svc.HandoffFailed(ctx, member, view.ID, "no activity")
	assert.ErrorIs(t, err, payment.ErrHandoffNotStarted)

	_, err = f.svc.Navigate(ctx, member, view.ID, "intent://pay?x=1#Intent;scheme=momo;end")
	require.NoError(t, err)

	failure, err := f.svc.HandoffFailed(ctx, member, view.ID, "no activity")
	require.NoError(t, err)
	assert.Equal(t, payment.KindHandlerUnavailable, failure.Kind)
	assert.Equal(t, payment.StatusPending, f.row(t, view.ID).Status)
}

func TestCheckoutOwnership(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	ctx := context.Background()
	view := startVNPay(t, f)
	stranger := &auth.Session{Token: "tok-2", UserID: "8"}

	_, err := f.svc.Navigate(ctx, stranger, view.ID, "https://sandbox.vnpayment.vn/return?vnp_ResponseCode=00")
	assert.ErrorIs(t, err, ErrCheckoutNotFound)

	_, err = f.svc.Get(ctx, stranger, view.ID)
	assert.ErrorIs(t, err, ErrCheckoutNotFound)

	assert.ErrorIs(t, f.svc.Close(ctx, stranger, view.ID), ErrCheckoutNotFound)
	assert.Equal(t, 1, f.svc.LiveCount())
}

func TestCheckoutClose(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	ctx := context.Background()
	view := startVNPay(t, f)

	require.NoError(t, f.svc.Close(ctx, member, view.ID))
	assert.Equal(t, 0, f.svc.LiveCount())

	_, err := f.svc.Navigate(ctx, member, view.ID, "https://sandbox.vnpayment.vn/return?vnp_ResponseCode=00")
	assert.ErrorIs(t, err, ErrCheckoutClosed)

	got, err := f.svc.Get(ctx, member, view.ID)
	require.NoError(t, err)
	assert.False(t, got.Live)
	assert.Equal(t, payment.StatusPending, got.Status)

	_, err = f.svc.Get(ctx, member, "missing")
	assert.ErrorIs(t, err, ErrCheckoutNotFound)
}

func TestCheckoutSweep(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	view := startVNPay(t, f)

	f.clock.Advance(10 * time.Minute)
	assert.Equal(t, 0, f.svc.Sweep(f.clock.Now()))

	_, err := f.svc.Get(context.Background(), member, view.ID)
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, f.svc.Sweep(f.clock.Now()))
	assert.Equal(t, 0, f.svc.LiveCount())
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.ActiveCheckouts))
}

func TestCheckoutReconcile(t *testing.T) {
	server := newCheckoutFixture(t, nil, nil)
	ctx := context.Background()

	server.backend.creation.PaymentURL = "https://test-payment.momo.vn/v2/gateway/pay?t=abc"
	momo, err := server.svc.Start(ctx, member, StartRequest{PackageID: "3", Price: 500000, Method: "momo"})
	require.NoError(t, err)
	_, err = server.svc.Navigate(ctx, member, momo.ID, "intent://pay?x=1#Intent;scheme=momo;end")
	require.NoError(t, err)

	server.backend.creation.PaymentURL = "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"
	vnpay := startVNPay(t, server)
	_, err = server.svc.Navigate(ctx, member, vnpay.ID, "https://sandbox.vnpayment.vn/return?vnp_ResponseCode=00")
	require.NoError(t, err)

	untouched := startVNPay(t, server)
	server.svc.Shutdown()

	// the worker shares the database and cache but has no live interpreters
	worker := newCheckoutFixture(t, server.db, server.cache)
	worker.backend.active = &Subscription{ID: "42", Status: "active"}

	report, err := worker.svc.Reconcile(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Checked: 2, Confirmed: 2}, report)

	momoRow := worker.row(t, momo.ID)
	assert.Equal(t, payment.StatusSuccess, momoRow.Status)
	assert.True(t, momoRow.Verified)

	vnpayRow := worker.row(t, vnpay.ID)
	assert.Equal(t, payment.StatusSuccess, vnpayRow.Status)
	assert.True(t, vnpayRow.Verified)

	assert.Equal(t, payment.StatusPending, worker.row(t, untouched.ID).Status)

	report, err = worker.svc.Reconcile(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{}, report)
}

func TestCheckoutReconcileSkipsWithoutToken(t *testing.T) {
	server := newCheckoutFixture(t, nil, nil)
	ctx := context.Background()
	view := startVNPay(t, server)
	_, err := server.svc.Navigate(ctx, member, view.ID, "https://sandbox.vnpayment.vn/return?vnp_ResponseCode=00")
	require.NoError(t, err)
	require.NoError(t, server.cache.Delete(ctx, tokenKey(view.ID)))
	server.svc.Shutdown()

	worker := newCheckoutFixture(t, server.db, server.cache)
	report, err := worker.svc.Reconcile(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Checked: 1, Skipped: 1}, report)
	assert.Equal(t, 0, worker.backend.activeHits)
}

func TestCheckoutExpire(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	ctx := context.Background()
	stale := startVNPay(t, f)

	f.clock.Advance(90 * time.Minute)
	fresh := startVNPay(t, f)

	f.clock.Advance(31 * time.Minute)
	n, err := f.svc.Expire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row := f.row(t, stale.ID)
	assert.Equal(t, payment.StatusCancelled, row.Status)
	assert.Equal(t, "11", row.ReasonCode)
	assert.Equal(t, payment.StatusPending, f.row(t, fresh.ID).Status)
	assert.Equal(t, 1, f.svc.LiveCount())

	_, err = f.svc.Navigate(ctx, member, stale.ID, "https://sandbox.vnpayment.vn/return?vnp_ResponseCode=00")
	assert.ErrorIs(t, err, ErrCheckoutClosed)
}

func TestGroupThousands(t *testing.T) {
	tests := map[int64]string{
		0:        "0",
		999:      "999",
		1000:     "1,000",
		500000:   "500,000",
		12345678: "12,345,678",
		-1000:    "-1,000",
	}
	for n, want := range tests {
		assert.Equal(t, want, groupThousands(n))
	}
}

func TestCheckoutSuccessForgetsCachedSubscription(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	ctx := context.Background()

	view := startVNPay(t, f)
	declined := startVNPay(t, f)
	assert.Empty(t, f.members.forgotten)

	_, err := f.svc.Navigate(ctx, member, declined.ID, "https://sandbox.vnpayment.vn/return?vnp_ResponseCode=24")
	require.NoError(t, err)
	assert.Empty(t, f.members.forgotten)

	_, err = f.svc.Navigate(ctx, member, view.ID, "https://sandbox.vnpayment.vn/return?vnp_ResponseCode=00")
	require.NoError(t, err)
	assert.Equal(t, []string{member.UserID}, f.members.forgotten)
}

// failCheckoutUpdates makes the next n updates of the checkouts table fail
func failCheckoutUpdates(t *testing.T, db *gorm.DB, n int32) {
	var left atomic.Int32
	left.Store(n)
	err := db.Callback().Update().Before("gorm:update").Register("test:fail_checkout_update", func(tx *gorm.DB) {
		if tx.Statement.Table == "checkouts" && left.Add(-1) >= 0 {
			_ = tx.AddError(errors.New("connection reset by peer"))
		}
	})
	require.NoError(t, err)
}

func TestCheckoutCommitRetriedAfterUpdateFailure(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	ctx := context.Background()
	view := startVNPay(t, f)
	failCheckoutUpdates(t, f.db, 1)

	d, err := f.svc.Navigate(ctx, member, view.ID, "https://sandbox.vnpayment.vn/return?vnp_ResponseCode=00")
	require.NoError(t, err)
	assert.True(t, d.Committed)

	assert.Equal(t, payment.StatusSuccess, f.row(t, view.ID).Status)
	assert.True(t, f.cache.has(committedKey(view.ID)))
}

func TestCheckoutUnsavedDecisionSurvivesExpire(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	ctx := context.Background()
	view := startVNPay(t, f)
	failCheckoutUpdates(t, f.db, commitAttempts)

	d, err := f.svc.Navigate(ctx, member, view.ID, "https://sandbox.vnpayment.vn/return?vnp_ResponseCode=00")
	require.NoError(t, err)
	assert.True(t, d.Committed)
	assert.Equal(t, payment.StatusPending, f.row(t, view.ID).Status)
	assert.False(t, f.cache.has(committedKey(view.ID)), "commit guard released")

	f.clock.Advance(3 * time.Hour)
	n, err := f.svc.Expire(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	row := f.row(t, view.ID)
	assert.Equal(t, payment.StatusSuccess, row.Status)
	assert.Empty(t, row.ReasonCode)
	assert.Equal(t, 0, f.svc.LiveCount())
}

func TestCheckoutUnsavedDecisionSavedOnClose(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	ctx := context.Background()
	view := startVNPay(t, f)
	failCheckoutUpdates(t, f.db, commitAttempts)

	_, err := f.svc.Navigate(ctx, member, view.ID, "https://sandbox.vnpayment.vn/return?vnp_ResponseCode=24")
	require.NoError(t, err)
	assert.Equal(t, payment.StatusPending, f.row(t, view.ID).Status)

	require.NoError(t, f.svc.Close(ctx, member, view.ID))
	row := f.row(t, view.ID)
	assert.Equal(t, payment.StatusFailed, row.Status)
	assert.Equal(t, "24", row.ReasonCode)
}

func TestCheckoutCloseWhileErrorPageSettling(t *testing.T) {
	f := newCheckoutFixture(t, nil, nil)
	ctx := context.Background()
	f.svc.cfg.SettleDelay = time.Hour
	view := startVNPay(t, f)

	d, err := f.svc.Navigate(ctx, member, view.ID, "https://sandbox.vnpayment.vn/Payment/Error.html?code=75")
	require.NoError(t, err)
	assert.True(t, d.SettlePending)

	require.NoError(t, f.svc.Close(ctx, member, view.ID))
	assert.Equal(t, payment.StatusPending, f.row(t, view.ID).Status)

	events, err := f.svc.Events(ctx, member, view.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	last := events[1]
	assert.Equal(t, models.NavigationEventDiscarded, last.Kind)
	assert.JSONEq(t, `{"settleCode":"75"}`, string(last.Metadata))
}
