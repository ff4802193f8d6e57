package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gorm.io/gorm"

	"gymhealth_checkout/internal/auth"
	"gymhealth_checkout/internal/config"
	"gymhealth_checkout/internal/models"
	"gymhealth_checkout/internal/payment"
)

var (
	ErrCheckoutNotFound = errors.New("checkout not found")
	// ErrCheckoutClosed means the checkout exists but its interpreter is gone
	ErrCheckoutClosed = errors.New("checkout is no longer live")
)

// InputError is a validation failure whose message is shown to the member as is
type InputError struct {
	Message string
}

func (e *InputError) Error() string { return e.Message }

// StatusCache is the part of RedisCache the checkout service needs
type StatusCache interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Get(ctx context.Context, key string, dest any) error
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// MemberCache drops what is cached about a member once their subscription changes
type MemberCache interface {
	Forget(ctx context.Context, userID string) error
}

// PaymentBackend is the part of GymAPIService the checkout service needs
type PaymentBackend interface {
	RegisterSubscription(ctx context.Context, token, packageID string) (string, error)
	CreatePayment(ctx context.Context, token string, method payment.Method, req PaymentRequest) (PaymentCreation, error)
	ActiveSubscription(ctx context.Context, token string) (*Subscription, error)
}

func statusKey(id string) string    { return "checkout:" + id + ":status" }
func committedKey(id string) string { return "checkout:" + id + ":committed" }
func tokenKey(id string) string     { return "checkout:" + id + ":token" }

// StartRequest is what the package screen sends when the member taps "pay"
type StartRequest struct {
	PackageID   string `json:"packageId"`
	PackageName string `json:"packageName"`
	Price       int64  `json:"price"`
	Method      string `json:"method"`
	BankCode    string `json:"bankCode"`
}

// CheckoutView is the state of a checkout as returned to the client and cached in Redis
type CheckoutView struct {
	ID             string           `json:"id"`
	UserID         string           `json:"userId"`
	SubscriptionID string           `json:"subscriptionId"`
	PackageName    string           `json:"packageName,omitempty"`
	Method         payment.Method   `json:"method"`
	BankCode       string           `json:"bankCode,omitempty"`
	Amount         int64            `json:"amount"`
	OrderID        string           `json:"orderId"`
	PaymentURL     string           `json:"paymentUrl,omitempty"`
	Status         payment.Status   `json:"status"`
	Verified       bool             `json:"verified"`
	Live           bool             `json:"live"`
	HandoffURL     string           `json:"handoffUrl,omitempty"`
	LoadError      *payment.Failure `json:"loadError,omitempty"`
	Result         *payment.Result  `json:"result,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
}

// CancelOutcome is either a confirmation prompt or the final result
type CancelOutcome struct {
	Prompt *payment.CancelPrompt `json:"prompt,omitempty"`
	Result *payment.Result       `json:"result,omitempty"`
}

type liveCheckout struct {
	id        string
	userID    string
	token     string
	method    payment.Method
	bankCode  string
	amount    int64
	pkgName   string
	createdAt time.Time
	lastSeen  time.Time
	verified  bool
	saved     bool
	interp    *payment.Interpreter
}

// CheckoutService hosts the live interpreters of in-progress checkouts and records their
// outcomes. The interpreter is the source of truth while a checkout is live.
type CheckoutService struct {
	db      *gorm.DB
	cache   StatusCache
	backend PaymentBackend
	members MemberCache
	metrics *Metrics
	log     *zap.Logger
	cfg     config.CheckoutConfig
	now     func() time.Time

	mu   sync.Mutex
	live map[string]*liveCheckout
}

// NewCheckoutService creates a CheckoutService. members may be nil when nothing about members
// is cached.
func NewCheckoutService(db *gorm.DB, cache StatusCache, backend PaymentBackend, members MemberCache, metrics *Metrics, cfg config.CheckoutConfig, log *zap.Logger) *CheckoutService {
	return &CheckoutService{
		db:      db,
		cache:   cache,
		backend: backend,
		members: members,
		metrics: metrics,
		log:     log.Named("checkout"),
		cfg:     cfg,
		now:     time.Now,
		live:    make(map[string]*liveCheckout),
	}
}

// Start registers the subscription, creates the gateway payment and starts an interpreter
// for it. When the backend settles the payment without a gateway page the checkout is
// returned already successful and no interpreter is created.
func (s *CheckoutService) Start(ctx context.Context, sess *auth.Session, req StartRequest) (*CheckoutView, error) {
	if strings.TrimSpace(req.PackageID) == "" {
		return nil, &InputError{Message: "Thông tin gói tập không hợp lệ"}
	}
	if req.Price < s.cfg.MinAmount {
		return nil, &InputError{Message: fmt.Sprintf("Giá gói tập không hợp lệ. Giá tối thiểu là %s VND.", groupThousands(s.cfg.MinAmount))}
	}
	sel, err := payment.Select(req.Method, req.BankCode)
	if err != nil {
		return nil, &InputError{Message: "Phương thức thanh toán không được hỗ trợ"}
	}

	subID, err := s.backend.RegisterSubscription(ctx, sess.Token, req.PackageID)
	if err != nil {
		return nil, errors.Wrap(err, "start checkout")
	}
	subNum, err := strconv.ParseInt(subID, 10, 64)
	if err != nil {
		return nil, unexpected("ID subscription không hợp lệ")
	}

	name := firstNonBlank(req.PackageName, "#"+req.PackageID)
	creation, err := s.backend.CreatePayment(ctx, sess.Token, sel.Method, PaymentRequest{
		SubscriptionID: subNum,
		Amount:         req.Price,
		OrderInfo:      "Thanh toan goi tap " + name,
		BankCode:       payment.VNPayBankCode(sel.BankHint),
	})
	if err != nil {
		return nil, errors.Wrap(err, "start checkout")
	}

	id := uuid.NewString()
	now := s.now()
	row := models.Checkout{
		ID:             id,
		UserID:         sess.UserID,
		SubscriptionID: subID,
		PackageID:      req.PackageID,
		PackageName:    req.PackageName,
		Method:         sel.Method,
		BankCode:       sel.BankHint,
		Amount:         req.Price,
		OrderID:        firstNonBlank(creation.OrderID, fmt.Sprintf("GYM_%s_%s", subID, id[:8])),
		PaymentID:      creation.PaymentID,
		PaymentURL:     creation.PaymentURL,
		Status:         payment.StatusPending,
		CreatedAt:      now,
	}
	log := s.log.With(zap.String("checkout_id", id), zap.String("subscription_id", subID), zap.String("method", string(sel.Method)))

	if creation.Kind == PaymentCompleted {
		row.Status = payment.StatusSuccess
		row.Verified = true
		row.Message = firstNonBlank(creation.Message, "Đăng ký gói tập thành công!")
		row.CompletedAt = &now
		row.VerifiedAt = &now
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return nil, fmt.Errorf("failed to save checkout: %w", err)
		}
		view := viewFromRow(row)
		s.cacheView(ctx, view)
		s.forgetMember(ctx, row.UserID)
		s.metrics.CheckoutOutcomes.WithLabelValues(string(row.Method), string(row.Status), "").Inc()
		log.Info("payment completed without gateway page")
		return &view, nil
	}

	lc := &liveCheckout{
		id:        id,
		userID:    sess.UserID,
		token:     sess.Token,
		method:    sel.Method,
		bankCode:  sel.BankHint,
		amount:    req.Price,
		pkgName:   req.PackageName,
		createdAt: now,
		lastSeen:  now,
	}
	lc.interp = payment.NewInterpreter(payment.Session{
		SubscriptionID: subID,
		Method:         sel.Method,
		BankHint:       sel.BankHint,
		Amount:         req.Price,
		OrderID:        row.OrderID,
		PaymentID:      row.PaymentID,
		PaymentURL:     row.PaymentURL,
	},
		payment.WithSettleDelay(s.cfg.SettleDelay),
		payment.WithGatewayHosts(s.cfg.GatewayHosts...),
		payment.WithLogger(s.log),
		payment.WithNotifier(payment.NotifierFunc(func(ctx context.Context, r payment.Result) {
			s.commit(ctx, lc, r)
		})),
	)

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		lc.interp.Close()
		return nil, fmt.Errorf("failed to save checkout: %w", err)
	}

	view := s.liveView(lc)
	s.cacheView(ctx, view)
	if err := s.cache.Set(ctx, tokenKey(id), sess.Token, s.cfg.MaxAge); err != nil {
		log.Warn("failed to cache token for reconciliation", zap.Error(err))
	}

	s.mu.Lock()
	s.live[id] = lc
	s.mu.Unlock()
	s.metrics.ActiveCheckouts.Inc()

	log.Info("checkout started", zap.String("order_id", row.OrderID), zap.Int64("amount", req.Price))
	return &view, nil
}

// Navigate feeds one navigation event of the embedded browser to the interpreter
func (s *CheckoutService) Navigate(ctx context.Context, sess *auth.Session, id, rawURL string) (payment.Decision, error) {
	lc, err := s.liveFor(ctx, sess, id)
	if err != nil {
		return payment.Decision{}, err
	}
	d := lc.interp.Observe(ctx, rawURL)

	rule := d.Rule
	if rule == "" {
		rule = "none"
	}
	s.metrics.NavigationEvents.WithLabelValues(string(lc.method), rule).Inc()
	s.recordEvent(ctx, models.NavigationEvent{
		CheckoutID: id,
		Kind:       models.NavigationEventNavigation,
		URL:        rawURL,
		Rule:       d.Rule,
		Status:     d.Status,
		Committed:  d.Committed,
		Metadata:   eventMetadata(d),
	})

	if d.OpenURL != "" {
		err := s.db.WithContext(ctx).Model(&models.Checkout{}).
			Where("id = ?", id).
			Update("handoff_url", d.OpenURL).Error
		if err != nil {
			s.log.Error("failed to save hand-off url", zap.String("checkout_id", id), zap.Error(err))
		}
	}
	if d.Failure != nil && d.Failure.Kind == payment.KindHandlerUnavailable {
		s.recordEvent(ctx, models.NavigationEvent{
			CheckoutID: id,
			Kind:       models.NavigationEventHandoffFailure,
			URL:        d.OpenURL,
			Status:     d.Status,
		})
	}
	return d, nil
}

// LoadError reports that the embedded browser failed to load a page
func (s *CheckoutService) LoadError(ctx context.Context, sess *auth.Session, id, description string) (*payment.Failure, error) {
	lc, err := s.liveFor(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	f, err := lc.interp.LoadFailed(errors.New(firstNonBlank(description, "page load failed")))
	if err != nil {
		return nil, err
	}
	s.recordEvent(ctx, models.NavigationEvent{
		CheckoutID: id,
		Kind:       models.NavigationEventLoadError,
		Status:     lc.interp.Status(),
		Metadata:   mustJSON(map[string]string{"description": description}),
	})
	return f, nil
}

// Reload clears a load error so the client can reload the payment page
func (s *CheckoutService) Reload(ctx context.Context, sess *auth.Session, id string) (*CheckoutView, error) {
	lc, err := s.liveFor(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	if err := lc.interp.Reload(); err != nil {
		return nil, err
	}
	s.recordEvent(ctx, models.NavigationEvent{
		CheckoutID: id,
		Kind:       models.NavigationEventReload,
		Status:     lc.interp.Status(),
	})
	view := s.liveView(lc)
	return &view, nil
}

// Cancel handles a back press. Without confirmation a pending checkout answers with a prompt.
func (s *CheckoutService) Cancel(ctx context.Context, sess *auth.Session, id string, confirmed bool) (*CancelOutcome, error) {
	lc, err := s.liveFor(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	if !confirmed {
		if prompt := lc.interp.RequestCancel(); prompt != nil {
			return &CancelOutcome{Prompt: prompt}, nil
		}
		r := lc.interp.Result()
		return &CancelOutcome{Result: &r}, nil
	}

	r, err := lc.interp.Cancel(ctx)
	if errors.Is(err, payment.ErrNotPending) {
		return &CancelOutcome{Result: &r}, nil
	}
	if err != nil {
		return nil, err
	}
	s.recordEvent(ctx, models.NavigationEvent{
		CheckoutID: id,
		Kind:       models.NavigationEventCancel,
		Status:     r.Status,
		Committed:  true,
	})
	return &CancelOutcome{Result: &r}, nil
}

// HandoffFailed reports that the client could not open the MoMo deep link
func (s *CheckoutService) HandoffFailed(ctx context.Context, sess *auth.Session, id, description string) (*payment.Failure, error) {
	lc, err := s.liveFor(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	f, err := lc.interp.HandoffFailed(errors.New(firstNonBlank(description, "no handler for deep link")))
	if err != nil {
		return nil, err
	}
	s.recordEvent(ctx, models.NavigationEvent{
		CheckoutID: id,
		Kind:       models.NavigationEventHandoffFailure,
		URL:        lc.interp.HandoffURL(),
		Status:     lc.interp.Status(),
		Metadata:   mustJSON(map[string]string{"description": description}),
	})
	return f, nil
}

// Get returns the state of a checkout. A live MoMo checkout that was handed off to the app
// is confirmed against the backend here, since the app never redirects back.
func (s *CheckoutService) Get(ctx context.Context, sess *auth.Session, id string) (*CheckoutView, error) {
	s.mu.Lock()
	lc, ok := s.live[id]
	if ok && lc.userID == sess.UserID {
		lc.lastSeen = s.now()
	}
	s.mu.Unlock()

	if ok && lc.userID == sess.UserID {
		if lc.interp.Status() == payment.StatusPending && lc.method == payment.MethodMoMo && lc.interp.HandoffURL() != "" {
			if _, err := s.confirmLive(ctx, lc); err != nil {
				s.log.Warn("backend confirmation failed", zap.String("checkout_id", id), zap.Error(err))
			}
		}
		view := s.liveView(lc)
		return &view, nil
	}

	var cached CheckoutView
	if err := s.cache.Get(ctx, statusKey(id), &cached); err == nil {
		if cached.UserID != sess.UserID {
			return nil, ErrCheckoutNotFound
		}
		cached.Live = false
		return &cached, nil
	}

	row, err := s.findRow(ctx, sess, id)
	if err != nil {
		return nil, err
	}
	view := viewFromRow(*row)
	return &view, nil
}

// Close discards the interpreter of a checkout. A checkout still pending stays PENDING in
// the database until the reconcile or expire job decides it.
func (s *CheckoutService) Close(ctx context.Context, sess *auth.Session, id string) error {
	s.mu.Lock()
	lc, ok := s.live[id]
	if !ok || lc.userID != sess.UserID {
		s.mu.Unlock()
		if _, err := s.findRow(ctx, sess, id); err != nil {
			return err
		}
		return nil
	}
	delete(s.live, id)
	s.mu.Unlock()

	s.discard(ctx, lc)
	return nil
}

// Sweep discards interpreters that have not been touched for the idle TTL
func (s *CheckoutService) Sweep(now time.Time) int {
	var stale []*liveCheckout
	s.mu.Lock()
	for id, lc := range s.live {
		if now.Sub(lc.lastSeen) >= s.cfg.IdleTTL {
			stale = append(stale, lc)
			delete(s.live, id)
		}
	}
	s.mu.Unlock()

	for _, lc := range stale {
		s.discard(context.Background(), lc)
	}
	if len(stale) > 0 {
		s.log.Info("idle checkouts discarded", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// RunJanitor sweeps idle checkouts until ctx is done
func (s *CheckoutService) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// Shutdown discards every live interpreter
func (s *CheckoutService) Shutdown() {
	s.mu.Lock()
	live := s.live
	s.live = make(map[string]*liveCheckout)
	s.mu.Unlock()
	for _, lc := range live {
		s.discard(context.Background(), lc)
	}
}

// LiveCount returns the number of live interpreters
func (s *CheckoutService) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// discard closes the interpreter of a checkout leaving the registry. A decision that could
// not be saved when it was made is saved now. An error page still settling is recorded so
// the history keeps the gateway code.
func (s *CheckoutService) discard(ctx context.Context, lc *liveCheckout) {
	code, settling := lc.interp.PendingSettle()
	lc.interp.Close()
	s.metrics.ActiveCheckouts.Dec()

	if settling {
		s.recordEvent(ctx, models.NavigationEvent{
			CheckoutID: lc.id,
			Kind:       models.NavigationEventDiscarded,
			Status:     payment.StatusPending,
			Metadata:   mustJSON(map[string]string{"settleCode": code}),
		})
	}
	if lc.interp.Status().IsTerminal() && !s.isSaved(lc) {
		s.persist(ctx, lc, lc.interp.Result())
	}
	s.log.Debug("checkout closed", zap.String("checkout_id", lc.id), zap.String("status", string(lc.interp.Status())))
}

// ReconcileReport summarizes one reconcile run
type ReconcileReport struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Reconcile asks the backend about checkouts that still need confirmation: MoMo checkouts
// handed off to the app and successes only known from a redirect URL.
func (s *CheckoutService) Reconcile(ctx context.Context, limit int) (ReconcileReport, error) {
	var report ReconcileReport
	var rows []models.Checkout
	err := s.db.WithContext(ctx).
		Where("(status = ? AND method = ? AND handoff_url <> '') OR (status = ? AND verified = ?)",
			payment.StatusPending, payment.MethodMoMo, payment.StatusSuccess, false).
		Order("created_at asc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return report, fmt.Errorf("failed to load checkouts to reconcile: %w", err)
	}

	for _, row := range rows {
		if !row.NeedsReconcile() {
			continue
		}
		report.Checked++

		s.mu.Lock()
		lc, live := s.live[row.ID]
		s.mu.Unlock()
		if live {
			ok, err := s.confirmLive(ctx, lc)
			switch {
			case err != nil:
				report.Failed++
			case ok:
				report.Confirmed++
			}
			continue
		}

		var token string
		if err := s.cache.Get(ctx, tokenKey(row.ID), &token); err != nil {
			report.Skipped++
			continue
		}
		ok, err := s.confirmRow(ctx, row, token)
		switch {
		case err != nil:
			report.Failed++
			s.log.Warn("reconcile failed", zap.String("checkout_id", row.ID), zap.Error(err))
		case ok:
			report.Confirmed++
		}
	}
	return report, nil
}

// Expire cancels checkouts still pending after the max age
func (s *CheckoutService) Expire(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.cfg.MaxAge)
	var rows []models.Checkout
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", payment.StatusPending, cutoff).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load stale checkouts: %w", err)
	}

	expired := 0
	for _, row := range rows {
		s.mu.Lock()
		lc, live := s.live[row.ID]
		if live {
			delete(s.live, row.ID)
		}
		s.mu.Unlock()
		if live {
			decided := lc.interp.Status().IsTerminal()
			s.discard(ctx, lc)
			if decided {
				// the interpreter already decided; discard saved its result
				continue
			}
		}

		r := payment.Result{
			Status:         payment.StatusCancelled,
			SubscriptionID: row.SubscriptionID,
			ReasonCode:     codeExpired,
			Message:        payment.Message(codeExpired),
		}
		committed, err := s.finalize(ctx, row, r, false)
		if err != nil {
			s.log.Error("failed to expire checkout", zap.String("checkout_id", row.ID), zap.Error(err))
			continue
		}
		if committed {
			expired++
			s.recordEvent(ctx, models.NavigationEvent{
				CheckoutID: row.ID,
				Kind:       models.NavigationEventExpired,
				Status:     r.Status,
				Committed:  true,
			})
		}
	}
	return expired, nil
}

// codeExpired is the gateway code for "payment window expired"
const codeExpired = "11"

// confirmLive asks the backend whether the subscription of a live checkout is paid and,
// if so, lets the interpreter commit SUCCESS
func (s *CheckoutService) confirmLive(ctx context.Context, lc *liveCheckout) (bool, error) {
	paid, err := s.subscriptionPaid(ctx, lc.token, lc.interp.Session().SubscriptionID)
	if err != nil || !paid {
		return false, err
	}
	if lc.interp.Status() == payment.StatusSuccess {
		ok, err := s.markVerified(ctx, lc.id)
		if ok {
			s.mu.Lock()
			lc.verified = true
			s.mu.Unlock()
		}
		return ok, err
	}
	_, err = lc.interp.ConfirmPaid(ctx, nil)
	if errors.Is(err, payment.ErrNotPending) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.recordEvent(ctx, models.NavigationEvent{
		CheckoutID: lc.id,
		Kind:       models.NavigationEventReconciled,
		Status:     payment.StatusSuccess,
		Committed:  true,
	})
	return true, nil
}

// confirmRow is confirmLive for a checkout without an interpreter in this process
func (s *CheckoutService) confirmRow(ctx context.Context, row models.Checkout, token string) (bool, error) {
	paid, err := s.subscriptionPaid(ctx, token, row.SubscriptionID)
	if err != nil || !paid {
		return false, err
	}
	if row.Status == payment.StatusSuccess {
		return s.markVerified(ctx, row.ID)
	}

	r := payment.Result{
		Status:          payment.StatusSuccess,
		SubscriptionID:  row.SubscriptionID,
		TransactionMeta: &payment.TransactionMeta{},
		Message:         "Thanh toán " + row.Method.DisplayName() + " thành công!",
		Confirmed:       true,
	}
	committed, err := s.finalize(ctx, row, r, true)
	if err != nil || !committed {
		return false, err
	}
	s.recordEvent(ctx, models.NavigationEvent{
		CheckoutID: row.ID,
		Kind:       models.NavigationEventReconciled,
		Status:     r.Status,
		Committed:  true,
	})
	return true, nil
}

func (s *CheckoutService) subscriptionPaid(ctx context.Context, token, subscriptionID string) (bool, error) {
	sub, err := s.backend.ActiveSubscription(ctx, token)
	if err != nil {
		return false, err
	}
	return sub != nil && string(sub.ID) == subscriptionID && strings.EqualFold(sub.Status, "active"), nil
}

func (s *CheckoutService) markVerified(ctx context.Context, id string) (bool, error) {
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.Checkout{}).
		Where("id = ? AND status = ? AND verified = ?", id, payment.StatusSuccess, false).
		Updates(map[string]any{"verified": true, "verified_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("failed to verify checkout: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	var cached CheckoutView
	if err := s.cache.Get(ctx, statusKey(id), &cached); err == nil {
		cached.Verified = true
		s.cacheView(ctx, cached)
	}
	s.log.Info("checkout verified by backend", zap.String("checkout_id", id))
	return true, nil
}

// commitAttempts bounds how often a live decision is written before it is left to discard
const commitAttempts = 3

// commit is the notifier of every live interpreter. It runs once per checkout, outside the
// interpreter lock.
func (s *CheckoutService) commit(ctx context.Context, lc *liveCheckout, r payment.Result) {
	s.persist(ctx, lc, r)
}

func (s *CheckoutService) persist(ctx context.Context, lc *liveCheckout, r payment.Result) {
	row := models.Checkout{
		ID:             lc.id,
		UserID:         lc.userID,
		SubscriptionID: r.SubscriptionID,
		PackageName:    lc.pkgName,
		Method:         lc.method,
		BankCode:       lc.bankCode,
		Amount:         lc.amount,
		CreatedAt:      lc.createdAt,
	}
	var err error
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		if _, err = s.finalize(ctx, row, r, r.Confirmed); err == nil {
			s.mu.Lock()
			lc.saved = true
			s.mu.Unlock()
			return
		}
		s.log.Warn("failed to persist checkout outcome", zap.String("checkout_id", lc.id), zap.Int("attempt", attempt), zap.Error(err))
	}
	s.log.Error("checkout outcome not saved", zap.String("checkout_id", lc.id), zap.Error(err))
}

func (s *CheckoutService) isSaved(lc *liveCheckout) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lc.saved
}

// finalize moves a PENDING row to its terminal status. The Redis guard and the conditional
// update both make sure only the first decision is persisted.
func (s *CheckoutService) finalize(ctx context.Context, row models.Checkout, r payment.Result, verified bool) (bool, error) {
	log := s.log.With(zap.String("checkout_id", row.ID), zap.String("status", string(r.Status)))

	ok, err := s.cache.SetNX(ctx, committedKey(row.ID), r.Status, s.cfg.StatusTTL)
	if err != nil {
		log.Warn("commit guard unavailable", zap.Error(err))
	} else if !ok {
		log.Info("duplicate commit suppressed")
		return false, nil
	}

	now := s.now()
	row.ApplyResult(r, now)
	row.Verified = verified
	if verified {
		row.VerifiedAt = &now
	}
	res := s.db.WithContext(ctx).Model(&models.Checkout{}).
		Where("id = ? AND status = ?", row.ID, payment.StatusPending).
		Select("status", "reason_code", "message", "failure_kind", "transaction_meta", "completed_at", "verified", "verified_at").
		Updates(&row)
	if res.Error != nil {
		if err := s.cache.Delete(ctx, committedKey(row.ID)); err != nil {
			log.Warn("failed to release commit guard", zap.Error(err))
		}
		return false, fmt.Errorf("failed to update checkout: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		log.Info("checkout already decided")
		return false, nil
	}

	var stored models.Checkout
	if err := s.db.WithContext(ctx).First(&stored, "id = ?", row.ID).Error; err == nil {
		row = stored
	}
	s.cacheView(ctx, viewFromRow(row))
	if r.Status == payment.StatusSuccess {
		s.forgetMember(ctx, row.UserID)
	}

	reason := r.ReasonCode
	s.metrics.CheckoutOutcomes.WithLabelValues(string(row.Method), string(r.Status), reason).Inc()
	s.metrics.CheckoutDuration.WithLabelValues(string(row.Method), string(r.Status)).Observe(now.Sub(row.CreatedAt).Seconds())

	log.Info("checkout committed",
		zap.String("reason_code", reason),
		zap.String("failure_kind", string(r.Kind)),
		zap.Bool("verified", verified),
	)
	return true, nil
}

func (s *CheckoutService) liveFor(ctx context.Context, sess *auth.Session, id string) (*liveCheckout, error) {
	s.mu.Lock()
	lc, ok := s.live[id]
	if ok && lc.userID == sess.UserID {
		lc.lastSeen = s.now()
		s.mu.Unlock()
		return lc, nil
	}
	s.mu.Unlock()

	if _, err := s.findRow(ctx, sess, id); err != nil {
		return nil, err
	}
	return nil, ErrCheckoutClosed
}

func (s *CheckoutService) findRow(ctx context.Context, sess *auth.Session, id string) (*models.Checkout, error) {
	var row models.Checkout
	err := s.db.WithContext(ctx).Where("id = ? AND user_id = ?", id, sess.UserID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCheckoutNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkout: %w", err)
	}
	return &row, nil
}

// History returns the member's checkouts, newest first
func (s *CheckoutService) History(ctx context.Context, sess *auth.Session, limit int) ([]models.Checkout, error) {
	var rows []models.Checkout
	err := s.db.WithContext(ctx).
		Where("user_id = ?", sess.UserID).
		Order("created_at desc").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load checkouts: %w", err)
	}
	return rows, nil
}

// Events returns the navigation events of a checkout in the order they happened
func (s *CheckoutService) Events(ctx context.Context, sess *auth.Session, id string) ([]models.NavigationEvent, error) {
	if _, err := s.findRow(ctx, sess, id); err != nil {
		return nil, err
	}
	var events []models.NavigationEvent
	if err := s.db.WithContext(ctx).Where("checkout_id = ?", id).Order("id asc").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to load navigation events: %w", err)
	}
	return events, nil
}

func (s *CheckoutService) recordEvent(ctx context.Context, ev models.NavigationEvent) {
	ev.CreatedAt = s.now()
	if err := s.db.WithContext(ctx).Create(&ev).Error; err != nil {
		s.log.Error("failed to record navigation event", zap.String("checkout_id", ev.CheckoutID), zap.Error(err))
	}
}

func (s *CheckoutService) cacheView(ctx context.Context, v CheckoutView) {
	v.Live = false
	v.LoadError = nil
	if err := s.cache.Set(ctx, statusKey(v.ID), v, s.cfg.StatusTTL); err != nil {
		s.log.Warn("failed to cache checkout status", zap.String("checkout_id", v.ID), zap.Error(err))
	}
}

// forgetMember drops the cached subscription screens so they show the new subscription
func (s *CheckoutService) forgetMember(ctx context.Context, userID string) {
	if s.members == nil {
		return
	}
	if err := s.members.Forget(ctx, userID); err != nil {
		s.log.Warn("failed to drop cached subscription", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *CheckoutService) liveView(lc *liveCheckout) CheckoutView {
	sess := lc.interp.Session()
	r := lc.interp.Result()
	s.mu.Lock()
	verified := lc.verified
	s.mu.Unlock()
	v := CheckoutView{
		ID:             lc.id,
		UserID:         lc.userID,
		SubscriptionID: sess.SubscriptionID,
		PackageName:    lc.pkgName,
		Method:         lc.method,
		BankCode:       lc.bankCode,
		Amount:         lc.amount,
		OrderID:        sess.OrderID,
		PaymentURL:     sess.PaymentURL,
		Status:         r.Status,
		Verified:       r.Confirmed || verified,
		Live:           true,
		HandoffURL:     lc.interp.HandoffURL(),
		LoadError:      lc.interp.LoadError(),
		CreatedAt:      lc.createdAt,
	}
	if r.Status.IsTerminal() {
		v.Result = &r
	}
	return v
}

func viewFromRow(row models.Checkout) CheckoutView {
	v := CheckoutView{
		ID:             row.ID,
		UserID:         row.UserID,
		SubscriptionID: row.SubscriptionID,
		PackageName:    row.PackageName,
		Method:         row.Method,
		BankCode:       row.BankCode,
		Amount:         row.Amount,
		OrderID:        row.OrderID,
		PaymentURL:     row.PaymentURL,
		Status:         row.Status,
		Verified:       row.Verified,
		HandoffURL:     row.HandoffURL,
		CreatedAt:      row.CreatedAt,
		CompletedAt:    row.CompletedAt,
	}
	if row.Status.IsTerminal() {
		v.Result = &payment.Result{
			Status:          row.Status,
			SubscriptionID:  row.SubscriptionID,
			TransactionMeta: row.TransactionMeta,
			ReasonCode:      row.ReasonCode,
			Message:         row.Message,
			Kind:            row.FailureKind,
			Confirmed:       row.Verified,
		}
	}
	return v
}

func eventMetadata(d payment.Decision) json.RawMessage {
	if d.OpenURL == "" && !d.SettlePending && !d.Ignored && d.Failure == nil {
		return nil
	}
	return mustJSON(struct {
		OpenURL       string           `json:"openUrl,omitempty"`
		FallbackURL   string           `json:"fallbackUrl,omitempty"`
		SettlePending bool             `json:"settlePending,omitempty"`
		Ignored       bool             `json:"ignored,omitempty"`
		Failure       *payment.Failure `json:"failure,omitempty"`
	}{d.OpenURL, d.FallbackURL, d.SettlePending, d.Ignored, d.Failure})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

var pricePrinter = message.NewPrinter(language.English)

// groupThousands formats n the way the mobile client shows prices (1,000)
func groupThousands(n int64) string {
	return pricePrinter.Sprintf("%d", n)
}
