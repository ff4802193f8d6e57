package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gymhealth_checkout/internal/config"
	"gymhealth_checkout/internal/payment"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("not found")
	ErrUpstream       = errors.New("upstream error")
	ErrUnreachable    = errors.New("backend unreachable")
	ErrUnexpected     = errors.New("unexpected backend response")
)

// APIError is a non-2xx answer from the gym backend
type APIError struct {
	StatusCode int
	Detail     string
	kind       error
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("gym api: status %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("gym api: status %d", e.StatusCode)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status, Detail: errorDetail(body)}
	switch {
	case status == http.StatusUnauthorized:
		e.kind = ErrUnauthorized
	case status == http.StatusForbidden:
		e.kind = ErrForbidden
	case status == http.StatusNotFound:
		e.kind = ErrNotFound
	case status >= 500:
		e.kind = ErrUpstream
	default:
		e.kind = ErrInvalidRequest
	}
	return e
}

// unexpected reports a 2xx answer the client cannot use
func unexpected(detail string) error {
	return &APIError{StatusCode: http.StatusOK, Detail: detail, kind: ErrUnexpected}
}

// errorDetail pulls the message out of a backend error body ("error", then "message", then "detail")
func errorDetail(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return firstNonBlank(payload.Error, payload.Message, payload.Detail)
}

// UserMessage turns a backend client error into the message shown to the member
func UserMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		return apiErr.Detail
	}
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "Dữ liệu không hợp lệ. Vui lòng kiểm tra lại thông tin thanh toán."
	case errors.Is(err, ErrUnauthorized):
		return "Phiên đăng nhập đã hết hạn. Vui lòng đăng nhập lại."
	case errors.Is(err, ErrForbidden):
		return "Bạn không có quyền thực hiện hành động này."
	case errors.Is(err, ErrUpstream):
		return "Lỗi server. Vui lòng thử lại sau."
	case errors.Is(err, ErrUnreachable):
		return "Không thể kết nối đến server. Vui lòng kiểm tra kết nối mạng."
	}
	return "Đã xảy ra lỗi trong quá trình đăng ký. Vui lòng thử lại sau."
}

// Price accepts both JSON numbers and the quoted decimals the backend emits
type Price float64

func (p *Price) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", s, err)
	}
	*p = Price(f)
	return nil
}

// VND rounds the price to whole dong
func (p Price) VND() int64 {
	return int64(math.Round(float64(p)))
}

// FlexID accepts ids sent either as numbers or strings
type FlexID string

func (id *FlexID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	*id = FlexID(s)
	return nil
}

type GymUser struct {
	ID        FlexID `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
	Avatar    string `json:"avatar"`
}

type PackageType struct {
	ID             FlexID `json:"id"`
	Name           string `json:"name"`
	DurationMonths int    `json:"duration_months"`
}

type Benefit struct {
	ID   FlexID `json:"id"`
	Name string `json:"name"`
}

type Package struct {
	ID            FlexID       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	Price         Price        `json:"price"`
	PricePerMonth Price        `json:"price_per_month"`
	PTSessions    int          `json:"pt_sessions"`
	Active        bool         `json:"active"`
	Image         string       `json:"image"`
	PackageType   *PackageType `json:"package_type"`
	Benefits      []Benefit    `json:"benefits"`
}

type Subscription struct {
	ID                  FlexID   `json:"id"`
	PackageName         string   `json:"package_name"`
	Package             *Package `json:"package"`
	DiscountedPrice     Price    `json:"discounted_price"`
	StartDate           string   `json:"start_date"`
	EndDate             string   `json:"end_date"`
	RemainingDays       int      `json:"remaining_days"`
	RemainingPTSessions int      `json:"remaining_pt_sessions"`
	Status              string   `json:"status"`
}

type SubscriptionPage struct {
	Count    int            `json:"count"`
	Next     *string        `json:"next"`
	Previous *string        `json:"previous"`
	Results  []Subscription `json:"results"`
}

// PackageQuery filters the package list. Active defaults to true like the mobile client.
type PackageQuery struct {
	Active      *bool
	Name        string
	PackageType string
	MinPrice    string
	MaxPrice    string
}

func (q PackageQuery) values() url.Values {
	v := url.Values{}
	active := true
	if q.Active != nil {
		active = *q.Active
	}
	v.Set("active", strconv.FormatBool(active))
	setIfNotEmpty(v, "name", q.Name)
	setIfNotEmpty(v, "package_type", q.PackageType)
	setIfNotEmpty(v, "min_price", q.MinPrice)
	setIfNotEmpty(v, "max_price", q.MaxPrice)
	return v
}

// PaymentRequest is the body of payments/vnpay/ and payments/momo/
type PaymentRequest struct {
	SubscriptionID int64  `json:"subscription_id"`
	Amount         int64  `json:"amount"`
	OrderInfo      string `json:"order_info"`
	BankCode       string `json:"bank_code,omitempty"`
}

type PaymentCreationKind string

const (
	// PaymentRedirect means the member has to go through PaymentURL
	PaymentRedirect PaymentCreationKind = "redirect"
	// PaymentCompleted means the backend settled the payment without a gateway page
	PaymentCompleted PaymentCreationKind = "completed"
)

type PaymentCreation struct {
	Kind       PaymentCreationKind
	PaymentURL string
	PaymentID  string
	OrderID    string
	Message    string
}

type paymentResponse struct {
	PaymentURL string `json:"payment_url"`
	PaymentID  FlexID `json:"payment_id"`
	OrderID    FlexID `json:"order_id"`
	Message    string `json:"message"`
	Success    bool   `json:"success"`
	Error      string `json:"error"`
}

// classify sorts a payment creation answer: redirect, immediate success, error or unexpected
func (r paymentResponse) classify() (PaymentCreation, error) {
	pc := PaymentCreation{
		PaymentID: string(r.PaymentID),
		OrderID:   firstNonBlank(string(r.OrderID), string(r.PaymentID)),
		Message:   r.Message,
	}
	switch {
	case r.PaymentURL != "":
		if strings.Contains(r.PaymentURL, "Error.html") {
			return pc, unexpected("URL thanh toán không hợp lệ. Vui lòng kiểm tra thông tin thanh toán.")
		}
		pc.Kind = PaymentRedirect
		pc.PaymentURL = r.PaymentURL
		return pc, nil
	case strings.Contains(r.Message, "thành công"):
		pc.Kind = PaymentCompleted
		return pc, nil
	case r.Success:
		pc.Kind = PaymentCompleted
		pc.Message = "Đăng ký gói tập thành công!"
		return pc, nil
	case r.Error != "":
		return pc, &APIError{StatusCode: http.StatusOK, Detail: r.Error, kind: ErrInvalidRequest}
	}
	return pc, unexpected("Phản hồi từ server không như mong đợi. Vui lòng thử lại.")
}

// GymAPIService talks to the gym REST backend on behalf of a member
type GymAPIService struct {
	baseURL    string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	log        *zap.Logger
}

func NewGymAPIService(cfg config.GymAPIConfig, log *zap.Logger) *GymAPIService {
	base := strings.TrimRight(cfg.BaseURL, "/") + "/"
	return &GymAPIService{
		baseURL:    base,
		client:     &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(cfg.Burst, 1)),
		maxRetries: cfg.MaxRetries,
		backoff:    200 * time.Millisecond,
		log:        log.Named("gymapi"),
	}
}

func (s *GymAPIService) makeRequest(ctx context.Context, method, endpoint, token string, query url.Values, payload, out any) error {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "failed to marshal payload")
		}
	}

	target := s.baseURL + strings.TrimLeft(endpoint, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	attempts := 1
	if method == http.MethodGet {
		attempts += s.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := s.backoff * time.Duration(1<<(attempt-1))
			s.log.Debug("retrying request", zap.String("endpoint", endpoint), zap.Int("attempt", attempt), zap.Duration("wait", wait))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		retry, err := s.do(ctx, method, target, token, data, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return lastErr
}

// do sends one request. retry is true for transport errors and 5xx answers.
func (s *GymAPIService) do(ctx context.Context, method, target, token string, data []byte, out any) (retry bool, err error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return false, errors.Wrap(err, "rate limit")
	}

	var bodyReader io.Reader
	if data != nil {
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return false, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("%w: read body: %v", ErrUnreachable, err)
	}
	s.log.Debug("gym api call",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)),
	)

	if resp.StatusCode >= 400 {
		apiErr := newAPIError(resp.StatusCode, body)
		return resp.StatusCode >= 500, apiErr
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnexpected, err)
	}
	return false, nil
}

// CurrentUser resolves a bearer token to the member it belongs to
func (s *GymAPIService) CurrentUser(ctx context.Context, token string) (*GymUser, error) {
	var user GymUser
	if err := s.makeRequest(ctx, http.MethodGet, "users/current-user/", token, nil, nil, &user); err != nil {
		return nil, errors.Wrap(err, "current user")
	}
	if user.ID == "" {
		return nil, unexpected("current user without id")
	}
	return &user, nil
}

// RegisterSubscription creates a pending subscription for packageID and returns its id
func (s *GymAPIService) RegisterSubscription(ctx context.Context, token, packageID string) (string, error) {
	var resp struct {
		Subscription *struct {
			ID FlexID `json:"id"`
		} `json:"subscription"`
	}
	body := map[string]any{"package": packageIDValue(packageID)}
	if err := s.makeRequest(ctx, http.MethodPost, "subscriptions/register/", token, nil, body, &resp); err != nil {
		return "", errors.Wrap(err, "register subscription")
	}
	if resp.Subscription == nil {
		return "", unexpected("Phản hồi đăng ký không hợp lệ")
	}
	if resp.Subscription.ID == "" {
		return "", unexpected("Không nhận được ID subscription")
	}
	return string(resp.Subscription.ID), nil
}

// CreatePayment asks the backend to create a gateway payment for a registered subscription
func (s *GymAPIService) CreatePayment(ctx context.Context, token string, method payment.Method, req PaymentRequest) (PaymentCreation, error) {
	endpoint := "payments/momo/"
	if method == payment.MethodVNPay {
		endpoint = "payments/vnpay/"
	} else {
		req.BankCode = ""
	}

	var resp paymentResponse
	if err := s.makeRequest(ctx, http.MethodPost, endpoint, token, nil, req, &resp); err != nil {
		return PaymentCreation{}, errors.Wrap(err, "create payment")
	}
	return resp.classify()
}

// ActiveSubscription returns the member's active subscription, or nil when there is none.
// The backend answers either with the subscription itself or with a paginated list.
func (s *GymAPIService) ActiveSubscription(ctx context.Context, token string) (*Subscription, error) {
	var raw json.RawMessage
	if err := s.makeRequest(ctx, http.MethodGet, "subscriptions/active/", token, nil, nil, &raw); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "active subscription")
	}
	return parseActiveSubscription(raw)
}

func parseActiveSubscription(raw json.RawMessage) (*Subscription, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var single Subscription
	if err := json.Unmarshal(raw, &single); err == nil && single.ID != "" {
		return &single, nil
	}
	var page SubscriptionPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpected, err)
	}
	if len(page.Results) == 0 {
		return nil, nil
	}
	// latest start date first; dates are ISO so they sort as strings
	sort.SliceStable(page.Results, func(i, j int) bool {
		return page.Results[i].StartDate > page.Results[j].StartDate
	})
	return &page.Results[0], nil
}

// SubscriptionHistory returns one page of the member's subscriptions
func (s *GymAPIService) SubscriptionHistory(ctx context.Context, token string, page int) (*SubscriptionPage, error) {
	if page < 1 {
		page = 1
	}
	var result SubscriptionPage
	q := url.Values{"page": {strconv.Itoa(page)}}
	if err := s.makeRequest(ctx, http.MethodGet, "subscriptions/my/", token, q, nil, &result); err != nil {
		return nil, errors.Wrap(err, "subscription history")
	}
	return &result, nil
}

// Packages lists the gym packages. The endpoint is public.
func (s *GymAPIService) Packages(ctx context.Context, query PackageQuery) ([]Package, error) {
	var result []Package
	if err := s.makeRequest(ctx, http.MethodGet, "packages/", "", query.values(), nil, &result); err != nil {
		return nil, errors.Wrap(err, "packages")
	}
	return result, nil
}

func packageIDValue(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func setIfNotEmpty(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
