package payment

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSettleDelay is how long an error page must stay unanswered before it counts as a failure.
// VNPay sometimes redirects through Error.html before landing on the real result page.
const DefaultSettleDelay = time.Second

// URLOpener dispatches a URL to the platform (deep links to native apps)
type URLOpener interface {
	Open(ctx context.Context, rawURL string) error
}

// Notifier is told exactly once when a session reaches a terminal status
type Notifier interface {
	PaymentCommitted(ctx context.Context, r Result)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(ctx context.Context, r Result)

func (f NotifierFunc) PaymentCommitted(ctx context.Context, r Result) { f(ctx, r) }

// Decision is the interpreter's answer to one event
type Decision struct {
	Status Status `json:"status"`
	// Committed is true only for the event that moved the session out of PENDING
	Committed bool `json:"committed"`
	// Ignored is true when the session was already terminal
	Ignored bool   `json:"ignored,omitempty"`
	Rule    string `json:"rule,omitempty"`
	// SettlePending is true while an error page waits out the settle delay
	SettlePending bool     `json:"settlePending,omitempty"`
	OpenURL       string   `json:"openUrl,omitempty"`
	FallbackURL   string   `json:"fallbackUrl,omitempty"`
	Failure       *Failure `json:"failure,omitempty"`
	Result        *Result  `json:"result,omitempty"`
}

// CancelPrompt is shown when the member tries to leave a pending payment
type CancelPrompt struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Confirm string `json:"confirm"`
	Dismiss string `json:"dismiss"`
}

type afterFunc func(d time.Duration, f func()) (stop func() bool)

func realAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Option configures an Interpreter
type Option func(*Interpreter)

func WithSettleDelay(d time.Duration) Option {
	return func(i *Interpreter) { i.settleDelay = d }
}

func WithGatewayHosts(hosts ...string) Option {
	return func(i *Interpreter) { i.classifyCtx.GatewayHosts = hosts }
}

// WithOpener sets the deep link dispatcher. Without one the deep link is only reported
// in the Decision and the host dispatches it itself.
func WithOpener(o URLOpener) Option {
	return func(i *Interpreter) { i.opener = o }
}

func WithNotifier(n Notifier) Option {
	return func(i *Interpreter) { i.notifier = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(i *Interpreter) { i.logger = l }
}

// Interpreter turns the navigation events of one gateway checkout into a single outcome
type Interpreter struct {
	mu sync.Mutex

	session     Session
	classifyCtx Context
	settleDelay time.Duration
	opener      URLOpener
	notifier    Notifier
	logger      *zap.Logger
	after       afterFunc

	status    Status
	meta      *TransactionMeta
	failure   *Failure
	loadErr   *Failure
	handoff   string
	events    int
	confirmed bool

	settleStop func() bool
	settleCode string
	settleGen  int
}

// NewInterpreter starts a PENDING interpreter for session
func NewInterpreter(session Session, opts ...Option) *Interpreter {
	i := &Interpreter{
		session: session,
		classifyCtx: Context{
			Method:       session.Method,
			BankHint:     session.BankHint,
			GatewayHosts: DefaultGatewayHosts,
		},
		settleDelay: DefaultSettleDelay,
		logger:      zap.NewNop(),
		after:       realAfterFunc,
		status:      StatusPending,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With(
		zap.String("subscription_id", session.SubscriptionID),
		zap.String("method", string(session.Method)),
	)
	return i
}

// Session returns the session the interpreter was created for
func (i *Interpreter) Session() Session {
	return i.session
}

// Observe evaluates one navigation event
func (i *Interpreter) Observe(ctx context.Context, rawURL string) Decision {
	i.mu.Lock()
	i.events++
	if i.status.IsTerminal() {
		d := Decision{Status: i.status, Ignored: true}
		i.mu.Unlock()
		i.logger.Debug("navigation ignored after decision", zap.String("url", rawURL))
		return d
	}

	t, ok := Classify(rawURL, i.classifyCtx)
	if !ok {
		i.mu.Unlock()
		return Decision{Status: StatusPending}
	}

	switch t.Kind {
	case TransitionSuccess:
		r := i.commitLocked(StatusSuccess, t.Meta, nil)
		i.mu.Unlock()
		i.logger.Info("payment success detected", zap.String("rule", t.Rule), zap.String("transaction_id", t.Meta.TransactionID))
		i.notify(ctx, r)
		return Decision{Status: StatusSuccess, Committed: true, Rule: t.Rule, Result: &r}

	case TransitionFailed:
		f := declined(t.Code)
		r := i.commitLocked(StatusFailed, nil, f)
		i.mu.Unlock()
		i.logger.Info("payment failure detected", zap.String("rule", t.Rule), zap.String("code", t.Code))
		i.notify(ctx, r)
		return Decision{Status: StatusFailed, Committed: true, Rule: t.Rule, Failure: f, Result: &r}

	case TransitionSettleFailed:
		i.scheduleSettleLocked(ctx, t.Code)
		i.mu.Unlock()
		i.logger.Debug("gateway error page, waiting to settle", zap.String("code", t.Code), zap.Duration("delay", i.settleDelay))
		return Decision{Status: StatusPending, Rule: t.Rule, SettlePending: true}

	case TransitionDeepLink:
		i.handoff = t.DeepLink
		i.mu.Unlock()
		d := Decision{Status: StatusPending, Rule: t.Rule, OpenURL: t.DeepLink, FallbackURL: t.FallbackURL}
		if i.opener == nil {
			return d
		}
		if err := i.opener.Open(ctx, t.DeepLink); err == nil {
			return d
		}
		if err := i.opener.Open(ctx, t.FallbackURL); err != nil {
			d.Failure, _ = i.HandoffFailed(err)
		}
		return d
	}

	i.mu.Unlock()
	return Decision{Status: StatusPending}
}

// scheduleSettleLocked arms the settle timer. A later error page keeps the original deadline
// and only updates the code.
func (i *Interpreter) scheduleSettleLocked(ctx context.Context, code string) {
	i.settleCode = code
	if i.settleStop != nil {
		return
	}
	i.settleGen++
	gen := i.settleGen
	notifyCtx := context.WithoutCancel(ctx)
	i.settleStop = i.after(i.settleDelay, func() {
		i.mu.Lock()
		if i.status.IsTerminal() || gen != i.settleGen {
			i.mu.Unlock()
			return
		}
		code := i.settleCode
		r := i.commitLocked(StatusFailed, nil, declined(code))
		i.mu.Unlock()
		i.logger.Info("gateway error page settled as failure", zap.String("code", code))
		i.notify(notifyCtx, r)
	})
}

func (i *Interpreter) stopSettleLocked() {
	if i.settleStop != nil {
		i.settleStop()
		i.settleStop = nil
	}
	i.settleGen++
}

func (i *Interpreter) commitLocked(status Status, meta *TransactionMeta, f *Failure) Result {
	i.status = status
	i.meta = meta
	i.failure = f
	i.stopSettleLocked()
	return i.resultLocked()
}

func (i *Interpreter) resultLocked() Result {
	r := Result{
		Status:         i.status,
		SubscriptionID: i.session.SubscriptionID,
	}
	if i.status == StatusSuccess && i.meta != nil {
		meta := *i.meta
		r.TransactionMeta = &meta
		r.Message = "Thanh toán " + i.session.Method.DisplayName() + " thành công!"
		r.Confirmed = i.confirmed
	}
	if i.failure != nil {
		r.ReasonCode = i.failure.Code
		r.Message = i.failure.Message
		r.Kind = i.failure.Kind
	}
	return r
}

func (i *Interpreter) notify(ctx context.Context, r Result) {
	if i.notifier != nil {
		i.notifier.PaymentCommitted(ctx, r)
	}
}

// HandoffFailed reports that the deep link could not be opened. The session stays PENDING:
// handing off to the MoMo app is not a payment outcome.
func (i *Interpreter) HandoffFailed(cause error) (*Failure, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status.IsTerminal() {
		return nil, ErrSessionClosed
	}
	if i.handoff == "" {
		return nil, ErrHandoffNotStarted
	}
	i.logger.Warn("deep link hand-off failed", zap.String("deep_link", i.handoff), zap.Error(cause))
	return &Failure{Kind: KindHandlerUnavailable, Message: messageHandlerUnavailable, Cause: cause}, nil
}

// HandoffURL returns the last deep link handed to the platform
func (i *Interpreter) HandoffURL() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.handoff
}

// LoadFailed records that the embedded browser failed to load a page. This is a transport
// problem and is kept apart from the payment status.
func (i *Interpreter) LoadFailed(cause error) (*Failure, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status.IsTerminal() {
		return nil, ErrSessionClosed
	}
	i.loadErr = &Failure{Kind: KindTransport, Message: messageTransport, Cause: cause}
	i.logger.Warn("payment page failed to load", zap.Error(cause))
	return i.loadErr, nil
}

// LoadError returns the current page load failure, if any
func (i *Interpreter) LoadError() *Failure {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.loadErr
}

// Reload clears a page load failure so the browser can try again
func (i *Interpreter) Reload() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.loadErr == nil {
		return ErrNoLoadError
	}
	i.loadErr = nil
	i.events = 0
	return nil
}

// RequestCancel is called on a back press. It returns a prompt while the payment is pending
// and nil when the member may leave without confirming.
func (i *Interpreter) RequestCancel() *CancelPrompt {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.status != StatusPending {
		return nil
	}
	return &CancelPrompt{
		Title:   "Xác nhận hủy thanh toán",
		Message: messageCancelPrompt,
		Confirm: "Hủy thanh toán",
		Dismiss: "Tiếp tục thanh toán",
	}
}

// Cancel commits CANCELLED after the member confirmed leaving
func (i *Interpreter) Cancel(ctx context.Context) (Result, error) {
	i.mu.Lock()
	if i.status != StatusPending {
		r := i.resultLocked()
		i.mu.Unlock()
		return r, ErrNotPending
	}
	r := i.commitLocked(StatusCancelled, nil, &Failure{Kind: KindUserCancelled, Message: messageCancelled})
	i.mu.Unlock()
	i.logger.Info("payment cancelled by member")
	i.notify(ctx, r)
	return r, nil
}

// ConfirmPaid commits SUCCESS because the backend reported the subscription as paid.
// This is how MoMo checkouts finish: the app confirms out of band.
func (i *Interpreter) ConfirmPaid(ctx context.Context, meta *TransactionMeta) (Result, error) {
	i.mu.Lock()
	if i.status != StatusPending {
		r := i.resultLocked()
		i.mu.Unlock()
		return r, ErrNotPending
	}
	if meta == nil {
		meta = &TransactionMeta{}
	}
	i.confirmed = true
	r := i.commitLocked(StatusSuccess, meta, nil)
	i.mu.Unlock()
	i.logger.Info("payment confirmed by backend")
	i.notify(ctx, r)
	return r, nil
}

// Status returns the current status
func (i *Interpreter) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

// Result returns a snapshot of the outcome so far
func (i *Interpreter) Result() Result {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.resultLocked()
}

// Events returns how many navigation events were observed since start or the last reload
func (i *Interpreter) Events() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.events
}

// PendingSettle returns the code of an error page still waiting out the settle delay
func (i *Interpreter) PendingSettle() (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.settleStop == nil || i.status.IsTerminal() {
		return "", false
	}
	return i.settleCode, true
}

// Close stops the settle timer. The interpreter must not be used afterwards.
func (i *Interpreter) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stopSettleLocked()
}
