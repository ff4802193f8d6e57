package payment

import (
	"errors"
	"fmt"
)

// FailureKind classifies what went wrong so the hosting screen can offer the right next step
type FailureKind string

const (
	// KindTransport: the embedded browser could not load a page. Retry by reloading.
	KindTransport FailureKind = "transport_error"
	// KindGatewayDeclined: the gateway reported a failure code. Retry means a new checkout.
	KindGatewayDeclined FailureKind = "gateway_declined"
	// KindHandlerUnavailable: no app could open the MoMo deep link.
	KindHandlerUnavailable FailureKind = "handler_unavailable"
	// KindUserCancelled: explicit cancel, or gateway code 24.
	KindUserCancelled FailureKind = "user_cancelled"
)

// Retryable reports whether the same checkout can be retried without starting over
func (k FailureKind) Retryable() bool {
	return k == KindTransport
}

var (
	ErrSessionClosed     = errors.New("payment session already decided")
	ErrNotPending        = errors.New("payment session is not pending")
	ErrNoLoadError       = errors.New("no page load error to recover from")
	ErrHandoffNotStarted = errors.New("no deep link hand-off in progress")
)

// Failure is a user-facing failure surfaced by the interpreter
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message"`
	Cause   error       `json:"-"`
}

func (f *Failure) Error() string {
	if f.Code != "" {
		return fmt.Sprintf("%s (%s): %s", f.Kind, f.Code, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

const (
	messageTransport          = "Không thể tải trang thanh toán. Vui lòng kiểm tra kết nối mạng và thử lại."
	messageHandlerUnavailable = "Không thể mở ứng dụng MoMo. Vui lòng cài đặt ứng dụng MoMo hoặc thử lại sau."
	messageCancelled          = "Thanh toán đã bị hủy"
	messageCancelPrompt       = "Bạn có chắc muốn hủy thanh toán? Giao dịch sẽ không được hoàn thành."
)

// declined builds the failure for a gateway response code
func declined(code string) *Failure {
	kind := KindGatewayDeclined
	if code == CodeUserCancelled {
		kind = KindUserCancelled
	}
	return &Failure{Kind: kind, Code: code, Message: Message(code)}
}
