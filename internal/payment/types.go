package payment

import "strings"

// Method is the payment gateway chosen by the member
type Method string

const (
	MethodMoMo  Method = "momo"
	MethodVNPay Method = "vnpay"
)

// ParseMethod accepts the method names used by the mobile client ("momo", "VNPAY", ...)
func ParseMethod(s string) (Method, bool) {
	switch Method(strings.ToLower(strings.TrimSpace(s))) {
	case MethodMoMo:
		return MethodMoMo, true
	case MethodVNPay:
		return MethodVNPay, true
	}
	return "", false
}

// DisplayName returns the name shown to the member
func (m Method) DisplayName() string {
	switch m {
	case MethodMoMo:
		return "MoMo"
	case MethodVNPay:
		return "VNPay"
	}
	return string(m)
}

// Status of a payment session. PENDING is the only non-terminal state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether the status can no longer change
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// TransactionMeta holds the fields the gateway reported on its redirect URL.
// Any field may be empty.
type TransactionMeta struct {
	TransactionID string `json:"transactionId,omitempty"`
	TxnRef        string `json:"txnRef,omitempty"`
	BankCode      string `json:"bankCode,omitempty"`
	PayDate       string `json:"payDate,omitempty"`
	ResponseCode  string `json:"responseCode,omitempty"`
}

// Session is the ephemeral state of one checkout
type Session struct {
	SubscriptionID string
	Method         Method
	BankHint       string
	Amount         int64
	OrderID        string
	PaymentID      string
	PaymentURL     string
}

// Result is what the hosting screen receives once the interpreter commits
type Result struct {
	Status          Status           `json:"status"`
	SubscriptionID  string           `json:"subscriptionId"`
	TransactionMeta *TransactionMeta `json:"transactionMeta,omitempty"`
	ReasonCode      string           `json:"reasonCode,omitempty"`
	Message         string           `json:"message,omitempty"`
	Kind            FailureKind      `json:"kind,omitempty"`
	// Confirmed is true when the backend, not a redirect URL, reported the payment
	Confirmed bool `json:"confirmed,omitempty"`
}
