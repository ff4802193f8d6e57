package models

import (
	"time"

	"gorm.io/gorm"

	"gymhealth_checkout/internal/payment"
)

// Checkout is the history record of one gateway checkout. The live state is held by the
// interpreter in memory; this row is written on start and on every terminal transition.
type Checkout struct {
	ID             string         `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID         string         `gorm:"type:varchar(64);index" json:"user_id"`
	SubscriptionID string         `gorm:"type:varchar(64);index" json:"subscription_id"`
	PackageID      string         `gorm:"type:varchar(64)" json:"package_id"`
	PackageName    string         `gorm:"type:varchar(255)" json:"package_name"`
	Method         payment.Method `gorm:"type:varchar(20);not null" json:"method"`
	BankCode       string         `gorm:"type:varchar(20)" json:"bank_code,omitempty"`
	Amount         int64          `json:"amount"`
	OrderID        string         `gorm:"type:varchar(100);index" json:"order_id"`
	PaymentID      string         `gorm:"type:varchar(100)" json:"payment_id,omitempty"`
	PaymentURL     string         `gorm:"type:text" json:"payment_url"`

	Status          payment.Status           `gorm:"type:varchar(20);index;not null" json:"status"`
	Verified        bool                     `gorm:"default:false" json:"verified"`
	ReasonCode      string                   `gorm:"type:varchar(10)" json:"reason_code,omitempty"`
	Message         string                   `gorm:"type:text" json:"message,omitempty"`
	FailureKind     payment.FailureKind      `gorm:"type:varchar(30)" json:"failure_kind,omitempty"`
	TransactionMeta *payment.TransactionMeta `gorm:"serializer:json" json:"transaction_meta,omitempty"`
	HandoffURL      string                   `gorm:"type:text" json:"handoff_url,omitempty"`

	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	VerifiedAt  *time.Time     `json:"verified_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Events []NavigationEvent `gorm:"foreignKey:CheckoutID" json:"events,omitempty"`
}

// NeedsReconcile reports whether the backend must still confirm this checkout
func (c Checkout) NeedsReconcile() bool {
	switch c.Status {
	case payment.StatusPending:
		return c.Method == payment.MethodMoMo && c.HandoffURL != ""
	case payment.StatusSuccess:
		return !c.Verified
	}
	return false
}

// ApplyResult copies a committed interpreter result onto the row
func (c *Checkout) ApplyResult(r payment.Result, at time.Time) {
	c.Status = r.Status
	c.ReasonCode = r.ReasonCode
	c.Message = r.Message
	c.FailureKind = r.Kind
	c.TransactionMeta = r.TransactionMeta
	c.CompletedAt = &at
}
