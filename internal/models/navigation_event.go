package models

import (
	"encoding/json"
	"time"

	"gymhealth_checkout/internal/payment"
)

type NavigationEventKind string

const (
	NavigationEventNavigation     NavigationEventKind = "navigation"
	NavigationEventLoadError      NavigationEventKind = "load_error"
	NavigationEventReload         NavigationEventKind = "reload"
	NavigationEventHandoffFailure NavigationEventKind = "handoff_failure"
	NavigationEventCancel         NavigationEventKind = "cancel"
	NavigationEventReconciled     NavigationEventKind = "reconciled"
	NavigationEventExpired        NavigationEventKind = "expired"
	NavigationEventDiscarded      NavigationEventKind = "discarded"
)

// NavigationEvent records what the embedded browser reported for a checkout and what the
// interpreter decided about it
type NavigationEvent struct {
	ID         uint                `gorm:"primaryKey" json:"id"`
	CheckoutID string              `gorm:"type:varchar(36);index" json:"checkout_id"`
	Kind       NavigationEventKind `gorm:"type:varchar(30);not null" json:"kind"`
	URL        string              `gorm:"type:text" json:"url,omitempty"`
	Rule       string              `gorm:"type:varchar(50)" json:"rule,omitempty"`
	Status     payment.Status      `gorm:"type:varchar(20)" json:"status"`
	Committed  bool                `json:"committed"`
	Metadata   json.RawMessage     `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}
