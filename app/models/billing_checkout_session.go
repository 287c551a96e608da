package models

import "time"

const (
	CheckoutStatusOpen     = "open"
	CheckoutStatusComplete = "complete"
	CheckoutStatusExpired  = "expired"
)

// BillingCheckoutSession tracks hosted checkout sessions created for a user.
type BillingCheckoutSession struct {
	ID              uint       `gorm:"primaryKey" json:"-"`
	UUID            string     `gorm:"type:char(36);uniqueIndex" json:"uuid"`
	UserID          uint       `gorm:"not null;index" json:"user_id"`
	StripeSessionID string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_checkout_sessions_stripe_id" json:"stripe_session_id"`
	StripePriceID   string     `gorm:"type:varchar(191);not null;default:''" json:"stripe_price_id"`
	Status          string     `gorm:"type:varchar(16);not null;default:'open'" json:"status"`
	URL             string     `gorm:"type:text" json:"url"`
	CompletedAt     *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BillingCheckoutSession) TableName() string {
	return "billing_checkout_sessions"
}
