package models

import "time"

// Billing provider constants used across billing-related models.
const (
	BillingProviderStripe = "stripe"
)

const (
	BillingStatusActive     = "active"
	BillingStatusTrialing   = "trialing"
	BillingStatusPastDue    = "past_due"
	BillingStatusCanceled   = "canceled"
	BillingStatusUnpaid     = "unpaid"
	BillingStatusIncomplete = "incomplete"
)

// BillingSubscription mirrors a Stripe subscription. Rows are never deleted;
// cancellation is the terminal status.
type BillingSubscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	UserID                 uint       `gorm:"not null;index" json:"user_id"`
	StripeSubscriptionID   string     `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_subscriptions_stripe_id" json:"stripe_subscription_id"`
	StripeCustomerID       string     `gorm:"type:varchar(191);not null;default:'';index" json:"stripe_customer_id"`
	StripePriceID          string     `gorm:"type:varchar(191);not null;default:''" json:"stripe_price_id"`
	PlanTier               string     `gorm:"type:varchar(50);not null;default:'free'" json:"plan_tier"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CanceledAt             *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	FailedPaymentCount     int        `gorm:"not null;default:0" json:"failed_payment_count"`
	LastPaymentSucceededAt *time.Time `gorm:"type:timestamp;default:null" json:"last_payment_succeeded_at,omitempty"`
	LastPaymentFailedAt    *time.Time `gorm:"type:timestamp;default:null" json:"last_payment_failed_at,omitempty"`
	LatestInvoiceID        string     `gorm:"type:varchar(191);not null;default:''" json:"latest_invoice_id"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BillingSubscription) TableName() string {
	return "billing_subscriptions"
}
