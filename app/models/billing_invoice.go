package models

import "time"

const (
	InvoiceStatusDraft         = "draft"
	InvoiceStatusOpen          = "open"
	InvoiceStatusPaid          = "paid"
	InvoiceStatusVoid          = "void"
	InvoiceStatusUncollectible = "uncollectible"
)

// BillingInvoice mirrors a Stripe invoice. Amounts are in minor currency units.
// A paid invoice only accepts metadata updates.
type BillingInvoice struct {
	ID                   uint   `gorm:"primaryKey" json:"id"`
	UserID               uint   `gorm:"not null;index" json:"user_id"`
	SubscriptionID       uint   `gorm:"not null;default:0;index" json:"subscription_id"`
	StripeInvoiceID      string `gorm:"type:varchar(191);not null;uniqueIndex:ux_billing_invoices_stripe_id" json:"stripe_invoice_id"`
	StripeSubscriptionID string `gorm:"type:varchar(191);not null;default:'';index" json:"stripe_subscription_id"`
	// StripePaymentIntentID links payment_intent.* events back to the invoice.
	StripePaymentIntentID string     `gorm:"type:varchar(191);not null;default:'';index" json:"stripe_payment_intent_id"`
	Status                string     `gorm:"type:varchar(32);not null;default:'open'" json:"status"`
	Currency              string     `gorm:"type:varchar(8);not null;default:''" json:"currency"`
	Subtotal              int64      `gorm:"not null;default:0" json:"subtotal"`
	Tax                   int64      `gorm:"not null;default:0" json:"tax"`
	Total                 int64      `gorm:"not null;default:0" json:"total"`
	AmountPaid            int64      `gorm:"not null;default:0" json:"amount_paid"`
	AmountDue             int64      `gorm:"not null;default:0" json:"amount_due"`
	HostedInvoiceURL      string     `gorm:"type:varchar(512);not null;default:''" json:"hosted_invoice_url"`
	PeriodStart           *time.Time `gorm:"type:timestamp;default:null" json:"period_start,omitempty"`
	PeriodEnd             *time.Time `gorm:"type:timestamp;default:null" json:"period_end,omitempty"`
	PaidAt                *time.Time `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	MetadataJSON          string     `gorm:"type:text" json:"metadata_json"`
	CreatedAt             time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BillingInvoice) TableName() string {
	return "billing_invoices"
}

// IsPaid reports whether the invoice reached its immutable state.
func (i *BillingInvoice) IsPaid() bool {
	return i != nil && i.Status == InvoiceStatusPaid
}
