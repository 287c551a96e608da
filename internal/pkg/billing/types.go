package billing

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/convertviral/convertviral/app/models"
)

// Event is the verified webhook envelope. Object holds the raw
// data.object JSON which each handler narrows to its own payload type.
type Event struct {
	ID       string
	Type     string
	Created  time.Time
	Livemode bool
	Object   json.RawMessage
	Raw      []byte
}

// Result is the small record each handler returns. It is stored with the
// processed marker and echoed back on duplicate deliveries.
type Result struct {
	Action         string `json:"action"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	UserID         uint   `json:"user_id,omitempty"`
	Status         string `json:"status,omitempty"`
	Premium        *bool  `json:"premium,omitempty"`
	Note           string `json:"note,omitempty"`
}

const (
	ActionIgnored               = "ignored"
	ActionSubscriptionActivated = "subscription_activated"
	ActionInvoicePaid           = "invoice_paid"
	ActionPaymentFailed         = "payment_failed"
	ActionSubscriptionUpdated   = "subscription_updated"
	ActionSubscriptionCanceled  = "subscription_canceled"
	ActionPaymentRecovered      = "payment_recovered"
	ActionLogged                = "logged"
)

func ignored(note string) Result {
	return Result{Action: ActionIgnored, Note: note}
}

// expandableID decodes a Stripe field that is either an id string or an
// expanded object carrying an "id".
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

func (e expandableID) String() string {
	return string(e)
}

// CheckoutSessionPayload is the data.object of checkout.session.completed.
type CheckoutSessionPayload struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type invoiceLine struct {
	Period struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
	Price *struct {
		ID string `json:"id"`
	} `json:"price"`
}

// InvoicePayload is the data.object of invoice.* events. It accepts both
// the top-level subscription field and the newer parent.subscription_details.
type InvoicePayload struct {
	ID            string       `json:"id"`
	Customer      expandableID `json:"customer"`
	Subscription  expandableID `json:"subscription"`
	PaymentIntent expandableID `json:"payment_intent"`
	Status        string       `json:"status"`
	Currency      string       `json:"currency"`
	Subtotal      int64        `json:"subtotal"`
	Tax           *int64       `json:"tax"`
	TotalTaxes    []struct {
		Amount int64 `json:"amount"`
	} `json:"total_taxes"`
	Total             int64             `json:"total"`
	AmountPaid        int64             `json:"amount_paid"`
	AmountDue         int64             `json:"amount_due"`
	AttemptCount      int               `json:"attempt_count"`
	HostedInvoiceURL  string            `json:"hosted_invoice_url"`
	PeriodStart       int64             `json:"period_start"`
	PeriodEnd         int64             `json:"period_end"`
	Metadata          map[string]string `json:"metadata"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	Lines struct {
		Data []invoiceLine `json:"data"`
	} `json:"lines"`
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription expandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Payments *struct {
		Data []struct {
			Payment struct {
				PaymentIntent expandableID `json:"payment_intent"`
			} `json:"payment"`
		} `json:"data"`
	} `json:"payments"`
}

// SubscriptionID resolves the subscription this invoice bills, if any.
func (p *InvoicePayload) SubscriptionID() string {
	if p.Subscription != "" {
		return p.Subscription.String()
	}
	if p.Parent != nil && p.Parent.SubscriptionDetails != nil {
		return p.Parent.SubscriptionDetails.Subscription.String()
	}
	return ""
}

// PaymentIntentID resolves the intent that attempted collection, if any.
func (p *InvoicePayload) PaymentIntentID() string {
	if p.PaymentIntent != "" {
		return p.PaymentIntent.String()
	}
	if p.Payments != nil {
		for _, pay := range p.Payments.Data {
			if pay.Payment.PaymentIntent != "" {
				return pay.Payment.PaymentIntent.String()
			}
		}
	}
	return ""
}

// TaxAmount returns the tax in minor units from whichever field is present.
func (p *InvoicePayload) TaxAmount() int64 {
	if p.Tax != nil {
		return *p.Tax
	}
	var sum int64
	for _, t := range p.TotalTaxes {
		sum += t.Amount
	}
	return sum
}

// ServicePeriodEnd is the end of the subscription period the invoice pays
// for. Line item periods win over the invoice's own period fields.
func (p *InvoicePayload) ServicePeriodEnd() int64 {
	var end int64
	for _, l := range p.Lines.Data {
		if l.Period.End > end {
			end = l.Period.End
		}
	}
	if end == 0 {
		end = p.PeriodEnd
	}
	return end
}

// SubscriptionPayload is the data.object of customer.subscription.* events.
type SubscriptionPayload struct {
	ID                string            `json:"id"`
	Customer          expandableID      `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CanceledAt        int64             `json:"canceled_at"`
	EndedAt           int64             `json:"ended_at"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            *struct {
				ID        string `json:"id"`
				LookupKey string `json:"lookup_key"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// PriceID returns the first item's price id.
func (p *SubscriptionPayload) PriceID() string {
	for _, it := range p.Items.Data {
		if it.Price != nil && it.Price.ID != "" {
			return it.Price.ID
		}
	}
	return ""
}

// PeriodEnd prefers the item-level period end used by newer API versions.
func (p *SubscriptionPayload) PeriodEnd() int64 {
	for _, it := range p.Items.Data {
		if it.CurrentPeriodEnd > 0 {
			return it.CurrentPeriodEnd
		}
	}
	return p.CurrentPeriodEnd
}

// PaymentIntentPayload is the data.object of payment_intent.* events.
type PaymentIntentPayload struct {
	ID               string            `json:"id"`
	Customer         expandableID      `json:"customer"`
	Invoice          expandableID      `json:"invoice"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"last_payment_error"`
}

// SubscriptionSnapshot is the gateway's view of a subscription.
type SubscriptionSnapshot struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	CanceledAt        *time.Time
}

// CheckoutRequest is the input for a hosted subscription checkout.
type CheckoutRequest struct {
	PriceID    string `json:"price_id" validate:"required,min=3,max=191"`
	SuccessURL string `json:"success_url" validate:"required,url,max=2048"`
	CancelURL  string `json:"cancel_url" validate:"required,url,max=2048"`
}

// CheckoutSessionSnapshot is the gateway's view of a checkout session.
type CheckoutSessionSnapshot struct {
	ID             string
	URL            string
	Status         string
	CustomerID     string
	SubscriptionID string
}

// SubscriptionStatus is what the billing API reports to the account pages.
type SubscriptionStatus struct {
	Premium      bool                        `json:"premium"`
	PlanTier     string                      `json:"plan_tier"`
	Subscription *models.BillingSubscription `json:"subscription"`
}

func unixToTime(v int64) *time.Time {
	if v <= 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}

func boolPtr(v bool) *bool {
	return &v
}
