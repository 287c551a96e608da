package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ErrInvalidPayload is returned when a correctly signed body is not a usable event.
var ErrInvalidPayload = errors.New("billing: invalid webhook payload")

// VerifyStripeWebhook checks the Stripe-Signature header against secret and
// decodes the event envelope. The API version of the payload is not checked;
// handlers decode only the fields they need.
func VerifyStripeWebhook(payload []byte, signatureHeader, webhookSecret string) (Event, error) {
	secret := strings.TrimSpace(webhookSecret)
	if secret == "" {
		return Event{}, ErrNotConfigured
	}
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" {
		return Event{}, fmt.Errorf("%w: missing Stripe-Signature header", ErrInvalidSignature)
	}
	if err := webhook.ValidatePayload(payload, sig, secret); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Event{}, Permanent(fmt.Errorf("%w: %v", ErrInvalidPayload, err))
	}
	if ev.ID == "" || ev.Type == "" || ev.Data == nil {
		return Event{}, Permanent(fmt.Errorf("%w: missing id, type or data", ErrInvalidPayload))
	}

	return Event{
		ID:       ev.ID,
		Type:     string(ev.Type),
		Created:  time.Unix(ev.Created, 0).UTC(),
		Livemode: ev.Livemode,
		Object:   ev.Data.Raw,
		Raw:      payload,
	}, nil
}
