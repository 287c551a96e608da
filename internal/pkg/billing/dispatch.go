package billing

import (
	"context"

	"github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v82"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type eventHandler func(ctx context.Context, ev Event) (Result, error)

// HandledEventTypes lists the event types with a dedicated handler. The
// webhook endpoint in the provider dashboard should subscribe to these.
var HandledEventTypes = []string{
	string(stripe.EventTypeCheckoutSessionCompleted),
	string(stripe.EventTypeInvoicePaid),
	string(stripe.EventTypeInvoicePaymentFailed),
	string(stripe.EventTypeCustomerSubscriptionUpdated),
	string(stripe.EventTypeCustomerSubscriptionDeleted),
	string(stripe.EventTypePaymentIntentSucceeded),
	string(stripe.EventTypePaymentIntentPaymentFailed),
}

func (s *Service) routes() map[string]eventHandler {
	return map[string]eventHandler{
		string(stripe.EventTypeCheckoutSessionCompleted):    s.handleCheckoutCompleted,
		string(stripe.EventTypeInvoicePaid):                 s.handleInvoicePaid,
		string(stripe.EventTypeInvoicePaymentFailed):        s.handleInvoicePaymentFailed,
		string(stripe.EventTypeCustomerSubscriptionUpdated): s.handleSubscriptionUpdated,
		string(stripe.EventTypeCustomerSubscriptionDeleted): s.handleSubscriptionDeleted,
		string(stripe.EventTypePaymentIntentSucceeded):      s.handlePaymentIntentSucceeded,
		string(stripe.EventTypePaymentIntentPaymentFailed):  s.handlePaymentIntentFailed,
	}
}

// Handle dispatches a verified event to its handler. Unknown types are
// acknowledged as ignored.
func (s *Service) Handle(ctx context.Context, ev Event) (Result, error) {
	ctx, span := otel.Tracer("convertviral/billing").Start(ctx, "billing.Handle",
		trace.WithAttributes(
			attribute.String("billing.event_id", ev.ID),
			attribute.String("billing.event_type", ev.Type),
		))
	defer span.End()

	h, ok := s.handlers[ev.Type]
	if !ok {
		log.Infof("[Billing] Ignoring unhandled event type %s (%s)", ev.Type, ev.ID)
		span.SetStatus(codes.Ok, "ignored")
		return ignored("unhandled event type " + ev.Type), nil
	}

	res, err := h(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		return Result{}, err
	}
	span.SetAttributes(attribute.String("billing.action", res.Action))
	if res.SubscriptionID != "" {
		span.SetAttributes(attribute.String("billing.subscription_id", res.SubscriptionID))
	}
	span.SetStatus(codes.Ok, res.Action)
	return res, nil
}
