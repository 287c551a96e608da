package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/convertviral/convertviral/app/models"
	"github.com/convertviral/convertviral/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// PayloadArchiver stores raw verified payloads for later inspection.
type PayloadArchiver interface {
	Archive(ctx context.Context, eventID string, created time.Time, payload []byte) error
}

// WebhookResponse is the JSON body returned to the provider.
type WebhookResponse struct {
	Received  bool    `json:"received"`
	Duplicate bool    `json:"duplicate,omitempty"`
	Result    *Result `json:"result,omitempty"`
	Error     string  `json:"error,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// WebhookOutcome is the transport-neutral result of processing a delivery.
type WebhookOutcome struct {
	StatusCode int
	Body       WebhookResponse
	EventID    string
	EventType  string
	Attempts   int
}

// ProcessorConfig carries the webhook settings.
type ProcessorConfig struct {
	WebhookSecret string
	Retry         RetryPolicy
	// Timeout bounds one delivery including retries. Zero means no extra bound.
	Timeout time.Duration
}

// WebhookProcessor runs verify, claim, dispatch and mark for one delivery.
type WebhookProcessor struct {
	svc      *Service
	store    IdempotencyStore
	repo     Repository
	archiver PayloadArchiver
	metrics  *metrics.Billing
	cfg      ProcessorConfig
}

// NewWebhookProcessor wires the processor. repo is used for the audit log
// and may be nil; archiver may be nil.
func NewWebhookProcessor(svc *Service, store IdempotencyStore, repo Repository, archiver PayloadArchiver, m *metrics.Billing, cfg ProcessorConfig) *WebhookProcessor {
	return &WebhookProcessor{
		svc:      svc,
		store:    store,
		repo:     repo,
		archiver: archiver,
		metrics:  m,
		cfg:      cfg,
	}
}

func failure(status int, code, message string) WebhookOutcome {
	return WebhookOutcome{StatusCode: status, Body: WebhookResponse{Error: code, Message: message}}
}

// Process handles one raw delivery. It never panics on bad input and always
// returns the status code the provider should see.
func (p *WebhookProcessor) Process(ctx context.Context, payload []byte, signatureHeader string) (out WebhookOutcome) {
	started := time.Now()
	ctx, span := otel.Tracer("convertviral/billing").Start(ctx, "billing.Webhook")
	defer func() {
		span.SetAttributes(
			attribute.Int("http.status_code", out.StatusCode),
			attribute.Int("billing.attempts", out.Attempts),
		)
		if out.StatusCode >= http.StatusBadRequest {
			span.SetStatus(codes.Error, out.Body.Error)
		}
		span.End()
		p.metrics.WebhookObserved(out.EventType, outcomeLabel(out), time.Since(started))
	}()

	ev, err := VerifyStripeWebhook(payload, signatureHeader, p.cfg.WebhookSecret)
	switch {
	case errors.Is(err, ErrNotConfigured):
		log.Errorf("[Webhook] Stripe webhook secret is not configured")
		return failure(http.StatusInternalServerError, "webhook_not_configured", "webhook secret is not configured")
	case errors.Is(err, ErrInvalidSignature):
		log.Warnf("[Webhook] Rejected delivery: %v", err)
		return failure(http.StatusBadRequest, "invalid_signature", "signature verification failed")
	case err != nil:
		log.Warnf("[Webhook] Rejected delivery: %v", err)
		return failure(http.StatusBadRequest, "invalid_payload", err.Error())
	}
	span.SetAttributes(attribute.String("billing.event_id", ev.ID), attribute.String("billing.event_type", ev.Type))

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	outcome, marker, err := p.store.Claim(ctx, ev.ID)
	if err != nil {
		log.Errorw("[Webhook] Idempotency store unavailable", "event_id", ev.ID, "type", ev.Type, "error", err)
		out = failure(http.StatusInternalServerError, "idempotency_unavailable", err.Error())
		out.EventID, out.EventType = ev.ID, ev.Type
		return out
	}
	switch outcome {
	case AlreadyProcessed:
		log.Infof("[Webhook] Duplicate delivery of %s (%s)", ev.ID, ev.Type)
		out = WebhookOutcome{StatusCode: http.StatusOK, Body: WebhookResponse{Received: true, Duplicate: true}}
		if marker != nil {
			out.Body.Result = marker.Result
		}
		out.EventID, out.EventType = ev.ID, ev.Type
		return out
	case InFlight:
		log.Infof("[Webhook] Delivery of %s (%s) is already being processed", ev.ID, ev.Type)
		out = failure(http.StatusConflict, "in_flight", ErrInFlight.Error())
		out.EventID, out.EventType = ev.ID, ev.Type
		return out
	}

	// Bookkeeping must survive a request timeout.
	bookCtx := context.WithoutCancel(ctx)
	audit := p.recordAudit(bookCtx, ev)
	if audit != nil && audit.ProcessedAt != nil {
		// The marker was lost after a successful run. The audit row wins.
		log.Warnw("[Webhook] Claimed an event the audit log already marks processed",
			"event_id", ev.ID, "type", ev.Type, "processed_at", audit.ProcessedAt)
		p.complete(bookCtx, ev, Result{Action: ActionIgnored, Note: "already processed"})
		out = WebhookOutcome{StatusCode: http.StatusOK, Body: WebhookResponse{Received: true, Duplicate: true}}
		out.EventID, out.EventType = ev.ID, ev.Type
		return out
	}
	var auditID uint
	if audit != nil {
		auditID = audit.ID
	}
	p.archive(bookCtx, ev)

	attempts, res, err := p.runHandler(ctx, ev)
	out.EventID, out.EventType, out.Attempts = ev.ID, ev.Type, attempts
	if err != nil {
		if rerr := p.store.Release(bookCtx, ev.ID); rerr != nil {
			log.Errorw("[Webhook] Could not release claim", "event_id", ev.ID, "error", rerr)
		}
		p.markAudit(bookCtx, auditID, attempts, err)
		if errors.Is(err, ErrNotConfigured) {
			out.StatusCode = http.StatusInternalServerError
			out.Body = WebhookResponse{Error: "webhook_not_configured", Message: err.Error()}
			return out
		}
		if IsPermanent(err) {
			out.StatusCode = http.StatusBadRequest
			out.Body = WebhookResponse{Error: "invalid_payload", Message: err.Error()}
			return out
		}
		out.StatusCode = http.StatusInternalServerError
		out.Body = WebhookResponse{Error: "processing_failed", Message: err.Error()}
		return out
	}

	p.complete(bookCtx, ev, res)
	p.markAudit(bookCtx, auditID, attempts, nil)

	out.StatusCode = http.StatusOK
	out.Body = WebhookResponse{Received: true, Result: &res}
	return out
}

func (p *WebhookProcessor) runHandler(ctx context.Context, ev Event) (int, Result, error) {
	var res Result
	policy := p.cfg.Retry
	policy.OnRetry = func(attempt int, err error) {
		log.Warnw("[Webhook] Handler failed, retrying",
			"event_id", ev.ID, "type", ev.Type, "attempt", attempt, "error", err)
	}
	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := p.svc.Handle(ctx, ev)
		p.metrics.HandlerAttempt(ev.Type, err)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		log.Errorw("[Webhook] Handler failed",
			"event_id", ev.ID, "type", ev.Type, "attempts", attempts, "permanent", IsPermanent(err), "error", err)
		return attempts, Result{}, err
	}
	log.Infow("[Webhook] Event processed",
		"event_id", ev.ID, "type", ev.Type, "action", res.Action, "subscription_id", res.SubscriptionID, "attempts", attempts)
	return attempts, res, nil
}

// complete writes the processed marker, retrying transient store errors.
// The audit row still deduplicates the event if every attempt fails.
func (p *WebhookProcessor) complete(ctx context.Context, ev Event, res Result) {
	attempts, err := p.cfg.Retry.Do(ctx, func(ctx context.Context, _ int) error {
		return p.store.Complete(ctx, ev.ID, res)
	})
	if err != nil {
		log.Errorw("[Webhook] Could not write processed marker",
			"event_id", ev.ID, "type", ev.Type, "attempts", attempts, "error", err)
	}
}

// recordAudit inserts the audit row for ev, or returns the existing one.
// It returns nil when there is no audit repository or the write failed.
func (p *WebhookProcessor) recordAudit(ctx context.Context, ev Event) *models.BillingWebhookEvent {
	if p.repo == nil {
		return nil
	}
	_, stored, err := p.repo.CreateWebhookEventIfNotExists(ctx, &models.BillingWebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: ev.ID,
		EventType:       ev.Type,
		PayloadJSON:     string(ev.Raw),
	})
	if err != nil {
		log.Warnf("[Webhook] Could not record audit row for %s: %v", ev.ID, err)
		return nil
	}
	return stored
}

func (p *WebhookProcessor) markAudit(ctx context.Context, id uint, attempts int, procErr error) {
	if p.repo == nil || id == 0 {
		return
	}
	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}
	if err := p.repo.MarkWebhookProcessed(ctx, id, attempts, msg); err != nil {
		log.Warnf("[Webhook] Could not update audit row %d: %v", id, err)
	}
}

func (p *WebhookProcessor) archive(ctx context.Context, ev Event) {
	if p.archiver == nil {
		return
	}
	if err := p.archiver.Archive(ctx, ev.ID, ev.Created, ev.Raw); err != nil {
		log.Warnf("[Webhook] Could not archive payload of %s: %v", ev.ID, err)
	}
}

func outcomeLabel(out WebhookOutcome) string {
	switch {
	case out.Body.Duplicate:
		return "duplicate"
	case out.StatusCode == http.StatusOK:
		return "processed"
	case out.Body.Error != "":
		return out.Body.Error
	default:
		return "error"
	}
}
