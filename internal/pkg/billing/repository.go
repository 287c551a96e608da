package billing

import (
	"context"
	"errors"
	"time"

	"github.com/convertviral/convertviral/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UserBillingUpdate lists the billing fields of a user to overwrite. Nil
// fields are left untouched.
type UserBillingUpdate struct {
	StripeCustomerID *string
	IsPremium        *bool
	PlanTier         *string
}

// Repository provides DB operations used by the billing service.
type Repository interface {
	// WithTx runs fn against a repository bound to a single transaction.
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	GetUserByID(ctx context.Context, id uint) (*models.User, error)
	GetUserByCustomerID(ctx context.Context, customerID string) (*models.User, error)
	UpdateUserBilling(ctx context.Context, userID uint, upd UserBillingUpdate) error

	GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.BillingSubscription, error)
	GetLatestSubscriptionByUser(ctx context.Context, userID uint) (*models.BillingSubscription, error)
	ListSubscriptionsByUser(ctx context.Context, userID uint) ([]models.BillingSubscription, error)
	UpsertSubscription(ctx context.Context, sub *models.BillingSubscription) error
	SaveSubscription(ctx context.Context, sub *models.BillingSubscription) error

	GetInvoiceByStripeID(ctx context.Context, stripeInvoiceID string) (*models.BillingInvoice, error)
	GetInvoiceByPaymentIntentID(ctx context.Context, paymentIntentID string) (*models.BillingInvoice, error)
	UpsertInvoice(ctx context.Context, inv *models.BillingInvoice) error
	UpdateInvoiceMetadata(ctx context.Context, stripeInvoiceID, metadataJSON string) error
	ListInvoicesByUser(ctx context.Context, userID uint, limit, offset int) ([]models.BillingInvoice, error)

	CreateCheckoutSession(ctx context.Context, cs *models.BillingCheckoutSession) error
	GetCheckoutSessionByStripeID(ctx context.Context, stripeSessionID string) (*models.BillingCheckoutSession, error)
	UpdateCheckoutSessionStatus(ctx context.Context, stripeSessionID, status string, completedAt *time.Time) error

	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, attempts int, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) WithTx(ctx context.Context, fn func(repo Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func notFound(err, sentinel error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sentinel
	}
	return err
}

func (r *gormRepository) GetUserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &user, nil
}

func (r *gormRepository) GetUserByCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("stripe_customer_id = ?", customerID).First(&user).Error; err != nil {
		return nil, notFound(err, ErrUserNotFound)
	}
	return &user, nil
}

func (r *gormRepository) UpdateUserBilling(ctx context.Context, userID uint, upd UserBillingUpdate) error {
	updates := map[string]interface{}{}
	if upd.StripeCustomerID != nil {
		updates["stripe_customer_id"] = *upd.StripeCustomerID
	}
	if upd.IsPremium != nil {
		updates["is_premium"] = *upd.IsPremium
	}
	if upd.PlanTier != nil {
		updates["plan_tier"] = *upd.PlanTier
	}
	if len(updates) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// MySQL reports 0 for unchanged rows, so confirm the user exists.
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrUserNotFound
		}
	}
	return nil
}

func (r *gormRepository) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	err := r.db.WithContext(ctx).Where("stripe_subscription_id = ?", stripeSubscriptionID).First(&sub).Error
	if err != nil {
		return nil, notFound(err, ErrSubscriptionNotFound)
	}
	return &sub, nil
}

func (r *gormRepository) GetLatestSubscriptionByUser(ctx context.Context, userID uint) (*models.BillingSubscription, error) {
	var sub models.BillingSubscription
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("updated_at DESC, id DESC").First(&sub).Error
	if err != nil {
		return nil, notFound(err, ErrSubscriptionNotFound)
	}
	return &sub, nil
}

func (r *gormRepository) ListSubscriptionsByUser(ctx context.Context, userID uint) ([]models.BillingSubscription, error) {
	var subs []models.BillingSubscription
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Find(&subs).Error
	return subs, err
}

func (r *gormRepository) UpsertSubscription(ctx context.Context, sub *models.BillingSubscription) error {
	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "stripe_subscription_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"stripe_customer_id",
			"stripe_price_id",
			"plan_tier",
			"status",
			"current_period_end",
			"cancel_at_period_end",
			"canceled_at",
			"failed_payment_count",
			"last_payment_succeeded_at",
			"last_payment_failed_at",
			"latest_invoice_id",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return db.Where("stripe_subscription_id = ?", sub.StripeSubscriptionID).First(sub).Error
}

func (r *gormRepository) SaveSubscription(ctx context.Context, sub *models.BillingSubscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *gormRepository) GetInvoiceByStripeID(ctx context.Context, stripeInvoiceID string) (*models.BillingInvoice, error) {
	var inv models.BillingInvoice
	if err := r.db.WithContext(ctx).Where("stripe_invoice_id = ?", stripeInvoiceID).First(&inv).Error; err != nil {
		return nil, notFound(err, ErrInvoiceNotFound)
	}
	return &inv, nil
}

func (r *gormRepository) GetInvoiceByPaymentIntentID(ctx context.Context, paymentIntentID string) (*models.BillingInvoice, error) {
	if paymentIntentID == "" {
		return nil, ErrInvoiceNotFound
	}
	var inv models.BillingInvoice
	if err := r.db.WithContext(ctx).
		Where("stripe_payment_intent_id = ?", paymentIntentID).
		Order("id DESC").
		First(&inv).Error; err != nil {
		return nil, notFound(err, ErrInvoiceNotFound)
	}
	return &inv, nil
}

func (r *gormRepository) UpsertInvoice(ctx context.Context, inv *models.BillingInvoice) error {
	db := r.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "stripe_invoice_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"user_id",
			"subscription_id",
			"stripe_subscription_id",
			"stripe_payment_intent_id",
			"status",
			"currency",
			"subtotal",
			"tax",
			"total",
			"amount_paid",
			"amount_due",
			"hosted_invoice_url",
			"period_start",
			"period_end",
			"paid_at",
			"metadata_json",
			"updated_at",
		}),
	}).Create(inv).Error; err != nil {
		return err
	}
	return db.Where("stripe_invoice_id = ?", inv.StripeInvoiceID).First(inv).Error
}

func (r *gormRepository) UpdateInvoiceMetadata(ctx context.Context, stripeInvoiceID, metadataJSON string) error {
	return r.db.WithContext(ctx).Model(&models.BillingInvoice{}).
		Where("stripe_invoice_id = ?", stripeInvoiceID).
		Update("metadata_json", metadataJSON).Error
}

func (r *gormRepository) ListInvoicesByUser(ctx context.Context, userID uint, limit, offset int) ([]models.BillingInvoice, error) {
	var invoices []models.BillingInvoice
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&invoices).Error
	return invoices, err
}

func (r *gormRepository) CreateCheckoutSession(ctx context.Context, cs *models.BillingCheckoutSession) error {
	return r.db.WithContext(ctx).Create(cs).Error
}

func (r *gormRepository) GetCheckoutSessionByStripeID(ctx context.Context, stripeSessionID string) (*models.BillingCheckoutSession, error) {
	var cs models.BillingCheckoutSession
	if err := r.db.WithContext(ctx).Where("stripe_session_id = ?", stripeSessionID).First(&cs).Error; err != nil {
		return nil, notFound(err, ErrCheckoutNotFound)
	}
	return &cs, nil
}

func (r *gormRepository) UpdateCheckoutSessionStatus(ctx context.Context, stripeSessionID, status string, completedAt *time.Time) error {
	updates := map[string]interface{}{"status": status}
	if completedAt != nil {
		updates["completed_at"] = completedAt
	}
	return r.db.WithContext(ctx).Model(&models.BillingCheckoutSession{}).
		Where("stripe_session_id = ?", stripeSessionID).
		Updates(updates).Error
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	tx := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, attempts int, processingError string) error {
	updates := map[string]interface{}{
		"attempts":         attempts,
		"processing_error": processingError,
	}
	if processingError == "" {
		now := time.Now().UTC()
		updates["processed_at"] = &now
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
