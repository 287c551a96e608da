package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/convertviral/convertviral/app/models"
)

// memRepo is an in-memory Repository. WithTx snapshots all tables and
// restores them when fn fails.
type memRepo struct {
	mu sync.Mutex

	users     map[uint]models.User
	subs      map[string]models.BillingSubscription
	invoices  map[string]models.BillingInvoice
	checkouts map[string]models.BillingCheckoutSession
	events    map[string]models.BillingWebhookEvent

	nextID uint
	// writes counts mutations of users, subscriptions and invoices.
	writes int
	// failWrites makes the next n subscription writes fail.
	failWrites int
}

func newMemRepo() *memRepo {
	return &memRepo{
		users:     map[uint]models.User{},
		subs:      map[string]models.BillingSubscription{},
		invoices:  map[string]models.BillingInvoice{},
		checkouts: map[string]models.BillingCheckoutSession{},
		events:    map[string]models.BillingWebhookEvent{},
		nextID:    100,
	}
}

func (r *memRepo) id() uint {
	r.nextID++
	return r.nextID
}

func (r *memRepo) addUser(u models.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.PlanTier == "" {
		u.PlanTier = "free"
	}
	r.users[u.ID] = u
}

func (r *memRepo) addSubscription(s models.BillingSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == 0 {
		s.ID = r.id()
	}
	r.subs[s.StripeSubscriptionID] = s
}

func (r *memRepo) user(id uint) models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[id]
}

func (r *memRepo) sub(id string) (models.BillingSubscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	return s, ok
}

func (r *memRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

type memSnapshot struct {
	users     map[uint]models.User
	subs      map[string]models.BillingSubscription
	invoices  map[string]models.BillingInvoice
	checkouts map[string]models.BillingCheckoutSession
}

func (r *memRepo) snapshot() memSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := memSnapshot{
		users:     make(map[uint]models.User, len(r.users)),
		subs:      make(map[string]models.BillingSubscription, len(r.subs)),
		invoices:  make(map[string]models.BillingInvoice, len(r.invoices)),
		checkouts: make(map[string]models.BillingCheckoutSession, len(r.checkouts)),
	}
	for k, v := range r.users {
		s.users[k] = v
	}
	for k, v := range r.subs {
		s.subs[k] = v
	}
	for k, v := range r.invoices {
		s.invoices[k] = v
	}
	for k, v := range r.checkouts {
		s.checkouts[k] = v
	}
	return s
}

func (r *memRepo) restore(s memSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users, r.subs, r.invoices, r.checkouts = s.users, s.subs, s.invoices, s.checkouts
}

func (r *memRepo) WithTx(_ context.Context, fn func(repo Repository) error) error {
	snap := r.snapshot()
	if err := fn(r); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

func (r *memRepo) GetUserByID(_ context.Context, id uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (r *memRepo) GetUserByCustomerID(_ context.Context, customerID string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.CustomerID() == customerID {
			u := u
			return &u, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *memRepo) UpdateUserBilling(_ context.Context, userID uint, upd UserBillingUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	if upd.StripeCustomerID != nil {
		id := *upd.StripeCustomerID
		u.StripeCustomerID = &id
	}
	if upd.IsPremium != nil {
		u.IsPremium = *upd.IsPremium
	}
	if upd.PlanTier != nil {
		u.PlanTier = *upd.PlanTier
	}
	r.users[userID] = u
	r.writes++
	return nil
}

func (r *memRepo) GetSubscriptionByStripeID(_ context.Context, id string) (*models.BillingSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &s, nil
}

func (r *memRepo) GetLatestSubscriptionByUser(_ context.Context, userID uint) (*models.BillingSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *models.BillingSubscription
	for _, s := range r.subs {
		if s.UserID != userID {
			continue
		}
		if best == nil || s.ID > best.ID {
			s := s
			best = &s
		}
	}
	if best == nil {
		return nil, ErrSubscriptionNotFound
	}
	return best, nil
}

func (r *memRepo) ListSubscriptionsByUser(_ context.Context, userID uint) ([]models.BillingSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.BillingSubscription
	for _, s := range r.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memRepo) writeSubscription(sub *models.BillingSubscription) error {
	if r.failWrites > 0 {
		r.failWrites--
		return errors.New("database is unavailable")
	}
	if existing, ok := r.subs[sub.StripeSubscriptionID]; ok {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	} else if sub.ID == 0 {
		sub.ID = r.id()
		sub.CreatedAt = time.Now()
	}
	sub.UpdatedAt = time.Now()
	r.subs[sub.StripeSubscriptionID] = *sub
	r.writes++
	return nil
}

func (r *memRepo) UpsertSubscription(_ context.Context, sub *models.BillingSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeSubscription(sub)
}

func (r *memRepo) SaveSubscription(_ context.Context, sub *models.BillingSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeSubscription(sub)
}

func (r *memRepo) GetInvoiceByStripeID(_ context.Context, id string) (*models.BillingInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return &inv, nil
}

func (r *memRepo) GetInvoiceByPaymentIntentID(_ context.Context, id string) (*models.BillingInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		return nil, ErrInvoiceNotFound
	}
	for _, inv := range r.invoices {
		if inv.StripePaymentIntentID == id {
			return &inv, nil
		}
	}
	return nil, ErrInvoiceNotFound
}

func (r *memRepo) UpsertInvoice(_ context.Context, inv *models.BillingInvoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.invoices[inv.StripeInvoiceID]; ok {
		inv.ID = existing.ID
		inv.CreatedAt = existing.CreatedAt
	} else {
		inv.ID = r.id()
		inv.CreatedAt = time.Now()
	}
	r.invoices[inv.StripeInvoiceID] = *inv
	r.writes++
	return nil
}

func (r *memRepo) UpdateInvoiceMetadata(_ context.Context, id, metadataJSON string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	inv.MetadataJSON = metadataJSON
	r.invoices[id] = inv
	r.writes++
	return nil
}

func (r *memRepo) ListInvoicesByUser(_ context.Context, userID uint, limit, offset int) ([]models.BillingInvoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.BillingInvoice
	for _, inv := range r.invoices {
		if inv.UserID == userID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) CreateCheckoutSession(_ context.Context, cs *models.BillingCheckoutSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checkouts[cs.StripeSessionID]; ok {
		return fmt.Errorf("duplicate checkout session %s", cs.StripeSessionID)
	}
	cs.ID = r.id()
	r.checkouts[cs.StripeSessionID] = *cs
	return nil
}

func (r *memRepo) GetCheckoutSessionByStripeID(_ context.Context, id string) (*models.BillingCheckoutSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.checkouts[id]
	if !ok {
		return nil, ErrCheckoutNotFound
	}
	return &cs, nil
}

func (r *memRepo) UpdateCheckoutSessionStatus(_ context.Context, id, status string, completedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cs, ok := r.checkouts[id]
	if !ok {
		return nil
	}
	cs.Status = status
	if completedAt != nil {
		cs.CompletedAt = completedAt
	}
	r.checkouts[id] = cs
	return nil
}

func (r *memRepo) CreateWebhookEventIfNotExists(_ context.Context, ev *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ev.Provider + ":" + ev.ProviderEventID
	if stored, ok := r.events[key]; ok {
		return false, &stored, nil
	}
	ev.ID = r.id()
	r.events[key] = *ev
	stored := *ev
	return true, &stored, nil
}

func (r *memRepo) MarkWebhookProcessed(_ context.Context, id uint, attempts int, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, ev := range r.events {
		if ev.ID != id {
			continue
		}
		ev.Attempts = attempts
		ev.ProcessingError = processingError
		if processingError == "" {
			now := time.Now()
			ev.ProcessedAt = &now
		}
		r.events[k] = ev
	}
	return nil
}

func (r *memRepo) auditEvent(eventID string) (models.BillingWebhookEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events[models.BillingProviderStripe+":"+eventID]
	return ev, ok
}

// fakeGateway records provider calls and serves canned subscriptions.
type fakeGateway struct {
	mu            sync.Mutex
	subscriptions map[string]*SubscriptionSnapshot
	getErr        error
	confirmErr    error
	confirmed     []string
	confirmKeys   []string
	checkouts     []CheckoutSessionInput
	customers     int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{subscriptions: map[string]*SubscriptionSnapshot{}}
}

func (g *fakeGateway) GetSubscription(_ context.Context, id string) (*SubscriptionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.getErr != nil {
		return nil, g.getErr
	}
	s, ok := g.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	cp := *s
	return &cp, nil
}

func (g *fakeGateway) SetCancelAtPeriodEnd(_ context.Context, id string, cancel bool) (*SubscriptionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", id)
	}
	s.CancelAtPeriodEnd = cancel
	cp := *s
	return &cp, nil
}

func (g *fakeGateway) ConfirmPaymentIntent(_ context.Context, id, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.confirmed = append(g.confirmed, id)
	g.confirmKeys = append(g.confirmKeys, key)
	return g.confirmErr
}

func (g *fakeGateway) CreateCustomer(_ context.Context, userID uint, _, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.customers++
	return fmt.Sprintf("cus_user_%d", userID), nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, in CheckoutSessionInput) (*CheckoutSessionSnapshot, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkouts = append(g.checkouts, in)
	id := fmt.Sprintf("cs_test_%d", len(g.checkouts))
	return &CheckoutSessionSnapshot{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id, Status: "open", CustomerID: in.CustomerID}, nil
}

func (g *fakeGateway) GetCheckoutSession(_ context.Context, id string) (*CheckoutSessionSnapshot, error) {
	return &CheckoutSessionSnapshot{ID: id, Status: "complete"}, nil
}
