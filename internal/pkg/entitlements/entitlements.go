package entitlements

import (
	"strings"

	"github.com/convertviral/convertviral/app/models"
)

type Plan string

const (
	PlanFree     Plan = "free"
	PlanBasic    Plan = "basic"
	PlanPro      Plan = "pro"
	PlanBusiness Plan = "business"
	// PlanPremium is assigned when a paid price id carries no tier marker.
	PlanPremium Plan = "premium"
)

// Limits are the conversion allowances granted by a plan.
type Limits struct {
	MaxFileSizeMB       int
	DailyConversions    int // 0 means unlimited
	BatchConversions    bool
	PriorityQueue       bool
	AdFree              bool
	RetentionHours      int
	ConcurrentUploadMax int
}

// Normalize maps free-form plan strings onto a known Plan, defaulting to free.
func Normalize(plan string) Plan {
	switch p := Plan(strings.ToLower(strings.TrimSpace(plan))); p {
	case PlanBasic, PlanPro, PlanBusiness, PlanPremium:
		return p
	default:
		return PlanFree
	}
}

// PlanFromPriceID derives the plan tier from the naming convention of the
// provider price identifier, e.g. "price_pro_monthly" or a lookup key like
// "business_yearly". Unknown paid prices fall back to PlanPremium.
func PlanFromPriceID(priceID string) Plan {
	id := strings.ToLower(strings.TrimSpace(priceID))
	switch {
	case id == "":
		return PlanFree
	case strings.Contains(id, "business"), strings.Contains(id, "enterprise"):
		return PlanBusiness
	case strings.Contains(id, "pro"):
		return PlanPro
	case strings.Contains(id, "basic"), strings.Contains(id, "starter"):
		return PlanBasic
	default:
		return PlanPremium
	}
}

// Rank orders plans so the best of several subscriptions can be chosen.
func Rank(p Plan) int {
	switch Normalize(string(p)) {
	case PlanBusiness:
		return 4
	case PlanPro:
		return 3
	case PlanPremium:
		return 2
	case PlanBasic:
		return 1
	default:
		return 0
	}
}

// IsPremiumStatus reports whether a subscription status grants premium.
// past_due is a grace period that keeps access until dunning marks it unpaid.
func IsPremiumStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case models.BillingStatusActive, models.BillingStatusTrialing, models.BillingStatusPastDue:
		return true
	default:
		return false
	}
}

// LimitsFor returns the allowances for a plan.
func LimitsFor(p Plan) Limits {
	switch Normalize(string(p)) {
	case PlanBusiness:
		return Limits{MaxFileSizeMB: 5120, BatchConversions: true, PriorityQueue: true, AdFree: true, RetentionHours: 168, ConcurrentUploadMax: 20}
	case PlanPro, PlanPremium:
		return Limits{MaxFileSizeMB: 2048, BatchConversions: true, PriorityQueue: true, AdFree: true, RetentionHours: 72, ConcurrentUploadMax: 10}
	case PlanBasic:
		return Limits{MaxFileSizeMB: 500, DailyConversions: 100, BatchConversions: true, AdFree: true, RetentionHours: 24, ConcurrentUploadMax: 3}
	default:
		return Limits{MaxFileSizeMB: 100, DailyConversions: 10, RetentionHours: 2, ConcurrentUploadMax: 1}
	}
}

// EffectiveLimits resolves the allowances for a user, ignoring the stored
// tier while the premium flag is off.
func EffectiveLimits(u *models.User) Limits {
	if u == nil || !u.IsPremium {
		return LimitsFor(PlanFree)
	}
	return LimitsFor(Normalize(u.PlanTier))
}
