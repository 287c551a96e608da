package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/convertviral/convertviral/app/repository"
	"github.com/convertviral/convertviral/internal/pkg/entitlements"
	"github.com/convertviral/convertviral/internal/pkg/usercontext"
)

// AccountController serves the caller's account and API key.
type AccountController struct {
	users repository.UserRepository
}

func NewAccountController(users repository.UserRepository) *AccountController {
	return &AccountController{users: users}
}

// HandleGetAccount returns account information and effective plan limits.
func (ac *AccountController) HandleGetAccount(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	account, err := ac.users.GetByID(c.UserContext(), userCtx.UserID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load user"})
	}

	plan := entitlements.PlanFree
	if account.IsPremium {
		plan = entitlements.Normalize(account.PlanTier)
	}
	limits := entitlements.EffectiveLimits(account)

	return c.JSON(fiber.Map{
		"id":             account.ID,
		"name":           account.Name,
		"email":          account.Email,
		"is_premium":     account.IsPremium,
		"plan":           plan,
		"api_key_prefix": account.APIKeyPrefix,
		"created_at":     formatTimePtr(&account.CreatedAt),
		"limits": fiber.Map{
			"max_file_size_mb":      limits.MaxFileSizeMB,
			"daily_conversions":     limits.DailyConversions,
			"batch_conversions":     limits.BatchConversions,
			"priority_queue":        limits.PriorityQueue,
			"ad_free":               limits.AdFree,
			"retention_hours":       limits.RetentionHours,
			"concurrent_upload_max": limits.ConcurrentUploadMax,
		},
	})
}

// HandleRotateAPIKey issues a new API key. The raw key is only returned here.
func (ac *AccountController) HandleRotateAPIKey(c *fiber.Ctx) error {
	account, err := ac.users.GetByID(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
	}

	raw, err := account.IssueAPIKey()
	if err != nil {
		log.Errorf("[Account] API key generation failed for user %d: %v", account.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not generate API key"})
	}
	if err := ac.users.SaveAPIKey(c.UserContext(), account); err != nil {
		log.Errorf("[Account] Saving API key failed for user %d: %v", account.ID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Could not store API key"})
	}

	log.Infof("[Account] API key rotated for user %d (prefix %s)", account.ID, account.APIKeyPrefix)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"api_key": raw, "prefix": account.APIKeyPrefix})
}
