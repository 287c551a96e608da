package usercontext

import (
	"github.com/convertviral/convertviral/app/models"
	"github.com/gofiber/fiber/v2"
)

const localsKey = "USER_CONTEXT"

// UserContext represents the authenticated caller of an API request
type UserContext struct {
	UserID     uint   `json:"user_id"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	IsLoggedIn bool   `json:"is_logged_in"`
	IsAdmin    bool   `json:"is_admin"`
	IsPremium  bool   `json:"is_premium"`
	Plan       string `json:"plan"`
}

// FromUser builds the context for an authenticated user.
func FromUser(u *models.User) UserContext {
	plan := u.PlanTier
	if plan == "" {
		plan = "free"
	}
	return UserContext{
		UserID:     u.ID,
		Username:   u.Name,
		Email:      u.Email,
		IsLoggedIn: true,
		IsAdmin:    u.Role == models.ROLE_ADMIN,
		IsPremium:  u.IsPremium,
		Plan:       plan,
	}
}

// Set stores ctx on the request.
func Set(c *fiber.Ctx, ctx UserContext) {
	c.Locals(localsKey, ctx)
}

// GetUserContext retrieves the user context from fiber context
// Returns a default anonymous context if none is set
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx, ok := c.Locals(localsKey).(UserContext); ok {
		return ctx
	}
	return UserContext{}
}

// IsLoggedIn checks if the current user is logged in
func IsLoggedIn(c *fiber.Ctx) bool {
	return GetUserContext(c).IsLoggedIn
}

// IsAdmin checks if the current user is an admin
func IsAdmin(c *fiber.Ctx) bool {
	return GetUserContext(c).IsAdmin
}

// GetUserID returns the current user's ID, or 0 if not logged in
func GetUserID(c *fiber.Ctx) uint {
	return GetUserContext(c).UserID
}
