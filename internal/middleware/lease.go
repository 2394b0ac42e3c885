package middleware

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/rsteenberg/vossieparent/internal/identity"
	"github.com/rsteenberg/vossieparent/internal/models"
)

// IdentityLease loads the authenticated guardian and refreshes a lapsed
// lease once per request, so handlers normally see a warm link set.
// Refresh failures are logged, not fatal: the permission check still
// runs against whatever the link table holds.
func IdentityLease(db *gorm.DB, guard *identity.Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, err := UserID(c)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": true, "message": "Unauthorized",
			})
		}

		var user models.User
		if err := db.First(&user, "id = ?", userID).Error; err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": true, "message": "Unauthorized",
			})
		}

		if user.IsGuardian {
			if _, err := guard.Refresh(c.UserContext(), &user); err != nil {
				slog.Error("lease refresh failed", "user_id", user.ID.String(), "error", err.Error())
			}
		}

		c.Locals("current_user", &user)
		return c.Next()
	}
}
