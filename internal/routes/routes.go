package routes

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"gorm.io/gorm"

	"github.com/rsteenberg/vossieparent/internal/config"
	"github.com/rsteenberg/vossieparent/internal/handlers"
	"github.com/rsteenberg/vossieparent/internal/identity"
	"github.com/rsteenberg/vossieparent/internal/middleware"
)

func Setup(
	app *fiber.App,
	cfg *config.Config,
	db *gorm.DB,
	guard *identity.Guard,
	authHandler *handlers.AuthHandler,
	studentHandler *handlers.StudentHandler,
	healthHandler *handlers.HealthHandler,
) {
	api := app.Group("/api")

	// General API rate limiter: 60 req/min per IP
	api.Use(limiter.New(limiter.Config{
		Max:               60,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      func(c *fiber.Ctx) string { return c.IP() },
	}))

	api.Get("/health", healthHandler.Check)

	// Auth — public, with a stricter rate limit
	auth := api.Group("/auth")
	auth.Use(limiter.New(limiter.Config{
		Max:               10,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      func(c *fiber.Ctx) string { return c.IP() },
	}))
	auth.Post("/register", authHandler.Register)
	auth.Post("/login", authHandler.Login)
	auth.Post("/refresh", authHandler.Refresh)

	api.Post("/auth/logout", middleware.JWTProtected(cfg), authHandler.Logout)
	api.Post("/auth/emails", middleware.JWTProtected(cfg), authHandler.AddEmail)

	// Guardian routes: JWT plus the identity-lease middleware, which
	// loads the user and refreshes a lapsed lease once per request.
	students := api.Group("/students",
		middleware.JWTProtected(cfg),
		middleware.IdentityLease(db, guard),
	)
	students.Get("/", studentHandler.List)
	students.Post("/revalidate", studentHandler.Revalidate)
	students.Get("/:external_id", studentHandler.Show)
}
