package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/rsteenberg/vossieparent/internal/database"
	"github.com/rsteenberg/vossieparent/internal/dto"
	"github.com/rsteenberg/vossieparent/internal/identity"
)

type HealthHandler struct {
	counters *identity.Counters
}

func NewHealthHandler(counters *identity.Counters) *HealthHandler {
	return &HealthHandler{counters: counters}
}

func (h *HealthHandler) Check(c *fiber.Ctx) error {
	dbStatus := "ok"
	if err := database.Ping(); err != nil {
		dbStatus = "unhealthy: " + err.Error()
	}

	return c.JSON(dto.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		DB:        dbStatus,
		Sources:   h.counters.Snapshot(),
	})
}
