package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/rsteenberg/vossieparent/internal/config"
	"github.com/rsteenberg/vossieparent/internal/dto"
	"github.com/rsteenberg/vossieparent/internal/identity"
	"github.com/rsteenberg/vossieparent/internal/middleware"
	"github.com/rsteenberg/vossieparent/internal/models"
)

type StudentHandler struct {
	db       *gorm.DB
	guard    *identity.Guard
	resolver identity.Validator
}

func NewStudentHandler(db *gorm.DB, guard *identity.Guard, resolver identity.Validator) *StudentHandler {
	return &StudentHandler{db: db, guard: guard, resolver: resolver}
}

// List returns the guardian's active students.
func (h *StudentHandler) List(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
			Error: true, Message: "Unauthorized",
		})
	}

	var links []models.GuardianLink
	if err := h.db.Preload("Student").
		Where("user_id = ? AND active = ?", user.ID, true).
		Find(&links).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: true, Message: "Failed to list students",
		})
	}

	resp := dto.StudentListResponse{Students: make([]dto.StudentResponse, 0, len(links))}
	for _, link := range links {
		resp.Students = append(resp.Students, dto.StudentResponse{
			ExternalStudentID: link.Student.ExternalStudentID,
			FirstName:         link.Student.FirstName,
			LastName:          link.Student.LastName,
			Source:            link.Source,
			LastVerifiedAt:    link.LastVerifiedAt,
		})
	}
	return c.JSON(resp)
}

// Show returns one student, gated by the permission check. A
// configuration error maps to 503 so operators can tell it apart from
// an ordinary denial.
func (h *StudentHandler) Show(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
			Error: true, Message: "Unauthorized",
		})
	}

	externalID := c.Params("external_id")
	ok, err := h.guard.CanView(c.UserContext(), user, externalID)
	if err != nil {
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(dto.ErrorResponse{
				Error: true, Message: "Identity sources are misconfigured; contact the operator",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: true, Message: "Internal server error",
		})
	}
	if !ok {
		return c.Status(fiber.StatusForbidden).JSON(dto.ErrorResponse{
			Error: true, Message: "Forbidden",
		})
	}

	var student models.Student
	if err := h.db.Where("external_student_id = ?", externalID).First(&student).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
			Error: true, Message: "Student not found",
		})
	}
	return c.JSON(student)
}

// Revalidate forces an immediate resolution run regardless of the lease.
func (h *StudentHandler) Revalidate(c *fiber.Ctx) error {
	user := middleware.CurrentUser(c)
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
			Error: true, Message: "Unauthorized",
		})
	}

	validated, err := h.resolver.Validate(c.UserContext(), user)
	if err != nil {
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(dto.ErrorResponse{
				Error: true, Message: "Identity sources are misconfigured; contact the operator",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
			Error: true, Message: "Revalidation failed",
		})
	}

	var count int64
	h.db.Model(&models.GuardianLink{}).
		Where("user_id = ? AND active = ?", user.ID, true).
		Count(&count)

	return c.JSON(dto.RevalidateResponse{Validated: validated, Students: int(count)})
}
