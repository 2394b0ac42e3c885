package identity

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/rsteenberg/vossieparent/internal/config"
	"github.com/rsteenberg/vossieparent/internal/models"
)

// Validator runs one identity resolution. The concrete implementation
// is Resolver; tests substitute a counting fake.
type Validator interface {
	Validate(ctx context.Context, user *models.User) (bool, error)
}

// Guard gates access checks behind the revalidation lease. The lease is
// per-user: one resolution refreshes the whole link set, trading a
// bounded staleness window for one external round-trip per TTL instead
// of one per viewed student per request.
type Guard struct {
	db                 *gorm.DB
	validator          Validator
	ttl                time.Duration
	externalConfigured bool
	now                func() time.Time
}

func NewGuard(db *gorm.DB, validator Validator, cfg *config.Config) *Guard {
	return &Guard{
		db:                 db,
		validator:          validator,
		ttl:                cfg.LeaseTTL,
		externalConfigured: cfg.ExternalSourceConfigured(),
		now:                time.Now,
	}
}

// NeedsRevalidation reports whether the user's lease has lapsed.
func (g *Guard) NeedsRevalidation(user *models.User) bool {
	if user.LastValidatedAt == nil {
		return true
	}
	return g.now().Sub(*user.LastValidatedAt) > g.ttl
}

// Refresh revalidates the user when the lease has lapsed. With no
// external source configured the lease gate is skipped entirely and the
// local link set is trusted as-is.
func (g *Guard) Refresh(ctx context.Context, user *models.User) (bool, error) {
	if !g.externalConfigured {
		return true, nil
	}
	if !g.NeedsRevalidation(user) {
		return true, nil
	}
	return g.validator.Validate(ctx, user)
}

// CanView answers whether the guardian may see the student identified
// by its external id. A configuration error is returned distinctly so
// callers never conflate an operator mistake with "no links found".
func (g *Guard) CanView(ctx context.Context, user *models.User, externalStudentID string) (bool, error) {
	if user == nil || !user.IsGuardian {
		return false, nil
	}

	ok, err := g.Refresh(ctx, user)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	var count int64
	err = g.db.Model(&models.GuardianLink{}).
		Joins("JOIN students ON students.id = guardian_links.student_id").
		Where("guardian_links.user_id = ? AND guardian_links.active = ? AND students.external_student_id = ?",
			user.ID, true, externalStudentID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
