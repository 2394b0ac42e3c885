package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rsteenberg/vossieparent/internal/config"
	"github.com/rsteenberg/vossieparent/internal/directory"
	"github.com/rsteenberg/vossieparent/internal/models"
	"github.com/rsteenberg/vossieparent/internal/warehouse"
)

// Resolver reconciles a guardian's email identities against the
// configured sources in strict priority order (local contact cache,
// warehouse, directory) and maintains the guardian-link set. Source
// failures are absorbed as "zero candidates"; only configuration errors
// propagate, so one unavailable system never denies a guardian another
// system can confirm.
type Resolver struct {
	db                *gorm.DB
	sources           []source
	counters          *Counters
	includeUnverified bool
	now               func() time.Time
}

func NewResolver(db *gorm.DB, cfg *config.Config, dir *directory.Client, wh *warehouse.Client, counters *Counters) *Resolver {
	return &Resolver{
		db: db,
		sources: []source{
			&cacheSource{db: db},
			&warehouseSource{client: wh},
			&directorySource{client: dir, cfg: cfg},
		},
		counters:          counters,
		includeUnverified: cfg.IncludeUnverifiedEmails,
		now:               time.Now,
	}
}

// Validate runs one resolution for the user. It returns true iff at
// least one student relationship was reaffirmed; the user's lease and
// link set are updated as a side effect. Concurrent runs for the same
// user converge: every write is an upsert keyed on a unique constraint.
func (r *Resolver) Validate(ctx context.Context, user *models.User) (bool, error) {
	emails, err := r.candidateEmails(user)
	if err != nil {
		return false, err
	}

	var found result
	var via string
	for _, s := range r.sources {
		if !s.enabled() {
			r.counters.record(s.name(), StatusSkipped)
			continue
		}
		res, err := s.find(ctx, input{user: user, emails: emails})
		if err != nil {
			var cfgErr *config.Error
			if errors.As(err, &cfgErr) {
				return false, err
			}
			r.counters.record(s.name(), StatusError)
			slog.Warn("identity source failed, treating as empty",
				"source", s.name(), "user_id", user.ID.String(), "error", err.Error())
			continue
		}
		if len(res.candidates) == 0 {
			r.counters.record(s.name(), StatusEmpty)
			continue
		}
		r.counters.record(s.name(), StatusOK)
		found = res
		via = s.name()
		break
	}

	if len(found.candidates) == 0 {
		slog.Info("identity resolution found no candidates",
			"user_id", user.ID.String(), "emails", len(emails))
		return false, nil
	}

	now := r.now()
	err = r.db.Transaction(func(tx *gorm.DB) error {
		var affirmed []uuid.UUID
		for _, c := range found.candidates {
			student, err := r.upsertStudent(tx, c)
			if err != nil {
				return err
			}
			if err := r.upsertLink(tx, user.ID, student.ID, via, now); err != nil {
				return err
			}
			affirmed = append(affirmed, student.ID)
		}

		// Links not reaffirmed in this run go inactive; rows are kept
		// as the audit trail of every relationship ever observed.
		if err := tx.Model(&models.GuardianLink{}).
			Where("user_id = ? AND student_id NOT IN ?", user.ID, affirmed).
			Update("active", false).Error; err != nil {
			return err
		}

		updates := map[string]any{"last_validated_at": now}
		if found.parentID != "" &&
			(user.ExternalParentID == nil || *user.ExternalParentID != found.parentID) {
			updates["external_parent_id"] = found.parentID
		}
		if err := tx.Model(user).Updates(updates).Error; err != nil {
			return err
		}
		user.LastValidatedAt = &now
		if pid, ok := updates["external_parent_id"].(string); ok {
			user.ExternalParentID = &pid
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	slog.Info("identity resolution succeeded",
		"user_id", user.ID.String(), "source", via, "students", len(found.candidates))
	return true, nil
}

// candidateEmails assembles the primary address plus verified
// alternates (unverified too when configured), trimmed and lowercased.
func (r *Resolver) candidateEmails(user *models.User) ([]string, error) {
	seen := make(map[string]struct{})
	var emails []string
	add := func(e string) {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			return
		}
		if _, ok := seen[e]; ok {
			return
		}
		seen[e] = struct{}{}
		emails = append(emails, e)
	}

	add(user.Email)

	var alternates []models.UserEmail
	q := r.db.Where("user_id = ?", user.ID)
	if !r.includeUnverified {
		q = q.Where("verified = ?", true)
	}
	if err := q.Find(&alternates).Error; err != nil {
		return nil, err
	}
	for _, a := range alternates {
		add(a.Email)
	}
	return emails, nil
}

// upsertStudent gets or creates the Student for a candidate. Name
// fields update only when the observed value is non-empty and differs;
// a blank from a later source never overwrites a known name.
func (r *Resolver) upsertStudent(tx *gorm.DB, c Candidate) (*models.Student, error) {
	var student models.Student
	err := tx.Where("external_student_id = ?", c.ExternalStudentID).First(&student).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		student = models.Student{
			ID:                uuid.New(),
			ExternalStudentID: c.ExternalStudentID,
			FirstName:         c.FirstName,
			LastName:          c.LastName,
		}
		if err := tx.Create(&student).Error; err != nil {
			// Concurrent run may have created it between the lookup
			// and the insert; re-read under the unique key.
			if ferr := tx.Where("external_student_id = ?", c.ExternalStudentID).First(&student).Error; ferr != nil {
				return nil, err
			}
		}
		return &student, nil
	}
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if c.FirstName != "" && student.FirstName != c.FirstName {
		updates["first_name"] = c.FirstName
		student.FirstName = c.FirstName
	}
	if c.LastName != "" && student.LastName != c.LastName {
		updates["last_name"] = c.LastName
		student.LastName = c.LastName
	}
	if len(updates) > 0 {
		if err := tx.Model(&student).Updates(updates).Error; err != nil {
			return nil, err
		}
	}
	return &student, nil
}

// upsertLink reaffirms the (user, student) link. Exactly one row exists
// per pair; the unique constraint plus ON CONFLICT keeps concurrent
// resolutions idempotent.
func (r *Resolver) upsertLink(tx *gorm.DB, userID, studentID uuid.UUID, via string, now time.Time) error {
	link := models.GuardianLink{
		ID:             uuid.New(),
		UserID:         userID,
		StudentID:      studentID,
		Active:         true,
		Source:         via,
		LastVerifiedAt: &now,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "student_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"active":           true,
			"source":           via,
			"last_verified_at": now,
		}),
	}).Create(&link).Error
}
