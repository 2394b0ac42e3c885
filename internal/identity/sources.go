package identity

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/rsteenberg/vossieparent/internal/config"
	"github.com/rsteenberg/vossieparent/internal/directory"
	"github.com/rsteenberg/vossieparent/internal/models"
	"github.com/rsteenberg/vossieparent/internal/warehouse"
)

// Candidate is a student record observed by a source. Name fields may
// be empty; the resolver's blank-overwrite rule handles that.
type Candidate struct {
	ExternalStudentID string
	FirstName         string
	LastName          string
}

// result is what one source produced. ParentID is only set by the
// directory, which is the system of record for the parent contact.
type result struct {
	candidates []Candidate
	parentID   string
}

// input carries the user plus the candidate emails already assembled by
// the resolver (trimmed, lowercased, primary first).
type input struct {
	user   *models.User
	emails []string
}

type source interface {
	name() string
	enabled() bool
	find(ctx context.Context, in input) (result, error)
}

// directoryAPI is the slice of the directory client the source needs;
// tests substitute a fake.
type directoryAPI interface {
	Enabled() bool
	Contact(ctx context.Context, contactID string) (directory.Row, error)
	FindContacts(ctx context.Context, filter string, selects ...string) ([]directory.Row, error)
	Query(ctx context.Context, collection, filter string, selects ...string) ([]directory.Row, error)
}

type warehouseAPI interface {
	Enabled() bool
	ContactsBySponsorEmail(ctx context.Context, email string) ([]warehouse.Row, error)
}

// cacheSource matches sponsor-email fields in the locally mirrored
// contact rows. A hit here skips the network sources entirely.
type cacheSource struct {
	db *gorm.DB
}

func (s *cacheSource) name() string  { return models.SourceContactCache }
func (s *cacheSource) enabled() bool { return true }

func (s *cacheSource) find(_ context.Context, in input) (result, error) {
	if len(in.emails) == 0 {
		return result{}, nil
	}
	var contacts []models.Contact
	err := s.db.
		Where("LOWER(TRIM(sponsor1_email)) IN ? OR LOWER(TRIM(sponsor2_email)) IN ?", in.emails, in.emails).
		Find(&contacts).Error
	if err != nil {
		return result{}, fmt.Errorf("contact cache query failed: %w", err)
	}

	var res result
	for _, c := range contacts {
		res.candidates = append(res.candidates, Candidate{
			ExternalStudentID: c.ContactID,
			FirstName:         deref(c.FirstName),
			LastName:          deref(c.LastName),
		})
	}
	return res, nil
}

// warehouseSource queries the mirrored relational store by sponsor email.
type warehouseSource struct {
	client warehouseAPI
}

func (s *warehouseSource) name() string  { return models.SourceWarehouse }
func (s *warehouseSource) enabled() bool { return s.client.Enabled() }

func (s *warehouseSource) find(ctx context.Context, in input) (result, error) {
	var res result
	var firstErr error
	for _, email := range in.emails {
		rows, err := s.client.ContactsBySponsorEmail(ctx, email)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, row := range rows {
			id := warehouse.Field(row, "contactid")
			if id == "" {
				continue
			}
			res.candidates = append(res.candidates, Candidate{
				ExternalStudentID: id,
				FirstName:         warehouse.Field(row, "firstname"),
				LastName:          warehouse.Field(row, "lastname"),
			})
		}
	}
	if len(res.candidates) == 0 && firstErr != nil {
		return result{}, firstErr
	}
	return res, nil
}

// directorySource resolves the parent contact and walks the explicit
// parent-student relationship collection, falling back to the
// sponsor-email attribute on student contacts.
type directorySource struct {
	client directoryAPI
	cfg    *config.Config
}

func (s *directorySource) name() string  { return models.SourceDirectory }
func (s *directorySource) enabled() bool { return s.client.Enabled() }

func (s *directorySource) find(ctx context.Context, in input) (result, error) {
	contact, err := s.resolveParent(ctx, in.user)
	if err != nil {
		return result{}, err
	}
	if contact == nil {
		return result{}, nil
	}
	parentID, _ := contact["contactid"].(string)

	res := result{parentID: parentID}
	links, err := s.client.Query(ctx, s.cfg.DirectoryLinkEntity,
		fmt.Sprintf("_parentid_value eq %s and statecode eq 0", parentID))
	if err == nil {
		for _, row := range links {
			sid, _ := row["_studentid_value"].(string)
			if sid == "" {
				continue
			}
			// Relationship rows carry ids only; names arrive via
			// later sightings of the student contact itself.
			res.candidates = append(res.candidates, Candidate{ExternalStudentID: sid})
		}
	}
	if len(res.candidates) > 0 {
		return res, nil
	}

	// Relationship collection unavailable or empty: fall back to the
	// sponsor-email attribute on student contacts.
	email := strings.ToLower(strings.TrimSpace(in.user.Email))
	if email == "" {
		return res, err
	}
	students, ferr := s.client.FindContacts(ctx,
		fmt.Sprintf("%s eq '%s'", s.cfg.DirectorySponsorField, directory.EscapeFilterValue(email)),
		"contactid", "firstname", "lastname", s.cfg.DirectorySponsorField)
	if ferr != nil {
		if err != nil {
			return result{}, err
		}
		return result{}, ferr
	}
	for _, row := range students {
		sid, _ := row["contactid"].(string)
		if sid == "" {
			continue
		}
		first, _ := row["firstname"].(string)
		last, _ := row["lastname"].(string)
		res.candidates = append(res.candidates, Candidate{
			ExternalStudentID: sid,
			FirstName:         first,
			LastName:          last,
		})
	}
	return res, nil
}

// resolveParent finds the guardian's contact record: by the previously
// recorded external id when present, else by exact primary-email match.
func (s *directorySource) resolveParent(ctx context.Context, user *models.User) (directory.Row, error) {
	if user.ExternalParentID != nil && *user.ExternalParentID != "" {
		contact, err := s.client.Contact(ctx, *user.ExternalParentID)
		if err == nil && contact != nil {
			return contact, nil
		}
		// Stale or unreadable id: fall through to the email lookup.
	}

	rows, err := s.client.FindContacts(ctx,
		fmt.Sprintf("emailaddress1 eq '%s'", directory.EscapeFilterValue(user.Email)),
		"contactid", "emailaddress1", "firstname", "lastname")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
