package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rsteenberg/vossieparent/internal/config"
	"github.com/rsteenberg/vossieparent/internal/directory"
	"github.com/rsteenberg/vossieparent/internal/models"
	"github.com/rsteenberg/vossieparent/internal/warehouse"
)

// fakeDirectory serves canned contact and relationship rows.
type fakeDirectory struct {
	contacts map[string]directory.Row   // keyed by contactid
	byEmail  map[string][]directory.Row // keyed by emailaddress1
	links    map[string][]directory.Row // keyed by parent contactid
	queryErr error
}

func (f *fakeDirectory) Enabled() bool { return true }

func (f *fakeDirectory) Contact(_ context.Context, contactID string) (directory.Row, error) {
	return f.contacts[contactID], nil
}

func (f *fakeDirectory) FindContacts(_ context.Context, filter string, _ ...string) ([]directory.Row, error) {
	for email, rows := range f.byEmail {
		if strings.Contains(filter, "'"+email+"'") {
			return rows, nil
		}
	}
	return nil, nil
}

func (f *fakeDirectory) Query(_ context.Context, _, filter string, _ ...string) ([]directory.Row, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	for parentID, rows := range f.links {
		if strings.Contains(filter, parentID) {
			return rows, nil
		}
	}
	return nil, nil
}

func directoryCfg() *config.Config {
	return &config.Config{
		DirectoryOrgURL:       "https://org.example.com",
		DirectoryEnabled:      true,
		DirectoryLinkEntity:   "new_parentstudentlinks",
		DirectorySponsorField: "edv_sponsoremail1",
	}
}

func TestDirectorySourceWalksRelationships(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "alice@x.com")

	dir := &fakeDirectory{
		byEmail: map[string][]directory.Row{
			"alice@x.com": {{"contactid": "C1", "emailaddress1": "alice@x.com"}},
		},
		links: map[string][]directory.Row{
			"C1": {{"_studentid_value": "S-1"}, {"_studentid_value": "S-2"}},
		},
	}
	src := &directorySource{client: dir, cfg: directoryCfg()}

	res, err := src.find(context.Background(), input{user: user, emails: []string{"alice@x.com"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.parentID != "C1" {
		t.Fatalf("parent id not captured: %q", res.parentID)
	}
	if len(res.candidates) != 2 || res.candidates[0].ExternalStudentID != "S-1" {
		t.Fatalf("unexpected candidates: %v", res.candidates)
	}
}

func TestDirectorySourceResolvesByStoredParentID(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "alice@x.com")
	pid := "C1"
	user.ExternalParentID = &pid

	dir := &fakeDirectory{
		contacts: map[string]directory.Row{"C1": {"contactid": "C1"}},
		links:    map[string][]directory.Row{"C1": {{"_studentid_value": "S-1"}}},
	}
	src := &directorySource{client: dir, cfg: directoryCfg()}

	res, err := src.find(context.Background(), input{user: user, emails: []string{"alice@x.com"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.candidates) != 1 {
		t.Fatalf("stored parent id lookup failed: %v", res.candidates)
	}
}

func TestDirectorySourceSponsorFallback(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "alice@x.com")

	// Relationship collection errors; the sponsor-attribute query on
	// student contacts still resolves.
	dir := &fakeDirectory{
		byEmail: map[string][]directory.Row{
			"alice@x.com": {
				{"contactid": "C1", "emailaddress1": "alice@x.com"},
				{"contactid": "S-9", "firstname": "Thandi", "edv_sponsoremail1": "alice@x.com"},
			},
		},
		queryErr: errors.New("relationship entity unavailable"),
	}
	src := &directorySource{client: dir, cfg: directoryCfg()}

	res, err := src.find(context.Background(), input{user: user, emails: []string{"alice@x.com"}})
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, c := range res.candidates {
		if c.ExternalStudentID == "S-9" && c.FirstName == "Thandi" {
			found = true
		}
	}
	if !found {
		t.Fatalf("sponsor fallback did not produce the student: %v", res.candidates)
	}
}

func TestDirectorySourceUnknownGuardianIsEmpty(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "stranger@x.com")
	src := &directorySource{client: &fakeDirectory{}, cfg: directoryCfg()}

	res, err := src.find(context.Background(), input{user: user, emails: []string{"stranger@x.com"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.candidates) != 0 {
		t.Fatalf("expected no candidates, got %v", res.candidates)
	}
}

// fakeWarehouse returns canned sponsor matches.
type fakeWarehouse struct {
	rows map[string][]warehouse.Row
	err  error
}

func (f *fakeWarehouse) Enabled() bool { return true }
func (f *fakeWarehouse) ContactsBySponsorEmail(_ context.Context, email string) ([]warehouse.Row, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.rows[email], nil
}

func TestWarehouseSourceCollectsAcrossEmails(t *testing.T) {
	wh := &fakeWarehouse{rows: map[string][]warehouse.Row{
		"alice@x.com": {{"contactid": "S-1", "firstname": "Thandi"}},
		"alt@x.com":   {{"contactid": "S-2"}},
	}}
	src := &warehouseSource{client: wh}

	res, err := src.find(context.Background(), input{emails: []string{"alice@x.com", "alt@x.com"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.candidates) != 2 {
		t.Fatalf("expected candidates from both emails, got %v", res.candidates)
	}
}

func TestWarehouseSourceErrorSurfacesWhenNothingFound(t *testing.T) {
	src := &warehouseSource{client: &fakeWarehouse{err: errors.New("login failed")}}
	if _, err := src.find(context.Background(), input{emails: []string{"alice@x.com"}}); err == nil {
		t.Fatal("expected the underlying error when no email matched")
	}
}

// End to end along the directory path: email lookup finds the parent
// contact, the relationship collection names the student, and the
// permission check admits exactly that student.
func TestDirectoryEndToEnd(t *testing.T) {
	db := testDB(t)
	alice := testUser(t, db, "alice@x.com")
	alt := models.UserEmail{ID: uuid.New(), UserID: alice.ID, Email: "bob@x.com", Verified: true}
	if err := db.Create(&alt).Error; err != nil {
		t.Fatal(err)
	}

	dir := &fakeDirectory{
		byEmail: map[string][]directory.Row{
			"alice@x.com": {{"contactid": "C1", "emailaddress1": "alice@x.com"}},
		},
		links: map[string][]directory.Row{
			"C1": {{"_studentid_value": "S-1"}},
		},
	}
	r := newTestResolver(db, &directorySource{client: dir, cfg: directoryCfg()})
	g := newTestGuard(db, r, time.Hour, true)

	ok, err := r.Validate(context.Background(), alice)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected validation to succeed via the directory")
	}

	var student models.Student
	if err := db.Where("external_student_id = ?", "S-1").First(&student).Error; err != nil {
		t.Fatalf("student not created: %v", err)
	}
	var link models.GuardianLink
	if err := db.Where("user_id = ? AND student_id = ?", alice.ID, student.ID).First(&link).Error; err != nil {
		t.Fatalf("link not created: %v", err)
	}
	if !link.Active || link.Source != models.SourceDirectory {
		t.Fatalf("unexpected link state: active=%v source=%q", link.Active, link.Source)
	}
	if alice.ExternalParentID == nil || *alice.ExternalParentID != "C1" {
		t.Fatalf("parent id not recorded: %v", alice.ExternalParentID)
	}

	if ok, err := g.CanView(context.Background(), alice, "S-1"); err != nil || !ok {
		t.Fatalf("alice should see S-1: ok=%v err=%v", ok, err)
	}
	if ok, err := g.CanView(context.Background(), alice, "unknown-id"); err != nil || ok {
		t.Fatalf("unknown student must be denied: ok=%v err=%v", ok, err)
	}
}
