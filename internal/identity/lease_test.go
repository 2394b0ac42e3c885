package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rsteenberg/vossieparent/internal/config"
	"github.com/rsteenberg/vossieparent/internal/models"
)

// fakeValidator counts invocations and returns a canned outcome.
type fakeValidator struct {
	ok    bool
	err   error
	calls int
}

func (f *fakeValidator) Validate(context.Context, *models.User) (bool, error) {
	f.calls++
	return f.ok, f.err
}

func newTestGuard(db *gorm.DB, v Validator, ttl time.Duration, external bool) *Guard {
	return &Guard{
		db:                 db,
		validator:          v,
		ttl:                ttl,
		externalConfigured: external,
		now:                time.Now,
	}
}

func seedLink(t *testing.T, db *gorm.DB, userID uuid.UUID, ext string, active bool) {
	t.Helper()
	student := models.Student{ID: uuid.New(), ExternalStudentID: ext}
	if err := db.Create(&student).Error; err != nil {
		t.Fatal(err)
	}
	link := models.GuardianLink{
		ID: uuid.New(), UserID: userID, StudentID: student.ID,
		Active: active, Source: models.SourceDirectory,
	}
	if err := db.Create(&link).Error; err != nil {
		t.Fatal(err)
	}
	// GORM's Create replaces a zero-value Active with the column's
	// default:true, so deactivate the same way production does.
	if !active {
		if err := db.Model(&link).Update("active", false).Error; err != nil {
			t.Fatal(err)
		}
	}
}

func TestRefreshSkipsFreshLease(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "alice@example.com")
	fresh := time.Now().Add(-10 * time.Minute)
	user.LastValidatedAt = &fresh

	v := &fakeValidator{ok: true}
	g := newTestGuard(db, v, time.Hour, true)

	ok, err := g.Refresh(context.Background(), user)
	if err != nil || !ok {
		t.Fatalf("fresh lease should pass without revalidation: ok=%v err=%v", ok, err)
	}
	if v.calls != 0 {
		t.Fatalf("validator must not run within the lease, ran %d times", v.calls)
	}
}

func TestRefreshRevalidatesLapsedLease(t *testing.T) {
	db := testDB(t)
	v := &fakeValidator{ok: true}
	g := newTestGuard(db, v, time.Hour, true)

	// Never validated.
	user := testUser(t, db, "alice@example.com")
	if ok, err := g.Refresh(context.Background(), user); err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if v.calls != 1 {
		t.Fatalf("expected exactly one validation, got %d", v.calls)
	}

	// Lapsed.
	stale := time.Now().Add(-2 * time.Hour)
	user.LastValidatedAt = &stale
	if _, err := g.Refresh(context.Background(), user); err != nil {
		t.Fatal(err)
	}
	if v.calls != 2 {
		t.Fatalf("expected a second validation after the lease lapsed, got %d", v.calls)
	}
}

func TestLocalTrustModeSkipsLeaseGate(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "alice@example.com")
	seedLink(t, db, user.ID, "S-1", true)

	v := &fakeValidator{err: errors.New("should never run")}
	g := newTestGuard(db, v, time.Hour, false)

	ok, err := g.CanView(context.Background(), user, "S-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("local links should be trusted without an external source")
	}
	if v.calls != 0 {
		t.Fatal("validator must not run in local-only trust mode")
	}
}

func TestCanViewDeniesNonGuardians(t *testing.T) {
	db := testDB(t)
	g := newTestGuard(db, &fakeValidator{ok: true}, time.Hour, true)

	if ok, err := g.CanView(context.Background(), nil, "S-1"); err != nil || ok {
		t.Fatalf("nil user must be denied: ok=%v err=%v", ok, err)
	}

	user := testUser(t, db, "staff@example.com")
	user.IsGuardian = false
	if ok, err := g.CanView(context.Background(), user, "S-1"); err != nil || ok {
		t.Fatalf("non-guardian must be denied: ok=%v err=%v", ok, err)
	}
}

func TestCanViewFailedValidationDenies(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "alice@example.com")
	seedLink(t, db, user.ID, "S-1", true)

	g := newTestGuard(db, &fakeValidator{ok: false}, time.Hour, true)
	ok, err := g.CanView(context.Background(), user, "S-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("a failed revalidation must deny even with a local link present")
	}
}

func TestCanViewConfigErrorSurfacesDistinctly(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "alice@example.com")
	g := newTestGuard(db, &fakeValidator{err: config.Errorf("DIR_ORG_URL", "not set")}, time.Hour, true)

	_, err := g.CanView(context.Background(), user, "S-1")
	var cfgErr *config.Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestCanViewChecksActiveLinks(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "alice@example.com")
	fresh := time.Now()
	user.LastValidatedAt = &fresh
	seedLink(t, db, user.ID, "S-1", true)
	seedLink(t, db, user.ID, "S-2", false)

	g := newTestGuard(db, &fakeValidator{ok: true}, time.Hour, true)

	if ok, _ := g.CanView(context.Background(), user, "S-1"); !ok {
		t.Fatal("active link should grant access")
	}
	if ok, _ := g.CanView(context.Background(), user, "S-2"); ok {
		t.Fatal("inactive link must not grant access")
	}
	if ok, _ := g.CanView(context.Background(), user, "S-404"); ok {
		t.Fatal("unknown student must not grant access")
	}
}

// End to end: two guardians against the contact cache. Alice sponsors
// two students; Bob sponsors none and must not see Alice's.
func TestGuardianAccessEndToEnd(t *testing.T) {
	db := testDB(t)
	alice := testUser(t, db, "alice@example.com")
	bob := testUser(t, db, "bob@example.com")

	sponsor := "alice@example.com"
	first1, first2 := "Thandi", "Sipho"
	for _, c := range []models.Contact{
		{ID: uuid.New(), ContactID: "S-1", FirstName: &first1, Sponsor1Email: &sponsor},
		{ID: uuid.New(), ContactID: "S-2", FirstName: &first2, Sponsor2Email: &sponsor},
	} {
		if err := db.Create(&c).Error; err != nil {
			t.Fatal(err)
		}
	}

	r := newTestResolver(db, &cacheSource{db: db})
	g := newTestGuard(db, r, time.Hour, true)

	for _, ext := range []string{"S-1", "S-2"} {
		ok, err := g.CanView(context.Background(), alice, ext)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("alice should see %s", ext)
		}
	}
	if ok, err := g.CanView(context.Background(), bob, "S-1"); err != nil || ok {
		t.Fatalf("bob must not see alice's student: ok=%v err=%v", ok, err)
	}

	// Alice's second check within the lease reuses the first resolution.
	var stored models.User
	if err := db.First(&stored, "id = ?", alice.ID).Error; err != nil {
		t.Fatal(err)
	}
	if stored.LastValidatedAt == nil {
		t.Fatal("resolution should have set the lease")
	}
}
