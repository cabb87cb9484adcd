package wiki

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:wiki_test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Page{}, &Revision{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func newTestStore(t *testing.T, db *gorm.DB, clock func() time.Time) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func TestCreatePage(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db, func() time.Time { return time.Unix(1700000000, 0) })
	ctx := context.Background()

	ref, err := NewPageRef(NamespaceMain, "Physics")
	if err != nil {
		t.Fatalf("page ref failed: %v", err)
	}
	page, revision, err := store.CreatePage(ctx, ref, "initial content", "author", "created")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if page.LatestRevID != revision.RevID {
		t.Fatalf("latest_rev_id = %d, want %d", page.LatestRevID, revision.RevID)
	}
	if page.TouchedAtSeconds != 1700000000 {
		t.Fatalf("touched_at_s = %d", page.TouchedAtSeconds)
	}

	loaded, err := store.GetPageByRef(ctx, ref)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if loaded.PageID != page.PageID || loaded.LatestRevID != revision.RevID {
		t.Fatalf("loaded page = %+v", loaded)
	}
}

func TestAddRevisionAdvancesPage(t *testing.T) {
	db := newTestDB(t)
	now := time.Unix(1700000000, 0)
	store := newTestStore(t, db, func() time.Time { return now })
	ctx := context.Background()

	ref, _ := NewPageRef(NamespaceMain, "Biology")
	page, first, err := store.CreatePage(ctx, ref, "v1", "author", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	now = now.Add(90 * time.Second)
	second, err := store.AddRevision(ctx, page.PageID, "v2", "editor", "expanded")
	if err != nil {
		t.Fatalf("add revision failed: %v", err)
	}
	if second.RevID <= first.RevID {
		t.Fatalf("revision ids not monotonic: %d then %d", first.RevID, second.RevID)
	}

	loaded, err := store.GetPage(ctx, page.PageID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if loaded.LatestRevID != second.RevID {
		t.Fatalf("latest_rev_id = %d, want %d", loaded.LatestRevID, second.RevID)
	}
	if loaded.TouchedAtSeconds != 1700000090 {
		t.Fatalf("touched_at_s = %d, want advanced timestamp", loaded.TouchedAtSeconds)
	}
}

func TestStoreNotFound(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t, db, nil)
	ctx := context.Background()

	if _, err := store.GetPage(ctx, 404); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected page not found, got %v", err)
	}
	if _, err := store.GetRevision(ctx, 404); !errors.Is(err, ErrRevisionNotFound) {
		t.Fatalf("expected revision not found, got %v", err)
	}
	if _, err := store.AddRevision(ctx, 404, "v1", "author", ""); !errors.Is(err, ErrPageNotFound) {
		t.Fatalf("expected page not found, got %v", err)
	}
}

func TestPageRefValidation(t *testing.T) {
	if _, err := NewPageRef(NamespaceMain, "   "); !errors.Is(err, ErrInvalidTitle) {
		t.Fatalf("expected invalid title, got %v", err)
	}

	ref, err := NewPageRef(NamespaceTemplate, "  Infobox ")
	if err != nil {
		t.Fatalf("expected trimmed title to validate: %v", err)
	}
	if ref.Key() != "10:Infobox" {
		t.Fatalf("key = %q", ref.Key())
	}

	parsed, err := ParsePageRefKey("10:Infobox")
	if err != nil || parsed != ref {
		t.Fatalf("parsed = %+v err=%v", parsed, err)
	}
	if _, err := ParsePageRefKey("not-a-key"); !errors.Is(err, ErrInvalidChildKey) {
		t.Fatalf("expected invalid child key, got %v", err)
	}
	if _, err := ParsePageRefKey("x:Title"); !errors.Is(err, ErrInvalidChildKey) {
		t.Fatalf("expected invalid child key, got %v", err)
	}
}
