package flagging

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/TimotheeJamin/flaggedrevs/internal/config"
	"github.com/TimotheeJamin/flaggedrevs/internal/wiki"
)

type staticCaps struct {
	grants map[string]map[string]bool
}

func newStaticCaps(grants map[string][]string) *staticCaps {
	indexed := make(map[string]map[string]bool, len(grants))
	for actorID, capabilities := range grants {
		actorGrants := make(map[string]bool, len(capabilities))
		for _, capability := range capabilities {
			actorGrants[capability] = true
		}
		indexed[actorID] = actorGrants
	}
	return &staticCaps{grants: indexed}
}

func (c *staticCaps) HasCapability(_ context.Context, actorID, capability string) (bool, error) {
	return c.grants[actorID][capability], nil
}

type sessionValidatorFunc func(key, actorID string, pageID, revisionID int64) error

func (f sessionValidatorFunc) Validate(key, actorID string, pageID, revisionID int64) error {
	return f(key, actorID, pageID, revisionID)
}

func allowAllSessions() SessionValidator {
	return sessionValidatorFunc(func(string, string, int64, int64) error { return nil })
}

type staticIDGenerator struct {
	next int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("log-entry-%d", g.next), nil
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:flagging_test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&wiki.Page{},
		&wiki.Revision{},
		&ReviewRecord{},
		&StablePointer{},
		&PendingPage{},
		&ReviewLogEntry{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func testSite() config.SiteConfig {
	site := config.SiteConfig{
		TagName:              "accuracy",
		TagLevels:            4,
		TagRestrictions:      map[string]int{"review": 1, "validate-extended": 3},
		ReviewableNamespaces: []int{wiki.NamespaceMain, wiki.NamespaceFile, wiki.NamespaceTemplate},
		OverrideDefault:      true,
		Inclusion:            config.InclusionStableOrFreeze,
		AutoReviewEdits:      true,
		AutoReviewNewPages:   true,
		AutoReviewMaxLevel:   3,
		OversightAge:         30 * 24 * time.Hour,
	}
	if err := site.Validate(); err != nil {
		panic(err)
	}
	return site
}

func seedPage(t *testing.T, db *gorm.DB, namespace int, title, content, authorID string, atSeconds int64) (*wiki.Page, *wiki.Revision) {
	t.Helper()
	page := &wiki.Page{Namespace: namespace, Title: title, TouchedAtSeconds: atSeconds}
	if err := db.Create(page).Error; err != nil {
		t.Fatalf("failed to seed page: %v", err)
	}
	revision := seedRevision(t, db, page, content, authorID, atSeconds)
	return page, revision
}

func seedRevision(t *testing.T, db *gorm.DB, page *wiki.Page, content, authorID string, atSeconds int64) *wiki.Revision {
	t.Helper()
	revision := &wiki.Revision{
		PageID:           page.PageID,
		Content:          content,
		AuthorID:         authorID,
		CreatedAtSeconds: atSeconds,
	}
	if err := db.Create(revision).Error; err != nil {
		t.Fatalf("failed to seed revision: %v", err)
	}
	if err := db.Model(&wiki.Page{}).Where("page_id = ?", page.PageID).
		Updates(map[string]interface{}{"latest_rev_id": revision.RevID, "touched_at_s": atSeconds}).Error; err != nil {
		t.Fatalf("failed to update seeded page: %v", err)
	}
	page.LatestRevID = revision.RevID
	page.TouchedAtSeconds = atSeconds
	return revision
}

func seedReview(t *testing.T, db *gorm.DB, pageID, revID int64, tags TagSet, flags Flags, atSeconds int64) *ReviewRecord {
	t.Helper()
	record := &ReviewRecord{
		PageID:            pageID,
		RevID:             revID,
		ReviewerID:        "seed-reviewer",
		ReviewedAtSeconds: atSeconds,
		TagsBlob:          tags.Flatten(),
		Flags:             flags,
	}
	if err := db.Create(record).Error; err != nil {
		t.Fatalf("failed to seed review record: %v", err)
	}
	return record
}

func newTestReviewService(t *testing.T, db *gorm.DB, site config.SiteConfig, caps CapabilityChecker, sessions SessionValidator, clock func() time.Time) *ReviewService {
	t.Helper()
	if sessions == nil {
		sessions = allowAllSessions()
	}
	if clock == nil {
		clock = func() time.Time { return time.Unix(1700000600, 0) }
	}
	service, err := NewReviewService(ReviewServiceConfig{
		Database:   db,
		Site:       site,
		Policy:     NewTagPolicy(site, caps),
		Sessions:   sessions,
		IDProvider: &staticIDGenerator{},
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to build review service: %v", err)
	}
	return service
}

func mustTags(t *testing.T, record *ReviewRecord) TagSet {
	t.Helper()
	if record == nil {
		t.Fatalf("expected a review record")
	}
	tags, err := record.Tags()
	if err != nil {
		t.Fatalf("failed to parse tags: %v", err)
	}
	return tags
}
