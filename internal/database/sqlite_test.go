package database

import (
	"fmt"
	"testing"
	"time"

	"github.com/TimotheeJamin/flaggedrevs/internal/flagging"
	"github.com/TimotheeJamin/flaggedrevs/internal/wiki"
)

func testDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:database_test_%s_%d?mode=memory&cache=shared", t.Name(), time.Now().UnixNano())
}

func TestOpenSQLiteMigratesOnce(t *testing.T) {
	db, err := OpenSQLite(testDSN(t), nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	var record migrationRecord
	if err := db.Where("name = ?", migrationDropOrphanDerivedRows).Take(&record).Error; err != nil {
		t.Fatalf("migration record missing: %v", err)
	}
	appliedAt := record.AppliedAtSeconds

	// A second pass must not reapply recorded migrations.
	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("reapply failed: %v", err)
	}
	if err := db.Where("name = ?", migrationDropOrphanDerivedRows).Take(&record).Error; err != nil {
		t.Fatalf("migration record missing after rerun: %v", err)
	}
	if record.AppliedAtSeconds != appliedAt {
		t.Fatalf("migration reapplied: %d then %d", appliedAt, record.AppliedAtSeconds)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil || count != 1 {
		t.Fatalf("migration record count = %d err=%v", count, err)
	}
}

func TestDropOrphanDerivedRows(t *testing.T) {
	db, err := OpenSQLite(testDSN(t), nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	page := wiki.Page{Namespace: wiki.NamespaceMain, Title: "Kept"}
	if err := db.Create(&page).Error; err != nil {
		t.Fatalf("failed to seed page: %v", err)
	}
	keptRevID := int64(1)
	if err := db.Create(&flagging.StablePointer{PageID: page.PageID, StableRevID: &keptRevID}).Error; err != nil {
		t.Fatalf("failed to seed pointer: %v", err)
	}
	if err := db.Create(&flagging.StablePointer{PageID: page.PageID + 100}).Error; err != nil {
		t.Fatalf("failed to seed orphan pointer: %v", err)
	}
	if err := db.Create(&flagging.PendingPage{PageID: page.PageID + 100, StableRevID: 1, PendingSinceSeconds: 1}).Error; err != nil {
		t.Fatalf("failed to seed orphan pending row: %v", err)
	}

	if err := dropOrphanDerivedRows(db); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	var pointers int64
	if err := db.Model(&flagging.StablePointer{}).Count(&pointers).Error; err != nil || pointers != 1 {
		t.Fatalf("pointer count = %d err=%v", pointers, err)
	}
	var pending int64
	if err := db.Model(&flagging.PendingPage{}).Count(&pending).Error; err != nil || pending != 0 {
		t.Fatalf("pending count = %d err=%v", pending, err)
	}
}
