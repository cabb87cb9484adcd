package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/TimotheeJamin/flaggedrevs/internal/flagging"
)

const migrationDropOrphanDerivedRows = "2026-07-21_drop_orphan_derived_rows"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationDropOrphanDerivedRows, apply: dropOrphanDerivedRows},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// dropOrphanDerivedRows removes derived rows that outlived their page:
// stable pointers and pending entries are caches and will be rebuilt on
// the next review commit.
func dropOrphanDerivedRows(db *gorm.DB) error {
	if err := db.
		Where("page_id NOT IN (SELECT page_id FROM pages)").
		Delete(&flagging.StablePointer{}).Error; err != nil {
		return err
	}
	return db.
		Where("page_id NOT IN (SELECT page_id FROM pages)").
		Delete(&flagging.PendingPage{}).Error
}
