package flagging

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/TimotheeJamin/flaggedrevs/internal/config"
	"github.com/TimotheeJamin/flaggedrevs/internal/wiki"
)

const (
	opDetermineStable = "flagging.determine_stable"
	opRebuildPointer  = "flagging.rebuild_pointer"
	opPendingCount    = "flagging.pending_count"
)

// StableVersionSelector decides which revision of a page is "the"
// stable version by scanning stored review records. The per-page
// StablePointer rows it maintains are a cache of that decision and can
// be rebuilt redundantly by concurrent readers without coordination.
type StableVersionSelector struct {
	db     *gorm.DB
	site   config.SiteConfig
	logger *zap.Logger
}

// SelectorConfig carries the dependencies for a StableVersionSelector.
type SelectorConfig struct {
	Database *gorm.DB
	Site     config.SiteConfig
	Logger   *zap.Logger
}

// NewSelector validates the configuration and returns a selector.
func NewSelector(cfg SelectorConfig) (*StableVersionSelector, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opDetermineStable, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &StableVersionSelector{db: cfg.Database, site: cfg.Site, logger: logger}, nil
}

// DetermineStable returns the non-tombstoned review record with the
// greatest revision id for the page, or nil when the page has none. A
// record whose revision was hard-deleted from the wiki store is treated
// as no stable version; the caller should invalidate downstream state.
func (s *StableVersionSelector) DetermineStable(ctx context.Context, pageID int64) (*ReviewRecord, error) {
	return determineStableTx(s.db.WithContext(ctx), pageID)
}

func determineStableTx(tx *gorm.DB, pageID int64) (*ReviewRecord, error) {
	var record ReviewRecord
	err := tx.
		Where("page_id = ? AND tombstoned = ?", pageID, false).
		Order("rev_id DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newServiceError(opDetermineStable, "query_failed", err)
	}

	var revision wiki.Revision
	err = tx.Where("rev_id = ?", record.RevID).Take(&revision).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && (revision.Deleted || revision.PageID != pageID)) {
		// The reviewed revision is gone; the page has no usable stable
		// version until the pointer is rebuilt.
		return nil, nil
	}
	if err != nil {
		return nil, newServiceError(opDetermineStable, "revision_lookup_failed", err)
	}
	return &record, nil
}

// StableRevisionID is the ChildStableLookup used by the inclusion
// resolver: the stable revision id of a page reference, if the page
// exists and has one.
func (s *StableVersionSelector) StableRevisionID(ctx context.Context, ref wiki.PageRef) (int64, bool, error) {
	var page wiki.Page
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND title = ?", ref.Namespace, ref.Title).
		Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, newServiceError(opDetermineStable, "page_lookup_failed", err)
	}
	record, err := s.DetermineStable(ctx, page.PageID)
	if err != nil || record == nil {
		return 0, false, err
	}
	return record.RevID, true, nil
}

// RebuildPointer recomputes the page's StablePointer row and pending
// tracking from review records. It reports whether the stable revision
// changed, which drives dependent-page invalidation under the
// stable-or-freeze inclusion policy.
func (s *StableVersionSelector) RebuildPointer(ctx context.Context, pageID int64) (*StablePointer, bool, error) {
	var pointer *StablePointer
	var changed bool
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var page wiki.Page
		if err := tx.Where("page_id = ?", pageID).Take(&page).Error; err != nil {
			return newServiceError(opRebuildPointer, "page_lookup_failed", err)
		}
		var err error
		pointer, changed, err = rebuildStableTx(tx, page, time.Now().UTC().Unix())
		return err
	})
	if txErr != nil {
		return nil, false, txErr
	}
	return pointer, changed, nil
}

// rebuildStableTx recomputes the stable pointer and pending-page row
// inside an open transaction. Both writes are idempotent.
func rebuildStableTx(tx *gorm.DB, page wiki.Page, nowSeconds int64) (*StablePointer, bool, error) {
	var previousRevID int64
	var previous StablePointer
	err := tx.Where("page_id = ?", page.PageID).Take(&previous).Error
	if err == nil && previous.StableRevID != nil {
		previousRevID = *previous.StableRevID
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, newServiceError(opRebuildPointer, "pointer_lookup_failed", err)
	}

	record, err := determineStableTx(tx, page.PageID)
	if err != nil {
		return nil, false, err
	}

	pointer := &StablePointer{PageID: page.PageID}
	if record != nil {
		revID := record.RevID
		pointer.StableRevID = &revID
		pointer.TagsBlob = record.TagsBlob
		pointer.RenderedOutputID = previous.RenderedOutputID
	}
	if err := upsertPointerTx(tx, pointer); err != nil {
		return nil, false, err
	}

	if err := trackPendingTx(tx, page, record, nowSeconds); err != nil {
		return nil, false, err
	}

	newRevID := int64(0)
	if pointer.StableRevID != nil {
		newRevID = *pointer.StableRevID
	}
	return pointer, newRevID != previousRevID, nil
}

func upsertPointerTx(tx *gorm.DB, pointer *StablePointer) error {
	if err := tx.Where("page_id = ?", pointer.PageID).Delete(&StablePointer{}).Error; err != nil {
		return newServiceError(opRebuildPointer, "pointer_clear_failed", err)
	}
	if err := tx.Create(pointer).Error; err != nil {
		return newServiceError(opRebuildPointer, "pointer_write_failed", err)
	}
	return nil
}

// trackPendingTx keeps the pending_pages row in step with the stable
// decision: present while edits are newer than stable, absent once
// stable has caught up or no stable version exists.
func trackPendingTx(tx *gorm.DB, page wiki.Page, stable *ReviewRecord, nowSeconds int64) error {
	if stable == nil || page.LatestRevID <= stable.RevID {
		if err := tx.Where("page_id = ?", page.PageID).Delete(&PendingPage{}).Error; err != nil {
			return newServiceError(opRebuildPointer, "pending_clear_failed", err)
		}
		return nil
	}
	var existing PendingPage
	err := tx.Where("page_id = ?", page.PageID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		pending := PendingPage{
			PageID:              page.PageID,
			StableRevID:         stable.RevID,
			PendingSinceSeconds: nowSeconds,
		}
		if err := tx.Create(&pending).Error; err != nil {
			return newServiceError(opRebuildPointer, "pending_write_failed", err)
		}
		return nil
	}
	if err != nil {
		return newServiceError(opRebuildPointer, "pending_lookup_failed", err)
	}
	if existing.StableRevID != stable.RevID {
		if err := tx.Model(&PendingPage{}).Where("page_id = ?", page.PageID).
			Update("stable_rev_id", stable.RevID).Error; err != nil {
			return newServiceError(opRebuildPointer, "pending_update_failed", err)
		}
	}
	return nil
}

// PendingCount reports how many reviewable pages currently have edits
// awaiting review.
func (s *StableVersionSelector) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&PendingPage{}).Count(&count).Error; err != nil {
		return 0, newServiceError(opPendingCount, "query_failed", err)
	}
	return count, nil
}
