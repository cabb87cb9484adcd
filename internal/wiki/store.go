package wiki

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	// ErrPageNotFound indicates the requested page does not exist.
	ErrPageNotFound = errors.New("wiki: page not found")
	// ErrRevisionNotFound indicates the requested revision does not exist.
	ErrRevisionNotFound = errors.New("wiki: revision not found")
	noOpLogger          = zap.NewNop()
)

const (
	opStoreNew    = "wiki.store.new"
	opCreatePage  = "wiki.create_page"
	opAddRevision = "wiki.add_revision"
	opGetPage     = "wiki.get_page"
	opGetRevision = "wiki.get_revision"
)

// StoreError wraps storage failures with a stable operation.reason code.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable failure code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig carries the dependencies for a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the page/revision storage collaborator. The review engine
// treats it as the external wiki: it owns page rows, revision rows and
// the per-page touched timestamp.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// CreatePage inserts a page with its first revision.
func (s *Store) CreatePage(ctx context.Context, ref PageRef, content, authorID, comment string) (*Page, *Revision, error) {
	now := s.clock().UTC().Unix()
	page := &Page{Namespace: ref.Namespace, Title: ref.Title, TouchedAtSeconds: now}
	var revision *Revision
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(page).Error; err != nil {
			return newStoreError(opCreatePage, "page_insert_failed", err)
		}
		revision = &Revision{
			PageID:           page.PageID,
			Content:          content,
			AuthorID:         authorID,
			Comment:          comment,
			CreatedAtSeconds: now,
		}
		if err := tx.Create(revision).Error; err != nil {
			return newStoreError(opCreatePage, "revision_insert_failed", err)
		}
		page.LatestRevID = revision.RevID
		if err := tx.Model(&Page{}).Where("page_id = ?", page.PageID).
			Updates(map[string]interface{}{"latest_rev_id": revision.RevID, "touched_at_s": now}).Error; err != nil {
			return newStoreError(opCreatePage, "page_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		s.logger.Error("page creation failed", zap.String("title", ref.Title), zap.Error(txErr))
		return nil, nil, txErr
	}
	return page, revision, nil
}

// AddRevision appends an edit to an existing page and advances the
// page's latest revision and touched timestamp.
func (s *Store) AddRevision(ctx context.Context, pageID int64, content, authorID, comment string) (*Revision, error) {
	now := s.clock().UTC().Unix()
	var revision *Revision
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var page Page
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("page_id = ?", pageID).Take(&page).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrPageNotFound
		}
		if err != nil {
			return newStoreError(opAddRevision, "page_select_failed", err)
		}
		revision = &Revision{
			PageID:           pageID,
			Content:          content,
			AuthorID:         authorID,
			Comment:          comment,
			CreatedAtSeconds: now,
		}
		if err := tx.Create(revision).Error; err != nil {
			return newStoreError(opAddRevision, "revision_insert_failed", err)
		}
		if err := tx.Model(&Page{}).Where("page_id = ?", pageID).
			Updates(map[string]interface{}{"latest_rev_id": revision.RevID, "touched_at_s": now}).Error; err != nil {
			return newStoreError(opAddRevision, "page_update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return revision, nil
}

// GetPage fetches a page by id.
func (s *Store) GetPage(ctx context.Context, pageID int64) (*Page, error) {
	var page Page
	err := s.db.WithContext(ctx).Where("page_id = ?", pageID).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPageNotFound
	}
	if err != nil {
		return nil, newStoreError(opGetPage, "query_failed", err)
	}
	return &page, nil
}

// GetPageByRef fetches a page by namespace and title.
func (s *Store) GetPageByRef(ctx context.Context, ref PageRef) (*Page, error) {
	var page Page
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND title = ?", ref.Namespace, ref.Title).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPageNotFound
	}
	if err != nil {
		return nil, newStoreError(opGetPage, "query_failed", err)
	}
	return &page, nil
}

// GetRevision fetches a revision by id. Deleted revisions are returned;
// callers decide whether a tombstoned revision is usable.
func (s *Store) GetRevision(ctx context.Context, revID int64) (*Revision, error) {
	var revision Revision
	err := s.db.WithContext(ctx).Where("rev_id = ?", revID).Take(&revision).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRevisionNotFound
	}
	if err != nil {
		return nil, newStoreError(opGetRevision, "query_failed", err)
	}
	return &revision, nil
}
