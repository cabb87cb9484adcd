package flagging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/TimotheeJamin/flaggedrevs/internal/config"
	"github.com/TimotheeJamin/flaggedrevs/internal/wiki"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingPolicy     = errors.New("tag policy is required")
	errMissingSessions   = errors.New("session validator is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opServiceNew      = "flagging.service.new"
	opSubmitReview    = "flagging.submit_review"
	opPruneTombstones = "flagging.prune_tombstones"
)

// SessionValidator checks the fingerprint issued when a review session
// was opened against the one presented at submit time.
type SessionValidator interface {
	Validate(key, actorID string, pageID, revisionID int64) error
}

// ReviewServiceConfig carries the dependencies for a ReviewService.
type ReviewServiceConfig struct {
	Database   *gorm.DB
	Site       config.SiteConfig
	Policy     *TagPolicy
	Sessions   SessionValidator
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
	// ReadOnly reports whether the deployment is in read-only mode.
	ReadOnly func() bool
}

// ReviewService executes the review transaction: it validates a
// submission, writes or tombstones the review record, recomputes the
// stable pointer and returns the post-commit events. All writes for one
// submission share a single storage transaction holding the page row
// lock, so per-page commits are serialized and either fully land or
// fully abort.
type ReviewService struct {
	db         *gorm.DB
	site       config.SiteConfig
	policy     *TagPolicy
	sessions   SessionValidator
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	readOnly   func() bool
}

// NewReviewService validates the configuration and returns a service.
func NewReviewService(cfg ReviewServiceConfig) (*ReviewService, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Policy == nil {
		return nil, newServiceError(opServiceNew, "missing_policy", errMissingPolicy)
	}
	if cfg.Sessions == nil {
		return nil, newServiceError(opServiceNew, "missing_sessions", errMissingSessions)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	readOnly := cfg.ReadOnly
	if readOnly == nil {
		readOnly = func() bool { return false }
	}
	return &ReviewService{
		db:         cfg.Database,
		site:       cfg.Site,
		policy:     cfg.Policy,
		sessions:   cfg.Sessions,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
		readOnly:   readOnly,
	}, nil
}

// SubmitRequest is one review submission.
type SubmitRequest struct {
	ActorID    string
	PageID     int64
	RevisionID int64
	Action     Action
	// Tags are the requested tag values. Nil means quick-approve: the
	// minimal checked tag set, or no tags in protection-only mode.
	Tags TagSet
	// ChangeToken is the page's last-change timestamp observed when the
	// review session was opened.
	ChangeToken int64
	// SessionKey is the fingerprint issued when the session was opened.
	SessionKey string
	Comment    string
	// RenderedChildren are the child versions the render of this
	// revision actually used, keyed by "namespace:title".
	RenderedChildren ChildVersions
	RenderedOutputID *int64
}

// SubmitOutcome reports a successful commit.
type SubmitOutcome struct {
	// Stable is the page's stable record after the commit, nil when the
	// page no longer has a stable version.
	Stable *ReviewRecord
	// NewChangeToken is the page's advanced last-change timestamp, fed
	// back to the client for follow-up submissions.
	NewChangeToken int64
	// Events are the post-commit cache/queue effects the caller must
	// dispatch. They are idempotent and safe to re-run.
	Events []Event
}

type submitOptions struct {
	// internal skips the form-bound checks (session fingerprint and
	// concurrency token) for system-initiated reviews.
	internal bool
	flags    Flags
}

// Submit executes a user-submitted review.
func (s *ReviewService) Submit(ctx context.Context, req SubmitRequest) (SubmitOutcome, error) {
	return s.submit(ctx, req, submitOptions{flags: FlagsManual})
}

func (s *ReviewService) submit(ctx context.Context, req SubmitRequest, opts submitOptions) (SubmitOutcome, error) {
	if s.readOnly() {
		return SubmitOutcome{}, failure(FailureReadOnly)
	}

	var outcome SubmitOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Only one writer per page gets past this lock; concurrent
		// submissions queue behind it and then fail the token check.
		var page wiki.Page
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("page_id = ?", req.PageID).Take(&page).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failure(FailurePageNotFound)
		}
		if err != nil {
			return newServiceError(opSubmitReview, "page_select_failed", err)
		}
		if !s.site.InReviewableNamespace(page.Namespace) {
			return failure(FailurePageNotReviewable)
		}

		var revision wiki.Revision
		err = tx.Where("rev_id = ?", req.RevisionID).Take(&revision).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return failure(FailureRevisionNotFound)
		}
		if err != nil {
			return newServiceError(opSubmitReview, "revision_select_failed", err)
		}
		if revision.PageID != page.PageID || revision.Deleted {
			return failure(FailureRevisionNotFound)
		}

		if !opts.internal {
			if err := s.sessions.Validate(req.SessionKey, req.ActorID, req.PageID, req.RevisionID); err != nil {
				return failureWithCause(FailureBadSessionKey, err)
			}
			if req.ChangeToken != page.TouchedAtSeconds {
				return failure(FailureConflict)
			}
		}

		now := s.clock().UTC().Unix()
		if now <= page.TouchedAtSeconds {
			// Keep the change token strictly monotonic per commit.
			now = page.TouchedAtSeconds + 1
		}

		priorStable, err := determineStableTx(tx, page.PageID)
		if err != nil {
			return err
		}
		priorTags := TagSet{}
		oldStableRevID := int64(0)
		if priorStable != nil {
			oldStableRevID = priorStable.RevID
			priorTags, err = priorStable.Tags()
			if err != nil {
				return newServiceError(opSubmitReview, "prior_tags_corrupt", err)
			}
		}

		var loggedTags TagSet
		switch req.Action {
		case ActionApprove:
			loggedTags, err = s.approveTx(ctx, tx, page, revision, priorStable, priorTags, req, opts, now)
		case ActionUnapprove:
			loggedTags, err = s.unapproveTx(ctx, tx, priorStable, priorTags, req, now)
		case ActionReject:
			loggedTags, err = s.rejectTx(ctx, tx, &page, revision, priorStable, priorTags, req, now)
		default:
			err = newServiceError(opSubmitReview, "invalid_action", fmt.Errorf("%w: %q", ErrInvalidAction, req.Action))
		}
		if err != nil {
			return err
		}

		if err := tx.Model(&wiki.Page{}).Where("page_id = ?", page.PageID).
			Update("touched_at_s", now).Error; err != nil {
			return newServiceError(opSubmitReview, "page_touch_failed", err)
		}
		page.TouchedAtSeconds = now

		pointer, stableChanged, err := rebuildStableTx(tx, page, now)
		if err != nil {
			return err
		}
		if req.Action == ActionApprove && req.RenderedOutputID != nil {
			if err := tx.Model(&StablePointer{}).Where("page_id = ?", page.PageID).
				Update("rendered_output_id", *req.RenderedOutputID).Error; err != nil {
				return newServiceError(opSubmitReview, "pointer_render_update_failed", err)
			}
		}

		if pointer.StableRevID != nil {
			outcome.Stable, err = determineStableTx(tx, page.PageID)
			if err != nil {
				return err
			}
		}

		if opts.flags != FlagsAuto {
			if err := s.appendLogTx(tx, page.PageID, req, loggedTags, oldStableRevID, now); err != nil {
				return err
			}
		}

		outcome.NewChangeToken = now
		outcome.Events = []Event{
			{Kind: EventInvalidatePage, PageID: page.PageID},
			{Kind: EventPurgePage, PageID: page.PageID},
		}
		if stableChanged && s.site.Inclusion == config.InclusionStableOrFreeze {
			outcome.Events = append(outcome.Events, Event{Kind: EventEnqueueDependents, PageID: page.PageID})
		}
		return nil
	})

	if txErr != nil {
		if _, isBusiness := FailureKindOf(txErr); !isBusiness {
			s.logger.Error("review submission failed",
				zap.String("operation", opSubmitReview),
				zap.Int64("page_id", req.PageID),
				zap.Int64("rev_id", req.RevisionID),
				zap.String("action", string(req.Action)),
				zap.Error(txErr))
		}
		return SubmitOutcome{}, txErr
	}
	return outcome, nil
}

// approveTx validates the requested tags against the actor's authority
// and writes the review record, superseding any prior record for the
// same revision.
func (s *ReviewService) approveTx(
	ctx context.Context,
	tx *gorm.DB,
	page wiki.Page,
	revision wiki.Revision,
	priorStable *ReviewRecord,
	priorTags TagSet,
	req SubmitRequest,
	opts submitOptions,
	now int64,
) (TagSet, error) {
	tags := req.Tags
	if s.site.ProtectionOnly {
		tags = TagSet{}
	} else {
		if tags == nil {
			tags = s.policy.QuickTags()
		}
		if !s.policy.ValidTags(tags) {
			return nil, failure(FailurePermissionDenied)
		}
		if !opts.internal {
			allowed, err := s.policy.UserCanSetTags(ctx, req.ActorID, tags, priorTags)
			if err != nil {
				return nil, newServiceError(opSubmitReview, "capability_check_failed", err)
			}
			if !allowed {
				return nil, failure(FailurePermissionDenied)
			}
		}
	}

	childBlob, err := s.captureChildVersionsTx(tx, priorStable, req.RenderedChildren, opts.flags)
	if err != nil {
		return nil, err
	}

	record := ReviewRecord{
		PageID:            page.PageID,
		RevID:             revision.RevID,
		ReviewerID:        req.ActorID,
		ReviewedAtSeconds: now,
		TagsBlob:          tags.Flatten(),
		Flags:             opts.flags,
		ChildVersionsBlob: childBlob,
	}
	// One record per (page, revision): a duplicate approve supersedes.
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "page_id"}, {Name: "rev_id"}},
		UpdateAll: true,
	}).Create(&record).Error
	if err != nil {
		return nil, newServiceError(opSubmitReview, "record_write_failed", err)
	}
	return tags, nil
}

// unapproveTx tombstones the stable record. Targeting a revision that
// is not currently stable means the desired end state already holds.
func (s *ReviewService) unapproveTx(
	ctx context.Context,
	tx *gorm.DB,
	priorStable *ReviewRecord,
	priorTags TagSet,
	req SubmitRequest,
	now int64,
) (TagSet, error) {
	if priorStable == nil || priorStable.RevID != req.RevisionID {
		return nil, failure(FailureAlreadyInDesiredState)
	}
	allowed, err := s.policy.UserCanSetTags(ctx, req.ActorID, priorTags, priorTags)
	if err != nil {
		return nil, newServiceError(opSubmitReview, "capability_check_failed", err)
	}
	if !allowed {
		return nil, failure(FailurePermissionDenied)
	}
	err = tx.Model(&ReviewRecord{}).
		Where("page_id = ? AND rev_id = ?", priorStable.PageID, priorStable.RevID).
		Updates(map[string]interface{}{"tombstoned": true, "tombstoned_at_s": now}).Error
	if err != nil {
		return nil, newServiceError(opSubmitReview, "record_tombstone_failed", err)
	}
	return priorTags, nil
}

// rejectTx reverts the page's pending edits back to the stable
// revision: a revert edit restoring the stable content, then a review
// record approving the restored revision with the stable tags.
func (s *ReviewService) rejectTx(
	ctx context.Context,
	tx *gorm.DB,
	page *wiki.Page,
	revision wiki.Revision,
	priorStable *ReviewRecord,
	priorTags TagSet,
	req SubmitRequest,
	now int64,
) (TagSet, error) {
	if priorStable == nil || priorStable.RevID != req.RevisionID {
		return nil, failure(FailureAlreadyInDesiredState)
	}
	if page.LatestRevID == priorStable.RevID {
		// Nothing pending to reject.
		return nil, failure(FailureAlreadyInDesiredState)
	}
	// The reject lands the reverted tag set, so the actor must be
	// allowed to set those values.
	allowed, err := s.policy.UserCanSetTags(ctx, req.ActorID, priorTags, priorTags)
	if err != nil {
		return nil, newServiceError(opSubmitReview, "capability_check_failed", err)
	}
	if !allowed {
		return nil, failure(FailurePermissionDenied)
	}

	comment := req.Comment
	if comment == "" {
		comment = fmt.Sprintf("rejected pending edits back to revision %d", revision.RevID)
	}
	restored := wiki.Revision{
		PageID:           page.PageID,
		Content:          revision.Content,
		AuthorID:         req.ActorID,
		Comment:          comment,
		CreatedAtSeconds: now,
	}
	if err := tx.Create(&restored).Error; err != nil {
		return nil, newServiceError(opSubmitReview, "revert_edit_failed", err)
	}
	if err := tx.Model(&wiki.Page{}).Where("page_id = ?", page.PageID).
		Update("latest_rev_id", restored.RevID).Error; err != nil {
		return nil, newServiceError(opSubmitReview, "page_update_failed", err)
	}
	page.LatestRevID = restored.RevID

	record := ReviewRecord{
		PageID:            page.PageID,
		RevID:             restored.RevID,
		ReviewerID:        req.ActorID,
		ReviewedAtSeconds: now,
		TagsBlob:          priorStable.TagsBlob,
		Flags:             FlagsManual,
		ChildVersionsBlob: priorStable.ChildVersionsBlob,
	}
	if err := tx.Create(&record).Error; err != nil {
		return nil, newServiceError(opSubmitReview, "record_write_failed", err)
	}
	return priorTags, nil
}

// captureChildVersionsTx builds the pinned child-version snapshot for a
// new review. A manual review pins exactly the versions the reviewed
// render used, superseding any stale prior pin. An auto review keeps
// the prior stable's pin per child; children new to the render pin
// their own stable version when they have one, falling back to the
// version the render actually used.
func (s *ReviewService) captureChildVersionsTx(tx *gorm.DB, priorStable *ReviewRecord, rendered ChildVersions, flags Flags) (string, error) {
	if s.site.Inclusion == config.InclusionCurrent || flags != FlagsAuto {
		return rendered.Clone().MarshalBlob()
	}

	pins := ChildVersions{}
	if priorStable != nil {
		priorPins, err := priorStable.ChildVersions()
		if err != nil {
			return "", newServiceError(opSubmitReview, "prior_pins_corrupt", err)
		}
		pins = priorPins
	}
	for key, usedRevID := range rendered {
		if _, ok := pins[key]; ok {
			continue
		}
		ref, err := wiki.ParsePageRefKey(key)
		if err != nil {
			return "", newServiceError(opSubmitReview, "child_key_invalid", err)
		}
		stableRevID, ok, err := childStableTx(tx, ref)
		if err != nil {
			return "", err
		}
		if ok {
			pins[key] = stableRevID
		} else {
			pins[key] = usedRevID
		}
	}
	blob, err := pins.MarshalBlob()
	if err != nil {
		return "", newServiceError(opSubmitReview, "pins_marshal_failed", err)
	}
	return blob, nil
}

func childStableTx(tx *gorm.DB, ref wiki.PageRef) (int64, bool, error) {
	var page wiki.Page
	err := tx.Where("namespace = ? AND title = ?", ref.Namespace, ref.Title).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, newServiceError(opSubmitReview, "child_lookup_failed", err)
	}
	record, err := determineStableTx(tx, page.PageID)
	if err != nil || record == nil {
		return 0, false, err
	}
	return record.RevID, true, nil
}

func (s *ReviewService) appendLogTx(tx *gorm.DB, pageID int64, req SubmitRequest, tags TagSet, oldStableRevID, now int64) error {
	entryID, err := s.idProvider.NewID()
	if err != nil {
		return newServiceError(opSubmitReview, "id_generation_failed", err)
	}
	entry := ReviewLogEntry{
		EntryID:         entryID,
		PageID:          pageID,
		RevID:           req.RevisionID,
		Action:          req.Action,
		TagsBlob:        tags.Flatten(),
		OldStableRevID:  oldStableRevID,
		ReviewerID:      req.ActorID,
		Comment:         req.Comment,
		LoggedAtSeconds: now,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return newServiceError(opSubmitReview, "log_write_failed", err)
	}
	return nil
}

// PruneTombstones hard-deletes tombstoned review records older than the
// configured oversight retention window.
func (s *ReviewService) PruneTombstones(ctx context.Context) (int64, error) {
	cutoff := s.clock().UTC().Add(-s.site.OversightAge).Unix()
	result := s.db.WithContext(ctx).
		Where("tombstoned = ? AND tombstoned_at_s < ?", true, cutoff).
		Delete(&ReviewRecord{})
	if result.Error != nil {
		return 0, newServiceError(opPruneTombstones, "delete_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("pruned tombstoned review records", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}
