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

var (
	errMissingReviewService = errors.New("review service is required")
	errMissingCapChecker    = errors.New("capability checker is required")
	errMissingEditTarget    = errors.New("edit page and revision are required")
)

const opAutoReview = "flagging.auto_review"

// EditEvent describes a just-persisted edit, handed to the
// auto-reviewer synchronously before dependent-link processing.
type EditEvent struct {
	Page      *wiki.Page
	Revision  *wiki.Revision
	ActorID   string
	IsNewPage bool
	// RenderedChildren are the child versions the edit's render used.
	RenderedChildren ChildVersions
	RenderedOutputID *int64
}

// AutoReviewerConfig carries the dependencies for an AutoReviewer.
type AutoReviewerConfig struct {
	Database *gorm.DB
	Site     config.SiteConfig
	Policy   *TagPolicy
	Caps     CapabilityChecker
	Reviews  *ReviewService
	Clock    func() time.Time
	Logger   *zap.Logger
}

// AutoReviewer decides, for each new edit, whether to create a review
// record without an interactive submission, and commits it through the
// review transaction's internal path.
type AutoReviewer struct {
	db      *gorm.DB
	site    config.SiteConfig
	policy  *TagPolicy
	caps    CapabilityChecker
	reviews *ReviewService
	clock   func() time.Time
	logger  *zap.Logger
}

// NewAutoReviewer validates the configuration and returns an AutoReviewer.
func NewAutoReviewer(cfg AutoReviewerConfig) (*AutoReviewer, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opAutoReview, "missing_database", errMissingDatabase)
	}
	if cfg.Policy == nil {
		return nil, newServiceError(opAutoReview, "missing_policy", errMissingPolicy)
	}
	if cfg.Reviews == nil {
		return nil, newServiceError(opAutoReview, "missing_review_service", errMissingReviewService)
	}
	if cfg.Caps == nil {
		return nil, newServiceError(opAutoReview, "missing_capability_checker", errMissingCapChecker)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &AutoReviewer{
		db:      cfg.Database,
		site:    cfg.Site,
		policy:  cfg.Policy,
		caps:    cfg.Caps,
		reviews: cfg.Reviews,
		clock:   clock,
		logger:  logger,
	}, nil
}

// ProcessEdit runs the auto-review decision for a persisted edit. A nil
// outcome with nil error means the edit stays unreviewed, which is not
// a failure: the edit itself already succeeded.
func (a *AutoReviewer) ProcessEdit(ctx context.Context, event EditEvent) (*SubmitOutcome, error) {
	if event.Page == nil || event.Revision == nil {
		return nil, newServiceError(opAutoReview, "missing_edit_target", errMissingEditTarget)
	}
	if event.IsNewPage {
		if !a.site.AutoReviewNewPages {
			return nil, nil
		}
	} else if !a.site.AutoReviewEdits {
		return nil, nil
	}
	if !a.site.InReviewableNamespace(event.Page.Namespace) {
		return nil, nil
	}

	canAutoReview, err := a.caps.HasCapability(ctx, event.ActorID, CapabilityAutoReview)
	if err != nil {
		return nil, newServiceError(opAutoReview, "capability_check_failed", err)
	}
	if !canAutoReview {
		return nil, nil
	}

	priorStable, err := determineStableTx(a.db.WithContext(ctx), event.Page.PageID)
	if err != nil {
		return nil, err
	}

	tags, err := a.selectTags(ctx, event.ActorID, priorStable)
	if err != nil {
		var reviewErr *ReviewError
		if errors.As(err, &reviewErr) && reviewErr.Kind == FailureTagLevelTooLow {
			// No permitted tag value exists: the edit stays unreviewed.
			a.logger.Debug("auto-review aborted",
				zap.Int64("page_id", event.Page.PageID),
				zap.Int64("rev_id", event.Revision.RevID),
				zap.String("actor_id", event.ActorID))
			return nil, nil
		}
		return nil, err
	}

	outcome, err := a.reviews.submit(ctx, SubmitRequest{
		ActorID:          event.ActorID,
		PageID:           event.Page.PageID,
		RevisionID:       event.Revision.RevID,
		Action:           ActionApprove,
		Tags:             tags,
		RenderedChildren: event.RenderedChildren,
		RenderedOutputID: event.RenderedOutputID,
	}, submitOptions{internal: true, flags: FlagsAuto})
	if err != nil {
		return nil, err
	}
	a.logger.Info("edit auto-reviewed",
		zap.Int64("page_id", event.Page.PageID),
		zap.Int64("rev_id", event.Revision.RevID),
		zap.String("actor_id", event.ActorID))
	return &outcome, nil
}

// selectTags picks the auto-review tag set: bots keep the prior stable
// tags untouched; everyone else gets the closest set at or below the
// prior stable's that they are permitted to record.
func (a *AutoReviewer) selectTags(ctx context.Context, actorID string, priorStable *ReviewRecord) (TagSet, error) {
	if a.site.ProtectionOnly {
		return TagSet{}, nil
	}

	if priorStable == nil {
		return a.minimalPermittedTags(ctx, actorID)
	}

	priorTags, err := priorStable.Tags()
	if err != nil {
		return nil, newServiceError(opAutoReview, "prior_tags_corrupt", err)
	}

	isBot, err := a.caps.HasCapability(ctx, actorID, CapabilityBot)
	if err != nil {
		return nil, newServiceError(opAutoReview, "capability_check_failed", err)
	}
	if isBot {
		return priorTags.Clone(), nil
	}

	level, ok := priorTags[a.site.TagName]
	if !ok {
		level = 1
	}
	if level > a.site.AutoReviewMaxLevel {
		level = a.site.AutoReviewMaxLevel
	}
	for level > 0 {
		allowed, err := a.policy.UserCanSetValue(ctx, actorID, level)
		if err != nil {
			return nil, newServiceError(opAutoReview, "capability_check_failed", err)
		}
		if allowed {
			return TagSet{a.site.TagName: level}, nil
		}
		level--
	}
	// Every auto-review tag value must stay above zero.
	return nil, failure(FailureTagLevelTooLow)
}

func (a *AutoReviewer) minimalPermittedTags(ctx context.Context, actorID string) (TagSet, error) {
	tags := a.policy.QuickTags()
	level := tags[a.site.TagName]
	allowed, err := a.policy.UserCanSetValue(ctx, actorID, level)
	if err != nil {
		return nil, newServiceError(opAutoReview, "capability_check_failed", err)
	}
	if !allowed {
		return nil, failure(FailureTagLevelTooLow)
	}
	return tags, nil
}
