package flagging

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/TimotheeJamin/flaggedrevs/internal/config"
)

// Tier is the coarse quality classification derived from tag levels.
type Tier int

const (
	// TierUnreviewed marks revisions with no qualifying review.
	TierUnreviewed Tier = iota
	// TierChecked marks revisions whose every tag level is at least 1.
	TierChecked
)

// String renders the tier for logs and API payloads.
func (t Tier) String() string {
	if t == TierChecked {
		return "checked"
	}
	return "unreviewed"
}

// Flags marks the provenance of a review record.
type Flags string

const (
	// FlagsManual marks reviews submitted through the review form.
	FlagsManual Flags = "manual"
	// FlagsAuto marks reviews created inline with an edit.
	FlagsAuto Flags = "auto"
)

// Action enumerates the review operations.
type Action string

const (
	// ActionApprove flags a revision as stable.
	ActionApprove Action = "approve"
	// ActionUnapprove withdraws an existing review.
	ActionUnapprove Action = "unapprove"
	// ActionReject reverts pending edits back to the stable revision.
	ActionReject Action = "reject"
)

var (
	// ErrInvalidTagBlob indicates a malformed flattened tag string.
	ErrInvalidTagBlob = errors.New("flagging: invalid tag blob")
	// ErrInvalidAction indicates an unknown review action.
	ErrInvalidAction = errors.New("flagging: invalid review action")
)

// ParseAction validates a raw action string.
func ParseAction(raw string) (Action, error) {
	switch Action(raw) {
	case ActionApprove, ActionUnapprove, ActionReject:
		return Action(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, raw)
}

// TagSet maps a quality dimension name to its reviewed level.
type TagSet map[string]int

// Flatten renders the set as newline-joined "name:level" pairs in
// stable order, the on-disk representation.
func (t TagSet) Flatten() string {
	if len(t) == 0 {
		return ""
	}
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, fmt.Sprintf("%s:%d", name, t[name]))
	}
	return strings.Join(pairs, "\n")
}

// ParseTags reverses Flatten.
func ParseTags(blob string) (TagSet, error) {
	tags := TagSet{}
	if blob == "" {
		return tags, nil
	}
	for _, pair := range strings.Split(blob, "\n") {
		name, rawLevel, found := strings.Cut(pair, ":")
		if !found || name == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTagBlob, pair)
		}
		level, err := strconv.Atoi(rawLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTagBlob, pair)
		}
		tags[name] = level
	}
	return tags, nil
}

// Clone returns an independent copy of the set.
func (t TagSet) Clone() TagSet {
	if t == nil {
		return nil
	}
	clone := make(TagSet, len(t))
	for name, level := range t {
		clone[name] = level
	}
	return clone
}

// Tier derives the quality tier of the set for the given site
// configuration. Protection-only deployments treat any review as
// checked.
func (t TagSet) Tier(site config.SiteConfig) Tier {
	if site.ProtectionOnly {
		return TierChecked
	}
	if len(t) == 0 {
		return TierUnreviewed
	}
	if level, ok := t[site.TagName]; !ok || level < 1 {
		return TierUnreviewed
	}
	return TierChecked
}

// ChildVersions maps a referenced template/file key ("namespace:title")
// to the revision id pinned at review time. A value of 0 records that
// the child did not exist when the review was taken, which is distinct
// from the key being absent (no pin, use the current version).
type ChildVersions map[string]int64

// MarshalBlob renders the map as JSON for storage. An empty map is
// stored as the empty string.
func (c ChildVersions) MarshalBlob() (string, error) {
	if len(c) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Clone returns an independent copy of the map.
func (c ChildVersions) Clone() ChildVersions {
	if c == nil {
		return nil
	}
	clone := make(ChildVersions, len(c))
	for key, revID := range c {
		clone[key] = revID
	}
	return clone
}

// ParseChildVersions reverses MarshalBlob.
func ParseChildVersions(blob string) (ChildVersions, error) {
	versions := ChildVersions{}
	if blob == "" {
		return versions, nil
	}
	if err := json.Unmarshal([]byte(blob), &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

// ReviewRecord is one approved review of a specific revision: the
// source of truth for everything the stable-version machinery derives.
// Tombstoned records are retained for the oversight window rather than
// deleted outright.
type ReviewRecord struct {
	PageID              int64  `gorm:"column:page_id;primaryKey;autoIncrement:false;index:idx_reviews_page_rev,priority:1"`
	RevID               int64  `gorm:"column:rev_id;primaryKey;autoIncrement:false;index:idx_reviews_page_rev,priority:2,sort:desc"`
	ReviewerID          string `gorm:"column:reviewer_id;size:190;not null"`
	ReviewedAtSeconds   int64  `gorm:"column:reviewed_at_s;not null"`
	TagsBlob            string `gorm:"column:tags;type:text;not null;default:''"`
	Flags               Flags  `gorm:"column:flags;size:16;not null;default:'manual'"`
	ChildVersionsBlob   string `gorm:"column:child_versions;type:text;not null;default:''"`
	Tombstoned          bool   `gorm:"column:tombstoned;not null;default:false"`
	TombstonedAtSeconds int64  `gorm:"column:tombstoned_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ReviewRecord) TableName() string {
	return "review_records"
}

// Tags parses the stored tag blob.
func (r ReviewRecord) Tags() (TagSet, error) {
	return ParseTags(r.TagsBlob)
}

// ChildVersions parses the stored child-version blob.
func (r ReviewRecord) ChildVersions() (ChildVersions, error) {
	return ParseChildVersions(r.ChildVersionsBlob)
}

// Tier derives the record's quality tier.
func (r ReviewRecord) Tier(site config.SiteConfig) Tier {
	tags, err := r.Tags()
	if err != nil {
		return TierUnreviewed
	}
	return tags.Tier(site)
}

// StablePointer is the per-page cache of the stable-version decision.
// It is derived state: always equal to the newest non-tombstoned
// ReviewRecord for the page, and rebuildable from scratch at any time.
type StablePointer struct {
	PageID           int64  `gorm:"column:page_id;primaryKey;autoIncrement:false"`
	StableRevID      *int64 `gorm:"column:stable_rev_id"`
	TagsBlob         string `gorm:"column:tags;type:text;not null;default:''"`
	RenderedOutputID *int64 `gorm:"column:rendered_output_id"`
}

// TableName provides the explicit table binding for GORM.
func (StablePointer) TableName() string {
	return "stable_pointers"
}

// PendingPage tracks a page whose latest revision is newer than its
// stable revision, for the review backlog listings.
type PendingPage struct {
	PageID              int64 `gorm:"column:page_id;primaryKey;autoIncrement:false"`
	StableRevID         int64 `gorm:"column:stable_rev_id;not null"`
	PendingSinceSeconds int64 `gorm:"column:pending_since_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (PendingPage) TableName() string {
	return "pending_pages"
}

// ReviewLogEntry is the append-only audit trail of manual review
// actions.
type ReviewLogEntry struct {
	EntryID         string `gorm:"column:entry_id;primaryKey;size:190;not null"`
	PageID          int64  `gorm:"column:page_id;not null;index:idx_review_log_page,priority:1"`
	RevID           int64  `gorm:"column:rev_id;not null"`
	Action          Action `gorm:"column:action;size:16;not null"`
	TagsBlob        string `gorm:"column:tags;type:text;not null;default:''"`
	OldStableRevID  int64  `gorm:"column:old_stable_rev_id;not null;default:0"`
	ReviewerID      string `gorm:"column:reviewer_id;size:190;not null"`
	Comment         string `gorm:"column:comment;size:500;not null;default:''"`
	LoggedAtSeconds int64  `gorm:"column:logged_at_s;not null;index:idx_review_log_page,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ReviewLogEntry) TableName() string {
	return "review_log"
}
