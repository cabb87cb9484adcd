package wiki

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MediaWiki-style namespace numbers. Odd-numbered namespaces are talk
// namespaces and are never reviewable.
const (
	NamespaceMedia         = -2
	NamespaceSpecial       = -1
	NamespaceMain          = 0
	NamespaceFile          = 6
	NamespaceSiteInterface = 8
	NamespaceTemplate      = 10
)

const maxTitleLength = 255

var (
	// ErrInvalidTitle indicates that a page title is empty or exceeds storage bounds.
	ErrInvalidTitle = errors.New("wiki: invalid page title")
	// ErrInvalidChildKey indicates a malformed "namespace:title" child key.
	ErrInvalidChildKey = errors.New("wiki: invalid child key")
)

// IsTalk reports whether a namespace is a talk namespace.
func IsTalk(namespace int) bool {
	return namespace >= 0 && namespace%2 == 1
}

// PageRef identifies a page by namespace and title, independent of
// whether the page currently exists.
type PageRef struct {
	Namespace int
	Title     string
}

// NewPageRef validates raw input and returns a PageRef.
func NewPageRef(namespace int, rawTitle string) (PageRef, error) {
	trimmed := strings.TrimSpace(rawTitle)
	if trimmed == "" {
		return PageRef{}, fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if len(trimmed) > maxTitleLength {
		return PageRef{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	return PageRef{Namespace: namespace, Title: trimmed}, nil
}

// Key renders the reference as a "namespace:title" map key.
func (r PageRef) Key() string {
	return fmt.Sprintf("%d:%s", r.Namespace, r.Title)
}

// ParsePageRefKey parses a key produced by PageRef.Key.
func ParsePageRefKey(key string) (PageRef, error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return PageRef{}, fmt.Errorf("%w: %q", ErrInvalidChildKey, key)
	}
	namespace, err := strconv.Atoi(parts[0])
	if err != nil {
		return PageRef{}, fmt.Errorf("%w: %q", ErrInvalidChildKey, key)
	}
	return PageRef{Namespace: namespace, Title: parts[1]}, nil
}

// Page models one wiki page with its latest-revision bookkeeping.
// TouchedAtSeconds advances on every edit and review commit and serves
// as the optimistic-concurrency token handed to review sessions.
type Page struct {
	PageID           int64  `gorm:"column:page_id;primaryKey;autoIncrement"`
	Namespace        int    `gorm:"column:namespace;not null;uniqueIndex:idx_pages_ref,priority:1"`
	Title            string `gorm:"column:title;size:255;not null;uniqueIndex:idx_pages_ref,priority:2"`
	LatestRevID      int64  `gorm:"column:latest_rev_id;not null;default:0"`
	TouchedAtSeconds int64  `gorm:"column:touched_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Page) TableName() string {
	return "pages"
}

// Ref returns the page's namespace/title reference.
func (p Page) Ref() PageRef {
	return PageRef{Namespace: p.Namespace, Title: p.Title}
}

// Revision models one immutable revision of a page. Revision ids are
// assigned by the store and increase monotonically across all pages.
type Revision struct {
	RevID            int64  `gorm:"column:rev_id;primaryKey;autoIncrement"`
	PageID           int64  `gorm:"column:page_id;not null;index:idx_revisions_page,priority:1"`
	Content          string `gorm:"column:content;type:text;not null"`
	AuthorID         string `gorm:"column:author_id;size:190;not null"`
	Comment          string `gorm:"column:comment;size:500;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	Deleted          bool   `gorm:"column:deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Revision) TableName() string {
	return "revisions"
}
