package flagging

import (
	"context"

	"github.com/TimotheeJamin/flaggedrevs/internal/config"
)

// Capability names the review engine checks through the injected
// CapabilityChecker. Granting them is the permission system's business.
const (
	// CapabilityReview is required for any review submission.
	CapabilityReview = "review"
	// CapabilityValidate bypasses all tag-level restrictions.
	CapabilityValidate = "validate"
	// CapabilityAutoReview lets edits by the actor be auto-reviewed.
	CapabilityAutoReview = "autoreview"
	// CapabilityBot carries prior stable tags through auto-review
	// unchanged, without permission capping.
	CapabilityBot = "bot"
)

// CapabilityChecker is the permission-system collaborator.
type CapabilityChecker interface {
	HasCapability(ctx context.Context, actorID, capability string) (bool, error)
}

// TagPolicy validates and permission-bounds quality-tag values.
type TagPolicy struct {
	site config.SiteConfig
	caps CapabilityChecker
}

// NewTagPolicy binds a validated site configuration to a capability
// checker.
func NewTagPolicy(site config.SiteConfig, caps CapabilityChecker) *TagPolicy {
	return &TagPolicy{site: site, caps: caps}
}

// IsValidValue reports whether a level is inside the configured range.
func (p *TagPolicy) IsValidValue(level int) bool {
	return level >= 0 && level < p.site.TagLevels
}

// ValidTags reports whether the set names the configured dimension with
// a value in range. Protection-only deployments bypass tag validation.
func (p *TagPolicy) ValidTags(tags TagSet) bool {
	if p.site.ProtectionOnly {
		return true
	}
	level, ok := tags[p.site.TagName]
	return ok && p.IsValidValue(level)
}

// UserCanSetValue reports whether the actor may record the given level.
// Level 0 (withdrawing the dimension) is always settable; otherwise the
// actor needs either the unrestricted-validator capability or some
// granted capability whose configured restriction reaches the level.
func (p *TagPolicy) UserCanSetValue(ctx context.Context, actorID string, level int) (bool, error) {
	if !p.IsValidValue(level) {
		return false, nil
	}
	if level == 0 {
		return true, nil
	}
	if len(p.site.TagRestrictions) == 0 {
		return true, nil
	}
	hasValidate, err := p.caps.HasCapability(ctx, actorID, CapabilityValidate)
	if err != nil {
		return false, err
	}
	if hasValidate {
		return true, nil
	}
	for capability, maxLevel := range p.site.TagRestrictions {
		if level > maxLevel || maxLevel <= 0 {
			continue
		}
		granted, err := p.caps.HasCapability(ctx, actorID, capability)
		if err != nil {
			return false, err
		}
		if granted {
			return true, nil
		}
	}
	return false, nil
}

// UserCanSetTags reports whether the actor may record newTags for a
// revision whose prior review carried oldTags. The old value matters so
// a less-privileged reviewer cannot silently preserve or downgrade a
// level beyond their authority.
func (p *TagPolicy) UserCanSetTags(ctx context.Context, actorID string, newTags, oldTags TagSet) (bool, error) {
	canReview, err := p.caps.HasCapability(ctx, actorID, CapabilityReview)
	if err != nil {
		return false, err
	}
	if !canReview {
		return false, nil
	}
	if p.site.ProtectionOnly {
		return true, nil
	}

	newLevel, ok := newTags[p.site.TagName]
	if !ok {
		return false, nil
	}
	allowed, err := p.UserCanSetValue(ctx, actorID, newLevel)
	if err != nil || !allowed {
		return allowed, err
	}
	if oldLevel, ok := oldTags[p.site.TagName]; ok {
		allowed, err = p.UserCanSetValue(ctx, actorID, oldLevel)
		if err != nil || !allowed {
			return allowed, err
		}
	}
	return true, nil
}

// QuickTags is the minimal tag set counting as checked: the lowest
// non-zero level of the configured dimension, or nothing in
// protection-only mode.
func (p *TagPolicy) QuickTags() TagSet {
	if p.site.ProtectionOnly {
		return TagSet{}
	}
	return TagSet{p.site.TagName: 1}
}
