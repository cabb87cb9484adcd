package flagging

import (
	"context"
	"testing"

	"github.com/TimotheeJamin/flaggedrevs/internal/config"
)

func TestIsValidValueBounds(t *testing.T) {
	policy := NewTagPolicy(testSite(), newStaticCaps(nil))

	cases := []struct {
		level int
		valid bool
	}{
		{level: -1, valid: false},
		{level: 0, valid: true},
		{level: 3, valid: true},
		{level: 4, valid: false},
	}
	for _, tc := range cases {
		if got := policy.IsValidValue(tc.level); got != tc.valid {
			t.Fatalf("IsValidValue(%d) = %v, want %v", tc.level, got, tc.valid)
		}
	}
}

func TestUserCanSetValueRespectsRestrictions(t *testing.T) {
	caps := newStaticCaps(map[string][]string{
		"basic-reviewer": {CapabilityReview},
		"senior":         {CapabilityReview, "validate-extended"},
		"validator":      {CapabilityReview, CapabilityValidate},
		"nobody":         {},
	})
	policy := NewTagPolicy(testSite(), caps)
	ctx := context.Background()

	cases := []struct {
		actor   string
		level   int
		allowed bool
	}{
		{actor: "basic-reviewer", level: 1, allowed: true},
		{actor: "basic-reviewer", level: 2, allowed: false},
		{actor: "senior", level: 3, allowed: true},
		{actor: "validator", level: 3, allowed: true},
		{actor: "nobody", level: 1, allowed: false},
		// Withdrawing a dimension is never restricted.
		{actor: "nobody", level: 0, allowed: true},
	}
	for _, tc := range cases {
		allowed, err := policy.UserCanSetValue(ctx, tc.actor, tc.level)
		if err != nil {
			t.Fatalf("unexpected error for %s level %d: %v", tc.actor, tc.level, err)
		}
		if allowed != tc.allowed {
			t.Fatalf("UserCanSetValue(%s, %d) = %v, want %v", tc.actor, tc.level, allowed, tc.allowed)
		}
	}
}

func TestUserCanSetValueUnrestrictedWhenNoRestrictionsConfigured(t *testing.T) {
	site := testSite()
	site.TagRestrictions = nil
	policy := NewTagPolicy(site, newStaticCaps(map[string][]string{"anyone": {}}))

	allowed, err := policy.UserCanSetValue(context.Background(), "anyone", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Fatalf("expected full access without restrictions")
	}
}

func TestUserCanSetTagsRequiresReviewCapability(t *testing.T) {
	caps := newStaticCaps(map[string][]string{"editor": {"validate-extended"}})
	policy := NewTagPolicy(testSite(), caps)

	allowed, err := policy.UserCanSetTags(context.Background(), "editor", TagSet{"accuracy": 1}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected denial without the review capability")
	}
}

func TestUserCanSetTagsChecksOldValueToo(t *testing.T) {
	caps := newStaticCaps(map[string][]string{"basic-reviewer": {CapabilityReview}})
	policy := NewTagPolicy(testSite(), caps)
	ctx := context.Background()

	// The prior review carries level 3; a reviewer limited to level 1
	// must not be able to re-flag over it.
	allowed, err := policy.UserCanSetTags(ctx, "basic-reviewer", TagSet{"accuracy": 1}, TagSet{"accuracy": 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected denial when the old value is beyond the actor's authority")
	}

	allowed, err = policy.UserCanSetTags(ctx, "basic-reviewer", TagSet{"accuracy": 1}, TagSet{"accuracy": 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Fatalf("expected permission within the actor's level")
	}
}

func TestUserCanSetTagsMissingDimension(t *testing.T) {
	caps := newStaticCaps(map[string][]string{"basic-reviewer": {CapabilityReview}})
	policy := NewTagPolicy(testSite(), caps)

	allowed, err := policy.UserCanSetTags(context.Background(), "basic-reviewer", TagSet{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected denial when the configured dimension is unspecified")
	}
}

func TestProtectionOnlyBypassesTagValidation(t *testing.T) {
	site := config.SiteConfig{
		ProtectionOnly:       true,
		ReviewableNamespaces: []int{0},
		Inclusion:            config.InclusionCurrent,
	}
	caps := newStaticCaps(map[string][]string{"basic-reviewer": {CapabilityReview}})
	policy := NewTagPolicy(site, caps)

	if !policy.ValidTags(nil) {
		t.Fatalf("expected tag validation bypass in protection-only mode")
	}
	allowed, err := policy.UserCanSetTags(context.Background(), "basic-reviewer", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Fatalf("expected approval permission in protection-only mode")
	}
	if len(policy.QuickTags()) != 0 {
		t.Fatalf("expected empty quick tags in protection-only mode")
	}
}

func TestQuickTagsMinimalLevel(t *testing.T) {
	policy := NewTagPolicy(testSite(), newStaticCaps(nil))
	tags := policy.QuickTags()
	if tags["accuracy"] != 1 {
		t.Fatalf("expected minimal non-zero level, got %v", tags)
	}
}

func TestTagSetTier(t *testing.T) {
	site := testSite()

	if (TagSet{"accuracy": 1}).Tier(site) != TierChecked {
		t.Fatalf("expected checked tier at level 1")
	}
	if (TagSet{"accuracy": 0}).Tier(site) != TierUnreviewed {
		t.Fatalf("expected unreviewed tier at level 0")
	}
	if (TagSet{}).Tier(site) != TierUnreviewed {
		t.Fatalf("expected unreviewed tier for empty tags")
	}

	site.ProtectionOnly = true
	if (TagSet{}).Tier(site) != TierChecked {
		t.Fatalf("expected checked tier in protection-only mode")
	}
}

func TestTagSetFlattenRoundTrip(t *testing.T) {
	tags := TagSet{"accuracy": 2}
	parsed, err := ParseTags(tags.Flatten())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed["accuracy"] != 2 {
		t.Fatalf("round trip lost the level: %v", parsed)
	}

	if _, err := ParseTags("accuracy"); err == nil {
		t.Fatalf("expected parse failure for malformed blob")
	}
}
