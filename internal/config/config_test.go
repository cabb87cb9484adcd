package config

import (
	"strings"
	"testing"
	"time"

	"github.com/TimotheeJamin/flaggedrevs/internal/wiki"
)

func TestLoadDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "unit-test-secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("http address = %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "flaggedrevs.db" {
		t.Fatalf("database path = %q", cfg.DatabasePath)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Fatalf("session ttl = %v", cfg.SessionTTL)
	}
	if cfg.Site.TagName != "accuracy" || cfg.Site.TagLevels != 4 {
		t.Fatalf("tag config = %q/%d", cfg.Site.TagName, cfg.Site.TagLevels)
	}
	if cfg.Site.TagRestrictions["review"] != 1 || cfg.Site.TagRestrictions["validate-extended"] != 3 {
		t.Fatalf("restrictions = %v", cfg.Site.TagRestrictions)
	}
	if cfg.Site.Inclusion != InclusionStableOrFreeze {
		t.Fatalf("inclusion = %q", cfg.Site.Inclusion)
	}
	if !cfg.Site.AutoReviewEdits || !cfg.Site.AutoReviewNewPages || cfg.Site.AutoReviewMaxLevel != 1 {
		t.Fatalf("autoreview config = %+v", cfg.Site)
	}
	if cfg.Site.OversightAge != 30*24*time.Hour {
		t.Fatalf("oversight age = %v", cfg.Site.OversightAge)
	}
	if !cfg.Site.IsStableShownByDefault() {
		t.Fatalf("expected stable shown by default")
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	_, err := Load(NewViper())
	if err == nil || !strings.Contains(err.Error(), "signing_secret") {
		t.Fatalf("expected signing secret error, got %v", err)
	}
}

func TestSiteValidateNamespaces(t *testing.T) {
	cases := []struct {
		name       string
		namespaces []int
	}{
		{name: "talk namespace", namespaces: []int{wiki.NamespaceMain + 1}},
		{name: "site interface", namespaces: []int{wiki.NamespaceSiteInterface}},
		{name: "virtual namespace", namespaces: []int{wiki.NamespaceSpecial}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			site := validSite()
			site.ReviewableNamespaces = tc.namespaces
			if err := site.Validate(); err == nil {
				t.Fatalf("expected rejection of %v", tc.namespaces)
			}
		})
	}
}

func TestSiteValidateTagSettings(t *testing.T) {
	site := validSite()
	site.TagLevels = 1
	if err := site.Validate(); err == nil {
		t.Fatalf("expected rejection of single-level tag range")
	}

	site = validSite()
	site.TagRestrictions = map[string]int{"review": 9}
	if err := site.Validate(); err == nil {
		t.Fatalf("expected rejection of out-of-range restriction")
	}

	site = validSite()
	site.Inclusion = "sometimes"
	if err := site.Validate(); err == nil {
		t.Fatalf("expected rejection of unknown inclusion policy")
	}

	site = validSite()
	site.AutoReviewMaxLevel = 4
	if err := site.Validate(); err == nil {
		t.Fatalf("expected rejection of out-of-range autoreview cap")
	}
}

func TestSiteValidateProtectionOnlySkipsTagChecks(t *testing.T) {
	site := validSite()
	site.ProtectionOnly = true
	site.TagName = ""
	site.TagLevels = 0
	if err := site.Validate(); err != nil {
		t.Fatalf("protection-only validation failed: %v", err)
	}
	if site.IsStableShownByDefault() {
		t.Fatalf("protection-only sites have no site-wide default override")
	}
}

func TestInReviewableNamespace(t *testing.T) {
	site := validSite()
	if !site.InReviewableNamespace(wiki.NamespaceMain) {
		t.Fatalf("main namespace should be reviewable")
	}
	// Media pages are tracked through the file namespace.
	if !site.InReviewableNamespace(wiki.NamespaceMedia) {
		t.Fatalf("media namespace should follow file")
	}
	if site.InReviewableNamespace(wiki.NamespaceMain + 1) {
		t.Fatalf("talk namespace should not be reviewable")
	}
}

func validSite() SiteConfig {
	return SiteConfig{
		TagName:              "accuracy",
		TagLevels:            4,
		TagRestrictions:      map[string]int{"review": 1},
		ReviewableNamespaces: []int{wiki.NamespaceMain, wiki.NamespaceFile},
		OverrideDefault:      true,
		Inclusion:            InclusionStableOrFreeze,
		AutoReviewMaxLevel:   1,
		OversightAge:         30 * 24 * time.Hour,
	}
}
