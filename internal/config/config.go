package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/TimotheeJamin/flaggedrevs/internal/wiki"
)

const (
	envPrefix                = "FLAGGEDREVS"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "flaggedrevs.db"
	defaultLogLevel          = "info"
	defaultTagName           = "accuracy"
	defaultTagLevels         = 4
	defaultAutoReviewMax     = 1
	defaultOversightAgeHours = 30 * 24
)

// InclusionPolicy selects how template/file versions are resolved when
// rendering a stable revision.
type InclusionPolicy string

const (
	// InclusionCurrent always uses the child's latest revision.
	InclusionCurrent InclusionPolicy = "current"
	// InclusionFreeze uses the child version pinned at review time.
	InclusionFreeze InclusionPolicy = "freeze"
	// InclusionStableOrFreeze uses the newer of the pinned version and
	// the child's own stable version.
	InclusionStableOrFreeze InclusionPolicy = "stable_or_freeze"
)

// SiteConfig captures the review-policy half of the configuration. It
// is constructed once at startup, validated, and passed explicitly to
// every component that needs it.
type SiteConfig struct {
	TagName              string
	TagLevels            int
	TagRestrictions      map[string]int
	ReviewableNamespaces []int
	ProtectionOnly       bool
	OverrideDefault      bool
	Inclusion            InclusionPolicy
	AutoReviewEdits      bool
	AutoReviewNewPages   bool
	AutoReviewMaxLevel   int
	OversightAge         time.Duration
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SessionSigningKey string
	SessionTTL        time.Duration
	CapabilityGrants  map[string][]string
	Site              SiteConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.ttl_minutes", 30)
	configViper.SetDefault("tag.name", defaultTagName)
	configViper.SetDefault("tag.levels", defaultTagLevels)
	configViper.SetDefault("tag.restrictions", map[string]interface{}{"review": 1, "validate-extended": 3})
	configViper.SetDefault("namespaces.reviewable", []int{wiki.NamespaceMain, wiki.NamespaceFile, wiki.NamespaceTemplate})
	configViper.SetDefault("mode.protection_only", false)
	configViper.SetDefault("mode.override_default", true)
	configViper.SetDefault("inclusion.policy", string(InclusionStableOrFreeze))
	configViper.SetDefault("autoreview.edits", true)
	configViper.SetDefault("autoreview.new_pages", true)
	configViper.SetDefault("autoreview.max_level", defaultAutoReviewMax)
	configViper.SetDefault("retention.oversight_age_hours", defaultOversightAgeHours)
}

// Load parses runtime configuration from viper and validates it.
func Load(configViper *viper.Viper) (AppConfig, error) {
	restrictions := map[string]int{}
	for capability, level := range configViper.GetStringMap("tag.restrictions") {
		restrictions[capability] = cast.ToInt(level)
	}

	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SessionSigningKey: configViper.GetString("session.signing_secret"),
		SessionTTL:        time.Duration(configViper.GetInt("session.ttl_minutes")) * time.Minute,
		CapabilityGrants:  configViper.GetStringMapStringSlice("capabilities.grants"),
		Site: SiteConfig{
			TagName:              configViper.GetString("tag.name"),
			TagLevels:            configViper.GetInt("tag.levels"),
			TagRestrictions:      restrictions,
			ReviewableNamespaces: cast.ToIntSlice(configViper.Get("namespaces.reviewable")),
			ProtectionOnly:       configViper.GetBool("mode.protection_only"),
			OverrideDefault:      configViper.GetBool("mode.override_default"),
			Inclusion:            InclusionPolicy(configViper.GetString("inclusion.policy")),
			AutoReviewEdits:      configViper.GetBool("autoreview.edits"),
			AutoReviewNewPages:   configViper.GetBool("autoreview.new_pages"),
			AutoReviewMaxLevel:   configViper.GetInt("autoreview.max_level"),
			OversightAge:         time.Duration(configViper.GetInt("retention.oversight_age_hours")) * time.Hour,
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return c.Site.Validate()
}

// Validate checks the site configuration invariants once, at startup.
func (c SiteConfig) Validate() error {
	for _, namespace := range c.ReviewableNamespaces {
		if wiki.IsTalk(namespace) {
			return fmt.Errorf("namespaces.reviewable must not contain talk namespace %d", namespace)
		}
		if namespace == wiki.NamespaceSiteInterface {
			return fmt.Errorf("namespaces.reviewable must not contain the site-interface namespace")
		}
		if namespace < 0 {
			return fmt.Errorf("namespaces.reviewable must not contain virtual namespace %d", namespace)
		}
	}
	switch c.Inclusion {
	case InclusionCurrent, InclusionFreeze, InclusionStableOrFreeze:
	default:
		return fmt.Errorf("inclusion.policy %q is not one of current, freeze, stable_or_freeze", c.Inclusion)
	}
	if c.ProtectionOnly {
		// Leveled-tag settings are unused in protection-only mode.
		return nil
	}
	if strings.TrimSpace(c.TagName) == "" {
		return fmt.Errorf("tag.name is required")
	}
	if c.TagLevels < 2 {
		return fmt.Errorf("tag.levels must allow at least one approved level")
	}
	for capability, level := range c.TagRestrictions {
		if strings.TrimSpace(capability) == "" {
			return fmt.Errorf("tag.restrictions contains an empty capability name")
		}
		if level < 0 || level >= c.TagLevels {
			return fmt.Errorf("tag.restrictions[%s] level %d is outside [0, %d)", capability, level, c.TagLevels)
		}
	}
	if c.AutoReviewMaxLevel < 0 || c.AutoReviewMaxLevel >= c.TagLevels {
		return fmt.Errorf("autoreview.max_level %d is outside [0, %d)", c.AutoReviewMaxLevel, c.TagLevels)
	}
	return nil
}

// IsStableShownByDefault reports whether readers see the stable version
// by default. Protection-only deployments configure this per page, so
// the site-wide default is always off there.
func (c SiteConfig) IsStableShownByDefault() bool {
	if c.ProtectionOnly {
		return false
	}
	return c.OverrideDefault
}

// InReviewableNamespace reports whether pages in the namespace can
// carry reviews. The media namespace is tracked through the file
// namespace.
func (c SiteConfig) InReviewableNamespace(namespace int) bool {
	if namespace == wiki.NamespaceMedia {
		namespace = wiki.NamespaceFile
	}
	for _, reviewable := range c.ReviewableNamespaces {
		if reviewable == namespace {
			return true
		}
	}
	return false
}
