package flagging

import (
	"context"
	"errors"

	"github.com/TimotheeJamin/flaggedrevs/internal/config"
	"github.com/TimotheeJamin/flaggedrevs/internal/wiki"
)

// ErrResolverAlreadyStabilized indicates StabilizeFor was called on an
// already-active resolver without an intervening Clear.
var ErrResolverAlreadyStabilized = errors.New("flagging: inclusion resolver already stabilized")

// ChildStableLookup answers "what is this child's own stable revision"
// during inclusion resolution. Implemented by StableVersionSelector.
type ChildStableLookup interface {
	StableRevisionID(ctx context.Context, ref wiki.PageRef) (int64, bool, error)
}

// ChildResolution is the outcome of resolving one referenced
// template/file during a stable render.
type ChildResolution struct {
	// UseCurrent directs the renderer to its default behavior: load the
	// child's latest revision.
	UseCurrent bool
	// RevisionID is the revision to load when UseCurrent is false. Zero
	// means the child did not exist at review time and must render as
	// absent rather than picking up a later creation.
	RevisionID int64
}

func resolveCurrent() ChildResolution {
	return ChildResolution{UseCurrent: true}
}

// InclusionResolver decides, per referenced child page, which revision
// a stable-mode render should use. One resolver serves one render: it
// holds the pinning source between StabilizeFor and Clear, and leaking
// it across renders would leak stale pins, so every StabilizeFor must
// be paired with a deferred Clear.
type InclusionResolver struct {
	policy config.InclusionPolicy
	lookup ChildStableLookup

	stabilized bool
	pins       ChildVersions
}

// NewInclusionResolver returns an inactive resolver for one render.
func NewInclusionResolver(policy config.InclusionPolicy, lookup ChildStableLookup) *InclusionResolver {
	return &InclusionResolver{policy: policy, lookup: lookup}
}

// StabilizeFor activates pinning using the given review record's child
// versions as the pinning source.
func (r *InclusionResolver) StabilizeFor(record *ReviewRecord) error {
	if r.stabilized {
		return ErrResolverAlreadyStabilized
	}
	pins, err := record.ChildVersions()
	if err != nil {
		return err
	}
	r.pins = pins
	r.stabilized = true
	return nil
}

// Clear deactivates pinning. Safe to call on an inactive resolver.
func (r *InclusionResolver) Clear() {
	r.stabilized = false
	r.pins = nil
}

// Stabilized reports whether pinning is active.
func (r *InclusionResolver) Stabilized() bool {
	return r.stabilized
}

// ResolveChildVersion picks the revision of a referenced child page for
// the active stable render. Virtual namespaces and the site-interface
// namespace are never substituted.
func (r *InclusionResolver) ResolveChildVersion(ctx context.Context, ref wiki.PageRef) (ChildResolution, error) {
	if ref.Namespace < 0 || ref.Namespace == wiki.NamespaceSiteInterface {
		return resolveCurrent(), nil
	}
	if !r.stabilized || r.policy == config.InclusionCurrent {
		return resolveCurrent(), nil
	}

	resolved := int64(-1) // -1: nothing found yet
	if pinned, ok := r.pins[ref.Key()]; ok {
		resolved = pinned // zero is meaningful: child absent at review time
	}
	if r.policy == config.InclusionStableOrFreeze {
		stableID, ok, err := r.lookup.StableRevisionID(ctx, ref)
		if err != nil {
			return ChildResolution{}, err
		}
		// Take the newer of the pinned and stable versions; never
		// regress below the version the review actually used.
		if ok && stableID > resolved {
			resolved = stableID
		}
	}
	if resolved < 0 {
		return resolveCurrent(), nil
	}
	return ChildResolution{RevisionID: resolved}, nil
}
