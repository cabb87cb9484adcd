package auth

import "context"

// StaticCapabilities is a configuration-backed capability checker for
// deployments without an external permission service. The real rights
// system may replace it behind the same interface.
type StaticCapabilities struct {
	grants map[string]map[string]bool
}

// NewStaticCapabilities builds a checker from actor → capability lists.
func NewStaticCapabilities(grants map[string][]string) *StaticCapabilities {
	indexed := make(map[string]map[string]bool, len(grants))
	for actorID, capabilities := range grants {
		actorGrants := make(map[string]bool, len(capabilities))
		for _, capability := range capabilities {
			actorGrants[capability] = true
		}
		indexed[actorID] = actorGrants
	}
	return &StaticCapabilities{grants: indexed}
}

// HasCapability implements the capability-checker collaborator.
func (c *StaticCapabilities) HasCapability(_ context.Context, actorID, capability string) (bool, error) {
	return c.grants[actorID][capability], nil
}
