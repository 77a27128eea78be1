// Package application implements the fabric's registry, discovery,
// interaction-control, communication-hub, and agent-core subsystems.
package application

import (
	"sync"

	"github.com/agentfabric/fabric/internal/domain"
)

// CapabilityIndex is the in-memory inverted index over registered agents:
// capability name, interaction mode, organization, and developer, plus a
// verified-agent set. Every registered agent appears in every applicable
// index; unregistration removes it from every index in the same atomic
// step (see Registry, which owns the single-writer discipline).
type CapabilityIndex struct {
	mu sync.RWMutex

	byCapability      map[string]map[string]struct{}
	byInteractionMode map[domain.InteractionMode]map[string]struct{}
	byOrganization    map[string]map[string]struct{}
	byDeveloper       map[string]map[string]struct{}
	verifiedAgents    map[string]struct{}
}

// NewCapabilityIndex returns an empty index.
func NewCapabilityIndex() *CapabilityIndex {
	return &CapabilityIndex{
		byCapability:      make(map[string]map[string]struct{}),
		byInteractionMode: make(map[domain.InteractionMode]map[string]struct{}),
		byOrganization:    make(map[string]map[string]struct{}),
		byDeveloper:       make(map[string]map[string]struct{}),
		verifiedAgents:    make(map[string]struct{}),
	}
}

// indexDelta is a pre-computed set of index mutations, built before any
// index is touched so a partially-built delta never becomes visible.
type indexDelta struct {
	agentID      string
	capabilities []string
	modes        []domain.InteractionMode
	organization string
	developer    string
	verified     bool
}

func deltaFor(r *domain.AgentRegistration) indexDelta {
	return indexDelta{
		agentID:      r.AgentID,
		capabilities: r.CapabilityNames(),
		modes:        r.InteractionModes,
		organization: r.Organization,
		developer:    r.Developer,
		verified:     r.Identity != nil && r.Identity.VerificationStatus == domain.VerificationVerified,
	}
}

// apply installs a precomputed delta. Callers must already hold mu (the
// Registry serializes all writers upstream of this call).
func (c *CapabilityIndex) apply(d indexDelta) {
	for _, name := range d.capabilities {
		addTo(c.byCapability, name, d.agentID)
	}
	for _, mode := range d.modes {
		addToMode(c.byInteractionMode, mode, d.agentID)
	}
	if d.organization != "" {
		addTo(c.byOrganization, d.organization, d.agentID)
	}
	if d.developer != "" {
		addTo(c.byDeveloper, d.developer, d.agentID)
	}
	if d.verified {
		c.verifiedAgents[d.agentID] = struct{}{}
	}
}

// Add installs the registration's index delta. The Registry builds the
// delta first and calls Add only once every other step of registration
// has already succeeded.
func (c *CapabilityIndex) Add(r *domain.AgentRegistration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apply(deltaFor(r))
}

// Remove walks every index the agent could appear in and removes it from
// each, including the organization, developer, and verified-agent sets.
func (c *CapabilityIndex) Remove(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, set := range c.byCapability {
		delete(set, agentID)
	}
	for _, set := range c.byInteractionMode {
		delete(set, agentID)
	}
	for _, set := range c.byOrganization {
		delete(set, agentID)
	}
	for _, set := range c.byDeveloper {
		delete(set, agentID)
	}
	delete(c.verifiedAgents, agentID)
}

// Replace atomically removes the old delta and installs the new one. Used
// by update_registration so a capability rename is never observed as a
// transient absence.
func (c *CapabilityIndex) Replace(agentID string, next *domain.AgentRegistration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, set := range c.byCapability {
		delete(set, agentID)
	}
	for _, set := range c.byInteractionMode {
		delete(set, agentID)
	}
	for _, set := range c.byOrganization {
		delete(set, agentID)
	}
	for _, set := range c.byDeveloper {
		delete(set, agentID)
	}
	delete(c.verifiedAgents, agentID)
	c.apply(deltaFor(next))
}

// ByCapability returns the set of agent ids exposing the named capability.
func (c *CapabilityIndex) ByCapability(name string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return keysOf(c.byCapability[name])
}

// ByInteractionMode returns agent ids supporting mode.
func (c *CapabilityIndex) ByInteractionMode(mode domain.InteractionMode) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return keysOf(c.byInteractionMode[mode])
}

// ByOrganization returns agent ids belonging to organization.
func (c *CapabilityIndex) ByOrganization(organization string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return keysOf(c.byOrganization[organization])
}

// ByDeveloper returns agent ids owned by developer.
func (c *CapabilityIndex) ByDeveloper(developer string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return keysOf(c.byDeveloper[developer])
}

// VerifiedAgents returns every verified agent id.
func (c *CapabilityIndex) VerifiedAgents() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return keysOf(c.verifiedAgents)
}

func addTo(m map[string]map[string]struct{}, key, agentID string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[agentID] = struct{}{}
}

func addToMode(m map[domain.InteractionMode]map[string]struct{}, key domain.InteractionMode, agentID string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[agentID] = struct{}{}
}

func keysOf(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
