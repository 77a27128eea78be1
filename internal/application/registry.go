package application

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentfabric/fabric/internal/crypto"
	"github.com/agentfabric/fabric/internal/domain"
	"github.com/agentfabric/fabric/internal/infrastructure/metrics"
)

// RegistrationStore optionally mirrors registrations to durable storage
// (Postgres-backed in this implementation) so a restarted process can
// repopulate the in-memory registry before serving traffic. It is a
// write-behind mirror only: every read is served from the in-memory
// registry, never from the store.
type RegistrationStore interface {
	Save(r *domain.AgentRegistration) error
	Delete(agentID string) error
	LoadAll() ([]*domain.AgentRegistration, error)
}

// Registry combines the capability index and vector discovery service,
// owning the registration lifecycle: uniqueness enforcement, identity
// verification, atomic index updates, and embedding refresh, which
// completes before Register/UpdateRegistration return. A single mutex
// guards the agent map and index writes of every writer
// (register/unregister/update); readers take a consistent snapshot of
// each individual index.
type Registry struct {
	mu sync.Mutex

	agents    map[string]*domain.AgentRegistration
	index     *CapabilityIndex
	discovery *DiscoveryService
	store     RegistrationStore

	ready     chan struct{}
	readyOnce sync.Once
}

// NewRegistry constructs an empty registry. store may be nil, in which
// case the registry runs purely in-memory.
func NewRegistry(discovery *DiscoveryService, store RegistrationStore) *Registry {
	return &Registry{
		agents:    make(map[string]*domain.AgentRegistration),
		index:     NewCapabilityIndex(),
		discovery: discovery,
		store:     store,
		ready:     make(chan struct{}),
	}
}

// Initialize fires the registry's readiness signal. It replays any
// previously stored registrations (if a RegistrationStore is configured)
// before marking itself ready, so the first register/search call observes
// a fully warmed registry. Safe to call more than once; only the first
// call does work.
func (r *Registry) Initialize() error {
	var initErr error
	r.readyOnce.Do(func() {
		defer close(r.ready)
		if r.store == nil {
			return
		}
		stored, err := r.store.LoadAll()
		if err != nil {
			initErr = fmt.Errorf("load stored registrations: %w", err)
			return
		}
		for _, reg := range stored {
			r.mu.Lock()
			r.agents[reg.AgentID] = reg
			r.index.Add(reg)
			r.mu.Unlock()
			if r.discovery != nil {
				_ = r.discovery.UpdateAgent(reg)
			}
		}
	})
	return initErr
}

// awaitReady blocks until Initialize has completed, guaranteeing search
// and register calls observe a fully initialized registry regardless of
// startup ordering.
func (r *Registry) awaitReady() {
	<-r.ready
}

// Register inserts a new registration. Rejects duplicate agent ids,
// verifies identity, and only then mutates the in-memory state: the
// index delta and embedding refresh both happen after validation, so a
// failure at any step leaves the registry completely unchanged for that
// agent.
func (r *Registry) Register(reg *domain.AgentRegistration) bool {
	r.awaitReady()
	if reg == nil || reg.AgentID == "" {
		return false
	}

	r.mu.Lock()
	if _, exists := r.agents[reg.AgentID]; exists {
		r.mu.Unlock()
		metrics.RecordRegistrationOperation("register", "duplicate")
		return false
	}
	r.mu.Unlock()

	if !verifyIdentity(reg.Identity) {
		metrics.RecordRegistrationOperation("register", "invalid_identity")
		return false
	}
	reg.Identity.MarkVerified()
	if reg.RegisteredAt.IsZero() {
		reg.RegisteredAt = time.Now().UTC()
	}

	if r.discovery != nil {
		if err := r.discovery.UpdateAgent(reg); err != nil {
			metrics.RecordRegistrationOperation("register", "discovery_error")
			return false
		}
	}

	r.mu.Lock()
	if existing, exists := r.agents[reg.AgentID]; exists {
		r.mu.Unlock()
		if r.discovery != nil {
			_ = r.discovery.UpdateAgent(existing)
		}
		metrics.RecordRegistrationOperation("register", "duplicate")
		return false
	}
	r.agents[reg.AgentID] = reg
	r.index.Add(reg)
	count := len(r.agents)
	r.mu.Unlock()

	if r.store != nil {
		_ = r.store.Save(reg)
	}
	metrics.RecordRegistrationOperation("register", "ok")
	metrics.UpdateAgentsRegistered(float64(count))
	return true
}

// Unregister removes agentID from every index and from the vector store.
// Idempotent: unregistering an already-absent agent is a harmless no-op
// returning true.
func (r *Registry) Unregister(agentID string) bool {
	r.awaitReady()
	r.mu.Lock()
	delete(r.agents, agentID)
	r.index.Remove(agentID)
	count := len(r.agents)
	r.mu.Unlock()

	if r.discovery != nil {
		_ = r.discovery.RemoveAgent(agentID)
	}
	if r.store != nil {
		_ = r.store.Delete(agentID)
	}
	metrics.RecordRegistrationOperation("unregister", "ok")
	metrics.UpdateAgentsRegistered(float64(count))
	return true
}

// UpdateRegistration applies updates (whitelisted fields only) to
// agentID's registration and returns the updated copy, or nil if the
// agent is not registered. A capability change rewrites the capability
// index and refreshes embeddings as a single logical operation: by the
// time this call returns, both have already observed the new set.
func (r *Registry) UpdateRegistration(agentID string, updates map[string]any) *domain.AgentRegistration {
	r.awaitReady()
	r.mu.Lock()
	existing, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	next := existing.Clone()
	r.mu.Unlock()

	applyUpdates(next, updates)

	if r.discovery != nil {
		if err := r.discovery.UpdateAgent(next); err != nil {
			metrics.RecordRegistrationOperation("update", "discovery_error")
			return nil
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		metrics.RecordRegistrationOperation("update", "not_found")
		return nil
	}
	r.agents[agentID] = next
	r.index.Replace(agentID, next)

	if r.store != nil {
		_ = r.store.Save(next)
	}
	metrics.RecordRegistrationOperation("update", "ok")
	return next.Clone()
}

// applyUpdates mutates reg in place, one whitelisted field at a time. Any
// key present in updates that isn't one of these exact names/types is
// silently ignored.
func applyUpdates(reg *domain.AgentRegistration, updates map[string]any) {
	if v, ok := updates["capabilities"].([]domain.Capability); ok {
		reg.Capabilities = v
	}
	if v, ok := updates["interaction_modes"].([]domain.InteractionMode); ok {
		reg.InteractionModes = v
	}
	if v, ok := updates["default_input_modes"].([]string); ok {
		reg.DefaultInputModes = v
	}
	if v, ok := updates["default_output_modes"].([]string); ok {
		reg.DefaultOutputModes = v
	}
	if v, ok := updates["payment_address"].(string); ok {
		reg.PaymentAddress = v
	}
	if v, ok := updates["custom_metadata"].(map[string]string); ok {
		reg.CustomMetadata = v
	}
	if v, ok := updates["name"].(string); ok {
		reg.Name = v
	}
	if v, ok := updates["summary"].(string); ok {
		reg.Summary = v
	}
	if v, ok := updates["description"].(string); ok {
		reg.Description = v
	}
	if v, ok := updates["version"].(string); ok {
		reg.Version = v
	}
	if v, ok := updates["documentation_url"].(string); ok {
		reg.DocumentationURL = v
	}
	if v, ok := updates["organization"].(string); ok {
		reg.Organization = v
	}
	if v, ok := updates["developer"].(string); ok {
		reg.Developer = v
	}
	if v, ok := updates["url"].(string); ok {
		reg.URL = v
	}
	if v, ok := updates["auth_schemes"].([]string); ok {
		reg.AuthSchemes = v
	}
	if v, ok := updates["skills"].([]domain.Skill); ok {
		reg.Skills = v
	}
	if v, ok := updates["examples"].([]string); ok {
		reg.Examples = v
	}
	if v, ok := updates["tags"].([]string); ok {
		reg.Tags = v
	}
}

// verifyIdentity stubs DID verification: today it only accepts a
// well-formed identity (non-nil, public key present, well-formed DID,
// status not already failed). Real DID resolution (did:key fingerprint
// recomputation, did:ethr on-chain lookup) can be inserted behind this
// same boolean signature without touching any caller.
func verifyIdentity(id *domain.AgentIdentity) bool {
	if id == nil || id.PublicKeyPEM == "" {
		return false
	}
	if !domain.ValidDID(id.DID) {
		return false
	}
	return id.VerificationStatus != domain.VerificationFailed
}

// GetRegistration returns a defensive copy of agentID's registration, or
// nil if unregistered.
func (r *Registry) GetRegistration(agentID string) *domain.AgentRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[agentID].Clone()
}

// GetAgentType returns the AgentType of agentID and whether it is
// registered.
func (r *Registry) GetAgentType(agentID string) (domain.AgentType, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.agents[agentID]
	if !ok {
		return "", false
	}
	return reg.AgentType, true
}

// GetAllAgents returns every registered agent.
func (r *Registry) GetAllAgents() []*domain.AgentRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.AgentRegistration, 0, len(r.agents))
	for _, reg := range r.agents {
		out = append(out, reg.Clone())
	}
	return out
}

// GetAllCapabilities returns the union of every capability name across
// every registered agent.
func (r *Registry) GetAllCapabilities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{})
	for _, reg := range r.agents {
		for _, c := range reg.Capabilities {
			seen[c.Name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}

// GetVerifiedAgents returns every agent currently in the verified index.
func (r *Registry) GetVerifiedAgents() []*domain.AgentRegistration {
	return r.resolveIDs(r.index.VerifiedAgents())
}

// GetByInteractionMode returns every agent supporting mode.
func (r *Registry) GetByInteractionMode(mode domain.InteractionMode) []*domain.AgentRegistration {
	return r.resolveIDs(r.index.ByInteractionMode(mode))
}

// GetByOrganization returns every agent belonging to organization.
func (r *Registry) GetByOrganization(organization string) []*domain.AgentRegistration {
	return r.resolveIDs(r.index.ByOrganization(organization))
}

// GetByOwner returns every agent owned by developer.
func (r *Registry) GetByOwner(developer string) []*domain.AgentRegistration {
	return r.resolveIDs(r.index.ByDeveloper(developer))
}

// GetByCapability resolves exact-match agents for name; when no agent
// exposes it literally, falls back to GetByCapabilitySemantic with no
// filter, returning up to limit hits scoring at least threshold.
func (r *Registry) GetByCapability(name string, limit int, threshold float64) []*domain.AgentRegistration {
	r.awaitReady()
	exact := r.resolveIDs(r.index.ByCapability(name))
	if len(exact) > 0 {
		return exact
	}
	return r.GetByCapabilitySemantic(name, limit, threshold, DiscoveryFilter{})
}

// GetByCapabilitySemantic runs a semantic search over agent profiles,
// capabilities, and skills, applying filter and returning up to limit
// agents scoring at least threshold.
func (r *Registry) GetByCapabilitySemantic(query string, limit int, threshold float64, filter DiscoveryFilter) []*domain.AgentRegistration {
	r.awaitReady()
	if r.discovery == nil {
		return nil
	}
	hits, err := r.discovery.Search(query, limit, threshold, filter)
	if err != nil {
		return nil
	}
	out := make([]*domain.AgentRegistration, 0, len(hits))
	for _, h := range hits {
		if reg := r.GetRegistration(h.AgentID); reg != nil {
			out = append(out, reg)
		}
	}
	return out
}

func (r *Registry) resolveIDs(ids []string) []*domain.AgentRegistration {
	out := make([]*domain.AgentRegistration, 0, len(ids))
	for _, id := range ids {
		if reg := r.GetRegistration(id); reg != nil {
			out = append(out, reg)
		}
	}
	return out
}

// VerifyMessageSignature verifies msg was signed by senderIdentity,
// delegating to crypto.VerifyMessage.
func VerifyMessageSignature(msg *domain.Message, senderIdentity *domain.AgentIdentity) bool {
	return crypto.VerifyMessage(msg, senderIdentity)
}
