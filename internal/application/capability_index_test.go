package application

import (
	"testing"

	"github.com/agentfabric/fabric/internal/domain"
	"github.com/stretchr/testify/assert"
)

func testRegistration(agentID, org, developer string, verified bool, capabilities ...string) *domain.AgentRegistration {
	status := domain.VerificationPending
	if verified {
		status = domain.VerificationVerified
	}
	caps := make([]domain.Capability, len(capabilities))
	for i, name := range capabilities {
		caps[i] = domain.Capability{Name: name}
	}
	return &domain.AgentRegistration{
		AgentID:          agentID,
		Organization:     org,
		Developer:        developer,
		InteractionModes: []domain.InteractionMode{domain.InteractionAgentToAgent},
		Capabilities:     caps,
		Identity:         &domain.AgentIdentity{VerificationStatus: status},
	}
}

func TestCapabilityIndex_AddAndLookup(t *testing.T) {
	idx := NewCapabilityIndex()
	idx.Add(testRegistration("agent-1", "acme", "dev-1", true, "search", "translate"))

	assert.ElementsMatch(t, []string{"agent-1"}, idx.ByCapability("search"))
	assert.ElementsMatch(t, []string{"agent-1"}, idx.ByCapability("translate"))
	assert.ElementsMatch(t, []string{"agent-1"}, idx.ByOrganization("acme"))
	assert.ElementsMatch(t, []string{"agent-1"}, idx.ByDeveloper("dev-1"))
	assert.ElementsMatch(t, []string{"agent-1"}, idx.ByInteractionMode(domain.InteractionAgentToAgent))
	assert.ElementsMatch(t, []string{"agent-1"}, idx.VerifiedAgents())
}

func TestCapabilityIndex_Remove_ClearsEveryIndex(t *testing.T) {
	idx := NewCapabilityIndex()
	idx.Add(testRegistration("agent-1", "acme", "dev-1", true, "search"))

	idx.Remove("agent-1")

	assert.Empty(t, idx.ByCapability("search"))
	assert.Empty(t, idx.ByOrganization("acme"))
	assert.Empty(t, idx.ByDeveloper("dev-1"))
	assert.Empty(t, idx.ByInteractionMode(domain.InteractionAgentToAgent))
	assert.Empty(t, idx.VerifiedAgents())
}

func TestCapabilityIndex_Replace_NeverObservesTransientAbsence(t *testing.T) {
	idx := NewCapabilityIndex()
	idx.Add(testRegistration("agent-1", "acme", "dev-1", true, "search"))

	idx.Replace("agent-1", testRegistration("agent-1", "acme", "dev-1", true, "translate"))

	assert.Empty(t, idx.ByCapability("search"))
	assert.ElementsMatch(t, []string{"agent-1"}, idx.ByCapability("translate"))
	assert.ElementsMatch(t, []string{"agent-1"}, idx.ByOrganization("acme"))
}

func TestCapabilityIndex_UnverifiedAgentExcludedFromVerifiedSet(t *testing.T) {
	idx := NewCapabilityIndex()
	idx.Add(testRegistration("agent-1", "acme", "dev-1", false, "search"))

	assert.Empty(t, idx.VerifiedAgents())
	assert.ElementsMatch(t, []string{"agent-1"}, idx.ByCapability("search"))
}
