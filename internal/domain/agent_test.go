package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentRegistration_Clone_IsIndependentOfSource(t *testing.T) {
	reg := &AgentRegistration{
		AgentID:          "agent-1",
		InteractionModes: []InteractionMode{InteractionHumanToAgent},
		Capabilities:     []Capability{{Name: "search"}},
		Tags:             []string{"alpha"},
		CustomMetadata:   map[string]string{"k": "v"},
		Identity:         &AgentIdentity{DID: "did:key:abc"},
	}

	clone := reg.Clone()
	clone.InteractionModes[0] = InteractionAgentToAgent
	clone.Capabilities[0].Name = "mutated"
	clone.Tags[0] = "mutated"
	clone.CustomMetadata["k"] = "mutated"
	clone.Identity.DID = "did:key:mutated"

	assert.Equal(t, InteractionHumanToAgent, reg.InteractionModes[0])
	assert.Equal(t, "search", reg.Capabilities[0].Name)
	assert.Equal(t, "alpha", reg.Tags[0])
	assert.Equal(t, "v", reg.CustomMetadata["k"])
	assert.Equal(t, "did:key:abc", reg.Identity.DID)
}

func TestAgentRegistration_Clone_Nil(t *testing.T) {
	var reg *AgentRegistration
	assert.Nil(t, reg.Clone())
}

func TestAgentRegistration_CapabilityNames(t *testing.T) {
	reg := &AgentRegistration{Capabilities: []Capability{{Name: "a"}, {Name: "b"}}}
	assert.Equal(t, []string{"a", "b"}, reg.CapabilityNames())
}

func TestAgentRegistration_SupportsMode(t *testing.T) {
	reg := &AgentRegistration{InteractionModes: []InteractionMode{InteractionAgentToAgent}}

	assert.True(t, reg.SupportsMode(InteractionAgentToAgent))
	assert.False(t, reg.SupportsMode(InteractionHumanToAgent))
}
