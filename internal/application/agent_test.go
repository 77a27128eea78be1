package application

import (
	"context"
	"testing"
	"time"

	"github.com/agentfabric/fabric/internal/crypto"
	"github.com/agentfabric/fabric/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegisteredAgent(t *testing.T, hub *Hub, reg *Registry, id string, agentType domain.AgentType, processFn ProcessMessageFunc) *Agent {
	t.Helper()
	identity, err := crypto.CreateKeyBased()
	require.NoError(t, err)

	agent := NewAgent(AgentConfig{
		ID:                    id,
		AgentType:             agentType,
		Identity:              identity,
		InteractionModes:      []domain.InteractionMode{domain.InteractionAgentToAgent, domain.InteractionHumanToAgent},
		SupportedMessageTypes: []domain.MessageType{domain.MessageText, domain.MessageCommand, domain.MessageRequestCollaboration, domain.MessageCollaborationResponse, domain.MessageError, domain.MessageStop, domain.MessageCooldown, domain.MessageIgnore},
		MaxTurns:              3,
		Registry:              reg,
		ProcessMessage:        processFn,
	})

	require.True(t, hub.RegisterAgent(agent, agent.ToRegistration()))
	return agent
}

func runAgent(ctx context.Context, a *Agent) {
	go a.Run(ctx)
}

func waitForHistoryLen(t *testing.T, a *Agent, n int) []*domain.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h := a.History(); len(h) >= n {
			return h
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for history length %d, got %d", n, len(a.History()))
	return nil
}

func TestAgent_ProcessMessage_EchoesSubclassReply(t *testing.T) {
	hub, reg := newHubWithRegistry(t)

	echo := newRegisteredAgent(t, hub, reg, "echo", domain.AgentTypeAI, func(ctx context.Context, msg *domain.Message) (*ReplyIntent, error) {
		return &ReplyIntent{Content: "echo: " + msg.Content, Type: domain.MessageText}, nil
	})
	caller := newRegisteredAgent(t, hub, reg, "caller", domain.AgentTypeHuman, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runAgent(ctx, echo)

	_, err := caller.SendMessage("echo", "ping", domain.MessageText, nil)
	require.NoError(t, err)

	history := waitForHistoryLen(t, caller, 2)
	var reply *domain.Message
	for _, m := range history {
		if m.SenderID == "echo" {
			reply = m
		}
	}
	require.NotNil(t, reply)
	assert.Equal(t, "echo: ping", reply.Content)
}

func TestAgent_ProcessMessageBase_StopEndsConversation(t *testing.T) {
	hub, reg := newHubWithRegistry(t)
	target := newRegisteredAgent(t, hub, reg, "target", domain.AgentTypeAI, func(ctx context.Context, msg *domain.Message) (*ReplyIntent, error) {
		t.Fatal("subclass process function must not run for a STOP message")
		return nil, nil
	})
	caller := newRegisteredAgent(t, hub, reg, "caller", domain.AgentTypeHuman, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runAgent(ctx, target)

	_, err := caller.SendMessage("target", "", domain.MessageStop, nil)
	require.NoError(t, err)

	history := waitForHistoryLen(t, caller, 2)
	var reply *domain.Message
	for _, m := range history {
		if m.SenderID == "target" {
			reply = m
		}
	}
	require.NotNil(t, reply)
	assert.Equal(t, domain.MessageIgnore, reply.Type)
	assert.Equal(t, "conversation_ended", reply.Metadata[domain.MetaReason])

	// Sending the Ignore reply re-touches the target<->caller conversation,
	// so the record that comes back out is the freshly recreated one, not
	// the pre-STOP one: count 1, not whatever it was before STOP arrived.
	conv, exists := target.ConversationWith("caller")
	require.True(t, exists)
	assert.Equal(t, 1, conv.MessageCount)
}

func TestAgent_ProcessMessageBase_RejectsInvalidSignature(t *testing.T) {
	hub, reg := newHubWithRegistry(t)
	target := newRegisteredAgent(t, hub, reg, "target", domain.AgentTypeAI, func(ctx context.Context, msg *domain.Message) (*ReplyIntent, error) {
		t.Fatal("subclass process function must not run after verification fails")
		return nil, nil
	})
	caller := newRegisteredAgent(t, hub, reg, "caller", domain.AgentTypeHuman, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runAgent(ctx, target)

	// Build a message directly (bypassing SendMessage/RouteMessage, whose
	// own signature check would reject it first) and tamper with its
	// content after signing so the base pre-filter's own verification catches it.
	tampered, err := crypto.NewMessage("caller", "target", "hello", caller.identity, domain.MessageText, nil)
	require.NoError(t, err)
	tampered.Content = "tampered"
	require.NoError(t, target.ReceiveMessage(tampered))

	history := waitForHistoryLen(t, caller, 1)
	var errorReply *domain.Message
	for _, m := range history {
		if m.SenderID == "target" && m.Type == domain.MessageError {
			errorReply = m
		}
	}
	require.NotNil(t, errorReply)
	assert.Equal(t, "verification_failed", errorReply.Metadata[domain.MetaErrorType])
}

func TestAgent_ProcessMessageBase_CooldownRepliesInsteadOfProcessing(t *testing.T) {
	hub, reg := newHubWithRegistry(t)
	target := newRegisteredAgent(t, hub, reg, "target", domain.AgentTypeAI, func(ctx context.Context, msg *domain.Message) (*ReplyIntent, error) {
		t.Fatal("subclass process function must not run while in cooldown")
		return nil, nil
	})
	caller := newRegisteredAgent(t, hub, reg, "caller", domain.AgentTypeHuman, nil)
	target.SetCooldown(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runAgent(ctx, target)

	_, err := caller.SendMessage("target", "hello", domain.MessageText, nil)
	require.NoError(t, err)

	history := waitForHistoryLen(t, caller, 2)
	var cooldownReply *domain.Message
	for _, m := range history {
		if m.SenderID == "target" {
			cooldownReply = m
		}
	}
	require.NotNil(t, cooldownReply)
	assert.Equal(t, domain.MessageCooldown, cooldownReply.Type)
}

func TestAgent_ProcessMessageBase_MaxTurnsEndsConversationWithStop(t *testing.T) {
	hub, reg := newHubWithRegistry(t)
	target := newRegisteredAgent(t, hub, reg, "target", domain.AgentTypeAI, func(ctx context.Context, msg *domain.Message) (*ReplyIntent, error) {
		return &ReplyIntent{Content: "ack", Type: domain.MessageText}, nil
	})
	caller := newRegisteredAgent(t, hub, reg, "caller", domain.AgentTypeHuman, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runAgent(ctx, target)

	// Every round touches the target<->caller conversation twice (once on
	// the inbound message, once again when the reply is sent), so the turn
	// cap trips once about maxTurns/2 round trips have completed. Drive
	// rounds one at a time until a STOP reply is observed, bounding the loop
	// generously so a regression fails the test instead of looping forever.
	var lastReply *domain.Message
	for i := 0; i < target.maxTurns*2+2 && lastReply == nil; i++ {
		before := len(caller.History())
		_, err := caller.SendMessage("target", "hello", domain.MessageText, nil)
		require.NoError(t, err)
		history := waitForHistoryLen(t, caller, before+2)
		reply := history[len(history)-1]
		if reply.Type == domain.MessageStop {
			lastReply = reply
		}
	}

	require.NotNil(t, lastReply, "expected a STOP reply once the turn cap was reached")
	assert.Equal(t, domain.MessageStop, lastReply.Type)
}

func TestAgent_SendReply_CoercesRequestCollaborationIntoCollaborationResponse(t *testing.T) {
	hub, reg := newHubWithRegistry(t)
	target := newRegisteredAgent(t, hub, reg, "target", domain.AgentTypeAI, func(ctx context.Context, msg *domain.Message) (*ReplyIntent, error) {
		return &ReplyIntent{Content: "result", Type: domain.MessageText}, nil
	})
	caller := newRegisteredAgent(t, hub, reg, "caller", domain.AgentTypeHuman, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runAgent(ctx, target)

	_, err := caller.SendMessage("target", "please help", domain.MessageRequestCollaboration, nil)
	require.NoError(t, err)

	history := waitForHistoryLen(t, caller, 2)
	var reply *domain.Message
	for _, m := range history {
		if m.SenderID == "target" {
			reply = m
		}
	}
	require.NotNil(t, reply)
	assert.Equal(t, domain.MessageCollaborationResponse, reply.Type)
	assert.Equal(t, string(domain.MessageText), reply.Metadata[domain.MetaOriginalMessageType])
}

func TestAgent_SendMessageAndWaitResponse_CorrelatesReply(t *testing.T) {
	hub, reg := newHubWithRegistry(t)
	responder := newRegisteredAgent(t, hub, reg, "responder", domain.AgentTypeAI, func(ctx context.Context, msg *domain.Message) (*ReplyIntent, error) {
		return &ReplyIntent{Content: "pong", Type: domain.MessageText}, nil
	})
	caller := newRegisteredAgent(t, hub, reg, "caller", domain.AgentTypeHuman, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runAgent(ctx, responder)

	reply, requestID, err := caller.SendMessageAndWaitResponse(context.Background(), "responder", "ping", domain.MessageText, nil, 2*time.Second)

	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "pong", reply.Content)
	assert.Equal(t, requestID, reply.Metadata[domain.MetaResponseTo])
}

func TestAgent_SendCollaborationRequest_ReturnsResponseContent(t *testing.T) {
	hub, reg := newHubWithRegistry(t)
	worker := newRegisteredAgent(t, hub, reg, "worker", domain.AgentTypeAI, func(ctx context.Context, msg *domain.Message) (*ReplyIntent, error) {
		return &ReplyIntent{Content: "task done", Type: domain.MessageResponse}, nil
	})
	requester := newRegisteredAgent(t, hub, reg, "requester", domain.AgentTypeAI, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runAgent(ctx, worker)

	content, requestID, err := requester.SendCollaborationRequest(context.Background(), "worker", "summarize this", 2*time.Second, nil)

	require.NoError(t, err)
	assert.Equal(t, "task done", content)
	assert.NotEmpty(t, requestID)
}

func TestAgent_SendMessage_WithoutHubBindingFails(t *testing.T) {
	identity, err := crypto.CreateKeyBased()
	require.NoError(t, err)
	agent := NewAgent(AgentConfig{ID: "lonely", Identity: identity})

	_, err = agent.SendMessage("anyone", "hi", domain.MessageText, nil)

	var valErr *domain.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestAgent_TokenLimits_TriggersCooldownReply(t *testing.T) {
	hub, reg := newHubWithRegistry(t)
	identity, err := crypto.CreateKeyBased()
	require.NoError(t, err)

	target := NewAgent(AgentConfig{
		ID:                    "target",
		AgentType:             domain.AgentTypeAI,
		Identity:              identity,
		InteractionModes:      []domain.InteractionMode{domain.InteractionAgentToAgent, domain.InteractionHumanToAgent},
		SupportedMessageTypes: []domain.MessageType{domain.MessageText, domain.MessageCooldown},
		MaxTurns:              100,
		Registry:              reg,
		TokenLimits:           TokenConfig{MaxTokensPerMinute: 2, MaxTokensPerHour: 1000, MaxTurns: 100},
		ProcessMessage: func(ctx context.Context, msg *domain.Message) (*ReplyIntent, error) {
			return &ReplyIntent{Content: "ack", Type: domain.MessageText}, nil
		},
	})
	require.True(t, hub.RegisterAgent(target, target.ToRegistration()))
	require.NotNil(t, target.InteractionControl())

	caller := newRegisteredAgent(t, hub, reg, "caller", domain.AgentTypeHuman, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runAgent(ctx, target)

	_, err = caller.SendMessage("target", "three word message", domain.MessageText, nil)
	require.NoError(t, err)

	history := waitForHistoryLen(t, caller, 2)
	var reply *domain.Message
	for _, m := range history {
		if m.SenderID == "target" {
			reply = m
		}
	}
	require.NotNil(t, reply)
	assert.Equal(t, domain.MessageCooldown, reply.Type)

	inCooldown, _ := target.IsInCooldown()
	assert.True(t, inCooldown)
}

func TestAgent_Cooldown_TracksRemainingDuration(t *testing.T) {
	identity, err := crypto.CreateKeyBased()
	require.NoError(t, err)
	agent := NewAgent(AgentConfig{ID: "a", Identity: identity})

	inCooldown, _ := agent.IsInCooldown()
	assert.False(t, inCooldown)

	agent.SetCooldown(time.Minute)
	inCooldown, remaining := agent.IsInCooldown()
	assert.True(t, inCooldown)
	assert.Greater(t, remaining, time.Duration(0))

	agent.ResetCooldown()
	inCooldown, _ = agent.IsInCooldown()
	assert.False(t, inCooldown)
}
