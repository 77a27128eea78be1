package application

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentfabric/fabric/internal/crypto"
	"github.com/agentfabric/fabric/internal/domain"
)

// mailboxCapacity bounds each agent's inbound queue. Go has no native
// unbounded channel, so a generously sized buffered channel stands in for
// one, with ReceiveMessage surfacing a routing failure (never blocking)
// if it is ever actually full.
const mailboxCapacity = 1024

// processingDeadline is the hard cap on a single message's processing
// task. Exceeding it yields a workflow-timeout reply; the agent loop
// itself is never cancelled.
const processingDeadline = 180 * time.Second

// ReplyIntent is what a process-message function hands back to the agent
// loop: the content and type of the reply to send to the inbound
// message's sender, or nil to send nothing.
type ReplyIntent struct {
	Content  string
	Type     domain.MessageType
	Metadata map[string]any
}

// ProcessMessageFunc is the user-supplied reasoning hook. The core never
// executes agent "reasoning" itself; it only invokes this function once
// its own pre-filter has decided the message still needs a handler-level
// answer.
type ProcessMessageFunc func(ctx context.Context, msg *domain.Message) (*ReplyIntent, error)

// Agent is the base message-intake loop shared by every participant in
// the fabric: mailbox, conversation bookkeeping, pending-request
// correlation, and cooldown enforcement. A caller supplies agent
// metadata and a ProcessMessageFunc; Agent handles everything else
// (STOP/__EXIT__, signature verification, cooldown replies, turn limits,
// collaboration-response coercion).
type Agent struct {
	id               string
	agentType        domain.AgentType
	identity         *domain.AgentIdentity
	interactionModes []domain.InteractionMode
	supportedTypes   []domain.MessageType
	protocolVersion  domain.ProtocolVersion
	maxTurns         int
	processFn        ProcessMessageFunc

	hub      *Hub
	registry *Registry

	mailbox chan *domain.Message
	running atomic.Bool

	mu              sync.Mutex
	history         []*domain.Message
	conversations   map[string]*domain.ConversationState
	pendingRequests map[string]*domain.PendingRequest
	cooldownUntil   time.Time

	interaction *InteractionControl

	now func() time.Time
}

// AgentConfig carries everything needed to construct an Agent.
type AgentConfig struct {
	ID                    string
	AgentType             domain.AgentType
	Identity              *domain.AgentIdentity
	InteractionModes      []domain.InteractionMode
	SupportedMessageTypes []domain.MessageType
	ProtocolVersion       domain.ProtocolVersion
	MaxTurns              int
	Registry              *Registry
	ProcessMessage        ProcessMessageFunc

	// TokenLimits, when non-zero, turns on per-agent interaction control:
	// a token-bucket budget spanning independent per-minute/per-hour
	// windows, checked on every inbound message alongside the agent's own
	// per-conversation turn limit. WindowStore optionally backs the
	// counters with a shared store (e.g. Redis) instead of in-process
	// counters.
	TokenLimits TokenConfig
	WindowStore WindowStore
}

// NewAgent constructs an Agent that is not yet bound to a hub and not yet
// running. Call Run to start its message loop once registered.
func NewAgent(cfg AgentConfig) *Agent {
	protocolVersion := cfg.ProtocolVersion
	if protocolVersion == "" {
		protocolVersion = domain.ProtocolV1_1
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 100
	}
	a := &Agent{
		id:               cfg.ID,
		agentType:        cfg.AgentType,
		identity:         cfg.Identity,
		interactionModes: cfg.InteractionModes,
		supportedTypes:   cfg.SupportedMessageTypes,
		protocolVersion:  protocolVersion,
		maxTurns:         maxTurns,
		processFn:        cfg.ProcessMessage,
		registry:         cfg.Registry,
		mailbox:          make(chan *domain.Message, mailboxCapacity),
		conversations:    make(map[string]*domain.ConversationState),
		pendingRequests:  make(map[string]*domain.PendingRequest),
		now:              time.Now,
	}
	if cfg.TokenLimits.MaxTokensPerMinute > 0 || cfg.TokenLimits.MaxTokensPerHour > 0 || cfg.TokenLimits.MaxTurns > 0 {
		a.interaction = NewInteractionControl(cfg.TokenLimits, cfg.ID, cfg.WindowStore, func(_ string, duration time.Duration) {
			a.SetCooldown(duration)
		})
	}
	return a
}

// AgentID, Identity, InteractionModes, SupportedMessageTypes, and
// ProtocolVersion satisfy RoutableAgent for the hub's benefit.
func (a *Agent) AgentID() string                             { return a.id }
func (a *Agent) Identity() *domain.AgentIdentity             { return a.identity }
func (a *Agent) InteractionModes() []domain.InteractionMode  { return a.interactionModes }
func (a *Agent) SupportedMessageTypes() []domain.MessageType { return a.supportedTypes }
func (a *Agent) ProtocolVersion() domain.ProtocolVersion     { return a.protocolVersion }

// BindHub sets the agent's hub back-reference; called by Hub.RegisterAgent
// once the registry accepts the agent. The hub owns the agent; the agent
// holds only a non-owning reference back.
func (a *Agent) BindHub(hub *Hub) {
	a.mu.Lock()
	a.hub = hub
	a.mu.Unlock()
}

// Unbind clears the hub reference, called by UnregisterAgent's caller once
// the agent has been removed from the hub's active set.
func (a *Agent) Unbind() {
	a.mu.Lock()
	a.hub = nil
	a.mu.Unlock()
}

// ToRegistration produces the AgentRegistration the hub registers this
// agent under. Callers needing richer profile fields (name, summary,
// capabilities, …) should populate reg after calling this, or construct
// their own AgentRegistration directly and pass it to Hub.RegisterAgent.
func (a *Agent) ToRegistration() *domain.AgentRegistration {
	return &domain.AgentRegistration{
		AgentID:          a.id,
		AgentType:        a.agentType,
		InteractionModes: a.interactionModes,
		Identity:         a.identity,
	}
}

// History returns every message this agent has sent or received, oldest
// first.
func (a *Agent) History() []*domain.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*domain.Message, len(a.history))
	copy(out, a.history)
	return out
}

// SendMessage constructs, signs, and routes a message to receiverID. If a
// pending request is recorded for receiverID, its request_id is copied
// into the outgoing metadata as response_to and the pending record is
// consumed.
func (a *Agent) SendMessage(receiverID, content string, msgType domain.MessageType, metadata map[string]any) (*domain.Message, error) {
	a.mu.Lock()
	hub := a.hub
	if metadata == nil {
		metadata = make(map[string]any)
	} else {
		cloned := make(map[string]any, len(metadata))
		for k, v := range metadata {
			cloned[k] = v
		}
		metadata = cloned
	}
	if pending, ok := a.pendingRequests[receiverID]; ok {
		metadata[domain.MetaResponseTo] = pending.RequestID
		delete(a.pendingRequests, receiverID)
	}
	a.mu.Unlock()

	if hub == nil {
		return nil, &domain.ValidationError{Reason: "agent " + a.id + " has no hub binding"}
	}

	msg, err := crypto.NewMessage(a.id, receiverID, content, a.identity, msgType, metadata)
	if err != nil {
		return nil, fmt.Errorf("sign outgoing message: %w", err)
	}

	ok, routeErr := hub.RouteMessage(msg)
	if routeErr != nil {
		return nil, routeErr
	}
	if !ok {
		return nil, &domain.RoutingError{Reason: "message to " + receiverID + " was not delivered"}
	}

	a.mu.Lock()
	a.history = append(a.history, msg)
	a.touchConversation(receiverID)
	a.mu.Unlock()
	return msg, nil
}

// SendMessageAndWaitResponse routes content to receiverID through the hub
// and blocks until a correlated reply arrives or timeout elapses,
// returning the reply (nil on timeout) and the request id.
func (a *Agent) SendMessageAndWaitResponse(ctx context.Context, receiverID, content string, msgType domain.MessageType, metadata map[string]any, timeout time.Duration) (*domain.Message, string, error) {
	a.mu.Lock()
	hub := a.hub
	a.mu.Unlock()
	if hub == nil {
		return nil, "", &domain.ValidationError{Reason: "agent " + a.id + " has no hub binding"}
	}
	return hub.SendMessageAndWaitResponse(ctx, a, receiverID, content, msgType, metadata, timeout)
}

// SendCollaborationRequest delegates task to receiverID, starting a fresh
// collaboration chain, and returns the response content plus the request
// id. On timeout the content is empty; the response, if it ever arrives,
// is retrievable from the hub via CheckCollaborationResult(requestID).
func (a *Agent) SendCollaborationRequest(ctx context.Context, receiverID, task string, timeout time.Duration, metadata map[string]any) (string, string, error) {
	a.mu.Lock()
	hub := a.hub
	a.mu.Unlock()
	if hub == nil {
		return "", "", &domain.ValidationError{Reason: "agent " + a.id + " has no hub binding"}
	}
	return hub.SendCollaborationRequest(ctx, a, receiverID, task, timeout, nil, metadata)
}

// ReceiveMessage enqueues msg into the mailbox and records it in local
// history. Non-blocking: a full mailbox surfaces a routing failure to the
// hub rather than deadlocking the router.
func (a *Agent) ReceiveMessage(msg *domain.Message) error {
	select {
	case a.mailbox <- msg:
	default:
		return &domain.RoutingError{Reason: "mailbox full for agent " + a.id}
	}
	a.mu.Lock()
	a.history = append(a.history, msg)
	a.mu.Unlock()
	return nil
}

// touchConversation updates (creating if absent) the conversation record
// for peerID. Callers must hold a.mu.
func (a *Agent) touchConversation(peerID string) *domain.ConversationState {
	now := a.now()
	conv, ok := a.conversations[peerID]
	if !ok {
		conv = &domain.ConversationState{OtherAgentID: peerID, StartTime: now}
		a.conversations[peerID] = conv
	}
	conv.MessageCount++
	conv.LastMessageTime = now
	return conv
}

// EndConversation destroys the conversation record with peerID, if any.
// A subsequent interaction with the same peer starts a fresh record with
// no bleed-through.
func (a *Agent) EndConversation(peerID string) {
	a.mu.Lock()
	delete(a.conversations, peerID)
	a.mu.Unlock()
}

// ConversationWith returns a copy of the conversation state with peerID,
// or (zero, false) if none is active.
func (a *Agent) ConversationWith(peerID string) (domain.ConversationState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	conv, ok := a.conversations[peerID]
	if !ok {
		return domain.ConversationState{}, false
	}
	return *conv, true
}

// SetCooldown puts the agent into cooldown for duration.
func (a *Agent) SetCooldown(duration time.Duration) {
	a.mu.Lock()
	a.cooldownUntil = a.now().Add(duration)
	a.mu.Unlock()
}

// IsInCooldown reports whether the agent is currently cooling down, and
// for how much longer.
func (a *Agent) IsInCooldown() (bool, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	remaining := a.cooldownUntil.Sub(a.now())
	return remaining > 0, remaining
}

// ResetCooldown clears any active cooldown.
func (a *Agent) ResetCooldown() {
	a.mu.Lock()
	a.cooldownUntil = time.Time{}
	a.mu.Unlock()
}

// Run starts the agent's message-intake loop. It blocks until ctx is
// cancelled or Stop is called; each dequeued message is handed to its own
// goroutine so a slow handler never stalls the loop.
func (a *Agent) Run(ctx context.Context) {
	a.running.Store(true)
	var wg sync.WaitGroup
	defer wg.Wait()

	for a.running.Load() {
		select {
		case <-ctx.Done():
			a.running.Store(false)
			return
		case msg := <-a.mailbox:
			wg.Add(1)
			go func(m *domain.Message) {
				defer wg.Done()
				a.processTask(ctx, m)
			}(msg)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Stop signals the loop to exit after its current dequeue attempt. In-
// flight processing goroutines are allowed to finish on their own.
func (a *Agent) Stop() {
	a.running.Store(false)
}

// processTask runs the base pre-filter, then (if the base didn't already
// produce a reply) the subclass's ProcessMessageFunc, under a 180s
// deadline. Any resulting reply is sent back to msg's sender; a panic or
// a cap-exceeding call becomes an ERROR (or COLLABORATION_RESPONSE) to the
// conversation's original human participant instead of killing the loop.
func (a *Agent) processTask(ctx context.Context, msg *domain.Message) {
	taskCtx, cancel := context.WithTimeout(ctx, processingDeadline)
	defer cancel()

	reply, err := a.safeProcess(taskCtx, msg)
	if err != nil {
		a.replyWithError(msg, "processing_error", err.Error())
		return
	}
	if taskCtx.Err() == context.DeadlineExceeded {
		a.replyWithError(msg, "workflow_timeout", "processing exceeded the 180s cap")
		return
	}
	if reply == nil {
		return
	}
	a.sendReply(msg, reply)
}

// safeProcess recovers a panicking process function and turns it into an
// error instead of crashing the loop.
func (a *Agent) safeProcess(ctx context.Context, msg *domain.Message) (reply *ReplyIntent, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("agent %s: process_message panicked: %v", a.id, r)
			err = fmt.Errorf("panic in process_message: %v", r)
		}
	}()

	handled, baseReply := a.processMessageBase(msg)
	if handled {
		return baseReply, nil
	}
	if a.processFn == nil {
		return nil, nil
	}
	return a.processFn(ctx, msg)
}

// processMessageBase is the pre-filter every inbound message goes through
// before the process function sees it. It returns handled=true when the
// base itself decided the final reply (the process function is never
// consulted); handled=false signals "the process function must now handle
// this message".
func (a *Agent) processMessageBase(msg *domain.Message) (handled bool, reply *ReplyIntent) {
	if msg.Type == domain.MessageStop || msg.Content == "__EXIT__" {
		a.EndConversation(msg.SenderID)
		return true, &ReplyIntent{Type: domain.MessageIgnore, Metadata: map[string]any{domain.MetaReason: "conversation_ended"}}
	}

	if msg.Type == domain.MessageCooldown {
		return true, &ReplyIntent{Type: domain.MessageIgnore, Metadata: map[string]any{domain.MetaReason: "cooldown_acknowledged"}}
	}

	if !a.verifyInbound(msg) {
		return true, &ReplyIntent{
			Type:     domain.MessageError,
			Metadata: map[string]any{domain.MetaErrorType: "verification_failed"},
		}
	}

	if inCooldown, remaining := a.IsInCooldown(); inCooldown {
		return true, &ReplyIntent{
			Type:     domain.MessageCooldown,
			Metadata: map[string]any{domain.MetaCooldownRemaining: remaining.Seconds()},
		}
	}

	if a.interaction != nil {
		switch a.interaction.ProcessInteraction(estimateTokens(msg.Content), msg.SenderID) {
		case DecisionStop:
			a.EndConversation(msg.SenderID)
			return true, &ReplyIntent{Type: domain.MessageStop, Metadata: map[string]any{domain.MetaReason: "max_turns_reached"}}
		case DecisionWait:
			_, remaining := a.IsInCooldown()
			return true, &ReplyIntent{
				Type:     domain.MessageCooldown,
				Metadata: map[string]any{domain.MetaCooldownRemaining: remaining.Seconds()},
			}
		}
	}

	a.mu.Lock()
	conv, exists := a.conversations[msg.SenderID]
	overLimit := exists && conv.MessageCount >= a.maxTurns
	a.mu.Unlock()
	if overLimit {
		a.EndConversation(msg.SenderID)
		return true, &ReplyIntent{Type: domain.MessageStop, Metadata: map[string]any{domain.MetaReason: "max_turns_reached"}}
	}

	a.mu.Lock()
	a.touchConversation(msg.SenderID)
	if requestID, ok := msg.Metadata[domain.MetaRequestID].(string); ok && requestID != "" {
		a.pendingRequests[msg.SenderID] = &domain.PendingRequest{RequestID: requestID}
	}
	a.mu.Unlock()

	return false, nil
}

// verifyInbound checks msg's signature against the sender's registered
// identity. The hub already verified it once at routing time; the agent
// re-verifies on intake so a message injected behind the hub's back (or a
// sender unregistered mid-flight) is still caught before processing.
func (a *Agent) verifyInbound(msg *domain.Message) bool {
	if a.registry == nil {
		return false
	}
	sender := a.registry.GetRegistration(msg.SenderID)
	if sender == nil {
		return false
	}
	return crypto.VerifyMessage(msg, sender.Identity)
}

// sendReply applies the REQUEST_COLLABORATION coercion rule before
// sending: whenever the inbound message was a collaboration request, the
// reply's type is forced to COLLABORATION_RESPONSE with the reply's
// original type preserved in metadata.original_message_type.
func (a *Agent) sendReply(inbound *domain.Message, reply *ReplyIntent) {
	metadata := reply.Metadata
	replyType := reply.Type
	if inbound.Type == domain.MessageRequestCollaboration {
		if metadata == nil {
			metadata = make(map[string]any)
		} else {
			cloned := make(map[string]any, len(metadata))
			for k, v := range metadata {
				cloned[k] = v
			}
			metadata = cloned
		}
		metadata[domain.MetaOriginalMessageType] = string(replyType)
		replyType = domain.MessageCollaborationResponse
	}
	if requestID, ok := inbound.Metadata[domain.MetaRequestID].(string); ok && requestID != "" {
		if metadata == nil {
			metadata = make(map[string]any)
		}
		metadata[domain.MetaResponseTo] = requestID
	}

	if _, err := a.SendMessage(inbound.SenderID, reply.Content, replyType, metadata); err != nil {
		log.Printf("agent %s: failed to send reply to %s: %v", a.id, inbound.SenderID, err)
	}
}

// replyWithError sends an ERROR (or COLLABORATION_RESPONSE, per the
// coercion rule) to the original human participant in msg's conversation
// chain, found via the registry rather than any id-prefix convention.
func (a *Agent) replyWithError(msg *domain.Message, errorType, reason string) {
	target := a.findOriginalHuman(msg)
	reply := &ReplyIntent{
		Type: domain.MessageError,
		Metadata: map[string]any{
			domain.MetaErrorType: errorType,
			domain.MetaReason:    reason,
		},
	}
	forwarded := &domain.Message{SenderID: target, Type: msg.Type, Metadata: msg.Metadata}
	a.sendReply(forwarded, reply)
}

// estimateTokens is the fabric's stand-in for a real tokenizer: it counts
// whitespace-delimited words in content, the same crude unit the
// per-minute/per-hour token budgets are expressed in.
func estimateTokens(content string) int {
	return len(strings.Fields(content))
}

// InteractionControl exposes the agent's token-budget controller, or nil
// if TokenLimits was never configured, so handlers/metrics can inspect
// turn/token usage without the Agent needing to re-derive it.
func (a *Agent) InteractionControl() *InteractionControl {
	return a.interaction
}

// findOriginalHuman walks the collaboration chain carried in msg's
// metadata looking for the first human-typed agent, via a registry
// lookup of each id's AgentType rather than any "human_"-prefix
// convention. Falls back to msg's own sender.
func (a *Agent) findOriginalHuman(msg *domain.Message) string {
	if a.registry != nil {
		for _, candidate := range metadataChain(msg.Metadata) {
			if t, known := a.registry.GetAgentType(candidate); known && t == domain.AgentTypeHuman {
				return candidate
			}
		}
	}
	return msg.SenderID
}

// metadataChain reads the collaboration chain out of metadata, tolerating
// both the in-process []string shape and the []any a JSON round trip
// produces.
func metadataChain(metadata map[string]any) []string {
	switch chain := metadata[domain.MetaCollaborationChain].(type) {
	case []string:
		return chain
	case []any:
		out := make([]string, 0, len(chain))
		for _, v := range chain {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
