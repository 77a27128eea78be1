package application

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentfabric/fabric/internal/crypto"
	"github.com/agentfabric/fabric/internal/domain"
	"github.com/agentfabric/fabric/internal/infrastructure/metrics"
)

// MessageHandler observes routed messages (e.g. a telemetry sink). Handler
// errors are logged and suppressed: a misbehaving handler must never fail
// routing for anyone else.
type MessageHandler func(msg *domain.Message)

// RoutableAgent is the hub's view of an agent: enough to route to and
// verify against, without the hub needing to know about mailboxes,
// conversation state, or any of Agent's other internal bookkeeping.
type RoutableAgent interface {
	AgentID() string
	Identity() *domain.AgentIdentity
	InteractionModes() []domain.InteractionMode
	SupportedMessageTypes() []domain.MessageType
	ProtocolVersion() domain.ProtocolVersion
	ReceiveMessage(msg *domain.Message) error
	BindHub(hub *Hub)
}

type pendingResponse struct {
	result   chan *domain.Message
	mu       sync.Mutex
	timedOut bool
	done     bool
}

// Hub is the concurrent message router: it verifies identity, protocol,
// and compatibility, delivers to the receiver's mailbox, fans out to
// handlers, and owns request/response correlation including the
// late-response buffer. Multiple Hub instances may coexist in one
// process; Hub carries no global state.
type Hub struct {
	registry *Registry

	mu             sync.RWMutex
	activeAgents   map[string]RoutableAgent
	history        []*domain.Message
	handlersMu     sync.RWMutex
	agentHandlers  map[string][]MessageHandler
	globalHandlers []MessageHandler

	pendingMu sync.Mutex
	pending   map[string]*pendingResponse
	lateMu    sync.Mutex
	late      map[string]*domain.Message
}

// NewHub constructs a hub bound to registry for agent registration.
func NewHub(registry *Registry) *Hub {
	return &Hub{
		registry:      registry,
		activeAgents:  make(map[string]RoutableAgent),
		agentHandlers: make(map[string][]MessageHandler),
		pending:       make(map[string]*pendingResponse),
		late:          make(map[string]*domain.Message),
	}
}

// RegisterAgent registers reg with the registry as given and, on success,
// adds the agent to active_agents and binds the hub reference onto it.
func (h *Hub) RegisterAgent(agent RoutableAgent, reg *domain.AgentRegistration) bool {
	if !h.registry.Register(reg) {
		return false
	}
	h.mu.Lock()
	h.activeAgents[agent.AgentID()] = agent
	count := len(h.activeAgents)
	h.mu.Unlock()
	agent.BindHub(h)
	metrics.UpdateActiveAgents(float64(count))
	return true
}

// UnregisterAgent removes agentID from active_agents and the registry,
// clearing the agent's hub back-reference is the agent's own
// responsibility (set to nil by the caller holding the agent).
func (h *Hub) UnregisterAgent(agentID string) {
	h.mu.Lock()
	delete(h.activeAgents, agentID)
	count := len(h.activeAgents)
	h.mu.Unlock()
	h.registry.Unregister(agentID)
	metrics.UpdateActiveAgents(float64(count))
}

// AddGlobalHandler registers a handler invoked for every routed message.
func (h *Hub) AddGlobalHandler(handler MessageHandler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.globalHandlers = append(h.globalHandlers, handler)
}

// AddAgentHandler registers a handler invoked only for messages addressed
// to agentID.
func (h *Hub) AddAgentHandler(agentID string, handler MessageHandler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.agentHandlers[agentID] = append(h.agentHandlers[agentID], handler)
}

// GetMessageHistory returns every message the hub has ever routed
// (including system messages), oldest first.
func (h *Hub) GetMessageHistory() []*domain.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*domain.Message, len(h.history))
	copy(out, h.history)
	return out
}

// RouteMessage enforces identity verification, protocol validation, and
// interaction-mode compatibility, then delivers msg to its receiver and
// fans out to handlers. Returns false (never panics) on any routing
// failure that the caller must treat as definite non-delivery; returns an
// error only for SecurityError, which is fatal for this specific message.
func (h *Hub) RouteMessage(msg *domain.Message) (bool, error) {
	if msg.Type == domain.MessageSystem {
		h.appendHistory(msg)
		metrics.RecordMessageRouted(string(msg.Type), "ok")
		return true, nil
	}

	sender, senderOK := h.lookupAgent(msg.SenderID)
	receiver, receiverOK := h.lookupAgent(msg.ReceiverID)
	if !senderOK || !receiverOK {
		metrics.RecordMessageRouted(string(msg.Type), "unknown_agent")
		return false, nil
	}

	if msg.Type == domain.MessageCooldown || msg.Type == domain.MessageStop {
		if msg.Type == domain.MessageCooldown {
			receiverType, ok := h.registry.GetAgentType(msg.ReceiverID)
			if !ok || receiverType != domain.AgentTypeHuman {
				metrics.RecordMessageRouted(string(msg.Type), "incompatible_receiver")
				return false, nil
			}
		}
		h.deliver(msg, receiver)
		metrics.RecordMessageRouted(string(msg.Type), "ok")
		return true, nil
	}

	if !VerifyMessageSignature(msg, sender.Identity()) {
		metrics.RecordMessageRouted(string(msg.Type), "security_error")
		return false, &domain.SecurityError{Reason: "sender signature invalid for " + msg.SenderID}
	}
	if sender.Identity().VerificationStatus != domain.VerificationVerified ||
		receiver.Identity().VerificationStatus != domain.VerificationVerified {
		metrics.RecordMessageRouted(string(msg.Type), "security_error")
		return false, &domain.SecurityError{Reason: "sender or receiver identity not verified"}
	}

	if !modesIntersect(sender.InteractionModes(), receiver.InteractionModes()) {
		metrics.RecordMessageRouted(string(msg.Type), "incompatible_modes")
		return false, nil
	}

	if isAgentToAgent(sender, receiver) && !protocolCompatible(sender, receiver, msg) {
		metrics.RecordMessageRouted(string(msg.Type), "protocol_incompatible")
		return false, nil
	}

	h.appendHistory(msg)
	h.deliver(msg, receiver)
	h.fanOut(msg)
	metrics.RecordMessageRouted(string(msg.Type), "ok")
	return true, nil
}

func (h *Hub) deliver(msg *domain.Message, receiver RoutableAgent) {
	if err := receiver.ReceiveMessage(msg); err != nil {
		log.Printf("hub: delivery to %s failed: %v", msg.ReceiverID, err)
		return
	}
	h.completeIfResponse(msg)
}

func (h *Hub) appendHistory(msg *domain.Message) {
	h.mu.Lock()
	h.history = append(h.history, msg)
	h.mu.Unlock()
}

func (h *Hub) fanOut(msg *domain.Message) {
	h.handlersMu.RLock()
	handlers := append([]MessageHandler(nil), h.globalHandlers...)
	handlers = append(handlers, h.agentHandlers[msg.ReceiverID]...)
	h.handlersMu.RUnlock()

	for _, handler := range handlers {
		go h.runHandler(handler, msg)
	}
}

// runHandler invokes handler in its own goroutine and converts a panic
// into a logged, suppressed error: a handler failure must never surface
// to the router.
func (h *Hub) runHandler(handler MessageHandler, msg *domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("hub: message handler panicked: %v", r)
		}
	}()
	handler(msg)
}

func (h *Hub) lookupAgent(agentID string) (RoutableAgent, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	agent, ok := h.activeAgents[agentID]
	return agent, ok
}

func modesIntersect(a, b []domain.InteractionMode) bool {
	set := make(map[domain.InteractionMode]struct{}, len(a))
	for _, m := range a {
		set[m] = struct{}{}
	}
	for _, m := range b {
		if _, ok := set[m]; ok {
			return true
		}
	}
	return false
}

func isAgentToAgent(sender, receiver RoutableAgent) bool {
	hasMode := func(modes []domain.InteractionMode, want domain.InteractionMode) bool {
		for _, m := range modes {
			if m == want {
				return true
			}
		}
		return false
	}
	return hasMode(sender.InteractionModes(), domain.InteractionAgentToAgent) &&
		hasMode(receiver.InteractionModes(), domain.InteractionAgentToAgent)
}

// protocolCompatible runs the protocol validator: the receiver must claim
// support for msg's type, and both parties must speak the same protocol
// version.
func protocolCompatible(sender, receiver RoutableAgent, msg *domain.Message) bool {
	if sender.ProtocolVersion() != receiver.ProtocolVersion() {
		return false
	}
	for _, t := range receiver.SupportedMessageTypes() {
		if t == msg.Type {
			return true
		}
	}
	return false
}

// SendMessageAndWaitResponse generates a request_id, routes msg with that
// id attached to its metadata, and waits up to timeout for a reply whose
// metadata.response_to matches. Returns the reply, or nil if the timeout
// elapses first, in which case the pending entry is marked timed_out but
// kept around so a late arrival lands in the late-response buffer instead
// of being dropped.
func (h *Hub) SendMessageAndWaitResponse(ctx context.Context, sender RoutableAgent, receiverID, content string, msgType domain.MessageType, metadata map[string]any, timeout time.Duration) (*domain.Message, string, error) {
	requestID := domain.NewMessageID()
	if metadata == nil {
		metadata = make(map[string]any)
	}
	metadata[domain.MetaRequestID] = requestID

	pr := &pendingResponse{result: make(chan *domain.Message, 1)}
	h.pendingMu.Lock()
	h.pending[requestID] = pr
	h.pendingMu.Unlock()

	msg, err := buildAndSign(sender, receiverID, content, msgType, metadata)
	if err != nil {
		h.forgetPending(requestID)
		return nil, requestID, err
	}
	ok, routeErr := h.RouteMessage(msg)
	if routeErr != nil {
		h.forgetPending(requestID)
		return nil, requestID, routeErr
	}
	if !ok {
		h.forgetPending(requestID)
		return nil, requestID, &domain.RoutingError{Reason: "send_and_wait: message not routed"}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case reply := <-pr.result:
		h.pendingMu.Lock()
		delete(h.pending, requestID)
		h.pendingMu.Unlock()
		return reply, requestID, nil
	case <-ctx.Done():
		pr.mu.Lock()
		pr.timedOut = true
		pr.mu.Unlock()
		return nil, requestID, nil
	}
}

func (h *Hub) forgetPending(requestID string) {
	h.pendingMu.Lock()
	delete(h.pending, requestID)
	h.pendingMu.Unlock()
}

func buildAndSign(sender RoutableAgent, receiverID, content string, msgType domain.MessageType, metadata map[string]any) (*domain.Message, error) {
	return crypto.NewMessage(sender.AgentID(), receiverID, content, sender.Identity(), msgType, metadata)
}

// CollaborationResult is returned by CheckCollaborationResult.
type CollaborationResult struct {
	Status  string
	Message *domain.Message
}

// SendCollaborationRequest builds a REQUEST_COLLABORATION message carrying
// a cycle-checked collaboration_chain, correlates its response the same
// way SendMessageAndWaitResponse does, and returns the response's textual
// content plus the request id (so a timed-out request can be retrieved
// later via CheckCollaborationResult). If receiverID already appears in
// chain, refuses to route (returning a RoutingError) rather than looping
// collaboration requests forever.
func (h *Hub) SendCollaborationRequest(ctx context.Context, sender RoutableAgent, receiverID, task string, timeout time.Duration, chain []string, metadata map[string]any) (string, string, error) {
	for _, id := range chain {
		if id == receiverID {
			return "", "", &domain.RoutingError{Reason: fmt.Sprintf("collaboration chain cycle detected at %s", receiverID)}
		}
	}
	nextChain := append(append([]string(nil), chain...), sender.AgentID())
	if metadata == nil {
		metadata = make(map[string]any)
	}
	metadata[domain.MetaCollaborationChain] = nextChain

	reply, requestID, err := h.SendMessageAndWaitResponse(ctx, sender, receiverID, task, domain.MessageRequestCollaboration, metadata, timeout)
	if err != nil {
		metrics.RecordCollaborationRequest("error")
		return "", requestID, err
	}
	if reply == nil {
		metrics.RecordCollaborationRequest("timeout")
		return "", requestID, nil
	}
	metrics.RecordCollaborationRequest("completed")
	return reply.Content, requestID, nil
}

// CheckCollaborationResult retrieves a response that arrived after its
// waiter's timeout, if any, consuming it from the late-response buffer.
func (h *Hub) CheckCollaborationResult(requestID string) *CollaborationResult {
	h.lateMu.Lock()
	msg, ok := h.late[requestID]
	if ok {
		delete(h.late, requestID)
	}
	h.lateMu.Unlock()
	if !ok {
		return nil
	}
	return &CollaborationResult{Status: "completed_late", Message: msg}
}

// completeIfResponse checks msg's metadata for response_to and, if it
// matches a still-pending request, completes it; if the request already
// timed out, the message is moved to the late-response buffer instead.
func (h *Hub) completeIfResponse(msg *domain.Message) {
	requestID, ok := msg.Metadata[domain.MetaResponseTo].(string)
	if !ok || requestID == "" {
		return
	}

	h.pendingMu.Lock()
	pr, exists := h.pending[requestID]
	h.pendingMu.Unlock()
	if !exists {
		return
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.done {
		return
	}
	if pr.timedOut {
		h.lateMu.Lock()
		h.late[requestID] = msg
		h.lateMu.Unlock()
		h.forgetPending(requestID)
		pr.done = true
		return
	}
	pr.done = true
	pr.result <- msg
}
