package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates the wire-stable message kinds routed by the hub.
type MessageType string

const (
	MessageText                  MessageType = "text"
	MessageCommand               MessageType = "command"
	MessageResponse              MessageType = "response"
	MessageError                 MessageType = "error"
	MessageVerification          MessageType = "verification"
	MessageCapability            MessageType = "capability"
	MessageProtocol              MessageType = "protocol"
	MessageStop                  MessageType = "stop"
	MessageSystem                MessageType = "system"
	MessageCooldown              MessageType = "cooldown"
	MessageIgnore                MessageType = "ignore"
	MessageRequestCollaboration  MessageType = "request_collaboration"
	MessageCollaborationResponse MessageType = "collaboration_response"
	MessageCollaborationError    MessageType = "collaboration_error"
)

// ProtocolVersion is the wire protocol version an agent speaks.
type ProtocolVersion string

const (
	ProtocolV1_0 ProtocolVersion = "1.0"
	ProtocolV1_1 ProtocolVersion = "1.1"
)

// InteractionMode describes which kind of peer an agent is willing to talk to.
type InteractionMode string

const (
	InteractionHumanToAgent InteractionMode = "human_to_agent"
	InteractionAgentToAgent InteractionMode = "agent_to_agent"
)

// AgentType distinguishes a human participant from an autonomous one.
type AgentType string

const (
	AgentTypeHuman AgentType = "human"
	AgentTypeAI    AgentType = "ai"
)

// Recognized metadata keys. Anything else is passthrough and must never
// influence routing decisions.
const (
	MetaRequestID           = "request_id"
	MetaResponseTo          = "response_to"
	MetaCollaborationChain  = "collaboration_chain"
	MetaOriginalSender      = "original_sender"
	MetaErrorType           = "error_type"
	MetaReason              = "reason"
	MetaCooldownRemaining   = "cooldown_remaining"
	MetaOriginalMessageType = "original_message_type"
	MetaHandledError        = "handled_error"
	MetaStatus              = "status"
)

// Message is an immutable, signed unit of communication between two agents.
type Message struct {
	ID              string            `json:"id"`
	SenderID        string            `json:"sender_id"`
	ReceiverID      string            `json:"receiver_id"`
	Content         string            `json:"content"`
	Type            MessageType       `json:"type"`
	Timestamp       time.Time         `json:"timestamp"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	ProtocolVersion ProtocolVersion   `json:"protocol_version"`
	Signature       string            `json:"signature"`
}

// SignableForm returns the exact, byte-for-byte text that identities sign
// and verify against: "{id}:{sender}:{receiver}:{content}:{timestamp_isoformat}".
func (m *Message) SignableForm() string {
	return m.ID + ":" + m.SenderID + ":" + m.ReceiverID + ":" + m.Content + ":" + m.Timestamp.UTC().Format(time.RFC3339Nano)
}

// NewMessageID generates a fresh message identifier.
func NewMessageID() string {
	return uuid.New().String()
}
