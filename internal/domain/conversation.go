package domain

import "time"

// ConversationState tracks per-peer conversation bookkeeping for an agent.
// Created lazily on first send/receive with a peer; destroyed on explicit
// end, on a STOP message, or on exceeding the turn limit. A destroyed
// record is recreated fresh on the next interaction with the same peer.
type ConversationState struct {
	OtherAgentID    string
	StartTime       time.Time
	MessageCount    int
	LastMessageTime time.Time
}

// PendingRequest records that an inbound request bearing a request_id is
// awaiting this agent's reply; consumed when the agent next sends to that
// peer (the reply copies response_to = request_id).
type PendingRequest struct {
	RequestID string
}
