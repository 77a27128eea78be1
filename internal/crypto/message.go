package crypto

import (
	"time"

	"github.com/agentfabric/fabric/internal/domain"
)

// NewMessage constructs a Message and immediately signs it using the
// sender's identity, per the signable form id:sender:receiver:content:timestamp.
func NewMessage(sender, receiver, content string, senderIdentity *domain.AgentIdentity, msgType domain.MessageType, metadata map[string]any) (*domain.Message, error) {
	msg := &domain.Message{
		ID:              domain.NewMessageID(),
		SenderID:        sender,
		ReceiverID:      receiver,
		Content:         content,
		Type:            msgType,
		Timestamp:       time.Now().UTC(),
		Metadata:        metadata,
		ProtocolVersion: domain.ProtocolV1_1,
	}

	sig, err := Sign(senderIdentity, msg.SignableForm())
	if err != nil {
		return nil, err
	}
	msg.Signature = sig
	return msg, nil
}

// VerifyMessage recomputes the signable form and checks msg.Signature
// against senderIdentity's public key. A message whose sender's identity
// is not verified fails verification regardless of signature validity.
func VerifyMessage(msg *domain.Message, senderIdentity *domain.AgentIdentity) bool {
	if senderIdentity == nil || senderIdentity.VerificationStatus != domain.VerificationVerified {
		return false
	}
	return Verify(senderIdentity, msg.SignableForm(), msg.Signature)
}
