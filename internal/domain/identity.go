package domain

import (
	"regexp"
	"strings"
	"time"
)

// VerificationStatus tracks how far an identity has progressed through
// verification.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
)

// AgentIdentity is a key-pair-backed, DID-shaped identity. The DID is
// derived once at creation and is immutable afterward; VerificationStatus
// may only advance pending -> verified|failed, reverting only through an
// explicit re-verification call.
type AgentIdentity struct {
	DID                string             `json:"did"`
	PublicKeyPEM       string             `json:"public_key"`
	PrivateKeyPEM      string             `json:"-"` // never serialized back to a caller
	VerificationStatus VerificationStatus `json:"verification_status"`
	CreatedAt          time.Time          `json:"created_at"`
	Metadata           map[string]string  `json:"metadata,omitempty"`
}

// HasPrivateKey reports whether this identity can sign messages.
func (id *AgentIdentity) HasPrivateKey() bool {
	return id != nil && id.PrivateKeyPEM != ""
}

// MarkVerified advances the identity to the verified state.
func (id *AgentIdentity) MarkVerified() {
	id.VerificationStatus = VerificationVerified
}

// MarkFailed advances the identity to the failed state.
func (id *AgentIdentity) MarkFailed() {
	id.VerificationStatus = VerificationFailed
}

var ethrDIDPattern = regexp.MustCompile(`^did:ethr:0x[0-9a-fA-F]{40}$`)

// ValidDID reports whether did is well-formed under one of the two
// supported shapes: did:key:<fingerprint> or did:ethr:0x<40-hex-chars>.
// Well-formedness is all that is checked here; resolution against the
// underlying key material happens at verification time.
func ValidDID(did string) bool {
	if strings.HasPrefix(did, "did:key:") {
		return len(did) > len("did:key:")
	}
	return ethrDIDPattern.MatchString(did)
}
