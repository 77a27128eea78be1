package crypto

import (
	"testing"

	"github.com/agentfabric/fabric/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateKeyBased_ProducesVerifiedSignableIdentity(t *testing.T) {
	id, err := CreateKeyBased()
	require.NoError(t, err)

	assert.True(t, id.HasPrivateKey())
	assert.NotEmpty(t, id.PublicKeyPEM)
	assert.Equal(t, domain.VerificationVerified, id.VerificationStatus)
	assert.Contains(t, id.DID, "did:key:")
}

func TestSignAndVerify_RoundTrip(t *testing.T) {
	id, err := CreateKeyBased()
	require.NoError(t, err)

	sig, err := Sign(id, "payload")
	require.NoError(t, err)

	assert.True(t, Verify(id, "payload", sig))
}

func TestVerify_RejectsTamperedContent(t *testing.T) {
	id, err := CreateKeyBased()
	require.NoError(t, err)

	sig, err := Sign(id, "payload")
	require.NoError(t, err)

	assert.False(t, Verify(id, "tampered", sig))
}

func TestVerify_RejectsWrongKey(t *testing.T) {
	signer, err := CreateKeyBased()
	require.NoError(t, err)
	other, err := CreateKeyBased()
	require.NoError(t, err)

	sig, err := Sign(signer, "payload")
	require.NoError(t, err)

	assert.False(t, Verify(other, "payload", sig))
}

func TestSign_FailsWithoutPrivateKey(t *testing.T) {
	id := &domain.AgentIdentity{PublicKeyPEM: "not-a-real-key"}

	_, err := Sign(id, "payload")

	assert.Error(t, err)
}

func TestDeriveDID_IsDeterministicForSameInput(t *testing.T) {
	der := []byte("some-der-encoded-public-key-bytes")

	assert.Equal(t, DeriveDID(der), DeriveDID(der))
}
