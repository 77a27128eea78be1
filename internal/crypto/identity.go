// Package crypto implements agent key-pair identity creation and message
// signing for the fabric: RSA-2048 keys, did:key derivation, and RSA-PSS
// signatures.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"github.com/agentfabric/fabric/internal/domain"
)

const keyBits = 2048

// CreateKeyBased generates a new RSA-2048 identity, derives its did:key
// DID from the DER-encoded public key, and marks it verified.
func CreateKeyBased() (*domain.AgentIdentity, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})

	return &domain.AgentIdentity{
		DID:                DeriveDID(pubDER),
		PublicKeyPEM:       string(pubPEM),
		PrivateKeyPEM:      string(privPEM),
		VerificationStatus: domain.VerificationVerified,
	}, nil
}

// DeriveDID derives a did:key DID from a DER-encoded SubjectPublicKeyInfo,
// in the form did:key:<base64url(16-byte-fingerprint)>.
func DeriveDID(pubDER []byte) string {
	fingerprint := pubDER
	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	return "did:key:" + base64.RawURLEncoding.EncodeToString(fingerprint)
}

// DeriveDIDFromPEM derives the did:key DID for an already PEM-encoded
// public key, used when an agent registers with its own key material
// instead of having the server generate one.
func DeriveDIDFromPEM(pubPEM string) (string, error) {
	block, _ := pem.Decode([]byte(pubPEM))
	if block == nil {
		return "", fmt.Errorf("derive did: invalid PEM block")
	}
	return DeriveDID(block.Bytes), nil
}

// Sign produces an RSA-PSS (SHA-256, MGF1, max salt length) signature over
// content, base64-encoded. Fails if identity carries no private key.
func Sign(id *domain.AgentIdentity, content string) (string, error) {
	if !id.HasPrivateKey() {
		return "", fmt.Errorf("sign: identity %s has no private key", id.DID)
	}
	priv, err := parsePrivateKey(id.PrivateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	digest := sha256.Sum256([]byte(content))
	sig, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64-encoded RSA-PSS signature over content under the
// identity's public key. Never returns an error across the boundary: any
// cryptographic failure simply yields false.
func Verify(id *domain.AgentIdentity, content string, signature string) bool {
	pub, err := parsePublicKey(id.PublicKeyPEM)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(content))
	err = rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	return err == nil
}

func parsePrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return rsaKey, nil
}

func parsePublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaKey, nil
}
