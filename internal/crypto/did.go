package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"
)

const didPrefix = "did:sov:ed25519:"

// DIDFromPublicKey encodes an Ed25519 public key as a signer DID.
func DIDFromPublicKey(pub ed25519.PublicKey) string {
	return didPrefix + base64.RawURLEncoding.EncodeToString(pub)
}

// PublicKeyFromDID decodes the Ed25519 public key embedded in a signer DID.
func PublicKeyFromDID(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didPrefix) {
		return nil, ErrInvalidDID
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(did, didPrefix))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidDID
	}
	return ed25519.PublicKey(raw), nil
}
