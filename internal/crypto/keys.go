package crypto

import "crypto/ed25519"

// KeyPairFromSeed derives an Ed25519 keypair from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, nil, ErrInvalidSeedSize
	}
	privateKey := ed25519.NewKeyFromSeed(seed)
	publicKey := privateKey.Public().(ed25519.PublicKey)
	return privateKey, publicKey, nil
}

// Ed25519Signer signs ledger digests with a recording identity's key.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	did  string
}

func NewEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Signer{priv: priv, did: DIDFromPublicKey(pub)}
}

func (s *Ed25519Signer) DID() string {
	return s.did
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

func (s *Ed25519Signer) SignEd25519(digest []byte) ([]byte, error) {
	return SignEd25519(s.priv, digest)
}
