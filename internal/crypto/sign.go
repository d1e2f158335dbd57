package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
)

const digestPrefix = "sha256:"

func DigestBytes(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// DigestWithPrefix returns "sha256:" followed by the lowercase hex digest.
func DigestWithPrefix(data []byte) string {
	return FormatDigest(DigestBytes(data))
}

func FormatDigest(digest []byte) string {
	return digestPrefix + hex.EncodeToString(digest)
}

// ChainDigest links a canonical payload to its predecessor: SHA-256 over the
// payload bytes followed by the predecessor's formatted hash. The genesis
// predecessor is the empty string.
func ChainDigest(canonical []byte, prevHash string) []byte {
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(prevHash))
	return h.Sum(nil)
}

// SignEd25519 signs a 32-byte digest.
func SignEd25519(privateKey ed25519.PrivateKey, digest []byte) ([]byte, error) {
	if len(digest) != sha256.Size {
		return nil, ErrInvalidDigestLen
	}
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKeySize
	}
	return ed25519.Sign(privateKey, digest), nil
}

// VerifyEd25519 reports whether sig is a valid signature of digest. Keys of
// the wrong size are an error rather than a panic.
func VerifyEd25519(publicKey ed25519.PublicKey, digest, sig []byte) (bool, error) {
	if len(digest) != sha256.Size {
		return false, ErrInvalidDigestLen
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return false, ErrInvalidKeySize
	}
	return ed25519.Verify(publicKey, digest, sig), nil
}
