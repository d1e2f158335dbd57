package crypto

import "errors"

var (
	ErrUnsupportedType  = errors.New("unsupported value for canonicalization")
	ErrMalformedJSON    = errors.New("malformed json for canonicalization")
	ErrInvalidSeedSize  = errors.New("invalid ed25519 seed size")
	ErrInvalidKeySize   = errors.New("invalid ed25519 key size")
	ErrInvalidDigestLen = errors.New("invalid digest length")
	ErrInvalidDID       = errors.New("invalid signer did")
)
