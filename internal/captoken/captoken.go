// Package captoken mints and verifies EdDSA capability tokens. A token names
// a token kind from the manifest's token policy and is bound to one subject.
package captoken

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const Issuer = "sovereignty/captoken"

var (
	ErrInvalidToken = errors.New("invalid capability token")
	ErrMissingKind  = errors.New("capability token has no kind")
)

// Claims carries the token kind on top of the registered claims. Subject is
// the subject the token is bound to.
type Claims struct {
	jwt.RegisteredClaims
	Kind string `json:"kind"`
}

type Minter struct {
	priv ed25519.PrivateKey
	now  func() time.Time
}

func NewMinter(priv ed25519.PrivateKey) *Minter {
	return &Minter{priv: priv, now: time.Now}
}

// Mint issues a token of kind for subject, valid for ttl.
func (m *Minter) Mint(kind, subject string, ttl time.Duration) (string, error) {
	if kind == "" {
		return "", ErrMissingKind
	}
	now := m.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Kind: kind,
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(m.priv)
}

type Verifier struct {
	pub    ed25519.PublicKey
	parser *jwt.Parser
}

func NewVerifier(pub ed25519.PublicKey) *Verifier {
	return &Verifier{
		pub: pub,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
			jwt.WithIssuer(Issuer),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify parses raw and checks its signature, issuer and expiry.
func (v *Verifier) Verify(raw string) (*Claims, error) {
	token, err := v.parser.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return v.pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Kind == "" {
		return nil, ErrMissingKind
	}
	return claims, nil
}
