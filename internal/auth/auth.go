package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"os"
	"strings"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

type Claims struct {
	Subject string
	Issuer  string
	Token   string
}

type Authenticator interface {
	Authenticate(r *http.Request) (Claims, error)
}

// DevTokenAuthenticator accepts a single shared bearer token. An empty
// DevToken rejects every request.
type DevTokenAuthenticator struct {
	DevToken string
}

// NewAuthenticatorFromEnv reads SOVEREIGN_DEV_TOKEN through getenv, falling
// back to the process environment when getenv is nil.
func NewAuthenticatorFromEnv(getenv func(string) string) *DevTokenAuthenticator {
	if getenv == nil {
		getenv = os.Getenv
	}
	return &DevTokenAuthenticator{DevToken: getenv("SOVEREIGN_DEV_TOKEN")}
}

func (a *DevTokenAuthenticator) Authenticate(r *http.Request) (Claims, error) {
	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}
	if a.DevToken == "" || subtle.ConstantTimeCompare([]byte(bearer), []byte(a.DevToken)) != 1 {
		return Claims{}, ErrInvalidToken
	}
	return Claims{Subject: "dev", Issuer: "sovereign-dev", Token: bearer}, nil
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
