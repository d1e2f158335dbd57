package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestDevTokenAuthenticator(t *testing.T) {
	a := &DevTokenAuthenticator{DevToken: "dev"}

	cases := map[string]struct {
		header string
		want   error
	}{
		"missing":     {header: "", want: ErrMissingBearer},
		"not bearer":  {header: "Basic abc", want: ErrInvalidToken},
		"empty token": {header: "Bearer   ", want: ErrInvalidToken},
		"wrong token": {header: "Bearer nope", want: ErrInvalidToken},
		"valid":       {header: "Bearer dev", want: nil},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			claims, err := a.Authenticate(r)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if tc.want == nil && claims.Subject != "dev" {
				t.Fatalf("unexpected claims: %+v", claims)
			}
		})
	}
}

func TestEmptyDevTokenRejectsEverything(t *testing.T) {
	a := &DevTokenAuthenticator{}
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer anything")
	if _, err := a.Authenticate(r); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestNewAuthenticatorFromEnv(t *testing.T) {
	t.Setenv("SOVEREIGN_DEV_TOKEN", "from-env")
	if a := NewAuthenticatorFromEnv(nil); a.DevToken != "from-env" {
		t.Fatalf("expected env token, got %q", a.DevToken)
	}
	lookup := func(string) string { return "injected" }
	if a := NewAuthenticatorFromEnv(lookup); a.DevToken != "injected" {
		t.Fatalf("expected injected token, got %q", a.DevToken)
	}
}
