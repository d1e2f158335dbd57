package guard

import (
	"fmt"
	"slices"
	"strings"

	"github.com/davidahmann/sovereignty/internal/captoken"
	"github.com/davidahmann/sovereignty/internal/manifest"
	"github.com/davidahmann/sovereignty/pkg/types"
)

// ResolvedToken is a token reference mapped onto a declared token kind.
type ResolvedToken struct {
	Kind      manifest.TokenKind
	SubjectID string
}

// TokenResolver maps a token reference to a declared kind.
type TokenResolver interface {
	Resolve(ref string, m *manifest.Manifest) (ResolvedToken, bool)
}

// PolicyResolver resolves kind names and grant ids from the token policy,
// and signed capability tokens when a verifier is configured.
type PolicyResolver struct {
	Verifier *captoken.Verifier
}

func (r PolicyResolver) Resolve(ref string, m *manifest.Manifest) (ResolvedToken, bool) {
	if kind, ok := m.Tokens.Kind(ref); ok {
		return ResolvedToken{Kind: kind}, true
	}
	if grant, ok := m.Tokens.Grant(ref); ok {
		kind, ok := m.Tokens.Kind(grant.Kind)
		return ResolvedToken{Kind: kind, SubjectID: grant.SubjectID}, ok
	}
	if r.Verifier == nil || strings.Count(ref, ".") != 2 {
		return ResolvedToken{}, false
	}
	claims, err := r.Verifier.Verify(ref)
	if err != nil {
		return ResolvedToken{}, false
	}
	kind, ok := m.Tokens.Kind(claims.Kind)
	if !ok || claims.Subject == "" {
		return ResolvedToken{}, false
	}
	return ResolvedToken{Kind: kind, SubjectID: claims.Subject}, true
}

// TokenGuard checks the attached capability token against the token policy.
type TokenGuard struct {
	Resolver TokenResolver
}

func (TokenGuard) Name() string { return manifest.StageToken }

func (g TokenGuard) Evaluate(p types.ProposalRecord, m *manifest.Manifest) Result {
	needed := ""
	for _, tag := range p.Scope {
		if scope, ok := m.Stake.Scope(tag); ok && scope.NeedsToken() {
			needed = tag
			break
		}
	}

	if p.TokenRef == "" {
		if needed != "" {
			return deny(types.ReasonMissingCapabilityToken, fmt.Sprintf("scope %q requires a capability token", needed))
		}
		return pass()
	}

	resolver := g.Resolver
	if resolver == nil {
		resolver = PolicyResolver{}
	}
	token, ok := resolver.Resolve(p.TokenRef, m)
	if !ok {
		return deny(types.ReasonUnknownToken, "token reference does not resolve")
	}
	if token.SubjectID != "" && token.SubjectID != p.SubjectID {
		return deny(types.ReasonUnknownToken, "token is bound to a different subject")
	}

	kind := token.Kind
	if p.EffectBounds.L2DeltaNorm > kind.MaxEffectSizeL2+types.Epsilon {
		return deny(types.ReasonEffectSizeExceeded,
			fmt.Sprintf("l2_delta_norm %.6f exceeds %s ceiling %.6f", p.EffectBounds.L2DeltaNorm, kind.Kind, kind.MaxEffectSizeL2))
	}

	for _, tag := range p.Scope {
		if !slices.Contains(kind.AllowedScopes, tag) {
			return deny(types.ReasonScopeNotAllowed, fmt.Sprintf("scope %q is outside token kind %s", tag, kind.Kind))
		}
		if scope, ok := m.Stake.Scope(tag); ok && !scope.AllowsKind(kind.Kind) {
			return deny(types.ReasonScopeNotAllowed, fmt.Sprintf("scope %q does not accept token kind %s", tag, kind.Kind))
		}
	}
	return pass()
}
