package guard

import (
	"fmt"
	"slices"

	"github.com/davidahmann/sovereignty/internal/manifest"
	"github.com/davidahmann/sovereignty/pkg/types"
)

const (
	ScopeHostSelfArchEvolution = "host_self_arch_evolution"
	DomainCrossSpecies         = "cross-species"
)

// RightsGuard applies the rights policy. Checks run in a fixed order and the
// first failure is reported.
type RightsGuard struct{}

func (RightsGuard) Name() string { return manifest.StageRights }

func (RightsGuard) Evaluate(p types.ProposalRecord, m *manifest.Manifest) Result {
	policy := m.Rights

	if scope, ok := hasAny(p.Scope, policy.ActuationForbiddenScopes); ok {
		return stop(types.ReasonActuationForbidden, fmt.Sprintf("scope %q is actuation-forbidden", scope))
	}

	if _, ok := hasAny(p.Scope, policy.DecisioningScopes); ok {
		if domain, hit := hasAny(p.DomainTags, policy.ForbidDecisionUse); hit {
			return deny(types.ReasonForbiddenDomain, fmt.Sprintf("domain %q is forbidden for automated decisioning", domain))
		}
	}

	if policy.Rights.MentalPrivacy && slices.Contains(policy.InnerStateScoringModules, p.Module) {
		if domain, hit := hasAny(p.DomainTags, policy.PrivacySensitiveDomains); hit {
			return deny(types.ReasonPrivacyViolation,
				fmt.Sprintf("module %q scores inner state in privacy-sensitive domain %q", p.Module, domain))
		}
	}

	if p.EffectBounds.Irreversible {
		if len(p.Scope) != 1 || p.Scope[0] != ScopeHostSelfArchEvolution {
			return deny(types.ReasonIrreversibilityNotAuthorized,
				"irreversible changes are limited to scope "+ScopeHostSelfArchEvolution)
		}
		if !policy.Reversibility.HostMayChoose() {
			return deny(types.ReasonIrreversibilityNotAuthorized,
				"reversibility.host_may_choose_irreversible is not enabled")
		}
		if policy.Reversibility.ForbidCrossSpecies() && slices.Contains(p.DomainTags, DomainCrossSpecies) {
			return deny(types.ReasonIrreversibilityNotAuthorized, "irreversible cross-species changes are forbidden")
		}
	}
	return pass()
}

