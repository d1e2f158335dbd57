package manifest

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/davidahmann/sovereignty/pkg/types"
)

// Validate cross-checks the shards against each other. Any violation is a
// boot failure.
func (m *Manifest) Validate() error {
	checks := []func() error{
		m.validatePipeline,
		m.validateRisk,
		m.validateTokens,
		m.validateStake,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
	}
	return nil
}

func (m *Manifest) validatePipeline() error {
	stages := m.Pipeline.Stages
	required := append([]string{StageParse, StageLoadPolicies}, EvaluationStages...)
	required = append(required, StageRecordDecision)
	if len(stages) != len(required) {
		return fmt.Errorf("guard_pipeline: expected %d stages, got %d", len(required), len(stages))
	}

	names := make(map[string]Stage, len(stages))
	orders := make([]int, 0, len(stages))
	for _, stage := range stages {
		if _, dup := names[stage.Name]; dup {
			return fmt.Errorf("guard_pipeline: duplicate stage %q", stage.Name)
		}
		names[stage.Name] = stage
		orders = append(orders, stage.Order)
		if stage.FailureDecision != FailureReject && stage.FailureDecision != FailureHardStop {
			return fmt.Errorf("guard_pipeline: stage %q has unknown failure_decision %q", stage.Name, stage.FailureDecision)
		}
	}
	for _, name := range required {
		if _, ok := names[name]; !ok {
			return fmt.Errorf("guard_pipeline: missing required stage %q", name)
		}
	}

	sort.Ints(orders)
	for i, order := range orders {
		if order != i {
			return fmt.Errorf("guard_pipeline: stage orders must be contiguous from 0")
		}
	}

	if names[StageParse].Order != 0 {
		return fmt.Errorf("guard_pipeline: %s must be order 0", StageParse)
	}
	if names[StageLoadPolicies].Order != 1 {
		return fmt.Errorf("guard_pipeline: %s must be order 1", StageLoadPolicies)
	}
	if names[StageRecordDecision].Order != len(stages)-1 {
		return fmt.Errorf("guard_pipeline: %s must be the last stage", StageRecordDecision)
	}
	return nil
}

func (m *Manifest) validateRisk() error {
	r := m.Risk
	if !finite(r.RohCeiling) || r.RohCeiling < 0 || r.RohCeiling > 1 {
		return fmt.Errorf("risk_model: roh_ceiling must be in [0,1]")
	}
	if !finite(r.AdvisoryMargin) || r.AdvisoryMargin < 0 || r.AdvisoryMargin > r.RohCeiling {
		return fmt.Errorf("risk_model: advisory_margin must be in [0, roh_ceiling]")
	}
	if !r.Monotone {
		return fmt.Errorf("risk_model: monotone must be true")
	}
	if r.Invariants.RohCeilingLeq > 0 && r.Invariants.RohCeilingLeq > r.RohCeiling+types.Epsilon {
		return fmt.Errorf("risk_model: invariants.roh_ceiling_leq exceeds roh_ceiling")
	}

	sum := 0.0
	for _, axis := range r.Axes {
		if r.Invariants.WeightsNonNegative && (!finite(axis.Weight) || axis.Weight < 0) {
			return fmt.Errorf("risk_model: axis %q has a negative or non-finite weight", axis.Name)
		}
		sum += axis.Weight
	}
	if r.Invariants.WeightsSumLeq > 0 && sum > r.Invariants.WeightsSumLeq+types.Epsilon {
		return fmt.Errorf("risk_model: axis weight sum %.6f exceeds %.6f", sum, r.Invariants.WeightsSumLeq)
	}
	return nil
}

func (m *Manifest) validateTokens() error {
	t := m.Tokens
	if !t.EvCtrl.RohMonotoneSafety {
		return fmt.Errorf("token_policy: evctrl.roh_monotone_safety must be true")
	}
	if math.Abs(t.EvCtrl.RohAfterLeqCeil-m.Risk.RohCeiling) > types.Epsilon {
		return fmt.Errorf("token_policy: evctrl.roh_after_leq_ceiling %.6f does not equal risk_model.roh_ceiling %.6f",
			t.EvCtrl.RohAfterLeqCeil, m.Risk.RohCeiling)
	}

	kinds := make(map[string]struct{}, len(t.Tokens))
	for _, kind := range t.Tokens {
		if _, dup := kinds[kind.Kind]; dup {
			return fmt.Errorf("token_policy: duplicate token kind %q", kind.Kind)
		}
		kinds[kind.Kind] = struct{}{}
		if !finite(kind.MaxEffectSizeL2) || kind.MaxEffectSizeL2 < 0 {
			return fmt.Errorf("token_policy: token kind %q has an invalid max_effect_size_l2", kind.Kind)
		}
	}

	grants := make(map[string]struct{}, len(t.Grants))
	for _, grant := range t.Grants {
		if _, dup := grants[grant.ID]; dup {
			return fmt.Errorf("token_policy: duplicate grant %q", grant.ID)
		}
		grants[grant.ID] = struct{}{}
		if _, ok := kinds[grant.Kind]; !ok {
			return fmt.Errorf("token_policy: grant %q references undeclared kind %q", grant.ID, grant.Kind)
		}
	}
	return nil
}

func (m *Manifest) validateStake() error {
	s := m.Stake

	roles := make(map[string]struct{}, len(s.Roles))
	hosts := 0
	for _, role := range s.Roles {
		if _, dup := roles[role.Kind]; dup {
			return fmt.Errorf("stake_schema: duplicate role %q", role.Kind)
		}
		roles[role.Kind] = struct{}{}
		if strings.EqualFold(role.Kind, RoleHost) {
			hosts++
		}
		if role.MaxSigners > 0 && role.MinSigners > role.MaxSigners {
			return fmt.Errorf("stake_schema: role %q has min_signers > max_signers", role.Kind)
		}
	}
	if s.Invariants.ExactlyOneHost && hosts != 1 {
		return fmt.Errorf("stake_schema: expected exactly one %s role, got %d", RoleHost, hosts)
	}

	for _, signer := range s.Signers {
		if _, ok := roles[signer.Role]; !ok {
			return fmt.Errorf("stake_schema: signer %q maps to undeclared role %q", signer.ID, signer.Role)
		}
	}

	highest, hasTokens := m.Tokens.HighestPrivilege()
	scopes := make(map[string]struct{}, len(s.Scopes))
	for _, scope := range s.Scopes {
		if _, dup := scopes[scope.ScopeID]; dup {
			return fmt.Errorf("stake_schema: duplicate scope %q", scope.ScopeID)
		}
		scopes[scope.ScopeID] = struct{}{}

		for _, role := range scope.RequiredRoles {
			if _, ok := roles[role]; !ok {
				return fmt.Errorf("stake_schema: scope %q requires undeclared role %q", scope.ScopeID, role)
			}
		}
		for _, kind := range scope.TokenKindsAllowed {
			if _, ok := m.Tokens.Kind(kind); !ok {
				return fmt.Errorf("stake_schema: scope %q allows undeclared token kind %q", scope.ScopeID, kind)
			}
		}

		if scope.ScopeID != ScopeLifeforce && scope.ScopeID != ScopeArchChange {
			continue
		}
		if !scope.MultisigRequired {
			return fmt.Errorf("stake_schema: scope %q must require multisig", scope.ScopeID)
		}
		if !hasTokens || !contains(scope.TokenKindsAllowed, highest.Kind) {
			return fmt.Errorf("stake_schema: scope %q must allow the highest-privilege token kind %q", scope.ScopeID, highest.Kind)
		}
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
