package guard

import (
	"sort"
	"strings"

	"github.com/davidahmann/sovereignty/internal/manifest"
	"github.com/davidahmann/sovereignty/pkg/types"
)

// StakeGuard checks that every role required by the proposal's scopes is
// covered by at least one signer. Coverage is role presence; the declared
// min/max signer counts are manifest constraints only. It does not verify
// signatures.
type StakeGuard struct{}

func (StakeGuard) Name() string { return manifest.StageStake }

func (StakeGuard) Evaluate(p types.ProposalRecord, m *manifest.Manifest) Result {
	schema := m.Stake

	required := make(map[string]struct{})
	for _, tag := range p.Scope {
		scope, ok := schema.Scope(tag)
		if !ok {
			continue
		}
		for _, role := range scope.RequiredRoles {
			required[role] = struct{}{}
		}
	}
	if len(required) == 0 {
		return pass()
	}

	present := make(map[string]struct{})
	for _, signer := range p.SignerIDs {
		if role := schema.RoleOf(signer); role != "" {
			present[role] = struct{}{}
		}
	}

	var missing []string
	for role := range required {
		if _, ok := present[role]; !ok {
			missing = append(missing, role)
		}
	}
	if len(missing) == 0 {
		return pass()
	}
	sort.Strings(missing)
	return deny(types.ReasonMultisigQuorumNotMet, "missing roles: "+strings.Join(missing, ", "))
}
