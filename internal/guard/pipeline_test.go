package guard

import (
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/davidahmann/sovereignty/internal/captoken"
	"github.com/davidahmann/sovereignty/internal/crypto"
	"github.com/davidahmann/sovereignty/internal/manifest"
	"github.com/davidahmann/sovereignty/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadManifest(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Load("../../manifests/sovereign.ndjson")
	require.NoError(t, err)
	return m
}

func newPipeline(t *testing.T, m *manifest.Manifest) *Pipeline {
	t.Helper()
	p, err := NewPipeline(m, PolicyResolver{})
	require.NoError(t, err)
	return p
}

func navProposal() types.ProposalRecord {
	return types.ProposalRecord{
		ID:           "prop-nav",
		SubjectID:    "subject-1",
		Module:       "nav-adapter",
		Scope:        []string{"nav-tuning"},
		EffectBounds: types.EffectBounds{L2DeltaNorm: 0.01},
		RohBefore:    0.2,
		RohAfter:     0.1,
	}
}

func lifeforceProposal() types.ProposalRecord {
	return types.ProposalRecord{
		ID:           "prop-lifeforce",
		SubjectID:    "subject-1",
		Module:       "bio-tuner",
		Scope:        []string{"lifeforce"},
		EffectBounds: types.EffectBounds{L2DeltaNorm: 0.1},
		RohBefore:    0.2,
		RohAfter:     0.15,
		SignerIDs:    []string{"did:sov:host", "did:sov:cpu-1"},
		TokenRef:     "EVOLVE",
	}
}

func TestPipelineAllowsCleanProposal(t *testing.T) {
	p := newPipeline(t, loadManifest(t))
	d := p.Evaluate(navProposal())
	assert.Equal(t, types.VerdictAllowed, d.Verdict)
	assert.False(t, d.Bounded())

	d = p.Evaluate(lifeforceProposal())
	assert.Equal(t, types.VerdictAllowed, d.Verdict, d.Detail)
}

func TestPipelineStagesFollowManifestOrder(t *testing.T) {
	m := loadManifest(t)
	assert.Equal(t, []string{"risk", "rights", "stake", "token"}, newPipeline(t, m).Stages())

	// token, stake, rights, risk
	m.Pipeline.Stages[2].Order = 5
	m.Pipeline.Stages[3].Order = 4
	m.Pipeline.Stages[4].Order = 3
	m.Pipeline.Stages[5].Order = 2
	p := newPipeline(t, m)
	assert.Equal(t, []string{"token", "stake", "rights", "risk"}, p.Stages())

	prop := navProposal()
	prop.RohAfter = 0.9
	prop.TokenRef = "BOGUS"
	d := p.Evaluate(prop)
	assert.Equal(t, types.ReasonUnknownToken, d.Reason)
	assert.Equal(t, "token", d.Stage)
}

func TestMonotonicityScenario(t *testing.T) {
	prop := navProposal()
	prop.RohBefore = 0.20
	prop.RohAfter = 0.25

	d := newPipeline(t, loadManifest(t)).Evaluate(prop)
	assert.Equal(t, types.VerdictRejected, d.Verdict)
	assert.Equal(t, types.ReasonRohNotMonotone, d.Reason)
	assert.Equal(t, "risk", d.Stage)
}

func TestCeilingWithinEpsilonIsAllowed(t *testing.T) {
	prop := navProposal()
	prop.RohBefore = 0.3
	prop.RohAfter = 0.3 + 5e-7

	d := newPipeline(t, loadManifest(t)).Evaluate(prop)
	assert.True(t, d.Allowed(), d.Detail)

	prop.RohAfter = 0.3 + 2e-6
	prop.RohBefore = 0.3 + 2e-6
	d = newPipeline(t, loadManifest(t)).Evaluate(prop)
	assert.Equal(t, types.ReasonRohCeilingExceeded, d.Reason)
}

func TestNearCeilingAddsAdvisory(t *testing.T) {
	prop := navProposal()
	prop.RohBefore = 0.3
	prop.RohAfter = 0.29

	d := newPipeline(t, loadManifest(t)).Evaluate(prop)
	require.True(t, d.Allowed())
	require.True(t, d.Bounded())
	assert.Equal(t, types.AdvisoryRohNearCeiling, d.Advisories[0].Code)
	assert.Equal(t, "risk", d.Advisories[0].Stage)
}

func TestAdvisoryNeverRescuesDenial(t *testing.T) {
	prop := lifeforceProposal()
	prop.RohBefore = 0.3
	prop.RohAfter = 0.29
	prop.SignerIDs = []string{"did:sov:host"}

	d := newPipeline(t, loadManifest(t)).Evaluate(prop)
	assert.Equal(t, types.VerdictRejected, d.Verdict)
	assert.Empty(t, d.Advisories)
}

func TestLifeforceMultisigScenario(t *testing.T) {
	p := newPipeline(t, loadManifest(t))

	prop := lifeforceProposal()
	prop.SignerIDs = []string{"did:sov:host"}
	d := p.Evaluate(prop)
	assert.Equal(t, types.ReasonMultisigQuorumNotMet, d.Reason)
	assert.Equal(t, "stake", d.Stage)
	assert.Contains(t, d.Detail, "OrganicCpu")

	prop.SignerIDs = append(prop.SignerIDs, "did:sov:cpu-1")
	d = p.Evaluate(prop)
	assert.True(t, d.Allowed(), d.Detail)
}

func TestQuorumIsRoleBased(t *testing.T) {
	p := newPipeline(t, loadManifest(t))

	prop := lifeforceProposal()
	prop.SignerIDs = []string{"did:sov:cpu-1", "did:sov:cpu-2", "did:sov:cpu-1"}
	d := p.Evaluate(prop)
	assert.Equal(t, types.ReasonMultisigQuorumNotMet, d.Reason)
	assert.Equal(t, "missing roles: Host", d.Detail)

	prop.SignerIDs = []string{"did:sov:stranger"}
	d = p.Evaluate(prop)
	assert.Equal(t, "missing roles: Host, OrganicCpu", d.Detail)
}

func TestStakeCoverageIgnoresMinSigners(t *testing.T) {
	m := loadManifest(t)
	m.Stake.Roles[1].MinSigners = 2
	p := newPipeline(t, m)

	// host + cpu-1 cover both required roles; one OrganicCpu signer is enough.
	d := p.Evaluate(lifeforceProposal())
	assert.True(t, d.Allowed(), "got %s %s", d.Reason, d.Detail)

	prop := lifeforceProposal()
	prop.SignerIDs = []string{"did:sov:host", "did:sov:host"}
	d = p.Evaluate(prop)
	assert.Equal(t, types.ReasonMultisigQuorumNotMet, d.Reason)
	assert.Contains(t, d.Detail, "OrganicCpu")
}

func TestIrreversibleLifeforceScenario(t *testing.T) {
	prop := lifeforceProposal()
	prop.EffectBounds.Irreversible = true
	prop.SignerIDs = []string{"did:sov:host", "did:sov:cpu-1", "did:sov:cpu-2", "did:sov:auditor"}

	d := newPipeline(t, loadManifest(t)).Evaluate(prop)
	assert.Equal(t, types.VerdictRejected, d.Verdict)
	assert.Equal(t, types.ReasonIrreversibilityNotAuthorized, d.Reason)
	assert.Equal(t, "rights", d.Stage)
}

func TestHostSelfEvolutionIrreversibility(t *testing.T) {
	prop := types.ProposalRecord{
		ID:           "prop-self",
		SubjectID:    "subject-1",
		Module:       "self-arch",
		Scope:        []string{ScopeHostSelfArchEvolution},
		EffectBounds: types.EffectBounds{L2DeltaNorm: 0.1, Irreversible: true},
		RohBefore:    0.1,
		RohAfter:     0.1,
		SignerIDs:    []string{"did:sov:host"},
		TokenRef:     "grant-evolve-subject-1",
	}

	m := loadManifest(t)
	d := newPipeline(t, m).Evaluate(prop)
	assert.Equal(t, types.ReasonIrreversibilityNotAuthorized, d.Reason)

	yes := true
	m.Rights.Reversibility.HostMayChooseIrreversible = &yes
	p := newPipeline(t, m)
	d = p.Evaluate(prop)
	assert.True(t, d.Allowed(), d.Detail)

	prop.DomainTags = []string{DomainCrossSpecies}
	d = p.Evaluate(prop)
	assert.Equal(t, types.ReasonIrreversibilityNotAuthorized, d.Reason)
	assert.Contains(t, d.Detail, "cross-species")

	prop.Scope = []string{ScopeHostSelfArchEvolution, "nav-tuning"}
	prop.DomainTags = nil
	d = p.Evaluate(prop)
	assert.Equal(t, types.ReasonIrreversibilityNotAuthorized, d.Reason)
}

func TestActuationForbiddenIsHardStop(t *testing.T) {
	prop := navProposal()
	prop.Scope = []string{"nav-tuning", "neuromorph"}

	d := newPipeline(t, loadManifest(t)).Evaluate(prop)
	assert.Equal(t, types.VerdictDenyHardStop, d.Verdict)
	assert.Equal(t, types.ReasonActuationForbidden, d.Reason)
}

func TestStageFailureDecisionHardStop(t *testing.T) {
	m := loadManifest(t)
	m.Pipeline.Stages[4].FailureDecision = manifest.FailureHardStop
	prop := lifeforceProposal()
	prop.SignerIDs = []string{"did:sov:host"}

	d := newPipeline(t, m).Evaluate(prop)
	assert.Equal(t, types.VerdictDenyHardStop, d.Verdict)
	assert.Equal(t, types.ReasonMultisigQuorumNotMet, d.Reason)
}

func TestRightsDomainChecks(t *testing.T) {
	m := loadManifest(t)
	p := newPipeline(t, m)

	prop := types.ProposalRecord{
		ID:           "prop-policy",
		SubjectID:    "subject-1",
		Module:       "policy-writer",
		Scope:        []string{"policy-update"},
		EffectBounds: types.EffectBounds{L2DeltaNorm: 0.01},
		RohBefore:    0.1,
		RohAfter:     0.1,
		DomainTags:   []string{"employment"},
		SignerIDs:    []string{"did:sov:host", "did:sov:auditor"},
		TokenRef:     "SMART",
	}
	d := p.Evaluate(prop)
	assert.Equal(t, types.ReasonForbiddenDomain, d.Reason)

	nav := navProposal()
	nav.DomainTags = []string{"employment"}
	assert.True(t, p.Evaluate(nav).Allowed())

	nav.Module = "affect-scorer"
	nav.DomainTags = []string{"dream"}
	d = p.Evaluate(nav)
	assert.Equal(t, types.ReasonPrivacyViolation, d.Reason)

	m.Rights.Rights.MentalPrivacy = false
	assert.True(t, newPipeline(t, m).Evaluate(nav).Allowed())
}

func TestTokenGuardReasons(t *testing.T) {
	p := newPipeline(t, loadManifest(t))

	cases := map[string]struct {
		mutate func(*types.ProposalRecord)
		reason types.ReasonCode
	}{
		"missing": {
			mutate: func(p *types.ProposalRecord) { p.TokenRef = "" },
			reason: types.ReasonMissingCapabilityToken,
		},
		"unknown": {
			mutate: func(p *types.ProposalRecord) { p.TokenRef = "BOGUS" },
			reason: types.ReasonUnknownToken,
		},
		"grant for another subject": {
			mutate: func(p *types.ProposalRecord) { p.TokenRef = "grant-smart-subject-2" },
			reason: types.ReasonUnknownToken,
		},
		"effect too large": {
			mutate: func(p *types.ProposalRecord) { p.EffectBounds.L2DeltaNorm = 0.3 },
			reason: types.ReasonEffectSizeExceeded,
		},
		"kind not allowed for scope": {
			mutate: func(p *types.ProposalRecord) {
				p.TokenRef = "SMART"
				p.EffectBounds.L2DeltaNorm = 0.01
			},
			reason: types.ReasonScopeNotAllowed,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			prop := lifeforceProposal()
			tc.mutate(&prop)
			d := p.Evaluate(prop)
			assert.Equal(t, types.VerdictRejected, d.Verdict)
			assert.Equal(t, tc.reason, d.Reason)
			assert.Equal(t, "token", d.Stage)
		})
	}

	prop := lifeforceProposal()
	prop.TokenRef = "grant-evolve-subject-1"
	assert.True(t, p.Evaluate(prop).Allowed())
}

func TestTokenGuardScopeOutsideStakeKinds(t *testing.T) {
	m := loadManifest(t)
	m.Stake.Scopes[4].TokenKindsAllowed = []string{"EVOLVE"}
	nav := navProposal()
	nav.TokenRef = "SMART"

	d := newPipeline(t, m).Evaluate(nav)
	assert.Equal(t, types.ReasonScopeNotAllowed, d.Reason)
}

func TestTokenGuardResolvesSignedTokens(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	priv, pub, err := crypto.KeyPairFromSeed(seed)
	require.NoError(t, err)

	p, err := NewPipeline(loadManifest(t), PolicyResolver{Verifier: captoken.NewVerifier(pub)})
	require.NoError(t, err)

	raw, err := captoken.NewMinter(priv).Mint("EVOLVE", "subject-1", time.Hour)
	require.NoError(t, err)
	prop := lifeforceProposal()
	prop.TokenRef = raw
	assert.True(t, p.Evaluate(prop).Allowed())

	other, err := captoken.NewMinter(priv).Mint("EVOLVE", "subject-2", time.Hour)
	require.NoError(t, err)
	prop.TokenRef = other
	assert.Equal(t, types.ReasonUnknownToken, p.Evaluate(prop).Reason)

	undeclared, err := captoken.NewMinter(priv).Mint("MEGA", "subject-1", time.Hour)
	require.NoError(t, err)
	prop.TokenRef = undeclared
	assert.Equal(t, types.ReasonUnknownToken, p.Evaluate(prop).Reason)
}

func TestInvalidProposalRejectedAtParse(t *testing.T) {
	prop := navProposal()
	prop.Scope = nil

	d := newPipeline(t, loadManifest(t)).Evaluate(prop)
	assert.Equal(t, types.VerdictRejected, d.Verdict)
	assert.Equal(t, types.ReasonInvalidProposal, d.Reason)
	assert.Equal(t, "parse", d.Stage)
}

func TestNewPipelineRequiresManifest(t *testing.T) {
	_, err := NewPipeline(nil, nil)
	require.ErrorIs(t, err, ErrNoManifest)
}

func TestEvaluationIsDeterministicAndConcurrent(t *testing.T) {
	p := newPipeline(t, loadManifest(t))
	proposals := []types.ProposalRecord{navProposal(), lifeforceProposal()}
	bad := lifeforceProposal()
	bad.SignerIDs = nil
	proposals = append(proposals, bad)

	want := make([]types.Decision, len(proposals))
	for i, prop := range proposals {
		want[i] = p.Evaluate(prop)
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				for i, prop := range proposals {
					if got := p.Evaluate(prop); got.Reason != want[i].Reason || got.Verdict != want[i].Verdict {
						t.Errorf("proposal %d: got %s/%s want %s/%s", i, got.Verdict, got.Reason, want[i].Verdict, want[i].Reason)
					}
				}
			}
		}()
	}
	wg.Wait()
}
