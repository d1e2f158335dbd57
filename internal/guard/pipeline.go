package guard

import (
	"errors"
	"fmt"

	"github.com/davidahmann/sovereignty/internal/manifest"
	"github.com/davidahmann/sovereignty/pkg/types"
)

var ErrNoManifest = errors.New("guard pipeline requires a manifest")

type stage struct {
	name    string
	failure string
	guard   Guard
}

// Pipeline runs the evaluation stages in manifest order and stops at the
// first denial. It holds no mutable state and is safe for concurrent use.
type Pipeline struct {
	manifest *manifest.Manifest
	parse    string
	stages   []stage
}

// NewPipeline registers the four guards by stage name and orders them as
// the manifest declares.
func NewPipeline(m *manifest.Manifest, resolver TokenResolver) (*Pipeline, error) {
	if m == nil {
		return nil, ErrNoManifest
	}
	registry := map[string]Guard{}
	for _, g := range []Guard{RiskGuard{}, RightsGuard{}, StakeGuard{}, TokenGuard{Resolver: resolver}} {
		registry[g.Name()] = g
	}

	p := &Pipeline{manifest: m, parse: manifest.FailureReject}
	for _, s := range m.OrderedStages() {
		switch s.Name {
		case manifest.StageParse:
			p.parse = s.FailureDecision
		case manifest.StageLoadPolicies, manifest.StageRecordDecision:
		default:
			g, ok := registry[s.Name]
			if !ok {
				return nil, fmt.Errorf("no guard registered for stage %q", s.Name)
			}
			p.stages = append(p.stages, stage{name: s.Name, failure: s.FailureDecision, guard: g})
		}
	}
	if len(p.stages) != len(registry) {
		return nil, fmt.Errorf("manifest declares %d evaluation stages, want %d", len(p.stages), len(registry))
	}
	return p, nil
}

// Stages returns the evaluation stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.name
	}
	return names
}

// Evaluate produces the decision for p. record-decision is left to the
// caller.
func (p *Pipeline) Evaluate(proposal types.ProposalRecord) types.Decision {
	if err := proposal.Validate(); err != nil {
		return fail(manifest.StageParse, p.parse, deny(types.ReasonInvalidProposal, err.Error()))
	}

	// load-policies: the manifest was validated at construction.

	var advisories []types.Advisory
	for _, s := range p.stages {
		res := s.guard.Evaluate(proposal, p.manifest)
		if !res.Allowed {
			return fail(s.name, s.failure, res)
		}
		advisories = append(advisories, res.Advisories...)
	}
	return types.Allow(advisories...)
}

func fail(stageName, failure string, res Result) types.Decision {
	if res.HardStop || failure == manifest.FailureHardStop {
		return types.HardStop(stageName, res.Reason, res.Detail)
	}
	return types.Reject(stageName, res.Reason, res.Detail)
}
