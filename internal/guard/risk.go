package guard

import (
	"fmt"

	"github.com/davidahmann/sovereignty/internal/manifest"
	"github.com/davidahmann/sovereignty/pkg/types"
)

// RiskGuard bounds the proposal's Risk-of-Harm against the model ceiling and
// requires it not to increase.
type RiskGuard struct{}

func (RiskGuard) Name() string { return manifest.StageRisk }

func (RiskGuard) Evaluate(p types.ProposalRecord, m *manifest.Manifest) Result {
	model := m.Risk
	if p.RohAfter > model.RohCeiling+types.Epsilon {
		return deny(types.ReasonRohCeilingExceeded,
			fmt.Sprintf("roh_after %.6f exceeds ceiling %.6f", p.RohAfter, model.RohCeiling))
	}
	if model.Monotone && p.RohAfter > p.RohBefore+types.Epsilon {
		return deny(types.ReasonRohNotMonotone,
			fmt.Sprintf("roh_after %.6f exceeds roh_before %.6f", p.RohAfter, p.RohBefore))
	}

	if model.AdvisoryMargin > 0 && p.RohAfter >= model.RohCeiling-model.AdvisoryMargin {
		return pass(types.Advisory{
			Stage:  manifest.StageRisk,
			Code:   types.AdvisoryRohNearCeiling,
			Detail: fmt.Sprintf("roh_after %.6f within %.6f of ceiling %.6f", p.RohAfter, model.AdvisoryMargin, model.RohCeiling),
		})
	}
	return pass()
}
