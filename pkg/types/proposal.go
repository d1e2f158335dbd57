package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var ErrInvalidProposal = errors.New("invalid proposal")

// Epsilon is the absolute tolerance applied to every floating point bound.
const Epsilon = 1e-6

// ProposalRecord is a proposed change to governed state. It is submitted
// by an adapter and never mutated afterwards.
type ProposalRecord struct {
	ID           string       `json:"id"`
	SubjectID    string       `json:"subject_id"`
	Module       string       `json:"module"`
	Scope        []string     `json:"scope"`
	EffectBounds EffectBounds `json:"effect_bounds"`
	RohBefore    float64      `json:"roh_before"`
	RohAfter     float64      `json:"roh_after"`
	DomainTags   []string     `json:"domain_tags"`
	SignerIDs    []string     `json:"signer_ids"`
	TokenRef     string       `json:"token_ref,omitempty"`
}

type EffectBounds struct {
	L2DeltaNorm  float64 `json:"l2_delta_norm"`
	Irreversible bool    `json:"irreversible"`
}

// Validate checks the structural invariants of a proposal.
func (p ProposalRecord) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidProposal)
	}
	if p.SubjectID == "" {
		return fmt.Errorf("%w: subject_id is required", ErrInvalidProposal)
	}
	if p.Module == "" {
		return fmt.Errorf("%w: module is required", ErrInvalidProposal)
	}
	if len(p.Scope) == 0 {
		return fmt.Errorf("%w: scope must not be empty", ErrInvalidProposal)
	}
	for _, tag := range p.Scope {
		if tag == "" {
			return fmt.Errorf("%w: scope contains an empty tag", ErrInvalidProposal)
		}
	}
	norm := p.EffectBounds.L2DeltaNorm
	if math.IsNaN(norm) || math.IsInf(norm, 0) || norm < 0 {
		return fmt.Errorf("%w: effect_bounds.l2_delta_norm must be finite and non-negative", ErrInvalidProposal)
	}
	if !unitInterval(p.RohBefore) {
		return fmt.Errorf("%w: roh_before must be in [0,1]", ErrInvalidProposal)
	}
	if !unitInterval(p.RohAfter) {
		return fmt.Errorf("%w: roh_after must be in [0,1]", ErrInvalidProposal)
	}
	return nil
}

// HasScope reports whether tag is one of the proposal's scope tags.
func (p ProposalRecord) HasScope(tag string) bool {
	for _, s := range p.Scope {
		if s == tag {
			return true
		}
	}
	return false
}

func unitInterval(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// DecodeProposal strictly decodes a submitted proposal. effect_bounds and
// scope must be present; there are no implicit defaults.
func DecodeProposal(data []byte) (ProposalRecord, error) {
	var presence map[string]json.RawMessage
	if err := json.Unmarshal(data, &presence); err != nil {
		return ProposalRecord{}, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	for _, field := range []string{"id", "subject_id", "module", "scope", "effect_bounds", "roh_before", "roh_after"} {
		if _, ok := presence[field]; !ok {
			return ProposalRecord{}, fmt.Errorf("%w: missing field %s", ErrInvalidProposal, field)
		}
	}
	if raw, ok := presence["effect_bounds"]; ok {
		var bounds map[string]json.RawMessage
		if err := json.Unmarshal(raw, &bounds); err != nil || bounds == nil {
			return ProposalRecord{}, fmt.Errorf("%w: effect_bounds must be an object", ErrInvalidProposal)
		}
		for _, field := range []string{"l2_delta_norm", "irreversible"} {
			if _, ok := bounds[field]; !ok {
				return ProposalRecord{}, fmt.Errorf("%w: missing field effect_bounds.%s", ErrInvalidProposal, field)
			}
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var p ProposalRecord
	if err := dec.Decode(&p); err != nil {
		return ProposalRecord{}, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	return p, nil
}
