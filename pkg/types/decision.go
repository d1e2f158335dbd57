package types

type Verdict string

const (
	VerdictAllowed      Verdict = "allowed"
	VerdictRejected     Verdict = "rejected"
	VerdictDenyHardStop Verdict = "deny_hard_stop"
)

type ReasonCode string

const (
	ReasonNone                         ReasonCode = ""
	ReasonInvalidProposal              ReasonCode = "InvalidProposal"
	ReasonRohCeilingExceeded           ReasonCode = "RohCeilingExceeded"
	ReasonRohNotMonotone               ReasonCode = "RohNotMonotone"
	ReasonActuationForbidden           ReasonCode = "ActuationForbidden"
	ReasonForbiddenDomain              ReasonCode = "ForbiddenDomain"
	ReasonPrivacyViolation             ReasonCode = "PrivacyViolation"
	ReasonIrreversibilityNotAuthorized ReasonCode = "IrreversibilityNotAuthorized"
	ReasonMultisigQuorumNotMet         ReasonCode = "MultisigQuorumNotMet"
	ReasonMissingCapabilityToken       ReasonCode = "MissingCapabilityToken"
	ReasonUnknownToken                 ReasonCode = "UnknownToken"
	ReasonEffectSizeExceeded           ReasonCode = "EffectSizeExceeded"
	ReasonScopeNotAllowed              ReasonCode = "ScopeNotAllowed"
	ReasonTokenRefMismatch             ReasonCode = "TokenRefMismatch"
	ReasonProposalIDConflict           ReasonCode = "ProposalIDConflict"
)

type AdvisoryCode string

const AdvisoryRohNearCeiling AdvisoryCode = "RohNearCeiling"

// Advisory is metadata attached to an allowed decision by a stage that
// flagged a soft condition.
type Advisory struct {
	Stage  string       `json:"stage"`
	Code   AdvisoryCode `json:"code"`
	Detail string       `json:"detail,omitempty"`
}

// Decision is the terminal output of the guard pipeline.
type Decision struct {
	Verdict    Verdict    `json:"verdict"`
	Reason     ReasonCode `json:"reason,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	Stage      string     `json:"stage,omitempty"`
	Advisories []Advisory `json:"advisories,omitempty"`
}

// Allow is the allowed decision, carrying any advisories raised on the way.
func Allow(advisories ...Advisory) Decision {
	return Decision{Verdict: VerdictAllowed, Advisories: advisories}
}

// Reject denies the proposal at stage with a reason code.
func Reject(stage string, reason ReasonCode, detail string) Decision {
	return Decision{Verdict: VerdictRejected, Reason: reason, Detail: detail, Stage: stage}
}

// HardStop is a terminal denial recorded as deny_hard_stop.
func HardStop(stage string, reason ReasonCode, detail string) Decision {
	return Decision{Verdict: VerdictDenyHardStop, Reason: reason, Detail: detail, Stage: stage}
}

func (d Decision) Allowed() bool {
	return d.Verdict == VerdictAllowed
}

// Bounded reports whether an allowance carries advisory metadata.
func (d Decision) Bounded() bool {
	return d.Allowed() && len(d.Advisories) > 0
}
