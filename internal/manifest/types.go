package manifest

// Shard kinds. Each manifest carries exactly one shard of every kind.
const (
	KindRiskModel     = "risk_model"
	KindStakeSchema   = "stake_schema"
	KindRightsPolicy  = "rights_policy"
	KindTokenPolicy   = "token_policy"
	KindGuardPipeline = "guard_pipeline"
)

// Kinds lists the shard kinds in the order they are reported when missing.
var Kinds = []string{KindRiskModel, KindStakeSchema, KindRightsPolicy, KindTokenPolicy, KindGuardPipeline}

// Guard pipeline stage names.
const (
	StageParse          = "parse"
	StageLoadPolicies   = "load-policies"
	StageRisk           = "risk"
	StageRights         = "rights"
	StageStake          = "stake"
	StageToken          = "token"
	StageRecordDecision = "record-decision"
)

// EvaluationStages are the stages that may be reordered between
// load-policies and record-decision.
var EvaluationStages = []string{StageRisk, StageRights, StageStake, StageToken}

const (
	FailureReject   = "reject"
	FailureHardStop = "hard_stop"
)

const (
	ScopeLifeforce  = "lifeforce"
	ScopeArchChange = "arch-change"
	RoleHost        = "Host"
)

type Header struct {
	Type      string `json:"type"`
	Version   string `json:"version"`
	ID        string `json:"id"`
	SubjectID string `json:"subject_id,omitempty"`
}

type RiskModel struct {
	Header
	RohCeiling     float64        `json:"roh_ceiling"`
	AdvisoryMargin float64        `json:"advisory_margin"`
	Monotone       bool           `json:"monotone"`
	Axes           []RiskAxis     `json:"axes"`
	Invariants     RiskInvariants `json:"invariants"`
}

type RiskAxis struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

type RiskInvariants struct {
	RohCeilingLeq      float64 `json:"roh_ceiling_leq"`
	WeightsNonNegative bool    `json:"weights_nonnegative"`
	WeightsSumLeq      float64 `json:"weights_sum_leq"`
}

type StakeSchema struct {
	Header
	Roles      []StakeRole     `json:"roles"`
	Scopes     []StakeScope    `json:"scopes"`
	Signers    []StakeSigner   `json:"signers"`
	Invariants StakeInvariants `json:"invariants"`
}

type StakeRole struct {
	Kind       string `json:"kind"`
	MinSigners int    `json:"min_signers"`
	MaxSigners int    `json:"max_signers"`
}

type StakeScope struct {
	ScopeID           string   `json:"scope_id"`
	Description       string   `json:"description,omitempty"`
	RequiredRoles     []string `json:"required_roles"`
	TokenKindsAllowed []string `json:"token_kinds_allowed"`
	MultisigRequired  bool     `json:"multisig_required"`
	RequiresToken     bool     `json:"requires_token"`
}

// NeedsToken reports whether proposals touching the scope must carry a
// capability token.
func (s StakeScope) NeedsToken() bool {
	return s.RequiresToken || len(s.TokenKindsAllowed) > 0
}

// AllowsKind reports whether kind is listed in token_kinds_allowed. An empty
// list allows every kind.
func (s StakeScope) AllowsKind(kind string) bool {
	if len(s.TokenKindsAllowed) == 0 {
		return true
	}
	return contains(s.TokenKindsAllowed, kind)
}

type StakeSigner struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

type StakeInvariants struct {
	ExactlyOneHost                  bool `json:"exactly_one_host"`
	LifeforceAndArchRequireMultisig bool `json:"lifeforce_and_arch_require_multisig"`
}

// Scope returns the schema entry for a scope tag.
func (s StakeSchema) Scope(id string) (StakeScope, bool) {
	for _, scope := range s.Scopes {
		if scope.ScopeID == id {
			return scope, true
		}
	}
	return StakeScope{}, false
}

// Role returns the declared role kind.
func (s StakeSchema) Role(kind string) (StakeRole, bool) {
	for _, role := range s.Roles {
		if role.Kind == kind {
			return role, true
		}
	}
	return StakeRole{}, false
}

// RoleOf maps a signer identity to its role. Unknown signers map to "".
func (s StakeSchema) RoleOf(signer string) string {
	for _, entry := range s.Signers {
		if entry.ID == signer {
			return entry.Role
		}
	}
	return ""
}

type RightsPolicy struct {
	Header
	Rights                   RightsCore    `json:"rights"`
	ForbidDecisionUse        []string      `json:"forbid_decision_use"`
	DecisioningScopes        []string      `json:"decisioning_scopes"`
	PrivacySensitiveDomains  []string      `json:"privacy_sensitive_domains"`
	InnerStateScoringModules []string      `json:"inner_state_scoring_modules"`
	ActuationForbiddenScopes []string      `json:"actuation_forbidden_scopes"`
	Reversibility            Reversibility `json:"reversibility"`
}

type RightsCore struct {
	MentalPrivacy    bool `json:"mental_privacy"`
	MentalIntegrity  bool `json:"mental_integrity"`
	CognitiveLiberty bool `json:"cognitive_liberty"`
}

type Reversibility struct {
	HostMayChooseIrreversible      *bool `json:"host_may_choose_irreversible,omitempty"`
	ForbidIrreversibleCrossSpecies *bool `json:"forbid_irreversible_cross_species,omitempty"`
}

// HostMayChoose is true only when the policy explicitly opts in.
func (r Reversibility) HostMayChoose() bool {
	return r.HostMayChooseIrreversible != nil && *r.HostMayChooseIrreversible
}

// ForbidCrossSpecies defaults to true when unset.
func (r Reversibility) ForbidCrossSpecies() bool {
	return r.ForbidIrreversibleCrossSpecies == nil || *r.ForbidIrreversibleCrossSpecies
}

type TokenPolicy struct {
	Header
	EvCtrl EvCtrl       `json:"evctrl"`
	Tokens []TokenKind  `json:"tokens"`
	Grants []TokenGrant `json:"grants"`
}

type EvCtrl struct {
	RohMonotoneSafety bool    `json:"roh_monotone_safety"`
	RohAfterLeqBefore bool    `json:"roh_after_leq_before"`
	RohAfterLeqCeil   float64 `json:"roh_after_leq_ceiling"`
}

type TokenKind struct {
	Kind             string   `json:"kind"`
	Description      string   `json:"description,omitempty"`
	Privilege        int      `json:"privilege"`
	MaxEffectSizeL2  float64  `json:"max_effect_size_l2"`
	AllowedScopes    []string `json:"allowed_scopes"`
	RequiresMultisig bool     `json:"requires_multisig"`
}

// TokenGrant binds a concrete token identifier to a kind and a subject.
type TokenGrant struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	SubjectID string `json:"subject_id"`
}

func (t TokenPolicy) Kind(name string) (TokenKind, bool) {
	for _, kind := range t.Tokens {
		if kind.Kind == name {
			return kind, true
		}
	}
	return TokenKind{}, false
}

func (t TokenPolicy) Grant(id string) (TokenGrant, bool) {
	for _, grant := range t.Grants {
		if grant.ID == id {
			return grant, true
		}
	}
	return TokenGrant{}, false
}

// HighestPrivilege returns the kind with the largest privilege. Ties resolve
// to the first declared kind.
func (t TokenPolicy) HighestPrivilege() (TokenKind, bool) {
	if len(t.Tokens) == 0 {
		return TokenKind{}, false
	}
	best := t.Tokens[0]
	for _, kind := range t.Tokens[1:] {
		if kind.Privilege > best.Privilege {
			best = kind
		}
	}
	return best, true
}

type GuardPipeline struct {
	Header
	Stages []Stage `json:"stages"`
}

type Stage struct {
	Order           int    `json:"order"`
	Name            string `json:"name"`
	FailureDecision string `json:"failure_decision"`
}

// Manifest is the validated boot-time policy bundle. It is read-only once
// loaded.
type Manifest struct {
	Risk     RiskModel
	Stake    StakeSchema
	Rights   RightsPolicy
	Tokens   TokenPolicy
	Pipeline GuardPipeline
	Hash     string
	Bytes    []byte
}

// OrderedStages returns the pipeline stages sorted by declared order.
func (m *Manifest) OrderedStages() []Stage {
	out := make([]Stage, len(m.Pipeline.Stages))
	for _, stage := range m.Pipeline.Stages {
		if stage.Order >= 0 && stage.Order < len(out) {
			out[stage.Order] = stage
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
