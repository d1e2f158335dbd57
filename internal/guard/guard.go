// Package guard evaluates proposals against the policy manifest. Every guard
// is a pure function of the proposal and the manifest; denials are values.
package guard

import (
	"github.com/davidahmann/sovereignty/internal/manifest"
	"github.com/davidahmann/sovereignty/pkg/types"
)

// Guard is one evaluation stage of the pipeline.
type Guard interface {
	Name() string
	Evaluate(p types.ProposalRecord, m *manifest.Manifest) Result
}

type Result struct {
	Allowed    bool
	HardStop   bool
	Reason     types.ReasonCode
	Detail     string
	Advisories []types.Advisory
}

func pass(advisories ...types.Advisory) Result {
	return Result{Allowed: true, Advisories: advisories}
}

func deny(reason types.ReasonCode, detail string) Result {
	return Result{Reason: reason, Detail: detail}
}

func stop(reason types.ReasonCode, detail string) Result {
	return Result{HardStop: true, Reason: reason, Detail: detail}
}

func hasAny(values []string, set []string) (string, bool) {
	for _, v := range values {
		for _, s := range set {
			if v == s {
				return v, true
			}
		}
	}
	return "", false
}
