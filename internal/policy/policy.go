// Package policy decides whether a proposal may bypass human review.
package policy

import (
	"fmt"
	"strings"
)

// Kind is the category tag a proposal carries.
type Kind string

const (
	KindPost       Kind = "post"
	KindDeploy     Kind = "deploy"
	KindBuild      Kind = "build"
	KindResearch   Kind = "research"
	KindAnalyze    Kind = "analyze"
	KindCrawl      Kind = "crawl"
	KindDraftTweet Kind = "draft_tweet"
	KindTest       Kind = "test"
	KindOther      Kind = "other"
)

// Tier is the risk classification of a kind.
type Tier int

const (
	TierUnknown Tier = iota
	TierLowRisk
	TierHumanRequired
)

func (t Tier) String() string {
	switch t {
	case TierLowRisk:
		return "low_risk"
	case TierHumanRequired:
		return "human_required"
	default:
		return "unknown"
	}
}

// DefaultTier is the built-in classification table.
func (k Kind) DefaultTier() Tier {
	switch k {
	case KindPost, KindDeploy, KindBuild:
		return TierHumanRequired
	case KindResearch, KindAnalyze, KindCrawl, KindDraftTweet, KindTest:
		return TierLowRisk
	default:
		return TierUnknown
	}
}

const (
	ReasonManualReview   = "Manual review required"
	ReasonLowRisk        = "Low-risk task auto-approved"
	ReasonQuotaExhausted = "Quota exhausted"
	ReasonUnknownKind    = "Unknown task kind - manual review"
)

type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
	Tier     Tier   `json:"-"`
}

// Evaluator classifies kinds, with optional overrides on top of DefaultTier.
type Evaluator struct {
	overrides map[Kind]Tier
}

// New builds an evaluator. Kinds in autoApprove become low risk and kinds in
// requireHuman always need review.
func New(autoApprove, requireHuman []string) (Evaluator, error) {
	overrides := make(map[Kind]Tier, len(autoApprove)+len(requireHuman))
	for _, k := range autoApprove {
		overrides[Kind(strings.TrimSpace(k))] = TierLowRisk
	}
	for _, k := range requireHuman {
		kind := Kind(strings.TrimSpace(k))
		if overrides[kind] == TierLowRisk {
			return Evaluator{}, fmt.Errorf("kind %s cannot be both auto-approved and human-required", kind)
		}
		overrides[kind] = TierHumanRequired
	}
	return Evaluator{overrides: overrides}, nil
}

// Tier returns the classification used for kind.
func (e Evaluator) Tier(kind Kind) Tier {
	if t, ok := e.overrides[kind]; ok {
		return t
	}
	return kind.DefaultTier()
}

// Evaluate applies the risk table. remaining is the quota left after the
// submission was counted.
func (e Evaluator) Evaluate(kind Kind, autoApproveRequested bool, remaining int) Decision {
	tier := e.Tier(kind)
	if !autoApproveRequested {
		return Decision{Approved: false, Reason: ReasonManualReview, Tier: tier}
	}
	switch tier {
	case TierHumanRequired:
		return Decision{Approved: false, Reason: fmt.Sprintf("%s requires human approval", kind), Tier: tier}
	case TierLowRisk:
		if remaining > 0 {
			return Decision{Approved: true, Reason: ReasonLowRisk, Tier: tier}
		}
		return Decision{Approved: false, Reason: ReasonQuotaExhausted, Tier: tier}
	default:
		return Decision{Approved: false, Reason: ReasonUnknownKind, Tier: tier}
	}
}
