// Package scoring evaluates declarative confidence rules against the set of
// sources contributing to a postcode.
package scoring

import (
	"regexp"

	"github.com/rotisserie/eris"

	"github.com/crown-postcodes/harvest-cli/internal/model"
)

// ConditionKind is the variant tag of a rule condition.
type ConditionKind string

const (
	// CondHasSource fires when the group contains the named source class.
	CondHasSource ConditionKind = "has_source"
	// CondCoordSource fires when the chosen coordinate came from the named
	// source class.
	CondCoordSource ConditionKind = "coord_source"
)

// Condition is one parsed rule condition. Conditions are decoded from their
// config form ("has_source(X)", "coord_source(X)") once at load time.
type Condition struct {
	Kind  ConditionKind
	Class model.SourceClass
}

var condRe = regexp.MustCompile(`^(has_source|coord_source)\(([a-z0-9_-]+)\)$`)

// ParseCondition decodes the config string form of a condition.
func ParseCondition(raw string) (Condition, error) {
	m := condRe.FindStringSubmatch(raw)
	if m == nil {
		return Condition{}, eris.Errorf("scoring: unparseable condition %q", raw)
	}
	return Condition{Kind: ConditionKind(m[1]), Class: model.SourceClass(m[2])}, nil
}

// Rule is one scoring rule: an identifier, a condition, and a signed delta.
type Rule struct {
	ID    string
	Cond  Condition
	Delta int
}

// Clamp bounds the accumulated rule total.
type Clamp struct {
	Min int
	Max int
}

// Profile is a named, ordered rule list with a clamp range.
type Profile struct {
	Name  string
	Rules []Rule
	Clamp Clamp
}

// Explanation is the audit trail of one profile application. AppliedRules
// preserves declaration order; the order is part of the contract, not just
// the score.
type Explanation struct {
	AppliedRules []string `json:"applied_rules"`
	RawTotal     int      `json:"raw_total"`
	ClampedTotal int      `json:"clamped_total"`
}

// Apply evaluates the profile against the distinct source classes of a
// postcode group and the class the chosen coordinate came from. Every rule
// whose condition holds contributes its delta; the total is min/max clamped.
func Apply(p Profile, sourceClasses map[model.SourceClass]bool, coordSource model.SourceClass) (int, Explanation) {
	total := 0
	applied := make([]string, 0, len(p.Rules))

	for _, rule := range p.Rules {
		hit := false
		switch rule.Cond.Kind {
		case CondHasSource:
			hit = sourceClasses[rule.Cond.Class]
		case CondCoordSource:
			hit = coordSource != "" && coordSource == rule.Cond.Class
		}
		if hit {
			total += rule.Delta
			applied = append(applied, rule.ID)
		}
	}

	clamped := total
	if clamped < p.Clamp.Min {
		clamped = p.Clamp.Min
	}
	if clamped > p.Clamp.Max {
		clamped = p.Clamp.Max
	}

	return clamped, Explanation{
		AppliedRules: applied,
		RawTotal:     total,
		ClampedTotal: clamped,
	}
}
