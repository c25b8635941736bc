package ruleset

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/policyshield/policyshield/internal/model"
)

// rawToolPattern accepts either a single YAML scalar or a sequence of
// scalars for `when.tool`.
type rawToolPattern []string

func (t *rawToolPattern) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*t = []string{s}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*t = list
		return nil
	default:
		return fmt.Errorf("when.tool: expected a string or list of strings, got %v", value.Tag)
	}
}

// rawWhen mirrors model.When but with the scalar-or-list Tool field and a
// raw node for `chain` so unknown-key validation can be applied to it
// explicitly.
type rawWhen struct {
	Tool     rawToolPattern                 `yaml:"tool"`
	Args     map[string]model.ArgPredicate `yaml:"args"`
	Chain    *yaml.Node                     `yaml:"chain"`
	HasTaint model.PIIType                  `yaml:"has_taint"`
}

type rawRule struct {
	ID               string                  `yaml:"id"`
	When             rawWhen                 `yaml:"when"`
	Then             model.Action            `yaml:"then"`
	Severity         string                  `yaml:"severity"`
	Message          string                  `yaml:"message"`
	ApprovalStrategy model.ApprovalStrategy  `yaml:"approval_strategy"`
	RateLimit        *model.RateLimit        `yaml:"rate_limit"`
	TaintChain       *model.TaintChain       `yaml:"taint_chain"`
	Disabled         bool                    `yaml:"disabled"`
}

type rawRuleSet struct {
	ShieldName        string                    `yaml:"shield_name"`
	Version           int                       `yaml:"version"`
	DefaultVerdict    model.Verdict             `yaml:"default_verdict"`
	Honeypots         []model.HoneypotPattern   `yaml:"honeypots"`
	PIIPatterns       map[model.PIIType]string  `yaml:"pii_patterns"`
	SanitizerDisabled bool                      `yaml:"sanitizer_disabled"`
	FailMode          string                    `yaml:"fail_mode"`
	Rules             []rawRule                 `yaml:"rules"`
}
