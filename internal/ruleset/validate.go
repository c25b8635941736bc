package ruleset

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/policyshield/policyshield/internal/model"
)

// MaxRegexLen is the hard cap on regex pattern length, enforced at load
// time to bound worst-case matching.
const MaxRegexLen = 500

var topLevelKeys = map[string]bool{
	"shield_name": true, "version": true, "default_verdict": true,
	"honeypots": true, "pii_patterns": true, "sanitizer_disabled": true,
	"fail_mode": true, "rules": true,
}

var ruleKeys = map[string]bool{
	"id": true, "when": true, "then": true, "severity": true,
	"message": true, "approval_strategy": true, "rate_limit": true,
	"taint_chain": true, "disabled": true,
}

var whenKeys = map[string]bool{
	"tool": true, "args": true, "chain": true, "has_taint": true,
}

var chainKeys = map[string]bool{
	"tool": true, "within_seconds": true, "min_count": true, "verdict": true,
}

var honeypotKeys = map[string]bool{"tool": true}

// checkKnownKeys rejects any mapping key not present in allowed. Unknown
// top-level keys and unknown keys inside when.chain are both schema
// validation failures.
func checkKnownKeys(node *yaml.Node, allowed map[string]bool, what string) error {
	if node != nil && node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		if !allowed[key] {
			return &ValidationError{
				Pos: Pos{Line: node.Content[i].Line},
				Msg: fmt.Sprintf("unknown key %q in %s", key, what),
			}
		}
	}
	return nil
}

// validateStrict walks the document tree rejecting unknown keys at the
// positions the schema cares about: the document root, each rule, each
// rule's when block, and each when.chain block.
func validateStrict(root *yaml.Node) error {
	if err := checkKnownKeys(root, topLevelKeys, "ruleset"); err != nil {
		return err
	}

	rulesNode := mappingValue(root, "rules")
	if rulesNode == nil {
		return nil
	}
	for _, ruleNode := range rulesNode.Content {
		if err := checkKnownKeys(ruleNode, ruleKeys, "rule"); err != nil {
			return err
		}
		whenNode := mappingValue(ruleNode, "when")
		if whenNode == nil {
			continue
		}
		if err := checkKnownKeys(whenNode, whenKeys, "when"); err != nil {
			return err
		}
		chainNode := mappingValue(whenNode, "chain")
		if chainNode != nil {
			if err := checkKnownKeys(chainNode, chainKeys, "when.chain"); err != nil {
				return err
			}
		}
	}

	honeypotsNode := mappingValue(root, "honeypots")
	if honeypotsNode != nil {
		for _, hp := range honeypotsNode.Content {
			if err := checkKnownKeys(hp, honeypotKeys, "honeypot"); err != nil {
				return err
			}
		}
	}
	return nil
}

// mappingValue returns the value node for key within a mapping node (the
// document root is itself wrapped one level deeper by yaml.v3).
func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil {
		return nil
	}
	if node.Kind == yaml.DocumentNode && len(node.Content) > 0 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

// compileRegex enforces the length cap and compiles the pattern, caching
// the result on the predicate so the matcher never recompiles per call.
func compileRegex(pattern string, pos Pos) (*regexp.Regexp, error) {
	if len(pattern) > MaxRegexLen {
		return nil, &PatternError{
			Pos:     pos,
			Pattern: pattern,
			Err:     fmt.Errorf("pattern length %d exceeds max %d", len(pattern), MaxRegexLen),
		}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &PatternError{Pos: pos, Pattern: pattern, Err: err}
	}
	return re, nil
}

// validateRuleSet checks semantic constraints beyond the YAML schema:
// unique non-empty rule ids, default_verdict and then values, positive
// rate_limit fields and chain.min_count, and compiles + caches every regex
// ArgPredicate and custom PII pattern. severity, approval_strategy and
// taint_chain values are not checked.
func validateRuleSet(rs *model.RuleSet) error {
	if rs.DefaultVerdict != model.VerdictAllow && rs.DefaultVerdict != model.VerdictBlock {
		return &ValidationError{Msg: fmt.Sprintf("default_verdict must be ALLOW or BLOCK, got %q", rs.DefaultVerdict)}
	}

	seen := make(map[string]bool, len(rs.Rules))
	for _, r := range rs.Rules {
		if r.ID == "" {
			return &ValidationError{Msg: "rule id must not be empty"}
		}
		if seen[r.ID] {
			return &ValidationError{Msg: fmt.Sprintf("duplicate rule id %q", r.ID)}
		}
		seen[r.ID] = true

		switch r.Then {
		case model.ActionAllow, model.ActionBlock, model.ActionRedact, model.ActionApprove:
		default:
			return &ValidationError{Msg: fmt.Sprintf("rule %q: invalid then %q", r.ID, r.Then)}
		}

		for field, pred := range r.When.Args {
			p := pred
			if err := validatePredicate(&p, r.ID, field); err != nil {
				return err
			}
			r.When.Args[field] = p
		}

		if r.RateLimit != nil && (r.RateLimit.MaxCalls <= 0 || r.RateLimit.WindowSeconds <= 0) {
			return &ValidationError{Msg: fmt.Sprintf("rule %q: rate_limit requires positive max_calls and window_seconds", r.ID)}
		}
		if r.When.Chain != nil && r.When.Chain.MinCount <= 0 {
			return &ValidationError{Msg: fmt.Sprintf("rule %q: chain.min_count must be positive", r.ID)}
		}
	}

	for t, pattern := range rs.PIIPatterns {
		re, err := compileRegex(pattern, Pos{})
		if err != nil {
			return err
		}
		_ = re // validated; internal/pii recompiles custom patterns at detector-build time
		_ = t
	}

	return nil
}

func validatePredicate(p *model.ArgPredicate, ruleID, field string) error {
	if p.Regex != "" {
		re, err := compileRegex(p.Regex, Pos{})
		if err != nil {
			return err
		}
		p.SetCompiledRegex(re)
	}
	if p.Any != nil {
		if err := validatePredicate(p.Any, ruleID, field+"._any"); err != nil {
			return err
		}
	}
	if p.All != nil {
		if err := validatePredicate(p.All, ruleID, field+"._all"); err != nil {
			return err
		}
	}
	return nil
}
