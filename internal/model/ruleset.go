package model

// RuleSet is the loaded, validated configuration. It is immutable once
// built; hot-reload swaps the whole value atomically.
type RuleSet struct {
	ShieldName     string            `yaml:"shield_name" json:"shield_name"`
	Version        int               `yaml:"version" json:"version"`
	DefaultVerdict Verdict           `yaml:"default_verdict" json:"default_verdict"`
	Rules          []*Rule           `yaml:"rules" json:"rules"`
	Honeypots      []HoneypotPattern `yaml:"honeypots" json:"honeypots"`
	PIIPatterns    map[PIIType]string `yaml:"pii_patterns" json:"pii_patterns"`

	// SanitizerDisabled lets a ruleset opt out of the unconditional
	// built-in sanitizer.
	SanitizerDisabled bool `yaml:"sanitizer_disabled" json:"sanitizer_disabled"`

	// FailMode governs how a DecisionError is handled: "open" (ALLOW with
	// a warning log) or "closed" (synthesize BLOCK __error__).
	FailMode string `yaml:"fail_mode" json:"fail_mode"`

	// Hash is the stable hex content digest used by /health to signal
	// reload, in "sha256:<hex>" form.
	Hash string `yaml:"-" json:"-"`
}

// HoneypotPattern is a single decoy tool-name pattern.
type HoneypotPattern struct {
	Tool string `yaml:"tool" json:"tool"`
}

// RulesCount returns the number of user-authored rules, for /health and
// /reload responses.
func (rs *RuleSet) RulesCount() int {
	if rs == nil {
		return 0
	}
	return len(rs.Rules)
}

// RuleByID looks up a rule by id in declared order. Returns nil if the
// rule is not present — callers use this to detect "rule gone" after a
// hot-reload invalidates an in-flight approval's rule id.
func (rs *RuleSet) RuleByID(id string) *Rule {
	if rs == nil {
		return nil
	}
	for _, r := range rs.Rules {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Rule is a single named predicate-and-action, declared in YAML order.
type Rule struct {
	ID   string `yaml:"id" json:"id"`
	When When   `yaml:"when" json:"when"`
	Then Action `yaml:"then" json:"then"`

	Severity         string           `yaml:"severity" json:"severity"`
	Message          string           `yaml:"message" json:"message"`
	ApprovalStrategy ApprovalStrategy `yaml:"approval_strategy,omitempty" json:"approval_strategy,omitempty"`
	RateLimit        *RateLimit       `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	TaintChain       *TaintChain      `yaml:"taint_chain,omitempty" json:"taint_chain,omitempty"`

	// Disabled lets an operator comment a rule out without deleting it.
	// Skipped by the matcher, still validated at load time.
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Action is the verdict-producing side of a rule ("then:").
type Action string

const (
	ActionAllow  Action = "allow"
	ActionBlock  Action = "block"
	ActionRedact Action = "redact"
	ActionApprove Action = "approve"
)

// When is a rule's predicate ("when:").
type When struct {
	// Tool accepts a single pattern, a list, or a glob (e.g. "exec*").
	// Unmarshaled from either a YAML scalar or a sequence.
	Tool []string `yaml:"-" json:"tool"`

	Args  map[string]ArgPredicate `yaml:"args,omitempty" json:"args,omitempty"`
	Chain *ChainCondition         `yaml:"chain,omitempty" json:"chain,omitempty"`

	// HasTaint, when set, requires the session to have previously
	// accumulated the given PII type via taint_chain.
	HasTaint PIIType `yaml:"has_taint,omitempty" json:"has_taint,omitempty"`
}

// ArgPredicate is a single predicate evaluated against one argument field.
// Exactly one variant should be set; Any/All recurse into a nested
// predicate applied to every element (list) or value (mapping) of a
// collection-valued field.
type ArgPredicate struct {
	Equals  any           `yaml:"equals,omitempty" json:"equals,omitempty"`
	Contains string        `yaml:"contains,omitempty" json:"contains,omitempty"`
	Regex   string        `yaml:"regex,omitempty" json:"regex,omitempty"`
	Glob    string        `yaml:"glob,omitempty" json:"glob,omitempty"`
	HasPII  bool          `yaml:"has_pii,omitempty" json:"has_pii,omitempty"`
	Any     *ArgPredicate `yaml:"_any,omitempty" json:"_any,omitempty"`
	All     *ArgPredicate `yaml:"_all,omitempty" json:"_all,omitempty"`

	// compiled caches the compiled pattern after ruleset load.
	// Exported via accessor so internal/ruleset can populate it without
	// internal/matcher needing to know about compilation.
	compiled any
}

// SetCompiledRegex stores the compiled *regexp.Regexp behind an any to
// avoid an import cycle between model and the regexp-caching loader.
func (p *ArgPredicate) SetCompiledRegex(v any) { p.compiled = v }

// CompiledRegex returns whatever was stored by SetCompiledRegex.
func (p *ArgPredicate) CompiledRegex() any { return p.compiled }

// ChainCondition is a temporal predicate over a session's recent events.
type ChainCondition struct {
	Tool          string   `yaml:"tool" json:"tool"`
	WithinSeconds int      `yaml:"within_seconds" json:"within_seconds"`
	MinCount      int      `yaml:"min_count" json:"min_count"`
	Verdict       *Verdict `yaml:"verdict,omitempty" json:"verdict,omitempty"`
}

// RateLimit caps calls matching a rule within a sliding window.
type RateLimit struct {
	MaxCalls      int `yaml:"max_calls" json:"max_calls"`
	WindowSeconds int `yaml:"window_seconds" json:"window_seconds"`
}

// TaintChain configures PII-type propagation into the session's taint set
// after a post_check.
type TaintChain struct {
	Types []PIIType `yaml:"types" json:"types"`
	On    string    `yaml:"on" json:"on"` // "redact" | "block"
}

// ShieldResult is the outcome of a single check() call.
type ShieldResult struct {
	Verdict      Verdict        `json:"verdict"`
	RuleID       string         `json:"rule_id"`
	Message      string         `json:"message"`
	ModifiedArgs map[string]any `json:"modified_args,omitempty"`
	ApprovalID   string         `json:"approval_id,omitempty"`
	PIIMatches   []PIIMatch     `json:"pii_matches,omitempty"`
}

// PIITypes extracts the distinct PII types found, for wire responses that
// want a flat list rather than full matches.
func (r *ShieldResult) PIITypes() []PIIType {
	seen := make(map[PIIType]bool)
	var out []PIIType
	for _, m := range r.PIIMatches {
		if !seen[m.Type] {
			seen[m.Type] = true
			out = append(out, m.Type)
		}
	}
	return out
}
