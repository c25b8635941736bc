// Package matcher implements PolicyShield's rule-matching engine: given
// (tool name, args, session), it walks rules in declared order and
// returns the first one whose predicate holds.
package matcher

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/policyshield/policyshield/internal/model"
)

// SessionView is the subset of session state the matcher needs to
// evaluate chain conditions and taint predicates. Defined at point of use
// so this package never imports internal/session directly.
type SessionView interface {
	FindRecent(tool string, within time.Duration, minCount int, verdict *model.Verdict) bool
	HasTaint(t model.PIIType) bool
}

// Match walks rs.Rules in declared order and returns the first rule whose
// predicate holds against (toolName, args, session). piiFields names the
// argument fields the caller has already scanned and found to contain PII
// (the decision engine runs this scan once per call, ahead of matching, so
// has_pii predicates never trigger a second walk). Disabled rules are
// skipped. Returns nil if nothing matches.
func Match(rs *model.RuleSet, toolName string, args map[string]any, piiFields map[string]bool, session SessionView) *model.Rule {
	for _, r := range rs.Rules {
		if r.Disabled {
			continue
		}
		if matchRule(r, toolName, args, piiFields, session) {
			return r
		}
	}
	return nil
}

// MatchTool reports whether toolName is accepted by any of patterns
// (exact, list, or glob). Exported for the decision engine's honeypot
// check, which evaluates tool-name patterns outside of a full rule.
func MatchTool(patterns []string, toolName string) bool {
	return matchTool(patterns, toolName)
}

func matchRule(r *model.Rule, toolName string, args map[string]any, piiFields map[string]bool, session SessionView) bool {
	if !matchTool(r.When.Tool, toolName) {
		return false
	}
	for field, pred := range r.When.Args {
		if !matchArg(pred, args[field], piiFields, field) {
			return false
		}
	}
	if r.When.Chain != nil {
		if session == nil || !matchChain(r.When.Chain, session) {
			return false
		}
	}
	if r.When.HasTaint != "" {
		if session == nil || !session.HasTaint(r.When.HasTaint) {
			return false
		}
	}
	return true
}

// matchTool accepts exact, list, and glob ("exec*", "*_admin") patterns.
func matchTool(patterns []string, toolName string) bool {
	for _, p := range patterns {
		if matchGlob(p, toolName) {
			return true
		}
	}
	return false
}

func matchChain(c *model.ChainCondition, session SessionView) bool {
	within := time.Duration(c.WithinSeconds) * time.Second
	return session.FindRecent(c.Tool, within, c.MinCount, c.Verdict)
}

func matchArg(pred model.ArgPredicate, val any, piiFields map[string]bool, field string) bool {
	switch {
	case pred.Equals != nil:
		return equalsValue(pred.Equals, val)
	case pred.Contains != "":
		s, ok := val.(string)
		return ok && strings.Contains(s, pred.Contains)
	case pred.Regex != "":
		s, ok := val.(string)
		if !ok {
			return false
		}
		re, _ := pred.CompiledRegex().(*regexp.Regexp)
		if re == nil {
			re = regexp.MustCompile(pred.Regex)
		}
		return re.MatchString(s)
	case pred.Glob != "":
		s, ok := val.(string)
		return ok && matchGlob(pred.Glob, s)
	case pred.HasPII:
		return piiFields[field]
	case pred.Any != nil:
		return matchQuantifier(*pred.Any, val, true, piiFields, field)
	case pred.All != nil:
		return matchQuantifier(*pred.All, val, false, piiFields, field)
	default:
		return true // an empty predicate matches anything (field presence)
	}
}

func matchQuantifier(pred model.ArgPredicate, val any, any_ bool, piiFields map[string]bool, field string) bool {
	items, ok := asSlice(val)
	if !ok || len(items) == 0 {
		return false
	}
	for _, item := range items {
		ok := matchArg(pred, item, piiFields, field)
		if any_ && ok {
			return true
		}
		if !any_ && !ok {
			return false
		}
	}
	return !any_
}

func asSlice(val any) ([]any, bool) {
	switch t := val.(type) {
	case []any:
		return t, true
	case map[string]any:
		out := make([]any, 0, len(t))
		for _, v := range t {
			out = append(out, v)
		}
		return out, true
	default:
		return nil, false
	}
}

func equalsValue(want, got any) bool {
	// JSON-decoded numbers arrive as float64; compare via the usual
	// comparable-after-normalization approach rather than requiring the
	// rule author to match Go's numeric kind exactly.
	if wf, ok := toFloat(want); ok {
		if gf, ok := toFloat(got); ok {
			return wf == gf
		}
	}
	return want == got
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// matchGlob supports "*" as a wildcard matching any run of characters
// (including none), anchored at both ends.
func matchGlob(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == s
	}
	re := globToRegexp(pattern)
	return re.MatchString(s)
}

// globCache caches compiled glob patterns across concurrent matcher calls.
var globCache sync.Map

func globToRegexp(pattern string) *regexp.Regexp {
	if v, ok := globCache.Load(pattern); ok {
		return v.(*regexp.Regexp)
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, ".*")
	re := regexp.MustCompile("^" + escaped + "$")
	actual, _ := globCache.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp)
}
