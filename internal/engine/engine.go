// Package engine implements PolicyShield's decision engine: the Engine
// value owns the ruleset pointer, session table, approval store, trace
// recorder, and kill switch, and runs the check/post_check pipeline that
// turns a tool invocation into a verdict. Engine is the one value the
// HTTP service holds a reference to; tests construct fresh engines
// rather than relying on package state.
package engine

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/policyshield/policyshield/internal/approval"
	"github.com/policyshield/policyshield/internal/matcher"
	"github.com/policyshield/policyshield/internal/model"
	"github.com/policyshield/policyshield/internal/notify"
	"github.com/policyshield/policyshield/internal/pii"
	"github.com/policyshield/policyshield/internal/sanitizer"
	"github.com/policyshield/policyshield/internal/session"
	"github.com/policyshield/policyshield/internal/trace"
)

// DefaultPostCheckByteCap bounds how many bytes of a string tool result
// post_check scans for PII.
const DefaultPostCheckByteCap = 10000

// stats are process-wide request counters surfaced by /api/v1/status.
type stats struct {
	total   atomic.Int64
	allow   atomic.Int64
	block   atomic.Int64
	redact  atomic.Int64
	approve atomic.Int64
}

// Engine is the process's single decision-engine value.
type Engine struct {
	rs          atomic.Pointer[model.RuleSet]
	detector    atomic.Pointer[pii.Detector]
	sessions    *session.Table
	approvals   *approval.Store
	tracer      *trace.Recorder
	notifier    *notify.Telegram
	logger      zerolog.Logger
	mode        model.Mode
	killed      atomic.Bool
	killReason  atomic.Pointer[string]
	postCheckCap int
	stats       stats

	stopCh     chan struct{}
	stopOnce   sync.Once
	shutdownCh chan string
}

// Options configures optional Engine behavior; all fields have usable
// zero values.
type Options struct {
	Mode             model.Mode
	Notifier         *notify.Telegram
	Logger           zerolog.Logger
	RingCapacity     int
	IdleTTL          time.Duration
	ApprovalMaxAge   time.Duration
	PostCheckByteCap int
}

// New constructs an Engine over rs, recording to tracer. opts may be the
// zero value.
func New(rs *model.RuleSet, tracer *trace.Recorder, opts Options) *Engine {
	if opts.Mode == "" {
		opts.Mode = model.ModeEnforce
	}
	if opts.PostCheckByteCap <= 0 {
		opts.PostCheckByteCap = DefaultPostCheckByteCap
	}

	e := &Engine{
		sessions:     session.NewTable(opts.RingCapacity, opts.IdleTTL),
		approvals:    approval.NewStore(opts.ApprovalMaxAge),
		tracer:       tracer,
		notifier:     opts.Notifier,
		logger:       opts.Logger,
		mode:         opts.Mode,
		postCheckCap: opts.PostCheckByteCap,
		stopCh:       make(chan struct{}),
		shutdownCh:   make(chan string, 1),
	}
	e.rs.Store(rs)
	e.detector.Store(pii.New(rs.PIIPatterns))
	return e
}

// Start launches background maintenance: idle-session GC and
// approval-record GC. Stop halts both.
func (e *Engine) Start() {
	e.sessions.StartGC(time.Minute)
	e.approvals.StartGC(time.Hour, e.stopCh)
}

// Stop halts background maintenance goroutines.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.sessions.Stop()
}

// RequestShutdown engages the kill switch and asks the process to exit.
// The serve loop drains ShutdownRequested and translates it into the
// kill-switch exit code.
func (e *Engine) RequestShutdown(reason string) {
	e.KillSwitch(reason)
	select {
	case e.shutdownCh <- reason:
	default:
	}
}

// ShutdownRequested delivers the reason of a kill-switch-requested
// process shutdown.
func (e *Engine) ShutdownRequested() <-chan string {
	return e.shutdownCh
}

// RuleSet returns the currently active ruleset snapshot.
func (e *Engine) RuleSet() *model.RuleSet {
	return e.rs.Load()
}

// Mode returns the process-wide enforcement mode.
func (e *Engine) Mode() model.Mode { return e.mode }

// Sessions exposes the session table for HTTP handlers (clear-taint).
func (e *Engine) Sessions() *session.Table { return e.sessions }

// Approvals exposes the approval store for HTTP handlers.
func (e *Engine) Approvals() *approval.Store { return e.approvals }

// Reload atomically swaps the active ruleset, rebuilds the PII detector
// from the new custom pattern set, and invalidates any pending approval
// whose rule id no longer exists. In-flight Check calls observe either
// the old or the new set, never a mixed state.
func (e *Engine) Reload(newRS *model.RuleSet) {
	old := e.rs.Load()
	e.rs.Store(newRS)
	e.detector.Store(pii.New(newRS.PIIPatterns))

	if old == nil {
		return
	}
	for _, r := range old.Rules {
		if newRS.RuleByID(r.ID) == nil {
			e.approvals.InvalidateRule(r.ID)
		}
	}
}

// KillSwitch engages the kill switch with the given reason.
func (e *Engine) KillSwitch(reason string) {
	e.killReason.Store(&reason)
	e.killed.Store(true)
}

// Resume clears the kill switch.
func (e *Engine) Resume() {
	e.killed.Store(false)
}

// Killed reports whether the kill switch is engaged, and its reason.
func (e *Engine) Killed() (bool, string) {
	if !e.killed.Load() {
		return false, ""
	}
	r := e.killReason.Load()
	if r == nil {
		return true, ""
	}
	return true, *r
}

// Stats returns a snapshot of request counters for /api/v1/status.
type Stats struct {
	Total, Allow, Block, Redact, Approve int64
	Sessions                             int
}

func (e *Engine) Stats() Stats {
	return Stats{
		Total:    e.stats.total.Load(),
		Allow:    e.stats.allow.Load(),
		Block:    e.stats.block.Load(),
		Redact:   e.stats.redact.Load(),
		Approve:  e.stats.approve.Load(),
		Sessions: e.sessions.Count(),
	}
}

// pipelineOutcome carries the state threaded through Check's numbered
// steps before the final AUDIT-mode rewrite and trace are applied.
type pipelineOutcome struct {
	verdict       model.Verdict
	ruleID        string
	message       string
	modifiedArgs  map[string]any
	approvalID    string
	piiMatches    []model.PIIMatch
	increment     bool
	neverIncrement bool // sanitizer/honeypot/killswitch: never increments regardless of final verdict
	bypassAudit   bool  // kill switch / honeypot: not subject to AUDIT-mode downgrade
}

// Check runs the full decision pipeline for one tool invocation and
// returns a *model.ShieldResult. It never returns a non-nil error for
// ordinary rule outcomes; the error return is reserved for DecisionError
// (an unexpected internal failure), which is itself handled per the
// ruleset's fail-open/fail-closed mode rather than propagated raw.
func (e *Engine) Check(toolName string, args map[string]any, sessionID, sender string) (result *model.ShieldResult, err error) {
	rs := e.rs.Load()
	sess := e.sessions.Get(sessionID)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("tool", toolName).Msg("decision engine panic")
			result, err = e.failResult(rs, toolName, args, sessionID), nil
		}
	}()

	e.stats.total.Add(1)

	outcome := e.runPipeline(rs, toolName, args, sessionID, sess)

	finalVerdict := outcome.verdict
	finalArgs := outcome.modifiedArgs
	if e.mode == model.ModeAudit && !outcome.bypassAudit {
		if finalVerdict == model.VerdictBlock || finalVerdict == model.VerdictRedact {
			finalVerdict = model.VerdictAllow
			finalArgs = nil
		}
	}

	if !outcome.neverIncrement && (finalVerdict == model.VerdictAllow || finalVerdict == model.VerdictRedact) {
		sess.IncrementCounter()
	}
	sess.RecordEvent(toolName, finalVerdict)

	e.countVerdict(finalVerdict)

	if e.tracer != nil {
		e.tracer.Record(trace.Record{
			SessionID: sessionID,
			ToolName:  toolName,
			Verdict:   outcome.verdict, // the pre-AUDIT-rewrite verdict is always what gets traced
			RuleID:    outcome.ruleID,
			PIITypes:  piiTypes(outcome.piiMatches),
			Message:   outcome.message,
			ArgsHash:  trace.HashArgs(args),
		})
	}

	res := &model.ShieldResult{
		Verdict:      finalVerdict,
		RuleID:       outcome.ruleID,
		Message:      outcome.message,
		ModifiedArgs: finalArgs,
		ApprovalID:   outcome.approvalID,
		PIIMatches:   outcome.piiMatches,
	}
	return res, nil
}

// PostCheckResult is the outcome of a post_check call.
type PostCheckResult struct {
	PIITypes       []model.PIIType `json:"pii_types"`
	RedactedOutput any             `json:"redacted_output"`
}

// PostCheck scans a tool's result payload for PII (a string result is
// truncated to the engine's byte cap first; other result shapes are
// scanned whole) and, if the rule that matched the originating check had
// taint_chain enabled, unions the detected types into the session's taint
// set, keeping only the types the taint_chain lists when it lists any.
// toolRuleID identifies that rule, or "" if none matched / the rule
// carried no taint_chain.
func (e *Engine) PostCheck(sessionID string, result any, toolRuleID string) PostCheckResult {
	rs := e.rs.Load()
	truncated := truncateForScan(result, e.postCheckCap)

	detector := e.detector.Load()
	matches := detector.ScanValue(truncated)
	redacted := detector.RedactValue(truncated)

	if toolRuleID != "" {
		if rule := rs.RuleByID(toolRuleID); rule != nil && rule.TaintChain != nil {
			listed := make(map[model.PIIType]bool, len(rule.TaintChain.Types))
			for _, t := range rule.TaintChain.Types {
				listed[t] = true
			}
			var taint []model.PIIType
			for _, t := range piiTypes(matches) {
				if len(listed) == 0 || listed[t] {
					taint = append(taint, t)
				}
			}
			sess := e.sessions.Get(sessionID)
			sess.AddTaint(taint)
		}
	}

	return PostCheckResult{PIITypes: piiTypes(matches), RedactedOutput: redacted}
}

// truncateForScan bounds how much of a string-valued result is scanned.
func truncateForScan(v any, cap int) any {
	s, ok := v.(string)
	if !ok || cap <= 0 || len(s) <= cap {
		return v
	}
	return s[:cap]
}

// ConstraintsSummary renders a human-readable digest of the active
// ruleset's rules, suitable for embedding in an agent's system prompt so
// it can anticipate what will be blocked.
func (e *Engine) ConstraintsSummary() string {
	rs := e.rs.Load()
	if rs == nil || len(rs.Rules) == 0 {
		return fmt.Sprintf("%s: no active rules (default verdict: %s)", rs.ShieldName, rs.DefaultVerdict)
	}

	lines := make([]string, 0, len(rs.Rules)+1)
	lines = append(lines, fmt.Sprintf("%s (default: %s):", rs.ShieldName, rs.DefaultVerdict))
	for _, r := range rs.Rules {
		if r.Disabled {
			continue
		}
		desc := r.Message
		if desc == "" {
			desc = fmt.Sprintf("%s on %v", r.Then, r.When.Tool)
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s: %s", r.Severity, r.ID, desc))
	}
	return strings.Join(lines, "\n")
}

func (e *Engine) countVerdict(v model.Verdict) {
	switch v {
	case model.VerdictAllow:
		e.stats.allow.Add(1)
	case model.VerdictBlock:
		e.stats.block.Add(1)
	case model.VerdictRedact:
		e.stats.redact.Add(1)
	case model.VerdictApprove:
		e.stats.approve.Add(1)
	}
}

func (e *Engine) failResult(rs *model.RuleSet, toolName string, args map[string]any, sessionID string) *model.ShieldResult {
	failMode := "open"
	if rs != nil && rs.FailMode != "" {
		failMode = rs.FailMode
	}
	if failMode == "closed" {
		return &model.ShieldResult{Verdict: model.VerdictBlock, RuleID: model.RuleIDError, Message: "internal decision error; failing closed"}
	}
	return &model.ShieldResult{Verdict: model.VerdictAllow, RuleID: model.RuleIDError, Message: "internal decision error; failing open"}
}

// runPipeline runs the kill-switch, honeypot, sanitizer, matcher, and
// rate-limit checks in order, returning the pre-AUDIT-rewrite outcome.
func (e *Engine) runPipeline(rs *model.RuleSet, toolName string, args map[string]any, sessionID string, sess *session.Session) pipelineOutcome {
	// Step 1: kill switch gate — always BLOCKs, bypasses AUDIT.
	if killed, reason := e.Killed(); killed {
		msg := "kill switch engaged"
		if reason != "" {
			msg = fmt.Sprintf("kill switch engaged: %s", reason)
		}
		return pipelineOutcome{verdict: model.VerdictBlock, ruleID: model.RuleIDKillSwitch, message: msg, neverIncrement: true, bypassAudit: true}
	}

	// mode == disabled: the shield is a pass-through. Still traced, but
	// evaluates nothing.
	if e.mode == model.ModeDisabled {
		return pipelineOutcome{verdict: model.VerdictAllow, ruleID: "__disabled__", message: "shield disabled", increment: true}
	}

	// Step 2: honeypot check — always BLOCKs, bypasses AUDIT.
	for _, hp := range rs.Honeypots {
		if matcher.MatchTool([]string{hp.Tool}, toolName) {
			return pipelineOutcome{verdict: model.VerdictBlock, ruleID: model.RuleIDHoneypot, message: "honeypot tool invoked", neverIncrement: true, bypassAudit: true}
		}
	}

	// Step 3: sanitizer — subject to AUDIT override, never increments.
	if !rs.SanitizerDisabled {
		findings := sanitizer.Scan(flattenStrings(args))
		if len(findings) > 0 {
			return pipelineOutcome{
				verdict:        model.VerdictBlock,
				ruleID:         model.RuleIDSanitizer,
				message:        sanitizerMessage(findings),
				neverIncrement: true,
			}
		}
	}

	// Step 4: PII pre-scan, feeding has_pii predicates.
	detector := e.detector.Load()
	fullScan := detector.ScanValue(args)
	piiFields := make(map[string]bool, len(fullScan))
	for _, m := range fullScan {
		piiFields[m.Field] = true
	}

	sessView := sessionView{s: sess}
	rule := matcher.Match(rs, toolName, args, piiFields, sessView)

	// Step 5: no rule matched — the ruleset's default verdict applies.
	if rule == nil {
		if rs.DefaultVerdict == model.VerdictAllow {
			return pipelineOutcome{verdict: model.VerdictAllow, ruleID: model.RuleIDDefaultAllow, message: "no rule matched; default allow", increment: true}
		}
		return pipelineOutcome{verdict: model.VerdictBlock, ruleID: model.RuleIDDefaultDeny, message: "no rule matched; default deny"}
	}

	outcome := e.applyRule(rs, rule, toolName, args, sessionID, sess, detector, fullScan)

	// Rate limit applies as a post-match override regardless of the
	// action the rule produced, so an approve-then-ratelimit rule still
	// ends up BLOCKed on overflow rather than stuck pending.
	if rule.RateLimit != nil {
		window := time.Duration(rule.RateLimit.WindowSeconds) * time.Second
		if sess.CheckRateLimit(rule.ID, rule.RateLimit.MaxCalls, window) {
			return pipelineOutcome{
				verdict: model.VerdictBlock,
				ruleID:  model.RuleIDRateLimit,
				message: fmt.Sprintf("rate limit exceeded for rule %q", rule.ID),
			}
		}
	}

	return outcome
}

// applyRule handles steps 6-9: allow/block/redact/approve.
func (e *Engine) applyRule(rs *model.RuleSet, rule *model.Rule, toolName string, args map[string]any, sessionID string, sess *session.Session, detector *pii.Detector, fullScan []model.PIIMatch) pipelineOutcome {
	switch rule.Then {
	case model.ActionAllow:
		return pipelineOutcome{verdict: model.VerdictAllow, ruleID: rule.ID, message: rule.Message, increment: true}

	case model.ActionBlock:
		return pipelineOutcome{verdict: model.VerdictBlock, ruleID: rule.ID, message: rule.Message}

	case model.ActionRedact:
		modified, _ := detector.RedactValue(args).(map[string]any)
		return pipelineOutcome{
			verdict:      model.VerdictRedact,
			ruleID:       rule.ID,
			message:      rule.Message,
			modifiedArgs: modified,
			piiMatches:   fullScan,
			increment:    true,
		}

	case model.ActionApprove:
		return e.applyApprove(rule, toolName, args, sessionID)

	default:
		return pipelineOutcome{verdict: model.VerdictBlock, ruleID: model.RuleIDError, message: fmt.Sprintf("unknown action %q", rule.Then)}
	}
}

// applyApprove implements step 9: cache consultation and
// PendingApproval creation.
func (e *Engine) applyApprove(rule *model.Rule, toolName string, args map[string]any, sessionID string) pipelineOutcome {
	if existing, ok := e.approvals.Lookup(rule, toolName, sessionID); ok {
		switch existing.Status {
		case model.ApprovalApproved:
			return pipelineOutcome{verdict: model.VerdictAllow, ruleID: rule.ID, message: "approved by " + existing.Responder, increment: true}
		case model.ApprovalDenied:
			return pipelineOutcome{verdict: model.VerdictBlock, ruleID: rule.ID, message: "approval denied: " + existing.Responder}
		default: // pending
			return pipelineOutcome{verdict: model.VerdictApprove, ruleID: rule.ID, message: rule.Message, approvalID: existing.ApprovalID}
		}
	}

	created := e.approvals.Create(rule, toolName, args, sessionID)
	if e.notifier != nil {
		go e.notifier.NotifyApproval(created.ApprovalID, toolName, rule.ID, sessionID)
	}
	return pipelineOutcome{verdict: model.VerdictApprove, ruleID: rule.ID, message: rule.Message, approvalID: created.ApprovalID}
}

// sessionView adapts *session.Session to matcher.SessionView.
type sessionView struct{ s *session.Session }

func (v sessionView) FindRecent(tool string, within time.Duration, minCount int, verdict *model.Verdict) bool {
	return v.s.FindRecent(tool, within, minCount, verdict)
}
func (v sessionView) HasTaint(t model.PIIType) bool { return v.s.HasTaint(t) }

func piiTypes(matches []model.PIIMatch) []model.PIIType {
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[model.PIIType]bool)
	var out []model.PIIType
	for _, m := range matches {
		if !seen[m.Type] {
			seen[m.Type] = true
			out = append(out, m.Type)
		}
	}
	return out
}

func sanitizerMessage(findings []sanitizer.Finding) string {
	if len(findings) == 0 {
		return ""
	}
	return fmt.Sprintf("%s: %s (field %q)", findings[0].Detector, findings[0].Reason, findings[0].Field)
}

// flattenStrings walks a dynamic JSON-shaped arg map and produces the
// flat key->string view internal/sanitizer.Scan expects. Nested object
// keys win over array indices, matching the field-attribution style
// internal/pii.ScanValue already uses.
func flattenStrings(args map[string]any) map[string]string {
	out := make(map[string]string)
	var walk func(key string, v any)
	walk = func(key string, v any) {
		switch t := v.(type) {
		case string:
			out[key] = t
		case map[string]any:
			for k, vv := range t {
				walk(k, vv)
			}
		case []any:
			for _, vv := range t {
				walk(key, vv)
			}
		}
	}
	for k, v := range args {
		walk(k, v)
	}
	return out
}
