package engine

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/policyshield/policyshield/internal/model"
	"github.com/policyshield/policyshield/internal/ruleset"
)

func loadRules(t *testing.T, yaml string) *model.RuleSet {
	t.Helper()
	rs, err := ruleset.LoadBytes([]byte(yaml), t.TempDir())
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	return rs
}

func newEngine(t *testing.T, yaml string, mode model.Mode) *Engine {
	t.Helper()
	return New(loadRules(t, yaml), nil, Options{Mode: mode, Logger: zerolog.Nop()})
}

const blockExecRules = `
shield_name: test
default_verdict: ALLOW
rules:
  - id: block-exec
    when:
      tool: [exec, shell]
    then: block
    severity: high
    message: "no shell access"
`

func TestCheckBlockExec(t *testing.T) {
	e := newEngine(t, blockExecRules, model.ModeEnforce)
	res, err := e.Check("exec", map[string]any{"command": "rm -rf /tmp/x"}, "s1", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict != model.VerdictBlock || res.RuleID != "block-exec" {
		t.Errorf("expected BLOCK by block-exec, got %s by %s", res.Verdict, res.RuleID)
	}
}

func TestCheckDefaultAllow(t *testing.T) {
	e := newEngine(t, blockExecRules, model.ModeEnforce)
	res, _ := e.Check("read_file", map[string]any{"name": "notes.txt"}, "s1", "")
	if res.Verdict != model.VerdictAllow || res.RuleID != model.RuleIDDefaultAllow {
		t.Errorf("expected default allow, got %s by %s", res.Verdict, res.RuleID)
	}
}

func TestCheckDefaultDeny(t *testing.T) {
	e := newEngine(t, `
shield_name: test
default_verdict: BLOCK
rules: []
`, model.ModeEnforce)
	res, _ := e.Check("unknown_tool", nil, "s1", "")
	if res.Verdict != model.VerdictBlock || res.RuleID != model.RuleIDDefaultDeny {
		t.Errorf("expected default deny, got %s by %s", res.Verdict, res.RuleID)
	}
}

func TestCheckRedactPII(t *testing.T) {
	e := newEngine(t, `
shield_name: test
default_verdict: ALLOW
rules:
  - id: redact-email
    when:
      tool: send_email
    then: redact
    severity: medium
    message: "strip PII before sending"
`, model.ModeEnforce)

	res, _ := e.Check("send_email", map[string]any{"to": "secret@company.com", "body": "Hello"}, "s1", "")
	if res.Verdict != model.VerdictRedact {
		t.Fatalf("expected REDACT, got %s", res.Verdict)
	}
	if res.ModifiedArgs["to"] != "[EMAIL REDACTED]" {
		t.Errorf("expected to field redacted, got %v", res.ModifiedArgs["to"])
	}
	if res.ModifiedArgs["body"] != "Hello" {
		t.Errorf("expected non-PII field untouched, got %v", res.ModifiedArgs["body"])
	}
	types := res.PIITypes()
	if len(types) != 1 || types[0] != model.PIIEmail {
		t.Errorf("expected pii_types [EMAIL], got %v", types)
	}
}

func TestCheckApproveRoundTrip(t *testing.T) {
	e := newEngine(t, `
shield_name: test
default_verdict: ALLOW
rules:
  - id: approve-write
    when:
      tool: write_file
    then: approve
    severity: high
    message: "needs a human"
    approval_strategy: per_session
`, model.ModeEnforce)

	res, _ := e.Check("write_file", map[string]any{"path": "out.txt"}, "s1", "")
	if res.Verdict != model.VerdictApprove || res.ApprovalID == "" {
		t.Fatalf("expected APPROVE with id, got %s id=%q", res.Verdict, res.ApprovalID)
	}

	// Second check before resolution reuses the pending record.
	res2, _ := e.Check("write_file", map[string]any{"path": "out.txt"}, "s1", "")
	if res2.ApprovalID != res.ApprovalID {
		t.Errorf("expected per_session de-dup, got new id %q", res2.ApprovalID)
	}

	if _, err := e.Approvals().Respond(res.ApprovalID, true, "alice"); err != nil {
		t.Fatal(err)
	}
	res3, _ := e.Check("write_file", map[string]any{"path": "out.txt"}, "s1", "")
	if res3.Verdict != model.VerdictAllow {
		t.Errorf("expected cached approval to ALLOW, got %s", res3.Verdict)
	}

	// A different session is not covered by the per_session approval.
	res4, _ := e.Check("write_file", map[string]any{"path": "out.txt"}, "s2", "")
	if res4.Verdict != model.VerdictApprove {
		t.Errorf("expected APPROVE for fresh session, got %s", res4.Verdict)
	}
}

func TestCounterNeverIncrementsOnBlockOrApprove(t *testing.T) {
	e := newEngine(t, `
shield_name: test
default_verdict: ALLOW
rules:
  - id: block-exec
    when: { tool: exec }
    then: block
    severity: high
    message: no
  - id: approve-write
    when: { tool: write_file }
    then: approve
    severity: high
    message: ask
`, model.ModeEnforce)

	sess := e.Sessions().Get("s1")

	e.Check("exec", nil, "s1", "")
	e.Check("write_file", nil, "s1", "")
	if c := sess.Counter(); c != 0 {
		t.Errorf("expected counter 0 after BLOCK and APPROVE, got %d", c)
	}

	e.Check("read_file", map[string]any{"name": "x"}, "s1", "")
	if c := sess.Counter(); c != 1 {
		t.Errorf("expected counter 1 after ALLOW, got %d", c)
	}
}

func TestCheckSanitizerTrips(t *testing.T) {
	e := newEngine(t, blockExecRules, model.ModeEnforce)
	res, _ := e.Check("read_file", map[string]any{"path": "../../etc/passwd"}, "s1", "")
	if res.Verdict != model.VerdictBlock || res.RuleID != model.RuleIDSanitizer {
		t.Errorf("expected sanitizer BLOCK, got %s by %s", res.Verdict, res.RuleID)
	}
	if c := e.Sessions().Get("s1").Counter(); c != 0 {
		t.Errorf("sanitizer trip must not increment counter, got %d", c)
	}
}

func TestCheckSanitizerOptOut(t *testing.T) {
	e := newEngine(t, `
shield_name: test
default_verdict: ALLOW
sanitizer_disabled: true
rules: []
`, model.ModeEnforce)
	res, _ := e.Check("read_file", map[string]any{"path": "../../etc/passwd"}, "s1", "")
	if res.Verdict != model.VerdictAllow {
		t.Errorf("expected ALLOW with sanitizer disabled, got %s", res.Verdict)
	}
}

func TestCheckHoneypotAlwaysBlocks(t *testing.T) {
	yaml := `
shield_name: test
default_verdict: ALLOW
honeypots:
  - tool: admin_panel
rules: []
`
	for _, mode := range []model.Mode{model.ModeEnforce, model.ModeAudit} {
		e := newEngine(t, yaml, mode)
		res, _ := e.Check("admin_panel", nil, "s1", "")
		if res.Verdict != model.VerdictBlock || res.RuleID != model.RuleIDHoneypot {
			t.Errorf("mode %s: expected honeypot BLOCK, got %s by %s", mode, res.Verdict, res.RuleID)
		}
	}
}

func TestCheckKillSwitch(t *testing.T) {
	e := newEngine(t, blockExecRules, model.ModeEnforce)
	e.KillSwitch("incident response")

	res, _ := e.Check("read_file", map[string]any{"name": "x"}, "s1", "")
	if res.Verdict != model.VerdictBlock || res.RuleID != model.RuleIDKillSwitch {
		t.Fatalf("expected kill-switch BLOCK, got %s by %s", res.Verdict, res.RuleID)
	}
	if !strings.Contains(res.Message, "incident response") {
		t.Errorf("expected reason in message, got %q", res.Message)
	}

	e.Resume()
	res, _ = e.Check("read_file", map[string]any{"name": "x"}, "s1", "")
	if res.Verdict != model.VerdictAllow {
		t.Errorf("expected ALLOW after resume, got %s", res.Verdict)
	}
}

func TestCheckKillSwitchOverridesAudit(t *testing.T) {
	e := newEngine(t, blockExecRules, model.ModeAudit)
	e.KillSwitch("test")
	res, _ := e.Check("read_file", nil, "s1", "")
	if res.Verdict != model.VerdictBlock {
		t.Errorf("kill switch must not be downgraded in audit mode, got %s", res.Verdict)
	}
}

func TestAuditModeDowngradesBlock(t *testing.T) {
	e := newEngine(t, blockExecRules, model.ModeAudit)
	res, _ := e.Check("exec", map[string]any{"command": "whoami"}, "s1", "")
	if res.Verdict != model.VerdictAllow {
		t.Errorf("expected audit downgrade to ALLOW, got %s", res.Verdict)
	}
	if res.RuleID != "block-exec" {
		t.Errorf("expected rule id preserved for tracing, got %s", res.RuleID)
	}
}

func TestCheckRateLimitOverride(t *testing.T) {
	e := newEngine(t, `
shield_name: test
default_verdict: BLOCK
rules:
  - id: limited
    when: { tool: search }
    then: allow
    severity: low
    message: ok
    rate_limit: { max_calls: 2, window_seconds: 60 }
`, model.ModeEnforce)

	for i := 0; i < 2; i++ {
		res, _ := e.Check("search", nil, "s1", "")
		if res.Verdict != model.VerdictAllow {
			t.Fatalf("call %d: expected ALLOW, got %s", i, res.Verdict)
		}
	}
	res, _ := e.Check("search", nil, "s1", "")
	if res.Verdict != model.VerdictBlock || res.RuleID != model.RuleIDRateLimit {
		t.Errorf("expected rate-limit BLOCK, got %s by %s", res.Verdict, res.RuleID)
	}

	// Rate windows are per session.
	res, _ = e.Check("search", nil, "s2", "")
	if res.Verdict != model.VerdictAllow {
		t.Errorf("expected fresh session unaffected, got %s", res.Verdict)
	}
}

func TestCheckChainCondition(t *testing.T) {
	e := newEngine(t, `
shield_name: test
default_verdict: ALLOW
rules:
  - id: exfil-chain
    when:
      tool: http_post
      chain: { tool: read_file, within_seconds: 60, min_count: 3 }
    then: block
    severity: critical
    message: "bulk read then post"
`, model.ModeEnforce)

	res, _ := e.Check("http_post", nil, "s1", "")
	if res.Verdict != model.VerdictAllow {
		t.Fatalf("expected ALLOW before chain threshold, got %s", res.Verdict)
	}
	for i := 0; i < 3; i++ {
		e.Check("read_file", map[string]any{"name": "a"}, "s1", "")
	}
	res, _ = e.Check("http_post", nil, "s1", "")
	if res.Verdict != model.VerdictBlock || res.RuleID != "exfil-chain" {
		t.Errorf("expected chain rule BLOCK, got %s by %s", res.Verdict, res.RuleID)
	}
}

func TestPostCheckTaintPropagation(t *testing.T) {
	e := newEngine(t, `
shield_name: test
default_verdict: ALLOW
rules:
  - id: taint-read
    when: { tool: read_db }
    then: allow
    severity: low
    message: ok
    taint_chain: { types: [EMAIL], on: block }
  - id: block-tainted-post
    when:
      tool: http_post
      has_taint: EMAIL
    then: block
    severity: critical
    message: "session handled email PII"
`, model.ModeEnforce)

	out := e.PostCheck("s1", "customer: bob@example.com", "taint-read")
	if len(out.PIITypes) != 1 || out.PIITypes[0] != model.PIIEmail {
		t.Fatalf("expected EMAIL detected, got %v", out.PIITypes)
	}
	if s, _ := out.RedactedOutput.(string); !strings.Contains(s, "[EMAIL REDACTED]") {
		t.Errorf("expected redacted output, got %v", out.RedactedOutput)
	}

	res, _ := e.Check("http_post", nil, "s1", "")
	if res.Verdict != model.VerdictBlock || res.RuleID != "block-tainted-post" {
		t.Errorf("expected taint rule BLOCK, got %s by %s", res.Verdict, res.RuleID)
	}

	e.Sessions().Get("s1").ClearTaint()
	res, _ = e.Check("http_post", nil, "s1", "")
	if res.Verdict != model.VerdictAllow {
		t.Errorf("expected ALLOW after clear-taint, got %s", res.Verdict)
	}
}

func TestPostCheckTruncatesPayload(t *testing.T) {
	e := New(loadRules(t, blockExecRules), nil, Options{Logger: zerolog.Nop(), PostCheckByteCap: 32})
	payload := strings.Repeat("x", 32) + " bob@example.com"
	out := e.PostCheck("s1", payload, "")
	if len(out.PIITypes) != 0 {
		t.Errorf("expected PII beyond byte cap to be ignored, got %v", out.PIITypes)
	}
}

func TestReloadSwapsRulesetAndInvalidatesApprovals(t *testing.T) {
	e := newEngine(t, `
shield_name: test
default_verdict: ALLOW
rules:
  - id: approve-write
    when: { tool: write_file }
    then: approve
    severity: high
    message: ask
    approval_strategy: per_session
`, model.ModeEnforce)

	res, _ := e.Check("write_file", nil, "s1", "")
	if res.Verdict != model.VerdictApprove {
		t.Fatal("setup: expected APPROVE")
	}

	newRS := loadRules(t, `
shield_name: test
default_verdict: ALLOW
rules:
  - id: block-new
    when: { tool: new_tool }
    then: block
    severity: low
    message: no
`)
	e.Reload(newRS)

	if e.RuleSet().Hash == "" || e.RuleSet().RuleByID("block-new") == nil {
		t.Fatal("expected new ruleset active after reload")
	}

	a, err := e.Approvals().Poll(res.ApprovalID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Status != model.ApprovalDenied || a.Responder != "rule_removed" {
		t.Errorf("expected orphaned approval denied as rule_removed, got %s/%s", a.Status, a.Responder)
	}
}

func TestDisabledModePassesThrough(t *testing.T) {
	e := newEngine(t, blockExecRules, model.ModeDisabled)
	res, _ := e.Check("exec", map[string]any{"command": "rm -rf /"}, "s1", "")
	if res.Verdict != model.VerdictAllow {
		t.Errorf("expected pass-through in disabled mode, got %s", res.Verdict)
	}
}

func TestConstraintsSummaryListsRules(t *testing.T) {
	e := newEngine(t, blockExecRules, model.ModeEnforce)
	summary := e.ConstraintsSummary()
	if !strings.Contains(summary, "block-exec") || !strings.Contains(summary, "no shell access") {
		t.Errorf("expected rule digest in summary, got %q", summary)
	}
}
