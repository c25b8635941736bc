package approval

import (
	"testing"
	"time"

	"github.com/policyshield/policyshield/internal/model"
)

func TestCreateThenLookupPerSession(t *testing.T) {
	s := NewStore(time.Hour)
	rule := &model.Rule{ID: "write-file", ApprovalStrategy: model.StrategyPerSession}

	created := s.Create(rule, "write_file", map[string]any{"path": "/tmp/x"}, "sess-1")

	found, ok := s.Lookup(rule, "write_file", "sess-1")
	if !ok || found.ApprovalID != created.ApprovalID {
		t.Fatalf("expected per_session lookup to find the created approval")
	}

	// Different session must not see the same cached approval.
	if _, ok := s.Lookup(rule, "write_file", "sess-2"); ok {
		t.Error("expected no cached approval for a different session")
	}
}

func TestRespondThenPollRoundTrip(t *testing.T) {
	s := NewStore(time.Hour)
	rule := &model.Rule{ID: "write-file", ApprovalStrategy: model.StrategyOnce}
	a := s.Create(rule, "write_file", nil, "sess-1")

	if _, err := s.Respond(a.ApprovalID, true, "alice"); err != nil {
		t.Fatalf("respond failed: %v", err)
	}

	polled, err := s.Poll(a.ApprovalID)
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if polled.Status != model.ApprovalApproved {
		t.Errorf("expected approved, got %s", polled.Status)
	}
	if polled.Responder != "alice" {
		t.Errorf("expected responder alice, got %q", polled.Responder)
	}
}

func TestSecondRespondIsRejectedAndFirstStatusPreserved(t *testing.T) {
	s := NewStore(time.Hour)
	rule := &model.Rule{ID: "write-file", ApprovalStrategy: model.StrategyOnce}
	a := s.Create(rule, "write_file", nil, "sess-1")

	if _, err := s.Respond(a.ApprovalID, true, "alice"); err != nil {
		t.Fatalf("first respond failed: %v", err)
	}
	if _, err := s.Respond(a.ApprovalID, false, "bob"); err == nil {
		t.Fatal("expected second respond to fail")
	}

	polled, _ := s.Poll(a.ApprovalID)
	if polled.Status != model.ApprovalApproved {
		t.Errorf("expected status to remain approved, got %s", polled.Status)
	}
}

func TestPollUnknownIDFails(t *testing.T) {
	s := NewStore(time.Hour)
	if _, err := s.Poll("does-not-exist"); err == nil {
		t.Fatal("expected error for unknown approval id")
	}
}

func TestListPendingOnlyIncludesPending(t *testing.T) {
	s := NewStore(time.Hour)
	rule := &model.Rule{ID: "r1", ApprovalStrategy: model.StrategyOnce}
	pending := s.Create(rule, "tool_a", nil, "sess-1")

	rule2 := &model.Rule{ID: "r2", ApprovalStrategy: model.StrategyOnce}
	resolved := s.Create(rule2, "tool_b", nil, "sess-1")
	s.Respond(resolved.ApprovalID, true, "alice")

	list := s.ListPending()
	if len(list) != 1 || list[0].ApprovalID != pending.ApprovalID {
		t.Fatalf("expected exactly the pending approval in the list, got %v", list)
	}
}

func TestInvalidateRuleCollapsesToDenied(t *testing.T) {
	s := NewStore(time.Hour)
	rule := &model.Rule{ID: "r1", ApprovalStrategy: model.StrategyOnce}
	a := s.Create(rule, "tool_a", nil, "sess-1")

	s.InvalidateRule("r1")

	polled, _ := s.Poll(a.ApprovalID)
	if polled.Status != model.ApprovalDenied {
		t.Errorf("expected denied after rule invalidation, got %s", polled.Status)
	}
	if polled.Responder != "rule_removed" {
		t.Errorf("expected responder rule_removed, got %q", polled.Responder)
	}
}

func TestGCEvictsOldRecords(t *testing.T) {
	s := NewStore(10 * time.Millisecond)
	rule := &model.Rule{ID: "r1", ApprovalStrategy: model.StrategyOnce}
	s.Create(rule, "tool_a", nil, "sess-1")

	time.Sleep(20 * time.Millisecond)
	if n := s.GC(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
}
