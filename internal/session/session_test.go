package session

import (
	"testing"
	"time"

	"github.com/policyshield/policyshield/internal/model"
)

func TestCounterIncrementsOnlyWhenToldTo(t *testing.T) {
	tbl := NewTable(8, time.Hour)
	s := tbl.Get("sess-1")
	s.IncrementCounter()
	s.IncrementCounter()
	if got := s.Counter(); got != 2 {
		t.Fatalf("expected counter 2, got %d", got)
	}
}

func TestFindRecentHonorsWindowAndVerdictFilter(t *testing.T) {
	tbl := NewTable(8, time.Hour)
	s := tbl.Get("sess-1")
	s.RecordEvent("write_file", model.VerdictBlock)
	s.RecordEvent("write_file", model.VerdictAllow)

	if !s.FindRecent("write_file", time.Minute, 2, nil) {
		t.Error("expected 2 recent write_file events with no verdict filter")
	}
	allow := model.VerdictAllow
	if s.FindRecent("write_file", time.Minute, 2, &allow) {
		t.Error("expected only 1 ALLOW event, not 2")
	}
	if !s.FindRecent("write_file", time.Minute, 1, &allow) {
		t.Error("expected at least 1 ALLOW event")
	}
}

func TestRingBufferDropsOldestAtCapacity(t *testing.T) {
	tbl := NewTable(3, time.Hour)
	s := tbl.Get("sess-1")
	for i := 0; i < 5; i++ {
		s.RecordEvent("exec", model.VerdictAllow)
	}
	// Capacity 3: only the last 3 pushes should remain, so a count-5
	// query must fail while a count-3 query succeeds.
	if s.FindRecent("exec", time.Minute, 5, nil) {
		t.Error("expected ring buffer to have dropped older events")
	}
	if !s.FindRecent("exec", time.Minute, 3, nil) {
		t.Error("expected 3 surviving events")
	}
}

func TestRateLimitOverflowDetected(t *testing.T) {
	tbl := NewTable(8, time.Hour)
	s := tbl.Get("sess-1")
	for i := 0; i < 3; i++ {
		if s.CheckRateLimit("rule-1", 3, time.Minute) {
			t.Fatalf("call %d should not exceed limit 3", i)
		}
	}
	if !s.CheckRateLimit("rule-1", 3, time.Minute) {
		t.Error("4th call within window should exceed limit 3")
	}
}

func TestTaintAccumulatesAndClears(t *testing.T) {
	tbl := NewTable(8, time.Hour)
	s := tbl.Get("sess-1")
	if s.HasTaint(model.PIIEmail) {
		t.Fatal("new session should have no taint")
	}
	s.AddTaint([]model.PIIType{model.PIIEmail})
	if !s.HasTaint(model.PIIEmail) {
		t.Error("expected EMAIL taint after AddTaint")
	}
	s.ClearTaint()
	if s.HasTaint(model.PIIEmail) {
		t.Error("expected taint cleared")
	}
}

func TestTableGCEvictsIdleSessions(t *testing.T) {
	tbl := NewTable(8, 10*time.Millisecond)
	tbl.Get("sess-1")
	time.Sleep(20 * time.Millisecond)
	if n := tbl.GC(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if tbl.Count() != 0 {
		t.Errorf("expected 0 sessions after GC, got %d", tbl.Count())
	}
}

func TestGetIsLazyAndStable(t *testing.T) {
	tbl := NewTable(8, time.Hour)
	a := tbl.Get("sess-1")
	a.IncrementCounter()
	b := tbl.Get("sess-1")
	if b.Counter() != 1 {
		t.Errorf("expected the same session to be returned, counter=%d", b.Counter())
	}
}
