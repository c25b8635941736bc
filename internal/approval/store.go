// Package approval implements PolicyShield's in-memory pending-approval
// store: human-in-the-loop records keyed by a cryptographically random
// opaque id, with strategy-driven de-duplication, idempotent-once
// resolution, and constant-time polling.
package approval

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/policyshield/policyshield/internal/model"
)

// ErrNotFound means the given approval id is unknown to the store.
type ErrNotFound struct{ ID string }

func (e *ErrNotFound) Error() string { return fmt.Sprintf("approval %q not found", e.ID) }

// ErrAlreadyResolved means Respond was called on an approval that has
// already left the pending state (double-respond).
type ErrAlreadyResolved struct {
	ID     string
	Status model.ApprovalStatus
}

func (e *ErrAlreadyResolved) Error() string {
	return fmt.Sprintf("approval %q already resolved as %s", e.ID, e.Status)
}

// PendingApproval is a single human-in-the-loop record.
type PendingApproval struct {
	ApprovalID string
	ToolName   string
	Args       map[string]any
	SessionID  string
	RuleID     string
	CreatedAt  time.Time
	Status     model.ApprovalStatus
	Responder  string
}

// Summary is the shape returned by ListPending — summaries, not full
// records, keep the endpoint cheap.
type Summary struct {
	ApprovalID string               `json:"approval_id"`
	ToolName   string               `json:"tool_name"`
	SessionID  string               `json:"session_id"`
	RuleID     string               `json:"rule_id"`
	CreatedAt  time.Time            `json:"created_at"`
	Status     model.ApprovalStatus `json:"status"`
}

// Store is the process-wide table of pending approvals. A single
// exclusive lock guards it. Lookup, Create, Respond and Poll are O(1);
// ListPending, InvalidateRule and GC walk every record.
type Store struct {
	mu     sync.Mutex
	byID   map[string]*PendingApproval
	maxAge time.Duration

	// Strategy de-duplication indexes. Each maps a strategy-specific key
	// to the most recent approval id created under that strategy, so a
	// later call with the same key can reuse a pending/approved decision
	// instead of prompting a human again.
	onceIndex       map[string]string // ruleID -> approval id ("once" is global per rule)
	perSessionIndex map[string]string // sessionID+"|"+ruleID -> approval id
	perRuleIndex    map[string]string // ruleID -> approval id
	perToolIndex    map[string]string // toolName -> approval id
}

// DefaultMaxAge is the default age after which a resolved or
// still-pending approval is garbage-collected.
const DefaultMaxAge = 24 * time.Hour

// NewStore creates an empty approval store. maxAge <= 0 uses
// DefaultMaxAge.
func NewStore(maxAge time.Duration) *Store {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Store{
		byID:            make(map[string]*PendingApproval),
		maxAge:          maxAge,
		onceIndex:       make(map[string]string),
		perSessionIndex: make(map[string]string),
		perRuleIndex:    make(map[string]string),
		perToolIndex:    make(map[string]string),
	}
}

// Lookup returns the existing approval that covers a call under the
// rule's approval_strategy, if one is still pending or was approved. A
// denied decision is also returned (callers decide what a denied cache
// hit means for their verdict).
func (s *Store) Lookup(rule *model.Rule, toolName, sessionID string) (*PendingApproval, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	var ok bool
	switch rule.ApprovalStrategy {
	case model.StrategyOnce:
		id, ok = s.onceIndex[rule.ID]
	case model.StrategyPerSession:
		id, ok = s.perSessionIndex[sessionID+"|"+rule.ID]
	case model.StrategyPerRule:
		id, ok = s.perRuleIndex[rule.ID]
	case model.StrategyPerTool:
		id, ok = s.perToolIndex[toolName]
	default:
		return nil, false
	}
	if !ok {
		return nil, false
	}
	a, ok := s.byID[id]
	return a, ok
}

// Create registers a new PendingApproval and records it under the rule's
// de-duplication strategy. Callers should call Lookup first; Create does
// not itself check for an existing cached decision.
func (s *Store) Create(rule *model.Rule, toolName string, args map[string]any, sessionID string) *PendingApproval {
	a := &PendingApproval{
		ApprovalID: uuid.New().String(),
		ToolName:   toolName,
		Args:       args,
		SessionID:  sessionID,
		RuleID:     rule.ID,
		CreatedAt:  time.Now(),
		Status:     model.ApprovalPending,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[a.ApprovalID] = a

	switch rule.ApprovalStrategy {
	case model.StrategyOnce:
		s.onceIndex[rule.ID] = a.ApprovalID
	case model.StrategyPerSession:
		s.perSessionIndex[sessionID+"|"+rule.ID] = a.ApprovalID
	case model.StrategyPerRule:
		s.perRuleIndex[rule.ID] = a.ApprovalID
	case model.StrategyPerTool:
		s.perToolIndex[toolName] = a.ApprovalID
	}

	return a
}

// Respond resolves a pending approval. It is idempotent only up to the
// first call: a second Respond on an already-resolved approval returns
// ErrAlreadyResolved and leaves the first status untouched.
func (s *Store) Respond(id string, approved bool, responder string) (*PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	if a.Status != model.ApprovalPending {
		return nil, &ErrAlreadyResolved{ID: id, Status: a.Status}
	}

	if approved {
		a.Status = model.ApprovalApproved
	} else {
		a.Status = model.ApprovalDenied
	}
	a.Responder = responder
	return a, nil
}

// Poll returns the current state of an approval. Constant time.
func (s *Store) Poll(id string) (*PendingApproval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, &ErrNotFound{ID: id}
	}
	cp := *a
	return &cp, nil
}

// ListPending returns a summary of every approval still in the pending
// state.
func (s *Store) ListPending() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Summary, 0)
	for _, a := range s.byID {
		if a.Status != model.ApprovalPending {
			continue
		}
		out = append(out, Summary{
			ApprovalID: a.ApprovalID,
			ToolName:   a.ToolName,
			SessionID:  a.SessionID,
			RuleID:     a.RuleID,
			CreatedAt:  a.CreatedAt,
			Status:     a.Status,
		})
	}
	return out
}

// InvalidateRule collapses every pending or approved approval referencing
// ruleID to denied with the rule_removed reason, called after a hot
// reload drops a rule that approvals were keyed on.
func (s *Store) InvalidateRule(ruleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.byID {
		if a.RuleID == ruleID && a.Status != model.ApprovalDenied {
			a.Status = model.ApprovalDenied
			a.Responder = "rule_removed"
		}
	}
}

// GC removes approval records older than the store's max age. Returns the
// number of records evicted.
func (s *Store) GC() int {
	cutoff := time.Now().Add(-s.maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, a := range s.byID {
		if a.CreatedAt.Before(cutoff) {
			delete(s.byID, id)
			n++
		}
	}
	return n
}

// StartGC runs GC on a ticker until Stop is called.
func (s *Store) StartGC(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.GC()
			case <-stop:
				return
			}
		}
	}()
}
