// Package trace implements PolicyShield's append-only JSONL trace
// recorder: one record per completed decision, buffered in memory and
// flushed on a size threshold or explicit call, surviving process
// restart by appending to the existing file.
package trace

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/policyshield/policyshield/internal/model"
)

// DefaultFlushThreshold is the number of buffered records after which a
// Record call triggers an automatic flush.
const DefaultFlushThreshold = 50

// Record is a single trace line. Field order is unspecified on the wire;
// the struct tags only fix the field names.
type Record struct {
	Timestamp time.Time        `json:"ts"`
	SessionID string           `json:"session_id"`
	ToolName  string           `json:"tool_name"`
	Verdict   model.Verdict    `json:"verdict"`
	RuleID    string           `json:"rule_id"`
	PIITypes  []model.PIIType  `json:"pii_types,omitempty"`
	Message   string           `json:"message"`
	ArgsHash  string           `json:"args_hash"`
}

// HashArgs returns a stable "sha256:<hex>" digest of an argument map, so
// trace records need not carry potentially sensitive raw arguments.
func HashArgs(args map[string]any) string {
	canon, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(canon)
	return "sha256:" + hex.EncodeToString(h[:])
}

// Recorder is a single-writer append-only JSONL sink. Record and Flush
// are mutually exclusive, enforced by mu.
type Recorder struct {
	mu             sync.Mutex
	file           *os.File
	writer         *bufio.Writer
	buffered       int
	flushThreshold int
}

// Open opens (or creates) a trace file for appending.
func Open(path string, flushThreshold int) (*Recorder, error) {
	if flushThreshold <= 0 {
		flushThreshold = DefaultFlushThreshold
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("trace: create directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("trace: open file: %w", err)
	}
	return &Recorder{
		file:           f,
		writer:         bufio.NewWriter(f),
		flushThreshold: flushThreshold,
	}, nil
}

// Record appends rec as a JSON line to the buffer, flushing automatically
// once the buffer reaches flushThreshold unflushed records.
func (r *Recorder) Record(rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("trace: marshal record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.writer.Write(line); err != nil {
		return fmt.Errorf("trace: write record: %w", err)
	}
	if err := r.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("trace: write record: %w", err)
	}
	r.buffered++

	if r.buffered >= r.flushThreshold {
		return r.flushLocked()
	}
	return nil
}

// Flush writes any buffered records to disk and fsyncs.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *Recorder) flushLocked() error {
	if err := r.writer.Flush(); err != nil {
		return fmt.Errorf("trace: flush: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("trace: sync: %w", err)
	}
	r.buffered = 0
	return nil
}

// Close flushes and closes the underlying file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.writer.Flush()
	return r.file.Close()
}
