package pii

import (
	"testing"

	"github.com/policyshield/policyshield/internal/model"
)

func TestScanFindsEmail(t *testing.T) {
	d := New(nil)
	matches := d.Scan("contact secret@company.com for details")
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].Type != model.PIIEmail {
		t.Errorf("expected EMAIL, got %s", matches[0].Type)
	}
	if matches[0].RedactedValue != "[EMAIL REDACTED]" {
		t.Errorf("expected [EMAIL REDACTED], got %s", matches[0].RedactedValue)
	}
}

func TestIPBoundary(t *testing.T) {
	d := New(nil)
	if len(d.Scan("server at 127.0.0.1 is up")) == 0 {
		t.Error("expected 127.0.0.1 to match IP")
	}
	if len(d.Scan("999.999.999.999 is not an ip")) != 0 {
		t.Error("expected 999.999.999.999 to be rejected")
	}
	if len(d.Scan("256.0.0.0 is not valid")) != 0 {
		t.Error("expected 256.0.0.0 to be rejected")
	}
}

func TestPassportDigitRange(t *testing.T) {
	d := New(nil)
	if len(d.Scan("passport 1234567")) == 0 {
		t.Error("expected 7-digit string to match passport")
	}
	if len(d.Scan("id 123")) != 0 {
		t.Error("expected 3-digit string not to match passport")
	}
}

func TestCreditCardRequiresLuhn(t *testing.T) {
	d := New(nil)
	// 4111111111111111 is a well-known Luhn-valid test Visa number.
	if len(d.Scan("card 4111111111111111 on file")) == 0 {
		t.Error("expected Luhn-valid card number to match")
	}
	if len(d.Scan("card 4111111111111112 on file")) != 0 {
		t.Error("expected Luhn-invalid card number not to match")
	}
}

func TestRedactDictPreservesStructure(t *testing.T) {
	d := New(nil)
	in := map[string]any{
		"to":   "secret@company.com",
		"body": "Hello",
		"meta": map[string]any{"cc": []any{"other@company.com", "plain text"}},
	}
	out := d.RedactValue(in).(map[string]any)
	if out["to"] != "[EMAIL REDACTED]" {
		t.Errorf("expected redacted to field, got %v", out["to"])
	}
	if out["body"] != "Hello" {
		t.Errorf("expected untouched body, got %v", out["body"])
	}
	meta := out["meta"].(map[string]any)
	cc := meta["cc"].([]any)
	if cc[0] != "[EMAIL REDACTED]" {
		t.Errorf("expected redacted nested email, got %v", cc[0])
	}
	if cc[1] != "plain text" {
		t.Errorf("expected untouched plain text, got %v", cc[1])
	}
}

func TestScanIsDeterministicAndSideEffectFree(t *testing.T) {
	d := New(nil)
	text := "email a@b.com and b@c.com twice a@b.com"
	m1 := d.Scan(text)
	m2 := d.Scan(text)
	if len(m1) != len(m2) {
		t.Fatalf("expected deterministic scan, got %d vs %d matches", len(m1), len(m2))
	}
}
