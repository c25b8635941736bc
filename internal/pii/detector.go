// Package pii implements the built-in PII catalog: a compiled-regex table
// plus checksum validators, deduplicated and position-sorted scanning, and
// structure-preserving redaction of nested JSON values.
package pii

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/policyshield/policyshield/internal/model"
)

// pattern is a single catalog entry: a compiled regex plus an optional
// extra validator run on each raw match (Luhn, IP octet range, checksum).
type pattern struct {
	typ    model.PIIType
	re     *regexp.Regexp
	valid  func(raw string) bool
}

var builtins = []pattern{
	{typ: model.PIIEmail, re: regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`)},
	{typ: model.PIIIBAN, re: regexp.MustCompile(`\b[A-Z]{2}\d{2}[A-Z0-9]{10,30}\b`)},
	{typ: model.PIICreditCard, re: regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`), valid: isLuhnValid},
	{typ: model.PIIIP, re: regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), valid: isValidIPv4},
	{typ: model.PIISSN, re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{typ: model.PIIPhone, re: regexp.MustCompile(`\b(?:\+?\d{1,3}[ \-.]?)?\(?\d{3}\)?[ \-.]?\d{3}[ \-.]?\d{4}\b`)},
	{typ: model.PIIPassport, re: regexp.MustCompile(`\b\d{7,9}\b`)},
	{typ: model.PIIDOB, re: regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)},
	{typ: model.PIIINN, re: regexp.MustCompile(`\b\d{10}\b|\b\d{12}\b`), valid: isValidINN},
	{typ: model.PIISNILS, re: regexp.MustCompile(`\b\d{3}-\d{3}-\d{3} \d{2}\b`), valid: isValidSNILS},
}

// Detector scans text and redacts sensitive substrings, using the builtin
// catalog plus any custom patterns registered from a RuleSet's
// pii_patterns map.
type Detector struct {
	patterns []pattern
}

// New builds a Detector from the builtin catalog plus RuleSet-supplied
// custom patterns (already length-validated by internal/ruleset at load
// time).
func New(custom map[model.PIIType]string) *Detector {
	d := &Detector{patterns: append([]pattern(nil), builtins...)}
	for typ, expr := range custom {
		re, err := regexp.Compile(expr)
		if err != nil {
			continue // invalid custom patterns were already rejected at load time
		}
		d.patterns = append(d.patterns, pattern{typ: typ, re: re})
	}
	return d
}

// Scan finds all PII matches in text, side-effect-free and deterministic.
// Each distinct raw value is reported once: the first catalog pattern to
// match it keeps it, at that pattern's earliest hit. Distinct matches that
// overlap are all reported. Results are sorted by position.
func (d *Detector) Scan(text string) []model.PIIMatch {
	return d.scanField(text, "")
}

func (d *Detector) scanField(text, field string) []model.PIIMatch {
	type hit struct {
		m     model.PIIMatch
		start int
	}
	seen := make(map[string]bool)
	var hits []hit

	for _, p := range d.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			raw := text[loc[0]:loc[1]]
			if p.valid != nil && !p.valid(raw) {
				continue
			}
			if seen[raw] {
				continue
			}
			seen[raw] = true
			hits = append(hits, hit{
				m: model.PIIMatch{
					Type:          p.typ,
					Field:         field,
					Raw:           raw,
					RedactedValue: redactedMarker(p.typ),
				},
				start: loc[0],
			})
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].start < hits[j].start })

	out := make([]model.PIIMatch, len(hits))
	for i, h := range hits {
		out[i] = h.m
	}
	return out
}

func redactedMarker(t model.PIIType) string {
	return "[" + string(t) + " REDACTED]"
}

// ScanValue recurses into a nested JSON-shaped value (the dynamic
// map[string]any/[]any/string/etc. tree produced by encoding/json),
// tagging each match with its containing field name where available.
func (d *Detector) ScanValue(v any) []model.PIIMatch {
	return d.scanValueField(v, "")
}

func (d *Detector) scanValueField(v any, field string) []model.PIIMatch {
	switch t := v.(type) {
	case string:
		return d.scanField(t, field)
	case map[string]any:
		var out []model.PIIMatch
		for k, vv := range t {
			out = append(out, d.scanValueField(vv, k)...)
		}
		return out
	case []any:
		var out []model.PIIMatch
		for _, vv := range t {
			out = append(out, d.scanValueField(vv, field)...)
		}
		return out
	default:
		return nil
	}
}

// RedactValue returns a deep copy of v with every matched substring
// replaced by its "[TYPE REDACTED]" marker. Structure and non-matching
// content are preserved byte-for-byte.
func (d *Detector) RedactValue(v any) any {
	switch t := v.(type) {
	case string:
		return d.redactString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = d.RedactValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = d.RedactValue(vv)
		}
		return out
	default:
		return v
	}
}

func (d *Detector) redactString(s string) string {
	matches := d.Scan(s)
	if len(matches) == 0 {
		return s
	}
	// Scan reports each distinct value once, so every occurrence of it is
	// located here: at each step the earliest occurrence at or after the
	// cursor is redacted, and a match overlapping one already redacted is
	// skipped.
	var b strings.Builder
	cursor := 0
	for {
		best, bestIdx := -1, -1
		for i, m := range matches {
			if idx := strings.Index(s[cursor:], m.Raw); m.Raw != "" && idx >= 0 && (best < 0 || idx < bestIdx) {
				best, bestIdx = i, idx
			}
		}
		if best < 0 {
			break
		}
		start := cursor + bestIdx
		b.WriteString(s[cursor:start])
		b.WriteString(matches[best].RedactedValue)
		cursor = start + len(matches[best].Raw)
	}
	b.WriteString(s[cursor:])
	return b.String()
}

func isLuhnValid(raw string) bool {
	digits := make([]int, 0, len(raw))
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			d, _ := strconv.Atoi(string(c))
			digits = append(digits, d)
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

func isValidIPv4(raw string) bool {
	parts := strings.Split(raw, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if len(p) == 0 || len(p) > 3 {
			return false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
		if len(p) > 1 && p[0] == '0' {
			return false // reject leading-zero octets like "01"
		}
	}
	return true
}

// isValidINN validates a Russian taxpayer number (10 or 12 digits) via its
// weighted-checksum control digit(s).
func isValidINN(raw string) bool {
	switch len(raw) {
	case 10:
		weights := []int{2, 4, 10, 3, 5, 9, 4, 6, 8}
		return checkDigit(raw, weights, 9) == int(raw[9]-'0')
	case 12:
		w1 := []int{7, 2, 4, 10, 3, 5, 9, 4, 6, 8}
		w2 := []int{3, 7, 2, 4, 10, 3, 5, 9, 4, 6, 8}
		return checkDigit(raw, w1, 10) == int(raw[10]-'0') &&
			checkDigit(raw, w2, 11) == int(raw[11]-'0')
	default:
		return false
	}
}

func checkDigit(s string, weights []int, _ int) int {
	sum := 0
	for i, w := range weights {
		sum += w * int(s[i]-'0')
	}
	return (sum % 11) % 10
}

// isValidSNILS validates a Russian insurance number's checksum.
func isValidSNILS(raw string) bool {
	digits := make([]int, 0, 11)
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			digits = append(digits, int(c-'0'))
		}
	}
	if len(digits) != 11 {
		return false
	}
	sum := 0
	for i := 0; i < 9; i++ {
		sum += digits[i] * (9 - i)
	}
	check := digits[9]*10 + digits[10]
	switch {
	case sum < 100:
		return check == sum
	case sum == 100 || sum == 101:
		return check == 0
	default:
		return check == sum%101%100
	}
}
