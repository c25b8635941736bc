// Package sanitizer implements PolicyShield's five built-in, non-YAML
// detectors: path traversal, shell injection, SQL injection, SSRF, and
// risky URL schemes. These run unconditionally ahead of rule matching
// unless a RuleSet opts out.
package sanitizer

import (
	"net"
	"regexp"
	"strings"
)

// Finding describes a single sanitizer trip.
type Finding struct {
	Detector string // "path_traversal" | "shell_injection" | "sql_injection" | "ssrf" | "url_scheme"
	Field    string
	Reason   string
}

var shellMetaRe = regexp.MustCompile("&&|\\|\\||[;`]|\\$\\(")

var sqlTokenRe = regexp.MustCompile(`(?i)\b(union\s+select|drop\s+table)\b|--|/\*`)

var riskySchemes = []string{"file://", "gopher://", "dict://", "ftp://"}

var metadataHosts = map[string]bool{
	"169.254.169.254": true,
	"metadata.google.internal": true,
}

var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"169.254.0.0/16",
		"10.0.0.0/8",
		"192.168.0.0/16",
		"127.0.0.0/8",
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err == nil {
			privateRanges = append(privateRanges, n)
		}
	}
}

// pathHintKeys are argument-key substrings that mark a string value as a
// filesystem path for the traversal detector.
var pathHintKeys = []string{"path", "file", "dir", "filename", "directory"}

// commandHintKeys are argument-key substrings that mark a string value as
// a shell command for the injection detector.
var commandHintKeys = []string{"command", "cmd", "shell", "script", "args"}

// urlHintKeys are argument-key substrings that mark a string value as a
// URL for the SSRF / scheme detectors.
var urlHintKeys = []string{"url", "uri", "endpoint", "href", "host"}

// Scan walks a flattened set of string-valued arguments (key -> value) and
// returns every sanitizer trip found. Non-string values are ignored; the
// caller is expected to have already flattened nested structures (the
// decision engine does this with its flattenStrings helper).
func Scan(args map[string]string) []Finding {
	var findings []Finding
	for key, val := range args {
		lowerKey := strings.ToLower(key)

		if hasAny(lowerKey, pathHintKeys) {
			if f := checkPathTraversal(key, val); f != nil {
				findings = append(findings, *f)
			}
		}
		if hasAny(lowerKey, commandHintKeys) {
			if f := checkShellInjection(key, val); f != nil {
				findings = append(findings, *f)
			}
		}
		if f := checkSQLInjection(key, val); f != nil {
			findings = append(findings, *f)
		}
		if hasAny(lowerKey, urlHintKeys) || looksLikeURL(val) {
			if f := checkSSRF(key, val); f != nil {
				findings = append(findings, *f)
			}
			if f := checkURLScheme(key, val); f != nil {
				findings = append(findings, *f)
			}
		}
	}
	return findings
}

func hasAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func looksLikeURL(s string) bool {
	return strings.Contains(s, "://")
}

func checkPathTraversal(field, val string) *Finding {
	if strings.Contains(val, "..") {
		return &Finding{Detector: "path_traversal", Field: field, Reason: "path contains .. traversal sequence"}
	}
	return nil
}

func checkShellInjection(field, val string) *Finding {
	if shellMetaRe.MatchString(val) {
		return &Finding{Detector: "shell_injection", Field: field, Reason: "command contains unescaped shell metacharacters"}
	}
	return nil
}

func checkSQLInjection(field, val string) *Finding {
	if sqlTokenRe.MatchString(val) {
		return &Finding{Detector: "sql_injection", Field: field, Reason: "value contains a canonical SQL injection token"}
	}
	return nil
}

func checkSSRF(field, val string) *Finding {
	host := extractHost(val)
	if host == "" {
		return nil
	}
	if metadataHosts[host] {
		return &Finding{Detector: "ssrf", Field: field, Reason: "target is a cloud metadata endpoint"}
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return &Finding{Detector: "ssrf", Field: field, Reason: "target is a private or link-local address (" + n.String() + ")"}
		}
	}
	return nil
}

func checkURLScheme(field, val string) *Finding {
	lower := strings.ToLower(val)
	for _, scheme := range riskySchemes {
		if strings.HasPrefix(lower, scheme) {
			return &Finding{Detector: "url_scheme", Field: field, Reason: "risky URL scheme " + scheme}
		}
	}
	return nil
}

// extractHost pulls the host portion out of a bare host or a URL-shaped
// string, without pulling in net/url for what's ultimately a substring
// operation.
func extractHost(val string) string {
	s := val
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	if idx := strings.IndexAny(s, "/?#"); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.LastIndex(s, "@"); idx >= 0 {
		s = s[idx+1:]
	}
	// Strip a trailing :port (but not an IPv6 address's internal colons).
	if !strings.Contains(s, "]") {
		if idx := strings.LastIndex(s, ":"); idx >= 0 && isDigits(s[idx+1:]) {
			s = s[:idx]
		}
	}
	return s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
