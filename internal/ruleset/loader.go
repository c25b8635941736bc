// Package ruleset loads, validates, and compiles PolicyShield rule files:
// YAML parsing with !include and ${ENV_VAR} expansion, strict schema
// validation, regex pre-compilation with a ReDoS-bounding length cap, and
// a stable content hash used to signal hot-reload.
package ruleset

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/policyshield/policyshield/internal/model"
)

// Load reads, expands, validates, and compiles a rule file into a
// *model.RuleSet. Errors are one of *ParseError, *ValidationError,
// *PatternError, or *IncludeError, except that a file that cannot be read
// is reported as a wrapped os error.
func Load(path string) (*model.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}
	return LoadBytes(data, filepath.Dir(path))
}

// LoadBytes parses raw rule-file bytes. baseDir anchors !include
// resolution and is typically the directory the file was read from.
func LoadBytes(data []byte, baseDir string) (*model.RuleSet, error) {
	expanded, err := expandEnv(data)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(expanded, &doc); err != nil {
		return nil, &ParseError{Err: err}
	}
	if len(doc.Content) == 0 {
		return nil, &ParseError{Err: fmt.Errorf("empty rule file")}
	}

	if err := expandIncludes(doc.Content[0], baseDir, 0); err != nil {
		return nil, err
	}

	if err := validateStrict(&doc); err != nil {
		return nil, err
	}

	var raw rawRuleSet
	if err := doc.Content[0].Decode(&raw); err != nil {
		return nil, &ParseError{Err: err}
	}

	rs, err := build(&raw, &doc)
	if err != nil {
		return nil, err
	}

	canonical, err := yaml.Marshal(raw)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	rs.Hash = contentHash(canonical)

	if err := validateRuleSet(rs); err != nil {
		return nil, err
	}

	return rs, nil
}

// contentHash is the stable "sha256:<hex>" digest surfaced as the
// rules_hash field by /health and /reload.
func contentHash(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// build converts the raw YAML-shaped document into the typed model,
// re-walking the rules sequence in the original doc to recover chain node
// positions for error reporting.
func build(raw *rawRuleSet, doc *yaml.Node) (*model.RuleSet, error) {
	rs := &model.RuleSet{
		ShieldName:        raw.ShieldName,
		Version:           raw.Version,
		DefaultVerdict:    raw.DefaultVerdict,
		Honeypots:         raw.Honeypots,
		PIIPatterns:       raw.PIIPatterns,
		SanitizerDisabled: raw.SanitizerDisabled,
		FailMode:          raw.FailMode,
	}
	if rs.Version == 0 {
		rs.Version = 1
	}
	if rs.FailMode == "" {
		rs.FailMode = "open"
	}

	rulesNode := mappingValue(doc, "rules")

	rs.Rules = make([]*model.Rule, 0, len(raw.Rules))
	for i, rr := range raw.Rules {
		chain, err := decodeChain(rr, rulesNode, i)
		if err != nil {
			return nil, err
		}
		rs.Rules = append(rs.Rules, &model.Rule{
			ID: rr.ID,
			When: model.When{
				Tool:     []string(rr.When.Tool),
				Args:     rr.When.Args,
				Chain:    chain,
				HasTaint: rr.When.HasTaint,
			},
			Then:             rr.Then,
			Severity:         rr.Severity,
			Message:          rr.Message,
			ApprovalStrategy: rr.ApprovalStrategy,
			RateLimit:        rr.RateLimit,
			TaintChain:       rr.TaintChain,
			Disabled:         rr.Disabled,
		})
	}
	return rs, nil
}

func decodeChain(rr rawRule, rulesNode *yaml.Node, idx int) (*model.ChainCondition, error) {
	// The chain mapping is read from the parsed document tree, where its
	// keys and line number are intact.
	var chainNode *yaml.Node
	if rulesNode != nil && idx < len(rulesNode.Content) {
		chainNode = mappingValue(mappingValue(rulesNode.Content[idx], "when"), "chain")
	}
	if chainNode == nil {
		return nil, nil
	}
	var cc model.ChainCondition
	if err := chainNode.Decode(&cc); err != nil {
		pos := Pos{Line: chainNode.Line}
		return nil, &ValidationError{Pos: pos, Msg: fmt.Sprintf("rule %q: invalid chain: %v", rr.ID, err)}
	}
	return &cc, nil
}
