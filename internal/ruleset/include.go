package ruleset

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// expandEnv substitutes ${VAR} references (and, following os.Expand, bare
// $VAR references) in raw YAML bytes before parsing. Undefined variables are a hard error, since a silently-empty
// substitution in a security rule file is worse than a startup failure.
func expandEnv(data []byte) ([]byte, error) {
	var missing string
	out := os.Expand(string(data), func(key string) string {
		v, ok := os.LookupEnv(key)
		if !ok {
			missing = key
			return ""
		}
		return v
	})
	if missing != "" {
		return nil, fmt.Errorf("undefined environment variable %q referenced in rule file", missing)
	}
	return []byte(out), nil
}

// expandIncludes walks a parsed YAML document tree and replaces any node
// tagged "!include <path>" with the parsed contents of that sibling file,
// resolved relative to baseDir. Recurses into included files so nested
// includes work. depth guards against include cycles.
func expandIncludes(node *yaml.Node, baseDir string, depth int) error {
	if depth > 16 {
		return &IncludeError{Path: "<cycle>", Err: fmt.Errorf("include depth exceeded 16 — likely a cycle")}
	}

	for i, child := range node.Content {
		if child.Tag == "!include" {
			rel := child.Value
			if rel == "" {
				return &IncludeError{Pos: Pos{Line: child.Line}, Err: fmt.Errorf("!include requires a path")}
			}
			path := filepath.Join(baseDir, rel)
			data, err := os.ReadFile(path)
			if err != nil {
				return &IncludeError{Pos: Pos{File: path, Line: child.Line}, Path: path, Err: err}
			}
			expanded, err := expandEnv(data)
			if err != nil {
				return &IncludeError{Pos: Pos{File: path}, Path: path, Err: err}
			}
			var included yaml.Node
			if err := yaml.Unmarshal(expanded, &included); err != nil {
				return &ParseError{Pos: Pos{File: path}, Err: err}
			}
			if len(included.Content) == 0 {
				continue
			}
			replacement := included.Content[0]
			if err := expandIncludes(replacement, filepath.Dir(path), depth+1); err != nil {
				return err
			}
			node.Content[i] = replacement
			continue
		}
		if err := expandIncludes(child, baseDir, depth); err != nil {
			return err
		}
	}
	return nil
}
