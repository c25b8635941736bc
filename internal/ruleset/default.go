package ruleset

// DefaultYAML returns a commented template rule file used by operators
// bootstrapping a new deployment.
func DefaultYAML() string {
	return `# PolicyShield rule file
shield_name: default
version: 1
default_verdict: ALLOW

honeypots:
  - tool: admin_panel

rules:
  - id: block-exec
    when:
      tool: [exec, shell]
    then: block
    severity: high
    message: "shell execution is blocked by default"
`
}
