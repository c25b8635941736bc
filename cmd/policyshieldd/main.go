// policyshieldd — the PolicyShield sidecar daemon.
package main

import "github.com/policyshield/policyshield/internal/cli"

func main() {
	cli.Execute()
}
