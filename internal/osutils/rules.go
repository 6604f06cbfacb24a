// Package osutils holds operating-system integration that has no better
// home: admin detection and firewall rules.
package osutils

import "fmt"

// Rule opens one inbound port.
type Rule struct {
	Name     string
	Protocol string // "UDP" or "TCP"
	Port     int
}

// DefaultRules covers discovery and the relay endpoint.
func DefaultRules(discoveryPort, relayPort int) []Rule {
	return []Rule{
		{Name: "pointerlink discovery", Protocol: "UDP", Port: discoveryPort},
		{Name: "pointerlink relay", Protocol: "TCP", Port: relayPort},
	}
}

// script returns the PowerShell that (re)creates r.
func (r Rule) script() string {
	return fmt.Sprintf(
		"Remove-NetFirewallRule -DisplayName '%s' -ErrorAction SilentlyContinue; New-NetFirewallRule -DisplayName '%s' -Direction Inbound -LocalPort %d -Protocol %s -Action Allow -Profile Private,Domain",
		r.Name, r.Name, r.Port, r.Protocol,
	)
}
