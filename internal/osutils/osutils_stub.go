//go:build !windows

package osutils

import "go.uber.org/zap"

// IsAdmin reports false outside Windows.
func IsAdmin() bool {
	return false
}

// EnsureFirewallRules is a no-op outside Windows; LAN firewalls there are
// left to the user.
func EnsureFirewallRules(rules []Rule, logger *zap.SugaredLogger) error {
	logger.Debugw("Automatic firewall rules are only managed on Windows", "rules", len(rules))
	return nil
}
