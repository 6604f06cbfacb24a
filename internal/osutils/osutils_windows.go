//go:build windows

package osutils

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// IsAdmin checks if the current process has administrative privileges
func IsAdmin() bool {
	var token windows.Token
	h, _ := windows.GetCurrentProcess()
	err := windows.OpenProcessToken(h, windows.TOKEN_QUERY, &token)
	if err != nil {
		return false
	}
	defer token.Close()

	var sid *windows.SID
	err = windows.AllocateAndInitializeSid(
		&windows.SECURITY_NT_AUTHORITY,
		2,
		windows.SECURITY_BUILTIN_DOMAIN_RID,
		windows.DOMAIN_ALIAS_RID_ADMINS,
		0, 0, 0, 0, 0, 0,
		&sid,
	)
	if err != nil {
		return false
	}
	defer windows.FreeSid(sid)

	member, err := token.IsMember(sid)
	if err != nil {
		return false
	}
	return member
}

// EnsureFirewallRules creates any missing rule. Without admin rights all
// missing rules are applied in one elevated PowerShell, so the user sees a
// single UAC prompt.
func EnsureFirewallRules(rules []Rule, logger *zap.SugaredLogger) error {
	var missing []Rule
	for _, r := range rules {
		if ruleExists(r) {
			logger.Debugw("Firewall rule present", "rule", r.Name, "port", r.Port, "protocol", r.Protocol)
			continue
		}
		missing = append(missing, r)
	}
	if len(missing) == 0 {
		return nil
	}

	if !IsAdmin() {
		scripts := make([]string, len(missing))
		for i, r := range missing {
			scripts[i] = r.script()
		}
		logger.Infow("Requesting elevation to add firewall rules", "rules", len(missing))

		verbPtr, _ := syscall.UTF16PtrFromString("runas")
		exePtr, _ := syscall.UTF16PtrFromString("powershell.exe")
		argPtr, _ := syscall.UTF16PtrFromString(fmt.Sprintf("-NoProfile -WindowStyle Hidden -Command \"%s\"", strings.Join(scripts, "; ")))

		var showCmd int32 = 0 // SW_HIDE
		if err := windows.ShellExecute(0, verbPtr, exePtr, argPtr, nil, showCmd); err != nil {
			return fmt.Errorf("launch elevated powershell: %w", err)
		}
		return nil
	}

	var err error
	for _, r := range missing {
		cmd := exec.Command("powershell", "-NoProfile", "-Command", r.script())
		if output, cerr := cmd.CombinedOutput(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("firewall rule %q: %w (output: %s)", r.Name, cerr, output))
			continue
		}
		logger.Infow("Firewall rule added", "rule", r.Name, "port", r.Port, "protocol", r.Protocol)
	}
	return err
}

// ruleExists asks netsh for r and checks that port and protocol match.
func ruleExists(r Rule) bool {
	output, err := exec.Command("netsh", "advfirewall", "firewall", "show", "rule", "name="+r.Name).CombinedOutput()
	if err != nil {
		return false
	}
	out := string(output)
	return strings.Contains(out, r.Name) &&
		strings.Contains(out, strconv.Itoa(r.Port)) &&
		strings.Contains(out, r.Protocol) &&
		strings.Contains(out, "Allow")
}
