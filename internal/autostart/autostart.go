// Package autostart registers pointerlink to start when the user logs in.
package autostart

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

const label = "com.pointerlink.agent"

const launchAgentPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
{{- range .Args}}
        <string>{{.}}</string>
{{- end}}
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <false/>
</dict>
</plist>
`

const desktopEntry = `[Desktop Entry]
Type=Application
Name=pointerlink
Comment=Share one pointer between machines on a LAN
Exec={{.CommandLine}}
Terminal=false
X-GNOME-Autostart-enabled=true
`

var templates = map[string]*template.Template{
	"darwin": template.Must(template.New("plist").Parse(launchAgentPlist)),
	"linux":  template.Must(template.New("desktop").Parse(desktopEntry)),
}

// Launcher is the command started at login.
type Launcher struct {
	Exec string
	Args []string
}

// Current returns a Launcher for the running executable with args.
func Current(args ...string) (Launcher, error) {
	exe, err := os.Executable()
	if err != nil {
		return Launcher{}, fmt.Errorf("failed to get executable path: %w", err)
	}
	return Launcher{Exec: exe, Args: args}, nil
}

// CommandLine quotes Exec and Args into a single command string.
func (l Launcher) CommandLine() string {
	parts := []string{quote(l.Exec)}
	for _, a := range l.Args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"") {
		return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
	}
	return s
}

// ErrUnsupported is returned on platforms without a login item mechanism.
var ErrUnsupported = errors.New("autostart: not supported on this platform")

// entryPath returns the login item file for goos. xdg may be empty.
func entryPath(goos, home, xdg string) (string, error) {
	switch goos {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", label+".plist"), nil
	case "linux", "freebsd", "openbsd", "netbsd":
		if xdg == "" {
			xdg = filepath.Join(home, ".config")
		}
		return filepath.Join(xdg, "autostart", "pointerlink.desktop"), nil
	default:
		return "", ErrUnsupported
	}
}

func render(w io.Writer, goos string, l Launcher) error {
	tmpl, ok := templates[goos]
	if !ok {
		tmpl = templates["linux"]
	}
	return tmpl.Execute(w, struct {
		Launcher
		Label       string
		CommandLine string
	}{l, label, l.CommandLine()})
}

func writeEntry(path, goos string, l Launcher) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := render(f, goos, l); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func removeEntry(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func entryExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
