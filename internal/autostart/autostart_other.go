//go:build !windows

package autostart

import (
	"os"
	"runtime"
)

func path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return entryPath(runtime.GOOS, home, os.Getenv("XDG_CONFIG_HOME"))
}

// Enable installs a login item that runs l.
func Enable(l Launcher) error {
	p, err := path()
	if err != nil {
		return err
	}
	return writeEntry(p, runtime.GOOS, l)
}

// Disable removes the login item. A missing item is not an error.
func Disable() error {
	p, err := path()
	if err != nil {
		return err
	}
	return removeEntry(p)
}

// IsEnabled reports whether a login item is installed.
func IsEnabled() bool {
	p, err := path()
	return err == nil && entryExists(p)
}
