// Package hotkey matches key combinations such as "F12" or "Ctrl+Alt+S"
// against a stream of key transitions.
package hotkey

import (
	"errors"
	"strings"
	"sync"
)

// ErrEmpty is returned when registering an empty combination.
var ErrEmpty = errors.New("hotkey: empty combination")

var aliases = map[string]string{
	"CONTROL": "CTRL",
	"OPTION":  "ALT",
	"WIN":     "CMD",
	"SUPER":   "CMD",
	"META":    "CMD",
	"ESCAPE":  "ESC",
	"RETURN":  "ENTER",
}

// Normalize canonicalises a key name the way combinations are stored.
func Normalize(key string) string {
	k := strings.ToUpper(strings.TrimSpace(key))
	if a, ok := aliases[k]; ok {
		return a
	}
	return k
}

// Manager handles hotkey registration and matching. Callbacks run
// synchronously on the goroutine that reports the key transition.
type Manager struct {
	mu           sync.Mutex
	hotkeys      []*registeredHotkey
	currentState map[string]bool
}

type registeredHotkey struct {
	parts    []string
	original string
	callback func()
}

// NewManager creates a new hotkey manager
func NewManager() *Manager {
	return &Manager{
		currentState: make(map[string]bool),
	}
}

// Register registers a combination (e.g. "F12", "Ctrl+Alt+1") and a callback.
func (m *Manager) Register(hotkeyStr string, callback func()) (int, error) {
	if strings.TrimSpace(hotkeyStr) == "" {
		return 0, ErrEmpty
	}

	var parts []string
	for _, p := range strings.Split(hotkeyStr, "+") {
		p = Normalize(p)
		if p == "" {
			return 0, errors.New("hotkey: malformed combination " + hotkeyStr)
		}
		parts = append(parts, p)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.hotkeys = append(m.hotkeys, &registeredHotkey{
		parts:    parts,
		original: hotkeyStr,
		callback: callback,
	})
	return len(m.hotkeys) - 1, nil
}

// Clear removes all registered hotkeys
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hotkeys = nil
	m.currentState = make(map[string]bool)
}

// UpdateState records a key transition and fires every combination that
// became complete with this key press. Auto-repeat presses of a key that is
// already down do not fire again. It reports whether anything fired.
func (m *Manager) UpdateState(key string, isDown bool) bool {
	key = Normalize(key)

	m.mu.Lock()
	if !isDown {
		delete(m.currentState, key)
		m.mu.Unlock()
		return false
	}
	if m.currentState[key] {
		m.mu.Unlock()
		return false
	}
	m.currentState[key] = true

	var fire []func()
	for _, hk := range m.hotkeys {
		if m.matches(hk, key) {
			fire = append(fire, hk.callback)
		}
	}
	m.mu.Unlock()

	for _, cb := range fire {
		if cb != nil {
			cb()
		}
	}
	return len(fire) > 0
}

func (m *Manager) matches(hk *registeredHotkey, pressed string) bool {
	involved := false
	for _, part := range hk.parts {
		if !m.currentState[part] {
			return false
		}
		if part == pressed {
			involved = true
		}
	}
	return involved
}

// Involves reports whether key is part of any registered combination.
func (m *Manager) Involves(key string) bool {
	key = Normalize(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, hk := range m.hotkeys {
		for _, part := range hk.parts {
			if part == key {
				return true
			}
		}
	}
	return false
}
