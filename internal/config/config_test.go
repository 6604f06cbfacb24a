package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	d := cfg.DiscoveryOptions()
	assert.Equal(t, "239.255.255.250", d.Group)
	assert.Equal(t, 54545, d.Port)
	assert.Equal(t, 2*time.Second, d.BeaconInterval)
	assert.Equal(t, 8*time.Second, d.PeerTTL)

	h := cfg.HandoffOptions()
	assert.Equal(t, 10*time.Second, h.Timeout)
	assert.Equal(t, 54545, h.DiscoveryPort)
	assert.False(t, h.AutoAccept)

	assert.False(t, cfg.RelayOptions().Exclusive)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Discovery.Group = "10.0.0.1"
	cfg.Relay.Port = cfg.Discovery.Port
	cfg.Capture.Hotkey = ""
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	assert.Len(t, multierr.Errors(err), 4)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"POINTERLINK_NAME":            "desk",
		"POINTERLINK_RELAY_PORT":      "9000",
		"POINTERLINK_AUTO_ACCEPT":     "true",
		"POINTERLINK_API_TOKEN":       "s3cret",
		"POINTERLINK_DISCOVERY_GROUP": "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := DefaultConfig()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, "desk", cfg.Identity.Name)
	assert.Equal(t, 9000, cfg.Relay.Port)
	assert.True(t, cfg.Handoff.AutoAccept)
	assert.Equal(t, "s3cret", cfg.API.Token)
	assert.Equal(t, "239.255.255.250", cfg.Discovery.Group)
}

func TestApplyEnvRejectsMalformedNumbers(t *testing.T) {
	env := map[string]string{"POINTERLINK_RELAY_PORT": "high", "POINTERLINK_AUTO_ACCEPT": "maybe"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	err := DefaultConfig().applyEnv(lookup)
	assert.Len(t, multierr.Errors(err), 2)
}

func TestManagerMissingFileKeepsDefaults(t *testing.T) {
	m := NewManagerAt(filepath.Join(t.TempDir(), "config.yaml"), zaptest.NewLogger(t).Sugar())
	require.NoError(t, m.Load())
	assert.Equal(t, *DefaultConfig(), m.Get())
}

func TestManagerRoundTripsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	m := NewManagerAt(path, zaptest.NewLogger(t).Sugar())

	cfg := DefaultConfig()
	cfg.Identity.Name = "laptop"
	cfg.Relay.Exclusive = true
	cfg.Discovery.BeaconInterval = 3 * time.Second
	m.Set(cfg)
	require.NoError(t, m.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "beacon_interval: 3s")

	other := NewManagerAt(path, zaptest.NewLogger(t).Sugar())
	require.NoError(t, other.Load())
	got := other.Get()
	assert.Equal(t, "laptop", got.Identity.Name)
	assert.True(t, got.Relay.Exclusive)
	assert.Equal(t, 3*time.Second, got.Discovery.BeaconInterval)
}

func TestManagerLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("relay:\n  port: 0\n"), 0o600))

	m := NewManagerAt(path, zaptest.NewLogger(t).Sugar())
	assert.ErrorIs(t, m.Load(), ErrInvalid)
	assert.Equal(t, 8765, m.Get().Relay.Port)
}

func TestChangeCallbackFiresOnSet(t *testing.T) {
	m := NewManagerAt(filepath.Join(t.TempDir(), "c.yaml"), zaptest.NewLogger(t).Sugar())
	calls := 0
	m.RegisterChangeCallback(func() { calls++ })
	m.Set(DefaultConfig())
	assert.Equal(t, 1, calls)
}
