// Package config provides configuration management for pointerlink.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"pointerlink/internal/discovery"
	"pointerlink/internal/handoff"
	"pointerlink/internal/hotkey"
	"pointerlink/internal/relay"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "POINTERLINK_"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config represents the application configuration
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Handoff   HandoffConfig   `yaml:"handoff"`
	Capture   CaptureConfig   `yaml:"capture"`
	Relay     RelayConfig     `yaml:"relay"`
	API       APIConfig       `yaml:"api"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// IdentityConfig is what this machine advertises.
type IdentityConfig struct {
	// Name is the display name; empty means the host name.
	Name string `yaml:"name"`

	// Address overrides the advertised IPv4; empty means auto-detect.
	Address string `yaml:"address,omitempty"`
}

// DiscoveryConfig controls the multicast socket.
type DiscoveryConfig struct {
	Group          string        `yaml:"group"`
	Port           int           `yaml:"port"`
	Interface      string        `yaml:"interface,omitempty"`
	BeaconInterval time.Duration `yaml:"beacon_interval"`
	PeerTTL        time.Duration `yaml:"peer_ttl"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
}

// HandoffConfig controls control negotiation.
type HandoffConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	RequestRate  float64       `yaml:"request_rate"`
	RequestBurst int           `yaml:"request_burst"`

	// AutoAccept answers every valid request without asking.
	AutoAccept bool `yaml:"auto_accept"`
}

// CaptureConfig controls local input interception.
type CaptureConfig struct {
	// Enabled installs the platform input hooks on startup.
	Enabled   bool   `yaml:"enabled"`
	Hotkey    string `yaml:"hotkey"`
	QueueSize int    `yaml:"queue_size"`
}

// RelayConfig controls the pointer relay endpoint.
type RelayConfig struct {
	Port         int           `yaml:"port"`
	Exclusive    bool          `yaml:"exclusive"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

// APIConfig controls the local control API.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`

	// Token, when set, must be sent as "Authorization: Bearer <token>".
	Token string `yaml:"token,omitempty"`
}

// LoggingConfig selects level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns a new Config with sensible defaults
func DefaultConfig() *Config {
	d := discovery.DefaultConfig()
	h := handoff.DefaultConfig()
	r := relay.DefaultConfig()
	return &Config{
		Discovery: DiscoveryConfig{
			Group:          d.Group,
			Port:           d.Port,
			BeaconInterval: d.BeaconInterval,
			PeerTTL:        d.PeerTTL,
			ReceiveTimeout: d.ReceiveTimeout,
		},
		Handoff: HandoffConfig{
			Timeout:      h.Timeout,
			RequestRate:  h.RequestRate,
			RequestBurst: h.RequestBurst,
		},
		Capture: CaptureConfig{
			Enabled:   true,
			Hotkey:    "F12",
			QueueSize: 256,
		},
		Relay: RelayConfig{
			Port:         8765,
			WriteTimeout: r.WriteTimeout,
			PingInterval: r.PingInterval,
		},
		API: APIConfig{
			Enabled: true,
			Address: "127.0.0.1:18080",
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	group := net.ParseIP(c.Discovery.Group)
	check(group != nil && group.To4() != nil && group.IsMulticast(), "discovery.group %q is not an IPv4 multicast address", c.Discovery.Group)
	check(validPort(c.Discovery.Port), "discovery.port %d out of range", c.Discovery.Port)
	check(c.Discovery.BeaconInterval > 0, "discovery.beacon_interval must be positive")
	check(c.Discovery.PeerTTL > c.Discovery.BeaconInterval, "discovery.peer_ttl must exceed beacon_interval")
	check(c.Discovery.ReceiveTimeout > 0, "discovery.receive_timeout must be positive")
	if c.Identity.Address != "" {
		ip := net.ParseIP(c.Identity.Address)
		check(ip != nil && ip.To4() != nil, "identity.address %q is not IPv4", c.Identity.Address)
	}

	check(c.Handoff.Timeout > 0, "handoff.timeout must be positive")
	check(c.Handoff.RequestRate > 0, "handoff.request_rate must be positive")
	check(c.Handoff.RequestBurst >= 1, "handoff.request_burst must be at least 1")

	check(c.Capture.QueueSize >= 1, "capture.queue_size must be at least 1")
	if _, herr := hotkey.NewManager().Register(c.Capture.Hotkey, func() {}); herr != nil {
		check(false, "capture.hotkey: %v", herr)
	}

	check(validPort(c.Relay.Port), "relay.port %d out of range", c.Relay.Port)
	check(c.Relay.Port != c.Discovery.Port, "relay.port must differ from discovery.port")
	check(c.Relay.WriteTimeout > 0, "relay.write_timeout must be positive")
	check(c.Relay.PingInterval > 0, "relay.ping_interval must be positive")

	if c.API.Enabled {
		_, _, aerr := net.SplitHostPort(c.API.Address)
		check(aerr == nil, "api.address %q: want host:port", c.API.Address)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		check(false, "logging.format %q: want json or console", c.Logging.Format)
	}
	return err
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}

// ApplyEnv overlays POINTERLINK_* variables on c.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var err error
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = multierr.Append(err, fmt.Errorf("%s%s: %w", EnvPrefix, key, perr))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = multierr.Append(err, fmt.Errorf("%s%s: %w", EnvPrefix, key, perr))
				return
			}
			*dst = b
		}
	}

	str("NAME", &c.Identity.Name)
	str("ADDRESS", &c.Identity.Address)
	str("DISCOVERY_GROUP", &c.Discovery.Group)
	num("DISCOVERY_PORT", &c.Discovery.Port)
	str("DISCOVERY_INTERFACE", &c.Discovery.Interface)
	flag("AUTO_ACCEPT", &c.Handoff.AutoAccept)
	str("HOTKEY", &c.Capture.Hotkey)
	num("RELAY_PORT", &c.Relay.Port)
	flag("RELAY_EXCLUSIVE", &c.Relay.Exclusive)
	str("API_ADDRESS", &c.API.Address)
	str("API_TOKEN", &c.API.Token)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	return err
}

// DiscoveryOptions converts the discovery section.
func (c *Config) DiscoveryOptions() discovery.Config {
	d := discovery.DefaultConfig()
	d.Group = c.Discovery.Group
	d.Port = c.Discovery.Port
	d.Interface = c.Discovery.Interface
	d.BeaconInterval = c.Discovery.BeaconInterval
	d.PeerTTL = c.Discovery.PeerTTL
	d.ReceiveTimeout = c.Discovery.ReceiveTimeout
	return d
}

// HandoffOptions converts the handoff section.
func (c *Config) HandoffOptions() handoff.Config {
	h := handoff.DefaultConfig()
	h.Timeout = c.Handoff.Timeout
	h.RequestRate = c.Handoff.RequestRate
	h.RequestBurst = c.Handoff.RequestBurst
	h.AutoAccept = c.Handoff.AutoAccept
	h.DiscoveryPort = c.Discovery.Port
	return h
}

// RelayOptions converts the relay section.
func (c *Config) RelayOptions() relay.Config {
	r := relay.DefaultConfig()
	r.Exclusive = c.Relay.Exclusive
	r.WriteTimeout = c.Relay.WriteTimeout
	r.PingInterval = c.Relay.PingInterval
	if r.PongWait <= r.PingInterval {
		r.PongWait = 2 * r.PingInterval
	}
	return r
}

// Manager handles loading and saving configuration
type Manager struct {
	mu         sync.Mutex
	configPath string
	config     *Config
	onChanged  func()
	logger     *zap.SugaredLogger
}

// NewManager creates a manager for the per-user config file.
func NewManager(logger *zap.SugaredLogger) (*Manager, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}
	return NewManagerAt(configPath, logger), nil
}

// NewManagerAt creates a manager for an explicit file.
func NewManagerAt(path string, logger *zap.SugaredLogger) *Manager {
	return &Manager{
		configPath: path,
		config:     DefaultConfig(),
		logger:     logger,
	}
}

// getConfigPath returns the path to the configuration file
func getConfigPath() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, "Library", "Application Support", "pointerlink")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		configDir = filepath.Join(appData, "pointerlink")
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			base = filepath.Join(home, ".config")
		}
		configDir = filepath.Join(base, "pointerlink")
	}

	return filepath.Join(configDir, "config.yaml"), nil
}

// Path returns the file the manager reads and writes.
func (m *Manager) Path() string {
	return m.configPath
}

// Load reads the file, overlays the environment and validates the result.
// A missing file leaves the defaults in place.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	data, err := os.ReadFile(m.configPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		m.logger.Debugw("No config file, using defaults", "path", m.configPath)
	case err != nil:
		return fmt.Errorf("read config %s: %w", m.configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", m.configPath, err)
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.Set(cfg)
	return nil
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.configPath), 0o755); err != nil {
		return err
	}

	m.logger.Infow("Saving configuration", "path", m.configPath, "bytes", len(data))
	return os.WriteFile(m.configPath, data, 0o600)
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.config
}

// Set replaces the configuration and fires the change callback.
func (m *Manager) Set(config *Config) {
	m.mu.Lock()
	m.config = config
	fn := m.onChanged
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// RegisterChangeCallback registers a function to be called when config changes
func (m *Manager) RegisterChangeCallback(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChanged = fn
}
