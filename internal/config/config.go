package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/erdlab/collab/internal/errors"
	"github.com/erdlab/collab/pkg/presence"
	"github.com/erdlab/collab/pkg/server"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "collabd.json"

	// DefaultAddr is the default listen address.
	DefaultAddr = ":8420"
)

// Config represents the complete collabd.json configuration. Durations are
// strings in Go syntax ("15s", "2m"); zero values fall back to the built-in
// defaults of the package that consumes them.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string `json:"addr,omitempty"`

	// Log contains logging configuration.
	Log LogConfig `json:"log,omitempty"`

	// Auth contains token verification configuration.
	Auth AuthConfig `json:"auth,omitempty"`

	// Session contains per-session transport configuration.
	Session SessionConfig `json:"session,omitempty"`

	// Presence contains presence sweep and cursor coalescing configuration.
	Presence PresenceConfig `json:"presence,omitempty"`

	// Limits contains server-wide capacity limits.
	Limits LimitsConfig `json:"limits,omitempty"`

	// configPath stores the path where the config was loaded from.
	configPath string
}

// LogConfig contains logging configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level,omitempty"`

	// Format is "text" or "json".
	Format string `json:"format,omitempty"`
}

// AuthConfig contains token verification configuration.
type AuthConfig struct {
	// Secret is the shared signing secret. Prefer SecretFile outside of
	// development.
	Secret string `json:"secret,omitempty"`

	// SecretFile is a path to a file whose contents are the secret.
	SecretFile string `json:"secretFile,omitempty"`

	// TokenTTL is the lifetime of tokens minted by `collabd token`.
	TokenTTL string `json:"tokenTTL,omitempty"`
}

// SessionConfig contains per-session transport configuration.
type SessionConfig struct {
	// HeartbeatInterval is how often clients are told to probe liveness.
	HeartbeatInterval string `json:"heartbeatInterval,omitempty"`

	// ReadTimeout is the idle read deadline; it must exceed the heartbeat
	// interval.
	ReadTimeout string `json:"readTimeout,omitempty"`

	// WriteTimeout bounds a single frame write.
	WriteTimeout string `json:"writeTimeout,omitempty"`

	// GraceWindow is how long a detached session stays resumable.
	GraceWindow string `json:"graceWindow,omitempty"`

	// MaxMessageBytes caps a single inbound frame.
	MaxMessageBytes int64 `json:"maxMessageBytes,omitempty"`

	// SendQueueSize is the per-session outbound event queue depth.
	SendQueueSize int `json:"sendQueueSize,omitempty"`

	// MalformedLimit is the malformed-message count within the window that
	// tears the session down.
	MalformedLimit int `json:"malformedLimit,omitempty"`

	// MalformedWindow is the window for MalformedLimit.
	MalformedWindow string `json:"malformedWindow,omitempty"`
}

// PresenceConfig contains presence sweep and cursor coalescing configuration.
type PresenceConfig struct {
	// IdleThreshold is how long without traffic marks a participant
	// inactive.
	IdleThreshold string `json:"idleThreshold,omitempty"`

	// SweepInterval is how often the idle sweep runs.
	SweepInterval string `json:"sweepInterval,omitempty"`

	// CursorFlushInterval is the cursor coalescing window.
	CursorFlushInterval string `json:"cursorFlushInterval,omitempty"`
}

// LimitsConfig contains server-wide capacity limits.
type LimitsConfig struct {
	// MaxSessions caps concurrent sessions; 0 means unlimited.
	MaxSessions int `json:"maxSessions,omitempty"`
}

// New creates a new Config with default values.
func New() *Config {
	return &Config{
		Addr: DefaultAddr,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Auth: AuthConfig{
			TokenTTL: "12h",
		},
	}
}

// Load reads configuration from the specified directory. It looks for
// collabd.json in the directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads configuration from the specified file path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("E101").
				WithDetail("No " + ConfigFileName + " found in " + filepath.Dir(path))
		}
		return nil, errors.New("E105").Wrap(err)
	}

	cfg := New()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, errors.New("E102").WithDetail(err.Error())
	}
	cfg.configPath = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Exists reports whether a collabd.json exists in the directory.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}

// Path returns the path the config was loaded from, empty for defaults.
func (c *Config) Path() string {
	return c.configPath
}

// Save writes the configuration back to the path it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return c.SaveTo(ConfigFileName)
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to the given path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.FromError(err, "E105")
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.FromError(err, "E105")
	}
	c.configPath = path
	return nil
}

// Validate checks every duration string and cross-field constraint.
func (c *Config) Validate() error {
	fields := []struct {
		name  string
		value string
	}{
		{"auth.tokenTTL", c.Auth.TokenTTL},
		{"session.heartbeatInterval", c.Session.HeartbeatInterval},
		{"session.readTimeout", c.Session.ReadTimeout},
		{"session.writeTimeout", c.Session.WriteTimeout},
		{"session.graceWindow", c.Session.GraceWindow},
		{"session.malformedWindow", c.Session.MalformedWindow},
		{"presence.idleThreshold", c.Presence.IdleThreshold},
		{"presence.sweepInterval", c.Presence.SweepInterval},
		{"presence.cursorFlushInterval", c.Presence.CursorFlushInterval},
	}
	for _, f := range fields {
		if _, err := parseDuration(f.name, f.value); err != nil {
			return err
		}
	}

	if _, err := c.ServerConfig(); err != nil {
		return err
	}
	return nil
}

// Secret resolves the signing secret, preferring the inline value over the
// secret file.
func (c *Config) Secret() ([]byte, error) {
	if c.Auth.Secret != "" {
		return []byte(c.Auth.Secret), nil
	}
	if c.Auth.SecretFile != "" {
		data, err := os.ReadFile(c.Auth.SecretFile)
		if err != nil {
			return nil, errors.New("E202").Wrap(err)
		}
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return nil, errors.New("E201").
				WithDetail("Secret file " + c.Auth.SecretFile + " is empty.")
		}
		return []byte(secret), nil
	}
	return nil, errors.New("E201")
}

// TokenTTL returns the configured token lifetime.
func (c *Config) TokenTTL() time.Duration {
	d, err := parseDuration("auth.tokenTTL", c.Auth.TokenTTL)
	if err != nil || d <= 0 {
		return 12 * time.Hour
	}
	return d
}

// ServerConfig converts the file representation into the server's config,
// leaving unset fields to the server's own defaults.
func (c *Config) ServerConfig() (*server.ServerConfig, error) {
	sc := server.DefaultServerConfig()
	if c.Addr != "" {
		sc.Address = c.Addr
	}
	sc.MaxSessions = c.Limits.MaxSessions

	sess := sc.SessionConfig
	var err error
	if sess.HeartbeatInterval, err = durationOr("session.heartbeatInterval", c.Session.HeartbeatInterval, sess.HeartbeatInterval); err != nil {
		return nil, err
	}
	if sess.ReadTimeout, err = durationOr("session.readTimeout", c.Session.ReadTimeout, sess.ReadTimeout); err != nil {
		return nil, err
	}
	if sess.WriteTimeout, err = durationOr("session.writeTimeout", c.Session.WriteTimeout, sess.WriteTimeout); err != nil {
		return nil, err
	}
	if sess.GraceWindow, err = durationOr("session.graceWindow", c.Session.GraceWindow, sess.GraceWindow); err != nil {
		return nil, err
	}
	if sess.MalformedWindow, err = durationOr("session.malformedWindow", c.Session.MalformedWindow, sess.MalformedWindow); err != nil {
		return nil, err
	}
	if c.Session.MaxMessageBytes > 0 {
		sess.MaxMessageSize = c.Session.MaxMessageBytes
	}
	if c.Session.SendQueueSize > 0 {
		sess.SendQueueSize = c.Session.SendQueueSize
	}
	if c.Session.MalformedLimit > 0 {
		sess.MalformedLimit = c.Session.MalformedLimit
	}

	if err := sc.Validate(); err != nil {
		return nil, errors.New("E103").WithDetail(err.Error())
	}
	return sc, nil
}

// PresenceConfig converts the file representation into the tracker's config.
func (c *Config) PresenceConfig() (*presence.Config, error) {
	pc := presence.DefaultConfig()
	var err error
	if pc.IdleThreshold, err = durationOr("presence.idleThreshold", c.Presence.IdleThreshold, pc.IdleThreshold); err != nil {
		return nil, err
	}
	if pc.SweepInterval, err = durationOr("presence.sweepInterval", c.Presence.SweepInterval, pc.SweepInterval); err != nil {
		return nil, err
	}
	if pc.CursorFlushInterval, err = durationOr("presence.cursorFlushInterval", c.Presence.CursorFlushInterval, pc.CursorFlushInterval); err != nil {
		return nil, err
	}
	return pc, nil
}

// LogLevel returns the slog level for the configured name.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseDuration parses an optional duration string; empty is zero.
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.New("E104").
			WithDetail(field + " = " + quote(value) + " is not a valid duration.")
	}
	if d < 0 {
		return 0, errors.New("E103").
			WithDetail(field + " must not be negative.")
	}
	return d, nil
}

// durationOr parses an optional duration, falling back when unset.
func durationOr(field, value string, fallback time.Duration) (time.Duration, error) {
	d, err := parseDuration(field, value)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return fallback, nil
	}
	return d, nil
}

func quote(s string) string {
	return `"` + s + `"`
}
