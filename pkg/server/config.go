package server

import (
	"errors"
	"net/http"
	"time"
)

// SessionConfig configures individual transport sessions.
type SessionConfig struct {
	// ReadTimeout is the maximum time to wait for a message from the
	// client. Heartbeats keep healthy connections under this.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait when sending a message.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// HandshakeTimeout bounds the wait for the auth envelope after the
	// websocket upgrade. Default: 10 seconds.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is the probe interval advertised to clients in
	// auth_ack. Default: 15 seconds.
	HeartbeatInterval time.Duration

	// MaxMessageSize is the maximum size of an incoming websocket message.
	// Default: protocol.MaxEnvelopeSize.
	MaxMessageSize int64

	// SendQueueSize is the per-session outbound broadcast queue capacity.
	// Overflowing it forces the session into resynchronization.
	// Default: 64.
	SendQueueSize int

	// GraceWindow is how long a disconnected session stays resumable with
	// the same session id before it is destroyed and its presence entries
	// cleaned up. Default: 2 minutes.
	GraceWindow time.Duration

	// MalformedLimit and MalformedWindow tear a session down when more
	// than MalformedLimit malformed messages arrive within
	// MalformedWindow. A single malformed message is only dropped and
	// logged. Defaults: 5 in 10 seconds.
	MalformedLimit  int
	MalformedWindow time.Duration
}

// DefaultSessionConfig returns the default session configuration.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		MaxMessageSize:    256 << 10,
		SendQueueSize:     64,
		GraceWindow:       2 * time.Minute,
		MalformedLimit:    5,
		MalformedWindow:   10 * time.Second,
	}
}

func (c *SessionConfig) fillDefaults() {
	d := DefaultSessionConfig()
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.GraceWindow == 0 {
		c.GraceWindow = d.GraceWindow
	}
	if c.MalformedLimit == 0 {
		c.MalformedLimit = d.MalformedLimit
	}
	if c.MalformedWindow == 0 {
		c.MalformedWindow = d.MalformedWindow
	}
}

// ServerConfig configures the collaboration server.
type ServerConfig struct {
	// Address is the address to listen on. Default: ":8420".
	Address string

	// ReadBufferSize and WriteBufferSize are the websocket buffer sizes.
	// Default: 4096 each.
	ReadBufferSize  int
	WriteBufferSize int

	// CheckOrigin validates the upgrade request origin.
	// Default: allows all origins (not recommended for production).
	CheckOrigin func(r *http.Request) bool

	// SessionConfig is the configuration for individual sessions.
	// Default: DefaultSessionConfig().
	SessionConfig *SessionConfig

	// MaxSessions is the maximum number of concurrent sessions.
	// 0 means no limit.
	MaxSessions int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30 seconds.
	ShutdownTimeout time.Duration

	// ReadHeaderTimeout is the HTTP server read-header timeout.
	// Default: 10 seconds.
	ReadHeaderTimeout time.Duration
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:           ":8420",
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		CheckOrigin:       func(*http.Request) bool { return true },
		SessionConfig:     DefaultSessionConfig(),
		ShutdownTimeout:   30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (c *ServerConfig) fillDefaults() {
	d := DefaultServerConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.CheckOrigin == nil {
		c.CheckOrigin = d.CheckOrigin
	}
	if c.SessionConfig == nil {
		c.SessionConfig = DefaultSessionConfig()
	} else {
		c.SessionConfig.fillDefaults()
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = d.ReadHeaderTimeout
	}
}

// Validate checks the configuration for inconsistencies.
func (c *ServerConfig) Validate() error {
	sc := c.SessionConfig
	if sc.HeartbeatInterval >= sc.ReadTimeout {
		return errors.New("server: heartbeat interval must be shorter than the read timeout")
	}
	if sc.MalformedLimit < 1 {
		return errors.New("server: malformed message limit must be at least 1")
	}
	if c.MaxSessions < 0 {
		return errors.New("server: max sessions cannot be negative")
	}
	return nil
}
