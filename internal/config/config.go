// Package config loads relay and client settings from an hjson, json or
// yaml file, a .env file and environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config is the full set of settings for both binaries.
type Config struct {
	Namespace string          `json:"namespace" yaml:"namespace"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Session   SessionConfig   `json:"session" yaml:"session"`
	Batch     BatchConfig     `json:"batch" yaml:"batch"`
	Files     FilesConfig     `json:"files" yaml:"files"`
	Client    ClientConfig    `json:"client" yaml:"client"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// ServerConfig is the HTTP and websocket gateway.
type ServerConfig struct {
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	StaticDir string `json:"static_dir" yaml:"static_dir"`
}

// Addr returns host:port for the listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TransportConfig selects the broker.
type TransportConfig struct {
	Kind string     `json:"kind" yaml:"kind"` // memory or mqtt
	MQTT MQTTConfig `json:"mqtt" yaml:"mqtt"`
}

// MQTTConfig is the external broker connection.
type MQTTConfig struct {
	URL            string `json:"url" yaml:"url"`
	Username       string `json:"username" yaml:"username"`
	Password       string `json:"password" yaml:"password"`
	QoS            int    `json:"qos" yaml:"qos"`
	ConnectTimeout string `json:"connect_timeout" yaml:"connect_timeout"`
}

// SessionConfig controls child processes.
type SessionConfig struct {
	Command     string   `json:"command" yaml:"command"`
	Env         []string `json:"env" yaml:"env"`
	BaseDir     string   `json:"base_dir" yaml:"base_dir"`
	MaxSessions int      `json:"max_sessions" yaml:"max_sessions"`
	StopGrace   string   `json:"stop_grace" yaml:"stop_grace"`
	Spawner     string   `json:"spawner" yaml:"spawner"` // pty or pipe
}

// BatchConfig bounds output batches.
type BatchConfig struct {
	MaxLines int    `json:"max_lines" yaml:"max_lines"`
	MaxWait  string `json:"max_wait" yaml:"max_wait"`
}

// FilesConfig controls the filesystem sub-protocol.
type FilesConfig struct {
	MaxReadBytes  int64  `json:"max_read_bytes" yaml:"max_read_bytes"`
	WatchChanges  bool   `json:"watch_changes" yaml:"watch_changes"`
	WatchDebounce string `json:"watch_debounce" yaml:"watch_debounce"`
}

// ClientConfig is used by the terminal client.
type ClientConfig struct {
	ServerURL         string   `json:"server_url" yaml:"server_url"`
	ClientID          string   `json:"client_id" yaml:"client_id"`
	Scrollback        int      `json:"scrollback" yaml:"scrollback"`
	LongContent       int      `json:"long_content" yaml:"long_content"`
	BotPhrases        []string `json:"bot_phrases" yaml:"bot_phrases"`
	SelectionPhrases  []string `json:"selection_phrases" yaml:"selection_phrases"`
	ThinkingRemainder int      `json:"thinking_remainder" yaml:"thinking_remainder"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // text or json
}

// CommandArgv splits the session command on whitespace.
func (s SessionConfig) CommandArgv() []string {
	return strings.Fields(s.Command)
}

// StopGraceDuration parses StopGrace.
func (s SessionConfig) StopGraceDuration() time.Duration {
	return parseDuration(s.StopGrace, 5*time.Second)
}

// MaxWaitDuration parses MaxWait.
func (b BatchConfig) MaxWaitDuration() time.Duration {
	return parseDuration(b.MaxWait, 500*time.Millisecond)
}

// WatchDebounceDuration parses WatchDebounce.
func (f FilesConfig) WatchDebounceDuration() time.Duration {
	return parseDuration(f.WatchDebounce, 200*time.Millisecond)
}

// ConnectTimeoutDuration parses ConnectTimeout.
func (m MQTTConfig) ConnectTimeoutDuration() time.Duration {
	return parseDuration(m.ConnectTimeout, 10*time.Second)
}

// SlogLevel maps Level onto slog.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate rejects settings that cannot work.
func (c *Config) Validate() error {
	if c.Namespace == "" || strings.ContainsAny(c.Namespace, "/+#") {
		return fmt.Errorf("invalid namespace %q", c.Namespace)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	switch c.Transport.Kind {
	case TransportMemory:
	case TransportMQTT:
		if c.Transport.MQTT.URL == "" {
			return fmt.Errorf("mqtt transport requires a broker url")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport.Kind)
	}
	if q := c.Transport.MQTT.QoS; q < 0 || q > 2 {
		return fmt.Errorf("invalid mqtt qos %d", q)
	}
	if len(c.Session.CommandArgv()) == 0 {
		return fmt.Errorf("session command is empty")
	}
	switch c.Session.Spawner {
	case "pty", "pipe":
	default:
		return fmt.Errorf("unknown spawner %q", c.Session.Spawner)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
