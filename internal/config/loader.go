package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hjson/hjson-go/v4"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	TransportMemory = "memory"
	TransportMQTT   = "mqtt"
)

// Loader reads configuration. Getenv is swappable for tests.
type Loader struct {
	Getenv  func(string) string
	EnvFile string
}

// NewLoader creates a loader backed by the process environment.
func NewLoader() *Loader {
	return &Loader{Getenv: os.Getenv, EnvFile: ".env"}
}

// Load reads path (if non-empty), loads the .env file if present, applies
// environment overrides and defaults, and validates the result.
func (l *Loader) Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return nil, err
		}
	}

	if l.EnvFile != "" {
		// Existing environment variables win over the file.
		if err := godotenv.Load(l.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", l.EnvFile, err)
		}
	}

	if err := l.applyEnv(&cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FindConfig looks for a config file in dir.
func (l *Loader) FindConfig(dir string) (string, error) {
	candidates := []string{"qchat-relay.hjson", "qchat-relay.json", "qchat-relay.yaml", "qchat-relay.yml"}
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("config file not found (looked for %s)", strings.Join(candidates, ", "))
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml: %w", err)
		}
		return nil
	default:
		// hjson is a superset of json, so .json files take the same path.
		var raw map[string]interface{}
		if err := hjson.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse hjson: %w", err)
		}
		jsonData, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("convert to json: %w", err)
		}
		if err := json.Unmarshal(jsonData, cfg); err != nil {
			return fmt.Errorf("unmarshal config: %w", err)
		}
		return nil
	}
}

func (l *Loader) applyEnv(cfg *Config) error {
	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("PROJECT_NAME", &cfg.Namespace)
	str("HOST", &cfg.Server.Host)
	str("STATIC_DIR", &cfg.Server.StaticDir)
	str("CHAT_COMMAND", &cfg.Session.Command)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("MQTT_USERNAME", &cfg.Transport.MQTT.Username)
	str("MQTT_PASSWORD", &cfg.Transport.MQTT.Password)
	if v := getenv("MQTT_BROKER"); v != "" {
		cfg.Transport.MQTT.URL = v
		if cfg.Transport.Kind == "" {
			cfg.Transport.Kind = TransportMQTT
		}
	}
	if err := num("PORT", &cfg.Server.Port); err != nil {
		return err
	}
	return num("MAX_SESSIONS", &cfg.Session.MaxSessions)
}

// applyDefaults sets default values for missing config fields.
func applyDefaults(cfg *Config) {
	if cfg.Namespace == "" {
		cfg.Namespace = "q-cli-webui"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}

	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = TransportMemory
	}
	if cfg.Transport.MQTT.QoS == 0 {
		cfg.Transport.MQTT.QoS = 1
	}

	if cfg.Session.Command == "" {
		cfg.Session.Command = "q chat"
	}
	if cfg.Session.Spawner == "" {
		cfg.Session.Spawner = "pty"
	}
	if cfg.Session.StopGrace == "" {
		cfg.Session.StopGrace = "5s"
	}

	if cfg.Batch.MaxLines == 0 {
		cfg.Batch.MaxLines = 10
	}
	if cfg.Batch.MaxWait == "" {
		cfg.Batch.MaxWait = "500ms"
	}

	if cfg.Files.MaxReadBytes == 0 {
		cfg.Files.MaxReadBytes = 10 << 20
	}
	if cfg.Files.WatchDebounce == "" {
		cfg.Files.WatchDebounce = "200ms"
	}

	if cfg.Client.ServerURL == "" {
		cfg.Client.ServerURL = fmt.Sprintf("ws://127.0.0.1:%d/ws", cfg.Server.Port)
	}
	if cfg.Client.Scrollback == 0 {
		cfg.Client.Scrollback = 500
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
