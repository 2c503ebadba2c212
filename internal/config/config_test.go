package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLoader(env map[string]string) *Loader {
	return &Loader{Getenv: func(k string) string { return env[k] }}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := testLoader(nil).Load("")
	require.NoError(t, err)

	assert.Equal(t, "q-cli-webui", cfg.Namespace)
	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, TransportMemory, cfg.Transport.Kind)
	assert.Equal(t, []string{"q", "chat"}, cfg.Session.CommandArgv())
	assert.Equal(t, 5*time.Second, cfg.Session.StopGraceDuration())
	assert.Equal(t, 10, cfg.Batch.MaxLines)
	assert.Equal(t, 500*time.Millisecond, cfg.Batch.MaxWaitDuration())
	assert.Equal(t, int64(10<<20), cfg.Files.MaxReadBytes)
	assert.Equal(t, "ws://127.0.0.1:8420/ws", cfg.Client.ServerURL)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_HJSON(t *testing.T) {
	path := writeFile(t, "relay.hjson", `{
  // comments are allowed
  namespace: team-a
  server: {
    port: 9000
  }
  session: {
    command: bash -i
    max_sessions: 4
    stop_grace: 2s
  }
  batch: {
    max_lines: 3
    max_wait: "50ms"
  }
}`)

	cfg, err := testLoader(nil).Load(path)
	require.NoError(t, err)
	assert.Equal(t, "team-a", cfg.Namespace)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"bash", "-i"}, cfg.Session.CommandArgv())
	assert.Equal(t, 4, cfg.Session.MaxSessions)
	assert.Equal(t, 2*time.Second, cfg.Session.StopGraceDuration())
	assert.Equal(t, 3, cfg.Batch.MaxLines)
	assert.Equal(t, 50*time.Millisecond, cfg.Batch.MaxWaitDuration())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
namespace: team-b
transport:
  kind: mqtt
  mqtt:
    url: tcp://broker:1883
    qos: 2
logging:
  level: debug
  format: json
`)

	cfg, err := testLoader(nil).Load(path)
	require.NoError(t, err)
	assert.Equal(t, "team-b", cfg.Namespace)
	assert.Equal(t, TransportMQTT, cfg.Transport.Kind)
	assert.Equal(t, "tcp://broker:1883", cfg.Transport.MQTT.URL)
	assert.Equal(t, 2, cfg.Transport.MQTT.QoS)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "DEBUG", cfg.Logging.SlogLevel().String())
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "relay.json", `{"namespace": "from-file", "server": {"port": 1234}}`)
	env := map[string]string{
		"PROJECT_NAME":  "from-env",
		"PORT":          "9999",
		"CHAT_COMMAND":  "cat",
		"MAX_SESSIONS":  "2",
		"MQTT_BROKER":   "tcp://localhost:1883",
		"MQTT_USERNAME": "u",
		"LOG_LEVEL":     "warn",
	}

	cfg, err := testLoader(env).Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Namespace)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, []string{"cat"}, cfg.Session.CommandArgv())
	assert.Equal(t, 2, cfg.Session.MaxSessions)
	assert.Equal(t, TransportMQTT, cfg.Transport.Kind, "a broker url selects mqtt")
	assert.Equal(t, "u", cfg.Transport.MQTT.Username)
	assert.Equal(t, "WARN", cfg.Logging.SlogLevel().String())
}

func TestLoad_EnvFile(t *testing.T) {
	envFile := writeFile(t, ".env", "QCHAT_TEST_ONLY_VAR=from-dotenv\n")
	t.Cleanup(func() { os.Unsetenv("QCHAT_TEST_ONLY_VAR") })

	l := &Loader{Getenv: os.Getenv, EnvFile: envFile}
	_, err := l.Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", os.Getenv("QCHAT_TEST_ONLY_VAR"))
}

func TestLoad_MissingEnvFileIgnored(t *testing.T) {
	l := &Loader{Getenv: func(string) string { return "" }, EnvFile: filepath.Join(t.TempDir(), "absent.env")}
	_, err := l.Load("")
	assert.NoError(t, err)
}

func TestLoad_Errors(t *testing.T) {
	_, err := testLoader(nil).Load(filepath.Join(t.TempDir(), "missing.hjson"))
	assert.Error(t, err)

	_, err = testLoader(map[string]string{"PORT": "abc"}).Load("")
	assert.Error(t, err)

	_, err = testLoader(map[string]string{"PROJECT_NAME": "a/b"}).Load("")
	assert.Error(t, err)

	path := writeFile(t, "bad.yaml", "transport:\n  kind: carrier-pigeon\n")
	_, err = testLoader(nil).Load(path)
	assert.Error(t, err)

	path = writeFile(t, "mqtt.yaml", "transport:\n  kind: mqtt\n")
	_, err = testLoader(nil).Load(path)
	assert.Error(t, err, "mqtt needs a url")
}

func TestFindConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := NewLoader().FindConfig(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "qchat-relay.yaml"), []byte("{}"), 0o644))
	path, err := NewLoader().FindConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "qchat-relay.yaml"), path)
}

func TestParseDurationFallback(t *testing.T) {
	assert.Equal(t, time.Second, parseDuration("", time.Second))
	assert.Equal(t, time.Second, parseDuration("nonsense", time.Second))
	assert.Equal(t, 3*time.Minute, parseDuration("3m", time.Second))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	LoggingConfig{Level: "warn", Format: "json"}.NewLogger(&buf).Info("hidden")
	assert.Empty(t, buf.String())

	LoggingConfig{Level: "debug", Format: "json"}.NewLogger(&buf).Debug("shown", "k", "v")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"k":"v"`)
}
