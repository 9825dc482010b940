package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	collaberrors "github.com/erdlab/collab/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	var ce *collaberrors.Error
	if !stderrors.As(err, &ce) || ce.Code != "E101" {
		t.Fatalf("Load on empty dir = %v, want E101", err)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	dir := writeConfig(t, `{"addr": }`)
	_, err := Load(dir)
	var ce *collaberrors.Error
	if !stderrors.As(err, &ce) || ce.Code != "E102" {
		t.Fatalf("Load bad JSON = %v, want E102", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := writeConfig(t, `{}`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != DefaultAddr {
		t.Errorf("Addr = %q, want %q", cfg.Addr, DefaultAddr)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("Log = %+v, want info/text", cfg.Log)
	}
}

func TestLoadFullConfig(t *testing.T) {
	dir := writeConfig(t, `{
		"addr": "127.0.0.1:9000",
		"log": {"level": "debug", "format": "json"},
		"auth": {"secret": "s3cret", "tokenTTL": "1h"},
		"session": {
			"heartbeatInterval": "5s",
			"readTimeout": "30s",
			"graceWindow": "1m",
			"sendQueueSize": 128,
			"malformedLimit": 10
		},
		"presence": {"idleThreshold": "90s"},
		"limits": {"maxSessions": 500}
	}`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	sc, err := cfg.ServerConfig()
	if err != nil {
		t.Fatal(err)
	}
	if sc.Address != "127.0.0.1:9000" {
		t.Errorf("Address = %q", sc.Address)
	}
	if sc.MaxSessions != 500 {
		t.Errorf("MaxSessions = %d, want 500", sc.MaxSessions)
	}
	if sc.SessionConfig.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 5s", sc.SessionConfig.HeartbeatInterval)
	}
	if sc.SessionConfig.GraceWindow != time.Minute {
		t.Errorf("GraceWindow = %v, want 1m", sc.SessionConfig.GraceWindow)
	}
	if sc.SessionConfig.SendQueueSize != 128 {
		t.Errorf("SendQueueSize = %d, want 128", sc.SessionConfig.SendQueueSize)
	}

	pc, err := cfg.PresenceConfig()
	if err != nil {
		t.Fatal(err)
	}
	if pc.IdleThreshold != 90*time.Second {
		t.Errorf("IdleThreshold = %v, want 90s", pc.IdleThreshold)
	}

	secret, err := cfg.Secret()
	if err != nil {
		t.Fatal(err)
	}
	if string(secret) != "s3cret" {
		t.Errorf("Secret = %q", secret)
	}
	if cfg.TokenTTL() != time.Hour {
		t.Errorf("TokenTTL = %v, want 1h", cfg.TokenTTL())
	}
}

func TestLoadBadDuration(t *testing.T) {
	dir := writeConfig(t, `{"session": {"readTimeout": "soon"}}`)
	_, err := Load(dir)
	var ce *collaberrors.Error
	if !stderrors.As(err, &ce) || ce.Code != "E104" {
		t.Fatalf("Load bad duration = %v, want E104", err)
	}
}

func TestLoadHeartbeatMustBeatReadTimeout(t *testing.T) {
	dir := writeConfig(t, `{"session": {"heartbeatInterval": "2m", "readTimeout": "30s"}}`)
	_, err := Load(dir)
	var ce *collaberrors.Error
	if !stderrors.As(err, &ce) || ce.Code != "E103" {
		t.Fatalf("Load inverted intervals = %v, want E103", err)
	}
}

func TestSecretFromFile(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "secret")
	if err := os.WriteFile(secretPath, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := New()
	cfg.Auth.SecretFile = secretPath
	secret, err := cfg.Secret()
	if err != nil {
		t.Fatal(err)
	}
	if string(secret) != "from-file" {
		t.Errorf("Secret = %q, want trimmed file contents", secret)
	}
}

func TestSecretMissing(t *testing.T) {
	cfg := New()
	_, err := cfg.Secret()
	var ce *collaberrors.Error
	if !stderrors.As(err, &ce) || ce.Code != "E201" {
		t.Fatalf("Secret with nothing configured = %v, want E201", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := New()
	cfg.Addr = ":9999"
	path := filepath.Join(dir, ConfigFileName)
	if err := cfg.SaveTo(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Addr != ":9999" {
		t.Errorf("round-tripped Addr = %q, want :9999", loaded.Addr)
	}
	if loaded.Path() != path {
		t.Errorf("Path() = %q, want %q", loaded.Path(), path)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	if Exists(dir) {
		t.Error("Exists true for empty dir")
	}
	writeDir := writeConfig(t, `{}`)
	if !Exists(writeDir) {
		t.Error("Exists false after write")
	}
}

func TestLogLevel(t *testing.T) {
	cases := map[string]string{
		"debug": "DEBUG",
		"info":  "INFO",
		"warn":  "WARN",
		"error": "ERROR",
		"":      "INFO",
		"WARN":  "WARN",
	}
	for name, want := range cases {
		cfg := New()
		cfg.Log.Level = name
		if got := cfg.LogLevel().String(); got != want {
			t.Errorf("LogLevel(%q) = %s, want %s", name, got, want)
		}
	}
}
