package config

import (
	"os"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	// Clear any existing env vars
	os.Unsetenv("PORT")
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("ENV")
	os.Unsetenv("STREAM_HEARTBEAT_SECONDS")
	os.Unsetenv("PUSH_QUEUE_SIZE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}

	if cfg.Env != "development" {
		t.Errorf("expected env 'development', got %s", cfg.Env)
	}

	if cfg.HeartbeatSeconds != 30 {
		t.Errorf("expected heartbeat 30s, got %d", cfg.HeartbeatSeconds)
	}

	if cfg.PushQueueSize != 256 {
		t.Errorf("expected push queue size 256, got %d", cfg.PushQueueSize)
	}

	if cfg.VAPIDPublicKey != "" || cfg.VAPIDPrivateKey != "" {
		t.Error("VAPID keys should be empty by default, disabling web push")
	}
}

func TestLoad_CustomValues(t *testing.T) {
	os.Setenv("PORT", "9000")
	os.Setenv("LOG_LEVEL", "debug")
	os.Setenv("ENV", "production")
	os.Setenv("STREAM_HEARTBEAT_SECONDS", "15")
	os.Setenv("VAPID_PUBLIC_KEY", "pub-key")
	os.Setenv("VAPID_PRIVATE_KEY", "priv-key")
	defer func() {
		os.Unsetenv("PORT")
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("ENV")
		os.Unsetenv("STREAM_HEARTBEAT_SECONDS")
		os.Unsetenv("VAPID_PUBLIC_KEY")
		os.Unsetenv("VAPID_PRIVATE_KEY")
	}()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got %s", cfg.LogLevel)
	}

	if cfg.Env != "production" {
		t.Errorf("expected env 'production', got %s", cfg.Env)
	}

	if cfg.HeartbeatSeconds != 15 {
		t.Errorf("expected heartbeat 15s, got %d", cfg.HeartbeatSeconds)
	}

	if cfg.VAPIDPublicKey != "pub-key" || cfg.VAPIDPrivateKey != "priv-key" {
		t.Error("VAPID keys should come from the environment")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	os.Setenv("PORT", "not-a-number")
	defer os.Unsetenv("PORT")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a non-numeric PORT")
	}
}
