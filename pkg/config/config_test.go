package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSetDefaults(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()

	if cfg.RouterIP != "192.168.1.1" {
		t.Errorf("RouterIP = %q, want 192.168.1.1", cfg.RouterIP)
	}
	if cfg.Username != "useradmin" {
		t.Errorf("Username = %q, want useradmin", cfg.Username)
	}
	if cfg.VerifyAttempts != 3 || cfg.ReplaceConcurrency != 1 {
		t.Errorf("behaviour defaults wrong: %+v", cfg)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestSetDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{RouterIP: "10.0.0.1", Username: "admin", TimeoutSeconds: 30}
	cfg.SetDefaults()

	if cfg.RouterIP != "10.0.0.1" || cfg.Username != "admin" || cfg.TimeoutSeconds != 30 {
		t.Errorf("explicit values overwritten: %+v", cfg)
	}
}

func TestInitFromEnv(t *testing.T) {
	t.Setenv("TIANYI_ROUTER_IP", "10.1.2.3")
	t.Setenv("TIANYI_USERNAME", "operator")
	t.Setenv("TIANYI_PASSWORD", "hunter2")
	t.Setenv("TIANYI_TIMEOUT_SECONDS", "25")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Config{}
	InitFromEnv(&cfg)

	if cfg.RouterIP != "10.1.2.3" || cfg.Username != "operator" || cfg.Password != "hunter2" {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.TimeoutSeconds != 25 {
		t.Errorf("TimeoutSeconds = %d, want 25", cfg.TimeoutSeconds)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestSetDerivedValues(t *testing.T) {
	cfg := Config{RouterIP: "192.168.1.1", TimeoutSeconds: 15}
	cfg.SetDerivedValues()

	if cfg.Host != "http://192.168.1.1" {
		t.Errorf("Host = %q, want http://192.168.1.1", cfg.Host)
	}
	if cfg.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", cfg.Timeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "valid",
			cfg:  Config{RouterIP: "192.168.1.1", Username: "useradmin", Password: "secret"},
		},
		{
			name:    "missing password",
			cfg:     Config{RouterIP: "192.168.1.1", Username: "useradmin"},
			wantErr: "password",
		},
		{
			name:    "bad router IP",
			cfg:     Config{RouterIP: "not-an-ip", Username: "useradmin", Password: "secret"},
			wantErr: "router IP",
		},
		{
			name:    "empty router IP",
			cfg:     Config{Username: "useradmin", Password: "secret"},
			wantErr: "router IP",
		},
		{
			name:    "missing username",
			cfg:     Config{RouterIP: "192.168.1.1", Password: "secret"},
			wantErr: "username",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `routerIp: 10.9.8.7
username: operator
password: hunter2
timeoutSeconds: 20
verifyAttempts: 5
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := Config{}
	if err := cfg.LoadFile(path); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.RouterIP != "10.9.8.7" || cfg.Username != "operator" || cfg.VerifyAttempts != 5 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Timeout != 20*time.Second {
		t.Errorf("Timeout = %v, want 20s", cfg.Timeout)
	}
}

func TestLoadFileMissing(t *testing.T) {
	cfg := Config{}
	if err := cfg.LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
