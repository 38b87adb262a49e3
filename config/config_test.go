package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func newTestCmd(t *testing.T) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "imaparc"}
	if err := RegisterFlags(cmd); err != nil {
		t.Fatalf("RegisterFlags: %v", err)
	}
	return cmd
}

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	cmd := newTestCmd(t)
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	return LoadConfig(cmd)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := load(t, "--server", "mail.example.com", "--username", "bob", "--password", "secret")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.Port != 993 {
		t.Errorf("port = %d, want 993", cfg.Port)
	}
	if !cfg.SSL {
		t.Error("ssl should default to true")
	}
	if len(cfg.Folders) != 1 || cfg.Folders[0] != "INBOX" {
		t.Errorf("folders = %v, want [INBOX]", cfg.Folders)
	}
	if cfg.Concurrency != 1 {
		t.Errorf("concurrency = %d, want 1", cfg.Concurrency)
	}
}

func TestLoadConfigNonSSLPortSwitch(t *testing.T) {
	cfg, err := load(t, "--server", "mail.example.com", "--username", "bob", "--password", "x", "--ssl=false")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Port != 143 {
		t.Errorf("port = %d, want 143 when ssl is off and port unset", cfg.Port)
	}

	cfg, err = load(t, "--server", "mail.example.com", "--username", "bob", "--password", "x", "--ssl=false", "--port", "1143")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Port != 1143 {
		t.Errorf("explicit port = %d, want 1143", cfg.Port)
	}
}

func TestLoadConfigPasswordFromEnv(t *testing.T) {
	t.Setenv("IMAP_PASS", "env-secret")

	cfg, err := load(t, "--server", "mail.example.com", "--username", "bob")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Password != "env-secret" {
		t.Errorf("password = %q, want env fallback", cfg.Password)
	}
}

func TestLoadConfigDates(t *testing.T) {
	cfg, err := load(t,
		"--server", "mail.example.com", "--username", "bob", "--password", "x",
		"--start-date", "2023-01-01", "--end-date", "2023-12-31")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.StartDate.Year() != 2023 || cfg.StartDate.Month() != 1 {
		t.Errorf("start date = %v", cfg.StartDate)
	}
	if cfg.EndDate.Month() != 12 || cfg.EndDate.Day() != 31 {
		t.Errorf("end date = %v", cfg.EndDate)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "missing server",
			args:    []string{"--username", "bob", "--password", "x"},
			wantErr: "--server",
		},
		{
			name:    "missing username",
			args:    []string{"--server", "mail.example.com", "--password", "x"},
			wantErr: "--username",
		},
		{
			name: "reversed date range",
			args: []string{"--server", "m", "--username", "u", "--password", "x",
				"--start-date", "2024-01-01", "--end-date", "2023-01-01"},
			wantErr: "--start-date",
		},
		{
			name: "bad date format",
			args: []string{"--server", "m", "--username", "u", "--password", "x",
				"--start-date", "01/02/2023"},
			wantErr: "YYYY-MM-DD",
		},
		{
			name: "force delete without delete",
			args: []string{"--server", "m", "--username", "u", "--password", "x",
				"--force-delete"},
			wantErr: "--force-delete requires",
		},
		{
			name: "zero zip size with compress",
			args: []string{"--server", "m", "--username", "u", "--password", "x",
				"--compress", "--max-zip-size", "0"},
			wantErr: "--max-zip-size",
		},
		{
			name: "bad log level",
			args: []string{"--server", "m", "--username", "u", "--password", "x",
				"--log-level", "chatty"},
			wantErr: "--log-level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(t, tt.args...)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigYAMLFileDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "imaparc.yaml")
	content := "server: mail.example.com\nusername: carol\nfolders:\n  - INBOX\n  - Sent\noutput_dir: /tmp/arc\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := load(t, "--config", path, "--password", "x")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server != "mail.example.com" || cfg.Username != "carol" {
		t.Errorf("file values not applied: %q %q", cfg.Server, cfg.Username)
	}
	if len(cfg.Folders) != 2 {
		t.Errorf("folders = %v, want two from the file", cfg.Folders)
	}

	// Flags win over the file.
	cfg, err = load(t, "--config", path, "--password", "x", "--username", "dave")
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Username != "dave" {
		t.Errorf("username = %q, flag should override file", cfg.Username)
	}
}
