package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Data.MaxAttachmentSize != DefaultMaxAttachmentSize {
		t.Errorf("max attachment size = %d, want %d", cfg.Data.MaxAttachmentSize, DefaultMaxAttachmentSize)
	}
	if !cfg.IMAP.Secure || cfg.IMAP.Port != 993 || cfg.IMAP.PrimaryFolder != "INBOX" {
		t.Errorf("imap defaults = %+v", cfg.IMAP)
	}
	if cfg.IsProduction() {
		t.Error("default env must not be production")
	}
}

func TestLoadTOMLFile(t *testing.T) {
	path := writeConfig(t, `
[auth]
username = "admin"
password = "hunter2"
cookie_secret = "s3cret"

[imap]
host = "imap.example.com"
username = "me@example.com"
password = "pw"

[smtp]
host = "smtp.example.com"
port = 465
username = "me@example.com"
password = "pw"
secure = true

[server]
port = 9000
env = "production"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Auth.Username != "admin" || cfg.Auth.CookieSecret != "s3cret" {
		t.Errorf("auth = %+v", cfg.Auth)
	}
	if cfg.SMTP.Port != 465 || !cfg.SMTP.Secure {
		t.Errorf("smtp = %+v", cfg.SMTP)
	}
	if cfg.Server.Port != 9000 || !cfg.IsProduction() {
		t.Errorf("server = %+v", cfg.Server)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9000

[data]
max_attachment_size = 1024
eml_backup_enabled = true
`)
	t.Setenv("PORT", "7777")
	t.Setenv("MAX_ATTACHMENT_SIZE", "2048")
	t.Setenv("EML_BACKUP_ENABLED", "false")
	t.Setenv("DATABASE_PATH", "/tmp/custom.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("port = %d, want env override 7777", cfg.Server.Port)
	}
	if cfg.Data.MaxAttachmentSize != 2048 {
		t.Errorf("max attachment size = %d, want 2048", cfg.Data.MaxAttachmentSize)
	}
	if cfg.Data.EMLBackupEnabled {
		t.Error("eml backup should be disabled by env")
	}
	if got := cfg.DatabasePath(); got != "/tmp/custom.db" {
		t.Errorf("database path = %q", got)
	}
}

func TestValidateRequiresCredentials(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should fail without credentials")
	}
}

func TestDatabasePathDefaultsUnderDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA_DIR", dir)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got, want := cfg.DatabasePath(), filepath.Join(dir, "meremail.db"); got != want {
		t.Errorf("database path = %q, want %q", got, want)
	}
}
