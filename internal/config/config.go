// Package config handles loading and managing meremail configuration.
// Settings come from an optional config.toml plus environment
// variables (optionally via a .env file); the environment always wins.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// DefaultMaxAttachmentSize caps uploaded attachments at 20 MiB.
const DefaultMaxAttachmentSize = 20 << 20

// AuthConfig holds the single-user login credentials and the secret
// that signs session cookies.
type AuthConfig struct {
	Username     string `toml:"username"`
	Password     string `toml:"password"`
	CookieSecret string `toml:"cookie_secret"`
}

// SMTPConfig holds the upstream SMTP relay settings.
type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	Secure   bool   `toml:"secure"` // implicit TLS; STARTTLS otherwise
}

// IMAPConfig holds the upstream IMAP account settings.
type IMAPConfig struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Username      string `toml:"username"`
	Password      string `toml:"password"`
	Secure        bool   `toml:"secure"` // implicit TLS; STARTTLS otherwise
	PrimaryFolder string `toml:"primary_folder"`
}

// DataConfig holds storage locations and limits.
type DataConfig struct {
	DataDir           string `toml:"data_dir"`
	DatabasePath      string `toml:"database_path"`
	MaxAttachmentSize int64  `toml:"max_attachment_size"`
	EMLBackupEnabled  bool   `toml:"eml_backup_enabled"`
	ImageProxyURL     string `toml:"image_proxy_url"` // template with {url}
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port int    `toml:"port"`
	Env  string `toml:"env"` // "production" enables secure cookies
}

// SenderConfig is the fallback outgoing identity.
type SenderConfig struct {
	Name  string `toml:"name"`
	Email string `toml:"email"`
}

type Config struct {
	Auth   AuthConfig   `toml:"auth"`
	SMTP   SMTPConfig   `toml:"smtp"`
	IMAP   IMAPConfig   `toml:"imap"`
	Data   DataConfig   `toml:"data"`
	Server ServerConfig `toml:"server"`
	Sender SenderConfig `toml:"sender"`

	// Computed, not from the config file.
	HomeDir string `toml:"-"`
}

// DefaultHome returns the default meremail home directory. Respects
// the MEREMAIL_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("MEREMAIL_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".meremail"
	}
	return filepath.Join(home, ".meremail")
}

// Load reads configuration from the given TOML file (default
// ~/.meremail/config.toml, optional), then overlays the environment.
// A .env file in the working directory is read first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	homeDir := DefaultHome()
	if path == "" {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := &Config{
		HomeDir: homeDir,
		SMTP:    SMTPConfig{Port: 587},
		IMAP:    IMAPConfig{Port: 993, Secure: true, PrimaryFolder: "INBOX"},
		Data: DataConfig{
			DataDir:           homeDir,
			MaxAttachmentSize: DefaultMaxAttachmentSize,
			EMLBackupEnabled:  true,
		},
		Server: ServerConfig{Port: 8080},
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.Data.DataDir = expandPath(cfg.Data.DataDir)
	cfg.Data.DatabasePath = expandPath(cfg.Data.DatabasePath)
	return cfg, nil
}

// applyEnv overlays recognized environment variables onto the config.
func (c *Config) applyEnv() {
	envStr(&c.Auth.Username, "AUTH_USERNAME")
	envStr(&c.Auth.Password, "AUTH_PASSWORD")
	envStr(&c.Auth.CookieSecret, "AUTH_COOKIE_SECRET")

	envStr(&c.SMTP.Host, "SMTP_HOST")
	envInt(&c.SMTP.Port, "SMTP_PORT")
	envStr(&c.SMTP.Username, "SMTP_USER")
	envStr(&c.SMTP.Password, "SMTP_PASS")
	envBool(&c.SMTP.Secure, "SMTP_SECURE")

	envStr(&c.IMAP.Host, "IMAP_HOST")
	envInt(&c.IMAP.Port, "IMAP_PORT")
	envStr(&c.IMAP.Username, "IMAP_USER")
	envStr(&c.IMAP.Password, "IMAP_PASS")
	envBool(&c.IMAP.Secure, "IMAP_SECURE")
	envStr(&c.IMAP.PrimaryFolder, "IMAP_PRIMARY_FOLDER")

	envStr(&c.Data.DataDir, "DATA_DIR")
	envStr(&c.Data.DatabasePath, "DATABASE_PATH")
	envInt64(&c.Data.MaxAttachmentSize, "MAX_ATTACHMENT_SIZE")
	envBool(&c.Data.EMLBackupEnabled, "EML_BACKUP_ENABLED")
	envStr(&c.Data.ImageProxyURL, "IMAGE_PROXY_URL")

	envInt(&c.Server.Port, "PORT")
	envStr(&c.Server.Env, "NODE_ENV")

	envStr(&c.Sender.Name, "DEFAULT_SENDER_NAME")
	envStr(&c.Sender.Email, "DEFAULT_SENDER_EMAIL")
}

// Validate checks the settings the daemon cannot run without.
func (c *Config) Validate() error {
	if c.Auth.Username == "" || c.Auth.Password == "" {
		return fmt.Errorf("AUTH_USERNAME and AUTH_PASSWORD are required")
	}
	if c.Auth.CookieSecret == "" {
		return fmt.Errorf("AUTH_COOKIE_SECRET is required")
	}
	if c.IMAP.Host == "" || c.IMAP.Username == "" {
		return fmt.Errorf("IMAP_HOST and IMAP_USER are required")
	}
	if c.SMTP.Host == "" || c.SMTP.Username == "" {
		return fmt.Errorf("SMTP_HOST and SMTP_USER are required")
	}
	return nil
}

// DatabasePath returns the path to the SQLite database.
func (c *Config) DatabasePath() string {
	if c.Data.DatabasePath != "" {
		return c.Data.DatabasePath
	}
	return filepath.Join(c.Data.DataDir, "meremail.db")
}

// IsProduction reports whether the server runs with production
// hardening (secure cookies).
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func envStr(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		switch v {
		case "1", "true", "TRUE", "True", "yes":
			*dst = true
		case "0", "false", "FALSE", "False", "no":
			*dst = false
		}
	}
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
