// Package config loads the daemon configuration: built-in defaults, then the
// YAML file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/org/wirebot/internal/backup"
	"github.com/org/wirebot/internal/gateway"
	"github.com/org/wirebot/internal/storage"
	"github.com/org/wirebot/pkg/models"
)

// DefaultPath is read when WIREBOT_CONFIG is unset.
const DefaultPath = "config.yaml"

type WireGuard struct {
	ConfigPath  string   `yaml:"config_path"`
	ProfileDirs []string `yaml:"profile_dirs"`
}

type Backup struct {
	Dir      string          `yaml:"dir"`
	Interval time.Duration   `yaml:"interval"` // 0 disables scheduled backups
	Keep     int             `yaml:"keep"`
	S3       backup.S3Config `yaml:"s3"`
}

type Defaults struct {
	Limits      models.Limits      `yaml:"limits"`
	Permissions models.Permissions `yaml:"permissions"`
}

// Config is the daemon configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	TLSCertFile string `yaml:"tls_cert"`
	TLSKeyFile  string `yaml:"tls_key"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // console or json

	OwnerID         int64   `yaml:"owner_id"`
	AuthorizedUsers []int64 `yaml:"authorized_users"`
	APISecret       string  `yaml:"api_secret"`
	OrphanPolicy    string  `yaml:"orphan_policy"`

	Defaults  Defaults             `yaml:"defaults"`
	WireGuard WireGuard            `yaml:"wireguard"`
	Script    gateway.ScriptConfig `yaml:"script"`
	Storage   storage.Config       `yaml:"storage"`
	Backup    Backup               `yaml:"backup"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr:   "127.0.0.1:8420",
		LogLevel:     "info",
		LogFormat:    "console",
		OrphanPolicy: "retain",
		Defaults: Defaults{
			Limits:      models.Limits{MaxClients: 100, RateLimit: 10, RateWindow: time.Minute},
			Permissions: models.Permissions{ManageClients: true, ViewStats: true},
		},
		WireGuard: WireGuard{
			ConfigPath:  "/etc/wireguard/wg0.conf",
			ProfileDirs: []string{"/etc/wireguard/clients", "/root"},
		},
		Script:  gateway.DefaultScriptConfig(),
		Storage: storage.Config{Driver: "file", Path: "/var/lib/wirebot/state.json"},
		Backup:  Backup{Dir: "/var/backups/wirebot", Keep: 10},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error; found reports whether it existed.
func Load(path string) (cfg Config, found bool, err error) {
	cfg = Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		found = true
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, true, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return cfg, false, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return cfg, found, err
	}
	return cfg, found, nil
}

// Path returns the config file location from WIREBOT_CONFIG or DefaultPath.
func Path() string {
	if v := os.Getenv("WIREBOT_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("WIREBOT_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := getenv("WIREBOT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("WIREBOT_API_SECRET"); v != "" {
		c.APISecret = v
	}
	if v := getenv("WIREBOT_OWNER_ID"); v != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("WIREBOT_OWNER_ID: %w", err)
		}
		c.OwnerID = id
	}
	if v := getenv("WIREBOT_AUTHORIZED_USERS"); v != "" {
		ids, err := parseIDs(v)
		if err != nil {
			return fmt.Errorf("WIREBOT_AUTHORIZED_USERS: %w", err)
		}
		c.AuthorizedUsers = ids
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Storage.DatabaseURL = v
		c.Storage.Driver = "postgres"
	}
	if v := getenv("MAX_CLIENTS_PER_USER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_CLIENTS_PER_USER: %w", err)
		}
		c.Defaults.Limits.MaxClients = n
	}
	if v := getenv("RATE_LIMIT_PER_USER"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_PER_USER: %w", err)
		}
		c.Defaults.Limits.RateLimit = n
	}
	return nil
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Validate checks the settings the daemon cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.OwnerID <= 0 {
		errs = append(errs, errors.New("owner_id must be set (or WIREBOT_OWNER_ID)"))
	}
	if len(c.APISecret) < 16 {
		errs = append(errs, errors.New("api_secret must be at least 16 bytes (or WIREBOT_API_SECRET)"))
	}
	if c.WireGuard.ConfigPath == "" {
		errs = append(errs, errors.New("wireguard.config_path must be set"))
	}
	if c.Defaults.Limits.MaxClients < models.Unlimited || c.Defaults.Limits.RateLimit < models.Unlimited {
		errs = append(errs, errors.New("default limits must be -1 or non-negative"))
	}
	if c.Backup.Interval < 0 || (c.Backup.Interval > 0 && c.Backup.Keep < 1) {
		errs = append(errs, errors.New("scheduled backups need a positive interval and keep >= 1"))
	}
	switch c.LogFormat {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not console or json", c.LogFormat))
	}
	return errors.Join(errs...)
}
