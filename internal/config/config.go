// Package config loads modgate configuration from defaults, an optional YAML
// file and the environment, in that order.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/icebiz/modgate/internal/vault"
	"gopkg.in/yaml.v3"
)

// DefaultDocumentName is the file name of the persisted group-module mapping.
const DefaultDocumentName = "module_permissions.json"

// Config is the complete daemon configuration.
type Config struct {
	ServiceName string `yaml:"service_name"`

	Document DocumentConfig `yaml:"document"`
	HTTP     HTTPConfig     `yaml:"http"`
	Control  ControlConfig  `yaml:"control"`

	// DatabaseURL is the PostgreSQL DSN holding native group grants.
	// Empty selects the in-memory grant store.
	DatabaseURL string `yaml:"database_url"`

	Redis RedisConfig `yaml:"redis"`

	// ReconcileSchedule is a cron spec for periodic reconciliation. Empty disables it.
	ReconcileSchedule string `yaml:"reconcile_schedule"`

	// AdminGroups may mutate the mapping. Superusers always may.
	AdminGroups []string `yaml:"admin_groups"`

	JWTSecret string `yaml:"jwt_secret"`
	LogLevel  string `yaml:"log_level"`
}

// DocumentConfig configures the persisted mapping document.
type DocumentConfig struct {
	// Path is the primary document; the only one ever written.
	Path string `yaml:"path"`
	// LegacyPaths are read before Path, lowest precedence first.
	LegacyPaths []string `yaml:"legacy_paths"`
	// SafeMode starts with an empty mapping when the document schema is too new.
	SafeMode bool `yaml:"safe_mode"`
	// IOTimeout bounds each read or write of the document.
	IOTimeout time.Duration `yaml:"io_timeout"`
	// ConflictRetries bounds read-modify-write attempts on a concurrent update.
	ConflictRetries int `yaml:"conflict_retries"`
	// Watch enables the fsnotify watcher on Path.
	Watch bool `yaml:"watch"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type ControlConfig struct {
	Addr       string `yaml:"addr"`
	DisableTLS bool   `yaml:"disable_tls"`
}

type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		ServiceName: "modgated",
		Document: DocumentConfig{
			Path: "./" + DefaultDocumentName,
			LegacyPaths: []string{
				"./config/" + DefaultDocumentName,
				"./data/" + DefaultDocumentName,
			},
			IOTimeout:       5 * time.Second,
			ConflictRetries: 3,
			Watch:           true,
		},
		HTTP:              HTTPConfig{Port: 7102},
		Control:           ControlConfig{Addr: "127.0.0.1:7101"},
		Redis:             RedisConfig{Channel: "modgate:document:seq"},
		ReconcileSchedule: "@every 30m",
		AdminGroups:       []string{"Administrators"},
		LogLevel:          "info",
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// MODGATE_CONFIG (if any), then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("MODGATE_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.openSecrets(os.Getenv("MODGATE_VAULT_KEY")); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServiceName = GetEnv("MODGATE_SERVICE_NAME", c.ServiceName)

	c.Document.Path = GetEnv("MODGATE_DOCUMENT_PATH", c.Document.Path)
	c.Document.LegacyPaths = GetEnvSlice("MODGATE_LEGACY_PATHS", c.Document.LegacyPaths)
	c.Document.SafeMode = GetEnvBool("MODGATE_SAFE_MODE", c.Document.SafeMode)
	c.Document.IOTimeout = GetEnvDuration("MODGATE_IO_TIMEOUT", c.Document.IOTimeout)
	c.Document.ConflictRetries = GetEnvInt("MODGATE_CONFLICT_RETRIES", c.Document.ConflictRetries)
	c.Document.Watch = GetEnvBool("MODGATE_WATCH", c.Document.Watch)

	c.HTTP.Port = GetEnvInt("MODGATE_HTTP_PORT", c.HTTP.Port)
	c.Control.Addr = GetEnv("MODGATE_CONTROL_ADDR", c.Control.Addr)
	c.Control.DisableTLS = GetEnvBool("MODGATE_DISABLE_TLS", c.Control.DisableTLS)

	c.DatabaseURL = GetEnv("MODGATE_DATABASE_URL", c.DatabaseURL)
	c.Redis.Addr = GetEnv("MODGATE_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Channel = GetEnv("MODGATE_REDIS_CHANNEL", c.Redis.Channel)

	// An explicitly empty schedule disables the job, so look the key up directly.
	if v, ok := os.LookupEnv("MODGATE_RECONCILE_SCHEDULE"); ok {
		c.ReconcileSchedule = v
	}
	c.AdminGroups = GetEnvSlice("MODGATE_ADMIN_GROUPS", c.AdminGroups)
	c.JWTSecret = GetEnv("MODGATE_JWT_SECRET", c.JWTSecret)
	c.LogLevel = GetEnv("MODGATE_LOG_LEVEL", c.LogLevel)
}

// openSecrets decrypts values written in the vault's sealed "enc:" form.
func (c *Config) openSecrets(hexKey string) error {
	var key []byte
	if hexKey != "" {
		k, err := vault.ParseKey(hexKey)
		if err != nil {
			return fmt.Errorf("MODGATE_VAULT_KEY: %w", err)
		}
		key = k
	}
	for name, field := range map[string]*string{
		"database_url": &c.DatabaseURL,
		"jwt_secret":   &c.JWTSecret,
	} {
		plain, err := vault.Open(*field, key)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*field = plain
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Document.Path == "" {
		return fmt.Errorf("document.path is required")
	}
	if c.Document.IOTimeout <= 0 {
		return fmt.Errorf("document.io_timeout must be positive")
	}
	if c.Document.ConflictRetries < 1 {
		return fmt.Errorf("document.conflict_retries must be at least 1")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	return nil
}
