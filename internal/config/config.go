// Package config manages replica configuration and the .replica directory.
// It handles loading, saving, and initializing a project, applying
// environment overrides and reading the model schema.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/kilupskalvis/replica/internal/models"
)

const (
	ReplicaDir   = ".replica"
	ConfigFile   = "config.toml"
	DatabaseFile = "replica.db"
	ObjectsDir   = "objects"
	EnvFile      = ".env"
)

// Local store backends.
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
)

// Duration is a time.Duration written as a string ("10m", "30s").
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config represents the replica configuration
type Config struct {
	Endpoint        string   `toml:"endpoint"`
	SubscriptionURL string   `toml:"subscription_url,omitempty"`
	HealthURL       string   `toml:"health_url,omitempty"`
	StorageURL      string   `toml:"storage_url,omitempty"` // empty stores attachments under .replica/objects
	Backend         string   `toml:"backend"`
	PullInterval    Duration `toml:"pull_interval"`
	ProbeInterval   Duration `toml:"probe_interval"`
	RequestTimeout  Duration `toml:"request_timeout"`
	WebhookURLs     []string `toml:"webhook_urls,omitempty"`
	SchemaFile      string   `toml:"schema_file,omitempty"` // relative to the project directory

	Log    LogConfig      `toml:"log"`
	Models []models.Model `toml:"models,omitempty"`

	// Token is the bearer token of the session. It only comes from the
	// environment and is never written to disk.
	Token string `toml:"-"`

	path string // path to .replica directory
}

// Defaults returns a configuration with every optional value filled in.
func Defaults() *Config {
	return &Config{
		Backend:        BackendBolt,
		PullInterval:   Duration(10 * time.Minute),
		ProbeInterval:  Duration(15 * time.Second),
		RequestTimeout: Duration(30 * time.Second),
		Log:            LogConfig{Level: "info", Format: "text"},
	}
}

// FindRoot finds the .replica directory by walking up from dir
func FindRoot(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(dir, ReplicaDir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a replica project (or any parent up to root)")
		}
		dir = parent
	}
}

// Load loads the configuration of the project containing the working directory
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return LoadFrom(cwd)
}

// LoadFrom loads the configuration of the project containing dir. A .env
// file next to the .replica directory is loaded first; variables already set
// in the environment win.
func LoadFrom(dir string) (*Config, error) {
	root, err := FindRoot(dir)
	if err != nil {
		return nil, err
	}

	envPath := filepath.Join(filepath.Dir(root), EnvFile)
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", envPath, err)
		}
	}

	data, err := os.ReadFile(filepath.Join(root, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	cfg.path = root
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Endpoint = envOrDefault("REPLICA_ENDPOINT", c.Endpoint)
	c.SubscriptionURL = envOrDefault("REPLICA_SUBSCRIPTION_URL", c.SubscriptionURL)
	c.HealthURL = envOrDefault("REPLICA_HEALTH_URL", c.HealthURL)
	c.StorageURL = envOrDefault("REPLICA_STORAGE_URL", c.StorageURL)
	c.Backend = envOrDefault("REPLICA_BACKEND", c.Backend)
	c.Log.Level = envOrDefault("REPLICA_LOG_LEVEL", c.Log.Level)
	c.Log.Format = envOrDefault("REPLICA_LOG_FORMAT", c.Log.Format)
	c.Token = os.Getenv("REPLICA_TOKEN")

	if v := os.Getenv("REPLICA_WEBHOOK_URLS"); v != "" {
		c.WebhookURLs = splitList(v)
	}
	if v := os.Getenv("REPLICA_PULL_INTERVAL"); v != "" {
		if err := c.PullInterval.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("REPLICA_PULL_INTERVAL: %w", err)
		}
	}
	return nil
}

// Validate checks the values a replication run needs.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendBolt, BackendSQLite:
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendBolt, BackendSQLite)
	}
	if c.PullInterval < 0 {
		return fmt.Errorf("pull_interval must not be negative")
	}
	return nil
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	configPath := filepath.Join(c.path, ConfigFile)
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

// Path returns the path to the .replica directory
func (c *Config) Path() string {
	return c.path
}

// ProjectDir returns the directory containing .replica
func (c *Config) ProjectDir() string {
	return filepath.Dir(c.path)
}

// DatabasePath returns the path to the local database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.path, DatabaseFile)
}

// ObjectsPath returns the directory of the filesystem object store
func (c *Config) ObjectsPath() string {
	return filepath.Join(c.path, ObjectsDir)
}

// Schema returns the declared models: those inline in the config followed
// by those of the schema file, if any.
func (c *Config) Schema() ([]models.Model, error) {
	out := append([]models.Model(nil), c.Models...)
	if c.SchemaFile == "" {
		return out, nil
	}

	path := c.SchemaFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.ProjectDir(), path)
	}
	fromFile, err := LoadSchemaFile(path)
	if err != nil {
		return nil, err
	}
	return append(out, fromFile...), nil
}

type schemaDocument struct {
	Models []models.Model `toml:"models" yaml:"models"`
}

// LoadSchemaFile reads models from a YAML (.yaml, .yml) or TOML file.
func LoadSchemaFile(path string) ([]models.Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}

	var doc schemaDocument
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = toml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema %s: %w", filepath.Base(path), err)
	}
	return doc.Models, nil
}

// Initialize creates a new .replica directory in dir with initial configuration
func Initialize(dir, endpoint string) (*Config, error) {
	root := filepath.Join(dir, ReplicaDir)

	// Check if already initialized
	if _, err := os.Stat(root); err == nil {
		return nil, fmt.Errorf("replica project already exists")
	}

	if err := os.MkdirAll(filepath.Join(root, ObjectsDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create .replica directory: %w", err)
	}

	cfg := Defaults()
	cfg.Endpoint = endpoint
	cfg.path = root

	if err := cfg.Save(); err != nil {
		// Cleanup on failure
		os.RemoveAll(root)
		return nil, err
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
