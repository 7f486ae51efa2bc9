// Package config resolves runtime settings for the bookmarks CLI.
//
// Sources, lowest precedence first: Defaults, a CUE (or JSON) file
// validated against the embedded schema, BOOKMARKS_* environment
// variables. Command-line flags are applied on top by the CLI.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/bookmarks/internal/broadcast"
	"github.com/roach88/bookmarks/internal/engine"
	"github.com/roach88/bookmarks/internal/store"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes every environment variable Load reads.
const EnvPrefix = "BOOKMARKS_"

// Config is the resolved runtime configuration.
type Config struct {
	// Database is the SQLite file. Ignored when PostgresDSN is set.
	Database    string `json:"database"`
	PostgresDSN string `json:"postgres_dsn,omitempty"`
	// RelayURL is the broadcast relay to dial. Empty means the broadcast
	// channel is absent.
	RelayURL string `json:"relay_url,omitempty"`
	// Listen is the address `serve` binds.
	Listen string `json:"listen"`
	Codec  string `json:"codec"`
	User   string `json:"user,omitempty"`

	PollInterval    time.Duration `json:"poll_interval"`
	SnapshotTimeout time.Duration `json:"snapshot_timeout"`
	Collection      string        `json:"collection"`
	MaxWarnings     int           `json:"max_warnings"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Database:        "bookmarks.db",
		Listen:          "127.0.0.1:8787",
		Codec:           "json",
		PollInterval:    store.DefaultPollInterval,
		SnapshotTimeout: 10 * time.Second,
		Collection:      engine.DefaultCollection,
		MaxWarnings:     engine.DefaultMaxWarnings,
	}
}

// fileConfig mirrors #Config. Durations stay strings until parsed.
type fileConfig struct {
	Database        *string `json:"database"`
	PostgresDSN     *string `json:"postgres_dsn"`
	RelayURL        *string `json:"relay_url"`
	Listen          *string `json:"listen"`
	Codec           *string `json:"codec"`
	User            *string `json:"user"`
	PollInterval    *string `json:"poll_interval"`
	SnapshotTimeout *string `json:"snapshot_timeout"`
	Collection      *string `json:"collection"`
	MaxWarnings     *int    `json:"max_warnings"`
}

// Load resolves the configuration. path may be empty. getenv defaults to
// os.Getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.applyFile(path, data); err != nil {
			return Config{}, err
		}
	}

	cfg.applyEnv(getenv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse validates data against the schema and applies it to Defaults.
func Parse(filename string, data []byte) (Config, error) {
	cfg := Defaults()
	if err := cfg.applyFile(filename, data); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(filename string, data []byte) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return fmt.Errorf("parse %s: %w", filename, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", filename, err)
	}

	var fc fileConfig
	if err := unified.Decode(&fc); err != nil {
		return fmt.Errorf("decode config %s: %w", filename, err)
	}

	setString(&c.Database, fc.Database)
	setString(&c.PostgresDSN, fc.PostgresDSN)
	setString(&c.RelayURL, fc.RelayURL)
	setString(&c.Listen, fc.Listen)
	setString(&c.Codec, fc.Codec)
	setString(&c.User, fc.User)
	setString(&c.Collection, fc.Collection)
	if fc.MaxWarnings != nil {
		c.MaxWarnings = *fc.MaxWarnings
	}
	if err := setDuration(&c.PollInterval, fc.PollInterval); err != nil {
		return fmt.Errorf("invalid config %s: poll_interval: %w", filename, err)
	}
	if err := setDuration(&c.SnapshotTimeout, fc.SnapshotTimeout); err != nil {
		return fmt.Errorf("invalid config %s: snapshot_timeout: %w", filename, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	c.Database = envOr(getenv, "DB", c.Database)
	c.PostgresDSN = envOr(getenv, "POSTGRES_DSN", c.PostgresDSN)
	c.RelayURL = envOr(getenv, "RELAY_URL", c.RelayURL)
	c.Listen = envOr(getenv, "LISTEN", c.Listen)
	c.Codec = envOr(getenv, "CODEC", c.Codec)
	c.User = envOr(getenv, "USER", c.User)
	c.Collection = envOr(getenv, "COLLECTION", c.Collection)
	c.PollInterval = durationEnv(getenv, "POLL_INTERVAL", c.PollInterval)
	c.SnapshotTimeout = durationEnv(getenv, "SNAPSHOT_TIMEOUT", c.SnapshotTimeout)
	c.MaxWarnings = intEnv(getenv, "MAX_WARNINGS", c.MaxWarnings)
}

// Validate checks the fields every command relies on.
func (c Config) Validate() error {
	if _, err := broadcast.CodecByName(c.Codec); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.PostgresDSN == "" && strings.TrimSpace(c.Database) == "" {
		return fmt.Errorf("invalid config: database or postgres_dsn is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid config: poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.SnapshotTimeout <= 0 {
		return fmt.Errorf("invalid config: snapshot_timeout must be positive, got %s", c.SnapshotTimeout)
	}
	if c.MaxWarnings < 1 {
		return fmt.Errorf("invalid config: max_warnings must be at least 1, got %d", c.MaxWarnings)
	}
	if strings.TrimSpace(c.Collection) == "" {
		return fmt.Errorf("invalid config: collection is required")
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func envOr(getenv func(string) string, name, fallback string) string {
	value := strings.TrimSpace(getenv(EnvPrefix + name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(getenv func(string) string, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(getenv(EnvPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", EnvPrefix+name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func intEnv(getenv func(string) string, name string, fallback int) int {
	raw := strings.TrimSpace(getenv(EnvPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid environment value, using fallback", "name", EnvPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}
