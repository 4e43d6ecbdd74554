package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. GEMINI_BRIDGE_SERVER__PORT.
const EnvPrefix = "GEMINI_BRIDGE_"

const (
	estimatorHeuristic = "heuristic"
	estimatorTiktoken  = "tiktoken"
)

// shortcutEnv maps conventional environment variables onto config keys.
var shortcutEnv = map[string]string{
	"HOST":           "server.host",
	"PORT":           "server.port",
	"GEMINI_API_KEY": "upstream.api_key",
	"GEMINI_PROXY":   "upstream.proxy",
	"GEMINI_TIMEOUT": "upstream.timeout",
	"LOG_LEVEL":      "logging.level",

	"RATE_LIMIT_ENABLED":  "server.rate_limit.enabled",
	"RATE_LIMIT_REQUESTS": "server.rate_limit.requests",
	"RATE_LIMIT_WINDOW":   "server.rate_limit.window",
}

// durationKeys accept a bare integer as a number of seconds.
var durationKeys = map[string]bool{
	"upstream.timeout":         true,
	"server.rate_limit.window": true,
}

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Usage    UsageConfig    `yaml:"usage"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Host           string          `yaml:"host"`
	Port           int             `yaml:"port"`
	BodyLimitBytes int64           `yaml:"body_limit_bytes"`
	CORS           CORSConfig      `yaml:"cors"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

// CORSConfig lists the allowed origins, methods and headers.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
	Methods []string `yaml:"methods"`
	Headers []string `yaml:"headers"`
}

// RateLimitConfig bounds requests per client IP.
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// APIConfig is the service identity reported by / and /health.
type APIConfig struct {
	Title       string `yaml:"title"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
}

// UpstreamConfig captures how to reach Gemini.
type UpstreamConfig struct {
	BaseURL      string                   `yaml:"base_url"`
	APIKey       string                   `yaml:"api_key"`
	Proxy        string                   `yaml:"proxy"`
	Timeout      time.Duration            `yaml:"timeout"`
	OwnedBy      string                   `yaml:"owned_by"`
	Models       []string                 `yaml:"models"`
	DefaultModel string                   `yaml:"default_model"`
	Aliases      map[string]string        `yaml:"aliases"`
	Personas     map[string]PersonaConfig `yaml:"personas"`
}

// PersonaConfig describes an addressable persona.
type PersonaConfig struct {
	Name         string `yaml:"name"`
	Instructions string `yaml:"instructions"`
}

// UsageConfig selects the token estimator.
type UsageConfig struct {
	Estimator string `yaml:"estimator"`
}

// LoggingConfig controls the slog handler and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			BodyLimitBytes: 1 << 20,
			CORS: CORSConfig{
				Origins: []string{"*"},
				Methods: []string{"*"},
				Headers: []string{"*"},
			},
			RateLimit: RateLimitConfig{
				Requests: 60,
				Window:   time.Minute,
			},
		},
		API: APIConfig{
			Title:       "Gemini API Wrapper",
			Version:     "1.0.0",
			Description: "OpenAI-compatible API wrapper for Google Gemini",
		},
		Upstream: UpstreamConfig{
			BaseURL:      "https://generativelanguage.googleapis.com/v1beta",
			Timeout:      300 * time.Second,
			OwnedBy:      "google",
			Models:       []string{"gemini-2.5-flash", "gemini-2.5-pro", "gemini-3.0-pro", "unspecified"},
			DefaultModel: "gemini-2.5-flash",
		},
		Usage: UsageConfig{
			Estimator: estimatorHeuristic,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path,
// a .env file in the working directory, and environment overrides, then
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(defaultsProvider{cfg: Default()}, yaml.Parser()); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}
		if err := k.Load(file.Provider(absPath), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	for name, key := range shortcutEnv {
		if value, ok := os.LookupEnv(name); ok && strings.TrimSpace(value) != "" {
			if err := k.Set(key, strings.TrimSpace(value)); err != nil {
				return Config{}, fmt.Errorf("apply %s: %w", name, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return Config{}, fmt.Errorf("load env overrides: %w", err)
	}

	if err := normalizeDurations(k); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalizeDurations rewrites bare integers under durationKeys as seconds,
// whichever layer they came from.
func normalizeDurations(k *koanf.Koanf) error {
	for key := range durationKeys {
		var secs int64
		switch v := k.Get(key).(type) {
		case int:
			secs = int64(v)
		case int64:
			secs = v
		case uint64:
			secs = int64(v)
		case float64:
			if v != float64(int64(v)) {
				continue
			}
			secs = int64(v)
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				continue
			}
			secs = n
		default:
			continue
		}
		if err := k.Set(key, fmt.Sprintf("%ds", secs)); err != nil {
			return fmt.Errorf("normalise %s: %w", key, err)
		}
	}
	return nil
}

// Save writes the configuration to path as YAML. Durations are written in
// time.Duration string form.
func (c Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file %q: %w", path, err)
	}
	return nil
}

// defaultsProvider feeds a Config into koanf as the lowest-priority layer.
type defaultsProvider struct {
	cfg Config
}

func (p defaultsProvider) ReadBytes() ([]byte, error) {
	return yamlv3.Marshal(p.cfg)
}

func (p defaultsProvider) Read() (map[string]any, error) {
	return nil, errors.New("defaults provider only supports ReadBytes")
}

// Address returns the host:port the server listens on.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if c.Server.BodyLimitBytes <= 0 {
		return fmt.Errorf("server.body_limit_bytes must be positive, got %d", c.Server.BodyLimitBytes)
	}
	if rl := c.Server.RateLimit; rl.Enabled {
		if rl.Requests <= 0 {
			return fmt.Errorf("server.rate_limit.requests must be positive, got %d", rl.Requests)
		}
		if rl.Window <= 0 {
			return fmt.Errorf("server.rate_limit.window must be positive, got %s", rl.Window)
		}
	}

	if err := c.Upstream.validate(); err != nil {
		return err
	}

	switch strings.ToLower(c.Usage.Estimator) {
	case "", estimatorHeuristic, estimatorTiktoken:
	default:
		return fmt.Errorf("usage.estimator %q must be one of %q or %q", c.Usage.Estimator, estimatorHeuristic, estimatorTiktoken)
	}

	return c.Logging.validate()
}

func (u UpstreamConfig) validate() error {
	if strings.TrimSpace(u.BaseURL) == "" {
		return errors.New("upstream.base_url must be provided")
	}
	if u.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive, got %s", u.Timeout)
	}
	if len(u.Models) == 0 {
		return errors.New("upstream.models must list at least one model")
	}
	for _, model := range u.Models {
		if strings.TrimSpace(model) == "" {
			return errors.New("upstream.models must not contain empty ids")
		}
	}
	if strings.TrimSpace(u.DefaultModel) == "" {
		return errors.New("upstream.default_model must be provided")
	}

	for alias, target := range u.Aliases {
		if strings.TrimSpace(alias) == "" {
			return errors.New("upstream.aliases: alias name must not be empty")
		}
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("upstream.aliases: alias %q target must not be empty", alias)
		}
		if next, ok := u.Aliases[target]; ok && next != target {
			return fmt.Errorf("upstream.aliases: alias %q points at alias %q; point it at %q directly", alias, target, next)
		}
	}

	for id, persona := range u.Personas {
		if strings.TrimSpace(id) == "" {
			return errors.New("upstream.personas: persona id must not be empty")
		}
		if strings.TrimSpace(persona.Instructions) == "" {
			return fmt.Errorf("upstream.personas: persona %q must have instructions", id)
		}
	}
	return nil
}

func (l LoggingConfig) validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", l.Format)
	}
	if l.File != "" && l.MaxSizeMB <= 0 {
		return fmt.Errorf("logging.max_size_mb must be positive, got %d", l.MaxSizeMB)
	}
	return nil
}
