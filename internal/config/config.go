// Package config loads the blog server configuration from YAML with
// ${VAR} environment expansion. Durations are written as Go duration
// strings ("24h", "90m").
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Body formats accepted by posts.body_format.
const (
	BodyFormatParagraphs = "paragraphs"
	BodyFormatMarkdown   = "markdown"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Sessions SessionsConfig `yaml:"sessions"`
	Auth     AuthConfig     `yaml:"auth"`
	Posts    PostsConfig    `yaml:"posts"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	HTTPAddr     string `yaml:"http_addr"`
	TemplateDir  string `yaml:"template_dir"`
	CookieSecure bool   `yaml:"cookie_secure"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionsConfig controls the session cookie and server-side expiry.
type SessionsConfig struct {
	CookieName string `yaml:"cookie_name"`
	// CookieSecret signs the session cookie. A random secret is generated at
	// startup when empty, which logs everyone out on restart.
	CookieSecret string `yaml:"cookie_secret"`

	MaxAge        time.Duration `yaml:"-"`
	IdleTimeout   time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	MaxAgeRaw        string `yaml:"max_age"`
	IdleTimeoutRaw   string `yaml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

type AuthConfig struct {
	BcryptCost int `yaml:"bcrypt_cost"`
}

type PostsConfig struct {
	HomeLimit  int    `yaml:"home_limit"`
	BodyFormat string `yaml:"body_format"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			HTTPAddr:    ":8082",
			TemplateDir: "web/templates",
		},
		Database: DatabaseConfig{Path: "blog.db"},
		Sessions: SessionsConfig{
			CookieName:       "session",
			MaxAgeRaw:        "720h",
			IdleTimeoutRaw:   "72h",
			SweepIntervalRaw: "1h",
		},
		Auth:    AuthConfig{BcryptCost: 10},
		Posts:   PostsConfig{HomeLimit: 10, BodyFormat: BodyFormatParagraphs},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
	// The defaults above always parse.
	_ = parseDurations(cfg)
	return cfg
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// PathEnv names a config file that must exist. Without it DefaultPath is
// tried and may be absent.
const (
	PathEnv     = "BLOG_CONFIG"
	DefaultPath = "blog.yaml"
)

// LoadFromEnv loads the file named by BLOG_CONFIG, failing when it does not
// exist, or else LoadOrDefault(DefaultPath). It returns the path it used.
func LoadFromEnv() (*Config, string, error) {
	path := os.Getenv(PathEnv)
	if path == "" {
		cfg, err := LoadOrDefault(DefaultPath)
		return cfg, DefaultPath, err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, path, err
	}
	applyEnvOverrides(cfg)
	return cfg, path, nil
}

// LoadOrDefault behaves like Load but returns Default when path does not
// exist. PORT and DB_PATH override the listen port and database path.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.HTTPAddr = ":" + port
	}
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarRe.FindStringSubmatch(match)[1])
	})
}

// Validate returns the first invalid setting found.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Server.TemplateDir == "" {
		return fmt.Errorf("server.template_dir is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Sessions.CookieName == "" {
		return fmt.Errorf("sessions.cookie_name is required")
	}
	if c.Sessions.MaxAge < 0 || c.Sessions.IdleTimeout < 0 || c.Sessions.SweepInterval < 0 {
		return fmt.Errorf("session durations must not be negative")
	}
	if c.Auth.BcryptCost < 4 || c.Auth.BcryptCost > 31 {
		return fmt.Errorf("auth.bcrypt_cost must be between 4 and 31, got %d", c.Auth.BcryptCost)
	}
	if c.Posts.HomeLimit <= 0 {
		return fmt.Errorf("posts.home_limit must be positive")
	}
	switch c.Posts.BodyFormat {
	case BodyFormatParagraphs, BodyFormatMarkdown:
	default:
		return fmt.Errorf("posts.body_format must be %q or %q, got %q",
			BodyFormatParagraphs, BodyFormatMarkdown, c.Posts.BodyFormat)
	}
	return nil
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"max_age", cfg.Sessions.MaxAgeRaw, &cfg.Sessions.MaxAge},
		{"idle_timeout", cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout},
		{"sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			*f.dst = 0
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
