// Package config handles YAML configuration loading with environment
// variable expansion, plus database bootstrapping from the config file.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.yaml.in/yaml/v3"

	pylon "github.com/pylonhq/pylon/internal"
	"github.com/pylonhq/pylon/internal/ratelimit"
)

// Config is the top-level Pylon configuration.
type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Downstream  DownstreamConfig `yaml:"downstream"`
	Database    DatabaseConfig   `yaml:"database"`
	Admin       AdminConfig      `yaml:"admin"`
	RateLimit   RateLimitConfig  `yaml:"rateLimit"`
	Queue       QueueConfig      `yaml:"queue"`
	SSE         SSEConfig        `yaml:"sse"`
	Retention   RetentionConfig  `yaml:"retention"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Credentials []CredentialSeed `yaml:"credentials"`
}

// ServerConfig holds the two listener addresses.
type ServerConfig struct {
	Host      string `yaml:"host"`
	ProxyPort int    `yaml:"proxyPort"`
	AdminPort int    `yaml:"adminPort"`
}

// ProxyAddr returns the proxy listener address.
func (s ServerConfig) ProxyAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.ProxyPort))
}

// AdminAddr returns the admin listener address.
func (s ServerConfig) AdminAddr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.AdminPort))
}

// DownstreamConfig points at the single proxied upstream API.
type DownstreamConfig struct {
	BaseURL string `yaml:"baseUrl"`
	Timeout int    `yaml:"timeout"` // seconds; buffered requests only
}

// TimeoutDuration returns the buffered-request timeout.
func (d DownstreamConfig) TimeoutDuration() time.Duration {
	return time.Duration(d.Timeout) * time.Second
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	URL string `yaml:"url"` // file path or ":memory:"
}

// AdminConfig holds admin-login settings. PasswordHash is a bcrypt hash;
// JWTSecret signs session tokens. Both empty disables admin login.
type AdminConfig struct {
	PasswordHash   string `yaml:"passwordHash"`
	JWTSecret      string `yaml:"jwtSecret"`
	JWTExpireHours int    `yaml:"jwtExpireHours"`
}

// TokenTTL returns the admin session lifetime.
func (a AdminConfig) TokenTTL() time.Duration {
	return time.Duration(a.JWTExpireHours) * time.Hour
}

// RateLimitConfig holds the rate-limit rule tree.
type RateLimitConfig struct {
	Global      pylon.Rule            `yaml:"global"`
	DefaultUser pylon.Rule            `yaml:"defaultUser"`
	APIs        map[string]pylon.Rule `yaml:"apis"`
	APIPatterns []APIPattern          `yaml:"apiPatterns"`
}

// APIPattern is one ordered pattern rule: "METHOD /path/{seg}/*" plus
// inline ceilings.
type APIPattern struct {
	Pattern string     `yaml:"pattern"`
	Rule    pylon.Rule `yaml:",inline"`
}

// Settings converts the rate-limit section into limiter settings.
func (c RateLimitConfig) Settings() ratelimit.Settings {
	s := ratelimit.Settings{
		Global:      c.Global,
		DefaultUser: c.DefaultUser,
		APIs:        c.APIs,
	}
	for _, p := range c.APIPatterns {
		s.Patterns = append(s.Patterns, ratelimit.Pattern{Pattern: p.Pattern, Rule: p.Rule})
	}
	return s
}

// QueueConfig holds the saturation wait-queue settings.
type QueueConfig struct {
	MaxSize int `yaml:"maxSize"`
	Timeout int `yaml:"timeout"` // seconds
}

// TimeoutDuration returns the queue wait timeout.
func (q QueueConfig) TimeoutDuration() time.Duration {
	return time.Duration(q.Timeout) * time.Second
}

// SSEConfig holds streaming settings.
type SSEConfig struct {
	IdleTimeout int `yaml:"idleTimeout"` // seconds between upstream chunks
}

// IdleTimeoutDuration returns the SSE inter-chunk liveness timeout.
func (s SSEConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// RetentionConfig controls the request-log sweeper.
type RetentionConfig struct {
	Days     int    `yaml:"days"`
	Schedule string `yaml:"schedule"` // standard 5-field cron expression
}

// TelemetryConfig holds observability settings. Tracing is disabled when
// OTLPEndpoint is empty.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SampleRatio  float64 `yaml:"sampleRatio"`
}

// CredentialSeed is a credential seeded from the config file on first run.
type CredentialSeed struct {
	Token       string `yaml:"token"` // plaintext, hashed on bootstrap
	Description string `yaml:"description"`
	Priority    string `yaml:"priority"`
	ExpiresAt   string `yaml:"expiresAt"` // RFC 3339, optional
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} and ${VAR:default} patterns with environment
// variable values. Unset variables without a default are left verbatim.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name, def, hasDef := strings.Cut(string(match[2:len(match)-1]), ":")
		if val, ok := os.LookupEnv(name); ok {
			return []byte(val)
		}
		if hasDef {
			return []byte(def)
		}
		return match
	})
}

func intptr(v int) *int { return &v }

// Load reads and parses a YAML config file, expanding environment
// variables, applying defaults, and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML config bytes. Split out of Load for tests.
func Parse(data []byte) (*Config, error) {
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			ProxyPort: 8000,
			AdminPort: 8001,
		},
		Downstream: DownstreamConfig{
			Timeout: 60,
		},
		Database: DatabaseConfig{
			URL: "pylon.db",
		},
		Admin: AdminConfig{
			JWTExpireHours: 24,
		},
		RateLimit: RateLimitConfig{
			Global: pylon.Rule{
				MaxConcurrent:        intptr(50),
				MaxRequestsPerMinute: intptr(500),
				MaxSSEConnections:    intptr(20),
			},
			DefaultUser: pylon.Rule{
				MaxConcurrent:        intptr(4),
				MaxRequestsPerMinute: intptr(60),
				MaxSSEConnections:    intptr(2),
			},
		},
		Queue: QueueConfig{
			MaxSize: 100,
			Timeout: 30,
		},
		SSE: SSEConfig{
			IdleTimeout: 60,
		},
		Retention: RetentionConfig{
			Days:     30,
			Schedule: "0 3 * * *",
		},
		Telemetry: TelemetryConfig{
			SampleRatio: 0.1,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration. Errors here are fatal at
// startup.
func (c *Config) Validate() error {
	if c.Downstream.BaseURL == "" {
		return fmt.Errorf("downstream.baseUrl is required")
	}
	u, err := url.Parse(c.Downstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("downstream.baseUrl %q: want http(s) URL", c.Downstream.BaseURL)
	}
	if c.Downstream.Timeout <= 0 {
		return fmt.Errorf("downstream.timeout must be positive, got %d", c.Downstream.Timeout)
	}

	for _, p := range []int{c.Server.ProxyPort, c.Server.AdminPort} {
		if p < 1 || p > 65535 {
			return fmt.Errorf("server port %d out of range", p)
		}
	}

	if err := validateRule("rateLimit.global", c.RateLimit.Global); err != nil {
		return err
	}
	if err := validateRule("rateLimit.defaultUser", c.RateLimit.DefaultUser); err != nil {
		return err
	}
	for id, r := range c.RateLimit.APIs {
		if err := validateRule("rateLimit.apis["+id+"]", r); err != nil {
			return err
		}
	}
	for _, p := range c.RateLimit.APIPatterns {
		if err := validateRule("rateLimit.apiPatterns["+p.Pattern+"]", p.Rule); err != nil {
			return err
		}
	}
	// Compiling surfaces malformed pattern syntax now instead of at wiring.
	if _, err := ratelimit.CompileRules(c.RateLimit.APIs, c.RateLimit.Settings().Patterns); err != nil {
		return err
	}

	if c.Queue.MaxSize < 1 {
		return fmt.Errorf("queue.maxSize must be at least 1, got %d", c.Queue.MaxSize)
	}
	if c.Queue.Timeout <= 0 {
		return fmt.Errorf("queue.timeout must be positive, got %d", c.Queue.Timeout)
	}
	if c.SSE.IdleTimeout <= 0 {
		return fmt.Errorf("sse.idleTimeout must be positive, got %d", c.SSE.IdleTimeout)
	}

	if c.Retention.Days < 1 {
		return fmt.Errorf("retention.days must be at least 1, got %d", c.Retention.Days)
	}
	if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
		return fmt.Errorf("retention.schedule %q: %w", c.Retention.Schedule, err)
	}

	if (c.Admin.PasswordHash == "") != (c.Admin.JWTSecret == "") {
		return fmt.Errorf("admin.passwordHash and admin.jwtSecret must be set together")
	}
	if c.Admin.JWTExpireHours < 1 {
		return fmt.Errorf("admin.jwtExpireHours must be at least 1, got %d", c.Admin.JWTExpireHours)
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sampleRatio must be in [0,1], got %v", c.Telemetry.SampleRatio)
	}

	for i, seed := range c.Credentials {
		if seed.Token == "" {
			return fmt.Errorf("credentials[%d]: token is required", i)
		}
		if seed.Priority != "" {
			if _, err := pylon.ParsePriority(seed.Priority); err != nil {
				return fmt.Errorf("credentials[%d]: priority %q: %w", i, seed.Priority, err)
			}
		}
		if seed.ExpiresAt != "" {
			if _, err := time.Parse(time.RFC3339, seed.ExpiresAt); err != nil {
				return fmt.Errorf("credentials[%d]: expiresAt %q: %w", i, seed.ExpiresAt, err)
			}
		}
	}

	return nil
}

func validateRule(name string, r pylon.Rule) error {
	for _, f := range []struct {
		field string
		v     *int
	}{
		{"maxConcurrent", r.MaxConcurrent},
		{"maxRequestsPerMinute", r.MaxRequestsPerMinute},
		{"maxSseConnections", r.MaxSSEConnections},
	} {
		if f.v != nil && *f.v < 0 {
			return fmt.Errorf("%s.%s must not be negative, got %d", name, f.field, *f.v)
		}
	}
	return nil
}
