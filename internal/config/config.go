// ABOUTME: Configuration loading and parsing for coven-rpc
// ABOUTME: Supports YAML or TOML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvPath names the environment variable holding the config file path.
const EnvPath = "COVEN_RPC_CONFIG"

// DefaultPath is used when neither a flag nor EnvPath names a file.
const DefaultPath = "coven-rpc.yaml"

// Transport types.
const (
	TransportHTTP      = "http"
	TransportGRPC      = "grpc"
	TransportMessaging = "messaging"
)

// Config represents the complete coven-rpc configuration
type Config struct {
	Server     ServerConfig      `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Store      StoreConfig       `yaml:"store" toml:"store"`
	Agents     AgentsConfig      `yaml:"agents" toml:"agents"`
	Transports []TransportConfig `yaml:"transports" toml:"transports"`
	Auth       AuthConfig        `yaml:"auth" toml:"auth"`
	Limits     LimitsConfig      `yaml:"limits" toml:"limits"`
	Callbacks  CallbacksConfig   `yaml:"callbacks" toml:"callbacks"`
	Logging    LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr is only listened on when a grpc transport is configured.
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	// HTTPS serves HTTP on :443 with certificates provisioned by Tailscale.
	HTTPS     bool   `yaml:"https" toml:"https"`
}

// StoreConfig selects the agent context store
type StoreConfig struct {
	// Driver is one of memory, sqlite, sqlite3, pgx or redis.
	Driver        string `yaml:"driver" toml:"driver"`
	DSN           string `yaml:"dsn" toml:"dsn"`
	RedisAddr     string `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`
	Prefix        string `yaml:"prefix" toml:"prefix"`
}

// AgentSpec is an agent created at startup unless it already exists
type AgentSpec struct {
	ID   string `yaml:"id" toml:"id"`
	Type string `yaml:"type" toml:"type"`
}

// AgentsConfig holds runtime settings
type AgentsConfig struct {
	CacheSize int         `yaml:"cache_size" toml:"cache_size"`
	Bootstrap []AgentSpec `yaml:"bootstrap" toml:"bootstrap"`
}

// TransportConfig configures one transport. Order matters: earlier
// transports win address resolution.
type TransportConfig struct {
	Type string `yaml:"type" toml:"type"`

	// http
	BaseURL string `yaml:"base_url" toml:"base_url"`
	// grpc and messaging
	Host string `yaml:"host" toml:"host"`
	// Token is sent as a bearer token on outbound http and grpc calls.
	Token string `yaml:"token" toml:"token"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`

	// messaging
	Scheme     string            `yaml:"scheme" toml:"scheme"`
	Backend    string            `yaml:"backend" toml:"backend"`
	Homeserver string            `yaml:"homeserver" toml:"homeserver"`
	Tokens     map[string]string `yaml:"tokens" toml:"tokens"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret enables bearer token auth on inbound http and grpc when set.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LimitsConfig holds inbound rate limits
type LimitsConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int `yaml:"burst" toml:"burst"`
}

// CallbacksConfig holds asynchronous reply settings
type CallbacksConfig struct {
	Timeout   time.Duration `yaml:"-" toml:"-"`
	DedupeTTL time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeoutRaw   string `yaml:"timeout" toml:"timeout"`
	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// ResolvePath returns flagPath, or the path in EnvPath, or DefaultPath.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration with every default applied: an
// HTTP transport on localhost:8080 and a sqlite store under ./data.
func Default() *Config {
	var cfg Config
	cfg.ApplyDefaults()
	return &cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = ":50051"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.DSN == "" && (c.Store.Driver == "sqlite" || c.Store.Driver == "sqlite3") {
		c.Store.DSN = filepath.Join("data", "coven-rpc.db")
	}
	if c.Agents.CacheSize == 0 {
		c.Agents.CacheSize = 10000
	}
	if len(c.Transports) == 0 {
		c.Transports = []TransportConfig{{Type: TransportHTTP, BaseURL: localURL(c.Server.HTTPAddr)}}
	}
	for i := range c.Transports {
		t := &c.Transports[i]
		if t.Type == TransportMessaging {
			if t.Scheme == "" {
				t.Scheme = "xmpp"
			}
			if t.Backend == "" {
				t.Backend = "hub"
			}
		}
	}
	if c.Callbacks.DedupeTTL == 0 {
		c.Callbacks.DedupeTTL = 10 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// localURL turns a listen address into a URL reachable from this host.
func localURL(addr string) string {
	host, port, found := strings.Cut(addr, ":")
	if !found {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + host + ":" + port
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "sqlite3", "pgx":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	case "redis":
		if c.Store.RedisAddr == "" {
			return fmt.Errorf("store.redis_addr is required for driver redis")
		}
	default:
		return fmt.Errorf("store.driver %q is not one of memory, sqlite, sqlite3, pgx, redis", c.Store.Driver)
	}

	if c.Agents.CacheSize < 0 {
		return fmt.Errorf("agents.cache_size must not be negative")
	}
	seen := make(map[string]bool)
	for i, a := range c.Agents.Bootstrap {
		if a.ID == "" || a.Type == "" {
			return fmt.Errorf("agents.bootstrap[%d] requires id and type", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("agents.bootstrap: agent %q listed twice", a.ID)
		}
		seen[a.ID] = true
	}

	for i, t := range c.Transports {
		if err := t.validate(); err != nil {
			return fmt.Errorf("transports[%d]: %w", i, err)
		}
	}

	if c.Limits.RequestsPerMinute < 0 || c.Limits.Burst < 0 {
		return fmt.Errorf("limits must not be negative")
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if !slices.Contains([]string{"text", "json", "color"}, strings.ToLower(c.Logging.Format)) {
		return fmt.Errorf("logging.format %q is not one of text, json, color", c.Logging.Format)
	}

	return nil
}

func (t TransportConfig) validate() error {
	switch t.Type {
	case TransportHTTP:
		if t.BaseURL == "" {
			return fmt.Errorf("http transport requires base_url")
		}
	case TransportGRPC:
		if t.Host == "" {
			return fmt.Errorf("grpc transport requires host")
		}
	case TransportMessaging:
		if t.Host == "" {
			return fmt.Errorf("messaging transport requires host")
		}
		switch t.Backend {
		case "hub":
		case "matrix":
			if t.Homeserver == "" {
				return fmt.Errorf("matrix backend requires homeserver")
			}
		default:
			return fmt.Errorf("messaging backend %q is not one of hub, matrix", t.Backend)
		}
	default:
		return fmt.Errorf("unknown transport type %q", t.Type)
	}
	return nil
}

// HasTransport reports whether a transport of typ is configured.
func (c *Config) HasTransport(typ string) bool {
	return slices.ContainsFunc(c.Transports, func(t TransportConfig) bool { return t.Type == typ })
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Callbacks.TimeoutRaw != "" {
		cfg.Callbacks.Timeout, err = time.ParseDuration(cfg.Callbacks.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing callbacks.timeout %q: %w", cfg.Callbacks.TimeoutRaw, err)
		}
	}

	if cfg.Callbacks.DedupeTTLRaw != "" {
		cfg.Callbacks.DedupeTTL, err = time.ParseDuration(cfg.Callbacks.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing callbacks.dedupe_ttl %q: %w", cfg.Callbacks.DedupeTTLRaw, err)
		}
	}

	for i := range cfg.Transports {
		t := &cfg.Transports[i]
		if t.TimeoutRaw == "" {
			continue
		}
		t.Timeout, err = time.ParseDuration(t.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing transports[%d].timeout %q: %w", i, t.TimeoutRaw, err)
		}
	}

	return nil
}
