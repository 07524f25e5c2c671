// Package config loads the edge agent configuration from YAML, applies
// environment overrides and watches the file for changes.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/goldenrodger5/nutrivize-edge/strategy"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultVersion             = "1"
	DefaultListen              = ":8090"
	DefaultBackendURL          = "http://localhost:8000"
	DefaultDatabase            = "data/edge.db"
	DefaultObsDatabase         = "data/edge-obs.db"
	DefaultOfflineDocument     = "/offline.html"
	DefaultNetworkFirstTimeout = 8 * time.Second
	DefaultRevalidateTimeout   = 30 * time.Second
	DefaultHeartbeatInterval   = 15 * time.Second
	DefaultRetentionDays       = 14
	DefaultMaxBody             = 1 << 20
)

// DefaultPrecache is the application shell fetched on install.
var DefaultPrecache = []string{
	"/",
	DefaultOfflineDocument,
	"/manifest.json",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
}

// Config is the top-level agent configuration.
type Config struct {
	// Version tags the store generation. Changing it triggers a full
	// install and activate.
	Version string `yaml:"version"`

	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// BackendURL is the Nutrivize REST backend.
	BackendURL string `yaml:"backend_url"`

	// Database holds snapshots and the mutation queue.
	Database string `yaml:"database"`

	// ObsDatabase holds the event log and heartbeats.
	ObsDatabase string `yaml:"obs_database"`

	// Precache is the shell manifest. The offline document is always part of it.
	Precache []string `yaml:"precache"`

	OfflineDocument string `yaml:"offline_document"`

	// NetworkFirstTimeout bounds the network attempt of network-first reads.
	// Negative disables it.
	NetworkFirstTimeout time.Duration `yaml:"network_first_timeout"`

	// RevalidateTimeout bounds background stale-while-revalidate refreshes.
	RevalidateTimeout time.Duration `yaml:"revalidate_timeout"`

	// VolatileParams are query parameters ignored in snapshot keys.
	// A trailing '*' matches by prefix.
	VolatileParams []string `yaml:"volatile_params"`

	// Rules are evaluated in order before the built-in table.
	Rules []RuleConfig `yaml:"rules"`

	// DefaultRules appends the built-in table after Rules. Default: true.
	DefaultRules *bool `yaml:"default_rules"`

	Sync    SyncConfig    `yaml:"sync"`
	Install InstallConfig `yaml:"install"`
	Breaker BreakerConfig `yaml:"breaker"`
	Push    PushConfig    `yaml:"push"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RetentionDays     int           `yaml:"retention_days"`

	// MaxBody caps request bodies accepted on agent endpoints.
	MaxBody int64 `yaml:"max_body"`
}

// RuleConfig is one classification rule. Exactly one matcher field must be set.
type RuleConfig struct {
	Name     string   `yaml:"name"`
	Prefix   []string `yaml:"prefix"`
	Suffix   []string `yaml:"suffix"`
	Exact    []string `yaml:"exact"`
	Expr     string   `yaml:"expr"`
	Any      bool     `yaml:"any"`
	Strategy string   `yaml:"strategy"`
}

// SyncConfig tunes mutation replay. Each record is submitted at most once
// per drain, so there is no retry setting here.
type SyncConfig struct {
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"`
}

// InstallConfig tunes precache fetches during install. They are GETs, so
// retrying them is safe.
type InstallConfig struct {
	// MaxRetries per manifest entry. Negative disables retries.
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// BreakerConfig tunes the backend circuit breaker.
type BreakerConfig struct {
	Threshold    int           `yaml:"threshold"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// PushConfig sets notification artwork.
type PushConfig struct {
	Icon  string `yaml:"icon"`
	Badge string `yaml:"badge"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the YAML config file at path. Missing optional
// fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.BackendURL == "" {
		c.BackendURL = DefaultBackendURL
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.ObsDatabase == "" {
		c.ObsDatabase = DefaultObsDatabase
	}
	if c.OfflineDocument == "" {
		c.OfflineDocument = DefaultOfflineDocument
	}
	if len(c.Precache) == 0 {
		c.Precache = append([]string(nil), DefaultPrecache...)
	}
	if !contains(c.Precache, c.OfflineDocument) {
		c.Precache = append(c.Precache, c.OfflineDocument)
	}
	if c.NetworkFirstTimeout == 0 {
		c.NetworkFirstTimeout = DefaultNetworkFirstTimeout
	}
	if c.RevalidateTimeout == 0 {
		c.RevalidateTimeout = DefaultRevalidateTimeout
	}
	if c.VolatileParams == nil {
		c.VolatileParams = []string{"_", "t", "ts", "cb", "cache_bust", "utm_*"}
	}
	if c.DefaultRules == nil {
		t := true
		c.DefaultRules = &t
	}
	if c.Install.MaxRetries == 0 {
		c.Install.MaxRetries = 2
	}
	if c.Install.RetryBackoff == 0 {
		c.Install.RetryBackoff = 500 * time.Millisecond
	}
	if c.Sync.DeliveryTimeout == 0 {
		c.Sync.DeliveryTimeout = 30 * time.Second
	}
	if c.Breaker.Threshold == 0 {
		c.Breaker.Threshold = 5
	}
	if c.Breaker.ResetTimeout == 0 {
		c.Breaker.ResetTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.MaxBody == 0 {
		c.MaxBody = DefaultMaxBody
	}
}

// Validate checks required fields and structural constraints.
func (c *Config) Validate() error {
	if strings.ContainsAny(c.Version, "/ \t") {
		return fmt.Errorf("version %q must not contain slashes or spaces", c.Version)
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend_url %q must be an absolute http(s) URL", c.BackendURL)
	}
	for i, p := range c.Precache {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("precache[%d] %q must be an absolute path", i, p)
		}
	}
	if c.RevalidateTimeout < 0 {
		return fmt.Errorf("revalidate_timeout must be positive")
	}
	if c.Breaker.Threshold < 0 {
		return fmt.Errorf("breaker.threshold must not be negative")
	}
	if c.HeartbeatInterval < 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.MaxBody < 0 {
		return fmt.Errorf("max_body must be positive")
	}
	for i, r := range c.Rules {
		if err := r.validate(); err != nil {
			return fmt.Errorf("rules[%d] %q: %w", i, r.Name, err)
		}
	}
	return nil
}

func (r RuleConfig) validate() error {
	set := 0
	for _, ok := range []bool{len(r.Prefix) > 0, len(r.Suffix) > 0, len(r.Exact) > 0, r.Expr != "", r.Any} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("exactly one of prefix, suffix, exact, expr, any is required")
	}
	if _, err := strategy.ParseKind(r.Strategy); err != nil {
		return err
	}
	return nil
}

// ClassificationRules builds the ordered rule table: configured rules
// first, then the built-in ones unless disabled.
func (c *Config) ClassificationRules() ([]strategy.Rule, error) {
	var rules []strategy.Rule
	for i, rc := range c.Rules {
		kind, err := strategy.ParseKind(rc.Strategy)
		if err != nil {
			return nil, fmt.Errorf("config: rules[%d]: %w", i, err)
		}
		var m strategy.Matcher
		switch {
		case len(rc.Prefix) > 0:
			m = strategy.Prefix(rc.Prefix...)
		case len(rc.Suffix) > 0:
			m = strategy.Suffix(rc.Suffix...)
		case len(rc.Exact) > 0:
			m = strategy.Exact(rc.Exact...)
		case rc.Expr != "":
			if m, err = strategy.Expr(rc.Expr); err != nil {
				return nil, fmt.Errorf("config: rules[%d]: %w", i, err)
			}
		default:
			m = strategy.Any()
		}
		name := rc.Name
		if name == "" {
			name = "rule-" + strconv.Itoa(i)
		}
		rules = append(rules, strategy.Rule{Name: name, Match: m, Strategy: kind})
	}
	if c.DefaultRules == nil || *c.DefaultRules {
		rules = append(rules, strategy.DefaultRules()...)
	}
	return rules, nil
}

// ApplyEnv overrides fields from EDGE_* environment variables. lookup is
// usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("EDGE_VERSION", &c.Version)
	str("EDGE_LISTEN", &c.Listen)
	str("EDGE_BACKEND_URL", &c.BackendURL)
	str("EDGE_DB", &c.Database)
	str("EDGE_OBS_DB", &c.ObsDatabase)

	if v, ok := lookup("EDGE_NETWORK_FIRST_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: EDGE_NETWORK_FIRST_TIMEOUT: %w", err)
		}
		c.NetworkFirstTimeout = d
	}
	return c.Validate()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
