// Package config loads wfsync settings. Values are resolved in order:
// built-in defaults, the TOML file, WFSYNC_* environment variables, then
// key=value overrides from the command line.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"wfsync/internal/feed"
	"wfsync/internal/logging"
	"wfsync/internal/schedule"
)

const (
	EnvConfigPath = "WFSYNC_CONFIG"
	EnvOverrides  = "WFSYNC_CONFIG_OVERRIDES"
	envPrefix     = "WFSYNC_"
)

type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

// Identity backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

var identityBackends = []string{BackendMemory, BackendFile, BackendSQLite}

// Duration decodes TOML strings such as "10s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type APIConfig struct {
	BaseURL      string   `toml:"base_url" json:"base_url" yaml:"base_url"`
	LoginURL     string   `toml:"login_url" json:"login_url,omitempty" yaml:"login_url,omitempty"`
	AnonymousURL string   `toml:"anonymous_url" json:"anonymous_url,omitempty" yaml:"anonymous_url,omitempty"`
	Timeout      Duration `toml:"timeout" json:"timeout" yaml:"timeout"`
}

type BrokerConfig struct {
	URL            string   `toml:"url" json:"url" yaml:"url"`
	ClientIDPrefix string   `toml:"client_id_prefix" json:"client_id_prefix" yaml:"client_id_prefix"`
	Username       string   `toml:"username" json:"username,omitempty" yaml:"username,omitempty"`
	Password       string   `toml:"password" json:"-" yaml:"-"`
	KeepAlive      Duration `toml:"keep_alive" json:"keep_alive" yaml:"keep_alive"`
	ConnectTimeout Duration `toml:"connect_timeout" json:"connect_timeout" yaml:"connect_timeout"`
	QoS            int      `toml:"qos" json:"qos" yaml:"qos"`
}

type FeedConfig struct {
	Enabled           bool     `toml:"enabled" json:"enabled" yaml:"enabled"`
	Scoped            bool     `toml:"scoped" json:"scoped" yaml:"scoped"`
	LeadingSlash      bool     `toml:"leading_slash" json:"leading_slash" yaml:"leading_slash"`
	ReconnectInterval Duration `toml:"reconnect_interval" json:"reconnect_interval" yaml:"reconnect_interval"`
}

type IdentityConfig struct {
	Backend string `toml:"backend" json:"backend" yaml:"backend"`
	Path    string `toml:"path" json:"path,omitempty" yaml:"path,omitempty"`
}

type LogConfig struct {
	Level string `toml:"level" json:"level" yaml:"level"`
}

type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Endpoint    string `toml:"endpoint" json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	ServiceName string `toml:"service_name" json:"service_name" yaml:"service_name"`
}

type Config struct {
	API       APIConfig       `toml:"api" json:"api" yaml:"api"`
	Broker    BrokerConfig    `toml:"broker" json:"broker" yaml:"broker"`
	Feed      FeedConfig      `toml:"feed" json:"feed" yaml:"feed"`
	Identity  IdentityConfig  `toml:"identity" json:"identity" yaml:"identity"`
	Log       LogConfig       `toml:"log" json:"log" yaml:"log"`
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry" yaml:"telemetry"`
	// Debounce is the quiet period for scheduled navigation.
	Debounce Duration `toml:"debounce" json:"debounce" yaml:"debounce"`

	Path    string            `toml:"-" json:"-" yaml:"-"`
	Sources map[string]Source `toml:"-" json:"-" yaml:"-"`
}

func Default() Config {
	return Config{
		API: APIConfig{
			BaseURL: "http://localhost:8080",
			Timeout: Duration(15 * time.Second),
		},
		Broker: BrokerConfig{
			URL:            feed.DefaultBrokerURL,
			ClientIDPrefix: "wfsync",
			KeepAlive:      Duration(feed.DefaultKeepAlive),
			ConnectTimeout: Duration(feed.DefaultConnectTimeout),
		},
		Feed: FeedConfig{
			Enabled:           true,
			Scoped:            true,
			LeadingSlash:      true,
			ReconnectInterval: Duration(feed.DefaultReconnectInterval),
		},
		Identity: IdentityConfig{Backend: BackendMemory},
		Log:      LogConfig{Level: string(logging.LevelInfo)},
		Telemetry: TelemetryConfig{
			ServiceName: "wfsync",
		},
		Debounce: Duration(schedule.DefaultQuiet),
		Sources:  map[string]Source{},
	}
}

// DefaultPath is the per-user config file read when neither --config nor
// $WFSYNC_CONFIG names one.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "wfsync", "config.toml")
}

// Load resolves the configuration. An empty path falls back to
// $WFSYNC_CONFIG and then DefaultPath. Only the default file may be missing.
func Load(path string, overrides []string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	optional := false
	if path == "" {
		path = DefaultPath()
		optional = true
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil && !(optional && errors.Is(err, fs.ErrNotExist)) {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Environ()); err != nil {
		return Config{}, err
	}
	envOverrides, err := ParseOverridesEnv(os.Getenv(EnvOverrides))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", EnvOverrides, err)
	}
	if err := cfg.applyOverrides(envOverrides, SourceEnv); err != nil {
		return Config{}, err
	}
	flagOverrides, err := ParseOverrides(overrides)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.applyOverrides(flagOverrides, SourceFlag); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	meta, err := toml.Decode(string(data), c)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return fmt.Errorf("unknown keys %s", strings.Join(keys, ", "))
	}
	for _, key := range meta.Keys() {
		if len(key) > 1 {
			c.Sources[key.String()] = SourceFile
		}
	}
	if meta.IsDefined("debounce") {
		c.Sources["debounce"] = SourceFile
	}
	c.Path = path
	return nil
}

// applyEnv maps WFSYNC_SECTION_KEY onto section.key, e.g.
// WFSYNC_BROKER_URL sets broker.url.
func (c *Config) applyEnv(environ []string) error {
	for _, entry := range environ {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(name, envPrefix) {
			continue
		}
		if name == EnvConfigPath || name == EnvOverrides {
			continue
		}
		key, known := envKey(strings.TrimPrefix(name, envPrefix))
		if !known {
			continue
		}
		if err := c.Set(key, value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		c.Sources[key] = SourceEnv
	}
	return nil
}

func envKey(suffix string) (string, bool) {
	lower := strings.ToLower(suffix)
	for _, key := range Keys() {
		if strings.ReplaceAll(key, ".", "_") == lower {
			return key, true
		}
	}
	return "", false
}

func (c *Config) applyOverrides(overrides map[string]string, source Source) error {
	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		if err := c.Set(key, overrides[key]); err != nil {
			return err
		}
		c.Sources[key] = source
	}
	return nil
}

// Keys lists every settable key in dotted form.
func Keys() []string {
	return []string{
		"api.base_url", "api.login_url", "api.anonymous_url", "api.timeout",
		"broker.url", "broker.client_id_prefix", "broker.username", "broker.password",
		"broker.keep_alive", "broker.connect_timeout", "broker.qos",
		"feed.enabled", "feed.scoped", "feed.leading_slash", "feed.reconnect_interval",
		"identity.backend", "identity.path",
		"log.level",
		"telemetry.enabled", "telemetry.endpoint", "telemetry.service_name",
		"debounce",
	}
}

// Set assigns one dotted key from its string form.
func (c *Config) Set(key, value string) error {
	value = strings.TrimSpace(value)
	var err error
	switch NormalizeKey(key) {
	case "api.base_url":
		c.API.BaseURL = value
	case "api.login_url":
		c.API.LoginURL = value
	case "api.anonymous_url":
		c.API.AnonymousURL = value
	case "api.timeout":
		err = c.API.Timeout.UnmarshalText([]byte(value))
	case "broker.url":
		c.Broker.URL = value
	case "broker.client_id_prefix":
		c.Broker.ClientIDPrefix = value
	case "broker.username":
		c.Broker.Username = value
	case "broker.password":
		c.Broker.Password = value
	case "broker.keep_alive":
		err = c.Broker.KeepAlive.UnmarshalText([]byte(value))
	case "broker.connect_timeout":
		err = c.Broker.ConnectTimeout.UnmarshalText([]byte(value))
	case "broker.qos":
		c.Broker.QoS, err = strconv.Atoi(value)
	case "feed.enabled":
		c.Feed.Enabled, err = strconv.ParseBool(value)
	case "feed.scoped":
		c.Feed.Scoped, err = strconv.ParseBool(value)
	case "feed.leading_slash":
		c.Feed.LeadingSlash, err = strconv.ParseBool(value)
	case "feed.reconnect_interval":
		err = c.Feed.ReconnectInterval.UnmarshalText([]byte(value))
	case "identity.backend":
		c.Identity.Backend = strings.ToLower(value)
	case "identity.path":
		c.Identity.Path = value
	case "log.level":
		c.Log.Level = strings.ToLower(value)
	case "telemetry.enabled":
		c.Telemetry.Enabled, err = strconv.ParseBool(value)
	case "telemetry.endpoint":
		c.Telemetry.Endpoint = value
	case "telemetry.service_name":
		c.Telemetry.ServiceName = value
	case "debounce":
		err = c.Debounce.UnmarshalText([]byte(value))
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return nil
}

// NormalizeKey lowercases a dotted key and turns dashes into underscores.
func NormalizeKey(key string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), "-", "_")
}

func (c Config) Source(key string) Source {
	if source, ok := c.Sources[NormalizeKey(key)]; ok {
		return source
	}
	return SourceDefault
}

func (c Config) Validate() error {
	var errs []error
	if err := validateHTTPURL("api.base_url", c.API.BaseURL, true); err != nil {
		errs = append(errs, err)
	}
	if err := validateHTTPURL("api.login_url", c.API.LoginURL, false); err != nil {
		errs = append(errs, err)
	}
	if err := validateHTTPURL("api.anonymous_url", c.API.AnonymousURL, false); err != nil {
		errs = append(errs, err)
	}
	if c.Feed.Enabled {
		parsed, err := url.Parse(c.Broker.URL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("broker.url: %w", err))
		case !slices.Contains(feed.SupportedSchemes, parsed.Scheme):
			errs = append(errs, fmt.Errorf("broker.url: unsupported scheme %q (want one of %s)",
				parsed.Scheme, strings.Join(feed.SupportedSchemes, ", ")))
		}
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		errs = append(errs, fmt.Errorf("broker.qos: must be 0, 1 or 2"))
	}
	if !slices.Contains(identityBackends, c.Identity.Backend) {
		errs = append(errs, fmt.Errorf("identity.backend: unknown backend %q", c.Identity.Backend))
	}
	if c.Identity.Backend != BackendMemory && strings.TrimSpace(c.Identity.Path) == "" {
		errs = append(errs, fmt.Errorf("identity.path: required for the %s backend", c.Identity.Backend))
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	if c.Debounce < 0 {
		errs = append(errs, fmt.Errorf("debounce: must not be negative"))
	}
	return errors.Join(errs...)
}

func validateHTTPURL(key, raw string, required bool) error {
	if strings.TrimSpace(raw) == "" {
		if required {
			return fmt.Errorf("%s: required", key)
		}
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https", key)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s: host is required", key)
	}
	return nil
}

// ParseOverrides reads key=value entries.
func ParseOverrides(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	overrides := make(map[string]string, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			return nil, fmt.Errorf("config override cannot be empty")
		}
		key, value, ok := strings.Cut(trimmed, "=")
		if !ok {
			return nil, fmt.Errorf("config override must be key=value: %q", entry)
		}
		normalized := NormalizeKey(key)
		if normalized == "" {
			return nil, fmt.Errorf("config override key cannot be empty")
		}
		overrides[normalized] = strings.TrimSpace(value)
	}
	return overrides, nil
}

// ParseOverridesEnv reads a comma separated list of key=value entries.
func ParseOverridesEnv(raw string) (map[string]string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	parts := strings.Split(trimmed, ",")
	for i, part := range parts {
		parts[i] = strings.TrimSpace(part)
		if parts[i] == "" {
			return nil, fmt.Errorf("config override entry cannot be empty")
		}
	}
	return ParseOverrides(parts)
}

// Encode renders the configuration as TOML with the broker password
// masked.
func (c Config) Encode() ([]byte, error) {
	if c.Broker.Password != "" {
		c.Broker.Password = "********"
	}
	var out strings.Builder
	if err := toml.NewEncoder(&out).Encode(c); err != nil {
		return nil, err
	}
	return []byte(out.String()), nil
}
