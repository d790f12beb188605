package swcache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory  = "memory"
	DriverLevelDB = "leveldb"
	DriverRedis   = "redis"
	DriverSQLite  = "sqlite"
)

type Config struct {
	// Preset fills unset cache and notification fields from a built-in app
	// profile ("flashlight" or "catear").
	Preset string `yaml:"preset"`

	Server struct {
		Port    int    `yaml:"port"`
		Origin  string `yaml:"origin"`
		Timeout string `yaml:"timeout"`
	} `yaml:"server"`

	Cache struct {
		// Name is the version-tagged bucket name. Changing it invalidates
		// every other bucket on the next activation.
		Name     string   `yaml:"name"`
		Manifest []string `yaml:"manifest"`
		Sitemaps []string `yaml:"sitemaps"`
		Fallback string   `yaml:"fallback"`
		Exclude  []string `yaml:"exclude"`
	} `yaml:"cache"`

	Storage struct {
		Driver      string `yaml:"driver"`
		Path        string `yaml:"path"`
		RedisURL    string `yaml:"redisURL"`
		RedisPrefix string `yaml:"redisPrefix"`
	} `yaml:"storage"`

	Notification NotificationConfig `yaml:"notification"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	// compiled
	exclude    []urlMatcher
	timeoutDur time.Duration
	scope      *url.URL
}

type NotificationConfig struct {
	Title   string               `yaml:"title"`
	Icon    string               `yaml:"icon"`
	Badge   string               `yaml:"badge"`
	Tag     string               `yaml:"tag"`
	Vibrate []int                `yaml:"vibrate"`
	Actions []NotificationAction `yaml:"actions"`
}

// envOverrides are applied after the YAML file and preset.
type envOverrides struct {
	Origin        string `env:"SWCACHE_ORIGIN"`
	Port          int    `env:"SWCACHE_PORT"`
	CacheName     string `env:"SWCACHE_CACHE_NAME"`
	StorageDriver string `env:"SWCACHE_STORAGE_DRIVER"`
	StoragePath   string `env:"SWCACHE_STORAGE_PATH"`
	RedisURL      string `env:"SWCACHE_REDIS_URL"`
	LogLevel      string `env:"SWCACHE_LOG_LEVEL"`
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies the preset, environment overrides and
// defaults, and compiles matchers.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.applyPreset(); err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.Origin != "" {
		cfg.Server.Origin = o.Origin
	}
	if o.Port != 0 {
		cfg.Server.Port = o.Port
	}
	if o.CacheName != "" {
		cfg.Cache.Name = o.CacheName
	}
	if o.StorageDriver != "" {
		cfg.Storage.Driver = o.StorageDriver
	}
	if o.StoragePath != "" {
		cfg.Storage.Path = o.StoragePath
	}
	if o.RedisURL != "" {
		cfg.Storage.RedisURL = o.RedisURL
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	return nil
}

func (cfg *Config) finalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	scope, err := url.Parse(cfg.Server.Origin + "/")
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if scope.Scheme != "http" && scope.Scheme != "https" {
		return fmt.Errorf("server.origin: scheme must be http or https, got %q", scope.Scheme)
	}
	cfg.scope = scope

	if cfg.Server.Timeout != "" {
		d, err := time.ParseDuration(cfg.Server.Timeout)
		if err != nil {
			return fmt.Errorf("server.timeout: %w", err)
		}
		cfg.timeoutDur = d
	}

	if strings.TrimSpace(cfg.Cache.Name) == "" {
		return fmt.Errorf("cache.name is required")
	}
	if len(cfg.Cache.Manifest) == 0 && len(cfg.Cache.Sitemaps) == 0 {
		return fmt.Errorf("cache.manifest is empty")
	}
	if cfg.Cache.Fallback == "" {
		cfg.Cache.Fallback = "./index.html"
	}

	cfg.exclude = cfg.exclude[:0]
	for i, expr := range cfg.Cache.Exclude {
		ms, err := parseMatch(expr)
		if err != nil {
			return fmt.Errorf("cache.exclude[%d]: %w", i, err)
		}
		cfg.exclude = append(cfg.exclude, ms...)
	}

	switch cfg.Storage.Driver {
	case "":
		cfg.Storage.Driver = DriverMemory
	case DriverMemory:
	case DriverLevelDB:
		if cfg.Storage.Path == "" {
			cfg.Storage.Path = "./data/leveldb"
		}
	case DriverSQLite:
		if cfg.Storage.Path == "" {
			cfg.Storage.Path = "./data/swcache.db"
		}
	case DriverRedis:
		if cfg.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redisURL is required for the redis driver")
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}
	return nil
}

// Scope is the origin root every manifest locator resolves against.
func (cfg Config) Scope() *url.URL {
	u := *cfg.scope
	return &u
}

// FetchTimeout is the origin fetch timeout; zero means the client default.
func (cfg Config) FetchTimeout() time.Duration { return cfg.timeoutDur }

// Excluded reports whether u matches any exclusion rule.
func (cfg Config) Excluded(u *url.URL) bool {
	for _, m := range cfg.exclude {
		if m.Match(u) {
			return true
		}
	}
	return false
}

// ControllerConfig derives the controller's static configuration.
func (cfg Config) ControllerConfig() ControllerConfig {
	return ControllerConfig{
		BucketName:   cfg.Cache.Name,
		Manifest:     append([]string(nil), cfg.Cache.Manifest...),
		Sitemaps:     append([]string(nil), cfg.Cache.Sitemaps...),
		Scope:        cfg.Scope(),
		Fallback:     cfg.Cache.Fallback,
		Exclude:      cfg.Excluded,
		Notification: cfg.Notification,
	}
}

type urlMatcher interface {
	Match(u *url.URL) bool
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(u *url.URL) bool { return strings.HasPrefix(u.Path, m.Prefix) }

type containsMatcher struct{ Substr string }

func (m containsMatcher) Match(u *url.URL) bool {
	return strings.Contains(strings.ToLower(u.String()), m.Substr)
}

type schemeMatcher struct{ Scheme string }

func (m schemeMatcher) Match(u *url.URL) bool { return strings.EqualFold(u.Scheme, m.Scheme) }

// parseMatch compiles "PathPrefix(/a)|Contains(camera)|Scheme(blob)".
func parseMatch(expr string) ([]urlMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]urlMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		open := strings.IndexByte(p, '(')
		if open <= 0 || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("expected Func(arg), got %q", p)
		}
		fn := p[:open]
		inside := strings.TrimSpace(p[open+1 : len(p)-1])
		if inside == "" {
			return nil, fmt.Errorf("empty argument in %q", p)
		}
		switch fn {
		case "PathPrefix":
			if !strings.HasPrefix(inside, "/") {
				return nil, fmt.Errorf("invalid prefix %q", inside)
			}
			out = append(out, pathPrefixMatcher{Prefix: inside})
		case "Contains":
			out = append(out, containsMatcher{Substr: strings.ToLower(inside)})
		case "Scheme":
			out = append(out, schemeMatcher{Scheme: inside})
		default:
			return nil, fmt.Errorf("only PathPrefix, Contains and Scheme supported, got %q", fn)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}
