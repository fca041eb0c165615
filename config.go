package freshproxy

import (
	"os"
	"slices"
	"time"

	"github.com/always-cache/fresh-proxy/cache"
	origin "github.com/always-cache/fresh-proxy/pkg/origin-client"
	responsetransformer "github.com/always-cache/fresh-proxy/pkg/response-transformer"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned for config values that fail validation.
var ErrInvalidConfig = zerr.New("invalid config")

// FileConfig is the YAML configuration of the fresh-proxy binary.
type FileConfig struct {
	Listen        string                    `yaml:"listen"`
	Origin        string                    `yaml:"origin"`
	OriginHost    string                    `yaml:"originHost"`
	Admin         string                    `yaml:"admin"`
	DefaultMaxAge string                    `yaml:"defaultMaxAge"`
	FetchTimeout  string                    `yaml:"fetchTimeout"`
	ClientTimeout string                    `yaml:"clientTimeout"`
	Store         StoreConfig               `yaml:"store"`
	Rules         responsetransformer.Rules `yaml:"rules"`

	defaultMaxAge time.Duration
	fetchTimeout  time.Duration
	clientTimeout time.Duration
}

type StoreConfig struct {
	Provider string `yaml:"provider"`
	Path     string `yaml:"path"`
}

// DefaultFileConfig returns the configuration used when no file is given.
func DefaultFileConfig() FileConfig {
	return FileConfig{
		Listen:        ":8085",
		Origin:        "localhost:8080",
		DefaultMaxAge: DefaultMaxAge.String(),
		FetchTimeout:  origin.DefaultTimeout.String(),
		ClientTimeout: DefaultClientTimeout.String(),
		Store:         StoreConfig{Provider: "memory"},
	}
}

// LoadConfig reads the YAML file at path on top of the defaults and validates it.
func LoadConfig(path string) (FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, zerr.With(zerr.Wrap(err, "read config"), "path", path)
	}
	cfg := DefaultFileConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return FileConfig{}, zerr.With(zerr.Wrap(err, "parse config"), "path", path)
	}
	if err := cfg.Validate(); err != nil {
		return FileConfig{}, zerr.With(err, "path", path)
	}
	return cfg, nil
}

// Validate checks the values and parses the durations.
// It must be called again after fields are changed, e.g. by flags.
func (c *FileConfig) Validate() error {
	if c.Listen == "" {
		return zerr.Wrap(ErrInvalidConfig, "listen is required")
	}
	if c.Origin == "" {
		return zerr.Wrap(ErrInvalidConfig, "origin is required")
	}
	if !slices.Contains(cache.Providers, c.Store.Provider) {
		return zerr.With(zerr.Wrap(ErrInvalidConfig, "unknown store provider"), "provider", c.Store.Provider)
	}
	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"defaultMaxAge", c.DefaultMaxAge, &c.defaultMaxAge},
		{"fetchTimeout", c.FetchTimeout, &c.fetchTimeout},
		{"clientTimeout", c.ClientTimeout, &c.clientTimeout},
	} {
		parsed, err := time.ParseDuration(d.value)
		if err != nil || parsed <= 0 {
			return zerr.With(zerr.Wrap(ErrInvalidConfig, "malformed duration"), d.name, d.value)
		}
		*d.dst = parsed
	}
	return nil
}

// ProxyConfig builds the proxy config from a validated file config.
func (c FileConfig) ProxyConfig(store cache.CacheProvider) Config {
	return Config{
		Cache:         store,
		OriginAddr:    c.Origin,
		OriginHost:    c.OriginHost,
		DefaultMaxAge: c.defaultMaxAge,
		FetchTimeout:  c.fetchTimeout,
		ClientTimeout: c.clientTimeout,
		Rules:         c.Rules,
	}
}
