package assetcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/always-cache/assetcache/pkg/conditional"
	"github.com/always-cache/assetcache/pkg/document"
	"github.com/always-cache/assetcache/pkg/etag"
	"github.com/always-cache/assetcache/pkg/resolver"
	responsetransformer "github.com/always-cache/assetcache/pkg/response-transformer"
	"github.com/always-cache/assetcache/pkg/watch"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "ASSETCACHE_"

// Route prefix of the JSON endpoints.
const internalPrefix = "/_assetcache"

// ETag store providers.
const (
	ProviderMemory = "memory"
	ProviderSQLite = "sqlite"
	ProviderRedis  = "redis"
)

// Config is the complete server configuration.
type Config struct {
	Settings `yaml:",inline"`
	// HTML pages, each rendered on its own route.
	Pages []document.Page `yaml:"pages"`
	// Cache-Control rules, checked before the built-in ones.
	Rules responsetransformer.Rules `yaml:"rules"`
}

// Settings holds the scalar part of the configuration,
// which can also be set from the environment.
type Settings struct {
	Port int `yaml:"port" env:"PORT"`
	// Live mode: assets are rebuilt while serving.
	Live bool `yaml:"live" env:"LIVE"`
	// Directory holding the built files.
	Dist string `yaml:"dist" env:"DIST"`
	// Manifest file. Defaults to manifest.json inside Dist.
	Manifest string `yaml:"manifest" env:"MANIFEST"`
	// URL prefix the files in Dist are served under.
	AssetPrefix string       `yaml:"assetPrefix" env:"ASSET_PREFIX"`
	CDN         CDNConfig    `yaml:"cdn" envPrefix:"CDN_"`
	Static      StaticConfig `yaml:"static" envPrefix:"STATIC_"`
	ETags       ETagConfig   `yaml:"etags" envPrefix:"ETAGS_"`
	Watch       WatchConfig  `yaml:"watch" envPrefix:"WATCH_"`
}

type CDNConfig struct {
	// Base prefixed to every asset URL when the request does not override it.
	Base string `yaml:"base" env:"BASE"`
	// Request header overriding Base.
	Header string `yaml:"header" env:"HEADER"`
	// Header values accepted as a CDN base, besides Base. Empty accepts any.
	// Every accepted base gets its own ETags and rendered pages.
	Allowed []string `yaml:"allowed" env:"ALLOWED" envSeparator:","`
}

type StaticConfig struct {
	// max-age of static files outside live mode, in seconds.
	MaxAge int `yaml:"maxAge" env:"MAX_AGE"`
}

type ETagConfig struct {
	Provider string           `yaml:"provider" env:"PROVIDER"`
	SQLite   string           `yaml:"sqlite" env:"SQLITE"`
	Redis    etag.RedisConfig `yaml:"redis" envPrefix:"REDIS_"`
	// Largest response body held back for hashing.
	MaxBytes int `yaml:"maxBytes" env:"MAX_BYTES"`
}

type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
}

// DefaultConfig returns the configuration used for keys that are not set.
func DefaultConfig() Config {
	return Config{
		Settings: Settings{
			Port:        8080,
			Dist:        "dist",
			AssetPrefix: "/assets",
			CDN: CDNConfig{
				Header: conditional.DefaultCDNHeader,
			},
			Static: StaticConfig{
				MaxAge: 31536000,
			},
			ETags: ETagConfig{
				Provider: ProviderMemory,
				SQLite:   etag.MemoryDSN,
				Redis:    etag.DefaultRedisConfig(),
				MaxBytes: conditional.DefaultMaxBytes,
			},
			Watch: WatchConfig{
				Debounce: watch.DefaultDebounce,
			},
		},
	}
}

// LoadConfig reads the YAML file at filename, if any, on top of the defaults
// and then applies ASSETCACHE_* environment variables.
func LoadConfig(filename string) (Config, error) {
	config := DefaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := env.ParseWithOptions(&config.Settings, env.Options{Prefix: EnvPrefix}); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}

// ManifestPath returns the manifest file location.
func (c Config) ManifestPath() string {
	if c.Manifest != "" {
		return c.Manifest
	}
	return filepath.Join(c.Dist, "manifest.json")
}

// Validate checks the configuration and names the first offending key.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port: %d out of range", c.Port)
	}
	if c.Dist == "" {
		return errors.New("dist: must not be empty")
	}
	if !strings.HasPrefix(c.AssetPrefix, "/") || strings.TrimRight(c.AssetPrefix, "/") == "" {
		return fmt.Errorf("assetPrefix: %q must start with / and not be the root", c.AssetPrefix)
	}
	if strings.HasPrefix(c.AssetPrefix, internalPrefix) {
		return fmt.Errorf("assetPrefix: %s is reserved", internalPrefix)
	}
	if c.CDN.Header == "" {
		return errors.New("cdn.header: must not be empty")
	}
	for i, base := range c.CDN.Allowed {
		if base == "" {
			return fmt.Errorf("cdn.allowed[%d]: must not be empty", i)
		}
	}
	if c.Static.MaxAge < 0 {
		return errors.New("static.maxAge: must not be negative")
	}
	switch c.ETags.Provider {
	case ProviderMemory, ProviderSQLite:
	case ProviderRedis:
		if c.ETags.Redis.Addr == "" {
			return errors.New("etags.redis.addr: must not be empty")
		}
	default:
		return fmt.Errorf("etags.provider: unsupported provider %q", c.ETags.Provider)
	}

	assetPrefix := strings.TrimRight(c.AssetPrefix, "/")
	seen := make(map[string]bool, len(c.Pages))
	for i, page := range c.Pages {
		if !strings.HasPrefix(page.Path, "/") {
			return fmt.Errorf("pages[%d].path: %q must start with /", i, page.Path)
		}
		if seen[page.Path] {
			return fmt.Errorf("pages[%d].path: %s is used by another page", i, page.Path)
		}
		seen[page.Path] = true
		if page.Path == assetPrefix || strings.HasPrefix(page.Path, assetPrefix+"/") || strings.HasPrefix(page.Path, internalPrefix) {
			return fmt.Errorf("pages[%d].path: %s overlaps a reserved route", i, page.Path)
		}
		for j, asset := range page.Assets {
			if asset.Name == "" {
				return fmt.Errorf("pages[%d].assets[%d].name: must not be empty", i, j)
			}
			switch asset.Type {
			case resolver.Style, resolver.Script, resolver.Favicon:
			default:
				return fmt.Errorf("pages[%d].assets[%d].type: unknown type %q", i, j, asset.Type)
			}
		}
	}

	return c.Rules.Validate()
}
