package assetcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/always-cache/assetcache/pkg/document"
	"github.com/always-cache/assetcache/pkg/resolver"
	responsetransformer "github.com/always-cache/assetcache/pkg/response-transformer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfigYAML = `
port: 9000
live: true
dist: build
assetPrefix: /static
cdn:
  base: https://cdn.example/
  allowed:
    - https://eu.cdn.example/
static:
  maxAge: 600
etags:
  provider: redis
  redis:
    addr: redis:6379
    db: 2
watch:
  debounce: 250ms
pages:
  - path: /
    title: Home
    preload:
      - </fonts/inter.woff2>; rel=preload; as=font; crossorigin
    assets:
      - name: index
        type: style
      - name: index
        type: script
rules:
  - prefix: /static/fonts/
    override: public, max-age=60
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	filename := filepath.Join(t.TempDir(), "assetcache.yaml")
	require.NoError(t, os.WriteFile(filename, []byte(content), 0o644))
	return filename
}

func TestLoadConfig(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, testConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, 9000, config.Port)
	assert.True(t, config.Live)
	assert.Equal(t, "build", config.Dist)
	assert.Equal(t, filepath.Join("build", "manifest.json"), config.ManifestPath())
	assert.Equal(t, "/static", config.AssetPrefix)
	assert.Equal(t, "https://cdn.example/", config.CDN.Base)
	assert.Equal(t, "X-Cdn-Base", config.CDN.Header, "unset keys keep their defaults")
	assert.Equal(t, []string{"https://eu.cdn.example/"}, config.CDN.Allowed)
	assert.Equal(t, 600, config.Static.MaxAge)
	assert.Equal(t, ProviderRedis, config.ETags.Provider)
	assert.Equal(t, "redis:6379", config.ETags.Redis.Addr)
	assert.Equal(t, 2, config.ETags.Redis.DB)
	assert.Equal(t, "assetcache:etag:", config.ETags.Redis.Prefix)
	assert.Equal(t, 250*time.Millisecond, config.Watch.Debounce)

	require.Len(t, config.Pages, 1)
	assert.Equal(t, []resolver.Asset{{Name: "index", Type: resolver.Style}, {Name: "index", Type: resolver.Script}}, config.Pages[0].Assets)
	assert.Len(t, config.Pages[0].Preload, 1)
	assert.Equal(t, responsetransformer.Rules{{Prefix: "/static/fonts/", Override: "public, max-age=60"}}, config.Rules)

	assert.NoError(t, config.Validate())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("ASSETCACHE_PORT", "7000")
	t.Setenv("ASSETCACHE_CDN_BASE", "https://other.example/")
	t.Setenv("ASSETCACHE_CDN_ALLOWED", "https://a.example/,https://b.example/")
	t.Setenv("ASSETCACHE_ETAGS_PROVIDER", "sqlite")
	t.Setenv("ASSETCACHE_ETAGS_REDIS_ADDR", "localhost:6380")
	t.Setenv("ASSETCACHE_WATCH_DEBOUNCE", "1s")

	config, err := LoadConfig(writeConfig(t, testConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, 7000, config.Port)
	assert.Equal(t, "https://other.example/", config.CDN.Base)
	assert.Equal(t, []string{"https://a.example/", "https://b.example/"}, config.CDN.Allowed)
	assert.Equal(t, ProviderSQLite, config.ETags.Provider)
	assert.Equal(t, "localhost:6380", config.ETags.Redis.Addr)
	assert.Equal(t, time.Second, config.Watch.Debounce)
	// untouched by the environment
	assert.Equal(t, 600, config.Static.MaxAge)
	assert.Len(t, config.Pages, 1)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, DefaultConfig(), config)
	assert.NoError(t, config.Validate())
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = LoadConfig(writeConfig(t, "port: [1, 2]"))
	assert.Error(t, err)

	t.Setenv("ASSETCACHE_PORT", "not a number")
	_, err = LoadConfig("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	for name, tc := range map[string]struct {
		modify func(*Config)
		key    string
	}{
		"port":           {func(c *Config) { c.Port = 0 }, "port"},
		"dist":           {func(c *Config) { c.Dist = "" }, "dist"},
		"asset prefix":   {func(c *Config) { c.AssetPrefix = "/" }, "assetPrefix"},
		"reserved":       {func(c *Config) { c.AssetPrefix = "/_assetcache/files" }, "assetPrefix"},
		"cdn header":     {func(c *Config) { c.CDN.Header = "" }, "cdn.header"},
		"cdn allowed":    {func(c *Config) { c.CDN.Allowed = []string{"https://a.example/", ""} }, "cdn.allowed[1]"},
		"max age":        {func(c *Config) { c.Static.MaxAge = -1 }, "static.maxAge"},
		"provider":       {func(c *Config) { c.ETags.Provider = "leveldb" }, "etags.provider"},
		"redis addr":     {func(c *Config) { c.ETags.Provider = ProviderRedis; c.ETags.Redis.Addr = "" }, "etags.redis.addr"},
		"relative page":  {func(c *Config) { c.Pages = []document.Page{{Path: "about"}} }, "pages[0].path"},
		"duplicate page": {func(c *Config) { c.Pages = []document.Page{{Path: "/"}, {Path: "/"}} }, "pages[1].path"},
		"page on assets": {func(c *Config) { c.Pages = []document.Page{{Path: "/assets/x"}} }, "pages[0].path"},
		"asset name": {func(c *Config) {
			c.Pages = []document.Page{{Path: "/", Assets: []resolver.Asset{{Type: resolver.Script}}}}
		}, "pages[0].assets[0].name"},
		"asset type": {func(c *Config) {
			c.Pages = []document.Page{{Path: "/", Assets: []resolver.Asset{{Name: "index", Type: "font"}}}}
		}, "pages[0].assets[0].type"},
		"rule": {func(c *Config) { c.Rules = responsetransformer.Rules{{Method: "POST"}} }, "rules[0].method"},
	} {
		t.Run(name, func(t *testing.T) {
			config := DefaultConfig()
			tc.modify(&config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.key)
		})
	}
}
