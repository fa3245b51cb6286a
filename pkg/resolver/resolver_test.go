package resolver

import (
	"bytes"
	"testing"

	"github.com/always-cache/assetcache/pkg/manifest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResolver(t *testing.T, raw string) (*Resolver, *bytes.Buffer) {
	t.Helper()
	store := manifest.NewStore()
	require.NoError(t, store.Load([]byte(raw)))
	buf := &bytes.Buffer{}
	logger := zerolog.New(buf)
	return New(store, &logger), buf
}

func TestResolveScript(t *testing.T) {
	r, logs := newResolver(t, `{"index.js": {"src": "index.abc123.js"}}`)

	embeds := r.Resolve(Asset{Name: "index", Type: Script}, "")

	assert.Equal(t, []Embed{{Type: Script, Href: "index.abc123.js"}}, embeds)
	assert.Empty(t, logs.String())
}

func TestResolvePrefixesCDNBaseVerbatim(t *testing.T) {
	r, _ := newResolver(t, `{"index.js": {"src": "index.abc123.js", "integrity": "sha384-abc"}}`)

	embeds := r.Resolve(Asset{Name: "index", Type: Script}, "https://cdn.example.com/assets/")

	require.Len(t, embeds, 1)
	assert.Equal(t, "https://cdn.example.com/assets/index.abc123.js", embeds[0].Href)
	assert.Equal(t, "sha384-abc", embeds[0].Integrity)
}

func TestResolveStylePrefersScss(t *testing.T) {
	r, _ := newResolver(t, `{
		"x.scss": {"src": "x.fromscss.css"},
		"x.css": {"src": "x.fromcss.css"}
	}`)

	embeds := r.Resolve(Asset{Name: "x", Type: Style}, "")

	assert.Equal(t, []Embed{{Type: Style, Href: "x.fromscss.css"}}, embeds)
}

func TestResolveStyleFallsBackToCssThenJs(t *testing.T) {
	r, _ := newResolver(t, `{
		"a.css": {"src": "a.1.css"},
		"b.js": {"src": "b.1.js"}
	}`)

	assert.Equal(t, []Embed{{Type: Style, Href: "a.1.css"}}, r.Resolve(Asset{Name: "a", Type: Style}, ""))
	// style compiled to a JS bundle is embedded as a script
	assert.Equal(t, []Embed{{Type: Script, Href: "b.1.js"}}, r.Resolve(Asset{Name: "b", Type: Style}, ""))
}

func TestResolveStyleWithOtherExtensionFails(t *testing.T) {
	r, logs := newResolver(t, `{"odd.css": {"src": "odd.1.txt"}}`)

	embeds := r.Resolve(Asset{Name: "odd", Type: Style}, "")

	assert.Empty(t, embeds)
	assert.Contains(t, logs.String(), "cannot be embedded")
}

func TestResolveFavicon(t *testing.T) {
	r, _ := newResolver(t, `{"favicon.ico": {"src": "favicon.9f.ico"}}`)

	embeds := r.Resolve(Asset{Name: "favicon", Type: Favicon}, "/static/")

	assert.Equal(t, []Embed{{Type: Favicon, Href: "/static/favicon.9f.ico"}}, embeds)
}

func TestResolveMissingIsAWarning(t *testing.T) {
	r, logs := newResolver(t, `{"index.js": {"src": "index.abc123.js"}}`)

	embeds := r.Resolve(Asset{Name: "missing", Type: Favicon}, "")

	assert.NotNil(t, embeds)
	assert.Empty(t, embeds)
	assert.Contains(t, logs.String(), `"level":"warn"`)
	assert.Contains(t, logs.String(), "missing.ico")
}

func TestResolveScriptDoesNotProbeOtherExtensions(t *testing.T) {
	r, _ := newResolver(t, `{"app.css": {"src": "app.1.css"}}`)

	assert.Empty(t, r.Resolve(Asset{Name: "app", Type: Script}, ""))
}

func TestResolveUnknownType(t *testing.T) {
	r, logs := newResolver(t, `{"app.js": {"src": "app.1.js"}}`)

	assert.Empty(t, r.Resolve(Asset{Name: "app", Type: "font"}, ""))
	assert.Contains(t, logs.String(), "unknown type")
}
