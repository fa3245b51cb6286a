// Package document assembles the HTML shell of a page around its resolved assets.
package document

import (
	"html"
	"strings"
	"sync"

	"github.com/always-cache/assetcache/pkg/resolver"

	"golang.org/x/sync/singleflight"
)

// Page describes one HTML document served by the application.
type Page struct {
	// Route the page is served on.
	Path        string `yaml:"path"`
	Base        string `yaml:"base"`
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	// Raw markup appended to <head>, in order, before the asset tags.
	Head []string `yaml:"head"`
	// Raw markup placed in <body>. It is not escaped.
	Body   string           `yaml:"body"`
	Assets []resolver.Asset `yaml:"assets"`
	// Extra Link header values, sent after the generated preloads.
	Preload []string `yaml:"preload"`
}

// Document is a rendered page.
type Document struct {
	// Link is nil when there is nothing to preload.
	Link []string
	Body string
}

// Assembler renders a single Page.
// When the manifest is not live, rendered documents are cached per CDN base.
type Assembler struct {
	page     Page
	resolver *resolver.Resolver
	manifest resolver.Lookup
	live     bool

	mu    sync.RWMutex
	cache map[string]Document
	group singleflight.Group
}

// New creates an assembler. With live set, every Render reflects the latest manifest.
func New(page Page, r *resolver.Resolver, m resolver.Lookup, live bool) *Assembler {
	return &Assembler{
		page:     page,
		resolver: r,
		manifest: m,
		live:     live,
		cache:    make(map[string]Document),
	}
}

// Page returns the page definition the assembler renders.
func (a *Assembler) Page() Page {
	return a.page
}

// Render returns the document for the given CDN base.
func (a *Assembler) Render(cdnBase string) Document {
	if a.live {
		return a.render(cdnBase)
	}

	a.mu.RLock()
	doc, ok := a.cache[cdnBase]
	a.mu.RUnlock()
	if ok {
		return doc
	}

	v, _, _ := a.group.Do(cdnBase, func() (interface{}, error) {
		doc := a.render(cdnBase)
		a.mu.Lock()
		a.cache[cdnBase] = doc
		a.mu.Unlock()
		return doc, nil
	})
	return v.(Document)
}

func (a *Assembler) render(cdnBase string) Document {
	// one snapshot for the whole page, so all tags come from the same build
	snap := a.manifest.Snapshot()
	embeds := make([]resolver.Embed, 0, len(a.page.Assets))
	for _, asset := range a.page.Assets {
		embeds = append(embeds, a.resolver.ResolveIn(snap, asset, cdnBase)...)
	}

	var link []string
	for _, e := range embeds {
		switch e.Type {
		case resolver.Style, resolver.Script:
			link = append(link, "<"+e.Href+">; rel=preload; as="+string(e.Type))
		}
	}
	link = append(link, a.page.Preload...)

	return Document{
		Link: link,
		Body: a.markup(embeds),
	}
}

func (a *Assembler) markup(embeds []resolver.Embed) string {
	p := a.page
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	if p.Base != "" {
		b.WriteString(`<base href="` + html.EscapeString(p.Base) + "\">\n")
	}
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	if p.Title != "" {
		b.WriteString("<title>" + html.EscapeString(p.Title) + "</title>\n")
	}
	if p.Description != "" {
		b.WriteString(`<meta name="description" content="` + html.EscapeString(p.Description) + "\">\n")
	}
	for _, fragment := range p.Head {
		b.WriteString(fragment)
		b.WriteString("\n")
	}
	for _, e := range embeds {
		b.WriteString(tag(e))
		b.WriteString("\n")
	}
	b.WriteString("</head>\n<body>\n")
	b.WriteString(p.Body)
	b.WriteString("\n</body>\n</html>\n")
	return b.String()
}

func tag(e resolver.Embed) string {
	href := html.EscapeString(e.Href)
	sri := ""
	if e.Integrity != "" {
		sri = ` integrity="` + html.EscapeString(e.Integrity) + `" crossorigin="anonymous"`
	}
	switch e.Type {
	case resolver.Favicon:
		return `<link rel="icon" href="` + href + `"` + sri + `>`
	case resolver.Script:
		return `<script src="` + href + `"` + sri + `></script>`
	default:
		return `<link rel="stylesheet" href="` + href + `"` + sri + `>`
	}
}
