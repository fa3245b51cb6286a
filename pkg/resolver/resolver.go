package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/always-cache/assetcache/pkg/manifest"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Type is the kind of embed an asset turns into.
type Type string

const (
	Style   Type = "style"
	Script  Type = "script"
	Favicon Type = "favicon"
)

var (
	// ErrNotFound means none of the manifest keys tried for an asset exist.
	ErrNotFound = errors.New("asset not found in manifest")
	// ErrUnsupported means an entry was found but cannot be embedded as requested.
	ErrUnsupported = errors.New("asset cannot be embedded")
)

// Asset is a logical handle for something a page wants to embed.
type Asset struct {
	Name string `yaml:"name" json:"name"`
	Type Type   `yaml:"type" json:"type"`
}

// Embed is a concrete tag to put into a document.
type Embed struct {
	Type      Type
	Href      string
	Integrity string
}

// Lookup is anything that can hand out the current manifest snapshot.
type Lookup interface {
	Snapshot() *manifest.Snapshot
}

// Resolver maps logical assets onto manifest entries.
// Misses are reported to the logger at warn level and never returned as errors.
type Resolver struct {
	manifest Lookup
	log      zerolog.Logger
}

// New creates a resolver over the given manifest. A nil logger means the global one.
func New(m Lookup, logger *zerolog.Logger) *Resolver {
	l := log.Logger
	if logger != nil {
		l = *logger
	}
	return &Resolver{
		manifest: m,
		log:      l.With().Str("component", "resolver").Logger(),
	}
}

// Resolve resolves a against the current manifest snapshot.
func (r *Resolver) Resolve(a Asset, cdnBase string) []Embed {
	return r.ResolveIn(r.manifest.Snapshot(), a, cdnBase)
}

// ResolveIn resolves a against a specific snapshot, which lets callers resolve
// several assets against the same build.
func (r *Resolver) ResolveIn(snap *manifest.Snapshot, a Asset, cdnBase string) []Embed {
	embeds, err := resolve(snap, a, cdnBase)
	if err != nil {
		r.log.Warn().Err(err).
			Str("name", a.Name).
			Str("type", string(a.Type)).
			Msg("Could not resolve asset")
		return []Embed{}
	}
	return embeds
}

func resolve(snap *manifest.Snapshot, a Asset, cdnBase string) ([]Embed, error) {
	var candidates []string
	switch a.Type {
	case Style:
		// style entry points may be compiled to JS (CSS-in-JS bundles)
		candidates = []string{a.Name + ".scss", a.Name + ".css", a.Name + ".js"}
	case Script:
		candidates = []string{a.Name + ".js"}
	case Favicon:
		candidates = []string{a.Name + ".ico"}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrUnsupported, a.Type)
	}

	for _, key := range candidates {
		entry, ok := snap.Get(key)
		if !ok {
			continue
		}
		embedType := a.Type
		if a.Type == Style {
			switch {
			case strings.HasSuffix(entry.Src, ".css"):
				embedType = Style
			case strings.HasSuffix(entry.Src, ".js"):
				embedType = Script
			default:
				return nil, fmt.Errorf("%w: %s resolved to %s", ErrUnsupported, key, entry.Src)
			}
		}
		return []Embed{{
			Type:      embedType,
			Href:      cdnBase + entry.Src,
			Integrity: entry.Integrity,
		}}, nil
	}
	return nil, fmt.Errorf("%w: tried %s", ErrNotFound, strings.Join(candidates, ", "))
}
