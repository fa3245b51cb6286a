// Package assetcache serves content-hashed build output and the HTML pages embedding it.
//
// Static files get ETags remembered per CDN base, so repeated conditional
// requests are answered with 304 without touching the disk. Pages are
// assembled from the build manifest. In live mode the manifest is replaced on
// every build and requests wait for the first one.
package assetcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/always-cache/assetcache/pkg/conditional"
	"github.com/always-cache/assetcache/pkg/document"
	"github.com/always-cache/assetcache/pkg/etag"
	"github.com/always-cache/assetcache/pkg/gate"
	"github.com/always-cache/assetcache/pkg/manifest"
	"github.com/always-cache/assetcache/pkg/resolver"
	responsetransformer "github.com/always-cache/assetcache/pkg/response-transformer"
	"github.com/always-cache/assetcache/pkg/static"
	"github.com/always-cache/assetcache/pkg/watch"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// ErrNotLive is returned when a build is reported to a server that is not in live mode.
var ErrNotLive = errors.New("server is not in live mode")

type Server struct {
	config      Config
	log         zerolog.Logger
	manifest    *manifest.Store
	pages       []*document.Assembler
	etags       etag.Store
	conditional *conditional.Cache
	gate        *gate.Gate
	watcher     *watch.Watcher
	router      chi.Router
}

// New validates the configuration and sets up the server.
// Outside live mode the manifest is read here, and a missing or invalid
// manifest is an error: the server never runs without an asset map.
func New(config Config, logger *zerolog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &log.Logger
	}

	s := &Server{
		config:   config,
		log:      *logger,
		manifest: manifest.NewStore(),
	}

	if config.Live {
		s.gate = gate.New(gate.Config{Logger: logger})
	} else {
		raw, err := os.ReadFile(config.ManifestPath())
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		if err := s.manifest.Load(raw); err != nil {
			return nil, fmt.Errorf("load %s: %w", config.ManifestPath(), err)
		}
		s.log.Info().Int("entries", s.manifest.Snapshot().Len()).Str("manifest", config.ManifestPath()).Msg("Manifest loaded")
	}

	etags, err := newETagStore(config.ETags)
	if err != nil {
		return nil, err
	}
	s.etags = etags

	s.conditional = conditional.New(conditional.Config{
		Store:           etags,
		DefaultCDNBase:  config.CDN.Base,
		CDNHeader:       config.CDN.Header,
		AllowedCDNBases: config.CDN.Allowed,
		MaxBytes:        config.ETags.MaxBytes,
		Logger:          logger,
	})

	res := resolver.New(s.manifest, logger)
	for _, page := range config.Pages {
		s.pages = append(s.pages, document.New(page, res, s.manifest, config.Live))
	}

	sender, err := static.New(static.Config{
		Root:   config.Dist,
		Prefix: config.AssetPrefix,
		Logger: logger,
	})
	if err != nil {
		etags.Close()
		return nil, err
	}

	if config.Live {
		s.watcher, err = watch.New(watch.Config{
			Manifest: config.ManifestPath(),
			Debounce: config.Watch.Debounce,
			OnBuild:  s.BuildCompleted,
			Logger:   logger,
		})
		if err != nil {
			etags.Close()
			return nil, err
		}
	}

	s.router = s.routes(sender)
	return s, nil
}

func newETagStore(config ETagConfig) (etag.Store, error) {
	switch config.Provider {
	case ProviderSQLite:
		store, err := etag.NewSQLiteStore(config.SQLite)
		if err != nil {
			return nil, err
		}
		return store, nil
	case ProviderRedis:
		store, err := etag.NewRedisStore(config.Redis)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return etag.NewMemStore(), nil
	}
}

// rules returns the configured Cache-Control rules followed by the built-in ones.
func (s *Server) rules() responsetransformer.Rules {
	rules := append(responsetransformer.Rules{}, s.config.Rules...)
	staticCC := responsetransformer.MaxAge(s.config.Static.MaxAge)
	if s.config.Live {
		staticCC = "no-cache"
	}
	rules = append(rules,
		responsetransformer.Rule{Prefix: strings.TrimRight(s.config.AssetPrefix, "/") + "/", Default: staticCC},
		responsetransformer.Rule{Prefix: internalPrefix + "/", Override: "no-cache"},
	)
	for _, page := range s.config.Pages {
		rules = append(rules, responsetransformer.Rule{Path: page.Path, Override: "no-cache"})
	}
	return rules
}

func (s *Server) routes(sender http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Str("cdn", s.conditional.CDNBase(r)).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Sending response to client")
	}))
	r.Use(s.rules().Middleware)

	r.Get(internalPrefix+"/health", s.health)
	r.Method(http.MethodGet, internalPrefix+"/manifest", s.conditional.Dynamic(http.HandlerFunc(s.manifestJSON)))
	r.Post(internalPrefix+"/purge", s.purge)

	r.Group(func(r chi.Router) {
		if s.gate != nil {
			r.Use(s.gate.Middleware)
		}

		assets := s.conditional.Static(sender)
		pattern := strings.TrimRight(s.config.AssetPrefix, "/") + "/*"
		r.Method(http.MethodGet, pattern, assets)
		r.Method(http.MethodHead, pattern, assets)

		for _, asm := range s.pages {
			page := s.conditional.Dynamic(s.pageHandler(asm))
			r.Method(http.MethodGet, asm.Page().Path, page)
			r.Method(http.MethodHead, asm.Page().Path, page)
		}
	})

	return r
}

func (s *Server) pageHandler(asm *document.Assembler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := asm.Render(s.conditional.CDNBase(r))
		for _, link := range doc.Link {
			w.Header().Add("Link", link)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		if _, err := w.Write([]byte(doc.Body)); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not write page")
		}
	})
}

type healthResponse struct {
	Ready      bool   `json:"ready"`
	Live       bool   `json:"live"`
	Generation uint64 `json:"generation"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	res := healthResponse{
		Ready:      s.Ready(),
		Live:       s.config.Live,
		Generation: s.manifest.Snapshot().Generation(),
	}
	status := http.StatusOK
	if !res.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, res)
}

type manifestResponse struct {
	Generation uint64                    `json:"generation"`
	Entries    map[string]manifest.Entry `json:"entries"`
}

func (s *Server) manifestJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.manifest.Snapshot()
	writeJSON(w, r, http.StatusOK, manifestResponse{
		Generation: snap.Generation(),
		Entries:    snap.Entries(),
	})
}

// purge forgets the ETags stored for the CDN base of the request.
func (s *Server) purge(w http.ResponseWriter, r *http.Request) {
	cdnBase := s.conditional.CDNBase(r)
	if err := s.etags.Purge(r.Context(), cdnBase); err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("cdn", cdnBase).Msg("Could not purge ETags")
		writeJSON(w, r, http.StatusInternalServerError, map[string]string{"error": "purge failed"})
		return
	}
	hlog.FromRequest(r).Info().Str("cdn", cdnBase).Msg("ETags purged")
	writeJSON(w, r, http.StatusOK, map[string]string{"purged": cdnBase})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write JSON response")
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Ready reports whether the server has an asset map to serve from.
func (s *Server) Ready() bool {
	if s.gate == nil {
		return true
	}
	return s.gate.Ready()
}

// BuildCompleted publishes the manifest of a finished build.
// An invalid manifest is rejected and the previous one stays in place.
// The first valid build releases the requests waiting for it.
func (s *Server) BuildCompleted(raw []byte) error {
	if s.gate == nil {
		return ErrNotLive
	}
	if err := s.manifest.Load(raw); err != nil {
		s.log.Error().Err(err).Msg("Rejected build with invalid manifest")
		return err
	}
	snap := s.manifest.Snapshot()
	first := s.gate.Open()
	s.log.Info().
		Uint64("generation", snap.Generation()).
		Int("entries", snap.Len()).
		Bool("first", first).
		Msg("Build completed")
	return nil
}

// Start starts watching for builds in live mode.
func (s *Server) Start() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Start()
}

// Close stops watching and releases the ETag store.
func (s *Server) Close() error {
	var errs []error
	if s.watcher != nil {
		errs = append(errs, s.watcher.Stop())
	}
	errs = append(errs, s.etags.Close())
	return errors.Join(errs...)
}
