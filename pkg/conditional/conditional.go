// Package conditional answers conditional requests from remembered ETags.
//
// Routes flagged static get a lookup before their handler runs: if an ETag is
// stored for the request's CDN base and path and the client's If-None-Match
// equals it byte for byte, the response is a 304 and the handler is skipped.
// After any handler, the body is hashed into an ETag when the handler did not
// set one; static routes remember it for the next request.
package conditional

import (
	"net/http"

	cachekey "github.com/always-cache/assetcache/pkg/cache-key"
	cachestatus "github.com/always-cache/assetcache/pkg/cache-status"
	"github.com/always-cache/assetcache/pkg/etag"
	tee "github.com/always-cache/assetcache/pkg/response-writer-tee"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultCDNHeader is the request header that overrides the configured CDN base.
const DefaultCDNHeader = "X-Cdn-Base"

// DefaultMaxBytes is the largest body held back for hashing.
const DefaultMaxBytes = 8 << 20

type Config struct {
	// Storage for ETags. An in-memory store is used if nil.
	Store etag.Store
	// CDN base used when the request carries no override header.
	DefaultCDNBase string
	// Name of the override header. DefaultCDNHeader if empty.
	CDNHeader string
	// Override header values to honour. Any value is honoured if empty;
	// others fall back to DefaultCDNBase.
	AllowedCDNBases []string
	// Bodies larger than this are streamed and get no computed ETag.
	// DefaultMaxBytes if zero; negative means unbounded.
	MaxBytes int
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type Cache struct {
	store          etag.Store
	defaultCDNBase string
	cdnHeader      string
	allowed        map[string]bool
	maxBytes       int
	log            zerolog.Logger
}

func New(config Config) *Cache {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	c := &Cache{
		store:          config.Store,
		defaultCDNBase: config.DefaultCDNBase,
		cdnHeader:      config.CDNHeader,
		maxBytes:       config.MaxBytes,
		log:            logger.With().Str("component", "conditional").Logger(),
	}
	if c.store == nil {
		c.store = etag.NewMemStore()
	}
	if c.cdnHeader == "" {
		c.cdnHeader = DefaultCDNHeader
	}
	if c.maxBytes == 0 {
		c.maxBytes = DefaultMaxBytes
	}
	if len(config.AllowedCDNBases) > 0 {
		c.allowed = map[string]bool{c.defaultCDNBase: true}
		for _, base := range config.AllowedCDNBases {
			c.allowed[base] = true
		}
	}
	return c
}

// CDNBase returns the CDN base the request is served under.
// The override header wins over the configured default when it is allowed.
func (c *Cache) CDNBase(r *http.Request) string {
	base := r.Header.Get(c.cdnHeader)
	if base == "" {
		return c.defaultCDNBase
	}
	if c.allowed != nil && !c.allowed[base] {
		c.log.Trace().Str("cdn", base).Msg("CDN base not allowed, using default")
		return c.defaultCDNBase
	}
	return base
}

// Static wraps a handler serving content-addressed files.
func (c *Cache) Static(next http.Handler) http.Handler {
	return c.handler(next, true)
}

// Dynamic wraps any other handler: ETags are computed but never remembered.
func (c *Cache) Dynamic(next http.Handler) http.Handler {
	return c.handler(next, false)
}

// exchange carries what the pre-handler hook learned over to the post-handler hook.
type exchange struct {
	key    cachekey.Key
	static bool
	// the ETag header came from the store
	fromCache bool
	// the response was completed as a 304 before the handler
	matched bool
	status  cachestatus.CacheStatus
}

func (c *Cache) handler(next http.Handler, static bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ex := &exchange{
			key:    cachekey.New(c.CDNBase(r), r.URL.Path),
			static: static,
		}
		if c.before(w, r, ex) {
			return
		}
		rs := tee.NewResponseSaver(w, c.maxBytes)
		next.ServeHTTP(rs, r)
		c.after(rs, r, ex)
	})
}

// before runs ahead of the handler. It returns true when it has completed the response.
func (c *Cache) before(w http.ResponseWriter, r *http.Request, ex *exchange) bool {
	if !ex.static || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
		return false
	}
	tag, ok, err := c.store.Get(r.Context(), ex.key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", ex.key.String()).Msg("Could not read ETag store")
		ex.status.Forward(cachestatus.FwdReasonMiss)
		ex.status.Detail = "store-error"
		w.Header().Set("Cache-Status", ex.status.String())
		return false
	}
	if !ok {
		ex.status.Forward(cachestatus.FwdReasonUriMiss)
		w.Header().Set("Cache-Status", ex.status.String())
		return false
	}

	ex.fromCache = true
	w.Header().Set("ETag", tag)
	if r.Header.Get("If-None-Match") == tag {
		ex.matched = true
		ex.status.Hit()
		w.Header().Set("Cache-Status", ex.status.String())
		w.WriteHeader(http.StatusNotModified)
		c.log.Trace().Str("key", ex.key.String()).Str("etag", tag).Msg("Not modified, handler skipped")
		return true
	}
	ex.status.Forward(cachestatus.FwdReasonRequest)
	w.Header().Set("Cache-Status", ex.status.String())
	return false
}

// after runs once the handler has produced its (held back) response.
func (c *Cache) after(rs *tee.ResponseSaver, r *http.Request, ex *exchange) {
	if ex.matched {
		return
	}
	if rs.Streaming() {
		c.log.Trace().Str("path", r.URL.Path).Msg("Response streamed, no ETag")
		return
	}

	h := rs.Header()
	status := rs.StatusCode()
	if ex.fromCache && (status < 200 || status >= 300) {
		// the remembered tag describes the file, not this error
		h.Del("ETag")
		ex.fromCache = false
	}
	tag := h.Get("ETag")
	if tag == "" && r.Method != http.MethodHead {
		tag = etag.Compute(rs.Body())
		h.Set("ETag", tag)
	}

	if ex.static && !ex.fromCache && tag != "" && r.Method == http.MethodGet && status == http.StatusOK {
		if err := c.store.Put(r.Context(), ex.key, tag); err != nil {
			c.log.Warn().Err(err).Str("key", ex.key.String()).Msg("Could not write ETag store")
		} else {
			ex.status.Stored = true
			h.Set("Cache-Status", ex.status.String())
			c.log.Trace().Str("key", ex.key.String()).Str("etag", tag).Msg("ETag stored")
		}
	}

	withBody := true
	if tag != "" && status >= 200 && status < 300 && r.Header.Get("If-None-Match") == tag {
		status = http.StatusNotModified
		withBody = false
		h.Del("Content-Type")
		h.Del("Content-Length")
	}
	if err := rs.Send(status, withBody); err != nil {
		c.log.Error().Err(err).Str("path", r.URL.Path).Msg("Could not write response body to client")
	}
}
