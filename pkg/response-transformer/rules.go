package responsetransformer

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type Rules []Rule

// Rule sets Cache-Control (and optionally other headers) on responses to matching requests.
// The first matching rule wins.
type Rule struct {
	Prefix   string            `yaml:"prefix"`
	Path     string            `yaml:"path"`
	Method   string            `yaml:"method"`
	Default  string            `yaml:"default"`
	Override string            `yaml:"override"`
	Query    map[string]string `yaml:"query"`
	Headers  map[string]string `yaml:"headers"`
}

// MaxAge returns a Cache-Control value for immutable public content.
func MaxAge(seconds int) string {
	return fmt.Sprintf("public, max-age=%d", seconds)
}

// Validate reports rules that can never match.
func (r Rules) Validate() error {
	for i, rule := range r {
		if rule.Method != "" && rule.Method != http.MethodGet && rule.Method != http.MethodHead {
			return fmt.Errorf("rules[%d].method: only GET and HEAD are supported, got %s", i, rule.Method)
		}
		if rule.Prefix != "" && !strings.HasPrefix(rule.Prefix, "/") {
			return fmt.Errorf("rules[%d].prefix: must start with /", i)
		}
		if rule.Path != "" && !strings.HasPrefix(rule.Path, "/") {
			return fmt.Errorf("rules[%d].path: must start with /", i)
		}
	}
	return nil
}

// Middleware applies the rules to the headers of every response
// at the moment its status is written.
func (r Rules) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		next.ServeHTTP(&ruleWriter{ResponseWriter: w, req: req, rules: r}, req)
	})
}

// Apply applies the first matching rule to the headers of a response with the given status.
func (r Rules) Apply(req *http.Request, status int, header http.Header) {
	// only apply rules for successes and revalidations
	if status != http.StatusOK && status != http.StatusNotModified {
		return
	}
	// if rule found, apply to response
	if rule := r.find(req); rule != nil {
		applyRule(*rule, header)
	}
}

func applyRule(rule Rule, header http.Header) {
	if rule.Override != "" {
		log.Trace().Msg("Overriding Cache-Control header")
		header.Set("Cache-Control", rule.Override)
	} else if rule.Default != "" && header.Get("Cache-Control") == "" {
		log.Trace().Msg("Applying default Cache-Control header")
		header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		header.Set(name, value)
	}
}

func (r Rules) find(req *http.Request) *Rule {
	log.Trace().Msgf("Finding rule for request %s:%s", req.Method, req.URL.Path)
rulesLoop:
	for _, rule := range r {
		if rule.Method == "" && req.Method != http.MethodGet && req.Method != http.MethodHead {
			continue
		}
		if rule.Method != "" && rule.Method != req.Method {
			continue
		}
		if rule.Path != "" && rule.Path != req.URL.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(req.URL.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := req.URL.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return &rule
	}
	return nil
}

type ruleWriter struct {
	http.ResponseWriter
	req         *http.Request
	rules       Rules
	wroteHeader bool
}

func (w *ruleWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		w.rules.Apply(w.req, status, w.Header())
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *ruleWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *ruleWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *ruleWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
