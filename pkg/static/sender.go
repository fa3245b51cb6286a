// Package static sends built files from the dist directory.
package static

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Root is the directory files are served from.
	Root string
	// Prefix is the URL prefix stripped before resolving the file.
	Prefix string
	// NotFound is called when no file exists. http.NotFound if nil.
	NotFound http.HandlerFunc
	Logger   *zerolog.Logger
}

type Sender struct {
	root     string
	prefix   string
	notFound http.HandlerFunc
	log      zerolog.Logger
}

func New(config Config) (*Sender, error) {
	root, err := filepath.Abs(config.Root)
	if err != nil {
		return nil, err
	}
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	s := &Sender{
		root:     root,
		prefix:   strings.TrimSuffix(config.Prefix, "/"),
		notFound: config.NotFound,
		log:      logger.With().Str("component", "static").Logger(),
	}
	if s.notFound == nil {
		s.notFound = http.NotFound
	}
	return s, nil
}

// ErrOutsideRoot is returned for paths that would escape the root directory.
var ErrOutsideRoot = errors.New("path outside of root")

// Resolve maps a URL path onto a file under the root directory.
func (s *Sender) Resolve(urlPath string) (string, error) {
	rel, ok := strings.CutPrefix(urlPath, s.prefix)
	if !ok || (rel != "" && !strings.HasPrefix(rel, "/")) {
		return "", fs.ErrNotExist
	}
	for _, segment := range strings.Split(rel, "/") {
		if segment == ".." {
			return "", ErrOutsideRoot
		}
	}
	rel = path.Clean("/" + rel)
	file := filepath.Join(s.root, filepath.FromSlash(rel))
	if file != s.root && !strings.HasPrefix(file, s.root+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return file, nil
}

func (s *Sender) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	file, err := s.Resolve(r.URL.Path)
	if errors.Is(err, ErrOutsideRoot) {
		s.log.Warn().Str("path", r.URL.Path).Msg("Rejected path outside of root")
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.notFound(w, r)
		return
	}

	f, err := os.Open(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.notFound(w, r)
			return
		}
		s.log.Error().Err(err).Str("file", file).Msg("Could not open file")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		s.notFound(w, r)
		return
	}

	if ct := mime.TypeByExtension(filepath.Ext(file)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}

	// 304s are decided by the ETag layer on exact matches only
	req := r.Clone(r.Context())
	for _, h := range []string{"If-None-Match", "If-Modified-Since", "If-Match", "If-Unmodified-Since", "If-Range"} {
		req.Header.Del(h)
	}
	http.ServeContent(w, req, info.Name(), info.ModTime(), f)
}
