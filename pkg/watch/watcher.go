// Package watch turns writes of the build manifest into build-completed notifications.
package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce is how long the manifest must stay quiet before it is read.
const DefaultDebounce = 100 * time.Millisecond

// BuildFunc receives the manifest bytes of a completed build.
type BuildFunc func(raw []byte) error

type Config struct {
	// Path of the manifest file written by the builder.
	Manifest string
	Debounce time.Duration
	OnBuild  BuildFunc
	Logger   *zerolog.Logger
}

// Watcher watches the directory holding the manifest, since builders
// commonly replace the file instead of writing it in place.
type Watcher struct {
	watcher   *fsnotify.Watcher
	debouncer *Debouncer
	path      string
	onBuild   BuildFunc
	log       zerolog.Logger
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

func New(config Config) (*Watcher, error) {
	if config.Manifest == "" {
		return nil, fmt.Errorf("watch: manifest path is empty")
	}
	if config.OnBuild == nil {
		return nil, fmt.Errorf("watch: no build callback")
	}
	path, err := filepath.Abs(config.Manifest)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	debounce := config.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w := &Watcher{
		watcher:  fsw,
		path:     path,
		onBuild:  config.OnBuild,
		log:      logger.With().Str("component", "watch").Str("manifest", path).Logger(),
		stopChan: make(chan struct{}),
	}
	w.debouncer = NewDebouncer(debounce, w.build)
	return w, nil
}

// Start begins watching in the background.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	w.log.Info().Str("dir", dir).Msg("Watching for builds")

	w.wg.Add(1)
	go w.watch()

	// a build finished before we started watching
	if _, err := os.Stat(w.path); err == nil {
		w.log.Debug().Msg("Manifest already present")
		w.debouncer.Trigger()
	}
	return nil
}

// Stop ends watching. Safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.wg.Wait()
		w.debouncer.Stop()
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) watch() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.log.Trace().Str("op", event.Op.String()).Msg("Manifest changed")
				w.debouncer.Trigger()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("Watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) build() {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not read manifest")
		return
	}
	if err := w.onBuild(raw); err != nil {
		w.log.Error().Err(err).Msg("Build rejected")
		return
	}
	w.log.Debug().Int("bytes", len(raw)).Msg("Build completed")
}

// Debouncer runs its callback once a burst of triggers has been quiet for the duration.
type Debouncer struct {
	duration time.Duration
	timer    *time.Timer
	mutex    sync.Mutex
	callback func()
	stopped  bool
}

func NewDebouncer(duration time.Duration, callback func()) *Debouncer {
	return &Debouncer{
		duration: duration,
		callback: callback,
	}
}

// Trigger (re)starts the quiet period.
func (d *Debouncer) Trigger() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.duration, d.fire)
}

func (d *Debouncer) fire() {
	d.mutex.Lock()
	if d.stopped {
		d.mutex.Unlock()
		return
	}
	d.timer = nil
	d.mutex.Unlock()

	d.callback()
}

// Stop cancels a pending callback. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
