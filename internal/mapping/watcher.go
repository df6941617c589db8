package mapping

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads a table file into a Mapper whenever it changes. A file that
// fails to parse is logged and the previous table stays active.
type Watcher struct {
	watcher *fsnotify.Watcher
	mapper  *Mapper
	path    string
	logger  zerolog.Logger

	onReload func(*Table)

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewWatcher watches path and feeds mapper. onReload, when set, is called
// after each successful reload.
func NewWatcher(path string, mapper *Mapper, logger zerolog.Logger, onReload func(*Table)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory so editors that replace the file are still seen
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &Watcher{
		watcher:  fw,
		mapper:   mapper,
		path:     abs,
		logger:   logger.With().Str("component", "mapping").Logger(),
		onReload: onReload,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

func (w *Watcher) watchLoop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Table watcher error")
		}
	}
}

func (w *Watcher) reload() {
	t, err := LoadTable(w.path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Ignoring invalid joint table")
		return
	}
	if err := w.mapper.SetTable(t); err != nil {
		w.logger.Warn().Err(err).Str("path", w.path).Msg("Ignoring invalid joint table")
		return
	}
	w.logger.Info().Str("path", w.path).Int("joints", len(t.Bindings)).Msg("Joint table reloaded")
	if w.onReload != nil {
		w.onReload(t)
	}
}

// Close stops watching
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
		<-w.stopped
	})
	return err
}
