package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const defaultDebounce = 250 * time.Millisecond

// Handler receives every policy document loaded by a Watcher.
type Handler func(path string, p *Policy)

// Watcher loads policy documents from a directory and reloads them when
// they are created or rewritten.
type Watcher struct {
	dir     string
	handler Handler
	opts    []Option
	// Debounce is the quiet period after the last file event before the
	// changed documents are loaded.
	Debounce time.Duration
}

// NewWatcher creates a watcher for dir. opts are passed to every
// Unmarshal call.
func NewWatcher(dir string, handler Handler, opts ...Option) *Watcher {
	return &Watcher{
		dir:      dir,
		handler:  handler,
		opts:     opts,
		Debounce: defaultDebounce,
	}
}

func isPolicyFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	ext := filepath.Ext(base)
	return ext == ".yaml" || ext == ".yml"
}

// LoadAll loads every document currently in the directory, in name order.
// Documents that fail to load are logged and skipped.
func (w *Watcher) LoadAll() (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read policy directory %s: %w", w.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isPolicyFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		if w.load(filepath.Join(w.dir, name)) {
			loaded++
		}
	}
	return loaded, nil
}

func (w *Watcher) load(path string) bool {
	p, err := LoadFile(path, w.opts...)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Skipping policy document")
		return false
	}
	log.Debug().Str("path", path).Str("policy", p.Name()).Msg("Policy document loaded")
	w.handler(path, p)
	return true
}

// Run watches the directory. Blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", w.dir, err)
	}
	log.Info().Str("dir", w.dir).Msg("Watching policy directory")

	pending := make(map[string]bool)
	timer := time.NewTimer(w.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			pending = make(map[string]bool)
			sort.Strings(paths)
			for _, p := range paths {
				w.load(p)
			}

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isPolicyFile(event.Name) {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				log.Info().Str("path", event.Name).Msg("Policy document removed, registered policy kept")
				delete(pending, event.Name)
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			pending[event.Name] = true
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.Debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Policy watcher error")
		}
	}
}
