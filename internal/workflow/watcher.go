package workflow

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads workflow definitions from a directory into a Library.
// Edits take effect for new runs only; an in-flight run keeps the definition
// it started with.
type Watcher struct {
	dir     string
	library *Library
	fw      *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	// debounce collapses the burst of events an editor save produces.
	debounce time.Duration

	mu  sync.Mutex
	ids map[string]string // definition file path -> loaded workflow id
}

// NewWatcher creates a watcher over dir. Call Start to begin watching.
func NewWatcher(dir string, library *Library) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &Watcher{
		dir:      dir,
		library:  library,
		fw:       fw,
		done:     make(chan struct{}),
		debounce: 250 * time.Millisecond,
		ids:      make(map[string]string),
	}
	w.seed()
	return w, nil
}

// seed records path -> id for definition files already in the directory, so
// a later delete maps to the right workflow even when the file was loaded
// before the watcher existed.
func (w *Watcher) seed() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if def, err := LoadDefinition(path); err == nil {
			w.ids[path] = def.ID
		}
	}
}

// Start begins processing filesystem events in the background.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop ends watching and waits for the event loop to exit.
func (w *Watcher) Stop() {
	close(w.done)
	w.fw.Close()
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	pending := make(map[string]fsnotify.Op)

	flush := func() {
		for path, op := range pending {
			w.apply(path, op)
		}
		pending = make(map[string]fsnotify.Op)
	}

	for {
		var timerC <-chan time.Time
		if timer != nil {
			timerC = timer.C
		}

		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !isDefinitionFile(ev.Name) {
				continue
			}
			pending[ev.Name] |= ev.Op
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Printf("[watcher] %v", err)
		case <-timerC:
			timer = nil
			flush()
		}
	}
}

// apply reloads or removes a single definition file. A file that no longer
// parses is reported and left out; the previous version stays loaded.
func (w *Watcher) apply(path string, op fsnotify.Op) {
	if op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		if id := w.forget(path); id != "" {
			w.library.Remove(id)
			log.Printf("[watcher] removed workflow %s (%s)", id, filepath.Base(path))
		}
		return
	}

	def, err := LoadDefinition(path)
	if err != nil {
		log.Printf("[watcher] not reloading %s: %v", filepath.Base(path), err)
		return
	}
	w.record(path, def.ID)
	w.library.Put(def)
	log.Printf("[watcher] loaded workflow %s (%s)", def.ID, filepath.Base(path))
}

// record tracks which workflow id a file produced. An edit that changes the
// file's id evicts the definition loaded under the old one.
func (w *Watcher) record(path, id string) {
	w.mu.Lock()
	prev, ok := w.ids[path]
	w.ids[path] = id
	w.mu.Unlock()
	if ok && prev != id {
		w.library.Remove(prev)
	}
}

// forget returns and drops the id recorded for path. For a file the watcher
// never saw load it falls back to the base name without extension.
func (w *Watcher) forget(path string) string {
	w.mu.Lock()
	id, ok := w.ids[path]
	delete(w.ids, path)
	w.mu.Unlock()
	if ok {
		return id
	}
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
