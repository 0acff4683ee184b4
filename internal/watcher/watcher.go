// Package watcher follows the session data directory on disk so the façade
// can show whether credentials are present without polling.
package watcher

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"chatlink/internal/protocol"
)

const (
	defaultDebounce = 500 * time.Millisecond
	// MaxTreeDepth bounds inventories; browser profiles nest deeply.
	MaxTreeDepth = 4
)

// Snapshot summarizes the session credential directory.
type Snapshot struct {
	Present    bool
	FileCount  int
	TotalBytes int64
}

// UpdateCallback is called when the snapshot changes.
type UpdateCallback func(Snapshot)

// Watcher monitors the data root and reports changes to one session
// directory inside it.
type Watcher struct {
	root     string
	dir      string
	clock    clockwork.Clock
	logger   *slog.Logger
	callback UpdateCallback

	// Debounce is the quiet period before a rescan. Set before Start.
	Debounce time.Duration

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup

	mu       sync.Mutex
	timer    clockwork.Timer
	last     Snapshot
	reported bool
}

// New creates a watcher for dir, which lives somewhere under root.
func New(root, dir string, clock clockwork.Clock, logger *slog.Logger, callback UpdateCallback) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:     root,
		dir:      dir,
		clock:    clock,
		logger:   logger,
		callback: callback,
		Debounce: defaultDebounce,
		done:     make(chan struct{}),
	}
}

// Start creates the root if needed, begins watching it and reports the
// initial snapshot.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.root, 0o700); err != nil {
		return err
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addDirsRecursive(fsW, w.root); err != nil {
		fsW.Close()
		return err
	}
	w.fsWatcher = fsW

	w.wg.Add(1)
	go w.watchLoop()

	w.rescan()
	return nil
}

// Current returns the most recent snapshot.
func (w *Watcher) Current() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Close stops watching.
func (w *Watcher) Close() {
	select {
	case <-w.done:
		return
	default:
	}
	close(w.done)

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if w.fsWatcher != nil {
		w.fsWatcher.Close()
	}
	w.wg.Wait()
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			// The client creates the profile tree in bursts; watch new
			// directories along with anything already inside them.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addDirsRecursive(w.fsWatcher, event.Name); err != nil {
						w.logger.Debug("watch new directory", "path", event.Name, "error", err)
					}
				}
			}

			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = w.clock.AfterFunc(w.Debounce, w.rescan)
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("session directory watcher error", "error", err)
		}
	}
}

// rescan recomputes the snapshot and notifies if it changed.
func (w *Watcher) rescan() {
	snap := Scan(w.dir)

	w.mu.Lock()
	changed := !w.reported || snap != w.last
	w.last = snap
	w.reported = true
	w.mu.Unlock()

	if changed && w.callback != nil {
		w.callback(snap)
	}
}

// Scan summarizes dir. A missing directory yields a zero snapshot.
func Scan(dir string) Snapshot {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return Snapshot{}
	}

	snap := Snapshot{Present: true}
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip paths removed mid-walk.
		}
		if d.IsDir() {
			return nil
		}
		snap.FileCount++
		if fi, err := d.Info(); err == nil {
			snap.TotalBytes += fi.Size()
		}
		return nil
	})
	return snap
}

// Inventory lists dir as a tree up to maxDepth levels, directories first.
func Inventory(dir string, maxDepth int) []protocol.ArtifactNode {
	return inventoryRecursive(dir, dir, 0, maxDepth)
}

func inventoryRecursive(rootDir, currentDir string, depth, maxDepth int) []protocol.ArtifactNode {
	if depth >= maxDepth {
		return nil
	}

	entries, err := os.ReadDir(currentDir)
	if err != nil {
		return nil
	}

	var dirs, files []os.DirEntry
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry)
		} else {
			files = append(files, entry)
		}
	}

	nodes := make([]protocol.ArtifactNode, 0, len(entries))
	for _, d := range dirs {
		fullPath := filepath.Join(currentDir, d.Name())
		relPath, _ := filepath.Rel(rootDir, fullPath)
		nodes = append(nodes, protocol.ArtifactNode{
			Name:     d.Name(),
			Path:     filepath.ToSlash(relPath),
			IsDir:    true,
			Children: inventoryRecursive(rootDir, fullPath, depth+1, maxDepth),
		})
	}
	for _, f := range files {
		relPath, _ := filepath.Rel(rootDir, filepath.Join(currentDir, f.Name()))
		node := protocol.ArtifactNode{Name: f.Name(), Path: filepath.ToSlash(relPath)}
		if info, err := f.Info(); err == nil {
			node.Size = info.Size()
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		return w.Add(path)
	})
}
