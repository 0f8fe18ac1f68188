// Package watcher implements the change detector: it watches project
// directory trees, classifies raw filesystem events, and coalesces them into
// debounced per-project batches. The detector never touches progress state.
package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"questsync/pkg/config"
	"questsync/pkg/logx"
	"questsync/pkg/metrics"
	"questsync/pkg/proto"
)

// ErrAlreadyWatching is returned by Start for a project with an active watch.
var ErrAlreadyWatching = errors.New("project is already being watched")

// Batch is one debounced set of changes for a project, in arrival order.
type Batch struct {
	ProjectID string
	Events    []proto.FileChange
}

// WatchError is a watch failure scoped to one project. The project's watch
// has already stopped when the error is delivered; other projects keep
// running, and the caller decides whether to retry Start.
type WatchError struct {
	ProjectID string
	Err       error
}

// Options tunes the detector. Zero values fall back to the package
// defaults in config.
type Options struct {
	Window          time.Duration
	MaxContentBytes int64
	TextExtensions  []string
	Clock           Clock
	Recorder        *metrics.Recorder
}

// Detector watches one or more project roots and emits debounced batches.
type Detector struct {
	opts     Options
	logger   *logx.Logger
	batches  chan Batch
	errs     chan WatchError
	mu       sync.Mutex
	projects map[string]*projectWatch
}

type projectWatch struct {
	projectID string
	root      string
	fsw       *fsnotify.Watcher
	filter    *pathFilter
	debounce  *debouncer
	dirs      map[string]bool // absolute paths known to be directories
	done      chan struct{}
	stopOnce  sync.Once
}

// New creates a detector. Batches and watch errors are delivered on the
// channels exposed by Batches and Errors.
func New(opts Options) *Detector {
	if opts.Window <= 0 {
		opts.Window = config.DefaultDebounceWindow
	}
	if opts.MaxContentBytes <= 0 {
		opts.MaxContentBytes = config.DefaultMaxContentBytes
	}
	if len(opts.TextExtensions) == 0 {
		opts.TextExtensions = config.DefaultTextExtensions
	}
	if opts.Clock == nil {
		opts.Clock = NewClock()
	}
	return &Detector{
		opts:     opts,
		logger:   logx.NewLogger("watcher"),
		batches:  make(chan Batch, 16),
		errs:     make(chan WatchError, 4),
		projects: make(map[string]*projectWatch),
	}
}

// Batches returns the channel carrying flushed change batches.
func (d *Detector) Batches() <-chan Batch {
	return d.batches
}

// Errors returns the channel carrying per-project watch failures.
func (d *Detector) Errors() <-chan WatchError {
	return d.errs
}

// Start begins an isolated watch of rootPath for projectID. It fails with
// ErrAlreadyWatching if the project is already active.
func (d *Detector) Start(projectID, rootPath string, include, exclude []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.projects[projectID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyWatching, projectID)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher for %s: %w", projectID, err)
	}

	p := &projectWatch{
		projectID: projectID,
		root:      rootPath,
		fsw:       fsw,
		filter:    newPathFilter(include, exclude),
		debounce:  newDebouncer(d.opts.Clock, d.opts.Window),
		dirs:      make(map[string]bool),
		done:      make(chan struct{}),
	}

	if err := d.addWatchTree(p, rootPath); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", rootPath, err)
	}

	d.projects[projectID] = p
	go d.run(p)

	d.logger.Info("Watching project %s at %s", projectID, rootPath)
	return nil
}

// Stop ends the watch for projectID, cancels its flush timer, and discards
// any buffered-but-unflushed batch. Stopping an unwatched project is a no-op.
func (d *Detector) Stop(projectID string) {
	d.mu.Lock()
	p, exists := d.projects[projectID]
	if exists {
		delete(d.projects, projectID)
	}
	d.mu.Unlock()

	if !exists {
		return
	}
	p.stop()
	d.logger.Info("Stopped watching project %s", projectID)
}

// Close stops every active watch.
func (d *Detector) Close() {
	d.mu.Lock()
	projects := make([]*projectWatch, 0, len(d.projects))
	for id, p := range d.projects {
		projects = append(projects, p)
		delete(d.projects, id)
	}
	d.mu.Unlock()

	for _, p := range projects {
		p.stop()
	}
}

func (p *projectWatch) stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		_ = p.fsw.Close()
	})
}

// addWatchTree registers fsnotify watches for root and every non-excluded
// subdirectory.
func (d *Detector) addWatchTree(p *projectWatch, root string) error {
	return filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(p.root, path)
		if relErr != nil {
			return relErr
		}
		if rel != "." && p.filter.dirExcluded(rel) {
			return filepath.SkipDir
		}
		p.dirs[path] = true
		return p.fsw.Add(path)
	})
}

// run is the per-project event loop: it owns the project's buffer and timer,
// so batches for one project are always assembled in arrival order.
func (d *Detector) run(p *projectWatch) {
	for {
		select {
		case <-p.done:
			p.debounce.discard()
			return

		case ev, ok := <-p.fsw.Events:
			if !ok {
				return
			}
			d.handleRawEvent(p, ev)

		case err, ok := <-p.fsw.Errors:
			if !ok {
				return
			}
			d.failProject(p, err)
			return

		case <-p.debounce.c():
			d.flush(p)
		}
	}
}

// failProject stops the failed project's watch and surfaces the error,
// leaving other projects untouched.
func (d *Detector) failProject(p *projectWatch, err error) {
	d.mu.Lock()
	delete(d.projects, p.projectID)
	d.mu.Unlock()
	p.stop()

	d.logger.Error("Watch failed for project %s: %v", p.projectID, err)
	select {
	case d.errs <- WatchError{ProjectID: p.projectID, Err: err}:
	default:
		d.logger.Warn("Error channel full, dropping watch error for %s", p.projectID)
	}
}

// handleRawEvent classifies one fsnotify event and buffers it unless an
// exclusion rule drops it first.
func (d *Detector) handleRawEvent(p *projectWatch, ev fsnotify.Event) {
	rel, err := filepath.Rel(p.root, ev.Name)
	if err != nil || rel == "." {
		return
	}

	isDir := p.dirs[ev.Name]
	if ev.Op.Has(fsnotify.Create) {
		if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
			isDir = true
		}
	}

	if isDir && p.filter.dirExcluded(rel) {
		return
	}
	if !isDir && p.filter.excluded(rel) {
		if d.opts.Recorder != nil {
			d.opts.Recorder.ObserveExcludedEvent(p.projectID)
		}
		logx.Debug("watcher", "excluded %s for project %s", rel, p.projectID)
		return
	}

	change, ok := d.classify(p, ev, rel, isDir)
	if !ok {
		return
	}

	p.debounce.add(change)
	if d.opts.Recorder != nil {
		d.opts.Recorder.ObserveWatchEvent(p.projectID, string(change.Kind))
	}
	logx.Debug("watcher", "buffered %s %s for project %s (%d pending)",
		change.Kind, rel, p.projectID, p.debounce.pending())
}

// classify maps a raw OS event onto the five change kinds and attaches
// content where the policy allows.
func (d *Detector) classify(p *projectWatch, ev fsnotify.Event, rel string, isDir bool) (proto.FileChange, bool) {
	change := proto.FileChange{
		RelativePath: filepath.ToSlash(rel),
		Timestamp:    d.opts.Clock.Now().UTC(),
	}

	switch {
	case ev.Op.Has(fsnotify.Create) && isDir:
		change.Kind = proto.ChangeDirCreated
		p.dirs[ev.Name] = true
		// New subtree: watch it so edits inside it are seen.
		if err := d.addWatchTree(p, ev.Name); err != nil {
			d.logger.Warn("Failed to watch new directory %s: %v", rel, err)
		}

	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		if isDir {
			change.Kind = proto.ChangeDirDeleted
			delete(p.dirs, ev.Name)
		} else {
			change.Kind = proto.ChangeDeleted
		}

	case ev.Op.Has(fsnotify.Create):
		change.Kind = proto.ChangeCreated
		d.attachContent(&change, ev.Name)

	case ev.Op.Has(fsnotify.Write):
		change.Kind = proto.ChangeModified
		d.attachContent(&change, ev.Name)

	default:
		// Chmod and other noise.
		return proto.FileChange{}, false
	}

	return change, true
}

// attachContent reads file content at event time for text files under the
// size ceiling; anything else propagates metadata only.
func (d *Detector) attachContent(change *proto.FileChange, absPath string) {
	if !isTextExtension(absPath, d.opts.TextExtensions) {
		return
	}
	info, err := os.Stat(absPath)
	if err != nil || info.Size() > d.opts.MaxContentBytes {
		return
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return
	}
	change.Content = string(data)
	change.HasContent = true
}

// flush emits the project's buffered events as one batch.
func (d *Detector) flush(p *projectWatch) {
	events := p.debounce.flush()
	if len(events) == 0 {
		return
	}

	if d.opts.Recorder != nil {
		d.opts.Recorder.ObserveBatchFlush(p.projectID, len(events))
	}
	logx.Debug("watcher", "flush for project %s: %d events", p.projectID, len(events))

	select {
	case d.batches <- Batch{ProjectID: p.projectID, Events: events}:
	case <-p.done:
	}
}
