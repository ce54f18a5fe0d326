// Package watch implements an optional live-tail of an archive file
// while a repair session is open, so a long-running caller (a TUI, a
// daemon) learns about newly appended records without re-opening the
// whole session. Grounded on the teacher's internal/session.SessionWatcher
// (internal/session/watcher.go): directory-level fsnotify watch (fsnotify
// can't always watch a single file across platforms), byte-offset
// tracking to read only the newly appended tail, truncation detection.
// Generalized from GoClaw's typed Record union to the spec's generic
// archive.ParsedRecord stream. Library: github.com/fsnotify/fsnotify
// (teacher's own).
package watch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/sessionmend/sessionmend/internal/archive"
	"github.com/sessionmend/sessionmend/internal/coreerrors"
	"github.com/sessionmend/sessionmend/internal/corelog"
	"github.com/sessionmend/sessionmend/internal/message"
)

// Watcher tails an archive file, invoking onNewMessages with the
// messages parsed from each newly appended chunk. Records that produce
// a parse diagnostic are logged and skipped, matching the Archive
// Loader's own tolerance for malformed lines.
type Watcher struct {
	filePath      string
	onNewMessages func([]*message.Message)

	mu         sync.Mutex
	fsWatcher  *fsnotify.Watcher
	lastOffset int64
	stopCh     chan struct{}
	running    bool
}

// New creates a Watcher for filePath. The initial offset is the file's
// current size, so only records appended after New is called are ever
// delivered.
func New(filePath string, onNewMessages func([]*message.Message)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to create file watcher")
	}

	w := &Watcher{
		filePath:      filePath,
		onNewMessages: onNewMessages,
		fsWatcher:     fsWatcher,
		stopCh:        make(chan struct{}),
	}

	if info, err := os.Stat(filePath); err == nil {
		w.lastOffset = info.Size()
	}

	return w, nil
}

// Start begins watching the archive file's directory for writes. It
// returns once the watch is registered; delivery happens on a
// background goroutine until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.filePath)
	if err := w.fsWatcher.Add(dir); err != nil {
		return coreerrors.Wrap(err, coreerrors.KindStorageError, "failed to watch archive directory")
	}

	corelog.L_info("watch: started", "file", filepath.Base(w.filePath), "dir", dir)
	go w.loop(ctx)
	return nil
}

// Stop ends the watch and releases the underlying fsnotify handle.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	w.fsWatcher.Close()
	w.running = false
	corelog.L_debug("watch: stopped", "file", filepath.Base(w.filePath))
}

// ForceSync immediately reads any bytes appended since the last read,
// independent of whether an fsnotify event has fired yet.
func (w *Watcher) ForceSync() {
	w.readNewTail()
}

func (w *Watcher) loop(ctx context.Context) {
	target := filepath.Base(w.filePath)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&fsnotify.Write == fsnotify.Write {
				w.readNewTail()
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			corelog.L_warn("watch: fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) readNewTail() {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.filePath)
	if err != nil {
		corelog.L_warn("watch: failed to open archive for tail read", "error", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		corelog.L_warn("watch: failed to stat archive", "error", err)
		return
	}

	currentSize := info.Size()
	if currentSize < w.lastOffset {
		corelog.L_warn("watch: archive appears truncated, resetting offset",
			"lastOffset", w.lastOffset, "currentSize", currentSize)
		w.lastOffset = 0
	}
	if currentSize <= w.lastOffset {
		return
	}

	if _, err := f.Seek(w.lastOffset, io.SeekStart); err != nil {
		corelog.L_warn("watch: failed to seek archive", "error", err)
		return
	}

	loader := archive.NewLoader(f)
	var newMsgs []*message.Message
	for {
		rec, diag, ok := loader.Next()
		if !ok {
			break
		}
		if diag != nil {
			corelog.L_warn("watch: skipping malformed appended record", "diagnostic", diag.String())
			continue
		}
		newMsgs = append(newMsgs, rec.Message)
	}

	w.lastOffset = currentSize

	if len(newMsgs) > 0 {
		corelog.L_info("watch: read new records", "count", len(newMsgs), "file", filepath.Base(w.filePath))
		if w.onNewMessages != nil {
			w.onNewMessages(newMsgs)
		}
	}
}

// LastOffset returns the byte offset of the last successfully read
// position, useful for tests and diagnostics.
func (w *Watcher) LastOffset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastOffset
}
