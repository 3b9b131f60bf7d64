package attest

import (
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TamperEvent reports an unexpected write to a file this module treats
// as security-sensitive: the signing key, the WAL, or the ledger
// database. "Unexpected" means the write was not preceded by a call to
// Acknowledge for that path; the application's own legitimate writes
// must call Acknowledge after flushing, or every one of its own writes
// would otherwise look like tampering.
type TamperEvent struct {
	Path      string
	Hash      [32]byte
	Size      int64
	Timestamp time.Time
}

// FileIntegrityWatcher watches a fixed set of security-sensitive
// directories for writes this module did not itself originate,
// grounded on the teacher's fsnotify-based internal/watcher, the one
// teacher dependency (github.com/fsnotify/fsnotify) with no other home
// in this module's domain stack. Findings are delivered on Events;
// the boot-chain gate does not read them.
type FileIntegrityWatcher struct {
	fsWatcher *fsnotify.Watcher
	paths     []string

	mu          sync.Mutex
	acknowledged map[string]time.Time

	events chan TamperEvent
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewFileIntegrityWatcher watches the given directories (non-recursive,
// matching fsnotify's own directory-level granularity).
func NewFileIntegrityWatcher(dirs []string) (*FileIntegrityWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &FileIntegrityWatcher{
		fsWatcher:    fw,
		paths:        dirs,
		acknowledged: make(map[string]time.Time),
		events:       make(chan TamperEvent, 32),
		errors:       make(chan error, 8),
		done:         make(chan struct{}),
	}
	return w, nil
}

// Events returns the channel of detected unexpected writes.
func (w *FileIntegrityWatcher) Events() <-chan TamperEvent { return w.events }

// Errors returns the channel of watcher-internal errors (e.g. a
// directory becoming unreadable).
func (w *FileIntegrityWatcher) Errors() <-chan error { return w.errors }

// Start begins watching every configured directory.
func (w *FileIntegrityWatcher) Start() error {
	for _, path := range w.paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		if err := w.fsWatcher.Add(absPath); err != nil {
			return err
		}
	}

	w.wg.Add(1)
	go w.eventLoop()
	return nil
}

// Stop shuts the watcher down and releases its fsnotify handle.
func (w *FileIntegrityWatcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return w.fsWatcher.Close()
}

// Acknowledge records that path was just written by this application's
// own legitimate code path (e.g. a WAL fsync, a ledger commit). Writes
// observed within the acknowledgement window are not reported as
// tampering.
func (w *FileIntegrityWatcher) Acknowledge(path string) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	w.mu.Lock()
	w.acknowledged[absPath] = time.Now()
	w.mu.Unlock()
}

const acknowledgeWindow = 5 * time.Second

func (w *FileIntegrityWatcher) wasAcknowledged(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.acknowledged[path]
	if !ok {
		return false
	}
	if time.Since(t) > acknowledgeWindow {
		delete(w.acknowledged, path)
		return false
	}
	return true
}

func (w *FileIntegrityWatcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			info, err := os.Stat(event.Name)
			if err != nil || info.IsDir() {
				continue
			}
			if w.wasAcknowledged(event.Name) {
				continue
			}

			hash, size, err := hashFile(event.Name)
			if err != nil {
				select {
				case w.errors <- err:
				default:
				}
				continue
			}

			tamper := TamperEvent{
				Path:      event.Name,
				Hash:      hash,
				Size:      size,
				Timestamp: time.Now(),
			}
			select {
			case w.events <- tamper:
			default:
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

func hashFile(path string) ([32]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return [32]byte{}, 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return [32]byte{}, 0, err
	}
	var hash [32]byte
	copy(hash[:], h.Sum(nil))
	return hash, size, nil
}
