// Package watcher turns inbound material into tasks in Needs_Action: files dropped into
// the inbox directory and unread messages fetched through the mail adapter.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/taskvault/internal/eventlog"
	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/queue"
)

// ProcessedDir holds inbox files that already produced a task.
const ProcessedDir = ".processed"

const (
	defaultScanInterval = 15 * time.Second
	defaultDebounce     = 500 * time.Millisecond
	maxNameSuffix       = 99
)

// Inbox creates one file_drop task per file dropped into its directory.
type Inbox struct {
	dir      string
	patterns []string
	vault    *queue.Vault
	recorder eventlog.Recorder
	logger   *zap.Logger
	now      func() time.Time

	scanInterval time.Duration
	debounce     time.Duration

	mu sync.Mutex
}

type InboxOption func(*Inbox)

func WithInboxRecorder(r eventlog.Recorder) InboxOption {
	return func(w *Inbox) { w.recorder = r }
}

func WithInboxLogger(l *zap.Logger) InboxOption {
	return func(w *Inbox) { w.logger = l }
}

func WithInboxClock(now func() time.Time) InboxOption {
	return func(w *Inbox) { w.now = now }
}

// WithScanInterval sets the periodic rescan that catches events fsnotify missed.
func WithScanInterval(d time.Duration) InboxOption {
	return func(w *Inbox) {
		if d > 0 {
			w.scanInterval = d
		}
	}
}

func WithDebounce(d time.Duration) InboxOption {
	return func(w *Inbox) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewInbox watches dir for files whose inbox-relative path matches one of patterns.
func NewInbox(dir string, patterns []string, vault *queue.Vault, opts ...InboxOption) (*Inbox, error) {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid inbox pattern %q", p)
		}
	}
	if len(patterns) == 0 {
		patterns = []string{"**/*"}
	}
	w := &Inbox{
		dir:          dir,
		patterns:     patterns,
		vault:        vault,
		recorder:     eventlog.Discard,
		logger:       zap.NewNop(),
		now:          time.Now,
		scanInterval: defaultScanInterval,
		debounce:     defaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Inbox) Dir() string { return w.dir }

// Run scans once, then rescans after each burst of filesystem events and on every
// scan interval until ctx is cancelled.
func (w *Inbox) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.dir, ProcessedDir), 0755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("inbox_watcher_started", zap.String("dir", w.dir), zap.Strings("patterns", w.patterns))

	wake := make(chan struct{}, 1)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.eventLoop(gctx, fw, wake) })
	g.Go(func() error { return w.scanLoop(gctx, wake) })
	err = g.Wait()
	w.logger.Info("inbox_watcher_stopped")
	return err
}

func (w *Inbox) eventLoop(ctx context.Context, fw *fsnotify.Watcher, wake chan<- struct{}) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if filepath.Base(event.Name) == ProcessedDir {
				continue
			}
			// A file is usually written in several chunks; scan once the writes settle.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case wake <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("fsnotify_error", zap.Error(err))
		}
	}
}

func (w *Inbox) scanLoop(ctx context.Context, wake <-chan struct{}) error {
	ticker := time.NewTicker(w.scanInterval)
	defer ticker.Stop()
	for {
		if _, err := w.ScanOnce(ctx); err != nil {
			w.logger.Error("inbox_scan_failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// ScanOnce creates a task for every matching file in the inbox and archives the file
// under ProcessedDir. It returns the names of the created tasks.
func (w *Inbox) ScanOnce(ctx context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var pending []string
	err := filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == w.dir {
				return err
			}
			return nil
		}
		rel, err := filepath.Rel(w.dir, path)
		if err != nil || rel == "." {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if w.matches(filepath.ToSlash(rel)) {
			pending = append(pending, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan inbox: %w", err)
	}

	var created []string
	for _, rel := range pending {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		name, err := w.ingest(rel)
		if err != nil {
			w.logger.Error("inbox_ingest_failed", zap.String("file", rel), zap.Error(err))
			w.recorder.Record(eventlog.Entry{
				Action:  "file_ingest_failed",
				Source:  model.ComponentInboxWatcher,
				Result:  eventlog.ResultFailure,
				Details: map[string]any{"file": rel, "error": err.Error()},
			})
			continue
		}
		created = append(created, name)
	}
	return created, nil
}

func (w *Inbox) matches(rel string) bool {
	for _, p := range w.patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (w *Inbox) ingest(rel string) (string, error) {
	src := filepath.Join(w.dir, rel)
	data, err := os.ReadFile(src)
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}

	now := w.now()
	base := filepath.Base(rel)
	stem := model.Stem(base)
	body := string(data)
	if !utf8.Valid(data) {
		body = fmt.Sprintf("Binary file dropped into the inbox: %s (%d bytes). The original is kept in %s/%s.\n",
			rel, len(data), ProcessedDir, filepath.ToSlash(rel))
	}
	content, err := model.RenderTask(model.TaskHeader{
		Type:     model.TaskTypeFileDrop,
		Source:   "inbox/" + filepath.ToSlash(rel),
		Subject:  stem,
		Priority: "medium",
		Created:  now.Format(time.RFC3339),
	}, fmt.Sprintf("# %s\n\n%s", base, body))
	if err != nil {
		return "", err
	}

	name, err := createUnique(w.vault, model.TaskFileName(model.PrefixTask, now, stem), content)
	if err != nil {
		return "", err
	}
	if err := w.archive(rel); err != nil {
		// The task exists; leaving the source would duplicate it on the next scan.
		w.logger.Error("inbox_archive_failed", zap.String("file", rel), zap.Error(err))
	}

	w.recorder.Record(eventlog.Entry{
		Action:  "file_detected",
		Source:  model.ComponentInboxWatcher,
		Result:  eventlog.ResultSuccess,
		TaskRef: model.StageNeedsAction.Ref(name),
		Details: map[string]any{"file": filepath.ToSlash(rel), "bytes": len(data)},
	})
	w.logger.Info("task_created", zap.String("task", name), zap.String("file", rel))
	return name, nil
}

// archive moves rel into ProcessedDir, keeping its subdirectory and adding a numeric
// suffix when an earlier file of the same name is already there.
func (w *Inbox) archive(rel string) error {
	dst := filepath.Join(w.dir, ProcessedDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	for i := 1; i <= maxNameSuffix; i++ {
		target := model.SuffixedName(dst, i)
		if _, err := os.Lstat(target); err == nil {
			continue
		}
		return os.Rename(filepath.Join(w.dir, rel), target)
	}
	return fmt.Errorf("archive %s: too many name collisions", rel)
}

// createUnique writes content to Needs_Action under name, or under name_02, name_03
// and so on when an earlier task took it within the same second.
func createUnique(v *queue.Vault, name string, content []byte) (string, error) {
	for i := 1; i <= maxNameSuffix; i++ {
		candidate := model.SuffixedName(name, i)
		err := v.Create(model.StageNeedsAction, candidate, content)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, queue.ErrCollision) {
			return "", err
		}
	}
	return "", fmt.Errorf("create %s: too many name collisions", name)
}
