package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Notifier signals changes anywhere under a directory tree. Subdirectories
// created later are watched too.
type Notifier struct {
	fsw     *fsnotify.Watcher
	changed chan struct{}
}

func NewNotifier(dir string) (*Notifier, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	n := &Notifier{
		fsw:     fsw,
		changed: make(chan struct{}, 1),
	}
	if err := n.addTree(dir); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return n, nil
}

// Changed receives a value after one or more changes. Bursts of events
// collapse into a single value.
func (n *Notifier) Changed() <-chan struct{} {
	return n.changed
}

// Run forwards file system events until ctx is done. It closes the
// underlying watcher on return.
func (n *Notifier) Run(ctx context.Context) {
	defer func() {
		if err := n.fsw.Close(); err != nil {
			slog.WarnContext(ctx, "closing file watcher", "error", err)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-n.fsw.Events:
			if !ok {
				return
			}
			n.handle(ctx, event)
		case err, ok := <-n.fsw.Errors:
			if !ok {
				return
			}
			slog.WarnContext(ctx, "file watcher", "error", err)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if event.Has(fsnotify.Create) {
		if err := n.addTree(event.Name); err != nil {
			slog.DebugContext(ctx, "watching new path", "path", event.Name, "error", err)
		}
	}
	slog.DebugContext(ctx, "results changed", "path", event.Name, "op", event.Op.String())
	select {
	case n.changed <- struct{}{}:
	default:
	}
}

// addTree watches every directory under root. Regular files are ignored,
// fsnotify reports them through their parent directory.
func (n *Notifier) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path != root {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := n.fsw.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}
