package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Local serves a directory tree on the agent's own filesystem.
type Local struct {
	root string
}

func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, errors.New("store: local root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("store: resolve root %q: %w", root, err)
	}
	return &Local{root: abs}, nil
}

func (l *Local) Root() string { return l.root }

// resolve anchors p under the root. The leading-slash clean strips any ".."
// so a path can never escape the tree.
func (l *Local) resolve(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(path.Clean("/"+p)))
}

func (l *Local) ListDir(ctx context.Context, dir string) ([]Entry, error) {
	entries, err := os.ReadDir(l.resolve(dir))
	if err != nil {
		return nil, wrapErr("list", dir, err)
	}
	out := make([]Entry, 0, len(entries))
	for _, ent := range entries {
		kind := KindOther
		switch {
		case ent.Type().IsRegular():
			kind = KindFile
		case ent.IsDir():
			kind = KindDir
		}
		out = append(out, Entry{Name: ent.Name(), Kind: kind})
	}
	return out, nil
}

func (l *Local) Stat(ctx context.Context, p string) (Info, error) {
	fi, err := os.Stat(l.resolve(p))
	if err != nil {
		return Info{}, wrapErr("stat", p, err)
	}
	return Info{Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

func (l *Local) ReadFile(ctx context.Context, p string) ([]byte, error) {
	data, err := os.ReadFile(l.resolve(p))
	if err != nil {
		return nil, wrapErr("read", p, err)
	}
	return data, nil
}

func (l *Local) WriteFile(ctx context.Context, p string, data []byte) error {
	if err := os.WriteFile(l.resolve(p), data, 0644); err != nil {
		return wrapErr("write", p, err)
	}
	return nil
}

func (l *Local) MoveFile(ctx context.Context, oldPath, newPath string) error {
	if err := os.Rename(l.resolve(oldPath), l.resolve(newPath)); err != nil {
		return wrapErr("move", oldPath, err)
	}
	return nil
}

func (l *Local) Mkdir(ctx context.Context, dir string) error {
	p := l.resolve(dir)
	if fi, err := os.Stat(p); err == nil {
		if fi.IsDir() {
			return fmt.Errorf("mkdir %s: %w", dir, ErrAlreadyExists)
		}
		return fmt.Errorf("mkdir %s: path exists and is not a directory", dir)
	}
	if err := os.MkdirAll(p, 0755); err != nil {
		return wrapErr("mkdir", dir, err)
	}
	return nil
}

func (l *Local) Close() error { return nil }

// Notify emits a hint whenever something is created, written, or renamed in
// dir. Watcher errors are swallowed: a missed hint only delays pickup until
// the next scheduled poll.
func (l *Local) Notify(ctx context.Context, dir string) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("store: create watcher: %w", err)
	}
	if err := w.Add(l.resolve(dir)); err != nil {
		w.Close()
		return nil, wrapErr("watch", dir, err)
	}

	hints := make(chan struct{}, 1)
	go func() {
		defer w.Close()
		for {
			select {
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					select {
					case hints <- struct{}{}:
					default: // a hint is already pending
					}
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return hints, nil
}
