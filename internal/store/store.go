// Package store abstracts the filesystem a hot folder lives on. The engine
// only ever talks to the Store interface, so the same workflow runs against
// a local directory, an SFTP server, or the in-memory store used in tests.
//
// All paths are slash-separated and resolved against the backend's root.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"
)

// Kind classifies a directory entry.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "directory"
	default:
		return "other"
	}
}

// Entry is a single name in a directory listing.
type Entry struct {
	Name string
	Kind Kind
}

// Info is the subset of stat data the engine cares about.
type Info struct {
	Size    int64
	ModTime time.Time
}

var (
	ErrNotExist      = errors.New("store: no such file or directory")
	ErrAlreadyExists = errors.New("store: already exists")
)

// Store is the contract every backend implements. Errors that mean "not
// there" or "already there" wrap ErrNotExist / ErrAlreadyExists so callers
// can branch with errors.Is; everything else is passed through.
type Store interface {
	ListDir(ctx context.Context, dir string) ([]Entry, error)
	Stat(ctx context.Context, path string) (Info, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	MoveFile(ctx context.Context, oldPath, newPath string) error
	Mkdir(ctx context.Context, dir string) error
	Close() error
}

// Notifier is implemented by backends that can push change hints for a
// directory. Hints are advisory: delivery is best-effort and coalesced,
// and polling remains the source of truth.
type Notifier interface {
	Notify(ctx context.Context, dir string) (<-chan struct{}, error)
}

// Connection describes how to reach a store.
type Connection struct {
	URL        string
	Username   string
	Password   string
	KnownHosts string // path to a known_hosts file; empty skips host key checks
}

// Dial opens the backend selected by the URL scheme:
//
//	local:///var/spool/scans   (a bare path works too)
//	sftp://host:22/base/path
//	mem://
func Dial(conn Connection) (Store, error) {
	raw := strings.TrimSpace(conn.URL)
	if raw == "" {
		return nil, errors.New("store: connection url is empty")
	}
	if !strings.Contains(raw, "://") {
		return NewLocal(raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("store: parse url %q: %w", raw, err)
	}

	switch u.Scheme {
	case "local", "file":
		return NewLocal(u.Path)
	case "sftp":
		return DialSFTP(u, conn)
	case "mem", "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("store: unsupported scheme %q", u.Scheme)
	}
}

// wrapErr maps well-known fs errors onto the store sentinels while keeping
// the original error in the chain.
func wrapErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s %s: %w", op, path, ErrNotExist)
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%s %s: %w", op, path, ErrAlreadyExists)
	default:
		return fmt.Errorf("%s %s: %w", op, path, err)
	}
}
