package store

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-memory store for tests and dry runs. It mirrors the
// error semantics of the filesystem backends: reads and moves of missing
// paths fail with ErrNotExist, writes into missing directories fail too,
// and Mkdir reports ErrAlreadyExists.
type Memory struct {
	mu    sync.Mutex
	files map[string]memFile
	dirs  map[string]struct{}
}

type memFile struct {
	data []byte
	mod  time.Time
}

func NewMemory() *Memory {
	return &Memory{
		files: make(map[string]memFile),
		dirs:  map[string]struct{}{"": {}},
	}
}

func memKey(p string) string {
	return strings.Trim(path.Clean("/"+p), "/")
}

func memParent(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[:i]
	}
	return ""
}

func (m *Memory) ListDir(ctx context.Context, dir string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(dir)
	if _, ok := m.dirs[key]; !ok {
		return nil, fmt.Errorf("list %s: %w", dir, ErrNotExist)
	}

	var out []Entry
	for p := range m.files {
		if memParent(p) == key {
			out = append(out, Entry{Name: path.Base(p), Kind: KindFile})
		}
	}
	for p := range m.dirs {
		if p != "" && memParent(p) == key {
			out = append(out, Entry{Name: path.Base(p), Kind: KindDir})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) Stat(ctx context.Context, p string) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(p)
	if f, ok := m.files[key]; ok {
		return Info{Size: int64(len(f.data)), ModTime: f.mod}, nil
	}
	if _, ok := m.dirs[key]; ok {
		return Info{}, nil
	}
	return Info{}, fmt.Errorf("stat %s: %w", p, ErrNotExist)
}

func (m *Memory) ReadFile(ctx context.Context, p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[memKey(p)]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", p, ErrNotExist)
	}
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out, nil
}

func (m *Memory) WriteFile(ctx context.Context, p string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(p)
	if _, ok := m.dirs[memParent(key)]; !ok {
		return fmt.Errorf("write %s: %w", p, ErrNotExist)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.files[key] = memFile{data: buf, mod: time.Now()}
	return nil
}

func (m *Memory) MoveFile(ctx context.Context, oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src := memKey(oldPath)
	f, ok := m.files[src]
	if !ok {
		return fmt.Errorf("move %s: %w", oldPath, ErrNotExist)
	}
	dst := memKey(newPath)
	if _, ok := m.dirs[memParent(dst)]; !ok {
		return fmt.Errorf("move %s to %s: %w", oldPath, newPath, ErrNotExist)
	}
	delete(m.files, src)
	m.files[dst] = f
	return nil
}

func (m *Memory) Mkdir(ctx context.Context, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(dir)
	if _, ok := m.dirs[key]; ok {
		return fmt.Errorf("mkdir %s: %w", dir, ErrAlreadyExists)
	}
	if _, ok := m.files[key]; ok {
		return fmt.Errorf("mkdir %s: path exists and is not a directory", dir)
	}
	// Create parents as MkdirAll would.
	for p := key; p != ""; p = memParent(p) {
		m.dirs[p] = struct{}{}
	}
	return nil
}

func (m *Memory) Close() error { return nil }
