package engine

import (
	"fmt"
	"mime"
	"path"
	"strings"
)

// Filter narrows which incoming files are eligible for processing. All
// clauses are subtractive except Patterns, which is an OR: a file must
// match at least one include pattern (when any are set), must match no
// exclude pattern, and must sit inside the size bounds. When the MIME
// allow-list is non-empty it must also map to an allowed type by extension.
type Filter struct {
	Patterns  []string
	Exclude   []string
	MinSize   int64
	MaxSize   int64 // 0 means unbounded
	MIMETypes []string
}

// Validate rejects malformed glob patterns up front so a bad config fails
// at load rather than silently matching nothing.
func (f Filter) Validate() error {
	for _, p := range f.Patterns {
		if _, err := path.Match(p, "probe"); err != nil {
			return fmt.Errorf("bad pattern %q: %w", p, err)
		}
	}
	for _, p := range f.Exclude {
		if _, err := path.Match(p, "probe"); err != nil {
			return fmt.Errorf("bad exclude pattern %q: %w", p, err)
		}
	}
	if f.MinSize < 0 || f.MaxSize < 0 {
		return fmt.Errorf("size bounds must not be negative")
	}
	if f.MaxSize > 0 && f.MinSize > f.MaxSize {
		return fmt.Errorf("min size %d exceeds max size %d", f.MinSize, f.MaxSize)
	}
	return nil
}

// MatchName applies the include, exclude, and MIME clauses.
func (f Filter) MatchName(name string) bool {
	if len(f.Patterns) > 0 {
		hit := false
		for _, p := range f.Patterns {
			if ok, _ := path.Match(p, name); ok {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	for _, p := range f.Exclude {
		if ok, _ := path.Match(p, name); ok {
			return false
		}
	}
	if len(f.MIMETypes) > 0 && !f.matchMIME(name) {
		return false
	}
	return true
}

// MatchSize applies the size bounds.
func (f Filter) MatchSize(size int64) bool {
	if size < f.MinSize {
		return false
	}
	if f.MaxSize > 0 && size > f.MaxSize {
		return false
	}
	return true
}

// matchMIME resolves the file's type from its extension alone. An unknown
// extension never passes an allow-list. Entries may be exact types
// ("application/pdf") or a family wildcard ("image/*").
func (f Filter) matchMIME(name string) bool {
	typ := mime.TypeByExtension(strings.ToLower(path.Ext(name)))
	if typ == "" {
		return false
	}
	if i := strings.Index(typ, ";"); i >= 0 {
		typ = strings.TrimSpace(typ[:i])
	}
	typ = strings.ToLower(typ)
	for _, allowed := range f.MIMETypes {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if allowed == typ {
			return true
		}
		if fam, ok := strings.CutSuffix(allowed, "/*"); ok && strings.HasPrefix(typ, fam+"/") {
			return true
		}
	}
	return false
}
