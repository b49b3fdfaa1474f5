// Package handler resolves the {type, args} handler form used in config
// files into engine.HandlerFunc values. Code that builds engines directly
// can pass any function and skip the registry.
package handler

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/cleverdata/hotfold/internal/engine"
	"github.com/cleverdata/hotfold/internal/store"
)

// Spec names a registered capability and its arguments.
type Spec struct {
	Type string            `mapstructure:"type" json:"type"`
	Args map[string]string `mapstructure:"args" json:"args,omitempty"`
}

// Factory builds a handler. Args must be fully validated here, before any
// file arrives; the store is captured for invoke time only and may be nil
// during validation.
type Factory func(st store.Store, args map[string]string) (engine.HandlerFunc, string, error)

var registry = map[string]Factory{
	"http_upload": newHTTPUpload,
	"run_command": newRunCommand,
	"copy":        newCopy,
}

// Names lists the registered handler types.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve turns a spec into an invokable handler plus its description for
// reports and logs.
func Resolve(spec Spec, st store.Store) (engine.HandlerFunc, string, error) {
	factory, ok := registry[spec.Type]
	if !ok {
		return nil, "", fmt.Errorf("handler: unknown type %q (known types: %s)",
			spec.Type, strings.Join(Names(), ", "))
	}
	return factory(st, spec.Args)
}

// Validate checks a spec without a live store connection.
func Validate(spec Spec) error {
	_, _, err := Resolve(spec, nil)
	return err
}

// copy duplicates the staged file's bytes into another directory on the
// same store.
func newCopy(st store.Store, args map[string]string) (engine.HandlerFunc, string, error) {
	dest := args["to"]
	if dest == "" {
		return nil, "", errors.New(`handler copy: missing arg "to"`)
	}
	fn := func(ctx context.Context, f engine.FileInfo) (string, error) {
		data, err := st.ReadFile(ctx, f.Path)
		if err != nil {
			return "", err
		}
		if err := st.Mkdir(ctx, dest); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			return "", err
		}
		target := path.Join(dest, f.Name)
		if err := st.WriteFile(ctx, target, data); err != nil {
			return "", err
		}
		return "copied to " + target, nil
	}
	return fn, "copy to " + dest, nil
}

// snippet keeps command output and response bodies short enough for a log
// line.
func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
