package handler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/cleverdata/hotfold/internal/engine"
	"github.com/cleverdata/hotfold/internal/store"
)

// run_command executes a local shell command for each staged file. The
// file is described through HOTFOLD_FILE_* environment variables; when the
// folder lives on the local store the absolute path is exposed too, so a
// script can read the file directly. Args: command (required).
func newRunCommand(st store.Store, args map[string]string) (engine.HandlerFunc, string, error) {
	command := args["command"]
	if command == "" {
		return nil, "", errors.New(`handler run_command: missing arg "command"`)
	}

	fn := func(ctx context.Context, f engine.FileInfo) (string, error) {
		cmd := shellCommand(ctx, command)
		cmd.Env = append(os.Environ(),
			"HOTFOLD_FILE_NAME="+f.Name,
			"HOTFOLD_FILE_PATH="+f.Path,
			fmt.Sprintf("HOTFOLD_FILE_SIZE=%d", f.Size),
		)
		if l, ok := st.(*store.Local); ok {
			cmd.Env = append(cmd.Env, "HOTFOLD_FILE_LOCAL="+filepath.Join(l.Root(), filepath.FromSlash(f.Path)))
		}
		out, err := cmd.CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("command failed: %w (output: %s)", err, snippet(string(out)))
		}
		return snippet(string(out)), nil
	}
	return fn, "run_command: " + command, nil
}

func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}
