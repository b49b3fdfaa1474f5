package engine

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cleverdata/hotfold/internal/store"
)

// Folders names the four workflow directories on the store.
type Folders struct {
	Incoming   string `json:"incoming"`
	Processing string `json:"processing"`
	Success    string `json:"success"`
	Errors     string `json:"errors"`
}

func (f Folders) all() []string {
	return []string{f.Incoming, f.Processing, f.Success, f.Errors}
}

// Router moves files between the workflow directories. Destination
// directories are created on demand; move errors are returned exactly as
// the store produced them so callers can match on the backend's sentinels.
type Router struct {
	store        store.Store
	folders      Folders
	log          zerolog.Logger
	writeReports bool
}

func NewRouter(st store.Store, folders Folders, log zerolog.Logger, writeReports bool) *Router {
	return &Router{store: st, folders: folders, log: log, writeReports: writeReports}
}

// Stage moves a discovered file from incoming to processing and returns
// the file with its new path.
func (r *Router) Stage(ctx context.Context, f FileInfo) (FileInfo, error) {
	return r.move(ctx, f, r.folders.Processing)
}

// FinalizeSuccess moves a processed file from processing to success.
func (r *Router) FinalizeSuccess(ctx context.Context, f FileInfo) error {
	_, err := r.move(ctx, f, r.folders.Success)
	return err
}

// FinalizeFailure moves a failed file from processing to errors and, when
// enabled, drops a diagnostic report next to it. The move is the part that
// matters: a report that cannot be written is logged and swallowed.
func (r *Router) FinalizeFailure(ctx context.Context, f FileInfo, report []byte) error {
	moved, err := r.move(ctx, f, r.folders.Errors)
	if err != nil {
		return err
	}
	if !r.writeReports || len(report) == 0 {
		return nil
	}
	reportPath := path.Join(r.folders.Errors, ReportName(f.Name))
	if err := r.store.WriteFile(ctx, reportPath, report); err != nil {
		r.log.Warn().Err(err).Str("file", moved.Name).Msg("could not write error report")
	}
	return nil
}

func (r *Router) move(ctx context.Context, f FileInfo, destDir string) (FileInfo, error) {
	if err := r.ensureDir(ctx, destDir); err != nil {
		return f, err
	}
	dest := path.Join(destDir, f.Name)
	if err := r.store.MoveFile(ctx, f.Path, dest); err != nil {
		return f, err
	}
	f.Path = dest
	return f, nil
}

// ensureDir tolerates the directory already existing, including another
// engine creating it between our check and the mkdir.
func (r *Router) ensureDir(ctx context.Context, dir string) error {
	err := r.store.Mkdir(ctx, dir)
	if err == nil || errors.Is(err, store.ErrAlreadyExists) {
		return nil
	}
	return err
}

// ReportName derives the diagnostic report filename: the original
// extension is replaced by _error.txt, so invoice.pdf becomes
// invoice_error.txt.
func ReportName(name string) string {
	return strings.TrimSuffix(name, path.Ext(name)) + "_error.txt"
}
