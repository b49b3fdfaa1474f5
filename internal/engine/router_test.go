package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleverdata/hotfold/internal/store"
)

var testFolders = Folders{
	Incoming:   "incoming",
	Processing: "processing",
	Success:    "success",
	Errors:     "errors",
}

func seedIncoming(t *testing.T, name string, data []byte) *store.Memory {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.Mkdir(context.Background(), "incoming"))
	require.NoError(t, mem.WriteFile(context.Background(), "incoming/"+name, data))
	return mem
}

func TestRouterStageThenSuccess(t *testing.T) {
	ctx := context.Background()
	mem := seedIncoming(t, "invoice.pdf", []byte("pdf bytes"))
	r := NewRouter(mem, testFolders, zerolog.Nop(), true)

	staged, err := r.Stage(ctx, FileInfo{Name: "invoice.pdf", Path: "incoming/invoice.pdf", Size: 9})
	require.NoError(t, err)
	assert.Equal(t, "processing/invoice.pdf", staged.Path)
	assert.Equal(t, "invoice.pdf", staged.Name)

	_, err = mem.Stat(ctx, "incoming/invoice.pdf")
	assert.ErrorIs(t, err, store.ErrNotExist, "the original must be gone after staging")

	require.NoError(t, r.FinalizeSuccess(ctx, staged))
	data, err := mem.ReadFile(ctx, "success/invoice.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("pdf bytes"), data)
	_, err = mem.Stat(ctx, "processing/invoice.pdf")
	assert.ErrorIs(t, err, store.ErrNotExist)
}

func TestRouterFinalizeFailureWritesReport(t *testing.T) {
	ctx := context.Background()
	mem := seedIncoming(t, "invoice.pdf", []byte("pdf bytes"))
	r := NewRouter(mem, testFolders, zerolog.Nop(), true)

	staged, err := r.Stage(ctx, FileInfo{Name: "invoice.pdf", Path: "incoming/invoice.pdf", Size: 9})
	require.NoError(t, err)

	report := []byte("Processing failed: invoice.pdf\n")
	require.NoError(t, r.FinalizeFailure(ctx, staged, report))

	_, err = mem.Stat(ctx, "errors/invoice.pdf")
	require.NoError(t, err)
	got, err := mem.ReadFile(ctx, "errors/invoice_error.txt")
	require.NoError(t, err)
	assert.Equal(t, report, got)
}

func TestRouterSkipsReportWhenDisabled(t *testing.T) {
	ctx := context.Background()
	mem := seedIncoming(t, "invoice.pdf", []byte("x"))
	r := NewRouter(mem, testFolders, zerolog.Nop(), false)

	staged, err := r.Stage(ctx, FileInfo{Name: "invoice.pdf", Path: "incoming/invoice.pdf", Size: 1})
	require.NoError(t, err)
	require.NoError(t, r.FinalizeFailure(ctx, staged, []byte("report")))

	_, err = mem.Stat(ctx, "errors/invoice_error.txt")
	assert.ErrorIs(t, err, store.ErrNotExist)
}

// brokenWrites fails every WriteFile while leaving moves intact.
type brokenWrites struct {
	store.Store
}

func (b brokenWrites) WriteFile(ctx context.Context, path string, data []byte) error {
	return errors.New("disk full")
}

func TestRouterReportWriteFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	mem := seedIncoming(t, "invoice.pdf", []byte("x"))
	r := NewRouter(brokenWrites{mem}, testFolders, zerolog.Nop(), true)

	staged, err := r.Stage(ctx, FileInfo{Name: "invoice.pdf", Path: "incoming/invoice.pdf", Size: 1})
	require.NoError(t, err)

	// The move to errors is what matters; the unwritable report is logged
	// and swallowed.
	require.NoError(t, r.FinalizeFailure(ctx, staged, []byte("report")))
	_, err = mem.Stat(ctx, "errors/invoice.pdf")
	assert.NoError(t, err)
}

func TestRouterSurfacesMoveErrors(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Mkdir(ctx, "incoming"))
	r := NewRouter(mem, testFolders, zerolog.Nop(), true)

	_, err := r.Stage(ctx, FileInfo{Name: "ghost.pdf", Path: "incoming/ghost.pdf"})
	assert.ErrorIs(t, err, store.ErrNotExist, "the store's error must pass through unmodified")
}

func TestRouterToleratesExistingDestination(t *testing.T) {
	ctx := context.Background()
	mem := seedIncoming(t, "a.pdf", []byte("x"))
	require.NoError(t, mem.Mkdir(ctx, "processing"))
	r := NewRouter(mem, testFolders, zerolog.Nop(), true)

	_, err := r.Stage(ctx, FileInfo{Name: "a.pdf", Path: "incoming/a.pdf", Size: 1})
	assert.NoError(t, err, "an already existing processing directory is fine")
}
