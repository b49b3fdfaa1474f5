package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleverdata/hotfold/internal/store"
)

// collectSink records every event for later inspection.
type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectSink) Emit(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *collectSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *collectSink) byType(t EventType) []Event {
	var out []Event
	for _, ev := range s.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (s *collectSink) count(t EventType) int { return len(s.byType(t)) }

func okHandler(ctx context.Context, f FileInfo) (string, error) { return "done", nil }

// newTestEngine builds an engine on the given store with fast timings.
// mutate may adjust the config before New.
func newTestEngine(t *testing.T, st store.Store, h HandlerFunc, mutate func(*Config)) (*Engine, *collectSink) {
	t.Helper()
	sink := &collectSink{}
	cfg := Config{
		Name:               "scans",
		Store:              st,
		Folders:            testFolders,
		Poll:               PollPolicy{Initial: 10 * time.Millisecond, Max: 80 * time.Millisecond, BackoffFactor: 2.0},
		Stability:          StabilityPolicy{RequiredChecks: 2, Window: time.Millisecond},
		Handler:            h,
		HandlerDescription: "test handler",
		HandlerTimeout:     time.Second,
		MaxRetries:         3,
		BackoffBase:        time.Millisecond,
		AutoCreateFolders:  true,
		WriteReports:       true,
		Logger:             zerolog.Nop(),
		Sink:               sink,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := New(cfg)
	require.NoError(t, err)
	return eng, sink
}

func waitForFile(t *testing.T, st store.Store, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := st.Stat(context.Background(), path)
		return err == nil
	}, 5*time.Second, 5*time.Millisecond, "expected %s to appear", path)
}

func TestEngineProcessesStableFile(t *testing.T) {
	mem := seedIncoming(t, "scan.pdf", []byte("pdf bytes"))
	eng, sink := newTestEngine(t, mem, okHandler, nil)

	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop()

	waitForFile(t, mem, "success/scan.pdf")

	stats := eng.Stats()
	assert.Equal(t, uint64(1), stats.FilesProcessed)
	assert.Equal(t, uint64(0), stats.FilesFailed)

	require.Equal(t, 1, sink.count(EventFileDiscovered))
	done := sink.byType(EventFileProcessed)
	require.Len(t, done, 1)
	assert.Equal(t, "scan.pdf", done[0].File)
	assert.Equal(t, 1, done[0].Attempts)
	assert.Equal(t, "done", done[0].Detail)
	assert.NotEmpty(t, done[0].Episode)
}

func TestEngineWritesReportAfterExhaustedRetries(t *testing.T) {
	mem := seedIncoming(t, "scan.pdf", []byte("pdf bytes"))
	failing := func(ctx context.Context, f FileInfo) (string, error) {
		return "", errors.New("upstream says no")
	}
	eng, sink := newTestEngine(t, mem, failing, nil)

	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop()

	waitForFile(t, mem, "errors/scan.pdf")
	waitForFile(t, mem, "errors/scan_error.txt")

	report, err := mem.ReadFile(context.Background(), "errors/scan_error.txt")
	require.NoError(t, err)
	assert.Contains(t, string(report), "Attempts: 3 of 3")
	assert.Contains(t, string(report), "upstream says no")
	assert.Contains(t, string(report), "test handler")

	assert.Equal(t, uint64(1), eng.Stats().FilesFailed)
	failed := sink.byType(EventFileFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Contains(t, failed[0].Error, "upstream says no")
}

func TestEngineRunsOneEpisodeAtATime(t *testing.T) {
	ctx := context.Background()
	mem := seedIncoming(t, "a.pdf", []byte("a"))
	require.NoError(t, mem.WriteFile(ctx, "incoming/b.pdf", []byte("b")))
	require.NoError(t, mem.WriteFile(ctx, "incoming/c.pdf", []byte("c")))

	var inflight, violations atomic.Int32
	slow := func(ctx context.Context, f FileInfo) (string, error) {
		if inflight.Add(1) > 1 {
			violations.Add(1)
		}
		defer inflight.Add(-1)
		time.Sleep(20 * time.Millisecond)
		return "", nil
	}
	eng, sink := newTestEngine(t, mem, slow, nil)

	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	for _, name := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		waitForFile(t, mem, "success/"+name)
	}
	assert.Zero(t, violations.Load(), "handler overlapped with itself")

	var order []string
	for _, ev := range sink.byType(EventFileDiscovered) {
		order = append(order, ev.File)
	}
	assert.Equal(t, []string{"a.pdf", "b.pdf", "c.pdf"}, order)
}

func TestEnginePollNowWhileIdle(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Mkdir(context.Background(), "incoming"))
	eng, sink := newTestEngine(t, mem, okHandler, func(c *Config) {
		// Long enough that a second poll can only come from PollNow.
		c.Poll = PollPolicy{Initial: 30 * time.Second, Max: time.Minute, BackoffFactor: 2.0}
	})

	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop()

	require.Eventually(t, func() bool {
		return eng.PollNow() == nil
	}, 5*time.Second, 2*time.Millisecond, "an idle engine should accept PollNow")

	require.Eventually(t, func() bool {
		return sink.count(EventPollCompleted) >= 2
	}, 5*time.Second, 2*time.Millisecond)
}

func TestEnginePollNowBusyDuringEpisode(t *testing.T) {
	mem := seedIncoming(t, "scan.pdf", []byte("x"))
	block := make(chan struct{})
	blocking := func(ctx context.Context, f FileInfo) (string, error) {
		<-block
		return "", nil
	}
	eng, _ := newTestEngine(t, mem, blocking, nil)

	require.NoError(t, eng.Start(context.Background()))
	defer eng.Stop()

	require.Eventually(t, func() bool {
		return eng.Status().State == StateProcessing
	}, 5*time.Second, 2*time.Millisecond)

	assert.ErrorIs(t, eng.PollNow(), ErrBusy)
	assert.Equal(t, "scan.pdf", eng.Status().File)

	close(block)
	waitForFile(t, mem, "success/scan.pdf")
}

func TestEnginePollNowAfterStop(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Mkdir(context.Background(), "incoming"))
	eng, _ := newTestEngine(t, mem, okHandler, nil)

	require.NoError(t, eng.Start(context.Background()))
	eng.Stop()

	assert.ErrorIs(t, eng.PollNow(), ErrStopped)
	assert.Equal(t, StateStopped, eng.Status().State)
	eng.Stop() // second Stop is a no-op
}

func TestEngineBackoffGrowsAndResetsOnFind(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Mkdir(ctx, "incoming"))
	eng, sink := newTestEngine(t, mem, okHandler, nil)

	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	// Empty polls stretch the interval toward the cap.
	require.Eventually(t, func() bool {
		return sink.count(EventPollCompleted) >= 4
	}, 5*time.Second, 2*time.Millisecond)
	polls := sink.byType(EventPollCompleted)
	assert.Equal(t, 20*time.Millisecond, polls[0].Interval)
	assert.Equal(t, 40*time.Millisecond, polls[1].Interval)
	assert.Equal(t, 80*time.Millisecond, polls[2].Interval)
	assert.Equal(t, 80*time.Millisecond, polls[3].Interval, "interval must stay at the cap")

	// Finding a candidate snaps the interval back to the initial value.
	require.NoError(t, mem.WriteFile(ctx, "incoming/late.pdf", []byte("x")))
	require.Eventually(t, func() bool {
		return sink.count(EventFileDiscovered) >= 1
	}, 5*time.Second, 2*time.Millisecond)

	events := sink.all()
	for i, ev := range events {
		if ev.Type == EventFileDiscovered {
			require.Greater(t, i, 0)
			prev := events[i-1]
			require.Equal(t, EventPollCompleted, prev.Type)
			assert.Equal(t, 10*time.Millisecond, prev.Interval)
			break
		}
	}
}

// flakyStore fails ListDir on demand while passing everything else through.
type flakyStore struct {
	store.Store
	failing atomic.Bool
}

func (f *flakyStore) ListDir(ctx context.Context, dir string) ([]store.Entry, error) {
	if f.failing.Load() {
		return nil, errors.New("connection reset by peer")
	}
	return f.Store.ListDir(ctx, dir)
}

func TestEngineRecoversFromListFailures(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	require.NoError(t, mem.Mkdir(ctx, "incoming"))
	flaky := &flakyStore{Store: mem}
	eng, sink := newTestEngine(t, flaky, okHandler, nil)

	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	flaky.failing.Store(true)
	require.Eventually(t, func() bool {
		return sink.count(EventPollFailed) >= 2
	}, 5*time.Second, 2*time.Millisecond)
	assert.Equal(t, StateError, eng.Status().State)
	failed := sink.byType(EventPollFailed)
	assert.Contains(t, failed[0].Error, "connection reset")
	assert.GreaterOrEqual(t, failed[1].Interval, failed[0].Interval)

	flaky.failing.Store(false)
	before := sink.count(EventPollCompleted)
	require.Eventually(t, func() bool {
		return sink.count(EventPollCompleted) > before
	}, 5*time.Second, 2*time.Millisecond)
	assert.Equal(t, StatePolling, eng.Status().State)
}

// stuckMoves fails every MoveFile, simulating a read-only destination.
type stuckMoves struct {
	store.Store
}

func (s stuckMoves) MoveFile(ctx context.Context, oldPath, newPath string) error {
	return errors.New("permission denied")
}

func TestEngineStageFailureKeepsClaim(t *testing.T) {
	ctx := context.Background()
	mem := seedIncoming(t, "scan.pdf", []byte("x"))
	var handlerRuns atomic.Int32
	counting := func(ctx context.Context, f FileInfo) (string, error) {
		handlerRuns.Add(1)
		return "", nil
	}
	eng, sink := newTestEngine(t, stuckMoves{mem}, counting, nil)

	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	require.Eventually(t, func() bool {
		return sink.count(EventFileFailed) >= 1
	}, 5*time.Second, 2*time.Millisecond)

	// The claim must hold: later polls see the file but never pick it again,
	// so the engine does not hammer a broken destination.
	after := sink.count(EventPollCompleted)
	require.Eventually(t, func() bool {
		return sink.count(EventPollCompleted) >= after+3
	}, 5*time.Second, 2*time.Millisecond)

	assert.Equal(t, 1, sink.count(EventFileDiscovered))
	assert.Equal(t, 1, sink.count(EventFileFailed))
	assert.Contains(t, sink.byType(EventFileFailed)[0].Error, "permission denied")
	assert.Zero(t, handlerRuns.Load(), "handler must not run when staging fails")
	assert.Equal(t, uint64(1), eng.Stats().FilesFailed)
}

func TestEngineStopWaitsForEpisode(t *testing.T) {
	mem := seedIncoming(t, "scan.pdf", []byte("x"))
	release := make(chan struct{})
	blocking := func(ctx context.Context, f FileInfo) (string, error) {
		<-release
		return "", nil
	}
	eng, sink := newTestEngine(t, mem, blocking, nil)

	require.NoError(t, eng.Start(context.Background()))
	require.Eventually(t, func() bool {
		return eng.Status().State == StateProcessing
	}, 5*time.Second, 2*time.Millisecond)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	eng.Stop()

	// The in-flight episode ran to completion before the loop exited.
	_, err := mem.Stat(context.Background(), "success/scan.pdf")
	assert.NoError(t, err)
	events := sink.all()
	require.NotEmpty(t, events)
	assert.Equal(t, EventEngineStopped, events[len(events)-1].Type)
	assert.Equal(t, 1, sink.count(EventFileProcessed))
}

func TestEngineStartFailsWithoutIncomingFolder(t *testing.T) {
	eng, _ := newTestEngine(t, store.NewMemory(), okHandler, func(c *Config) {
		c.AutoCreateFolders = false
	})
	err := eng.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotExist)
	assert.Contains(t, err.Error(), "incoming folder")
}

func TestEngineAutoCreatesFolders(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	eng, _ := newTestEngine(t, mem, okHandler, nil)

	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	for _, dir := range testFolders.all() {
		_, err := mem.Stat(ctx, dir)
		assert.NoError(t, err, "folder %s should exist", dir)
	}
}

func TestEngineSkipsHiddenAndFilteredFiles(t *testing.T) {
	ctx := context.Background()
	mem := seedIncoming(t, "scan.pdf", []byte("x"))
	require.NoError(t, mem.WriteFile(ctx, "incoming/.partial.pdf", []byte("x")))
	require.NoError(t, mem.WriteFile(ctx, "incoming/notes.txt", []byte("x")))
	eng, sink := newTestEngine(t, mem, okHandler, func(c *Config) {
		c.Filter = Filter{Patterns: []string{"*.pdf"}}
	})

	require.NoError(t, eng.Start(ctx))
	defer eng.Stop()

	waitForFile(t, mem, "success/scan.pdf")
	assert.Equal(t, 1, sink.count(EventFileDiscovered))
	_, err := mem.Stat(ctx, "incoming/.partial.pdf")
	assert.NoError(t, err, "hidden files stay put")
	_, err = mem.Stat(ctx, "incoming/notes.txt")
	assert.NoError(t, err, "excluded files stay put")
}

func TestEngineConfigDefaults(t *testing.T) {
	eng, _ := newTestEngine(t, store.NewMemory(), okHandler, func(c *Config) {
		c.Poll = PollPolicy{}
		c.Stability = StabilityPolicy{}
		c.HandlerTimeout = 0
		c.MaxRetries = 0
		c.BackoffBase = 0
		c.HandlerDescription = ""
	})
	assert.Equal(t, 5*time.Second, eng.cfg.Poll.Initial)
	assert.Equal(t, 5*time.Minute, eng.cfg.Poll.Max)
	assert.Equal(t, 2.0, eng.cfg.Poll.BackoffFactor)
	assert.Equal(t, 2, eng.cfg.Stability.RequiredChecks)
	assert.Equal(t, 2*time.Minute, eng.cfg.HandlerTimeout)
	assert.Equal(t, 3, eng.cfg.MaxRetries)
	assert.Equal(t, time.Second, eng.cfg.BackoffBase)
	assert.Equal(t, "custom handler", eng.cfg.HandlerDescription)
}

func TestEngineConfigValidation(t *testing.T) {
	valid := func() Config {
		return Config{
			Name:    "scans",
			Store:   store.NewMemory(),
			Folders: testFolders,
			Handler: okHandler,
			Logger:  zerolog.Nop(),
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing name", func(c *Config) { c.Name = "" }, "name is required"},
		{"missing store", func(c *Config) { c.Store = nil }, "store is required"},
		{"missing handler", func(c *Config) { c.Handler = nil }, "handler is required"},
		{"missing folder", func(c *Config) { c.Folders.Errors = "" }, "errors folder is required"},
		{"duplicate folders", func(c *Config) { c.Folders.Success = c.Folders.Errors }, "same directory"},
		{"negative initial", func(c *Config) { c.Poll.Initial = -time.Second }, "must be positive"},
		{"max below initial", func(c *Config) {
			c.Poll.Initial = 10 * time.Second
			c.Poll.Max = time.Second
		}, "below the initial interval"},
		{"factor too small", func(c *Config) { c.Poll.BackoffFactor = 1.0 }, "greater than 1.0"},
		{"negative checks", func(c *Config) { c.Stability.RequiredChecks = -1 }, "at least 1"},
		{"negative window", func(c *Config) { c.Stability.Window = -time.Second }, "not be negative"},
		{"negative timeout", func(c *Config) { c.HandlerTimeout = -time.Second }, "must be positive"},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "at least 1"},
		{"negative backoff", func(c *Config) { c.BackoffBase = -time.Second }, "must be positive"},
		{"bad filter pattern", func(c *Config) { c.Filter.Patterns = []string{"[oops"} }, "bad pattern"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			_, err := New(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	_, err := New(valid())
	assert.NoError(t, err, "the base config must be valid")
}
