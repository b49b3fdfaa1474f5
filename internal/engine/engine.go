// Package engine implements the hot-folder workflow: an adaptive poll loop
// that discovers stable files in an incoming directory, claims at most one
// per poll, and routes it through processing into success or errors while
// a handler runs under a retry policy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cleverdata/hotfold/internal/store"
)

// FileInfo identifies a file on the store. Path is the slash-separated
// store path including the workflow folder the file currently sits in.
type FileInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// HandlerFunc is the per-file workload. It runs against the staged copy in
// the processing folder and must honor ctx: each attempt gets a hard
// deadline, and a handler that ignores cancellation is abandoned. The
// returned string is an optional human-readable result for events and
// logs.
type HandlerFunc func(ctx context.Context, file FileInfo) (string, error)

type State string

const (
	StateStarting   State = "starting"
	StatePolling    State = "polling"
	StateProcessing State = "processing"
	StateError      State = "error"
	StateStopped    State = "stopped"
)

// Status is the engine's externally visible condition.
type Status struct {
	State State  `json:"state"`
	File  string `json:"file,omitempty"`
}

// Stats is a point-in-time counters snapshot.
type Stats struct {
	Folder         string        `json:"folder"`
	State          State         `json:"state"`
	File           string        `json:"file,omitempty"`
	FilesProcessed uint64        `json:"files_processed"`
	FilesFailed    uint64        `json:"files_failed"`
	Uptime         time.Duration `json:"uptime"`
	LastPoll       time.Time     `json:"last_poll"`
	PollInterval   time.Duration `json:"poll_interval"`
}

// PollPolicy shapes the adaptive poll interval: start at Initial, multiply
// by BackoffFactor on every empty or failed poll up to Max, and snap back
// to Initial whenever a candidate is found.
type PollPolicy struct {
	Initial       time.Duration
	Max           time.Duration
	BackoffFactor float64
}

// StabilityPolicy tunes the tracker: a file must hold its size for
// RequiredChecks consecutive polls and then stay put for Window.
type StabilityPolicy struct {
	RequiredChecks int
	Window         time.Duration
}

// Config wires one engine. Zero values get sensible defaults where noted;
// everything else is validated by New.
type Config struct {
	Name      string
	Store     store.Store
	Folders   Folders
	Poll      PollPolicy // defaults: 5s initial, 5m max, factor 2.0
	Filter    Filter
	Stability StabilityPolicy // defaults: 2 checks, no extra window

	Handler            HandlerFunc
	HandlerDescription string
	HandlerTimeout     time.Duration // per attempt, default 2m
	MaxRetries         int           // total attempts, default 3
	BackoffBase        time.Duration // default 1s

	AutoCreateFolders bool
	WriteReports      bool

	Logger zerolog.Logger // use zerolog.Nop() to silence
	Sink   Sink           // nil falls back to a log sink
}

func (c *Config) applyDefaults() {
	if c.Poll.Initial == 0 {
		c.Poll.Initial = 5 * time.Second
	}
	if c.Poll.Max == 0 {
		c.Poll.Max = 5 * time.Minute
	}
	if c.Poll.BackoffFactor == 0 {
		c.Poll.BackoffFactor = 2.0
	}
	if c.Stability.RequiredChecks == 0 {
		c.Stability.RequiredChecks = 2
	}
	if c.HandlerTimeout == 0 {
		c.HandlerTimeout = 2 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = time.Second
	}
	if c.HandlerDescription == "" {
		c.HandlerDescription = "custom handler"
	}
}

func (c *Config) validate() error {
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Handler == nil {
		return errors.New("handler is required")
	}
	roles := []struct {
		role string
		dir  string
	}{
		{"incoming", c.Folders.Incoming},
		{"processing", c.Folders.Processing},
		{"success", c.Folders.Success},
		{"errors", c.Folders.Errors},
	}
	seen := make(map[string]string, len(roles))
	for _, r := range roles {
		if r.dir == "" {
			return fmt.Errorf("%s folder is required", r.role)
		}
		if other, dup := seen[path.Clean(r.dir)]; dup {
			return fmt.Errorf("%s and %s folders point at the same directory %q", other, r.role, r.dir)
		}
		seen[path.Clean(r.dir)] = r.role
	}
	if c.Poll.Initial <= 0 {
		return errors.New("poll initial interval must be positive")
	}
	if c.Poll.Max < c.Poll.Initial {
		return fmt.Errorf("poll max %s is below the initial interval %s", c.Poll.Max, c.Poll.Initial)
	}
	if c.Poll.BackoffFactor <= 1.0 {
		return errors.New("poll backoff factor must be greater than 1.0")
	}
	if c.Stability.RequiredChecks < 1 {
		return errors.New("stability checks must be at least 1")
	}
	if c.Stability.Window < 0 {
		return errors.New("stability window must not be negative")
	}
	if c.HandlerTimeout <= 0 {
		return errors.New("handler timeout must be positive")
	}
	if c.MaxRetries < 1 {
		return errors.New("max retries must be at least 1")
	}
	if c.BackoffBase <= 0 {
		return errors.New("backoff base must be positive")
	}
	return c.Filter.Validate()
}

var (
	// ErrBusy rejects PollNow while a poll or an episode is in flight.
	ErrBusy = errors.New("engine is busy")
	// ErrStopped rejects PollNow after the engine has shut down.
	ErrStopped = errors.New("engine is stopped")
)

// Engine runs one hot folder. All polling and processing happens on a
// single control goroutine, so at most one file is ever in flight per
// engine; run several engines for several folders.
type Engine struct {
	cfg     Config
	log     zerolog.Logger
	sink    Sink
	tracker *Tracker
	retrier Retrier
	router  *Router

	pollReq chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc

	mu        sync.Mutex
	state     State
	current   string
	processed uint64
	failed    uint64
	startedAt time.Time
	lastPoll  time.Time
	interval  time.Duration

	// Loop-goroutine state, never touched elsewhere.
	claimed map[string]struct{}
	episode string
}

func New(cfg Config) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("folder", cfg.Name).Logger(),
		tracker:  NewTracker(cfg.Stability.RequiredChecks, cfg.Stability.Window),
		retrier:  Retrier{Timeout: cfg.HandlerTimeout, MaxRetries: cfg.MaxRetries, BackoffBase: cfg.BackoffBase},
		pollReq:  make(chan struct{}),
		done:     make(chan struct{}),
		state:    StateStarting,
		interval: cfg.Poll.Initial,
		claimed:  make(map[string]struct{}),
	}
	e.router = NewRouter(cfg.Store, cfg.Folders, e.log, cfg.WriteReports)
	e.sink = cfg.Sink
	if e.sink == nil {
		e.sink = NewLogSink(e.log)
	}
	return e, nil
}

func (e *Engine) Name() string { return e.cfg.Name }

// Start validates the store connection, optionally pre-creates the
// workflow folders, and launches the control loop. Call it at most once.
// Cancelling ctx is equivalent to Stop, except that Stop also waits for
// the loop to wind down.
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.AutoCreateFolders {
		for _, dir := range e.cfg.Folders.all() {
			if err := e.cfg.Store.Mkdir(ctx, dir); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
				return fmt.Errorf("create folder %q: %w", dir, err)
			}
		}
	}
	// Fail fast on a dead connection or a missing incoming folder instead
	// of spinning on poll errors from the first tick.
	if _, err := e.cfg.Store.ListDir(ctx, e.cfg.Folders.Incoming); err != nil {
		return fmt.Errorf("incoming folder not listable: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Lock()
	e.startedAt = time.Now()
	e.state = StatePolling
	e.mu.Unlock()
	e.emit(Event{Type: EventEngineStarted})
	go e.loop(runCtx)
	return nil
}

// Stop shuts the engine down and blocks until the loop has exited. An
// episode already in flight is allowed to finish first.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
}

// PollNow asks the loop to poll immediately instead of waiting out the
// current interval. Only an idle engine accepts: while a poll or an
// episode is running this returns ErrBusy.
func (e *Engine) PollNow() error {
	select {
	case e.pollReq <- struct{}{}:
		return nil
	case <-e.done:
		return ErrStopped
	default:
		return ErrBusy
	}
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{State: e.state, File: e.current}
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{
		Folder:         e.cfg.Name,
		State:          e.state,
		File:           e.current,
		FilesProcessed: e.processed,
		FilesFailed:    e.failed,
		LastPoll:       e.lastPoll,
		PollInterval:   e.interval,
	}
	if !e.startedAt.IsZero() {
		st.Uptime = time.Since(e.startedAt)
	}
	return st
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.done)
	timer := time.NewTimer(0) // first poll fires immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.setState(StateStopped, "")
			e.emit(Event{Type: EventEngineStopped})
			return
		case <-timer.C:
		case <-e.pollReq:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		file, ok := e.poll(ctx)
		// Re-arm before processing: a long episode should not push the
		// next poll further out than the schedule already says.
		timer.Reset(e.currentInterval())
		if ok {
			e.process(ctx, file)
		}
	}
}

// poll lists incoming, filters and stat-checks the entries, feeds the
// snapshot to the stability tracker, and claims at most one stable,
// unclaimed file.
func (e *Engine) poll(ctx context.Context) (FileInfo, bool) {
	now := time.Now()
	e.mu.Lock()
	e.state = StatePolling
	e.current = ""
	e.lastPoll = now
	e.mu.Unlock()

	entries, err := e.cfg.Store.ListDir(ctx, e.cfg.Folders.Incoming)
	if err != nil {
		e.setState(StateError, "")
		next := e.backoff()
		e.log.Warn().Err(err).Dur("retry_in", next).Msg("listing incoming folder failed")
		e.emit(Event{Type: EventPollFailed, Error: err.Error(), Interval: next})
		return FileInfo{}, false
	}

	snapshot := e.snapshot(ctx, entries)
	stable := e.tracker.Observe(snapshot, now)

	var file FileInfo
	found := false
	for _, f := range stable {
		if _, claimed := e.claimed[f.Name]; !claimed {
			file, found = f, true
			break
		}
	}

	if !found {
		next := e.backoff()
		e.emit(Event{Type: EventPollCompleted, Files: len(snapshot), Interval: next})
		return FileInfo{}, false
	}

	e.claimed[file.Name] = struct{}{}
	e.episode = uuid.NewString()
	next := e.resetInterval()
	e.emit(Event{Type: EventPollCompleted, Files: len(snapshot), Interval: next})
	e.emit(Event{Type: EventFileDiscovered, Episode: e.episode, File: file.Name, Size: file.Size})
	return file, true
}

// snapshot turns a directory listing into the filtered FileInfo set for
// this poll. Plain files only; hidden files are never picked up.
func (e *Engine) snapshot(ctx context.Context, entries []store.Entry) []FileInfo {
	snap := make([]FileInfo, 0, len(entries))
	for _, ent := range entries {
		if ent.Kind != store.KindFile {
			continue
		}
		if strings.HasPrefix(ent.Name, ".") {
			continue
		}
		if !e.cfg.Filter.MatchName(ent.Name) {
			continue
		}
		p := path.Join(e.cfg.Folders.Incoming, ent.Name)
		info, err := e.cfg.Store.Stat(ctx, p)
		if err != nil {
			// Listed but gone before the stat. If it still exists it will
			// show up again next poll.
			e.log.Debug().Err(err).Str("file", ent.Name).Msg("stat after list failed")
			continue
		}
		if !e.cfg.Filter.MatchSize(info.Size) {
			continue
		}
		snap = append(snap, FileInfo{Name: ent.Name, Path: p, Size: info.Size})
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].Name < snap[j].Name })
	return snap
}

// process runs one episode: stage, execute under retry, finalize. The
// claim is released when the episode reaches a terminal move; a failed
// stage keeps it so a broken destination is not hammered on every poll.
func (e *Engine) process(ctx context.Context, file FileInfo) {
	e.setState(StateProcessing, file.Name)
	defer e.setState(StatePolling, "")

	// Shutdown must not preempt a running episode: everything below runs
	// on a context detached from the loop's cancellation.
	epCtx := context.WithoutCancel(ctx)
	episode := e.episode
	start := time.Now()
	log := e.log.With().Str("file", file.Name).Str("episode", episode).Logger()

	staged, err := e.router.Stage(epCtx, file)
	if err != nil {
		// Usually connectivity or permissions, which retrying the handler
		// cannot fix. The file stays in incoming and stays claimed until
		// an operator or a restart intervenes.
		log.Error().Err(err).Msg("stage move failed, file needs attention")
		e.bumpFailed()
		e.emit(Event{Type: EventFileFailed, Episode: episode, File: file.Name, Size: file.Size,
			Duration: time.Since(start), Error: err.Error()})
		return
	}

	result, state, err := e.retrier.Execute(epCtx, e.cfg.Handler, staged)
	if err == nil {
		if mvErr := e.router.FinalizeSuccess(epCtx, staged); mvErr != nil {
			log.Error().Err(mvErr).Msg("move to success folder failed, file needs attention")
			e.bumpFailed()
			e.emit(Event{Type: EventFileFailed, Episode: episode, File: file.Name, Size: file.Size,
				Attempts: state.Attempt, Duration: time.Since(start), Error: mvErr.Error()})
		} else {
			e.bumpProcessed()
			log.Info().Int("attempts", state.Attempt).Dur("took", time.Since(start)).Msg("file processed")
			e.emit(Event{Type: EventFileProcessed, Episode: episode, File: file.Name, Size: file.Size,
				Attempts: state.Attempt, Duration: time.Since(start), Detail: result})
		}
		e.release(file.Name)
		return
	}

	log.Warn().Err(err).Int("attempts", state.Attempt).Msg("handler exhausted retries")
	var report []byte
	if e.cfg.WriteReports {
		report = renderReport(staged, state, e.cfg.HandlerDescription, time.Now())
	}
	if mvErr := e.router.FinalizeFailure(epCtx, staged, report); mvErr != nil {
		log.Error().Err(mvErr).Msg("move to errors folder failed, file needs attention")
	}
	e.bumpFailed()
	e.emit(Event{Type: EventFileFailed, Episode: episode, File: file.Name, Size: file.Size,
		Attempts: state.Attempt, Duration: time.Since(start), Error: err.Error()})
	e.release(file.Name)
}

func (e *Engine) release(name string) {
	delete(e.claimed, name)
	e.tracker.Forget(name)
}

func (e *Engine) setState(s State, file string) {
	e.mu.Lock()
	e.state = s
	e.current = file
	e.mu.Unlock()
}

func (e *Engine) bumpProcessed() {
	e.mu.Lock()
	e.processed++
	e.mu.Unlock()
}

func (e *Engine) bumpFailed() {
	e.mu.Lock()
	e.failed++
	e.mu.Unlock()
}

func (e *Engine) currentInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

// backoff stretches the poll interval by the configured factor, capped at
// the policy max, and returns the new value.
func (e *Engine) backoff() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := time.Duration(float64(e.interval) * e.cfg.Poll.BackoffFactor)
	if next > e.cfg.Poll.Max {
		next = e.cfg.Poll.Max
	}
	e.interval = next
	return next
}

func (e *Engine) resetInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.interval = e.cfg.Poll.Initial
	return e.interval
}

func (e *Engine) emit(ev Event) {
	ev.Folder = e.cfg.Name
	ev.Time = time.Now()
	e.sink.Emit(ev)
}
