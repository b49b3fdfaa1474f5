// Copyright 2026 CleverData
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/kardianos/service"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cleverdata/hotfold/internal/api"
	"github.com/cleverdata/hotfold/internal/config"
	"github.com/cleverdata/hotfold/internal/engine"
	"github.com/cleverdata/hotfold/internal/handler"
	"github.com/cleverdata/hotfold/internal/journal"
	"github.com/cleverdata/hotfold/internal/notify"
	"github.com/cleverdata/hotfold/internal/store"
)

// The service wrapper needs a handle on the running agent so the SCM can
// ask it to stop.
var (
	agentMu   sync.Mutex
	agentStop context.CancelFunc
	agentDone chan struct{}
)

// RunAgent is the entry point for the long-running process.
func RunAgent() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel)
	if service.Interactive() {
		log.Info().Str("version", Version).Msg("hotfold agent starting")
	} else {
		log.Info().Str("version", Version).Msg("hotfold agent starting as service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	done := make(chan struct{})
	defer close(done)

	agentMu.Lock()
	agentStop = stop
	agentDone = done
	agentMu.Unlock()

	runAgent(ctx, cfg, log)
}

func runAgent(ctx context.Context, cfg *config.Config, log zerolog.Logger) {
	sink, closeSinks := buildSinks(cfg, log)
	defer closeSinks()

	engines := make(map[string]*engine.Engine, len(cfg.Folders))
	var stores []store.Store
	for _, f := range cfg.Folders {
		conn, err := cfg.StoreConnection(f)
		if err != nil {
			log.Fatal().Err(err).Str("folder", f.Name).Msg("connection lookup failed")
		}
		st, err := store.Dial(store.Connection{
			URL:        conn.URL,
			Username:   conn.Username,
			Password:   conn.Password,
			KnownHosts: conn.KnownHosts,
		})
		if err != nil {
			log.Fatal().Err(err).Str("folder", f.Name).Msg("store connection failed")
		}
		stores = append(stores, st)

		eng, err := buildEngine(f, st, sink, log)
		if err != nil {
			log.Fatal().Err(err).Str("folder", f.Name).Msg("engine setup failed")
		}
		if err := eng.Start(ctx); err != nil {
			log.Fatal().Err(err).Str("folder", f.Name).Msg("engine start failed")
		}
		engines[f.Name] = eng

		if !f.DisableFsnotify {
			if n, ok := st.(store.Notifier); ok {
				hints, err := n.Notify(ctx, f.Incoming)
				if err != nil {
					log.Warn().Err(err).Str("folder", f.Name).Msg("change hints unavailable, polling only")
				} else {
					go hintLoop(ctx, eng, hints)
				}
			}
		}
	}

	if cfg.Admin.Listen != "" {
		apiLog := log.With().Str("component", "api").Logger()
		srv := &http.Server{Addr: cfg.Admin.Listen, Handler: api.New(engines, apiLog).Router()}
		go func() {
			log.Info().Str("listen", cfg.Admin.Listen).Msg("admin api listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("admin api failed")
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutCtx)
		}()
	}

	if cfg.Telemetry.Heartbeat != "" && cfg.Telemetry.WebhookURL != "" {
		interval := config.Duration(cfg.Telemetry.Heartbeat, time.Minute)
		statsFn := func() []engine.Stats {
			out := make([]engine.Stats, 0, len(engines))
			for _, e := range engines {
				out = append(out, e.Stats())
			}
			sort.Slice(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })
			return out
		}
		hbLog := log.With().Str("component", "notify").Logger()
		go notify.Heartbeat(ctx, cfg.Telemetry.WebhookURL, cfg.Telemetry.Token, interval, statsFn, hbLog)
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	for _, eng := range engines {
		eng.Stop()
	}
	for _, st := range stores {
		st.Close()
	}
	log.Info().Msg("hotfold agent stopped")
}

// hintLoop nudges the engine whenever the store reports activity in the
// incoming folder. A busy engine ignores the nudge; the scheduled poll
// still stands.
func hintLoop(ctx context.Context, eng *engine.Engine, hints <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-hints:
			if !ok {
				return
			}
			_ = eng.PollNow()
		}
	}
}

func loadConfig() (*config.Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config not found or invalid: %w", err)
	}
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, f := range cfg.Folders {
		if err := handler.Validate(handler.Spec{Type: f.Handler.Type, Args: f.Handler.Args}); err != nil {
			return nil, fmt.Errorf("folder %q: %w", f.Name, err)
		}
	}
	return &cfg, nil
}

// newLogger writes human-readable output on a terminal and JSON lines when
// running under a service manager.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if service.Interactive() {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// buildSinks assembles the event fan-out: logging always, the journal
// unless it cannot be opened, and the webhook when configured. An explicit
// journal_dsn that fails to open is fatal; the implicit default under
// data_dir only warns.
func buildSinks(cfg *config.Config, log zerolog.Logger) (engine.Sink, func()) {
	sinks := engine.MultiSink{engine.NewLogSink(log)}
	var closers []func()

	dsn, explicit := journalDSN()
	jnl, err := journal.Open(dsn)
	switch {
	case err == nil:
		sinks = append(sinks, journal.NewSink(jnl, log.With().Str("component", "journal").Logger()))
		closers = append(closers, func() { _ = jnl.Close() })
	case explicit:
		log.Fatal().Err(err).Str("dsn", dsn).Msg("journal unavailable")
	default:
		log.Warn().Err(err).Str("dsn", dsn).Msg("journal disabled")
	}

	if cfg.Telemetry.WebhookURL != "" {
		hook := notify.NewWebhook(cfg.Telemetry.WebhookURL, cfg.Telemetry.Token, log.With().Str("component", "notify").Logger())
		sinks = append(sinks, hook)
		closers = append(closers, hook.Close)
	}

	return sinks, func() {
		for _, c := range closers {
			c()
		}
	}
}

func buildEngine(f config.HotFolder, st store.Store, sink engine.Sink, log zerolog.Logger) (*engine.Engine, error) {
	fn, desc, err := handler.Resolve(handler.Spec{Type: f.Handler.Type, Args: f.Handler.Args}, st)
	if err != nil {
		return nil, err
	}
	// Sizes were validated when the config loaded.
	minSize, _ := config.SizeBytes(f.MinSize)
	maxSize, _ := config.SizeBytes(f.MaxSize)

	return engine.New(engine.Config{
		Name:  f.Name,
		Store: st,
		Folders: engine.Folders{
			Incoming:   f.Incoming,
			Processing: f.Processing,
			Success:    f.Success,
			Errors:     f.Errors,
		},
		Poll: engine.PollPolicy{
			Initial:       config.Duration(f.PollInitial, 5*time.Second),
			Max:           config.Duration(f.PollMax, 5*time.Minute),
			BackoffFactor: f.BackoffFactor,
		},
		Filter: engine.Filter{
			Patterns:  f.Patterns,
			Exclude:   f.Exclude,
			MinSize:   minSize,
			MaxSize:   maxSize,
			MIMETypes: f.MimeTypes,
		},
		Stability: engine.StabilityPolicy{
			RequiredChecks: f.StabilityChecks,
			Window:         config.Duration(f.StabilityWindow, 10*time.Second),
		},
		Handler:            fn,
		HandlerDescription: desc,
		HandlerTimeout:     config.Duration(f.HandlerTimeout, 2*time.Minute),
		MaxRetries:         f.MaxRetries,
		BackoffBase:        config.Duration(f.BackoffBase, time.Second),
		AutoCreateFolders:  !f.NoAutoCreate,
		WriteReports:       !f.NoReports,
		Logger:             log.With().Str("component", "engine").Logger(),
		Sink:               sink,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent in the foreground (Internal Use)",
	Long:  `Runs the agent process directly. Usually invoked by the system service manager.`,
	Run: func(cmd *cobra.Command, args []string) {
		if service.Interactive() {
			RunAgent()
		} else {
			// When running as a service, we MUST call s.Run() to check-in with the SCM
			s, err := getService(viper.ConfigFileUsed())
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to initialize service: %v\n", err)
				os.Exit(1)
			}
			s.Run()
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
