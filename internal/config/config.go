// Package config defines the agent's file configuration and its
// validation. Durations are Go duration strings and sizes are humanized
// ("512KB", "10 MiB"); both are parsed here so every consumer agrees on
// the rules.
package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
)

// Defaults applied by Normalize when a folder leaves a knob unset.
const (
	DefaultPollInitial     = "5s"
	DefaultPollMax         = "5m"
	DefaultBackoffFactor   = 2.0
	DefaultStabilityChecks = 2
	DefaultStabilityWindow = "10s"
	DefaultHandlerTimeout  = "2m"
	DefaultMaxRetries      = 3
	DefaultBackoffBase     = "1s"
)

type Config struct {
	LogLevel    string       `mapstructure:"log_level"`
	DataDir     string       `mapstructure:"data_dir"`
	Admin       Admin        `mapstructure:"admin"`
	Telemetry   Telemetry    `mapstructure:"telemetry"`
	Connections []Connection `mapstructure:"connections"`
	Folders     []HotFolder  `mapstructure:"folders"`
}

type Admin struct {
	Listen string `mapstructure:"listen"` // empty disables the admin API
}

type Telemetry struct {
	WebhookURL string `mapstructure:"webhook_url"`
	Token      string `mapstructure:"token"`
	Heartbeat  string `mapstructure:"heartbeat"`   // interval; empty disables
	JournalDSN string `mapstructure:"journal_dsn"` // sqlite path or postgres://; empty uses the default under data_dir
}

// Connection is a named, reusable way to reach a store. The omitempty
// options keep written config files down to the keys actually set.
type Connection struct {
	Name       string `mapstructure:"name,omitempty"`
	URL        string `mapstructure:"url,omitempty"`
	Username   string `mapstructure:"username,omitempty"`
	Password   string `mapstructure:"password,omitempty"`
	KnownHosts string `mapstructure:"known_hosts,omitempty"`
}

// HotFolder configures one engine. Exactly one of Connection (a name from
// the connections list) or URL must be set.
type HotFolder struct {
	Name       string `mapstructure:"name,omitempty"`
	Connection string `mapstructure:"connection,omitempty"`
	URL        string `mapstructure:"url,omitempty"`
	Username   string `mapstructure:"username,omitempty"`
	Password   string `mapstructure:"password,omitempty"`
	KnownHosts string `mapstructure:"known_hosts,omitempty"`

	Incoming   string `mapstructure:"incoming,omitempty"`
	Processing string `mapstructure:"processing,omitempty"`
	Success    string `mapstructure:"success,omitempty"`
	Errors     string `mapstructure:"errors,omitempty"`

	PollInitial   string  `mapstructure:"poll_initial,omitempty"`
	PollMax       string  `mapstructure:"poll_max,omitempty"`
	BackoffFactor float64 `mapstructure:"backoff_factor,omitempty"`

	Patterns  []string `mapstructure:"patterns,omitempty"`
	Exclude   []string `mapstructure:"exclude,omitempty"`
	MinSize   string   `mapstructure:"min_size,omitempty"`
	MaxSize   string   `mapstructure:"max_size,omitempty"`
	MimeTypes []string `mapstructure:"mime_types,omitempty"`

	StabilityChecks int    `mapstructure:"stability_checks,omitempty"`
	StabilityWindow string `mapstructure:"stability_window,omitempty"`

	Handler        Handler `mapstructure:"handler,omitempty"`
	HandlerTimeout string  `mapstructure:"handler_timeout,omitempty"`
	MaxRetries     int     `mapstructure:"max_retries,omitempty"`
	BackoffBase    string  `mapstructure:"backoff_base,omitempty"`

	NoAutoCreate    bool `mapstructure:"no_auto_create,omitempty"`
	NoReports       bool `mapstructure:"no_reports,omitempty"`
	DisableFsnotify bool `mapstructure:"disable_fsnotify,omitempty"` // local stores only: skip change hints
}

// Handler names a registered capability and its arguments. The registry
// itself lives elsewhere; config only carries the description.
type Handler struct {
	Type string            `mapstructure:"type,omitempty"`
	Args map[string]string `mapstructure:"args,omitempty"`
}

// Normalize fills defaults in place. Call it before Validate.
func (c *Config) Normalize() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	for i := range c.Folders {
		f := &c.Folders[i]
		if f.Incoming == "" {
			f.Incoming = "incoming"
		}
		if f.Processing == "" {
			f.Processing = "processing"
		}
		if f.Success == "" {
			f.Success = "success"
		}
		if f.Errors == "" {
			f.Errors = "errors"
		}
		if f.PollInitial == "" {
			f.PollInitial = DefaultPollInitial
		}
		if f.PollMax == "" {
			f.PollMax = DefaultPollMax
		}
		if f.BackoffFactor == 0 {
			f.BackoffFactor = DefaultBackoffFactor
		}
		if f.StabilityChecks == 0 {
			f.StabilityChecks = DefaultStabilityChecks
		}
		if f.StabilityWindow == "" {
			f.StabilityWindow = DefaultStabilityWindow
		}
		if f.HandlerTimeout == "" {
			f.HandlerTimeout = DefaultHandlerTimeout
		}
		if f.MaxRetries == 0 {
			f.MaxRetries = DefaultMaxRetries
		}
		if f.BackoffBase == "" {
			f.BackoffBase = DefaultBackoffBase
		}
	}
}

func (c *Config) Validate() error {
	conns := make(map[string]struct{}, len(c.Connections))
	for _, conn := range c.Connections {
		if conn.Name == "" {
			return errors.New("config: connection without a name")
		}
		if _, dup := conns[conn.Name]; dup {
			return fmt.Errorf("config: duplicate connection %q", conn.Name)
		}
		if conn.URL == "" {
			return fmt.Errorf("config: connection %q has no url", conn.Name)
		}
		conns[conn.Name] = struct{}{}
	}

	if len(c.Folders) == 0 {
		return errors.New("config: no folders configured")
	}
	seen := make(map[string]struct{}, len(c.Folders))
	for i := range c.Folders {
		f := &c.Folders[i]
		if f.Name == "" {
			return fmt.Errorf("config: folder #%d has no name", i+1)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("config: duplicate folder %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		if err := f.validate(conns); err != nil {
			return fmt.Errorf("config: folder %q: %w", f.Name, err)
		}
	}

	if c.Telemetry.Heartbeat != "" {
		if _, err := time.ParseDuration(c.Telemetry.Heartbeat); err != nil {
			return fmt.Errorf("config: telemetry heartbeat: %w", err)
		}
		if c.Telemetry.WebhookURL == "" {
			return errors.New("config: telemetry heartbeat needs a webhook_url")
		}
	}
	return nil
}

func (f *HotFolder) validate(conns map[string]struct{}) error {
	// Exactly one way to reach the store.
	switch {
	case f.Connection != "" && f.URL != "":
		return errors.New("set either connection or url, not both")
	case f.Connection == "" && f.URL == "":
		return errors.New("one of connection or url is required")
	case f.Connection != "":
		if _, ok := conns[f.Connection]; !ok {
			return fmt.Errorf("unknown connection %q", f.Connection)
		}
	default:
		u, err := url.Parse(f.URL)
		if err != nil {
			return fmt.Errorf("bad url: %w", err)
		}
		if u.Scheme == "sftp" && (f.Username == "" || f.Password == "") {
			return errors.New("an sftp url needs username and password")
		}
	}

	roles := []struct {
		role string
		dir  string
	}{
		{"incoming", f.Incoming},
		{"processing", f.Processing},
		{"success", f.Success},
		{"errors", f.Errors},
	}
	dirs := make(map[string]string, len(roles))
	for _, r := range roles {
		if r.dir == "" {
			return fmt.Errorf("%s folder is required", r.role)
		}
		clean := path.Clean(r.dir)
		if other, dup := dirs[clean]; dup {
			return fmt.Errorf("%s and %s folders point at the same directory %q", other, r.role, r.dir)
		}
		dirs[clean] = r.role
	}

	initial, err := time.ParseDuration(f.PollInitial)
	if err != nil {
		return fmt.Errorf("poll_initial: %w", err)
	}
	if initial <= 0 {
		return errors.New("poll_initial must be positive")
	}
	max, err := time.ParseDuration(f.PollMax)
	if err != nil {
		return fmt.Errorf("poll_max: %w", err)
	}
	if max < initial {
		return fmt.Errorf("poll_max %s is below poll_initial %s", max, initial)
	}
	if f.BackoffFactor <= 1.0 {
		return errors.New("backoff_factor must be greater than 1.0")
	}

	if f.StabilityChecks < 1 {
		return errors.New("stability_checks must be at least 1")
	}
	if w, err := time.ParseDuration(f.StabilityWindow); err != nil {
		return fmt.Errorf("stability_window: %w", err)
	} else if w < 0 {
		return errors.New("stability_window must not be negative")
	}

	for _, p := range append(append([]string{}, f.Patterns...), f.Exclude...) {
		if _, err := path.Match(p, "probe"); err != nil {
			return fmt.Errorf("bad pattern %q: %w", p, err)
		}
	}
	min, err := SizeBytes(f.MinSize)
	if err != nil {
		return fmt.Errorf("min_size: %w", err)
	}
	maxSize, err := SizeBytes(f.MaxSize)
	if err != nil {
		return fmt.Errorf("max_size: %w", err)
	}
	if maxSize > 0 && min > maxSize {
		return errors.New("min_size exceeds max_size")
	}

	if f.Handler.Type == "" {
		return errors.New("handler type is required")
	}
	if t, err := time.ParseDuration(f.HandlerTimeout); err != nil {
		return fmt.Errorf("handler_timeout: %w", err)
	} else if t <= 0 {
		return errors.New("handler_timeout must be positive")
	}
	if f.MaxRetries < 1 {
		return errors.New("max_retries must be at least 1")
	}
	if b, err := time.ParseDuration(f.BackoffBase); err != nil {
		return fmt.Errorf("backoff_base: %w", err)
	} else if b <= 0 {
		return errors.New("backoff_base must be positive")
	}
	return nil
}

// StoreConnection resolves the folder's connection: the named entry from
// the connections list, or the inline url.
func (c *Config) StoreConnection(f HotFolder) (Connection, error) {
	if f.Connection != "" {
		for _, conn := range c.Connections {
			if conn.Name == f.Connection {
				return conn, nil
			}
		}
		return Connection{}, fmt.Errorf("config: unknown connection %q", f.Connection)
	}
	return Connection{
		URL:        f.URL,
		Username:   f.Username,
		Password:   f.Password,
		KnownHosts: f.KnownHosts,
	}, nil
}

// Duration parses s, falling back to def when s is empty or malformed.
// Validation has already rejected malformed values in loaded configs.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// SizeBytes parses a humanized size. Empty means zero (unset).
func SizeBytes(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q is out of range", s)
	}
	return int64(n), nil
}

// DefaultDataDir is where the journal lives when data_dir is not set.
func DefaultDataDir() string {
	if os.Getenv("OS") == "Windows_NT" {
		return filepath.Join(os.Getenv("ProgramData"), "CleverData", "Hotfold")
	}
	return "/var/lib/hotfold"
}
