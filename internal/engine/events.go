package engine

import (
	"time"

	"github.com/rs/zerolog"
)

type EventType string

const (
	EventEngineStarted  EventType = "engine_started"
	EventEngineStopped  EventType = "engine_stopped"
	EventFileDiscovered EventType = "file_discovered"
	EventFileProcessed  EventType = "file_processed"
	EventFileFailed     EventType = "file_failed"
	EventPollCompleted  EventType = "poll_completed"
	EventPollFailed     EventType = "poll_failed"
)

// Event is the engine's lifecycle notification. Fields are populated per
// type: poll events carry counts and the next interval, file events carry
// the file, the episode id, and the outcome.
type Event struct {
	Type     EventType     `json:"type"`
	Folder   string        `json:"folder"`
	Time     time.Time     `json:"time"`
	Episode  string        `json:"episode,omitempty"`
	File     string        `json:"file,omitempty"`
	Size     int64         `json:"size,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Error    string        `json:"error,omitempty"`
	Files    int           `json:"files,omitempty"`    // files in the filtered snapshot
	Interval time.Duration `json:"interval,omitempty"` // delay until the next poll
}

// Sink receives engine events. Emit must not block for long: it is called
// from the engine's control loop.
type Sink interface {
	Emit(Event)
}

// MultiSink fans an event out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}

type logSink struct {
	log zerolog.Logger
}

// NewLogSink returns a sink that writes every event through the given
// logger. Failures log at warn, everything else at info.
func NewLogSink(log zerolog.Logger) Sink {
	return &logSink{log: log}
}

func (s *logSink) Emit(ev Event) {
	var e *zerolog.Event
	switch ev.Type {
	case EventFileFailed, EventPollFailed:
		e = s.log.Warn()
	case EventPollCompleted:
		e = s.log.Debug()
	default:
		e = s.log.Info()
	}
	e = e.Str("event", string(ev.Type)).Str("folder", ev.Folder)
	if ev.File != "" {
		e = e.Str("file", ev.File).Int64("size", ev.Size)
	}
	if ev.Episode != "" {
		e = e.Str("episode", ev.Episode)
	}
	if ev.Attempts > 0 {
		e = e.Int("attempts", ev.Attempts)
	}
	if ev.Duration > 0 {
		e = e.Dur("duration", ev.Duration)
	}
	if ev.Interval > 0 {
		e = e.Dur("interval", ev.Interval)
	}
	if ev.Error != "" {
		e = e.Str("error", ev.Error)
	}
	if ev.Detail != "" {
		e = e.Str("detail", ev.Detail)
	}
	e.Msg("")
}
