package journal

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cleverdata/hotfold/internal/engine"
)

// Sink adapts a Journal to the engine's event stream: terminal file events
// become episode entries, everything else is ignored. Write failures are
// logged and dropped; the journal must never stall an engine.
type Sink struct {
	journal Journal
	log     zerolog.Logger
}

func NewSink(j Journal, log zerolog.Logger) *Sink {
	return &Sink{journal: j, log: log}
}

func (s *Sink) Emit(ev engine.Event) {
	var status string
	switch ev.Type {
	case engine.EventFileProcessed:
		status = StatusSuccess
	case engine.EventFileFailed:
		status = StatusFailed
	default:
		return
	}

	entry := Entry{
		ID:         ev.Episode,
		Folder:     ev.Folder,
		File:       ev.File,
		Size:       ev.Size,
		Status:     status,
		Attempts:   ev.Attempts,
		Error:      ev.Error,
		Duration:   ev.Duration,
		FinishedAt: ev.Time,
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.journal.Record(ctx, entry); err != nil {
		s.log.Warn().Err(err).Str("file", ev.File).Msg("journal write failed")
	}
}
