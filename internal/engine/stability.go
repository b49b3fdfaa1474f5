package engine

import (
	"time"
)

// disappearGrace is how long a tracked name may be absent from poll
// snapshots before its record is dropped. Deliberately independent of the
// stability window: a file that vanishes mid-upload and reappears within
// the grace keeps its history.
const disappearGrace = 60 * time.Second

type record struct {
	size        int64
	firstSeen   time.Time
	lastSeen    time.Time
	stableSince time.Time // zero until the check requirement is first met
	checks      int       // consecutive polls at the same size
}

// Tracker decides when a file has stopped growing. It owns no clock and
// does no I/O: every poll hands it a snapshot plus the current time, which
// keeps the transition rules testable in isolation.
//
// A file is stable once it has held the same size for the required number
// of consecutive polls AND the wall-clock window since the requirement was
// first met has elapsed. A size change resets both conditions.
type Tracker struct {
	required int
	window   time.Duration
	records  map[string]*record
}

func NewTracker(requiredChecks int, window time.Duration) *Tracker {
	if requiredChecks < 1 {
		requiredChecks = 1
	}
	if window < 0 {
		window = 0
	}
	return &Tracker{
		required: requiredChecks,
		window:   window,
		records:  make(map[string]*record),
	}
}

// Observe folds one poll snapshot into the tracker and returns the subset
// of files that are stable as of now. Names missing from the snapshot
// longer than the grace period are forgotten.
func (t *Tracker) Observe(files []FileInfo, now time.Time) []FileInfo {
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		seen[f.Name] = struct{}{}
		rec, ok := t.records[f.Name]
		if !ok {
			rec = &record{size: f.Size, firstSeen: now, lastSeen: now, checks: 1}
			if t.required <= 1 {
				rec.stableSince = now
			}
			t.records[f.Name] = rec
			continue
		}
		rec.lastSeen = now
		if f.Size != rec.size {
			rec.size = f.Size
			rec.checks = 1
			rec.stableSince = time.Time{}
			continue
		}
		rec.checks++
		// stableSince is sticky: set exactly once per constant-size run so
		// the wall-clock window is not refreshed by later polls.
		if rec.checks >= t.required && rec.stableSince.IsZero() {
			rec.stableSince = now
		}
	}

	for name, rec := range t.records {
		if _, ok := seen[name]; ok {
			continue
		}
		if now.Sub(rec.lastSeen) > disappearGrace {
			delete(t.records, name)
		}
	}

	var stable []FileInfo
	for _, f := range files {
		if t.stableAt(f.Name, now) {
			stable = append(stable, f)
		}
	}
	return stable
}

func (t *Tracker) stableAt(name string, now time.Time) bool {
	rec, ok := t.records[name]
	if !ok {
		return false
	}
	if rec.stableSince.IsZero() || rec.checks < t.required {
		return false
	}
	return now.Sub(rec.stableSince) >= t.window
}

// Forget drops the record for name, typically when its episode finishes.
// If the same name reappears it starts a fresh stability cycle.
func (t *Tracker) Forget(name string) {
	delete(t.records, name)
}

// Tracked reports how many names currently have records.
func (t *Tracker) Tracked() int {
	return len(t.records)
}
