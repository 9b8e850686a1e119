// Package track adapts query-execution lifecycle events into calls on
// the statistics store. A Tracker filters finished executions by
// tracking level, nesting depth and a minimum-duration threshold, then
// forwards the surviving ones to store.Store.
//
// One Tracker represents one session: nesting depth is plain per-value
// state, so a Tracker must not be shared between concurrently executing
// sessions. Trackers are cheap; give each session its own around the
// shared *store.Store.
package track

import (
	"time"

	"github.com/planstore/planstore/norm"
	"github.com/planstore/planstore/store"
)

// Event describes one finished execution.
type Event struct {
	UserID uint64
	DBID   uint64

	// QueryID identifies the normalized query. When zero, it is derived
	// from Query via norm.QueryID; if Query is empty too, the event is
	// dropped.
	QueryID uint64
	Query   string

	// Plan is the long-form JSON explain document of the execution.
	Plan string

	Duration time.Duration
	Rows     int64
	Buffers  store.BufferUsage
}

// Tracker filters lifecycle events and records the surviving ones.
type Tracker struct {
	store       *store.Store
	level       Level
	minDuration time.Duration

	nested   int
	disabled bool
}

// NewTracker wraps the store with the configured filters.
func NewTracker(s *store.Store, cfg Config) *Tracker {
	return &Tracker{
		store:       s,
		level:       cfg.Level(),
		minDuration: cfg.MinDurationThreshold(),
	}
}

// Enter marks the start of a nested statement. Pair with Exit.
func (t *Tracker) Enter() { t.nested++ }

// Exit marks the end of a nested statement.
func (t *Tracker) Exit() {
	if t.nested > 0 {
		t.nested--
	}
}

// Depth returns the current nesting depth.
func (t *Tracker) Depth() int { return t.nested }

// Disable suppresses recording regardless of the tracking level, as
// during utility commands that rebuild this very machinery. It has no
// effect at LevelVerbose.
func (t *Tracker) Disable() {
	if t.level < LevelVerbose {
		t.disabled = true
	}
}

// Enable lifts a previous Disable.
func (t *Tracker) Enable() { t.disabled = false }

// Observe records one finished execution if the filters let it through.
// Best effort: it never fails the execution it observes.
func (t *Tracker) Observe(ev Event) {
	if !t.enabled() {
		return
	}
	if ev.Duration < t.minDuration {
		return
	}
	if ev.Plan == "" {
		return
	}

	queryID := ev.QueryID
	if queryID == 0 {
		if ev.Query == "" {
			return
		}
		queryID = norm.QueryID(ev.Query)
	}

	t.store.Store(ev.Plan, store.Exec{
		UserID:    ev.UserID,
		DBID:      ev.DBID,
		QueryID:   queryID,
		TotalTime: float64(ev.Duration) / float64(time.Millisecond),
		Rows:      ev.Rows,
		Buffers:   ev.Buffers,
	})
}

// enabled applies the level filter: LevelNone records nothing, LevelTop
// records only depth-zero statements, LevelAll and LevelVerbose record
// nested ones too.
func (t *Tracker) enabled() bool {
	if t.disabled {
		return false
	}
	if t.level >= LevelAll {
		return true
	}
	return t.level == LevelTop && t.nested == 0
}
