package track

import (
	"testing"
	"time"

	"github.com/planstore/planstore/norm"
	"github.com/planstore/planstore/store"
)

const testPlan = `{"Plan": {"Node Type": "Seq Scan", "Relation Name": "t1", "Alias": "t1"}}`

func newTracked(t *testing.T, cfg Config) (*Tracker, *store.Store) {
	t.Helper()
	s, err := store.New(store.Options{Capacity: 64})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewTracker(s, cfg), s
}

func event(queryID uint64, d time.Duration) Event {
	return Event{
		UserID:   10,
		DBID:     1,
		QueryID:  queryID,
		Plan:     testPlan,
		Duration: d,
		Rows:     1,
	}
}

func rowCount(s *store.Store) int {
	return len(s.Snapshot(store.SnapshotQuery{UserID: 10, ReadAllStats: true, Format: store.FormatRaw}))
}

// Top-level tracking records depth-zero events and drops nested ones;
// "all" records both; "none" records nothing.
func TestTracker_Levels(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		level      string
		wantTop    bool
		wantNested bool
	}{
		{"none", false, false},
		{"top", true, false},
		{"all", true, true},
		{"verbose", true, true},
	} {
		cfg := DefaultConfig()
		cfg.Track = tc.level
		tr, s := newTracked(t, cfg)

		tr.Observe(event(1, time.Millisecond))

		tr.Enter()
		tr.Observe(event(2, time.Millisecond))
		tr.Exit()

		want := 0
		if tc.wantTop {
			want++
		}
		if tc.wantNested {
			want++
		}
		if got := rowCount(s); got != want {
			t.Errorf("level %s: want %d recorded, got %d", tc.level, want, got)
		}
		if tr.Depth() != 0 {
			t.Errorf("level %s: depth must return to 0", tc.level)
		}
	}
}

// Executions under the minimum duration are dropped.
func TestTracker_MinDuration(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.MinDuration = 10 // ms
	tr, s := newTracked(t, cfg)

	tr.Observe(event(1, 5*time.Millisecond))
	tr.Observe(event(2, 15*time.Millisecond))

	if got := rowCount(s); got != 1 {
		t.Fatalf("want 1 recorded, got %d", got)
	}
}

// Disable suppresses recording until Enable, except at verbose level.
func TestTracker_DisableEnable(t *testing.T) {
	t.Parallel()

	tr, s := newTracked(t, DefaultConfig())

	tr.Disable()
	tr.Observe(event(1, time.Millisecond))
	tr.Enable()
	tr.Observe(event(2, time.Millisecond))

	if got := rowCount(s); got != 1 {
		t.Fatalf("want 1 recorded, got %d", got)
	}

	cfg := DefaultConfig()
	cfg.Track = "verbose"
	trv, sv := newTracked(t, cfg)
	trv.Disable() // no effect at verbose
	trv.Observe(event(1, time.Millisecond))
	if got := rowCount(sv); got != 1 {
		t.Fatalf("verbose: want 1 recorded, got %d", got)
	}
}

// A missing query fingerprint falls back to hashing the query text; an
// event with neither is dropped.
func TestTracker_QueryIDFallback(t *testing.T) {
	t.Parallel()

	tr, s := newTracked(t, DefaultConfig())

	ev := event(0, time.Millisecond)
	ev.Query = "SELECT a FROM t1 WHERE a = 1"
	tr.Observe(ev)

	rows := s.Snapshot(store.SnapshotQuery{UserID: 10, Format: store.FormatRaw})
	if len(rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(rows))
	}
	if want := norm.QueryID(ev.Query); rows[0].Key.QueryID != want {
		t.Fatalf("query id want %d, got %d", want, rows[0].Key.QueryID)
	}

	tr.Observe(event(0, time.Millisecond)) // no id, no text
	if got := rowCount(s); got != 1 {
		t.Fatalf("id-less event must be dropped, got %d rows", got)
	}
}

// Events without a plan document are dropped.
func TestTracker_EmptyPlan(t *testing.T) {
	t.Parallel()

	tr, s := newTracked(t, DefaultConfig())
	ev := event(1, time.Millisecond)
	ev.Plan = ""
	tr.Observe(ev)

	if got := rowCount(s); got != 0 {
		t.Fatalf("want nothing recorded, got %d", got)
	}
}
