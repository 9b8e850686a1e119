package store

import (
	"os"
	"path/filepath"
	"testing"
)

func dumpOptions(t *testing.T, external bool) Options {
	t.Helper()
	dir := t.TempDir()
	opt := Options{
		Capacity: 200,
		Persist:  true,
		DumpPath: filepath.Join(dir, "planstore.stat"),
	}
	if external {
		opt.ExternalText = true
		opt.TextPath = filepath.Join(dir, "plan_texts.stat")
	}
	return opt
}

// Save a populated store, reload it into a fresh one, and compare every
// entry byte for byte.
func TestDump_RoundTrip(t *testing.T) {
	t.Parallel()

	opt := dumpOptions(t, false)
	s := newTestStore(t, opt)

	for q := uint64(1); q <= 100; q++ {
		s.Store(testPlan, exec(q, float64(q)*1.5, int64(q)))
		s.Store(testPlan, exec(q, float64(q)*0.5, int64(q)))
	}
	before := make(map[Key]Row)
	for _, r := range s.Snapshot(SnapshotQuery{UserID: 10, Format: FormatRaw}) {
		before[r.Key] = r
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := newTestStore(t, opt)
	after := s2.Snapshot(SnapshotQuery{UserID: 10, Format: FormatRaw})
	if len(after) != len(before) {
		t.Fatalf("want %d rows after reload, got %d", len(before), len(after))
	}
	for _, r := range after {
		want, ok := before[r.Key]
		if !ok {
			t.Fatalf("unexpected key after reload: %+v", r.Key)
		}
		if r.Counters != want.Counters {
			t.Fatalf("counters differ for %+v:\nwant %+v\ngot  %+v", r.Key, want.Counters, r.Counters)
		}
		if r.PlanText != want.PlanText {
			t.Fatalf("plan text differs for %+v", r.Key)
		}
	}

	// The dump is consumed by the load; a second start is empty.
	if _, err := os.Stat(opt.DumpPath); !os.IsNotExist(err) {
		t.Fatal("dump file must be removed after a successful load")
	}
}

// Same round trip through the external text file, which is re-seeded
// from the dump during load.
func TestDump_RoundTripExternalText(t *testing.T) {
	t.Parallel()

	opt := dumpOptions(t, true)
	s := newTestStore(t, opt)

	for q := uint64(1); q <= 50; q++ {
		s.Store(testPlan, exec(q, 2.0, 1))
	}
	before := make(map[Key]Row)
	for _, r := range s.Snapshot(SnapshotQuery{UserID: 10, Format: FormatRaw}) {
		before[r.Key] = r
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Close unlinks the text file; the next load rebuilds it.
	if _, err := os.Stat(opt.TextPath); !os.IsNotExist(err) {
		t.Fatal("text file must be removed after save")
	}

	s2 := newTestStore(t, opt)
	after := s2.Snapshot(SnapshotQuery{UserID: 10, Format: FormatRaw})
	if len(after) != len(before) {
		t.Fatalf("want %d rows after reload, got %d", len(before), len(after))
	}
	for _, r := range after {
		want := before[r.Key]
		if r.Counters != want.Counters || r.PlanText != want.PlanText {
			t.Fatalf("row differs for %+v", r.Key)
		}
	}
}

// Provisional entries are written to the dump but skipped on load.
func TestDump_SkipsSticky(t *testing.T) {
	t.Parallel()

	opt := dumpOptions(t, false)
	s := newTestStore(t, opt)
	s.Store(testPlan, exec(1, 1, 1))

	s.mu.Lock()
	s.entryAlloc(Key{UserID: 10, QueryID: 2, PlanID: 1}, 0, 0, []byte("{}"), true)
	s.mu.Unlock()

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2 := newTestStore(t, opt)
	if n := s2.Len(); n != 1 {
		t.Fatalf("want 1 entry after reload, got %d", n)
	}
}

// A corrupt dump file is discarded and the store starts empty.
func TestDump_CorruptFileDiscarded(t *testing.T) {
	t.Parallel()

	opt := dumpOptions(t, false)
	if err := os.WriteFile(opt.DumpPath, []byte("not a dump"), 0o600); err != nil {
		t.Fatal(err)
	}

	s := newTestStore(t, opt)
	if n := s.Len(); n != 0 {
		t.Fatalf("want empty store, got %d entries", n)
	}
	if _, err := os.Stat(opt.DumpPath); !os.IsNotExist(err) {
		t.Fatal("corrupt dump must be removed")
	}
}

// Texts saved under a larger MaxPlanLen are clipped on load.
func TestDump_ClipsOnLoad(t *testing.T) {
	t.Parallel()

	opt := dumpOptions(t, false)
	s := newTestStore(t, opt)
	s.Store(testPlan, exec(1, 1, 1))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	opt.MaxPlanLen = 10
	s2 := newTestStore(t, opt)
	rows := s2.Snapshot(SnapshotQuery{UserID: 10, Format: FormatRaw})
	if len(rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(rows))
	}
	if n := len(rows[0].PlanText); n >= 10 {
		t.Fatalf("text must be clipped below 10 bytes, got %d", n)
	}
}
