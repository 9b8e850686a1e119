package store

import (
	"os"
	"path/filepath"
	"testing"
)

func externalOptions(t *testing.T, capacity int) Options {
	t.Helper()
	return Options{
		Capacity:     capacity,
		ExternalText: true,
		TextPath:     filepath.Join(t.TempDir(), "plan_texts.stat"),
	}
}

// Append a few records and fetch them back from a loaded image.
// Bogus locations return nil instead of garbage.
func TestPtext_StoreAndFetch(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, externalOptions(t, 16))

	texts := []string{"alpha", "beta", "gamma"}
	offs := make([]int64, len(texts))
	for i, txt := range texts {
		off, _, ok := s.ptextStore([]byte(txt))
		if !ok {
			t.Fatalf("ptextStore(%q) failed", txt)
		}
		offs[i] = off
	}

	buf := s.ptextLoadFile()
	if buf == nil {
		t.Fatal("load failed")
	}
	for i, txt := range texts {
		got := ptextFetch(buf, offs[i], len(txt))
		if string(got) != txt {
			t.Fatalf("fetch %d: want %q, got %q", i, txt, got)
		}
	}

	if ptextFetch(buf, 1, len(texts[0])) != nil {
		t.Fatal("misaligned fetch must fail the NUL check")
	}
	if ptextFetch(buf, int64(len(buf)), 1) != nil {
		t.Fatal("out-of-range fetch must return nil")
	}
	if ptextFetch(buf, 0, -1) != nil {
		t.Fatal("dropped-text sentinel must return nil")
	}
	if ptextFetch(nil, 0, 1) != nil {
		t.Fatal("nil buffer must return nil")
	}
}

// Compaction rewrites only live records, re-points the entries and
// advances the GC generation.
func TestPtext_GCCompacts(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, externalOptions(t, 1))
	s.Store(testPlan, exec(1, 1, 1))

	// Orphan bytes, as left behind by evicted entries.
	pad := make([]byte, 600)
	for i := range pad {
		pad[i] = 'x'
	}
	if _, _, ok := s.ptextStore(pad); !ok {
		t.Fatal("pad append failed")
	}

	s.mu.Lock()
	s.meanPlanLen = 1 // force the bloat condition
	if !s.needGC() {
		s.mu.Unlock()
		t.Fatal("needGC must trigger above both thresholds")
	}
	gen := s.gcCount
	s.gcTexts()
	s.mu.Unlock()

	if got := s.gcGeneration(); got != gen+1 {
		t.Fatalf("gc generation want %d, got %d", gen+1, got)
	}

	rows := s.Snapshot(SnapshotQuery{UserID: 10, Format: FormatRaw})
	if len(rows) != 1 {
		t.Fatalf("want 1 row, got %d", len(rows))
	}
	text := rows[0].PlanText
	if text == "" || text == privilegePlaceholder {
		t.Fatalf("live text must survive compaction, got %q", text)
	}

	// The file now holds exactly the one live record.
	if ext := s.extentNow(); ext != int64(len(text))+1 {
		t.Fatalf("extent want %d, got %d", len(text)+1, ext)
	}
	if fi, err := os.Stat(s.opt.TextPath); err != nil || fi.Size() != s.extentNow() {
		t.Fatalf("file size must match extent: %v", err)
	}
}

// Below the thresholds the collector leaves the file alone.
func TestPtext_NeedGCThresholds(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, externalOptions(t, 1))
	s.Store(testPlan, exec(1, 1, 1))

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.needGC() {
		t.Fatal("small file must not need a collection")
	}
}

// After an unrecoverable failure every text pointer is invalidated and
// the file is recreated empty.
func TestPtext_GCFailInvalidates(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, externalOptions(t, 16))
	s.Store(testPlan, exec(1, 1, 1))

	s.mu.Lock()
	s.gcFail()
	for _, e := range s.table {
		if e.planLen != -1 {
			t.Fatalf("plan length want -1 sentinel, got %d", e.planLen)
		}
	}
	s.mu.Unlock()

	if ext := s.extentNow(); ext != 0 {
		t.Fatalf("extent want 0, got %d", ext)
	}
	fi, err := os.Stat(s.opt.TextPath)
	if err != nil || fi.Size() != 0 {
		t.Fatalf("text file must be recreated empty: %v", err)
	}

	// Statistics survive; only the text is gone.
	rows := s.Snapshot(SnapshotQuery{UserID: 10, Format: FormatRaw})
	if len(rows) != 1 || rows[0].Counters.Calls != 1 {
		t.Fatal("statistics must survive text invalidation")
	}
	if rows[0].PlanText != "" {
		t.Fatalf("dropped text must render empty, got %q", rows[0].PlanText)
	}
}
