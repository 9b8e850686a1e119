package store

import (
	"math/rand"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"
)

// A mixed workload of concurrent Store/Snapshot/Stats/Reset calls with
// the external text file enabled. Should pass under `-race` without
// detector reports.
func TestRace_MixedWorkload(t *testing.T) {
	s := newTestStore(t, Options{
		Capacity:     256,
		ExternalText: true,
		TextPath:     filepath.Join(t.TempDir(), "plan_texts.stat"),
	})

	workers := 4 * runtime.GOMAXPROCS(0)
	deadline := time.Now().Add(2 * time.Second)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)*9973))
			for time.Now().Before(deadline) {
				switch r.Intn(100) {
				case 0: // ~1% — Reset
					s.Reset()
				case 1, 2, 3, 4, 5: // ~5% — Stats
					s.Stats()
				case 6, 7, 8, 9, 10, 11, 12, 13, 14, 15: // ~10% — Snapshot
					s.Snapshot(SnapshotQuery{UserID: 10, Format: FormatRaw})
				default: // ~84% — Store
					q := uint64(1 + r.Intn(1000))
					s.Store(testPlan, exec(q, 1+r.Float64(), int64(r.Intn(50))))
				}
			}
		}(w)
	}
	wg.Wait()

	if n := s.Len(); n > 256 {
		t.Fatalf("entry count %d exceeds capacity", n)
	}
}
