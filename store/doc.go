// Package store implements a fixed-capacity concurrent cache of
// per-(user, database, query, plan) execution statistics, with
// usage-decay eviction, an optional external plan-text file with
// garbage collection, and persistence across restarts.
//
// Design
//
//   - Keys: one entry per (UserID, DBID, QueryID, PlanID). The plan
//     fingerprint is a 32-bit hash of the normalized plan shape
//     (plan.Normalize), so two executions with the same shape but
//     different costs or row counts share one entry.
//
//   - Concurrency: a single RWMutex guards the table; lookups and
//     snapshots take it shared, insert/evict/reset/GC take it
//     exclusive. Counters of one entry are guarded by that entry's own
//     mutex, held only for the accumulation or the snapshot copy.
//     A lookup miss upgrades by releasing the shared lock and
//     reacquiring exclusive, then re-checks for the key: another writer
//     may have inserted it in the gap, which is benign.
//
//   - Eviction: not strict LRU. Every execution bumps an entry's usage
//     score by 1.0; every eviction sweep decays all scores
//     multiplicatively and removes the lowest max(10, 5%) of entries.
//     This ranks entries by a smoothed recency/frequency blend at O(1)
//     bookkeeping per access. Provisional entries (Calls == 0) are
//     seeded with the median usage so they survive until their first
//     real update, and decay twice as fast until then.
//
//   - Plan texts: stored inline per entry, or (ExternalText) appended
//     to a shared file referenced by offset and length. Appends reserve
//     space under a small state mutex, so writers do not serialize on
//     the table lock. The file is compacted under the exclusive lock
//     once its size exceeds both 512 bytes per slot and twice the mean
//     live text length per slot.
//
//   - Persistence: Close writes a binary dump (header, entry headers,
//     NUL-terminated texts) via a temp file and rename; New loads it
//     back, skipping provisional entries and clipping texts that exceed
//     the current maximum. Corrupt dumps are discarded, never fatal.
//
//   - Failure policy: the store is a best-effort side effect of query
//     execution. File errors are logged through Options.Logger and the
//     affected data is reset to a safe empty state; Store never returns
//     an error and never panics on malformed plan text.
//
// Basic usage
//
//	s, err := store.New(store.Options{Capacity: 1000, MaxPlanLen: 5000})
//	if err != nil { ... }
//	s.Store(explainJSON, store.Exec{
//	    UserID: 10, DBID: 1, QueryID: qid,
//	    TotalTime: 12.34, Rows: 97,
//	})
//	for _, row := range s.Snapshot(store.SnapshotQuery{UserID: 10, Format: store.FormatText}) {
//	    _ = row // key, counters, rendered plan text
//	}
//	_ = s.Close()
//
// Exporting metrics (example Prometheus adapter)
//
//	m := prom.New(nil, "planstore", "store")
//	s, _ := store.New(store.Options{Capacity: 1000, Metrics: m})
package store
