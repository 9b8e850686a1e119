package store

import "sync"

// Key identifies one statistics entry. Exactly one live entry exists
// per key.
type Key struct {
	UserID  uint64
	DBID    uint64
	QueryID uint64
	PlanID  uint32
}

// Counters holds the execution statistics of one entry. Timestamps are
// UnixNano. Mean and variance are maintained with Welford's online
// method; SumVarTime is the running sum of squared deviations, so the
// population variance is SumVarTime/Calls.
type Counters struct {
	Calls             int64
	TotalTime         float64
	MinTime           float64
	MaxTime           float64
	MeanTime          float64
	SumVarTime        float64
	Rows              int64
	SharedBlksHit     int64
	SharedBlksRead    int64
	SharedBlksDirtied int64
	SharedBlksWritten int64
	LocalBlksHit      int64
	LocalBlksRead     int64
	LocalBlksDirtied  int64
	LocalBlksWritten  int64
	TempBlksRead      int64
	TempBlksWritten   int64
	BlkReadTime       float64
	BlkWriteTime      float64
	FirstCall         int64
	LastCall          int64
	Usage             float64
}

// BufferUsage carries the block-I/O deltas of one execution.
// Times are in milliseconds.
type BufferUsage struct {
	SharedBlksHit     int64
	SharedBlksRead    int64
	SharedBlksDirtied int64
	SharedBlksWritten int64
	LocalBlksHit      int64
	LocalBlksRead     int64
	LocalBlksDirtied  int64
	LocalBlksWritten  int64
	TempBlksRead      int64
	TempBlksWritten   int64
	BlkReadTime       float64
	BlkWriteTime      float64
}

// Exec describes one finished execution to record.
type Exec struct {
	UserID    uint64
	DBID      uint64
	QueryID   uint64
	TotalTime float64 // milliseconds
	Rows      int64
	Buffers   BufferUsage
}

// entry is one live table slot. The mutex protects the counters only;
// key and text location are immutable except under the exclusive table
// lock (eviction, GC re-pointing, reset).
type entry struct {
	key      Key
	mu       sync.Mutex
	counters Counters

	// planOffset/planLen locate the text in the external file;
	// planLen == -1 marks a dropped text. In inline mode the bytes live
	// in plan and planOffset stays 0.
	planOffset int64
	planLen    int
	plan       []byte
}

// Counters.Calls == 0 marks a provisional ("sticky") entry that has been
// allocated but not yet confirmed by a real execution.
func (e *entry) sticky() bool { return e.counters.Calls == 0 }
