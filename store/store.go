package store

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/planstore/planstore/internal/singleflight"
	"github.com/planstore/planstore/internal/util"
	"github.com/planstore/planstore/plan"
)

// ErrClosed is returned by persistence entry points after Close.
var ErrClosed = errors.New("store: closed")

const (
	usageInit            = 1.0
	usageExec            = 1.0
	assumedMedianInit    = 10.0
	assumedLengthInit    = 1024
	usageDecreaseFactor  = 0.99
	stickyDecreaseFactor = 0.50
	usageDeallocPercent  = 5

	// placeholder returned instead of another principal's plan text
	privilegePlaceholder = "<insufficient privilege>"

	defaultCapacity   = 1000
	defaultMaxPlanLen = 5000
)

// Store is a fixed-capacity concurrent statistics cache keyed by
// (user, database, query, plan). All methods are safe for concurrent
// use by multiple goroutines.
//
// Lock order: table lock, then per-entry mutex, then state mutex.
// The per-entry mutex is never held across I/O.
type Store struct {
	// mu is the table lock: shared for lookups and snapshots,
	// exclusive for insert/evict/reset/GC.
	mu    sync.RWMutex
	table map[Key]*entry

	// medianUsage and meanPlanLen are guarded by mu (written only under
	// the exclusive table lock).
	medianUsage float64
	meanPlanLen int64

	// stateMu guards the fields below it only, so writers to the text
	// file can reserve space without contending the table lock.
	stateMu    sync.Mutex
	extent     int64
	nWriters   int
	gcCount    int
	dealloc    int64
	statsReset int64

	opt    Options
	closed atomic.Bool

	// sf coalesces speculative plan-text file loads across concurrent
	// snapshot readers.
	sf singleflight.Group[string, []byte]
}

// Stats is the global view returned by Stats: how many eviction sweeps
// have run and when the statistics were last reset (UnixNano).
type Stats struct {
	Dealloc    int64
	StatsReset int64
}

// Row is one live entry as returned by Snapshot.
type Row struct {
	Key        Key
	PlanText   string
	Counters   Counters
	StddevTime float64
}

// SnapshotQuery scopes one Snapshot call: the reading principal, whether
// it may see other principals' plan texts, and the output format.
type SnapshotQuery struct {
	UserID       uint64
	ReadAllStats bool
	Format       Format
}

// New constructs a Store with the provided Options.
//
// When Persist is set, statistics saved by a previous Close are loaded
// from DumpPath; load failures are logged and leave the store empty
// rather than failing construction.
func New(opt Options) (*Store, error) {
	if opt.Capacity <= 0 {
		opt.Capacity = defaultCapacity
	}
	if opt.MaxPlanLen <= 0 {
		opt.MaxPlanLen = defaultMaxPlanLen
	}
	if opt.ExternalText && opt.TextPath == "" {
		return nil, errors.New("store: ExternalText requires TextPath")
	}
	if opt.Persist && opt.DumpPath == "" {
		return nil, errors.New("store: Persist requires DumpPath")
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}

	s := &Store{
		table:       make(map[Key]*entry, opt.Capacity),
		medianUsage: assumedMedianInit,
		meanPlanLen: assumedLengthInit,
		opt:         opt,
	}
	s.statsReset = s.now()

	if opt.ExternalText {
		// Start from an empty text file; anything left over belongs to a
		// previous incarnation and is re-seeded from the dump below.
		if err := s.ptextCreateEmpty(); err != nil {
			return nil, err
		}
	}
	if opt.Persist {
		if err := s.LoadDump(); err != nil {
			opt.Logger.Warn("could not load statistics dump, starting empty",
				zap.String("path", opt.DumpPath), zap.Error(err))
		}
	}
	return s, nil
}

// Store records one execution of the given plan. The plan text is the
// long-form JSON explain document; it is shortened and fingerprinted
// here. Best effort: failures are logged and swallowed, never returned.
func (s *Store) Store(planText string, ev Exec) {
	if s.closed.Load() || ev.QueryID == 0 || planText == "" {
		return
	}

	normalized := plan.Normalize(planText)
	shortened := plan.Shorten(planText)
	planID := uint32(xxhash.Sum64String(normalized))
	if planID == 0 {
		planID = 1
	}

	if len(shortened) >= s.opt.MaxPlanLen {
		shortened = util.ClipString(shortened, s.opt.MaxPlanLen-1)
	}

	key := Key{UserID: ev.UserID, DBID: ev.DBID, QueryID: ev.QueryID, PlanID: planID}

	s.mu.RLock()
	exclusive := false
	e := s.table[key]

	var planOffset int64
	doGC := false
	if e == nil && s.opt.ExternalText {
		// Append the text with only the shared lock held, then upgrade.
		off, gcCount, stored := s.ptextStore([]byte(shortened))
		doGC = s.needGC()

		s.mu.RUnlock()
		s.mu.Lock()
		exclusive = true

		// A garbage collection may have run while no lock was held, in
		// which case the text stored above is gone. Store it again.
		if !stored || s.gcGeneration() != gcCount {
			off, _, stored = s.ptextStore([]byte(shortened))
		}
		if !stored {
			s.mu.Unlock()
			return
		}
		planOffset = off
	} else if e == nil {
		s.mu.RUnlock()
		s.mu.Lock()
		exclusive = true
	}

	if e == nil {
		s.opt.Metrics.Miss()
		e = s.entryAlloc(key, planOffset, len(shortened), []byte(shortened), false)
		if doGC {
			s.gcTexts()
		}
		s.opt.Metrics.Size(len(s.table), s.extentNow())
	} else {
		s.opt.Metrics.Hit()
	}

	now := s.now()
	e.mu.Lock()
	c := &e.counters

	// Unstick the entry if it was previously provisional.
	if c.Calls == 0 {
		c.Usage = usageInit
		c.FirstCall = now
	}

	c.Calls++
	c.TotalTime += ev.TotalTime
	if c.Calls == 1 {
		c.MinTime = ev.TotalTime
		c.MaxTime = ev.TotalTime
		c.MeanTime = ev.TotalTime
	} else {
		// Welford's online method for the running mean and variance.
		oldMean := c.MeanTime
		c.MeanTime += (ev.TotalTime - oldMean) / float64(c.Calls)
		c.SumVarTime += (ev.TotalTime - oldMean) * (ev.TotalTime - c.MeanTime)

		if c.MinTime > ev.TotalTime {
			c.MinTime = ev.TotalTime
		}
		if c.MaxTime < ev.TotalTime {
			c.MaxTime = ev.TotalTime
		}
	}

	c.Rows += ev.Rows
	c.SharedBlksHit += ev.Buffers.SharedBlksHit
	c.SharedBlksRead += ev.Buffers.SharedBlksRead
	c.SharedBlksDirtied += ev.Buffers.SharedBlksDirtied
	c.SharedBlksWritten += ev.Buffers.SharedBlksWritten
	c.LocalBlksHit += ev.Buffers.LocalBlksHit
	c.LocalBlksRead += ev.Buffers.LocalBlksRead
	c.LocalBlksDirtied += ev.Buffers.LocalBlksDirtied
	c.LocalBlksWritten += ev.Buffers.LocalBlksWritten
	c.TempBlksRead += ev.Buffers.TempBlksRead
	c.TempBlksWritten += ev.Buffers.TempBlksWritten
	c.BlkReadTime += ev.Buffers.BlkReadTime
	c.BlkWriteTime += ev.Buffers.BlkWriteTime
	c.LastCall = now
	c.Usage += usageExec
	e.mu.Unlock()

	if exclusive {
		s.mu.Unlock()
	} else {
		s.mu.RUnlock()
	}
}

// entryAlloc returns the entry for key, creating it if absent. The
// caller must hold the exclusive table lock.
//
// It is not an error for the entry to already exist: Store releases and
// reacquires the lock after a lookup miss, so another writer may have
// created it in the gap.
//
// A sticky entry is seeded with the current median usage instead of the
// normal initial value, so it survives eviction sweeps until its first
// real execution lands.
func (s *Store) entryAlloc(key Key, planOffset int64, planLen int, inline []byte, sticky bool) *entry {
	for len(s.table) >= s.opt.Capacity {
		s.entryDealloc()
	}

	if e, ok := s.table[key]; ok {
		return e
	}

	e := &entry{
		key:        key,
		planOffset: planOffset,
		planLen:    planLen,
	}
	if !s.opt.ExternalText {
		e.plan = inline
	}
	if sticky {
		e.counters.Usage = s.medianUsage
	} else {
		e.counters.Usage = usageInit
	}
	s.table[key] = e
	return e
}

// entryDealloc evicts the least-used entries. The caller must hold the
// exclusive table lock.
//
// Every entry's usage decays during the scan; sticky entries decay
// faster since an unconfirmed provisional entry should not squat
// capacity. The snapshot's median usage and mean text length are
// recorded for seeding future sticky entries and for the GC heuristic.
func (s *Store) entryDealloc() {
	entries := make([]*entry, 0, len(s.table))
	var totTextLen int64
	nValidTexts := 0

	for _, e := range s.table {
		entries = append(entries, e)
		if e.sticky() {
			e.counters.Usage *= stickyDecreaseFactor
		} else {
			e.counters.Usage *= usageDecreaseFactor
		}
		if e.planLen >= 0 {
			totTextLen += int64(e.planLen) + 1
			nValidTexts++
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].counters.Usage < entries[j].counters.Usage
	})

	if len(entries) > 0 {
		s.medianUsage = entries[len(entries)/2].counters.Usage
	}
	if nValidTexts > 0 {
		s.meanPlanLen = totTextLen / int64(nValidTexts)
	} else {
		s.meanPlanLen = assumedLengthInit
	}

	nVictims := len(entries) * usageDeallocPercent / 100
	if nVictims < 10 {
		nVictims = 10
	}
	if nVictims > len(entries) {
		nVictims = len(entries)
	}

	for i := 0; i < nVictims; i++ {
		delete(s.table, entries[i].key)
	}

	s.stateMu.Lock()
	s.dealloc++
	s.stateMu.Unlock()

	s.opt.Metrics.Dealloc()
	s.opt.Metrics.Evict(nVictims)
}

// Reset removes every entry and resets the global statistics. The
// external text file, if any, is truncated to empty.
func (s *Store) Reset() {
	if s.closed.Load() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.table = make(map[Key]*entry, s.opt.Capacity)

	now := s.now()
	s.stateMu.Lock()
	s.dealloc = 0
	s.statsReset = now
	s.extent = 0
	s.stateMu.Unlock()

	if s.opt.ExternalText {
		if err := s.ptextCreateEmpty(); err != nil {
			s.opt.Logger.Warn("could not truncate plan text file",
				zap.String("path", s.opt.TextPath), zap.Error(err))
		}
	}
	s.opt.Metrics.Size(0, 0)
}

// Stats returns the global statistics: the number of eviction sweeps
// since the last reset, and the reset timestamp.
func (s *Store) Stats() Stats {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return Stats{Dealloc: s.dealloc, StatsReset: s.statsReset}
}

// Snapshot returns one row per confirmed entry, with the plan text
// rendered in the requested format. Provisional entries (Calls == 0)
// are skipped. Rows belonging to a different principal keep their
// statistics but have the plan text replaced with a placeholder unless
// the caller holds read-all-stats privilege.
func (s *Store) Snapshot(q SnapshotQuery) []Row {
	if s.closed.Load() {
		return nil
	}

	// Speculatively load the text file before taking the table lock.
	// Useless if somebody writes between here and the lock below, but
	// that is rare enough to make this a win. Skip it entirely when a
	// write is in progress right now.
	var pbuf []byte
	s.stateMu.Lock()
	extent, nWriters, gcCount := s.extent, s.nWriters, s.gcCount
	s.stateMu.Unlock()

	if s.opt.ExternalText && nWriters == 0 {
		pbuf, _ = s.sf.Do(context.Background(), s.opt.TextPath,
			func() ([]byte, error) { return s.ptextLoadFile(), nil })
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	// Reload if anything was appended or collected in the gap. Texts
	// appended after this point cannot be referenced by entries we can
	// see, so the buffer stays sufficient for the whole iteration.
	if s.opt.ExternalText {
		s.stateMu.Lock()
		moved := s.extent != extent || s.gcCount != gcCount
		s.stateMu.Unlock()
		if pbuf == nil || moved {
			pbuf = s.ptextLoadFile()
		}
	}

	rows := make([]Row, 0, len(s.table))
	for _, e := range s.table {
		// Copy counters under the entry lock to keep locking time short.
		e.mu.Lock()
		c := e.counters
		e.mu.Unlock()

		// Skip pending sticky entries.
		if c.Calls == 0 {
			continue
		}

		r := Row{Key: e.key, Counters: c}
		if c.Calls > 1 {
			// Population stddev, no Bessel correction.
			r.StddevTime = math.Sqrt(c.SumVarTime / float64(c.Calls))
		}

		if q.ReadAllStats || e.key.UserID == q.UserID {
			var text []byte
			if s.opt.ExternalText {
				text = ptextFetch(pbuf, e.planOffset, e.planLen)
			} else {
				text = e.plan
			}
			r.PlanText = renderPlan(string(text), q.Format)
		} else {
			r.PlanText = privilegePlaceholder
		}
		rows = append(rows, r)
	}
	return rows
}

// Close persists statistics to the dump file when Persist is set and
// marks the store closed. Future operations are ignored.
func (s *Store) Close() error {
	if s.closed.Load() {
		return nil
	}
	var err error
	if s.opt.Persist {
		err = s.SaveDump()
	}
	s.closed.Store(true)
	return err
}

// Len returns the number of resident entries, including sticky ones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}

// renderPlan converts a stored compact plan text to the requested
// output format.
func renderPlan(text string, f Format) string {
	switch f {
	case FormatText:
		return plan.Textize(text)
	case FormatJSON:
		return plan.Inflate(text)
	case FormatYAML:
		return plan.Yamlize(text)
	case FormatXML:
		return plan.Xmlize(text)
	default:
		return text
	}
}

func (s *Store) now() int64 {
	if s.opt.Clock != nil {
		return s.opt.Clock.NowUnixNano()
	}
	return time.Now().UnixNano()
}

func (s *Store) gcGeneration() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.gcCount
}

func (s *Store) extentNow() int64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.extent
}
