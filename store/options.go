package store

import (
	"go.uber.org/zap"
)

// Format selects the representation returned for plan text by Snapshot.
type Format int

const (
	// FormatRaw returns the stored compact form unchanged.
	FormatRaw Format = iota
	// FormatText renders the plan as the human-readable explain report.
	FormatText
	// FormatJSON inflates the compact form back to indented long-name JSON.
	FormatJSON
	// FormatYAML renders the plan in YAML.
	FormatYAML
	// FormatXML renders the plan in XML.
	FormatXML
)

// Metrics exposes store-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	// Evict reports the number of entries removed by one eviction sweep.
	Evict(n int)
	// Dealloc is called once per eviction sweep.
	Dealloc()
	// GC is called once per plan-text file compaction.
	GC()
	Size(entries int, extent int64)
}

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures the store behavior. Zero values are safe;
// sane defaults are applied in New():
//   - Capacity <= 0   => 1000
//   - MaxPlanLen <= 0 => 5000
//   - nil Logger      => zap.NewNop()
//   - nil Metrics     => NoopMetrics
type Options struct {
	// Capacity is the maximum number of tracked plan entries. When the
	// table is full the least-used entries are evicted in batches.
	Capacity int

	// MaxPlanLen is the byte limit for one stored plan text. Longer texts
	// are clipped at a rune boundary before storing.
	MaxPlanLen int

	// ExternalText keeps plan texts in an append-only file referenced by
	// (offset, length) instead of inline in the table. The file is
	// compacted when its bloat exceeds the live-text estimate.
	ExternalText bool

	// TextPath is the path of the external plan-text file.
	// Required when ExternalText is set.
	TextPath string

	// DumpPath is the path of the persisted statistics file.
	// Required when Persist is set.
	DumpPath string

	// Persist loads the dump file in New and writes it back in Close,
	// carrying statistics across restarts.
	Persist bool

	// Observability
	Logger  *zap.Logger
	Metrics Metrics

	// Clock allows overriding time source (tests). Nil => time.Now().
	Clock Clock
}
