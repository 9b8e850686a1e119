package store

import (
	"sync/atomic"
	"testing"
)

// BenchmarkStore_SameKey measures the hot path: repeat executions of an
// already-resident plan. Dominated by the transcoder passes plus one
// shared-lock lookup and a short per-entry critical section.
func BenchmarkStore_SameKey(b *testing.B) {
	s, err := New(Options{Capacity: 1000})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })

	ev := exec(1, 1.0, 1)
	s.Store(testPlan, ev)

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			s.Store(testPlan, ev)
		}
	})
}

// BenchmarkStore_Churn keeps the table full so every insert pays for an
// eviction sweep amortized over the batch of victims.
func BenchmarkStore_Churn(b *testing.B) {
	s, err := New(Options{Capacity: 500})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })

	var q atomic.Uint64
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			s.Store(testPlan, exec(q.Add(1), 1.0, 1))
		}
	})
}

// BenchmarkSnapshot_Text renders every resident plan as text.
func BenchmarkSnapshot_Text(b *testing.B) {
	s, err := New(Options{Capacity: 1000})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })

	for q := uint64(1); q <= 500; q++ {
		s.Store(testPlan, exec(q, 1.0, 1))
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if rows := s.Snapshot(SnapshotQuery{UserID: 10, Format: FormatText}); len(rows) == 0 {
			b.Fatal("empty snapshot")
		}
	}
}
