package stream

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ramiqadoumi/stageflow/internal/domain"
)

// Aggregate summarises the values in a buffer's current window.
type Aggregate struct {
	Type  domain.MetricType `json:"type"`
	Count int               `json:"count"`
	Avg   float64           `json:"avg"`
	Min   float64           `json:"min"`
	Max   float64           `json:"max"`
	P50   float64           `json:"p50"`
	P95   float64           `json:"p95"`
}

// Buffer is a fixed-capacity ring of samples. Once full the oldest sample is
// overwritten; samples older than the window are ignored on read.
type Buffer struct {
	mu       sync.Mutex
	ring     []domain.MetricSample
	next     int
	size     int
	window   time.Duration
	now      func() time.Time
	metricTy domain.MetricType
}

// NewBuffer returns an empty buffer. A zero window keeps everything in the ring.
func NewBuffer(t domain.MetricType, capacity int, window time.Duration) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		ring:     make([]domain.MetricSample, capacity),
		window:   window,
		now:      time.Now,
		metricTy: t,
	}
}

// Add stores s, evicting the oldest sample when full.
func (b *Buffer) Add(s domain.MetricSample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring[b.next] = s
	b.next = (b.next + 1) % len(b.ring)
	if b.size < len(b.ring) {
		b.size++
	}
}

// Len returns the number of stored samples, including expired ones.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Snapshot returns the samples inside the window, oldest first.
func (b *Buffer) Snapshot() []domain.MetricSample {
	b.mu.Lock()
	defer b.mu.Unlock()

	var cutoff time.Time
	if b.window > 0 {
		cutoff = b.now().Add(-b.window)
	}
	out := make([]domain.MetricSample, 0, b.size)
	start := (b.next - b.size + len(b.ring)) % len(b.ring)
	for i := 0; i < b.size; i++ {
		s := b.ring[(start+i)%len(b.ring)]
		if !cutoff.IsZero() && s.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Aggregate computes count, average, extremes and nearest-rank p50/p95 over the window.
func (b *Buffer) Aggregate() Aggregate {
	samples := b.Snapshot()
	agg := Aggregate{Type: b.metricTy, Count: len(samples)}
	if len(samples) == 0 {
		return agg
	}
	values := make([]float64, len(samples))
	sum := 0.0
	for i, s := range samples {
		values[i] = s.Value
		sum += s.Value
	}
	sort.Float64s(values)
	agg.Avg = sum / float64(len(values))
	agg.Min = values[0]
	agg.Max = values[len(values)-1]
	agg.P50 = percentile(values, 50)
	agg.P95 = percentile(values, 95)
	return agg
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
