// Package metrics wraps operations with timing and outcome capture.
// Every tracked call feeds two sinks: the OTel instruments (for
// export) and an in-process aggregate table readable at any time
// through Snapshot, so the status command works with no collector
// running.
package metrics

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	ledgerotel "github.com/quietbay/ledgerd/internal/otel"
)

// OpStats is the aggregate view of one operation name.
type OpStats struct {
	Operation string  `json:"operation"`
	Count     int64   `json:"count"`
	Errors    int64   `json:"errors"`
	TotalMs   float64 `json:"total_ms"`
	MaxMs     float64 `json:"max_ms"`
	LastError string  `json:"last_error,omitempty"`
}

// AvgMs returns the mean duration.
func (s OpStats) AvgMs() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.TotalMs / float64(s.Count)
}

// Recorder tracks operation timings. Safe for concurrent use.
type Recorder struct {
	instruments *ledgerotel.Metrics

	mu    sync.Mutex
	stats map[string]*OpStats
}

// New builds a recorder. instruments may be nil, leaving only the
// in-process aggregates.
func New(instruments *ledgerotel.Metrics) *Recorder {
	return &Recorder{
		instruments: instruments,
		stats:       map[string]*OpStats{},
	}
}

// Track runs fn, timing it and recording the outcome under op. The
// error is passed through untouched.
func (r *Recorder) Track(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	r.Record(ctx, op, time.Since(start), err)
	return err
}

// Record registers one completed operation. Useful when the duration
// was measured elsewhere.
func (r *Recorder) Record(ctx context.Context, op string, d time.Duration, err error) {
	ms := float64(d) / float64(time.Millisecond)

	r.mu.Lock()
	s, ok := r.stats[op]
	if !ok {
		s = &OpStats{Operation: op}
		r.stats[op] = s
	}
	s.Count++
	s.TotalMs += ms
	if ms > s.MaxMs {
		s.MaxMs = ms
	}
	if err != nil {
		s.Errors++
		s.LastError = err.Error()
	}
	r.mu.Unlock()

	if r.instruments != nil {
		attrs := metric.WithAttributes(ledgerotel.AttrOperation.String(op))
		r.instruments.OpDuration.Record(ctx, ms, attrs)
		if err != nil {
			r.instruments.OpErrors.Add(ctx, 1, attrs)
		}
	}
}

// Snapshot returns the aggregates sorted by operation name.
func (r *Recorder) Snapshot() []OpStats {
	r.mu.Lock()
	out := make([]OpStats, 0, len(r.stats))
	for _, s := range r.stats {
		out = append(out, *s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// Reset clears the in-process aggregates. OTel instruments are
// cumulative and unaffected.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.stats = map[string]*OpStats{}
	r.mu.Unlock()
}
