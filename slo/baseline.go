// ABOUTME: Regression detection over per-metric baseline ring buffers.
// ABOUTME: Compares the historical mean against a recent window and alerts on large relative change.
package slo

import (
	"math"
	"sync"
)

// DetectorOptions tunes regression detection. Zero values take defaults.
type DetectorOptions struct {
	Capacity  int     // ring buffer size per metric (default 100)
	Lookback  int     // minimum samples before reporting (default 50)
	Recent    int     // size of the recent comparison window (default 10)
	Threshold float64 // relative-change alert threshold (default 0.2)
}

// RegressionAlert reports a metric drifting away from its baseline.
type RegressionAlert struct {
	Metric   string   `json:"metric"`
	Baseline float64  `json:"baseline"`
	Recent   float64  `json:"recent"`
	Change   float64  `json:"change"` // relative, signed
	Severity Severity `json:"severity"`
}

// ring is a bounded sample buffer that overwrites oldest entries.
type ring struct {
	samples []float64
	next    int
	full    bool
}

func (r *ring) add(v float64, capacity int) {
	if r.samples == nil {
		r.samples = make([]float64, capacity)
	}
	r.samples[r.next] = v
	r.next = (r.next + 1) % capacity
	if r.next == 0 {
		r.full = true
	}
}

// ordered returns the samples oldest-first.
func (r *ring) ordered() []float64 {
	if !r.full {
		return append([]float64(nil), r.samples[:r.next]...)
	}
	out := make([]float64, 0, len(r.samples))
	out = append(out, r.samples[r.next:]...)
	out = append(out, r.samples[:r.next]...)
	return out
}

// Detector keeps one baseline ring per metric id. Safe for concurrent use.
type Detector struct {
	opts DetectorOptions

	mu        sync.Mutex
	baselines map[string]*ring
}

// NewDetector creates a Detector.
func NewDetector(opts DetectorOptions) *Detector {
	if opts.Capacity <= 0 {
		opts.Capacity = 100
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 50
	}
	if opts.Recent <= 0 {
		opts.Recent = 10
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 0.2
	}
	return &Detector{opts: opts, baselines: make(map[string]*ring)}
}

// Record appends a sample and reports a regression when the recent window
// deviates from the historical mean by more than the threshold. Returns nil
// while under the lookback or when the change is within bounds.
func (d *Detector) Record(metric string, value float64) *RegressionAlert {
	return d.RecordWithThreshold(metric, value, d.opts.Threshold)
}

// RecordWithThreshold is Record with a per-call threshold override.
func (d *Detector) RecordWithThreshold(metric string, value float64, threshold float64) *RegressionAlert {
	d.mu.Lock()
	r, ok := d.baselines[metric]
	if !ok {
		r = &ring{}
		d.baselines[metric] = r
	}
	r.add(value, d.opts.Capacity)
	samples := r.ordered()
	d.mu.Unlock()

	if len(samples) < d.opts.Lookback {
		return nil
	}
	split := len(samples) - d.opts.Recent
	if split <= 0 {
		return nil
	}
	historical := Mean(samples[:split])
	recent := Mean(samples[split:])
	if historical == 0 {
		return nil
	}

	change := (recent - historical) / historical
	if math.Abs(change) <= threshold {
		return nil
	}
	severity := SeverityWarning
	if math.Abs(change) > 2*threshold {
		severity = SeverityCritical
	}
	return &RegressionAlert{
		Metric:   metric,
		Baseline: historical,
		Recent:   recent,
		Change:   change,
		Severity: severity,
	}
}

// Samples returns the recorded baseline for a metric, oldest first.
func (d *Detector) Samples(metric string) []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.baselines[metric]
	if !ok {
		return nil
	}
	return r.ordered()
}
