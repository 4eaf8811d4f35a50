// ABOUTME: SLO monitor: periodic sampling, percentile/mean evaluation, error-budget math, violation history.
// ABOUTME: Violations are events, never errors; the metrics backend is supplied by the caller as a Sampler.
package slo

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Direction says which side of the target is healthy.
type Direction string

const (
	DirectionLower  Direction = "lower"  // actual should stay at or below target
	DirectionHigher Direction = "higher" // actual should stay at or above target
)

// Severity classifies how much error budget a violation has burned.
type Severity string

const (
	SeverityOK       Severity = "ok"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SLO is one service-level objective over a named metric.
type SLO struct {
	Name        string        `json:"name"`
	MetricName  string        `json:"metricName"`
	Target      float64       `json:"target"`
	Window      time.Duration `json:"window"`
	Percentile  float64       `json:"percentile,omitempty"` // 0 means mean
	ErrorBudget float64       `json:"errorBudget"`
	Direction   Direction     `json:"direction"`
	Query       string        `json:"query,omitempty"`
}

// Status is the evaluated state of one SLO.
type Status struct {
	Name                 string    `json:"name"`
	Target               float64   `json:"target"`
	Actual               float64   `json:"actual"`
	Passing              bool      `json:"passing"`
	ErrorBudget          float64   `json:"errorBudget"`
	ErrorBudgetUsed      float64   `json:"errorBudgetUsed"`
	ErrorBudgetRemaining float64   `json:"errorBudgetRemaining"`
	Severity             Severity  `json:"severity"`
	LastChecked          time.Time `json:"lastChecked"`
}

// Violation is one failed check, kept in bounded history.
type Violation struct {
	SLO       string    `json:"slo"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Sampler supplies metric samples for a window. The caller owns collection;
// the monitor only evaluates.
type Sampler interface {
	Samples(metricName string, window time.Duration) []float64
}

// EventType identifies SLO monitor events.
type EventType string

const (
	EventViolation  EventType = "slo:violation"
	EventRegression EventType = "slo:regression"
)

// Event is an SLO monitor event.
type Event struct {
	Type      EventType
	SLO       string
	Metric    string
	Data      map[string]any
	Timestamp time.Time
}

// ErrDuplicateSLO rejects registering two SLOs under one name.
var ErrDuplicateSLO = errors.New("slo already registered")

const maxViolationHistory = 1000

// Options configures a Monitor.
type Options struct {
	CheckInterval time.Duration         // default 30s
	Sampler       Sampler               // required for checks to see data
	EventHandler  func(Event)           // optional; must not call back into the monitor
	Registerer    prometheus.Registerer // optional; exports slo status gauges
}

// Monitor evaluates registered SLOs on a fixed cadence.
type Monitor struct {
	opts     Options
	detector *Detector

	actualGauge    *prometheus.GaugeVec
	remainingGauge *prometheus.GaugeVec
	passingGauge   *prometheus.GaugeVec

	mu       sync.Mutex
	slos     map[string]SLO
	statuses map[string]Status
	history  []Violation
	started  bool
	done     chan struct{}
}

// NewMonitor creates a Monitor pre-loaded with the default SLO set. Call
// Start to begin periodic checks.
func NewMonitor(opts Options) *Monitor {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	m := &Monitor{
		opts:     opts,
		detector: NewDetector(DetectorOptions{}),
		slos:     make(map[string]SLO),
		statuses: make(map[string]Status),
		done:     make(chan struct{}),
	}

	m.actualGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skein_slo_actual",
		Help: "Evaluated actual value per SLO.",
	}, []string{"slo"})
	m.remainingGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skein_slo_error_budget_remaining",
		Help: "Remaining error budget per SLO.",
	}, []string{"slo"})
	m.passingGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "skein_slo_passing",
		Help: "1 when the SLO currently passes, 0 otherwise.",
	}, []string{"slo"})
	if opts.Registerer != nil {
		opts.Registerer.MustRegister(m.actualGauge, m.remainingGauge, m.passingGauge)
	}

	for _, slo := range DefaultSLOs() {
		m.slos[slo.Name] = slo
	}
	return m
}

// DefaultSLOs returns the built-in objective set.
func DefaultSLOs() []SLO {
	return []SLO{
		{Name: "ttft_latency", MetricName: "ttft_ms", Target: 500, Window: 5 * time.Minute, Percentile: 95, ErrorBudget: 0.05, Direction: DirectionLower},
		{Name: "rpc_latency", MetricName: "rpc_ms", Target: 300, Window: 5 * time.Minute, Percentile: 95, ErrorBudget: 0.05, Direction: DirectionLower},
		{Name: "search_latency", MetricName: "search_ms", Target: 800, Window: 5 * time.Minute, Percentile: 95, ErrorBudget: 0.05, Direction: DirectionLower},
		{Name: "cache_hit_rate", MetricName: "cache_hit_rate", Target: 0.8, Window: 10 * time.Minute, ErrorBudget: 0.1, Direction: DirectionHigher},
		{Name: "error_rate", MetricName: "error_rate", Target: 0.01, Window: 5 * time.Minute, ErrorBudget: 0.01, Direction: DirectionLower},
		{Name: "availability", MetricName: "availability", Target: 0.999, Window: 30 * time.Minute, ErrorBudget: 0.001, Direction: DirectionHigher},
	}
}

// Register adds an SLO at runtime.
func (m *Monitor) Register(slo SLO) error {
	if slo.Name == "" || slo.MetricName == "" {
		return fmt.Errorf("slo needs a name and a metric")
	}
	if slo.Direction == "" {
		slo.Direction = DirectionLower
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.slos[slo.Name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateSLO, slo.Name)
	}
	m.slos[slo.Name] = slo
	return nil
}

// SLOs returns the registered objectives.
func (m *Monitor) SLOs() []SLO {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SLO, 0, len(m.slos))
	for _, slo := range m.slos {
		out = append(out, slo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Statuses returns the latest evaluated status per SLO.
func (m *Monitor) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// History returns the recorded violations, oldest first.
func (m *Monitor) History() []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Violation(nil), m.history...)
}

// Start begins the periodic check loop.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.opts.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.CheckNow()
			}
		}
	}()
}

// Shutdown stops the check loop.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

// CheckNow evaluates every SLO once against the sampler.
func (m *Monitor) CheckNow() {
	if m.opts.Sampler == nil {
		return
	}

	m.mu.Lock()
	slos := make([]SLO, 0, len(m.slos))
	for _, slo := range m.slos {
		slos = append(slos, slo)
	}
	m.mu.Unlock()

	now := time.Now()
	for _, slo := range slos {
		samples := m.opts.Sampler.Samples(slo.MetricName, slo.Window)
		status := Evaluate(slo, samples)
		status.LastChecked = now

		m.actualGauge.WithLabelValues(slo.Name).Set(status.Actual)
		m.remainingGauge.WithLabelValues(slo.Name).Set(status.ErrorBudgetRemaining)
		passing := 0.0
		if status.Passing {
			passing = 1
		}
		m.passingGauge.WithLabelValues(slo.Name).Set(passing)

		m.mu.Lock()
		m.statuses[slo.Name] = status
		if !status.Passing {
			m.history = append(m.history, Violation{SLO: slo.Name, Status: status, Timestamp: now})
			if len(m.history) > maxViolationHistory {
				m.history = m.history[len(m.history)-maxViolationHistory:]
			}
		}
		m.mu.Unlock()

		if !status.Passing {
			log.Printf("component=slo action=violation slo=%s actual=%.4f target=%.4f severity=%s",
				slo.Name, status.Actual, status.Target, status.Severity)
			m.emit(Event{Type: EventViolation, SLO: slo.Name, Metric: slo.MetricName, Data: map[string]any{
				"actual":               status.Actual,
				"target":               status.Target,
				"errorBudgetUsed":      status.ErrorBudgetUsed,
				"errorBudgetRemaining": status.ErrorBudgetRemaining,
				"severity":             string(status.Severity),
			}})
		}

		if len(samples) > 0 {
			if alert := m.detector.Record(slo.MetricName, status.Actual); alert != nil {
				log.Printf("component=slo action=regression metric=%s change=%.4f severity=%s",
					alert.Metric, alert.Change, alert.Severity)
				m.emit(Event{Type: EventRegression, SLO: slo.Name, Metric: slo.MetricName, Data: map[string]any{
					"baseline": alert.Baseline,
					"recent":   alert.Recent,
					"change":   alert.Change,
					"severity": string(alert.Severity),
				}})
			}
		}
	}
}

// Detector exposes the monitor's regression detector for direct feeding.
func (m *Monitor) Detector() *Detector {
	return m.detector
}

func (m *Monitor) emit(evt Event) {
	if m.opts.EventHandler == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.opts.EventHandler(evt)
}

// Evaluate computes one SLO status from raw samples. Empty input yields an
// actual of zero.
func Evaluate(slo SLO, samples []float64) Status {
	var actual float64
	if slo.Percentile > 0 {
		actual = Percentile(samples, slo.Percentile)
	} else {
		actual = Mean(samples)
	}

	var used float64
	switch slo.Direction {
	case DirectionHigher:
		if actual < slo.Target && slo.Target != 0 {
			used = (slo.Target - actual) / slo.Target
		}
	default:
		if actual > slo.Target && slo.Target != 0 {
			used = (actual - slo.Target) / slo.Target
		}
	}

	remaining := math.Max(0, slo.ErrorBudget-used)
	passing := used == 0 || remaining > 0

	severity := SeverityOK
	if slo.ErrorBudget > 0 {
		usage := 1 - remaining/slo.ErrorBudget
		switch {
		case usage >= 1:
			severity = SeverityCritical
		case usage >= 0.8:
			severity = SeverityWarning
		}
	}

	return Status{
		Name:                 slo.Name,
		Target:               slo.Target,
		Actual:               actual,
		Passing:              passing,
		ErrorBudget:          slo.ErrorBudget,
		ErrorBudgetUsed:      used,
		ErrorBudgetRemaining: remaining,
		Severity:             severity,
	}
}

// Percentile computes the nearest-rank percentile over the samples. Empty
// input yields 0.
func Percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	rank := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// Mean computes the arithmetic mean. Empty input yields 0.
func Mean(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return sum / float64(len(samples))
}
