// Package metrics observes enforcement quality. Every kernel barrier
// reports whether it blocked a request; ground truth about whether the
// request was actually a threat arrives later from out-of-band review, so
// precision and recall here are necessarily retrospective. The collector
// is purely observational: it raises alerts when detection quality
// degrades but never blocks traffic.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ember6784/archon-ai/pkg/contracts"
)

// Observation is one barrier decision plus its (possibly provisional)
// ground-truth label.
type Observation struct {
	RequestID string
	Blocked   bool
	WasThreat bool
	Labeled   bool // true once ground truth has been confirmed
	Latency   time.Duration
	At        time.Time
}

// BarrierMetrics is a point-in-time snapshot of one barrier's rolling
// window. Rates are computed over labeled observations only.
type BarrierMetrics struct {
	Barrier           string        `json:"barrier"`
	Samples           int           `json:"samples"`
	Labeled           int           `json:"labeled"`
	TruePositives     int           `json:"true_positives"`
	FalsePositives    int           `json:"false_positives"`
	TrueNegatives     int           `json:"true_negatives"`
	FalseNegatives    int           `json:"false_negatives"`
	Precision         float64       `json:"precision"`
	Recall            float64       `json:"recall"`
	FalseNegativeRate float64       `json:"false_negative_rate"`
	Specificity       float64       `json:"specificity"`
	F1                float64       `json:"f1"`
	P50Latency        time.Duration `json:"p50_latency"`
	P99Latency        time.Duration `json:"p99_latency"`
	TakenAt           time.Time     `json:"taken_at"`
}

// Alert reports sustained detection-quality degradation on one barrier.
type Alert struct {
	Barrier string         `json:"barrier"`
	Reason  string         `json:"reason"`
	Metrics BarrierMetrics `json:"metrics"`
	At      time.Time      `json:"at"`
}

// Config tunes the collector. The zero value gets defaults.
type Config struct {
	// WindowSize is the number of observations each barrier retains.
	WindowSize int
	// MinSamples is the labeled-observation floor below which no anomaly
	// judgment is made.
	MinSamples int
	// MaxFalseNegativeRate above which an alert fires.
	MaxFalseNegativeRate float64
	// MinPrecision below which an alert fires.
	MinPrecision float64
}

func (c Config) withDefaults() Config {
	if c.WindowSize <= 0 {
		c.WindowSize = 512
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 20
	}
	if c.MaxFalseNegativeRate <= 0 {
		c.MaxFalseNegativeRate = 0.05
	}
	if c.MinPrecision <= 0 {
		c.MinPrecision = 0.8
	}
	return c
}

type barrier struct {
	window      []Observation // ring buffer, next points at the oldest slot
	next        int
	filled      bool
	alertActive bool
}

// Collector aggregates barrier observations. All methods are safe for
// concurrent use.
type Collector struct {
	mu          sync.Mutex
	cfg         Config
	clock       contracts.Clock
	logger      *slog.Logger
	barriers    map[string]*barrier
	subscribers []func(Alert)

	decisionCounter metric.Int64Counter
	latencyHist     metric.Float64Histogram
}

// NewCollector returns a ready collector.
func NewCollector(cfg Config, clock contracts.Clock, logger *slog.Logger) *Collector {
	if clock == nil {
		clock = contracts.SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		cfg:      cfg.withDefaults(),
		clock:    clock,
		logger:   logger.With("component", "metrics"),
		barriers: make(map[string]*barrier),
	}
}

// UseMeter mirrors observations onto OpenTelemetry instruments for
// external dashboards. Mirroring is additive; snapshots keep working
// without it.
func (c *Collector) UseMeter(meter metric.Meter) error {
	counter, err := meter.Int64Counter("archon.barrier.decisions",
		metric.WithDescription("Barrier decisions by outcome"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return fmt.Errorf("metrics: creating decision counter: %w", err)
	}
	hist, err := meter.Float64Histogram("archon.barrier.latency",
		metric.WithDescription("Barrier evaluation latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5))
	if err != nil {
		return fmt.Errorf("metrics: creating latency histogram: %w", err)
	}
	c.mu.Lock()
	c.decisionCounter = counter
	c.latencyHist = hist
	c.mu.Unlock()
	return nil
}

// Subscribe registers an alert receiver. Receivers run on their own
// goroutine; a slow receiver never stalls recording.
func (c *Collector) Subscribe(fn func(Alert)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Record stores one barrier decision with an immediate (provisional)
// threat label.
func (c *Collector) Record(name string, blocked, wasThreat bool, latency time.Duration) {
	c.RecordObservation(name, Observation{
		Blocked:   blocked,
		WasThreat: wasThreat,
		Labeled:   true,
		Latency:   latency,
	})
}

// RecordObservation stores one barrier decision. Unlabeled observations
// count for latency but not for the confusion matrix until Label confirms
// their ground truth.
func (c *Collector) RecordObservation(name string, obs Observation) {
	if obs.At.IsZero() {
		obs.At = c.clock.Now()
	}

	c.mu.Lock()
	b := c.barriers[name]
	if b == nil {
		b = &barrier{window: make([]Observation, c.cfg.WindowSize)}
		c.barriers[name] = b
	}
	b.window[b.next] = obs
	b.next++
	if b.next == len(b.window) {
		b.next = 0
		b.filled = true
	}
	snap := c.snapshotLocked(name, b)
	alert, fired := c.judgeLocked(b, snap)
	subscribers := append([]func(Alert){}, c.subscribers...)
	counter, hist := c.decisionCounter, c.latencyHist
	c.mu.Unlock()

	if counter != nil {
		counter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("barrier", name),
			attribute.Bool("blocked", obs.Blocked),
		))
	}
	if hist != nil {
		hist.Record(context.Background(), obs.Latency.Seconds(), metric.WithAttributes(
			attribute.String("barrier", name),
		))
	}

	if fired {
		c.logger.Warn("detection quality anomaly",
			"barrier", alert.Barrier, "reason", alert.Reason,
			"precision", snap.Precision, "false_negative_rate", snap.FalseNegativeRate)
		for _, fn := range subscribers {
			go fn(alert)
		}
	}
}

// Label attaches confirmed ground truth to a previously recorded
// observation, identified by request ID. Returns false when the
// observation has already rotated out of every window.
func (c *Collector) Label(requestID string, wasThreat bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	found := false
	for _, b := range c.barriers {
		for i := range b.window {
			if b.window[i].RequestID == requestID {
				b.window[i].WasThreat = wasThreat
				b.window[i].Labeled = true
				found = true
			}
		}
	}
	return found
}

// Snapshot computes the current metrics for one barrier.
func (c *Collector) Snapshot(name string) (BarrierMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.barriers[name]
	if !ok {
		return BarrierMetrics{}, false
	}
	return c.snapshotLocked(name, b), true
}

// SnapshotAll returns metrics for every barrier, sorted by name.
func (c *Collector) SnapshotAll() []BarrierMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]BarrierMetrics, 0, len(c.barriers))
	for name, b := range c.barriers {
		out = append(out, c.snapshotLocked(name, b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Barrier < out[j].Barrier })
	return out
}

// WriteJSON emits a machine-readable snapshot of every barrier, for
// dashboards. Read-only; there is no control surface here.
func (c *Collector) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c.SnapshotAll())
}

func (c *Collector) snapshotLocked(name string, b *barrier) BarrierMetrics {
	m := BarrierMetrics{Barrier: name, TakenAt: c.clock.Now()}

	size := b.next
	if b.filled {
		size = len(b.window)
	}
	latencies := make([]time.Duration, 0, size)
	for i := 0; i < size; i++ {
		obs := b.window[i]
		m.Samples++
		latencies = append(latencies, obs.Latency)
		if !obs.Labeled {
			continue
		}
		m.Labeled++
		switch {
		case obs.Blocked && obs.WasThreat:
			m.TruePositives++
		case obs.Blocked && !obs.WasThreat:
			m.FalsePositives++
		case !obs.Blocked && obs.WasThreat:
			m.FalseNegatives++
		default:
			m.TrueNegatives++
		}
	}

	m.Precision = ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	m.Recall = ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	m.FalseNegativeRate = ratio(m.FalseNegatives, m.FalseNegatives+m.TruePositives)
	m.Specificity = ratio(m.TrueNegatives, m.TrueNegatives+m.FalsePositives)
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.P50Latency = percentile(latencies, 0.50)
	m.P99Latency = percentile(latencies, 0.99)
	return m
}

// judgeLocked decides whether the barrier's snapshot crosses an anomaly
// threshold. The alert fires once per excursion; recovery re-arms it.
func (c *Collector) judgeLocked(b *barrier, snap BarrierMetrics) (Alert, bool) {
	if snap.Labeled < c.cfg.MinSamples {
		return Alert{}, false
	}

	var reason string
	switch {
	case snap.FalseNegativeRate > c.cfg.MaxFalseNegativeRate:
		reason = fmt.Sprintf("false-negative rate %.3f above %.3f",
			snap.FalseNegativeRate, c.cfg.MaxFalseNegativeRate)
	case snap.TruePositives+snap.FalsePositives > 0 && snap.Precision < c.cfg.MinPrecision:
		reason = fmt.Sprintf("precision %.3f below %.3f", snap.Precision, c.cfg.MinPrecision)
	default:
		b.alertActive = false
		return Alert{}, false
	}

	if b.alertActive {
		return Alert{}, false
	}
	b.alertActive = true
	return Alert{Barrier: snap.Barrier, Reason: reason, Metrics: snap, At: snap.TakenAt}, true
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

func percentile(latencies []time.Duration, p float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}
