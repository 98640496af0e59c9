// Package analytics maintains rolling statistics on translation confidence
// and user feedback, detects anomalies against a computed baseline, and
// persists compacted aggregates with rotating backups.
package analytics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/medtranslate/edge-sync/logging"
	"github.com/medtranslate/edge-sync/storage/filestore"
)

// Persisted record keys.
const (
	metricsKey   = "quality-metrics"
	deltaKey     = "quality-metrics-delta"
	trendsKey    = "trends"
	anomaliesKey = "anomalies"
)

// flushThreshold is the delta-buffer size that triggers an aggregate flush;
// many small updates batch into one write.
const flushThreshold = 25

// Aggregate accumulates confidence and feedback for one grouping key.
type Aggregate struct {
	Count         int     `json:"count"`
	ConfidenceSum float64 `json:"confidenceSum"`
	FeedbackSum   int     `json:"feedbackSum"`
	FeedbackCount int     `json:"feedbackCount"`
}

// Mean returns the average confidence of the aggregate.
func (a *Aggregate) Mean() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.ConfidenceSum / float64(a.Count)
}

// QualityMetrics holds the nested aggregates persisted as quality-metrics.
type QualityMetrics struct {
	ByModel        map[string]*Aggregate `json:"byModel"`
	ByContext      map[string]*Aggregate `json:"byContext"`
	ByLanguagePair map[string]*Aggregate `json:"byLanguagePair"`
	UpdatedAt      time.Time             `json:"updatedAt"`
}

func newQualityMetrics() QualityMetrics {
	return QualityMetrics{
		ByModel:        make(map[string]*Aggregate),
		ByContext:      make(map[string]*Aggregate),
		ByLanguagePair: make(map[string]*Aggregate),
	}
}

// Sample is one translation or feedback event.
type Sample struct {
	Model        string    `json:"model"`
	Context      string    `json:"context"`
	LanguagePair string    `json:"languagePair"`
	Confidence   float64   `json:"confidence"`
	Feedback     *int      `json:"feedback,omitempty"` // 1-5 rating
	Time         time.Time `json:"time"`
}

// Config tunes the tracker.
type Config struct {
	Store *filestore.Store

	// AnomalyThreshold is the z-score above which a sample window is
	// anomalous. Defaults to 2.5.
	AnomalyThreshold float64

	// MaxTrendPoints bounds the trend series. Defaults to 288 (one day at
	// five-minute resolution).
	MaxTrendPoints int

	Logger *logging.Logger
}

// Tracker is the quality/trend analytics engine. Single writer; status
// readers tolerate mid-read snapshots.
type Tracker struct {
	store     *filestore.Store
	threshold float64
	maxTrend  int
	logger    *logging.Logger

	mu        sync.Mutex
	metrics   QualityMetrics
	pending   []Sample
	trends    []TrendPoint
	baseline  Baseline
	anomalies []Anomaly
}

func NewTracker(cfg Config) (*Tracker, error) {
	if cfg.Store == nil {
		return nil, errors.New("analytics: store is required")
	}
	if cfg.AnomalyThreshold == 0 {
		cfg.AnomalyThreshold = 2.5
	}
	if cfg.MaxTrendPoints == 0 {
		cfg.MaxTrendPoints = 288
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().WithComponent("analytics")
	}

	t := &Tracker{
		store:     cfg.Store,
		threshold: cfg.AnomalyThreshold,
		maxTrend:  cfg.MaxTrendPoints,
		logger:    cfg.Logger,
		metrics:   newQualityMetrics(),
	}
	t.load()
	return t, nil
}

// Record buffers one sample. The delta buffer batches many small updates
// into one write; crossing the threshold flushes.
func (t *Tracker) Record(ctx context.Context, s Sample) error {
	if s.Time.IsZero() {
		s.Time = time.Now().UTC()
	}

	t.mu.Lock()
	t.pending = append(t.pending, s)
	full := len(t.pending) >= flushThreshold
	t.mu.Unlock()

	if full {
		return t.Flush(ctx)
	}
	// Persist the small delta record so a crash loses at most the buffer
	// written since the last delta write.
	t.mu.Lock()
	snapshot := append([]Sample(nil), t.pending...)
	t.mu.Unlock()
	return t.store.Put(ctx, deltaKey, snapshot)
}

// Flush applies the delta buffer to the aggregates and persists them.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	for _, s := range pending {
		t.apply(s)
	}
	t.metrics.UpdatedAt = time.Now().UTC()
	t.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if err := t.store.Delete(ctx, deltaKey); err != nil {
		t.logger.Warn("delta cleanup failed", "error", err)
	}
	return t.store.Put(ctx, metricsKey, t.snapshot())
}

// Compact flushes, then persists the full aggregates with a rotating
// backup. Called periodically so the durable record stays bounded and
// recoverable.
func (t *Tracker) Compact(ctx context.Context) error {
	if err := t.Flush(ctx); err != nil {
		return err
	}
	return t.store.PutWithBackup(ctx, metricsKey, t.snapshot())
}

func (t *Tracker) apply(s Sample) {
	bump := func(m map[string]*Aggregate, key string) {
		if key == "" {
			return
		}
		a, ok := m[key]
		if !ok {
			a = &Aggregate{}
			m[key] = a
		}
		a.Count++
		a.ConfidenceSum += s.Confidence
		if s.Feedback != nil {
			a.FeedbackSum += *s.Feedback
			a.FeedbackCount++
		}
	}
	bump(t.metrics.ByModel, s.Model)
	bump(t.metrics.ByContext, s.Context)
	bump(t.metrics.ByLanguagePair, s.LanguagePair)
}

// Metrics returns a copy of the current aggregates.
func (t *Tracker) Metrics() QualityMetrics {
	return t.snapshot()
}

func (t *Tracker) snapshot() QualityMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := newQualityMetrics()
	out.UpdatedAt = t.metrics.UpdatedAt
	for k, v := range t.metrics.ByModel {
		c := *v
		out.ByModel[k] = &c
	}
	for k, v := range t.metrics.ByContext {
		c := *v
		out.ByContext[k] = &c
	}
	for k, v := range t.metrics.ByLanguagePair {
		c := *v
		out.ByLanguagePair[k] = &c
	}
	return out
}

func (t *Tracker) load() {
	ctx := context.Background()

	var m QualityMetrics
	if err := t.store.Get(ctx, metricsKey, &m); err == nil {
		if m.ByModel == nil {
			m.ByModel = make(map[string]*Aggregate)
		}
		if m.ByContext == nil {
			m.ByContext = make(map[string]*Aggregate)
		}
		if m.ByLanguagePair == nil {
			m.ByLanguagePair = make(map[string]*Aggregate)
		}
		t.metrics = m
	}

	// Replay any delta buffer that survived a crash.
	var pending []Sample
	if err := t.store.Get(ctx, deltaKey, &pending); err == nil {
		t.pending = pending
	}

	var trends []TrendPoint
	if err := t.store.Get(ctx, trendsKey, &trends); err == nil {
		t.trends = trends
	}
	var b Baseline
	if err := t.store.Get(ctx, baselineKey, &b); err == nil {
		t.baseline = b
	}
	var anomalies []Anomaly
	if err := t.store.Get(ctx, anomaliesKey, &anomalies); err == nil {
		t.anomalies = anomalies
	}
}
