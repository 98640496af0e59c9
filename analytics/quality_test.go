package analytics

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/medtranslate/edge-sync/storage/filestore"
)

func newTestTracker(t *testing.T, cfg Config) (*Tracker, *filestore.Store) {
	t.Helper()
	if cfg.Store == nil {
		store, err := filestore.New(filestore.Config{Dir: t.TempDir()})
		if err != nil {
			t.Fatal(err)
		}
		cfg.Store = store
	}
	tr, err := NewTracker(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return tr, cfg.Store
}

func sample(model, context, pair string, confidence float64) Sample {
	return Sample{
		Model:        model,
		Context:      context,
		LanguagePair: pair,
		Confidence:   confidence,
		Time:         time.Now().UTC(),
	}
}

func TestRecordBuffersUntilFlush(t *testing.T) {
	tr, _ := newTestTracker(t, Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := tr.Record(ctx, sample("nllb-small", "general", "en-es", 0.8)); err != nil {
			t.Fatal(err)
		}
	}

	// Aggregates stay empty until a flush applies the buffer.
	if m := tr.Metrics(); len(m.ByModel) != 0 {
		t.Errorf("aggregates must not change before flush: %+v", m.ByModel)
	}

	if err := tr.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	m := tr.Metrics()
	a := m.ByModel["nllb-small"]
	if a == nil || a.Count != 5 {
		t.Fatalf("ByModel = %+v, want count 5", m.ByModel)
	}
	if diff := a.Mean() - 0.8; math.Abs(diff) > 1e-9 {
		t.Errorf("mean = %v, want 0.8", a.Mean())
	}
	if m.ByContext["general"].Count != 5 || m.ByLanguagePair["en-es"].Count != 5 {
		t.Errorf("context/pair aggregates = %+v / %+v", m.ByContext, m.ByLanguagePair)
	}
}

func TestRecordFlushesAtThreshold(t *testing.T) {
	tr, _ := newTestTracker(t, Config{})
	ctx := context.Background()

	for i := 0; i < flushThreshold; i++ {
		if err := tr.Record(ctx, sample("nllb-small", "general", "en-es", 0.7)); err != nil {
			t.Fatal(err)
		}
	}

	m := tr.Metrics()
	if m.ByModel["nllb-small"] == nil || m.ByModel["nllb-small"].Count != flushThreshold {
		t.Errorf("crossing the threshold must flush, got %+v", m.ByModel)
	}
}

func TestFeedbackAggregation(t *testing.T) {
	tr, _ := newTestTracker(t, Config{})
	ctx := context.Background()

	rating := 4
	s := sample("nllb-small", "medication", "en-es", 0.9)
	s.Feedback = &rating
	if err := tr.Record(ctx, s); err != nil {
		t.Fatal(err)
	}
	if err := tr.Record(ctx, sample("nllb-small", "medication", "en-es", 0.6)); err != nil {
		t.Fatal(err)
	}
	if err := tr.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	a := tr.Metrics().ByModel["nllb-small"]
	if a.FeedbackCount != 1 || a.FeedbackSum != 4 {
		t.Errorf("feedback aggregate = %+v", a)
	}
	if a.Count != 2 {
		t.Errorf("count = %d, want 2", a.Count)
	}
}

// A crash between Record and Flush loses nothing: the delta buffer replays
// on the next start.
func TestDeltaBufferReplaysAfterRestart(t *testing.T) {
	store, err := filestore.New(filestore.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	t1, _ := newTestTracker(t, Config{Store: store})
	for i := 0; i < 3; i++ {
		if err := t1.Record(ctx, sample("nllb-small", "general", "en-es", 0.75)); err != nil {
			t.Fatal(err)
		}
	}
	// No Flush: t1 "crashes" with the buffer only in the delta record.

	t2, _ := newTestTracker(t, Config{Store: store})
	if err := t2.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	a := t2.Metrics().ByModel["nllb-small"]
	if a == nil || a.Count != 3 {
		t.Errorf("replayed aggregate = %+v, want count 3", a)
	}
}

func TestMetricsPersistAcrossTrackers(t *testing.T) {
	store, err := filestore.New(filestore.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	t1, _ := newTestTracker(t, Config{Store: store})
	if err := t1.Record(ctx, sample("nllb-small", "general", "en-es", 0.9)); err != nil {
		t.Fatal(err)
	}
	if err := t1.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	t2, _ := newTestTracker(t, Config{Store: store})
	a := t2.Metrics().ByModel["nllb-small"]
	if a == nil || a.Count != 1 {
		t.Errorf("reloaded aggregate = %+v", a)
	}
}

func TestCompactWritesBackup(t *testing.T) {
	dir := t.TempDir()
	store, err := filestore.New(filestore.Config{Dir: dir, Backups: 2})
	if err != nil {
		t.Fatal(err)
	}
	tr, _ := newTestTracker(t, Config{Store: store})
	ctx := context.Background()

	if err := tr.Record(ctx, sample("nllb-small", "general", "en-es", 0.8)); err != nil {
		t.Fatal(err)
	}
	if err := tr.Compact(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tr.Record(ctx, sample("nllb-small", "general", "en-es", 0.9)); err != nil {
		t.Fatal(err)
	}
	if err := tr.Compact(ctx); err != nil {
		t.Fatal(err)
	}

	backups, err := filepath.Glob(filepath.Join(dir, metricsKey+".bak-*.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) == 0 {
		t.Error("compaction must leave rotating backups")
	}
}

func TestAnalyzeTrendsBounded(t *testing.T) {
	tr, _ := newTestTracker(t, Config{MaxTrendPoints: 3})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := tr.AnalyzeTrends(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(tr.Trends()); got != 3 {
		t.Errorf("trend series length = %d, want 3", got)
	}
}

func TestAnalyzeTrendsAggregates(t *testing.T) {
	tr, _ := newTestTracker(t, Config{})
	ctx := context.Background()

	rating := 5
	s := sample("nllb-small", "general", "en-es", 0.6)
	s.Feedback = &rating
	if err := tr.Record(ctx, s); err != nil {
		t.Fatal(err)
	}
	if err := tr.Record(ctx, sample("nllb-small", "general", "en-es", 0.8)); err != nil {
		t.Fatal(err)
	}
	if err := tr.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tr.AnalyzeTrends(ctx); err != nil {
		t.Fatal(err)
	}

	points := tr.Trends()
	if len(points) != 1 {
		t.Fatalf("points = %d, want 1", len(points))
	}
	p := points[0]
	if p.Samples != 2 {
		t.Errorf("samples = %d, want 2", p.Samples)
	}
	if math.Abs(p.AvgConfidence-0.7) > 1e-9 {
		t.Errorf("avg confidence = %v, want 0.7", p.AvgConfidence)
	}
	if p.AvgFeedback != 5 {
		t.Errorf("avg feedback = %v, want 5", p.AvgFeedback)
	}
}

func TestDetectAnomaliesNeedsBaseline(t *testing.T) {
	tr, _ := newTestTracker(t, Config{})
	ctx := context.Background()

	// Four stable windows warm the baseline but stay under the five-sample
	// minimum; nothing can be flagged yet.
	for i := 0; i < 4; i++ {
		seedTrendPoint(t, tr, 0.8+float64(i)*0.001)
		found, err := tr.DetectAnomalies(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(found) != 0 {
			t.Fatalf("window %d flagged before baseline warmed: %+v", i, found)
		}
	}
}

func TestDetectAnomaliesFlagsDrop(t *testing.T) {
	tr, _ := newTestTracker(t, Config{})
	ctx := context.Background()

	// Stable confidence around 0.80 with slight jitter.
	values := []float64{0.80, 0.81, 0.79, 0.80, 0.82, 0.80, 0.79}
	for _, v := range values {
		seedTrendPoint(t, tr, v)
		if found, err := tr.DetectAnomalies(ctx); err != nil {
			t.Fatal(err)
		} else if len(found) != 0 {
			t.Fatalf("stable window flagged: %+v", found)
		}
	}

	// A collapse to 0.30 is far beyond 2.5 standard deviations.
	seedTrendPoint(t, tr, 0.30)
	found, err := tr.DetectAnomalies(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 1 {
		t.Fatalf("anomalies = %+v, want exactly one", found)
	}
	a := found[0]
	if a.ZScore > -2.5 {
		t.Errorf("z-score = %v, want below -2.5", a.ZScore)
	}
	if a.Metric != "avg_confidence" {
		t.Errorf("metric = %q", a.Metric)
	}
	if len(tr.Anomalies()) != 1 {
		t.Errorf("anomaly history = %+v", tr.Anomalies())
	}
}

// A sustained shift stops being anomalous once the baseline absorbs it.
func TestBaselineAbsorbsShift(t *testing.T) {
	tr, _ := newTestTracker(t, Config{})
	ctx := context.Background()

	for _, v := range []float64{0.80, 0.81, 0.79, 0.80, 0.82, 0.80} {
		seedTrendPoint(t, tr, v)
		if _, err := tr.DetectAnomalies(ctx); err != nil {
			t.Fatal(err)
		}
	}

	flagged := 0
	for i := 0; i < 30; i++ {
		seedTrendPoint(t, tr, 0.50)
		found, err := tr.DetectAnomalies(ctx)
		if err != nil {
			t.Fatal(err)
		}
		flagged += len(found)
	}
	if flagged == 0 {
		t.Fatal("the initial shift must be flagged")
	}
	if flagged >= 30 {
		t.Error("the baseline must eventually absorb the new level")
	}
}

func TestAnomalyStatePersists(t *testing.T) {
	store, err := filestore.New(filestore.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	t1, _ := newTestTracker(t, Config{Store: store})
	for _, v := range []float64{0.80, 0.81, 0.79, 0.80, 0.82, 0.80} {
		seedTrendPoint(t, t1, v)
		if _, err := t1.DetectAnomalies(ctx); err != nil {
			t.Fatal(err)
		}
	}
	seedTrendPoint(t, t1, 0.30)
	if _, err := t1.DetectAnomalies(ctx); err != nil {
		t.Fatal(err)
	}

	t2, _ := newTestTracker(t, Config{Store: store})
	if len(t2.Anomalies()) != 1 {
		t.Errorf("reloaded anomalies = %+v", t2.Anomalies())
	}
	t2.mu.Lock()
	samples := t2.baseline.Samples
	t2.mu.Unlock()
	if samples != 7 {
		t.Errorf("reloaded baseline samples = %d, want 7", samples)
	}
}

// seedTrendPoint appends one synthetic trend point, bypassing the aggregate
// window so anomaly tests control the series directly.
func seedTrendPoint(t *testing.T, tr *Tracker, avgConfidence float64) {
	t.Helper()
	tr.mu.Lock()
	tr.trends = append(tr.trends, TrendPoint{
		Time:          time.Now().UTC(),
		AvgConfidence: avgConfidence,
		Samples:       10,
	})
	tr.mu.Unlock()
}

func TestWelfordStdDev(t *testing.T) {
	var b Baseline
	now := time.Now()
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		b.add(v, now)
	}
	if math.Abs(b.Mean-5) > 1e-9 {
		t.Errorf("mean = %v, want 5", b.Mean)
	}
	// Sample standard deviation of the classic series is sqrt(32/7).
	want := math.Sqrt(32.0 / 7.0)
	if math.Abs(b.StdDev()-want) > 1e-9 {
		t.Errorf("stddev = %v, want %v", b.StdDev(), want)
	}
}
