package analytics

import (
	"context"
	"math"
	"time"
)

const baselineKey = "anomaly-baseline"

// maxAnomalies bounds the persisted anomaly history.
const maxAnomalies = 100

// TrendPoint is one aggregated point of the bounded trend series.
type TrendPoint struct {
	Time          time.Time `json:"time"`
	AvgConfidence float64   `json:"avgConfidence"`
	AvgFeedback   float64   `json:"avgFeedback"`
	Samples       int       `json:"samples"`
}

// Baseline is the rolling statistical reference recent windows are compared
// against.
type Baseline struct {
	Mean      float64   `json:"mean"`
	M2        float64   `json:"m2"` // Welford accumulator
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StdDev returns the baseline's standard deviation.
func (b *Baseline) StdDev() float64 {
	if b.Samples < 2 {
		return 0
	}
	return math.Sqrt(b.M2 / float64(b.Samples-1))
}

func (b *Baseline) add(v float64, now time.Time) {
	b.Samples++
	delta := v - b.Mean
	b.Mean += delta / float64(b.Samples)
	b.M2 += delta * (v - b.Mean)
	b.UpdatedAt = now
}

// Anomaly records one detected deviation from the baseline.
type Anomaly struct {
	Time     time.Time `json:"time"`
	Value    float64   `json:"value"`
	Baseline float64   `json:"baseline"`
	ZScore   float64   `json:"zScore"`
	Metric   string    `json:"metric"`
}

// AnalyzeTrends appends one trend point aggregated from the current window
// of samples and persists the bounded series.
func (t *Tracker) AnalyzeTrends(ctx context.Context) error {
	now := time.Now().UTC()

	t.mu.Lock()
	var confSum, fbSum float64
	var n, fbN int
	for _, a := range t.metrics.ByModel {
		confSum += a.ConfidenceSum
		n += a.Count
		fbSum += float64(a.FeedbackSum)
		fbN += a.FeedbackCount
	}
	point := TrendPoint{Time: now, Samples: n}
	if n > 0 {
		point.AvgConfidence = confSum / float64(n)
	}
	if fbN > 0 {
		point.AvgFeedback = fbSum / float64(fbN)
	}
	t.trends = append(t.trends, point)
	if len(t.trends) > t.maxTrend {
		t.trends = t.trends[len(t.trends)-t.maxTrend:]
	}
	snapshot := append([]TrendPoint(nil), t.trends...)
	t.mu.Unlock()

	return t.store.Put(ctx, trendsKey, snapshot)
}

// Trends returns a copy of the trend series.
func (t *Tracker) Trends() []TrendPoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TrendPoint(nil), t.trends...)
}

// DetectAnomalies compares the latest trend point against the rolling
// baseline; z-scores beyond the threshold are recorded and persisted. The
// baseline then absorbs the new value, anomalous or not, so a sustained
// shift eventually becomes the new normal.
func (t *Tracker) DetectAnomalies(ctx context.Context) ([]Anomaly, error) {
	now := time.Now().UTC()

	t.mu.Lock()
	if len(t.trends) == 0 {
		t.mu.Unlock()
		return nil, nil
	}
	latest := t.trends[len(t.trends)-1]
	value := latest.AvgConfidence

	var found []Anomaly
	if t.baseline.Samples >= 5 {
		sd := t.baseline.StdDev()
		if sd > 0 {
			z := (value - t.baseline.Mean) / sd
			if math.Abs(z) > t.threshold {
				a := Anomaly{
					Time:     now,
					Value:    value,
					Baseline: t.baseline.Mean,
					ZScore:   z,
					Metric:   "avg_confidence",
				}
				found = append(found, a)
				t.anomalies = append(t.anomalies, a)
				if len(t.anomalies) > maxAnomalies {
					t.anomalies = t.anomalies[len(t.anomalies)-maxAnomalies:]
				}
			}
		}
	}
	t.baseline.add(value, now)
	baseline := t.baseline
	anomalies := append([]Anomaly(nil), t.anomalies...)
	t.mu.Unlock()

	if len(found) > 0 {
		t.logger.Warn("quality anomaly detected",
			"value", found[0].Value,
			"baseline", found[0].Baseline,
			"z_score", found[0].ZScore)
		if err := t.store.Put(ctx, anomaliesKey, anomalies); err != nil {
			return found, err
		}
	}
	if err := t.store.Put(ctx, baselineKey, baseline); err != nil {
		return found, err
	}
	return found, nil
}

// Anomalies returns a copy of the recorded anomaly history.
func (t *Tracker) Anomalies() []Anomaly {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Anomaly(nil), t.anomalies...)
}

// Run drives the trend-analysis and anomaly-detection timers until ctx is
// done. The two intervals are independent; each iteration protects itself
// and failures only log.
func (t *Tracker) Run(ctx context.Context, trendInterval, anomalyInterval time.Duration) {
	trendTicker := time.NewTicker(trendInterval)
	defer trendTicker.Stop()
	anomalyTicker := time.NewTicker(anomalyInterval)
	defer anomalyTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-trendTicker.C:
			if err := t.AnalyzeTrends(ctx); err != nil {
				t.logger.Warn("trend analysis failed", "error", err)
			}
			if err := t.Compact(ctx); err != nil {
				t.logger.Warn("metrics compaction failed", "error", err)
			}
		case <-anomalyTicker.C:
			if _, err := t.DetectAnomalies(ctx); err != nil {
				t.logger.Warn("anomaly detection failed", "error", err)
			}
		}
	}
}
