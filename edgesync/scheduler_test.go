package edgesync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	syncErrors "github.com/medtranslate/edge-sync/errors"
	"github.com/medtranslate/edge-sync/predictor"
)

type fakePredictor struct {
	pred predictor.OfflinePrediction
}

func (f *fakePredictor) Predict() predictor.OfflinePrediction { return f.pred }

type fakeOptimizer struct {
	mu           sync.Mutex
	optimizeCall int
	prepareCall  int
	lastDuration time.Duration
	lastRisk     float64
}

func (f *fakeOptimizer) Optimize(ctx context.Context, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.optimizeCall++
	return nil
}

func (f *fakeOptimizer) PrepareForOffline(ctx context.Context, duration time.Duration, risk float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepareCall++
	f.lastDuration = duration
	f.lastRisk = risk
	return nil
}

func (f *fakeOptimizer) prepares() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prepareCall
}

func newTestScheduler(t *testing.T, transport CloudTransport, opts ...EngineOption) (*Scheduler, *Engine) {
	t.Helper()
	e := newTestEngine(t, transport, opts...)
	s := NewScheduler(e.cfg, e, nil)
	return s, e
}

func TestComputeIntervalBounds(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeTransport{})

	qualities := []float64{0, 0.1, 0.5, 0.9, 1}
	batteries := []float64{0, 0.1, 0.5, 0.9, 1}
	depths := []int{0, 3, 10, 60, 500}

	for _, q := range qualities {
		for _, b := range batteries {
			for _, d := range depths {
				for _, crit := range []bool{false, true} {
					got := s.ComputeInterval(
						predictor.NetworkStatus{Online: true, Quality: q}, b, d, crit,
						predictor.OfflinePrediction{})
					if got < s.cfg.MinSyncInterval || got > s.cfg.MaxSyncInterval {
						t.Fatalf("interval %v outside [%v, %v] for q=%.1f b=%.1f d=%d crit=%v",
							got, s.cfg.MinSyncInterval, s.cfg.MaxSyncInterval, q, b, d, crit)
					}
				}
			}
		}
	}
}

func TestComputeIntervalFactors(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeTransport{})
	base := s.cfg.BaseSyncInterval
	neutral := predictor.NetworkStatus{Online: true, Quality: 0.5}

	tests := []struct {
		name  string
		net   predictor.NetworkStatus
		batt  float64
		depth int
		crit  bool
		pred  predictor.OfflinePrediction
		want  time.Duration
	}{
		{"neutral", neutral, 0.5, 10, false, predictor.OfflinePrediction{}, base},
		{"poor network", predictor.NetworkStatus{Online: true, Quality: 0.2}, 0.5, 10, false, predictor.OfflinePrediction{}, time.Duration(float64(base) * 1.5)},
		{"excellent network", predictor.NetworkStatus{Online: true, Quality: 0.9}, 0.5, 10, false, predictor.OfflinePrediction{}, time.Duration(float64(base) * 0.8)},
		{"low battery", neutral, 0.1, 10, false, predictor.OfflinePrediction{}, time.Duration(float64(base) * 1.5)},
		{"deep queue", neutral, 0.5, 60, false, predictor.OfflinePrediction{}, time.Duration(float64(base) * 0.7)},
		{"shallow queue", neutral, 0.5, 2, false, predictor.OfflinePrediction{}, time.Duration(float64(base) * 1.2)},
		{"critical item", neutral, 0.5, 10, true, predictor.OfflinePrediction{}, time.Duration(float64(base) * 0.5)},
		{"long offline predicted", neutral, 0.5, 10, false,
			predictor.OfflinePrediction{OfflinePredicted: true, PredictedDuration: 24 * time.Hour}, time.Duration(float64(base) * 0.8)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.ComputeInterval(tt.net, tt.batt, tt.depth, tt.crit, tt.pred)
			if got != tt.want {
				t.Errorf("interval = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeIntervalImminentOfflineClampsToMin(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeTransport{})

	got := s.ComputeInterval(
		predictor.NetworkStatus{Online: true, Quality: 0.9}, 0.9, 2, false,
		predictor.OfflinePrediction{OfflinePredicted: true, TimeToOffline: 2 * time.Minute})
	if got != s.cfg.MinSyncInterval {
		t.Errorf("imminent offline: interval = %v, want %v", got, s.cfg.MinSyncInterval)
	}
}

func TestUpdateIntervalDeadband(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeTransport{})
	ctx := context.Background()
	start := s.Interval()

	// A change smaller than the deadband is dropped.
	s.updateInterval(ctx, start+s.cfg.IntervalDeadband/2)
	if s.Interval() != start {
		t.Errorf("sub-deadband change applied: %v", s.Interval())
	}

	// A larger change sticks.
	next := start + 2*s.cfg.IntervalDeadband
	s.updateInterval(ctx, next)
	if s.Interval() != next {
		t.Errorf("interval = %v, want %v", s.Interval(), next)
	}
}

func TestIntervalPersistsAcrossSchedulers(t *testing.T) {
	transport := &fakeTransport{}
	s, e := newTestScheduler(t, transport)
	ctx := context.Background()

	next := s.cfg.BaseSyncInterval * 2
	s.updateInterval(ctx, next)

	reloaded := NewScheduler(e.cfg, e, nil)
	if reloaded.Interval() != next {
		t.Errorf("reloaded interval = %v, want %v", reloaded.Interval(), next)
	}
}

func TestShouldPrepareForOffline(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeTransport{})
	now := time.Now()
	predicted := predictor.OfflinePrediction{OfflinePredicted: true}

	if s.ShouldPrepareForOffline(now, predicted) {
		t.Error("no issues recorded yet")
	}

	for i := 0; i < 3; i++ {
		s.RecordConnectionIssue(now.Add(time.Duration(i) * time.Minute))
	}
	if !s.ShouldPrepareForOffline(now, predicted) {
		t.Error("3 recent issues with a prediction must trigger preparation")
	}
	if s.ShouldPrepareForOffline(now, predictor.OfflinePrediction{}) {
		t.Error("3 issues without a prediction must not trigger")
	}

	s.RecordConnectionIssue(now)
	s.RecordConnectionIssue(now)
	if !s.ShouldPrepareForOffline(now, predictor.OfflinePrediction{}) {
		t.Error("5 issues must trigger unconditionally")
	}
}

func TestIssuesOutsideWindowPruned(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeTransport{})
	now := time.Now()

	for i := 0; i < 5; i++ {
		s.RecordConnectionIssue(now.Add(-20 * time.Minute))
	}
	if got := s.recentIssues(now); got != 0 {
		t.Errorf("stale issues not pruned: %d", got)
	}
}

func TestClassify(t *testing.T) {
	online := predictor.NetworkStatus{Online: true}
	offline := predictor.NetworkStatus{Online: false}
	probeErr := errors.New("probe failed")

	if got := Classify(offline, nil); got != StateOffline {
		t.Errorf("offline monitor: %v", got)
	}
	if got := Classify(online, probeErr); got != StateDegraded {
		t.Errorf("probe failure: %v", got)
	}
	if got := Classify(online, nil); got != StateConnected {
		t.Errorf("healthy: %v", got)
	}
}

// Repeated connection failures plus an offline prediction walk the state
// machine into OFFLINE, preparing storage on the way.
func TestTickEntersOfflinePreparation(t *testing.T) {
	transport := &fakeTransport{
		healthErr: syncErrors.NewNetworkError(syncErrors.OpSync, errors.New("unreachable")),
	}
	opt := &fakeOptimizer{}
	pred := &fakePredictor{pred: predictor.OfflinePrediction{
		OfflinePredicted:  true,
		PredictedDuration: 2 * time.Hour,
		OfflineRisk:       0.8,
	}}
	s, e := newTestScheduler(t, transport,
		WithOfflinePredictor(pred),
		WithOptimizer(opt))
	ctx := context.Background()
	enqueueN(t, e, 1)

	for i := 0; i < 3; i++ {
		s.Tick(ctx)
	}

	if s.Phase() != PhaseOffline {
		t.Fatalf("phase = %s, want %s", s.Phase(), PhaseOffline)
	}
	if opt.prepares() != 1 {
		t.Errorf("PrepareForOffline calls = %d, want 1", opt.prepares())
	}
	opt.mu.Lock()
	if opt.lastDuration != 2*time.Hour || opt.lastRisk != 0.8 {
		t.Errorf("prepare args = (%v, %v)", opt.lastDuration, opt.lastRisk)
	}
	if opt.optimizeCall != 0 {
		t.Errorf("no routine optimization expected during preparation, got %d", opt.optimizeCall)
	}
	opt.mu.Unlock()

	m := e.Metrics()
	if len(m.OfflinePeriods) != 1 || !m.OfflinePeriods[0].Prepared {
		t.Errorf("offline periods = %+v", m.OfflinePeriods)
	}
}

func TestOfflinePhaseRecoversOnReconnect(t *testing.T) {
	transport := &fakeTransport{
		healthErr: syncErrors.NewNetworkError(syncErrors.OpSync, errors.New("unreachable")),
	}
	pred := &fakePredictor{pred: predictor.OfflinePrediction{OfflinePredicted: true}}
	s, e := newTestScheduler(t, transport, WithOfflinePredictor(pred))
	ctx := context.Background()
	enqueueN(t, e, 1)

	for i := 0; i < 3; i++ {
		s.Tick(ctx)
	}
	if s.Phase() != PhaseOffline {
		t.Fatalf("phase = %s, want %s", s.Phase(), PhaseOffline)
	}

	// While still unreachable, OFFLINE ticks stay put.
	s.Tick(ctx)
	if s.Phase() != PhaseOffline {
		t.Fatalf("phase = %s after failed probe, want %s", s.Phase(), PhaseOffline)
	}

	// Connectivity returns: probe passes, the cycle runs and the machine
	// transitions back to ONLINE.
	transport.mu.Lock()
	transport.healthErr = nil
	transport.mu.Unlock()

	s.Tick(ctx)
	if s.Phase() != PhaseOnline {
		t.Fatalf("phase = %s after reconnect, want %s", s.Phase(), PhaseOnline)
	}
	if got := s.recentIssues(time.Now()); got != 0 {
		t.Errorf("issues must reset on recovery, got %d", got)
	}

	m := e.Metrics()
	if len(m.OfflinePeriods) != 1 || m.OfflinePeriods[0].End.IsZero() {
		t.Errorf("offline period must be closed: %+v", m.OfflinePeriods)
	}
}

func TestOfflineEventPublishedOnPreparation(t *testing.T) {
	transport := &fakeTransport{
		healthErr: syncErrors.NewNetworkError(syncErrors.OpSync, errors.New("unreachable")),
	}
	pred := &fakePredictor{pred: predictor.OfflinePrediction{OfflinePredicted: true, OfflineRisk: 0.9}}
	s, e := newTestScheduler(t, transport, WithOfflinePredictor(pred))
	ctx := context.Background()
	enqueueN(t, e, 1)

	events := make(chan Event, 4)
	e.Events().Subscribe(EventOfflinePredicted, func(ev Event) { events <- ev })

	for i := 0; i < 3; i++ {
		s.Tick(ctx)
	}

	select {
	case ev := <-events:
		p, ok := ev.Payload.(predictor.OfflinePrediction)
		if !ok || p.OfflineRisk != 0.9 {
			t.Errorf("unexpected payload: %+v", ev.Payload)
		}
	default:
		t.Error("offline_predicted event not published")
	}
}
