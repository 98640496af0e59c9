package edgesync

import (
	"context"
	"sync"
	"time"

	"github.com/medtranslate/edge-sync/logging"
	"github.com/medtranslate/edge-sync/predictor"
)

// ConnectionState classifies reachability before network I/O is attempted.
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateDegraded
	StateOffline
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// OfflinePhase is the offline-preparation state machine phase.
type OfflinePhase string

const (
	PhaseOnline       OfflinePhase = "ONLINE"
	PhasePreparing    OfflinePhase = "PREPARING"
	PhaseOffline      OfflinePhase = "OFFLINE"
	PhaseReconnecting OfflinePhase = "RECONNECTING"
)

// Interval adjustment factors. All compose multiplicatively onto the base
// interval, then clamp to [MinSyncInterval, MaxSyncInterval].
const (
	factorPoorNetwork      = 1.5
	factorExcellentNetwork = 0.8
	factorLowBattery       = 1.5
	factorHighBattery      = 0.9
	factorDeepQueue        = 0.7
	factorShallowQueue     = 1.2
	factorLongOffline      = 0.8
	factorCriticalItem     = 0.5

	poorQuality      = 0.3
	excellentQuality = 0.8
	lowBattery       = 0.2
	highBattery      = 0.8
	deepQueue        = 50
	shallowQueue     = 5

	imminentOffline     = 5 * time.Minute
	longOfflineWindow   = 12 * time.Hour
	issueWindow         = 15 * time.Minute
	issuesWithPredict   = 3
	issuesUnconditional = 5
	reconnectProbeEvery = 5 * time.Minute
)

// persistedSchedule is the auto-sync-config record.
type persistedSchedule struct {
	Interval  time.Duration `json:"interval"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Scheduler owns the adaptive polling interval and the offline-preparation
// state machine. It observes the engine's in-progress flag and skips ticks
// rather than queuing a second cycle.
type Scheduler struct {
	cfg    Config
	engine *Engine
	logger *logging.Logger

	mu           sync.Mutex
	interval     time.Duration
	issues       []time.Time
	phase        OfflinePhase
	offlineSince time.Time
}

func NewScheduler(cfg Config, engine *Engine, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default().WithComponent("scheduler")
	}
	s := &Scheduler{
		cfg:      cfg,
		engine:   engine,
		logger:   logger,
		interval: cfg.BaseSyncInterval,
		phase:    PhaseOnline,
	}
	s.loadPersisted()
	return s
}

// Interval returns the current adaptive interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Phase returns the offline state machine phase.
func (s *Scheduler) Phase() OfflinePhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// ComputeInterval derives the next interval from the current signals. The
// result is always within [MinSyncInterval, MaxSyncInterval].
func (s *Scheduler) ComputeInterval(net predictor.NetworkStatus, battery float64, queueDepth int, hasCritical bool, pred predictor.OfflinePrediction) time.Duration {
	// Imminent offline overrides everything: sync as often as allowed.
	if pred.OfflinePredicted && pred.TimeToOffline > 0 && pred.TimeToOffline < imminentOffline {
		return s.cfg.MinSyncInterval
	}

	interval := float64(s.cfg.BaseSyncInterval)

	switch {
	case net.Quality < poorQuality:
		interval *= factorPoorNetwork
	case net.Quality > excellentQuality:
		interval *= factorExcellentNetwork
	}

	switch {
	case battery < lowBattery:
		interval *= factorLowBattery
	case battery > highBattery:
		interval *= factorHighBattery
	}

	switch {
	case queueDepth > deepQueue:
		interval *= factorDeepQueue
	case queueDepth < shallowQueue:
		interval *= factorShallowQueue
	}

	if pred.OfflinePredicted && pred.PredictedDuration > longOfflineWindow {
		interval *= factorLongOffline
	}

	if hasCritical {
		interval *= factorCriticalItem
	}

	result := time.Duration(interval)
	if result < s.cfg.MinSyncInterval {
		result = s.cfg.MinSyncInterval
	}
	if result > s.cfg.MaxSyncInterval {
		result = s.cfg.MaxSyncInterval
	}
	return result
}

// updateInterval applies the deadband: changes smaller than the configured
// deadband are dropped to avoid persistence/log thrash.
func (s *Scheduler) updateInterval(ctx context.Context, next time.Duration) {
	s.mu.Lock()
	current := s.interval
	s.mu.Unlock()

	delta := next - current
	if delta < 0 {
		delta = -delta
	}
	if delta <= s.cfg.IntervalDeadband {
		return
	}

	s.mu.Lock()
	s.interval = next
	s.mu.Unlock()

	s.logger.Info("sync interval adjusted", "from", current, "to", next)
	if err := s.engine.store.Put(ctx, configKey, persistedSchedule{Interval: next, UpdatedAt: time.Now().UTC()}); err != nil {
		s.logger.Warn("schedule persist failed", "error", err)
	}
}

func (s *Scheduler) loadPersisted() {
	var sched persistedSchedule
	if err := s.engine.store.Get(context.Background(), configKey, &sched); err == nil && sched.Interval > 0 {
		if sched.Interval >= s.cfg.MinSyncInterval && sched.Interval <= s.cfg.MaxSyncInterval {
			s.interval = sched.Interval
		}
	}
}

// RecordConnectionIssue notes one failed connection attempt; the trailing
// window drives the offline-preparation decision.
func (s *Scheduler) RecordConnectionIssue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issues = append(s.issues, now)
	s.pruneIssues(now)
}

func (s *Scheduler) pruneIssues(now time.Time) {
	cutoff := now.Add(-issueWindow)
	kept := s.issues[:0]
	for _, t := range s.issues {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.issues = kept
}

// recentIssues returns the count of connection issues in the trailing window.
func (s *Scheduler) recentIssues(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneIssues(now)
	return len(s.issues)
}

// ShouldPrepareForOffline reports whether persistent degraded/offline state
// warrants entering the offline-preparation state machine.
func (s *Scheduler) ShouldPrepareForOffline(now time.Time, pred predictor.OfflinePrediction) bool {
	issues := s.recentIssues(now)
	if issues >= issuesUnconditional {
		return true
	}
	return issues >= issuesWithPredict && pred.OfflinePredicted
}

// Classify maps the monitor status plus the last probe outcome onto a
// connection state.
func Classify(net predictor.NetworkStatus, probeErr error) ConnectionState {
	if !net.Online {
		return StateOffline
	}
	if probeErr != nil {
		return StateDegraded
	}
	return StateConnected
}

// Run drives the adaptive timer until ctx is done. Each tick runs at most
// one cycle; ticks observing a cycle in progress skip work.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(s.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		s.Tick(ctx)

		wait := s.Interval()
		if s.Phase() == PhaseOffline {
			wait = reconnectProbeEvery
		}
		timer.Reset(wait)
	}
}

// Tick performs one scheduling decision: run the offline state machine,
// possibly run a sync cycle, then recompute the interval.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now()
	pred := s.engine.offline.Predict()

	switch s.Phase() {
	case PhaseOffline:
		// Reconnection probe.
		if _, err := s.engine.probe(ctx); err != nil {
			s.logger.Debug("reconnection probe failed", "error", err)
			return
		}
		s.setPhase(PhaseReconnecting)
		fallthrough

	case PhaseReconnecting:
		result, err := s.engine.SyncWithCloud(ctx)
		if err == nil && result.FailureReason == "" {
			s.closeOfflinePeriod()
			s.setPhase(PhaseOnline)
			s.mu.Lock()
			s.issues = nil
			s.mu.Unlock()
		}
		return

	case PhasePreparing:
		// A previous preparation did not complete; retry below.
	}

	if s.engine.InProgress() {
		s.logger.Debug("skipping tick, sync in progress")
		return
	}

	result, err := s.engine.SyncWithCloud(ctx)
	if err != nil {
		s.logger.Error("sync cycle error", "error", err)
		return
	}
	if result.FailureReason != "" {
		s.RecordConnectionIssue(now)
	}

	if s.ShouldPrepareForOffline(now, pred) {
		s.enterOfflinePreparation(ctx, pred)
	}

	s.recompute(ctx, pred)
}

func (s *Scheduler) recompute(ctx context.Context, pred predictor.OfflinePrediction) {
	net := s.engine.network.Status()
	battery := s.engine.battery.Level()
	depth, err := s.engine.QueueDepth(ctx)
	if err != nil {
		depth = 0
	}
	items, _ := s.engine.loadQueue(ctx)
	next := s.ComputeInterval(net, battery, depth, HasCritical(items), pred)
	s.updateInterval(ctx, next)
}

// enterOfflinePreparation transitions ONLINE -> PREPARING -> OFFLINE,
// invoking the optimizer's offline preparation along the way.
func (s *Scheduler) enterOfflinePreparation(ctx context.Context, pred predictor.OfflinePrediction) {
	s.setPhase(PhasePreparing)
	s.logger.Info("entering offline preparation",
		"risk", pred.OfflineRisk,
		"predicted_duration", pred.PredictedDuration)

	s.engine.events.Publish(EventOfflinePredicted, pred)

	duration := pred.PredictedDuration
	if duration <= 0 {
		duration = 4 * time.Hour // conservative fallback when unpredicted
	}
	prepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	prepared := true
	if err := s.engine.optimizer.PrepareForOffline(prepCtx, duration, pred.OfflineRisk); err != nil {
		s.logger.Warn("offline preparation failed", "error", err)
		prepared = false
	}

	s.mu.Lock()
	s.offlineSince = time.Now().UTC()
	s.mu.Unlock()
	s.engine.RecordOfflinePeriod(OfflinePeriod{Start: time.Now().UTC(), Prepared: prepared})
	s.setPhase(PhaseOffline)
}

func (s *Scheduler) closeOfflinePeriod() {
	s.mu.Lock()
	since := s.offlineSince
	s.offlineSince = time.Time{}
	s.mu.Unlock()
	if since.IsZero() {
		return
	}

	now := time.Now().UTC()
	m := s.engine.metrics
	s.engine.mu.Lock()
	if n := len(m.OfflinePeriods); n > 0 && m.OfflinePeriods[n-1].End.IsZero() {
		m.OfflinePeriods[n-1].End = now
		m.OfflinePeriods[n-1].Duration = now.Sub(since)
	}
	s.engine.mu.Unlock()
}

func (s *Scheduler) setPhase(p OfflinePhase) {
	s.mu.Lock()
	old := s.phase
	s.phase = p
	s.mu.Unlock()
	if old != p {
		s.logger.Info("offline phase transition", "from", string(old), "to", string(p))
	}
}
