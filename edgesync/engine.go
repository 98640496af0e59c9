package edgesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	syncErrors "github.com/medtranslate/edge-sync/errors"
	"github.com/medtranslate/edge-sync/logging"
	"github.com/medtranslate/edge-sync/predictor"
	"github.com/medtranslate/edge-sync/storage/filestore"
)

// Persisted record keys owned by the engine.
const (
	queueKeyPrefix = "sync-item-"
	metricsKey     = "sync-metrics"
	historyKey     = "sync-history"
	configKey      = "auto-sync-config"
)

// maxHistory bounds the persisted per-cycle history.
const maxHistory = 100

// CloudTransport is the engine's view of the cloud backend.
type CloudTransport interface {
	// Health probes GET /health with the device id header.
	Health(ctx context.Context) (HealthStatus, error)

	// SendBatch posts one batch of items to /edge/sync.
	SendBatch(ctx context.Context, req SyncRequest) (*SyncResponse, error)
}

// StorageOptimizer is the engine's view of the storage optimizer. A null
// default is substituted when no optimizer is wired, so "feature
// unavailable" is a constructed state rather than a runtime probe.
type StorageOptimizer interface {
	// Optimize evicts/compresses low-value data. No-op below the usage
	// threshold unless forced.
	Optimize(ctx context.Context, force bool) error

	// PrepareForOffline reserves capacity ahead of a predicted offline
	// period.
	PrepareForOffline(ctx context.Context, duration time.Duration, risk float64) error
}

// NullOptimizer does nothing; used when no optimizer is wired.
type NullOptimizer struct{}

func (NullOptimizer) Optimize(ctx context.Context, force bool) error { return nil }
func (NullOptimizer) PrepareForOffline(ctx context.Context, duration time.Duration, risk float64) error {
	return nil
}

// Engine owns all mutable sync state and drives full sync cycles. It is the
// single writer of the queue and metrics; status readers may observe a
// snapshot that is updated mid-read.
type Engine struct {
	cfg       Config
	store     *filestore.Store
	transport CloudTransport
	delta     *DeltaEngine
	resolver  *Resolver
	hooks     *HookRegistry
	events    *EventBus
	logger    *logging.Logger
	collector MetricsCollector

	network   predictor.NetworkMonitor
	offline   predictor.OfflinePredictor
	storageMg predictor.StorageManager
	battery   predictor.BatteryMonitor
	optimizer StorageOptimizer

	resolverOpts []ResolverOption

	mu             sync.Mutex
	metrics        *SyncMetrics
	syncInProgress bool

	// queueSizeForOptimize is the queue depth above which a pre-sync
	// optimization is considered.
	queueSizeForOptimize int
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithNetworkMonitor(m predictor.NetworkMonitor) EngineOption {
	return func(e *Engine) { e.network = m }
}

func WithOfflinePredictor(p predictor.OfflinePredictor) EngineOption {
	return func(e *Engine) { e.offline = p }
}

func WithStorageManager(s predictor.StorageManager) EngineOption {
	return func(e *Engine) { e.storageMg = s }
}

func WithBatteryMonitor(b predictor.BatteryMonitor) EngineOption {
	return func(e *Engine) { e.battery = b }
}

func WithOptimizer(o StorageOptimizer) EngineOption {
	return func(e *Engine) { e.optimizer = o }
}

func WithResolver(r *Resolver) EngineOption {
	return func(e *Engine) { e.resolver = r }
}

// WithResolverOptions adds options to the resolver the engine builds itself,
// on top of the configured weights, policy and offline-risk wiring. Ignored
// when WithResolver supplies a complete resolver.
func WithResolverOptions(opts ...ResolverOption) EngineOption {
	return func(e *Engine) { e.resolverOpts = append(e.resolverOpts, opts...) }
}

func WithEngineLogger(l *logging.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func WithCollector(c MetricsCollector) EngineOption {
	return func(e *Engine) { e.collector = c }
}

// NewEngine wires the orchestrator. Absent collaborators get null-object
// defaults so the engine degrades instead of failing.
func NewEngine(cfg Config, store *filestore.Store, transport CloudTransport, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpSync, fmt.Errorf("engine requires a store"))
	}
	if transport == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpSync, fmt.Errorf("engine requires a transport"))
	}

	e := &Engine{
		cfg:                  cfg,
		store:                store,
		transport:            transport,
		delta:                NewDeltaEngine(store),
		hooks:                NewHookRegistry(),
		network:              predictor.NullNetworkMonitor{},
		offline:              predictor.NullOfflinePredictor{},
		storageMg:            predictor.NullStorageManager{},
		battery:              predictor.NullBatteryMonitor{},
		optimizer:            NullOptimizer{},
		collector:            &NoOpMetricsCollector{},
		metrics:              NewSyncMetrics(),
		queueSizeForOptimize: 20,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.Default().WithComponent("engine")
	}
	e.events = NewEventBus(e.logger)
	if e.resolver == nil {
		weights := cfg.Weights
		if weights == (ResolverWeights{}) {
			weights = DefaultResolverWeights()
		}
		ropts := []ResolverOption{
			WithWeights(weights),
			WithRiskSignal(func() float64 { return e.offline.Predict().OfflineRisk }),
			WithResolverLogger(e.logger.WithComponent("resolver")),
		}
		if cfg.Policy != "" && cfg.Policy != "smart" {
			ropts = append(ropts, WithStaticPolicy(Strategy(cfg.Policy)))
		}
		ropts = append(ropts, e.resolverOpts...)
		e.resolver = NewResolver(ropts...)
	}

	e.loadMetrics()
	return e, nil
}

// Hooks exposes the pre/post sync hook registry.
func (e *Engine) Hooks() *HookRegistry { return e.hooks }

// Events exposes the engine's event bus.
func (e *Engine) Events() *EventBus { return e.events }

// Delta exposes the delta engine (used by status and tests).
func (e *Engine) Delta() *DeltaEngine { return e.delta }

// Resolver exposes the conflict resolver.
func (e *Engine) Resolver() *Resolver { return e.resolver }

// InProgress reports whether a cycle is running.
func (e *Engine) InProgress() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncInProgress
}

// Enqueue creates a queue record for an item, persisting it immediately.
// The content-derived id makes duplicate enqueues collapse.
func (e *Engine) Enqueue(ctx context.Context, item SyncItem) error {
	EscalateForContext(&item)
	return e.store.Put(ctx, queueKeyPrefix+item.ID, item)
}

// QueueDepth returns the number of pending items.
func (e *Engine) QueueDepth(ctx context.Context) (int, error) {
	keys, err := e.store.List(ctx, queueKeyPrefix)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// loadQueue reloads all pending items from persistence.
func (e *Engine) loadQueue(ctx context.Context) ([]SyncItem, error) {
	keys, err := e.store.List(ctx, queueKeyPrefix)
	if err != nil {
		return nil, err
	}
	items := make([]SyncItem, 0, len(keys))
	for _, key := range keys {
		var item SyncItem
		if err := e.store.Get(ctx, key, &item); err != nil {
			e.logger.Warn("skipping unreadable queue record", "key", key, "error", err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// SyncWithCloud runs one full cycle. Re-entrant safe: a call arriving while
// a cycle runs returns immediately with AlreadyInProgress set.
func (e *Engine) SyncWithCloud(ctx context.Context) (*SyncResult, error) {
	e.mu.Lock()
	if e.syncInProgress {
		e.mu.Unlock()
		return &SyncResult{Started: time.Now(), AlreadyInProgress: true}, nil
	}
	e.syncInProgress = true
	e.mu.Unlock()

	result := &SyncResult{Started: time.Now()}
	defer func() {
		result.Duration = time.Since(result.Started)
		e.finishCycle(ctx, result)

		e.mu.Lock()
		e.syncInProgress = false
		e.mu.Unlock()

		e.events.Publish(EventSyncComplete, result)
	}()

	// 1. Pre-sync hooks: best-effort.
	e.hooks.runPre(ctx, e.logger)

	// 2. Opportunistic storage optimization under pressure.
	e.maybeOptimize(ctx)

	// 3. Reload queue from persistence.
	items, err := e.loadQueue(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, nil
	}
	if len(items) == 0 {
		return result, nil
	}

	// 4. Connectivity probe; failure short-circuits the cycle.
	health, err := e.probe(ctx)
	if err != nil {
		reason := syncErrors.ClassifyFailure(err)
		result.FailureReason = string(reason)
		e.logger.Warn("connectivity probe failed", "reason", string(reason), "error", err)
		return result, nil
	}

	net := e.network.Status()

	// 5. Prioritize.
	items = PrioritizeQueue(items, net.Quality, time.Now())

	// 6-8. Batch, transmit with retry, resolve conflicts.
	e.transmit(ctx, items, net, health, result)

	return result, nil
}

// ManualSync waits for any running cycle to finish, then issues its own
// cycle rather than silently no-oping.
func (e *Engine) ManualSync(ctx context.Context) (*SyncResult, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for e.InProgress() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
	return e.SyncWithCloud(ctx)
}

func (e *Engine) maybeOptimize(ctx context.Context) {
	depth, err := e.QueueDepth(ctx)
	if err != nil {
		return
	}
	usage := e.storageMg.Usage()
	if depth > e.queueSizeForOptimize && usage.UsagePercent > e.cfg.UsageThreshold*100 {
		if err := e.optimizer.Optimize(ctx, false); err != nil {
			e.logger.Warn("pre-sync optimization failed", "error", err)
		}
	}
}

// probe tests connectivity with the health endpoint under the connect
// timeout.
func (e *Engine) probe(ctx context.Context) (HealthStatus, error) {
	probeCtx, cancel := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancel()

	if !e.network.Status().Online {
		return HealthStatus{}, syncErrors.NewNetworkError(syncErrors.OpSync, fmt.Errorf("network reported offline"))
	}
	return e.transport.Health(probeCtx)
}

func (e *Engine) transmit(ctx context.Context, items []SyncItem, net predictor.NetworkStatus, health HealthStatus, result *SyncResult) {
	prepared, err := e.delta.Prepare(ctx, items)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		prepared = items // fall back to full payloads
	}

	latency := health.Latency
	if net.Latency > latency {
		latency = net.Latency
	}
	batchSize := BatchSize(net.Quality, latency)

	for start := 0; start < len(prepared); start += batchSize {
		end := start + batchSize
		if end > len(prepared) {
			end = len(prepared)
		}
		batch := prepared[start:end]

		resp, err := e.sendWithRetry(ctx, batch)
		if err != nil {
			// Failed batches stay queued; the next cycle is the recovery
			// mechanism.
			result.ItemsFailed += len(batch)
			result.Errors = append(result.Errors, err.Error())
			continue
		}

		e.applyResponse(ctx, batch, resp, result)

		// Small inter-batch delay on poor connections.
		if net.Quality < 0.3 && end < len(prepared) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
}

// sendWithRetry delivers one batch with exponential backoff on transient
// failures: base * 2^attempt, up to MaxRetries attempts.
func (e *Engine) sendWithRetry(ctx context.Context, batch []SyncItem) (*SyncResponse, error) {
	req := SyncRequest{
		DeviceID:  e.cfg.DeviceID,
		Items:     batch,
		Version:   "1",
		Timestamp: time.Now().UTC(),
		Capabilities: Capabilities{
			ConflictResolution: true,
			DeltaSync:          true,
			Compression:        true,
		},
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.cfg.RetryBackoffBase * (1 << (attempt - 1))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		resp, err := e.transport.SendBatch(reqCtx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !syncErrors.IsRetryable(err) {
			return nil, err
		}
		e.logger.Debug("batch send retrying", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

// applyResponse removes confirmed items, leaves failures queued and routes
// conflicts to the resolver. Partial success never rolls back the batch.
func (e *Engine) applyResponse(ctx context.Context, batch []SyncItem, resp *SyncResponse, result *SyncResult) {
	byID := make(map[string]SyncItem, len(batch))
	for _, item := range batch {
		byID[item.ID] = item
	}

	for _, id := range resp.SuccessfulItems {
		if err := e.store.Delete(ctx, queueKeyPrefix+id); err != nil {
			e.logger.Warn("failed to remove confirmed item", "id", id, "error", err)
			continue
		}
		if item, ok := byID[id]; ok {
			result.BytesUploaded += item.Size
		}
		result.ItemsSynced++
	}

	result.ItemsFailed += len(resp.FailedItems)
	for _, f := range resp.FailedItems {
		e.logger.Warn("item delivery failed", "id", f.ID, "status", f.Status, "error", f.Error)
	}

	for _, sc := range resp.Conflicts {
		local, ok := byID[sc.ID]
		if !ok {
			continue
		}
		e.handleConflict(ctx, local, sc.ServerItem, result)
	}
}

func (e *Engine) handleConflict(ctx context.Context, local, server SyncItem, result *SyncResult) {
	e.mu.Lock()
	e.metrics.Conflicts++
	e.mu.Unlock()

	res, err := e.resolver.Resolve(ctx, Conflict{Local: local, Server: server})
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return
	}

	switch res.Strategy {
	case StrategyRemote:
		// The server's state wins; the queued item is withdrawn.
		if err := e.store.Delete(ctx, queueKeyPrefix+local.ID); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return
		}
	default:
		// Local or merged state is requeued for the next cycle so the
		// server converges onto it.
		resolved := res.Result
		resolved.CalculatedPriority = 0
		if err := e.store.Put(ctx, queueKeyPrefix+resolved.ID, resolved); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return
		}
	}

	result.ConflictsResolved++
	e.mu.Lock()
	e.metrics.ConflictsResolved++
	e.metrics.StrategyCounts[res.Strategy]++
	e.mu.Unlock()
}

// finishCycle updates and persists metrics and history, then runs post-sync
// hooks. Persistence failures are logged; in-memory state continues and the
// next write supersedes.
func (e *Engine) finishCycle(ctx context.Context, result *SyncResult) {
	e.mu.Lock()
	m := e.metrics
	if !result.AlreadyInProgress {
		m.TotalSyncs++
		if result.Succeeded() {
			m.SuccessfulSyncs++
			m.LastSyncStatus = "ok"
		} else {
			m.FailedSyncs++
			m.LastSyncStatus = "failed"
			if result.FailureReason != "" {
				m.FailureReasons[result.FailureReason]++
			}
			for _, msg := range result.Errors {
				m.RecordError(msg)
			}
		}
		m.ItemsSynced += result.ItemsSynced
		m.BytesUploaded += result.BytesUploaded
		m.LastSyncTime = time.Now().UTC()
		m.RecordDuration(result.Duration)
	}
	snapshot := *m
	e.mu.Unlock()

	if result.AlreadyInProgress {
		return
	}

	e.collector.RecordSyncDuration("sync", result.Duration)
	e.collector.RecordSyncItems(result.ItemsSynced, result.ItemsFailed)
	if result.ConflictsResolved > 0 {
		e.collector.RecordConflicts(result.ConflictsResolved)
	}
	if result.FailureReason != "" {
		e.collector.RecordSyncErrors("sync", result.FailureReason)
	}

	if err := e.store.Put(ctx, metricsKey, &snapshot); err != nil {
		e.logger.Warn("metrics persist failed", "error", err)
	}
	e.appendHistory(ctx, result)

	e.hooks.runPost(ctx, e.logger)
}

func (e *Engine) appendHistory(ctx context.Context, result *SyncResult) {
	var history []SyncResult
	_ = e.store.Get(ctx, historyKey, &history) // absent history starts empty
	history = append(history, *result)
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	if err := e.store.Put(ctx, historyKey, history); err != nil {
		e.logger.Warn("history persist failed", "error", err)
	}
}

func (e *Engine) loadMetrics() {
	var m SyncMetrics
	if err := e.store.Get(context.Background(), metricsKey, &m); err == nil {
		if m.StrategyCounts == nil {
			m.StrategyCounts = make(map[Strategy]int)
		}
		if m.FailureReasons == nil {
			m.FailureReasons = make(map[string]int)
		}
		e.metrics = &m
	}
}

// Metrics returns a copy of the current metrics snapshot.
func (e *Engine) Metrics() SyncMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.metrics
}

// RecordOfflinePeriod appends one offline span to the metrics log, bounded
// to the most recent 50 periods.
func (e *Engine) RecordOfflinePeriod(p OfflinePeriod) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics.OfflinePeriods = append(e.metrics.OfflinePeriods, p)
	if len(e.metrics.OfflinePeriods) > 50 {
		e.metrics.OfflinePeriods = e.metrics.OfflinePeriods[len(e.metrics.OfflinePeriods)-50:]
	}
}

// Status is the summary surfaced to UI/status callers. Root-cause detail
// stays in logs and metrics.
type Status struct {
	LastSyncTime   time.Time     `json:"lastSyncTime"`
	LastSyncStatus string        `json:"lastSyncStatus"`
	FailedCount    int           `json:"failedCount"`
	Errors         []string      `json:"errors,omitempty"`
	QueueDepth     int           `json:"queueDepth"`
	AvgDuration    time.Duration `json:"avgDuration"`
	InProgress     bool          `json:"inProgress"`
}

// Status reports the engine's current summary.
func (e *Engine) Status(ctx context.Context) Status {
	depth, _ := e.QueueDepth(ctx)
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		LastSyncTime:   e.metrics.LastSyncTime,
		LastSyncStatus: e.metrics.LastSyncStatus,
		FailedCount:    e.metrics.FailedSyncs,
		Errors:         append([]string(nil), e.metrics.RecentErrors...),
		QueueDepth:     depth,
		AvgDuration:    e.metrics.AverageDuration(),
		InProgress:     e.syncInProgress,
	}
}
