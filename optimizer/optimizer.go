package optimizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"

	syncErrors "github.com/medtranslate/edge-sync/errors"
	"github.com/medtranslate/edge-sync/logging"
	"github.com/medtranslate/edge-sync/predictor"
	"github.com/medtranslate/edge-sync/storage/filestore"
)

// statsKey is the persisted usage-stats record.
const statsKey = "storage_usage_stats"

const megabyte = 1024 * 1024

// reserveMBPerHour sizes the offline reservation: 2MB per predicted hour,
// capped at 30% of quota.
const (
	reserveMBPerHour  = 2.0
	reserveQuotaShare = 0.30
)

// Config wires an Optimizer.
type Config struct {
	// Dir is the directory of managed data files.
	Dir string

	// Store persists usage stats.
	Store *filestore.Store

	// Storage reports usage against quota. Nil gets a null default.
	Storage predictor.StorageManager

	// Predictor reports soon-needed keys. Nil gets a null default.
	Predictor predictor.OfflinePredictor

	// UsageThreshold is the usage fraction above which Optimize acts.
	// Defaults to 0.7.
	UsageThreshold float64

	// Publish, when set, receives storage_critical notifications.
	Publish func(event string, payload interface{})

	Logger *logging.Logger
}

// Result summarizes one optimization pass.
type Result struct {
	Skipped         bool  `json:"skipped"`
	ItemsRemoved    int   `json:"itemsRemoved"`
	ItemsCompressed int   `json:"itemsCompressed"`
	BytesFreed      int64 `json:"bytesFreed"`
}

// Optimizer tracks per-item statistics and reclaims space. Optimization is
// guarded by an in-progress flag: overlapping calls no-op.
type Optimizer struct {
	dir       string
	store     *filestore.Store
	storage   predictor.StorageManager
	predictor predictor.OfflinePredictor
	threshold float64
	publish   func(string, interface{})
	logger    *logging.Logger

	mu         sync.Mutex
	stats      map[string]*UsageStats
	optimizing bool
}

func New(cfg Config) (*Optimizer, error) {
	if cfg.Dir == "" || cfg.Store == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpOptimize, fmt.Errorf("optimizer requires dir and store"))
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpOptimize, err)
	}
	if cfg.Storage == nil {
		cfg.Storage = predictor.NullStorageManager{}
	}
	if cfg.Predictor == nil {
		cfg.Predictor = predictor.NullOfflinePredictor{}
	}
	if cfg.UsageThreshold == 0 {
		cfg.UsageThreshold = 0.7
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().WithComponent("optimizer")
	}

	o := &Optimizer{
		dir:       cfg.Dir,
		store:     cfg.Store,
		storage:   cfg.Storage,
		predictor: cfg.Predictor,
		threshold: cfg.UsageThreshold,
		publish:   cfg.Publish,
		logger:    cfg.Logger,
		stats:     make(map[string]*UsageStats),
	}
	o.loadStats()
	return o, nil
}

// PutItem writes a data file and its usage stats together. All item writes
// go through here so stats and files stay in 1:1 correspondence.
func (o *Optimizer) PutItem(ctx context.Context, key string, data []byte, importance float64) error {
	if err := os.WriteFile(o.path(key), data, 0o644); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpStore, err)
	}

	o.mu.Lock()
	now := time.Now().UTC()
	s, ok := o.stats[key]
	if !ok {
		s = &UsageStats{Key: key, CreatedAt: now}
		o.stats[key] = s
	}
	s.AccessFrequency++
	s.LastAccess = now
	s.DataImportance = importance
	s.DataSize = int64(len(data))
	s.Compressed = false
	s.CompressionRatio = 0
	o.mu.Unlock()

	return o.saveStats(ctx)
}

// GetItem reads a data file, transparently decompressing, and records the
// access.
func (o *Optimizer) GetItem(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(o.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("item %q: %w", key, filestore.ErrNotFound)
		}
		return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
	}

	o.mu.Lock()
	s, ok := o.stats[key]
	if ok {
		s.AccessFrequency++
		s.LastAccess = time.Now().UTC()
	}
	compressed := ok && s.Compressed
	o.mu.Unlock()

	if compressed {
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, syncErrors.NewStorageError(syncErrors.OpLoad, err)
		}
		data = decoded
	}
	return data, nil
}

// RecordAccess bumps stats for a key accessed outside the optimizer's own
// read path.
func (o *Optimizer) RecordAccess(key string, importance float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	now := time.Now().UTC()
	s, ok := o.stats[key]
	if !ok {
		s = &UsageStats{Key: key, CreatedAt: now, DataImportance: importance}
		if fi, err := os.Stat(o.path(key)); err == nil {
			s.DataSize = fi.Size()
		}
		o.stats[key] = s
	}
	s.AccessFrequency++
	s.LastAccess = now
	if importance > s.DataImportance {
		s.DataImportance = importance
	}
}

// Stats returns a copy of the stats record for a key.
func (o *Optimizer) Stats(key string) (UsageStats, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.stats[key]
	if !ok {
		return UsageStats{}, false
	}
	return *s, true
}

// Keys returns all tracked keys.
func (o *Optimizer) Keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.stats))
	for k := range o.stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Optimize implements the engine's StorageOptimizer interface.
func (o *Optimizer) Optimize(ctx context.Context, force bool) error {
	_, err := o.Run(ctx, force)
	return err
}

// Run executes one optimization pass and reports what it did. Below the
// usage threshold it is a no-op unless forced.
func (o *Optimizer) Run(ctx context.Context, force bool) (Result, error) {
	o.mu.Lock()
	if o.optimizing {
		o.mu.Unlock()
		return Result{Skipped: true}, nil
	}
	o.optimizing = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.optimizing = false
		o.mu.Unlock()
	}()

	usage := o.storage.Usage()
	usageFrac := usage.UsagePercent / 100
	if !force && usageFrac <= o.threshold {
		return Result{Skipped: true}, nil
	}

	if usageFrac > 0.9 && o.publish != nil {
		o.publish("storage_critical", usage)
	}

	now := time.Now().UTC()
	needed := o.predictedNeeded()

	type candidate struct {
		key   string
		score float64
	}
	o.mu.Lock()
	candidates := make([]candidate, 0, len(o.stats))
	for key, s := range o.stats {
		if s.retained(now) && !force {
			continue
		}
		candidates = append(candidates, candidate{key: key, score: PriorityScore(s, needed, now)})
	}
	o.mu.Unlock()

	// Lowest-value items first; key order breaks ties deterministically.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].key < candidates[j].key
	})

	var result Result
	targetBytes := int64((usage.CurrentUsageMB - o.threshold*usage.QuotaMB) * megabyte)

	for _, c := range candidates {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		switch {
		case c.score < removeBelow:
			freed, err := o.removeItem(ctx, c.key)
			if err != nil {
				o.logger.Warn("eviction failed", "key", c.key, "error", err)
				continue
			}
			result.ItemsRemoved++
			result.BytesFreed += freed

		case c.score <= compressBelow:
			saved, err := o.compressItem(c.key)
			if err != nil {
				o.logger.Warn("compression failed", "key", c.key, "error", err)
				continue
			}
			if saved > 0 {
				result.ItemsCompressed++
				result.BytesFreed += saved
			}
		}
	}

	// Still short of target: remove the oldest remaining medium-priority
	// items until the target is met (or everything eligible is gone).
	if result.BytesFreed < targetBytes {
		o.evictOldest(ctx, needed, now, targetBytes, force, &result)
	}

	if err := o.saveStats(ctx); err != nil {
		o.logger.Warn("stats persist failed", "error", err)
	}

	o.logger.Info("storage optimization complete",
		"removed", result.ItemsRemoved,
		"compressed", result.ItemsCompressed,
		"bytes_freed", result.BytesFreed)
	return result, nil
}

func (o *Optimizer) evictOldest(ctx context.Context, needed map[string]bool, now time.Time, targetBytes int64, force bool, result *Result) {
	type aged struct {
		key  string
		last time.Time
	}
	o.mu.Lock()
	var mediums []aged
	for key, s := range o.stats {
		if s.retained(now) && !force {
			continue
		}
		score := PriorityScore(s, needed, now)
		if score >= removeBelow && score <= compressBelow {
			mediums = append(mediums, aged{key: key, last: s.LastAccess})
		}
	}
	o.mu.Unlock()

	sort.Slice(mediums, func(i, j int) bool { return mediums[i].last.Before(mediums[j].last) })

	for _, m := range mediums {
		if result.BytesFreed >= targetBytes {
			return
		}
		freed, err := o.removeItem(ctx, m.key)
		if err != nil {
			o.logger.Warn("eviction failed", "key", m.key, "error", err)
			continue
		}
		result.ItemsRemoved++
		result.BytesFreed += freed
	}
}

// removeItem is the single deletion path: the backing file and its usage
// stats go together, never separately.
func (o *Optimizer) removeItem(ctx context.Context, key string) (int64, error) {
	o.mu.Lock()
	s, ok := o.stats[key]
	var size int64
	if ok {
		size = s.DataSize
	}
	o.mu.Unlock()

	if err := os.Remove(o.path(key)); err != nil && !os.IsNotExist(err) {
		return 0, syncErrors.NewStorageError(syncErrors.OpOptimize, err)
	}

	o.mu.Lock()
	delete(o.stats, key)
	o.mu.Unlock()
	return size, nil
}

// compressItem snappy-compresses a data file in place when it is large
// enough and compression actually pays.
func (o *Optimizer) compressItem(key string) (int64, error) {
	o.mu.Lock()
	s, ok := o.stats[key]
	if !ok || s.Compressed || s.DataSize < compressMinBytes {
		o.mu.Unlock()
		return 0, nil
	}
	o.mu.Unlock()

	path := o.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	encoded := snappy.Encode(nil, data)
	saving := 1 - float64(len(encoded))/float64(len(data))
	if saving <= compressMinSaving {
		return 0, nil
	}

	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return 0, err
	}

	o.mu.Lock()
	if s, ok := o.stats[key]; ok {
		s.Compressed = true
		s.CompressionRatio = float64(len(encoded)) / float64(len(data))
		s.DataSize = int64(len(encoded))
	}
	o.mu.Unlock()

	return int64(len(data) - len(encoded)), nil
}

// PrepareForOffline reserves headroom ahead of a predicted offline period
// and marks the data expected to be needed with a retention expiry.
func (o *Optimizer) PrepareForOffline(ctx context.Context, duration time.Duration, risk float64) error {
	usage := o.storage.Usage()
	hours := duration.Hours()
	reserveMB := reserveMBPerHour * hours
	if maxMB := reserveQuotaShare * usage.QuotaMB; reserveMB > maxMB {
		reserveMB = maxMB
	}

	freeMB := usage.QuotaMB - usage.CurrentUsageMB
	if freeMB < reserveMB {
		o.logger.Info("insufficient headroom for offline period, optimizing",
			"free_mb", freeMB, "reserve_mb", reserveMB, "risk", risk)
		if _, err := o.Run(ctx, true); err != nil && !errors.Is(err, context.Canceled) {
			return syncErrors.New(syncErrors.OpOfflinePrepare, err)
		}
	}

	needed := o.predictedNeeded()
	now := time.Now().UTC()
	until := now.Add(retentionPeriod)

	o.mu.Lock()
	for key, s := range o.stats {
		if needed[key] || PriorityScore(s, needed, now) > compressBelow {
			s.RetainUntil = until
		}
	}
	o.mu.Unlock()

	return o.saveStats(ctx)
}

func (o *Optimizer) predictedNeeded() map[string]bool {
	pred := o.predictor.Predict()
	needed := make(map[string]bool, len(pred.PredictedKeys))
	for _, k := range pred.PredictedKeys {
		needed[k] = true
	}
	return needed
}

func (o *Optimizer) path(key string) string {
	return filepath.Join(o.dir, key+".dat")
}

func (o *Optimizer) loadStats() {
	var stats map[string]*UsageStats
	if err := o.store.Get(context.Background(), statsKey, &stats); err == nil && stats != nil {
		o.stats = stats
	}
}

func (o *Optimizer) saveStats(ctx context.Context) error {
	o.mu.Lock()
	snapshot := make(map[string]*UsageStats, len(o.stats))
	for k, v := range o.stats {
		copied := *v
		snapshot[k] = &copied
	}
	o.mu.Unlock()
	return o.store.Put(ctx, statsKey, snapshot)
}

// RunPeriodic drives optimization on its own timer until ctx is done.
func (o *Optimizer) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.Run(ctx, false); err != nil {
				o.logger.Warn("periodic optimization failed", "error", err)
			}
		}
	}
}
