package edgesync

import (
	"time"
)

// durationWindow is the rolling sample count for the average sync duration.
const durationWindow = 50

// maxRecentErrors bounds the error summary surfaced to status callers.
const maxRecentErrors = 20

// OfflinePeriod records one detected offline span for later analysis.
type OfflinePeriod struct {
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Prepared bool          `json:"prepared"`
}

// SyncMetrics holds the cumulative counters mutated by the orchestrator at
// the end of each cycle and persisted after every cycle. Counters grow
// monotonically except for the bounded rolling windows.
type SyncMetrics struct {
	TotalSyncs        int   `json:"totalSyncs"`
	SuccessfulSyncs   int   `json:"successfulSyncs"`
	FailedSyncs       int   `json:"failedSyncs"`
	ItemsSynced       int   `json:"itemsSynced"`
	BytesUploaded     int64 `json:"bytesUploaded"`
	BytesDownloaded   int64 `json:"bytesDownloaded"`
	Conflicts         int   `json:"conflicts"`
	ConflictsResolved int   `json:"conflictsResolved"`

	// Durations holds the most recent sync durations, bounded to
	// durationWindow samples.
	Durations []time.Duration `json:"durations"`

	StrategyCounts map[Strategy]int `json:"strategyCounts"`
	FailureReasons map[string]int   `json:"failureReasons"`
	OfflinePeriods []OfflinePeriod  `json:"offlinePeriods,omitempty"`

	LastSyncTime   time.Time `json:"lastSyncTime"`
	LastSyncStatus string    `json:"lastSyncStatus"`
	RecentErrors   []string  `json:"recentErrors,omitempty"`
}

// NewSyncMetrics returns zeroed metrics with maps allocated.
func NewSyncMetrics() *SyncMetrics {
	return &SyncMetrics{
		StrategyCounts: make(map[Strategy]int),
		FailureReasons: make(map[string]int),
	}
}

// RecordDuration appends a sample to the bounded rolling window.
func (m *SyncMetrics) RecordDuration(d time.Duration) {
	m.Durations = append(m.Durations, d)
	if len(m.Durations) > durationWindow {
		m.Durations = m.Durations[len(m.Durations)-durationWindow:]
	}
}

// AverageDuration returns the rolling average over the window, zero when no
// samples exist.
func (m *SyncMetrics) AverageDuration() time.Duration {
	if len(m.Durations) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range m.Durations {
		total += d
	}
	return total / time.Duration(len(m.Durations))
}

// RecordError keeps a bounded list of recent error summaries.
func (m *SyncMetrics) RecordError(msg string) {
	m.RecentErrors = append(m.RecentErrors, msg)
	if len(m.RecentErrors) > maxRecentErrors {
		m.RecentErrors = m.RecentErrors[len(m.RecentErrors)-maxRecentErrors:]
	}
}

// SyncResult summarizes one completed (or short-circuited) cycle.
type SyncResult struct {
	Started           time.Time     `json:"started"`
	Duration          time.Duration `json:"duration"`
	AlreadyInProgress bool          `json:"alreadyInProgress,omitempty"`
	ItemsSynced       int           `json:"itemsSynced"`
	ItemsFailed       int           `json:"itemsFailed"`
	BytesUploaded     int64         `json:"bytesUploaded"`
	ConflictsResolved int           `json:"conflictsResolved"`
	FailureReason     string        `json:"failureReason,omitempty"`
	Errors            []string      `json:"errors,omitempty"`
}

// Succeeded reports whether the cycle reached the cloud and delivered
// without a cycle-level failure.
func (r *SyncResult) Succeeded() bool {
	return !r.AlreadyInProgress && r.FailureReason == "" && len(r.Errors) == 0
}

// MetricsCollector provides hooks for exporting sync operation metrics.
type MetricsCollector interface {
	// RecordSyncDuration records how long a sync operation took
	RecordSyncDuration(operation string, duration time.Duration)

	// RecordSyncItems records the number of items delivered and failed
	RecordSyncItems(delivered, failed int)

	// RecordSyncErrors records sync operation errors by type
	RecordSyncErrors(operation string, errorType string)

	// RecordConflicts records the number of conflicts resolved
	RecordConflicts(resolved int)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (n *NoOpMetricsCollector) RecordSyncDuration(operation string, duration time.Duration) {}
func (n *NoOpMetricsCollector) RecordSyncItems(delivered, failed int)                       {}
func (n *NoOpMetricsCollector) RecordSyncErrors(operation string, errorType string)         {}
func (n *NoOpMetricsCollector) RecordConflicts(resolved int)                                {}
