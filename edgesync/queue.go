package edgesync

import (
	"sort"
	"time"
)

// Prioritization constants. Boosts and penalties compose additively onto the
// base priority; the resulting score orders items for batching.
const (
	ageBoostThreshold = 60 * time.Minute
	ageBoost          = 0.5

	largeItemBytes     = 100 * 1024
	sizePenalty        = 0.5
	sizePenaltyQuality = 0.5
)

// EscalateForContext raises an item's base priority for medically critical
// contexts. Priority only escalates here; it is never downgraded.
func EscalateForContext(item *SyncItem) {
	if item.Payload == nil {
		return
	}
	switch item.Payload.Context {
	case ContextEmergency, ContextCriticalCare:
		item.Priority = PriorityCritical
	case ContextDiagnosis, ContextMedication:
		if item.Priority < PriorityHigh {
			item.Priority = PriorityHigh
		}
	}
}

// CalculatePriority computes an item's transmission score:
// base priority + context boost + age boost - size penalty on poor networks.
func CalculatePriority(item SyncItem, networkQuality float64, now time.Time) float64 {
	EscalateForContext(&item)
	score := float64(item.Priority)

	if now.Sub(item.Timestamp) > ageBoostThreshold {
		score += ageBoost
	}

	if item.Size > largeItemBytes && networkQuality < sizePenaltyQuality {
		score -= sizePenalty
	}

	return score
}

// PrioritizeQueue escalates contexts, assigns calculated priorities and
// sorts descending. The sort is stable so equally scored items keep their
// persisted order.
func PrioritizeQueue(items []SyncItem, networkQuality float64, now time.Time) []SyncItem {
	for i := range items {
		EscalateForContext(&items[i])
		items[i].CalculatedPriority = CalculatePriority(items[i], networkQuality, now)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CalculatedPriority > items[j].CalculatedPriority
	})
	return items
}

// HasCritical reports whether any queued item is CRITICAL after context
// escalation.
func HasCritical(items []SyncItem) bool {
	for i := range items {
		EscalateForContext(&items[i])
		if items[i].Priority == PriorityCritical {
			return true
		}
	}
	return false
}

// BatchSize derives the per-batch item count from network quality and
// latency: poor connections send small batches, excellent ones large, and
// high latency subtracts up to 5.
func BatchSize(quality float64, latency time.Duration) int {
	size := 10
	switch {
	case quality < 0.3:
		size = 3
	case quality > 0.8:
		size = 20
	}

	if latency > 500*time.Millisecond {
		penalty := int(latency / (500 * time.Millisecond))
		if penalty > 5 {
			penalty = 5
		}
		size -= penalty
	}

	if size < 1 {
		size = 1
	}
	return size
}
