// Package optimizer decides what local data survives under space pressure
// and what gets reserved for predicted offline periods. It tracks per-item
// access statistics, scores items, and evicts or compresses the low-value
// tail.
package optimizer

import (
	"time"
)

// UsageStats is the per-key record driving eviction decisions. Created on
// first access, updated on every access, deleted together with the backing
// file through the single removal path.
type UsageStats struct {
	Key              string    `json:"key"`
	AccessFrequency  int       `json:"accessFrequency"`
	LastAccess       time.Time `json:"lastAccess"`
	DataImportance   float64   `json:"dataImportance"`
	DataSize         int64     `json:"dataSize"`
	Compressed       bool      `json:"compressed"`
	CompressionRatio float64   `json:"compressionRatio,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`

	// RetainUntil marks items reserved for a predicted offline period;
	// routine eviction skips them until expiry.
	RetainUntil time.Time `json:"retainUntil,omitempty"`
}

// Score thresholds: items below removeBelow are evicted outright; items in
// [removeBelow, compressBelow] above the size floor are compressed.
const (
	removeBelow   = 3.0
	compressBelow = 7.0

	compressMinBytes = 100 * 1024 // 0.1MB
	// Compression is kept only when it saves more than this fraction.
	compressMinSaving = 0.10

	retentionPeriod = 7 * 24 * time.Hour
)

// PriorityScore ranks an item for retention: access frequency tiers,
// recency, caller-supplied importance, and a bonus when the predictor lists
// the key as soon-needed.
func PriorityScore(s *UsageStats, predictedNeeded map[string]bool, now time.Time) float64 {
	score := s.DataImportance

	switch {
	case s.AccessFrequency > 20:
		score += 2
	case s.AccessFrequency > 10:
		score += 1
	}

	age := now.Sub(s.LastAccess)
	switch {
	case age < 24*time.Hour:
		score += 2
	case age < 7*24*time.Hour:
		score += 1
	case age > 30*24*time.Hour:
		score -= 1
	}

	if predictedNeeded[s.Key] {
		score += 2
	}

	return score
}

// retained reports whether the item is inside its offline-retention window.
func (s *UsageStats) retained(now time.Time) bool {
	return !s.RetainUntil.IsZero() && now.Before(s.RetainUntil)
}
