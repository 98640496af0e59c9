// Package edgesync implements the offline-first synchronization engine for
// the edge translation device: adaptive scheduling, priority queueing,
// delta-based payload reduction, conflict resolution and the orchestration
// of a full sync cycle against the cloud backend.
package edgesync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ItemType identifies the kind of work a SyncItem carries.
type ItemType string

const (
	ItemTranslation      ItemType = "translation"
	ItemAudioTranslation ItemType = "audio_translation"
	ItemFeedback         ItemType = "feedback"
)

// Priority orders items for transmission. CRITICAL outranks HIGH outranks
// MEDIUM outranks LOW.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for k, v := range priorityNames {
		if v == s {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("unknown priority %q", s)
}

// Medical contexts that drive priority escalation and conflict sensitivity.
const (
	ContextEmergency    = "emergency"
	ContextCriticalCare = "critical_care"
	ContextDiagnosis    = "diagnosis"
	ContextMedication   = "medication"
	ContextGeneral      = "general"
)

// TranslationResult is the output of a translation plus its confidence.
type TranslationResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Alternative is a candidate translation the model ranked below the result.
type Alternative struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// TranslationPayload is the domain data carried by a SyncItem.
type TranslationPayload struct {
	SourceLanguage string            `json:"sourceLanguage"`
	TargetLanguage string            `json:"targetLanguage"`
	Context        string            `json:"context"`
	SourceText     string            `json:"sourceText"`
	Result         TranslationResult `json:"result"`
	Alternatives   []Alternative     `json:"alternatives,omitempty"`
	MedicalTerms   map[string]string `json:"medicalTerms,omitempty"`
	Feedback       *Feedback         `json:"feedback,omitempty"`
}

// Feedback is an optional user rating attached to feedback items.
type Feedback struct {
	Rating  int    `json:"rating"` // 1-5
	Comment string `json:"comment,omitempty"`
}

// Change is one path-level difference between an item and its last-synced
// snapshot.
type Change struct {
	Path string      `json:"path"`
	Old  interface{} `json:"old"`
	New  interface{} `json:"new"`
}

// Delta replaces a full payload when the diff against the last acknowledged
// version is small enough to be worth transmitting instead.
type Delta struct {
	BaseVersion int      `json:"baseVersion"`
	Changes     []Change `json:"changes"`
}

// SyncItem is one unit of sync work. It is persisted immediately on
// creation and removed from the queue only after confirmed server
// acceptance. Apart from version bumps and calculated priority during a
// cycle, items are never mutated.
type SyncItem struct {
	ID        string              `json:"id"`
	Type      ItemType            `json:"type"`
	Timestamp time.Time           `json:"timestamp"`
	Priority  Priority            `json:"priority"`
	Payload   *TranslationPayload `json:"payload,omitempty"`
	Size      int64               `json:"size"`
	Version   int                 `json:"version"`
	Delta     *Delta              `json:"delta,omitempty"`

	// CalculatedPriority is recomputed each cycle before batching and is
	// not part of the item's durable identity.
	CalculatedPriority float64 `json:"calculatedPriority,omitempty"`
}

// NewSyncItem builds an item with a content-derived id, so the same logical
// event enqueued twice collapses onto one record. The id is stable across
// delta rewrites because it never includes the delta fields.
func NewSyncItem(itemType ItemType, priority Priority, payload *TranslationPayload) (SyncItem, error) {
	item := SyncItem{
		Type:      itemType,
		Timestamp: time.Now().UTC(),
		Priority:  priority,
		Payload:   payload,
		Version:   1,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return SyncItem{}, err
	}
	sum := sha256.Sum256(append([]byte(itemType), data...))
	item.ID = hex.EncodeToString(sum[:16])
	item.Size = int64(len(data))
	return item, nil
}

// Conflict pairs a local item and a server item sharing an id but divergent
// state. It is resolved exactly once.
type Conflict struct {
	Local  SyncItem `json:"localItem"`
	Server SyncItem `json:"serverItem"`
}

// Strategy names a conflict resolution outcome.
type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyRemote Strategy = "remote"
	StrategyMerge  Strategy = "merge"
)

// Merge sub-strategies for translation items.
const (
	MergeSelectHigherConfidence = "select_higher_confidence"
	MergeIntelligentCombine     = "intelligent_combine"
)

// Resolution is the archived outcome of one conflict, including the decision
// factors used, for offline strategy-quality review.
type Resolution struct {
	ID          string               `json:"id"`
	ItemID      string               `json:"itemId"`
	Strategy    Strategy             `json:"strategy"`
	SubStrategy string               `json:"subStrategy,omitempty"`
	Result      SyncItem             `json:"result"`
	Scores      map[Strategy]float64 `json:"scores"`
	Reasons     []string             `json:"reasons,omitempty"`
	ResolvedAt  time.Time            `json:"resolvedAt"`
}

// SyncRequest is the body of POST /edge/sync.
type SyncRequest struct {
	DeviceID     string       `json:"deviceId"`
	Items        []SyncItem   `json:"items"`
	Version      string       `json:"version"`
	Timestamp    time.Time    `json:"timestamp"`
	Capabilities Capabilities `json:"capabilities"`
}

// Capabilities advertises what this device supports to the cloud.
type Capabilities struct {
	ConflictResolution bool `json:"conflictResolution"`
	DeltaSync          bool `json:"deltaSync"`
	Compression        bool `json:"compression"`
}

// FailedItem reports a per-item delivery failure within a batch.
type FailedItem struct {
	ID     string `json:"id"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ServerConflict is a server-reported divergence for a pushed item.
type ServerConflict struct {
	ID         string   `json:"id"`
	ServerItem SyncItem `json:"serverItem"`
}

// SyncResponse is the cloud's answer to a batch.
type SyncResponse struct {
	Success         bool             `json:"success"`
	SuccessfulItems []string         `json:"successfulItems"`
	FailedItems     []FailedItem     `json:"failedItems"`
	Conflicts       []ServerConflict `json:"conflicts"`
}

// HealthStatus is the response of GET /health.
type HealthStatus struct {
	Status  string        `json:"status"`
	Latency time.Duration `json:"latency"`
}
