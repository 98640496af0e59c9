package edgesync

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/medtranslate/edge-sync/storage/filestore"
)

// snapshotKey is the record holding the delta-sync baseline, one snapshot
// per item id.
const snapshotKey = "last-sync-state"

// snapshotRetention prunes baselines not touched for this long. A dropped
// snapshot only costs one full-payload transmission on the item's next sync.
const snapshotRetention = 30 * 24 * time.Hour

// deltaThreshold: a delta is transmitted only when its serialized size is
// below this fraction of the full payload.
const deltaThreshold = 0.8

// Snapshot is the last-known-synced state of one item.
type Snapshot struct {
	Item     SyncItem  `json:"item"`
	Version  int       `json:"version"`
	SyncedAt time.Time `json:"syncedAt"`
}

// DeltaEngine reduces payload size by diffing queued items against their
// last-synced snapshots. Snapshot bookkeeping happens exactly once per
// preparation pass, before transmission, so retries cannot double-advance
// versions.
type DeltaEngine struct {
	store *filestore.Store

	mu        sync.Mutex
	snapshots map[string]Snapshot
	loaded    bool
}

func NewDeltaEngine(store *filestore.Store) *DeltaEngine {
	return &DeltaEngine{store: store, snapshots: make(map[string]Snapshot)}
}

// Prepare rewrites items for transmission: each item either keeps its full
// payload or carries a delta against its snapshot, and every item's
// snapshot is updated with a bumped version.
func (e *DeltaEngine) Prepare(ctx context.Context, items []SyncItem) ([]SyncItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.load(ctx); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for i := range items {
		item := items[i]
		snap, ok := e.snapshots[item.ID]
		if !ok || snap.Item.Payload == nil || item.Payload == nil {
			if item.Version < 1 {
				item.Version = 1
			}
			e.snapshots[item.ID] = Snapshot{Item: item, Version: item.Version, SyncedAt: now}
			items[i] = item
			continue
		}

		changes := diffItems(snap.Item, item)
		if len(changes) == 0 {
			// Idempotent re-preparation: no new version, empty delta.
			item.Version = snap.Version
			item.Delta = &Delta{BaseVersion: snap.Version}
			item.Payload = nil
			snap.SyncedAt = now
			e.snapshots[item.ID] = snap
			items[i] = item
			continue
		}

		item.Version = snap.Version + 1
		full := item
		e.snapshots[item.ID] = Snapshot{Item: full, Version: item.Version, SyncedAt: now}

		delta := &Delta{BaseVersion: snap.Version, Changes: changes}
		if deltaSmaller(delta, item.Payload) {
			item.Delta = delta
			item.Payload = nil
		}
		items[i] = item
	}

	if err := e.save(ctx, now); err != nil {
		return nil, err
	}
	return items, nil
}

// SnapshotVersion returns the snapshot version for an item id, zero when no
// snapshot exists.
func (e *DeltaEngine) SnapshotVersion(ctx context.Context, id string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.load(ctx); err != nil {
		return 0, err
	}
	return e.snapshots[id].Version, nil
}

func (e *DeltaEngine) load(ctx context.Context) error {
	if e.loaded {
		return nil
	}
	var snaps map[string]Snapshot
	err := e.store.Get(ctx, snapshotKey, &snaps)
	if err != nil && !errors.Is(err, filestore.ErrNotFound) {
		return err
	}
	if snaps != nil {
		e.snapshots = snaps
	}
	e.loaded = true
	return nil
}

func (e *DeltaEngine) save(ctx context.Context, now time.Time) error {
	for id, snap := range e.snapshots {
		if now.Sub(snap.SyncedAt) > snapshotRetention {
			delete(e.snapshots, id)
		}
	}
	return e.store.Put(ctx, snapshotKey, e.snapshots)
}

// Delta diff paths. Scalar fields diff individually; alternatives and
// medical-term maps are replaced wholesale when they differ.
const (
	pathPriority     = "priority"
	pathSourceLang   = "payload.sourceLanguage"
	pathTargetLang   = "payload.targetLanguage"
	pathContext      = "payload.context"
	pathResultText   = "payload.result.text"
	pathResultConf   = "payload.result.confidence"
	pathAlternatives = "payload.alternatives"
	pathMedicalTerms = "payload.medicalTerms"
)

func diffItems(old, new SyncItem) []Change {
	var changes []Change
	add := func(path string, o, n interface{}) {
		changes = append(changes, Change{Path: path, Old: o, New: n})
	}

	if old.Priority != new.Priority {
		add(pathPriority, old.Priority.String(), new.Priority.String())
	}

	op, np := old.Payload, new.Payload
	if op.SourceLanguage != np.SourceLanguage {
		add(pathSourceLang, op.SourceLanguage, np.SourceLanguage)
	}
	if op.TargetLanguage != np.TargetLanguage {
		add(pathTargetLang, op.TargetLanguage, np.TargetLanguage)
	}
	if op.Context != np.Context {
		add(pathContext, op.Context, np.Context)
	}
	if op.Result.Text != np.Result.Text {
		add(pathResultText, op.Result.Text, np.Result.Text)
	}
	if op.Result.Confidence != np.Result.Confidence {
		add(pathResultConf, op.Result.Confidence, np.Result.Confidence)
	}
	if !reflect.DeepEqual(op.Alternatives, np.Alternatives) {
		add(pathAlternatives, op.Alternatives, np.Alternatives)
	}
	if !reflect.DeepEqual(op.MedicalTerms, np.MedicalTerms) {
		add(pathMedicalTerms, op.MedicalTerms, np.MedicalTerms)
	}

	return changes
}

// ApplyDelta reconstructs an item from its base snapshot and a delta. Change
// values round-trip through JSON so both typed and wire-decoded deltas
// apply identically.
func ApplyDelta(base SyncItem, delta Delta) (SyncItem, error) {
	result := base
	if base.Payload != nil {
		p := *base.Payload
		result.Payload = &p
	} else {
		result.Payload = &TranslationPayload{}
	}
	result.Version = delta.BaseVersion + 1
	if len(delta.Changes) == 0 {
		result.Version = delta.BaseVersion
	}
	result.Delta = nil

	for _, c := range delta.Changes {
		if err := applyChange(&result, c); err != nil {
			return SyncItem{}, err
		}
	}
	return result, nil
}

func applyChange(item *SyncItem, c Change) error {
	switch c.Path {
	case pathPriority:
		return decodeInto(c.New, &item.Priority)
	case pathSourceLang:
		return decodeInto(c.New, &item.Payload.SourceLanguage)
	case pathTargetLang:
		return decodeInto(c.New, &item.Payload.TargetLanguage)
	case pathContext:
		return decodeInto(c.New, &item.Payload.Context)
	case pathResultText:
		return decodeInto(c.New, &item.Payload.Result.Text)
	case pathResultConf:
		return decodeInto(c.New, &item.Payload.Result.Confidence)
	case pathAlternatives:
		item.Payload.Alternatives = nil
		return decodeInto(c.New, &item.Payload.Alternatives)
	case pathMedicalTerms:
		item.Payload.MedicalTerms = nil
		return decodeInto(c.New, &item.Payload.MedicalTerms)
	}
	// Unknown paths are skipped rather than failing the whole delta.
	return nil
}

func decodeInto(v interface{}, dst interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func deltaSmaller(delta *Delta, payload *TranslationPayload) bool {
	deltaBytes, err := json.Marshal(delta)
	if err != nil {
		return false
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return float64(len(deltaBytes)) < deltaThreshold*float64(len(payloadBytes))
}
