package conflictlog

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/medtranslate/edge-sync/edgesync"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(DefaultConfig(filepath.Join(t.TempDir(), "resolutions.db")))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testResolution(n int, strategy edgesync.Strategy) *edgesync.Resolution {
	return &edgesync.Resolution{
		ID:          fmt.Sprintf("res-%03d", n),
		ItemID:      fmt.Sprintf("item-%03d", n),
		Strategy:    strategy,
		SubStrategy: edgesync.MergeIntelligentCombine,
		Scores: map[edgesync.Strategy]float64{
			edgesync.StrategyLocal:  0.4,
			edgesync.StrategyRemote: 0.3,
			edgesync.StrategyMerge:  0.5,
		},
		Reasons: []string{"recency favors local", "contexts compatible"},
		Result: edgesync.SyncItem{
			ID:       fmt.Sprintf("item-%03d", n),
			Type:     edgesync.ItemTranslation,
			Priority: edgesync.PriorityMedium,
		},
		ResolvedAt: time.Now().UTC(),
	}
}

func TestArchiveAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Archive(ctx, testResolution(i, edgesync.StrategyMerge)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].ID != "res-002" || got[1].ID != "res-001" {
		t.Errorf("order = %s, %s", got[0].ID, got[1].ID)
	}

	r := got[0]
	if r.Strategy != edgesync.StrategyMerge || r.SubStrategy != edgesync.MergeIntelligentCombine {
		t.Errorf("strategy = %s/%s", r.Strategy, r.SubStrategy)
	}
	if r.Scores[edgesync.StrategyMerge] != 0.5 {
		t.Errorf("scores = %v", r.Scores)
	}
	if len(r.Reasons) != 2 {
		t.Errorf("reasons = %v", r.Reasons)
	}
	if r.Result.ID != "item-002" {
		t.Errorf("result item = %+v", r.Result)
	}
}

func TestRecentDefaultLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		if err := s.Archive(ctx, testResolution(i, edgesync.StrategyLocal)); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 50 {
		t.Errorf("default limit returned %d rows, want 50", len(got))
	}
}

func TestArchiveRejectsDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	res := testResolution(1, edgesync.StrategyLocal)
	if err := s.Archive(ctx, res); err != nil {
		t.Fatal(err)
	}
	if err := s.Archive(ctx, res); err == nil {
		t.Error("duplicate resolution id must be rejected")
	}
}

func TestStrategyCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	plan := []edgesync.Strategy{
		edgesync.StrategyLocal,
		edgesync.StrategyLocal,
		edgesync.StrategyMerge,
		edgesync.StrategyRemote,
	}
	for i, strategy := range plan {
		if err := s.Archive(ctx, testResolution(i, strategy)); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := s.StrategyCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := map[edgesync.Strategy]int{
		edgesync.StrategyLocal:  2,
		edgesync.StrategyMerge:  1,
		edgesync.StrategyRemote: 1,
	}
	for strategy, n := range want {
		if counts[strategy] != n {
			t.Errorf("counts[%s] = %d, want %d", strategy, counts[strategy], n)
		}
	}
}

func TestArchivePersistsAcrossOpens(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "resolutions.db")
	ctx := context.Background()

	s1, err := New(DefaultConfig(dsn))
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.Archive(ctx, testResolution(1, edgesync.StrategyMerge)); err != nil {
		t.Fatal(err)
	}
	if err := s1.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := New(DefaultConfig(dsn))
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "res-001" {
		t.Errorf("reloaded rows = %+v", got)
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("repeated close must be a no-op, got %v", err)
	}

	if err := s.Archive(ctx, testResolution(1, edgesync.StrategyLocal)); err == nil {
		t.Error("archive on a closed store must fail")
	}
	if _, err := s.Recent(ctx, 10); err == nil {
		t.Error("recent on a closed store must fail")
	}
	if _, err := s.StrategyCounts(ctx); err == nil {
		t.Error("strategy counts on a closed store must fail")
	}
}
