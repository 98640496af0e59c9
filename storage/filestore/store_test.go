package filestore

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := record{Name: "hello", Count: 3}
	if err := s.Put(ctx, "rec-1", want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var got record
	if err := s.Get(ctx, "rec-1", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)

	var got record
	err := s.Get(context.Background(), "absent", &got)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteAbsentIsNoError(t *testing.T) {
	s := newTestStore(t)
	if err := s.Delete(context.Background(), "never-existed"); err != nil {
		t.Errorf("deleting an absent record must not error, got %v", err)
	}
}

func TestListPrefixSorted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"sync-item-b", "sync-item-a", "other", "sync-item-c"} {
		if err := s.Put(ctx, key, record{Name: key}); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}

	keys, err := s.List(ctx, "sync-item-")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"sync-item-a", "sync-item-b", "sync-item-c"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("List = %v, want %v", keys, want)
	}
}

func TestPutOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "rec", record{Count: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "rec", record{Count: 2}); err != nil {
		t.Fatal(err)
	}

	var got record
	if err := s.Get(ctx, "rec", &got); err != nil {
		t.Fatal(err)
	}
	if got.Count != 2 {
		t.Errorf("Count = %d, want 2", got.Count)
	}
}

func TestPutWithBackupRotation(t *testing.T) {
	s, err := New(Config{Dir: t.TempDir(), Backups: 2})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.PutWithBackup(ctx, "metrics", record{Count: i}); err != nil {
			t.Fatalf("PutWithBackup %d: %v", i, err)
		}
	}

	matches, err := filepath.Glob(filepath.Join(s.Dir(), "metrics.bak-*.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) > 2 {
		t.Errorf("expected at most 2 backups, found %d", len(matches))
	}

	// The live record holds the latest write.
	var got record
	if err := s.Get(ctx, "metrics", &got); err != nil {
		t.Fatal(err)
	}
	if got.Count != 4 {
		t.Errorf("Count = %d, want 4", got.Count)
	}
}

func TestBackupsExcludedFromList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.PutWithBackup(ctx, "metrics", record{Count: i}); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.List(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "metrics" {
		t.Errorf("List = %v, want [metrics]", keys)
	}
}

func TestKeyEscaping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "nested/key", record{Name: "x"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	keys, err := s.List(ctx, "nested/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "nested/key" {
		t.Errorf("List = %v, want [nested/key]", keys)
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "rec", record{}); err == nil {
		t.Error("Put on a closed store must fail")
	}
	var got record
	if err := s.Get(ctx, "rec", &got); err == nil {
		t.Error("Get on a closed store must fail")
	}
}

func TestCanceledContextRejected(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Put(ctx, "rec", record{}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
