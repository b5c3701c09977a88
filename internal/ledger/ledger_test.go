package ledger

import (
	"errors"
	"testing"
	"time"

	"videoingest/internal/models"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func finished(id string, at time.Time) models.JobState {
	return models.JobState{
		JobID:      id,
		SourceType: "archive",
		Scope:      models.ScopeMovie,
		TargetID:   "1",
		Status:     models.StatusDone,
		Percent:    100,
		VendorID:   "vid-" + id,
		QueuedAt:   at.Add(-time.Minute),
		FinishedAt: &at,
	}
}

func TestPutGet(t *testing.T) {
	store := openTemp(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Put(finished("a", at)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.VendorID != "vid-a" || got.Status != models.StatusDone || !got.FinishedAt.Equal(at) {
		t.Fatalf("unexpected record %+v", got)
	}
	if _, err := store.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutRequiresJobID(t *testing.T) {
	store := openTemp(t)
	if err := store.Put(models.JobState{}); err == nil {
		t.Fatal("expected error without job id")
	}
}

func TestListNewestFirstWithLimit(t *testing.T) {
	store := openTemp(t)
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		if err := store.Put(finished(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}
	all, err := store.List(0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].JobID != "b" || all[1].JobID != "a" || all[2].JobID != "c" {
		t.Fatalf("unexpected order %v", ids(all))
	}
	limited, err := store.List(2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(limited) != 2 || limited[0].JobID != "b" {
		t.Fatalf("unexpected limited list %v", ids(limited))
	}
}

func TestPrune(t *testing.T) {
	store := openTemp(t)
	now := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	_ = store.Put(finished("old", now.Add(-48*time.Hour)))
	_ = store.Put(finished("new", now.Add(-time.Hour)))

	removed, err := store.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one record pruned, got %d", removed)
	}
	if _, err := store.Get("old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old record gone, got %v", err)
	}
	if _, err := store.Get("new"); err != nil {
		t.Fatalf("expected new record kept, got %v", err)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Put(finished("persisted", time.Now().UTC())); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := store.Get("persisted"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.Get("persisted"); err != nil {
		t.Fatalf("expected record after reopen, got %v", err)
	}
}

func ids(states []models.JobState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = s.JobID
	}
	return out
}
