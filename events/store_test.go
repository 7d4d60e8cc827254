package events

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sentinel/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func persistedEvent(t *testing.T, store *Store, id string) *models.Event {
	t.Helper()
	event := &models.Event{
		ID:          id,
		Camera:      "cam1",
		WindowStart: testBase,
		WindowEnd:   testBase.Add(time.Minute),
		LabelCounts: map[string]int{"pistol": 1},
		Labels:      []string{"pistol"},
		CreatedAt:   testBase,
		UpdatedAt:   testBase,
		Closed:      true,
	}
	if err := store.SaveEvent(event); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	return event
}

func TestConcurrentAlertFailuresAllRecorded(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	persistedEvent(t, store, "20260829_120000")

	const calls = 20
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs <- store.AppendAlertFailure("20260829_120000", fmt.Sprintf("call %d failed", n))
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("AppendAlertFailure: %v", err)
		}
	}

	event, err := store.LoadEvent("20260829_120000")
	if err != nil {
		t.Fatalf("LoadEvent: %v", err)
	}
	if len(event.AlertFailures) != calls {
		t.Errorf("recorded %d alert failures, want %d", len(event.AlertFailures), calls)
	}
}

func TestSaveEventKeepsRecordedAlertOutcomes(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	event := persistedEvent(t, store, "20260829_130000")

	if err := store.AppendAlertFailure(event.ID, "call failed"); err != nil {
		t.Fatalf("AppendAlertFailure: %v", err)
	}
	if err := store.SetAnalysis(event.ID, "one armed subject near the entrance"); err != nil {
		t.Fatalf("SetAnalysis: %v", err)
	}

	// The manager rewrites from its in-memory copy, which never carries
	// alert outcomes. They must survive the save.
	stale := *event
	stale.AlertFailures = nil
	stale.Analysis = ""
	stale.UpdatedAt = testBase.Add(30 * time.Second)
	if err := store.SaveEvent(&stale); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}

	got, err := store.LoadEvent(event.ID)
	if err != nil {
		t.Fatalf("LoadEvent: %v", err)
	}
	if len(got.AlertFailures) != 1 || !strings.Contains(got.AlertFailures[0], "call failed") {
		t.Errorf("alert failures lost on rewrite: %v", got.AlertFailures)
	}
	if got.Analysis == "" {
		t.Error("analysis lost on rewrite")
	}
	if !got.UpdatedAt.Equal(stale.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, stale.UpdatedAt)
	}
}

func TestSaveEventLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	persistedEvent(t, store, "20260829_140000")

	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, entry := range entries {
		if filepath.Ext(entry.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
}
