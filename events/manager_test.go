package events

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sentinel/db"
	"sentinel/models"
)

var testBase = time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, cfg Config) (*Manager, *Store) {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if cfg.Camera == "" {
		cfg.Camera = "cam1"
	}
	return NewManager(cfg, store, nil), store
}

func threatAt(ts time.Time, labels ...string) submission {
	result := models.DetectionResult{
		FrameSeq:  uint64(ts.UnixNano()),
		Timestamp: ts,
	}
	for _, label := range labels {
		result.Detections = append(result.Detections, models.Detection{
			Label:      label,
			Confidence: 0.9,
		})
	}
	return submission{
		result: result,
		frame:  &models.Frame{Seq: result.FrameSeq, Timestamp: ts, Data: []byte{0xff, 0xd8, 0xff, 0xd9}},
	}
}

func clearAt(ts time.Time) submission {
	return submission{
		result: models.DetectionResult{Timestamp: ts},
		frame:  &models.Frame{Timestamp: ts, Data: []byte{0xff, 0xd8, 0xff, 0xd9}},
	}
}

func TestDebounceSuppressesRapidShots(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{Window: time.Minute, MinShotGap: 2 * time.Second})

	m.handle(threatAt(testBase, "pistol"))
	m.handle(threatAt(testBase.Add(time.Second), "pistol"))
	m.handle(threatAt(testBase.Add(5*time.Second), "pistol"))

	open, shots, _, _ := m.Snapshot()
	if shots != 2 {
		t.Fatalf("got %d shots, want 2 (middle result debounced)", shots)
	}
	if open == nil {
		t.Fatal("event should still be open inside its window")
	}
	if open.Shots[0].CapturedAt != testBase || open.Shots[1].CapturedAt != testBase.Add(5*time.Second) {
		t.Errorf("wrong shots kept: %+v", open.Shots)
	}
}

func TestDebounceBoundaryIsInclusive(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{Window: time.Minute, MinShotGap: 2 * time.Second})

	m.handle(threatAt(testBase, "pistol"))
	// Exactly the minimum gap: accepted. One nanosecond less: rejected.
	m.handle(threatAt(testBase.Add(2*time.Second), "pistol"))
	m.handle(threatAt(testBase.Add(4*time.Second-time.Nanosecond), "pistol"))

	_, shots, _, _ := m.Snapshot()
	if shots != 2 {
		t.Errorf("got %d shots, want 2 (boundary accepted, just-under rejected)", shots)
	}
}

func TestSeparateWindowsProduceSeparateEvents(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t, Config{Window: time.Minute, MinShotGap: 2 * time.Second})

	var closedIDs []string
	m.OnEventClosed = func(event models.Event) {
		closedIDs = append(closedIDs, event.ID)
	}

	first := testBase.Add(10 * time.Second)
	second := testBase.Add(70 * time.Second)
	m.handle(threatAt(first, "pistol"))
	m.handle(threatAt(second, "knife"))

	open, shots, closed, _ := m.Snapshot()
	if shots != 2 {
		t.Fatalf("got %d shots, want 2", shots)
	}
	if closed != 1 {
		t.Fatalf("first event should have closed lazily, closed=%d", closed)
	}
	if len(closedIDs) != 1 || closedIDs[0] != testBase.Format("20060102_150405") {
		t.Errorf("unexpected closed event ids: %v", closedIDs)
	}
	if open == nil || open.ID != testBase.Add(time.Minute).Format("20060102_150405") {
		t.Fatalf("second event not keyed by its window start: %+v", open)
	}

	// The first event must be immutable on disk with only its own shot.
	persisted, err := store.LoadEvent(closedIDs[0])
	if err != nil {
		t.Fatalf("LoadEvent: %v", err)
	}
	if !persisted.Closed || len(persisted.Shots) != 1 {
		t.Errorf("closed event wrong on disk: closed=%v shots=%d", persisted.Closed, len(persisted.Shots))
	}
}

func TestWindowBoundaryIsHalfOpen(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{Window: time.Minute, MinShotGap: 0})

	m.handle(threatAt(testBase, "pistol"))
	// Timestamp equal to the window end belongs to the next window.
	m.handle(threatAt(testBase.Add(time.Minute), "pistol"))

	open, _, closed, _ := m.Snapshot()
	if closed != 1 {
		t.Errorf("closed = %d, want 1", closed)
	}
	if open == nil || !open.WindowStart.Equal(testBase.Add(time.Minute)) {
		t.Errorf("boundary result did not open the next window: %+v", open)
	}
}

func TestClearResultsNeverOpenEvents(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{Window: time.Minute, MinShotGap: 2 * time.Second})

	m.handle(clearAt(testBase))
	m.handle(clearAt(testBase.Add(time.Second)))

	open, shots, closed, _ := m.Snapshot()
	if open != nil || shots != 0 || closed != 0 {
		t.Errorf("clear results mutated state: open=%v shots=%d closed=%d", open, shots, closed)
	}
}

func TestClearResultClosesExpiredWindow(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{Window: time.Minute, MinShotGap: 0})

	m.handle(threatAt(testBase, "pistol"))
	m.handle(clearAt(testBase.Add(2 * time.Minute)))

	open, _, closed, _ := m.Snapshot()
	if open != nil {
		t.Error("expired event still open after out-of-window result")
	}
	if closed != 1 {
		t.Errorf("closed = %d, want 1", closed)
	}
}

func TestSweepClosesExpiredWindow(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{Window: time.Minute, MinShotGap: 0})

	m.handle(threatAt(testBase, "pistol"))
	m.closeExpired(testBase.Add(61 * time.Second))

	open, _, closed, _ := m.Snapshot()
	if open != nil || closed != 1 {
		t.Errorf("sweep did not close expired event: open=%v closed=%d", open, closed)
	}
}

func TestFlushClosesExactlyOnce(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{Window: time.Minute, MinShotGap: 0})

	closures := 0
	m.OnEventClosed = func(models.Event) { closures++ }

	m.handle(threatAt(testBase, "pistol"))
	m.Flush()
	m.Flush()

	if closures != 1 {
		t.Errorf("event closed %d times, want exactly 1", closures)
	}
	_, _, closed, _ := m.Snapshot()
	if closed != 1 {
		t.Errorf("closed counter = %d, want 1", closed)
	}
}

func TestSubmitDropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t, Config{Window: time.Minute, QueueSize: 2})

	sub := threatAt(testBase, "pistol")
	if !m.Submit(sub.result, sub.frame) || !m.Submit(sub.result, sub.frame) {
		t.Fatal("submissions within capacity should be accepted")
	}
	if m.Submit(sub.result, sub.frame) {
		t.Error("submission beyond capacity should be dropped")
	}
	_, _, _, dropped := m.Snapshot()
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestShotFilesAndMetadataOnDisk(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t, Config{Window: time.Minute, MinShotGap: 0})

	m.handle(threatAt(testBase, "pistol", "knife"))
	m.Flush()

	open, _, _, _ := m.Snapshot()
	if open != nil {
		t.Fatal("flush left an open event")
	}

	id := testBase.Format("20060102_150405")
	entries, err := os.ReadDir(store.Dir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var haveImage, haveMeta, haveSummary bool
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case name == "event_"+id+".json":
			haveMeta = true
		case name == "event_"+id+"_description.txt":
			haveSummary = true
		case strings.HasPrefix(name, "event_"+id+"_shot_0_") && strings.HasSuffix(name, ".jpg"):
			haveImage = true
		}
	}
	if !haveImage || !haveMeta || !haveSummary {
		t.Fatalf("missing persisted files: image=%v meta=%v summary=%v (%v)", haveImage, haveMeta, haveSummary, entries)
	}

	event, err := store.LoadEvent(id)
	if err != nil {
		t.Fatalf("LoadEvent: %v", err)
	}
	if event.LabelCounts["pistol"] != 1 || event.LabelCounts["knife"] != 1 {
		t.Errorf("label histogram wrong: %+v", event.LabelCounts)
	}
	if got := filepath.Base(event.Shots[0].Path); !strings.Contains(got, "knife-pistol") {
		t.Errorf("shot filename missing sorted labels: %s", got)
	}
}

func TestSweepPrunesOldHistory(t *testing.T) {
	t.Parallel()

	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	index, err := db.NewSQLiteClient(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	defer index.Close()

	old := &models.Event{
		ID:          "20260829_110000",
		Camera:      "cam1",
		WindowStart: testBase.Add(-time.Hour),
		WindowEnd:   testBase.Add(-time.Hour + time.Minute),
		LabelCounts: map[string]int{"pistol": 1},
		Closed:      true,
	}
	recent := &models.Event{
		ID:          "20260829_120000",
		Camera:      "cam1",
		WindowStart: testBase,
		WindowEnd:   testBase.Add(time.Minute),
		LabelCounts: map[string]int{"pistol": 1},
		Closed:      true,
	}
	for _, e := range []*models.Event{old, recent} {
		if err := index.UpsertEvent(e); err != nil {
			t.Fatalf("UpsertEvent: %v", err)
		}
	}

	m := NewManager(Config{Camera: "cam1", Window: time.Minute, Retention: 30 * time.Minute}, store, index)
	m.pruneHistory(testBase.Add(time.Minute))

	total, err := index.TotalEvents()
	if err != nil {
		t.Fatalf("TotalEvents: %v", err)
	}
	if total != 1 {
		t.Errorf("events after prune = %d, want 1", total)
	}

	// Zero retention means keep everything.
	m.cfg.Retention = 0
	m.pruneHistory(testBase.Add(24 * time.Hour))
	if total, _ = index.TotalEvents(); total != 1 {
		t.Errorf("zero retention pruned history, %d events left", total)
	}
}

func TestAppendAlertFailureDoesNotReopen(t *testing.T) {
	t.Parallel()

	m, store := newTestManager(t, Config{Window: time.Minute, MinShotGap: 0})

	m.handle(threatAt(testBase, "pistol"))
	m.Flush()

	id := testBase.Format("20060102_150405")
	if err := store.AppendAlertFailure(id, "twilio: 503"); err != nil {
		t.Fatalf("AppendAlertFailure: %v", err)
	}

	event, err := store.LoadEvent(id)
	if err != nil {
		t.Fatalf("LoadEvent: %v", err)
	}
	if !event.Closed {
		t.Error("recording an alert failure reopened the event")
	}
	if len(event.AlertFailures) != 1 || !strings.Contains(event.AlertFailures[0], "twilio: 503") {
		t.Errorf("alert failure not recorded: %v", event.AlertFailures)
	}
}
