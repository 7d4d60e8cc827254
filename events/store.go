package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"sentinel/models"
	"sentinel/utils"
)

// Store persists events on disk: one JPEG per shot, one JSON metadata file
// per event, and one human-readable summary per closed event. Filenames are
// keyed by the event identifier so the folder alone tells the story.
//
// Metadata writes are serialized by a mutex and land via rename, so the
// manager goroutine and concurrent alert dispatches never lose each other's
// updates and readers never see a half-written file.
type Store struct {
	dir string
	mu  sync.Mutex
}

func NewStore(dir string) (*Store, error) {
	if err := utils.CreateFolder(dir); err != nil {
		return nil, fmt.Errorf("error creating screenshot folder: %v", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the folder the store writes into.
func (s *Store) Dir() string {
	return s.dir
}

// SaveShotImage writes the JPEG for one shot and returns the path it used.
// The filename carries the event id, shot index, detected labels and
// capture timestamp.
func (s *Store) SaveShotImage(event *models.Event, shot models.Shot, image []byte) (string, error) {
	labels := shotLabels(shot)
	name := fmt.Sprintf("event_%s_shot_%d_%s_%s.jpg",
		event.ID, shot.Index, labels, shot.CapturedAt.Format("20060102_150405"))
	path := filepath.Join(s.dir, name)

	if err := os.WriteFile(path, image, 0644); err != nil {
		return "", fmt.Errorf("error writing screenshot: %v", err)
	}
	return path, nil
}

// SaveEvent writes the event metadata file, overwriting any previous state.
// Alert outcomes already recorded on disk are carried over, so a save from
// the manager's in-memory copy cannot erase failures logged by a concurrent
// dispatch.
func (s *Store) SaveEvent(event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, err := s.readEvent(event.ID); err == nil {
		ev := *event
		if len(ev.AlertFailures) == 0 {
			ev.AlertFailures = existing.AlertFailures
		}
		if ev.Analysis == "" {
			ev.Analysis = existing.Analysis
		}
		return s.writeEvent(&ev)
	}
	return s.writeEvent(event)
}

// LoadEvent reads back a persisted event by id.
func (s *Store) LoadEvent(id string) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readEvent(id)
}

func (s *Store) readEvent(id string) (*models.Event, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("event_%s.json", id))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading event metadata: %v", err)
	}
	var event models.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("error unmarshaling event: %v", err)
	}
	return &event, nil
}

// writeEvent lands the metadata through a temp file and rename so a reader
// can never observe partial JSON. Callers hold s.mu.
func (s *Store) writeEvent(event *models.Event) error {
	data, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling event: %v", err)
	}
	path := filepath.Join(s.dir, fmt.Sprintf("event_%s.json", event.ID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("error writing event metadata: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("error writing event metadata: %v", err)
	}
	return nil
}

// WriteSummary writes the human-readable description file for a closed
// event.
func (s *Store) WriteSummary(event *models.Event) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Weapon event %s\n", event.ID)
	fmt.Fprintf(&b, "Camera: %s\n", event.Camera)
	fmt.Fprintf(&b, "Window: %s to %s\n",
		event.WindowStart.Format(time.RFC3339), event.WindowEnd.Format(time.RFC3339))
	fmt.Fprintf(&b, "Shots captured: %d\n", len(event.Shots))
	if d := event.Duration(); d > 0 {
		fmt.Fprintf(&b, "Active span: %s\n", d.Round(time.Second))
	}
	if len(event.LabelCounts) > 0 {
		b.WriteString("Detections:\n")
		labels := lo.Keys(event.LabelCounts)
		sort.Strings(labels)
		for _, label := range labels {
			fmt.Fprintf(&b, "  %s: %d\n", label, event.LabelCounts[label])
		}
	}
	if event.Analysis != "" {
		fmt.Fprintf(&b, "Analysis: %s\n", event.Analysis)
	}

	path := filepath.Join(s.dir, fmt.Sprintf("event_%s_description.txt", event.ID))
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("error writing event summary: %v", err)
	}
	return nil
}

// AppendAlertFailure records a failed alert attempt on an already persisted
// event without reopening it. The load and rewrite happen under the store
// lock, so concurrent dispatches all land their entries.
func (s *Store) AppendAlertFailure(id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, err := s.readEvent(id)
	if err != nil {
		return err
	}
	event.AlertFailures = append(event.AlertFailures,
		fmt.Sprintf("%s: %s", time.Now().Format(time.RFC3339), reason))
	return s.writeEvent(event)
}

// SetAnalysis attaches the generated scene description to a persisted event.
func (s *Store) SetAnalysis(id, analysis string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, err := s.readEvent(id)
	if err != nil {
		return err
	}
	event.Analysis = analysis
	if err := s.writeEvent(event); err != nil {
		return err
	}
	if event.Closed {
		return s.WriteSummary(event)
	}
	return nil
}

func shotLabels(shot models.Shot) string {
	labels := lo.Uniq(lo.Map(shot.Result.Detections, func(det models.Detection, _ int) string {
		return det.Label
	}))
	if len(labels) == 0 {
		return "unknown"
	}
	sort.Strings(labels)
	return strings.Join(labels, "-")
}
