package detect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sentinel/camera"
	"sentinel/config"
	"sentinel/models"
)

type fakeEngine struct {
	mu     sync.Mutex
	result []models.Detection
	err    error
	calls  int
}

func (f *fakeEngine) Detect(ctx context.Context, frame *models.Frame) ([]models.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type captureSink struct {
	mu      sync.Mutex
	results []models.DetectionResult
	accept  bool
}

func newCaptureSink() *captureSink {
	return &captureSink{accept: true}
}

func (s *captureSink) Submit(result models.DetectionResult, frame *models.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return s.accept
}

func (s *captureSink) all() []models.DetectionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.DetectionResult, len(s.results))
	copy(out, s.results)
	return out
}

func newTestWorker(engine Engine, sink Sink) (*Worker, *camera.Slot, *camera.Slot) {
	raw := camera.NewSlot()
	annotated := camera.NewSlot()
	cfg := WorkerConfig{
		Camera:        "cam0",
		SamplePolicy:  config.SampleByInterval,
		Interval:      5 * time.Millisecond,
		Threshold:     0.5,
		WeaponClasses: map[string]bool{"pistol": true, "knife": true},
		Timeout:       time.Second,
	}
	return NewWorker(cfg, engine, NewAnnotator(80, 0), raw, annotated, sink), raw, annotated
}

func TestWorkerFiltersByThresholdAndClass(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{result: []models.Detection{
		{Label: "pistol", Confidence: 0.9},
		{Label: "pistol", Confidence: 0.3},  // below threshold
		{Label: "person", Confidence: 0.95}, // not a weapon class
		{Label: "knife", Confidence: 0.6},
	}}
	sink := newCaptureSink()
	w, _, _ := newTestWorker(engine, sink)

	w.process(context.Background(), testFrame(7), time.Now())

	results := sink.all()
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	dets := results[0].Detections
	if len(dets) != 2 {
		t.Fatalf("got %d detections after filtering, want 2: %+v", len(dets), dets)
	}
	for _, d := range dets {
		if d.Confidence < 0.5 {
			t.Errorf("kept detection below threshold: %+v", d)
		}
		if d.Label != "pistol" && d.Label != "knife" {
			t.Errorf("kept non-weapon class: %+v", d)
		}
		if d.FrameSeq != 7 {
			t.Errorf("detection not stamped with frame seq: %d", d.FrameSeq)
		}
	}

	processed, threats, inferErrors, last, _ := w.Snapshot()
	if processed != 1 || threats != 1 || inferErrors != 0 {
		t.Errorf("snapshot processed=%d threats=%d inferErrors=%d", processed, threats, inferErrors)
	}
	if !last.HasThreat() {
		t.Error("last result should report a threat")
	}
}

func TestWorkerEngineFailureYieldsEmptyResult(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{err: errors.New("connection refused")}
	sink := newCaptureSink()
	w, _, annotated := newTestWorker(engine, sink)

	w.process(context.Background(), testFrame(3), time.Now())

	results := sink.all()
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1: a failed inference still produces a clear result", len(results))
	}
	if len(results[0].Detections) != 0 {
		t.Errorf("failed inference should carry no detections, got %+v", results[0].Detections)
	}

	processed, threats, inferErrors, _, _ := w.Snapshot()
	if processed != 1 {
		t.Errorf("processed = %d, want 1", processed)
	}
	if threats != 0 {
		t.Errorf("threats = %d, want 0 after engine failure", threats)
	}
	if inferErrors != 1 {
		t.Errorf("inferErrors = %d, want 1", inferErrors)
	}

	// The stream must keep moving even when inference fails.
	if _, ok := annotated.Peek(); !ok {
		t.Error("no frame published to annotated slot after engine failure")
	}
}

func TestWorkerSkipsUnchangedFrames(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	sink := newCaptureSink()
	w, raw, _ := newTestWorker(engine, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	// One frame, many ticks: the seq gate must dedupe.
	raw.Publish(testFrame(1))
	time.Sleep(60 * time.Millisecond)
	cancel()
	<-done

	if got := engine.callCount(); got != 1 {
		t.Errorf("engine called %d times for a single frame, want 1", got)
	}
}

func TestWorkerEveryKthSamplesFirstFrame(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	sink := newCaptureSink()
	raw := camera.NewSlot()
	w := NewWorker(WorkerConfig{
		Camera:        "cam0",
		SamplePolicy:  config.SampleEveryKth,
		EveryKth:      3,
		Threshold:     0.5,
		WeaponClasses: map[string]bool{"pistol": true},
		Timeout:       time.Second,
	}, engine, NewAnnotator(80, 0), raw, camera.NewSlot(), sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	// The very first frame must be sampled, not deferred until seq K.
	raw.Publish(testFrame(1))
	time.Sleep(60 * time.Millisecond)

	// Seq 2 and 3 are within the gate; seq 4 is the next eligible frame.
	for seq := uint64(2); seq <= 4; seq++ {
		raw.Publish(testFrame(seq))
		time.Sleep(60 * time.Millisecond)
	}
	cancel()
	<-done

	results := sink.all()
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (seq 1 and seq 4): %+v", len(results), results)
	}
	if results[0].FrameSeq != 1 {
		t.Errorf("first sampled frame seq = %d, want 1", results[0].FrameSeq)
	}
	if results[1].FrameSeq != 4 {
		t.Errorf("second sampled frame seq = %d, want 4", results[1].FrameSeq)
	}
}

func TestWorkerProcessesNewFrames(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	sink := newCaptureSink()
	w, raw, _ := newTestWorker(engine, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	for seq := uint64(1); seq <= 3; seq++ {
		raw.Publish(testFrame(seq))
		time.Sleep(25 * time.Millisecond)
	}
	cancel()
	<-done

	processed, _, _, _, _ := w.Snapshot()
	if processed != 3 {
		t.Errorf("processed = %d, want 3", processed)
	}
	results := sink.all()
	for i := 1; i < len(results); i++ {
		if results[i].FrameSeq <= results[i-1].FrameSeq {
			t.Errorf("results out of order: seq %d after %d", results[i].FrameSeq, results[i-1].FrameSeq)
		}
	}
}
