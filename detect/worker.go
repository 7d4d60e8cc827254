package detect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdobak/go-xerrors"

	"sentinel/camera"
	"sentinel/config"
	"sentinel/models"
	"sentinel/utils"
)

// Sink consumes detection results in production order. Submit must not
// block; it reports false when the result was dropped.
type Sink interface {
	Submit(result models.DetectionResult, frame *models.Frame) bool
}

// WorkerConfig tunes the sampling cadence and filtering.
type WorkerConfig struct {
	Camera        string
	SamplePolicy  string // config.SampleByInterval or config.SampleEveryKth
	Interval      time.Duration
	EveryKth      uint64
	Threshold     float64
	WeaponClasses map[string]bool
	Timeout       time.Duration
}

// Worker samples frames from the raw slot at a bounded rate, runs them
// through the external engine, publishes annotated frames and forwards the
// filtered results. It never queues backlog: if inference overruns the
// cadence, the worker simply picks up whatever frame is current next time.
type Worker struct {
	cfg       WorkerConfig
	engine    Engine
	annotator *Annotator
	raw       *camera.Slot
	annotated *camera.Slot
	sink      Sink
	logger    *slog.Logger

	// OnResult, when set, is invoked for every produced result after it has
	// been forwarded to the sink. Used for live dashboard pushes.
	OnResult func(models.DetectionResult)

	processed   atomic.Uint64
	threats     atomic.Uint64
	inferErrors atomic.Uint64

	lastMu sync.RWMutex
	last   models.DetectionResult
	lastAt time.Time
}

// NewWorker wires the detection stage.
func NewWorker(cfg WorkerConfig, engine Engine, annotator *Annotator, raw, annotated *camera.Slot, sink Sink) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 200 * time.Millisecond
	}
	if cfg.EveryKth == 0 {
		cfg.EveryKth = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Worker{
		cfg:       cfg,
		engine:    engine,
		annotator: annotator,
		raw:       raw,
		annotated: annotated,
		sink:      sink,
		logger:    utils.GetLogger(),
	}
}

// Run samples and processes frames until the context is cancelled. An
// in-flight inference call is allowed to finish; only the loop stops.
func (w *Worker) Run(ctx context.Context) {
	tick := w.cfg.Interval
	if w.cfg.SamplePolicy == config.SampleEveryKth {
		// Poll faster than the camera and let the seq gate pace us.
		tick = 20 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	started := time.Now()
	var lastSeq uint64

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "detection worker stopping",
				slog.String("camera", w.cfg.Camera),
				slog.Uint64("processed", w.processed.Load()),
				slog.Uint64("threats", w.threats.Load()),
			)
			return
		case <-ticker.C:
		}

		frame, ok := w.raw.Peek()
		if !ok || frame.Seq == lastSeq {
			continue
		}
		// The first frame is always eligible; the Kth gate only applies once
		// a frame has been sampled.
		if w.cfg.SamplePolicy == config.SampleEveryKth && lastSeq != 0 && frame.Seq < lastSeq+w.cfg.EveryKth {
			continue
		}
		lastSeq = frame.Seq

		w.process(ctx, frame, started)
	}
}

func (w *Worker) process(ctx context.Context, frame *models.Frame, started time.Time) {
	// The inference call deliberately runs on its own context so shutdown
	// lets it finish instead of aborting it mid-call.
	callCtx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	start := time.Now()
	raw, err := w.engine.Detect(callCtx, frame)
	cancel()
	latency := time.Since(start)

	result := models.DetectionResult{
		FrameSeq:  frame.Seq,
		Timestamp: frame.Timestamp,
		LatencyMs: float64(latency.Microseconds()) / 1000.0,
	}

	if err != nil {
		w.inferErrors.Add(1)
		w.logger.ErrorContext(ctx, "inference failed, treating frame as clear",
			slog.String("camera", w.cfg.Camera),
			slog.Uint64("frameSeq", frame.Seq),
			slog.Any("error", xerrors.New(err)),
		)
	} else {
		result.Detections = w.filter(raw, frame.Seq)
	}

	w.processed.Add(1)
	if result.HasThreat() {
		w.threats.Add(1)
	}

	annotated := w.render(ctx, frame, result, started)
	w.annotated.Publish(annotated)

	w.lastMu.Lock()
	w.last = result
	w.lastAt = time.Now()
	w.lastMu.Unlock()

	if !w.sink.Submit(result, annotated) {
		w.logger.WarnContext(ctx, "detection result dropped by sink",
			slog.String("camera", w.cfg.Camera),
			slog.Uint64("frameSeq", frame.Seq),
		)
	}
	if w.OnResult != nil {
		w.OnResult(result)
	}
}

// filter keeps only detections above the confidence threshold whose label is
// a configured weapon class.
func (w *Worker) filter(raw []models.Detection, seq uint64) []models.Detection {
	kept := make([]models.Detection, 0, len(raw))
	for _, det := range raw {
		if det.Confidence < w.cfg.Threshold {
			continue
		}
		if !w.cfg.WeaponClasses[det.Label] {
			continue
		}
		det.FrameSeq = seq
		kept = append(kept, det)
	}
	return kept
}

func (w *Worker) render(ctx context.Context, frame *models.Frame, result models.DetectionResult, started time.Time) *models.Frame {
	elapsed := time.Since(started).Seconds()
	fps := 0.0
	if elapsed > 0 {
		fps = float64(w.processed.Load()) / elapsed
	}
	status := "Status: Clear"
	if result.HasThreat() {
		status = fmt.Sprintf("Current: %d detected", len(result.Detections))
	}
	overlay := []string{
		fmt.Sprintf("FPS: %.1f", fps),
		fmt.Sprintf("Frame: %d", frame.Seq),
		fmt.Sprintf("Threats: %d", w.threats.Load()),
		status,
	}

	annotated, err := w.annotator.Render(frame, result.Detections, overlay)
	if err != nil {
		// Stream the raw frame rather than stalling the feed.
		w.logger.WarnContext(ctx, "annotation failed, passing raw frame through",
			slog.Uint64("frameSeq", frame.Seq),
			slog.Any("error", xerrors.New(err)),
		)
		return frame
	}
	return annotated
}

// Snapshot returns the worker's observable state for the status endpoint.
func (w *Worker) Snapshot() (processed, threats, inferErrors uint64, last models.DetectionResult, lastAt time.Time) {
	w.lastMu.RLock()
	last = w.last
	lastAt = w.lastAt
	w.lastMu.RUnlock()
	return w.processed.Load(), w.threats.Load(), w.inferErrors.Load(), last, lastAt
}
