package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mdobak/go-xerrors"

	"sentinel/config"
	"sentinel/events"
	"sentinel/models"
	"sentinel/utils"
)

// Analyzer produces a scene description from an event's screenshots.
type Analyzer interface {
	AnalyzeEvent(ctx context.Context, event models.Event, images [][]byte) (string, error)
}

// Speaker converts alert text into audio.
type Speaker interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Caller notifies a human, returning a provider reference for the
// notification.
type Caller interface {
	Call(ctx context.Context, message string) (string, error)
}

// DispatcherConfig tunes alert delivery.
type DispatcherConfig struct {
	Policy       string // config.AlertPerEvent or config.AlertPerShot
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	DrainTimeout time.Duration
	MaxImages    int
}

// Dispatcher forwards qualifying events to the notification collaborators.
// Every dispatch runs as its own goroutine so a slow provider never backs
// up the pipeline; delivery failures are retried a bounded number of times
// and the final failure is recorded on the event.
//
// Any collaborator may be nil when its credentials are not configured; the
// dispatcher skips that stage.
type Dispatcher struct {
	cfg      DispatcherConfig
	analyzer Analyzer
	speaker  Speaker
	caller   Caller
	store    *events.Store
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dispatched atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
}

func NewDispatcher(cfg DispatcherConfig, analyzer Analyzer, speaker Speaker, caller Caller, store *events.Store) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 15 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.MaxImages <= 0 {
		cfg.MaxImages = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		analyzer: analyzer,
		speaker:  speaker,
		caller:   caller,
		store:    store,
		logger:   utils.GetLogger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// HandleEventClosed dispatches an alert for a finalized event under the
// per-event policy.
func (d *Dispatcher) HandleEventClosed(event models.Event) {
	if d.cfg.Policy != config.AlertPerEvent {
		return
	}
	d.launch(event)
}

// HandleShot dispatches an alert for every persisted shot under the
// per-shot policy.
func (d *Dispatcher) HandleShot(event models.Event, shot models.Shot) {
	if d.cfg.Policy != config.AlertPerShot {
		return
	}
	d.launch(event)
}

func (d *Dispatcher) launch(event models.Event) {
	d.dispatched.Add(1)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(event)
	}()
}

// Drain waits for in-flight dispatches to finish, abandoning whatever is
// still running when the grace period expires.
func (d *Dispatcher) Drain() {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.cfg.DrainTimeout):
		d.logger.Warn("alert drain timed out, abandoning in-flight dispatches",
			slog.Duration("grace", d.cfg.DrainTimeout))
	}
	d.cancel()
}

// Stats reports cumulative dispatch counters.
func (d *Dispatcher) Stats() (dispatched, succeeded, failed uint64) {
	return d.dispatched.Load(), d.succeeded.Load(), d.failed.Load()
}

func (d *Dispatcher) dispatch(event models.Event) {
	// Correlates the log lines of one delivery across its stages.
	alertID := uuid.NewString()
	message := d.buildMessage(event)

	if d.analyzer != nil {
		if analysis := d.analyze(event); analysis != "" {
			message += " Security analysis: " + truncate(analysis, 800)
		}
	}

	d.synthesize(event, message)

	if d.caller == nil {
		d.succeeded.Add(1)
		return
	}

	err := d.withRetry(func(ctx context.Context) error {
		sid, err := d.caller.Call(ctx, message)
		if err != nil {
			return err
		}
		d.logger.Info("alert call placed",
			slog.String("alertId", alertID),
			slog.String("eventId", event.ID),
			slog.String("callSid", sid),
		)
		return nil
	})
	if err != nil {
		d.failed.Add(1)
		d.logger.Error("alert delivery failed",
			slog.String("alertId", alertID),
			slog.String("eventId", event.ID),
			slog.Any("error", xerrors.New(err)),
		)
		if recordErr := d.store.AppendAlertFailure(event.ID, err.Error()); recordErr != nil {
			d.logger.Error("failed to record alert failure",
				slog.String("eventId", event.ID),
				slog.Any("error", xerrors.New(recordErr)),
			)
		}
		return
	}
	d.succeeded.Add(1)
}

func (d *Dispatcher) analyze(event models.Event) string {
	images := d.loadImages(event)
	var analysis string
	err := d.withRetry(func(ctx context.Context) error {
		var err error
		analysis, err = d.analyzer.AnalyzeEvent(ctx, event, images)
		return err
	})
	if err != nil {
		d.logger.Warn("event analysis failed, alerting without it",
			slog.String("eventId", event.ID),
			slog.Any("error", xerrors.New(err)),
		)
		return ""
	}
	if err := d.store.SetAnalysis(event.ID, analysis); err != nil {
		d.logger.Warn("failed to persist event analysis",
			slog.String("eventId", event.ID),
			slog.Any("error", xerrors.New(err)),
		)
	}
	return analysis
}

// synthesize saves a spoken rendition of the alert next to the event files.
// Best effort: the call itself speaks the message via TwiML regardless.
func (d *Dispatcher) synthesize(event models.Event, message string) {
	if d.speaker == nil {
		return
	}
	audio, err := d.speaker.Synthesize(d.ctx, message)
	if err != nil {
		d.logger.Warn("alert audio synthesis failed",
			slog.String("eventId", event.ID),
			slog.Any("error", xerrors.New(err)),
		)
		return
	}
	path := filepath.Join(d.store.Dir(), fmt.Sprintf("event_%s_alert.mp3", event.ID))
	if err := os.WriteFile(path, audio, 0644); err != nil {
		d.logger.Warn("failed to save alert audio",
			slog.String("eventId", event.ID),
			slog.Any("error", xerrors.New(err)),
		)
	}
}

func (d *Dispatcher) loadImages(event models.Event) [][]byte {
	max := d.cfg.MaxImages
	if len(event.Shots) < max {
		max = len(event.Shots)
	}
	images := make([][]byte, 0, max)
	for _, shot := range event.Shots[:max] {
		data, err := os.ReadFile(shot.Path)
		if err != nil {
			d.logger.Warn("failed to read screenshot for analysis",
				slog.String("path", shot.Path),
				slog.Any("error", xerrors.New(err)),
			)
			continue
		}
		images = append(images, data)
	}
	return images
}

func (d *Dispatcher) buildMessage(event models.Event) string {
	return fmt.Sprintf("Detected weapons: %s. Event duration: %.1f seconds. Number of detection frames: %d.",
		weaponList(event), event.Duration().Seconds(), len(event.Shots))
}

// withRetry runs fn up to MaxAttempts times with capped doubling backoff.
// It stops early when the dispatcher is shut down.
func (d *Dispatcher) withRetry(fn func(ctx context.Context) error) error {
	backoff := d.cfg.BaseBackoff
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if err := d.ctx.Err(); err != nil {
			return fmt.Errorf("dispatch abandoned: %w", err)
		}
		lastErr = fn(d.ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == d.cfg.MaxAttempts {
			break
		}
		select {
		case <-d.ctx.Done():
			return fmt.Errorf("dispatch abandoned: %w", d.ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > d.cfg.MaxBackoff {
			backoff = d.cfg.MaxBackoff
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", d.cfg.MaxAttempts, lastErr)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
