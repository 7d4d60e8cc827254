package camera

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mdobak/go-xerrors"

	"sentinel/models"
	"sentinel/utils"
)

// Device abstracts the physical capture device so the acquisition loop can be
// exercised without hardware.
type Device interface {
	Open() error
	// Grab blocks until the next frame is available and returns it as JPEG
	// bytes with its dimensions.
	Grab() (data []byte, width, height int, err error)
	Close() error
}

// SourceConfig tunes the acquisition loop.
type SourceConfig struct {
	Camera       string
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	// MaxFailures is the number of consecutive grab failures after which the
	// source reports itself degraded. It keeps retrying either way.
	MaxFailures int
}

// Source continuously acquires frames from a Device and publishes each one
// into the shared slot, overwriting whatever was there. Device errors are
// retried with capped backoff; after MaxFailures consecutive errors the
// source turns unhealthy instead of crashing the process.
type Source struct {
	cfg    SourceConfig
	device Device
	slot   *Slot
	logger *slog.Logger

	seq      atomic.Uint64
	frames   atomic.Uint64
	degraded atomic.Bool
	started  time.Time
}

// NewSource wires a device to its output slot.
func NewSource(cfg SourceConfig, device Device, slot *Slot) *Source {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 10
	}
	return &Source{
		cfg:    cfg,
		device: device,
		slot:   slot,
		logger: utils.GetLogger(),
	}
}

// Run acquires frames until the context is cancelled, then releases the
// device. It only returns early if the device cannot be opened at all before
// cancellation.
func (s *Source) Run(ctx context.Context) error {
	if err := s.open(ctx); err != nil {
		return err
	}
	defer s.device.Close()

	s.started = time.Now()
	failures := 0
	backoff := s.cfg.RetryBackoff

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "camera source stopping",
				slog.String("camera", s.cfg.Camera),
				slog.Uint64("frames", s.frames.Load()),
			)
			return nil
		default:
		}

		data, width, height, err := s.device.Grab()
		if err != nil {
			failures++
			if failures >= s.cfg.MaxFailures {
				if !s.degraded.Swap(true) {
					s.logger.ErrorContext(ctx, "camera degraded after repeated failures",
						slog.String("camera", s.cfg.Camera),
						slog.Int("failures", failures),
						slog.Any("error", xerrors.New(err)),
					)
				}
				// Cycle the device handle once per failure burst; a fresh
				// open is the only recovery path worth trying here.
				if failures%s.cfg.MaxFailures == 0 {
					s.device.Close()
					if openErr := s.device.Open(); openErr != nil {
						s.logger.WarnContext(ctx, "camera reopen failed",
							slog.String("camera", s.cfg.Camera),
							slog.Any("error", xerrors.New(openErr)),
						)
					}
				}
			}
			if !sleepCtx(ctx, backoff) {
				continue
			}
			backoff = minDuration(backoff*2, s.cfg.MaxBackoff)
			continue
		}

		failures = 0
		backoff = s.cfg.RetryBackoff
		s.degraded.Store(false)

		frame := &models.Frame{
			Seq:       s.seq.Add(1),
			Timestamp: time.Now(),
			Width:     width,
			Height:    height,
			Data:      data,
		}
		s.slot.Publish(frame)
		s.frames.Add(1)
	}
}

// open retries the device open with capped backoff until it succeeds or the
// context is cancelled.
func (s *Source) open(ctx context.Context) error {
	backoff := s.cfg.RetryBackoff
	for {
		err := s.device.Open()
		if err == nil {
			s.logger.InfoContext(ctx, "camera opened", slog.String("camera", s.cfg.Camera))
			return nil
		}
		s.degraded.Store(true)
		s.logger.WarnContext(ctx, "failed to open camera, retrying",
			slog.String("camera", s.cfg.Camera),
			slog.Any("error", xerrors.New(err)),
		)
		if !sleepCtx(ctx, backoff) {
			return ctx.Err()
		}
		backoff = minDuration(backoff*2, s.cfg.MaxBackoff)
	}
}

// Latest returns the newest published frame without blocking.
func (s *Source) Latest() (*models.Frame, bool) {
	return s.slot.Peek()
}

// Healthy reports whether the device is currently delivering frames.
func (s *Source) Healthy() bool {
	return !s.degraded.Load()
}

// FrameCount returns the cumulative number of captured frames.
func (s *Source) FrameCount() uint64 {
	return s.frames.Load()
}

// FPS returns the measured average capture rate.
func (s *Source) FPS() float64 {
	if s.started.IsZero() {
		return 0
	}
	elapsed := time.Since(s.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.frames.Load()) / elapsed
}

// sleepCtx sleeps for d, returning false if the context was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
