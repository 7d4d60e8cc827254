package camera

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// fakeDevice scripts grab outcomes for the acquisition loop.
type fakeDevice struct {
	opened   atomic.Bool
	closed   atomic.Bool
	grabs    atomic.Uint64
	failFrom atomic.Uint64 // grab index (1-based) from which every grab fails; 0 = never
}

func (d *fakeDevice) Open() error {
	d.opened.Store(true)
	d.closed.Store(false)
	return nil
}

func (d *fakeDevice) Grab() ([]byte, int, int, error) {
	n := d.grabs.Add(1)
	if from := d.failFrom.Load(); from > 0 && n >= from {
		return nil, 0, 0, errors.New("device read failed")
	}
	return []byte{0xff, 0xd8, byte(n)}, 640, 480, nil
}

func (d *fakeDevice) Close() error {
	d.closed.Store(true)
	return nil
}

func testSourceConfig() SourceConfig {
	return SourceConfig{
		Camera:       "cam0",
		RetryBackoff: time.Millisecond,
		MaxBackoff:   5 * time.Millisecond,
		MaxFailures:  3,
	}
}

func TestSourcePublishesFramesWithIncreasingSeq(t *testing.T) {
	t.Parallel()

	slot := NewSlot()
	device := &fakeDevice{}
	source := NewSource(testSourceConfig(), device, slot)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		source.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for source.FrameCount() < 10 {
		select {
		case <-deadline:
			t.Fatal("source did not produce 10 frames in time")
		case <-time.After(time.Millisecond):
		}
	}

	frame, ok := source.Latest()
	if !ok {
		t.Fatal("expected a latest frame")
	}
	if frame.Seq == 0 {
		t.Fatal("frame seq should start at 1")
	}
	if !source.Healthy() {
		t.Fatal("healthy device reported degraded")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("source did not stop after cancellation")
	}
	if !device.closed.Load() {
		t.Fatal("device was not released on shutdown")
	}
}

func TestSourceDegradesAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	slot := NewSlot()
	device := &fakeDevice{}
	device.failFrom.Store(1)
	source := NewSource(testSourceConfig(), device, slot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		source.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for source.Healthy() {
		select {
		case <-deadline:
			t.Fatal("source never reported degraded despite constant failures")
		case <-time.After(time.Millisecond):
		}
	}

	// The process keeps running: the source must still be retrying, not dead.
	select {
	case <-done:
		t.Fatal("source exited instead of retrying in degraded state")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSourceRecoversAfterFailures(t *testing.T) {
	t.Parallel()

	slot := NewSlot()
	device := &fakeDevice{}
	device.failFrom.Store(1)
	source := NewSource(testSourceConfig(), device, slot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go source.Run(ctx)

	deadline := time.After(2 * time.Second)
	for source.Healthy() {
		select {
		case <-deadline:
			t.Fatal("source never degraded")
		case <-time.After(time.Millisecond):
		}
	}

	// Let the device work again.
	device.failFrom.Store(0)

	deadline = time.After(2 * time.Second)
	for !source.Healthy() || source.FrameCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("source did not recover after device came back")
		case <-time.After(time.Millisecond):
		}
	}
}
