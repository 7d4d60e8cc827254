package camera

import (
	"sync"

	"sentinel/models"
)

// Slot is a single-writer, multi-reader latest-value cell. Publish overwrites
// the held frame; Peek returns it without consuming. Readers observe the slot
// at their own cadence and can never starve the writer, and the writer never
// blocks on readers. Frames superseded before anyone peeked are simply gone,
// which is the intended behaviour under pressure.
type Slot struct {
	mu        sync.RWMutex
	frame     *models.Frame
	published uint64
}

// NewSlot returns an empty slot.
func NewSlot() *Slot {
	return &Slot{}
}

// Publish replaces the held frame with a newer one.
func (s *Slot) Publish(frame *models.Frame) {
	s.mu.Lock()
	s.frame = frame
	s.published++
	s.mu.Unlock()
}

// Peek returns the most recently published frame, or false if nothing has
// been published yet.
func (s *Slot) Peek() (*models.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.frame == nil {
		return nil, false
	}
	return s.frame, true
}

// Published returns the lifetime publish count.
func (s *Slot) Published() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.published
}
