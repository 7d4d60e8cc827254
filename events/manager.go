package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdobak/go-xerrors"

	"sentinel/db"
	"sentinel/models"
	"sentinel/utils"
)

// Config tunes the event lifecycle for one camera.
type Config struct {
	Camera        string
	Window        time.Duration
	MinShotGap    time.Duration
	SweepInterval time.Duration
	// Retention bounds the history index; events older than this are
	// pruned on the sweep tick. Zero keeps everything.
	Retention time.Duration
	QueueSize int
}

type submission struct {
	result models.DetectionResult
	frame  *models.Frame
}

// Manager consumes detection results in production order and owns the
// event state machine for its camera: Idle until a threat-bearing result
// survives the debounce, then EventOpen while qualifying shots keep landing
// in the same time window. Windows are half-open [start, start+window); a
// result whose timestamp equals the window end starts the next event.
//
// The manager is the single writer of event state. Results enter through
// Submit, which never blocks the detection worker; a full queue drops the
// result.
type Manager struct {
	cfg    Config
	store  *Store
	index  *db.SQLiteClient
	logger *slog.Logger

	queue chan submission

	mu       sync.Mutex
	current  *models.Event
	lastShot time.Time

	shotsSaved   atomic.Uint64
	eventsClosed atomic.Uint64
	dropped      atomic.Uint64

	// Lifecycle hooks, invoked from the manager goroutine after the
	// mutation is persisted. Optional.
	OnShot        func(event models.Event, shot models.Shot)
	OnEventOpened func(event models.Event)
	OnEventClosed func(event models.Event)
}

// NewManager wires the event stage. index may be nil when no history
// database is configured.
func NewManager(cfg Config, store *Store, index *db.SQLiteClient) *Manager {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		index:  index,
		logger: utils.GetLogger(),
		queue:  make(chan submission, cfg.QueueSize),
	}
}

// Submit hands one detection result to the manager. It never blocks; it
// reports false when the queue is full and the result was dropped.
func (m *Manager) Submit(result models.DetectionResult, frame *models.Frame) bool {
	select {
	case m.queue <- submission{result: result, frame: frame}:
		return true
	default:
		m.dropped.Add(1)
		return false
	}
}

// Run processes submissions until the context is cancelled, sweeping for
// expired windows in between. On shutdown any open event is closed and
// flushed.
func (m *Manager) Run(ctx context.Context) {
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Flush()
			return
		case sub := <-m.queue:
			m.handle(sub)
		case <-sweep.C:
			now := time.Now()
			m.closeExpired(now)
			m.pruneHistory(now)
		}
	}
}

// Flush closes and persists the open event, if any. Safe to call more than
// once.
func (m *Manager) Flush() {
	m.mu.Lock()
	closed := m.finalizeLocked()
	m.mu.Unlock()
	m.notifyClosed(closed)
}

func (m *Manager) handle(sub submission) {
	ts := sub.result.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	m.mu.Lock()

	// Lazy closure: any result past the window end retires the open event,
	// threat or not.
	var closed *models.Event
	if m.current != nil && !ts.Before(m.current.WindowEnd) {
		closed = m.finalizeLocked()
	}

	if !sub.result.HasThreat() {
		m.mu.Unlock()
		m.notifyClosed(closed)
		return
	}

	// Debounce, checked and advanced under the same lock so rapid
	// successive results cannot both pass. A result landing exactly at the
	// minimum gap is accepted.
	if !m.lastShot.IsZero() && ts.Sub(m.lastShot) < m.cfg.MinShotGap {
		m.mu.Unlock()
		m.notifyClosed(closed)
		return
	}

	var opened *models.Event
	if m.current == nil {
		m.current = m.openEvent(ts)
		opened = m.current
	}

	shot := models.Shot{
		Index:      len(m.current.Shots),
		CapturedAt: ts,
		Result:     sub.result,
	}

	var image []byte
	if sub.frame != nil {
		image = sub.frame.Data
	}
	path, err := m.store.SaveShotImage(m.current, shot, image)
	if err != nil {
		// The pipeline keeps going; this result simply leaves no shot
		// behind, and the next one may retry sooner than the debounce
		// would otherwise allow.
		m.logger.Error("failed to persist screenshot",
			slog.String("camera", m.cfg.Camera),
			slog.String("eventId", m.current.ID),
			slog.Any("error", xerrors.New(err)),
		)
		m.mu.Unlock()
		m.notifyClosed(closed)
		return
	}
	shot.Path = path

	m.current.Shots = append(m.current.Shots, shot)
	for _, det := range sub.result.Detections {
		if m.current.LabelCounts[det.Label] == 0 {
			m.current.Labels = append(m.current.Labels, det.Label)
		}
		m.current.LabelCounts[det.Label]++
	}
	m.current.UpdatedAt = ts
	m.lastShot = ts
	m.shotsSaved.Add(1)

	if err := m.store.SaveEvent(m.current); err != nil {
		m.logger.Error("failed to persist event metadata",
			slog.String("eventId", m.current.ID),
			slog.Any("error", xerrors.New(err)),
		)
	}
	m.indexEvent(m.current)
	if m.index != nil {
		if err := m.index.InsertShot(m.current.ID, shot); err != nil {
			m.logger.Error("failed to index shot",
				slog.String("eventId", m.current.ID),
				slog.Any("error", xerrors.New(err)),
			)
		}
	}

	eventCopy := cloneEvent(m.current)
	m.mu.Unlock()

	m.notifyClosed(closed)
	if opened != nil && m.OnEventOpened != nil {
		m.OnEventOpened(*eventCopy)
	}
	if m.OnShot != nil {
		m.OnShot(*eventCopy, shot)
	}
}

func (m *Manager) openEvent(ts time.Time) *models.Event {
	start := ts.Truncate(m.cfg.Window)
	event := &models.Event{
		ID:          start.Format("20060102_150405"),
		Camera:      m.cfg.Camera,
		WindowStart: start,
		WindowEnd:   start.Add(m.cfg.Window),
		LabelCounts: make(map[string]int),
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	m.logger.Info("weapon event opened",
		slog.String("camera", m.cfg.Camera),
		slog.String("eventId", event.ID),
		slog.Time("windowEnd", event.WindowEnd),
	)
	return event
}

// finalizeLocked closes the open event exactly once and returns a copy for
// the closure hook, or nil when nothing was open. Callers hold m.mu.
func (m *Manager) finalizeLocked() *models.Event {
	if m.current == nil {
		return nil
	}
	event := m.current
	m.current = nil

	event.Closed = true
	event.UpdatedAt = time.Now()

	if err := m.store.SaveEvent(event); err != nil {
		m.logger.Error("failed to persist closed event",
			slog.String("eventId", event.ID),
			slog.Any("error", xerrors.New(err)),
		)
	}
	if err := m.store.WriteSummary(event); err != nil {
		m.logger.Error("failed to write event summary",
			slog.String("eventId", event.ID),
			slog.Any("error", xerrors.New(err)),
		)
	}
	m.indexEvent(event)

	m.eventsClosed.Add(1)
	m.logger.Info("weapon event closed",
		slog.String("camera", m.cfg.Camera),
		slog.String("eventId", event.ID),
		slog.Int("shots", len(event.Shots)),
	)
	return cloneEvent(event)
}

func (m *Manager) closeExpired(now time.Time) {
	m.mu.Lock()
	var closed *models.Event
	if m.current != nil && !now.Before(m.current.WindowEnd) {
		closed = m.finalizeLocked()
	}
	m.mu.Unlock()
	m.notifyClosed(closed)
}

func (m *Manager) pruneHistory(now time.Time) {
	if m.index == nil || m.cfg.Retention <= 0 {
		return
	}
	pruned, err := m.index.PruneBefore(now.Add(-m.cfg.Retention))
	if err != nil {
		m.logger.Error("failed to prune event history",
			slog.String("camera", m.cfg.Camera),
			slog.Any("error", xerrors.New(err)),
		)
		return
	}
	if pruned > 0 {
		m.logger.Info("pruned event history",
			slog.String("camera", m.cfg.Camera),
			slog.Int64("events", pruned),
		)
	}
}

func (m *Manager) notifyClosed(event *models.Event) {
	if event != nil && m.OnEventClosed != nil {
		m.OnEventClosed(*event)
	}
}

func (m *Manager) indexEvent(event *models.Event) {
	if m.index == nil {
		return
	}
	if err := m.index.UpsertEvent(event); err != nil {
		m.logger.Error("failed to index event",
			slog.String("eventId", event.ID),
			slog.Any("error", xerrors.New(err)),
		)
	}
}

// Snapshot reports the manager's observable state: the open event (nil when
// idle) and cumulative counters.
func (m *Manager) Snapshot() (open *models.Event, shots, closed, dropped uint64) {
	m.mu.Lock()
	if m.current != nil {
		open = cloneEvent(m.current)
	}
	m.mu.Unlock()
	return open, m.shotsSaved.Load(), m.eventsClosed.Load(), m.dropped.Load()
}

// Store exposes the backing store for collaborators that persist alert
// outcomes.
func (m *Manager) Store() *Store {
	return m.store
}

func cloneEvent(event *models.Event) *models.Event {
	clone := *event
	clone.Shots = append([]models.Shot(nil), event.Shots...)
	clone.Labels = append([]string(nil), event.Labels...)
	clone.LabelCounts = make(map[string]int, len(event.LabelCounts))
	for label, count := range event.LabelCounts {
		clone.LabelCounts[label] = count
	}
	clone.AlertFailures = append([]string(nil), event.AlertFailures...)
	return &clone
}
