package models

import "time"

// Frame is one captured image. Data holds JPEG bytes and must not be modified
// after the frame is published; consumers share it by reference.
type Frame struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Data      []byte    `json:"-"`
}

// Box is an axis-aligned bounding box in pixel space.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Detection is a single labelled, scored box computed from one frame.
type Detection struct {
	Label      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"bbox"`
	FrameSeq   uint64  `json:"frameSeq"`
}

// DetectionResult is the ordered set of detections for one frame, together
// with the inference latency and the frame's capture timestamp.
type DetectionResult struct {
	FrameSeq   uint64      `json:"frameSeq"`
	Timestamp  time.Time   `json:"timestamp"`
	Detections []Detection `json:"detections"`
	LatencyMs  float64     `json:"latencyMs"`
}

// HasThreat reports whether the result carries at least one detection.
func (r DetectionResult) HasThreat() bool {
	return len(r.Detections) > 0
}

// Shot is one persisted screenshot tied to the DetectionResult that
// triggered it.
type Shot struct {
	Index      int             `json:"index"`
	Path       string          `json:"path"`
	CapturedAt time.Time       `json:"capturedAt"`
	Result     DetectionResult `json:"result"`
}

// Event groups the shots captured within one time window for one camera.
// Shots are append-only until the window closes; after finalization the
// event is immutable.
type Event struct {
	ID            string         `json:"eventId"`
	Camera        string         `json:"camera"`
	WindowStart   time.Time      `json:"windowStart"`
	WindowEnd     time.Time      `json:"windowEnd"`
	Shots         []Shot         `json:"shots"`
	Labels        []string       `json:"labels"`
	LabelCounts   map[string]int `json:"labelCounts"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Closed        bool           `json:"closed"`
	AlertFailures []string       `json:"alertFailures,omitempty"`
	Analysis      string         `json:"analysis,omitempty"`
}

// Duration is the capture-time span between the first and last shot.
func (e *Event) Duration() time.Duration {
	if len(e.Shots) < 2 {
		return 0
	}
	return e.Shots[len(e.Shots)-1].CapturedAt.Sub(e.Shots[0].CapturedAt)
}

// Status values reported on the JSON status endpoint.
const (
	StatusIdle           = "idle"
	StatusThreatDetected = "threat_detected"
)

// StatusSnapshot is the JSON status payload served to the dashboard.
type StatusSnapshot struct {
	FPS            float64     `json:"fps"`
	FrameCount     uint64      `json:"frame_count"`
	DetectionCount uint64      `json:"detection_count"`
	Threats        []Detection `json:"threats"`
	Status         string      `json:"status"`
	Timestamp      float64     `json:"timestamp"`
}

// HealthSnapshot reports per-component liveness.
type HealthSnapshot struct {
	Status    string  `json:"status"`
	Camera    bool    `json:"camera"`
	Detector  bool    `json:"detector"`
	Streaming bool    `json:"streaming"`
	Timestamp float64 `json:"timestamp"`
}
