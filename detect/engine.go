package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"sentinel/models"
)

// Engine is the external object-detection collaborator: one image in, raw
// labelled boxes out. Implementations may fail per call; callers treat a
// failure as "no detections" for that frame.
type Engine interface {
	Detect(ctx context.Context, frame *models.Frame) ([]models.Detection, error)
}

// HTTPEngine talks to the inference service over HTTP. The service accepts a
// JPEG frame as multipart form data on /predict and answers with scored
// boxes.
type HTTPEngine struct {
	baseURL string
	client  *http.Client
}

type engineDetection struct {
	Label      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	BBox       [4]int  `json:"bbox"`
}

type engineResponse struct {
	Detections []engineDetection `json:"detections"`
	Model      string            `json:"model,omitempty"`
}

// NewHTTPEngine creates a client for the inference service.
func NewHTTPEngine(baseURL string, timeout time.Duration) *HTTPEngine {
	if baseURL == "" {
		baseURL = "http://localhost:8000"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPEngine{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// HealthCheck verifies the inference service is reachable.
func (e *HTTPEngine) HealthCheck() error {
	resp, err := e.client.Get(e.baseURL + "/health")
	if err != nil {
		return fmt.Errorf("detection engine not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("detection engine unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Detect submits one frame and returns the raw (unfiltered) detections.
func (e *HTTPEngine) Detect(ctx context.Context, frame *models.Frame) ([]models.Detection, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")

	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("failed to create form part: %w", err)
	}
	if _, err := part.Write(frame.Data); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/predict", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("detection engine returned %s: %s", resp.Status, body)
	}

	var parsed engineResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode detection response: %w", err)
	}

	detections := make([]models.Detection, 0, len(parsed.Detections))
	for _, d := range parsed.Detections {
		detections = append(detections, models.Detection{
			Label:      d.Label,
			Confidence: d.Confidence,
			Box: models.Box{
				X: d.BBox[0],
				Y: d.BBox[1],
				W: d.BBox[2],
				H: d.BBox[3],
			},
			FrameSeq: frame.Seq,
		})
	}
	return detections, nil
}
