package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"time"

	"sentinel/camera"
	"sentinel/db"
	"sentinel/detect"
	"sentinel/events"
	"sentinel/models"
	"sentinel/utils"
)

type apiError struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode JSON response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiError{Message: message})
}

func allowCORS(w http.ResponseWriter, r *http.Request, methods string) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", methods+", OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	return true
}

// newVideoFeedHandler serves the annotated camera feed as an MJPEG stream.
// Until the worker has published its first annotated frame, viewers get the
// raw camera feed instead of a blank stream. Each viewer gets its own pacing
// loop reading the shared slots, so a slow or stalled consumer only ever
// delays itself. Frames are never queued: a viewer that cannot keep up
// simply misses the frames that were overwritten in the meantime.
func newVideoFeedHandler(annotated, raw *camera.Slot, maxFPS float64) http.HandlerFunc {
	if maxFPS <= 0 {
		maxFPS = 15
	}
	interval := time.Duration(float64(time.Second) / maxFPS)
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "close")

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastSeq uint64
		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}

			frame, ok := annotated.Peek()
			if !ok {
				frame, ok = raw.Peek()
			}
			if !ok || frame.Seq == lastSeq {
				continue
			}
			lastSeq = frame.Seq

			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame.Data)); err != nil {
				return
			}
			if _, err := w.Write(frame.Data); err != nil {
				return
			}
			if _, err := io.WriteString(w, "\r\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func statusSnapshot(source *camera.Source, worker *detect.Worker) models.StatusSnapshot {
	_, threats, _, last, _ := worker.Snapshot()

	status := models.StatusIdle
	if last.HasThreat() {
		status = models.StatusThreatDetected
	}
	threatList := last.Detections
	if threatList == nil {
		threatList = []models.Detection{}
	}
	return models.StatusSnapshot{
		FPS:            source.FPS(),
		FrameCount:     source.FrameCount(),
		DetectionCount: threats,
		Threats:        threatList,
		Status:         status,
		Timestamp:      float64(time.Now().UnixNano()) / float64(time.Second),
	}
}

func newStatusHandler(source *camera.Source, worker *detect.Worker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowCORS(w, r, "GET") {
			return
		}
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, statusSnapshot(source, worker))
	}
}

func newThreatsHandler(worker *detect.Worker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowCORS(w, r, "GET") {
			return
		}
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		_, _, _, last, lastAt := worker.Snapshot()
		threats := last.Detections
		if threats == nil {
			threats = []models.Detection{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"threats":   threats,
			"frame_seq": last.FrameSeq,
			"updated":   lastAt,
		})
	}
}

func newScreenshotsHandler(index *db.SQLiteClient) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowCORS(w, r, "GET") {
			return
		}
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if index == nil {
			writeJSON(w, http.StatusOK, []models.Shot{})
			return
		}
		shots, err := index.RecentShots(50)
		if err != nil {
			logger.ErrorContext(context.Background(), "failed to load screenshots", slog.Any("error", err))
			writeJSONError(w, http.StatusInternalServerError, "failed to load screenshots")
			return
		}
		if shots == nil {
			shots = []models.Shot{}
		}
		writeJSON(w, http.StatusOK, shots)
	}
}

// newEventsHandler serves event history newest first. The open event, if
// any, is included at the head so the dashboard sees it before closure.
// total counts all indexed events, not just the page returned.
func newEventsHandler(index *db.SQLiteClient, manager *events.Manager) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowCORS(w, r, "GET") {
			return
		}
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		open, _, _, _ := manager.Snapshot()

		var list []models.Event
		total := 0
		if index != nil {
			indexed, err := index.ListEvents(100)
			if err != nil {
				logger.ErrorContext(context.Background(), "failed to load events", slog.Any("error", err))
				writeJSONError(w, http.StatusInternalServerError, "failed to load events")
				return
			}
			list = indexed
			if total, err = index.TotalEvents(); err != nil {
				logger.ErrorContext(context.Background(), "failed to count events", slog.Any("error", err))
				total = len(list)
			}
		}

		if open != nil {
			merged := make([]models.Event, 0, len(list)+1)
			merged = append(merged, *open)
			for _, event := range list {
				if event.ID != open.ID {
					merged = append(merged, event)
				}
			}
			list = merged
		}
		if list == nil {
			list = []models.Event{}
		}
		if total < len(list) {
			total = len(list)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"events": list,
			"total":  total,
		})
	}
}

func newHealthHandler(source *camera.Source, worker *detect.Worker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowCORS(w, r, "GET") {
			return
		}

		_, _, inferErrors, _, lastAt := worker.Snapshot()
		detectorUp := inferErrors == 0 || !lastAt.IsZero() && time.Since(lastAt) < 30*time.Second

		snapshot := models.HealthSnapshot{
			Status:    "ok",
			Camera:    source.Healthy(),
			Detector:  detectorUp,
			Streaming: true,
			Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		}
		status := http.StatusOK
		if !snapshot.Camera {
			snapshot.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, snapshot)
	}
}
