package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration

	"sentinel/models"
	"sentinel/utils"
)

// SQLiteClient indexes finalized events and their shots so the API can
// answer history queries without scanning the screenshot folder. The file
// layout under the screenshot folder stays the source of truth; the index
// is rebuildable from it.
type SQLiteClient struct {
	db *sql.DB
}

func NewSQLiteClient(dataSourceName string) (*SQLiteClient, error) {
	// Extract the file path before query parameters
	dbPath := dataSourceName
	if idx := strings.Index(dataSourceName, "?"); idx != -1 {
		dbPath = dataSourceName[:idx]
	}

	// Create the directory if it doesn't exist (cross-platform)
	dbDir := filepath.Dir(dbPath)
	if dbDir != "." && dbDir != "" {
		if err := utils.CreateFolder(dbDir); err != nil {
			return nil, fmt.Errorf("error creating database directory: %s", err)
		}
	}

	// Add busy timeout param to DSN (milliseconds)
	if !strings.Contains(dataSourceName, "_busy_timeout") {
		if strings.Contains(dataSourceName, "?") {
			dataSourceName += "&_busy_timeout=5000" // 5 seconds
		} else {
			dataSourceName += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SQLite: %s", err)
	}

	err = createTables(db)
	if err != nil {
		return nil, fmt.Errorf("error creating tables: %s", err)
	}

	return &SQLiteClient{db: db}, nil
}

// createTables creates the required tables if they don't exist
func createTables(db *sql.DB) error {
	createEventsTable := `
    CREATE TABLE IF NOT EXISTS events (
        id TEXT PRIMARY KEY,
        camera TEXT NOT NULL,
        window_start DATETIME NOT NULL,
        window_end DATETIME NOT NULL,
        shot_count INTEGER NOT NULL DEFAULT 0,
        labels TEXT NOT NULL,
        label_counts TEXT NOT NULL,
        closed INTEGER NOT NULL DEFAULT 0,
        analysis TEXT,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_events_window_start ON events(window_start);
    CREATE INDEX IF NOT EXISTS idx_events_camera ON events(camera);
    `

	createShotsTable := `
    CREATE TABLE IF NOT EXISTS shots (
        event_id TEXT NOT NULL,
        shot_index INTEGER NOT NULL,
        path TEXT NOT NULL,
        captured_at DATETIME NOT NULL,
        frame_seq INTEGER NOT NULL,
        latency_ms REAL NOT NULL DEFAULT 0,
        detections TEXT NOT NULL,
        PRIMARY KEY (event_id, shot_index)
    );
    CREATE INDEX IF NOT EXISTS idx_shots_captured_at ON shots(captured_at);
    `

	_, err := db.Exec(createEventsTable)
	if err != nil {
		return fmt.Errorf("error creating events table: %s", err)
	}

	_, err = db.Exec(createShotsTable)
	if err != nil {
		return fmt.Errorf("error creating shots table: %s", err)
	}

	return nil
}

func (c *SQLiteClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// UpsertEvent writes the event row, replacing any previous state for the
// same window. Called on every mutation so the index never lags the files
// by more than one write.
func (c *SQLiteClient) UpsertEvent(event *models.Event) error {
	labelsJSON, err := json.Marshal(event.Labels)
	if err != nil {
		return fmt.Errorf("error marshaling labels: %s", err)
	}
	countsJSON, err := json.Marshal(event.LabelCounts)
	if err != nil {
		return fmt.Errorf("error marshaling label counts: %s", err)
	}

	closedInt := 0
	if event.Closed {
		closedInt = 1
	}

	_, err = c.db.Exec(`
		INSERT OR REPLACE INTO events (
			id, camera, window_start, window_end, shot_count,
			labels, label_counts, closed, analysis, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Camera,
		event.WindowStart,
		event.WindowEnd,
		len(event.Shots),
		string(labelsJSON),
		string(countsJSON),
		closedInt,
		event.Analysis,
		event.CreatedAt,
		event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("error storing event: %s", err)
	}
	return nil
}

// InsertShot records one shot under its event.
func (c *SQLiteClient) InsertShot(eventID string, shot models.Shot) error {
	detectionsJSON, err := json.Marshal(shot.Result.Detections)
	if err != nil {
		return fmt.Errorf("error marshaling detections: %s", err)
	}

	_, err = c.db.Exec(`
		INSERT OR REPLACE INTO shots (
			event_id, shot_index, path, captured_at, frame_seq, latency_ms, detections
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		eventID,
		shot.Index,
		shot.Path,
		shot.CapturedAt,
		shot.Result.FrameSeq,
		shot.Result.LatencyMs,
		string(detectionsJSON),
	)
	if err != nil {
		return fmt.Errorf("error storing shot: %s", err)
	}
	return nil
}

// ListEvents returns events newest-first, up to limit (0 means no cap).
func (c *SQLiteClient) ListEvents(limit int) ([]models.Event, error) {
	query := `
		SELECT id, camera, window_start, window_end, labels, label_counts,
		       closed, analysis, created_at, updated_at
		FROM events
		ORDER BY window_start DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying events: %s", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var e models.Event
		var labelsJSON, countsJSON string
		var closedInt int
		var analysis sql.NullString

		err := rows.Scan(
			&e.ID,
			&e.Camera,
			&e.WindowStart,
			&e.WindowEnd,
			&labelsJSON,
			&countsJSON,
			&closedInt,
			&analysis,
			&e.CreatedAt,
			&e.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning event: %s", err)
		}

		e.Closed = closedInt == 1
		e.Analysis = analysis.String
		if err := json.Unmarshal([]byte(labelsJSON), &e.Labels); err != nil {
			return nil, fmt.Errorf("error unmarshaling labels: %s", err)
		}
		if err := json.Unmarshal([]byte(countsJSON), &e.LabelCounts); err != nil {
			return nil, fmt.Errorf("error unmarshaling label counts: %s", err)
		}

		shots, err := c.shotsForEvent(e.ID)
		if err != nil {
			return nil, err
		}
		e.Shots = shots

		events = append(events, e)
	}

	return events, nil
}

func (c *SQLiteClient) shotsForEvent(eventID string) ([]models.Shot, error) {
	rows, err := c.db.Query(`
		SELECT shot_index, path, captured_at, frame_seq, latency_ms, detections
		FROM shots
		WHERE event_id = ?
		ORDER BY shot_index ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("error querying shots: %s", err)
	}
	defer rows.Close()

	var shots []models.Shot
	for rows.Next() {
		var s models.Shot
		var detectionsJSON string

		err := rows.Scan(
			&s.Index,
			&s.Path,
			&s.CapturedAt,
			&s.Result.FrameSeq,
			&s.Result.LatencyMs,
			&detectionsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning shot: %s", err)
		}

		if err := json.Unmarshal([]byte(detectionsJSON), &s.Result.Detections); err != nil {
			return nil, fmt.Errorf("error unmarshaling detections: %s", err)
		}
		s.Result.Timestamp = s.CapturedAt

		shots = append(shots, s)
	}

	return shots, nil
}

// RecentShots returns persisted shots newest-first across all events.
func (c *SQLiteClient) RecentShots(limit int) ([]models.Shot, error) {
	query := `
		SELECT shot_index, path, captured_at, frame_seq, latency_ms, detections
		FROM shots
		ORDER BY captured_at DESC
	`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying shots: %s", err)
	}
	defer rows.Close()

	var shots []models.Shot
	for rows.Next() {
		var s models.Shot
		var detectionsJSON string

		err := rows.Scan(
			&s.Index,
			&s.Path,
			&s.CapturedAt,
			&s.Result.FrameSeq,
			&s.Result.LatencyMs,
			&detectionsJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning shot: %s", err)
		}

		if err := json.Unmarshal([]byte(detectionsJSON), &s.Result.Detections); err != nil {
			return nil, fmt.Errorf("error unmarshaling detections: %s", err)
		}
		s.Result.Timestamp = s.CapturedAt

		shots = append(shots, s)
	}

	return shots, nil
}

// TotalEvents counts indexed events.
func (c *SQLiteClient) TotalEvents() (int, error) {
	var count int
	err := c.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("error counting events: %s", err)
	}
	return count, nil
}

// PruneBefore removes indexed events whose window started before the cutoff
// and reports how many events were deleted.
func (c *SQLiteClient) PruneBefore(cutoff time.Time) (int64, error) {
	_, err := c.db.Exec(`DELETE FROM shots WHERE event_id IN (SELECT id FROM events WHERE window_start < ?)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("error pruning shots: %s", err)
	}
	res, err := c.db.Exec(`DELETE FROM events WHERE window_start < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("error pruning events: %s", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("error pruning events: %s", err)
	}
	return pruned, nil
}
