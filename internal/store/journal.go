package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/offlinekit/offline-core/internal/models"
)

// DownloadRecord is a row of download_history
type DownloadRecord struct {
	ID           int64              `json:"id"`
	TrackID      models.TrackID     `json:"track_id"`
	CollectionID models.CollectionID `json:"collection_id"`
	Title        string             `json:"title"`
	MirrorURL    string             `json:"mirror_url,omitempty"`
	Bytes        int64              `json:"bytes"`
	Skipped      bool               `json:"skipped"`
	DownloadedAt time.Time          `json:"downloaded_at"`
}

// FailureRecord is a row of failed_downloads
type FailureRecord struct {
	ID           int64              `json:"id"`
	TrackID      models.TrackID     `json:"track_id"`
	CollectionID models.CollectionID `json:"collection_id"`
	ErrorType    string             `json:"error_type"`
	ErrorMessage string             `json:"error_message"`
	Attempts     int                `json:"attempts"`
	FailedAt     time.Time          `json:"failed_at"`
}

// SyncRun is a row of sync_runs
type SyncRun struct {
	ID           int64              `json:"id"`
	CollectionID models.CollectionID `json:"collection_id"`
	Result       string             `json:"result"`
	Added        int                `json:"added"`
	Removed      int                `json:"removed"`
	ErrorMessage string             `json:"error_message,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
}

// Stats aggregates the journal
type Stats struct {
	Downloads  int        `json:"downloads"`
	Skipped    int        `json:"skipped"`
	Bytes      int64      `json:"bytes"`
	Failures   int        `json:"failures"`
	SyncRuns   int        `json:"sync_runs"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// Journal records download and sync outcomes. It is bookkeeping only; the
// content store on disk stays the source of truth.
type Journal struct {
	db *sql.DB
}

// NewJournal creates a new Journal
func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// DB returns the underlying database
func (j *Journal) DB() *sql.DB {
	return j.db
}

// RecordDownload adds a verified track to the history and clears earlier
// failures for it
func (j *Journal) RecordDownload(rec *DownloadRecord) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if rec.DownloadedAt.IsZero() {
		rec.DownloadedAt = time.Now()
	}

	res, err := tx.Exec(`
		INSERT INTO download_history (
			track_id, collection_id, title, mirror_url, bytes, skipped, downloaded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, int64(rec.TrackID), rec.CollectionID, rec.Title, rec.MirrorURL, rec.Bytes, rec.Skipped, rec.DownloadedAt)
	if err != nil {
		return fmt.Errorf("failed to add to history: %w", err)
	}
	rec.ID, _ = res.LastInsertId()

	if _, err := tx.Exec("DELETE FROM failed_downloads WHERE track_id = ?", int64(rec.TrackID)); err != nil {
		return fmt.Errorf("failed to clear failures: %w", err)
	}

	return tx.Commit()
}

// GetHistory retrieves download history, newest first
func (j *Journal) GetHistory(offset, limit int) ([]*DownloadRecord, error) {
	rows, err := j.db.Query(`
		SELECT id, track_id, collection_id, title, COALESCE(mirror_url, ''), bytes, skipped, downloaded_at
		FROM download_history
		ORDER BY downloaded_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	history := []*DownloadRecord{}
	for rows.Next() {
		rec := &DownloadRecord{}
		var trackID int64
		if err := rows.Scan(&rec.ID, &trackID, &rec.CollectionID, &rec.Title, &rec.MirrorURL,
			&rec.Bytes, &rec.Skipped, &rec.DownloadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		rec.TrackID = models.TrackID(trackID)
		history = append(history, rec)
	}
	return history, rows.Err()
}

// RecordFailure journals a track whose job ended in error
func (j *Journal) RecordFailure(rec *FailureRecord) error {
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now()
	}

	res, err := j.db.Exec(`
		INSERT INTO failed_downloads (
			track_id, collection_id, error_type, error_message, attempts, failed_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`, int64(rec.TrackID), rec.CollectionID, rec.ErrorType, rec.ErrorMessage, rec.Attempts, rec.FailedAt)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// GetFailures returns failures, newest first. An empty collectionID
// returns failures across all collections.
func (j *Journal) GetFailures(collectionID models.CollectionID, limit int) ([]*FailureRecord, error) {
	query := `
		SELECT id, track_id, collection_id, error_type, error_message, attempts, failed_at
		FROM failed_downloads
	`
	args := []interface{}{}
	if collectionID != "" {
		query += " WHERE collection_id = ?"
		args = append(args, collectionID)
	}
	query += " ORDER BY failed_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get failures: %w", err)
	}
	defer rows.Close()

	failures := []*FailureRecord{}
	for rows.Next() {
		rec := &FailureRecord{}
		var trackID int64
		if err := rows.Scan(&rec.ID, &trackID, &rec.CollectionID, &rec.ErrorType,
			&rec.ErrorMessage, &rec.Attempts, &rec.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure row: %w", err)
		}
		rec.TrackID = models.TrackID(trackID)
		failures = append(failures, rec)
	}
	return failures, rows.Err()
}

// StartSyncRun opens a sync_runs row and returns its id
func (j *Journal) StartSyncRun(collectionID models.CollectionID) (int64, error) {
	res, err := j.db.Exec(
		"INSERT INTO sync_runs (collection_id, started_at) VALUES (?, ?)",
		collectionID, time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to start sync run: %w", err)
	}
	return res.LastInsertId()
}

// FinishSyncRun closes a sync_runs row
func (j *Journal) FinishSyncRun(id int64, result string, added, removed int, runErr error) error {
	var msg sql.NullString
	if runErr != nil {
		msg = sql.NullString{String: runErr.Error(), Valid: true}
	}

	res, err := j.db.Exec(`
		UPDATE sync_runs
		SET result = ?, added = ?, removed = ?, error_message = ?, finished_at = ?
		WHERE id = ?
	`, result, added, removed, msg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to finish sync run: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("sync run not found: %d", id)
	}
	return nil
}

// GetSyncRuns returns the most recent sync passes
func (j *Journal) GetSyncRuns(limit int) ([]*SyncRun, error) {
	rows, err := j.db.Query(`
		SELECT id, collection_id, result, added, removed, COALESCE(error_message, ''), started_at, finished_at
		FROM sync_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync runs: %w", err)
	}
	defer rows.Close()

	runs := []*SyncRun{}
	for rows.Next() {
		run := &SyncRun{}
		var finishedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.CollectionID, &run.Result, &run.Added, &run.Removed,
			&run.ErrorMessage, &run.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Stats aggregates the journal tables
func (j *Journal) Stats() (*Stats, error) {
	stats := &Stats{}

	err := j.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN skipped = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN skipped = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(bytes), 0)
		FROM download_history
	`).Scan(&stats.Downloads, &stats.Skipped, &stats.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to get download stats: %w", err)
	}

	if err := j.db.QueryRow("SELECT COUNT(*) FROM failed_downloads").Scan(&stats.Failures); err != nil {
		return nil, fmt.Errorf("failed to count failures: %w", err)
	}

	err = j.db.QueryRow("SELECT COUNT(*) FROM sync_runs WHERE finished_at IS NOT NULL").Scan(&stats.SyncRuns)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync runs: %w", err)
	}

	if stats.SyncRuns > 0 {
		// Selecting the column itself keeps its DATETIME type for the driver
		var lastSync time.Time
		err = j.db.QueryRow(`
			SELECT finished_at FROM sync_runs
			WHERE finished_at IS NOT NULL
			ORDER BY finished_at DESC LIMIT 1
		`).Scan(&lastSync)
		if err != nil {
			return nil, fmt.Errorf("failed to get last sync time: %w", err)
		}
		stats.LastSyncAt = &lastSync
	}

	return stats, nil
}

// ClearAll removes every journal row
func (j *Journal) ClearAll() error {
	for _, table := range []string{"download_history", "failed_downloads", "sync_runs"} {
		if _, err := j.db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}
