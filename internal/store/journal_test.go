package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/offlinekit/offline-core/internal/models"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInitDBCreatesDirectoryInWALMode(t *testing.T) {
	db, err := InitDB(filepath.Join(t.TempDir(), "nested", "dir", "journal.db"))
	if err != nil {
		t.Fatalf("Failed to initialize nested database: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("Failed to read journal mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("Expected wal journal mode, got %q", mode)
	}

	var timeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&timeout); err != nil {
		t.Fatalf("Failed to read busy timeout: %v", err)
	}
	if timeout != 5000 {
		t.Errorf("Expected busy timeout 5000, got %d", timeout)
	}
}

func TestMigrationsApplied(t *testing.T) {
	db := setupTestDB(t)

	version, err := getCurrentVersion(db)
	if err != nil {
		t.Fatalf("Failed to get version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("Expected version %d, got %d", len(migrations), version)
	}

	// Running again is a no-op
	if err := RunMigrations(db); err != nil {
		t.Fatalf("Failed to rerun migrations: %v", err)
	}
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		t.Fatalf("Failed to count migrations: %v", err)
	}
	if count != len(migrations) {
		t.Errorf("Expected %d migration rows, got %d", len(migrations), count)
	}
}

func TestJournalPersistsAcrossConnections(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "persist.db")

	db1, err := InitDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	j1 := NewJournal(db1)
	if err := j1.RecordDownload(&DownloadRecord{TrackID: 7, CollectionID: "3", Title: "Seven", Bytes: 1024}); err != nil {
		t.Fatalf("Failed to record download: %v", err)
	}
	db1.Close()

	db2, err := InitDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer db2.Close()

	history, err := NewJournal(db2).GetHistory(0, 10)
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("Expected 1 history row, got %d", len(history))
	}
	if history[0].TrackID != 7 || history[0].Title != "Seven" || history[0].Bytes != 1024 {
		t.Errorf("Unexpected history row: %+v", history[0])
	}
}

func TestRecordDownloadClearsFailures(t *testing.T) {
	j := NewJournal(setupTestDB(t))

	for i := 0; i < 2; i++ {
		err := j.RecordFailure(&FailureRecord{
			TrackID:      10,
			CollectionID: models.FavoritesCollectionID,
			ErrorType:    "verification",
			ErrorMessage: "track 10 failed verification",
			Attempts:     3,
		})
		if err != nil {
			t.Fatalf("Failed to record failure: %v", err)
		}
	}
	if err := j.RecordFailure(&FailureRecord{TrackID: 11, CollectionID: "4", ErrorType: "network", ErrorMessage: "down"}); err != nil {
		t.Fatalf("Failed to record failure: %v", err)
	}

	failures, err := j.GetFailures(models.FavoritesCollectionID, 10)
	if err != nil {
		t.Fatalf("Failed to get failures: %v", err)
	}
	if len(failures) != 2 {
		t.Fatalf("Expected 2 favorites failures, got %d", len(failures))
	}
	if failures[0].Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", failures[0].Attempts)
	}

	all, err := j.GetFailures("", 10)
	if err != nil {
		t.Fatalf("Failed to get failures: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected 3 failures overall, got %d", len(all))
	}

	if err := j.RecordDownload(&DownloadRecord{TrackID: 10, CollectionID: models.FavoritesCollectionID, Title: "Ten"}); err != nil {
		t.Fatalf("Failed to record download: %v", err)
	}

	all, err = j.GetFailures("", 10)
	if err != nil {
		t.Fatalf("Failed to get failures: %v", err)
	}
	if len(all) != 1 || all[0].TrackID != 11 {
		t.Errorf("Expected only track 11 to remain failed, got %+v", all)
	}
}

func TestGetHistoryPagination(t *testing.T) {
	j := NewJournal(setupTestDB(t))
	base := time.Now().Add(-time.Hour)

	for i := 1; i <= 5; i++ {
		rec := &DownloadRecord{
			TrackID:      models.TrackID(i),
			CollectionID: "1",
			Title:        "t",
			DownloadedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := j.RecordDownload(rec); err != nil {
			t.Fatalf("Failed to record download: %v", err)
		}
	}

	page, err := j.GetHistory(0, 2)
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(page))
	}
	if page[0].TrackID != 5 || page[1].TrackID != 4 {
		t.Errorf("Expected newest first, got %d, %d", page[0].TrackID, page[1].TrackID)
	}

	page, err = j.GetHistory(4, 2)
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	if len(page) != 1 || page[0].TrackID != 1 {
		t.Errorf("Expected last page to hold track 1, got %+v", page)
	}
}

func TestSyncRuns(t *testing.T) {
	j := NewJournal(setupTestDB(t))

	id, err := j.StartSyncRun("9")
	if err != nil {
		t.Fatalf("Failed to start sync run: %v", err)
	}

	runs, err := j.GetSyncRuns(10)
	if err != nil {
		t.Fatalf("Failed to get sync runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Result != "running" || runs[0].FinishedAt != nil {
		t.Fatalf("Expected one running sync run, got %+v", runs)
	}

	if err := j.FinishSyncRun(id, "failed", 0, 0, errors.New("collection 9 is private")); err != nil {
		t.Fatalf("Failed to finish sync run: %v", err)
	}

	runs, err = j.GetSyncRuns(10)
	if err != nil {
		t.Fatalf("Failed to get sync runs: %v", err)
	}
	if runs[0].Result != "failed" {
		t.Errorf("Expected result failed, got %s", runs[0].Result)
	}
	if runs[0].ErrorMessage != "collection 9 is private" {
		t.Errorf("Expected error message to be kept, got %q", runs[0].ErrorMessage)
	}
	if runs[0].FinishedAt == nil {
		t.Error("Expected finished_at to be set")
	}

	if err := j.FinishSyncRun(id+100, "updated", 1, 1, nil); err == nil {
		t.Error("Expected error finishing unknown sync run")
	}
}

func TestStatsAndClearAll(t *testing.T) {
	j := NewJournal(setupTestDB(t))

	stats, err := j.Stats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.Downloads != 0 || stats.LastSyncAt != nil {
		t.Errorf("Expected empty stats, got %+v", stats)
	}

	j.RecordDownload(&DownloadRecord{TrackID: 1, CollectionID: "1", Title: "a", Bytes: 100})
	j.RecordDownload(&DownloadRecord{TrackID: 2, CollectionID: "1", Title: "b", Bytes: 50})
	j.RecordDownload(&DownloadRecord{TrackID: 1, CollectionID: "2", Title: "a", Skipped: true})
	j.RecordFailure(&FailureRecord{TrackID: 3, CollectionID: "1", ErrorType: "network", ErrorMessage: "x"})
	id, _ := j.StartSyncRun("1")
	j.FinishSyncRun(id, "updated", 2, 1, nil)

	stats, err = j.Stats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.Downloads != 2 {
		t.Errorf("Expected 2 downloads, got %d", stats.Downloads)
	}
	if stats.Skipped != 1 {
		t.Errorf("Expected 1 skipped, got %d", stats.Skipped)
	}
	if stats.Bytes != 150 {
		t.Errorf("Expected 150 bytes, got %d", stats.Bytes)
	}
	if stats.Failures != 1 {
		t.Errorf("Expected 1 failure, got %d", stats.Failures)
	}
	if stats.SyncRuns != 1 || stats.LastSyncAt == nil {
		t.Errorf("Expected 1 finished sync run, got %+v", stats)
	}

	if err := j.ClearAll(); err != nil {
		t.Fatalf("Failed to clear journal: %v", err)
	}
	stats, _ = j.Stats()
	if stats.Downloads != 0 || stats.Failures != 0 || stats.SyncRuns != 0 {
		t.Errorf("Expected empty stats after clear, got %+v", stats)
	}
}
