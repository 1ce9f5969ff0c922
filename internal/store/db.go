package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// journalPragmas ride on the DSN so every connection the driver opens gets them
var journalPragmas = url.Values{
	"_journal_mode": {"WAL"},
	"_synchronous":  {"NORMAL"},
	"_busy_timeout": {"5000"},
}

func journalDSN(path string) string {
	return "file:" + path + "?" + journalPragmas.Encode()
}

// InitDB opens the sync journal at dbPath and brings its schema up to date.
// The parent directory is created when missing.
func InitDB(dbPath string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", journalDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", dbPath, err)
	}
	// sqlite takes one writer at a time; a single connection keeps busy errors
	// out of the download workers
	db.SetMaxOpenConns(1)

	if err := prepareJournal(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func prepareJournal(db *sql.DB) error {
	if err := db.Ping(); err != nil {
		return fmt.Errorf("journal unreachable: %w", err)
	}
	if err := RunMigrations(db); err != nil {
		return fmt.Errorf("journal migrations: %w", err)
	}
	return nil
}
