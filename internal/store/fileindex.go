package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// FileIndexEntry records the last-synced content hash of one file.
type FileIndexEntry struct {
	Path      string
	Hash      string
	ScannedAt time.Time
}

// FileIndex is the coordinator's local snapshot cache: a sqlite table of
// path to content hash, used to short-circuit syncs when a file's bytes
// have not changed. It is disposable; deleting the database forces a
// full re-sync.
type FileIndex struct {
	db *sql.DB
}

// OpenFileIndex opens or creates the index database at path.
func OpenFileIndex(path string) (*FileIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open file index: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS file_index (
			file_path  TEXT PRIMARY KEY,
			scan_hash  TEXT NOT NULL,
			scanned_at TEXT NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init file index schema: %w", err)
	}
	return &FileIndex{db: db}, nil
}

// Close closes the underlying database.
func (x *FileIndex) Close() error {
	return x.db.Close()
}

// Set records a file's hash after a successful sync.
func (x *FileIndex) Set(path, hash string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := x.db.Exec(`
		REPLACE INTO file_index (file_path, scan_hash, scanned_at)
		VALUES (?, ?, ?)`, path, hash, now)
	if err != nil {
		return fmt.Errorf("record scan %s: %w", path, err)
	}
	return nil
}

// SetBulk records hashes for many files in one transaction.
func (x *FileIndex) SetBulk(entries []FileIndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		REPLACE INTO file_index (file_path, scan_hash, scanned_at)
		VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, e := range entries {
		scannedAt := now
		if !e.ScannedAt.IsZero() {
			scannedAt = e.ScannedAt.Format(time.RFC3339)
		}
		if _, err := stmt.Exec(e.Path, e.Hash, scannedAt); err != nil {
			return fmt.Errorf("record scan %s: %w", e.Path, err)
		}
	}
	return tx.Commit()
}

// Hash returns the last-synced hash for a file, or "" when the file has
// never been synced.
func (x *FileIndex) Hash(path string) (string, error) {
	var hash string
	err := x.db.QueryRow(
		"SELECT scan_hash FROM file_index WHERE file_path = ?", path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup hash %s: %w", path, err)
	}
	return hash, nil
}

// Changed reports whether a file's content differs from its last sync.
// Never-synced files report true.
func (x *FileIndex) Changed(path, newHash string) (bool, error) {
	oldHash, err := x.Hash(path)
	if err != nil {
		return false, err
	}
	return oldHash == "" || oldHash != newHash, nil
}

// All returns every indexed file ordered by path.
func (x *FileIndex) All() ([]FileIndexEntry, error) {
	rows, err := x.db.Query(`
		SELECT file_path, scan_hash, scanned_at FROM file_index ORDER BY file_path`)
	if err != nil {
		return nil, fmt.Errorf("list file index: %w", err)
	}
	defer rows.Close()

	var entries []FileIndexEntry
	for rows.Next() {
		var e FileIndexEntry
		var scannedAt string
		if err := rows.Scan(&e.Path, &e.Hash, &scannedAt); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		e.ScannedAt, _ = time.Parse(time.RFC3339, scannedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes a file from the index.
func (x *FileIndex) Delete(path string) error {
	_, err := x.db.Exec("DELETE FROM file_index WHERE file_path = ?", path)
	return err
}

// Prune removes entries for files no longer present, returning the
// number pruned.
func (x *FileIndex) Prune(validPaths map[string]bool) (int, error) {
	entries, err := x.All()
	if err != nil {
		return 0, err
	}
	var pruned int
	for _, e := range entries {
		if !validPaths[e.Path] {
			if err := x.Delete(e.Path); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}

// Clear drops all index state, forcing a full re-sync.
func (x *FileIndex) Clear() error {
	_, err := x.db.Exec("DELETE FROM file_index")
	return err
}

// Count returns the number of indexed files.
func (x *FileIndex) Count() (int, error) {
	var count int
	err := x.db.QueryRow("SELECT COUNT(*) FROM file_index").Scan(&count)
	return count, err
}
