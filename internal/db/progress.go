package db

import (
	"fmt"
	"time"
)

// ProgressEntry is one experience note distilled from a finished task
// or added by hand.
type ProgressEntry struct {
	ID        int64     `json:"id"`
	TaskID    *int64    `json:"task_id"`
	Summary   string    `json:"summary"`
	Lessons   string    `json:"lessons,omitempty"`
	Tags      string    `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertProgressEntry adds an experience note.
func (d *DB) InsertProgressEntry(taskID *int64, summary, lessons, tags string) (int64, error) {
	res, err := d.db.Exec(`
		INSERT INTO progress_entries (task_id, summary, lessons, tags)
		VALUES (?, ?, ?, ?)
	`, taskID, summary, lessons, tags)
	if err != nil {
		return 0, fmt.Errorf("insert progress entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert progress entry id: %w", err)
	}
	return id, nil
}

// ListProgressEntries returns all entries, newest first.
func (d *DB) ListProgressEntries() ([]*ProgressEntry, error) {
	return d.queryProgress("SELECT id, task_id, summary, lessons, tags, created_at FROM progress_entries ORDER BY id DESC")
}

// RecentProgressEntries returns the latest limit entries, newest first.
func (d *DB) RecentProgressEntries(limit int) ([]*ProgressEntry, error) {
	return d.queryProgress(`
		SELECT id, task_id, summary, lessons, tags, created_at
		FROM progress_entries ORDER BY id DESC LIMIT ?
	`, limit)
}

func (d *DB) queryProgress(query string, args ...any) ([]*ProgressEntry, error) {
	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list progress entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*ProgressEntry
	for rows.Next() {
		var e ProgressEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Summary, &e.Lessons, &e.Tags, &createdAt); err != nil {
			return nil, fmt.Errorf("scan progress entry: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
