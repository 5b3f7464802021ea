package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Worktree statuses. idle/busy implement the lease discipline; removed
// is terminal and hides the slot from listings.
const (
	WorktreeIdle    = "idle"
	WorktreeBusy    = "busy"
	WorktreeRemoved = "removed"
)

// Worktree is a pool slot record: an isolated checkout on its own
// reserved branch.
type Worktree struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Branch    string    `json:"branch"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertWorktree registers a pool slot as idle. Existing slots (by
// name) are left untouched, making pool init idempotent.
func (d *DB) InsertWorktree(name, path, branch string) error {
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO worktrees (name, path, branch, status)
		VALUES (?, ?, ?, 'idle')
	`, name, path, branch)
	if err != nil {
		return fmt.Errorf("insert worktree %s: %w", name, err)
	}
	return nil
}

// AcquireWorktree atomically flips the lowest-id idle worktree to busy
// and returns it. Returns (nil, nil) when none are idle.
func (d *DB) AcquireWorktree() (*Worktree, error) {
	tx, err := d.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("acquire worktree: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(`
		SELECT id, name, path, branch, status, created_at
		FROM worktrees WHERE status = 'idle' ORDER BY id LIMIT 1
	`)
	wt, err := scanWorktree(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("acquire worktree: %w", err)
	}

	if _, err := tx.Exec("UPDATE worktrees SET status = 'busy' WHERE id = ?", wt.ID); err != nil {
		return nil, fmt.Errorf("acquire worktree %d: %w", wt.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("acquire worktree %d: %w", wt.ID, err)
	}

	wt.Status = WorktreeBusy
	return wt, nil
}

// SetWorktreeStatus updates a slot's status.
func (d *DB) SetWorktreeStatus(id int64, status string) error {
	_, err := d.db.Exec("UPDATE worktrees SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("set worktree %d status: %w", id, err)
	}
	return nil
}

// GetWorktree retrieves a slot by id. Returns (nil, nil) when not found.
func (d *DB) GetWorktree(id int64) (*Worktree, error) {
	row := d.db.QueryRow(`
		SELECT id, name, path, branch, status, created_at
		FROM worktrees WHERE id = ?
	`, id)
	wt, err := scanWorktree(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get worktree %d: %w", id, err)
	}
	return wt, nil
}

// ListWorktrees returns all slots that are not removed, by id.
func (d *DB) ListWorktrees() ([]*Worktree, error) {
	rows, err := d.db.Query(`
		SELECT id, name, path, branch, status, created_at
		FROM worktrees WHERE status != 'removed' ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var wts []*Worktree
	for rows.Next() {
		wt, err := scanWorktree(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worktree: %w", err)
		}
		wts = append(wts, wt)
	}
	return wts, rows.Err()
}

func scanWorktree(row scannable) (*Worktree, error) {
	var wt Worktree
	var createdAt string
	if err := row.Scan(&wt.ID, &wt.Name, &wt.Path, &wt.Branch, &wt.Status, &createdAt); err != nil {
		return nil, err
	}
	wt.CreatedAt = parseTime(createdAt)
	return &wt, nil
}
