package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Task statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Task modes.
const (
	ModeExecute = "execute"
	ModePlan    = "plan"
)

// IsTerminal reports whether status is one of the terminal task states.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// Task represents a task stored in the database.
type Task struct {
	ID          int64      `json:"id"`
	Prompt      string     `json:"prompt"`
	Status      string     `json:"status"`
	Mode        string     `json:"mode"`
	Priority    int        `json:"priority"`
	WorktreeID  *int64     `json:"worktree_id"`
	PlanGroupID *int64     `json:"plan_group_id"`
	Cwd         string     `json:"cwd,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	ResultText  string     `json:"result_text,omitempty"`
	CostUSD     float64    `json:"cost_usd"`
}

const taskColumns = `id, prompt, status, mode, priority, worktree_id, plan_group_id, cwd,
	created_at, started_at, finished_at, result_text, cost_usd`

// CreateTask inserts a queued task and returns its id.
func (d *DB) CreateTask(t *Task) (int64, error) {
	status := t.Status
	if status == "" {
		status = StatusQueued
	}
	mode := t.Mode
	if mode == "" {
		mode = ModeExecute
	}

	var cwd any
	if t.Cwd != "" {
		cwd = t.Cwd
	}

	res, err := d.db.Exec(`
		INSERT INTO tasks (prompt, status, mode, priority, plan_group_id, cwd)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.Prompt, status, mode, t.Priority, t.PlanGroupID, cwd)
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create task id: %w", err)
	}
	return id, nil
}

// GetTask retrieves a task by id. Returns (nil, nil) when not found.
func (d *DB) GetTask(id int64) (*Task, error) {
	row := d.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// ListOpts filters task listings.
type ListOpts struct {
	Status string
	Limit  int
}

// ListTasks returns tasks newest first, optionally filtered by status.
func (d *DB) ListTasks(opts ListOpts) ([]*Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks"
	var args []any
	if opts.Status != "" {
		query += " WHERE status = ?"
		args = append(args, opts.Status)
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// NextQueuedTask returns the highest-priority queued task, oldest first
// within a priority class. Returns (nil, nil) when the queue is empty.
func (d *DB) NextQueuedTask() (*Task, error) {
	row := d.db.QueryRow("SELECT " + taskColumns + ` FROM tasks
		WHERE status = 'queued' ORDER BY priority DESC, id ASC LIMIT 1`)
	t, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("next queued task: %w", err)
	}
	return t, nil
}

// MarkTaskRunning transitions a queued task to running and records
// started_at. Tasks that already reached a terminal state are left
// untouched, so a cancel issued while the task was still queued
// sticks. The return value reports whether the transition applied.
func (d *DB) MarkTaskRunning(id int64) (bool, error) {
	res, err := d.db.Exec(`
		UPDATE tasks SET status = 'running', started_at = ?
		WHERE id = ? AND status IN ('queued', 'running')
	`, now(), id)
	if err != nil {
		return false, fmt.Errorf("mark task %d running: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark task %d running: %w", id, err)
	}
	return n > 0, nil
}

// SetTaskWorktree records the worktree leased to a task.
func (d *DB) SetTaskWorktree(id, worktreeID int64) error {
	_, err := d.db.Exec("UPDATE tasks SET worktree_id = ? WHERE id = ?", worktreeID, id)
	if err != nil {
		return fmt.Errorf("set task %d worktree: %w", id, err)
	}
	return nil
}

// FinishTask writes the terminal status, finished_at, result text, and
// cost in one statement. A task already cancelled keeps its cancelled
// status; the remaining fields are still recorded.
func (d *DB) FinishTask(id int64, status, resultText string, costUSD float64) error {
	_, err := d.db.Exec(`
		UPDATE tasks
		SET status = CASE WHEN status = 'cancelled' THEN 'cancelled' ELSE ? END,
		    finished_at = ?, result_text = ?, cost_usd = ?
		WHERE id = ?
	`, status, now(), resultText, costUSD, id)
	if err != nil {
		return fmt.Errorf("finish task %d: %w", id, err)
	}
	return nil
}

// CancelTask flips a task to cancelled. Only queued or running tasks
// may be cancelled; the return value reports whether the flip applied.
func (d *DB) CancelTask(id int64) (bool, error) {
	res, err := d.db.Exec(`
		UPDATE tasks SET status = 'cancelled'
		WHERE id = ? AND status IN ('queued', 'running')
	`, id)
	if err != nil {
		return false, fmt.Errorf("cancel task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel task %d: %w", id, err)
	}
	return n > 0, nil
}

// CountTasksByStatus returns task counts keyed by status.
func (d *DB) CountTasksByStatus() (map[string]int, error) {
	rows, err := d.db.Query("SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (*Task, error) {
	var t Task
	var cwd, resultText, createdAt sql.NullString
	var startedAt, finishedAt sql.NullString
	err := row.Scan(&t.ID, &t.Prompt, &t.Status, &t.Mode, &t.Priority,
		&t.WorktreeID, &t.PlanGroupID, &cwd,
		&createdAt, &startedAt, &finishedAt, &resultText, &t.CostUSD)
	if err != nil {
		return nil, err
	}
	t.Cwd = cwd.String
	t.ResultText = resultText.String
	t.CreatedAt = parseTime(createdAt.String)
	if startedAt.Valid {
		ts := parseTime(startedAt.String)
		t.StartedAt = &ts
	}
	if finishedAt.Valid {
		ts := parseTime(finishedAt.String)
		t.FinishedAt = &ts
	}
	return &t, nil
}

// now renders the current UTC time in the format used for timestamp
// columns written from Go. sqlite's datetime('now') defaults use the
// same layout, so ordering comparisons stay consistent.
func now() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05")
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}
