package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Plan group statuses. PlanApproved stays in the enum for
// compatibility, but approval transitions reviewing→executing directly.
const (
	PlanPlanning  = "planning"
	PlanReviewing = "reviewing"
	PlanApproved  = "approved"
	PlanExecuting = "executing"
	PlanCompleted = "completed"
)

// PlanGroup is a container for a user goal and the ordered subtasks
// its plan expands into.
type PlanGroup struct {
	ID         int64      `json:"id"`
	Goal       string     `json:"goal"`
	PlanText   string     `json:"plan_text,omitempty"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// CreatePlanGroup inserts a plan group in planning state.
func (d *DB) CreatePlanGroup(goal string) (int64, error) {
	res, err := d.db.Exec(`
		INSERT INTO plan_groups (goal, status) VALUES (?, 'planning')
	`, goal)
	if err != nil {
		return 0, fmt.Errorf("create plan group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create plan group id: %w", err)
	}
	return id, nil
}

// GetPlanGroup retrieves a plan group. Returns (nil, nil) when not found.
func (d *DB) GetPlanGroup(id int64) (*PlanGroup, error) {
	row := d.db.QueryRow(`
		SELECT id, goal, plan_text, status, created_at, finished_at
		FROM plan_groups WHERE id = ?
	`, id)
	g, err := scanPlanGroup(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get plan group %d: %w", id, err)
	}
	return g, nil
}

// ListPlanGroups returns all plan groups, newest first.
func (d *DB) ListPlanGroups() ([]*PlanGroup, error) {
	rows, err := d.db.Query(`
		SELECT id, goal, plan_text, status, created_at, finished_at
		FROM plan_groups ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list plan groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []*PlanGroup
	for rows.Next() {
		g, err := scanPlanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// SetPlanText stores the (parsed or raw) plan text and status together.
func (d *DB) SetPlanText(id int64, planText, status string) error {
	_, err := d.db.Exec(`
		UPDATE plan_groups SET plan_text = ?, status = ? WHERE id = ?
	`, planText, status, id)
	if err != nil {
		return fmt.Errorf("set plan group %d text: %w", id, err)
	}
	return nil
}

// SetPlanStatus updates a plan group's status.
func (d *DB) SetPlanStatus(id int64, status string) error {
	_, err := d.db.Exec("UPDATE plan_groups SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("set plan group %d status: %w", id, err)
	}
	return nil
}

// CompletePlanGroup marks a group completed with finished_at set.
func (d *DB) CompletePlanGroup(id int64) error {
	_, err := d.db.Exec(`
		UPDATE plan_groups SET status = 'completed', finished_at = ? WHERE id = ?
	`, now(), id)
	if err != nil {
		return fmt.Errorf("complete plan group %d: %w", id, err)
	}
	return nil
}

// ListGroupTasks returns all tasks belonging to a plan group, by id.
func (d *DB) ListGroupTasks(groupID int64) ([]*Task, error) {
	rows, err := d.db.Query("SELECT "+taskColumns+` FROM tasks
		WHERE plan_group_id = ? ORDER BY id`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for plan group %d: %w", groupID, err)
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

func scanPlanGroup(row scannable) (*PlanGroup, error) {
	var g PlanGroup
	var planText, createdAt, finishedAt sql.NullString
	if err := row.Scan(&g.ID, &g.Goal, &planText, &g.Status, &createdAt, &finishedAt); err != nil {
		return nil, err
	}
	g.PlanText = planText.String
	g.CreatedAt = parseTime(createdAt.String)
	if finishedAt.Valid {
		ts := parseTime(finishedAt.String)
		g.FinishedAt = &ts
	}
	return &g, nil
}
