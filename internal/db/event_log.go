package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Event categories applied to each line of an agent's output stream.
const (
	EventAssistant  = "assistant"
	EventToolUse    = "tool_use"
	EventToolResult = "tool_result"
	EventResult     = "result"
	EventError      = "error"
	EventSystem     = "system"
)

// TaskEvent is one persisted line of an agent's output stream. The id
// order within a task is the authoritative replay sequence.
type TaskEvent struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	EventType string    `json:"event_type"`
	Payload   string    `json:"payload"` // raw JSON line
	TS        time.Time `json:"ts"`
}

// AppendEvent persists one stream event and returns its id.
func (d *DB) AppendEvent(taskID int64, eventType, payload string) (int64, error) {
	res, err := d.db.Exec(`
		INSERT INTO task_logs (task_id, event_type, payload) VALUES (?, ?, ?)
	`, taskID, eventType, payload)
	if err != nil {
		return 0, fmt.Errorf("append event for task %d: %w", taskID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append event id: %w", err)
	}
	return id, nil
}

// ListEvents returns a task's events in replay order.
func (d *DB) ListEvents(taskID int64) ([]*TaskEvent, error) {
	rows, err := d.db.Query(`
		SELECT id, task_id, event_type, payload, ts
		FROM task_logs WHERE task_id = ? ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events for task %d: %w", taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*TaskEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListEventsByType returns a task's events of one category in replay order.
func (d *DB) ListEventsByType(taskID int64, eventType string) ([]*TaskEvent, error) {
	rows, err := d.db.Query(`
		SELECT id, task_id, event_type, payload, ts
		FROM task_logs WHERE task_id = ? AND event_type = ? ORDER BY id
	`, taskID, eventType)
	if err != nil {
		return nil, fmt.Errorf("list %s events for task %d: %w", eventType, taskID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*TaskEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestEventByType returns a task's most recent event of one category,
// or (nil, nil) when there is none.
func (d *DB) LatestEventByType(taskID int64, eventType string) (*TaskEvent, error) {
	row := d.db.QueryRow(`
		SELECT id, task_id, event_type, payload, ts
		FROM task_logs WHERE task_id = ? AND event_type = ? ORDER BY id DESC LIMIT 1
	`, taskID, eventType)
	e, err := scanEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest %s event for task %d: %w", eventType, taskID, err)
	}
	return e, nil
}

func scanEvent(row scannable) (*TaskEvent, error) {
	var e TaskEvent
	var ts string
	if err := row.Scan(&e.ID, &e.TaskID, &e.EventType, &e.Payload, &ts); err != nil {
		return nil, err
	}
	e.TS = parseTime(ts)
	return &e, nil
}
