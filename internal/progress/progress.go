// Package progress keeps the experience log: short notes distilled
// from finished tasks, mirrored into a PROGRESS.md file and injected
// into new task prompts as recent experience.
package progress

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zuiho-kai/claude-manager/internal/db"
)

// Recorder stores experience notes and maintains the PROGRESS.md
// mirror at path. An empty path disables the file mirror.
type Recorder struct {
	store  *db.DB
	path   string
	logger *slog.Logger
}

// NewRecorder creates a Recorder writing its markdown mirror to path.
func NewRecorder(store *db.DB, path string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, path: path, logger: logger}
}

// Record adds a note and rebuilds the markdown mirror. taskID may be
// nil for notes added by hand.
func (r *Recorder) Record(taskID *int64, summary, lessons, tags string) error {
	if _, err := r.store.InsertProgressEntry(taskID, summary, lessons, tags); err != nil {
		return err
	}
	return r.rebuildFile()
}

// AutoRecord distills a completed task into a note. Tasks in any
// other status are skipped.
func (r *Recorder) AutoRecord(task *db.Task) error {
	if task == nil || task.Status != db.StatusCompleted {
		return nil
	}
	summary := fmt.Sprintf("Task #%d: %s", task.ID, truncate(task.Prompt, 100))
	lessons := truncate(task.ResultText, 200)
	return r.Record(&task.ID, summary, lessons, "auto")
}

// RelevantExperience renders the latest limit notes for injection
// into a new prompt. Returns "" when there is nothing to share.
func (r *Recorder) RelevantExperience(limit int) (string, error) {
	entries, err := r.store.RecentProgressEntries(limit)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}

	lines := []string{"## Recent Experience Notes"}
	for _, e := range entries {
		lines = append(lines, "- "+e.Summary)
		if e.Lessons != "" {
			lines = append(lines, "  Lessons: "+e.Lessons)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// List returns all notes, newest first.
func (r *Recorder) List() ([]*db.ProgressEntry, error) {
	return r.store.ListProgressEntries()
}

// rebuildFile rewrites the whole markdown mirror from the store. The
// store is canonical; losing the file costs nothing.
func (r *Recorder) rebuildFile() error {
	if r.path == "" {
		return nil
	}

	entries, err := r.store.ListProgressEntries()
	if err != nil {
		return err
	}

	lines := []string{"# Progress Notes", ""}
	for _, e := range entries {
		taskRef := "?"
		if e.TaskID != nil {
			taskRef = fmt.Sprintf("%d", *e.TaskID)
		}
		lines = append(lines, fmt.Sprintf("### Task #%s - %s", taskRef, e.CreatedAt.Format("2006-01-02 15:04:05")))
		lines = append(lines, e.Summary)
		if e.Lessons != "" {
			lines = append(lines, "", "**Lessons:** "+e.Lessons)
		}
		if e.Tags != "" {
			lines = append(lines, "", "*Tags: "+e.Tags+"*")
		}
		lines = append(lines, "")
	}

	if err := os.WriteFile(r.path, []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", r.path, err)
	}
	r.logger.Debug("progress file updated", "path", r.path, "entries", len(entries))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
