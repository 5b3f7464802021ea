// Package runner executes a single task as an agent CLI subprocess and
// streams its stream-json output into the task log and the event bus.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/zuiho-kai/claude-manager/internal/db"
	"github.com/zuiho-kai/claude-manager/internal/events"
)

// maxLineSize bounds a single stream-json line. Agent output lines can
// carry whole file contents in tool results.
const maxLineSize = 1024 * 1024

// Runner launches agent subprocesses.
type Runner struct {
	store     *db.DB
	publisher events.Publisher
	bin       string
	logger    *slog.Logger
}

// New creates a Runner that invokes bin for each task.
func New(store *db.DB, publisher events.Publisher, bin string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if bin == "" {
		bin = "claude"
	}
	return &Runner{
		store:     store,
		publisher: publisher,
		bin:       bin,
		logger:    logger,
	}
}

// BuildArgs returns the agent CLI arguments for a prompt.
func BuildArgs(prompt string) []string {
	return []string{
		"-p", prompt,
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--verbose",
	}
}

// Classify maps a raw stream-json event type onto one of the six log
// categories. content_block events render as assistant output;
// message lifecycle and anything unknown is system noise.
func Classify(eventType string) string {
	switch eventType {
	case "assistant", "tool_use", "tool_result", "result", "error":
		return eventType
	case "content_block_start", "content_block_delta", "content_block_stop":
		return db.EventAssistant
	default:
		return db.EventSystem
	}
}

// CostFromUsage estimates USD cost from token usage when the stream
// does not report cost_usd directly.
func CostFromUsage(inputTokens, outputTokens int64) float64 {
	return (float64(inputTokens)*0.015 + float64(outputTokens)*0.075) / 1000
}

// Run executes the task to completion and returns its final status.
// The subprocess is started without context cancellation on purpose:
// stopping the scheduler or cancelling a task lets the agent finish
// its current work rather than killing it mid-write. Run itself
// always records a terminal status, even on internal errors.
func (r *Runner) Run(ctx context.Context, task *db.Task) string {
	log := r.logger.With("task_id", task.ID)
	log.Info("starting agent", "bin", r.bin, "cwd", task.Cwd)

	ok, err := r.store.MarkTaskRunning(task.ID)
	if err != nil {
		log.Error("mark running failed", "error", err)
	} else if !ok {
		// Already terminal; a task cancelled while queued never runs.
		log.Info("task no longer runnable, agent not started")
		if cur, gerr := r.store.GetTask(task.ID); gerr == nil && cur != nil {
			return cur.Status
		}
		return db.StatusCancelled
	}

	status, resultText, costUSD := r.execute(task, log)

	if err := r.store.FinishTask(task.ID, status, resultText, costUSD); err != nil {
		log.Error("finish task failed", "error", err)
	}

	log.Info("agent finished", "status", status, "cost_usd", costUSD)
	return status
}

func (r *Runner) execute(task *db.Task, log *slog.Logger) (status, resultText string, costUSD float64) {
	cmd := exec.Command(r.bin, BuildArgs(task.Prompt)...)
	if task.Cwd != "" {
		cmd.Dir = task.Cwd
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return db.StatusFailed, fmt.Sprintf("stdout pipe: %v", err), 0
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return db.StatusFailed, fmt.Sprintf("stderr pipe: %v", err), 0
	}
	if err := cmd.Start(); err != nil {
		return db.StatusFailed, fmt.Sprintf("start %s: %v", r.bin, err), 0
	}

	var stderrBuf bytes.Buffer
	var g errgroup.Group

	g.Go(func() error {
		_, err := stderrBuf.ReadFrom(stderr)
		return err
	})
	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			text, cost := r.handleLine(task.ID, line, log)
			if text != "" {
				resultText = text
			}
			if cost > 0 {
				costUSD = cost
			}
		}
		return scanner.Err()
	})

	readErr := g.Wait()
	waitErr := cmd.Wait()

	if readErr != nil {
		log.Warn("stream read error", "error", readErr)
	}

	if waitErr == nil {
		return db.StatusCompleted, resultText, costUSD
	}

	var exitErr *exec.ExitError
	code := -1
	if errors.As(waitErr, &exitErr) {
		code = exitErr.ExitCode()
	}
	if resultText == "" {
		resultText = fmt.Sprintf("Process exited with code %d: %s",
			code, strings.TrimSpace(stderrBuf.String()))
	}
	return db.StatusFailed, resultText, costUSD
}

// handleLine parses, persists and publishes one stream line. Returns
// the result text and cost when the line is the final result event.
func (r *Runner) handleLine(taskID int64, line string, log *slog.Logger) (string, float64) {
	if !gjson.Valid(line) {
		raw, _ := json.Marshal(map[string]string{"type": "raw", "text": line})
		line = string(raw)
	}

	eventType := Classify(gjson.Get(line, "type").String())

	// The stored log is the canonical record, so persist first: a
	// subscriber may react to an event it could otherwise not re-read.
	if _, err := r.store.AppendEvent(taskID, eventType, line); err != nil {
		log.Error("append event failed", "error", err)
	}

	var payload any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		payload = line
	}
	r.publisher.Publish(events.New(taskID, eventType, payload))

	if gjson.Get(line, "type").String() != "result" {
		return "", 0
	}

	text := gjson.Get(line, "result").String()
	cost := gjson.Get(line, "cost_usd").Float()
	if cost == 0 {
		usage := gjson.Get(line, "usage")
		if usage.Exists() {
			cost = CostFromUsage(usage.Get("input_tokens").Int(), usage.Get("output_tokens").Int())
		}
	}
	return text, cost
}
