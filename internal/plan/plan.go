// Package plan implements the plan workflow: a goal becomes a planner
// task, the planner's JSON plan is reviewed and optionally edited, and
// approval expands it into ordered execute subtasks.
package plan

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/zuiho-kai/claude-manager/internal/db"
)

const promptTemplate = `You are a senior software architect. Given the following goal, produce a detailed implementation plan broken into multiple concrete steps. Each step should be a self-contained task that an agent can execute independently.

GOAL:
%s

Rules:
- Break the goal into 2-6 concrete steps (not just one big step)
- Each step should be independently executable
- Each step's prompt should be detailed enough for the agent to execute without asking questions
- Steps should be ordered by dependency (earlier steps first)
- Include specific file names, function names, and implementation details in each prompt

Output a JSON object with this structure:
{
  "summary": "Brief summary of the plan",
  "steps": [
    {"title": "Step title", "description": "What this step does", "prompt": "The exact detailed prompt to give to the agent to execute this step"}
  ]
}

Output ONLY valid JSON, no markdown fences or extra text.`

// Step is one planned subtask.
type Step struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
}

// Detail is a plan group with its subtasks and parsed steps.
type Detail struct {
	*db.PlanGroup
	Tasks []*db.Task `json:"tasks"`
	Steps []Step     `json:"plan_steps"`
}

// Service drives plan groups through their lifecycle.
type Service struct {
	store  *db.DB
	logger *slog.Logger
	notify func()
}

// NewService creates a plan service. notify wakes the scheduler when
// approval enqueues subtasks; nil is allowed.
func NewService(store *db.DB, notify func(), logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if notify == nil {
		notify = func() {}
	}
	return &Service{store: store, logger: logger, notify: notify}
}

// Create starts a plan group for a goal: the group goes in as planning
// and a planner task is queued to draft the plan.
func (s *Service) Create(goal string) (groupID, taskID int64, err error) {
	groupID, err = s.store.CreatePlanGroup(goal)
	if err != nil {
		return 0, 0, err
	}

	taskID, err = s.store.CreateTask(&db.Task{
		Prompt:      fmt.Sprintf(promptTemplate, goal),
		Mode:        db.ModePlan,
		PlanGroupID: &groupID,
	})
	if err != nil {
		return 0, 0, err
	}

	s.logger.Info("plan group created", "group_id", groupID, "task_id", taskID)
	s.notify()
	return groupID, taskID, nil
}

// OnTaskComplete parses a finished planner task's output into the
// group's plan text and moves the group to reviewing. Must run after
// the task's result_text is persisted. The group reaches reviewing
// even when no JSON can be parsed: the raw text is stored verbatim
// and approval falls back to a single step.
func (s *Service) OnTaskComplete(taskID int64) error {
	task, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil || task.Mode != db.ModePlan || task.PlanGroupID == nil {
		return nil
	}
	groupID := *task.PlanGroupID

	resultText := strings.TrimSpace(task.ResultText)
	if resultText == "" {
		resultText = s.planTextFromLogs(taskID)
	}

	if extracted, ok := ExtractJSON(resultText); ok {
		if err := s.store.SetPlanText(groupID, extracted, db.PlanReviewing); err != nil {
			return err
		}
		s.logger.Info("plan ready for review", "group_id", groupID)
		return nil
	}

	if err := s.store.SetPlanText(groupID, resultText, db.PlanReviewing); err != nil {
		return err
	}
	s.logger.Warn("plan not parseable as JSON, stored raw", "group_id", groupID)
	return nil
}

// planTextFromLogs recovers plan text when result_text is empty:
// first the latest result event, then the first assistant message
// whose text looks like JSON.
func (s *Service) planTextFromLogs(taskID int64) string {
	ev, err := s.store.LatestEventByType(taskID, db.EventResult)
	if err == nil && ev != nil {
		if text := gjson.Get(ev.Payload, "result").String(); strings.TrimSpace(text) != "" {
			return text
		}
	}

	evs, err := s.store.ListEventsByType(taskID, db.EventAssistant)
	if err != nil {
		return ""
	}
	for _, ev := range evs {
		text := assistantText(ev.Payload)
		if text != "" && strings.Contains(text, "{") {
			return text
		}
	}
	return ""
}

// assistantText concatenates the text parts of an assistant event,
// whether nested under message.content or a top-level content array.
func assistantText(payload string) string {
	parts := gjson.Get(payload, "message.content")
	if !parts.Exists() {
		parts = gjson.Get(payload, "content")
	}
	if !parts.IsArray() {
		return parts.String()
	}
	var b strings.Builder
	parts.ForEach(func(_, part gjson.Result) bool {
		b.WriteString(part.Get("text").String())
		return true
	})
	return b.String()
}

// ExtractJSON pulls a JSON object out of agent output: markdown fences
// are stripped, then the whole text is tried, then the span from the
// first { to the last }. The extracted object is re-marshalled so the
// stored plan text is canonical JSON.
func ExtractJSON(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	if strings.HasPrefix(text, "```") {
		var kept []string
		for _, line := range strings.Split(text, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				continue
			}
			kept = append(kept, line)
		}
		text = strings.TrimSpace(strings.Join(kept, "\n"))
	}

	if out, ok := remarshal(text); ok {
		return out, true
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if out, ok := remarshal(text[start : end+1]); ok {
			return out, true
		}
	}
	return "", false
}

func remarshal(text string) (string, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return "", false
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return "", false
	}
	return string(out), true
}

// UpdateSteps replaces the plan's steps while it is under review.
// Other plan fields (summary and anything else the planner emitted)
// are preserved.
func (s *Service) UpdateSteps(groupID int64, steps []Step) error {
	group, err := s.store.GetPlanGroup(groupID)
	if err != nil {
		return err
	}
	if group == nil {
		return fmt.Errorf("plan group %d not found", groupID)
	}
	if group.Status != db.PlanReviewing {
		return fmt.Errorf("plan group %d is %s, steps can only change while reviewing", groupID, group.Status)
	}

	var planData map[string]any
	if err := json.Unmarshal([]byte(group.PlanText), &planData); err != nil {
		planData = map[string]any{}
	}
	planData["steps"] = steps

	out, err := json.Marshal(planData)
	if err != nil {
		return fmt.Errorf("marshal plan %d: %w", groupID, err)
	}
	return s.store.SetPlanText(groupID, string(out), db.PlanReviewing)
}

// Approve expands the plan into queued execute subtasks and moves the
// group to executing. Earlier steps get higher priority so the
// scheduler dispatches them first. Returns the created task ids.
func (s *Service) Approve(groupID int64) ([]int64, error) {
	group, err := s.store.GetPlanGroup(groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, fmt.Errorf("plan group %d not found", groupID)
	}

	steps := ParseSteps(group.PlanText)
	if len(steps) == 0 {
		steps = []Step{{Title: "Execute plan", Prompt: group.PlanText}}
	}

	taskIDs := make([]int64, 0, len(steps))
	for i, step := range steps {
		prompt := step.Prompt
		if prompt == "" {
			prompt = step.Description
		}
		title := step.Title
		if title == "" {
			title = fmt.Sprintf("Step %d", i+1)
		}

		id, err := s.store.CreateTask(&db.Task{
			Prompt:      fmt.Sprintf("[Plan Step %d: %s]\n\n%s", i+1, title, prompt),
			Mode:        db.ModeExecute,
			Priority:    len(steps) - i,
			PlanGroupID: &groupID,
		})
		if err != nil {
			return taskIDs, err
		}
		taskIDs = append(taskIDs, id)
	}

	if err := s.store.SetPlanStatus(groupID, db.PlanExecuting); err != nil {
		return taskIDs, err
	}

	s.logger.Info("plan approved", "group_id", groupID, "subtasks", len(taskIDs))
	s.notify()
	return taskIDs, nil
}

// ParseSteps decodes the steps array from stored plan text. Returns
// nil when the text is not a JSON plan.
func ParseSteps(planText string) []Step {
	var plan struct {
		Steps []Step `json:"steps"`
	}
	if err := json.Unmarshal([]byte(planText), &plan); err != nil {
		return nil
	}
	return plan.Steps
}

// CheckCompletion marks the group completed once every execute subtask
// has reached a terminal status. Safe to call repeatedly.
func (s *Service) CheckCompletion(groupID int64) error {
	tasks, err := s.store.ListGroupTasks(groupID)
	if err != nil {
		return err
	}

	seen := false
	for _, t := range tasks {
		if t.Mode != db.ModeExecute {
			continue
		}
		seen = true
		if !db.IsTerminal(t.Status) {
			return nil
		}
	}
	if !seen {
		return nil
	}

	group, err := s.store.GetPlanGroup(groupID)
	if err != nil {
		return err
	}
	if group == nil || group.Status == db.PlanCompleted {
		return nil
	}

	if err := s.store.CompletePlanGroup(groupID); err != nil {
		return err
	}
	s.logger.Info("plan group completed", "group_id", groupID)
	return nil
}

// GetDetail returns a group with its subtasks and parsed steps, or
// (nil, nil) when the group does not exist.
func (s *Service) GetDetail(groupID int64) (*Detail, error) {
	group, err := s.store.GetPlanGroup(groupID)
	if err != nil {
		return nil, err
	}
	if group == nil {
		return nil, nil
	}

	tasks, err := s.store.ListGroupTasks(groupID)
	if err != nil {
		return nil, err
	}
	return &Detail{
		PlanGroup: group,
		Tasks:     tasks,
		Steps:     ParseSteps(group.PlanText),
	}, nil
}

// List returns all plan groups, newest first.
func (s *Service) List() ([]*db.PlanGroup, error) {
	return s.store.ListPlanGroups()
}
