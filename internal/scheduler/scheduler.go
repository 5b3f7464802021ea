// Package scheduler dispatches queued tasks onto a fixed set of
// worker slots, leasing a worktree per task and releasing it when the
// agent finishes.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zuiho-kai/claude-manager/internal/db"
	"github.com/zuiho-kai/claude-manager/internal/events"
	"github.com/zuiho-kai/claude-manager/internal/plan"
	"github.com/zuiho-kai/claude-manager/internal/progress"
	"github.com/zuiho-kai/claude-manager/internal/worktree"
)

// pollInterval caps how long the loop sleeps without a wake signal.
// It backstops missed notifications; normal dispatch is wake-driven.
const pollInterval = 5 * time.Second

// promptPreviewLen bounds the prompt excerpt in worker snapshots.
const promptPreviewLen = 80

// Worker statuses.
const (
	WorkerIdle = "idle"
	WorkerBusy = "busy"
)

// Worker is a snapshot of one dispatch slot.
type Worker struct {
	ID           int    `json:"id"`
	Status       string `json:"status"`
	TaskID       int64  `json:"task_id,omitempty"`
	TaskPrompt   string `json:"task_prompt,omitempty"`
	WorktreeID   int64  `json:"worktree_id,omitempty"`
	WorktreeName string `json:"worktree,omitempty"`
}

// RunFunc executes a task to completion and returns its final status.
type RunFunc func(ctx context.Context, task *db.Task) string

// Scheduler owns the dispatch loop.
type Scheduler struct {
	store     *db.DB
	pool      *worktree.Pool
	publisher events.Publisher
	run       RunFunc
	plans     *plan.Service
	recorder  *progress.Recorder
	logger    *slog.Logger

	mu      sync.Mutex
	workers []Worker

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler with maxConcurrent worker slots. plans and
// recorder may be nil; the matching completion hooks are then skipped.
func New(store *db.DB, pool *worktree.Pool, publisher events.Publisher, run RunFunc,
	plans *plan.Service, recorder *progress.Recorder, maxConcurrent int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	workers := make([]Worker, maxConcurrent)
	for i := range workers {
		workers[i] = Worker{ID: i, Status: WorkerIdle}
	}
	return &Scheduler{
		store:     store,
		pool:      pool,
		publisher: publisher,
		run:       run,
		plans:     plans,
		recorder:  recorder,
		logger:    logger,
		workers:   workers,
		wake:      make(chan struct{}, 1),
	}
}

// Start launches the dispatch loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
	s.logger.Info("scheduler started", "workers", len(s.workers))
}

// Stop exits the loop and waits for in-flight tasks to finish. Agent
// subprocesses are not signalled; a running agent completes its work
// and its status is recorded before Stop returns.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Notify wakes the loop. Safe from any goroutine; a wake that is
// already pending is enough, so the send never blocks.
func (s *Scheduler) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Workers returns a snapshot of all slots.
func (s *Scheduler) Workers() []Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Worker, len(s.workers))
	copy(out, s.workers)
	return out
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		s.fillSlots(ctx)
		s.publishStatus()

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-time.After(pollInterval):
		}
	}
}

// fillSlots dispatches queued tasks onto idle slots until either runs
// out. A task dispatches even when the worktree pool is exhausted; it
// then runs in its own cwd.
func (s *Scheduler) fillSlots(ctx context.Context) {
	for {
		slot := s.claimIdleSlot()
		if slot < 0 {
			return
		}

		task, err := s.store.NextQueuedTask()
		if err != nil {
			s.logger.Error("next queued task", "error", err)
			s.releaseSlot(slot)
			return
		}
		if task == nil {
			s.releaseSlot(slot)
			return
		}

		wt, err := s.pool.Acquire()
		if err != nil {
			s.logger.Error("acquire worktree", "error", err)
		}
		if wt != nil {
			task.Cwd = wt.Path
			task.WorktreeID = &wt.ID
			if err := s.store.SetTaskWorktree(task.ID, wt.ID); err != nil {
				s.logger.Error("set task worktree", "task_id", task.ID, "error", err)
			}
		}
		ok, err := s.store.MarkTaskRunning(task.ID)
		if err != nil {
			s.logger.Error("mark task running", "task_id", task.ID, "error", err)
		}
		if err == nil && !ok {
			// Cancelled between the queue poll and dispatch.
			s.logger.Info("task no longer queued, skipping", "task_id", task.ID)
			if wt != nil {
				if rerr := s.pool.Release(wt.ID); rerr != nil {
					s.logger.Error("release worktree", "worktree_id", wt.ID, "error", rerr)
				}
			}
			s.releaseSlot(slot)
			continue
		}

		s.occupySlot(slot, task, wt)
		s.logger.Info("dispatching task", "worker", slot, "task_id", task.ID,
			"worktree", workerWorktreeName(wt))

		s.wg.Add(1)
		go s.runAndRelease(ctx, slot, task, wt)
	}
}

func workerWorktreeName(wt *db.Worktree) string {
	if wt == nil {
		return ""
	}
	return wt.Name
}

func (s *Scheduler) claimIdleSlot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.workers {
		if s.workers[i].Status == WorkerIdle {
			s.workers[i].Status = WorkerBusy
			return i
		}
	}
	return -1
}

func (s *Scheduler) occupySlot(slot int, task *db.Task, wt *db.Worktree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &s.workers[slot]
	w.TaskID = task.ID
	w.TaskPrompt = preview(task.Prompt)
	if wt != nil {
		w.WorktreeID = wt.ID
		w.WorktreeName = wt.Name
	}
}

func (s *Scheduler) releaseSlot(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[slot] = Worker{ID: slot, Status: WorkerIdle}
}

func preview(prompt string) string {
	runes := []rune(prompt)
	if len(runes) > promptPreviewLen {
		return string(runes[:promptPreviewLen]) + "..."
	}
	return prompt
}

// runAndRelease executes a task on its slot and runs the completion
// hooks. Hook failures are logged, never fatal: the slot and worktree
// always come back.
func (s *Scheduler) runAndRelease(ctx context.Context, slot int, task *db.Task, wt *db.Worktree) {
	defer s.wg.Done()
	defer func() {
		if wt != nil {
			if err := s.pool.Release(wt.ID); err != nil {
				s.logger.Error("release worktree", "worktree_id", wt.ID, "error", err)
			}
		}
		s.releaseSlot(slot)
		s.Notify()
	}()

	status := s.run(ctx, task)

	fresh, err := s.store.GetTask(task.ID)
	if err != nil || fresh == nil {
		s.logger.Error("reload finished task", "task_id", task.ID, "error", err)
		return
	}

	if s.plans != nil {
		if fresh.Mode == db.ModePlan {
			if err := s.plans.OnTaskComplete(fresh.ID); err != nil {
				s.logger.Error("plan completion hook", "task_id", fresh.ID, "error", err)
			}
		}
		if fresh.PlanGroupID != nil {
			if err := s.plans.CheckCompletion(*fresh.PlanGroupID); err != nil {
				s.logger.Error("plan group check", "group_id", *fresh.PlanGroupID, "error", err)
			}
		}
	}

	if s.recorder != nil && status == db.StatusCompleted {
		if err := s.recorder.AutoRecord(fresh); err != nil {
			s.logger.Error("auto progress note", "task_id", fresh.ID, "error", err)
		}
	}
}

// publishStatus pushes a scheduler_status snapshot to global
// subscribers. Task id 0 is reserved for scheduler events.
func (s *Scheduler) publishStatus() {
	s.publisher.Publish(events.New(0, db.EventSystem, map[string]any{
		"type":    "scheduler_status",
		"workers": s.Workers(),
	}))
}
