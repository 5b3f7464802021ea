// Package api exposes the ccm HTTP and WebSocket surface: task CRUD,
// plan workflow, worktrees, progress notes and live event streams.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/zuiho-kai/claude-manager/internal/db"
	"github.com/zuiho-kai/claude-manager/internal/events"
	"github.com/zuiho-kai/claude-manager/internal/plan"
	"github.com/zuiho-kai/claude-manager/internal/progress"
	"github.com/zuiho-kai/claude-manager/internal/scheduler"
	"github.com/zuiho-kai/claude-manager/internal/worktree"
)

// Server is the HTTP front end.
type Server struct {
	addr     string
	store    *db.DB
	sched    *scheduler.Scheduler
	pool     *worktree.Pool
	plans    *plan.Service
	recorder *progress.Recorder
	ws       *WSHandler
	logger   *slog.Logger

	// expLimit is how many experience notes prefix new prompts.
	expLimit int

	httpServer *http.Server
}

// NewServer wires the HTTP surface. sched may be nil in tests; task
// creation then skips the wake-up.
func NewServer(addr string, store *db.DB, sched *scheduler.Scheduler, pool *worktree.Pool,
	plans *plan.Service, recorder *progress.Recorder, publisher events.Publisher,
	expLimit int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		sched:    sched,
		pool:     pool,
		plans:    plans,
		recorder: recorder,
		ws:       NewWSHandler(publisher, logger),
		logger:   logger,
		expLimit: expLimit,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleCancelTask)

	mux.HandleFunc("GET /api/worktrees", s.handleListWorktrees)
	mux.HandleFunc("DELETE /api/worktrees/{id}", s.handleRemoveWorktree)

	mux.HandleFunc("POST /api/plans", s.handleCreatePlan)
	mux.HandleFunc("GET /api/plans", s.handleListPlans)
	mux.HandleFunc("GET /api/plans/{id}", s.handleGetPlan)
	mux.HandleFunc("POST /api/plans/{id}/update", s.handleUpdatePlan)
	mux.HandleFunc("POST /api/plans/{id}/approve", s.handleApprovePlan)

	mux.HandleFunc("GET /api/progress", s.handleListProgress)
	mux.HandleFunc("POST /api/progress", s.handleAddProgress)

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/workers", s.handleWorkers)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	mux.HandleFunc("GET /ws/logs/{id}", s.handleWSLogs)
	mux.HandleFunc("GET /ws/events", s.handleWSEvents)

	return corsMiddleware(mux)
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("api listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down, closing live websocket streams first.
func (s *Server) Stop(ctx context.Context) error {
	s.ws.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func (s *Server) notifyScheduler() {
	if s.sched != nil {
		s.sched.Notify()
	}
}

// --- tasks ---

type taskCreateRequest struct {
	Prompt   string `json:"prompt"`
	Priority int    `json:"priority"`
	Mode     string `json:"mode"`
	Cwd      string `json:"cwd"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	prompt := req.Prompt
	if s.recorder != nil && s.expLimit > 0 {
		experience, err := s.recorder.RelevantExperience(s.expLimit)
		if err != nil {
			s.logger.Warn("experience lookup failed", "error", err)
		} else if experience != "" {
			prompt = fmt.Sprintf("%s\n\n---\n\n%s", experience, prompt)
		}
	}

	id, err := s.store.CreateTask(&db.Task{
		Prompt:   prompt,
		Priority: req.Priority,
		Mode:     req.Mode,
		Cwd:      req.Cwd,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.notifyScheduler()

	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "status": db.StatusQueued})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := db.ListOpts{Status: r.URL.Query().Get("status")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}

	tasks, err := s.store.ListTasks(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*db.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	task, err := s.store.GetTask(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	logs, err := s.store.ListEvents(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []*db.TaskEvent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"task": task, "logs": logs})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	task, err := s.store.GetTask(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	applied, err := s.store.CancelTask(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !applied {
		writeJSON(w, http.StatusConflict, map[string]any{
			"status": task.Status,
			"error":  "can only cancel queued or running tasks",
		})
		return
	}
	s.notifyScheduler()
	writeJSON(w, http.StatusOK, map[string]string{"status": db.StatusCancelled})
}

// --- worktrees ---

func (s *Server) handleListWorktrees(w http.ResponseWriter, r *http.Request) {
	wts, err := s.store.ListWorktrees()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if wts == nil {
		wts = []*db.Worktree{}
	}
	writeJSON(w, http.StatusOK, wts)
}

func (s *Server) handleRemoveWorktree(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid worktree id")
		return
	}
	if err := s.pool.Remove(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": db.WorktreeRemoved})
}

// --- plans ---

type planCreateRequest struct {
	Goal string `json:"goal"`
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req planCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Goal == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}

	groupID, taskID, err := s.plans.Create(req.Goal)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"group_id": groupID,
		"task_id":  taskID,
		"status":   db.PlanPlanning,
	})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	groups, err := s.plans.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if groups == nil {
		groups = []*db.PlanGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid plan id")
		return
	}

	detail, err := s.plans.GetDetail(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if detail == nil {
		writeError(w, http.StatusNotFound, "plan group not found")
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

type planUpdateRequest struct {
	Steps []plan.Step `json:"steps"`
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid plan id")
		return
	}

	var req planUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.plans.UpdateSteps(id, req.Steps); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleApprovePlan(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid plan id")
		return
	}

	taskIDs, err := s.plans.Approve(id)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "approved", "subtask_ids": taskIDs})
}

// --- progress ---

type progressCreateRequest struct {
	TaskID  *int64 `json:"task_id"`
	Summary string `json:"summary"`
	Lessons string `json:"lessons"`
	Tags    string `json:"tags"`
}

func (s *Server) handleListProgress(w http.ResponseWriter, r *http.Request) {
	entries, err := s.recorder.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*db.ProgressEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAddProgress(w http.ResponseWriter, r *http.Request) {
	var req progressCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Summary == "" {
		writeError(w, http.StatusBadRequest, "summary is required")
		return
	}

	if err := s.recorder.Record(req.TaskID, req.Summary, req.Lessons, req.Tags); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- status ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountTasksByStatus()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	wts, err := s.store.ListWorktrees()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	busy := 0
	for _, wt := range wts {
		if wt.Status == db.WorktreeBusy {
			busy++
		}
	}

	var workers []scheduler.Worker
	if s.sched != nil {
		workers = s.sched.Workers()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":           counts,
		"worktrees_total": len(wts),
		"worktrees_busy":  busy,
		"max_concurrent":  len(workers),
		"workers":         workers,
	})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeJSON(w, http.StatusOK, []scheduler.Worker{})
		return
	}
	writeJSON(w, http.StatusOK, s.sched.Workers())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- websockets ---

func (s *Server) handleWSLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	s.ws.Serve(w, r, id)
}

func (s *Server) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	s.ws.Serve(w, r, events.GlobalTaskID)
}
