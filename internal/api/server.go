// Package api exposes the definition CRUD surface, execution history, and
// the ad-hoc runner over HTTP. Authentication is left to a fronting layer;
// the owner parameter is trusted as a principal identifier.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskpilot/internal/adhoc"
	"taskpilot/internal/domain"
	"taskpilot/internal/queue"
	"taskpilot/internal/schedule"
	"taskpilot/internal/store"
	"taskpilot/internal/worker"
)

type Server struct {
	r        *chi.Mux
	store    store.Store
	queue    queue.Queue
	registry *worker.Registry
	runner   *adhoc.Runner
}

func NewServer(st store.Store, q queue.Queue, reg *worker.Registry, runner *adhoc.Runner) http.Handler {
	return NewServerWithDebug(st, q, reg, runner, false)
}

func NewServerWithDebug(st store.Store, q queue.Queue, reg *worker.Registry, runner *adhoc.Runner, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st, queue: q, registry: reg, runner: runner}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Post("/api/tasks", s.createTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Put("/api/tasks/{id}", s.updateTask)
	r.Delete("/api/tasks/{id}", s.deleteTask)
	r.Post("/api/tasks/{id}/run", s.runTaskNow)
	r.Get("/api/tasks/{id}/executions", s.listExecutions)

	r.Get("/api/executions/{id}", s.getExecution)
	r.Post("/api/executions/{id}/cancel", s.cancelExecution)

	r.Post("/api/adhoc", s.submitAdHoc)
	r.Get("/api/adhoc/{id}", s.getAdHoc)
	r.Post("/api/adhoc/{id}/cancel", s.cancelAdHoc)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("taskpilot_up 1\ntaskpilot_queue_depth " + strconv.Itoa(s.queue.Len()) + "\n"))
}

type taskRequest struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	TaskType      string         `json:"task_type"`
	Frequency     string         `json:"frequency"`
	ScheduleTime  *string        `json:"schedule_time"`
	ScheduleDays  []int          `json:"schedule_days"`
	CronExpr      string         `json:"cron_expr"`
	IsActive      *bool          `json:"is_active"`
	TaskConfig    map[string]any `json:"task_config"`
	HandlerConfig map[string]any `json:"handler_config"`
	OwnerID       string         `json:"owner_id"`
	IsShared      *bool          `json:"is_shared"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.TaskType == "" {
		http.Error(w, "task_type is required", 400)
		return
	}
	if _, ok := s.registry.Resolve(req.TaskType); !ok {
		http.Error(w, "unknown task_type "+strconv.Quote(req.TaskType), 400)
		return
	}

	def := &domain.TaskDefinition{
		Name:          req.Name,
		Description:   req.Description,
		TaskType:      req.TaskType,
		Frequency:     domain.Frequency(req.Frequency),
		ScheduleDays:  req.ScheduleDays,
		CronExpr:      req.CronExpr,
		IsActive:      true,
		TaskConfig:    req.TaskConfig,
		HandlerConfig: req.HandlerConfig,
		OwnerID:       req.OwnerID,
	}
	if req.IsActive != nil {
		def.IsActive = *req.IsActive
	}
	if req.IsShared != nil {
		def.IsShared = *req.IsShared
	}
	if req.ScheduleTime != nil {
		t, err := domain.ParseTimeOfDay(*req.ScheduleTime)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		def.ScheduleTime = &t
	}
	if err := schedule.Validate(def); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	if next, ok := schedule.Next(def, time.Now()); ok {
		def.NextRun = &next
	}

	id, err := s.store.CreateDefinition(r.Context(), def)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "next_run": def.NextRun})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	defs, err := s.store.ListDefinitions(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, defs)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.GetDefinition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, 200, def)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.GetDefinition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		notFoundOr500(w, err)
		return
	}

	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}

	scheduleChanged := false
	if req.Name != "" {
		def.Name = req.Name
	}
	if req.Description != "" {
		def.Description = req.Description
	}
	if req.TaskType != "" {
		if _, ok := s.registry.Resolve(req.TaskType); !ok {
			http.Error(w, "unknown task_type "+strconv.Quote(req.TaskType), 400)
			return
		}
		def.TaskType = req.TaskType
	}
	if req.Frequency != "" {
		def.Frequency = domain.Frequency(req.Frequency)
		scheduleChanged = true
	}
	if req.ScheduleTime != nil {
		t, err := domain.ParseTimeOfDay(*req.ScheduleTime)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		def.ScheduleTime = &t
		scheduleChanged = true
	}
	if req.ScheduleDays != nil {
		def.ScheduleDays = req.ScheduleDays
		scheduleChanged = true
	}
	if req.CronExpr != "" {
		def.CronExpr = req.CronExpr
		scheduleChanged = true
	}
	if req.TaskConfig != nil {
		def.TaskConfig = req.TaskConfig
	}
	if req.HandlerConfig != nil {
		def.HandlerConfig = req.HandlerConfig
	}
	if req.IsActive != nil {
		def.IsActive = *req.IsActive
		// Deactivating clears next_run below; reactivating recomputes it.
		scheduleChanged = true
	}
	if req.IsShared != nil {
		def.IsShared = *req.IsShared
	}

	if err := schedule.Validate(def); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if scheduleChanged {
		def.NextRun = nil
		if def.IsActive {
			if next, ok := schedule.Next(def, time.Now()); ok {
				def.NextRun = &next
			}
		}
	}

	if err := s.store.UpdateDefinition(r.Context(), def); err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, 200, def)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDefinition(r.Context(), chi.URLParam(r, "id")); err != nil {
		notFoundOr500(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runTaskNow bypasses the sweep and enqueues the definition immediately.
// last_run/next_run are untouched; the regular cadence continues.
func (s *Server) runTaskNow(w http.ResponseWriter, r *http.Request) {
	def, err := s.store.GetDefinition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	if !def.IsActive {
		http.Error(w, "task is inactive", 409)
		return
	}
	if err := s.queue.Enqueue(queue.WorkItem{TaskID: def.ID, EnqueuedAt: time.Now()}); err != nil {
		http.Error(w, err.Error(), 503)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": def.ID, "queued": true})
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetDefinition(r.Context(), id); err != nil {
		notFoundOr500(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	execs, err := s.store.ListExecutions(r.Context(), id, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, execs)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		notFoundOr500(w, err)
		return
	}
	writeJSON(w, 200, exec)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.store.CancelExecution(r.Context(), id, time.Now())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if !ok {
		http.Error(w, "execution is already finished", 409)
		return
	}
	writeJSON(w, 200, map[string]any{"id": id, "status": domain.ExecCancelled})
}

type adhocRequest struct {
	TaskType string         `json:"task_type"`
	Args     map[string]any `json:"args"`
	// MaxRetries distinguishes "absent" (runner default) from an explicit 0.
	MaxRetries *int   `json:"max_retries"`
	RetryDelay string `json:"retry_delay"`
}

// submitAdHoc runs a registered handler once, outside the schedule. The task
// is not persisted and does not survive a restart.
func (s *Server) submitAdHoc(w http.ResponseWriter, r *http.Request) {
	var req adhocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	handler, ok := s.registry.Resolve(req.TaskType)
	if !ok {
		http.Error(w, "unknown task_type "+strconv.Quote(req.TaskType), 400)
		return
	}
	opts := adhoc.Options{MaxRetries: adhoc.UseDefaultRetries}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			http.Error(w, "max_retries must be >= 0", 400)
			return
		}
		opts.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelay != "" {
		d, err := time.ParseDuration(req.RetryDelay)
		if err != nil {
			http.Error(w, "invalid retry_delay: "+err.Error(), 400)
			return
		}
		opts.RetryDelay = d
	}

	// Deliberately not r.Context(): the task must outlive the HTTP request.
	taskType := req.TaskType
	h := s.runner.Submit(context.Background(), func(ctx context.Context, args map[string]any) (map[string]any, error) {
		res, err := handler.Handle(ctx, worker.Request{TaskType: taskType, TaskConfig: args})
		return res, err
	}, req.Args, opts)

	writeJSON(w, http.StatusAccepted, map[string]any{"id": h.ID(), "status": h.Status()})
}

func (s *Server) getAdHoc(w http.ResponseWriter, r *http.Request) {
	h, ok := s.runner.Lookup(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "not found", 404)
		return
	}
	resp := map[string]any{
		"id":          h.ID(),
		"status":      h.Status(),
		"retry_count": h.RetryCount(),
	}
	if result, ok := h.Result(); ok {
		resp["result"] = result
	}
	if err := h.Err(); err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, 200, resp)
}

func (s *Server) cancelAdHoc(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.runner.Cancel(id); err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, map[string]any{"id": id, "cancelled": true})
}

func notFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	http.Error(w, err.Error(), 500)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
