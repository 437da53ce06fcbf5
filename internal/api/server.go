package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"taskmill/internal/domain"
	"taskmill/internal/queue"
	"taskmill/internal/scheduler"
)

// Server is the optional REST boundary over the engine. Submitters
// only ever learn a task id; outcomes are observed by polling. The
// engine never calls back out through this layer.
type Server struct {
	r     *chi.Mux
	store queue.Store
	sched *scheduler.Service
}

func NewServer(store queue.Store, sched *scheduler.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: store, sched: sched}

	r.Get("/health", s.health)
	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Delete("/api/tasks/{id}", s.cancelTask)
	r.Get("/api/stats", s.stats)
	r.Post("/api/maintenance/clear", s.clearCompleted)

	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Post("/api/schedules/{id}/enable", s.enableSchedule)
	r.Post("/api/schedules/{id}/disable", s.disableSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type submitReq struct {
	Name           string            `json:"name"`
	Handler        string            `json:"handler"`
	Args           json.RawMessage   `json:"args"`
	Priority       string            `json:"priority"`
	MaxRetries     int               `json:"max_retries"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	Metadata       map[string]string `json:"metadata"`
}

type taskResp struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Handler    string            `json:"handler"`
	Priority   string            `json:"priority"`
	Status     string            `json:"status"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	CreatedAt  string            `json:"created_at"`
	UpdatedAt  string            `json:"updated_at"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func toTaskResp(t domain.TaskRecord) taskResp {
	return taskResp{
		ID:         t.ID,
		Name:       t.Name,
		Handler:    t.Invocation.Handler,
		Priority:   t.Priority.String(),
		Status:     string(t.Status),
		RetryCount: t.RetryCount,
		MaxRetries: t.MaxRetries,
		CreatedAt:  t.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:  t.UpdatedAt.Format(time.RFC3339Nano),
		Result:     t.Result,
		Error:      t.Error,
		Metadata:   t.Metadata,
	}
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	prio, ok := domain.ParsePriority(req.Priority)
	if !ok {
		http.Error(w, "unknown priority: "+req.Priority, http.StatusBadRequest)
		return
	}
	rec, err := s.store.Enqueue(r.Context(), queue.NewTask{
		Name:       req.Name,
		Handler:    req.Handler,
		Args:       req.Args,
		Priority:   prio,
		MaxRetries: req.MaxRetries,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
		Metadata:   req.Metadata,
	})
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": rec.ID})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResp(t))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []domain.TaskRecord
		err   error
	)
	if st := r.URL.Query().Get("status"); st != "" {
		tasks, err = s.store.ListByStatus(r.Context(), domain.Status(st))
	} else {
		limit := 50
		if l := r.URL.Query().Get("limit"); l != "" {
			if n, convErr := strconv.Atoi(l); convErr == nil && n > 0 {
				limit = n
			}
		}
		tasks, err = s.store.ListRecent(r.Context(), limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := make([]taskResp, 0, len(tasks))
	for _, t := range tasks {
		resp = append(resp, toTaskResp(t))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	err := s.store.Cancel(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrNotPending):
		http.Error(w, "task already started", http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type clearReq struct {
	OlderThanSeconds int `json:"older_than_seconds"`
}

func (s *Server) clearCompleted(w http.ResponseWriter, r *http.Request) {
	var req clearReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cutoff := time.Now().UTC().Add(-time.Duration(req.OlderThanSeconds) * time.Second)
	n, err := s.store.ClearCompleted(r.Context(), cutoff)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

type createScheduleReq struct {
	Name           string          `json:"name"`
	Kind           string          `json:"kind"`
	EverySeconds   int             `json:"every_seconds"`
	AtHour         int             `json:"at_hour"`
	AtMinute       int             `json:"at_minute"`
	CronExpr       string          `json:"cron_expr"`
	Handler        string          `json:"handler"`
	Args           json.RawMessage `json:"args"`
	Priority       string          `json:"priority"`
	MaxRetries     int             `json:"max_retries"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Enabled        *bool           `json:"enabled"`
}

type scheduleResp struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Kind          string          `json:"kind"`
	EverySeconds  int             `json:"every_seconds,omitempty"`
	AtHour        int             `json:"at_hour"`
	AtMinute      int             `json:"at_minute"`
	CronExpr      string          `json:"cron_expr,omitempty"`
	Handler       string          `json:"handler"`
	Args          json.RawMessage `json:"args,omitempty"`
	Priority      string          `json:"priority"`
	Enabled       bool            `json:"enabled"`
	LastScheduled *string         `json:"last_scheduled,omitempty"`
	NextFire      string          `json:"next_fire"`
}

func toScheduleResp(sc domain.Schedule) scheduleResp {
	resp := scheduleResp{
		ID:           sc.ID,
		Name:         sc.Name,
		Kind:         string(sc.Kind),
		EverySeconds: int(sc.Every.Seconds()),
		AtHour:       sc.AtHour,
		AtMinute:     sc.AtMinute,
		CronExpr:     sc.CronExpr,
		Handler:      sc.Handler,
		Args:         sc.Args,
		Priority:     sc.Priority.String(),
		Enabled:      sc.Enabled,
		NextFire:     sc.NextFire.Format(time.RFC3339),
	}
	if sc.LastScheduled != nil {
		v := sc.LastScheduled.Format(time.RFC3339)
		resp.LastScheduled = &v
	}
	return resp
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	prio, ok := domain.ParsePriority(req.Priority)
	if !ok {
		http.Error(w, "unknown priority: "+req.Priority, http.StatusBadRequest)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sc, err := s.sched.Register(r.Context(), scheduler.NewSchedule{
		Name:       req.Name,
		Kind:       domain.ScheduleKind(req.Kind),
		Every:      time.Duration(req.EverySeconds) * time.Second,
		AtHour:     req.AtHour,
		AtMinute:   req.AtMinute,
		CronExpr:   req.CronExpr,
		Handler:    req.Handler,
		Args:       req.Args,
		Priority:   prio,
		MaxRetries: req.MaxRetries,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
		Enabled:    enabled,
	})
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			http.Error(w, verr.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, toScheduleResp(sc))
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.sched.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := make([]scheduleResp, 0, len(scheds))
	for _, sc := range scheds {
		resp = append(resp, toScheduleResp(sc))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResp(sc))
}

func (s *Server) enableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, true)
}

func (s *Server) disableSchedule(w http.ResponseWriter, r *http.Request) {
	s.setScheduleEnabled(w, r, false)
}

func (s *Server) setScheduleEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	err := s.sched.SetEnabled(r.Context(), chi.URLParam(r, "id"), enabled)
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
