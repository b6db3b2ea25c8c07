// Package api implements the HTTP/JSON control surface: the download
// and account management endpoints, the Server-Sent Events stream,
// and the Prometheus metrics mount.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flasharr/flasharr/internal/account"
	"github.com/flasharr/flasharr/internal/engine"
	"github.com/flasharr/flasharr/internal/events"
	"github.com/flasharr/flasharr/internal/logging"
	"github.com/flasharr/flasharr/internal/metrics"
	"github.com/flasharr/flasharr/internal/taskstore"
)

var log = logging.For("api")

// Server is the chi-routed HTTP control surface in front of an Engine.
type Server struct {
	engine *engine.Engine
	token  string
	router *chi.Mux
}

// New builds a Server. token, if non-empty, is required as a Bearer
// token on every request except GET /metrics.
func New(eng *engine.Engine, token string) *Server {
	s := &Server{engine: eng, token: token, router: chi.NewRouter()}
	s.setupRoutes()
	return s
}

// Handler returns the server's http.Handler, suitable for http.Serve
// or httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/metrics", metrics.Handler().ServeHTTP)

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/downloads", s.handleCreateTask)
		r.Get("/downloads", s.handleListTasks)
		r.Get("/downloads/{id}", s.handleGetTask)
		r.Post("/downloads/{id}/pause", s.handleControl(s.engine.PauseTask))
		r.Post("/downloads/{id}/resume", s.handleControl(s.engine.ResumeTask))
		r.Post("/downloads/{id}/cancel", s.handleControl(s.engine.CancelTask))
		r.Post("/downloads/{id}/retry", s.handleControl(s.engine.RetryTask))
		r.Delete("/downloads/{id}", s.handleDeleteTask)

		r.Get("/stats", s.handleStats)

		r.Post("/accounts", s.handleAddAccount)
		r.Get("/accounts", s.handleListAccounts)
		r.Delete("/accounts/{email}", s.handleRemoveAccount)
		r.Post("/accounts/{email}/refresh", s.handleRefreshAccount)

		r.Get("/events", s.handleEvents)
	})
}

// authMiddleware requires a matching "Authorization: Bearer <token>"
// header whenever a token is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("Authorization")
		if got != "Bearer "+s.token {
			writeError(w, http.StatusUnauthorized, errors.New("invalid or missing bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusForEngineErr(err error) int {
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, account.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNoAccountsConfigured):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

type createTaskRequest struct {
	URL      string `json:"url"`
	DestPath string `json:"dest_path"`
	Category string `json:"category"`
	Priority string `json:"priority"`
}

func parsePriority(s string) taskstore.Priority {
	switch s {
	case "low":
		return taskstore.PriorityLow
	case "high":
		return taskstore.PriorityHigh
	case "urgent":
		return taskstore.PriorityUrgent
	default:
		return taskstore.PriorityNormal
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}

	tasks, err := s.engine.AddTask(r.Context(), req.URL, req.DestPath, req.Category, parsePriority(req.Priority))
	if err != nil {
		writeError(w, statusForEngineErr(err), err)
		return
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"task_ids": ids})
}

// parseListFilter reads state/category/q/order/offset/limit query
// params into the taskstore.Query arguments, per the task listing
// operation's filter/order/page contract.
func parseListFilter(r *http.Request) (taskstore.ListFilter, taskstore.Order, taskstore.Page) {
	q := r.URL.Query()

	var filter taskstore.ListFilter
	if raw := q.Get("state"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.States = append(filter.States, taskstore.State(strings.TrimSpace(s)))
		}
	}
	filter.Category = q.Get("category")
	filter.Query = q.Get("q")

	order := taskstore.Order(q.Get("order"))

	var page taskstore.Page
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		page.Offset = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		page.Limit = v
	}

	return filter, order, page
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter, order, page := parseListFilter(r)
	tasks, total, err := s.engine.QueryTasks(filter, order, page)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]taskstore.Snapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ToSnapshot(0))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": out, "total": total})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.engine.GetTask(id)
	if err != nil {
		writeError(w, statusForEngineErr(err), err)
		return
	}
	writeJSON(w, http.StatusOK, task.ToSnapshot(0))
}

// handleControl adapts a single-argument engine operation into a
// handler, one route per action.
func (s *Server) handleControl(op func(id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := op(id); err != nil {
			writeError(w, statusForEngineErr(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleDeleteTask deletes a task, optionally removing its on-disk
// partial/final file when ?remove_file=true is set.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	removeFile, _ := strconv.ParseBool(r.URL.Query().Get("remove_file"))
	if err := s.engine.DeleteTask(id, removeFile); err != nil {
		writeError(w, statusForEngineErr(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.engine.ListTasks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	counts := map[taskstore.State]int{}
	for _, t := range tasks {
		counts[t.State]++
	}
	accounts, err := s.engine.ListAccounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":    len(tasks),
		"by_state": counts,
		"accounts": accounts,
	})
}

type addAccountRequest struct {
	Email           string `json:"email"`
	Tier            string `json:"tier"`
	Secret          string `json:"secret"`
	DailyQuotaBytes int64  `json:"daily_quota_bytes"`
}

func (s *Server) handleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req addAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tier := account.TierFree
	if req.Tier == "premium" {
		tier = account.TierPremium
	}
	if err := s.engine.AddAccount(r.Context(), req.Email, tier, []byte(req.Secret), req.DailyQuotaBytes); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.engine.ListAccounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleRemoveAccount(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if err := s.engine.RemoveAccount(email); err != nil {
		writeError(w, statusForEngineErr(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshAccount(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if err := s.engine.RefreshAccount(r.Context(), email); err != nil {
		writeError(w, statusForEngineErr(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams the event bus as Server-Sent Events
// (event:/data: lines, blank-line dispatch, ":"-prefixed heartbeats).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.engine.Subscribe()
	defer s.engine.Unsubscribe(sub)

	heartbeat := time.NewTicker(20 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSSE(w, evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE renders one event in the "event: <kind>\ndata: <json>\n\n"
// framing.
func writeSSE(w http.ResponseWriter, evt events.Event) error {
	data, err := json.Marshal(evt.Payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, data)
	return err
}
