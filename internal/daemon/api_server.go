package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"kbforge/internal/api"
	"kbforge/internal/config"
	"kbforge/internal/content"
	"kbforge/internal/fanout/wsconn"
	"kbforge/internal/logging"
	"kbforge/internal/phase"
	"kbforge/internal/router"
	"kbforge/internal/services"
	"kbforge/internal/tasks"
)

const maxRequestBody = 8 << 20

type apiServer struct {
	bind    string
	logger  *slog.Logger
	daemon  *Daemon
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.API.Bind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/items", srv.handleIngest)
	mux.HandleFunc("GET /api/items", srv.handleListItems)
	mux.HandleFunc("GET /api/items/{id}", srv.handleGetItem)
	mux.HandleFunc("DELETE /api/items/{id}", srv.handleDeleteItem)
	mux.HandleFunc("POST /api/items/{id}/reprocess", srv.handleReprocess)
	mux.HandleFunc("GET /api/categories", srv.handleCategories)
	mux.HandleFunc("POST /api/tasks", srv.handleEnqueue)
	mux.HandleFunc("GET /api/tasks", srv.handleListTasks)
	mux.HandleFunc("GET /api/tasks/{id}", srv.handleGetTask)
	mux.HandleFunc("GET /api/selectors/{phase}", srv.handleGetSelector)
	mux.HandleFunc("PUT /api/selectors/{phase}", srv.handleSetSelector)
	mux.HandleFunc("GET /api/status", srv.handleStatus)
	mux.HandleFunc("GET /api/fanout/stats", srv.handleFanoutStats)
	if d.deps.Metrics != nil {
		mux.Handle("GET /metrics", d.deps.Metrics.Handler())
	}
	mux.Handle("GET /ws", wsconn.NewHandler(d.deps.Hub, logger))

	srv.handler = authMiddleware(cfg.API.Token, mux)
	return srv
}

// Handler returns the API routes with authentication applied.
func (d *Daemon) Handler() http.Handler { return d.api.handler }

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		s.logger.Info("api server disabled", logging.String(logging.FieldEventType, "api_disabled"))
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func (s *apiServer) address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req api.IngestRequest
	if !s.decode(w, r, &req) {
		return
	}
	item, created, err := s.daemon.Ingest(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, api.IngestResponse{Item: api.FromItem(item), Created: created})
}

func (s *apiServer) handleListItems(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := content.ListFilter{Category: strings.TrimSpace(query.Get("category"))}
	if value := strings.TrimSpace(query.Get("pending")); value != "" {
		p, err := parsePhase(value)
		if err != nil {
			s.writeError(w, err)
			return
		}
		filter.Pending = p
	}
	var err error
	if filter.Limit, err = intParam(query.Get("limit"), 100); err != nil {
		s.writeError(w, err)
		return
	}
	if filter.Offset, err = intParam(query.Get("offset"), 0); err != nil {
		s.writeError(w, err)
		return
	}
	items, err := s.daemon.Items(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ItemListResponse{Items: api.FromItems(items)})
}

func (s *apiServer) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.daemon.Item(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ItemResponse{Item: api.FromItem(item)})
}

func (s *apiServer) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := s.daemon.DeleteItem(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleReprocess(w http.ResponseWriter, r *http.Request) {
	var req api.ReprocessRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := parsePhase(req.Phase)
	if err != nil {
		s.writeError(w, err)
		return
	}
	item, err := s.daemon.Reprocess(r.Context(), r.PathValue("id"), p, req.Cascade)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ItemResponse{Item: api.FromItem(item)})
}

func (s *apiServer) handleCategories(w http.ResponseWriter, r *http.Request) {
	counts, err := s.daemon.Categories(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.CategoryListResponse{Categories: api.FromCategories(counts)})
}

func (s *apiServer) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req api.EnqueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := parsePhase(req.Phase)
	if err != nil {
		s.writeError(w, err)
		return
	}
	taskID, err := s.daemon.Enqueue(r.Context(), tasks.EnqueueRequest{
		Phase:    p,
		ItemID:   strings.TrimSpace(req.ItemID),
		Params:   req.Params,
		Override: req.Override,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.EnqueueResponse{TaskID: taskID})
}

func (s *apiServer) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := tasks.ListFilter{ItemID: strings.TrimSpace(query.Get("item"))}
	if value := strings.TrimSpace(query.Get("status")); value != "" {
		status, ok := tasks.ParseStatus(value)
		if !ok {
			s.writeError(w, services.Wrap(services.ErrValidation, "api", "list tasks", fmt.Sprintf("unknown status %q", value), nil))
			return
		}
		filter.Status = status
	}
	if value := strings.TrimSpace(query.Get("phase")); value != "" {
		p, err := parsePhase(value)
		if err != nil {
			s.writeError(w, err)
			return
		}
		filter.Phase = p
	}
	var err error
	if filter.Limit, err = intParam(query.Get("limit"), 100); err != nil {
		s.writeError(w, err)
		return
	}
	list, err := s.daemon.Tasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.TaskListResponse{Tasks: api.FromTasks(list)})
}

func (s *apiServer) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.daemon.Task(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.TaskResponse{Task: api.FromTask(task)})
}

func (s *apiServer) handleGetSelector(w http.ResponseWriter, r *http.Request) {
	p, err := parsePhase(r.PathValue("phase"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.daemon.Selector(r.Context(), p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleSetSelector(w http.ResponseWriter, r *http.Request) {
	p, err := parsePhase(r.PathValue("phase"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var sel router.Selector
	if !s.decode(w, r, &sel) {
		return
	}
	resp, err := s.daemon.SetSelector(r.Context(), p, sel)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleFanoutStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.daemon.FanoutStats())
}

func parsePhase(value string) (phase.Phase, error) {
	p, err := phase.Parse(value)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "api", "parse phase", "", err)
	}
	return p, nil
}

func intParam(value string, fallback int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, services.Wrap(services.ErrValidation, "api", "parse query", fmt.Sprintf("invalid number %q", value), nil)
	}
	return n, nil
}

func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, services.Wrap(services.ErrValidation, "api", "decode request", "", err))
		return false
	}
	return true
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, err error) {
	status := api.StatusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed", logging.Error(err), logging.Int("status", status))
	}
	s.writeJSON(w, status, api.NewErrorResponse(err))
}
