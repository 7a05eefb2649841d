package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"devicehub/internal/coordinator"
	"devicehub/internal/device"
	"devicehub/internal/diagnostics"
	"devicehub/internal/entry"
	"devicehub/internal/flow"
	"devicehub/internal/integration"
	"devicehub/internal/platform"
)

// Server exposes config entries, flows, diagnostics and metrics over HTTP.
type Server struct {
	entries     *entry.Store
	integration *integration.Manager
	flows       *flow.Manager
	registry    *prometheus.Registry
	logger      *zap.Logger
	router      chi.Router
	server      *http.Server
}

// NewServer creates a new API server. registry may be nil to disable /metrics.
func NewServer(entries *entry.Store, integ *integration.Manager, flows *flow.Manager, registry *prometheus.Registry, logger *zap.Logger, port int) *Server {
	s := &Server{
		entries:     entries,
		integration: integ,
		flows:       flows,
		registry:    registry,
		logger:      logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/", s.handleSitemap)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/entries", func(r chi.Router) {
		r.Get("/", s.handleListEntries)
		r.Route("/{entryID}", func(r chi.Router) {
			r.Get("/", s.handleGetEntry)
			r.Delete("/", s.handleDeleteEntry)
			r.Post("/refresh", s.handleRefresh)
			r.Get("/diagnostics", s.handleDiagnostics)
			r.Post("/entities/{uniqueID}/command", s.handleCommand)
		})
	})

	r.Route("/api/flows", func(r chi.Router) {
		r.Get("/", s.handleListFlows)
		r.Post("/", s.handleStartFlow)
		r.Post("/{flowID}", s.handleConfigureFlow)
		r.Delete("/{flowID}", s.handleAbortFlow)
	})

	s.router = r
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// CoordinatorView is the JSON form of a coordinator snapshot.
type CoordinatorView struct {
	Data              device.Data  `json:"data"`
	LastUpdateSuccess bool         `json:"last_update_success"`
	LastUpdateTime    *time.Time   `json:"last_update_time"`
	AuthFailed        bool         `json:"auth_failed"`
	LastError         string       `json:"last_error,omitempty"`
	IntervalSeconds   float64      `json:"update_interval_seconds"`
	Device            *device.Info `json:"device,omitempty"`
}

// EntityView is the JSON form of a loaded entity.
type EntityView struct {
	UniqueID string               `json:"unique_id"`
	Platform string               `json:"platform"`
	Name     string               `json:"name,omitempty"`
	State    platform.EntityState `json:"state"`
}

// EntryView is the JSON form of a config entry. Credentials are never included.
type EntryView struct {
	EntryID      string           `json:"entry_id"`
	Domain       string           `json:"domain"`
	Title        string           `json:"title"`
	UniqueID     string           `json:"unique_id"`
	Source       string           `json:"source"`
	Host         string           `json:"host"`
	ScanInterval int              `json:"scan_interval"`
	State        entry.State      `json:"state"`
	Coordinator  *CoordinatorView `json:"coordinator,omitempty"`
	Entities     []EntityView     `json:"entities,omitempty"`
}

func (s *Server) entryView(e entry.ConfigEntry, detailed bool) EntryView {
	view := EntryView{
		EntryID:      e.EntryID,
		Domain:       e.Domain,
		Title:        e.Title,
		UniqueID:     e.UniqueID,
		Source:       e.Source,
		Host:         e.Data.Host,
		ScanInterval: int(e.Options.Interval() / time.Second),
		State:        s.integration.State(e.EntryID),
	}

	rt, ok := s.integration.Runtime(e.EntryID)
	if !ok || !detailed {
		return view
	}

	view.Coordinator = coordinatorView(rt.Coordinator)
	for _, ent := range rt.Entities {
		view.Entities = append(view.Entities, EntityView{
			UniqueID: ent.UniqueID(),
			Platform: ent.Platform(),
			Name:     ent.Name(),
			State:    ent.State(),
		})
	}
	return view
}

func coordinatorView(c *coordinator.Coordinator) *CoordinatorView {
	st := c.State()
	view := &CoordinatorView{
		Data:              st.Data,
		LastUpdateSuccess: st.LastUpdateSuccess,
		AuthFailed:        st.AuthFailed,
		IntervalSeconds:   c.Interval().Seconds(),
	}
	if !st.LastUpdateTime.IsZero() {
		t := st.LastUpdateTime
		view.LastUpdateTime = &t
	}
	if st.LastError != nil {
		view.LastError = st.LastError.Error()
	}
	if info, ok := c.DeviceInfo(); ok {
		view.Device = &info
	}
	return view
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	entries := s.entries.All()
	views := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, s.entryView(e, false))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) lookupEntry(w http.ResponseWriter, r *http.Request) (entry.ConfigEntry, bool) {
	e, err := s.entries.Get(chi.URLParam(r, "entryID"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return entry.ConfigEntry{}, false
	}
	return e, true
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupEntry(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.entryView(e, true))
}

func (s *Server) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupEntry(w, r)
	if !ok {
		return
	}
	if err := s.integration.Remove(e.EntryID); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RefreshResponse reports the outcome of a manual refresh.
type RefreshResponse struct {
	Outcome     string           `json:"outcome"`
	Error       string           `json:"error,omitempty"`
	Coordinator *CoordinatorView `json:"coordinator"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupEntry(w, r)
	if !ok {
		return
	}
	rt, ok := s.integration.Runtime(e.EntryID)
	if !ok {
		s.writeError(w, http.StatusConflict, fmt.Errorf("config entry %s is not loaded", e.EntryID))
		return
	}

	res := rt.Coordinator.RefreshNow(r.Context())
	resp := RefreshResponse{
		Outcome:     res.Outcome.String(),
		Coordinator: coordinatorView(rt.Coordinator),
	}
	status := http.StatusOK
	if res.Err != nil {
		resp.Error = res.Err.Error()
		status = http.StatusBadGateway
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupEntry(w, r)
	if !ok {
		return
	}

	var c *coordinator.Coordinator
	if rt, loaded := s.integration.Runtime(e.EntryID); loaded {
		c = rt.Coordinator
	}
	s.writeJSON(w, http.StatusOK, diagnostics.ForEntry(e, s.integration.State(e.EntryID), c))
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupEntry(w, r)
	if !ok {
		return
	}
	rt, ok := s.integration.Runtime(e.EntryID)
	if !ok {
		s.writeError(w, http.StatusConflict, fmt.Errorf("config entry %s is not loaded", e.EntryID))
		return
	}

	uid := chi.URLParam(r, "uniqueID")
	ent, ok := rt.Entity(uid)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown entity %s", uid))
		return
	}
	target, ok := ent.(platform.Commandable)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("entity %s does not accept commands", uid))
		return
	}

	var cmd platform.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid command: %w", err))
		return
	}
	cmd.State = strings.ToUpper(cmd.State)

	if err := target.HandleCommand(r.Context(), cmd); err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, EntityView{
		UniqueID: ent.UniqueID(),
		Platform: ent.Platform(),
		Name:     ent.Name(),
		State:    ent.State(),
	})
}

// StartFlowRequest starts a config flow.
type StartFlowRequest struct {
	Source  string `json:"source"`
	EntryID string `json:"entry_id,omitempty"`
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.flows.InProgress())
}

func (s *Server) handleStartFlow(w http.ResponseWriter, r *http.Request) {
	var req StartFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Source == "" {
		req.Source = entry.SourceUser
	}

	res, err := s.flows.Init(r.Context(), req.Source, req.EntryID)
	if err != nil {
		s.writeError(w, flowErrorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleConfigureFlow(w http.ResponseWriter, r *http.Request) {
	input := map[string]interface{}{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
	}

	res, err := s.flows.Configure(r.Context(), chi.URLParam(r, "flowID"), input)
	if err != nil {
		s.writeError(w, flowErrorStatus(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAbortFlow(w http.ResponseWriter, r *http.Request) {
	if err := s.flows.Abort(chi.URLParam(r, "flowID")); err != nil {
		s.writeError(w, flowErrorStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func flowErrorStatus(err error) int {
	switch {
	case errors.Is(err, flow.ErrUnknownFlow), errors.Is(err, entry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, flow.ErrUnknownSource):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady returns 503 until every stored entry is loaded.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.integration.Ready() {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
		return
	}
	s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"status":  "not_ready",
		"entries": s.integration.States(),
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{"/", "GET", "This sitemap"},
	{"/health", "GET", "Liveness check"},
	{"/ready", "GET", "Readiness check, 503 until every config entry is loaded"},
	{"/metrics", "GET", "Prometheus metrics"},
	{"/api/entries", "GET", "List config entries"},
	{"/api/entries/{entry_id}", "GET", "Config entry with coordinator state and entities"},
	{"/api/entries/{entry_id}", "DELETE", "Unload and remove a config entry"},
	{"/api/entries/{entry_id}/refresh", "POST", "Refresh the device now"},
	{"/api/entries/{entry_id}/diagnostics", "GET", "Redacted diagnostics"},
	{"/api/entries/{entry_id}/entities/{unique_id}/command", "POST", "Send a command to an entity"},
	{"/api/flows", "GET", "Flows in progress"},
	{"/api/flows", "POST", "Start a flow: {\"source\": \"user|reauth|options\", \"entry_id\": \"...\"}"},
	{"/api/flows/{flow_id}", "POST", "Submit the current flow step"},
	{"/api/flows/{flow_id}", "DELETE", "Abort a flow"},
}

// handleSitemap lists the endpoints as HTML for browsers and text otherwise.
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<!DOCTYPE html>\n<html>\n<head><title>devicehub API</title></head>\n<body>\n<h1>devicehub API</h1>\n<ul>\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "  <li><code>%s %s</code> %s</li>\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</ul>\n</body>\n</html>\n")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "devicehub API\n=============\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-7s %-52s %s\n", ep.Method, ep.Path, ep.Description)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}
