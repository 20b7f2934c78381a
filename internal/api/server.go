// Package api exposes the REST control surface: task and template
// management, domain inventory, worker rotation, automation switches,
// results, and previews.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/netutil"

	"github.com/IshaanNene/Dragnet/internal/automation"
	"github.com/IshaanNene/Dragnet/internal/observability"
	"github.com/IshaanNene/Dragnet/internal/preview"
	"github.com/IshaanNene/Dragnet/internal/storage"
	"github.com/IshaanNene/Dragnet/internal/template"
	"github.com/IshaanNene/Dragnet/internal/types"
	"github.com/IshaanNene/Dragnet/internal/worker"
)

// ScanController drives scan task execution.
type ScanController interface {
	ExecuteScan(ctx context.Context, taskID int64, manualStart bool) error
	StopTask(taskID int64) bool
	RunningTasks() []int64
}

// AutomationController is the pause/resume gate for unattended scans.
type AutomationController interface {
	Status(ctx context.Context) automation.Status
	Enabled(ctx context.Context) bool
	SetEnabled(ctx context.Context, enabled bool) error
	Toggle(ctx context.Context) (bool, error)
}

// Ingester pulls the ranked domain list into storage.
type Ingester interface {
	Sync(ctx context.Context) (created, updated int64, err error)
}

// Previewer inspects one hit URL for the operator.
type Previewer interface {
	Preview(ctx context.Context, url string, rules []preview.Rule, render bool) (*preview.Summary, error)
}

// WorkerPool is the live endpoint rotation behind the workers routes.
type WorkerPool interface {
	Snapshot() []worker.Endpoint
	AddEndpoint(ctx context.Context, rawURL string) (worker.Endpoint, error)
	RemoveEndpoint(id string) bool
	Enable(id string) bool
}

// Options wires the server to the rest of the system. Pool, Ingester,
// and Previewer may be nil; their routes answer 503 then.
type Options struct {
	Addr       string
	MaxConns   int
	Version    string
	Store      *storage.SQLite
	Settings   *storage.Settings
	Scans      ScanController
	Automation AutomationController
	Pool       WorkerPool
	Ingester   Ingester
	Previewer  Previewer
	Metrics    *observability.Metrics
}

// Server is the REST API.
type Server struct {
	mux       *http.ServeMux
	srv       *http.Server
	ln        net.Listener
	addr      string
	maxConns  int
	version   string
	store     *storage.SQLite
	settings  *storage.Settings
	scans     ScanController
	auto      AutomationController
	pool      WorkerPool
	ingester  Ingester
	previewer Previewer
	metrics   *observability.Metrics
	logger    *slog.Logger
	startedAt time.Time
}

// NewServer creates the API server. Call Start to begin serving.
func NewServer(opts Options, logger *slog.Logger) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		mux:       http.NewServeMux(),
		addr:      opts.Addr,
		maxConns:  opts.MaxConns,
		version:   opts.Version,
		store:     opts.Store,
		settings:  opts.Settings,
		scans:     opts.Scans,
		auto:      opts.Automation,
		pool:      opts.Pool,
		ingester:  opts.Ingester,
		previewer: opts.Previewer,
		metrics:   opts.Metrics,
		logger:    logger.With("component", "api_server"),
		startedAt: time.Now(),
	}

	s.srv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.registerRoutes()
	return s
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}
	s.ln = ln

	s.logger.Info("API server listening", "addr", ln.Addr().String(), "max_conns", s.maxConns)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the mux, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	// Tasks
	s.mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	s.mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/start", s.handleStartTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/stop", s.handleStopTask)
	s.mux.HandleFunc("GET /api/tasks/{id}/results", s.handleTaskResults)

	// Results
	s.mux.HandleFunc("GET /api/results", s.handleListResults)
	s.mux.HandleFunc("GET /api/results/count", s.handleCountResults)
	s.mux.HandleFunc("GET /api/results/{id}/preview", s.handleResultPreview)
	s.mux.HandleFunc("POST /api/preview", s.handlePreview)

	// Domains
	s.mux.HandleFunc("GET /api/domains", s.handleListDomains)
	s.mux.HandleFunc("GET /api/domains/stats", s.handleDomainStats)
	s.mux.HandleFunc("POST /api/domains/sync", s.handleSyncDomains)

	// Path templates
	s.mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	s.mux.HandleFunc("POST /api/templates", s.handleCreateTemplate)
	s.mux.HandleFunc("GET /api/templates/{id}", s.handleGetTemplate)
	s.mux.HandleFunc("PUT /api/templates/{id}", s.handleUpdateTemplate)
	s.mux.HandleFunc("DELETE /api/templates/{id}", s.handleDeleteTemplate)

	// Workers
	s.mux.HandleFunc("GET /api/workers", s.handleListWorkers)
	s.mux.HandleFunc("POST /api/workers", s.handleAddWorker)
	s.mux.HandleFunc("DELETE /api/workers/{id}", s.handleDeleteWorker)
	s.mux.HandleFunc("POST /api/workers/{id}/enable", s.handleEnableWorker)

	// Automation
	s.mux.HandleFunc("GET /api/automation", s.handleAutomationStatus)
	s.mux.HandleFunc("POST /api/automation/enable", s.handleAutomationEnable)
	s.mux.HandleFunc("POST /api/automation/disable", s.handleAutomationDisable)
	s.mux.HandleFunc("POST /api/automation/toggle", s.handleAutomationToggle)
	s.mux.HandleFunc("GET /api/scheduler", s.handleSchedulerStatus)

	// Settings and logs
	s.mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	s.mux.HandleFunc("PUT /api/settings", s.handlePutSettings)
	s.mux.HandleFunc("GET /api/logs", s.handleLogs)
}

// --- Health and status ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	total, err := s.store.CountDomains(ctx)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	unscanned, err := s.store.CountUnscanned(ctx)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := map[string]any{
		"version": s.version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"domains": map[string]int64{
			"total":     total,
			"unscanned": unscanned,
			"scanned":   total - unscanned,
		},
	}
	if s.auto != nil {
		status["automation"] = s.auto.Status(ctx)
	}
	if s.scans != nil {
		status["running_tasks"] = s.scans.RunningTasks()
	}
	if s.metrics != nil {
		status["metrics"] = s.metrics.Snapshot()
	}

	s.jsonResponse(w, http.StatusOK, status)
}

// --- Tasks ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	tasks, err := s.store.ListTasks(r.Context(), limit, offset)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []types.ScanTask{}
	}
	s.jsonResponse(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Target      string `json:"target"`
		URLTemplate string `json:"url_template"`
		Concurrency int    `json:"concurrency"`
		Start       bool   `json:"start"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if body.Name == "" {
		body.Name = "Manual Scan - " + time.Now().Format(time.RFC3339)
	}
	target := types.TaskTarget(body.Target)
	if target == "" {
		target = types.TargetFull
	}
	if target != types.TargetFull && target != types.TargetIncremental {
		s.jsonError(w, http.StatusBadRequest, "target must be full or incremental")
		return
	}
	if body.Concurrency <= 0 {
		body.Concurrency = s.settings.ScanConcurrency(r.Context())
	}

	task := types.NewScanTask(body.Name, target, body.URLTemplate, body.Concurrency)
	for _, src := range task.Templates() {
		if err := template.ValidateTemplate(src); err != nil {
			s.jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	id, err := s.store.CreateTask(r.Context(), task)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if body.Start {
		s.startTask(id)
	}

	created, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusCreated, created)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, types.ErrTaskNotFound) {
		s.jsonError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	if s.scans == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "scanning not available")
		return
	}

	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, types.ErrTaskNotFound) {
		s.jsonError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if task.Status != types.TaskPending {
		s.jsonError(w, http.StatusConflict, "task is not pending")
		return
	}

	s.startTask(id)
	s.jsonResponse(w, http.StatusAccepted, map[string]any{
		"status":  "started",
		"task_id": id,
	})
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	if s.scans == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "scanning not available")
		return
	}

	if !s.scans.StopTask(id) {
		s.jsonError(w, http.StatusConflict, "task is not running")
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]any{
		"status":  "stopping",
		"task_id": id,
	})
}

func (s *Server) handleTaskResults(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	filter := storage.ResultFilter{
		TaskID: id,
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	results, err := s.store.ListResults(r.Context(), filter)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []types.ScanResult{}
	}
	s.jsonResponse(w, http.StatusOK, results)
}

// startTask launches a manual task run detached from the request, so a
// closed automation gate cannot hold it and a client disconnect cannot
// kill it.
func (s *Server) startTask(id int64) {
	go func() {
		if err := s.scans.ExecuteScan(context.Background(), id, true); err != nil {
			s.logger.Warn("task run failed", "task", id, "error", err)
		}
	}()
}

// --- Results ---

func resultFilter(r *http.Request) storage.ResultFilter {
	filter := storage.ResultFilter{
		TaskID: int64(queryInt(r, "task_id", 0)),
		Domain: r.URL.Query().Get("domain"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		if status, err := strconv.Atoi(raw); err == nil {
			filter.Status = status
			filter.HasStatus = true
		}
	}
	return filter
}

func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.store.ListResults(r.Context(), resultFilter(r))
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []types.ScanResult{}
	}
	s.jsonResponse(w, http.StatusOK, results)
}

func (s *Server) handleCountResults(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.CountResults(r.Context(), resultFilter(r))
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]int64{"count": n})
}

func (s *Server) handleResultPreview(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid result id")
		return
	}
	if s.previewer == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "preview not configured")
		return
	}

	result, err := s.store.GetResult(r.Context(), id)
	if errors.Is(err, types.ErrResultNotFound) {
		s.jsonError(w, http.StatusNotFound, "result not found")
		return
	}
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	render := queryBool(r, "render")
	sum, err := s.previewer.Preview(r.Context(), result.URL, nil, render)
	if err != nil {
		s.jsonError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, sum)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.previewer == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "preview not configured")
		return
	}

	var body struct {
		URL    string         `json:"url"`
		Rules  []preview.Rule `json:"rules"`
		Render bool           `json:"render"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.URL == "" {
		s.jsonError(w, http.StatusBadRequest, "url is required")
		return
	}

	sum, err := s.previewer.Preview(r.Context(), body.URL, body.Rules, body.Render)
	if err != nil {
		s.jsonError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, sum)
}

// --- Domains ---

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	onlyUnscanned := queryBool(r, "unscanned")
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	domains, err := s.store.DomainPage(r.Context(), onlyUnscanned, limit, offset)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if domains == nil {
		domains = []types.Domain{}
	}
	s.jsonResponse(w, http.StatusOK, domains)
}

func (s *Server) handleDomainStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	total, err := s.store.CountDomains(ctx)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	unscanned, err := s.store.CountUnscanned(ctx)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]int64{
		"total":     total,
		"unscanned": unscanned,
		"scanned":   total - unscanned,
	})
}

func (s *Server) handleSyncDomains(w http.ResponseWriter, r *http.Request) {
	if s.ingester == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "ingestion not configured")
		return
	}

	// A full list download outlives any sane request deadline.
	go func() {
		created, updated, err := s.ingester.Sync(context.Background())
		if err != nil {
			s.logger.Error("domain sync failed", "error", err)
			return
		}
		s.logger.Info("domain sync complete", "created", created, "updated", updated)
	}()

	s.jsonResponse(w, http.StatusAccepted, map[string]string{"status": "sync started"})
}

// --- Path templates ---

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	onlyEnabled := queryBool(r, "enabled")
	templates, err := s.store.ListTemplates(r.Context(), onlyEnabled)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if templates == nil {
		templates = []types.PathTemplate{}
	}
	s.jsonResponse(w, http.StatusOK, templates)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl types.PathTemplate
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := tmpl.Validate(); err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := template.ValidateTemplate(tmpl.Template); err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.store.CreateTemplate(r.Context(), &tmpl)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tmpl.ID = id
	s.jsonResponse(w, http.StatusCreated, tmpl)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid template id")
		return
	}

	tmpl, err := s.store.GetTemplate(r.Context(), id)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tmpl == nil {
		s.jsonError(w, http.StatusNotFound, "template not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, tmpl)
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	existing, err := s.store.GetTemplate(r.Context(), id)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing == nil {
		s.jsonError(w, http.StatusNotFound, "template not found")
		return
	}

	var tmpl types.PathTemplate
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	tmpl.ID = id
	if err := tmpl.Validate(); err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := template.ValidateTemplate(tmpl.Template); err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.UpdateTemplate(r.Context(), &tmpl); err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}

	updated, err := s.store.GetTemplate(r.Context(), id)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid template id")
		return
	}
	existing, err := s.store.GetTemplate(r.Context(), id)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existing == nil {
		s.jsonError(w, http.StatusNotFound, "template not found")
		return
	}
	if err := s.store.DeleteTemplate(r.Context(), id); err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Workers ---

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		s.jsonResponse(w, http.StatusOK, []worker.Endpoint{})
		return
	}
	s.jsonResponse(w, http.StatusOK, s.pool.Snapshot())
}

func (s *Server) handleAddWorker(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "worker mode disabled")
		return
	}

	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	ep, err := s.pool.AddEndpoint(r.Context(), body.URL)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.persistWorkerURLs(r.Context())
	s.jsonResponse(w, http.StatusCreated, ep)
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "worker mode disabled")
		return
	}

	id := r.PathValue("id")
	if !s.pool.RemoveEndpoint(id) {
		s.jsonError(w, http.StatusNotFound, "worker not found")
		return
	}
	s.persistWorkerURLs(r.Context())
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleEnableWorker(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "worker mode disabled")
		return
	}

	id := r.PathValue("id")
	if !s.pool.Enable(id) {
		s.jsonError(w, http.StatusNotFound, "worker not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "enabled"})
}

// persistWorkerURLs mirrors the live pool membership into settings so a
// restart rebuilds the same rotation.
func (s *Server) persistWorkerURLs(ctx context.Context) {
	if s.settings == nil {
		return
	}
	snapshot := s.pool.Snapshot()
	urls := make([]string, len(snapshot))
	for i, ep := range snapshot {
		urls[i] = ep.URL
	}
	if err := s.settings.SetWorkerURLs(ctx, urls); err != nil {
		s.logger.Error("persisting worker urls failed", "error", err)
	}
}

// --- Automation ---

func (s *Server) handleAutomationStatus(w http.ResponseWriter, r *http.Request) {
	if s.auto == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "automation not configured")
		return
	}
	s.jsonResponse(w, http.StatusOK, s.auto.Status(r.Context()))
}

func (s *Server) handleAutomationEnable(w http.ResponseWriter, r *http.Request) {
	s.setAutomation(w, r, true)
}

func (s *Server) handleAutomationDisable(w http.ResponseWriter, r *http.Request) {
	s.setAutomation(w, r, false)
}

func (s *Server) handleAutomationToggle(w http.ResponseWriter, r *http.Request) {
	if s.auto == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "automation not configured")
		return
	}
	if _, err := s.auto.Toggle(r.Context()); err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, s.auto.Status(r.Context()))
}

func (s *Server) setAutomation(w http.ResponseWriter, r *http.Request, enabled bool) {
	if s.auto == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "automation not configured")
		return
	}
	if err := s.auto.SetEnabled(r.Context(), enabled); err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, s.auto.Status(r.Context()))
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := map[string]any{
		"incremental_enabled": s.settings.IncrementalEnabled(ctx),
		"rescan_enabled":      s.settings.RescanEnabled(ctx),
	}
	if last, ok := s.settings.Time(ctx, storage.KeyLastIncrementalRun); ok {
		status["last_incremental_run"] = last
	}
	if last, ok := s.settings.Time(ctx, storage.KeyLastRescanRun); ok {
		status["last_rescan_run"] = last
	}
	s.jsonResponse(w, http.StatusOK, status)
}

// --- Settings and logs ---

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.AllSettings(r.Context())
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.jsonError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	for key, value := range body {
		if key == "" {
			s.jsonError(w, http.StatusBadRequest, "empty setting key")
			return
		}
		if err := s.store.SetSetting(r.Context(), key, value); err != nil {
			s.jsonError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	settings, err := s.store.AllSettings(r.Context())
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, settings)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	logs, err := s.store.RecentLogs(r.Context(), limit)
	if err != nil {
		s.jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []storage.LogEntry{}
	}
	s.jsonResponse(w, http.StatusOK, logs)
}

// --- Helpers ---

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) jsonError(w http.ResponseWriter, status int, msg string) {
	s.jsonResponse(w, status, map[string]string{"error": msg})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func queryBool(r *http.Request, name string) bool {
	switch r.URL.Query().Get(name) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
