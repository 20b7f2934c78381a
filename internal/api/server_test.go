package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/IshaanNene/Dragnet/internal/automation"
	"github.com/IshaanNene/Dragnet/internal/observability"
	"github.com/IshaanNene/Dragnet/internal/preview"
	"github.com/IshaanNene/Dragnet/internal/storage"
	"github.com/IshaanNene/Dragnet/internal/types"
	"github.com/IshaanNene/Dragnet/internal/worker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *storage.SQLite {
	t.Helper()
	store, err := storage.NewSQLite(":memory:", testLogger())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// fakeScans records launches and pretends the ids in running are live.
type fakeScans struct {
	mu      sync.Mutex
	manual  []bool
	running map[int64]bool
	ran     chan int64
}

func newFakeScans() *fakeScans {
	return &fakeScans{running: map[int64]bool{}, ran: make(chan int64, 8)}
}

func (f *fakeScans) ExecuteScan(ctx context.Context, taskID int64, manualStart bool) error {
	f.mu.Lock()
	f.manual = append(f.manual, manualStart)
	f.mu.Unlock()
	f.ran <- taskID
	return nil
}

func (f *fakeScans) StopTask(taskID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[taskID] {
		return false
	}
	delete(f.running, taskID)
	return true
}

func (f *fakeScans) RunningTasks() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.running))
	for id := range f.running {
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeScans) markRunning(id int64) {
	f.mu.Lock()
	f.running[id] = true
	f.mu.Unlock()
}

func (f *fakeScans) lastManual() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.manual) == 0 {
		return false
	}
	return f.manual[len(f.manual)-1]
}

type fakeIngester struct{ synced chan struct{} }

func (f *fakeIngester) Sync(ctx context.Context) (int64, int64, error) {
	f.synced <- struct{}{}
	return 10, 2, nil
}

type fakePreviewer struct {
	mu     sync.Mutex
	url    string
	rules  []preview.Rule
	render bool
	err    error
}

func (f *fakePreviewer) Preview(ctx context.Context, url string, rules []preview.Rule, render bool) (*preview.Summary, error) {
	f.mu.Lock()
	f.url, f.rules, f.render = url, rules, render
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &preview.Summary{URL: url, Status: 200, Title: "previewed"}, nil
}

func (f *fakePreviewer) last() (string, int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, len(f.rules), f.render
}

type fakePool struct {
	mu        sync.Mutex
	next      int
	endpoints []worker.Endpoint
}

func (f *fakePool) Snapshot() []worker.Endpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]worker.Endpoint, len(f.endpoints))
	copy(out, f.endpoints)
	return out
}

func (f *fakePool) AddEndpoint(ctx context.Context, rawURL string) (worker.Endpoint, error) {
	if !strings.HasPrefix(rawURL, "https://") {
		return worker.Endpoint{}, fmt.Errorf("worker endpoints must use https, got %q", rawURL)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	ep := worker.Endpoint{ID: fmt.Sprintf("w%d", f.next), URL: rawURL, Healthy: true}
	f.endpoints = append(f.endpoints, ep)
	return ep, nil
}

func (f *fakePool) RemoveEndpoint(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, ep := range f.endpoints {
		if ep.ID == id {
			f.endpoints = append(f.endpoints[:i], f.endpoints[i+1:]...)
			return true
		}
	}
	return false
}

func (f *fakePool) Enable(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, ep := range f.endpoints {
		if ep.ID == id {
			f.endpoints[i].PermanentlyDisabled = false
			f.endpoints[i].Healthy = true
			return true
		}
	}
	return false
}

type testAPI struct {
	srv      *Server
	store    *storage.SQLite
	settings *storage.Settings
	scans    *fakeScans
	pool     *fakePool
	prev     *fakePreviewer
	ingest   *fakeIngester
}

func newTestServer(t *testing.T, mutate ...func(*Options)) *testAPI {
	t.Helper()

	store := testStore(t)
	settings := storage.NewSettings(store, testLogger())
	a := &testAPI{
		store:    store,
		settings: settings,
		scans:    newFakeScans(),
		pool:     &fakePool{},
		prev:     &fakePreviewer{},
		ingest:   &fakeIngester{synced: make(chan struct{}, 1)},
	}

	opts := Options{
		Addr:       "127.0.0.1:0",
		Version:    "test",
		Store:      store,
		Settings:   settings,
		Scans:      a.scans,
		Automation: automation.NewController(settings, store, testLogger()),
		Pool:       a.pool,
		Ingester:   a.ingest,
		Previewer:  a.prev,
		Metrics:    observability.NewMetrics(testLogger()),
	}
	for _, m := range mutate {
		m(&opts)
	}

	a.srv = NewServer(opts, testLogger())
	return a
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding request body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	a.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func seedTask(t *testing.T, store *storage.SQLite, name string) int64 {
	t.Helper()
	task := types.NewScanTask(name, types.TargetFull, "https://{domain}/backup.zip", 4)
	id, err := store.CreateTask(context.Background(), task)
	if err != nil {
		t.Fatalf("seeding task: %v", err)
	}
	return id
}

func seedDomains(t *testing.T, store *storage.SQLite, names ...string) {
	t.Helper()
	seeds := make([]storage.DomainSeed, len(names))
	for i, name := range names {
		seeds[i] = storage.DomainSeed{Name: name, Rank: i + 1}
	}
	if _, _, err := store.UpsertDomains(context.Background(), seeds); err != nil {
		t.Fatalf("seeding domains: %v", err)
	}
}

// --- Health and Status Tests ---

func TestHealthEndpoint(t *testing.T) {
	a := newTestServer(t)

	rec := a.do(t, "GET", "/api/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
	if cors := rec.Header().Get("Access-Control-Allow-Origin"); cors != "*" {
		t.Errorf("expected CORS header, got %q", cors)
	}

	var got map[string]string
	decode(t, rec, &got)
	if got["status"] != "ok" {
		t.Errorf("expected status ok, got %q", got["status"])
	}
	if got["version"] != "test" {
		t.Errorf("expected version test, got %q", got["version"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	a := newTestServer(t)
	seedDomains(t, a.store, "a.com", "b.com", "c.com")
	if err := a.store.MarkDomainsScanned(context.Background(), []string{"a.com"}); err != nil {
		t.Fatalf("marking scanned: %v", err)
	}
	a.scans.markRunning(7)

	rec := a.do(t, "GET", "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var got struct {
		Version string `json:"version"`
		Uptime  string `json:"uptime"`
		Domains struct {
			Total     int64 `json:"total"`
			Unscanned int64 `json:"unscanned"`
			Scanned   int64 `json:"scanned"`
		} `json:"domains"`
		Automation   automation.Status `json:"automation"`
		RunningTasks []int64           `json:"running_tasks"`
		Metrics      map[string]int64  `json:"metrics"`
	}
	decode(t, rec, &got)

	if got.Domains.Total != 3 || got.Domains.Unscanned != 2 || got.Domains.Scanned != 1 {
		t.Errorf("unexpected domain stats: %+v", got.Domains)
	}
	if !got.Automation.Enabled {
		t.Error("expected automation enabled by default")
	}
	if len(got.RunningTasks) != 1 || got.RunningTasks[0] != 7 {
		t.Errorf("expected running task 7, got %v", got.RunningTasks)
	}
	if got.Metrics == nil {
		t.Error("expected metrics snapshot in status")
	}
	if got.Uptime == "" {
		t.Error("expected uptime in status")
	}
}

// --- Task Tests ---

func TestCreateTask(t *testing.T) {
	a := newTestServer(t)

	rec := a.do(t, "POST", "/api/tasks", map[string]any{
		"name":         "Backup Sweep",
		"url_template": "https://{domain}/backup.zip,https://{domain}/{sld}.sql",
		"concurrency":  10,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var task types.ScanTask
	decode(t, rec, &task)
	if task.ID == 0 {
		t.Error("expected assigned task id")
	}
	if task.Status != types.TaskPending {
		t.Errorf("expected pending, got %q", task.Status)
	}
	if task.Target != types.TargetFull {
		t.Errorf("expected full target by default, got %q", task.Target)
	}
	if task.Concurrency != 10 {
		t.Errorf("expected concurrency 10, got %d", task.Concurrency)
	}
}

func TestCreateTaskDefaults(t *testing.T) {
	a := newTestServer(t)

	rec := a.do(t, "POST", "/api/tasks", map[string]any{})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var task types.ScanTask
	decode(t, rec, &task)
	if !strings.HasPrefix(task.Name, "Manual Scan - ") {
		t.Errorf("expected generated name, got %q", task.Name)
	}
	if task.Concurrency != 1 {
		t.Errorf("expected clamped concurrency 1, got %d", task.Concurrency)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	a := newTestServer(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"bad target", map[string]any{"target": "weekly"}},
		{"bad template", map[string]any{"url_template": "https://{domain}/{bogus}"}},
	}
	for _, tc := range cases {
		rec := a.do(t, "POST", "/api/tasks", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tc.name, rec.Code)
		}
	}
}

func TestCreateTaskRejectsBadJSON(t *testing.T) {
	a := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/tasks", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	a.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateTaskCanStartImmediately(t *testing.T) {
	a := newTestServer(t)

	rec := a.do(t, "POST", "/api/tasks", map[string]any{"name": "Eager", "start": true})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var task types.ScanTask
	decode(t, rec, &task)

	select {
	case id := <-a.scans.ran:
		if id != task.ID {
			t.Errorf("expected task %d to start, got %d", task.ID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}
	if !a.scans.lastManual() {
		t.Error("expected API-created runs to bypass the automation gate")
	}
}

func TestGetTaskEndpoint(t *testing.T) {
	a := newTestServer(t)
	id := seedTask(t, a.store, "Lookup Me")

	rec := a.do(t, "GET", fmt.Sprintf("/api/tasks/%d", id), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var task types.ScanTask
	decode(t, rec, &task)
	if task.Name != "Lookup Me" {
		t.Errorf("expected Lookup Me, got %q", task.Name)
	}

	if rec := a.do(t, "GET", "/api/tasks/999", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing task, got %d", rec.Code)
	}
	if rec := a.do(t, "GET", "/api/tasks/abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", rec.Code)
	}
}

func TestListTasksEmptyIsArray(t *testing.T) {
	a := newTestServer(t)

	rec := a.do(t, "GET", "/api/tasks", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("expected empty array, got %q", body)
	}
}

func TestListTasksNewestFirst(t *testing.T) {
	a := newTestServer(t)
	seedTask(t, a.store, "first")
	seedTask(t, a.store, "second")

	rec := a.do(t, "GET", "/api/tasks", nil)
	var tasks []types.ScanTask
	decode(t, rec, &tasks)
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].Name != "second" {
		t.Errorf("expected newest first, got %q", tasks[0].Name)
	}
}

func TestStartTaskEndpoint(t *testing.T) {
	a := newTestServer(t)
	id := seedTask(t, a.store, "Startable")

	rec := a.do(t, "POST", fmt.Sprintf("/api/tasks/%d/start", id), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	select {
	case got := <-a.scans.ran:
		if got != id {
			t.Errorf("expected task %d, got %d", id, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	if err := a.store.MarkTaskRunning(context.Background(), id); err != nil {
		t.Fatalf("marking running: %v", err)
	}
	if rec := a.do(t, "POST", fmt.Sprintf("/api/tasks/%d/start", id), nil); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for non-pending task, got %d", rec.Code)
	}
}

func TestStartTaskMissing(t *testing.T) {
	a := newTestServer(t)

	rec := a.do(t, "POST", "/api/tasks/999/start", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStopTaskEndpoint(t *testing.T) {
	a := newTestServer(t)
	a.scans.markRunning(5)

	rec := a.do(t, "POST", "/api/tasks/5/stop", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if rec := a.do(t, "POST", "/api/tasks/5/stop", nil); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for already stopped task, got %d", rec.Code)
	}
}

// --- Result Tests ---

func seedResults(t *testing.T, store *storage.SQLite) {
	t.Helper()
	seedTask(t, store, "Seed Task One") // id 1, referenced by the rows below
	seedTask(t, store, "Seed Task Two") // id 2
	err := store.AppendResults(context.Background(), []types.ScanResult{
		{TaskID: 1, Domain: "a.com", URL: "https://a.com/backup.zip", Status: 200, ContentType: "application/zip", Size: 1024, ScannedAt: time.Now().UTC()},
		{TaskID: 1, Domain: "b.com", URL: "https://b.com/backup.zip", Status: 404, ScannedAt: time.Now().UTC()},
		{TaskID: 2, Domain: "a.com", URL: "https://a.com/a.sql", Status: 200, ContentType: "application/sql", Size: 2048, ScannedAt: time.Now().UTC()},
		{TaskID: 2, Domain: "c.com", URL: "https://c.com/backup.zip", Status: 500, ScannedAt: time.Now().UTC()},
	})
	if err != nil {
		t.Fatalf("seeding results: %v", err)
	}
}

func TestListResultsFilters(t *testing.T) {
	a := newTestServer(t)
	seedResults(t, a.store)

	cases := []struct {
		query string
		want  int
	}{
		{"", 4},
		{"?task_id=1", 2},
		{"?domain=a.com", 2},
		{"?status=200", 2},
		{"?task_id=2&status=200", 1},
		{"?limit=1", 1},
	}
	for _, tc := range cases {
		rec := a.do(t, "GET", "/api/results"+tc.query, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%q: expected 200, got %d", tc.query, rec.Code)
			continue
		}
		var results []types.ScanResult
		decode(t, rec, &results)
		if len(results) != tc.want {
			t.Errorf("%q: expected %d results, got %d", tc.query, tc.want, len(results))
		}
	}
}

func TestCountResultsEndpoint(t *testing.T) {
	a := newTestServer(t)
	seedResults(t, a.store)

	rec := a.do(t, "GET", "/api/results/count?status=200", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got map[string]int64
	decode(t, rec, &got)
	if got["count"] != 2 {
		t.Errorf("expected count 2, got %d", got["count"])
	}
}

func TestTaskResultsEndpoint(t *testing.T) {
	a := newTestServer(t)
	seedResults(t, a.store)

	rec := a.do(t, "GET", "/api/tasks/1/results", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var results []types.ScanResult
	decode(t, rec, &results)
	if len(results) != 2 {
		t.Fatalf("expected 2 results for task 1, got %d", len(results))
	}
	for _, res := range results {
		if res.TaskID != 1 {
			t.Errorf("expected only task 1 results, got task %d", res.TaskID)
		}
	}
}

func TestResultPreviewEndpoint(t *testing.T) {
	a := newTestServer(t)
	seedResults(t, a.store)

	var results []types.ScanResult
	decode(t, a.do(t, "GET", "/api/results?domain=b.com", nil), &results)
	if len(results) != 1 {
		t.Fatalf("expected 1 seeded result, got %d", len(results))
	}

	rec := a.do(t, "GET", fmt.Sprintf("/api/results/%d/preview?render=1", results[0].ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	url, _, render := a.prev.last()
	if url != "https://b.com/backup.zip" {
		t.Errorf("expected preview of stored URL, got %q", url)
	}
	if !render {
		t.Error("expected render flag to pass through")
	}

	if rec := a.do(t, "GET", "/api/results/999/preview", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing result, got %d", rec.Code)
	}
}

func TestPreviewEndpoint(t *testing.T) {
	a := newTestServer(t)

	rec := a.do(t, "POST", "/api/preview", map[string]any{
		"url": "https://example.com/backup.zip",
		"rules": []map[string]string{
			{"name": "heading", "type": "css", "selector": "h1"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var sum preview.Summary
	decode(t, rec, &sum)
	if sum.Title != "previewed" {
		t.Errorf("expected fake summary, got %+v", sum)
	}
	url, rules, render := a.prev.last()
	if url != "https://example.com/backup.zip" || rules != 1 || render {
		t.Errorf("unexpected preview call: url=%q rules=%d render=%v", url, rules, render)
	}

	if rec := a.do(t, "POST", "/api/preview", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without url, got %d", rec.Code)
	}
}

func TestPreviewErrorsMapToBadGateway(t *testing.T) {
	a := newTestServer(t)
	a.prev.err = fmt.Errorf("connection refused")

	rec := a.do(t, "POST", "/api/preview", map[string]any{"url": "https://down.example.com"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestPreviewWithoutPreviewer(t *testing.T) {
	a := newTestServer(t, func(o *Options) { o.Previewer = nil })

	if rec := a.do(t, "POST", "/api/preview", map[string]any{"url": "https://x.com"}); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	if rec := a.do(t, "GET", "/api/results/1/preview", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

// --- Domain Tests ---

func TestListDomainsEndpoint(t *testing.T) {
	a := newTestServer(t)
	seedDomains(t, a.store, "a.com", "b.com", "c.com")
	if err := a.store.MarkDomainsScanned(context.Background(), []string{"a.com"}); err != nil {
		t.Fatalf("marking scanned: %v", err)
	}

	rec := a.do(t, "GET", "/api/domains?unscanned=1", nil)
	var domains []types.Domain
	decode(t, rec, &domains)
	if len(domains) != 2 {
		t.Fatalf("expected 2 unscanned domains, got %d", len(domains))
	}
	if domains[0].Name != "b.com" {
		t.Errorf("expected rank order, got %q first", domains[0].Name)
	}

	rec = a.do(t, "GET", "/api/domains?limit=1", nil)
	decode(t, rec, &domains)
	if len(domains) != 1 || domains[0].Name != "a.com" {
		t.Errorf("expected top-ranked domain only, got %v", domains)
	}
}

func TestDomainStatsEndpoint(t *testing.T) {
	a := newTestServer(t)
	seedDomains(t, a.store, "a.com", "b.com", "c.com")
	if err := a.store.MarkDomainsScanned(context.Background(), []string{"c.com"}); err != nil {
		t.Fatalf("marking scanned: %v", err)
	}

	rec := a.do(t, "GET", "/api/domains/stats", nil)
	var got map[string]int64
	decode(t, rec, &got)
	if got["total"] != 3 || got["unscanned"] != 2 || got["scanned"] != 1 {
		t.Errorf("unexpected stats: %v", got)
	}
}

func TestSyncDomainsEndpoint(t *testing.T) {
	a := newTestServer(t)

	rec := a.do(t, "POST", "/api/domains/sync", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	select {
	case <-a.ingest.synced:
	case <-time.After(2 * time.Second):
		t.Fatal("sync never ran")
	}
}

func TestSyncDomainsWithoutIngester(t *testing.T) {
	a := newTestServer(t, func(o *Options) { o.Ingester = nil })

	rec := a.do(t, "POST", "/api/domains/sync", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

// --- Template Tests ---

func TestTemplateCRUD(t *testing.T) {
	a := newTestServer(t)

	rec := a.do(t, "POST", "/api/templates", map[string]any{
		"name":     "Backup archives",
		"template": "https://{domain}/backup.zip",
		"enabled":  true,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created types.PathTemplate
	decode(t, rec, &created)
	if created.ID == 0 {
		t.Fatal("expected assigned template id")
	}

	var list []types.PathTemplate
	decode(t, a.do(t, "GET", "/api/templates", nil), &list)
	if len(list) != 1 {
		t.Fatalf("expected 1 template, got %d", len(list))
	}

	rec = a.do(t, "PUT", fmt.Sprintf("/api/templates/%d", created.ID), map[string]any{
		"name":     "Backup archives (renamed)",
		"template": "https://{domain}/backup.tar.gz",
		"enabled":  false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var updated types.PathTemplate
	decode(t, rec, &updated)
	if updated.Template != "https://{domain}/backup.tar.gz" || updated.Enabled {
		t.Errorf("update not applied: %+v", updated)
	}

	rec = a.do(t, "DELETE", fmt.Sprintf("/api/templates/%d", created.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := a.do(t, "GET", fmt.Sprintf("/api/templates/%d", created.ID), nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestCreateTemplateValidation(t *testing.T) {
	a := newTestServer(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"empty template", map[string]any{"name": "x", "template": ""}},
		{"unknown placeholder", map[string]any{"name": "x", "template": "https://{domain}/{bogus}"}},
		{"negative min size", map[string]any{"name": "x", "template": "https://{domain}/a.zip", "min_size": -5}},
	}
	for _, tc := range cases {
		rec := a.do(t, "POST", "/api/templates", tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tc.name, rec.Code)
		}
	}
}

func TestTemplateMissingRows(t *testing.T) {
	a := newTestServer(t)

	body := map[string]any{"name": "x", "template": "https://{domain}/a.zip"}
	if rec := a.do(t, "PUT", "/api/templates/999", body); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on update, got %d", rec.Code)
	}
	if rec := a.do(t, "DELETE", "/api/templates/999", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on delete, got %d", rec.Code)
	}
}

// --- Worker Tests ---

func TestListWorkersWithoutPool(t *testing.T) {
	a := newTestServer(t, func(o *Options) { o.Pool = nil })

	rec := a.do(t, "GET", "/api/workers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("expected empty array, got %q", body)
	}
}

func TestWorkerMutationsWithoutPool(t *testing.T) {
	a := newTestServer(t, func(o *Options) { o.Pool = nil })

	if rec := a.do(t, "POST", "/api/workers", map[string]any{"url": "https://w.example.com"}); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("add: expected 503, got %d", rec.Code)
	}
	if rec := a.do(t, "DELETE", "/api/workers/w1", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("remove: expected 503, got %d", rec.Code)
	}
}

func TestAddWorkerEndpoint(t *testing.T) {
	a := newTestServer(t)

	rec := a.do(t, "POST", "/api/workers", map[string]any{"url": "https://scan-worker-1.example.dev"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var ep worker.Endpoint
	decode(t, rec, &ep)
	if ep.ID == "" || ep.URL != "https://scan-worker-1.example.dev" {
		t.Errorf("unexpected endpoint: %+v", ep)
	}

	urls := a.settings.WorkerURLs(context.Background())
	if len(urls) != 1 || urls[0] != "https://scan-worker-1.example.dev" {
		t.Errorf("expected persisted worker url, got %v", urls)
	}
}

func TestAddWorkerRejectsPlainHTTP(t *testing.T) {
	a := newTestServer(t)

	rec := a.do(t, "POST", "/api/workers", map[string]any{"url": "http://insecure.example.dev"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestRemoveWorkerEndpoint(t *testing.T) {
	a := newTestServer(t)
	a.do(t, "POST", "/api/workers", map[string]any{"url": "https://w1.example.dev"})

	rec := a.do(t, "DELETE", "/api/workers/w1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if urls := a.settings.WorkerURLs(context.Background()); len(urls) != 0 {
		t.Errorf("expected no persisted urls after removal, got %v", urls)
	}

	if rec := a.do(t, "DELETE", "/api/workers/w1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown worker, got %d", rec.Code)
	}
}

func TestEnableWorkerEndpoint(t *testing.T) {
	a := newTestServer(t)
	a.do(t, "POST", "/api/workers", map[string]any{"url": "https://w1.example.dev"})

	if rec := a.do(t, "POST", "/api/workers/w1/enable", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := a.do(t, "POST", "/api/workers/nope/enable", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

// --- Automation Tests ---

func TestAutomationEndpoints(t *testing.T) {
	a := newTestServer(t)

	var status automation.Status
	decode(t, a.do(t, "GET", "/api/automation", nil), &status)
	if !status.Enabled {
		t.Fatal("expected automation enabled by default")
	}

	decode(t, a.do(t, "POST", "/api/automation/disable", nil), &status)
	if status.Enabled {
		t.Error("expected automation disabled")
	}
	if status.LastPausedAt == nil {
		t.Error("expected pause timestamp after disable")
	}

	decode(t, a.do(t, "POST", "/api/automation/enable", nil), &status)
	if !status.Enabled {
		t.Error("expected automation re-enabled")
	}

	decode(t, a.do(t, "POST", "/api/automation/toggle", nil), &status)
	if status.Enabled {
		t.Error("expected toggle to disable")
	}
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	a := newTestServer(t)
	ctx := context.Background()

	rec := a.do(t, "GET", "/api/scheduler", nil)
	var got map[string]any
	decode(t, rec, &got)
	if got["incremental_enabled"] != true {
		t.Errorf("expected incremental enabled by default, got %v", got["incremental_enabled"])
	}
	if got["rescan_enabled"] != false {
		t.Errorf("expected rescan disabled by default, got %v", got["rescan_enabled"])
	}
	if _, ok := got["last_incremental_run"]; ok {
		t.Error("expected no last run before first scan")
	}

	if err := a.settings.SetTime(ctx, storage.KeyLastIncrementalRun, time.Now().UTC()); err != nil {
		t.Fatalf("setting last run: %v", err)
	}
	decode(t, a.do(t, "GET", "/api/scheduler", nil), &got)
	if _, ok := got["last_incremental_run"]; !ok {
		t.Error("expected last incremental run timestamp")
	}
}

// --- Settings and Log Tests ---

func TestSettingsEndpoints(t *testing.T) {
	a := newTestServer(t)

	rec := a.do(t, "PUT", "/api/settings", map[string]string{
		"max_concurrency": "32",
		"csv_url":         "https://lists.example.dev/top-1m.csv",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got map[string]string
	decode(t, rec, &got)
	if got["max_concurrency"] != "32" {
		t.Errorf("expected persisted setting in response, got %v", got)
	}

	decode(t, a.do(t, "GET", "/api/settings", nil), &got)
	if got["csv_url"] != "https://lists.example.dev/top-1m.csv" {
		t.Errorf("expected setting to round-trip, got %v", got)
	}
}

func TestPutSettingsRejectsEmptyKey(t *testing.T) {
	a := newTestServer(t)

	rec := a.do(t, "PUT", "/api/settings", map[string]string{"": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestLogsEndpoint(t *testing.T) {
	a := newTestServer(t)
	ctx := context.Background()
	if err := a.store.AppendLog(ctx, storage.LogEntry{Level: "info", Category: "scheduler", Message: "first"}); err != nil {
		t.Fatalf("appending log: %v", err)
	}
	if err := a.store.AppendLog(ctx, storage.LogEntry{Level: "warn", Category: "scheduler", Message: "second"}); err != nil {
		t.Fatalf("appending log: %v", err)
	}

	rec := a.do(t, "GET", "/api/logs?limit=1", nil)
	var logs []storage.LogEntry
	decode(t, rec, &logs)
	if len(logs) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(logs))
	}
	if logs[0].Message != "second" {
		t.Errorf("expected newest entry first, got %q", logs[0].Message)
	}
}

// --- Lifecycle Tests ---

func TestServerStartAndShutdown(t *testing.T) {
	a := newTestServer(t, func(o *Options) { o.MaxConns = 4 })

	if err := a.srv.Start(); err != nil {
		t.Fatalf("starting server: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + a.srv.Addr() + "/api/health")
	if err != nil {
		t.Fatalf("requesting health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
