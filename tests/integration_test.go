// Package integration exercises the wired system end to end over HTTP:
// list ingestion, template registration, task execution, result retrieval,
// and state that must survive a process restart.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/IshaanNene/Dragnet/internal/api"
	"github.com/IshaanNene/Dragnet/internal/automation"
	"github.com/IshaanNene/Dragnet/internal/ingest"
	"github.com/IshaanNene/Dragnet/internal/probe"
	"github.com/IshaanNene/Dragnet/internal/scan"
	"github.com/IshaanNene/Dragnet/internal/storage"
	"github.com/IshaanNene/Dragnet/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

// stack is a fully wired system: storage, automation, executor, ingester,
// and the REST API, served from an httptest listener.
type stack struct {
	store *storage.SQLite
	api   *httptest.Server
}

// newStack builds a stack on dbPath. ":memory:" gives a throwaway database;
// a file path lets a test reopen the same state, standing in for a restart.
func newStack(t *testing.T, dbPath string) *stack {
	t.Helper()

	store, err := storage.NewSQLite(dbPath, testLogger)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	settings := storage.NewSettings(store, testLogger)
	controller := automation.NewController(settings, store, testLogger)

	prober := probe.NewProber(probe.Options{}, testLogger)
	t.Cleanup(func() { prober.Close() })
	scanner := probe.NewLocalScanner(prober, testLogger)

	executor := scan.NewExecutor(store, store, settings, scanner, scan.Options{
		Gate:   controller,
		Events: store,
	}, testLogger)

	ingester := ingest.NewCSVIngester(store, settings, ingest.Options{}, testLogger)

	srv := api.NewServer(api.Options{
		Store:      store,
		Settings:   settings,
		Scans:      executor,
		Automation: controller,
		Ingester:   ingester,
	}, testLogger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &stack{store: store, api: ts}
}

// do issues one API request and decodes the JSON reply into out (when
// non-nil), returning the status code.
func (s *stack) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encoding %s %s body: %v", method, path, err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.api.URL+path, rd)
	if err != nil {
		t.Fatalf("building %s %s: %v", method, path, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s %s reply: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestScanLifecycleOverAPI(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end test")
	}

	// The ranked list download.
	list := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "1,alpha.test\n2,beta.test\n3,gamma.test\n")
	}))
	defer list.Close()

	// The scan target: every file probe answers with a plausible archive.
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Length", "2048")
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	s := newStack(t, ":memory:")

	// Point ingestion at the list and sync the inventory.
	if code := s.do(t, http.MethodPut, "/api/settings", map[string]string{"csv_url": list.URL}, nil); code != http.StatusOK {
		t.Fatalf("put settings: status %d", code)
	}
	if code := s.do(t, http.MethodPost, "/api/domains/sync", nil, nil); code != http.StatusAccepted {
		t.Fatalf("sync: status %d", code)
	}
	waitFor(t, func() bool {
		var stats map[string]int64
		s.do(t, http.MethodGet, "/api/domains/stats", nil, &stats)
		return stats["total"] == 3
	}, "domain list never synced")

	// Register a template whose filter the target satisfies.
	source := target.URL + "/files/{domain}"
	var tmpl types.PathTemplate
	code := s.do(t, http.MethodPost, "/api/templates", map[string]any{
		"name":                  "zip backups",
		"template":              source,
		"expected_content_type": "zip",
		"min_size":              1024,
		"enabled":               true,
	}, &tmpl)
	if code != http.StatusCreated || tmpl.ID == 0 {
		t.Fatalf("create template: status %d, id %d", code, tmpl.ID)
	}

	// Create the task and start it in the same call.
	var task types.ScanTask
	code = s.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"name":         "full sweep",
		"target":       "full",
		"url_template": source,
		"start":        true,
	}, &task)
	if code != http.StatusCreated {
		t.Fatalf("create task: status %d", code)
	}

	taskPath := fmt.Sprintf("/api/tasks/%d", task.ID)
	waitFor(t, func() bool {
		var got types.ScanTask
		s.do(t, http.MethodGet, taskPath, nil, &got)
		return got.Status == types.TaskCompleted
	}, "task never completed")

	var got types.ScanTask
	s.do(t, http.MethodGet, taskPath, nil, &got)
	if got.TotalURLs != 3 || got.ScannedURLs != 3 || got.Hits != 3 || got.Progress != 100 {
		t.Errorf("got totals %d/%d hits %d progress %d, want 3/3 hits 3 progress 100",
			got.ScannedURLs, got.TotalURLs, got.Hits, got.Progress)
	}

	var results []types.ScanResult
	s.do(t, http.MethodGet, taskPath+"/results", nil, &results)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for _, r := range results {
		if r.Status != 200 || r.Size != 2048 || r.ContentType != "application/zip" {
			t.Errorf("result %q: got status %d size %d type %q", r.URL, r.Status, r.Size, r.ContentType)
		}
		if !strings.Contains(r.URL, "/files/"+r.Domain) {
			t.Errorf("result %q not attributed to its domain %q", r.URL, r.Domain)
		}
	}

	var count map[string]int64
	s.do(t, http.MethodGet, fmt.Sprintf("/api/results/count?task_id=%d&status=200", task.ID), nil, &count)
	if count["count"] != 3 {
		t.Errorf("got count %d, want 3", count["count"])
	}

	// The whole inventory is now covered.
	var stats map[string]int64
	s.do(t, http.MethodGet, "/api/domains/stats", nil, &stats)
	if stats["scanned"] != 3 || stats["unscanned"] != 0 {
		t.Errorf("got stats %v, want everything scanned", stats)
	}

	// The lifecycle left an audit trail tied to the task.
	var logs []storage.LogEntry
	s.do(t, http.MethodGet, "/api/logs", nil, &logs)
	if len(logs) == 0 {
		t.Error("no system logs recorded for the scan lifecycle")
	}
	foundScan := false
	for _, l := range logs {
		if l.Category == "scan" && l.TaskID != nil {
			foundScan = true
		}
	}
	if !foundScan {
		t.Error("no scan-category log entry carries a task id")
	}
}

func TestTemplateFilterAppliedOverAPI(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end test")
	}

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "small.test") {
			w.Header().Set("Content-Type", "application/zip")
			w.Header().Set("Content-Length", "10")
		} else {
			w.Header().Set("Content-Type", "application/zip")
			w.Header().Set("Content-Length", "4096")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	s := newStack(t, ":memory:")
	seedInventory(t, s, "big.test", "small.test")

	source := target.URL + "/{domain}"
	code := s.do(t, http.MethodPost, "/api/templates", map[string]any{
		"name":     "sized",
		"template": source,
		"min_size": 1024,
		"enabled":  true,
	}, nil)
	if code != http.StatusCreated {
		t.Fatalf("create template: status %d", code)
	}

	var task types.ScanTask
	if code := s.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"name":         "filtered sweep",
		"url_template": source,
		"start":        true,
	}, &task); code != http.StatusCreated {
		t.Fatalf("create task: status %d", code)
	}

	taskPath := fmt.Sprintf("/api/tasks/%d", task.ID)
	waitFor(t, func() bool {
		var got types.ScanTask
		s.do(t, http.MethodGet, taskPath, nil, &got)
		return got.Status == types.TaskCompleted
	}, "task never completed")

	var got types.ScanTask
	s.do(t, http.MethodGet, taskPath, nil, &got)
	if got.ScannedURLs != 2 || got.Hits != 1 {
		t.Errorf("got scanned %d hits %d, want 2 probes and 1 surviving hit", got.ScannedURLs, got.Hits)
	}

	var results []types.ScanResult
	s.do(t, http.MethodGet, taskPath+"/results", nil, &results)
	if len(results) != 1 || results[0].Domain != "big.test" {
		t.Errorf("got results %+v, want only the big.test hit persisted", results)
	}
}

func TestAutomationPauseSurvivesRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end test")
	}

	dbPath := filepath.Join(t.TempDir(), "dragnet.db")

	s1 := newStack(t, dbPath)
	var st automation.Status
	if code := s1.do(t, http.MethodPost, "/api/automation/toggle", nil, &st); code != http.StatusOK {
		t.Fatalf("toggle: status %d", code)
	}
	if st.Enabled {
		t.Fatal("toggle from the default on-state reported enabled")
	}
	if st.Uptime != "0s" {
		t.Errorf("got uptime %q while paused, want 0s", st.Uptime)
	}
	s1.api.Close()
	s1.store.Close()

	// A new process sees the same switch position and pause timestamp.
	s2 := newStack(t, dbPath)
	s2.do(t, http.MethodGet, "/api/automation", nil, &st)
	if st.Enabled {
		t.Error("pause did not survive the restart")
	}
	if st.LastPausedAt == nil {
		t.Error("pause timestamp lost across restart")
	}

	if code := s2.do(t, http.MethodPost, "/api/automation/toggle", nil, &st); code != http.StatusOK {
		t.Fatalf("toggle after restart: status %d", code)
	}
	if !st.Enabled {
		t.Error("second toggle did not re-enable")
	}
}

func TestStopRunningTaskOverAPI(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping end-to-end test")
	}

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	s := newStack(t, ":memory:")
	names := make([]string, 20)
	for i := range names {
		names[i] = fmt.Sprintf("slow%02d.test", i+1)
	}
	seedInventory(t, s, names...)

	var task types.ScanTask
	if code := s.do(t, http.MethodPost, "/api/tasks", map[string]any{
		"name":         "stoppable sweep",
		"url_template": target.URL + "/{domain}",
		"concurrency":  2,
		"start":        true,
	}, &task); code != http.StatusCreated {
		t.Fatalf("create task: status %d", code)
	}

	taskPath := fmt.Sprintf("/api/tasks/%d", task.ID)
	waitFor(t, func() bool {
		var got types.ScanTask
		s.do(t, http.MethodGet, taskPath, nil, &got)
		return got.Status == types.TaskRunning
	}, "task never started")

	if code := s.do(t, http.MethodPost, taskPath+"/stop", nil, nil); code != http.StatusAccepted {
		t.Fatalf("stop: status %d", code)
	}

	waitFor(t, func() bool {
		var got types.ScanTask
		s.do(t, http.MethodGet, taskPath, nil, &got)
		return got.Status == types.TaskFailed
	}, "stopped task never settled")

	// A second stop finds nothing running.
	if code := s.do(t, http.MethodPost, taskPath+"/stop", nil, nil); code != http.StatusConflict {
		t.Errorf("second stop: status %d, want conflict", code)
	}
}

func seedInventory(t *testing.T, s *stack, names ...string) {
	t.Helper()
	list := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i, n := range names {
			fmt.Fprintf(w, "%d,%s\n", i+1, n)
		}
	}))
	defer list.Close()

	if code := s.do(t, http.MethodPut, "/api/settings", map[string]string{"csv_url": list.URL}, nil); code != http.StatusOK {
		t.Fatalf("put settings: status %d", code)
	}
	if code := s.do(t, http.MethodPost, "/api/domains/sync", nil, nil); code != http.StatusAccepted {
		t.Fatalf("sync: status %d", code)
	}
	waitFor(t, func() bool {
		var stats map[string]int64
		s.do(t, http.MethodGet, "/api/domains/stats", nil, &stats)
		return stats["total"] == int64(len(names))
	}, "inventory never seeded")
}
