package storage

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/IshaanNene/Dragnet/internal/types"
)

func sampleResults() []types.ScanResult {
	scanned := time.Date(2024, 4, 10, 9, 0, 0, 0, time.UTC)
	return []types.ScanResult{
		{TaskID: 1, Domain: "a.com", URL: "https://a.com/backup.zip", Status: 200, ContentType: "application/zip", Size: 2048, ScannedAt: scanned},
		{TaskID: 1, Domain: "b.com", URL: "https://b.com/backup.zip", Status: 404, ScannedAt: scanned},
	}
}

// --- Export Tests ---

func TestJSONExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	exp, err := NewJSONExport(path, testLogger())
	if err != nil {
		t.Fatalf("NewJSONExport: %v", err)
	}

	if err := exp.Write(sampleResults()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var decoded []types.ScanResult
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded) != 2 || decoded[0].URL != "https://a.com/backup.zip" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestJSONLExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.jsonl")
	exp, err := NewJSONLExport(path, testLogger())
	if err != nil {
		t.Fatalf("NewJSONLExport: %v", err)
	}

	exp.Write(sampleResults()[:1])
	exp.Write(sampleResults()[1:])
	if err := exp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var first types.ScanResult
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal line: %v", err)
	}
	if first.Status != 200 || first.Size != 2048 {
		t.Errorf("first = %+v", first)
	}
}

func TestCSVExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	exp, err := NewCSVExport(path, testLogger())
	if err != nil {
		t.Fatalf("NewCSVExport: %v", err)
	}

	if err := exp.Write(sampleResults()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want header + 2", len(rows))
	}
	if rows[0][0] != "task_id" || rows[0][3] != "status" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][1] != "a.com" || rows[1][5] != "2048" {
		t.Errorf("row = %v", rows[1])
	}
}

func TestNewResultExporterUnknownFormat(t *testing.T) {
	_, err := NewResultExporter("parquet", filepath.Join(t.TempDir(), "x"), testLogger())
	if err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
