package storage

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/IshaanNene/Dragnet/internal/types"
)

// ResultExporter writes scan results to a local file. Used by the export
// command to pull hits out of the database for downstream tooling.
type ResultExporter interface {
	// Write buffers or streams a batch of results.
	Write(results []types.ScanResult) error

	// Close flushes and releases the output file.
	Close() error

	// Name returns the export format identifier.
	Name() string
}

// --- JSON Export ---

// JSONExport buffers results and writes them as one indented JSON array.
type JSONExport struct {
	path    string
	results []types.ScanResult
	mu      sync.Mutex
	logger  *slog.Logger
}

// NewJSONExport creates a JSON array exporter.
func NewJSONExport(outputPath string, logger *slog.Logger) (*JSONExport, error) {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	return &JSONExport{
		path:    outputPath,
		results: make([]types.ScanResult, 0),
		logger:  logger.With("component", "json_export"),
	}, nil
}

func (e *JSONExport) Name() string { return "json" }

func (e *JSONExport) Write(results []types.ScanResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, results...)
	e.logger.Debug("results buffered", "count", len(results), "total", len(e.results))
	return nil
}

func (e *JSONExport) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, err := os.Create(e.path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(e.results); err != nil {
		return fmt.Errorf("encode JSON: %w", err)
	}

	e.logger.Info("JSON written", "path", e.path, "results", len(e.results))
	return nil
}

// --- JSONL Export ---

// JSONLExport streams results as newline-delimited JSON.
type JSONLExport struct {
	path   string
	file   *os.File
	enc    *json.Encoder
	mu     sync.Mutex
	count  int
	logger *slog.Logger
}

// NewJSONLExport creates a streaming JSONL exporter.
func NewJSONLExport(outputPath string, logger *slog.Logger) (*JSONLExport, error) {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}

	return &JSONLExport{
		path:   outputPath,
		file:   f,
		enc:    json.NewEncoder(f),
		logger: logger.With("component", "jsonl_export"),
	}, nil
}

func (e *JSONLExport) Name() string { return "jsonl" }

func (e *JSONLExport) Write(results []types.ScanResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range results {
		if err := e.enc.Encode(r); err != nil {
			return fmt.Errorf("encode JSONL: %w", err)
		}
		e.count++
	}
	return nil
}

func (e *JSONLExport) Close() error {
	e.logger.Info("JSONL written", "path", e.path, "results", e.count)
	if e.file != nil {
		return e.file.Close()
	}
	return nil
}

// --- CSV Export ---

var csvHeader = []string{"task_id", "domain", "url", "status", "content_type", "size", "scanned_at"}

// CSVExport writes results as CSV rows with a fixed header.
type CSVExport struct {
	path    string
	file    *os.File
	writer  *csv.Writer
	wrote   bool
	mu      sync.Mutex
	count   int
	logger  *slog.Logger
}

// NewCSVExport creates a CSV exporter.
func NewCSVExport(outputPath string, logger *slog.Logger) (*CSVExport, error) {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}

	return &CSVExport{
		path:   outputPath,
		file:   f,
		writer: csv.NewWriter(f),
		logger: logger.With("component", "csv_export"),
	}, nil
}

func (e *CSVExport) Name() string { return "csv" }

func (e *CSVExport) Write(results []types.ScanResult) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.wrote {
		if err := e.writer.Write(csvHeader); err != nil {
			return fmt.Errorf("write CSV header: %w", err)
		}
		e.wrote = true
	}

	for _, r := range results {
		row := []string{
			strconv.FormatInt(r.TaskID, 10),
			r.Domain,
			r.URL,
			strconv.Itoa(r.Status),
			r.ContentType,
			strconv.FormatInt(r.Size, 10),
			r.ScannedAt.Format("2006-01-02T15:04:05Z07:00"),
		}
		if err := e.writer.Write(row); err != nil {
			return fmt.Errorf("write CSV row: %w", err)
		}
		e.count++
	}

	e.writer.Flush()
	return e.writer.Error()
}

func (e *CSVExport) Close() error {
	e.logger.Info("CSV written", "path", e.path, "results", e.count)
	if e.writer != nil {
		e.writer.Flush()
	}
	if e.file != nil {
		return e.file.Close()
	}
	return nil
}

// NewResultExporter creates the exporter matching format.
func NewResultExporter(format, outputPath string, logger *slog.Logger) (ResultExporter, error) {
	switch format {
	case "json":
		return NewJSONExport(outputPath, logger)
	case "jsonl":
		return NewJSONLExport(outputPath, logger)
	case "csv":
		return NewCSVExport(outputPath, logger)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}
