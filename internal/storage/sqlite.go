package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/IshaanNene/Dragnet/internal/types"
	"github.com/IshaanNene/Dragnet/internal/worker"
)

// markScannedChunk keeps IN clauses under SQLite's bound-variable limit.
const markScannedChunk = 500

const schema = `
CREATE TABLE IF NOT EXISTS domains (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    domain              TEXT NOT NULL UNIQUE,
    rank                INTEGER NOT NULL,
    first_seen_at       DATETIME NOT NULL,
    last_seen_in_csv_at DATETIME NOT NULL,
    has_been_scanned    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_domains_rank ON domains(rank);
CREATE INDEX IF NOT EXISTS idx_domains_scanned ON domains(has_been_scanned);

CREATE TABLE IF NOT EXISTS scan_tasks (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    name         TEXT NOT NULL,
    target       TEXT NOT NULL DEFAULT 'incremental',
    url_template TEXT,
    status       TEXT NOT NULL DEFAULT 'pending',
    progress     INTEGER NOT NULL DEFAULT 0,
    total_urls   INTEGER NOT NULL DEFAULT 0,
    scanned_urls INTEGER NOT NULL DEFAULT 0,
    hits         INTEGER NOT NULL DEFAULT 0,
    concurrency  INTEGER NOT NULL DEFAULT 100,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON scan_tasks(status);

CREATE TABLE IF NOT EXISTS scan_results (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id      INTEGER NOT NULL REFERENCES scan_tasks(id),
    domain       TEXT NOT NULL,
    url          TEXT NOT NULL,
    status       INTEGER NOT NULL,
    content_type TEXT,
    size         INTEGER NOT NULL DEFAULT 0,
    scanned_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_task ON scan_results(task_id);
CREATE INDEX IF NOT EXISTS idx_results_domain ON scan_results(domain);
CREATE INDEX IF NOT EXISTS idx_results_status ON scan_results(status);

CREATE TABLE IF NOT EXISTS path_templates (
    id                    INTEGER PRIMARY KEY AUTOINCREMENT,
    name                  TEXT NOT NULL,
    template              TEXT NOT NULL,
    description           TEXT,
    expected_content_type TEXT,
    exclude_content_type  INTEGER NOT NULL DEFAULT 0,
    min_size              INTEGER NOT NULL DEFAULT 0,
    max_size              INTEGER,
    enabled               INTEGER NOT NULL DEFAULT 1,
    created_at            DATETIME NOT NULL,
    updated_at            DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS workers (
    id             TEXT PRIMARY KEY,
    url            TEXT NOT NULL UNIQUE,
    daily_usage    INTEGER NOT NULL DEFAULT 0,
    daily_quota    INTEGER NOT NULL DEFAULT 100000,
    quota_reset_at DATETIME NOT NULL,
    enabled        INTEGER NOT NULL DEFAULT 1,
    created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS system_logs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp     DATETIME NOT NULL,
    level         TEXT NOT NULL,
    category      TEXT NOT NULL,
    message       TEXT NOT NULL,
    details       TEXT NOT NULL DEFAULT '',
    task_id       INTEGER,
    domain        TEXT NOT NULL DEFAULT '',
    url           TEXT NOT NULL DEFAULT '',
    response_code INTEGER,
    response_time INTEGER,
    created_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON system_logs(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_logs_category ON system_logs(category);
CREATE INDEX IF NOT EXISTS idx_logs_task ON system_logs(task_id);
`

// SQLite is the primary storage backend.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (creating if needed) the database at path and applies the
// schema. Pass ":memory:" for an ephemeral database.
func NewSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, wrapErr("open", err)
	}

	// Serialize writers through one connection; WAL still allows readers.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrapErr("ping", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, wrapErr("migrate", err)
	}

	logger.Info("sqlite storage opened", "path", path)
	return &SQLite{
		db:     db,
		logger: logger.With("component", "sqlite_storage"),
	}, nil
}

func (s *SQLite) Name() string { return "sqlite" }

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &types.StorageError{Backend: "sqlite", Err: fmt.Errorf("%s: %w", op, err)}
}

// --- Domains ---

// UpsertDomains inserts or refreshes ranked domains inside one transaction.
// New rows get both timestamps; known rows keep first_seen_at and their
// scan status, but take the new rank and last-seen time.
func (s *SQLite) UpsertDomains(ctx context.Context, seeds []DomainSeed) (created, updated int64, err error) {
	if len(seeds) == 0 {
		return 0, 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, wrapErr("upsert domains begin", err)
	}
	defer tx.Rollback()

	insert, err := tx.PrepareContext(ctx, `
		INSERT INTO domains (domain, rank, first_seen_at, last_seen_in_csv_at, has_been_scanned)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(domain) DO NOTHING`)
	if err != nil {
		return 0, 0, wrapErr("upsert domains prepare", err)
	}
	defer insert.Close()

	refresh, err := tx.PrepareContext(ctx, `
		UPDATE domains SET rank = ?, last_seen_in_csv_at = ? WHERE domain = ?`)
	if err != nil {
		return 0, 0, wrapErr("upsert domains prepare", err)
	}
	defer refresh.Close()

	now := time.Now().UTC()
	for _, seed := range seeds {
		name := strings.ToLower(strings.TrimSpace(seed.Name))
		if name == "" {
			continue
		}
		res, err := insert.ExecContext(ctx, name, seed.Rank, now, now)
		if err != nil {
			return 0, 0, wrapErr("upsert domains insert", err)
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			created++
			continue
		}
		if _, err := refresh.ExecContext(ctx, seed.Rank, now, name); err != nil {
			return 0, 0, wrapErr("upsert domains refresh", err)
		}
		updated++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, wrapErr("upsert domains commit", err)
	}
	return created, updated, nil
}

func (s *SQLite) CountDomains(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM domains`).Scan(&n)
	return n, wrapErr("count domains", err)
}

func (s *SQLite) CountUnscanned(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM domains WHERE has_been_scanned = 0`).Scan(&n)
	return n, wrapErr("count unscanned", err)
}

// DomainPage returns one rank-ordered page of the inventory.
func (s *SQLite) DomainPage(ctx context.Context, onlyUnscanned bool, limit, offset int) ([]types.Domain, error) {
	query := `SELECT id, domain, rank, first_seen_at, last_seen_in_csv_at, has_been_scanned
		FROM domains`
	if onlyUnscanned {
		query += ` WHERE has_been_scanned = 0`
	}
	query += ` ORDER BY rank ASC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, wrapErr("domain page", err)
	}
	defer rows.Close()

	var out []types.Domain
	for rows.Next() {
		var d types.Domain
		var scanned int
		if err := rows.Scan(&d.ID, &d.Name, &d.Rank, &d.FirstSeenAt, &d.LastSeenInCSVAt, &scanned); err != nil {
			return nil, wrapErr("domain page scan", err)
		}
		d.HasBeenScanned = scanned != 0
		out = append(out, d)
	}
	return out, wrapErr("domain page rows", rows.Err())
}

// MarkDomainsScanned flips the scanned flag for every named domain in one
// transaction, chunking the IN clause.
func (s *SQLite) MarkDomainsScanned(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("mark scanned begin", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(names); start += markScannedChunk {
		end := start + markScannedChunk
		if end > len(names) {
			end = len(names)
		}
		chunk := names[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]
		args := make([]any, len(chunk))
		for i, n := range chunk {
			args[i] = n
		}

		query := fmt.Sprintf(`UPDATE domains SET has_been_scanned = 1 WHERE domain IN (%s)`, placeholders)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return wrapErr("mark scanned update", err)
		}
	}

	return wrapErr("mark scanned commit", tx.Commit())
}

func (s *SQLite) ResetAllScanStatus(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE domains SET has_been_scanned = 0 WHERE has_been_scanned = 1`)
	if err != nil {
		return 0, wrapErr("reset scan status", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- Scan Tasks ---

func (s *SQLite) CreateTask(ctx context.Context, task *types.ScanTask) (int64, error) {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_tasks (name, target, url_template, status, progress, total_urls, scanned_urls, hits, concurrency, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.Name, string(task.Target), task.URLTemplate, string(task.Status),
		task.Progress, task.TotalURLs, task.ScannedURLs, task.Hits, task.Concurrency, task.CreatedAt)
	if err != nil {
		return 0, wrapErr("create task", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapErr("create task id", err)
	}
	task.ID = id
	return id, nil
}

func (s *SQLite) GetTask(ctx context.Context, id int64) (*types.ScanTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, target, url_template, status, progress, total_urls, scanned_urls, hits, concurrency, created_at, started_at, completed_at
		FROM scan_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, types.ErrTaskNotFound
	}
	if err != nil {
		return nil, wrapErr("get task", err)
	}
	return task, nil
}

func (s *SQLite) ListTasks(ctx context.Context, limit, offset int) ([]types.ScanTask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, target, url_template, status, progress, total_urls, scanned_urls, hits, concurrency, created_at, started_at, completed_at
		FROM scan_tasks ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, wrapErr("list tasks", err)
	}
	defer rows.Close()

	var out []types.ScanTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, wrapErr("list tasks scan", err)
		}
		out = append(out, *task)
	}
	return out, wrapErr("list tasks rows", rows.Err())
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*types.ScanTask, error) {
	var task types.ScanTask
	var target, status string
	var urlTemplate sql.NullString
	var started, completed sql.NullTime
	err := row.Scan(&task.ID, &task.Name, &target, &urlTemplate, &status,
		&task.Progress, &task.TotalURLs, &task.ScannedURLs, &task.Hits,
		&task.Concurrency, &task.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	task.Target = types.TaskTarget(target)
	task.Status = types.TaskStatus(status)
	task.URLTemplate = urlTemplate.String
	if started.Valid {
		t := started.Time
		task.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		task.CompletedAt = &t
	}
	return &task, nil
}

// MarkTaskRunning transitions pending to running; any other current state
// returns types.ErrTaskNotPending.
func (s *SQLite) MarkTaskRunning(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
		string(types.TaskRunning), time.Now().UTC(), id, string(types.TaskPending))
	if err != nil {
		return wrapErr("mark running", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return types.ErrTaskNotPending
	}
	return nil
}

func (s *SQLite) SetTaskTotals(ctx context.Context, id, totalURLs int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE scan_tasks SET total_urls = ? WHERE id = ?`, totalURLs, id)
	return wrapErr("set totals", err)
}

func (s *SQLite) UpdateTaskProgress(ctx context.Context, id, scannedURLs, hits int64, progress int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scan_tasks SET scanned_urls = ?, hits = ?, progress = ? WHERE id = ?`,
		scannedURLs, hits, progress, id)
	return wrapErr("update progress", err)
}

func (s *SQLite) MarkTaskCompleted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scan_tasks SET status = ?, completed_at = ? WHERE id = ?`,
		string(types.TaskCompleted), time.Now().UTC(), id)
	return wrapErr("mark completed", err)
}

func (s *SQLite) MarkTaskFailed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scan_tasks SET status = ?, completed_at = ? WHERE id = ?`,
		string(types.TaskFailed), time.Now().UTC(), id)
	return wrapErr("mark failed", err)
}

func (s *SQLite) ResetRunningTasks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scan_tasks SET status = ?, started_at = NULL WHERE status = ?`,
		string(types.TaskPending), string(types.TaskRunning))
	if err != nil {
		return 0, wrapErr("reset running", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLite) ListTaskIDsByStatus(ctx context.Context, status types.TaskStatus) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM scan_tasks WHERE status = ? ORDER BY id ASC`, string(status))
	if err != nil {
		return nil, wrapErr("list task ids", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrapErr("list task ids scan", err)
		}
		ids = append(ids, id)
	}
	return ids, wrapErr("list task ids rows", rows.Err())
}

func (s *SQLite) CountActiveTasks(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scan_tasks WHERE status IN (?, ?)`,
		string(types.TaskPending), string(types.TaskRunning)).Scan(&n)
	return n, wrapErr("count active tasks", err)
}

// --- Scan Results ---

// AppendResults writes a batch in one transaction.
func (s *SQLite) AppendResults(ctx context.Context, results []types.ScanResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("append results begin", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scan_results (task_id, domain, url, status, content_type, size, scanned_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return wrapErr("append results prepare", err)
	}
	defer stmt.Close()

	for _, r := range results {
		scannedAt := r.ScannedAt
		if scannedAt.IsZero() {
			scannedAt = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx, r.TaskID, r.Domain, r.URL, r.Status, r.ContentType, r.Size, scannedAt); err != nil {
			return wrapErr("append results insert", err)
		}
	}

	return wrapErr("append results commit", tx.Commit())
}

func (s *SQLite) ListResults(ctx context.Context, filter ResultFilter) ([]types.ScanResult, error) {
	query := `SELECT id, task_id, domain, url, status, content_type, size, scanned_at FROM scan_results`
	where, args := resultWhere(filter)
	query += where + ` ORDER BY id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list results", err)
	}
	defer rows.Close()

	var out []types.ScanResult
	for rows.Next() {
		var r types.ScanResult
		var contentType sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Domain, &r.URL, &r.Status, &contentType, &r.Size, &r.ScannedAt); err != nil {
			return nil, wrapErr("list results scan", err)
		}
		r.ContentType = contentType.String
		out = append(out, r)
	}
	return out, wrapErr("list results rows", rows.Err())
}

func (s *SQLite) GetResult(ctx context.Context, id int64) (*types.ScanResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, domain, url, status, content_type, size, scanned_at
		FROM scan_results WHERE id = ?`, id)

	var r types.ScanResult
	var contentType sql.NullString
	err := row.Scan(&r.ID, &r.TaskID, &r.Domain, &r.URL, &r.Status, &contentType, &r.Size, &r.ScannedAt)
	if err == sql.ErrNoRows {
		return nil, types.ErrResultNotFound
	}
	if err != nil {
		return nil, wrapErr("get result", err)
	}
	r.ContentType = contentType.String
	return &r, nil
}

func (s *SQLite) CountResults(ctx context.Context, filter ResultFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM scan_results`
	where, args := resultWhere(filter)

	var n int64
	err := s.db.QueryRowContext(ctx, query+where, args...).Scan(&n)
	return n, wrapErr("count results", err)
}

func resultWhere(filter ResultFilter) (string, []any) {
	var clauses []string
	var args []any
	if filter.TaskID > 0 {
		clauses = append(clauses, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.Domain != "" {
		clauses = append(clauses, "domain = ?")
		args = append(args, filter.Domain)
	}
	if filter.HasStatus {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// --- Path Templates ---

func (s *SQLite) CreateTemplate(ctx context.Context, tmpl *types.PathTemplate) (int64, error) {
	now := time.Now().UTC()
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = now
	}
	tmpl.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO path_templates (name, template, description, expected_content_type, exclude_content_type, min_size, max_size, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tmpl.Name, tmpl.Template, tmpl.Description, tmpl.ExpectedContentType,
		boolToInt(tmpl.ExcludeContentType), tmpl.MinSize, nullableInt64(tmpl.MaxSize),
		boolToInt(tmpl.Enabled), tmpl.CreatedAt, tmpl.UpdatedAt)
	if err != nil {
		return 0, wrapErr("create template", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapErr("create template id", err)
	}
	tmpl.ID = id
	return id, nil
}

func (s *SQLite) UpdateTemplate(ctx context.Context, tmpl *types.PathTemplate) error {
	tmpl.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE path_templates
		SET name = ?, template = ?, description = ?, expected_content_type = ?, exclude_content_type = ?, min_size = ?, max_size = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		tmpl.Name, tmpl.Template, tmpl.Description, tmpl.ExpectedContentType,
		boolToInt(tmpl.ExcludeContentType), tmpl.MinSize, nullableInt64(tmpl.MaxSize),
		boolToInt(tmpl.Enabled), tmpl.UpdatedAt, tmpl.ID)
	if err != nil {
		return wrapErr("update template", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapErr("update template", sql.ErrNoRows)
	}
	return nil
}

func (s *SQLite) DeleteTemplate(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM path_templates WHERE id = ?`, id)
	return wrapErr("delete template", err)
}

func (s *SQLite) GetTemplate(ctx context.Context, id int64) (*types.PathTemplate, error) {
	row := s.db.QueryRowContext(ctx, templateSelect+` WHERE id = ?`, id)
	tmpl, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("get template", err)
	}
	return tmpl, nil
}

func (s *SQLite) ListTemplates(ctx context.Context, onlyEnabled bool) ([]types.PathTemplate, error) {
	query := templateSelect
	if onlyEnabled {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, wrapErr("list templates", err)
	}
	defer rows.Close()

	var out []types.PathTemplate
	for rows.Next() {
		tmpl, err := scanTemplate(rows)
		if err != nil {
			return nil, wrapErr("list templates scan", err)
		}
		out = append(out, *tmpl)
	}
	return out, wrapErr("list templates rows", rows.Err())
}

func (s *SQLite) FindTemplateBySource(ctx context.Context, source string) (*types.PathTemplate, error) {
	row := s.db.QueryRowContext(ctx, templateSelect+` WHERE template = ? LIMIT 1`, source)
	tmpl, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("find template", err)
	}
	return tmpl, nil
}

const templateSelect = `
	SELECT id, name, template, description, expected_content_type, exclude_content_type, min_size, max_size, enabled, created_at, updated_at
	FROM path_templates`

func scanTemplate(row rowScanner) (*types.PathTemplate, error) {
	var tmpl types.PathTemplate
	var description, contentType sql.NullString
	var maxSize sql.NullInt64
	var exclude, enabled int
	err := row.Scan(&tmpl.ID, &tmpl.Name, &tmpl.Template, &description, &contentType,
		&exclude, &tmpl.MinSize, &maxSize, &enabled, &tmpl.CreatedAt, &tmpl.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tmpl.Description = description.String
	tmpl.ExpectedContentType = contentType.String
	tmpl.ExcludeContentType = exclude != 0
	tmpl.Enabled = enabled != 0
	if maxSize.Valid {
		v := maxSize.Int64
		tmpl.MaxSize = &v
	}
	return &tmpl, nil
}

// --- Settings ---

func (s *SQLite) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapErr("get setting", err)
	}
	return value, true, nil
}

func (s *SQLite) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	return wrapErr("set setting", err)
}

func (s *SQLite) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, wrapErr("all settings", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, wrapErr("all settings scan", err)
		}
		out[k] = v
	}
	return out, wrapErr("all settings rows", rows.Err())
}

// --- Workers ---

// LoadQuota implements worker.QuotaStore. Returns nil when the worker has
// no persisted state.
func (s *SQLite) LoadQuota(ctx context.Context, workerID string) (*worker.QuotaState, error) {
	var state worker.QuotaState
	err := s.db.QueryRowContext(ctx, `
		SELECT daily_usage, daily_quota, quota_reset_at FROM workers WHERE id = ?`, workerID).
		Scan(&state.DailyUsage, &state.DailyQuota, &state.QuotaResetAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("load quota", err)
	}
	return &state, nil
}

// SaveQuota implements worker.QuotaStore.
func (s *SQLite) SaveQuota(ctx context.Context, workerID, workerURL string, state worker.QuotaState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, url, daily_usage, daily_quota, quota_reset_at, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET daily_usage = excluded.daily_usage, daily_quota = excluded.daily_quota, quota_reset_at = excluded.quota_reset_at`,
		workerID, workerURL, state.DailyUsage, state.DailyQuota, state.QuotaResetAt, time.Now().UTC())
	return wrapErr("save quota", err)
}

func (s *SQLite) ListWorkers(ctx context.Context) ([]WorkerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, daily_usage, daily_quota, quota_reset_at, enabled, created_at
		FROM workers ORDER BY created_at ASC`)
	if err != nil {
		return nil, wrapErr("list workers", err)
	}
	defer rows.Close()

	var out []WorkerRecord
	for rows.Next() {
		var w WorkerRecord
		var enabled int
		if err := rows.Scan(&w.ID, &w.URL, &w.DailyUsage, &w.DailyQuota, &w.QuotaResetAt, &enabled, &w.CreatedAt); err != nil {
			return nil, wrapErr("list workers scan", err)
		}
		w.Enabled = enabled != 0
		out = append(out, w)
	}
	return out, wrapErr("list workers rows", rows.Err())
}

func (s *SQLite) DeleteWorker(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	return wrapErr("delete worker", err)
}

func (s *SQLite) SetWorkerEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	return wrapErr("set worker enabled", err)
}

// --- System Logs ---

func (s *SQLite) AppendLog(ctx context.Context, entry LogEntry) error {
	now := time.Now().UTC()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_logs
			(timestamp, level, category, message, details, task_id, domain, url, response_code, response_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Timestamp, entry.Level, entry.Category, entry.Message, entry.Details,
		nullableInt64(entry.TaskID), entry.Domain, entry.URL,
		nullableInt(entry.ResponseCode), nullableInt64(entry.ResponseTime), now)
	return wrapErr("append log", err)
}

func (s *SQLite) RecentLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, level, category, message, details, task_id, domain, url, response_code, response_time, created_at
		FROM system_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapErr("recent logs", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Category, &e.Message, &e.Details,
			&e.TaskID, &e.Domain, &e.URL, &e.ResponseCode, &e.ResponseTime, &e.CreatedAt); err != nil {
			return nil, wrapErr("recent logs scan", err)
		}
		out = append(out, e)
	}
	return out, wrapErr("recent logs rows", rows.Err())
}

func (s *SQLite) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM system_logs WHERE timestamp < ?`, before)
	if err != nil {
		return 0, wrapErr("prune logs", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
