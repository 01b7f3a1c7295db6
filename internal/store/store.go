// Package store persists analysis run history in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"varianceiq/pkg/contracts/domain"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ErrNotFound is returned when a run or form does not exist.
var ErrNotFound = errors.New("not found")

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// goose keeps its filesystem and dialect in package globals.
var migrateMu sync.Mutex

// Store is the run history repository. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New wraps an open database. It does not run migrations.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With(slog.String("component", "store"))}
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps in-memory databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := New(db, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(path string) string {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path == MemoryPath {
		return "file::memory:?" + pragmas
	}
	return "file:" + path + "?" + pragmas + "&_pragma=journal_mode(WAL)"
}

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationFiles)
	goose.SetLogger(gooseLogger{s.logger})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun records a run as it starts.
func (s *Store) CreateRun(ctx context.Context, run domain.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, base_date, status, forms_requested, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.BaseDate, string(run.Status), run.FormsRequested, formatTime(run.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	return nil
}

// UpdateStatus moves a run to status without touching its totals.
func (s *Store) UpdateStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ?`, string(status), runID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", runID, err)
	}
	return expectRow(res, runID)
}

// SaveResults stores the per-form summaries, variance rows and failed rules
// of a run in one transaction.
func (s *Store) SaveResults(ctx context.Context, runID string, results []domain.AnalysisResult) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	formStmt, err := tx.PrepareContext(ctx, `INSERT INTO run_forms (
		run_id, form_code, form_name, confirmed, base_instance_id, base_date,
		comparison_instance_id, comparison_date, comparison_match, comparison_gap_days,
		variance_count, validation_failures
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare form insert: %w", err)
	}
	defer formStmt.Close()

	varStmt, err := tx.PrepareContext(ctx, `INSERT INTO variance_details (
		run_id, form_code, position, cell_reference, cell_description, difference, percent_difference, row_json
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare variance insert: %w", err)
	}
	defer varStmt.Close()

	valStmt, err := tx.PrepareContext(ctx, `INSERT INTO validation_failures (
		run_id, form_code, position, severity, expression, status, message, referenced_cells
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare validation insert: %w", err)
	}
	defer valStmt.Close()

	for _, res := range results {
		if _, err = formStmt.ExecContext(ctx,
			runID, res.FormCode, res.FormName, res.Confirmed,
			res.BaseInstance.ID, res.BaseInstance.ReferenceDate,
			res.ComparisonInstance.ID, res.ComparisonInstance.ReferenceDate,
			string(res.ComparisonMatch), res.ComparisonGapDays,
			len(res.Variances), len(res.ValidationsErrors),
		); err != nil {
			return fmt.Errorf("failed to store form %s: %w", res.FormCode, err)
		}

		for i, row := range res.Variances {
			raw, mErr := json.Marshal(row)
			if mErr != nil {
				err = fmt.Errorf("failed to encode variance row of %s: %w", res.FormCode, mErr)
				return err
			}
			if _, err = varStmt.ExecContext(ctx,
				runID, res.FormCode, i, row.CellReference(), row.CellDescription(),
				nullableNumber(row.Difference()), nullableNumber(row.PercentDifference()), string(raw),
			); err != nil {
				return fmt.Errorf("failed to store variance row of %s: %w", res.FormCode, err)
			}
		}

		for i, v := range res.ValidationsErrors {
			cells := v.ReferencedCells
			if cells == nil {
				cells = []domain.Cell{}
			}
			raw, mErr := json.Marshal(cells)
			if mErr != nil {
				err = fmt.Errorf("failed to encode referenced cells of %s: %w", res.FormCode, mErr)
				return err
			}
			if _, err = valStmt.ExecContext(ctx,
				runID, res.FormCode, i, v.Severity, v.Expression, v.Status, v.Message, string(raw),
			); err != nil {
				return fmt.Errorf("failed to store validation failure of %s: %w", res.FormCode, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit results: %w", err)
	}

	s.logger.DebugContext(ctx, "results_saved",
		slog.String("run_id", runID),
		slog.Int("forms", len(results)))
	return nil
}

// CompleteRun records the final state and totals of a run.
func (s *Store) CompleteRun(ctx context.Context, run domain.Run) error {
	completed := time.Now()
	if run.CompletedAt != nil {
		completed = *run.CompletedAt
	}

	res, err := s.db.ExecContext(ctx, `UPDATE runs SET
		status = ?, forms_analyzed = ?, variance_count = ?, failed_rules = ?,
		workbook_path = ?, error = ?, completed_at = ?
	WHERE id = ?`,
		string(run.Status), run.FormsAnalyzed, run.VarianceCount, run.FailedRules,
		run.WorkbookPath, run.Error, formatTime(completed), run.ID)
	if err != nil {
		return fmt.Errorf("failed to complete run %s: %w", run.ID, err)
	}
	return expectRow(res, run.ID)
}

// MarkInterrupted fails every run left unfinished by a previous process.
func (s *Store) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, error = ?, completed_at = ?
		WHERE status IN (?, ?)`,
		string(domain.RunStatusFailed), "interrupted", formatTime(time.Now()),
		string(domain.RunStatusPending), string(domain.RunStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

const runColumns = `id, base_date, status, forms_requested, forms_analyzed, variance_count,
	failed_rules, workbook_path, error, started_at, completed_at`

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]domain.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []domain.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// GetRun returns a run with its form summaries.
func (s *Store) GetRun(ctx context.Context, id string) (*domain.RunDetail, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+formColumns+` FROM run_forms WHERE run_id = ? ORDER BY form_code`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load forms of run %s: %w", id, err)
	}
	defer rows.Close()

	detail := &domain.RunDetail{Run: run, Forms: []domain.RunForm{}}
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, err
		}
		detail.Forms = append(detail.Forms, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load forms of run %s: %w", id, err)
	}
	return detail, nil
}

const formColumns = `run_id, form_code, form_name, confirmed, base_instance_id, base_date,
	comparison_instance_id, comparison_date, comparison_match, comparison_gap_days,
	variance_count, validation_failures`

// GetRunForm returns one stored form of a run with its rows and failed rules.
func (s *Store) GetRunForm(ctx context.Context, runID, formCode string) (*domain.RunFormDetail, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+formColumns+` FROM run_forms WHERE run_id = ? AND form_code = ?`, runID, formCode)
	form, err := scanForm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("form %s of run %s: %w", formCode, runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	detail := &domain.RunFormDetail{
		RunForm:     form,
		Variances:   []domain.VarianceRow{},
		FailedRules: []domain.ValidationResult{},
	}

	vrows, err := s.db.QueryContext(ctx,
		`SELECT row_json FROM variance_details WHERE run_id = ? AND form_code = ? ORDER BY position`, runID, formCode)
	if err != nil {
		return nil, fmt.Errorf("failed to load variances: %w", err)
	}
	defer vrows.Close()
	for vrows.Next() {
		var raw string
		if err := vrows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan variance row: %w", err)
		}
		var v domain.VarianceRow
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("failed to decode variance row: %w", err)
		}
		detail.Variances = append(detail.Variances, v)
	}
	if err := vrows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load variances: %w", err)
	}

	frows, err := s.db.QueryContext(ctx,
		`SELECT severity, expression, status, message, referenced_cells FROM validation_failures
		WHERE run_id = ? AND form_code = ? ORDER BY position`, runID, formCode)
	if err != nil {
		return nil, fmt.Errorf("failed to load validation failures: %w", err)
	}
	defer frows.Close()
	for frows.Next() {
		var (
			v     domain.ValidationResult
			cells string
		)
		if err := frows.Scan(&v.Severity, &v.Expression, &v.Status, &v.Message, &cells); err != nil {
			return nil, fmt.Errorf("failed to scan validation failure: %w", err)
		}
		if err := json.Unmarshal([]byte(cells), &v.ReferencedCells); err != nil {
			return nil, fmt.Errorf("failed to decode referenced cells: %w", err)
		}
		detail.FailedRules = append(detail.FailedRules, v)
	}
	if err := frows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load validation failures: %w", err)
	}

	return detail, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (domain.Run, error) {
	var (
		run       domain.Run
		status    string
		started   string
		completed sql.NullString
	)
	err := sc.Scan(&run.ID, &run.BaseDate, &status, &run.FormsRequested, &run.FormsAnalyzed,
		&run.VarianceCount, &run.FailedRules, &run.WorkbookPath, &run.Error, &started, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return run, err
		}
		return run, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Status = domain.RunStatus(status)
	if run.StartedAt, err = parseTime(started); err != nil {
		return run, err
	}
	if completed.Valid && completed.String != "" {
		t, err := parseTime(completed.String)
		if err != nil {
			return run, err
		}
		run.CompletedAt = &t
	}
	return run, nil
}

func scanForm(sc scanner) (domain.RunForm, error) {
	var (
		f     domain.RunForm
		match string
	)
	err := sc.Scan(&f.RunID, &f.FormCode, &f.FormName, &f.Confirmed, &f.BaseInstanceID, &f.BaseDate,
		&f.ComparisonID, &f.ComparisonDate, &match, &f.ComparisonGapDays,
		&f.VarianceCount, &f.ValidationFailures)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return f, err
		}
		return f, fmt.Errorf("failed to scan run form: %w", err)
	}
	f.ComparisonMatch = domain.MatchType(match)
	return f, nil
}

func expectRow(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullableNumber stores numeric columns as REAL and anything else as NULL.
func nullableNumber(v any) any {
	if f, ok := domain.NumericValue(v); ok {
		return f
	}
	return nil
}

// gooseLogger routes migration output through slog.
type gooseLogger struct {
	logger *slog.Logger
}

func (l gooseLogger) Printf(format string, v ...any) {
	l.logger.Debug("migration", slog.String("message", strings.TrimSpace(fmt.Sprintf(format, v...))))
}

func (l gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error("migration_failed", slog.String("message", strings.TrimSpace(fmt.Sprintf(format, v...))))
}
