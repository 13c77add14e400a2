/*
Package sqlite provides a SQLite-backed implementation of the payroll storage
interfaces.

PURPOSE:
  Implements payroll.Store, payroll.RateProvider and payroll.SnapshotSource
  on one SQLite database. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  payroll.Store:          Periods, ledger, calculations, exceptions,
                          adjustments, runs
  payroll.RateProvider:   Versioned rate table documents (inputs.go)
  payroll.SnapshotSource: Employee master data and period inputs (inputs.go)

APPEND-ONLY ENFORCEMENT:
  - ledger_entries rejects UPDATE and DELETE through triggers
  - calculations rejects changes to its computed columns; only superseded
    and status may move
  - nothing in this package issues DELETE

KEY TABLES:
  periods:         Pay periods with derived totals (totals_json)
  ledger_entries:  Immutable approval history, one sequence per period
  calculations:    Version chain per (period, employee)
  exceptions:      Detector findings, bound to one calculation version
  adjustments:     Proposed and applied corrections
  runs:            Batch calculation runs

ATOMICITY:
  CommitTransition and SaveCalculation each run in one SQL transaction.
  Period totals are recomputed from the current versions inside the
  same transaction that writes a version.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, so ":memory:"
  databases are shared by every caller of one Store.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/payroll.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  manager, err := payroll.NewPeriodManager(payroll.Config{
      Store: store, Rates: store, Snapshots: store,
  })

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - payroll/store.go: Interface definitions and atomicity requirements
  - payroll/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/payroll-engine/payroll"
)

// timeLayout is fixed-width so stored times compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ payroll.Store          = (*Store)(nil)
	_ payroll.RateProvider   = (*Store)(nil)
	_ payroll.SnapshotSource = (*Store)(nil)
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Pay periods
	CREATE TABLE IF NOT EXISTS periods (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		period_type TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		payment_date TEXT NOT NULL,
		status TEXT NOT NULL,
		locked INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		totals_json TEXT NOT NULL,
		failed_runs INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_periods_end_date ON periods(end_date);

	-- Approval ledger (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		period_id TEXT NOT NULL REFERENCES periods(id),
		sequence INTEGER NOT NULL,
		step TEXT NOT NULL,
		action TEXT NOT NULL,
		status_before TEXT NOT NULL,
		status_after TEXT NOT NULL,
		locked_before INTEGER NOT NULL,
		locked_after INTEGER NOT NULL,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		comment TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_sequence
		ON ledger_entries(period_id, sequence);

	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
		BEFORE UPDATE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;
	CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
		BEFORE DELETE ON ledger_entries
		BEGIN SELECT RAISE(ABORT, 'ledger entries are append-only'); END;

	-- Calculation versions
	CREATE TABLE IF NOT EXISTS calculations (
		id TEXT PRIMARY KEY,
		period_id TEXT NOT NULL REFERENCES periods(id),
		employee_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		previous_id TEXT,
		status TEXT NOT NULL,
		superseded INTEGER NOT NULL DEFAULT 0,
		snapshot_json TEXT NOT NULL,
		result_json TEXT NOT NULL,
		error TEXT,
		run_id TEXT,
		adjustment_id TEXT,
		created_by_id TEXT NOT NULL,
		created_by_role TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_calculations_version
		ON calculations(period_id, employee_id, version);
	CREATE INDEX IF NOT EXISTS idx_calculations_current
		ON calculations(period_id, superseded);
	CREATE INDEX IF NOT EXISTS idx_calculations_employee
		ON calculations(employee_id, superseded);

	CREATE TRIGGER IF NOT EXISTS calculations_immutable
		BEFORE UPDATE OF id, period_id, employee_id, version, previous_id,
			snapshot_json, result_json, error, created_at ON calculations
		BEGIN SELECT RAISE(ABORT, 'calculation versions are immutable'); END;
	CREATE TRIGGER IF NOT EXISTS calculations_no_delete
		BEFORE DELETE ON calculations
		BEGIN SELECT RAISE(ABORT, 'calculation versions are never deleted'); END;

	-- Exceptions
	CREATE TABLE IF NOT EXISTS exceptions (
		id TEXT PRIMARY KEY,
		period_id TEXT NOT NULL REFERENCES periods(id),
		employee_id TEXT NOT NULL,
		calculation_id TEXT NOT NULL REFERENCES calculations(id),
		calculation_version INTEGER NOT NULL,
		exception_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		observed TEXT,
		expected TEXT,
		status TEXT NOT NULL,
		notes_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_exceptions_period ON exceptions(period_id, status);
	CREATE INDEX IF NOT EXISTS idx_exceptions_calculation ON exceptions(calculation_id);

	-- Adjustments
	CREATE TABLE IF NOT EXISTS adjustments (
		id TEXT PRIMARY KEY,
		period_id TEXT NOT NULL REFERENCES periods(id),
		employee_id TEXT NOT NULL,
		calculation_id TEXT NOT NULL,
		target_version INTEGER NOT NULL,
		adjustment_type TEXT NOT NULL,
		component TEXT,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		requested_by_id TEXT NOT NULL,
		requested_by_role TEXT NOT NULL,
		decided_by_id TEXT,
		decided_by_role TEXT,
		decision_comment TEXT,
		applied_calculation_id TEXT,
		created_at TEXT NOT NULL,
		decided_at TEXT,
		applied_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_adjustments_period ON adjustments(period_id);

	-- Calculation runs
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		period_id TEXT NOT NULL REFERENCES periods(id),
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		triggered_by_id TEXT NOT NULL,
		triggered_by_role TEXT NOT NULL,
		total INTEGER NOT NULL DEFAULT 0,
		processed INTEGER NOT NULL DEFAULT 0,
		calculated INTEGER NOT NULL DEFAULT 0,
		exceptions INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_period ON runs(period_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(inputSchema)
	return err
}

// withTx runs fn in one SQL transaction under the write lock.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// PERIODS
// =============================================================================

const periodColumns = `id, name, period_type, start_date, end_date, payment_date, status,
	locked, archived, totals_json, failed_runs, created_at, updated_at`

// CreatePeriod inserts a new period. IDs are never reused.
func (s *Store) CreatePeriod(ctx context.Context, p payroll.Period) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	totals, err := json.Marshal(p.Totals)
	if err != nil {
		return fmt.Errorf("failed to encode totals: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO periods (`+periodColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Type,
		formatTime(p.Start), formatTime(p.End), formatTime(p.PaymentDate),
		p.Status, p.Locked, p.Archived, string(totals), p.FailedRuns,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: period %s already exists", payroll.ErrInvalidInput, p.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create period: %w", err)
	}
	return nil
}

func (s *Store) GetPeriod(ctx context.Context, id payroll.PeriodID) (payroll.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPeriod(ctx, s.db, id)
}

func getPeriod(ctx context.Context, q querier, id payroll.PeriodID) (payroll.Period, error) {
	row := q.QueryRowContext(ctx, `SELECT `+periodColumns+` FROM periods WHERE id = ?`, id)
	p, err := scanPeriod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return payroll.Period{}, fmt.Errorf("%w: %s", payroll.ErrPeriodNotFound, id)
	}
	return p, err
}

func (s *Store) ListPeriods(ctx context.Context, filter payroll.PeriodFilter) ([]payroll.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + periodColumns + ` FROM periods WHERE 1 = 1`
	var args []any
	if !filter.IncludeArchived {
		query += ` AND archived = 0`
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query periods: %w", err)
	}
	defer rows.Close()

	var periods []payroll.Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, err
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

func (s *Store) ArchivePeriod(ctx context.Context, id payroll.PeriodID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE periods SET archived = 1, updated_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to archive period: %w", err)
	}
	return requireRow(res, fmt.Errorf("%w: %s", payroll.ErrPeriodNotFound, id))
}

func (s *Store) IncrementFailedRuns(ctx context.Context, id payroll.PeriodID) (int, error) {
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE periods SET failed_runs = failed_runs + 1 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to count failed run: %w", err)
		}
		if err := requireRow(res, fmt.Errorf("%w: %s", payroll.ErrPeriodNotFound, id)); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT failed_runs FROM periods WHERE id = ?`, id).Scan(&n)
	})
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeriod(row scanner) (payroll.Period, error) {
	var (
		p                            payroll.Period
		start, end, payment          string
		totals, createdAt, updatedAt string
	)
	err := row.Scan(&p.ID, &p.Name, &p.Type, &start, &end, &payment, &p.Status,
		&p.Locked, &p.Archived, &totals, &p.FailedRuns, &createdAt, &updatedAt)
	if err != nil {
		return p, err
	}
	p.Start = parseTime(start)
	p.End = parseTime(end)
	p.PaymentDate = parseTime(payment)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(totals), &p.Totals); err != nil {
		return p, fmt.Errorf("failed to decode totals of %s: %w", p.ID, err)
	}
	return p, nil
}

// =============================================================================
// LEDGER
// =============================================================================

// CommitTransition appends the entry and moves the period in one SQL
// transaction, provided the period is still in the entry's before-state.
func (s *Store) CommitTransition(ctx context.Context, t payroll.Transition) (payroll.LedgerEntry, error) {
	e := t.Entry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			status payroll.PeriodStatus
			locked bool
		)
		err := tx.QueryRowContext(ctx, `SELECT status, locked FROM periods WHERE id = ?`, e.PeriodID).Scan(&status, &locked)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", payroll.ErrPeriodNotFound, e.PeriodID)
		}
		if err != nil {
			return fmt.Errorf("failed to read period: %w", err)
		}
		if status != e.StatusBefore || locked != e.LockedBefore {
			return &payroll.StatusConflictError{PeriodID: e.PeriodID, Expected: e.StatusBefore, Current: status}
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) + 1 FROM ledger_entries WHERE period_id = ?`, e.PeriodID,
		).Scan(&e.Sequence); err != nil {
			return fmt.Errorf("failed to number ledger entry: %w", err)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO ledger_entries
			(id, period_id, sequence, step, action, status_before, status_after,
			 locked_before, locked_after, actor_id, actor_role, comment, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.PeriodID, e.Sequence, e.Step, e.Action, e.StatusBefore, e.StatusAfter,
			e.LockedBefore, e.LockedAfter, e.Actor.ID, e.Actor.Role, nullString(e.Comment),
			formatTime(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to append ledger entry: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE periods SET status = ?, locked = ?, updated_at = ? WHERE id = ?`,
			e.StatusAfter, e.LockedAfter, formatTime(e.CreatedAt), e.PeriodID); err != nil {
			return fmt.Errorf("failed to move period: %w", err)
		}

		if t.CalculationStatus != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE calculations SET status = ? WHERE period_id = ? AND superseded = 0`,
				t.CalculationStatus, e.PeriodID); err != nil {
				return fmt.Errorf("failed to stamp calculations: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return payroll.LedgerEntry{}, err
	}
	return e, nil
}

func (s *Store) LedgerEntries(ctx context.Context, id payroll.PeriodID) ([]payroll.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, period_id, sequence, step, action,
			status_before, status_after, locked_before, locked_after,
			actor_id, actor_role, comment, created_at
		FROM ledger_entries WHERE period_id = ? ORDER BY sequence ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	entries := []payroll.LedgerEntry{}
	for rows.Next() {
		var (
			e         payroll.LedgerEntry
			comment   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.PeriodID, &e.Sequence, &e.Step, &e.Action,
			&e.StatusBefore, &e.StatusAfter, &e.LockedBefore, &e.LockedAfter,
			&e.Actor.ID, &e.Actor.Role, &comment, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Comment = comment.String
		e.CreatedAt = parseTime(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// CALCULATIONS
// =============================================================================

const calculationColumns = `id, period_id, employee_id, version, previous_id, status, superseded,
	snapshot_json, result_json, error, run_id, adjustment_id,
	created_by_id, created_by_role, created_at`

// SaveCalculation writes a version, supersedes its predecessor, stores the
// detected exceptions, marks an applied adjustment and recomputes the period
// totals, all in one SQL transaction.
func (s *Store) SaveCalculation(ctx context.Context, w payroll.CalculationWrite) error {
	c := w.Calculation
	return s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := getPeriod(ctx, tx, c.PeriodID)
		if err != nil {
			return err
		}
		if p.Locked {
			return fmt.Errorf("%w: %s", payroll.ErrPeriodLocked, p.ID)
		}

		var (
			currentID      payroll.CalculationID
			currentVersion int
		)
		err = tx.QueryRowContext(ctx, `SELECT id, version FROM calculations
			WHERE period_id = ? AND employee_id = ? AND superseded = 0`,
			c.PeriodID, c.EmployeeID).Scan(&currentID, &currentVersion)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to read current version: %w", err)
		}
		if c.Version != currentVersion+1 {
			return fmt.Errorf("%w: %s version %d, current is %d",
				payroll.ErrVersionConflict, c.EmployeeID, c.Version, currentVersion)
		}
		if currentVersion > 0 && c.PreviousID != currentID {
			return fmt.Errorf("%w: %s does not follow %s", payroll.ErrVersionConflict, c.ID, currentID)
		}

		if a := w.AppliedAdjustment; a != nil {
			var status payroll.AdjustmentStatus
			err := tx.QueryRowContext(ctx, `SELECT status FROM adjustments WHERE id = ?`, a.ID).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", payroll.ErrAdjustmentNotFound, a.ID)
			}
			if err != nil {
				return fmt.Errorf("failed to read adjustment: %w", err)
			}
			if status != payroll.AdjustmentApproved {
				return fmt.Errorf("%w: adjustment %s is %s", payroll.ErrIllegalTransition, a.ID, status)
			}
		}

		if currentVersion > 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE calculations SET superseded = 1 WHERE id = ?`, currentID); err != nil {
				return fmt.Errorf("failed to supersede %s: %w", currentID, err)
			}
		}
		if err := insertCalculation(ctx, tx, c); err != nil {
			return err
		}
		for _, ex := range w.Exceptions {
			if err := insertException(ctx, tx, ex); err != nil {
				return err
			}
		}
		if a := w.AppliedAdjustment; a != nil {
			if err := updateAdjustment(ctx, tx, *a); err != nil {
				return err
			}
		}

		current, err := queryCalculations(ctx, tx, `SELECT `+calculationColumns+` FROM calculations
			WHERE period_id = ? AND superseded = 0 ORDER BY employee_id`, p.ID)
		if err != nil {
			return err
		}
		totals, err := json.Marshal(payroll.SumTotals(current))
		if err != nil {
			return fmt.Errorf("failed to encode totals: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE periods SET totals_json = ?, updated_at = ? WHERE id = ?`,
			string(totals), formatTime(c.CreatedAt), p.ID); err != nil {
			return fmt.Errorf("failed to update totals: %w", err)
		}
		return nil
	})
}

func insertCalculation(ctx context.Context, q querier, c payroll.Calculation) error {
	snapshot, err := json.Marshal(c.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	result, err := json.Marshal(c.Result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO calculations (`+calculationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.PeriodID, c.EmployeeID, c.Version, nullString(string(c.PreviousID)), c.Status, c.Superseded,
		string(snapshot), string(result), nullString(c.Error), nullString(string(c.RunID)),
		nullString(string(c.AdjustmentID)), c.CreatedBy.ID, c.CreatedBy.Role, formatTime(c.CreatedAt),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: %s version %d already exists", payroll.ErrVersionConflict, c.EmployeeID, c.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to insert calculation: %w", err)
	}
	return nil
}

func (s *Store) GetCalculation(ctx context.Context, id payroll.CalculationID) (payroll.Calculation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	calcs, err := queryCalculations(ctx, s.db, `SELECT `+calculationColumns+` FROM calculations WHERE id = ?`, id)
	if err != nil {
		return payroll.Calculation{}, err
	}
	if len(calcs) == 0 {
		return payroll.Calculation{}, fmt.Errorf("%w: %s", payroll.ErrCalculationNotFound, id)
	}
	return calcs[0], nil
}

func (s *Store) CurrentCalculation(ctx context.Context, period payroll.PeriodID, emp payroll.EmployeeID) (payroll.Calculation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	calcs, err := queryCalculations(ctx, s.db, `SELECT `+calculationColumns+` FROM calculations
		WHERE period_id = ? AND employee_id = ? AND superseded = 0`, period, emp)
	if err != nil {
		return payroll.Calculation{}, err
	}
	if len(calcs) == 0 {
		return payroll.Calculation{}, fmt.Errorf("%w: %s in %s", payroll.ErrCalculationNotFound, emp, period)
	}
	return calcs[0], nil
}

func (s *Store) CurrentCalculations(ctx context.Context, period payroll.PeriodID) ([]payroll.Calculation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryCalculations(ctx, s.db, `SELECT `+calculationColumns+` FROM calculations
		WHERE period_id = ? AND superseded = 0 ORDER BY employee_id`, period)
}

func (s *Store) CalculationVersions(ctx context.Context, period payroll.PeriodID, emp payroll.EmployeeID) ([]payroll.Calculation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryCalculations(ctx, s.db, `SELECT `+calculationColumns+` FROM calculations
		WHERE period_id = ? AND employee_id = ? ORDER BY version ASC`, period, emp)
}

// PreviousCalculations follows periods by end date, skipping cancelled ones.
func (s *Store) PreviousCalculations(ctx context.Context, emp payroll.EmployeeID, before time.Time, limit int) ([]payroll.Calculation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	return queryCalculations(ctx, s.db, `SELECT `+prefixed("c", calculationColumns)+`
		FROM calculations c JOIN periods p ON p.id = c.period_id
		WHERE c.employee_id = ? AND c.superseded = 0 AND p.end_date < ? AND p.status != ?
		ORDER BY p.end_date DESC LIMIT ?`,
		emp, formatTime(before), payroll.PeriodCancelled, limit)
}

func queryCalculations(ctx context.Context, q querier, query string, args ...any) ([]payroll.Calculation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query calculations: %w", err)
	}
	defer rows.Close()

	var calcs []payroll.Calculation
	for rows.Next() {
		c, err := scanCalculation(rows)
		if err != nil {
			return nil, err
		}
		calcs = append(calcs, c)
	}
	return calcs, rows.Err()
}

func scanCalculation(row scanner) (payroll.Calculation, error) {
	var (
		c                           payroll.Calculation
		previousID, calcErr, runID  sql.NullString
		adjustmentID                sql.NullString
		snapshot, result, createdAt string
	)
	err := row.Scan(&c.ID, &c.PeriodID, &c.EmployeeID, &c.Version, &previousID, &c.Status, &c.Superseded,
		&snapshot, &result, &calcErr, &runID, &adjustmentID,
		&c.CreatedBy.ID, &c.CreatedBy.Role, &createdAt)
	if err != nil {
		return c, fmt.Errorf("failed to scan calculation: %w", err)
	}
	c.PreviousID = payroll.CalculationID(previousID.String)
	c.Error = calcErr.String
	c.RunID = payroll.RunID(runID.String)
	c.AdjustmentID = payroll.AdjustmentID(adjustmentID.String)
	c.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(snapshot), &c.Snapshot); err != nil {
		return c, fmt.Errorf("failed to decode snapshot of %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(result), &c.Result); err != nil {
		return c, fmt.Errorf("failed to decode result of %s: %w", c.ID, err)
	}
	return c, nil
}

// =============================================================================
// EXCEPTIONS
// =============================================================================

const exceptionColumns = `id, period_id, employee_id, calculation_id, calculation_version,
	exception_type, severity, message, observed, expected, status, notes_json,
	created_at, updated_at`

func insertException(ctx context.Context, q querier, ex payroll.Exception) error {
	notes, err := encodeNotes(ex.Notes)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO exceptions (`+exceptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.PeriodID, ex.EmployeeID, ex.CalculationID, ex.CalculationVersion,
		ex.Type, ex.Severity, ex.Message, ex.Observed, ex.Expected, ex.Status, notes,
		formatTime(ex.CreatedAt), formatTime(ex.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert exception: %w", err)
	}
	return nil
}

func (s *Store) GetException(ctx context.Context, id payroll.ExceptionID) (payroll.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exs, err := queryExceptions(ctx, s.db, `SELECT `+exceptionColumns+` FROM exceptions WHERE id = ?`, id)
	if err != nil {
		return payroll.Exception{}, err
	}
	if len(exs) == 0 {
		return payroll.Exception{}, fmt.Errorf("%w: %s", payroll.ErrExceptionNotFound, id)
	}
	return exs[0], nil
}

func (s *Store) ListExceptions(ctx context.Context, f payroll.ExceptionFilter) ([]payroll.Exception, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + exceptionColumns + ` FROM exceptions WHERE 1 = 1`
	var args []any
	if f.PeriodID != "" {
		query += ` AND period_id = ?`
		args = append(args, f.PeriodID)
	}
	if f.EmployeeID != "" {
		query += ` AND employee_id = ?`
		args = append(args, f.EmployeeID)
	}
	if f.CalculationID != "" {
		query += ` AND calculation_id = ?`
		args = append(args, f.CalculationID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY rowid ASC`
	return queryExceptions(ctx, s.db, query, args...)
}

// UpdateException moves the status and replaces the notes, provided the
// stored status still equals expected.
func (s *Store) UpdateException(ctx context.Context, ex payroll.Exception, expected payroll.ExceptionStatus) error {
	notes, err := encodeNotes(ex.Notes)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var stored payroll.ExceptionStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM exceptions WHERE id = ?`, ex.ID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", payroll.ErrExceptionNotFound, ex.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to read exception: %w", err)
		}
		if stored != expected {
			return fmt.Errorf("%w: exception %s is %s", payroll.ErrIllegalTransition, ex.ID, stored)
		}
		_, err = tx.ExecContext(ctx, `UPDATE exceptions SET status = ?, notes_json = ?, updated_at = ? WHERE id = ?`,
			ex.Status, notes, formatTime(ex.UpdatedAt), ex.ID)
		if err != nil {
			return fmt.Errorf("failed to update exception: %w", err)
		}
		return nil
	})
}

func queryExceptions(ctx context.Context, q querier, query string, args ...any) ([]payroll.Exception, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query exceptions: %w", err)
	}
	defer rows.Close()

	var exs []payroll.Exception
	for rows.Next() {
		var (
			ex                   payroll.Exception
			notes                string
			createdAt, updatedAt string
		)
		if err := rows.Scan(&ex.ID, &ex.PeriodID, &ex.EmployeeID, &ex.CalculationID, &ex.CalculationVersion,
			&ex.Type, &ex.Severity, &ex.Message, &ex.Observed, &ex.Expected, &ex.Status, &notes,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan exception: %w", err)
		}
		if err := json.Unmarshal([]byte(notes), &ex.Notes); err != nil {
			return nil, fmt.Errorf("failed to decode notes of %s: %w", ex.ID, err)
		}
		ex.CreatedAt = parseTime(createdAt)
		ex.UpdatedAt = parseTime(updatedAt)
		exs = append(exs, ex)
	}
	return exs, rows.Err()
}

func encodeNotes(notes []payroll.ExceptionNote) (string, error) {
	if notes == nil {
		notes = []payroll.ExceptionNote{}
	}
	b, err := json.Marshal(notes)
	if err != nil {
		return "", fmt.Errorf("failed to encode notes: %w", err)
	}
	return string(b), nil
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

const adjustmentColumns = `id, period_id, employee_id, calculation_id, target_version,
	adjustment_type, component, amount, reason, status,
	requested_by_id, requested_by_role, decided_by_id, decided_by_role, decision_comment,
	applied_calculation_id, created_at, decided_at, applied_at`

func (s *Store) CreateAdjustment(ctx context.Context, a payroll.Adjustment) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := getPeriod(ctx, tx, a.PeriodID)
		if err != nil {
			return err
		}
		if p.Locked {
			return fmt.Errorf("%w: %s", payroll.ErrPeriodLocked, p.ID)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO adjustments (`+adjustmentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.PeriodID, a.EmployeeID, a.CalculationID, a.TargetVersion,
			a.Type, nullString(a.Component), a.Amount, a.Reason, a.Status,
			a.RequestedBy.ID, a.RequestedBy.Role,
			nullString(a.DecidedBy.ID), nullString(string(a.DecidedBy.Role)), nullString(a.DecisionComment),
			nullString(string(a.AppliedCalculationID)), formatTime(a.CreatedAt),
			nullTime(a.DecidedAt), nullTime(a.AppliedAt),
		)
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: adjustment %s already exists", payroll.ErrInvalidInput, a.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to insert adjustment: %w", err)
		}
		return nil
	})
}

func (s *Store) GetAdjustment(ctx context.Context, id payroll.AdjustmentID) (payroll.Adjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adjs, err := queryAdjustments(ctx, s.db, `SELECT `+adjustmentColumns+` FROM adjustments WHERE id = ?`, id)
	if err != nil {
		return payroll.Adjustment{}, err
	}
	if len(adjs) == 0 {
		return payroll.Adjustment{}, fmt.Errorf("%w: %s", payroll.ErrAdjustmentNotFound, id)
	}
	return adjs[0], nil
}

func (s *Store) ListAdjustments(ctx context.Context, period payroll.PeriodID) ([]payroll.Adjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return queryAdjustments(ctx, s.db, `SELECT `+adjustmentColumns+` FROM adjustments
		WHERE period_id = ? ORDER BY rowid ASC`, period)
}

// UpdateAdjustment persists a decision, provided the stored status still
// equals expected.
func (s *Store) UpdateAdjustment(ctx context.Context, a payroll.Adjustment, expected payroll.AdjustmentStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var stored payroll.AdjustmentStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM adjustments WHERE id = ?`, a.ID).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", payroll.ErrAdjustmentNotFound, a.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to read adjustment: %w", err)
		}
		if stored != expected {
			return fmt.Errorf("%w: adjustment %s is %s", payroll.ErrIllegalTransition, a.ID, stored)
		}
		return updateAdjustment(ctx, tx, a)
	})
}

func updateAdjustment(ctx context.Context, q querier, a payroll.Adjustment) error {
	_, err := q.ExecContext(ctx, `UPDATE adjustments SET
			status = ?, decided_by_id = ?, decided_by_role = ?, decision_comment = ?,
			applied_calculation_id = ?, decided_at = ?, applied_at = ?
		WHERE id = ?`,
		a.Status, nullString(a.DecidedBy.ID), nullString(string(a.DecidedBy.Role)), nullString(a.DecisionComment),
		nullString(string(a.AppliedCalculationID)), nullTime(a.DecidedAt), nullTime(a.AppliedAt), a.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update adjustment: %w", err)
	}
	return nil
}

func queryAdjustments(ctx context.Context, q querier, query string, args ...any) ([]payroll.Adjustment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query adjustments: %w", err)
	}
	defer rows.Close()

	var adjs []payroll.Adjustment
	for rows.Next() {
		var (
			a                                   payroll.Adjustment
			component, decidedByID, decidedRole sql.NullString
			comment, appliedCalc                sql.NullString
			decidedAt, appliedAt                sql.NullString
			createdAt                           string
		)
		if err := rows.Scan(&a.ID, &a.PeriodID, &a.EmployeeID, &a.CalculationID, &a.TargetVersion,
			&a.Type, &component, &a.Amount, &a.Reason, &a.Status,
			&a.RequestedBy.ID, &a.RequestedBy.Role, &decidedByID, &decidedRole, &comment,
			&appliedCalc, &createdAt, &decidedAt, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan adjustment: %w", err)
		}
		a.Component = component.String
		a.DecidedBy = payroll.Actor{ID: decidedByID.String, Role: payroll.Role(decidedRole.String)}
		a.DecisionComment = comment.String
		a.AppliedCalculationID = payroll.CalculationID(appliedCalc.String)
		a.CreatedAt = parseTime(createdAt)
		a.DecidedAt = parseNullTime(decidedAt)
		a.AppliedAt = parseNullTime(appliedAt)
		adjs = append(adjs, a)
	}
	return adjs, rows.Err()
}

// =============================================================================
// RUNS
// =============================================================================

const runColumns = `id, period_id, attempt, status, triggered_by_id, triggered_by_role,
	total, processed, calculated, exceptions, errors, error, started_at, finished_at`

// SaveRun inserts the run or overwrites its progress.
func (s *Store) SaveRun(ctx context.Context, r payroll.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			total = excluded.total,
			processed = excluded.processed,
			calculated = excluded.calculated,
			exceptions = excluded.exceptions,
			errors = excluded.errors,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		r.ID, r.PeriodID, r.Attempt, r.Status, r.TriggeredBy.ID, r.TriggeredBy.Role,
		r.Total, r.Processed, r.Calculated, r.Exceptions, r.Errors, nullString(r.Error),
		formatTime(r.StartedAt), nullTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id payroll.RunID) (payroll.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs, err := s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	if err != nil {
		return payroll.Run{}, err
	}
	if len(runs) == 0 {
		return payroll.Run{}, fmt.Errorf("%w: %s", payroll.ErrRunNotFound, id)
	}
	return runs[0], nil
}

func (s *Store) ListRuns(ctx context.Context, period payroll.PeriodID) ([]payroll.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE period_id = ? ORDER BY rowid ASC`, period)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]payroll.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []payroll.Run
	for rows.Next() {
		var (
			r                payroll.Run
			runErr, finished sql.NullString
			startedAt        string
		)
		if err := rows.Scan(&r.ID, &r.PeriodID, &r.Attempt, &r.Status, &r.TriggeredBy.ID, &r.TriggeredBy.Role,
			&r.Total, &r.Processed, &r.Calculated, &r.Exceptions, &r.Errors, &runErr,
			&startedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Error = runErr.String
		r.StartedAt = parseTime(startedAt)
		r.FinishedAt = parseNullTime(finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// prefixed qualifies every column in a column list with a table alias.
func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
