/*
inputs.go - Rate table versions and employee inputs

PURPOSE:
  The read side the engine calculates from. Rate tables are stored as the
  same JSON documents factory.ParseRateTables accepts. Employee master data,
  salary history, attendance and leave summaries and recurring pay entries
  are written by upstream integrations (or the demo loader) and read back as
  payroll.EmployeeSnapshot.

KEY TABLES:
  rate_tables:          One row per published version
  employees:            Master data and statutory registrations
  salary_configs:       Salary history by effective date
  attendance_summaries: Per employee and period range
  leave_summaries:      Per employee and period range
  pay_entries:          Allowances, bonuses, deductions, loan installments

SEE ALSO:
  - factory/ratetable.go: Rate table document format
  - payroll/snapshot.go: SnapshotSource contract
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/payroll"
)

const inputSchema = `
	-- Rate table versions (immutable once published)
	CREATE TABLE IF NOT EXISTS rate_tables (
		version TEXT PRIMARY KEY,
		jurisdiction TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		document TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rate_tables_effective ON rate_tables(effective_from);

	-- Employees
	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		hire_date TEXT NOT NULL,
		separation_date TEXT,
		government_ids_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS salary_configs (
		employee_id TEXT NOT NULL REFERENCES employees(id),
		effective_from TEXT NOT NULL,
		config_json TEXT NOT NULL,
		PRIMARY KEY (employee_id, effective_from)
	);

	CREATE TABLE IF NOT EXISTS attendance_summaries (
		employee_id TEXT NOT NULL REFERENCES employees(id),
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		summary_json TEXT NOT NULL,
		PRIMARY KEY (employee_id, period_start, period_end)
	);

	CREATE TABLE IF NOT EXISTS leave_summaries (
		employee_id TEXT NOT NULL REFERENCES employees(id),
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		summary_json TEXT NOT NULL,
		PRIMARY KEY (employee_id, period_start, period_end)
	);

	CREATE TABLE IF NOT EXISTS pay_entries (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL REFERENCES employees(id),
		kind TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_pay_entries_employee ON pay_entries(employee_id);
	`

// =============================================================================
// RATE TABLES (payroll.RateProvider)
// =============================================================================

// AddRateTables publishes a version. Versions are immutable: republishing an
// existing version fails.
func (s *Store) AddRateTables(ctx context.Context, t payroll.RateTables) error {
	doc, err := factory.NewRateTableFactory().Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode rate tables: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `INSERT INTO rate_tables (version, jurisdiction, effective_from, document, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.Version, t.Jurisdiction, formatTime(t.EffectiveFrom), string(doc), formatTime(time.Now()),
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: rate table version %s already published", payroll.ErrInvalidInput, t.Version)
	}
	if err != nil {
		return fmt.Errorf("failed to save rate tables: %w", err)
	}
	return nil
}

// HasRateTables reports whether a version is already published.
func (s *Store) HasRateTables(ctx context.Context, version string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rate_tables WHERE version = ?`, version).Scan(&count)
	return count > 0, err
}

// TablesFor returns the latest version effective on or before date.
func (s *Store) TablesFor(ctx context.Context, date time.Time) (payroll.RateTables, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM rate_tables
		WHERE effective_from <= ? ORDER BY effective_from DESC LIMIT 1`, formatTime(date)).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return payroll.RateTables{}, fmt.Errorf("%w: %s", payroll.ErrRateTableNotFound, date.Format(factory.DateLayout))
	}
	if err != nil {
		return payroll.RateTables{}, fmt.Errorf("failed to query rate tables: %w", err)
	}
	return factory.NewRateTableFactory().Parse([]byte(doc))
}

// ListRateTables returns every published version, oldest first.
func (s *Store) ListRateTables(ctx context.Context) ([]payroll.RateTables, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT document FROM rate_tables ORDER BY effective_from ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rate tables: %w", err)
	}
	defer rows.Close()

	var docs []string
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	f := factory.NewRateTableFactory()
	out := make([]payroll.RateTables, 0, len(docs))
	for _, doc := range docs {
		t, err := f.Parse([]byte(doc))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// =============================================================================
// EMPLOYEES
// =============================================================================

// Employee is the master record behind a snapshot.
type Employee struct {
	ID             payroll.EmployeeID
	Name           string
	HireDate       time.Time
	SeparationDate *time.Time
	GovernmentIDs  payroll.GovernmentIDs
	CreatedAt      time.Time
}

// SaveEmployee upserts an employee.
func (s *Store) SaveEmployee(ctx context.Context, emp Employee) error {
	if emp.ID == "" || emp.Name == "" || emp.HireDate.IsZero() {
		return fmt.Errorf("%w: employee id, name and hire date are required", payroll.ErrInvalidInput)
	}
	ids, err := json.Marshal(emp.GovernmentIDs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO employees (id, name, hire_date, separation_date, government_ids_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			hire_date = excluded.hire_date,
			separation_date = excluded.separation_date,
			government_ids_json = excluded.government_ids_json`,
		emp.ID, emp.Name, formatTime(emp.HireDate), nullTime(emp.SeparationDate), string(ids),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save employee: %w", err)
	}
	return nil
}

// GetEmployee retrieves an employee by ID.
func (s *Store) GetEmployee(ctx context.Context, id payroll.EmployeeID) (Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getEmployee(ctx, s.db, id)
}

func getEmployee(ctx context.Context, q querier, id payroll.EmployeeID) (Employee, error) {
	var (
		emp                 Employee
		hireDate, createdAt string
		separation          sql.NullString
		ids                 string
	)
	err := q.QueryRowContext(ctx, `SELECT id, name, hire_date, separation_date, government_ids_json, created_at
		FROM employees WHERE id = ?`, id,
	).Scan(&emp.ID, &emp.Name, &hireDate, &separation, &ids, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Employee{}, fmt.Errorf("%w: %s", payroll.ErrEmployeeNotFound, id)
	}
	if err != nil {
		return Employee{}, fmt.Errorf("failed to read employee: %w", err)
	}
	emp.HireDate = parseTime(hireDate)
	emp.SeparationDate = parseNullTime(separation)
	emp.CreatedAt = parseTime(createdAt)
	if err := json.Unmarshal([]byte(ids), &emp.GovernmentIDs); err != nil {
		return Employee{}, fmt.Errorf("failed to decode government ids of %s: %w", id, err)
	}
	return emp, nil
}

// ListEmployees returns every employee ordered by ID.
func (s *Store) ListEmployees(ctx context.Context) ([]Employee, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM employees ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list employees: %w", err)
	}
	var ids []payroll.EmployeeID
	for rows.Next() {
		var id payroll.EmployeeID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Employee, 0, len(ids))
	for _, id := range ids {
		emp, err := getEmployee(ctx, s.db, id)
		if err != nil {
			return nil, err
		}
		out = append(out, emp)
	}
	return out, nil
}

// SetSalary records a salary configuration from its EffectiveFrom onwards.
func (s *Store) SetSalary(ctx context.Context, emp payroll.EmployeeID, cfg payroll.SalaryConfig) error {
	if cfg.EffectiveFrom.IsZero() {
		return fmt.Errorf("%w: salary effective date is required", payroll.ErrInvalidInput)
	}
	return s.upsertJSON(ctx, `INSERT INTO salary_configs (employee_id, effective_from, config_json)
		VALUES (?, ?, ?)
		ON CONFLICT(employee_id, effective_from) DO UPDATE SET config_json = excluded.config_json`,
		cfg, emp, formatTime(cfg.EffectiveFrom))
}

// RecordAttendance stores the attendance summary for a date range.
func (s *Store) RecordAttendance(ctx context.Context, emp payroll.EmployeeID, start, end time.Time, a payroll.AttendanceSummary) error {
	return s.upsertJSON(ctx, `INSERT INTO attendance_summaries (employee_id, period_start, period_end, summary_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(employee_id, period_start, period_end) DO UPDATE SET summary_json = excluded.summary_json`,
		a, emp, formatTime(start), formatTime(end))
}

// RecordLeave stores the leave summary for a date range.
func (s *Store) RecordLeave(ctx context.Context, emp payroll.EmployeeID, start, end time.Time, l payroll.LeaveSummary) error {
	return s.upsertJSON(ctx, `INSERT INTO leave_summaries (employee_id, period_start, period_end, summary_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(employee_id, period_start, period_end) DO UPDATE SET summary_json = excluded.summary_json`,
		l, emp, formatTime(start), formatTime(end))
}

// upsertJSON runs query with the key args followed by v encoded as JSON.
func (s *Store) upsertJSON(ctx context.Context, query string, v any, keys ...any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, query, append(keys, string(b))...); err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("%w: %v", payroll.ErrEmployeeNotFound, keys[0])
		}
		return fmt.Errorf("failed to save employee input: %w", err)
	}
	return nil
}

// =============================================================================
// PAY ENTRIES
// =============================================================================

// EntryKind says which payload a PayEntry carries.
type EntryKind string

const (
	EntryAllowance EntryKind = "allowance"
	EntryBonus     EntryKind = "bonus"
	EntryDeduction EntryKind = "deduction"
	EntryLoan      EntryKind = "loan"
)

// PayEntry is a recurring or one-off earning or deduction. It is included
// in every period that overlaps [EffectiveFrom, EffectiveTo].
type PayEntry struct {
	ID            string
	EmployeeID    payroll.EmployeeID
	Kind          EntryKind
	EffectiveFrom time.Time
	EffectiveTo   *time.Time
	Allowance     *payroll.Allowance
	Bonus         *payroll.Bonus
	Deduction     *payroll.Deduction
	Loan          *payroll.LoanInstallment
}

func (e PayEntry) payload() (any, error) {
	var (
		p       any
		present bool
	)
	switch e.Kind {
	case EntryAllowance:
		p, present = e.Allowance, e.Allowance != nil
	case EntryBonus:
		p, present = e.Bonus, e.Bonus != nil
	case EntryDeduction:
		p, present = e.Deduction, e.Deduction != nil
	case EntryLoan:
		p, present = e.Loan, e.Loan != nil
	default:
		return nil, fmt.Errorf("%w: unknown entry kind %q", payroll.ErrInvalidInput, e.Kind)
	}
	if !present {
		return nil, fmt.Errorf("%w: %s entry has no payload", payroll.ErrInvalidInput, e.Kind)
	}
	return p, nil
}

// AddPayEntry stores an entry. IDs are generated when empty.
func (s *Store) AddPayEntry(ctx context.Context, e PayEntry) (PayEntry, error) {
	p, err := e.payload()
	if err != nil {
		return PayEntry{}, err
	}
	if e.EffectiveFrom.IsZero() {
		return PayEntry{}, fmt.Errorf("%w: entry effective date is required", payroll.ErrInvalidInput)
	}
	if e.ID == "" {
		e.ID = payroll.NewID("ent")
	}
	b, err := json.Marshal(p)
	if err != nil {
		return PayEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `INSERT INTO pay_entries (id, employee_id, kind, payload_json, effective_from, effective_to)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.EmployeeID, e.Kind, string(b), formatTime(e.EffectiveFrom), nullTime(e.EffectiveTo))
	if isForeignKeyError(err) {
		return PayEntry{}, fmt.Errorf("%w: %s", payroll.ErrEmployeeNotFound, e.EmployeeID)
	}
	if err != nil {
		return PayEntry{}, fmt.Errorf("failed to save pay entry: %w", err)
	}
	return e, nil
}

// EndPayEntry closes an entry after last, e.g. once a loan is paid off.
// Periods starting after last no longer see it.
func (s *Store) EndPayEntry(ctx context.Context, id string, last time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE pay_entries SET effective_to = ?
		WHERE id = ? AND effective_from <= ?`,
		formatTime(last), id, formatTime(last))
	if err != nil {
		return fmt.Errorf("failed to end pay entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM pay_entries WHERE id = ?)`, id).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: entry %s cannot end before it starts", payroll.ErrInvalidInput, id)
		}
		return fmt.Errorf("%w: %s", payroll.ErrPayEntryNotFound, id)
	}
	return nil
}

// =============================================================================
// SNAPSHOT SOURCE (payroll.SnapshotSource)
// =============================================================================

// Employees lists employees employed at any point of the period.
func (s *Store) Employees(ctx context.Context, period payroll.Period) ([]payroll.EmployeeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM employees
		WHERE hire_date <= ? AND (separation_date IS NULL OR separation_date >= ?)
		ORDER BY id ASC`, formatTime(period.End), formatTime(period.Start))
	if err != nil {
		return nil, fmt.Errorf("failed to query employees: %w", err)
	}
	defer rows.Close()

	var ids []payroll.EmployeeID
	for rows.Next() {
		var id payroll.EmployeeID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Snapshot assembles the employee's inputs for the period. Missing salary,
// attendance or leave rows leave the corresponding pointer nil.
func (s *Store) Snapshot(ctx context.Context, id payroll.EmployeeID, period payroll.Period) (payroll.EmployeeSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	emp, err := getEmployee(ctx, s.db, id)
	if err != nil {
		return payroll.EmployeeSnapshot{}, err
	}
	snap := payroll.EmployeeSnapshot{
		EmployeeID:    emp.ID,
		EmployeeName:  emp.Name,
		GovernmentIDs: emp.GovernmentIDs,
		CapturedAt:    time.Now().UTC(),
	}

	// Latest configuration effective by period end; otherwise the earliest
	// future one, which the engine reports as not yet effective.
	var salary payroll.SalaryConfig
	found, err := scanJSON(s.db.QueryRowContext(ctx, `SELECT config_json FROM salary_configs
		WHERE employee_id = ?
		ORDER BY CASE WHEN effective_from <= ? THEN 0 ELSE 1 END,
			CASE WHEN effective_from <= ? THEN effective_from END DESC,
			effective_from ASC
		LIMIT 1`, id, formatTime(period.End), formatTime(period.End)), &salary)
	if err != nil {
		return payroll.EmployeeSnapshot{}, err
	}
	if found {
		snap.Salary = &salary
	}

	var attendance payroll.AttendanceSummary
	found, err = scanJSON(s.db.QueryRowContext(ctx, `SELECT summary_json FROM attendance_summaries
		WHERE employee_id = ? AND period_start = ? AND period_end = ?`,
		id, formatTime(period.Start), formatTime(period.End)), &attendance)
	if err != nil {
		return payroll.EmployeeSnapshot{}, err
	}
	if found {
		snap.Attendance = &attendance
	}

	var leave payroll.LeaveSummary
	found, err = scanJSON(s.db.QueryRowContext(ctx, `SELECT summary_json FROM leave_summaries
		WHERE employee_id = ? AND period_start = ? AND period_end = ?`,
		id, formatTime(period.Start), formatTime(period.End)), &leave)
	if err != nil {
		return payroll.EmployeeSnapshot{}, err
	}
	if found {
		snap.Leave = &leave
	}

	if err := s.loadEntries(ctx, &snap, period); err != nil {
		return payroll.EmployeeSnapshot{}, err
	}
	return snap, nil
}

// loadEntries returns entries exactly as stored. Loan outstanding balances
// and de minimis year-to-date amounts are owned by the upstream system that
// records them; nothing here rolls them forward after a period is paid.
// A settled loan is retired with EndPayEntry.
func (s *Store) loadEntries(ctx context.Context, snap *payroll.EmployeeSnapshot, period payroll.Period) error {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, payload_json FROM pay_entries
		WHERE employee_id = ? AND effective_from <= ? AND (effective_to IS NULL OR effective_to >= ?)
		ORDER BY effective_from ASC, rowid ASC`,
		snap.EmployeeID, formatTime(period.End), formatTime(period.Start))
	if err != nil {
		return fmt.Errorf("failed to query pay entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind    EntryKind
			payload string
		)
		if err := rows.Scan(&kind, &payload); err != nil {
			return err
		}
		if err := appendEntry(snap, kind, []byte(payload)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func appendEntry(snap *payroll.EmployeeSnapshot, kind EntryKind, payload []byte) error {
	var err error
	switch kind {
	case EntryAllowance:
		var a payroll.Allowance
		if err = json.Unmarshal(payload, &a); err == nil {
			snap.Allowances = append(snap.Allowances, a)
		}
	case EntryBonus:
		var b payroll.Bonus
		if err = json.Unmarshal(payload, &b); err == nil {
			snap.Bonuses = append(snap.Bonuses, b)
		}
	case EntryDeduction:
		var d payroll.Deduction
		if err = json.Unmarshal(payload, &d); err == nil {
			snap.Deductions = append(snap.Deductions, d)
		}
	case EntryLoan:
		var l payroll.LoanInstallment
		if err = json.Unmarshal(payload, &l); err == nil {
			snap.Loans = append(snap.Loans, l)
		}
	default:
		return fmt.Errorf("unknown pay entry kind %q", kind)
	}
	if err != nil {
		return fmt.Errorf("failed to decode %s entry: %w", kind, err)
	}
	return nil
}

// scanJSON decodes a single JSON column. It reports false on no rows.
func scanJSON(row *sql.Row, v any) (bool, error) {
	var doc string
	err := row.Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(doc), v); err != nil {
		return false, err
	}
	return true, nil
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
