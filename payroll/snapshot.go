/*
snapshot.go - Employee input snapshots

PURPOSE:
  Everything the engine needs about one employee for one period, copied at
  calculation time and stored with the Calculation. Nothing is re-read live
  once a version exists.

  Nil pointers mean "the upstream system supplied nothing". The engine and
  the detector treat that differently from zero values.

SEE ALSO:
  - engine.go: Consumes snapshots
  - detector.go: Missing-data rules
  - store/sqlite: SQLite-backed SnapshotSource
*/
package payroll

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// SalaryType says how basic pay is derived.
type SalaryType string

const (
	SalaryMonthly SalaryType = "monthly"
	SalaryDaily   SalaryType = "daily"
	SalaryHourly  SalaryType = "hourly"
)

// SalaryConfig is the salary configuration effective for the period.
type SalaryConfig struct {
	Type                SalaryType      `json:"type"`
	BasicSalary         decimal.Decimal `json:"basic_salary"`
	DailyRate           decimal.Decimal `json:"daily_rate"`
	HourlyRate          decimal.Decimal `json:"hourly_rate"`
	WorkingDaysPerMonth decimal.Decimal `json:"working_days_per_month"`
	WorkingHoursPerDay  decimal.Decimal `json:"working_hours_per_day"`
	EffectiveFrom       time.Time       `json:"effective_from"`
}

// OvertimeCategory keys overtime hours and multipliers.
type OvertimeCategory string

const (
	OvertimeRegular           OvertimeCategory = "regular"
	OvertimeRestDay           OvertimeCategory = "rest_day"
	OvertimeHoliday           OvertimeCategory = "holiday"
	OvertimeNightDifferential OvertimeCategory = "night_differential"
)

// OvertimeCategories is the fixed evaluation order.
var OvertimeCategories = []OvertimeCategory{
	OvertimeRegular, OvertimeRestDay, OvertimeHoliday, OvertimeNightDifferential,
}

// AttendanceSummary is the read-only attendance aggregate for the period.
type AttendanceSummary struct {
	ExpectedDays  decimal.Decimal                      `json:"expected_days"`
	PresentDays   decimal.Decimal                      `json:"present_days"`
	AbsentDays    decimal.Decimal                      `json:"absent_days"`
	ExcusedDays   decimal.Decimal                      `json:"excused_days"`
	UnexcusedDays decimal.Decimal                      `json:"unexcused_days"`
	RegularHours  decimal.Decimal                      `json:"regular_hours"`
	OvertimeHours map[OvertimeCategory]decimal.Decimal `json:"overtime_hours,omitempty"`
}

// LeaveSummary is the read-only leave aggregate for the period.
type LeaveSummary struct {
	PaidDays   decimal.Decimal `json:"paid_days"`
	UnpaidDays decimal.Decimal `json:"unpaid_days"`
}

// GovernmentIDs are the statutory registrations of an employee.
type GovernmentIDs struct {
	SSS        string `json:"sss,omitempty"`
	PhilHealth string `json:"philhealth,omitempty"`
	PagIBIG    string `json:"pagibig,omitempty"`
	TIN        string `json:"tin,omitempty"`
}

// Get returns the registration for a kind such as "sss" or "tin".
func (g GovernmentIDs) Get(kind string) string {
	switch kind {
	case "sss":
		return g.SSS
	case "philhealth":
		return g.PhilHealth
	case "pagibig":
		return g.PagIBIG
	case "tin":
		return g.TIN
	}
	return ""
}

// Allowance is an earnings entry paid on top of basic pay.
// Caps apply only to de-minimis entries; zero means uncapped.
type Allowance struct {
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	Amount     decimal.Decimal `json:"amount"`
	Taxable    bool            `json:"taxable"`
	DeMinimis  bool            `json:"de_minimis"`
	MonthlyCap decimal.Decimal `json:"monthly_cap"`
	AnnualCap  decimal.Decimal `json:"annual_cap"`
	YearToDate decimal.Decimal `json:"year_to_date"`
}

// Bonus is a one-off or recurring bonus entry.
type Bonus struct {
	Code    string          `json:"code"`
	Name    string          `json:"name"`
	Amount  decimal.Decimal `json:"amount"`
	Taxable bool            `json:"taxable"`
}

// DeductionKind separates cash advances from other flagged deductions.
type DeductionKind string

const (
	DeductionAdvance DeductionKind = "advance"
	DeductionOther   DeductionKind = "other"
)

type Deduction struct {
	Code   string          `json:"code"`
	Name   string          `json:"name"`
	Kind   DeductionKind   `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

// LoanInstallment is the next due installment of an active loan.
type LoanInstallment struct {
	LoanID             string          `json:"loan_id"`
	Name               string          `json:"name"`
	Installment        decimal.Decimal `json:"installment"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
}

// EmployeeSnapshot is the immutable input of one calculation.
type EmployeeSnapshot struct {
	EmployeeID    EmployeeID         `json:"employee_id"`
	EmployeeName  string             `json:"employee_name"`
	Salary        *SalaryConfig      `json:"salary,omitempty"`
	Attendance    *AttendanceSummary `json:"attendance,omitempty"`
	Leave         *LeaveSummary      `json:"leave,omitempty"`
	GovernmentIDs GovernmentIDs      `json:"government_ids"`
	Allowances    []Allowance        `json:"allowances,omitempty"`
	Bonuses       []Bonus            `json:"bonuses,omitempty"`
	Deductions    []Deduction        `json:"deductions,omitempty"`
	Loans         []LoanInstallment  `json:"loans,omitempty"`
	CapturedAt    time.Time          `json:"captured_at"`
}

// =============================================================================
// SNAPSHOT SOURCE - external collaborator
// =============================================================================

// SnapshotSource supplies employee inputs. Implementations read upstream
// systems; the engine never writes through them.
type SnapshotSource interface {
	// Employees lists employees covered by the period, in a stable order.
	Employees(ctx context.Context, period Period) ([]EmployeeID, error)
	// Snapshot returns the inputs for one employee over the period's range.
	Snapshot(ctx context.Context, employee EmployeeID, period Period) (EmployeeSnapshot, error)
}

// StaticSnapshots is an in-memory SnapshotSource keyed by employee.
// The same inputs are returned for every period.
type StaticSnapshots struct {
	mu        sync.RWMutex
	snapshots map[EmployeeID]EmployeeSnapshot
}

func NewStaticSnapshots(snaps ...EmployeeSnapshot) *StaticSnapshots {
	s := &StaticSnapshots{snapshots: make(map[EmployeeID]EmployeeSnapshot)}
	for _, snap := range snaps {
		s.snapshots[snap.EmployeeID] = snap
	}
	return s
}

// Put replaces the inputs for one employee.
func (s *StaticSnapshots) Put(snap EmployeeSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.EmployeeID] = snap
}

func (s *StaticSnapshots) Employees(_ context.Context, _ Period) ([]EmployeeID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]EmployeeID, 0, len(s.snapshots))
	for id := range s.snapshots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *StaticSnapshots) Snapshot(_ context.Context, employee EmployeeID, _ Period) (EmployeeSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[employee]
	if !ok {
		return EmployeeSnapshot{}, ErrEmployeeNotFound
	}
	return snap, nil
}
