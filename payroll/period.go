/*
period.go - Pay periods, their derived totals, and calculation runs

KEY CONCEPTS:
  - Period: One payroll cycle with a date range and a payment date
  - PeriodTotals: Aggregates derived from current calculation versions only
  - Run: One execution of the batch calculation for a period

INVARIANTS:
  - Period.Status and Period.Locked change only through the Approval Ledger
  - Period.Totals always equal SumTotals(current calculations)
  - Periods are never deleted; Archived is the only way to retire one
*/
package payroll

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PERIOD TYPE
// =============================================================================

type PeriodType string

const (
	PeriodRegular         PeriodType = "regular"
	PeriodAdjustment      PeriodType = "adjustment"
	PeriodThirteenthMonth PeriodType = "thirteenth_month"
	PeriodFinalPay        PeriodType = "final_pay"
	PeriodOffCycleBonus   PeriodType = "off_cycle_bonus"
)

func (t PeriodType) Valid() bool {
	switch t {
	case PeriodRegular, PeriodAdjustment, PeriodThirteenthMonth, PeriodFinalPay, PeriodOffCycleBonus:
		return true
	}
	return false
}

// PaysBasic reports whether the period pays basic pay and overtime.
// Bonus-only and adjustment periods carry only entries and adjustments.
func (t PeriodType) PaysBasic() bool {
	return t == PeriodRegular || t == PeriodFinalPay
}

// WithholdsContributions reports whether government contributions apply.
func (t PeriodType) WithholdsContributions() bool {
	return t.PaysBasic()
}

// =============================================================================
// PERIOD
// =============================================================================

type Period struct {
	ID          PeriodID
	Name        string
	Type        PeriodType
	Start       time.Time
	End         time.Time
	PaymentDate time.Time
	Status      PeriodStatus
	Locked      bool
	Archived    bool
	Totals      PeriodTotals
	FailedRuns  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Covers reports whether t falls inside the period (inclusive).
func (p Period) Covers(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// PeriodInput is what a caller supplies to create a period.
type PeriodInput struct {
	Name        string
	Type        PeriodType
	Start       time.Time
	End         time.Time
	PaymentDate time.Time
}

func (in PeriodInput) Validate() error {
	if in.Name == "" {
		return fmt.Errorf("%w: period name is required", ErrInvalidInput)
	}
	if !in.Type.Valid() {
		return fmt.Errorf("%w: unknown period type %q", ErrInvalidInput, in.Type)
	}
	if in.Start.IsZero() || in.End.IsZero() || in.PaymentDate.IsZero() {
		return fmt.Errorf("%w: start, end and payment dates are required", ErrInvalidInput)
	}
	if in.End.Before(in.Start) {
		return fmt.Errorf("%w: period ends before it starts", ErrInvalidInput)
	}
	if in.PaymentDate.Before(in.Start) {
		return fmt.Errorf("%w: payment date precedes period start", ErrInvalidInput)
	}
	return nil
}

// PeriodFilter narrows ListPeriods. Zero values match everything.
type PeriodFilter struct {
	Status          PeriodStatus
	IncludeArchived bool
}

// =============================================================================
// TOTALS
// =============================================================================

// PeriodTotals are derived. They are recomputed from scratch, never patched.
type PeriodTotals struct {
	EmployeeCount         int
	BasicPay              decimal.Decimal
	Overtime              decimal.Decimal
	Allowances            decimal.Decimal
	Bonuses               decimal.Decimal
	Gross                 decimal.Decimal
	EmployeeContributions decimal.Decimal
	EmployerContributions decimal.Decimal
	WithholdingTax        decimal.Decimal
	Loans                 decimal.Decimal
	OtherDeductions       decimal.Decimal
	Deductions            decimal.Decimal
	Net                   decimal.Decimal
	Adjustments           decimal.Decimal
	FinalNet              decimal.Decimal
}

// SumTotals aggregates the given calculations, which must be the current
// version for each employee.
func SumTotals(current []Calculation) PeriodTotals {
	t := PeriodTotals{
		BasicPay: decimal.Zero, Overtime: decimal.Zero, Allowances: decimal.Zero,
		Bonuses: decimal.Zero, Gross: decimal.Zero, EmployeeContributions: decimal.Zero,
		EmployerContributions: decimal.Zero, WithholdingTax: decimal.Zero, Loans: decimal.Zero,
		OtherDeductions: decimal.Zero, Deductions: decimal.Zero, Net: decimal.Zero,
		Adjustments: decimal.Zero, FinalNet: decimal.Zero,
	}
	for _, c := range current {
		r := c.Result
		t.EmployeeCount++
		t.BasicPay = t.BasicPay.Add(r.Earnings.BasicPay)
		t.Overtime = t.Overtime.Add(r.Earnings.OvertimeTotal)
		t.Allowances = t.Allowances.Add(r.Earnings.AllowanceTotal)
		t.Bonuses = t.Bonuses.Add(r.Earnings.BonusTotal)
		t.Gross = t.Gross.Add(r.Earnings.Gross)
		t.EmployeeContributions = t.EmployeeContributions.Add(r.Deductions.ContributionTotal)
		t.EmployerContributions = t.EmployerContributions.Add(r.Deductions.EmployerContributionTotal)
		t.WithholdingTax = t.WithholdingTax.Add(r.Deductions.WithholdingTax)
		t.Loans = t.Loans.Add(r.Deductions.LoanTotal)
		t.OtherDeductions = t.OtherDeductions.Add(r.Deductions.Advances).Add(r.Deductions.OtherDeductions)
		t.Deductions = t.Deductions.Add(r.Deductions.Total)
		t.Net = t.Net.Add(r.NetPay)
		t.Adjustments = t.Adjustments.Add(r.AdjustmentTotal)
		t.FinalNet = t.FinalNet.Add(r.FinalNetPay)
	}
	return t
}

// =============================================================================
// RUNS
// =============================================================================

// Run tracks one batch calculation. Progress counters are pollable while the
// run is in flight.
type Run struct {
	ID          RunID
	PeriodID    PeriodID
	Attempt     int
	Status      RunStatus
	TriggeredBy Actor
	Total       int
	Processed   int
	Calculated  int
	Exceptions  int
	Errors      int
	Error       string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

// Done reports whether the run has stopped.
func (r Run) Done() bool { return r.Status != RunRunning }

// =============================================================================
// LEDGER ENTRY
// =============================================================================

// LedgerEntry records one period transition. Entries are never updated or
// deleted.
type LedgerEntry struct {
	ID           LedgerEntryID
	PeriodID     PeriodID
	Sequence     int
	Step         Step
	Action       Action
	StatusBefore PeriodStatus
	StatusAfter  PeriodStatus
	LockedBefore bool
	LockedAfter  bool
	Actor        Actor
	Comment      string
	CreatedAt    time.Time
}
