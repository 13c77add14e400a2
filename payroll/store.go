/*
store.go - Persistence interface for the payroll engine

PURPOSE:
  Defines what the engine needs from storage. Implementations:
    - payroll/store: in-memory, for tests and demos
    - store/sqlite:  SQLite, for the server

  There is deliberately no Delete method anywhere. Periods are archived,
  calculations are superseded, exceptions and adjustments change status,
  ledger entries are only ever appended.

ATOMICITY REQUIREMENTS:
  CommitTransition  ledger entry + period status/lock (+ calculation status
                    stamp) in one transaction, compare-and-set on the prior
                    status. Returns *StatusConflictError on mismatch.
  SaveCalculation   new version + predecessor superseded + exceptions +
                    optional adjustment applied + period totals recomputed
                    from current versions, in one transaction. Fails with
                    ErrPeriodLocked if the period is locked at commit time and
                    ErrVersionConflict if the version is not current+1.
*/
package payroll

import (
	"context"
	"time"
)

// Transition is one ledger append with its status change.
type Transition struct {
	Entry LedgerEntry
	// CalculationStatus, when set, is stamped on every current calculation.
	CalculationStatus CalculationStatus
}

type Store interface {
	// Periods
	CreatePeriod(ctx context.Context, p Period) error
	GetPeriod(ctx context.Context, id PeriodID) (Period, error)
	ListPeriods(ctx context.Context, filter PeriodFilter) ([]Period, error)
	ArchivePeriod(ctx context.Context, id PeriodID, at time.Time) error
	IncrementFailedRuns(ctx context.Context, id PeriodID) (int, error)

	// Ledger
	CommitTransition(ctx context.Context, t Transition) (LedgerEntry, error)
	LedgerEntries(ctx context.Context, id PeriodID) ([]LedgerEntry, error)

	// Calculations
	SaveCalculation(ctx context.Context, w CalculationWrite) error
	GetCalculation(ctx context.Context, id CalculationID) (Calculation, error)
	CurrentCalculation(ctx context.Context, period PeriodID, employee EmployeeID) (Calculation, error)
	CurrentCalculations(ctx context.Context, period PeriodID) ([]Calculation, error)
	CalculationVersions(ctx context.Context, period PeriodID, employee EmployeeID) ([]Calculation, error)
	// PreviousCalculations returns the employee's current versions in periods
	// ending before the given time, most recent first.
	PreviousCalculations(ctx context.Context, employee EmployeeID, before time.Time, limit int) ([]Calculation, error)

	// Exceptions
	GetException(ctx context.Context, id ExceptionID) (Exception, error)
	ListExceptions(ctx context.Context, filter ExceptionFilter) ([]Exception, error)
	// UpdateException persists a status change and the notes, provided the
	// stored status still equals expected.
	UpdateException(ctx context.Context, ex Exception, expected ExceptionStatus) error

	// Adjustments
	CreateAdjustment(ctx context.Context, a Adjustment) error
	GetAdjustment(ctx context.Context, id AdjustmentID) (Adjustment, error)
	ListAdjustments(ctx context.Context, period PeriodID) ([]Adjustment, error)
	// UpdateAdjustment persists a decision, provided the stored status still
	// equals expected.
	UpdateAdjustment(ctx context.Context, a Adjustment, expected AdjustmentStatus) error

	// Runs
	SaveRun(ctx context.Context, r Run) error
	GetRun(ctx context.Context, id RunID) (Run, error)
	ListRuns(ctx context.Context, period PeriodID) ([]Run, error)
}
