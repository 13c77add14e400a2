/*
Package payroll provides the payroll calculation and approval engine.

PURPOSE:
  Computes per-employee pay for a pay period, detects anomalous results,
  accepts manual adjustments without destroying history, and gates period
  progression through an auditable approval state machine.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money helpers: decimal rounding used by every monetary step
  - IDs: Type-safe identifiers for periods, employees, calculations, etc.
  - Actor: Who performed an action, and in which role

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal, rounded half-up to 2 places per step
  2. Immutability: Calculations are versioned, never edited in place
  3. Type Safety: Closed string types for every status and identifier
  4. Auditability: Every status change goes through the Approval Ledger

USAGE:
  engine := payroll.NewEngine()
  result, err := engine.Compute(period, snapshot, tables)

SEE ALSO:
  - engine.go: Calculation algorithm
  - ledger.go: Approval ledger (the only path that changes Period.Status)
  - period_manager.go: Period lifecycle orchestration
*/
package payroll

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MoneyPlaces is the number of decimal places kept for every monetary amount.
const MoneyPlaces = 2

// RatePlaces is the precision kept for derived hourly rates.
const RatePlaces = 4

// RoundMoney rounds half away from zero to two places.
// For the non-negative amounts the engine produces this is half-up.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// MustParseDecimal parses s or panics. Intended for constants and tests.
func MustParseDecimal(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func sumMoney(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PeriodID string

type EmployeeID string

type CalculationID string

type ExceptionID string

type AdjustmentID string

type RunID string

type LedgerEntryID string

// NewID returns a random identifier with the given prefix.
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// IDGenerator produces identifiers. Tests substitute deterministic ones.
type IDGenerator func(prefix string) string

// Clock returns the current time. Tests substitute fixed clocks.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

// =============================================================================
// ACTORS
// =============================================================================

// Role is the capacity in which an actor performs an action.
type Role string

const (
	RolePreparer Role = "preparer"
	RoleReviewer Role = "reviewer"
	RoleApprover Role = "approver"
	RoleFinance  Role = "finance"
	RoleSystem   Role = "system"
)

var allRoles = []Role{RolePreparer, RoleReviewer, RoleApprover, RoleFinance, RoleSystem}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range allRoles {
		if r == known {
			return true
		}
	}
	return false
}

// Actor identifies who performed an action.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is used for transitions the engine performs on its own.
var SystemActor = Actor{ID: "system", Role: RoleSystem}
