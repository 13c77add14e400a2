/*
calculation.go - Versioned per-employee calculation records

KEY CONCEPTS:
  - CalculationResult: The pure output of Engine.Compute
  - Calculation: A stored version wrapping a result with its snapshot
  - AdjustmentLine: An applied adjustment, folded into a later version

VERSIONING:
  Versions for one (period, employee) run 1, 2, 3, ... without gaps.
  Version N+1 links to version N through PreviousID. Creating it only flips
  Superseded on version N; the computed fields of N never change.
*/
package payroll

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RESULT BREAKDOWN
// =============================================================================

type OvertimeLine struct {
	Category   OvertimeCategory `json:"category"`
	Hours      decimal.Decimal  `json:"hours"`
	HourlyRate decimal.Decimal  `json:"hourly_rate"`
	Multiplier decimal.Decimal  `json:"multiplier"`
	Amount     decimal.Decimal  `json:"amount"`
}

// EarningLine is one allowance or bonus with its taxable split.
type EarningLine struct {
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	Amount     decimal.Decimal `json:"amount"`
	Taxable    decimal.Decimal `json:"taxable"`
	NonTaxable decimal.Decimal `json:"non_taxable"`
}

type Earnings struct {
	PayableDays    decimal.Decimal `json:"payable_days"`
	HourlyRate     decimal.Decimal `json:"hourly_rate"`
	BasicPay       decimal.Decimal `json:"basic_pay"`
	Overtime       []OvertimeLine  `json:"overtime"`
	OvertimeTotal  decimal.Decimal `json:"overtime_total"`
	Allowances     []EarningLine   `json:"allowances"`
	AllowanceTotal decimal.Decimal `json:"allowance_total"`
	Bonuses        []EarningLine   `json:"bonuses"`
	BonusTotal     decimal.Decimal `json:"bonus_total"`
	NonTaxable     decimal.Decimal `json:"non_taxable"`
	Gross          decimal.Decimal `json:"gross"`
}

type ContributionLine struct {
	Code     string          `json:"code"`
	Base     decimal.Decimal `json:"base"`
	Employee decimal.Decimal `json:"employee"`
	Employer decimal.Decimal `json:"employer"`
}

type LoanLine struct {
	LoanID string          `json:"loan_id"`
	Amount decimal.Decimal `json:"amount"`
}

type DeductionLine struct {
	Code   string          `json:"code"`
	Kind   DeductionKind   `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

type Deductions struct {
	Contributions             []ContributionLine `json:"contributions"`
	ContributionTotal         decimal.Decimal    `json:"contribution_total"`
	EmployerContributionTotal decimal.Decimal    `json:"employer_contribution_total"`
	TaxableIncome             decimal.Decimal    `json:"taxable_income"`
	WithholdingTax            decimal.Decimal    `json:"withholding_tax"`
	Loans                     []LoanLine         `json:"loans"`
	LoanTotal                 decimal.Decimal    `json:"loan_total"`
	Other                     []DeductionLine    `json:"other"`
	Advances                  decimal.Decimal    `json:"advances"`
	OtherDeductions           decimal.Decimal    `json:"other_deductions"`
	Total                     decimal.Decimal    `json:"total"`
}

// AdjustmentLine is an applied adjustment as it appears in a result.
// Overrides record the computed value they replaced in Replaced.
type AdjustmentLine struct {
	AdjustmentID AdjustmentID    `json:"adjustment_id"`
	Type         AdjustmentType  `json:"type"`
	Component    string          `json:"component,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Replaced     decimal.Decimal `json:"replaced"`
	Reason       string          `json:"reason"`
}

// CalculationResult is the deterministic output of Engine.Compute.
type CalculationResult struct {
	RateTableVersion string           `json:"rate_table_version"`
	Earnings         Earnings         `json:"earnings"`
	Deductions       Deductions       `json:"deductions"`
	NetPay           decimal.Decimal  `json:"net_pay"`
	Adjustments      []AdjustmentLine `json:"adjustments"`
	AdjustmentTotal  decimal.Decimal  `json:"adjustment_total"`
	FinalNetPay      decimal.Decimal  `json:"final_net_pay"`
}

// ZeroResult is recorded for employees whose inputs could not be computed.
func ZeroResult(tablesVersion string) CalculationResult {
	z := decimal.Zero
	return CalculationResult{
		RateTableVersion: tablesVersion,
		Earnings: Earnings{
			PayableDays: z, HourlyRate: z, BasicPay: z, OvertimeTotal: z,
			AllowanceTotal: z, BonusTotal: z, NonTaxable: z, Gross: z,
		},
		Deductions: Deductions{
			ContributionTotal: z, EmployerContributionTotal: z, TaxableIncome: z,
			WithholdingTax: z, LoanTotal: z, Advances: z, OtherDeductions: z, Total: z,
		},
		NetPay: z, AdjustmentTotal: z, FinalNetPay: z,
	}
}

// =============================================================================
// STORED CALCULATION
// =============================================================================

type Calculation struct {
	ID           CalculationID
	PeriodID     PeriodID
	EmployeeID   EmployeeID
	Version      int
	PreviousID   CalculationID
	Status       CalculationStatus
	Superseded   bool
	Snapshot     EmployeeSnapshot
	Result       CalculationResult
	Error        string
	RunID        RunID
	AdjustmentID AdjustmentID
	CreatedBy    Actor
	CreatedAt    time.Time
}

// Failed reports whether the version records an input error instead of pay.
func (c Calculation) Failed() bool { return c.Error != "" }

// CalculationWrite is persisted atomically: the new version, the exceptions
// detected on it, the superseded flag on its predecessor, an optional
// adjustment moving to applied, and the recomputed period totals.
type CalculationWrite struct {
	Calculation Calculation
	Exceptions  []Exception
	// AppliedAdjustment, when set, must still be approved at commit time.
	AppliedAdjustment *Adjustment
}
