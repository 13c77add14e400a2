/*
detector.go - Anomaly detection on calculation versions

PURPOSE:
  Runs a fixed set of independent rules against one calculation and the
  employee's history, returning the exceptions that fired. Rules do not
  depend on each other's output and may run in any order.

RULES:
  high_variance          |current - previous| / previous > VarianceThreshold
  negative_net_pay       final net < 0
  low_net_pay            0 <= final net < LowNetPay
  high_net_pay           final net > HighNetPay
  excessive_deduction    deductions / gross > DeductionRatio (net >= 0 only)
  missing_timekeeping    no attendance aggregate
  missing_leave_data     no leave aggregate
  missing_government_id  a required registration is blank
  calculation_error      the version records an input error
  data_inconsistency     negative counts, or day counts beyond expected days

The detector never mutates a calculation. Persisting what it returns is the
caller's job, in the same write as the calculation.
*/
package payroll

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// EXCEPTION
// =============================================================================

type ExceptionNote struct {
	Actor     Actor           `json:"actor"`
	Status    ExceptionStatus `json:"status"`
	Note      string          `json:"note"`
	CreatedAt time.Time       `json:"created_at"`
}

// Exception is attached to exactly one calculation version. It is never
// deleted; resolution changes Status and appends to Notes.
type Exception struct {
	ID                 ExceptionID
	PeriodID           PeriodID
	EmployeeID         EmployeeID
	CalculationID      CalculationID
	CalculationVersion int
	Type               ExceptionType
	Severity           Severity
	Message            string
	Observed           decimal.NullDecimal
	Expected           decimal.NullDecimal
	Status             ExceptionStatus
	Notes              []ExceptionNote
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ExceptionFilter narrows ListExceptions. Zero values match everything.
type ExceptionFilter struct {
	PeriodID      PeriodID
	EmployeeID    EmployeeID
	CalculationID CalculationID
	Status        ExceptionStatus
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// DetectionConfig holds rule thresholds. A zero threshold disables its rule.
type DetectionConfig struct {
	VarianceThreshold decimal.Decimal
	LowNetPay         decimal.Decimal
	HighNetPay        decimal.Decimal
	DeductionRatio    decimal.Decimal
	// RequiredGovernmentIDs are registration kinds ("sss", "tin", ...).
	RequiredGovernmentIDs []string
	Severities            map[ExceptionType]Severity
}

// DefaultSeverities assigns a severity to every exception type.
var DefaultSeverities = map[ExceptionType]Severity{
	ExceptionNegativeNetPay:      SeverityCritical,
	ExceptionCalculationError:    SeverityCritical,
	ExceptionLowNetPay:           SeverityHigh,
	ExceptionMissingTimekeeping:  SeverityHigh,
	ExceptionDataInconsistency:   SeverityHigh,
	ExceptionHighVariance:        SeverityMedium,
	ExceptionHighNetPay:          SeverityMedium,
	ExceptionExcessiveDeduction:  SeverityMedium,
	ExceptionMissingGovernmentID: SeverityMedium,
	ExceptionMissingLeaveData:    SeverityLow,
}

func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		VarianceThreshold:     MustParseDecimal("0.20"),
		LowNetPay:             MustParseDecimal("1000"),
		HighNetPay:            MustParseDecimal("500000"),
		DeductionRatio:        MustParseDecimal("0.50"),
		RequiredGovernmentIDs: []string{"sss", "philhealth", "pagibig", "tin"},
		Severities:            DefaultSeverities,
	}
}

// =============================================================================
// DETECTOR
// =============================================================================

// EmployeeHistory is the employee's current calculations from earlier
// periods, most recent first.
type EmployeeHistory struct {
	Previous []Calculation
}

// PreviousNet returns the most recent positive final net pay.
func (h EmployeeHistory) PreviousNet() (decimal.Decimal, bool) {
	for _, c := range h.Previous {
		if !c.Failed() && c.Result.FinalNetPay.IsPositive() {
			return c.Result.FinalNetPay, true
		}
	}
	return decimal.Zero, false
}

type Detector struct {
	cfg   DetectionConfig
	rules []rule
}

// rule returns the exceptions it raises; ID and timestamps are filled later.
type rule func(d *Detector, calc Calculation, hist EmployeeHistory) []Exception

func NewDetector(cfg DetectionConfig) *Detector {
	if cfg.Severities == nil {
		cfg.Severities = DefaultSeverities
	}
	return &Detector{
		cfg: cfg,
		rules: []rule{
			calculationErrorRule,
			varianceRule,
			netPayRules,
			excessiveDeductionRule,
			missingDataRules,
			inconsistencyRule,
		},
	}
}

// Config returns the thresholds in use.
func (d *Detector) Config() DetectionConfig { return d.cfg }

// Detect evaluates every rule against calc. The returned exceptions are open
// and bound to calc's id and version.
func (d *Detector) Detect(calc Calculation, hist EmployeeHistory) []Exception {
	var out []Exception
	for _, r := range d.rules {
		for _, ex := range r(d, calc, hist) {
			ex.PeriodID = calc.PeriodID
			ex.EmployeeID = calc.EmployeeID
			ex.CalculationID = calc.ID
			ex.CalculationVersion = calc.Version
			ex.Status = ExceptionOpen
			out = append(out, ex)
		}
	}
	return out
}

func (d *Detector) raise(t ExceptionType, msg string, observed, expected *decimal.Decimal) Exception {
	ex := Exception{Type: t, Severity: d.cfg.Severities[t], Message: msg}
	if ex.Severity == "" {
		ex.Severity = DefaultSeverities[t]
	}
	if observed != nil {
		ex.Observed = decimal.NewNullDecimal(*observed)
	}
	if expected != nil {
		ex.Expected = decimal.NewNullDecimal(*expected)
	}
	return ex
}

// =============================================================================
// RULES
// =============================================================================

func calculationErrorRule(d *Detector, calc Calculation, _ EmployeeHistory) []Exception {
	if !calc.Failed() {
		return nil
	}
	return []Exception{d.raise(ExceptionCalculationError, calc.Error, nil, nil)}
}

func varianceRule(d *Detector, calc Calculation, hist EmployeeHistory) []Exception {
	if calc.Failed() || !d.cfg.VarianceThreshold.IsPositive() {
		return nil
	}
	prev, ok := hist.PreviousNet()
	if !ok {
		return nil
	}
	cur := calc.Result.FinalNetPay
	ratio := cur.Sub(prev).Abs().Div(prev)
	if !ratio.GreaterThan(d.cfg.VarianceThreshold) {
		return nil
	}
	msg := fmt.Sprintf("net pay changed %s%% from previous period", ratio.Mul(decimal.NewFromInt(100)).Round(1))
	return []Exception{d.raise(ExceptionHighVariance, msg, &cur, &prev)}
}

func netPayRules(d *Detector, calc Calculation, _ EmployeeHistory) []Exception {
	if calc.Failed() {
		return nil
	}
	net := calc.Result.FinalNetPay
	zero := decimal.Zero
	switch {
	case net.IsNegative():
		return []Exception{d.raise(ExceptionNegativeNetPay, "final net pay is negative", &net, &zero)}
	case d.cfg.LowNetPay.IsPositive() && net.LessThan(d.cfg.LowNetPay):
		low := d.cfg.LowNetPay
		return []Exception{d.raise(ExceptionLowNetPay, "final net pay below threshold", &net, &low)}
	case d.cfg.HighNetPay.IsPositive() && net.GreaterThan(d.cfg.HighNetPay):
		high := d.cfg.HighNetPay
		return []Exception{d.raise(ExceptionHighNetPay, "final net pay above threshold", &net, &high)}
	}
	return nil
}

func excessiveDeductionRule(d *Detector, calc Calculation, _ EmployeeHistory) []Exception {
	r := calc.Result
	if calc.Failed() || !d.cfg.DeductionRatio.IsPositive() || !r.Earnings.Gross.IsPositive() {
		return nil
	}
	// A negative net is already reported as negative_net_pay.
	if r.FinalNetPay.IsNegative() {
		return nil
	}
	ratio := r.Deductions.Total.Div(r.Earnings.Gross).Round(RatePlaces)
	if !ratio.GreaterThan(d.cfg.DeductionRatio) {
		return nil
	}
	limit := d.cfg.DeductionRatio
	return []Exception{d.raise(ExceptionExcessiveDeduction, "deductions exceed allowed share of gross", &ratio, &limit)}
}

func missingDataRules(d *Detector, calc Calculation, _ EmployeeHistory) []Exception {
	var out []Exception
	snap := calc.Snapshot
	if snap.Attendance == nil {
		out = append(out, d.raise(ExceptionMissingTimekeeping, "no attendance aggregate for period", nil, nil))
	}
	if snap.Leave == nil {
		out = append(out, d.raise(ExceptionMissingLeaveData, "no leave aggregate for period", nil, nil))
	}
	for _, kind := range d.cfg.RequiredGovernmentIDs {
		if snap.GovernmentIDs.Get(kind) == "" {
			out = append(out, d.raise(ExceptionMissingGovernmentID, "missing "+kind+" registration", nil, nil))
		}
	}
	return out
}

func inconsistencyRule(d *Detector, calc Calculation, _ EmployeeHistory) []Exception {
	att := calc.Snapshot.Attendance
	if att == nil {
		return nil
	}
	counts := []decimal.Decimal{att.ExpectedDays, att.PresentDays, att.AbsentDays, att.ExcusedDays, att.UnexcusedDays, att.RegularHours}
	for _, cat := range OvertimeCategories {
		counts = append(counts, att.OvertimeHours[cat])
	}
	for _, v := range counts {
		if v.IsNegative() {
			return []Exception{d.raise(ExceptionDataInconsistency, "attendance contains negative counts", &v, nil)}
		}
	}
	if !att.ExpectedDays.IsPositive() {
		return nil
	}
	accounted := att.PresentDays.Add(att.AbsentDays)
	if leave := calc.Snapshot.Leave; leave != nil {
		accounted = accounted.Add(leave.PaidDays).Add(leave.UnpaidDays)
	}
	if accounted.GreaterThan(att.ExpectedDays) {
		expected := att.ExpectedDays
		return []Exception{d.raise(ExceptionDataInconsistency, "present, absent and leave days exceed expected days", &accounted, &expected)}
	}
	return nil
}
