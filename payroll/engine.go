/*
engine.go - Per-employee pay calculation

PURPOSE:
  Turns one employee snapshot plus one rate-table version into a
  CalculationResult. The engine holds no state and reads no clock, so the
  same inputs always produce the same result.

ALGORITHM (fixed order, each step rounds half-up to 2 places):
  1. Basic pay         monthly pro-rated by payable/expected days,
                       daily rate x payable days, or hourly rate x hours
  2. Overtime          hours x hourly rate x category multiplier
  3. Allowances/bonus  taxable split with de-minimis caps
  4. Gross             basic + overtime + allowances + bonuses
  5. Contributions     bracket lookup per schedule on gross or basic
  6. Withholding tax   progressive brackets on taxable income
  7. Loans             next installment capped at outstanding balance
  8. Net               gross - all deductions
  9. Adjustments       additions/deductions after net; overrides replace a
                       named component before downstream steps use it

SEE ALSO:
  - rates.go: Table lookups
  - adjustment.go: Where AdjustmentLines come from
*/
package payroll

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultHoursPerDay is used when a salary configuration omits it.
var DefaultHoursPerDay = decimal.NewFromInt(8)

// Components an override adjustment may replace.
const (
	ComponentBasicPay        = "basic_pay"
	ComponentOvertime        = "overtime_pay"
	ComponentAllowances      = "allowances"
	ComponentBonuses         = "bonuses"
	ComponentWithholdingTax  = "withholding_tax"
	ComponentLoans           = "loans"
	ComponentAdvances        = "advances"
	ComponentOtherDeductions = "other_deductions"

	// ContributionComponentPrefix + schedule code, e.g. "contribution:sss".
	ContributionComponentPrefix = "contribution:"
)

var fixedComponents = map[string]bool{
	ComponentBasicPay: true, ComponentOvertime: true, ComponentAllowances: true,
	ComponentBonuses: true, ComponentWithholdingTax: true, ComponentLoans: true,
	ComponentAdvances: true, ComponentOtherDeductions: true,
}

// ValidComponent reports whether name can be the target of an override.
func ValidComponent(name string) bool {
	if fixedComponents[name] {
		return true
	}
	code, ok := strings.CutPrefix(name, ContributionComponentPrefix)
	return ok && code != ""
}

// Engine computes calculation results.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Compute calculates pay for one employee. Adjustment lines are folded in as
// explicit items, in order. A locked period is rejected before anything else.
func (e *Engine) Compute(period Period, snap EmployeeSnapshot, tables RateTables, adjustments ...AdjustmentLine) (CalculationResult, error) {
	if period.Locked {
		return CalculationResult{}, fmt.Errorf("%w: %s", ErrPeriodLocked, period.ID)
	}
	if err := validateSnapshot(period, snap); err != nil {
		return CalculationResult{}, err
	}

	c := &computation{
		period:    period,
		snap:      snap,
		tables:    tables,
		overrides: make(map[string]decimal.Decimal),
		replaced:  make(map[string]decimal.Decimal),
	}
	for _, adj := range adjustments {
		if adj.Type == AdjustmentOverride {
			c.overrides[adj.Component] = RoundMoney(adj.Amount)
		}
	}

	res := ZeroResult(tables.Version)
	if err := c.earnings(&res.Earnings); err != nil {
		return CalculationResult{}, err
	}
	c.deductions(res.Earnings, &res.Deductions)
	res.NetPay = res.Earnings.Gross.Sub(res.Deductions.Total)
	c.adjustments(adjustments, &res)
	return res, nil
}

// computation carries one Compute call's inputs between steps.
type computation struct {
	period    Period
	snap      EmployeeSnapshot
	tables    RateTables
	overrides map[string]decimal.Decimal
	replaced  map[string]decimal.Decimal
}

// override returns the overriding value for component when one exists and
// remembers the computed value it replaced.
func (c *computation) override(component string, computed decimal.Decimal) decimal.Decimal {
	if v, ok := c.overrides[component]; ok {
		c.replaced[component] = computed
		return v
	}
	return computed
}

// =============================================================================
// VALIDATION
// =============================================================================

func validateSnapshot(period Period, snap EmployeeSnapshot) error {
	emp := snap.EmployeeID
	if emp == "" {
		return invalidInput(emp, "employee_id", "snapshot has no employee")
	}
	if period.Type.PaysBasic() {
		s := snap.Salary
		if s == nil {
			return missingInput(emp, "salary", "no salary configuration effective for period")
		}
		if !s.EffectiveFrom.IsZero() && s.EffectiveFrom.After(period.End) {
			return missingInput(emp, "salary", fmt.Sprintf("salary configuration effective from %s, after period end",
				s.EffectiveFrom.Format("2006-01-02")))
		}
		switch s.Type {
		case SalaryMonthly:
			if !s.BasicSalary.IsPositive() {
				return invalidInput(emp, "basic_salary", "must be positive")
			}
			if !expectedDays(snap).IsPositive() {
				return invalidInput(emp, "working_days_per_month", "no expected working days")
			}
		case SalaryDaily:
			if !s.DailyRate.IsPositive() {
				return invalidInput(emp, "daily_rate", "must be positive")
			}
		case SalaryHourly:
			if !s.HourlyRate.IsPositive() {
				return invalidInput(emp, "hourly_rate", "must be positive")
			}
		default:
			return invalidInput(emp, "salary_type", fmt.Sprintf("unknown salary type %q", s.Type))
		}
	}
	for _, a := range snap.Allowances {
		if a.Amount.IsNegative() {
			return invalidInput(emp, "allowance:"+a.Code, "negative amount")
		}
	}
	for _, b := range snap.Bonuses {
		if b.Amount.IsNegative() {
			return invalidInput(emp, "bonus:"+b.Code, "negative amount")
		}
	}
	for _, d := range snap.Deductions {
		if d.Amount.IsNegative() {
			return invalidInput(emp, "deduction:"+d.Code, "negative amount")
		}
	}
	for _, l := range snap.Loans {
		if l.Installment.IsNegative() || l.OutstandingBalance.IsNegative() {
			return invalidInput(emp, "loan:"+l.LoanID, "negative installment or balance")
		}
	}
	return nil
}

func expectedDays(snap EmployeeSnapshot) decimal.Decimal {
	if snap.Attendance != nil && snap.Attendance.ExpectedDays.IsPositive() {
		return snap.Attendance.ExpectedDays
	}
	if snap.Salary != nil {
		return snap.Salary.WorkingDaysPerMonth
	}
	return decimal.Zero
}

func hoursPerDay(s SalaryConfig) decimal.Decimal {
	if s.WorkingHoursPerDay.IsPositive() {
		return s.WorkingHoursPerDay
	}
	return DefaultHoursPerDay
}

// hourlyRate derives the overtime base rate, kept at RatePlaces.
func hourlyRate(snap EmployeeSnapshot) decimal.Decimal {
	s := snap.Salary
	if s == nil {
		return decimal.Zero
	}
	if s.HourlyRate.IsPositive() {
		return s.HourlyRate
	}
	hours := hoursPerDay(*s)
	switch s.Type {
	case SalaryDaily:
		return s.DailyRate.Div(hours).Round(RatePlaces)
	case SalaryMonthly:
		days := expectedDays(snap)
		if !days.IsPositive() {
			return decimal.Zero
		}
		return s.BasicSalary.Div(days.Mul(hours)).Round(RatePlaces)
	}
	return decimal.Zero
}

// =============================================================================
// EARNINGS (steps 1-4)
// =============================================================================

func (c *computation) earnings(out *Earnings) error {
	if c.period.Type.PaysBasic() {
		c.basicPay(out)
		if err := c.overtime(out); err != nil {
			return err
		}
	}
	c.allowances(out)
	c.bonuses(out)
	out.Gross = sumMoney(out.BasicPay, out.OvertimeTotal, out.AllowanceTotal, out.BonusTotal)
	return nil
}

func (c *computation) basicPay(out *Earnings) {
	s := *c.snap.Salary
	att := c.snap.Attendance
	expected := expectedDays(c.snap)

	payable := decimal.Zero
	switch {
	case att == nil && s.Type == SalaryMonthly:
		// No timekeeping: monthly staff are paid the full month and flagged.
		payable = expected
	case att != nil:
		payable = att.PresentDays
		if c.snap.Leave != nil {
			payable = payable.Add(c.snap.Leave.PaidDays)
		}
		if expected.IsPositive() && payable.GreaterThan(expected) {
			payable = expected
		}
	}
	out.PayableDays = payable
	out.HourlyRate = hourlyRate(c.snap)

	var basic decimal.Decimal
	switch s.Type {
	case SalaryMonthly:
		basic = s.BasicSalary.Mul(payable).Div(expected)
	case SalaryDaily:
		basic = s.DailyRate.Mul(payable)
	case SalaryHourly:
		if att != nil && att.RegularHours.IsPositive() {
			basic = s.HourlyRate.Mul(att.RegularHours)
		} else {
			basic = s.HourlyRate.Mul(hoursPerDay(s)).Mul(payable)
		}
	}
	out.BasicPay = c.override(ComponentBasicPay, RoundMoney(basic))
}

func (c *computation) overtime(out *Earnings) error {
	att := c.snap.Attendance
	total := decimal.Zero
	if att != nil {
		for _, cat := range OvertimeCategories {
			hours, ok := att.OvertimeHours[cat]
			if !ok || hours.IsZero() {
				continue
			}
			mult, ok := c.tables.Multiplier(cat)
			if !ok {
				return missingInput(c.snap.EmployeeID, "overtime_multiplier",
					fmt.Sprintf("rate tables %s have no multiplier for %s", c.tables.Version, cat))
			}
			amount := RoundMoney(hours.Mul(out.HourlyRate).Mul(mult))
			out.Overtime = append(out.Overtime, OvertimeLine{
				Category: cat, Hours: hours, HourlyRate: out.HourlyRate, Multiplier: mult, Amount: amount,
			})
			total = total.Add(amount)
		}
	}
	out.OvertimeTotal = c.override(ComponentOvertime, total)
	return nil
}

func (c *computation) allowances(out *Earnings) {
	total, nonTaxable := decimal.Zero, decimal.Zero
	for _, a := range c.snap.Allowances {
		amount := RoundMoney(a.Amount)
		exempt := decimal.Zero
		switch {
		case a.DeMinimis:
			exempt = amount
			if a.MonthlyCap.IsPositive() {
				exempt = decimal.Min(exempt, a.MonthlyCap)
			}
			if a.AnnualCap.IsPositive() {
				remaining := decimal.Max(a.AnnualCap.Sub(a.YearToDate), decimal.Zero)
				exempt = decimal.Min(exempt, remaining)
			}
		case !a.Taxable:
			exempt = amount
		}
		exempt = RoundMoney(exempt)
		out.Allowances = append(out.Allowances, EarningLine{
			Code: a.Code, Name: a.Name, Amount: amount,
			Taxable: amount.Sub(exempt), NonTaxable: exempt,
		})
		total = total.Add(amount)
		nonTaxable = nonTaxable.Add(exempt)
	}
	out.AllowanceTotal = c.override(ComponentAllowances, total)
	out.NonTaxable = out.NonTaxable.Add(decimal.Min(nonTaxable, out.AllowanceTotal))
}

func (c *computation) bonuses(out *Earnings) {
	total, nonTaxable := decimal.Zero, decimal.Zero
	for _, b := range c.snap.Bonuses {
		amount := RoundMoney(b.Amount)
		line := EarningLine{Code: b.Code, Name: b.Name, Amount: amount, Taxable: amount, NonTaxable: decimal.Zero}
		if !b.Taxable {
			line.Taxable, line.NonTaxable = decimal.Zero, amount
			nonTaxable = nonTaxable.Add(amount)
		}
		out.Bonuses = append(out.Bonuses, line)
		total = total.Add(amount)
	}
	out.BonusTotal = c.override(ComponentBonuses, total)
	out.NonTaxable = out.NonTaxable.Add(decimal.Min(nonTaxable, out.BonusTotal))
}

// =============================================================================
// DEDUCTIONS (steps 5-8)
// =============================================================================

func (c *computation) deductions(earn Earnings, out *Deductions) {
	if c.period.Type.WithholdsContributions() {
		for _, sched := range c.tables.Contributions {
			base := earn.Gross
			if sched.Base == BaseBasic {
				base = earn.BasicPay
			}
			line := ContributionLine{Code: sched.Code, Base: base, Employee: decimal.Zero, Employer: decimal.Zero}
			if b, ok := sched.Lookup(base); ok {
				line.Employee = RoundMoney(b.EmployeeFixed.Add(base.Mul(b.EmployeeRate)))
				line.Employer = RoundMoney(b.EmployerFixed.Add(base.Mul(b.EmployerRate)))
			}
			line.Employee = c.override(ContributionComponentPrefix+sched.Code, line.Employee)
			out.Contributions = append(out.Contributions, line)
			out.ContributionTotal = out.ContributionTotal.Add(line.Employee)
			out.EmployerContributionTotal = out.EmployerContributionTotal.Add(line.Employer)
		}
	}

	taxable := earn.Gross.Sub(earn.NonTaxable)
	if c.tables.WithholdingTax.DeductContributions {
		taxable = taxable.Sub(out.ContributionTotal)
	}
	if taxable.IsNegative() {
		taxable = decimal.Zero
	}
	out.TaxableIncome = taxable
	tax := decimal.Zero
	if taxable.IsPositive() {
		if b, ok := c.tables.WithholdingTax.Lookup(taxable); ok {
			tax = RoundMoney(b.BaseTax.Add(taxable.Sub(b.Over).Mul(b.Rate)))
		}
	}
	out.WithholdingTax = c.override(ComponentWithholdingTax, tax)

	loans := decimal.Zero
	for _, l := range c.snap.Loans {
		amount := RoundMoney(decimal.Min(l.Installment, l.OutstandingBalance))
		out.Loans = append(out.Loans, LoanLine{LoanID: l.LoanID, Amount: amount})
		loans = loans.Add(amount)
	}
	out.LoanTotal = c.override(ComponentLoans, loans)

	advances, other := decimal.Zero, decimal.Zero
	for _, d := range c.snap.Deductions {
		amount := RoundMoney(d.Amount)
		out.Other = append(out.Other, DeductionLine{Code: d.Code, Kind: d.Kind, Amount: amount})
		if d.Kind == DeductionAdvance {
			advances = advances.Add(amount)
		} else {
			other = other.Add(amount)
		}
	}
	out.Advances = c.override(ComponentAdvances, advances)
	out.OtherDeductions = c.override(ComponentOtherDeductions, other)

	out.Total = sumMoney(out.ContributionTotal, out.WithholdingTax, out.LoanTotal, out.Advances, out.OtherDeductions)
}

// =============================================================================
// ADJUSTMENTS (step 9)
// =============================================================================

func (c *computation) adjustments(lines []AdjustmentLine, res *CalculationResult) {
	total := decimal.Zero
	for _, adj := range lines {
		line := adj
		line.Amount = RoundMoney(adj.Amount)
		line.Replaced = decimal.Zero
		switch adj.Type {
		case AdjustmentAddition:
			total = total.Add(line.Amount)
		case AdjustmentDeduction:
			total = total.Sub(line.Amount)
		case AdjustmentOverride:
			if prev, ok := c.replaced[adj.Component]; ok {
				line.Replaced = prev
			}
		}
		res.Adjustments = append(res.Adjustments, line)
	}
	res.AdjustmentTotal = total
	res.FinalNetPay = res.NetPay.Add(total)
}
