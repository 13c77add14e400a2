package payroll_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
)

func marchPeriod() payroll.Period {
	in := regularPeriodInput()
	return payroll.Period{
		ID: "per-march", Name: in.Name, Type: in.Type,
		Start: in.Start, End: in.End, PaymentDate: in.PaymentDate,
		Status: payroll.PeriodCalculating,
	}
}

func decPtr(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

// statutoryTables has two contribution schedules and a three-bracket tax table.
func statutoryTables() payroll.RateTables {
	t := plainTables()
	t.Version = "test-statutory-2024.1"
	t.Contributions = []payroll.ContributionSchedule{
		{
			Code: "sss", Base: payroll.BaseGross,
			Brackets: []payroll.ContributionBracket{
				{From: d("0"), To: decPtr("20000"), EmployeeFixed: d("500"), EmployerFixed: d("1000")},
				{From: d("20000"), EmployeeRate: d("0.045"), EmployerRate: d("0.095")},
			},
		},
		{
			Code: "philhealth", Base: payroll.BaseBasic,
			Brackets: []payroll.ContributionBracket{
				{From: d("0"), EmployeeRate: d("0.025"), EmployerRate: d("0.025")},
			},
		},
	}
	t.WithholdingTax = payroll.TaxTable{
		DeductContributions: true,
		Brackets: []payroll.TaxBracket{
			{Over: d("0"), NotOver: decPtr("20833"), BaseTax: d("0"), Rate: d("0")},
			{Over: d("20833"), NotOver: decPtr("33333"), BaseTax: d("0"), Rate: d("0.15")},
			{Over: d("33333"), BaseTax: d("1875"), Rate: d("0.20")},
		},
	}
	return t
}

func richEmployee() payroll.EmployeeSnapshot {
	snap := monthlyEmployee("emp-rich", "40000", 22, 22)
	snap.Allowances = []payroll.Allowance{{Code: "transport", Amount: d("2000"), Taxable: true}}
	snap.Loans = []payroll.LoanInstallment{{LoanID: "loan-1", Installment: d("1500"), OutstandingBalance: d("800")}}
	snap.Deductions = []payroll.Deduction{
		{Code: "cash-advance", Kind: payroll.DeductionAdvance, Amount: d("500")},
		{Code: "uniform", Kind: payroll.DeductionOther, Amount: d("200")},
	}
	return snap
}

func TestEngine_MonthlyProration_RoundsHalfUp(t *testing.T) {
	// GIVEN: 30,000 monthly, 22 expected days, 20 present, no other components
	snap := monthlyEmployee("emp-a", "30000", 22, 20)

	// WHEN
	res, err := payroll.NewEngine().Compute(marchPeriod(), snap, plainTables())

	// THEN: 30000 x 20/22 = 27272.7272... -> 27272.73
	require.NoError(t, err)
	assertMoney(t, "27272.73", res.Earnings.BasicPay)
	assertMoney(t, "27272.73", res.Earnings.Gross)
	assertMoney(t, "27272.73", res.NetPay)
	assertMoney(t, "27272.73", res.FinalNetPay)
	assertMoney(t, "0", res.Deductions.Total)
}

func TestEngine_HourlyOvertime_UsesCategoryMultiplier(t *testing.T) {
	// GIVEN: hourly 150, 10 days present, 8 regular overtime hours at 1.25
	snap := payroll.EmployeeSnapshot{
		EmployeeID: "emp-b",
		Salary: &payroll.SalaryConfig{
			Type: payroll.SalaryHourly, HourlyRate: d("150"), WorkingHoursPerDay: d("8"),
		},
		Attendance: &payroll.AttendanceSummary{
			ExpectedDays: d("10"), PresentDays: d("10"),
			OvertimeHours: map[payroll.OvertimeCategory]decimal.Decimal{payroll.OvertimeRegular: d("8")},
		},
		Leave:         &payroll.LeaveSummary{},
		GovernmentIDs: allIDs(),
	}

	// WHEN
	res, err := payroll.NewEngine().Compute(marchPeriod(), snap, plainTables())

	// THEN: 8 x 150 x 1.25 = 1500.00, on top of 150 x 8 x 10 basic
	require.NoError(t, err)
	require.Len(t, res.Earnings.Overtime, 1)
	assertMoney(t, "1500.00", res.Earnings.Overtime[0].Amount)
	assertMoney(t, "1500.00", res.Earnings.OvertimeTotal)
	assertMoney(t, "12000.00", res.Earnings.BasicPay)
	assertMoney(t, "13500.00", res.Earnings.Gross)
}

func TestEngine_Deterministic_ByteIdenticalResults(t *testing.T) {
	engine := payroll.NewEngine()
	snap := richEmployee()
	snap.Attendance.OvertimeHours = map[payroll.OvertimeCategory]decimal.Decimal{
		payroll.OvertimeNightDifferential: d("3.5"),
		payroll.OvertimeRegular:           d("4"),
		payroll.OvertimeHoliday:           d("8"),
	}

	first, err := engine.Compute(marchPeriod(), snap, statutoryTables())
	require.NoError(t, err)
	second, err := engine.Compute(marchPeriod(), cloneSnapshot(snap), statutoryTables())
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

// cloneSnapshot rebuilds snap from JSON so no memory is shared between runs.
func cloneSnapshot(snap payroll.EmployeeSnapshot) payroll.EmployeeSnapshot {
	raw, _ := json.Marshal(snap)
	var out payroll.EmployeeSnapshot
	_ = json.Unmarshal(raw, &out)
	return out
}

func TestEngine_StatutoryDeductions(t *testing.T) {
	res, err := payroll.NewEngine().Compute(marchPeriod(), richEmployee(), statutoryTables())
	require.NoError(t, err)

	assertMoney(t, "40000", res.Earnings.BasicPay)
	assertMoney(t, "42000", res.Earnings.Gross)

	require.Len(t, res.Deductions.Contributions, 2)
	assertMoney(t, "1890", res.Deductions.Contributions[0].Employee, "sss 4.5% of gross")
	assertMoney(t, "3990", res.Deductions.Contributions[0].Employer)
	assertMoney(t, "1000", res.Deductions.Contributions[1].Employee, "philhealth 2.5% of basic")
	assertMoney(t, "2890", res.Deductions.ContributionTotal)
	assertMoney(t, "4990", res.Deductions.EmployerContributionTotal)

	// taxable = 42000 - 2890 = 39110; tax = 1875 + 20% x (39110 - 33333)
	assertMoney(t, "39110", res.Deductions.TaxableIncome)
	assertMoney(t, "3030.40", res.Deductions.WithholdingTax)

	assertMoney(t, "800", res.Deductions.LoanTotal, "installment capped at outstanding balance")
	assertMoney(t, "500", res.Deductions.Advances)
	assertMoney(t, "200", res.Deductions.OtherDeductions)
	assertMoney(t, "7420.40", res.Deductions.Total)
	assertMoney(t, "34579.60", res.NetPay)
	assert.Equal(t, "test-statutory-2024.1", res.RateTableVersion)
}

func TestEngine_DeMinimisCaps_ExcessBecomesTaxable(t *testing.T) {
	snap := monthlyEmployee("emp-dm", "20000", 22, 22)
	snap.Allowances = []payroll.Allowance{
		{Code: "rice", Amount: d("2500"), DeMinimis: true, MonthlyCap: d("2000")},
		{Code: "laundry", Amount: d("1000"), DeMinimis: true, AnnualCap: d("5000"), YearToDate: d("4500")},
		{Code: "meal", Amount: d("300"), Taxable: false},
	}

	res, err := payroll.NewEngine().Compute(marchPeriod(), snap, plainTables())
	require.NoError(t, err)

	require.Len(t, res.Earnings.Allowances, 3)
	assertMoney(t, "2000", res.Earnings.Allowances[0].NonTaxable)
	assertMoney(t, "500", res.Earnings.Allowances[0].Taxable)
	assertMoney(t, "500", res.Earnings.Allowances[1].NonTaxable, "annual cap leaves 500")
	assertMoney(t, "500", res.Earnings.Allowances[1].Taxable)
	assertMoney(t, "300", res.Earnings.Allowances[2].NonTaxable)
	assertMoney(t, "3800", res.Earnings.AllowanceTotal)
	assertMoney(t, "2800", res.Earnings.NonTaxable)
	assertMoney(t, "21000", res.Deductions.TaxableIncome)
}

func TestEngine_PaidLeaveCountsAsPayable(t *testing.T) {
	snap := monthlyEmployee("emp-leave", "30000", 22, 18)
	snap.Leave = &payroll.LeaveSummary{PaidDays: d("2"), UnpaidDays: d("2")}

	res, err := payroll.NewEngine().Compute(marchPeriod(), snap, plainTables())
	require.NoError(t, err)
	assertMoney(t, "20", res.Earnings.PayableDays)
	assertMoney(t, "27272.73", res.Earnings.BasicPay)
}

func TestEngine_MonthlyWithoutAttendance_PaysFullMonth(t *testing.T) {
	snap := monthlyEmployee("emp-noatt", "30000", 22, 22)
	snap.Attendance = nil

	res, err := payroll.NewEngine().Compute(marchPeriod(), snap, plainTables())
	require.NoError(t, err)
	assertMoney(t, "30000", res.Earnings.BasicPay)
}

func TestEngine_AdjustmentLines(t *testing.T) {
	engine := payroll.NewEngine()
	base, err := engine.Compute(marchPeriod(), richEmployee(), statutoryTables())
	require.NoError(t, err)

	t.Run("addition and deduction apply after net", func(t *testing.T) {
		res, err := engine.Compute(marchPeriod(), richEmployee(), statutoryTables(),
			payroll.AdjustmentLine{AdjustmentID: "adj-1", Type: payroll.AdjustmentAddition, Amount: d("1000"), Reason: "missed shift"},
			payroll.AdjustmentLine{AdjustmentID: "adj-2", Type: payroll.AdjustmentDeduction, Amount: d("250"), Reason: "overpayment"},
		)
		require.NoError(t, err)
		assert.True(t, base.NetPay.Equal(res.NetPay), "net pay itself is untouched")
		assertMoney(t, "750", res.AdjustmentTotal)
		assert.True(t, base.NetPay.Add(d("750")).Equal(res.FinalNetPay))
		require.Len(t, res.Adjustments, 2)
	})

	t.Run("override replaces a component and records the old value", func(t *testing.T) {
		res, err := engine.Compute(marchPeriod(), richEmployee(), statutoryTables(),
			payroll.AdjustmentLine{AdjustmentID: "adj-3", Type: payroll.AdjustmentOverride,
				Component: payroll.ComponentWithholdingTax, Amount: d("0"), Reason: "tax exempt certificate"},
		)
		require.NoError(t, err)
		assertMoney(t, "0", res.Deductions.WithholdingTax)
		assert.True(t, base.NetPay.Add(d("3030.40")).Equal(res.NetPay))
		require.Len(t, res.Adjustments, 1)
		assertMoney(t, "3030.40", res.Adjustments[0].Replaced)
	})

	t.Run("basic pay override flows into contributions", func(t *testing.T) {
		res, err := engine.Compute(marchPeriod(), richEmployee(), statutoryTables(),
			payroll.AdjustmentLine{AdjustmentID: "adj-4", Type: payroll.AdjustmentOverride,
				Component: payroll.ComponentBasicPay, Amount: d("30000"), Reason: "salary correction"},
		)
		require.NoError(t, err)
		assertMoney(t, "32000", res.Earnings.Gross)
		assertMoney(t, "750", res.Deductions.Contributions[1].Employee, "philhealth on overridden basic")
	})
}

func TestEngine_MissingSalary_IsCalculationError(t *testing.T) {
	snap := monthlyEmployee("emp-nosal", "30000", 22, 20)
	snap.Salary = nil

	_, err := payroll.NewEngine().Compute(marchPeriod(), snap, plainTables())

	var calcErr *payroll.CalculationError
	require.True(t, errors.As(err, &calcErr))
	assert.Equal(t, payroll.EmployeeID("emp-nosal"), calcErr.EmployeeID)
	assert.ErrorIs(t, err, payroll.ErrMissingInput)
}

func TestEngine_SalaryEffectiveAfterPeriod_IsMissing(t *testing.T) {
	snap := monthlyEmployee("emp-future", "30000", 22, 20)
	snap.Salary.EffectiveFrom = date(2024, 4, 1)

	_, err := payroll.NewEngine().Compute(marchPeriod(), snap, plainTables())
	assert.ErrorIs(t, err, payroll.ErrMissingInput)
}

func TestEngine_MissingOvertimeMultiplier_IsCalculationError(t *testing.T) {
	snap := monthlyEmployee("emp-ot", "30000", 22, 22)
	snap.Attendance.OvertimeHours = map[payroll.OvertimeCategory]decimal.Decimal{payroll.OvertimeHoliday: d("2")}
	tables := plainTables()
	delete(tables.OvertimeMultipliers, payroll.OvertimeHoliday)

	_, err := payroll.NewEngine().Compute(marchPeriod(), snap, tables)
	var calcErr *payroll.CalculationError
	require.ErrorAs(t, err, &calcErr)
	assert.Equal(t, "overtime_multiplier", calcErr.Field)
}

func TestEngine_LockedPeriod_Rejected(t *testing.T) {
	p := marchPeriod()
	p.Locked = true

	_, err := payroll.NewEngine().Compute(p, monthlyEmployee("emp-a", "30000", 22, 20), plainTables())
	assert.ErrorIs(t, err, payroll.ErrPeriodLocked)
}

func TestEngine_BonusPeriod_SkipsBasicAndContributions(t *testing.T) {
	p := marchPeriod()
	p.Type = payroll.PeriodThirteenthMonth
	snap := payroll.EmployeeSnapshot{
		EmployeeID: "emp-13th",
		Bonuses:    []payroll.Bonus{{Code: "13th", Amount: d("30000"), Taxable: false}},
	}

	res, err := payroll.NewEngine().Compute(p, snap, statutoryTables())
	require.NoError(t, err)
	assertMoney(t, "0", res.Earnings.BasicPay)
	assertMoney(t, "30000", res.Earnings.Gross)
	assert.Empty(t, res.Deductions.Contributions)
	assertMoney(t, "0", res.Deductions.WithholdingTax)
	assertMoney(t, "30000", res.FinalNetPay)
}

func TestValidComponent(t *testing.T) {
	assert.True(t, payroll.ValidComponent(payroll.ComponentBasicPay))
	assert.True(t, payroll.ValidComponent("contribution:sss"))
	assert.False(t, payroll.ValidComponent("contribution:"))
	assert.False(t, payroll.ValidComponent("net_pay"))
}
