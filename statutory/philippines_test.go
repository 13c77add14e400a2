package statutory_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/statutory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func philippines(t *testing.T) payroll.RateTables {
	t.Helper()
	tables, err := statutory.Philippines("ph-2024.1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return tables
}

func monthly(salary string) payroll.EmployeeSnapshot {
	return payroll.EmployeeSnapshot{
		EmployeeID: "emp-ph",
		Salary: &payroll.SalaryConfig{
			Type: payroll.SalaryMonthly, BasicSalary: d(salary),
			WorkingDaysPerMonth: d("22"), WorkingHoursPerDay: d("8"),
		},
		Attendance: &payroll.AttendanceSummary{ExpectedDays: d("22"), PresentDays: d("22")},
		Leave:      &payroll.LeaveSummary{},
	}
}

func march() payroll.Period {
	return payroll.Period{
		ID: "per-ph", Type: payroll.PeriodRegular,
		Start:       time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
		PaymentDate: time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	}
}

func TestPhilippines_Parses(t *testing.T) {
	tables := philippines(t)

	assert.Equal(t, "ph-2024.1", tables.Version)
	assert.Equal(t, statutory.PhilippinesJurisdiction, tables.Jurisdiction)
	require.Len(t, tables.Contributions, 3)
	assert.Len(t, tables.Contributions[0].Brackets, 53, "SSS credits 4,000 to 30,000 in 500 steps")
	assert.Len(t, tables.WithholdingTax.Brackets, 6)
	m, ok := tables.Multiplier(payroll.OvertimeHoliday)
	require.True(t, ok)
	assert.True(t, d("2").Equal(m))
}

func TestPhilippines_SSSCreditLookup(t *testing.T) {
	sss := philippines(t).Contributions[0]

	tests := []struct {
		gross    string
		employee string
		employer string
	}{
		{"3000", "180", "390"},
		{"20100", "900", "1930"},
		{"19749.99", "877.50", "1882.50"},
		{"45000", "1350", "2880"},
	}
	for _, tt := range tests {
		t.Run(tt.gross, func(t *testing.T) {
			b, ok := sss.Lookup(d(tt.gross))
			require.True(t, ok)
			assert.Equal(t, d(tt.employee).StringFixed(2), b.EmployeeFixed.StringFixed(2))
			assert.Equal(t, d(tt.employer).StringFixed(2), b.EmployerFixed.StringFixed(2))
		})
	}
}

func TestPhilippines_MonthlyEmployee(t *testing.T) {
	tests := []struct {
		name     string
		salary   string
		contrib  string
		employer string
		tax      string
		net      string
	}{
		// SSS 1350 + PhilHealth 750 + Pag-IBIG 200; tax 15% of (27700 - 20833)
		{"30k", "30000", "2300", "3830", "1030.05", "26669.95"},
		// SSS 900 + PhilHealth 500 + Pag-IBIG 200; taxable 18400 is exempt
		{"20k", "20000", "1600", "2630", "0", "18400"},
		// SSS 1350 + PhilHealth 1250 + Pag-IBIG 200; 1875 + 20% of (47200 - 33333)
		{"50k", "50000", "2800", "4330", "4648.40", "42551.60"},
		// PhilHealth stops at the 100,000 ceiling
		{"150k", "150000", "4050", "5580", "28362.55", "117587.45"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := payroll.NewEngine().Compute(march(), monthly(tt.salary), philippines(t))
			require.NoError(t, err)

			assert.Equal(t, d(tt.contrib).StringFixed(2), res.Deductions.ContributionTotal.StringFixed(2))
			assert.Equal(t, d(tt.employer).StringFixed(2), res.Deductions.EmployerContributionTotal.StringFixed(2))
			assert.Equal(t, d(tt.tax).StringFixed(2), res.Deductions.WithholdingTax.StringFixed(2))
			assert.Equal(t, d(tt.net).StringFixed(2), res.NetPay.StringFixed(2))
		})
	}
}
