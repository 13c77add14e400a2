/*
Package statutory holds preset rate-table documents.

These functions build JSON table documents for known jurisdictions. They
produce the same format finance would publish by hand, so they go through
factory.ParseRateTables like any other version.

  jsonStr := statutory.PhilippinesJSON("ph-2024.1", "2024-01-01")
  tables, err := factory.ParseRateTables(jsonStr)

PHILIPPINES (monthly payroll):
  SSS          14% of the monthly salary credit: 4.5% employee, 9.5%
               employer plus the EC contribution. MSC 4,000 to 30,000 in
               500 steps, assessed on gross compensation.
  PhilHealth   5% premium on basic salary, floor 10,000 and ceiling
               100,000, split evenly.
  Pag-IBIG     1%/2% up to 1,500, then 2%/2%, capped at a 10,000 fund salary.
  Withholding  BIR monthly table (TRAIN, 2023 onwards), contributions
               excluded from taxable income.
  Overtime     125% regular, 130% rest day, 200% regular holiday,
               110% night differential.

SEE ALSO:
  - factory/ratetable.go: Document format and validation
*/
package statutory

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/payroll"
)

// PhilippinesJurisdiction is the jurisdiction code of the PH preset.
const PhilippinesJurisdiction = "PH"

// PhilippinesJSON returns the PH monthly table document.
func PhilippinesJSON(version, effectiveFrom string) string {
	tj := map[string]interface{}{
		"version":        version,
		"jurisdiction":   PhilippinesJurisdiction,
		"effective_from": effectiveFrom,
		"overtime_multipliers": map[string]string{
			"regular":            "1.25",
			"rest_day":           "1.30",
			"holiday":            "2.00",
			"night_differential": "1.10",
		},
		"contributions": []map[string]interface{}{
			{"code": "sss", "name": "Social Security System", "base": "gross", "brackets": sssBrackets()},
			{
				"code": "philhealth", "name": "PhilHealth", "base": "basic",
				"brackets": []map[string]interface{}{
					{"from": "0", "to": "10000", "employee_fixed": "250", "employer_fixed": "250"},
					{"from": "10000", "to": "100000", "employee_rate": "0.025", "employer_rate": "0.025"},
					{"from": "100000", "employee_fixed": "2500", "employer_fixed": "2500"},
				},
			},
			{
				"code": "pagibig", "name": "Pag-IBIG Fund", "base": "basic",
				"brackets": []map[string]interface{}{
					{"from": "0", "to": "1500", "employee_rate": "0.01", "employer_rate": "0.02"},
					{"from": "1500", "to": "10000", "employee_rate": "0.02", "employer_rate": "0.02"},
					{"from": "10000", "employee_fixed": "200", "employer_fixed": "200"},
				},
			},
		},
		"withholding_tax": map[string]interface{}{
			"deduct_contributions": true,
			"brackets": []map[string]interface{}{
				{"over": "0", "not_over": "20833", "base_tax": "0", "rate": "0"},
				{"over": "20833", "not_over": "33333", "base_tax": "0", "rate": "0.15"},
				{"over": "33333", "not_over": "66667", "base_tax": "1875", "rate": "0.20"},
				{"over": "66667", "not_over": "166667", "base_tax": "8541.80", "rate": "0.25"},
				{"over": "166667", "not_over": "666667", "base_tax": "33541.80", "rate": "0.30"},
				{"over": "666667", "base_tax": "183541.80", "rate": "0.35"},
			},
		},
	}
	b, _ := json.MarshalIndent(tj, "", "  ")
	return string(b)
}

// Philippines parses the PH preset.
func Philippines(version string, effectiveFrom time.Time) (payroll.RateTables, error) {
	return factory.ParseRateTables(PhilippinesJSON(version, effectiveFrom.Format(factory.DateLayout)))
}

// sssBrackets expands the monthly salary credit schedule. Each credit m
// covers compensation in [m-250, m+250); the first and last are open.
func sssBrackets() []map[string]interface{} {
	var (
		minCredit = decimal.NewFromInt(4000)
		maxCredit = decimal.NewFromInt(30000)
		step      = decimal.NewFromInt(500)
		half      = decimal.NewFromInt(250)
		empRate   = decimal.RequireFromString("0.045")
		erRate    = decimal.RequireFromString("0.095")
		ecBreak   = decimal.NewFromInt(15000)
	)
	var out []map[string]interface{}
	for credit := minCredit; !credit.GreaterThan(maxCredit); credit = credit.Add(step) {
		ec := decimal.NewFromInt(10)
		if !credit.LessThan(ecBreak) {
			ec = decimal.NewFromInt(30)
		}
		b := map[string]interface{}{
			"from":           credit.Sub(half).String(),
			"employee_fixed": payroll.RoundMoney(credit.Mul(empRate)).String(),
			"employer_fixed": payroll.RoundMoney(credit.Mul(erRate)).Add(ec).String(),
		}
		if credit.Equal(minCredit) {
			b["from"] = "0"
		}
		if credit.LessThan(maxCredit) {
			b["to"] = credit.Add(half).String()
		}
		out = append(out, b)
	}
	return out
}
