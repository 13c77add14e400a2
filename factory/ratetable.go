/*
Package factory provides JSON to Go rate-table conversion.

PURPOSE:
  Converts JSON statutory table definitions into payroll.RateTables. Tables
  are configuration: finance or HR can publish a new version without a code
  change, and the engine only ever looks values up.

JSON SCHEMA:
  {
    "version": "ph-2024.1",
    "jurisdiction": "PH",
    "effective_from": "2024-01-01",
    "overtime_multipliers": {"regular": "1.25", "rest_day": "1.30"},
    "contributions": [
      {
        "code": "philhealth",
        "base": "basic",
        "brackets": [
          {"from": "0", "to": "10000", "employee_fixed": "250", "employer_fixed": "250"},
          {"from": "10000", "employee_rate": "0.025", "employer_rate": "0.025"}
        ]
      }
    ],
    "withholding_tax": {
      "deduct_contributions": true,
      "brackets": [
        {"over": "0", "not_over": "20833", "base_tax": "0", "rate": "0"},
        {"over": "20833", "base_tax": "0", "rate": "0.15"}
      ]
    }
  }

VALIDATION:
  - version, jurisdiction and effective_from are required
  - multipliers must name a known overtime category and be positive
  - brackets must be contiguous and ascending; only the last is open-ended
  - rates are fractions between 0 and 1

USAGE:
  tables, err := factory.ParseRateTables(jsonString)
  provider := payroll.NewStaticRateProvider(tables)

SEE ALSO:
  - payroll/rates.go: RateTables and bracket semantics
  - statutory/: Preset table documents
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
)

// DateLayout is the format of effective_from.
const DateLayout = "2006-01-02"

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RateTablesJSON is the JSON representation of one table version.
type RateTablesJSON struct {
	Version             string                     `json:"version"`
	Jurisdiction        string                     `json:"jurisdiction"`
	EffectiveFrom       string                     `json:"effective_from"`
	OvertimeMultipliers map[string]decimal.Decimal `json:"overtime_multipliers"`
	Contributions       []ContributionJSON         `json:"contributions,omitempty"`
	WithholdingTax      TaxTableJSON               `json:"withholding_tax"`
}

type ContributionJSON struct {
	Code     string        `json:"code"`
	Name     string        `json:"name,omitempty"`
	Base     string        `json:"base,omitempty"` // gross (default) or basic
	Brackets []BracketJSON `json:"brackets"`
}

// BracketJSON covers [from, to). A missing "to" is open-ended.
type BracketJSON struct {
	From          decimal.Decimal  `json:"from"`
	To            *decimal.Decimal `json:"to,omitempty"`
	EmployeeFixed decimal.Decimal  `json:"employee_fixed"`
	EmployeeRate  decimal.Decimal  `json:"employee_rate"`
	EmployerFixed decimal.Decimal  `json:"employer_fixed"`
	EmployerRate  decimal.Decimal  `json:"employer_rate"`
}

type TaxTableJSON struct {
	DeductContributions bool             `json:"deduct_contributions"`
	Brackets            []TaxBracketJSON `json:"brackets"`
}

// TaxBracketJSON covers (over, not_over]. A missing "not_over" is open-ended.
type TaxBracketJSON struct {
	Over    decimal.Decimal  `json:"over"`
	NotOver *decimal.Decimal `json:"not_over,omitempty"`
	BaseTax decimal.Decimal  `json:"base_tax"`
	Rate    decimal.Decimal  `json:"rate"`
}

// =============================================================================
// RATE TABLE FACTORY
// =============================================================================

// RateTableFactory converts JSON table documents to payroll.RateTables.
type RateTableFactory struct{}

func NewRateTableFactory() *RateTableFactory {
	return &RateTableFactory{}
}

// ParseRateTables parses and validates one JSON table document.
func ParseRateTables(jsonStr string) (payroll.RateTables, error) {
	return NewRateTableFactory().Parse([]byte(jsonStr))
}

// Parse decodes data and converts it with FromJSON.
func (f *RateTableFactory) Parse(data []byte) (payroll.RateTables, error) {
	var rj RateTablesJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return payroll.RateTables{}, fmt.Errorf("%w: failed to parse rate table JSON: %v", payroll.ErrInvalidInput, err)
	}
	return f.FromJSON(rj)
}

// FromJSON validates rj and builds the tables.
func (f *RateTableFactory) FromJSON(rj RateTablesJSON) (payroll.RateTables, error) {
	if rj.Version == "" {
		return payroll.RateTables{}, invalid("version is required")
	}
	if rj.Jurisdiction == "" {
		return payroll.RateTables{}, invalid("jurisdiction is required")
	}
	effective, err := time.Parse(DateLayout, rj.EffectiveFrom)
	if err != nil {
		return payroll.RateTables{}, invalid("effective_from %q: expected YYYY-MM-DD", rj.EffectiveFrom)
	}

	tables := payroll.RateTables{
		Version:             rj.Version,
		Jurisdiction:        rj.Jurisdiction,
		EffectiveFrom:       effective.UTC(),
		OvertimeMultipliers: make(map[payroll.OvertimeCategory]decimal.Decimal, len(rj.OvertimeMultipliers)),
	}
	for name, m := range rj.OvertimeMultipliers {
		cat, ok := parseOvertimeCategory(name)
		if !ok {
			return payroll.RateTables{}, invalid("unknown overtime category %q", name)
		}
		if !m.IsPositive() {
			return payroll.RateTables{}, invalid("overtime multiplier for %s must be positive", name)
		}
		tables.OvertimeMultipliers[cat] = m
	}

	seen := make(map[string]bool)
	for _, cj := range rj.Contributions {
		if seen[cj.Code] {
			return payroll.RateTables{}, invalid("contribution %q defined twice", cj.Code)
		}
		seen[cj.Code] = true
		sched, err := parseContribution(cj)
		if err != nil {
			return payroll.RateTables{}, err
		}
		tables.Contributions = append(tables.Contributions, sched)
	}

	tax, err := parseTaxTable(rj.WithholdingTax)
	if err != nil {
		return payroll.RateTables{}, err
	}
	tables.WithholdingTax = tax
	return tables, nil
}

// ToJSON converts tables back to their document form.
func (f *RateTableFactory) ToJSON(t payroll.RateTables) RateTablesJSON {
	rj := RateTablesJSON{
		Version:             t.Version,
		Jurisdiction:        t.Jurisdiction,
		EffectiveFrom:       t.EffectiveFrom.Format(DateLayout),
		OvertimeMultipliers: make(map[string]decimal.Decimal, len(t.OvertimeMultipliers)),
		WithholdingTax:      TaxTableJSON{DeductContributions: t.WithholdingTax.DeductContributions},
	}
	for cat, m := range t.OvertimeMultipliers {
		rj.OvertimeMultipliers[string(cat)] = m
	}
	for _, s := range t.Contributions {
		cj := ContributionJSON{Code: s.Code, Name: s.Name, Base: string(s.Base)}
		for _, b := range s.Brackets {
			cj.Brackets = append(cj.Brackets, BracketJSON{
				From: b.From, To: b.To,
				EmployeeFixed: b.EmployeeFixed, EmployeeRate: b.EmployeeRate,
				EmployerFixed: b.EmployerFixed, EmployerRate: b.EmployerRate,
			})
		}
		rj.Contributions = append(rj.Contributions, cj)
	}
	for _, b := range t.WithholdingTax.Brackets {
		rj.WithholdingTax.Brackets = append(rj.WithholdingTax.Brackets, TaxBracketJSON{
			Over: b.Over, NotOver: b.NotOver, BaseTax: b.BaseTax, Rate: b.Rate,
		})
	}
	return rj
}

// Marshal encodes tables as a JSON document that Parse accepts.
func (f *RateTableFactory) Marshal(t payroll.RateTables) ([]byte, error) {
	return json.Marshal(f.ToJSON(t))
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: rate tables: %s", payroll.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func parseOvertimeCategory(s string) (payroll.OvertimeCategory, bool) {
	for _, c := range payroll.OvertimeCategories {
		if string(c) == s {
			return c, true
		}
	}
	return "", false
}

func parseBase(s string) (payroll.ContributionBase, bool) {
	switch s {
	case "", "gross":
		return payroll.BaseGross, true
	case "basic":
		return payroll.BaseBasic, true
	}
	return "", false
}

func validRate(r decimal.Decimal) bool {
	return !r.IsNegative() && !r.GreaterThan(decimal.NewFromInt(1))
}

func parseContribution(cj ContributionJSON) (payroll.ContributionSchedule, error) {
	if cj.Code == "" {
		return payroll.ContributionSchedule{}, invalid("contribution code is required")
	}
	base, ok := parseBase(cj.Base)
	if !ok {
		return payroll.ContributionSchedule{}, invalid("contribution %s: unknown base %q", cj.Code, cj.Base)
	}
	if len(cj.Brackets) == 0 {
		return payroll.ContributionSchedule{}, invalid("contribution %s has no brackets", cj.Code)
	}
	sched := payroll.ContributionSchedule{Code: cj.Code, Name: cj.Name, Base: base}
	for i, bj := range cj.Brackets {
		last := i == len(cj.Brackets)-1
		switch {
		case bj.To == nil && !last:
			return payroll.ContributionSchedule{}, invalid("contribution %s bracket %d: only the last bracket may be open-ended", cj.Code, i)
		case bj.To != nil && !bj.To.GreaterThan(bj.From):
			return payroll.ContributionSchedule{}, invalid("contribution %s bracket %d: to must exceed from", cj.Code, i)
		case i > 0 && !bj.From.Equal(*cj.Brackets[i-1].To):
			return payroll.ContributionSchedule{}, invalid("contribution %s bracket %d: gap or overlap at %s", cj.Code, i, bj.From)
		case !validRate(bj.EmployeeRate) || !validRate(bj.EmployerRate):
			return payroll.ContributionSchedule{}, invalid("contribution %s bracket %d: rates must be between 0 and 1", cj.Code, i)
		case bj.EmployeeFixed.IsNegative() || bj.EmployerFixed.IsNegative():
			return payroll.ContributionSchedule{}, invalid("contribution %s bracket %d: negative fixed amount", cj.Code, i)
		}
		sched.Brackets = append(sched.Brackets, payroll.ContributionBracket{
			From: bj.From, To: bj.To,
			EmployeeFixed: bj.EmployeeFixed, EmployeeRate: bj.EmployeeRate,
			EmployerFixed: bj.EmployerFixed, EmployerRate: bj.EmployerRate,
		})
	}
	return sched, nil
}

func parseTaxTable(tj TaxTableJSON) (payroll.TaxTable, error) {
	table := payroll.TaxTable{DeductContributions: tj.DeductContributions}
	for i, bj := range tj.Brackets {
		last := i == len(tj.Brackets)-1
		switch {
		case i == 0 && !bj.Over.IsZero():
			return payroll.TaxTable{}, invalid("first tax bracket must start at 0")
		case bj.NotOver == nil && !last:
			return payroll.TaxTable{}, invalid("tax bracket %d: only the last bracket may be open-ended", i)
		case bj.NotOver != nil && !bj.NotOver.GreaterThan(bj.Over):
			return payroll.TaxTable{}, invalid("tax bracket %d: not_over must exceed over", i)
		case i > 0 && !bj.Over.Equal(*tj.Brackets[i-1].NotOver):
			return payroll.TaxTable{}, invalid("tax bracket %d: gap or overlap at %s", i, bj.Over)
		case !validRate(bj.Rate):
			return payroll.TaxTable{}, invalid("tax bracket %d: rate must be between 0 and 1", i)
		case bj.BaseTax.IsNegative():
			return payroll.TaxTable{}, invalid("tax bracket %d: negative base tax", i)
		}
		table.Brackets = append(table.Brackets, payroll.TaxBracket{
			Over: bj.Over, NotOver: bj.NotOver, BaseTax: bj.BaseTax, Rate: bj.Rate,
		})
	}
	return table, nil
}
