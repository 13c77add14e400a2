/*
rates.go - Versioned, date-effective statutory tables

PURPOSE:
  Statutory tables (contribution brackets, withholding tax brackets,
  overtime multipliers) are configuration. The engine only looks values up;
  it never derives tax law.

BRACKET SEMANTICS:
  ContributionBracket covers [From, To); a nil To is open-ended.
  Employee share = EmployeeFixed + base * EmployeeRate (same for employer).

  TaxBracket covers (Over, NotOver]; tax = BaseTax + (taxable - Over) * Rate.

SEE ALSO:
  - factory/ratetable.go: JSON to RateTables
  - statutory/: Preset tables
*/
package payroll

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ContributionBase selects which earnings a schedule is assessed on.
type ContributionBase string

const (
	BaseGross ContributionBase = "gross"
	BaseBasic ContributionBase = "basic"
)

type ContributionBracket struct {
	From          decimal.Decimal
	To            *decimal.Decimal
	EmployeeFixed decimal.Decimal
	EmployeeRate  decimal.Decimal
	EmployerFixed decimal.Decimal
	EmployerRate  decimal.Decimal
}

func (b ContributionBracket) contains(base decimal.Decimal) bool {
	if base.LessThan(b.From) {
		return false
	}
	return b.To == nil || base.LessThan(*b.To)
}

// ContributionSchedule is one government contribution (SSS, PhilHealth, ...).
type ContributionSchedule struct {
	Code     string
	Name     string
	Base     ContributionBase
	Brackets []ContributionBracket
}

// Lookup returns the bracket containing base.
func (s ContributionSchedule) Lookup(base decimal.Decimal) (ContributionBracket, bool) {
	for _, b := range s.Brackets {
		if b.contains(base) {
			return b, true
		}
	}
	return ContributionBracket{}, false
}

type TaxBracket struct {
	Over    decimal.Decimal
	NotOver *decimal.Decimal
	BaseTax decimal.Decimal
	Rate    decimal.Decimal
}

func (b TaxBracket) contains(taxable decimal.Decimal) bool {
	if !taxable.GreaterThan(b.Over) && !b.Over.IsZero() {
		return false
	}
	return b.NotOver == nil || !taxable.GreaterThan(*b.NotOver)
}

// TaxTable is the withholding tax table for the pay frequency.
type TaxTable struct {
	Brackets []TaxBracket
	// DeductContributions excludes employee contributions from taxable income.
	DeductContributions bool
}

// Lookup returns the bracket containing taxable income.
func (t TaxTable) Lookup(taxable decimal.Decimal) (TaxBracket, bool) {
	for _, b := range t.Brackets {
		if b.contains(taxable) {
			return b, true
		}
	}
	return TaxBracket{}, false
}

// RateTables is one immutable version of the statutory configuration.
type RateTables struct {
	Version             string
	Jurisdiction        string
	EffectiveFrom       time.Time
	OvertimeMultipliers map[OvertimeCategory]decimal.Decimal
	Contributions       []ContributionSchedule
	WithholdingTax      TaxTable
}

// Multiplier returns the configured multiplier for a category.
func (r RateTables) Multiplier(c OvertimeCategory) (decimal.Decimal, bool) {
	m, ok := r.OvertimeMultipliers[c]
	return m, ok
}

// =============================================================================
// RATE PROVIDER
// =============================================================================

// RateProvider returns the tables effective on a date. Pure lookup.
type RateProvider interface {
	TablesFor(ctx context.Context, date time.Time) (RateTables, error)
}

// StaticRateProvider serves a fixed set of table versions from memory.
type StaticRateProvider struct {
	mu       sync.RWMutex
	versions []RateTables
}

func NewStaticRateProvider(versions ...RateTables) *StaticRateProvider {
	p := &StaticRateProvider{}
	for _, v := range versions {
		p.Add(v)
	}
	return p
}

// Add registers a table version. Versions are kept sorted by EffectiveFrom.
func (p *StaticRateProvider) Add(t RateTables) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.versions = append(p.versions, t)
	sort.SliceStable(p.versions, func(i, j int) bool {
		return p.versions[i].EffectiveFrom.Before(p.versions[j].EffectiveFrom)
	})
}

// TablesFor returns the latest version effective on or before date.
func (p *StaticRateProvider) TablesFor(_ context.Context, date time.Time) (RateTables, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return SelectEffective(p.versions, date)
}

// SelectEffective picks the latest version in sorted whose EffectiveFrom is
// not after date.
func SelectEffective(sorted []RateTables, date time.Time) (RateTables, error) {
	for i := len(sorted) - 1; i >= 0; i-- {
		if !sorted[i].EffectiveFrom.After(date) {
			return sorted[i], nil
		}
	}
	return RateTables{}, fmt.Errorf("%w: %s", ErrRateTableNotFound, date.Format("2006-01-02"))
}
