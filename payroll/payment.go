package payroll

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentLine is what payment execution needs for one employee.
type PaymentLine struct {
	EmployeeID    EmployeeID      `json:"employee_id"`
	EmployeeName  string          `json:"employee_name"`
	CalculationID CalculationID   `json:"calculation_id"`
	Version       int             `json:"version"`
	GrossPay      decimal.Decimal `json:"gross_pay"`
	Deductions    Deductions      `json:"deductions"`
	NetPay        decimal.Decimal `json:"net_pay"`
	FinalNetPay   decimal.Decimal `json:"final_net_pay"`
}

// PaymentSet is the read-only, locked calculation set of a period.
type PaymentSet struct {
	PeriodID    PeriodID        `json:"period_id"`
	PeriodName  string          `json:"period_name"`
	PaymentDate time.Time       `json:"payment_date"`
	Lines       []PaymentLine   `json:"lines"`
	TotalNet    decimal.Decimal `json:"total_net"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// PaymentSet returns the current calculations of a locked period. Unlocked
// periods have no payable set yet.
func (m *PeriodManager) PaymentSet(ctx context.Context, id PeriodID) (PaymentSet, error) {
	period, err := m.store.GetPeriod(ctx, id)
	if err != nil {
		return PaymentSet{}, err
	}
	if !period.Locked {
		return PaymentSet{}, fmt.Errorf("%w: period %s is not locked", ErrIllegalTransition, id)
	}
	calcs, err := m.store.CurrentCalculations(ctx, id)
	if err != nil {
		return PaymentSet{}, err
	}
	set := PaymentSet{
		PeriodID:    period.ID,
		PeriodName:  period.Name,
		PaymentDate: period.PaymentDate,
		TotalNet:    period.Totals.FinalNet,
		GeneratedAt: m.clock(),
	}
	for _, c := range calcs {
		set.Lines = append(set.Lines, PaymentLine{
			EmployeeID:    c.EmployeeID,
			EmployeeName:  c.Snapshot.EmployeeName,
			CalculationID: c.ID,
			Version:       c.Version,
			GrossPay:      c.Result.Earnings.Gross,
			Deductions:    c.Result.Deductions,
			NetPay:        c.Result.NetPay,
			FinalNetPay:   c.Result.FinalNetPay,
		})
	}
	return set, nil
}
