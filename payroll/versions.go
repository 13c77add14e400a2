package payroll

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// historyDepth is how many earlier periods the detector sees.
const historyDepth = 3

// versioner appends calculation versions. It is shared by the batch runner
// and the adjustment processor so both follow the same write path:
// number the version, detect, persist atomically.
type versioner struct {
	store    Store
	detector *Detector
	clock    Clock
	ids      IDGenerator
	logger   *zap.Logger
}

// current returns the employee's current version, or nil for a first run.
func (v *versioner) current(ctx context.Context, period PeriodID, emp EmployeeID) (*Calculation, error) {
	c, err := v.store.CurrentCalculation(ctx, period, emp)
	if errors.Is(err, ErrCalculationNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// write numbers draft as the successor of prev, runs detection for that one
// employee and persists everything in a single store write.
func (v *versioner) write(ctx context.Context, period Period, prev *Calculation, draft Calculation, applied *Adjustment) (Calculation, []Exception, error) {
	now := v.clock()
	calc := draft
	calc.ID = CalculationID(v.ids("calc"))
	calc.PeriodID = period.ID
	calc.Version = 1
	calc.PreviousID = ""
	calc.Superseded = false
	calc.CreatedAt = now
	if prev != nil {
		calc.Version = prev.Version + 1
		calc.PreviousID = prev.ID
	}

	history, err := v.store.PreviousCalculations(ctx, calc.EmployeeID, period.Start, historyDepth)
	if err != nil {
		return Calculation{}, nil, fmt.Errorf("load history for %s: %w", calc.EmployeeID, err)
	}
	exceptions := v.detector.Detect(calc, EmployeeHistory{Previous: history})
	for i := range exceptions {
		exceptions[i].ID = ExceptionID(v.ids("exc"))
		exceptions[i].CreatedAt = now
		exceptions[i].UpdatedAt = now
	}
	if len(exceptions) > 0 || calc.Failed() {
		calc.Status = CalcException
	}

	w := CalculationWrite{Calculation: calc, Exceptions: exceptions}
	if applied != nil {
		a := *applied
		a.AppliedCalculationID = calc.ID
		w.AppliedAdjustment = &a
	}
	if err := v.store.SaveCalculation(ctx, w); err != nil {
		return Calculation{}, nil, err
	}
	v.logger.Debug("calculation version written",
		zap.String("period_id", string(period.ID)),
		zap.String("employee_id", string(calc.EmployeeID)),
		zap.Int("version", calc.Version),
		zap.String("status", string(calc.Status)),
		zap.Int("exceptions", len(exceptions)))
	return calc, exceptions, nil
}
