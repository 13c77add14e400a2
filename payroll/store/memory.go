// Package store provides an in-memory payroll.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/payroll-engine/payroll"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps everything in maps behind one RWMutex. Every multi-record
// write validates first and mutates second, so a failed write leaves no trace.
type Memory struct {
	mu          sync.RWMutex
	periods     map[payroll.PeriodID]payroll.Period
	periodOrder []payroll.PeriodID
	ledger      map[payroll.PeriodID][]payroll.LedgerEntry
	calcs       map[payroll.CalculationID]payroll.Calculation
	versions    map[versionKey][]payroll.CalculationID
	exceptions  map[payroll.ExceptionID]payroll.Exception
	excOrder    []payroll.ExceptionID
	adjustments map[payroll.AdjustmentID]payroll.Adjustment
	adjOrder    []payroll.AdjustmentID
	runs        map[payroll.RunID]payroll.Run
	runOrder    []payroll.RunID
}

type versionKey struct {
	PeriodID   payroll.PeriodID
	EmployeeID payroll.EmployeeID
}

var _ payroll.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		periods:     make(map[payroll.PeriodID]payroll.Period),
		ledger:      make(map[payroll.PeriodID][]payroll.LedgerEntry),
		calcs:       make(map[payroll.CalculationID]payroll.Calculation),
		versions:    make(map[versionKey][]payroll.CalculationID),
		exceptions:  make(map[payroll.ExceptionID]payroll.Exception),
		adjustments: make(map[payroll.AdjustmentID]payroll.Adjustment),
		runs:        make(map[payroll.RunID]payroll.Run),
	}
}

// =============================================================================
// PERIODS
// =============================================================================

func (m *Memory) CreatePeriod(_ context.Context, p payroll.Period) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.periods[p.ID]; ok {
		return fmt.Errorf("%w: period %s already exists", payroll.ErrInvalidInput, p.ID)
	}
	m.periods[p.ID] = p
	m.periodOrder = append(m.periodOrder, p.ID)
	return nil
}

func (m *Memory) GetPeriod(_ context.Context, id payroll.PeriodID) (payroll.Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.periods[id]
	if !ok {
		return payroll.Period{}, fmt.Errorf("%w: %s", payroll.ErrPeriodNotFound, id)
	}
	return p, nil
}

func (m *Memory) ListPeriods(_ context.Context, filter payroll.PeriodFilter) ([]payroll.Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []payroll.Period
	for _, id := range m.periodOrder {
		p := m.periods[id]
		if p.Archived && !filter.IncludeArchived {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) ArchivePeriod(_ context.Context, id payroll.PeriodID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.periods[id]
	if !ok {
		return fmt.Errorf("%w: %s", payroll.ErrPeriodNotFound, id)
	}
	p.Archived = true
	p.UpdatedAt = at
	m.periods[id] = p
	return nil
}

func (m *Memory) IncrementFailedRuns(_ context.Context, id payroll.PeriodID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.periods[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", payroll.ErrPeriodNotFound, id)
	}
	p.FailedRuns++
	m.periods[id] = p
	return p.FailedRuns, nil
}

// =============================================================================
// LEDGER
// =============================================================================

// CommitTransition appends the entry and moves the period in one step.
func (m *Memory) CommitTransition(_ context.Context, t payroll.Transition) (payroll.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := t.Entry
	p, ok := m.periods[e.PeriodID]
	if !ok {
		return payroll.LedgerEntry{}, fmt.Errorf("%w: %s", payroll.ErrPeriodNotFound, e.PeriodID)
	}
	if p.Status != e.StatusBefore || p.Locked != e.LockedBefore {
		return payroll.LedgerEntry{}, &payroll.StatusConflictError{PeriodID: p.ID, Expected: e.StatusBefore, Current: p.Status}
	}

	e.Sequence = len(m.ledger[p.ID]) + 1
	m.ledger[p.ID] = append(m.ledger[p.ID], e)
	p.Status = e.StatusAfter
	p.Locked = e.LockedAfter
	p.UpdatedAt = e.CreatedAt
	m.periods[p.ID] = p

	if t.CalculationStatus != "" {
		for k, ids := range m.versions {
			if k.PeriodID != p.ID || len(ids) == 0 {
				continue
			}
			cur := ids[len(ids)-1]
			c := m.calcs[cur]
			c.Status = t.CalculationStatus
			m.calcs[cur] = c
		}
	}
	return e, nil
}

func (m *Memory) LedgerEntries(_ context.Context, id payroll.PeriodID) ([]payroll.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]payroll.LedgerEntry, len(m.ledger[id]))
	copy(out, m.ledger[id])
	return out, nil
}

// =============================================================================
// CALCULATIONS
// =============================================================================

// SaveCalculation writes a version, its exceptions, an optional applied
// adjustment and the recomputed period totals as one unit.
func (m *Memory) SaveCalculation(_ context.Context, w payroll.CalculationWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := w.Calculation
	p, ok := m.periods[c.PeriodID]
	if !ok {
		return fmt.Errorf("%w: %s", payroll.ErrPeriodNotFound, c.PeriodID)
	}
	if p.Locked {
		return fmt.Errorf("%w: %s", payroll.ErrPeriodLocked, p.ID)
	}
	k := versionKey{PeriodID: c.PeriodID, EmployeeID: c.EmployeeID}
	ids := m.versions[k]
	if c.Version != len(ids)+1 {
		return fmt.Errorf("%w: %s version %d, current is %d", payroll.ErrVersionConflict, c.EmployeeID, c.Version, len(ids))
	}
	if len(ids) > 0 && c.PreviousID != ids[len(ids)-1] {
		return fmt.Errorf("%w: %s does not follow %s", payroll.ErrVersionConflict, c.ID, ids[len(ids)-1])
	}
	if a := w.AppliedAdjustment; a != nil {
		stored, ok := m.adjustments[a.ID]
		if !ok {
			return fmt.Errorf("%w: %s", payroll.ErrAdjustmentNotFound, a.ID)
		}
		if stored.Status != payroll.AdjustmentApproved {
			return fmt.Errorf("%w: adjustment %s is %s", payroll.ErrIllegalTransition, a.ID, stored.Status)
		}
	}

	if len(ids) > 0 {
		prev := m.calcs[ids[len(ids)-1]]
		prev.Superseded = true
		m.calcs[prev.ID] = prev
	}
	m.calcs[c.ID] = c
	m.versions[k] = append(ids, c.ID)
	for _, ex := range w.Exceptions {
		m.exceptions[ex.ID] = ex
		m.excOrder = append(m.excOrder, ex.ID)
	}
	if a := w.AppliedAdjustment; a != nil {
		m.adjustments[a.ID] = *a
	}

	p.Totals = payroll.SumTotals(m.currentLocked(p.ID))
	p.UpdatedAt = c.CreatedAt
	m.periods[p.ID] = p
	return nil
}

func (m *Memory) currentLocked(id payroll.PeriodID) []payroll.Calculation {
	var out []payroll.Calculation
	for k, ids := range m.versions {
		if k.PeriodID == id && len(ids) > 0 {
			out = append(out, m.calcs[ids[len(ids)-1]])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out
}

func (m *Memory) GetCalculation(_ context.Context, id payroll.CalculationID) (payroll.Calculation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calcs[id]
	if !ok {
		return payroll.Calculation{}, fmt.Errorf("%w: %s", payroll.ErrCalculationNotFound, id)
	}
	return c, nil
}

func (m *Memory) CurrentCalculation(_ context.Context, period payroll.PeriodID, emp payroll.EmployeeID) (payroll.Calculation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.versions[versionKey{PeriodID: period, EmployeeID: emp}]
	if len(ids) == 0 {
		return payroll.Calculation{}, fmt.Errorf("%w: %s in %s", payroll.ErrCalculationNotFound, emp, period)
	}
	return m.calcs[ids[len(ids)-1]], nil
}

func (m *Memory) CurrentCalculations(_ context.Context, period payroll.PeriodID) ([]payroll.Calculation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLocked(period), nil
}

func (m *Memory) CalculationVersions(_ context.Context, period payroll.PeriodID, emp payroll.EmployeeID) ([]payroll.Calculation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.versions[versionKey{PeriodID: period, EmployeeID: emp}]
	out := make([]payroll.Calculation, len(ids))
	for i, id := range ids {
		out[i] = m.calcs[id]
	}
	return out, nil
}

func (m *Memory) PreviousCalculations(_ context.Context, emp payroll.EmployeeID, before time.Time, limit int) ([]payroll.Calculation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var earlier []payroll.Period
	for _, p := range m.periods {
		if p.End.Before(before) && p.Status != payroll.PeriodCancelled {
			earlier = append(earlier, p)
		}
	}
	sort.Slice(earlier, func(i, j int) bool { return earlier[i].End.After(earlier[j].End) })
	var out []payroll.Calculation
	for _, p := range earlier {
		ids := m.versions[versionKey{PeriodID: p.ID, EmployeeID: emp}]
		if len(ids) == 0 {
			continue
		}
		out = append(out, m.calcs[ids[len(ids)-1]])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// =============================================================================
// EXCEPTIONS
// =============================================================================

func (m *Memory) GetException(_ context.Context, id payroll.ExceptionID) (payroll.Exception, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ex, ok := m.exceptions[id]
	if !ok {
		return payroll.Exception{}, fmt.Errorf("%w: %s", payroll.ErrExceptionNotFound, id)
	}
	return copyException(ex), nil
}

func (m *Memory) ListExceptions(_ context.Context, f payroll.ExceptionFilter) ([]payroll.Exception, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []payroll.Exception
	for _, id := range m.excOrder {
		ex := m.exceptions[id]
		if f.PeriodID != "" && ex.PeriodID != f.PeriodID {
			continue
		}
		if f.EmployeeID != "" && ex.EmployeeID != f.EmployeeID {
			continue
		}
		if f.CalculationID != "" && ex.CalculationID != f.CalculationID {
			continue
		}
		if f.Status != "" && ex.Status != f.Status {
			continue
		}
		out = append(out, copyException(ex))
	}
	return out, nil
}

func (m *Memory) UpdateException(_ context.Context, ex payroll.Exception, expected payroll.ExceptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.exceptions[ex.ID]
	if !ok {
		return fmt.Errorf("%w: %s", payroll.ErrExceptionNotFound, ex.ID)
	}
	if stored.Status != expected {
		return fmt.Errorf("%w: exception %s is %s", payroll.ErrIllegalTransition, ex.ID, stored.Status)
	}
	stored.Status = ex.Status
	stored.Notes = append([]payroll.ExceptionNote(nil), ex.Notes...)
	stored.UpdatedAt = ex.UpdatedAt
	m.exceptions[ex.ID] = stored
	return nil
}

func copyException(ex payroll.Exception) payroll.Exception {
	ex.Notes = append([]payroll.ExceptionNote(nil), ex.Notes...)
	return ex
}

// =============================================================================
// ADJUSTMENTS
// =============================================================================

func (m *Memory) CreateAdjustment(_ context.Context, a payroll.Adjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adjustments[a.ID]; ok {
		return fmt.Errorf("%w: adjustment %s already exists", payroll.ErrInvalidInput, a.ID)
	}
	if p, ok := m.periods[a.PeriodID]; ok && p.Locked {
		return fmt.Errorf("%w: %s", payroll.ErrPeriodLocked, p.ID)
	}
	m.adjustments[a.ID] = a
	m.adjOrder = append(m.adjOrder, a.ID)
	return nil
}

func (m *Memory) GetAdjustment(_ context.Context, id payroll.AdjustmentID) (payroll.Adjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adjustments[id]
	if !ok {
		return payroll.Adjustment{}, fmt.Errorf("%w: %s", payroll.ErrAdjustmentNotFound, id)
	}
	return a, nil
}

func (m *Memory) ListAdjustments(_ context.Context, period payroll.PeriodID) ([]payroll.Adjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []payroll.Adjustment
	for _, id := range m.adjOrder {
		if a := m.adjustments[id]; a.PeriodID == period {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) UpdateAdjustment(_ context.Context, a payroll.Adjustment, expected payroll.AdjustmentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.adjustments[a.ID]
	if !ok {
		return fmt.Errorf("%w: %s", payroll.ErrAdjustmentNotFound, a.ID)
	}
	if stored.Status != expected {
		return fmt.Errorf("%w: adjustment %s is %s", payroll.ErrIllegalTransition, a.ID, stored.Status)
	}
	m.adjustments[a.ID] = a
	return nil
}

// =============================================================================
// RUNS
// =============================================================================

func (m *Memory) SaveRun(_ context.Context, r payroll.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.ID]; !ok {
		m.runOrder = append(m.runOrder, r.ID)
	}
	m.runs[r.ID] = r
	return nil
}

func (m *Memory) GetRun(_ context.Context, id payroll.RunID) (payroll.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return payroll.Run{}, fmt.Errorf("%w: %s", payroll.ErrRunNotFound, id)
	}
	return r, nil
}

func (m *Memory) ListRuns(_ context.Context, period payroll.PeriodID) ([]payroll.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []payroll.Run
	for _, id := range m.runOrder {
		if r := m.runs[id]; r.PeriodID == period {
			out = append(out, r)
		}
	}
	return out, nil
}
