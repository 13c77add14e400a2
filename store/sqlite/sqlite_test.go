package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/statutory"
	"github.com/warp/payroll-engine/store/sqlite"
)

var (
	preparer = payroll.Actor{ID: "alice", Role: payroll.RolePreparer}
	reviewer = payroll.Actor{ID: "bob", Role: payroll.RoleReviewer}
	approver = payroll.Actor{ID: "carol", Role: payroll.RoleApprover}
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func date(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func march() payroll.Period {
	now := date(2024, 2, 20)
	return payroll.Period{
		ID:          "per-mar",
		Name:        "March 2024",
		Type:        payroll.PeriodRegular,
		Start:       date(2024, 3, 1),
		End:         date(2024, 3, 31),
		PaymentDate: date(2024, 3, 31),
		Status:      payroll.PeriodDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func govIDs() payroll.GovernmentIDs {
	return payroll.GovernmentIDs{SSS: "34-1234567-8", PhilHealth: "12-345678901-2", PagIBIG: "1234-5678-9012", TIN: "123-456-789"}
}

// seedEmployee stores a monthly employee with full March attendance.
func seedEmployee(t *testing.T, s *sqlite.Store, id, salary string) {
	t.Helper()
	ctx := context.Background()
	emp := payroll.EmployeeID(id)
	require.NoError(t, s.SaveEmployee(ctx, sqlite.Employee{
		ID: emp, Name: "Employee " + id, HireDate: date(2022, 1, 10), GovernmentIDs: govIDs(),
	}))
	require.NoError(t, s.SetSalary(ctx, emp, payroll.SalaryConfig{
		Type: payroll.SalaryMonthly, BasicSalary: d(salary),
		WorkingDaysPerMonth: d("22"), WorkingHoursPerDay: d("8"),
		EffectiveFrom: date(2023, 1, 1),
	}))
	require.NoError(t, s.RecordAttendance(ctx, emp, date(2024, 3, 1), date(2024, 3, 31), payroll.AttendanceSummary{
		ExpectedDays: d("22"), PresentDays: d("22"),
	}))
	require.NoError(t, s.RecordLeave(ctx, emp, date(2024, 3, 1), date(2024, 3, 31), payroll.LeaveSummary{}))
}

// =============================================================================
// PERIODS AND LEDGER
// =============================================================================

func TestStore_Periods(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.CreatePeriod(ctx, march()))
	err := s.CreatePeriod(ctx, march())
	assert.ErrorIs(t, err, payroll.ErrInvalidInput, "ids are never reused")

	got, err := s.GetPeriod(ctx, "per-mar")
	require.NoError(t, err)
	assert.Equal(t, "March 2024", got.Name)
	assert.Equal(t, date(2024, 3, 31), got.End)
	assert.Equal(t, payroll.PeriodDraft, got.Status)
	assert.False(t, got.Locked)

	_, err = s.GetPeriod(ctx, "nope")
	assert.True(t, payroll.IsNotFound(err))

	n, err := s.IncrementFailedRuns(ctx, "per-mar")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.ArchivePeriod(ctx, "per-mar", date(2024, 5, 1)))
	visible, err := s.ListPeriods(ctx, payroll.PeriodFilter{})
	require.NoError(t, err)
	assert.Empty(t, visible)
	all, err := s.ListPeriods(ctx, payroll.PeriodFilter{IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Archived)
	assert.Equal(t, 1, all[0].FailedRuns)
}

func TestStore_CommitTransitionComparesAndSets(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.CreatePeriod(ctx, march()))

	entry := payroll.LedgerEntry{
		ID: "led-1", PeriodID: "per-mar", Step: payroll.StepSetup, Action: payroll.ActionActivate,
		StatusBefore: payroll.PeriodDraft, StatusAfter: payroll.PeriodActive,
		Actor: preparer, CreatedAt: date(2024, 3, 1),
	}

	// WHEN
	committed, err := s.CommitTransition(ctx, payroll.Transition{Entry: entry})

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 1, committed.Sequence)
	p, err := s.GetPeriod(ctx, "per-mar")
	require.NoError(t, err)
	assert.Equal(t, payroll.PeriodActive, p.Status)

	// WHEN the same before-state is replayed
	entry.ID = "led-2"
	_, err = s.CommitTransition(ctx, payroll.Transition{Entry: entry})

	// THEN
	var conflict *payroll.StatusConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, payroll.PeriodActive, conflict.Current)

	entries, err := s.LedgerEntries(ctx, "per-mar")
	require.NoError(t, err)
	require.Len(t, entries, 1, "a rejected commit leaves no entry")
	assert.Equal(t, preparer, entries[0].Actor)
	assert.Equal(t, date(2024, 3, 1), entries[0].CreatedAt)
}

// =============================================================================
// RATE TABLES
// =============================================================================

func TestStore_RateTables(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	v2024, err := statutory.Philippines("ph-2024.1", date(2024, 1, 1))
	require.NoError(t, err)
	v2025, err := statutory.Philippines("ph-2025.1", date(2025, 1, 1))
	require.NoError(t, err)
	require.NoError(t, s.AddRateTables(ctx, v2025))
	require.NoError(t, s.AddRateTables(ctx, v2024))

	tests := []struct {
		name    string
		on      time.Time
		version string
	}{
		{"first day", date(2024, 1, 1), "ph-2024.1"},
		{"mid year", date(2024, 6, 30), "ph-2024.1"},
		{"next version", date(2025, 3, 31), "ph-2025.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tables, err := s.TablesFor(ctx, tt.on)
			require.NoError(t, err)
			assert.Equal(t, tt.version, tables.Version)
			assert.Len(t, tables.Contributions, 3)
		})
	}

	_, err = s.TablesFor(ctx, date(2023, 12, 31))
	assert.ErrorIs(t, err, payroll.ErrRateTableNotFound)

	err = s.AddRateTables(ctx, v2024)
	assert.ErrorIs(t, err, payroll.ErrInvalidInput, "published versions are immutable")

	all, err := s.ListRateTables(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ph-2024.1", all[0].Version)
}

// =============================================================================
// SNAPSHOT SOURCE
// =============================================================================

func TestStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	period := march()

	// GIVEN a raise effective mid-March and entries of different ranges
	seedEmployee(t, s, "emp-1", "20000")
	require.NoError(t, s.SetSalary(ctx, "emp-1", payroll.SalaryConfig{
		Type: payroll.SalaryMonthly, BasicSalary: d("25000"), EffectiveFrom: date(2024, 3, 15),
	}))
	feb := date(2024, 2, 29)
	_, err := s.AddPayEntry(ctx, sqlite.PayEntry{
		EmployeeID: "emp-1", Kind: sqlite.EntryAllowance, EffectiveFrom: date(2024, 1, 1), EffectiveTo: &feb,
		Allowance: &payroll.Allowance{Code: "meal", Amount: d("500")},
	})
	require.NoError(t, err)
	_, err = s.AddPayEntry(ctx, sqlite.PayEntry{
		EmployeeID: "emp-1", Kind: sqlite.EntryLoan, EffectiveFrom: date(2024, 1, 1),
		Loan: &payroll.LoanInstallment{LoanID: "loan-7", Installment: d("1500"), OutstandingBalance: d("9000")},
	})
	require.NoError(t, err)
	_, err = s.AddPayEntry(ctx, sqlite.PayEntry{
		EmployeeID: "emp-1", Kind: sqlite.EntryBonus, EffectiveFrom: date(2024, 3, 31),
		Bonus: &payroll.Bonus{Code: "perf", Amount: d("3000"), Taxable: true},
	})
	require.NoError(t, err)

	// WHEN
	snap, err := s.Snapshot(ctx, "emp-1", period)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, "Employee emp-1", snap.EmployeeName)
	assert.Equal(t, govIDs(), snap.GovernmentIDs)
	require.NotNil(t, snap.Salary)
	assert.Equal(t, "25000", snap.Salary.BasicSalary.String(), "latest configuration effective by period end")
	require.NotNil(t, snap.Attendance)
	assert.Equal(t, "22", snap.Attendance.PresentDays.String())
	require.NotNil(t, snap.Leave)
	assert.Empty(t, snap.Allowances, "allowance ended in February")
	require.Len(t, snap.Loans, 1)
	assert.Equal(t, "loan-7", snap.Loans[0].LoanID)
	require.Len(t, snap.Bonuses, 1)

	// an April period has no attendance recorded
	april := period
	april.Start, april.End = date(2024, 4, 1), date(2024, 4, 30)
	snap, err = s.Snapshot(ctx, "emp-1", april)
	require.NoError(t, err)
	assert.Nil(t, snap.Attendance)
	assert.Nil(t, snap.Leave)
}

func TestStore_EndPayEntry_RetiresSettledLoan(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedEmployee(t, s, "emp-1", "20000")

	// GIVEN: a loan whose last installment falls in March
	loan, err := s.AddPayEntry(ctx, sqlite.PayEntry{
		EmployeeID: "emp-1", Kind: sqlite.EntryLoan, EffectiveFrom: date(2024, 1, 1),
		Loan: &payroll.LoanInstallment{LoanID: "loan-9", Installment: d("1500"), OutstandingBalance: d("1500")},
	})
	require.NoError(t, err)
	april := march()
	april.Start, april.End = date(2024, 4, 1), date(2024, 4, 30)

	// THEN: the stored balance is served unchanged in every period until the entry ends
	snap, err := s.Snapshot(ctx, "emp-1", april)
	require.NoError(t, err)
	require.Len(t, snap.Loans, 1)
	assert.Equal(t, "1500", snap.Loans[0].OutstandingBalance.String())

	// WHEN: the loan is retired at the end of March
	require.NoError(t, s.EndPayEntry(ctx, loan.ID, date(2024, 3, 31)))

	// THEN: March still deducts it, April does not
	snap, err = s.Snapshot(ctx, "emp-1", march())
	require.NoError(t, err)
	assert.Len(t, snap.Loans, 1)
	snap, err = s.Snapshot(ctx, "emp-1", april)
	require.NoError(t, err)
	assert.Empty(t, snap.Loans)

	assert.ErrorIs(t, s.EndPayEntry(ctx, loan.ID, date(2023, 12, 31)), payroll.ErrInvalidInput)
	assert.ErrorIs(t, s.EndPayEntry(ctx, "ent-missing", date(2024, 3, 31)), payroll.ErrPayEntryNotFound)
}

func TestStore_SnapshotEdgeCases(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	period := march()

	t.Run("future salary only", func(t *testing.T) {
		require.NoError(t, s.SaveEmployee(ctx, sqlite.Employee{ID: "emp-new", Name: "New Hire", HireDate: date(2024, 3, 1)}))
		require.NoError(t, s.SetSalary(ctx, "emp-new", payroll.SalaryConfig{
			Type: payroll.SalaryMonthly, BasicSalary: d("30000"), EffectiveFrom: date(2024, 4, 1),
		}))

		snap, err := s.Snapshot(ctx, "emp-new", period)
		require.NoError(t, err)
		require.NotNil(t, snap.Salary)
		assert.Equal(t, date(2024, 4, 1), snap.Salary.EffectiveFrom)
	})

	t.Run("no salary", func(t *testing.T) {
		require.NoError(t, s.SaveEmployee(ctx, sqlite.Employee{ID: "emp-bare", Name: "Bare", HireDate: date(2020, 1, 1)}))

		snap, err := s.Snapshot(ctx, "emp-bare", period)
		require.NoError(t, err)
		assert.Nil(t, snap.Salary)
	})

	t.Run("unknown employee", func(t *testing.T) {
		_, err := s.Snapshot(ctx, "ghost", period)
		assert.ErrorIs(t, err, payroll.ErrEmployeeNotFound)

		err = s.SetSalary(ctx, "ghost", payroll.SalaryConfig{EffectiveFrom: date(2024, 1, 1)})
		assert.ErrorIs(t, err, payroll.ErrEmployeeNotFound)
	})

	t.Run("entry without payload", func(t *testing.T) {
		_, err := s.AddPayEntry(ctx, sqlite.PayEntry{EmployeeID: "emp-bare", Kind: sqlite.EntryBonus, EffectiveFrom: date(2024, 1, 1)})
		assert.ErrorIs(t, err, payroll.ErrInvalidInput)
	})

	t.Run("employment window", func(t *testing.T) {
		left := date(2024, 2, 15)
		require.NoError(t, s.SaveEmployee(ctx, sqlite.Employee{
			ID: "emp-left", Name: "Left", HireDate: date(2020, 1, 1), SeparationDate: &left,
		}))
		require.NoError(t, s.SaveEmployee(ctx, sqlite.Employee{ID: "emp-later", Name: "Later", HireDate: date(2024, 4, 1)}))

		ids, err := s.Employees(ctx, period)
		require.NoError(t, err)
		assert.Equal(t, []payroll.EmployeeID{"emp-bare", "emp-new"}, ids)
	})
}

// =============================================================================
// END TO END OVER SQLITE
// =============================================================================

func newManager(t *testing.T, s *sqlite.Store) *payroll.PeriodManager {
	t.Helper()
	tables, err := statutory.Philippines("ph-2024.1", date(2024, 1, 1))
	require.NoError(t, err)
	require.NoError(t, s.AddRateTables(context.Background(), tables))

	m, err := payroll.NewPeriodManager(payroll.Config{Store: s, Rates: s, Snapshots: s, Workers: 2})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestStore_PeriodLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	m := newManager(t, s)
	seedEmployee(t, s, "emp-1", "30000")
	seedEmployee(t, s, "emp-2", "20000")

	// GIVEN a calculated period
	p, err := m.CreatePeriod(ctx, payroll.PeriodInput{
		Name: "March 2024", Type: payroll.PeriodRegular,
		Start: date(2024, 3, 1), End: date(2024, 3, 31), PaymentDate: date(2024, 3, 31),
	})
	require.NoError(t, err)
	transition := func(action payroll.Action, actor payroll.Actor) {
		t.Helper()
		_, err := m.Transition(ctx, payroll.AppendRequest{PeriodID: p.ID, Action: action, Actor: actor})
		require.NoError(t, err, "transition %s", action)
	}
	transition(payroll.ActionActivate, preparer)
	run, err := m.CalculatePeriod(ctx, p.ID, preparer)
	require.NoError(t, err)
	require.Equal(t, payroll.RunCompleted, run.Status)
	assert.Equal(t, 2, run.Calculated)

	// THEN totals are derived from the statutory results
	p, err = m.GetPeriod(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, payroll.PeriodCalculated, p.Status)
	assert.Equal(t, 2, p.Totals.EmployeeCount)
	assert.Equal(t, "45069.95", p.Totals.FinalNet.StringFixed(2), "26669.95 + 18400.00")

	// WHEN an adjustment is proposed, approved and applied
	calc, err := s.CurrentCalculation(ctx, p.ID, "emp-1")
	require.NoError(t, err)
	adj, err := m.Adjustments().Propose(ctx, payroll.ProposeRequest{
		CalculationID: calc.ID, Type: payroll.AdjustmentAddition, Amount: d("1000"),
		Reason: "missed allowance", Actor: preparer,
	})
	require.NoError(t, err)
	_, err = m.Adjustments().Decide(ctx, adj.ID, payroll.DecisionApprove, approver, "ok")
	require.NoError(t, err)
	v2, err := m.Adjustments().Apply(ctx, adj.ID, preparer)
	require.NoError(t, err)

	// THEN the chain, the adjustment and the totals move together
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, calc.ID, v2.PreviousID)
	versions, err := m.CalculationVersions(ctx, p.ID, "emp-1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.True(t, versions[0].Superseded)
	assert.Equal(t, "26669.95", versions[0].Result.FinalNetPay.StringFixed(2), "v1 is untouched")
	assert.Equal(t, "27669.95", versions[1].Result.FinalNetPay.StringFixed(2))

	stored, err := m.Adjustments().Get(ctx, adj.ID)
	require.NoError(t, err)
	assert.Equal(t, payroll.AdjustmentApplied, stored.Status)
	assert.Equal(t, v2.ID, stored.AppliedCalculationID)
	assert.Equal(t, approver, stored.DecidedBy)

	p, err = m.GetPeriod(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "46069.95", p.Totals.FinalNet.StringFixed(2))
	assert.Equal(t, "1000.00", p.Totals.Adjustments.StringFixed(2))

	// WHEN the period is approved and locked
	transition(payroll.ActionBeginReview, preparer)
	transition(payroll.ActionSubmit, reviewer)
	transition(payroll.ActionApprove, approver)
	transition(payroll.ActionLock, approver)

	// THEN current versions carry the locked stamp and writes are refused
	current, err := m.CurrentCalculations(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, current, 2)
	for _, c := range current {
		assert.Equal(t, payroll.CalcLocked, c.Status)
	}
	_, err = m.RecalculateEmployee(ctx, p.ID, "emp-2", preparer)
	assert.ErrorIs(t, err, payroll.ErrPeriodLocked)

	entries, err := m.Ledger().Entries(ctx, p.ID)
	require.NoError(t, err)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Sequence)
	}
	assert.Equal(t, payroll.ActionLock, entries[len(entries)-1].Action)

	set, err := m.PaymentSet(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, set.Lines, 2)
	assert.Equal(t, "46069.95", set.TotalNet.StringFixed(2))
}

func TestStore_ExceptionsPersist(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	m := newManager(t, s)

	// GIVEN an employee with attendance but no salary configuration
	require.NoError(t, s.SaveEmployee(ctx, sqlite.Employee{ID: "emp-x", Name: "No Salary", HireDate: date(2020, 1, 1), GovernmentIDs: govIDs()}))
	require.NoError(t, s.RecordAttendance(ctx, "emp-x", date(2024, 3, 1), date(2024, 3, 31), payroll.AttendanceSummary{
		ExpectedDays: d("22"), PresentDays: d("22"),
	}))
	require.NoError(t, s.RecordLeave(ctx, "emp-x", date(2024, 3, 1), date(2024, 3, 31), payroll.LeaveSummary{}))

	p, err := m.CreatePeriod(ctx, payroll.PeriodInput{
		Name: "March 2024", Type: payroll.PeriodRegular,
		Start: date(2024, 3, 1), End: date(2024, 3, 31), PaymentDate: date(2024, 3, 31),
	})
	require.NoError(t, err)
	_, err = m.Transition(ctx, payroll.AppendRequest{PeriodID: p.ID, Action: payroll.ActionActivate, Actor: preparer})
	require.NoError(t, err)

	// WHEN
	run, err := m.CalculatePeriod(ctx, p.ID, preparer)

	// THEN the input error is recorded as a blocking exception
	require.NoError(t, err)
	assert.Equal(t, 1, run.Errors)
	blocking, err := m.Exceptions().Blocking(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, blocking, 1)
	assert.Equal(t, payroll.ExceptionCalculationError, blocking[0].Type)

	// WHEN it is acknowledged with a note
	ex, err := m.Exceptions().Resolve(ctx, blocking[0].ID, payroll.ExceptionAcknowledged, reviewer, "salary to follow")
	require.NoError(t, err)

	// THEN the note survives a reload
	reloaded, err := s.GetException(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, payroll.ExceptionAcknowledged, reloaded.Status)
	require.Len(t, reloaded.Notes, 1)
	assert.Equal(t, "salary to follow", reloaded.Notes[0].Note)
	assert.Equal(t, reviewer, reloaded.Notes[0].Actor)

	runs, err := m.Runs(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.NotNil(t, runs[0].FinishedAt)
}
