package payroll_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payroll/store"
)

var (
	preparer  = payroll.Actor{ID: "alice", Role: payroll.RolePreparer}
	reviewer  = payroll.Actor{ID: "bob", Role: payroll.RoleReviewer}
	approver  = payroll.Actor{ID: "carol", Role: payroll.RoleApprover}
	approver2 = payroll.Actor{ID: "dave", Role: payroll.RoleApprover}
)

func d(s string) decimal.Decimal { return payroll.MustParseDecimal(s) }

func date(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Equal(t, d(want).StringFixed(2), got.StringFixed(2), msgAndArgs...)
}

// plainTables has overtime multipliers only: no contributions, no tax.
func plainTables() payroll.RateTables {
	return payroll.RateTables{
		Version:       "test-2024.1",
		Jurisdiction:  "test",
		EffectiveFrom: date(2024, 1, 1),
		OvertimeMultipliers: map[payroll.OvertimeCategory]decimal.Decimal{
			payroll.OvertimeRegular:           d("1.25"),
			payroll.OvertimeRestDay:           d("1.30"),
			payroll.OvertimeHoliday:           d("2.00"),
			payroll.OvertimeNightDifferential: d("1.10"),
		},
	}
}

func allIDs() payroll.GovernmentIDs {
	return payroll.GovernmentIDs{SSS: "34-1234567-8", PhilHealth: "12-345678901-2", PagIBIG: "1234-5678-9012", TIN: "123-456-789"}
}

// monthlyEmployee is fully populated so no missing-data rule fires.
func monthlyEmployee(id string, salary string, expected, present int64) payroll.EmployeeSnapshot {
	return payroll.EmployeeSnapshot{
		EmployeeID:   payroll.EmployeeID(id),
		EmployeeName: "Employee " + id,
		Salary: &payroll.SalaryConfig{
			Type:                payroll.SalaryMonthly,
			BasicSalary:         d(salary),
			WorkingDaysPerMonth: decimal.NewFromInt(expected),
			WorkingHoursPerDay:  decimal.NewFromInt(8),
			EffectiveFrom:       date(2023, 1, 1),
		},
		Attendance: &payroll.AttendanceSummary{
			ExpectedDays: decimal.NewFromInt(expected),
			PresentDays:  decimal.NewFromInt(present),
			AbsentDays:   decimal.NewFromInt(expected - present),
		},
		Leave:         &payroll.LeaveSummary{},
		GovernmentIDs: allIDs(),
	}
}

func regularPeriodInput() payroll.PeriodInput {
	return payroll.PeriodInput{
		Name:        "March 2024",
		Type:        payroll.PeriodRegular,
		Start:       date(2024, 3, 1),
		End:         date(2024, 3, 31),
		PaymentDate: date(2024, 3, 31),
	}
}

type fixture struct {
	store     *store.Memory
	snapshots *payroll.StaticSnapshots
	leases    *payroll.MemoryLeases
	manager   *payroll.PeriodManager
}

func newFixture(t *testing.T, snaps ...payroll.EmployeeSnapshot) *fixture {
	t.Helper()
	return newFixtureWith(t, payroll.NewStaticRateProvider(plainTables()), snaps...)
}

func newFixtureWith(t *testing.T, rates payroll.RateProvider, snaps ...payroll.EmployeeSnapshot) *fixture {
	t.Helper()
	f := &fixture{
		store:     store.NewMemory(),
		snapshots: payroll.NewStaticSnapshots(snaps...),
		leases:    payroll.NewMemoryLeases(),
	}
	m, err := payroll.NewPeriodManager(payroll.Config{
		Store:     f.store,
		Rates:     rates,
		Snapshots: f.snapshots,
		Leases:    f.leases,
		Workers:   2,
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	f.manager = m
	return f
}

// activePeriod creates and activates a regular March 2024 period.
func (f *fixture) activePeriod(t *testing.T) payroll.Period {
	t.Helper()
	ctx := context.Background()
	p, err := f.manager.CreatePeriod(ctx, regularPeriodInput())
	require.NoError(t, err)
	f.transition(t, p.ID, payroll.ActionActivate, preparer)
	return p
}

// calculatedPeriod creates, activates and calculates a period.
func (f *fixture) calculatedPeriod(t *testing.T) payroll.Period {
	t.Helper()
	p := f.activePeriod(t)
	run, err := f.manager.CalculatePeriod(context.Background(), p.ID, preparer)
	require.NoError(t, err)
	require.Equal(t, payroll.RunCompleted, run.Status)
	return f.period(t, p.ID)
}

func (f *fixture) transition(t *testing.T, id payroll.PeriodID, action payroll.Action, actor payroll.Actor) payroll.LedgerEntry {
	t.Helper()
	entry, err := f.manager.Transition(context.Background(), payroll.AppendRequest{
		PeriodID: id, Action: action, Actor: actor,
	})
	require.NoError(t, err, "transition %s", action)
	return entry
}

func (f *fixture) period(t *testing.T, id payroll.PeriodID) payroll.Period {
	t.Helper()
	p, err := f.manager.GetPeriod(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (f *fixture) current(t *testing.T, id payroll.PeriodID, emp string) payroll.Calculation {
	t.Helper()
	c, err := f.store.CurrentCalculation(context.Background(), id, payroll.EmployeeID(emp))
	require.NoError(t, err)
	return c
}

// gatedSnapshots blocks the first Snapshot call until release is closed.
type gatedSnapshots struct {
	*payroll.StaticSnapshots
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSnapshots(snaps ...payroll.EmployeeSnapshot) *gatedSnapshots {
	return &gatedSnapshots{
		StaticSnapshots: payroll.NewStaticSnapshots(snaps...),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
}

func (g *gatedSnapshots) Snapshot(ctx context.Context, emp payroll.EmployeeID, p payroll.Period) (payroll.EmployeeSnapshot, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.StaticSnapshots.Snapshot(ctx, emp, p)
}
