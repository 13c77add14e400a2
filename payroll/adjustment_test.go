package payroll_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
)

var finance = payroll.Actor{ID: "erin", Role: payroll.RoleFinance}

func TestAdjustment_ApprovedAddition_ProducesNextVersion(t *testing.T) {
	// GIVEN: emp-1 is at version 2 in a calculated period
	f := newFixture(t, monthlyEmployee("emp-1", "30000", 22, 22))
	p := f.calculatedPeriod(t)
	ctx := context.Background()
	v2, err := f.manager.RecalculateEmployee(ctx, p.ID, "emp-1", preparer)
	require.NoError(t, err)
	require.Equal(t, 2, v2.Version)
	adjustments := f.manager.Adjustments()

	// WHEN: a 1,000 addition is proposed, approved and applied
	adj, err := adjustments.Propose(ctx, payroll.ProposeRequest{
		CalculationID: v2.ID, Type: payroll.AdjustmentAddition, Amount: d("1000"),
		Reason: "unpaid overtime from February", Actor: preparer,
	})
	require.NoError(t, err)
	assert.Equal(t, payroll.AdjustmentPending, adj.Status)
	assert.Equal(t, 2, adj.TargetVersion)

	adj, err = adjustments.Decide(ctx, adj.ID, payroll.DecisionApprove, approver, "confirmed with timekeeping")
	require.NoError(t, err)
	assert.Equal(t, payroll.AdjustmentApproved, adj.Status)
	require.NotNil(t, adj.DecidedAt)

	v3, err := adjustments.Apply(ctx, adj.ID, approver)
	require.NoError(t, err)

	// THEN: v3 exists with the addition, v2 is untouched and superseded
	assert.Equal(t, 3, v3.Version)
	assert.Equal(t, v2.ID, v3.PreviousID)
	assert.Equal(t, payroll.CalcAdjusted, v3.Status)
	assert.Equal(t, adj.ID, v3.AdjustmentID)
	assertMoney(t, "1000", v3.Result.AdjustmentTotal)
	assert.True(t, v2.Result.FinalNetPay.Add(d("1000")).Equal(v3.Result.FinalNetPay))

	stored, err := f.manager.GetCalculation(ctx, v2.ID)
	require.NoError(t, err)
	assert.True(t, stored.Superseded)
	assert.True(t, v2.Result.FinalNetPay.Equal(stored.Result.FinalNetPay))

	applied, err := adjustments.Get(ctx, adj.ID)
	require.NoError(t, err)
	assert.Equal(t, payroll.AdjustmentApplied, applied.Status)
	assert.Equal(t, v3.ID, applied.AppliedCalculationID)
	require.NotNil(t, applied.AppliedAt)

	// AND: period totals follow the current version
	assert.True(t, v3.Result.FinalNetPay.Equal(f.period(t, p.ID).Totals.FinalNet))
	assertMoney(t, "1000", f.period(t, p.ID).Totals.Adjustments)
}

func TestAdjustment_StaleTarget_Rejected(t *testing.T) {
	// GIVEN: an approved adjustment against v1
	f := newFixture(t, monthlyEmployee("emp-1", "30000", 22, 22))
	p := f.calculatedPeriod(t)
	ctx := context.Background()
	v1 := f.current(t, p.ID, "emp-1")
	adjustments := f.manager.Adjustments()

	adj, err := adjustments.Propose(ctx, payroll.ProposeRequest{
		CalculationID: v1.ID, Type: payroll.AdjustmentDeduction, Amount: d("200"),
		Reason: "uniform", Actor: preparer,
	})
	require.NoError(t, err)
	_, err = adjustments.Decide(ctx, adj.ID, payroll.DecisionApprove, approver, "")
	require.NoError(t, err)

	// WHEN: the employee is recalculated before the adjustment is applied
	_, err = f.manager.RecalculateEmployee(ctx, p.ID, "emp-1", preparer)
	require.NoError(t, err)
	_, err = adjustments.Apply(ctx, adj.ID, approver)

	// THEN: apply fails and nothing is written
	var stale *payroll.StaleVersionError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, 1, stale.TargetVersion)
	assert.Equal(t, 2, stale.CurrentVersion)
	assert.True(t, payroll.IsConflict(err))

	versions, err := f.manager.CalculationVersions(ctx, p.ID, "emp-1")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
	still, err := adjustments.Get(ctx, adj.ID)
	require.NoError(t, err)
	assert.Equal(t, payroll.AdjustmentApproved, still.Status)

	// AND: proposing against the superseded version is refused too
	_, err = adjustments.Propose(ctx, payroll.ProposeRequest{
		CalculationID: v1.ID, Type: payroll.AdjustmentAddition, Amount: d("50"), Reason: "late", Actor: preparer,
	})
	assert.ErrorAs(t, err, &stale)
}

func TestAdjustment_Override_ReplacesComponent(t *testing.T) {
	f := newFixture(t, monthlyEmployee("emp-1", "30000", 22, 20))
	p := f.calculatedPeriod(t)
	ctx := context.Background()
	v1 := f.current(t, p.ID, "emp-1")
	adjustments := f.manager.Adjustments()

	adj, err := adjustments.Propose(ctx, payroll.ProposeRequest{
		CalculationID: v1.ID, Type: payroll.AdjustmentOverride, Component: payroll.ComponentBasicPay,
		Amount: d("30000"), Reason: "absences were approved leave", Actor: preparer,
	})
	require.NoError(t, err)
	_, err = adjustments.Decide(ctx, adj.ID, payroll.DecisionApprove, finance, "")
	require.NoError(t, err)
	v2, err := adjustments.Apply(ctx, adj.ID, finance)
	require.NoError(t, err)

	assertMoney(t, "30000", v2.Result.Earnings.BasicPay)
	require.Len(t, v2.Result.Adjustments, 1)
	assertMoney(t, "27272.73", v2.Result.Adjustments[0].Replaced)
	assertMoney(t, "0", v2.Result.AdjustmentTotal)
}

func TestAdjustment_LaterAdjustmentsKeepEarlierOnes(t *testing.T) {
	f := newFixture(t, monthlyEmployee("emp-1", "30000", 22, 22))
	p := f.calculatedPeriod(t)
	ctx := context.Background()
	adjustments := f.manager.Adjustments()

	apply := func(typ payroll.AdjustmentType, amount string) payroll.Calculation {
		cur := f.current(t, p.ID, "emp-1")
		adj, err := adjustments.Propose(ctx, payroll.ProposeRequest{
			CalculationID: cur.ID, Type: typ, Amount: d(amount), Reason: "correction", Actor: preparer,
		})
		require.NoError(t, err)
		_, err = adjustments.Decide(ctx, adj.ID, payroll.DecisionApprove, approver, "")
		require.NoError(t, err)
		calc, err := adjustments.Apply(ctx, adj.ID, approver)
		require.NoError(t, err)
		return calc
	}

	apply(payroll.AdjustmentAddition, "1000")
	v3 := apply(payroll.AdjustmentDeduction, "300")

	assert.Equal(t, 3, v3.Version)
	require.Len(t, v3.Result.Adjustments, 2)
	assertMoney(t, "700", v3.Result.AdjustmentTotal)
	assertMoney(t, "30700", v3.Result.FinalNetPay)
}

func TestAdjustment_DecisionRules(t *testing.T) {
	f := newFixture(t, monthlyEmployee("emp-1", "30000", 22, 22))
	p := f.calculatedPeriod(t)
	ctx := context.Background()
	adjustments := f.manager.Adjustments()
	calc := f.current(t, p.ID, "emp-1")

	adj, err := adjustments.Propose(ctx, payroll.ProposeRequest{
		CalculationID: calc.ID, Type: payroll.AdjustmentAddition, Amount: d("500"), Reason: "meal claim", Actor: approver,
	})
	require.NoError(t, err)

	t.Run("requester cannot decide", func(t *testing.T) {
		_, err := adjustments.Decide(ctx, adj.ID, payroll.DecisionApprove, approver, "")
		assert.ErrorIs(t, err, payroll.ErrRoleNotPermitted)
	})

	t.Run("reviewer is not a decider", func(t *testing.T) {
		_, err := adjustments.Decide(ctx, adj.ID, payroll.DecisionApprove, reviewer, "")
		var re *payroll.RoleError
		assert.ErrorAs(t, err, &re)
	})

	t.Run("unknown decision", func(t *testing.T) {
		_, err := adjustments.Decide(ctx, adj.ID, "maybe", approver2, "")
		assert.ErrorIs(t, err, payroll.ErrInvalidInput)
	})

	t.Run("pending cannot be applied", func(t *testing.T) {
		_, err := adjustments.Apply(ctx, adj.ID, approver2)
		assert.ErrorIs(t, err, payroll.ErrIllegalTransition)
	})

	t.Run("rejected is final", func(t *testing.T) {
		rejected, err := adjustments.Decide(ctx, adj.ID, payroll.DecisionReject, approver2, "no receipt")
		require.NoError(t, err)
		assert.Equal(t, payroll.AdjustmentRejected, rejected.Status)
		assert.Equal(t, "no receipt", rejected.DecisionComment)

		_, err = adjustments.Decide(ctx, adj.ID, payroll.DecisionApprove, approver2, "")
		assert.ErrorIs(t, err, payroll.ErrIllegalTransition)
		_, err = adjustments.Apply(ctx, adj.ID, approver2)
		assert.ErrorIs(t, err, payroll.ErrIllegalTransition)
	})

	versions, err := f.manager.CalculationVersions(ctx, p.ID, "emp-1")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestAdjustment_ProposeValidation(t *testing.T) {
	f := newFixture(t, monthlyEmployee("emp-1", "30000", 22, 22))
	p := f.calculatedPeriod(t)
	calc := f.current(t, p.ID, "emp-1")

	tests := []struct {
		name string
		req  payroll.ProposeRequest
	}{
		{"missing reason", payroll.ProposeRequest{CalculationID: calc.ID, Type: payroll.AdjustmentAddition, Amount: d("10"), Actor: preparer}},
		{"negative amount", payroll.ProposeRequest{CalculationID: calc.ID, Type: payroll.AdjustmentDeduction, Amount: d("-10"), Reason: "x", Actor: preparer}},
		{"zero addition", payroll.ProposeRequest{CalculationID: calc.ID, Type: payroll.AdjustmentAddition, Amount: d("0"), Reason: "x", Actor: preparer}},
		{"unknown component", payroll.ProposeRequest{CalculationID: calc.ID, Type: payroll.AdjustmentOverride, Component: "net_pay", Amount: d("10"), Reason: "x", Actor: preparer}},
		{"component on addition", payroll.ProposeRequest{CalculationID: calc.ID, Type: payroll.AdjustmentAddition, Component: payroll.ComponentBonuses, Amount: d("10"), Reason: "x", Actor: preparer}},
		{"unknown type", payroll.ProposeRequest{CalculationID: calc.ID, Type: "bribe", Amount: d("10"), Reason: "x", Actor: preparer}},
		{"missing actor", payroll.ProposeRequest{CalculationID: calc.ID, Type: payroll.AdjustmentAddition, Amount: d("10"), Reason: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Adjustments().Propose(context.Background(), tt.req)
			assert.ErrorIs(t, err, payroll.ErrInvalidInput)
		})
	}
}

func TestAdjustment_PeriodMustBeAdjustable(t *testing.T) {
	f := newFixture(t, monthlyEmployee("emp-1", "30000", 22, 22))
	p := f.calculatedPeriod(t)
	ctx := context.Background()
	calc := f.current(t, p.ID, "emp-1")

	// under_review still accepts adjustments
	f.transition(t, p.ID, payroll.ActionBeginReview, reviewer)
	adj, err := f.manager.Adjustments().Propose(ctx, payroll.ProposeRequest{
		CalculationID: calc.ID, Type: payroll.AdjustmentAddition, Amount: d("10"), Reason: "x", Actor: preparer,
	})
	require.NoError(t, err)

	// pending_approval does not
	f.transition(t, p.ID, payroll.ActionSubmit, reviewer)
	_, err = f.manager.Adjustments().Decide(ctx, adj.ID, payroll.DecisionApprove, approver, "")
	assert.ErrorIs(t, err, payroll.ErrPeriodNotAdjustable)
}
