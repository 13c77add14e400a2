package payroll_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/payroll/store"
)

func ledgerWithPeriod(t *testing.T, status payroll.PeriodStatus) (*payroll.ApprovalLedger, *store.Memory, payroll.PeriodID) {
	t.Helper()
	s := store.NewMemory()
	p := regularPeriodInput()
	period := payroll.Period{
		ID: "per-ledger", Name: p.Name, Type: p.Type,
		Start: p.Start, End: p.End, PaymentDate: p.PaymentDate,
		Status: status,
		Locked: status == payroll.PeriodFinalized || status == payroll.PeriodProcessingPayment || status == payroll.PeriodCompleted,
	}
	require.NoError(t, s.CreatePeriod(context.Background(), period))
	return payroll.NewApprovalLedger(s), s, period.ID
}

func TestLedger_ApprovalPath_RecordsEveryStep(t *testing.T) {
	// GIVEN: a calculated period
	ledger, s, id := ledgerWithPeriod(t, payroll.PeriodCalculated)
	ctx := context.Background()
	finance := payroll.Actor{ID: "erin", Role: payroll.RoleFinance}

	steps := []struct {
		action payroll.Action
		actor  payroll.Actor
		to     payroll.PeriodStatus
	}{
		{payroll.ActionBeginReview, reviewer, payroll.PeriodUnderReview},
		{payroll.ActionSubmit, reviewer, payroll.PeriodPendingApproval},
		{payroll.ActionApprove, approver, payroll.PeriodApproved},
		{payroll.ActionLock, approver, payroll.PeriodFinalized},
		{payroll.ActionReleasePayment, finance, payroll.PeriodProcessingPayment},
		{payroll.ActionComplete, finance, payroll.PeriodCompleted},
	}

	// WHEN: each action is appended in order
	for i, step := range steps {
		entry, err := ledger.Append(ctx, payroll.AppendRequest{PeriodID: id, Action: step.action, Actor: step.actor})
		require.NoError(t, err, step.action)

		// THEN: the entry carries the transition and a gapless sequence
		assert.Equal(t, i+1, entry.Sequence)
		assert.Equal(t, step.to, entry.StatusAfter)
		assert.Equal(t, step.actor, entry.Actor)
	}

	period, err := s.GetPeriod(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, payroll.PeriodCompleted, period.Status)
	assert.True(t, period.Locked)

	entries, err := ledger.Entries(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, len(steps))
	assert.Equal(t, payroll.PeriodCalculated, entries[0].StatusBefore)
	assert.False(t, entries[3].LockedBefore)
	assert.True(t, entries[3].LockedAfter)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].StatusAfter, entries[i].StatusBefore, "ledger replays to the current status")
	}
}

func TestLedger_IllegalTransitions(t *testing.T) {
	tests := []struct {
		name   string
		status payroll.PeriodStatus
		action payroll.Action
		actor  payroll.Actor
	}{
		{"approve before review", payroll.PeriodCalculated, payroll.ActionApprove, approver},
		{"lock before approval", payroll.PeriodPendingApproval, payroll.ActionLock, approver},
		{"activate twice", payroll.PeriodActive, payroll.ActionActivate, preparer},
		{"cancel after lock", payroll.PeriodFinalized, payroll.ActionCancel, approver},
		{"unlock when not locked", payroll.PeriodApproved, payroll.ActionUnlock, approver},
		{"submit from calculated", payroll.PeriodCalculated, payroll.ActionSubmit, reviewer},
		{"anything from cancelled", payroll.PeriodCancelled, payroll.ActionActivate, preparer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, s, id := ledgerWithPeriod(t, tt.status)

			_, err := ledger.Append(context.Background(), payroll.AppendRequest{PeriodID: id, Action: tt.action, Actor: tt.actor})

			var te *payroll.TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.status, te.Current)
			assert.True(t, payroll.IsConflict(err))

			entries, err := s.LedgerEntries(context.Background(), id)
			require.NoError(t, err)
			assert.Empty(t, entries, "rejected append leaves no trace")
		})
	}
}

func TestLedger_RequestValidation(t *testing.T) {
	ledger, _, id := ledgerWithPeriod(t, payroll.PeriodCalculated)
	ctx := context.Background()

	_, err := ledger.Append(ctx, payroll.AppendRequest{PeriodID: id, Action: "teleport", Actor: reviewer})
	assert.ErrorIs(t, err, payroll.ErrInvalidInput)

	_, err = ledger.Append(ctx, payroll.AppendRequest{PeriodID: id, Step: payroll.StepApproval, Action: payroll.ActionBeginReview, Actor: reviewer})
	assert.ErrorIs(t, err, payroll.ErrInvalidInput, "action recorded under the wrong step")

	_, err = ledger.Append(ctx, payroll.AppendRequest{PeriodID: id, Action: payroll.ActionBeginReview})
	assert.ErrorIs(t, err, payroll.ErrInvalidInput, "actor is required")

	_, err = ledger.Append(ctx, payroll.AppendRequest{PeriodID: "per-missing", Action: payroll.ActionBeginReview, Actor: reviewer})
	assert.True(t, payroll.IsNotFound(err))
}

func TestLedger_RolePolicy(t *testing.T) {
	ledger, _, id := ledgerWithPeriod(t, payroll.PeriodPendingApproval)

	_, err := ledger.Append(context.Background(), payroll.AppendRequest{PeriodID: id, Action: payroll.ActionApprove, Actor: reviewer})

	var re *payroll.RoleError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, payroll.RoleReviewer, re.Role)
	assert.Equal(t, []payroll.Role{payroll.RoleApprover}, re.Allowed)
	assert.ErrorIs(t, err, payroll.ErrRoleNotPermitted)
}

func TestLedger_CustomRolePolicy(t *testing.T) {
	s := store.NewMemory()
	require.NoError(t, s.CreatePeriod(context.Background(), payroll.Period{ID: "per-open", Status: payroll.PeriodPendingApproval}))
	ledger := payroll.NewApprovalLedger(s, payroll.WithRolePolicy(payroll.RolePolicy{}))

	_, err := ledger.Append(context.Background(), payroll.AppendRequest{PeriodID: "per-open", Action: payroll.ActionApprove, Actor: reviewer})

	assert.NoError(t, err, "an action with no policy entry is open to every role")
}

func TestLedger_ExpectedStatusMismatch(t *testing.T) {
	ledger, _, id := ledgerWithPeriod(t, payroll.PeriodApproved)

	_, err := ledger.Append(context.Background(), payroll.AppendRequest{
		PeriodID: id, Action: payroll.ActionApprove, Actor: approver,
		ExpectedStatus: payroll.PeriodPendingApproval,
	})

	var sc *payroll.StatusConflictError
	require.ErrorAs(t, err, &sc)
	assert.Equal(t, payroll.PeriodApproved, sc.Current)
	assert.True(t, payroll.IsConflict(err))
}

func TestLedger_ConcurrentApprovals_ExactlyOneWins(t *testing.T) {
	// GIVEN: a period pending approval and two approvers
	ledger, s, id := ledgerWithPeriod(t, payroll.PeriodPendingApproval)
	ctx := context.Background()

	// WHEN: both approve at the same time
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, 2)
	for i, actor := range []payroll.Actor{approver, approver2} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = ledger.Append(ctx, payroll.AppendRequest{
				PeriodID: id, Action: payroll.ActionApprove, Actor: actor,
				ExpectedStatus: payroll.PeriodPendingApproval,
			})
		}()
	}
	close(start)
	wg.Wait()

	// THEN: one succeeds, the other gets a conflict naming the new status
	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case payroll.IsConflict(err):
			conflicts++
			var sc *payroll.StatusConflictError
			require.True(t, errors.As(err, &sc))
			assert.Equal(t, payroll.PeriodApproved, sc.Current)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	entries, err := s.LedgerEntries(ctx, id)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLedger_Guard_VetoesAppend(t *testing.T) {
	ledger, s, id := ledgerWithPeriod(t, payroll.PeriodUnderReview)
	veto := errors.New("not today")
	ledger.Guard(payroll.ActionSubmit, func(context.Context, payroll.Period) error { return veto })

	_, err := ledger.Append(context.Background(), payroll.AppendRequest{PeriodID: id, Action: payroll.ActionSubmit, Actor: reviewer})

	assert.ErrorIs(t, err, veto)
	period, err := s.GetPeriod(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, payroll.PeriodUnderReview, period.Status)
}

func TestLedger_RejectAndUnlock_AreOrdinaryEntries(t *testing.T) {
	ledger, s, id := ledgerWithPeriod(t, payroll.PeriodPendingApproval)
	ctx := context.Background()

	_, err := ledger.Append(ctx, payroll.AppendRequest{PeriodID: id, Action: payroll.ActionReject, Actor: approver, Comment: "overtime looks wrong"})
	require.NoError(t, err)
	for _, a := range []payroll.Action{payroll.ActionBeginReview, payroll.ActionSubmit} {
		_, err = ledger.Append(ctx, payroll.AppendRequest{PeriodID: id, Action: a, Actor: reviewer})
		require.NoError(t, err)
	}
	for _, a := range []payroll.Action{payroll.ActionApprove, payroll.ActionLock, payroll.ActionUnlock} {
		_, err = ledger.Append(ctx, payroll.AppendRequest{PeriodID: id, Action: a, Actor: approver})
		require.NoError(t, err)
	}

	period, err := s.GetPeriod(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, payroll.PeriodApproved, period.Status)
	assert.False(t, period.Locked)

	entries, err := s.LedgerEntries(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 6)
	assert.Equal(t, payroll.PeriodCalculated, entries[0].StatusAfter)
	assert.Equal(t, "overtime looks wrong", entries[0].Comment)
	assert.Equal(t, payroll.ActionUnlock, entries[5].Action)
}

func TestLedger_ArchivedPeriod_Rejected(t *testing.T) {
	ledger, s, id := ledgerWithPeriod(t, payroll.PeriodCancelled)
	require.NoError(t, s.ArchivePeriod(context.Background(), id, date(2024, 5, 1)))

	_, err := ledger.Append(context.Background(), payroll.AppendRequest{PeriodID: id, Action: payroll.ActionActivate, Actor: preparer})

	assert.ErrorIs(t, err, payroll.ErrPeriodArchived)
}

func TestAvailableActions(t *testing.T) {
	assert.ElementsMatch(t,
		[]payroll.Action{payroll.ActionUnlock, payroll.ActionReleasePayment},
		payroll.AvailableActions(payroll.PeriodFinalized))
	assert.ElementsMatch(t,
		[]payroll.Action{payroll.ActionApprove, payroll.ActionReject, payroll.ActionCancel},
		payroll.AvailableActions(payroll.PeriodPendingApproval))
	assert.Empty(t, payroll.AvailableActions(payroll.PeriodCompleted))
}
