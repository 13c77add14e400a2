/*
ledger.go - Approval Ledger: the only writer of Period.Status

PURPOSE:
  Every period transition is an append to the ledger. Append validates the
  action against the static transition table, checks the actor's role and
  any guard registered for the action, then commits the entry together with
  the status change in one store transaction.

ORDERING:
  Appends are serialized per period inside the process, and the store's
  compare-and-set on the prior status serializes them across processes.
  When two approvers race, exactly one wins; the other receives a
  *TransitionError or *StatusConflictError carrying the now-current status.

NO REVERSAL BY DELETION:
  Rejections and unlocks are ordinary entries. Nothing is ever removed.

SEE ALSO:
  - status.go: The transition table
  - period_manager.go: Registers the exception gate on submit
*/
package payroll

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Guard vetoes an action for a period by returning an error.
type Guard func(ctx context.Context, period Period) error

// RolePolicy lists the roles allowed to perform each action. An action with
// no entry is open to every role.
type RolePolicy map[Action][]Role

// Decisions governed by RolePolicy that never reach the ledger.
const (
	ActionResolveException Action = "resolve_exception"
	ActionArchive          Action = "archive"
)

// DefaultRolePolicy separates preparation, review, approval and payment duties.
// Lock and unlock share the privileged approval path.
func DefaultRolePolicy() RolePolicy {
	return RolePolicy{
		ActionActivate:            {RolePreparer},
		ActionStartCalculation:    {RolePreparer, RoleSystem},
		ActionRecalculate:         {RolePreparer, RoleSystem},
		ActionCompleteCalculation: {RoleSystem},
		ActionFailCalculation:     {RoleSystem},
		ActionBeginReview:         {RolePreparer, RoleReviewer},
		ActionSubmit:              {RoleReviewer},
		ActionApprove:             {RoleApprover},
		ActionReject:              {RoleApprover},
		ActionLock:                {RoleApprover},
		ActionUnlock:              {RoleApprover},
		ActionReleasePayment:      {RoleFinance, RoleSystem},
		ActionComplete:            {RoleFinance, RoleSystem},
		ActionCancel:              {RolePreparer, RoleApprover},
		ActionResolveException:    {RoleReviewer, RoleApprover},
		ActionArchive:             {RoleApprover, RoleFinance},
	}
}

func (p RolePolicy) permits(a Action, r Role) ([]Role, bool) {
	allowed, ok := p[a]
	if !ok {
		return nil, true
	}
	for _, role := range allowed {
		if role == r {
			return allowed, true
		}
	}
	return allowed, false
}

// AppendRequest describes one ledger append. Step may be left empty, in
// which case the table's step is used. ExpectedStatus, when set, makes the
// append fail if the period has moved on since the caller looked at it.
type AppendRequest struct {
	PeriodID       PeriodID
	Step           Step
	Action         Action
	Actor          Actor
	Comment        string
	ExpectedStatus PeriodStatus
}

type ApprovalLedger struct {
	store  Store
	roles  RolePolicy
	guards map[Action][]Guard
	locks  sync.Map
	clock  Clock
	ids    IDGenerator
	logger *zap.Logger
}

type LedgerOption func(*ApprovalLedger)

func WithRolePolicy(p RolePolicy) LedgerOption {
	return func(l *ApprovalLedger) { l.roles = p }
}

func WithLedgerClock(c Clock) LedgerOption {
	return func(l *ApprovalLedger) { l.clock = c }
}

func WithLedgerIDs(g IDGenerator) LedgerOption {
	return func(l *ApprovalLedger) { l.ids = g }
}

func WithLedgerLogger(logger *zap.Logger) LedgerOption {
	return func(l *ApprovalLedger) { l.logger = logger }
}

func NewApprovalLedger(store Store, opts ...LedgerOption) *ApprovalLedger {
	l := &ApprovalLedger{
		store:  store,
		roles:  DefaultRolePolicy(),
		guards: make(map[Action][]Guard),
		clock:  systemClock,
		ids:    NewID,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.Named("ledger")
	return l
}

// Guard registers g to run before every append of action. Guards must be
// registered before the ledger is shared between goroutines.
func (l *ApprovalLedger) Guard(action Action, g Guard) {
	l.guards[action] = append(l.guards[action], g)
}

// lockPeriod serializes appends for one period within this process.
func (l *ApprovalLedger) lockPeriod(id PeriodID) func() {
	v, _ := l.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Append validates and records one transition.
func (l *ApprovalLedger) Append(ctx context.Context, req AppendRequest) (LedgerEntry, error) {
	spec, ok := LookupAction(req.Action)
	if !ok {
		return LedgerEntry{}, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, req.Action)
	}
	if req.Step != "" && req.Step != spec.Step {
		return LedgerEntry{}, fmt.Errorf("%w: action %q belongs to step %q, not %q",
			ErrInvalidInput, req.Action, spec.Step, req.Step)
	}
	if req.Actor.ID == "" {
		return LedgerEntry{}, fmt.Errorf("%w: actor id is required", ErrInvalidInput)
	}
	if allowed, ok := l.roles.permits(req.Action, req.Actor.Role); !ok {
		return LedgerEntry{}, &RoleError{Action: req.Action, Role: req.Actor.Role, Allowed: allowed}
	}

	unlock := l.lockPeriod(req.PeriodID)
	defer unlock()

	period, err := l.store.GetPeriod(ctx, req.PeriodID)
	if err != nil {
		return LedgerEntry{}, err
	}
	if period.Archived {
		return LedgerEntry{}, fmt.Errorf("%w: %s", ErrPeriodArchived, period.ID)
	}
	if req.ExpectedStatus != "" && req.ExpectedStatus != period.Status {
		return LedgerEntry{}, &StatusConflictError{PeriodID: period.ID, Expected: req.ExpectedStatus, Current: period.Status}
	}
	if !spec.Allows(period.Status) {
		return LedgerEntry{}, &TransitionError{PeriodID: period.ID, Action: req.Action, Current: period.Status}
	}
	for _, g := range l.guards[req.Action] {
		if err := g(ctx, period); err != nil {
			return LedgerEntry{}, err
		}
	}

	lockedAfter := period.Locked
	switch spec.Lock {
	case LockSet:
		lockedAfter = true
	case LockClear:
		lockedAfter = false
	}
	entry := LedgerEntry{
		ID:           LedgerEntryID(l.ids("led")),
		PeriodID:     period.ID,
		Step:         spec.Step,
		Action:       req.Action,
		StatusBefore: period.Status,
		StatusAfter:  spec.To,
		LockedBefore: period.Locked,
		LockedAfter:  lockedAfter,
		Actor:        req.Actor,
		Comment:      req.Comment,
		CreatedAt:    l.clock(),
	}
	t := Transition{Entry: entry}
	if cs, ok := calculationStatusOnEntry(req.Action); ok {
		t.CalculationStatus = cs
	}
	committed, err := l.store.CommitTransition(ctx, t)
	if err != nil {
		return LedgerEntry{}, err
	}
	l.logger.Info("period transition",
		zap.String("period_id", string(period.ID)),
		zap.String("action", string(req.Action)),
		zap.String("from", string(committed.StatusBefore)),
		zap.String("to", string(committed.StatusAfter)),
		zap.String("actor", req.Actor.ID),
		zap.Int("sequence", committed.Sequence))
	return committed, nil
}

// Entries returns the period's ledger in sequence order.
func (l *ApprovalLedger) Entries(ctx context.Context, id PeriodID) ([]LedgerEntry, error) {
	if _, err := l.store.GetPeriod(ctx, id); err != nil {
		return nil, err
	}
	return l.store.LedgerEntries(ctx, id)
}
