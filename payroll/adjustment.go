/*
adjustment.go - Manual corrections that produce new calculation versions

PURPOSE:
  All monetary corrections flow through adjustments so every change has an
  attributable requester, approver and reason. The engine never corrects
  data on its own.

LIFECYCLE:
  Propose -> pending
  Decide  -> approved | rejected
  Apply   -> applied, and version N+1 of the calculation exists

CONCURRENCY:
  Optimistic. An adjustment records the version it was proposed against.
  Apply fails with *StaleVersionError when that version is no longer
  current; the caller must re-propose. Nothing is applied to a stale target.

  Apply holds the ledger's period lock while it writes, so the exception
  gate on submit always sees the version Apply produced.
*/
package payroll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Adjustment struct {
	ID                   AdjustmentID
	PeriodID             PeriodID
	EmployeeID           EmployeeID
	CalculationID        CalculationID
	TargetVersion        int
	Type                 AdjustmentType
	Component            string
	Amount               decimal.Decimal
	Reason               string
	Status               AdjustmentStatus
	RequestedBy          Actor
	DecidedBy            Actor
	DecisionComment      string
	AppliedCalculationID CalculationID
	CreatedAt            time.Time
	DecidedAt            *time.Time
	AppliedAt            *time.Time
}

// Line converts the adjustment into the item folded into a result.
func (a Adjustment) Line() AdjustmentLine {
	return AdjustmentLine{
		AdjustmentID: a.ID,
		Type:         a.Type,
		Component:    a.Component,
		Amount:       a.Amount,
		Reason:       a.Reason,
	}
}

type ProposeRequest struct {
	CalculationID CalculationID
	Type          AdjustmentType
	Component     string
	Amount        decimal.Decimal
	Reason        string
	Actor         Actor
}

func (r ProposeRequest) validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: unknown adjustment type %q", ErrInvalidInput, r.Type)
	}
	if r.Actor.ID == "" {
		return fmt.Errorf("%w: actor id is required", ErrInvalidInput)
	}
	if r.Reason == "" {
		return fmt.Errorf("%w: a reason is required", ErrInvalidInput)
	}
	if r.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidInput)
	}
	if r.Type == AdjustmentOverride {
		if !ValidComponent(r.Component) {
			return fmt.Errorf("%w: unknown component %q", ErrInvalidInput, r.Component)
		}
		return nil
	}
	if r.Component != "" {
		return fmt.Errorf("%w: only overrides name a component", ErrInvalidInput)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	return nil
}

// adjustable reports whether a period in status s accepts adjustments.
func adjustable(s PeriodStatus) bool {
	return s == PeriodCalculated || s == PeriodUnderReview
}

// =============================================================================
// PROCESSOR
// =============================================================================

type AdjustmentProcessor struct {
	store    Store
	hold     func(PeriodID) func()
	engine   *Engine
	rates    RateProvider
	versions *versioner
	deciders []Role
	clock    Clock
	ids      IDGenerator
	logger   *zap.Logger
}

// DefaultDeciderRoles may approve or reject adjustments.
var DefaultDeciderRoles = []Role{RoleApprover, RoleFinance}

// checkOpen rejects locked, archived and non-adjustable periods.
func (p *AdjustmentProcessor) checkOpen(ctx context.Context, id PeriodID) (Period, error) {
	period, err := p.store.GetPeriod(ctx, id)
	if err != nil {
		return Period{}, err
	}
	if period.Locked {
		return Period{}, fmt.Errorf("%w: %s", ErrPeriodLocked, id)
	}
	if period.Archived {
		return Period{}, fmt.Errorf("%w: %s", ErrPeriodArchived, id)
	}
	if !adjustable(period.Status) {
		return Period{}, fmt.Errorf("%w: period %s is %s", ErrPeriodNotAdjustable, id, period.Status)
	}
	return period, nil
}

// Propose records a pending adjustment against the current version of a
// calculation. A locked or closed period is reported before any problem
// with the request itself.
func (p *AdjustmentProcessor) Propose(ctx context.Context, req ProposeRequest) (Adjustment, error) {
	calc, err := p.store.GetCalculation(ctx, req.CalculationID)
	if err != nil {
		return Adjustment{}, err
	}
	if _, err := p.checkOpen(ctx, calc.PeriodID); err != nil {
		return Adjustment{}, err
	}
	if err := req.validate(); err != nil {
		return Adjustment{}, err
	}
	current, err := p.store.CurrentCalculation(ctx, calc.PeriodID, calc.EmployeeID)
	if err != nil {
		return Adjustment{}, err
	}
	if current.ID != calc.ID {
		return Adjustment{}, &StaleVersionError{EmployeeID: calc.EmployeeID, TargetVersion: calc.Version, CurrentVersion: current.Version}
	}
	if calc.Failed() {
		return Adjustment{}, fmt.Errorf("%w: calculation %s has no computed pay; recalculate the employee instead",
			ErrInvalidInput, calc.ID)
	}

	adj := Adjustment{
		ID:            AdjustmentID(p.ids("adj")),
		PeriodID:      calc.PeriodID,
		EmployeeID:    calc.EmployeeID,
		CalculationID: calc.ID,
		TargetVersion: calc.Version,
		Type:          req.Type,
		Component:     req.Component,
		Amount:        RoundMoney(req.Amount),
		Reason:        req.Reason,
		Status:        AdjustmentPending,
		RequestedBy:   req.Actor,
		CreatedAt:     p.clock(),
	}
	if err := p.store.CreateAdjustment(ctx, adj); err != nil {
		return Adjustment{}, err
	}
	p.logger.Info("adjustment proposed",
		zap.String("adjustment_id", string(adj.ID)),
		zap.String("employee_id", string(adj.EmployeeID)),
		zap.String("type", string(adj.Type)),
		zap.String("amount", adj.Amount.String()))
	return adj, nil
}

// Decide approves or rejects a pending adjustment. The requester may not
// decide on their own adjustment.
func (p *AdjustmentProcessor) Decide(ctx context.Context, id AdjustmentID, decision Decision, actor Actor, comment string) (Adjustment, error) {
	next := AdjustmentApproved
	switch decision {
	case DecisionApprove:
	case DecisionReject:
		next = AdjustmentRejected
	default:
		return Adjustment{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidInput, decision)
	}
	if !roleIn(actor.Role, p.deciders) {
		return Adjustment{}, &RoleError{Action: Action("decide_adjustment"), Role: actor.Role, Allowed: p.deciders}
	}
	adj, err := p.store.GetAdjustment(ctx, id)
	if err != nil {
		return Adjustment{}, err
	}
	if actor.ID == adj.RequestedBy.ID {
		return Adjustment{}, fmt.Errorf("%w: requester cannot decide their own adjustment", ErrRoleNotPermitted)
	}
	if _, err := p.checkOpen(ctx, adj.PeriodID); err != nil {
		return Adjustment{}, err
	}
	if !adj.Status.CanTransition(next) {
		return Adjustment{}, fmt.Errorf("%w: adjustment %s is %s", ErrIllegalTransition, id, adj.Status)
	}

	prev := adj.Status
	now := p.clock()
	adj.Status = next
	adj.DecidedBy = actor
	adj.DecisionComment = comment
	adj.DecidedAt = &now
	if err := p.store.UpdateAdjustment(ctx, adj, prev); err != nil {
		return Adjustment{}, err
	}
	p.logger.Info("adjustment decided",
		zap.String("adjustment_id", string(id)),
		zap.String("decision", string(decision)),
		zap.String("actor", actor.ID))
	return adj, nil
}

// Apply folds an approved adjustment into the next calculation version and
// re-runs detection for that employee.
func (p *AdjustmentProcessor) Apply(ctx context.Context, id AdjustmentID, actor Actor) (Calculation, error) {
	adj, err := p.store.GetAdjustment(ctx, id)
	if err != nil {
		return Calculation{}, err
	}
	unlock := p.hold(adj.PeriodID)
	defer unlock()
	period, err := p.checkOpen(ctx, adj.PeriodID)
	if err != nil {
		return Calculation{}, err
	}
	if !adj.Status.CanTransition(AdjustmentApplied) {
		return Calculation{}, fmt.Errorf("%w: adjustment %s is %s", ErrIllegalTransition, id, adj.Status)
	}
	current, err := p.store.CurrentCalculation(ctx, adj.PeriodID, adj.EmployeeID)
	if err != nil {
		return Calculation{}, err
	}
	if current.Version != adj.TargetVersion {
		return Calculation{}, &StaleVersionError{EmployeeID: adj.EmployeeID, TargetVersion: adj.TargetVersion, CurrentVersion: current.Version}
	}

	tables, err := p.rates.TablesFor(ctx, period.PaymentDate)
	if err != nil {
		return Calculation{}, &ConfigurationError{PeriodID: period.ID, Err: err}
	}
	lines := append(append([]AdjustmentLine(nil), current.Result.Adjustments...), adj.Line())
	result, err := p.engine.Compute(period, current.Snapshot, tables, lines...)
	if err != nil {
		return Calculation{}, err
	}

	now := p.clock()
	applied := adj
	applied.Status = AdjustmentApplied
	applied.AppliedAt = &now
	draft := Calculation{
		EmployeeID:   adj.EmployeeID,
		Status:       CalcAdjusted,
		Snapshot:     current.Snapshot,
		Result:       result,
		AdjustmentID: adj.ID,
		CreatedBy:    actor,
	}
	calc, _, err := p.versions.write(ctx, period, &current, draft, &applied)
	if errors.Is(err, ErrVersionConflict) {
		latest, lerr := p.store.CurrentCalculation(ctx, adj.PeriodID, adj.EmployeeID)
		if lerr == nil {
			return Calculation{}, &StaleVersionError{EmployeeID: adj.EmployeeID, TargetVersion: adj.TargetVersion, CurrentVersion: latest.Version}
		}
	}
	if err != nil {
		return Calculation{}, err
	}
	p.logger.Info("adjustment applied",
		zap.String("adjustment_id", string(id)),
		zap.String("calculation_id", string(calc.ID)),
		zap.Int("version", calc.Version))
	return calc, nil
}

// List returns the period's adjustments in creation order.
func (p *AdjustmentProcessor) List(ctx context.Context, period PeriodID) ([]Adjustment, error) {
	return p.store.ListAdjustments(ctx, period)
}

// Get returns one adjustment.
func (p *AdjustmentProcessor) Get(ctx context.Context, id AdjustmentID) (Adjustment, error) {
	return p.store.GetAdjustment(ctx, id)
}

func roleIn(r Role, roles []Role) bool {
	for _, allowed := range roles {
		if r == allowed {
			return true
		}
	}
	return false
}
