package payroll

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// GatePolicy decides which exceptions block submit (under_review ->
// pending_approval). Only exceptions on current calculation versions count.
type GatePolicy struct {
	BlockingSeverities []Severity
	// AcknowledgedBlocks keeps acknowledged exceptions blocking. When false,
	// acknowledging an exception is enough to clear the gate.
	AcknowledgedBlocks bool
}

func DefaultGatePolicy() GatePolicy {
	return GatePolicy{BlockingSeverities: []Severity{SeverityCritical, SeverityHigh}}
}

// Blocks reports whether ex holds the gate closed.
func (g GatePolicy) Blocks(ex Exception) bool {
	switch ex.Status {
	case ExceptionOpen:
	case ExceptionAcknowledged:
		if !g.AcknowledgedBlocks {
			return false
		}
	default:
		return false
	}
	for _, s := range g.BlockingSeverities {
		if ex.Severity == s {
			return true
		}
	}
	return false
}

// ExceptionService lists and resolves exceptions.
type ExceptionService struct {
	store  Store
	gate   GatePolicy
	roles  RolePolicy
	clock  Clock
	logger *zap.Logger
}

// List returns exceptions matching filter. With currentOnly set, exceptions
// attached to superseded versions are left out.
func (s *ExceptionService) List(ctx context.Context, filter ExceptionFilter, currentOnly bool) ([]Exception, error) {
	all, err := s.store.ListExceptions(ctx, filter)
	if err != nil || !currentOnly {
		return all, err
	}
	current := make(map[CalculationID]bool)
	if filter.PeriodID != "" {
		calcs, err := s.store.CurrentCalculations(ctx, filter.PeriodID)
		if err != nil {
			return nil, err
		}
		for _, c := range calcs {
			current[c.ID] = true
		}
	}
	out := all[:0:0]
	for _, ex := range all {
		if filter.PeriodID == "" {
			c, err := s.store.GetCalculation(ctx, ex.CalculationID)
			if err != nil {
				return nil, err
			}
			if c.Superseded {
				continue
			}
		} else if !current[ex.CalculationID] {
			continue
		}
		out = append(out, ex)
	}
	return out, nil
}

// Blocking returns the exceptions on current versions that close the gate.
func (s *ExceptionService) Blocking(ctx context.Context, period PeriodID) ([]Exception, error) {
	current, err := s.List(ctx, ExceptionFilter{PeriodID: period}, true)
	if err != nil {
		return nil, err
	}
	var out []Exception
	for _, ex := range current {
		if s.gate.Blocks(ex) {
			out = append(out, ex)
		}
	}
	return out, nil
}

// gateGuard is registered on submit.
func (s *ExceptionService) gateGuard(ctx context.Context, period Period) error {
	blocking, err := s.Blocking(ctx, period.ID)
	if err != nil {
		return err
	}
	if len(blocking) == 0 {
		return nil
	}
	ids := make([]ExceptionID, len(blocking))
	for i, ex := range blocking {
		ids[i] = ex.ID
	}
	return &GateError{PeriodID: period.ID, Action: ActionSubmit, Exceptions: ids}
}

// Resolve moves an exception to status and appends note. The exception
// itself is never removed. Only roles allowed ActionResolveException may
// resolve.
func (s *ExceptionService) Resolve(ctx context.Context, id ExceptionID, status ExceptionStatus, actor Actor, note string) (Exception, error) {
	if actor.ID == "" {
		return Exception{}, fmt.Errorf("%w: actor id is required", ErrInvalidInput)
	}
	if allowed, ok := s.roles.permits(ActionResolveException, actor.Role); !ok {
		return Exception{}, &RoleError{Action: ActionResolveException, Role: actor.Role, Allowed: allowed}
	}
	if note == "" {
		return Exception{}, fmt.Errorf("%w: a resolution note is required", ErrInvalidInput)
	}
	ex, err := s.store.GetException(ctx, id)
	if err != nil {
		return Exception{}, err
	}
	if !ex.Status.CanTransition(status) {
		return Exception{}, fmt.Errorf("%w: exception %s cannot move from %s to %s", ErrIllegalTransition, id, ex.Status, status)
	}
	prev := ex.Status
	now := s.clock()
	ex.Status = status
	ex.UpdatedAt = now
	ex.Notes = append(append([]ExceptionNote(nil), ex.Notes...), ExceptionNote{
		Actor: actor, Status: status, Note: note, CreatedAt: now,
	})
	if err := s.store.UpdateException(ctx, ex, prev); err != nil {
		return Exception{}, err
	}
	s.logger.Info("exception resolved",
		zap.String("exception_id", string(id)),
		zap.String("type", string(ex.Type)),
		zap.String("status", string(status)),
		zap.String("actor", actor.ID))
	return ex, nil
}
