/*
errors.go - Centralized error types for the payroll engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Transports classify errors with IsNotFound / IsConflict / IsClientError.

ERROR CATEGORIES:
  1. Input errors - Missing or invalid snapshot data, scoped to one employee
  2. Conflict errors - Stale versions, concurrent runs, illegal transitions
  3. Configuration errors - Missing rate tables, fatal to a batch run
  4. Lookup errors - Unknown periods, calculations, exceptions, adjustments
*/
package payroll

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Input errors.
	ErrMissingInput = errors.New("missing required input")
	ErrInvalidInput = errors.New("invalid input")

	// Conflict errors.
	ErrIllegalTransition   = errors.New("illegal transition")
	ErrStatusConflict      = errors.New("period status changed concurrently")
	ErrStaleVersion        = errors.New("calculation version is stale")
	ErrVersionConflict     = errors.New("calculation version conflict")
	ErrAlreadyRunning      = errors.New("calculation already running for period")
	ErrPeriodLocked        = errors.New("period is locked")
	ErrPeriodArchived      = errors.New("period is archived")
	ErrPeriodNotAdjustable = errors.New("period does not accept adjustments in its current status")
	ErrExceptionsBlocking  = errors.New("blocking exceptions are open")
	ErrLeaseHeld           = errors.New("lease is held by another owner")
	ErrLeaseLost           = errors.New("lease no longer held")
	ErrActionReserved      = errors.New("action is reserved to the calculation runner")

	// Authorization of roles against actions (identity itself is external).
	ErrRoleNotPermitted = errors.New("role not permitted for action")

	// Configuration errors.
	ErrRateTableNotFound = errors.New("no rate table effective on date")
	ErrNoEmployees       = errors.New("period covers no employees")

	// Lookup errors.
	ErrPeriodNotFound      = errors.New("period not found")
	ErrCalculationNotFound = errors.New("calculation not found")
	ErrExceptionNotFound   = errors.New("exception not found")
	ErrAdjustmentNotFound  = errors.New("adjustment not found")
	ErrRunNotFound         = errors.New("run not found")
	ErrEmployeeNotFound    = errors.New("employee not found")
	ErrPayEntryNotFound    = errors.New("pay entry not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CalculationError is an input error for one employee. It never aborts a batch.
type CalculationError struct {
	EmployeeID EmployeeID
	Field      string
	Reason     string
	Err        error
}

func (e *CalculationError) Error() string {
	return fmt.Sprintf("calculation for %s failed: %s: %s", e.EmployeeID, e.Field, e.Reason)
}

func (e *CalculationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrMissingInput
}

func missingInput(emp EmployeeID, field, reason string) *CalculationError {
	return &CalculationError{EmployeeID: emp, Field: field, Reason: reason, Err: ErrMissingInput}
}

func invalidInput(emp EmployeeID, field, reason string) *CalculationError {
	return &CalculationError{EmployeeID: emp, Field: field, Reason: reason, Err: ErrInvalidInput}
}

// TransitionError is returned when an action is not legal from the period's
// current status.
type TransitionError struct {
	PeriodID PeriodID
	Action   Action
	Current  PeriodStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("action %q not allowed for period %s in status %q", e.Action, e.PeriodID, e.Current)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

// StatusConflictError is returned when the caller's view of the period status
// is out of date. Current is the status the caller must re-decide against.
type StatusConflictError struct {
	PeriodID PeriodID
	Expected PeriodStatus
	Current  PeriodStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("period %s is %q, expected %q", e.PeriodID, e.Current, e.Expected)
}

func (e *StatusConflictError) Unwrap() error { return ErrStatusConflict }

// StaleVersionError is returned when an adjustment targets a calculation
// version that is no longer current.
type StaleVersionError struct {
	EmployeeID     EmployeeID
	TargetVersion  int
	CurrentVersion int
}

func (e *StaleVersionError) Error() string {
	return fmt.Sprintf("adjustment targets version %d of %s but current is %d",
		e.TargetVersion, e.EmployeeID, e.CurrentVersion)
}

func (e *StaleVersionError) Unwrap() error { return ErrStaleVersion }

// GateError lists the exceptions that block a transition.
type GateError struct {
	PeriodID   PeriodID
	Action     Action
	Exceptions []ExceptionID
}

func (e *GateError) Error() string {
	ids := make([]string, len(e.Exceptions))
	for i, id := range e.Exceptions {
		ids[i] = string(id)
	}
	return fmt.Sprintf("%s blocked for period %s by %d exception(s): %s",
		e.Action, e.PeriodID, len(e.Exceptions), strings.Join(ids, ", "))
}

func (e *GateError) Unwrap() error { return ErrExceptionsBlocking }

// RoleError is returned when the actor's role may not perform the action.
type RoleError struct {
	Action  Action
	Role    Role
	Allowed []Role
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("role %q may not %s (allowed: %v)", e.Role, e.Action, e.Allowed)
}

func (e *RoleError) Unwrap() error { return ErrRoleNotPermitted }

// ConfigurationError is fatal to a calculation run.
type ConfigurationError struct {
	PeriodID PeriodID
	Err      error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for period %s: %v", e.PeriodID, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// IsNotFound reports whether err is a lookup failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPeriodNotFound) ||
		errors.Is(err, ErrCalculationNotFound) ||
		errors.Is(err, ErrExceptionNotFound) ||
		errors.Is(err, ErrAdjustmentNotFound) ||
		errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrEmployeeNotFound) ||
		errors.Is(err, ErrPayEntryNotFound)
}

// IsConflict reports whether err is a conflict the caller must re-decide on.
// The engine never retries these itself.
func IsConflict(err error) bool {
	return errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrStatusConflict) ||
		errors.Is(err, ErrStaleVersion) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrAlreadyRunning) ||
		errors.Is(err, ErrPeriodLocked) ||
		errors.Is(err, ErrPeriodArchived) ||
		errors.Is(err, ErrPeriodNotAdjustable) ||
		errors.Is(err, ErrExceptionsBlocking) ||
		errors.Is(err, ErrLeaseHeld) ||
		errors.Is(err, ErrActionReserved)
}

// IsClientError reports whether err was caused by the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrMissingInput) ||
		errors.Is(err, ErrRoleNotPermitted) ||
		IsConflict(err) ||
		IsNotFound(err)
}
