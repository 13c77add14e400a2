/*
status.go - Closed status types and their transition tables

PURPOSE:
  Every lifecycle in the engine (Period, Calculation, Exception, Adjustment)
  is a closed string type with an explicit transition table. Behavior is
  dispatched through the tables, never through ad-hoc string comparisons.

PERIOD LIFECYCLE:
  draft -> active -> calculating -> calculated -> under_review
        -> pending_approval -> approved -> finalized -> processing_payment
        -> completed

  cancelled is reachable from every state before finalized.
  Locked is set on entry to finalized (lock) and cleared by unlock.

SEE ALSO:
  - ledger.go: Applies PeriodActions
  - exception.go: Exception lifecycle
  - adjustment.go: Adjustment lifecycle
*/
package payroll

// =============================================================================
// PERIOD STATUS
// =============================================================================

type PeriodStatus string

const (
	PeriodDraft             PeriodStatus = "draft"
	PeriodActive            PeriodStatus = "active"
	PeriodCalculating       PeriodStatus = "calculating"
	PeriodCalculated        PeriodStatus = "calculated"
	PeriodUnderReview       PeriodStatus = "under_review"
	PeriodPendingApproval   PeriodStatus = "pending_approval"
	PeriodApproved          PeriodStatus = "approved"
	PeriodFinalized         PeriodStatus = "finalized"
	PeriodProcessingPayment PeriodStatus = "processing_payment"
	PeriodCompleted         PeriodStatus = "completed"
	PeriodCancelled         PeriodStatus = "cancelled"
)

// PeriodStatuses lists every period status in lifecycle order.
var PeriodStatuses = []PeriodStatus{
	PeriodDraft, PeriodActive, PeriodCalculating, PeriodCalculated,
	PeriodUnderReview, PeriodPendingApproval, PeriodApproved, PeriodFinalized,
	PeriodProcessingPayment, PeriodCompleted, PeriodCancelled,
}

func (s PeriodStatus) Valid() bool {
	for _, known := range PeriodStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further action can leave s.
func (s PeriodStatus) Terminal() bool {
	return s == PeriodCompleted || s == PeriodCancelled
}

// =============================================================================
// PERIOD ACTIONS - the static transition table
// =============================================================================

// Action is a ledger action that moves a period between statuses.
type Action string

const (
	ActionActivate            Action = "activate"
	ActionStartCalculation    Action = "start_calculation"
	ActionRecalculate         Action = "recalculate"
	ActionCompleteCalculation Action = "complete_calculation"
	ActionFailCalculation     Action = "fail_calculation"
	ActionBeginReview         Action = "begin_review"
	ActionSubmit              Action = "submit"
	ActionApprove             Action = "approve"
	ActionReject              Action = "reject"
	ActionLock                Action = "lock"
	ActionUnlock              Action = "unlock"
	ActionReleasePayment      Action = "release_payment"
	ActionComplete            Action = "complete"
	ActionCancel              Action = "cancel"
)

// Step is the stage of the approval chain an action belongs to.
type Step string

const (
	StepSetup        Step = "setup"
	StepCalculation  Step = "calculation"
	StepReview       Step = "review"
	StepApproval     Step = "approval"
	StepFinalization Step = "finalization"
	StepPayment      Step = "payment"
)

// LockEffect describes what an action does to Period.Locked.
type LockEffect int

const (
	LockUnchanged LockEffect = iota
	LockSet
	LockClear
)

// ActionSpec is one row of the transition table.
type ActionSpec struct {
	Action Action
	Step   Step
	From   []PeriodStatus
	To     PeriodStatus
	Lock   LockEffect
	// Reserved actions are only performed by the calculation runner.
	Reserved bool
}

// Allows reports whether the action is legal from status.
func (a ActionSpec) Allows(status PeriodStatus) bool {
	for _, from := range a.From {
		if from == status {
			return true
		}
	}
	return false
}

var preFinalized = []PeriodStatus{
	PeriodDraft, PeriodActive, PeriodCalculating, PeriodCalculated,
	PeriodUnderReview, PeriodPendingApproval, PeriodApproved,
}

var transitionTable = map[Action]ActionSpec{
	ActionActivate:            {Action: ActionActivate, Step: StepSetup, From: []PeriodStatus{PeriodDraft}, To: PeriodActive},
	ActionStartCalculation:    {Action: ActionStartCalculation, Step: StepCalculation, From: []PeriodStatus{PeriodActive}, To: PeriodCalculating, Reserved: true},
	ActionRecalculate:         {Action: ActionRecalculate, Step: StepCalculation, From: []PeriodStatus{PeriodCalculated}, To: PeriodCalculating, Reserved: true},
	ActionCompleteCalculation: {Action: ActionCompleteCalculation, Step: StepCalculation, From: []PeriodStatus{PeriodCalculating}, To: PeriodCalculated, Reserved: true},
	ActionFailCalculation:     {Action: ActionFailCalculation, Step: StepCalculation, From: []PeriodStatus{PeriodCalculating}, To: PeriodActive, Reserved: true},
	ActionBeginReview:         {Action: ActionBeginReview, Step: StepReview, From: []PeriodStatus{PeriodCalculated}, To: PeriodUnderReview},
	ActionSubmit:              {Action: ActionSubmit, Step: StepReview, From: []PeriodStatus{PeriodUnderReview}, To: PeriodPendingApproval},
	ActionApprove:             {Action: ActionApprove, Step: StepApproval, From: []PeriodStatus{PeriodPendingApproval}, To: PeriodApproved},
	ActionReject:              {Action: ActionReject, Step: StepApproval, From: []PeriodStatus{PeriodPendingApproval}, To: PeriodCalculated},
	ActionLock:                {Action: ActionLock, Step: StepFinalization, From: []PeriodStatus{PeriodApproved}, To: PeriodFinalized, Lock: LockSet},
	ActionUnlock:              {Action: ActionUnlock, Step: StepFinalization, From: []PeriodStatus{PeriodFinalized}, To: PeriodApproved, Lock: LockClear},
	ActionReleasePayment:      {Action: ActionReleasePayment, Step: StepPayment, From: []PeriodStatus{PeriodFinalized}, To: PeriodProcessingPayment},
	ActionComplete:            {Action: ActionComplete, Step: StepPayment, From: []PeriodStatus{PeriodProcessingPayment}, To: PeriodCompleted},
	ActionCancel:              {Action: ActionCancel, Step: StepSetup, From: preFinalized, To: PeriodCancelled},
}

// LookupAction returns the transition table row for a.
func LookupAction(a Action) (ActionSpec, bool) {
	spec, ok := transitionTable[a]
	return spec, ok
}

// AvailableActions returns the actions legal from status, in table order.
func AvailableActions(status PeriodStatus) []Action {
	var out []Action
	for _, a := range actionOrder {
		if transitionTable[a].Allows(status) {
			out = append(out, a)
		}
	}
	return out
}

var actionOrder = []Action{
	ActionActivate, ActionStartCalculation, ActionRecalculate,
	ActionCompleteCalculation, ActionFailCalculation, ActionBeginReview,
	ActionSubmit, ActionApprove, ActionReject, ActionLock, ActionUnlock,
	ActionReleasePayment, ActionComplete, ActionCancel,
}

// calculationStatusOnEntry maps an action to the status stamped on every
// current calculation of the period when the action commits.
func calculationStatusOnEntry(a Action) (CalculationStatus, bool) {
	switch a {
	case ActionApprove, ActionUnlock:
		return CalcApproved, true
	case ActionLock:
		return CalcLocked, true
	}
	return "", false
}

// =============================================================================
// CALCULATION STATUS
// =============================================================================

type CalculationStatus string

const (
	CalcPending     CalculationStatus = "pending"
	CalcCalculating CalculationStatus = "calculating"
	CalcCalculated  CalculationStatus = "calculated"
	CalcException   CalculationStatus = "exception"
	CalcAdjusted    CalculationStatus = "adjusted"
	CalcApproved    CalculationStatus = "approved"
	CalcLocked      CalculationStatus = "locked"
)

// Settled reports whether a batch may complete with a calculation in s.
func (s CalculationStatus) Settled() bool {
	switch s {
	case CalcPending, CalcCalculating:
		return false
	}
	return true
}

// =============================================================================
// EXCEPTION STATUS, TYPE, SEVERITY
// =============================================================================

type ExceptionStatus string

const (
	ExceptionOpen         ExceptionStatus = "open"
	ExceptionAcknowledged ExceptionStatus = "acknowledged"
	ExceptionResolved     ExceptionStatus = "resolved"
	ExceptionIgnored      ExceptionStatus = "ignored"
)

var exceptionTransitions = map[ExceptionStatus][]ExceptionStatus{
	ExceptionOpen:         {ExceptionAcknowledged, ExceptionResolved, ExceptionIgnored},
	ExceptionAcknowledged: {ExceptionResolved, ExceptionIgnored},
	ExceptionResolved:     nil,
	ExceptionIgnored:      nil,
}

// CanTransition reports whether an exception may move from s to next.
func (s ExceptionStatus) CanTransition(next ExceptionStatus) bool {
	for _, allowed := range exceptionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type ExceptionType string

const (
	ExceptionHighVariance        ExceptionType = "high_variance"
	ExceptionLowNetPay           ExceptionType = "low_net_pay"
	ExceptionHighNetPay          ExceptionType = "high_net_pay"
	ExceptionNegativeNetPay      ExceptionType = "negative_net_pay"
	ExceptionMissingTimekeeping  ExceptionType = "missing_timekeeping"
	ExceptionMissingGovernmentID ExceptionType = "missing_government_id"
	ExceptionExcessiveDeduction  ExceptionType = "excessive_deduction"
	ExceptionMissingLeaveData    ExceptionType = "missing_leave_data"
	ExceptionCalculationError    ExceptionType = "calculation_error"
	ExceptionDataInconsistency   ExceptionType = "data_inconsistency"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// =============================================================================
// ADJUSTMENT STATUS AND TYPE
// =============================================================================

type AdjustmentStatus string

const (
	AdjustmentPending  AdjustmentStatus = "pending"
	AdjustmentApproved AdjustmentStatus = "approved"
	AdjustmentRejected AdjustmentStatus = "rejected"
	AdjustmentApplied  AdjustmentStatus = "applied"
)

var adjustmentTransitions = map[AdjustmentStatus][]AdjustmentStatus{
	AdjustmentPending:  {AdjustmentApproved, AdjustmentRejected},
	AdjustmentApproved: {AdjustmentApplied},
	AdjustmentRejected: nil,
	AdjustmentApplied:  nil,
}

func (s AdjustmentStatus) CanTransition(next AdjustmentStatus) bool {
	for _, allowed := range adjustmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type AdjustmentType string

const (
	AdjustmentAddition  AdjustmentType = "addition"
	AdjustmentDeduction AdjustmentType = "deduction"
	AdjustmentOverride  AdjustmentType = "override"
)

func (t AdjustmentType) Valid() bool {
	switch t {
	case AdjustmentAddition, AdjustmentDeduction, AdjustmentOverride:
		return true
	}
	return false
}

// Decision is an approver's verdict on a pending adjustment.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// =============================================================================
// RUN STATUS
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)
