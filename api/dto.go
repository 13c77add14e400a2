/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags and are checked by
  decodeAndValidate before a handler touches them. Money travels as decimal
  strings, dates as YYYY-MM-DD.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/store/sqlite"
)

const dateLayout = "2006-01-02"

// =============================================================================
// REQUESTS
// =============================================================================

type CreatePeriodRequest struct {
	Name        string `json:"name" validate:"required"`
	Type        string `json:"type" validate:"required,oneof=regular adjustment thirteenth_month final_pay off_cycle_bonus"`
	Start       string `json:"start" validate:"required,datetime=2006-01-02"`
	End         string `json:"end" validate:"required,datetime=2006-01-02"`
	PaymentDate string `json:"payment_date" validate:"required,datetime=2006-01-02"`
}

type TransitionRequest struct {
	Action         string `json:"action" validate:"required"`
	Comment        string `json:"comment"`
	ExpectedStatus string `json:"expected_status"`
}

type ResolveExceptionRequest struct {
	Status string `json:"status" validate:"required,oneof=acknowledged resolved ignored"`
	Note   string `json:"note" validate:"required"`
}

type ProposeAdjustmentRequest struct {
	CalculationID string          `json:"calculation_id" validate:"required"`
	Type          string          `json:"type" validate:"required,oneof=addition deduction override"`
	Component     string          `json:"component"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason" validate:"required"`
}

type DecideAdjustmentRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Comment  string `json:"comment"`
}

type CreateEmployeeRequest struct {
	ID             string                `json:"id" validate:"required"`
	Name           string                `json:"name" validate:"required"`
	HireDate       string                `json:"hire_date" validate:"required,datetime=2006-01-02"`
	SeparationDate string                `json:"separation_date" validate:"omitempty,datetime=2006-01-02"`
	GovernmentIDs  payroll.GovernmentIDs `json:"government_ids"`
}

type SalaryRequest struct {
	Type                string          `json:"type" validate:"required,oneof=monthly daily hourly"`
	BasicSalary         decimal.Decimal `json:"basic_salary"`
	DailyRate           decimal.Decimal `json:"daily_rate"`
	HourlyRate          decimal.Decimal `json:"hourly_rate"`
	WorkingDaysPerMonth decimal.Decimal `json:"working_days_per_month"`
	WorkingHoursPerDay  decimal.Decimal `json:"working_hours_per_day"`
	EffectiveFrom       string          `json:"effective_from" validate:"required,datetime=2006-01-02"`
}

// AttendanceRequest flattens the summary next to its date range.
type AttendanceRequest struct {
	PeriodStart string `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd   string `json:"period_end" validate:"required,datetime=2006-01-02"`
	payroll.AttendanceSummary
}

type LeaveRequest struct {
	PeriodStart string `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd   string `json:"period_end" validate:"required,datetime=2006-01-02"`
	payroll.LeaveSummary
}

// PayEntryRequest carries exactly the payload matching Kind.
type PayEntryRequest struct {
	Kind          string                   `json:"kind" validate:"required,oneof=allowance bonus deduction loan"`
	EffectiveFrom string                   `json:"effective_from" validate:"required,datetime=2006-01-02"`
	EffectiveTo   string                   `json:"effective_to" validate:"omitempty,datetime=2006-01-02"`
	Allowance     *payroll.Allowance       `json:"allowance,omitempty"`
	Bonus         *payroll.Bonus           `json:"bonus,omitempty"`
	Deduction     *payroll.Deduction       `json:"deduction,omitempty"`
	Loan          *payroll.LoanInstallment `json:"loan,omitempty"`
}

// EndPayEntryRequest retires an entry after its last effective day.
type EndPayEntryRequest struct {
	EffectiveTo string `json:"effective_to" validate:"required,datetime=2006-01-02"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type TotalsDTO struct {
	EmployeeCount         int             `json:"employee_count"`
	BasicPay              decimal.Decimal `json:"basic_pay"`
	Overtime              decimal.Decimal `json:"overtime"`
	Allowances            decimal.Decimal `json:"allowances"`
	Bonuses               decimal.Decimal `json:"bonuses"`
	Gross                 decimal.Decimal `json:"gross"`
	EmployeeContributions decimal.Decimal `json:"employee_contributions"`
	EmployerContributions decimal.Decimal `json:"employer_contributions"`
	WithholdingTax        decimal.Decimal `json:"withholding_tax"`
	Loans                 decimal.Decimal `json:"loans"`
	OtherDeductions       decimal.Decimal `json:"other_deductions"`
	Deductions            decimal.Decimal `json:"deductions"`
	Net                   decimal.Decimal `json:"net"`
	Adjustments           decimal.Decimal `json:"adjustments"`
	FinalNet              decimal.Decimal `json:"final_net"`
}

type PeriodDTO struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Type             string    `json:"type"`
	Start            string    `json:"start"`
	End              string    `json:"end"`
	PaymentDate      string    `json:"payment_date"`
	Status           string    `json:"status"`
	Locked           bool      `json:"locked"`
	Archived         bool      `json:"archived"`
	FailedRuns       int       `json:"failed_runs"`
	Totals           TotalsDTO `json:"totals"`
	AvailableActions []string  `json:"available_actions"`
	CreatedAt        string    `json:"created_at"`
	UpdatedAt        string    `json:"updated_at"`
}

type LedgerEntryDTO struct {
	ID           string        `json:"id"`
	Sequence     int           `json:"sequence"`
	Step         string        `json:"step"`
	Action       string        `json:"action"`
	StatusBefore string        `json:"status_before"`
	StatusAfter  string        `json:"status_after"`
	LockedBefore bool          `json:"locked_before"`
	LockedAfter  bool          `json:"locked_after"`
	Actor        payroll.Actor `json:"actor"`
	Comment      string        `json:"comment,omitempty"`
	CreatedAt    string        `json:"created_at"`
}

type RunDTO struct {
	ID          string        `json:"id"`
	PeriodID    string        `json:"period_id"`
	Attempt     int           `json:"attempt"`
	Status      string        `json:"status"`
	TriggeredBy payroll.Actor `json:"triggered_by"`
	Total       int           `json:"total"`
	Processed   int           `json:"processed"`
	Calculated  int           `json:"calculated"`
	Exceptions  int           `json:"exceptions"`
	Errors      int           `json:"errors"`
	Error       string        `json:"error,omitempty"`
	StartedAt   string        `json:"started_at"`
	FinishedAt  *string       `json:"finished_at,omitempty"`
}

type CalculationDTO struct {
	ID           string                    `json:"id"`
	PeriodID     string                    `json:"period_id"`
	EmployeeID   string                    `json:"employee_id"`
	Version      int                       `json:"version"`
	PreviousID   string                    `json:"previous_id,omitempty"`
	Status       string                    `json:"status"`
	Superseded   bool                      `json:"superseded"`
	Snapshot     payroll.EmployeeSnapshot  `json:"snapshot"`
	Result       payroll.CalculationResult `json:"result"`
	Error        string                    `json:"error,omitempty"`
	RunID        string                    `json:"run_id,omitempty"`
	AdjustmentID string                    `json:"adjustment_id,omitempty"`
	CreatedBy    payroll.Actor             `json:"created_by"`
	CreatedAt    string                    `json:"created_at"`
}

type ExceptionDTO struct {
	ID                 string                  `json:"id"`
	PeriodID           string                  `json:"period_id"`
	EmployeeID         string                  `json:"employee_id"`
	CalculationID      string                  `json:"calculation_id"`
	CalculationVersion int                     `json:"calculation_version"`
	Type               string                  `json:"type"`
	Severity           string                  `json:"severity"`
	Message            string                  `json:"message"`
	Observed           *decimal.Decimal        `json:"observed,omitempty"`
	Expected           *decimal.Decimal        `json:"expected,omitempty"`
	Status             string                  `json:"status"`
	Notes              []payroll.ExceptionNote `json:"notes"`
	CreatedAt          string                  `json:"created_at"`
	UpdatedAt          string                  `json:"updated_at"`
}

type AdjustmentDTO struct {
	ID                   string          `json:"id"`
	PeriodID             string          `json:"period_id"`
	EmployeeID           string          `json:"employee_id"`
	CalculationID        string          `json:"calculation_id"`
	TargetVersion        int             `json:"target_version"`
	Type                 string          `json:"type"`
	Component            string          `json:"component,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	Reason               string          `json:"reason"`
	Status               string          `json:"status"`
	RequestedBy          payroll.Actor   `json:"requested_by"`
	DecidedBy            *payroll.Actor  `json:"decided_by,omitempty"`
	DecisionComment      string          `json:"decision_comment,omitempty"`
	AppliedCalculationID string          `json:"applied_calculation_id,omitempty"`
	CreatedAt            string          `json:"created_at"`
	DecidedAt            *string         `json:"decided_at,omitempty"`
	AppliedAt            *string         `json:"applied_at,omitempty"`
}

type EmployeeDTO struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	HireDate       string                `json:"hire_date"`
	SeparationDate string                `json:"separation_date,omitempty"`
	GovernmentIDs  payroll.GovernmentIDs `json:"government_ids"`
	CreatedAt      string                `json:"created_at,omitempty"`
}

type RateTablesDTO struct {
	Version       string `json:"version"`
	Jurisdiction  string `json:"jurisdiction"`
	EffectiveFrom string `json:"effective_from"`
	Contributions int    `json:"contributions"`
	TaxBrackets   int    `json:"tax_brackets"`
}

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type ScenarioResultDTO struct {
	ScenarioID string    `json:"scenario_id"`
	Period     PeriodDTO `json:"period"`
	Employees  []string  `json:"employees"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptional(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTimestamp(*t)
	return &s
}

func parseDate(s string) (time.Time, error) {
	return time.Parse(dateLayout, s)
}

func toTotalsDTO(t payroll.PeriodTotals) TotalsDTO {
	return TotalsDTO{
		EmployeeCount:         t.EmployeeCount,
		BasicPay:              t.BasicPay,
		Overtime:              t.Overtime,
		Allowances:            t.Allowances,
		Bonuses:               t.Bonuses,
		Gross:                 t.Gross,
		EmployeeContributions: t.EmployeeContributions,
		EmployerContributions: t.EmployerContributions,
		WithholdingTax:        t.WithholdingTax,
		Loans:                 t.Loans,
		OtherDeductions:       t.OtherDeductions,
		Deductions:            t.Deductions,
		Net:                   t.Net,
		Adjustments:           t.Adjustments,
		FinalNet:              t.FinalNet,
	}
}

func toPeriodDTO(p payroll.Period) PeriodDTO {
	actions := []string{}
	if !p.Archived {
		for _, a := range payroll.AvailableActions(p.Status) {
			if spec, _ := payroll.LookupAction(a); !spec.Reserved {
				actions = append(actions, string(a))
			}
		}
	}
	return PeriodDTO{
		ID:               string(p.ID),
		Name:             p.Name,
		Type:             string(p.Type),
		Start:            p.Start.Format(dateLayout),
		End:              p.End.Format(dateLayout),
		PaymentDate:      p.PaymentDate.Format(dateLayout),
		Status:           string(p.Status),
		Locked:           p.Locked,
		Archived:         p.Archived,
		FailedRuns:       p.FailedRuns,
		Totals:           toTotalsDTO(p.Totals),
		AvailableActions: actions,
		CreatedAt:        formatTimestamp(p.CreatedAt),
		UpdatedAt:        formatTimestamp(p.UpdatedAt),
	}
}

func toLedgerEntryDTO(e payroll.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:           string(e.ID),
		Sequence:     e.Sequence,
		Step:         string(e.Step),
		Action:       string(e.Action),
		StatusBefore: string(e.StatusBefore),
		StatusAfter:  string(e.StatusAfter),
		LockedBefore: e.LockedBefore,
		LockedAfter:  e.LockedAfter,
		Actor:        e.Actor,
		Comment:      e.Comment,
		CreatedAt:    formatTimestamp(e.CreatedAt),
	}
}

func toRunDTO(r payroll.Run) RunDTO {
	return RunDTO{
		ID:          string(r.ID),
		PeriodID:    string(r.PeriodID),
		Attempt:     r.Attempt,
		Status:      string(r.Status),
		TriggeredBy: r.TriggeredBy,
		Total:       r.Total,
		Processed:   r.Processed,
		Calculated:  r.Calculated,
		Exceptions:  r.Exceptions,
		Errors:      r.Errors,
		Error:       r.Error,
		StartedAt:   formatTimestamp(r.StartedAt),
		FinishedAt:  formatOptional(r.FinishedAt),
	}
}

func toCalculationDTO(c payroll.Calculation) CalculationDTO {
	return CalculationDTO{
		ID:           string(c.ID),
		PeriodID:     string(c.PeriodID),
		EmployeeID:   string(c.EmployeeID),
		Version:      c.Version,
		PreviousID:   string(c.PreviousID),
		Status:       string(c.Status),
		Superseded:   c.Superseded,
		Snapshot:     c.Snapshot,
		Result:       c.Result,
		Error:        c.Error,
		RunID:        string(c.RunID),
		AdjustmentID: string(c.AdjustmentID),
		CreatedBy:    c.CreatedBy,
		CreatedAt:    formatTimestamp(c.CreatedAt),
	}
}

func toCalculationDTOs(calcs []payroll.Calculation) []CalculationDTO {
	out := make([]CalculationDTO, len(calcs))
	for i, c := range calcs {
		out[i] = toCalculationDTO(c)
	}
	return out
}

func toExceptionDTO(ex payroll.Exception) ExceptionDTO {
	dto := ExceptionDTO{
		ID:                 string(ex.ID),
		PeriodID:           string(ex.PeriodID),
		EmployeeID:         string(ex.EmployeeID),
		CalculationID:      string(ex.CalculationID),
		CalculationVersion: ex.CalculationVersion,
		Type:               string(ex.Type),
		Severity:           string(ex.Severity),
		Message:            ex.Message,
		Status:             string(ex.Status),
		Notes:              ex.Notes,
		CreatedAt:          formatTimestamp(ex.CreatedAt),
		UpdatedAt:          formatTimestamp(ex.UpdatedAt),
	}
	if dto.Notes == nil {
		dto.Notes = []payroll.ExceptionNote{}
	}
	if ex.Observed.Valid {
		v := ex.Observed.Decimal
		dto.Observed = &v
	}
	if ex.Expected.Valid {
		v := ex.Expected.Decimal
		dto.Expected = &v
	}
	return dto
}

func toExceptionDTOs(exs []payroll.Exception) []ExceptionDTO {
	out := make([]ExceptionDTO, len(exs))
	for i, ex := range exs {
		out[i] = toExceptionDTO(ex)
	}
	return out
}

func toAdjustmentDTO(a payroll.Adjustment) AdjustmentDTO {
	dto := AdjustmentDTO{
		ID:                   string(a.ID),
		PeriodID:             string(a.PeriodID),
		EmployeeID:           string(a.EmployeeID),
		CalculationID:        string(a.CalculationID),
		TargetVersion:        a.TargetVersion,
		Type:                 string(a.Type),
		Component:            a.Component,
		Amount:               a.Amount,
		Reason:               a.Reason,
		Status:               string(a.Status),
		RequestedBy:          a.RequestedBy,
		DecisionComment:      a.DecisionComment,
		AppliedCalculationID: string(a.AppliedCalculationID),
		CreatedAt:            formatTimestamp(a.CreatedAt),
		DecidedAt:            formatOptional(a.DecidedAt),
		AppliedAt:            formatOptional(a.AppliedAt),
	}
	if a.DecidedBy.ID != "" {
		by := a.DecidedBy
		dto.DecidedBy = &by
	}
	return dto
}

func toEmployeeDTO(e sqlite.Employee) EmployeeDTO {
	dto := EmployeeDTO{
		ID:            string(e.ID),
		Name:          e.Name,
		HireDate:      e.HireDate.Format(dateLayout),
		GovernmentIDs: e.GovernmentIDs,
	}
	if e.SeparationDate != nil {
		dto.SeparationDate = e.SeparationDate.Format(dateLayout)
	}
	if !e.CreatedAt.IsZero() {
		dto.CreatedAt = formatTimestamp(e.CreatedAt)
	}
	return dto
}

func toRateTablesDTO(t payroll.RateTables) RateTablesDTO {
	return RateTablesDTO{
		Version:       t.Version,
		Jurisdiction:  t.Jurisdiction,
		EffectiveFrom: t.EffectiveFrom.Format(dateLayout),
		Contributions: len(t.Contributions),
		TaxBrackets:   len(t.WithholdingTax.Brackets),
	}
}
