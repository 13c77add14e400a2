/*
handlers.go - HTTP API handlers for the payroll engine

PURPOSE:
  Exposes the period manager, the SQLite input store and the payment
  handoff over REST. Handles HTTP request/response, JSON serialization and
  delegates to the payroll package.

ENDPOINTS:
  Periods:
    GET    /api/periods                              List periods
    POST   /api/periods                              Create period (draft)
    GET    /api/periods/{id}                         Period with totals
    POST   /api/periods/{id}/archive                 Archive a finished period
    GET    /api/periods/{id}/ledger                  Approval ledger entries
    POST   /api/periods/{id}/transitions             Append a ledger action
    GET    /api/periods/{id}/payment-set             Locked payment set

  Calculations:
    POST   /api/periods/{id}/runs                    Start a batch run (?wait=true runs inline)
    GET    /api/periods/{id}/runs                    Runs of a period
    GET    /api/runs/{id}                            Run progress
    POST   /api/runs/{id}/abort                      Abort an in-flight run
    GET    /api/periods/{id}/calculations            Current versions
    GET    /api/periods/{id}/employees/{emp}/versions   Version chain
    POST   /api/periods/{id}/employees/{emp}/recalculate Fresh version
    GET    /api/calculations/{id}                    One version

  Exceptions and adjustments:
    GET    /api/periods/{id}/exceptions              Exceptions (?status=, ?all=true)
    GET    /api/periods/{id}/exceptions/blocking     Exceptions holding the gate
    POST   /api/exceptions/{id}/resolve              Acknowledge, resolve or ignore
    GET    /api/periods/{id}/adjustments             Adjustments of a period
    POST   /api/adjustments                          Propose
    POST   /api/adjustments/{id}/decision            Approve or reject
    POST   /api/adjustments/{id}/apply               Apply as a new version

  Inputs:
    /api/employees, /api/rate-tables, /api/scenarios
    PUT    /api/employees/{id}/entries/{entryID}/end Retire a pay entry

ACTORS:
  Identity is established upstream. Mutating endpoints read the acting user
  from X-Actor-ID and X-Actor-Role; the system role cannot be claimed.

ERROR HANDLING:
  Errors are returned as JSON with a status chosen by statusFor:
  - 400: Validation errors, invalid input
  - 403: Role not permitted for the action
  - 404: Resource not found
  - 409: Conflicts (illegal transition, stale version, locked period, gate)
  - 422: Configuration errors (no rate tables, no employees)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/handoff"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/store/sqlite"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Manager *payroll.PeriodManager
	Store   *sqlite.Store
	Tables  *factory.RateTableFactory
	// Dispatcher is optional; without it the handoff endpoint answers 503.
	Dispatcher *handoff.Dispatcher

	validate *validator.Validate
	logger   *zap.Logger
}

func NewHandler(manager *payroll.PeriodManager, store *sqlite.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Manager:  manager,
		Store:    store,
		Tables:   factory.NewRateTableFactory(),
		validate: validator.New(),
		logger:   logger.Named("api"),
	}
}

// =============================================================================
// PERIOD HANDLERS
// =============================================================================

func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	filter := payroll.PeriodFilter{
		Status:          payroll.PeriodStatus(r.URL.Query().Get("status")),
		IncludeArchived: r.URL.Query().Get("include_archived") == "true",
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown period status", nil)
		return
	}
	periods, err := h.Manager.ListPeriods(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, "Failed to list periods", err)
		return
	}
	dtos := make([]PeriodDTO, len(periods))
	for i, p := range periods {
		dtos[i] = toPeriodDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreatePeriod(w http.ResponseWriter, r *http.Request) {
	var req CreatePeriodRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	start, _ := parseDate(req.Start)
	end, _ := parseDate(req.End)
	payment, _ := parseDate(req.PaymentDate)

	p, err := h.Manager.CreatePeriod(r.Context(), payroll.PeriodInput{
		Name:        req.Name,
		Type:        payroll.PeriodType(req.Type),
		Start:       start,
		End:         end,
		PaymentDate: payment,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to create period", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPeriodDTO(p))
}

func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	p, err := h.Manager.GetPeriod(r.Context(), payroll.PeriodID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get period", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(p))
}

func (h *Handler) ArchivePeriod(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	p, err := h.Manager.Archive(r.Context(), payroll.PeriodID(chi.URLParam(r, "id")), actor)
	if err != nil {
		h.writeDomainError(w, "Failed to archive period", err)
		return
	}
	writeJSON(w, http.StatusOK, toPeriodDTO(p))
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	id := payroll.PeriodID(chi.URLParam(r, "id"))
	if _, err := h.Manager.GetPeriod(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to get period", err)
		return
	}
	entries, err := h.Manager.Ledger().Entries(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to read ledger", err)
		return
	}
	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Transition appends one ledger action. A stale expected_status answers 409
// with the period's current status in details.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req TransitionRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if _, known := payroll.LookupAction(payroll.Action(req.Action)); !known {
		writeError(w, http.StatusBadRequest, "Unknown action", fmt.Errorf("action %q", req.Action))
		return
	}
	expected := payroll.PeriodStatus(req.ExpectedStatus)
	if expected != "" && !expected.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown expected_status", nil)
		return
	}

	entry, err := h.Manager.Transition(r.Context(), payroll.AppendRequest{
		PeriodID:       payroll.PeriodID(chi.URLParam(r, "id")),
		Action:         payroll.Action(req.Action),
		Actor:          actor,
		Comment:        req.Comment,
		ExpectedStatus: expected,
	})
	var conflict *payroll.StatusConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "Period status changed",
			Code:    "status_conflict",
			Details: map[string]string{"current_status": string(conflict.Current), "expected_status": string(conflict.Expected)},
		})
		return
	}
	var gate *payroll.GateError
	if errors.As(err, &gate) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "Blocking exceptions are open",
			Code:    "exceptions_blocking",
			Details: map[string]any{"exceptions": gate.Exceptions},
		})
		return
	}
	if err != nil {
		h.writeDomainError(w, "Transition failed", err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(entry))
}

func (h *Handler) GetPaymentSet(w http.ResponseWriter, r *http.Request) {
	set, err := h.Manager.PaymentSet(r.Context(), payroll.PeriodID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Payment set unavailable", err)
		return
	}
	if set.Lines == nil {
		set.Lines = []payroll.PaymentLine{}
	}
	writeJSON(w, http.StatusOK, set)
}

// =============================================================================
// RUN HANDLERS
// =============================================================================

// StartRun starts a batch calculation. By default it returns 202 at once;
// ?wait=true runs the batch inside the request.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	id := payroll.PeriodID(chi.URLParam(r, "id"))

	if r.URL.Query().Get("wait") == "true" {
		run, err := h.Manager.CalculatePeriod(r.Context(), id, actor)
		if err != nil && run.ID == "" {
			h.writeDomainError(w, "Failed to calculate period", err)
			return
		}
		writeJSON(w, http.StatusOK, toRunDTO(run))
		return
	}

	run, err := h.Manager.StartCalculation(r.Context(), id, actor)
	if err != nil {
		h.writeDomainError(w, "Failed to start calculation", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toRunDTO(run))
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Manager.Runs(r.Context(), payroll.PeriodID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to list runs", err)
		return
	}
	dtos := make([]RunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.Manager.RunStatus(r.Context(), payroll.RunID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get run", err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

func (h *Handler) AbortRun(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireActor(w, r); !ok {
		return
	}
	id := payroll.RunID(chi.URLParam(r, "id"))
	if err := h.Manager.AbortRun(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to abort run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": string(id), "status": "abort_requested"})
}

// =============================================================================
// CALCULATION HANDLERS
// =============================================================================

func (h *Handler) ListCalculations(w http.ResponseWriter, r *http.Request) {
	calcs, err := h.Manager.CurrentCalculations(r.Context(), payroll.PeriodID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to list calculations", err)
		return
	}
	writeJSON(w, http.StatusOK, toCalculationDTOs(calcs))
}

func (h *Handler) GetCalculation(w http.ResponseWriter, r *http.Request) {
	c, err := h.Manager.GetCalculation(r.Context(), payroll.CalculationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get calculation", err)
		return
	}
	writeJSON(w, http.StatusOK, toCalculationDTO(c))
}

func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	calcs, err := h.Manager.CalculationVersions(r.Context(),
		payroll.PeriodID(chi.URLParam(r, "id")),
		payroll.EmployeeID(chi.URLParam(r, "emp")))
	if err != nil {
		h.writeDomainError(w, "Failed to list versions", err)
		return
	}
	if len(calcs) == 0 {
		writeError(w, http.StatusNotFound, "No calculation for employee in period", nil)
		return
	}
	writeJSON(w, http.StatusOK, toCalculationDTOs(calcs))
}

func (h *Handler) RecalculateEmployee(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	c, err := h.Manager.RecalculateEmployee(r.Context(),
		payroll.PeriodID(chi.URLParam(r, "id")),
		payroll.EmployeeID(chi.URLParam(r, "emp")),
		actor)
	if err != nil {
		h.writeDomainError(w, "Failed to recalculate employee", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCalculationDTO(c))
}

// =============================================================================
// EXCEPTION HANDLERS
// =============================================================================

// ListExceptions returns exceptions on current versions unless ?all=true.
func (h *Handler) ListExceptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := payroll.ExceptionFilter{
		PeriodID:   payroll.PeriodID(chi.URLParam(r, "id")),
		EmployeeID: payroll.EmployeeID(q.Get("employee_id")),
		Status:     payroll.ExceptionStatus(q.Get("status")),
	}
	exs, err := h.Manager.Exceptions().List(r.Context(), filter, q.Get("all") != "true")
	if err != nil {
		h.writeDomainError(w, "Failed to list exceptions", err)
		return
	}
	writeJSON(w, http.StatusOK, toExceptionDTOs(exs))
}

func (h *Handler) ListBlockingExceptions(w http.ResponseWriter, r *http.Request) {
	exs, err := h.Manager.Exceptions().Blocking(r.Context(), payroll.PeriodID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to list blocking exceptions", err)
		return
	}
	writeJSON(w, http.StatusOK, toExceptionDTOs(exs))
}

func (h *Handler) ResolveException(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req ResolveExceptionRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	ex, err := h.Manager.Exceptions().Resolve(r.Context(),
		payroll.ExceptionID(chi.URLParam(r, "id")),
		payroll.ExceptionStatus(req.Status), actor, req.Note)
	if err != nil {
		h.writeDomainError(w, "Failed to resolve exception", err)
		return
	}
	writeJSON(w, http.StatusOK, toExceptionDTO(ex))
}

// =============================================================================
// ADJUSTMENT HANDLERS
// =============================================================================

func (h *Handler) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	adjs, err := h.Manager.Adjustments().List(r.Context(), payroll.PeriodID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to list adjustments", err)
		return
	}
	dtos := make([]AdjustmentDTO, len(adjs))
	for i, a := range adjs {
		dtos[i] = toAdjustmentDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetAdjustment(w http.ResponseWriter, r *http.Request) {
	a, err := h.Manager.Adjustments().Get(r.Context(), payroll.AdjustmentID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get adjustment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAdjustmentDTO(a))
}

func (h *Handler) ProposeAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req ProposeAdjustmentRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	a, err := h.Manager.Adjustments().Propose(r.Context(), payroll.ProposeRequest{
		CalculationID: payroll.CalculationID(req.CalculationID),
		Type:          payroll.AdjustmentType(req.Type),
		Component:     req.Component,
		Amount:        req.Amount,
		Reason:        req.Reason,
		Actor:         actor,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to propose adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAdjustmentDTO(a))
}

func (h *Handler) DecideAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req DecideAdjustmentRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	a, err := h.Manager.Adjustments().Decide(r.Context(),
		payroll.AdjustmentID(chi.URLParam(r, "id")),
		payroll.Decision(req.Decision), actor, req.Comment)
	if err != nil {
		h.writeDomainError(w, "Failed to decide adjustment", err)
		return
	}
	writeJSON(w, http.StatusOK, toAdjustmentDTO(a))
}

func (h *Handler) ApplyAdjustment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	c, err := h.Manager.Adjustments().Apply(r.Context(), payroll.AdjustmentID(chi.URLParam(r, "id")), actor)
	if err != nil {
		h.writeDomainError(w, "Failed to apply adjustment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCalculationDTO(c))
}

// =============================================================================
// EMPLOYEE INPUT HANDLERS
// =============================================================================

func (h *Handler) ListEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := h.Store.ListEmployees(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list employees", err)
		return
	}
	dtos := make([]EmployeeDTO, len(employees))
	for i, e := range employees {
		dtos[i] = toEmployeeDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetEmployee(w http.ResponseWriter, r *http.Request) {
	emp, err := h.Store.GetEmployee(r.Context(), payroll.EmployeeID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, "Failed to get employee", err)
		return
	}
	writeJSON(w, http.StatusOK, toEmployeeDTO(emp))
}

// SaveEmployee creates or updates an employee.
func (h *Handler) SaveEmployee(w http.ResponseWriter, r *http.Request) {
	var req CreateEmployeeRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	hire, _ := parseDate(req.HireDate)
	emp := sqlite.Employee{
		ID:            payroll.EmployeeID(req.ID),
		Name:          req.Name,
		HireDate:      hire,
		GovernmentIDs: req.GovernmentIDs,
	}
	if req.SeparationDate != "" {
		sep, _ := parseDate(req.SeparationDate)
		emp.SeparationDate = &sep
	}
	if err := h.Store.SaveEmployee(r.Context(), emp); err != nil {
		h.writeDomainError(w, "Failed to save employee", err)
		return
	}
	saved, err := h.Store.GetEmployee(r.Context(), emp.ID)
	if err != nil {
		h.writeDomainError(w, "Failed to get employee", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEmployeeDTO(saved))
}

func (h *Handler) SetSalary(w http.ResponseWriter, r *http.Request) {
	var req SalaryRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	from, _ := parseDate(req.EffectiveFrom)
	cfg := payroll.SalaryConfig{
		Type:                payroll.SalaryType(req.Type),
		BasicSalary:         req.BasicSalary,
		DailyRate:           req.DailyRate,
		HourlyRate:          req.HourlyRate,
		WorkingDaysPerMonth: req.WorkingDaysPerMonth,
		WorkingHoursPerDay:  req.WorkingHoursPerDay,
		EffectiveFrom:       from,
	}
	if err := h.Store.SetSalary(r.Context(), payroll.EmployeeID(chi.URLParam(r, "id")), cfg); err != nil {
		h.writeDomainError(w, "Failed to set salary", err)
		return
	}
	writeJSON(w, http.StatusCreated, cfg)
}

func (h *Handler) RecordAttendance(w http.ResponseWriter, r *http.Request) {
	var req AttendanceRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	start, _ := parseDate(req.PeriodStart)
	end, _ := parseDate(req.PeriodEnd)
	if err := h.Store.RecordAttendance(r.Context(), payroll.EmployeeID(chi.URLParam(r, "id")), start, end, req.AttendanceSummary); err != nil {
		h.writeDomainError(w, "Failed to record attendance", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) RecordLeave(w http.ResponseWriter, r *http.Request) {
	var req LeaveRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	start, _ := parseDate(req.PeriodStart)
	end, _ := parseDate(req.PeriodEnd)
	if err := h.Store.RecordLeave(r.Context(), payroll.EmployeeID(chi.URLParam(r, "id")), start, end, req.LeaveSummary); err != nil {
		h.writeDomainError(w, "Failed to record leave", err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *Handler) AddPayEntry(w http.ResponseWriter, r *http.Request) {
	var req PayEntryRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	from, _ := parseDate(req.EffectiveFrom)
	entry := sqlite.PayEntry{
		EmployeeID:    payroll.EmployeeID(chi.URLParam(r, "id")),
		Kind:          sqlite.EntryKind(req.Kind),
		EffectiveFrom: from,
		Allowance:     req.Allowance,
		Bonus:         req.Bonus,
		Deduction:     req.Deduction,
		Loan:          req.Loan,
	}
	if req.EffectiveTo != "" {
		to, _ := parseDate(req.EffectiveTo)
		entry.EffectiveTo = &to
	}
	saved, err := h.Store.AddPayEntry(r.Context(), entry)
	if err != nil {
		h.writeDomainError(w, "Failed to add pay entry", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": saved.ID, "kind": string(saved.Kind)})
}

// EndPayEntry retires an entry, e.g. a loan that has been paid off.
func (h *Handler) EndPayEntry(w http.ResponseWriter, r *http.Request) {
	var req EndPayEntryRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	last, _ := parseDate(req.EffectiveTo)
	id := chi.URLParam(r, "entryID")
	if err := h.Store.EndPayEntry(r.Context(), id, last); err != nil {
		h.writeDomainError(w, "Failed to end pay entry", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "effective_to": req.EffectiveTo})
}

// =============================================================================
// RATE TABLE HANDLERS
// =============================================================================

func (h *Handler) ListRateTables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.Store.ListRateTables(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list rate tables", err)
		return
	}
	dtos := make([]RateTablesDTO, len(tables))
	for i, t := range tables {
		dtos[i] = toRateTablesDTO(t)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRateTables publishes a new version. The body is a rate table
// document as accepted by factory.ParseRateTables.
func (h *Handler) CreateRateTables(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	tables, err := h.Tables.Parse(body)
	if err != nil {
		h.writeDomainError(w, "Invalid rate table document", err)
		return
	}
	if err := h.Store.AddRateTables(r.Context(), tables); err != nil {
		h.writeDomainError(w, "Failed to save rate tables", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRateTablesDTO(tables))
}

// =============================================================================
// HANDOFF
// =============================================================================

// RunHandoff triggers one payment handoff pass immediately.
func (h *Handler) RunHandoff(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireActor(w, r); !ok {
		return
	}
	if h.Dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "Payment handoff is not configured", nil)
		return
	}
	res, err := h.Dispatcher.RunNow(r.Context())
	if err != nil {
		h.writeDomainError(w, "Handoff pass failed", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// actorFrom reads the acting user from the request headers.
func actorFrom(r *http.Request) (payroll.Actor, error) {
	actor := payroll.Actor{
		ID:   r.Header.Get(HeaderActorID),
		Role: payroll.Role(r.Header.Get(HeaderActorRole)),
	}
	if actor.ID == "" {
		return payroll.Actor{}, fmt.Errorf("%w: %s header is required", payroll.ErrInvalidInput, HeaderActorID)
	}
	if !actor.Role.Valid() || actor.Role == payroll.RoleSystem {
		return payroll.Actor{}, fmt.Errorf("%w: %s must be one of preparer, reviewer, approver, finance", payroll.ErrInvalidInput, HeaderActorRole)
	}
	return actor, nil
}

func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (payroll.Actor, bool) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Actor required", err)
		return payroll.Actor{}, false
	}
	return actor, true
}

// decodeAndValidate decodes the JSON body into dst and runs its validate
// tags. It writes the 400 itself and reports whether the handler may go on.
func (h *Handler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make(map[string]string, len(ve))
			for _, fe := range ve {
				fields[fe.Field()] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: "validation", Details: fields})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return false
	}
	return true
}

// statusFor maps a domain error to its HTTP status.
func statusFor(err error) int {
	var cfgErr *payroll.ConfigurationError
	switch {
	case payroll.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, payroll.ErrRoleNotPermitted):
		return http.StatusForbidden
	case payroll.IsConflict(err):
		return http.StatusConflict
	case errors.As(err, &cfgErr),
		errors.Is(err, payroll.ErrRateTableNotFound),
		errors.Is(err, payroll.ErrNoEmployees):
		return http.StatusUnprocessableEntity
	case payroll.IsClientError(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
