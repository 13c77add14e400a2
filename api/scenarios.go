/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the input store with
	realistic employees and open an active period for them. Each scenario
	uses its own month and employs its people only for that month, so
	scenarios never leak into each other's periods.

AVAILABLE SCENARIOS:

	standard-month:  Monthly, daily and hourly staff with overtime and a
	                 de minimis allowance (March 2024)
	negative-net:    An advance larger than pay; blocks submit (April 2024)
	missing-data:    No timekeeping and missing registrations (May 2024)

HOW SCENARIOS WORK:
 1. Publish the Philippine preset tables if not yet published
 2. Upsert employees, salaries, attendance and leave
 3. Add pay entries for employees seen for the first time
 4. Create the period and activate it

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "standard-month"}

NOTE:

	Nothing is reset. Loading a scenario twice opens a second period over
	the same employees.

SEE ALSO:
  - handlers.go: ListScenarios, LoadScenario handlers
  - statutory/philippines.go: Preset tables
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/statutory"
	"github.com/warp/payroll-engine/store/sqlite"
)

// PresetTablesVersion is the preset version published on first start.
const PresetTablesVersion = "ph-2024.1"

var demoActor = payroll.Actor{ID: "demo-loader", Role: payroll.RolePreparer}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type demoEmployee struct {
	employee   sqlite.Employee
	salary     payroll.SalaryConfig
	attendance *payroll.AttendanceSummary
	leave      *payroll.LeaveSummary
	entries    []sqlite.PayEntry
}

type scenario struct {
	ScenarioDTO
	month     time.Month
	employees func(start, end time.Time) []demoEmployee
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "standard-month",
			Name:        "Standard month",
			Description: "Monthly, daily and hourly staff with overtime and a rice allowance",
		},
		month:     time.March,
		employees: standardMonthEmployees,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "negative-net",
			Name:        "Negative net pay",
			Description: "A cash advance larger than the month's pay raises a critical exception that blocks submit",
		},
		month:     time.April,
		employees: negativeNetEmployees,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "missing-data",
			Name:        "Missing inputs",
			Description: "No timekeeping, no leave data and missing statutory registrations",
		},
		month:     time.May,
		employees: missingDataEmployees,
	},
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fullIDs(n string) payroll.GovernmentIDs {
	return payroll.GovernmentIDs{
		SSS:        "34-00000" + n + "-1",
		PhilHealth: "12-0000000" + n + "-2",
		PagIBIG:    "1234-0000-" + n,
		TIN:        "123-000-" + n,
	}
}

func worker(id, name, n string, start, end time.Time) sqlite.Employee {
	e := end
	return sqlite.Employee{
		ID:             payroll.EmployeeID(id),
		Name:           name,
		HireDate:       start,
		SeparationDate: &e,
		GovernmentIDs:  fullIDs(n),
	}
}

func fullAttendance(expected, present string) *payroll.AttendanceSummary {
	return &payroll.AttendanceSummary{
		ExpectedDays: dec(expected),
		PresentDays:  dec(present),
		AbsentDays:   dec(expected).Sub(dec(present)),
	}
}

func standardMonthEmployees(start, end time.Time) []demoEmployee {
	hourly := fullAttendance("21", "21")
	hourly.RegularHours = dec("168")
	hourly.OvertimeHours = map[payroll.OvertimeCategory]decimal.Decimal{payroll.OvertimeRegular: dec("8")}

	return []demoEmployee{
		{
			employee: worker("demo-mar-monthly", "Maria Santos", "101", start, end),
			salary: payroll.SalaryConfig{
				Type: payroll.SalaryMonthly, BasicSalary: dec("30000"),
				WorkingDaysPerMonth: dec("22"), WorkingHoursPerDay: dec("8"), EffectiveFrom: start,
			},
			attendance: fullAttendance("22", "20"),
			leave:      &payroll.LeaveSummary{},
			entries: []sqlite.PayEntry{{
				Kind: sqlite.EntryAllowance, EffectiveFrom: start,
				Allowance: &payroll.Allowance{
					Code: "rice", Name: "Rice subsidy", Amount: dec("2000"),
					DeMinimis: true, MonthlyCap: dec("2000"),
				},
			}},
		},
		{
			employee: worker("demo-mar-daily", "Ana Cruz", "102", start, end),
			salary: payroll.SalaryConfig{
				Type: payroll.SalaryDaily, DailyRate: dec("800"),
				WorkingHoursPerDay: dec("8"), EffectiveFrom: start,
			},
			attendance: fullAttendance("22", "21"),
			leave:      &payroll.LeaveSummary{PaidDays: dec("1")},
		},
		{
			employee: worker("demo-mar-hourly", "Jose Reyes", "103", start, end),
			salary: payroll.SalaryConfig{
				Type: payroll.SalaryHourly, HourlyRate: dec("150"),
				WorkingHoursPerDay: dec("8"), EffectiveFrom: start,
			},
			attendance: hourly,
			leave:      &payroll.LeaveSummary{},
		},
	}
}

func negativeNetEmployees(start, end time.Time) []demoEmployee {
	return []demoEmployee{
		{
			employee: worker("demo-apr-regular", "Liza Garcia", "201", start, end),
			salary: payroll.SalaryConfig{
				Type: payroll.SalaryMonthly, BasicSalary: dec("25000"),
				WorkingDaysPerMonth: dec("22"), EffectiveFrom: start,
			},
			attendance: fullAttendance("22", "22"),
			leave:      &payroll.LeaveSummary{},
		},
		{
			employee: worker("demo-apr-advance", "Ramon Dela Cruz", "202", start, end),
			salary: payroll.SalaryConfig{
				Type: payroll.SalaryMonthly, BasicSalary: dec("10000"),
				WorkingDaysPerMonth: dec("22"), EffectiveFrom: start,
			},
			attendance: fullAttendance("22", "22"),
			leave:      &payroll.LeaveSummary{},
			entries: []sqlite.PayEntry{{
				Kind: sqlite.EntryDeduction, EffectiveFrom: start,
				Deduction: &payroll.Deduction{Code: "advance", Name: "Cash advance", Kind: payroll.DeductionAdvance, Amount: dec("12000")},
			}},
		},
	}
}

func missingDataEmployees(start, end time.Time) []demoEmployee {
	noIDs := worker("demo-may-unregistered", "Paolo Mendoza", "302", start, end)
	noIDs.GovernmentIDs = payroll.GovernmentIDs{TIN: "123-000-302"}

	return []demoEmployee{
		{
			employee: worker("demo-may-untracked", "Carmen Lopez", "301", start, end),
			salary: payroll.SalaryConfig{
				Type: payroll.SalaryMonthly, BasicSalary: dec("28000"),
				WorkingDaysPerMonth: dec("22"), EffectiveFrom: start,
			},
		},
		{
			employee: noIDs,
			salary: payroll.SalaryConfig{
				Type: payroll.SalaryMonthly, BasicSalary: dec("22000"),
				WorkingDaysPerMonth: dec("22"), EffectiveFrom: start,
			},
			attendance: fullAttendance("22", "22"),
			leave:      &payroll.LeaveSummary{},
		},
	}
}

// =============================================================================
// LOADER
// =============================================================================

// EnsureRateTables publishes the Philippine preset unless it already exists.
func EnsureRateTables(ctx context.Context, store *sqlite.Store) error {
	ok, err := store.HasRateTables(ctx, PresetTablesVersion)
	if err != nil || ok {
		return err
	}
	tables, err := statutory.Philippines(PresetTablesVersion, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return err
	}
	return store.AddRateTables(ctx, tables)
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// loadScenario seeds the scenario's inputs and opens an active period.
func (h *Handler) loadScenario(ctx context.Context, sc scenario) (ScenarioResultDTO, error) {
	if err := EnsureRateTables(ctx, h.Store); err != nil {
		return ScenarioResultDTO{}, fmt.Errorf("publish preset tables: %w", err)
	}
	start := time.Date(2024, sc.month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)

	var ids []string
	for _, de := range sc.employees(start, end) {
		_, err := h.Store.GetEmployee(ctx, de.employee.ID)
		firstSeen := errors.Is(err, payroll.ErrEmployeeNotFound)
		if err != nil && !firstSeen {
			return ScenarioResultDTO{}, err
		}
		if err := h.Store.SaveEmployee(ctx, de.employee); err != nil {
			return ScenarioResultDTO{}, err
		}
		if err := h.Store.SetSalary(ctx, de.employee.ID, de.salary); err != nil {
			return ScenarioResultDTO{}, err
		}
		if de.attendance != nil {
			if err := h.Store.RecordAttendance(ctx, de.employee.ID, start, end, *de.attendance); err != nil {
				return ScenarioResultDTO{}, err
			}
		}
		if de.leave != nil {
			if err := h.Store.RecordLeave(ctx, de.employee.ID, start, end, *de.leave); err != nil {
				return ScenarioResultDTO{}, err
			}
		}
		if firstSeen {
			for _, e := range de.entries {
				e.EmployeeID = de.employee.ID
				if _, err := h.Store.AddPayEntry(ctx, e); err != nil {
					return ScenarioResultDTO{}, err
				}
			}
		}
		ids = append(ids, string(de.employee.ID))
	}

	p, err := h.Manager.CreatePeriod(ctx, payroll.PeriodInput{
		Name:        fmt.Sprintf("%s %d (%s)", sc.month, start.Year(), sc.ID),
		Type:        payroll.PeriodRegular,
		Start:       start,
		End:         end,
		PaymentDate: end,
	})
	if err != nil {
		return ScenarioResultDTO{}, err
	}
	if _, err := h.Manager.Transition(ctx, payroll.AppendRequest{
		PeriodID: p.ID,
		Action:   payroll.ActionActivate,
		Actor:    demoActor,
		Comment:  "scenario " + sc.ID,
	}); err != nil {
		return ScenarioResultDTO{}, err
	}
	p, err = h.Manager.GetPeriod(ctx, p.ID)
	if err != nil {
		return ScenarioResultDTO{}, err
	}
	h.logger.Info("scenario loaded",
		zap.String("scenario", sc.ID),
		zap.String("period_id", string(p.ID)),
		zap.Int("employees", len(ids)))
	return ScenarioResultDTO{ScenarioID: sc.ID, Period: toPeriodDTO(p), Employees: ids}, nil
}

// SeedScenarios loads every scenario once. Used at startup with SEED_DEMO.
func (h *Handler) SeedScenarios(ctx context.Context) error {
	for _, sc := range scenarios {
		if _, err := h.loadScenario(ctx, sc); err != nil {
			return fmt.Errorf("scenario %s: %w", sc.ID, err)
		}
	}
	return nil
}

// =============================================================================
// HANDLERS
// =============================================================================

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	sc, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	res, err := h.loadScenario(r.Context(), sc)
	if err != nil {
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
