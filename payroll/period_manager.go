/*
period_manager.go - Period lifecycle orchestration

PURPOSE:
  PeriodManager is the entry point integrators use. It wires the engine,
  detector, adjustment processor and approval ledger over one Store, and
  runs batch calculations.

BATCH RUN:
  1. Acquire the period lease (second request -> ErrAlreadyRunning).
     A period left in calculating by a runner whose lease lapsed is
     recovered first: its running runs are marked failed and
     fail_calculation is appended before the new run starts.
  2. Resolve rate tables for the payment date. Missing tables are a
     configuration error: the run fails, the period stays active and its
     retry counter is incremented.
  3. Ledger: start_calculation (or recalculate)
  4. Bounded worker pool over covered employees. Input errors become a
     calculation_error version for that employee and the batch continues.
     Abort is honoured between employees.
  5. Ledger: complete_calculation, or fail_calculation on abort/fatal error
  6. Release the lease

  Progress is pollable through RunStatus while the run is in flight.

SEE ALSO:
  - ledger.go: Every status change
  - versions.go: Version numbering and detection
*/
package payroll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers  = 4
	DefaultLeaseTTL = 5 * time.Minute
)

// Config wires a PeriodManager. Store, Rates and Snapshots are required.
type Config struct {
	Store     Store
	Rates     RateProvider
	Snapshots SnapshotSource
	Leases    LeaseManager
	Detection *DetectionConfig
	Gate      *GatePolicy
	Roles     RolePolicy
	Deciders  []Role
	Workers   int
	LeaseTTL  time.Duration
	Logger    *zap.Logger
	Clock     Clock
	IDs       IDGenerator
}

type PeriodManager struct {
	store     Store
	rates     RateProvider
	snapshots SnapshotSource
	leases    LeaseManager
	engine    *Engine
	detector  *Detector
	ledger    *ApprovalLedger
	adjust    *AdjustmentProcessor
	excs      *ExceptionService
	versions  *versioner
	roles     RolePolicy
	workers   int
	leaseTTL  time.Duration
	clock     Clock
	ids       IDGenerator
	logger    *zap.Logger

	mu     sync.Mutex
	active map[RunID]*runState
	wg     sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc
}

func NewPeriodManager(cfg Config) (*PeriodManager, error) {
	if cfg.Store == nil || cfg.Rates == nil || cfg.Snapshots == nil {
		return nil, errors.New("payroll: store, rate provider and snapshot source are required")
	}
	if cfg.Leases == nil {
		cfg.Leases = NewMemoryLeases()
	}
	if cfg.Detection == nil {
		d := DefaultDetectionConfig()
		cfg.Detection = &d
	}
	if cfg.Gate == nil {
		g := DefaultGatePolicy()
		cfg.Gate = &g
	}
	if cfg.Roles == nil {
		cfg.Roles = DefaultRolePolicy()
	}
	if cfg.Deciders == nil {
		cfg.Deciders = DefaultDeciderRoles
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock
	}
	if cfg.IDs == nil {
		cfg.IDs = NewID
	}

	m := &PeriodManager{
		store:     cfg.Store,
		rates:     cfg.Rates,
		snapshots: cfg.Snapshots,
		leases:    cfg.Leases,
		engine:    NewEngine(),
		detector:  NewDetector(*cfg.Detection),
		roles:     cfg.Roles,
		workers:   cfg.Workers,
		leaseTTL:  cfg.LeaseTTL,
		clock:     cfg.Clock,
		ids:       cfg.IDs,
		logger:    cfg.Logger.Named("periods"),
		active:    make(map[RunID]*runState),
	}
	m.base, m.cancel = context.WithCancel(context.Background())
	m.versions = &versioner{store: m.store, detector: m.detector, clock: m.clock, ids: m.ids, logger: cfg.Logger.Named("versions")}
	m.ledger = NewApprovalLedger(m.store,
		WithRolePolicy(cfg.Roles),
		WithLedgerClock(cfg.Clock),
		WithLedgerIDs(cfg.IDs),
		WithLedgerLogger(cfg.Logger))
	m.excs = &ExceptionService{store: m.store, gate: *cfg.Gate, roles: cfg.Roles, clock: cfg.Clock, logger: cfg.Logger.Named("exceptions")}
	m.ledger.Guard(ActionSubmit, m.excs.gateGuard)
	m.adjust = &AdjustmentProcessor{
		store:    m.store,
		hold:     m.ledger.lockPeriod,
		engine:   m.engine,
		rates:    m.rates,
		versions: m.versions,
		deciders: cfg.Deciders,
		clock:    cfg.Clock,
		ids:      cfg.IDs,
		logger:   cfg.Logger.Named("adjustments"),
	}
	return m, nil
}

func (m *PeriodManager) Engine() *Engine                   { return m.engine }
func (m *PeriodManager) Detector() *Detector               { return m.detector }
func (m *PeriodManager) Ledger() *ApprovalLedger           { return m.ledger }
func (m *PeriodManager) Adjustments() *AdjustmentProcessor { return m.adjust }
func (m *PeriodManager) Exceptions() *ExceptionService     { return m.excs }

// Close stops in-flight asynchronous runs and waits for them to finish.
// Runs stop between employees and are recorded as failed.
func (m *PeriodManager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Wait blocks until every asynchronous run has finished.
func (m *PeriodManager) Wait() { m.wg.Wait() }

// =============================================================================
// PERIODS
// =============================================================================

// CreatePeriod creates a period in draft.
func (m *PeriodManager) CreatePeriod(ctx context.Context, in PeriodInput) (Period, error) {
	if err := in.Validate(); err != nil {
		return Period{}, err
	}
	now := m.clock()
	p := Period{
		ID:          PeriodID(m.ids("per")),
		Name:        in.Name,
		Type:        in.Type,
		Start:       in.Start,
		End:         in.End,
		PaymentDate: in.PaymentDate,
		Status:      PeriodDraft,
		Totals:      SumTotals(nil),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.store.CreatePeriod(ctx, p); err != nil {
		return Period{}, err
	}
	m.logger.Info("period created", zap.String("period_id", string(p.ID)), zap.String("type", string(p.Type)))
	return p, nil
}

func (m *PeriodManager) GetPeriod(ctx context.Context, id PeriodID) (Period, error) {
	return m.store.GetPeriod(ctx, id)
}

func (m *PeriodManager) ListPeriods(ctx context.Context, filter PeriodFilter) ([]Period, error) {
	return m.store.ListPeriods(ctx, filter)
}

// Archive retires a completed or cancelled period. Nothing is deleted.
func (m *PeriodManager) Archive(ctx context.Context, id PeriodID, actor Actor) (Period, error) {
	if allowed, ok := m.roles.permits(ActionArchive, actor.Role); !ok {
		return Period{}, &RoleError{Action: ActionArchive, Role: actor.Role, Allowed: allowed}
	}
	p, err := m.store.GetPeriod(ctx, id)
	if err != nil {
		return Period{}, err
	}
	if !p.Status.Terminal() {
		return Period{}, fmt.Errorf("%w: only completed or cancelled periods can be archived, %s is %s",
			ErrIllegalTransition, id, p.Status)
	}
	if err := m.store.ArchivePeriod(ctx, id, m.clock()); err != nil {
		return Period{}, err
	}
	m.logger.Info("period archived", zap.String("period_id", string(id)), zap.String("actor", actor.ID))
	return m.store.GetPeriod(ctx, id)
}

// Transition appends a human decision to the ledger. Calculation actions
// are reserved to the batch runner.
func (m *PeriodManager) Transition(ctx context.Context, req AppendRequest) (LedgerEntry, error) {
	spec, ok := LookupAction(req.Action)
	if ok && spec.Reserved {
		return LedgerEntry{}, fmt.Errorf("%w: %s", ErrActionReserved, req.Action)
	}
	return m.ledger.Append(ctx, req)
}

// =============================================================================
// CALCULATIONS (read side)
// =============================================================================

func (m *PeriodManager) GetCalculation(ctx context.Context, id CalculationID) (Calculation, error) {
	return m.store.GetCalculation(ctx, id)
}

func (m *PeriodManager) CurrentCalculations(ctx context.Context, id PeriodID) ([]Calculation, error) {
	if _, err := m.store.GetPeriod(ctx, id); err != nil {
		return nil, err
	}
	return m.store.CurrentCalculations(ctx, id)
}

func (m *PeriodManager) CalculationVersions(ctx context.Context, id PeriodID, emp EmployeeID) ([]Calculation, error) {
	return m.store.CalculationVersions(ctx, id, emp)
}

// =============================================================================
// RUNS
// =============================================================================

type runState struct {
	mu        sync.Mutex
	run       Run
	period    Period
	tables    RateTables
	employees []EmployeeID
	lease     Lease
	aborted   atomic.Bool
}

func (st *runState) snapshot() Run {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.run
}

func (st *runState) record(calc Calculation, exceptions int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.run.Processed++
	switch {
	case calc.Failed():
		st.run.Errors++
	case exceptions > 0:
		st.run.Exceptions++
	default:
		st.run.Calculated++
	}
}

// CalculatePeriod runs the batch synchronously and returns the finished run.
func (m *PeriodManager) CalculatePeriod(ctx context.Context, id PeriodID, actor Actor) (Run, error) {
	st, err := m.prepareRun(ctx, id, actor)
	if err != nil {
		return Run{}, err
	}
	run := m.execute(ctx, st)
	if run.Status == RunFailed {
		return run, fmt.Errorf("calculation run %s failed: %s", run.ID, run.Error)
	}
	return run, nil
}

// StartCalculation starts the batch in the background and returns at once.
// Poll RunStatus for progress.
func (m *PeriodManager) StartCalculation(ctx context.Context, id PeriodID, actor Actor) (Run, error) {
	st, err := m.prepareRun(ctx, id, actor)
	if err != nil {
		return Run{}, err
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.execute(m.base, st)
	}()
	return st.snapshot(), nil
}

// RunStatus returns a run's progress. In-flight runs report live counters.
func (m *PeriodManager) RunStatus(ctx context.Context, id RunID) (Run, error) {
	m.mu.Lock()
	st, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		return st.snapshot(), nil
	}
	return m.store.GetRun(ctx, id)
}

// Runs lists every run of a period, oldest first.
func (m *PeriodManager) Runs(ctx context.Context, id PeriodID) ([]Run, error) {
	return m.store.ListRuns(ctx, id)
}

// AbortRun asks an in-flight run to stop before its next employee.
// Employees already computed keep their new versions.
func (m *PeriodManager) AbortRun(ctx context.Context, id RunID) error {
	m.mu.Lock()
	st, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		st.aborted.Store(true)
		m.logger.Info("run abort requested", zap.String("run_id", string(id)))
		return nil
	}
	run, err := m.store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: run %s already %s", ErrIllegalTransition, id, run.Status)
}

func (m *PeriodManager) prepareRun(ctx context.Context, id PeriodID, actor Actor) (*runState, error) {
	period, err := m.store.GetPeriod(ctx, id)
	if err != nil {
		return nil, err
	}
	if period.Locked {
		return nil, fmt.Errorf("%w: %s", ErrPeriodLocked, id)
	}
	if period.Archived {
		return nil, fmt.Errorf("%w: %s", ErrPeriodArchived, id)
	}
	var action Action
	switch period.Status {
	case PeriodActive:
		action = ActionStartCalculation
	case PeriodCalculated:
		action = ActionRecalculate
	case PeriodCalculating:
		// Only resumable once the previous runner's lease has lapsed.
		if m.running(id) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
		}
		action = ActionStartCalculation
	default:
		return nil, &TransitionError{PeriodID: id, Action: ActionStartCalculation, Current: period.Status}
	}
	if allowed, ok := m.roles.permits(action, actor.Role); !ok {
		return nil, &RoleError{Action: action, Role: actor.Role, Allowed: allowed}
	}

	runID := RunID(m.ids("run"))
	lease, err := m.leases.Acquire(ctx, CalculationLeaseKey(id), string(runID), m.leaseTTL)
	if errors.Is(err, ErrLeaseHeld) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lease for %s: %w", id, err)
	}
	release := func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			m.logger.Warn("lease release failed", zap.String("period_id", string(id)), zap.Error(rerr))
		}
	}

	if period.Status == PeriodCalculating {
		if period, err = m.recoverStalledRun(ctx, period); err != nil {
			release()
			return nil, err
		}
	}

	previous, err := m.store.ListRuns(ctx, id)
	if err != nil {
		release()
		return nil, err
	}
	run := Run{
		ID:          runID,
		PeriodID:    id,
		Attempt:     len(previous) + 1,
		Status:      RunRunning,
		TriggeredBy: actor,
		StartedAt:   m.clock(),
	}

	tables, err := m.rates.TablesFor(ctx, period.PaymentDate)
	if err != nil {
		release()
		return nil, m.failBeforeStart(ctx, run, &ConfigurationError{PeriodID: id, Err: err})
	}
	employees, err := m.snapshots.Employees(ctx, period)
	if err == nil && len(employees) == 0 {
		err = ErrNoEmployees
	}
	if err != nil {
		release()
		return nil, m.failBeforeStart(ctx, run, &ConfigurationError{PeriodID: id, Err: err})
	}

	if _, err := m.ledger.Append(ctx, AppendRequest{
		PeriodID: id,
		Action:   action,
		Actor:    actor,
		Comment:  fmt.Sprintf("run %s attempt %d", runID, run.Attempt),
	}); err != nil {
		release()
		return nil, err
	}
	period, err = m.store.GetPeriod(ctx, id)
	if err != nil {
		release()
		return nil, err
	}

	run.Total = len(employees)
	if err := m.store.SaveRun(ctx, run); err != nil {
		release()
		return nil, err
	}
	st := &runState{run: run, period: period, tables: tables, employees: employees, lease: lease}
	m.mu.Lock()
	m.active[runID] = st
	m.mu.Unlock()
	m.logger.Info("calculation run started",
		zap.String("period_id", string(id)),
		zap.String("run_id", string(runID)),
		zap.Int("employees", len(employees)),
		zap.String("rate_tables", tables.Version))
	return st, nil
}

// running reports whether this process has a run in flight for the period.
func (m *PeriodManager) running(id PeriodID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.active {
		if st.period.ID == id {
			return true
		}
	}
	return false
}

// recoverStalledRun closes out a run whose runner stopped without recording
// an outcome, returning the period to active. The caller holds the lease,
// so the previous holder is gone.
func (m *PeriodManager) recoverStalledRun(ctx context.Context, period Period) (Period, error) {
	runs, err := m.store.ListRuns(ctx, period.ID)
	if err != nil {
		return Period{}, err
	}
	finished := m.clock()
	var stalled []string
	for _, r := range runs {
		if r.Status != RunRunning {
			continue
		}
		r.Status = RunFailed
		r.Error = "runner stopped before finishing; lease expired"
		r.FinishedAt = &finished
		if err := m.store.SaveRun(ctx, r); err != nil {
			return Period{}, err
		}
		stalled = append(stalled, string(r.ID))
	}
	if _, err := m.ledger.Append(ctx, AppendRequest{
		PeriodID:       period.ID,
		Action:         ActionFailCalculation,
		Actor:          SystemActor,
		Comment:        "stalled calculation recovered after lease expiry",
		ExpectedStatus: PeriodCalculating,
	}); err != nil {
		return Period{}, err
	}
	retries, err := m.store.IncrementFailedRuns(ctx, period.ID)
	if err != nil {
		m.logger.Error("increment retry counter", zap.String("period_id", string(period.ID)), zap.Error(err))
	}
	m.logger.Warn("stalled calculation recovered",
		zap.String("period_id", string(period.ID)),
		zap.Strings("runs", stalled),
		zap.Int("failed_runs", retries))
	return m.store.GetPeriod(ctx, period.ID)
}

// failBeforeStart records a run that never left the active status.
func (m *PeriodManager) failBeforeStart(ctx context.Context, run Run, cause error) error {
	finished := m.clock()
	run.Status = RunFailed
	run.Error = cause.Error()
	run.FinishedAt = &finished
	if err := m.store.SaveRun(ctx, run); err != nil {
		m.logger.Error("save failed run", zap.String("run_id", string(run.ID)), zap.Error(err))
	}
	retries, err := m.store.IncrementFailedRuns(ctx, run.PeriodID)
	if err != nil {
		m.logger.Error("increment retry counter", zap.String("period_id", string(run.PeriodID)), zap.Error(err))
	}
	m.logger.Warn("calculation run failed before start",
		zap.String("period_id", string(run.PeriodID)),
		zap.String("run_id", string(run.ID)),
		zap.Int("failed_runs", retries),
		zap.Error(cause))
	return cause
}

func (m *PeriodManager) execute(ctx context.Context, st *runState) Run {
	stopRenew := m.keepLease(st)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for _, emp := range st.employees {
		if st.aborted.Load() || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if st.aborted.Load() {
				return nil
			}
			return m.calculateEmployee(gctx, st, emp)
		})
	}
	runErr := g.Wait()
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	stopRenew()

	// Finishing must complete even if the caller's context is gone.
	fctx := context.WithoutCancel(ctx)
	run := st.snapshot()
	switch {
	case runErr != nil:
		run.Status = RunFailed
		run.Error = runErr.Error()
	case st.aborted.Load() && run.Processed < run.Total:
		run.Status = RunAborted
		run.Error = "aborted"
	default:
		run.Status = RunCompleted
	}

	if run.Status == RunCompleted {
		_, err := m.ledger.Append(fctx, AppendRequest{
			PeriodID: run.PeriodID,
			Action:   ActionCompleteCalculation,
			Actor:    SystemActor,
			Comment:  fmt.Sprintf("run %s: %d calculated, %d with exceptions, %d errors", run.ID, run.Calculated, run.Exceptions, run.Errors),
		})
		if err != nil {
			run.Status = RunFailed
			run.Error = err.Error()
		}
	} else {
		if _, err := m.ledger.Append(fctx, AppendRequest{
			PeriodID: run.PeriodID,
			Action:   ActionFailCalculation,
			Actor:    SystemActor,
			Comment:  fmt.Sprintf("run %s %s: %s", run.ID, run.Status, run.Error),
		}); err != nil {
			m.logger.Error("record failed calculation", zap.String("run_id", string(run.ID)), zap.Error(err))
		}
	}
	if run.Status == RunFailed {
		if _, err := m.store.IncrementFailedRuns(fctx, run.PeriodID); err != nil {
			m.logger.Error("increment retry counter", zap.String("period_id", string(run.PeriodID)), zap.Error(err))
		}
	}

	if err := st.lease.Release(fctx); err != nil {
		m.logger.Warn("lease release failed", zap.String("run_id", string(run.ID)), zap.Error(err))
	}
	finished := m.clock()
	run.FinishedAt = &finished
	if err := m.store.SaveRun(fctx, run); err != nil {
		m.logger.Error("save run", zap.String("run_id", string(run.ID)), zap.Error(err))
	}
	m.mu.Lock()
	delete(m.active, run.ID)
	m.mu.Unlock()

	m.logger.Info("calculation run finished",
		zap.String("period_id", string(run.PeriodID)),
		zap.String("run_id", string(run.ID)),
		zap.String("status", string(run.Status)),
		zap.Int("processed", run.Processed),
		zap.Int("total", run.Total))
	return run
}

// keepLease extends the run's lease until the returned func is called.
func (m *PeriodManager) keepLease(st *runState) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	interval := m.leaseTTL / 3
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := st.lease.Extend(m.base, m.leaseTTL); err != nil {
					m.logger.Warn("lease extension failed", zap.String("run_id", string(st.run.ID)), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// calculateEmployee writes one new version. Only store failures are returned;
// input problems are recorded on the version itself.
func (m *PeriodManager) calculateEmployee(ctx context.Context, st *runState, emp EmployeeID) error {
	calc, exceptions, err := m.computeVersion(ctx, st.period, st.tables, emp, Calculation{
		RunID:     st.run.ID,
		CreatedBy: st.run.TriggeredBy,
	})
	if err != nil {
		return fmt.Errorf("employee %s: %w", emp, err)
	}
	st.record(calc, len(exceptions))
	return nil
}

// computeVersion snapshots, computes and writes the next version for emp.
func (m *PeriodManager) computeVersion(ctx context.Context, period Period, tables RateTables, emp EmployeeID, draft Calculation) (Calculation, []Exception, error) {
	draft.EmployeeID = emp
	draft.Status = CalcCalculated

	snap, err := m.snapshots.Snapshot(ctx, emp, period)
	switch {
	case ctx.Err() != nil:
		return Calculation{}, nil, ctx.Err()
	case err != nil:
		draft.Snapshot = EmployeeSnapshot{EmployeeID: emp, CapturedAt: m.clock()}
		draft.Result = ZeroResult(tables.Version)
		draft.Error = fmt.Sprintf("snapshot unavailable: %v", err)
	default:
		snap.EmployeeID = emp
		if snap.CapturedAt.IsZero() {
			snap.CapturedAt = m.clock()
		}
		draft.Snapshot = snap
		result, err := m.engine.Compute(period, snap, tables)
		var calcErr *CalculationError
		switch {
		case errors.As(err, &calcErr):
			draft.Result = ZeroResult(tables.Version)
			draft.Error = calcErr.Error()
		case err != nil:
			return Calculation{}, nil, err
		default:
			draft.Result = result
		}
	}

	prev, err := m.versions.current(ctx, period.ID, emp)
	if err != nil {
		return Calculation{}, nil, err
	}
	return m.versions.write(ctx, period, prev, draft, nil)
}

// RecalculateEmployee writes a fresh version for one employee from newly
// read inputs. It takes the period lease, so it cannot overlap a batch, and
// the ledger's period lock, so it cannot overlap a transition.
func (m *PeriodManager) RecalculateEmployee(ctx context.Context, id PeriodID, emp EmployeeID, actor Actor) (Calculation, error) {
	period, err := m.store.GetPeriod(ctx, id)
	if err != nil {
		return Calculation{}, err
	}
	if period.Locked {
		return Calculation{}, fmt.Errorf("%w: %s", ErrPeriodLocked, id)
	}
	if !adjustable(period.Status) {
		return Calculation{}, fmt.Errorf("%w: cannot recalculate an employee while period %s is %s",
			ErrIllegalTransition, id, period.Status)
	}
	if allowed, ok := m.roles.permits(ActionRecalculate, actor.Role); !ok {
		return Calculation{}, &RoleError{Action: ActionRecalculate, Role: actor.Role, Allowed: allowed}
	}

	lease, err := m.leases.Acquire(ctx, CalculationLeaseKey(id), m.ids("recalc"), m.leaseTTL)
	if errors.Is(err, ErrLeaseHeld) {
		return Calculation{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	if err != nil {
		return Calculation{}, err
	}
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			m.logger.Warn("lease release failed", zap.String("period_id", string(id)), zap.Error(rerr))
		}
	}()

	// Held until the version is written so submit cannot pass the exception
	// gate in between.
	unlock := m.ledger.lockPeriod(id)
	defer unlock()
	if period, err = m.store.GetPeriod(ctx, id); err != nil {
		return Calculation{}, err
	}
	if period.Locked {
		return Calculation{}, fmt.Errorf("%w: %s", ErrPeriodLocked, id)
	}
	if !adjustable(period.Status) {
		return Calculation{}, fmt.Errorf("%w: cannot recalculate an employee while period %s is %s",
			ErrIllegalTransition, id, period.Status)
	}

	tables, err := m.rates.TablesFor(ctx, period.PaymentDate)
	if err != nil {
		return Calculation{}, &ConfigurationError{PeriodID: id, Err: err}
	}
	calc, _, err := m.computeVersion(ctx, period, tables, emp, Calculation{CreatedBy: actor})
	if err != nil {
		return Calculation{}, err
	}
	m.logger.Info("employee recalculated",
		zap.String("period_id", string(id)),
		zap.String("employee_id", string(emp)),
		zap.Int("version", calc.Version))
	return calc, nil
}
