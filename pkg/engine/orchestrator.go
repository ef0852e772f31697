package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/agentbox/pkg/manifest"
)

const tracerName = "github.com/openfroyo/agentbox/pkg/engine"

// DefaultMaxErrors bounds the error contexts surfaced in a report.
const DefaultMaxErrors = 5

// Orchestrator drives compiled units through a filtered, ordered plan.
//
// Batches run in plan order. Modules inside a batch share a phase and have no
// dependency edge between them, so up to parallelism of them run at once.
type Orchestrator struct {
	parallelism int
	maxErrors   int
	exec        ExecContext
	tracker     *Tracker
	metrics     Metrics
	logger      zerolog.Logger
	progress    func(ModuleResult)
	newRunID    func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithParallelism sets the number of modules run concurrently within a batch.
// Values below 1 mean sequential execution.
func WithParallelism(n int) Option {
	return func(o *Orchestrator) {
		if n < 1 {
			n = 1
		}
		o.parallelism = n
	}
}

// WithMaxErrors bounds how many error contexts the report lists.
func WithMaxErrors(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxErrors = n
		}
	}
}

// WithExecContext sets the execution-context bindings.
func WithExecContext(ec ExecContext) Option {
	return func(o *Orchestrator) { o.exec = ec }
}

// WithTracker sets the step tracker handed to units.
func WithTracker(t *Tracker) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracker = t
		}
	}
}

// WithMetrics records module and run outcomes.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithProgress registers a callback invoked once per finished module.
// The callback may be called from several goroutines at once.
func WithProgress(fn func(ModuleResult)) Option {
	return func(o *Orchestrator) { o.progress = fn }
}

// NewOrchestrator creates an orchestrator. The default is sequential execution.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		parallelism: 1,
		maxErrors:   DefaultMaxErrors,
		metrics:     nopMetrics{},
		logger:      zerolog.Nop(),
		newRunID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracker == nil {
		o.tracker = NewTracker(WithTrackerMetrics(o.metrics), WithTrackerLogger(o.logger))
	}
	return o
}

// Tracker returns the step tracker units run under.
func (o *Orchestrator) Tracker() *Tracker {
	return o.tracker
}

// RunOptions are the per-run inputs.
type RunOptions struct {
	// Selection filters the modules to run.
	Selection Selection

	// DryRun renders previews instead of executing. It skips the contract check.
	DryRun bool
}

// runState tracks one run's lifecycle.
type runState struct {
	mu    sync.Mutex
	state RunState
}

func (r *runState) transition(next RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.CanTransition(next) {
		panic(fmt.Sprintf("illegal run state transition %s -> %s", r.state, next))
	}
	r.state = next
}

func (r *runState) current() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run plans and executes one run of m against units.
//
// The returned report is never nil. A non-nil error means the run was aborted:
// an invalid selection, a contract violation or cancellation. Units are
// matched to plan entries by module ID; entries without a unit are ignored.
func (o *Orchestrator) Run(ctx context.Context, m *manifest.Manifest, units []Unit, opts RunOptions) (*Report, error) {
	rs := &runState{state: RunStateInit}
	runID := o.newRunID()
	start := time.Now()

	logger := o.logger.With().Str("run_id", runID).Logger()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "agentbox.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Bool("run.dry_run", opts.DryRun),
		))
	defer span.End()

	report := &Report{
		RunID:     runID,
		DryRun:    opts.DryRun,
		StartedAt: start.UTC(),
		maxErrors: o.maxErrors,
	}
	if m != nil {
		report.Manifest = m.Name()
	}

	finish := func(err error) (*Report, error) {
		report.State = rs.current()
		report.ExitCode = report.State.ExitCode()
		report.Duration = time.Since(start)
		report.summarize()
		o.metrics.RecordRun(report.State, report.Duration)

		span.SetAttributes(attribute.String("run.state", string(report.State)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		event := logger.Info()
		if report.State != RunStateCompleted {
			event = logger.Warn()
		}
		event.Str("state", string(report.State)).
			Int("succeeded", report.Summary.Succeeded).
			Int("failed", report.Summary.Failed).
			Int("skipped", report.Summary.Skipped()).
			Dur("duration", report.Duration).
			Msg("Run finished")
		return report, err
	}

	abort := func(err error) (*Report, error) {
		rs.transition(RunStateAborted)
		report.AbortReason = err.Error()
		if ec := NewErrorContext(err); ec != nil {
			report.Errors = append(report.Errors, *ec)
		}
		logger.Error().Err(err).Msg("Run aborted")
		return finish(err)
	}

	rs.transition(RunStatePlanning)
	plan, err := BuildPlan(m, opts.Selection)
	if err != nil {
		return abort(err)
	}
	report.Plan = plan

	byID := make(map[string]Unit, len(units))
	for _, u := range units {
		byID[u.ModuleID()] = u
	}

	if !opts.DryRun {
		if err := o.exec.ValidateUnits(plan, units); err != nil {
			return abort(err)
		}
	}

	rs.transition(RunStateExecuting)
	logger.Info().
		Int("modules", len(plan.SelectedIDs())).
		Int("batches", len(plan.Batches)).
		Int("parallelism", o.parallelism).
		Bool("dry_run", opts.DryRun).
		Msg("Run started")

	rc := RunContext{
		RunID:   runID,
		DryRun:  opts.DryRun,
		Plan:    plan,
		Exec:    o.exec,
		Tracker: o.tracker,
		Logger:  logger,
	}

	results := make(map[string]ModuleResult, len(plan.Entries))
	var abortErr error

	for i, batch := range plan.Batches {
		if err := ctx.Err(); err != nil {
			abortErr = NewStepFailure("run cancelled", err).WithCode(ErrCodeCancelled)
			break
		}

		logger.Debug().Int("batch", i).Int("size", len(batch)).Msg("Executing batch")
		o.runBatch(ctx, rc, batch, byID, results)

		if err := contractFailure(plan, batch, results); err != nil {
			abortErr = err
			break
		}
	}
	if abortErr == nil {
		if err := ctx.Err(); err != nil && len(results) < countUnits(plan, byID) {
			abortErr = NewStepFailure("run cancelled", err).WithCode(ErrCodeCancelled)
		}
	}

	for _, e := range plan.Entries {
		if _, ok := byID[e.ModuleID]; !ok {
			continue
		}
		if r, ok := results[e.ModuleID]; ok {
			report.Results = append(report.Results, r)
		} else {
			report.NotAttempted = append(report.NotAttempted, e.ModuleID)
		}
	}

	if abortErr != nil {
		return abort(abortErr)
	}

	for _, r := range report.Results {
		if r.Status == ModuleFailed && !r.Optional {
			rs.transition(RunStatePartialFailure)
			return finish(nil)
		}
	}
	rs.transition(RunStateCompleted)
	return finish(nil)
}

// runBatch executes one batch with a worker pool and stores each result.
func (o *Orchestrator) runBatch(ctx context.Context, rc RunContext, batch []int, byID map[string]Unit, results map[string]ModuleResult) {
	var mu sync.Mutex
	store := func(r ModuleResult) {
		mu.Lock()
		results[r.ModuleID] = r
		mu.Unlock()
		o.metrics.RecordModule(r.Status)
		if o.progress != nil {
			o.progress(r)
		}
	}

	type work struct {
		entry PlanEntry
		unit  Unit
	}
	queue := make(chan work, len(batch))

	// Batch members never depend on each other, so blocking is decided from
	// earlier batches' results before any worker starts.
	for _, idx := range batch {
		entry := rc.Plan.Entries[idx]
		unit, ok := byID[entry.ModuleID]
		if !ok {
			continue
		}
		if entry.Selected {
			if upstream := blockers(entry, results); len(upstream) > 0 {
				store(dependencySkipped(entry, upstream))
				continue
			}
		}
		queue <- work{entry: entry, unit: unit}
	}
	close(queue)

	workerCount := o.parallelism
	if len(queue) < workerCount {
		workerCount = len(queue)
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range queue {
				if ctx.Err() != nil {
					return
				}
				store(o.executeUnit(ctx, rc, w.entry, w.unit))
			}
		}()
	}
	wg.Wait()
}

// executeUnit runs a single unit inside its own span.
// Steps run detached from cancellation so an interrupt never leaves a
// half-run command behind; the orchestrator stops between modules instead.
func (o *Orchestrator) executeUnit(ctx context.Context, rc RunContext, entry PlanEntry, unit Unit) ModuleResult {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "agentbox.module",
		trace.WithAttributes(
			attribute.String("module.id", entry.ModuleID),
			attribute.Int("module.phase", entry.Phase),
		))
	defer span.End()

	rc.Logger = rc.Logger.With().Str("module_id", entry.ModuleID).Int("phase", entry.Phase).Logger()
	start := time.Now()

	result := unit.Execute(context.WithoutCancel(ctx), rc)
	if result.ModuleID == "" {
		result.ModuleID = entry.ModuleID
	}
	if result.Phase == 0 {
		result.Phase = entry.Phase
	}
	if result.StartedAt.IsZero() {
		result.StartedAt = start.UTC()
	}
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}
	result.Optional = entry.Optional

	span.SetAttributes(attribute.String("module.status", string(result.Status)))
	if result.Status == ModuleFailed && result.Error != nil {
		span.SetStatus(codes.Error, result.Error.Message)
	}

	switch result.Status {
	case ModuleFailed:
		rc.Logger.Error().Int("attempts", result.Attempts).Msg("Module failed")
	case ModuleSuccess:
		rc.Logger.Info().Bool("action_taken", result.ActionTaken).Dur("duration", result.Duration).Msg("Module succeeded")
	default:
		rc.Logger.Debug().Str("status", string(result.Status)).Msg("Module skipped")
	}
	return result
}

// blockers returns the upstream modules that prevent entry from running.
func blockers(entry PlanEntry, results map[string]ModuleResult) []string {
	seen := make(map[string]bool)
	var upstream []string
	for _, id := range entry.BlockedBy {
		if !seen[id] {
			seen[id] = true
			upstream = append(upstream, id)
		}
	}
	for _, dep := range entry.Dependencies {
		if r, ok := results[dep]; ok && r.Blocking() && !seen[dep] {
			seen[dep] = true
			upstream = append(upstream, dep)
		}
	}
	return upstream
}

func dependencySkipped(entry PlanEntry, upstream []string) ModuleResult {
	ec := NewErrorContext(NewDependencySkipped(entry.ModuleID, upstream))
	ec.PhaseID = entry.Phase
	ec.PhaseName = entry.PhaseName
	return ModuleResult{
		ModuleID:  entry.ModuleID,
		Phase:     entry.Phase,
		Status:    ModuleSkippedDependency,
		Error:     ec,
		Optional:  entry.Optional,
		StartedAt: time.Now().UTC(),
	}
}

// contractFailure returns a contract violation reported by any unit in batch.
func contractFailure(plan *ExecutionPlan, batch []int, results map[string]ModuleResult) error {
	for _, idx := range batch {
		r, ok := results[plan.Entries[idx].ModuleID]
		if !ok || r.Error == nil || r.Error.Class != ErrorClassContract {
			continue
		}
		return &Error{
			Class:   ErrorClassContract,
			Code:    ErrCodeContract,
			Module:  r.ModuleID,
			Message: r.Error.Message,
		}
	}
	return nil
}

func countUnits(plan *ExecutionPlan, byID map[string]Unit) int {
	n := 0
	for _, e := range plan.Entries {
		if _, ok := byID[e.ModuleID]; ok {
			n++
		}
	}
	return n
}
