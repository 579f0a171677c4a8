// Package engine evaluates a declarative VM bundle configuration into a
// resource graph and converges it against a provider: Build -> Resolve ->
// Apply -> Project.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/groundplan/groundplan/pkg/config"
	"github.com/groundplan/groundplan/pkg/telemetry"
)

// RunResult is the outcome of one engine run.
type RunResult struct {
	// RunID uniquely identifies this run in logs and traces.
	RunID string `json:"run_id"`

	// Outputs is the projected output map. Always fully keyed.
	Outputs Outputs `json:"outputs"`

	// State is the persisted state after the run, partial runs included.
	State State `json:"state"`

	// Results holds the per-node reconciliation outcomes in completion order.
	Results []NodeResult `json:"results"`

	// Duration is the wall-clock time of the run.
	Duration time.Duration `json:"duration"`
}

// Runner ties the evaluation pipeline together. It owns no provider or
// storage logic itself; those are injected collaborators.
type Runner struct {
	reconciler *Reconciler
	store      StateStore
	logger     *telemetry.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithTracer attaches a tracer to the runner.
func WithTracer(t *telemetry.Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = t }
}

// WithMetrics attaches a metrics collector to the runner.
func WithMetrics(m *telemetry.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates a runner over the given provider and state store.
func NewRunner(provider Provider, store StateStore, logger *telemetry.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = telemetry.Default()
	}
	r := &Runner{
		store:  store,
		logger: logger.NewComponentLogger("engine"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.reconciler = NewReconciler(provider, store, logger, r.metrics)
	return r
}

// Apply evaluates the snapshot and converges the graph against the provider.
// On partial failure the returned RunResult still carries the updated state
// and the outputs that exist, alongside the PartialFailure error.
func (r *Runner) Apply(ctx context.Context, snap *config.Snapshot) (*RunResult, error) {
	runID := uuid.NewString()
	log := r.logger.WithRunID(runID)
	start := time.Now()

	ctx, span := r.startRunSpan(ctx, runID, "apply")
	defer span.end()

	r.metrics.RecordRunStarted("apply")
	log.Info("starting apply run")

	plan, err := r.plan(ctx, snap)
	if err != nil {
		r.finishRun(log, span, "failed", start, err)
		return nil, err
	}

	state, results, applyErr := r.applyPhase(ctx, plan)

	outputs := Project(plan.Graph, snap, state)

	res := &RunResult{
		RunID:    runID,
		Outputs:  outputs,
		State:    state,
		Results:  results,
		Duration: time.Since(start),
	}

	if applyErr != nil {
		r.finishRun(log, span, "partial_failure", start, applyErr)
		return res, applyErr
	}
	r.finishRun(log, span, "success", start, nil)
	return res, nil
}

// Plan computes the per-node actions an apply would take, without any
// provider calls.
func (r *Runner) Plan(ctx context.Context, snap *config.Snapshot) ([]PlannedAction, error) {
	runID := uuid.NewString()
	ctx, span := r.startRunSpan(ctx, runID, "plan")
	defer span.end()

	plan, err := r.plan(ctx, snap)
	if err != nil {
		span.fail(err)
		return nil, err
	}
	actions, err := r.reconciler.Preview(ctx, plan)
	if err != nil {
		span.fail(err)
		return nil, err
	}
	return actions, nil
}

// Destroy tears down everything in state, dependents first.
func (r *Runner) Destroy(ctx context.Context) (State, error) {
	runID := uuid.NewString()
	log := r.logger.WithRunID(runID)
	start := time.Now()

	ctx, span := r.startRunSpan(ctx, runID, "destroy")
	defer span.end()

	r.metrics.RecordRunStarted("destroy")
	log.Info("starting destroy run")

	state, err := r.reconciler.DestroyAll(ctx)
	if err != nil {
		r.finishRun(log, span, "failed", start, err)
		return state, err
	}
	r.finishRun(log, span, "success", start, nil)
	return state, nil
}

// Outputs projects the output map from persisted state without touching the
// provider.
func (r *Runner) Outputs(ctx context.Context, snap *config.Snapshot) (Outputs, error) {
	g, err := Build(snap)
	if err != nil {
		return nil, err
	}
	state, err := r.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return Project(g, snap, state), nil
}

// plan runs the build and resolve phases.
func (r *Runner) plan(ctx context.Context, snap *config.Snapshot) (*Plan, error) {
	_, span := r.startPhaseSpan(ctx, "build")
	g, err := Build(snap)
	span.finish(err)
	if err != nil {
		return nil, err
	}

	_, span = r.startPhaseSpan(ctx, "resolve")
	plan, err := Resolve(g)
	span.finish(err)
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func (r *Runner) applyPhase(ctx context.Context, plan *Plan) (State, []NodeResult, error) {
	ctx, span := r.startPhaseSpan(ctx, "apply")
	state, results, err := r.reconciler.Apply(ctx, plan)
	span.finish(err)
	return state, results, err
}

func (r *Runner) finishRun(log *telemetry.Logger, span runSpan, status string, start time.Time, err error) {
	d := time.Since(start)
	r.metrics.RecordRunCompleted(status, d)
	if err != nil {
		span.fail(err)
		log.WithError(err).WithField("duration", d.String()).Error("run finished with errors")
		return
	}
	log.WithField("duration", d.String()).Info("run finished")
}

// runSpan is a nil-safe wrapper so the runner works without a tracer.
type runSpan struct {
	end    func()
	fail   func(error)
	finish func(error)
}

func noopSpan() runSpan {
	return runSpan{
		end:    func() {},
		fail:   func(error) {},
		finish: func(error) {},
	}
}

func (r *Runner) startRunSpan(ctx context.Context, runID, operation string) (context.Context, runSpan) {
	if r.tracer == nil {
		return ctx, noopSpan()
	}
	ctx, span := r.tracer.StartRunSpan(ctx, runID, operation)
	return ctx, runSpan{
		end:  func() { span.End() },
		fail: func(err error) { telemetry.RecordError(span, err) },
		finish: func(err error) {
			telemetry.RecordError(span, err)
			span.End()
		},
	}
}

func (r *Runner) startPhaseSpan(ctx context.Context, phase string) (context.Context, runSpan) {
	if r.tracer == nil {
		return ctx, noopSpan()
	}
	ctx, span := r.tracer.StartPhaseSpan(ctx, phase)
	return ctx, runSpan{
		end:  func() { span.End() },
		fail: func(err error) { telemetry.RecordError(span, err) },
		finish: func(err error) {
			telemetry.RecordError(span, err)
			span.End()
		},
	}
}
