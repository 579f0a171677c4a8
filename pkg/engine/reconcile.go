package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/groundplan/groundplan/pkg/telemetry"
)

// Action is the reconciliation action decided for a node this run.
type Action string

const (
	// ActionCreate materializes a node that has no persisted state.
	ActionCreate Action = "create"

	// ActionUpdate changes an existing resource in place.
	ActionUpdate Action = "update"

	// ActionReplace recreates an existing resource.
	ActionReplace Action = "replace"

	// ActionDestroy removes a resource whose presence flipped to false.
	ActionDestroy Action = "destroy"

	// ActionNoop means the node is already converged; no provider call.
	ActionNoop Action = "noop"

	// ActionSkipped means the node was not attempted because a dependency
	// failed or was itself skipped.
	ActionSkipped Action = "skipped"
)

// NodeResult records the outcome of one node's reconciliation.
type NodeResult struct {
	Kind       NodeKind      `json:"kind"`
	Action     Action        `json:"action"`
	ID         string        `json:"id,omitempty"`
	Changed    []string      `json:"changed,omitempty"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

// PlannedAction is one entry of a dry-run plan preview.
type PlannedAction struct {
	Kind NodeKind `json:"kind"`

	Action Action `json:"action"`

	// Changed lists the attribute names driving an update, sorted.
	Changed []string `json:"changed,omitempty"`
}

// Reconciler drives resource nodes through create/update/no-op against the
// external provider and the state store, honoring the resolved order and the
// per-node lifecycle policies. Nodes within one level of the plan are
// mutually independent and may run concurrently; everything with a
// dependency relationship is serialized by level boundaries.
type Reconciler struct {
	provider Provider
	store    StateStore
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics

	// MaxParallel bounds concurrent provider work within one level.
	MaxParallel int

	// CallTimeout bounds each individual provider call. On timeout the
	// node's action fails; retry policy belongs to the provider layer.
	CallTimeout time.Duration
}

// NewReconciler creates a reconciler with default parallelism and timeouts.
func NewReconciler(provider Provider, store StateStore, logger *telemetry.Logger, metrics *telemetry.Metrics) *Reconciler {
	if logger == nil {
		logger = telemetry.Default()
	}
	return &Reconciler{
		provider:    provider,
		store:       store,
		logger:      logger.NewComponentLogger("reconciler"),
		metrics:     metrics,
		MaxParallel: 4,
		CallTimeout: 2 * time.Minute,
	}
}

// deferredDestroy is the old resource of a create-before-destroy
// replacement, destroyed only after its dependents have been repointed.
type deferredDestroy struct {
	kind  NodeKind
	oldID string
}

// applyRun is the shared bookkeeping for one Apply invocation.
type applyRun struct {
	mu       sync.Mutex
	applied  map[NodeKind]NodeState
	failed   map[NodeKind]error
	skipped  map[NodeKind]string
	deferred []deferredDestroy
}

func newApplyRun() *applyRun {
	return &applyRun{
		applied: make(map[NodeKind]NodeState),
		failed:  make(map[NodeKind]error),
		skipped: make(map[NodeKind]string),
	}
}

func (a *applyRun) appliedState(kind NodeKind) (NodeState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ns, ok := a.applied[kind]
	return ns, ok
}

func (a *applyRun) setApplied(ns NodeState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied[ns.Kind] = ns
}

func (a *applyRun) setFailed(kind NodeKind, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed[kind] = err
}

func (a *applyRun) setSkipped(kind NodeKind, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.skipped[kind] = reason
}

// blockedReason reports why a dependency blocks its dependents, if it does.
func (a *applyRun) blockedReason(dep NodeKind) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.failed[dep]; ok {
		return fmt.Sprintf("dependency %s failed", dep), true
	}
	if _, ok := a.skipped[dep]; ok {
		return fmt.Sprintf("dependency %s was skipped", dep), true
	}
	return "", false
}

func (a *applyRun) deferDestroy(kind NodeKind, oldID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deferred = append(a.deferred, deferredDestroy{kind: kind, oldID: oldID})
}

// Apply converges the plan against the previously persisted state. It
// executes nodes in resolved topological order (level-parallel for
// independent nodes), destroys nodes whose presence flipped to false in
// reverse order, and writes state incrementally as each action completes. A
// failing node halts only its dependents; successes are never rolled back.
// When anything fails the returned error is a PartialFailure carrying the
// updated state.
func (r *Reconciler) Apply(ctx context.Context, plan *Plan) (State, []NodeResult, error) {
	prev, err := r.store.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load state: %w", err)
	}

	final := prev.Clone()
	run := newApplyRun()
	var (
		mu      sync.Mutex
		results []NodeResult
	)
	record := func(res NodeResult) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, res)
	}

	// Nodes that were applied on a previous run but are absent from this
	// run's graph get destroyed first, dependents before dependencies.
	// Reverse declaration order is a valid reverse topological order for
	// every graph this builder produces.
	for i := len(DeclarationOrder) - 1; i >= 0; i-- {
		kind := DeclarationOrder[i]
		ns, ok := prev[kind]
		if !ok || plan.Graph.Has(kind) {
			continue
		}
		res := r.destroyNode(ctx, ns)
		record(res)
		if res.Err != nil {
			run.setFailed(kind, res.Err)
			continue
		}
		if err := r.store.DeleteNode(ctx, kind); err != nil {
			run.setFailed(kind, err)
			continue
		}
		delete(final, kind)
	}

	for _, level := range plan.Levels {
		if len(level) == 1 {
			record(r.applyNode(ctx, plan, level[0], prev, run))
			continue
		}

		var wg sync.WaitGroup
		sem := make(chan struct{}, r.maxParallel())
		for _, kind := range level {
			wg.Add(1)
			go func(kind NodeKind) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				record(r.applyNode(ctx, plan, kind, prev, run))
			}(kind)
		}
		wg.Wait()
	}

	// Old halves of create-before-destroy replacements go away only once
	// every dependent has been repointed at the new resource.
	for _, d := range run.deferred {
		if r.dependentsBlocked(plan, d.kind, run) {
			r.logger.WithNode(string(d.kind)).
				Warnf("keeping replaced resource %s: dependents were not repointed", d.oldID)
			continue
		}
		if err := r.callDestroy(ctx, d.kind, d.oldID); err != nil {
			run.setFailed(d.kind, err)
			record(NodeResult{Kind: d.kind, Action: ActionDestroy, ID: d.oldID, Err: err})
		}
	}

	// Fold this run's successes into the final state.
	run.mu.Lock()
	for kind, ns := range run.applied {
		final[kind] = ns
	}
	run.mu.Unlock()

	if err := r.runError(plan, run, final); err != nil {
		return final, results, err
	}
	return final, results, nil
}

// runError assembles the PartialFailure for a run with failed or skipped
// nodes, in plan order.
func (r *Reconciler) runError(plan *Plan, run *applyRun, final State) error {
	run.mu.Lock()
	defer run.mu.Unlock()

	if len(run.failed) == 0 {
		return nil
	}

	pf := &PartialFailure{State: final}
	for _, kind := range plan.Order {
		if err, ok := run.failed[kind]; ok {
			pf.Failed = append(pf.Failed, kind)
			pf.Errs = append(pf.Errs, err)
		} else if _, ok := run.skipped[kind]; ok {
			pf.Skipped = append(pf.Skipped, kind)
		} else if _, ok := run.applied[kind]; ok {
			pf.Succeeded = append(pf.Succeeded, kind)
		}
	}
	// Failures outside the plan (removed-node destroys).
	for _, kind := range DeclarationOrder {
		if plan.Graph.Has(kind) {
			continue
		}
		if err, ok := run.failed[kind]; ok {
			pf.Failed = append(pf.Failed, kind)
			pf.Errs = append(pf.Errs, err)
		}
	}
	return pf
}

// dependentsBlocked reports whether any present dependent of kind failed or
// was skipped this run.
func (r *Reconciler) dependentsBlocked(plan *Plan, kind NodeKind, run *applyRun) bool {
	run.mu.Lock()
	defer run.mu.Unlock()
	for _, k := range plan.Order {
		node := plan.Graph.Node(k)
		for _, dep := range node.Dependencies() {
			if dep != kind {
				continue
			}
			if _, failed := run.failed[k]; failed {
				return true
			}
			if _, skipped := run.skipped[k]; skipped {
				return true
			}
		}
	}
	return false
}

// applyNode reconciles a single node: dependency gate, preconditions,
// reference resolution, diff against previous state, then the provider call
// its lifecycle policy demands.
func (r *Reconciler) applyNode(ctx context.Context, plan *Plan, kind NodeKind, prev State, run *applyRun) NodeResult {
	start := time.Now()
	node := plan.Graph.Node(kind)
	log := r.logger.WithNode(string(kind))

	for _, dep := range node.Dependencies() {
		if reason, blocked := run.blockedReason(dep); blocked {
			run.setSkipped(kind, reason)
			log.WithField("reason", reason).Warn("skipping node")
			r.recordAction(kind, ActionSkipped, nil)
			return NodeResult{Kind: kind, Action: ActionSkipped, SkipReason: reason, Duration: time.Since(start)}
		}
	}

	// Preconditions are re-checked on every run, converged or not.
	for _, pre := range node.Lifecycle.Preconditions {
		if pre.Check() {
			continue
		}
		err := &PreconditionError{Node: kind, Condition: pre.Name, Message: pre.Message}
		run.setFailed(kind, err)
		log.WithError(err).Error("precondition failed")
		r.metrics.RecordError("precondition")
		return NodeResult{Kind: kind, Err: err, Duration: time.Since(start)}
	}

	resolved, err := r.resolveAttrs(node, run)
	if err != nil {
		err = &BuildError{Node: kind, Message: err.Error()}
		run.setFailed(kind, err)
		return NodeResult{Kind: kind, Err: err, Duration: time.Since(start)}
	}

	prevNS, existed := prev[kind]
	if !existed {
		return r.createNode(ctx, kind, resolved, run, start)
	}

	changed := diffAttrs(prevNS.Attrs, resolved)
	effective := changed[:0:0]
	for _, attr := range changed {
		if !node.Lifecycle.Ignored(attr) {
			effective = append(effective, attr)
		}
	}

	if len(effective) == 0 {
		// Converged, or changed only in ignored attributes. Either way the
		// node is up to date and no provider call is issued.
		run.setApplied(prevNS)
		r.recordAction(kind, ActionNoop, nil)
		log.Debug("node up to date")
		return NodeResult{Kind: kind, Action: ActionNoop, ID: prevNS.ID, Duration: time.Since(start)}
	}

	return r.updateNode(ctx, node, prevNS, resolved, effective, run, start)
}

func (r *Reconciler) createNode(ctx context.Context, kind NodeKind, resolved map[string]any, run *applyRun, start time.Time) NodeResult {
	log := r.logger.WithNode(string(kind))
	log.Info("creating resource")

	cr, err := r.callCreate(ctx, kind, resolved)
	if err != nil {
		run.setFailed(kind, err)
		r.recordAction(kind, ActionCreate, err)
		return NodeResult{Kind: kind, Action: ActionCreate, Err: err, Duration: time.Since(start)}
	}

	ns, err := r.persist(ctx, kind, cr.ID, resolved, cr.Observed)
	if err != nil {
		run.setFailed(kind, err)
		return NodeResult{Kind: kind, Action: ActionCreate, ID: cr.ID, Err: err, Duration: time.Since(start)}
	}

	run.setApplied(ns)
	r.recordAction(kind, ActionCreate, nil)
	log.WithField("id", ns.ID).Info("resource created")
	return NodeResult{Kind: kind, Action: ActionCreate, ID: ns.ID, Duration: time.Since(start)}
}

func (r *Reconciler) updateNode(ctx context.Context, node *Node, prevNS NodeState, resolved map[string]any, changed []string, run *applyRun, start time.Time) NodeResult {
	kind := node.Kind
	log := r.logger.WithNode(string(kind)).WithField("changed", changed)
	log.Info("updating resource")

	observed, err := r.callUpdate(ctx, kind, prevNS.ID, resolved)
	if err == nil {
		ns, perr := r.persist(ctx, kind, prevNS.ID, resolved, observed)
		if perr != nil {
			run.setFailed(kind, perr)
			return NodeResult{Kind: kind, Action: ActionUpdate, ID: prevNS.ID, Err: perr, Duration: time.Since(start)}
		}
		run.setApplied(ns)
		r.recordAction(kind, ActionUpdate, nil)
		return NodeResult{Kind: kind, Action: ActionUpdate, ID: ns.ID, Changed: changed, Duration: time.Since(start)}
	}

	if !errors.Is(err, ErrRequiresReplacement) {
		run.setFailed(kind, err)
		r.recordAction(kind, ActionUpdate, err)
		return NodeResult{Kind: kind, Action: ActionUpdate, ID: prevNS.ID, Err: err, Duration: time.Since(start)}
	}

	return r.replaceNode(ctx, node, prevNS, resolved, changed, run, start)
}

func (r *Reconciler) replaceNode(ctx context.Context, node *Node, prevNS NodeState, resolved map[string]any, changed []string, run *applyRun, start time.Time) NodeResult {
	kind := node.Kind
	log := r.logger.WithNode(string(kind)).WithField("old_id", prevNS.ID)

	if node.Lifecycle.CreateBeforeDestroy {
		log.Info("replacing resource (create before destroy)")
		cr, err := r.callCreate(ctx, kind, resolved)
		if err != nil {
			// Replacement creation failed: the old resource stays as-is.
			run.setFailed(kind, err)
			r.recordAction(kind, ActionReplace, err)
			return NodeResult{Kind: kind, Action: ActionReplace, ID: prevNS.ID, Err: err, Duration: time.Since(start)}
		}
		ns, perr := r.persist(ctx, kind, cr.ID, resolved, cr.Observed)
		if perr != nil {
			run.setFailed(kind, perr)
			return NodeResult{Kind: kind, Action: ActionReplace, ID: cr.ID, Err: perr, Duration: time.Since(start)}
		}
		run.setApplied(ns)
		run.deferDestroy(kind, prevNS.ID)
		r.recordAction(kind, ActionReplace, nil)
		return NodeResult{Kind: kind, Action: ActionReplace, ID: ns.ID, Changed: changed, Duration: time.Since(start)}
	}

	log.Info("replacing resource (destroy before create)")
	if err := r.callDestroy(ctx, kind, prevNS.ID); err != nil {
		run.setFailed(kind, err)
		r.recordAction(kind, ActionReplace, err)
		return NodeResult{Kind: kind, Action: ActionReplace, ID: prevNS.ID, Err: err, Duration: time.Since(start)}
	}
	if err := r.store.DeleteNode(ctx, kind); err != nil {
		run.setFailed(kind, err)
		return NodeResult{Kind: kind, Action: ActionReplace, Err: err, Duration: time.Since(start)}
	}

	cr, err := r.callCreate(ctx, kind, resolved)
	if err != nil {
		run.setFailed(kind, err)
		r.recordAction(kind, ActionReplace, err)
		return NodeResult{Kind: kind, Action: ActionReplace, Err: err, Duration: time.Since(start)}
	}
	ns, perr := r.persist(ctx, kind, cr.ID, resolved, cr.Observed)
	if perr != nil {
		run.setFailed(kind, perr)
		return NodeResult{Kind: kind, Action: ActionReplace, ID: cr.ID, Err: perr, Duration: time.Since(start)}
	}
	run.setApplied(ns)
	r.recordAction(kind, ActionReplace, nil)
	return NodeResult{Kind: kind, Action: ActionReplace, ID: ns.ID, Changed: changed, Duration: time.Since(start)}
}

func (r *Reconciler) destroyNode(ctx context.Context, ns NodeState) NodeResult {
	start := time.Now()
	log := r.logger.WithNode(string(ns.Kind)).WithField("id", ns.ID)
	log.Info("destroying resource")

	if err := r.callDestroy(ctx, ns.Kind, ns.ID); err != nil {
		r.recordAction(ns.Kind, ActionDestroy, err)
		return NodeResult{Kind: ns.Kind, Action: ActionDestroy, ID: ns.ID, Err: err, Duration: time.Since(start)}
	}
	r.recordAction(ns.Kind, ActionDestroy, nil)
	return NodeResult{Kind: ns.Kind, Action: ActionDestroy, ID: ns.ID, Duration: time.Since(start)}
}

// DestroyAll tears down every node recorded in state, dependents before
// dependencies. A failure halts the teardown: resources a failed dependent
// still relies on must not be removed.
func (r *Reconciler) DestroyAll(ctx context.Context) (State, error) {
	prev, err := r.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	final := prev.Clone()
	for i := len(DeclarationOrder) - 1; i >= 0; i-- {
		kind := DeclarationOrder[i]
		ns, ok := prev[kind]
		if !ok {
			continue
		}
		res := r.destroyNode(ctx, ns)
		if res.Err != nil {
			return final, &PartialFailure{
				State:  final,
				Failed: []NodeKind{kind},
				Errs:   []error{res.Err},
			}
		}
		if err := r.store.DeleteNode(ctx, kind); err != nil {
			return final, fmt.Errorf("failed to delete %s from state: %w", kind, err)
		}
		delete(final, kind)
	}
	return final, nil
}

// Preview computes the planned action per node without touching the
// provider. References whose target has no persisted state yet resolve to a
// placeholder, which is enough to decide create-vs-update-vs-noop.
func (r *Reconciler) Preview(ctx context.Context, plan *Plan) ([]PlannedAction, error) {
	prev, err := r.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	var actions []PlannedAction

	for i := len(DeclarationOrder) - 1; i >= 0; i-- {
		kind := DeclarationOrder[i]
		if _, ok := prev[kind]; ok && !plan.Graph.Has(kind) {
			actions = append(actions, PlannedAction{Kind: kind, Action: ActionDestroy})
		}
	}

	for _, kind := range plan.Order {
		node := plan.Graph.Node(kind)
		resolved, err := previewAttrs(node, prev)
		if err != nil {
			return nil, err
		}

		prevNS, existed := prev[kind]
		if !existed {
			actions = append(actions, PlannedAction{Kind: kind, Action: ActionCreate})
			continue
		}

		var effective []string
		for _, attr := range diffAttrs(prevNS.Attrs, resolved) {
			if !node.Lifecycle.Ignored(attr) {
				effective = append(effective, attr)
			}
		}
		if len(effective) == 0 {
			actions = append(actions, PlannedAction{Kind: kind, Action: ActionNoop})
			continue
		}
		sort.Strings(effective)
		actions = append(actions, PlannedAction{Kind: kind, Action: ActionUpdate, Changed: effective})
	}

	return actions, nil
}

// resolveAttrs produces the concrete attribute map for a node, substituting
// each reference with the applied state of its target. Dependency gating has
// already guaranteed the targets completed this run.
func (r *Reconciler) resolveAttrs(node *Node, run *applyRun) (map[string]any, error) {
	out := make(map[string]any, len(node.Attrs))
	for name, v := range node.Attrs {
		if !v.IsRef() {
			out[name] = v.Literal()
			continue
		}
		ref := v.Ref()
		ns, ok := run.appliedState(ref.Kind)
		if !ok {
			return nil, fmt.Errorf("reference target %s has no applied state", ref.Kind)
		}
		if ref.Attr == "id" {
			out[name] = ns.ID
			continue
		}
		val, ok := ns.Attrs[ref.Attr]
		if !ok {
			return nil, fmt.Errorf("reference target %s has no attribute %q", ref.Kind, ref.Attr)
		}
		out[name] = val
	}
	return NormalizeAttrs(out)
}

// previewAttrs resolves references from persisted state where possible and
// from a placeholder otherwise.
func previewAttrs(node *Node, prev State) (map[string]any, error) {
	const unknown = "(known after apply)"
	out := make(map[string]any, len(node.Attrs))
	for name, v := range node.Attrs {
		if !v.IsRef() {
			out[name] = v.Literal()
			continue
		}
		ref := v.Ref()
		ns, ok := prev[ref.Kind]
		if !ok {
			out[name] = unknown
			continue
		}
		if ref.Attr == "id" {
			out[name] = ns.ID
			continue
		}
		if val, ok := ns.Attrs[ref.Attr]; ok {
			out[name] = val
		} else {
			out[name] = unknown
		}
	}
	return NormalizeAttrs(out)
}

// diffAttrs returns the desired attribute names whose values differ from the
// previous state. Keys present only in prev are provider-observed values
// (addresses, volume ids) and never drive an update on their own.
func diffAttrs(prev, next map[string]any) []string {
	var changed []string
	for name, nv := range next {
		pv, ok := prev[name]
		if !ok || !reflect.DeepEqual(pv, nv) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// persist normalizes and saves the post-action state of a node.
func (r *Reconciler) persist(ctx context.Context, kind NodeKind, id string, resolved, observed map[string]any) (NodeState, error) {
	attrs := make(map[string]any, len(resolved)+len(observed))
	for k, v := range resolved {
		attrs[k] = v
	}
	for k, v := range observed {
		attrs[k] = v
	}
	normalized, err := NormalizeAttrs(attrs)
	if err != nil {
		return NodeState{}, fmt.Errorf("failed to normalize attributes for %s: %w", kind, err)
	}

	ns := NodeState{Kind: kind, ID: id, Attrs: normalized}
	if err := r.store.SaveNode(ctx, ns); err != nil {
		return NodeState{}, fmt.Errorf("failed to persist state for %s: %w", kind, err)
	}
	return ns, nil
}

func (r *Reconciler) callCreate(ctx context.Context, kind NodeKind, attrs map[string]any) (*CreateResult, error) {
	cctx, cancel := context.WithTimeout(ctx, r.CallTimeout)
	defer cancel()

	start := time.Now()
	res, err := r.provider.Create(cctx, kind, attrs)
	r.recordProviderCall(kind, "create", time.Since(start), err)
	if err != nil {
		return nil, &ProviderError{Kind: kind, Operation: "create", Err: err}
	}
	return res, nil
}

func (r *Reconciler) callUpdate(ctx context.Context, kind NodeKind, id string, attrs map[string]any) (map[string]any, error) {
	cctx, cancel := context.WithTimeout(ctx, r.CallTimeout)
	defer cancel()

	start := time.Now()
	observed, err := r.provider.Update(cctx, kind, id, attrs)
	r.recordProviderCall(kind, "update", time.Since(start), err)
	if err != nil {
		if errors.Is(err, ErrRequiresReplacement) {
			return nil, err
		}
		return nil, &ProviderError{Kind: kind, ID: id, Operation: "update", Err: err}
	}
	return observed, nil
}

func (r *Reconciler) callDestroy(ctx context.Context, kind NodeKind, id string) error {
	cctx, cancel := context.WithTimeout(ctx, r.CallTimeout)
	defer cancel()

	start := time.Now()
	err := r.provider.Destroy(cctx, kind, id)
	r.recordProviderCall(kind, "destroy", time.Since(start), err)
	if err != nil {
		return &ProviderError{Kind: kind, ID: id, Operation: "destroy", Err: err}
	}
	return nil
}

func (r *Reconciler) maxParallel() int {
	if r.MaxParallel <= 0 {
		return 1
	}
	return r.MaxParallel
}

func (r *Reconciler) recordProviderCall(kind NodeKind, op string, d time.Duration, err error) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordProviderCall(string(kind), op, d, err)
}

func (r *Reconciler) recordAction(kind NodeKind, action Action, err error) {
	if r.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	r.metrics.RecordNodeAction(string(kind), string(action), status)
}
