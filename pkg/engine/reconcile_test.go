package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/groundplan/groundplan/pkg/config"
)

// fakeProvider records every call and hands out sequential ids.
type fakeProvider struct {
	mu        sync.Mutex
	seq       int
	calls     []string
	destroyed []string
	createErr map[NodeKind]error
	updateErr map[NodeKind]error
	observed  map[NodeKind]map[string]any
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		createErr: make(map[NodeKind]error),
		updateErr: make(map[NodeKind]error),
		observed:  make(map[NodeKind]map[string]any),
	}
}

func (f *fakeProvider) record(op string, kind NodeKind) {
	f.calls = append(f.calls, fmt.Sprintf("%s:%s", op, kind))
}

func (f *fakeProvider) Create(_ context.Context, kind NodeKind, _ map[string]any) (*CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create", kind)
	if err := f.createErr[kind]; err != nil {
		return nil, err
	}
	f.seq++
	return &CreateResult{
		ID:       fmt.Sprintf("%s-%d", kind, f.seq),
		Observed: f.observed[kind],
	}, nil
}

func (f *fakeProvider) Update(_ context.Context, kind NodeKind, _ string, _ map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update", kind)
	if err := f.updateErr[kind]; err != nil {
		return nil, err
	}
	return f.observed[kind], nil
}

func (f *fakeProvider) Destroy(_ context.Context, kind NodeKind, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("destroy", kind)
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeProvider) Describe(_ context.Context, _ NodeKind, _ string) (map[string]any, error) {
	return nil, ErrNotFound
}

func (f *fakeProvider) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.destroyed = nil
}

func (f *fakeProvider) callIndex(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.calls {
		if c == call {
			return i
		}
	}
	return -1
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// memStore is a minimal in-memory StateStore for reconciler tests.
type memStore struct {
	mu    sync.Mutex
	nodes State
}

func newMemStore() *memStore {
	return &memStore{nodes: make(State)}
}

func (s *memStore) Load(_ context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes.Clone(), nil
}

func (s *memStore) SaveNode(_ context.Context, ns NodeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[ns.Kind] = ns
	return nil
}

func (s *memStore) DeleteNode(_ context.Context, kind NodeKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, kind)
	return nil
}

func applyOnce(t *testing.T, r *Reconciler, snap *config.Snapshot) (State, []NodeResult, error) {
	t.Helper()
	g, err := Build(snap)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	plan, err := Resolve(g)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return r.Apply(context.Background(), plan)
}

func TestApply_CreatesFullBundle(t *testing.T) {
	fake := newFakeProvider()
	fake.observed[NodeInstance] = map[string]any{
		"private_ip": "10.0.1.5",
		"public_ip":  "54.10.20.30",
		"volume_ids": []string{"vol-1"},
	}
	store := newMemStore()
	r := NewReconciler(fake, store, nil, nil)

	state, results, err := applyOnce(t, r, fullSnapshot())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(state) != 4 {
		t.Fatalf("Expected 4 nodes in state, got %d", len(state))
	}
	if len(results) != 4 {
		t.Fatalf("Expected 4 results, got %d", len(results))
	}

	// Dependencies are created before dependents.
	instIdx := fake.callIndex("create:instance")
	if sgIdx := fake.callIndex("create:security_group"); sgIdx < 0 || sgIdx > instIdx {
		t.Error("security group must be created before the instance")
	}
	if kpIdx := fake.callIndex("create:key_pair"); kpIdx < 0 || kpIdx > instIdx {
		t.Error("key pair must be created before the instance")
	}
	if alarmIdx := fake.callIndex("create:cpu_alarm"); alarmIdx < instIdx {
		t.Error("alarm must be created after the instance")
	}

	// References resolve to the dependency's post-creation id.
	if got := state[NodeInstance].Attrs["security_group_id"]; got != state[NodeSecurityGroup].ID {
		t.Errorf("instance security_group_id = %v, want %v", got, state[NodeSecurityGroup].ID)
	}
	if got := state[NodeAlarm].Attrs["instance_id"]; got != state[NodeInstance].ID {
		t.Errorf("alarm instance_id = %v, want %v", got, state[NodeInstance].ID)
	}

	// Observed values are merged into persisted state.
	if got := state[NodeInstance].Attrs["private_ip"]; got != "10.0.1.5" {
		t.Errorf("instance private_ip = %v, want 10.0.1.5", got)
	}
}

func TestApply_SecondRunIsNoop(t *testing.T) {
	fake := newFakeProvider()
	fake.observed[NodeInstance] = map[string]any{"private_ip": "10.0.1.5", "public_ip": ""}
	store := newMemStore()
	r := NewReconciler(fake, store, nil, nil)

	snap := fullSnapshot()
	if _, _, err := applyOnce(t, r, snap); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}

	fake.reset()
	_, results, err := applyOnce(t, r, snap)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}

	if n := fake.callCount(); n != 0 {
		t.Errorf("converged re-apply made %d provider calls, want 0", n)
	}
	for _, res := range results {
		if res.Action != ActionNoop {
			t.Errorf("%s action = %s, want noop", res.Kind, res.Action)
		}
	}
}

func TestApply_UserDataChangeIsIgnored(t *testing.T) {
	fake := newFakeProvider()
	store := newMemStore()
	r := NewReconciler(fake, store, nil, nil)

	snap := fullSnapshot()
	if _, _, err := applyOnce(t, r, snap); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}

	changed := fullSnapshot()
	changed.UserData = "#!/bin/sh\necho changed\n"

	fake.reset()
	_, results, err := applyOnce(t, r, changed)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if n := fake.callCount(); n != 0 {
		t.Errorf("user_data-only change made %d provider calls, want 0", n)
	}
	for _, res := range results {
		if res.Kind == NodeInstance && res.Action != ActionNoop {
			t.Errorf("instance action = %s, want noop", res.Action)
		}
	}
}

func TestApply_InstanceTypeChangeReplaces(t *testing.T) {
	fake := newFakeProvider()
	store := newMemStore()
	r := NewReconciler(fake, store, nil, nil)

	snap := fullSnapshot()
	state, _, err := applyOnce(t, r, snap)
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	oldID := state[NodeInstance].ID

	fake.updateErr[NodeInstance] = ErrRequiresReplacement
	changed := fullSnapshot()
	changed.InstanceType = "t3.large"

	fake.reset()
	state, _, err = applyOnce(t, r, changed)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	// Destroy-before-create: the instance carries no create-before-destroy
	// policy.
	updIdx := fake.callIndex("update:instance")
	delIdx := fake.callIndex("destroy:instance")
	crtIdx := fake.callIndex("create:instance")
	if updIdx < 0 || delIdx < updIdx || crtIdx < delIdx {
		t.Errorf("replace sequence = %v, want update then destroy then create", fake.calls)
	}

	if state[NodeInstance].ID == oldID {
		t.Error("replacement must produce a new instance id")
	}

	// The alarm follows its instance reference to the new id.
	if fake.callIndex("update:cpu_alarm") < 0 {
		t.Error("alarm should be updated to the replacement instance id")
	}
	if got := state[NodeAlarm].Attrs["instance_id"]; got != state[NodeInstance].ID {
		t.Errorf("alarm instance_id = %v, want %v", got, state[NodeInstance].ID)
	}
}

func TestApply_SecurityGroupReplacesCreateBeforeDestroy(t *testing.T) {
	fake := newFakeProvider()
	store := newMemStore()
	r := NewReconciler(fake, store, nil, nil)

	snap := baseSnapshot()
	state, _, err := applyOnce(t, r, snap)
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	oldID := state[NodeSecurityGroup].ID

	fake.updateErr[NodeSecurityGroup] = ErrRequiresReplacement
	changed := baseSnapshot()
	changed.VPCID = "vpc-2"
	changed.SubnetID = "subnet-2"

	fake.reset()
	state, _, err = applyOnce(t, r, changed)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	newID := state[NodeSecurityGroup].ID
	if newID == oldID {
		t.Fatal("replacement must produce a new security group id")
	}

	// The old group is destroyed only after the instance was repointed at
	// the replacement.
	crtIdx := fake.callIndex("create:security_group")
	repointIdx := fake.callIndex("update:instance")
	delIdx := fake.callIndex("destroy:security_group")
	if crtIdx < 0 || repointIdx < crtIdx || delIdx < repointIdx {
		t.Errorf("replace sequence = %v, want create, repoint dependents, destroy old", fake.calls)
	}
	if len(fake.destroyed) != 1 || fake.destroyed[0] != oldID {
		t.Errorf("destroyed = %v, want [%s]", fake.destroyed, oldID)
	}
}

func TestApply_KeyPairPreconditionFailure(t *testing.T) {
	fake := newFakeProvider()
	store := newMemStore()
	r := NewReconciler(fake, store, nil, nil)

	snap := fullSnapshot()
	snap.SSHPublicKey = ""

	state, _, err := applyOnce(t, r, snap)
	if err == nil {
		t.Fatal("Expected an error")
	}

	var pre *PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("Expected PreconditionError, got: %v", err)
	}
	if pre.Node != NodeKeyPair {
		t.Errorf("failing node = %s, want key_pair", pre.Node)
	}

	// No provider call for the failed node or anything downstream of it.
	if n := fake.callCount(); n != 1 {
		t.Errorf("made %d provider calls, want 1 (security group only)", n)
	}
	if fake.callIndex("create:security_group") != 0 {
		t.Errorf("calls = %v, want only the security group create", fake.calls)
	}

	var pf *PartialFailure
	if !errors.As(err, &pf) {
		t.Fatalf("Expected PartialFailure, got: %v", err)
	}
	if len(pf.Failed) != 1 || pf.Failed[0] != NodeKeyPair {
		t.Errorf("Failed = %v, want [key_pair]", pf.Failed)
	}
	if len(pf.Skipped) != 2 {
		t.Errorf("Skipped = %v, want instance and alarm", pf.Skipped)
	}

	// The independent success is persisted.
	if _, ok := state[NodeSecurityGroup]; !ok {
		t.Error("security group state should be persisted despite the failure")
	}
}

func TestApply_AlarmPreconditionFailure(t *testing.T) {
	fake := newFakeProvider()
	store := newMemStore()
	r := NewReconciler(fake, store, nil, nil)

	snap := baseSnapshot()
	snap.CreateCPUAlarm = true
	snap.EnableMonitoring = false
	snap.AlarmPeriod = 60

	_, _, err := applyOnce(t, r, snap)

	var pre *PreconditionError
	if !errors.As(err, &pre) {
		t.Fatalf("Expected PreconditionError, got: %v", err)
	}
	if pre.Node != NodeAlarm {
		t.Errorf("failing node = %s, want cpu_alarm", pre.Node)
	}
	if fake.callIndex("create:cpu_alarm") >= 0 {
		t.Error("no provider call may be issued for a node with a failed precondition")
	}
}

func TestApply_AlarmPreconditionPassesWithMonitoring(t *testing.T) {
	fake := newFakeProvider()
	store := newMemStore()
	r := NewReconciler(fake, store, nil, nil)

	snap := baseSnapshot()
	snap.CreateCPUAlarm = true
	snap.EnableMonitoring = true
	snap.AlarmPeriod = 60

	if _, _, err := applyOnce(t, r, snap); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if fake.callIndex("create:cpu_alarm") < 0 {
		t.Error("alarm should be created when detailed monitoring is enabled")
	}
}

func TestApply_RemovedNodeIsDestroyed(t *testing.T) {
	fake := newFakeProvider()
	store := newMemStore()
	r := NewReconciler(fake, store, nil, nil)

	snap := baseSnapshot()
	snap.CreateCPUAlarm = true
	snap.EnableMonitoring = true
	if _, _, err := applyOnce(t, r, snap); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}

	off := baseSnapshot()
	off.EnableMonitoring = true

	fake.reset()
	state, _, err := applyOnce(t, r, off)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if fake.callIndex("destroy:cpu_alarm") < 0 {
		t.Error("flipping create_cpu_alarm off must destroy the alarm")
	}
	if _, ok := state[NodeAlarm]; ok {
		t.Error("alarm must be removed from state")
	}
	if _, ok := state[NodeInstance]; !ok {
		t.Error("instance must survive the alarm removal")
	}
}

func TestApply_ProviderFailureSkipsDependentsOnly(t *testing.T) {
	fake := newFakeProvider()
	fake.createErr[NodeInstance] = errors.New("capacity not available")
	store := newMemStore()
	r := NewReconciler(fake, store, nil, nil)

	state, _, err := applyOnce(t, r, fullSnapshot())

	var pf *PartialFailure
	if !errors.As(err, &pf) {
		t.Fatalf("Expected PartialFailure, got: %v", err)
	}

	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected ProviderError in the chain, got: %v", err)
	}
	if perr.Kind != NodeInstance || perr.Operation != "create" {
		t.Errorf("ProviderError = %s/%s, want instance/create", perr.Kind, perr.Operation)
	}

	// The security group and key pair stay applied; only the alarm is
	// skipped.
	if _, ok := state[NodeSecurityGroup]; !ok {
		t.Error("security group should remain applied")
	}
	if _, ok := state[NodeKeyPair]; !ok {
		t.Error("key pair should remain applied")
	}
	if fake.callIndex("create:cpu_alarm") >= 0 {
		t.Error("alarm must be skipped when its instance failed")
	}
	if len(pf.Skipped) != 1 || pf.Skipped[0] != NodeAlarm {
		t.Errorf("Skipped = %v, want [cpu_alarm]", pf.Skipped)
	}
}

func TestDestroyAll_ReverseOrder(t *testing.T) {
	fake := newFakeProvider()
	store := newMemStore()
	r := NewReconciler(fake, store, nil, nil)

	if _, _, err := applyOnce(t, r, fullSnapshot()); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	fake.reset()
	state, err := r.DestroyAll(context.Background())
	if err != nil {
		t.Fatalf("DestroyAll failed: %v", err)
	}
	if len(state) != 0 {
		t.Errorf("Expected empty state, got %d nodes", len(state))
	}

	want := []string{"destroy:cpu_alarm", "destroy:instance", "destroy:key_pair", "destroy:security_group"}
	if len(fake.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", fake.calls, want)
	}
	for i, c := range want {
		if fake.calls[i] != c {
			t.Errorf("calls[%d] = %s, want %s", i, fake.calls[i], c)
		}
	}
}

func TestPreview_NoProviderCalls(t *testing.T) {
	fake := newFakeProvider()
	store := newMemStore()
	r := NewReconciler(fake, store, nil, nil)

	snap := fullSnapshot()
	g, err := Build(snap)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	plan, err := Resolve(g)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	actions, err := r.Preview(context.Background(), plan)
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if fake.callCount() != 0 {
		t.Errorf("preview made %d provider calls, want 0", fake.callCount())
	}
	if len(actions) != 4 {
		t.Fatalf("Expected 4 planned actions, got %d", len(actions))
	}
	for _, a := range actions {
		if a.Action != ActionCreate {
			t.Errorf("%s planned action = %s, want create", a.Kind, a.Action)
		}
	}
}

func TestPreview_DetectsUpdate(t *testing.T) {
	fake := newFakeProvider()
	store := newMemStore()
	r := NewReconciler(fake, store, nil, nil)

	if _, _, err := applyOnce(t, r, fullSnapshot()); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	changed := fullSnapshot()
	changed.InstanceType = "t3.large"
	g, err := Build(changed)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	plan, err := Resolve(g)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	actions, err := r.Preview(context.Background(), plan)
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}

	for _, a := range actions {
		switch a.Kind {
		case NodeInstance:
			if a.Action != ActionUpdate {
				t.Errorf("instance planned action = %s, want update", a.Action)
			}
			if len(a.Changed) != 1 || a.Changed[0] != "instance_type" {
				t.Errorf("instance Changed = %v, want [instance_type]", a.Changed)
			}
		default:
			if a.Action != ActionNoop {
				t.Errorf("%s planned action = %s, want noop", a.Kind, a.Action)
			}
		}
	}
}
