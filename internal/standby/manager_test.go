package standby

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/dumontcloud/control-plane/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCPUProvider struct {
	mu      sync.Mutex
	created []provider.CPUCreateSpec
	deleted []string
	insts   map[string]*model.Instance
}

func newFakeCPU() *fakeCPUProvider { return &fakeCPUProvider{insts: make(map[string]*model.Instance)} }

func (f *fakeCPUProvider) Name() string { return "stable_cloud" }
func (f *fakeCPUProvider) CreateInstance(ctx context.Context, spec provider.CPUCreateSpec) (*model.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	id := "cpu-1"
	inst := &model.Instance{ID: id, Status: model.InstanceRunning, Network: model.Network{ShellHost: "10.0.0.1", ShellPort: 22}}
	f.insts[id] = inst
	return inst, nil
}
func (f *fakeCPUProvider) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}
func (f *fakeCPUProvider) Start(ctx context.Context, id string) error { return nil }
func (f *fakeCPUProvider) Stop(ctx context.Context, id string) error  { return nil }
func (f *fakeCPUProvider) Get(ctx context.Context, id string) (*model.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inst, ok := f.insts[id]; ok {
		return inst, nil
	}
	return nil, assertNotFound()
}
func (f *fakeCPUProvider) List(ctx context.Context) ([]model.Instance, error) { return nil, nil }

func assertNotFound() error { return context.DeadlineExceeded }

type fakeGPUProvider struct{}

func (fakeGPUProvider) Name() string { return "gpu_market" }
func (fakeGPUProvider) SearchOffers(ctx context.Context, filter provider.OfferFilter) ([]model.Offer, error) {
	return nil, nil
}
func (fakeGPUProvider) CreateInstance(ctx context.Context, offerID string, spec provider.CreateSpec) (*model.Instance, error) {
	return nil, nil
}
func (fakeGPUProvider) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	return &model.Instance{ID: id, Status: model.InstanceRunning}, nil
}
func (fakeGPUProvider) ListInstances(ctx context.Context) ([]model.Instance, error) { return nil, nil }
func (fakeGPUProvider) Destroy(ctx context.Context, id string) (bool, error)         { return true, nil }
func (fakeGPUProvider) Pause(ctx context.Context, id string) (bool, error)           { return true, nil }
func (fakeGPUProvider) Resume(ctx context.Context, id string) (bool, error)          { return true, nil }
func (fakeGPUProvider) GetBalance(ctx context.Context) (float64, float64, error)     { return 0, 0, nil }

type fakeRepo struct {
	mu    sync.Mutex
	byGPU map[string]*model.StandbyAssociation
}

func newFakeStandbyRepo() *fakeRepo { return &fakeRepo{byGPU: make(map[string]*model.StandbyAssociation)} }

func (r *fakeRepo) Upsert(ctx context.Context, assoc *model.StandbyAssociation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *assoc
	r.byGPU[assoc.GPUInstanceID] = &cp
	return nil
}
func (r *fakeRepo) Get(ctx context.Context, gpuInstanceID string) (*model.StandbyAssociation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byGPU[gpuInstanceID], nil
}
func (r *fakeRepo) List(ctx context.Context) ([]*model.StandbyAssociation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.StandbyAssociation, 0, len(r.byGPU))
	for _, a := range r.byGPU {
		out = append(out, a)
	}
	return out, nil
}
func (r *fakeRepo) Delete(ctx context.Context, gpuInstanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byGPU, gpuInstanceID)
	return nil
}
func (r *fakeRepo) Rekey(ctx context.Context, oldGPUInstanceID string, assoc *model.StandbyAssociation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byGPU[oldGPUInstanceID]; !ok {
		return context.DeadlineExceeded
	}
	delete(r.byGPU, oldGPUInstanceID)
	cp := *assoc
	r.byGPU[assoc.GPUInstanceID] = &cp
	return nil
}

func TestOnGPUCreated_ProvisionsAndAssociates(t *testing.T) {
	cpu := newFakeCPU()
	repo := newFakeStandbyRepo()
	m := NewManager(Config{AutoStandbyEnabled: true, ShellReadyTimeout: time.Second}, cpu, fakeGPUProvider{}, nil, repo, nil, nil, nil, nil)

	gpu := &model.Instance{ID: "gpu-1", Network: model.Network{ShellHost: "1.2.3.4"}}
	m.OnGPUCreated(context.Background(), gpu)

	assoc, err := m.GetAssociation(context.Background(), "gpu-1")
	require.NoError(t, err)
	require.NotNil(t, assoc)
	assert.Equal(t, "cpu-1", assoc.CPUInstanceID)
	assert.Equal(t, model.AssocReady, assoc.State)

	m.stopSyncLocked("gpu-1")
}

func TestOnGPUDestroyed_DestroysCPUWhenRequested(t *testing.T) {
	cpu := newFakeCPU()
	repo := newFakeStandbyRepo()
	m := NewManager(Config{AutoStandbyEnabled: true, ShellReadyTimeout: time.Second}, cpu, fakeGPUProvider{}, nil, repo, nil, nil, nil, nil)

	gpu := &model.Instance{ID: "gpu-2", Network: model.Network{ShellHost: "1.2.3.4"}}
	m.OnGPUCreated(context.Background(), gpu)

	m.OnGPUDestroyed(context.Background(), "gpu-2", true)

	assert.Contains(t, cpu.deleted, "cpu-1")
	assoc, err := m.GetAssociation(context.Background(), "gpu-2")
	require.NoError(t, err)
	assert.Nil(t, assoc)
}

func TestMarkGPUFailed_SetsFailoverActive(t *testing.T) {
	cpu := newFakeCPU()
	repo := newFakeStandbyRepo()
	m := NewManager(Config{AutoStandbyEnabled: true, ShellReadyTimeout: time.Second, AutoRecovery: false}, cpu, fakeGPUProvider{}, nil, repo, nil, nil, nil, nil)

	gpu := &model.Instance{ID: "gpu-3", Network: model.Network{ShellHost: "1.2.3.4"}}
	m.OnGPUCreated(context.Background(), gpu)

	m.MarkGPUFailed(context.Background(), "gpu-3", "ssh_timeout")

	assoc, err := m.GetAssociation(context.Background(), "gpu-3")
	require.NoError(t, err)
	require.NotNil(t, assoc)
	assert.Equal(t, model.AssocFailoverActive, assoc.State)
	assert.True(t, assoc.GPUFailed)
}

type alwaysHealthy struct{}

func (alwaysHealthy) Probe(ctx context.Context, inst *model.Instance) (bool, error) { return true, nil }

func TestMarkGPUFailed_StopsHealthCheckLoop(t *testing.T) {
	cpu := newFakeCPU()
	repo := newFakeStandbyRepo()
	m := NewManager(Config{AutoStandbyEnabled: true, ShellReadyTimeout: time.Second, AutoRecovery: false, HealthCheckInterval: time.Hour}, cpu, fakeGPUProvider{}, alwaysHealthy{}, repo, nil, nil, nil, nil)

	gpu := &model.Instance{ID: "gpu-hc", Network: model.Network{ShellHost: "1.2.3.4"}}
	m.OnGPUCreated(context.Background(), gpu)

	m.mu.Lock()
	_, running := m.health0["gpu-hc"]
	m.mu.Unlock()
	require.True(t, running, "health-check loop should be running after association creation")

	m.MarkGPUFailed(context.Background(), "gpu-hc", "crash")

	m.mu.Lock()
	_, stillRunning := m.health0["gpu-hc"]
	m.mu.Unlock()
	assert.False(t, stillRunning, "failover must stop the health-check loop for the failed instance")
}

func TestFinishRecovery_RekeysAssociationToNewInstance(t *testing.T) {
	cpu := newFakeCPU()
	repo := newFakeStandbyRepo()
	m := NewManager(Config{AutoStandbyEnabled: true, ShellReadyTimeout: time.Second}, cpu, fakeGPUProvider{}, nil, repo, nil, nil, nil, nil)

	gpu := &model.Instance{ID: "gpu-old", Network: model.Network{ShellHost: "1.2.3.4"}}
	m.OnGPUCreated(context.Background(), gpu)
	m.MarkGPUFailed(context.Background(), "gpu-old", "crash")

	assoc, err := m.GetAssociation(context.Background(), "gpu-old")
	require.NoError(t, err)
	require.NotNil(t, assoc)

	cpuInst, err := cpu.Get(context.Background(), "cpu-1")
	require.NoError(t, err)
	newInst := &model.Instance{ID: "gpu-new", Status: model.InstanceRunning, Network: model.Network{ShellHost: "5.6.7.8"}}

	ok := m.finishRecovery(context.Background(), assoc, newInst, cpuInst)
	require.True(t, ok)

	oldAssoc, err := m.GetAssociation(context.Background(), "gpu-old")
	require.NoError(t, err)
	assert.Nil(t, oldAssoc, "old gpu_instance_id key must not remain after rekey")

	newAssoc, err := m.GetAssociation(context.Background(), "gpu-new")
	require.NoError(t, err)
	require.NotNil(t, newAssoc)
	assert.Equal(t, model.AssocSyncing, newAssoc.State)
	assert.False(t, newAssoc.GPUFailed)
	assert.Equal(t, 0, newAssoc.FailedHealthChecks)

	m.stopSyncLocked("gpu-new")
}

func TestFinishRecovery_DestroysNewInstanceWhenRekeyFails(t *testing.T) {
	cpu := newFakeCPU()
	repo := newFakeStandbyRepo()
	gpuProv := &destroyTrackingGPUProvider{}
	m := NewManager(Config{AutoStandbyEnabled: true, ShellReadyTimeout: time.Second}, cpu, gpuProv, nil, repo, nil, nil, nil, nil)

	cpuInst, err := cpu.CreateInstance(context.Background(), provider.CPUCreateSpec{})
	require.NoError(t, err)

	// Association was never stored under "gpu-missing", so Rekey fails.
	assoc := &model.StandbyAssociation{GPUInstanceID: "gpu-missing", CPUInstanceID: cpuInst.ID, State: model.AssocRecovering}
	newInst := &model.Instance{ID: "gpu-new-2", Status: model.InstanceRunning, Network: model.Network{ShellHost: "5.6.7.8"}}

	ok := m.finishRecovery(context.Background(), assoc, newInst, cpuInst)
	require.False(t, ok)
	assert.Contains(t, gpuProv.destroyed, "gpu-new-2")

	newAssoc, err := m.GetAssociation(context.Background(), "gpu-new-2")
	require.NoError(t, err)
	assert.Nil(t, newAssoc)
}

type destroyTrackingGPUProvider struct {
	fakeGPUProvider
	mu        sync.Mutex
	destroyed []string
}

func (g *destroyTrackingGPUProvider) Destroy(ctx context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.destroyed = append(g.destroyed, id)
	return true, nil
}

func TestGetActiveEndpoint_ReturnsCPUDuringFailover(t *testing.T) {
	cpu := newFakeCPU()
	repo := newFakeStandbyRepo()
	m := NewManager(Config{AutoStandbyEnabled: true, ShellReadyTimeout: time.Second, AutoRecovery: false}, cpu, fakeGPUProvider{}, nil, repo, nil, nil, nil, nil)

	gpu := &model.Instance{ID: "gpu-4", Network: model.Network{ShellHost: "1.2.3.4"}}
	m.OnGPUCreated(context.Background(), gpu)
	m.MarkGPUFailed(context.Background(), "gpu-4", "crash")

	endpoint, err := m.GetActiveEndpoint(context.Background(), "gpu-4")
	require.NoError(t, err)
	assert.Equal(t, "cpu-1", endpoint.ID)
}
