package serverless

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/dumontcloud/control-plane/internal/provider"
	"github.com/dumontcloud/control-plane/internal/sshexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	mu   sync.Mutex
	byID map[string]*model.ServerlessBinding
}

func newFakeRepo() *fakeRepo { return &fakeRepo{byID: make(map[string]*model.ServerlessBinding)} }

func (r *fakeRepo) Upsert(ctx context.Context, b *model.ServerlessBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *b
	r.byID[b.InstanceID] = &cp
	return nil
}
func (r *fakeRepo) Get(ctx context.Context, instanceID string) (*model.ServerlessBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[instanceID], nil
}
func (r *fakeRepo) List(ctx context.Context) ([]*model.ServerlessBinding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.ServerlessBinding, 0, len(r.byID))
	for _, b := range r.byID {
		out = append(out, b)
	}
	return out, nil
}
func (r *fakeRepo) Delete(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, instanceID)
	return nil
}
func (r *fakeRepo) InstancesToScaleDown(ctx context.Context, now time.Time) ([]*model.ServerlessBinding, error) {
	return r.List(ctx)
}
func (r *fakeRepo) InstancesToDestroy(ctx context.Context, now time.Time) ([]*model.ServerlessBinding, error) {
	return r.List(ctx)
}
func (r *fakeRepo) Rekey(ctx context.Context, oldInstanceID string, b *model.ServerlessBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[oldInstanceID]; !ok {
		return context.DeadlineExceeded
	}
	delete(r.byID, oldInstanceID)
	cp := *b
	r.byID[b.InstanceID] = &cp
	return nil
}

type fakeGPU struct {
	mu          sync.Mutex
	paused      []string
	resumed     []string
	destroyed   []string
	offers      []model.Offer
	resumeFails bool
	nextNewID   string
}

func (f *fakeGPU) Name() string { return "gpu_market" }
func (f *fakeGPU) SearchOffers(ctx context.Context, filter provider.OfferFilter) ([]model.Offer, error) {
	return f.offers, nil
}
func (f *fakeGPU) CreateInstance(ctx context.Context, offerID string, spec provider.CreateSpec) (*model.Instance, error) {
	id := f.nextNewID
	if id == "" {
		id = "new-1"
	}
	return &model.Instance{ID: id, Status: model.InstanceRunning}, nil
}
func (f *fakeGPU) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	return &model.Instance{ID: id, Status: model.InstanceRunning}, nil
}
func (f *fakeGPU) ListInstances(ctx context.Context) ([]model.Instance, error) { return nil, nil }
func (f *fakeGPU) Destroy(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
	return true, nil
}
func (f *fakeGPU) Pause(ctx context.Context, id string) (bool, error) {
	f.paused = append(f.paused, id)
	return true, nil
}
func (f *fakeGPU) Resume(ctx context.Context, id string) (bool, error) {
	f.resumed = append(f.resumed, id)
	if f.resumeFails {
		return false, nil
	}
	return true, nil
}
func (f *fakeGPU) GetBalance(ctx context.Context) (float64, float64, error) { return 0, 0, nil }

type fakeSnapshotSource struct {
	snapshotID string
}

func (s *fakeSnapshotSource) MostRecent(ctx context.Context, instanceID string) (string, bool) {
	if s.snapshotID == "" {
		return "", false
	}
	return s.snapshotID, true
}
func (s *fakeSnapshotSource) Restore(ctx context.Context, target *sshexec.Target, snapshotID, targetPath string, verify bool) error {
	return nil
}

func newScheduler(repo Repo, gpu provider.GPUProvider) *Scheduler {
	return NewScheduler(gpu, repo, nil, nil, nil, nil, nil, time.Second, time.Millisecond, time.Millisecond, time.Minute, 24)
}

func TestEnable_CreatesRunningBinding(t *testing.T) {
	repo := newFakeRepo()
	s := newScheduler(repo, &fakeGPU{})

	require.NoError(t, s.Enable(context.Background(), "i1", EnableParams{Mode: model.ModeEconomic, IdleTimeout: time.Minute}))

	b, err := s.GetStatus(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, model.BindingRunning, b.State)
}

func TestScaleDownTick_PausesIdleInstance(t *testing.T) {
	repo := newFakeRepo()
	gpu := &fakeGPU{}
	s := newScheduler(repo, gpu)

	require.NoError(t, s.Enable(context.Background(), "i2", EnableParams{Mode: model.ModeEconomic, IdleTimeout: time.Millisecond}))
	b, _ := repo.Get(context.Background(), "i2")
	b.LastRequest = time.Now().Add(-time.Hour)
	b.RunningSince = time.Now().Add(-time.Hour)
	require.NoError(t, repo.Upsert(context.Background(), b))

	s.scaleDownTick(context.Background())

	updated, _ := repo.Get(context.Background(), "i2")
	assert.Equal(t, model.BindingPaused, updated.State)
	assert.Contains(t, gpu.paused, "i2")
}

func TestScaleDownTick_SkipsKeepWarm(t *testing.T) {
	repo := newFakeRepo()
	gpu := &fakeGPU{}
	s := newScheduler(repo, gpu)

	require.NoError(t, s.Enable(context.Background(), "i3", EnableParams{Mode: model.ModeEconomic, IdleTimeout: time.Millisecond, KeepWarm: true}))
	b, _ := repo.Get(context.Background(), "i3")
	b.LastRequest = time.Now().Add(-time.Hour)
	b.RunningSince = time.Now().Add(-time.Hour)
	require.NoError(t, repo.Upsert(context.Background(), b))

	s.scaleDownTick(context.Background())

	updated, _ := repo.Get(context.Background(), "i3")
	assert.Equal(t, model.BindingRunning, updated.State)
}

func TestWake_ResumesPausedBinding(t *testing.T) {
	repo := newFakeRepo()
	gpu := &fakeGPU{}
	s := newScheduler(repo, gpu)

	require.NoError(t, s.Enable(context.Background(), "i4", EnableParams{Mode: model.ModeEconomic, IdleTimeout: time.Minute}))
	b, _ := repo.Get(context.Background(), "i4")
	now := time.Now().Add(-time.Minute)
	b.State = model.BindingPaused
	b.PausedAt = &now
	require.NoError(t, repo.Upsert(context.Background(), b))

	res, err := s.Wake(context.Background(), "i4", false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, gpu.resumed, "i4")

	updated, _ := repo.Get(context.Background(), "i4")
	assert.Equal(t, model.BindingRunning, updated.State)
}

func TestAutoDestroyTick_DestroysLongPaused(t *testing.T) {
	repo := newFakeRepo()
	gpu := &fakeGPU{}
	s := newScheduler(repo, gpu)

	require.NoError(t, s.Enable(context.Background(), "i5", EnableParams{Mode: model.ModeEconomic, IdleTimeout: time.Minute}))
	b, _ := repo.Get(context.Background(), "i5")
	past := time.Now().Add(-48 * time.Hour)
	b.State = model.BindingPaused
	b.PausedAt = &past
	require.NoError(t, repo.Upsert(context.Background(), b))

	s.autoDestroyTick(context.Background())

	assert.Contains(t, gpu.destroyed, "i5")
	updated, _ := repo.Get(context.Background(), "i5")
	assert.Equal(t, model.BindingDestroyed, updated.State)
}

// TestWake_FallbackRekeysBindingAndDestroysOldInstance exercises S2: a
// resume that fails triggers the fallback orchestrator, which snapshots the
// binding onto a freshly created instance. The binding must move to the new
// instance id (not duplicate under it) and the old instance must end up
// destroyed.
func TestWake_FallbackRekeysBindingAndDestroysOldInstance(t *testing.T) {
	repo := newFakeRepo()
	gpu := &fakeGPU{resumeFails: true, offers: []model.Offer{{ID: "offer-1"}}, nextNewID: "fallback-1"}
	snapshots := &fakeSnapshotSource{snapshotID: "snap-1"}
	fallback := NewFallbackOrchestrator(gpu, snapshots, nil, nil, 10)
	s := NewScheduler(gpu, repo, nil, nil, fallback, nil, nil, time.Second, time.Millisecond, time.Millisecond, time.Minute, 24)

	require.NoError(t, s.Enable(context.Background(), "i6", EnableParams{Mode: model.ModeEconomic, IdleTimeout: time.Minute}))
	b, _ := repo.Get(context.Background(), "i6")
	past := time.Now().Add(-time.Minute)
	b.State = model.BindingPaused
	b.PausedAt = &past
	require.NoError(t, repo.Upsert(context.Background(), b))

	res, err := s.Wake(context.Background(), "i6", false)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "snapshot", res.FellBackTo)
	assert.Equal(t, "fallback-1", res.NewInstanceID)

	old, err := repo.Get(context.Background(), "i6")
	require.NoError(t, err)
	assert.Nil(t, old, "old instance id must not remain associated with a binding after fallback")

	moved, err := repo.Get(context.Background(), "fallback-1")
	require.NoError(t, err)
	require.NotNil(t, moved)
	assert.Equal(t, model.BindingRunning, moved.State)
	assert.Equal(t, 1, moved.FallbackCount)

	assert.Contains(t, gpu.destroyed, "i6", "old instance must be destroyed after a successful fallback")
}

func TestWake_FallbackAllStrategiesFailed_MarksBindingFailed(t *testing.T) {
	repo := newFakeRepo()
	gpu := &fakeGPU{resumeFails: true}
	s := NewScheduler(gpu, repo, nil, nil, nil, nil, nil, time.Second, time.Millisecond, time.Millisecond, time.Minute, 24)

	require.NoError(t, s.Enable(context.Background(), "i7", EnableParams{Mode: model.ModeEconomic, IdleTimeout: time.Minute}))
	b, _ := repo.Get(context.Background(), "i7")
	past := time.Now().Add(-time.Minute)
	b.State = model.BindingPaused
	b.PausedAt = &past
	require.NoError(t, repo.Upsert(context.Background(), b))

	res, err := s.Wake(context.Background(), "i7", false)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "all_failed", res.FellBackTo)

	updated, _ := repo.Get(context.Background(), "i7")
	assert.Equal(t, model.BindingFailed, updated.State)
}
