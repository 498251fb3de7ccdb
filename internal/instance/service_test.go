package instance

import (
	"context"
	"testing"
	"time"

	"github.com/dumontcloud/control-plane/internal/errs"
	"github.com/dumontcloud/control-plane/internal/history"
	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/dumontcloud/control-plane/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistRepo struct {
	attempts []*model.CreationAttempt
}

func (f *fakeHistRepo) RecordAttempt(ctx context.Context, a *model.CreationAttempt) error {
	f.attempts = append(f.attempts, a)
	return nil
}
func (f *fakeHistRepo) Stats(ctx context.Context, provider, machineID string) (int, int, error) {
	return 0, 0, nil
}
func (f *fakeHistRepo) UpsertBlacklistEntry(ctx context.Context, e *model.MachineBlacklistEntry) error {
	return nil
}
func (f *fakeHistRepo) GetBlacklistEntry(ctx context.Context, provider, machineID string) (*model.MachineBlacklistEntry, error) {
	return nil, nil
}
func (f *fakeHistRepo) RemoveBlacklistEntry(ctx context.Context, provider, machineID string) error {
	return nil
}
func (f *fakeHistRepo) ListBlacklistEntries(ctx context.Context, activeOnly bool) ([]*model.MachineBlacklistEntry, error) {
	return nil, nil
}
func (f *fakeHistRepo) BlacklistedSet(ctx context.Context, provider string, machineIDs []string, now time.Time) (map[string]bool, error) {
	return map[string]bool{}, nil
}

type fakeProvider struct {
	createErr   error
	balance     float64
	offers      []model.Offer
	createCalls int
}

func (f *fakeProvider) Name() string { return "gpu_market" }
func (f *fakeProvider) SearchOffers(ctx context.Context, filter provider.OfferFilter) ([]model.Offer, error) {
	return f.offers, nil
}
func (f *fakeProvider) CreateInstance(ctx context.Context, offerID string, spec provider.CreateSpec) (*model.Instance, error) {
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &model.Instance{ID: "inst-1", Provider: "gpu_market", Status: model.InstanceRunning}, nil
}
func (f *fakeProvider) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	return &model.Instance{ID: id}, nil
}
func (f *fakeProvider) ListInstances(ctx context.Context) ([]model.Instance, error) { return nil, nil }
func (f *fakeProvider) Destroy(ctx context.Context, id string) (bool, error)        { return true, nil }
func (f *fakeProvider) Pause(ctx context.Context, id string) (bool, error)          { return true, nil }
func (f *fakeProvider) Resume(ctx context.Context, id string) (bool, error)         { return true, nil }
func (f *fakeProvider) GetBalance(ctx context.Context) (float64, float64, error) {
	return f.balance, 0, nil
}

type fakeStandby struct {
	created  int
	destroyed int
	failed    int
}

func (f *fakeStandby) OnGPUCreated(ctx context.Context, gpuInstance *model.Instance)   { f.created++ }
func (f *fakeStandby) OnGPUDestroyed(ctx context.Context, id string, destroy bool)     { f.destroyed++ }
func (f *fakeStandby) MarkGPUFailed(ctx context.Context, id string, reason string)     { f.failed++ }

func TestValidateBeforeCreate_InsufficientBalance(t *testing.T) {
	p := &fakeProvider{balance: 0.01}
	svc := NewService(p, history.NewEngine(&fakeHistRepo{}, nil), nil, nil, nil)

	result := svc.ValidateBeforeCreate(context.Background(), model.Offer{ID: "o1", HourlyCost: 1.0})
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Errors)
}

func TestValidateBeforeCreate_OfferGone(t *testing.T) {
	p := &fakeProvider{balance: 100, offers: []model.Offer{{ID: "other"}}}
	svc := NewService(p, history.NewEngine(&fakeHistRepo{}, nil), nil, nil, nil)

	result := svc.ValidateBeforeCreate(context.Background(), model.Offer{ID: "o1", HourlyCost: 1.0})
	assert.False(t, result.Valid)
}

func TestCreateInstance_RecordsAttemptAndNotifiesStandby(t *testing.T) {
	p := &fakeProvider{balance: 100, offers: []model.Offer{{ID: "o1"}}}
	repo := &fakeHistRepo{}
	standby := &fakeStandby{}
	svc := NewService(p, history.NewEngine(repo, nil), nil, standby, nil)

	inst, err := svc.CreateInstance(context.Background(), model.Offer{ID: "o1", Provider: "gpu_market", MachineID: "m1", HourlyCost: 1.0}, CreateParams{SkipValidate: true})
	require.NoError(t, err)
	assert.Equal(t, "inst-1", inst.ID)
	require.Len(t, repo.attempts, 1)
	assert.True(t, repo.attempts[0].Success)

	// OnGPUCreated runs in a goroutine; give it a moment.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, standby.created)
}

func TestCreateInstance_FailureRecordsAttemptAndReturnsError(t *testing.T) {
	p := &fakeProvider{balance: 100, createErr: errs.New(errs.KindOfferUnavailable, "offer taken")}
	repo := &fakeHistRepo{}
	svc := NewService(p, history.NewEngine(repo, nil), nil, nil, nil)

	_, err := svc.CreateInstance(context.Background(), model.Offer{ID: "o1", Provider: "gpu_market", MachineID: "m1"}, CreateParams{SkipValidate: true})
	require.Error(t, err)
	require.Len(t, repo.attempts, 1)
	assert.False(t, repo.attempts[0].Success)
	assert.Equal(t, model.StageOfferTaken, repo.attempts[0].FailingStage)
}

func TestDestroyInstance_BranchesOnReason(t *testing.T) {
	p := &fakeProvider{}
	standby := &fakeStandby{}
	svc := NewService(p, history.NewEngine(&fakeHistRepo{}, nil), nil, standby, nil)

	require.NoError(t, svc.DestroyInstance(context.Background(), "inst-1", ReasonGPUFailure))
	assert.Equal(t, 1, standby.failed)

	require.NoError(t, svc.DestroyInstance(context.Background(), "inst-1", ReasonUserRequest))
	assert.Equal(t, 1, standby.destroyed)
}
