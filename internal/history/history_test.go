package history

import (
	"context"
	"testing"
	"time"

	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	attempts   []*model.CreationAttempt
	blacklist  map[string]*model.MachineBlacklistEntry
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{blacklist: make(map[string]*model.MachineBlacklistEntry)}
}

func key(provider, machineID string) string { return provider + "/" + machineID }

func (f *fakeRepo) RecordAttempt(ctx context.Context, a *model.CreationAttempt) error {
	f.attempts = append(f.attempts, a)
	return nil
}

func (f *fakeRepo) Stats(ctx context.Context, provider, machineID string) (int, int, error) {
	total, failed := 0, 0
	for _, a := range f.attempts {
		if a.Provider == provider && a.MachineID == machineID {
			total++
			if !a.Success {
				failed++
			}
		}
	}
	return total, failed, nil
}

func (f *fakeRepo) UpsertBlacklistEntry(ctx context.Context, e *model.MachineBlacklistEntry) error {
	f.blacklist[key(e.Provider, e.MachineID)] = e
	return nil
}

func (f *fakeRepo) GetBlacklistEntry(ctx context.Context, provider, machineID string) (*model.MachineBlacklistEntry, error) {
	return f.blacklist[key(provider, machineID)], nil
}

func (f *fakeRepo) RemoveBlacklistEntry(ctx context.Context, provider, machineID string) error {
	if e, ok := f.blacklist[key(provider, machineID)]; ok {
		e.Active = false
	}
	return nil
}

func (f *fakeRepo) ListBlacklistEntries(ctx context.Context, activeOnly bool) ([]*model.MachineBlacklistEntry, error) {
	var out []*model.MachineBlacklistEntry
	for _, e := range f.blacklist {
		if activeOnly && !e.Active {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeRepo) BlacklistedSet(ctx context.Context, provider string, machineIDs []string, now time.Time) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, id := range machineIDs {
		if e, ok := f.blacklist[key(provider, id)]; ok && e.EffectivelyBlacklisted(now) {
			out[id] = true
		}
	}
	return out, nil
}

func TestRecordAttempt_AutoBlacklistsAfterThresholdFailures(t *testing.T) {
	repo := newFakeRepo()
	e := NewEngine(repo, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := e.RecordAttempt(ctx, &model.CreationAttempt{
			Provider: "gpu_market", MachineID: "m1", Success: false, FailureReason: "ssh_timeout",
		})
		require.NoError(t, err)
	}

	blacklisted, err := e.IsBlacklisted(ctx, "gpu_market", "m1")
	require.NoError(t, err)
	assert.True(t, blacklisted)
}

func TestRecordAttempt_BelowThreshold_NotBlacklisted(t *testing.T) {
	repo := newFakeRepo()
	e := NewEngine(repo, nil)
	ctx := context.Background()

	require.NoError(t, e.RecordAttempt(ctx, &model.CreationAttempt{Provider: "gpu_market", MachineID: "m2", Success: false}))
	require.NoError(t, e.RecordAttempt(ctx, &model.CreationAttempt{Provider: "gpu_market", MachineID: "m2", Success: true}))

	blacklisted, err := e.IsBlacklisted(ctx, "gpu_market", "m2")
	require.NoError(t, err)
	assert.False(t, blacklisted)
}

func TestAddManual_RequiresReason(t *testing.T) {
	e := NewEngine(newFakeRepo(), nil)
	err := e.AddManual(context.Background(), "gpu_market", "m3", "")
	assert.Error(t, err)
}

func TestAnnotateOffers_ReliabilityBands(t *testing.T) {
	repo := newFakeRepo()
	e := NewEngine(repo, nil)
	ctx := context.Background()

	// m-excellent: 19/20 succeed -> 0.95 -> excellent
	for i := 0; i < 19; i++ {
		require.NoError(t, e.RecordAttempt(ctx, &model.CreationAttempt{Provider: "gpu_market", MachineID: "m-excellent", Success: true}))
	}
	require.NoError(t, e.RecordAttempt(ctx, &model.CreationAttempt{Provider: "gpu_market", MachineID: "m-excellent", Success: false, FailureReason: "x"}))

	// m-unknown: zero attempts
	offers := []model.Offer{
		{Provider: "gpu_market", MachineID: "m-excellent"},
		{Provider: "gpu_market", MachineID: "m-unknown"},
	}
	require.NoError(t, e.AnnotateOffers(ctx, offers))

	assert.Equal(t, model.ReliabilityExcellent, offers[0].ReliabilityStatus)
	assert.InDelta(t, 0.95, offers[0].SuccessRate, 0.001)
	assert.Equal(t, model.ReliabilityUnknown, offers[1].ReliabilityStatus)
}

func TestAnnotateOffers_MarksBlacklistedMachines(t *testing.T) {
	repo := newFakeRepo()
	e := NewEngine(repo, nil)
	ctx := context.Background()

	require.NoError(t, e.AddManual(ctx, "gpu_market", "m-bad", "known fraudulent host"))

	offers := []model.Offer{{Provider: "gpu_market", MachineID: "m-bad"}}
	require.NoError(t, e.AnnotateOffers(ctx, offers))
	assert.True(t, offers[0].IsBlacklisted)
}

func TestRemove_ReinstatesOffer(t *testing.T) {
	repo := newFakeRepo()
	e := NewEngine(repo, nil)
	ctx := context.Background()

	require.NoError(t, e.AddManual(ctx, "gpu_market", "m-bad", "temp issue"))
	require.NoError(t, e.Remove(ctx, "gpu_market", "m-bad"))

	blacklisted, err := e.IsBlacklisted(ctx, "gpu_market", "m-bad")
	require.NoError(t, err)
	assert.False(t, blacklisted)
}
