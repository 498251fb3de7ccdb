package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlacklist struct {
	entries []*model.MachineBlacklistEntry
	removed []string
}

func (f *fakeBlacklist) List(ctx context.Context, activeOnly bool) ([]*model.MachineBlacklistEntry, error) {
	return f.entries, nil
}

func (f *fakeBlacklist) Remove(ctx context.Context, provider, machineID string) error {
	f.removed = append(f.removed, provider+"/"+machineID)
	return nil
}

func TestSweepBlacklist_RemovesOnlyExpiredEntries(t *testing.T) {
	expired := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	bl := &fakeBlacklist{entries: []*model.MachineBlacklistEntry{
		{Provider: "gpu_market", MachineID: "m1", ExpiresAt: &expired, Active: true},
		{Provider: "gpu_market", MachineID: "m2", ExpiresAt: &future, Active: true},
		{Provider: "gpu_market", MachineID: "m3", ExpiresAt: nil, Active: true},
	}}

	s := NewScheduler(Config{}, bl, nil, nil, nil)
	s.sweepBlacklist(context.Background())

	require.Len(t, bl.removed, 1)
	assert.Equal(t, "gpu_market/m1", bl.removed[0])
}

func TestConfig_SetDefaults(t *testing.T) {
	cfg := Config{}
	cfg.setDefaults()
	assert.Equal(t, DefaultBlacklistSweepSchedule, cfg.BlacklistSweepSchedule)
	assert.Equal(t, DefaultSnapshotRetentionSchedule, cfg.SnapshotRetentionSchedule)
	assert.Equal(t, DefaultSnapshotKeepLast, cfg.SnapshotKeepLast)
}
