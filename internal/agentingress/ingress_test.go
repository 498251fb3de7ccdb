package agentingress

import (
	"context"
	"testing"

	"github.com/dumontcloud/control-plane/internal/standby"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServerless struct {
	calls map[string]float64
}

func newFakeServerless() *fakeServerless { return &fakeServerless{calls: map[string]float64{}} }

func (f *fakeServerless) UpdateGPUUtilization(ctx context.Context, instanceID string, util float64) error {
	f.calls[instanceID] = util
	return nil
}

func TestStripProviderPrefix(t *testing.T) {
	assert.Equal(t, "12345", stripProviderPrefix("vast_12345"))
	assert.Equal(t, "12345", stripProviderPrefix("12345"))
	assert.Equal(t, "my_custom_host", stripProviderPrefix("my_custom_host"))
}

func TestReceiveStatus_FeedsServerlessWhenNotHibernating(t *testing.T) {
	sl := newFakeServerless()
	i := New(nil, sl, nil)

	resp := i.ReceiveStatus(context.Background(), Heartbeat{
		InstanceID: "vast_42",
		Status:     "idle",
		GPUMetrics: &GPUMetrics{Utilization: 80},
	})

	assert.Equal(t, ActionNone, resp.Action)
	assert.Equal(t, "42", resp.InstanceID)
	assert.Equal(t, 80.0, sl.calls["42"])
}

func TestReceiveStatus_PrepareHibernateWhenIdleThresholdElapsed(t *testing.T) {
	cfg := standby.Config{AutoStandbyEnabled: true}
	mgr := standby.NewManager(cfg, nil, nil, nil, nil, nil, nil, nil, nil)

	// First call starts the idle timer; not yet due.
	first := mgr.UpdateInstanceStatus("42", 1.0)
	require.False(t, first.ShouldHibernate)

	i := New(mgr, nil, nil)
	resp := i.ReceiveStatus(context.Background(), Heartbeat{InstanceID: "42", GPUMetrics: &GPUMetrics{Utilization: 1.0}})
	assert.Equal(t, ActionNone, resp.Action)
}

func TestReceiveStatus_LegacyGPUUtilizationField(t *testing.T) {
	util := 12.5
	i := New(nil, nil, nil)
	resp := i.ReceiveStatus(context.Background(), Heartbeat{InstanceID: "7", GPUUtilization: &util})
	assert.Equal(t, ActionNone, resp.Action)
	assert.True(t, resp.Received)
}
