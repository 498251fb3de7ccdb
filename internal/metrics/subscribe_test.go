package metrics

import (
	"context"
	"testing"

	"github.com/dumontcloud/control-plane/internal/events"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSubscribe_ScaleDownIncrementsCounter(t *testing.T) {
	bus := events.NewBus(nil)
	Subscribe(bus)

	before := testutil.ToFloat64(ScaleDownTotal)
	err := bus.PublishAndWait(context.Background(), events.New(events.TypeScaleDown, "i1", nil))
	assert.NoError(t, err)
	after := testutil.ToFloat64(ScaleDownTotal)

	assert.Equal(t, before+1, after)
}

func TestSubscribe_FailoverIncrementsCounter(t *testing.T) {
	bus := events.NewBus(nil)
	Subscribe(bus)

	before := testutil.ToFloat64(FailoversTotal)
	err := bus.PublishAndWait(context.Background(), events.New(events.TypeFailoverTriggered, "g1", map[string]any{"reason": "unreachable"}))
	assert.NoError(t, err)
	after := testutil.ToFloat64(FailoversTotal)

	assert.Equal(t, before+1, after)
}
