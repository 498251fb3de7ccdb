package metrics

import (
	"context"

	"github.com/dumontcloud/control-plane/internal/events"
)

// Subscribe wires the event bus's published events into the Prometheus
// counters above, so every component emits metrics purely by publishing
// the structured events it already publishes for §9 observability — no
// component needs to import this package directly.
func Subscribe(bus *events.Bus) {
	bus.Subscribe(events.TypeSyncOK, func(ctx context.Context, e events.Event) error {
		bytesMoved, _ := e.Detail["bytes"].(int64)
		RecordSyncRound(true, bytesMoved)
		return nil
	})
	bus.Subscribe(events.TypeSyncFail, func(ctx context.Context, e events.Event) error {
		RecordSyncRound(false, 0)
		return nil
	})
	bus.Subscribe(events.TypeFailoverTriggered, func(ctx context.Context, e events.Event) error {
		RecordFailover()
		return nil
	})
	bus.Subscribe(events.TypeResumeOK, func(ctx context.Context, e events.Event) error {
		RecordRecoveryAttempt("success")
		return nil
	})
	bus.Subscribe(events.TypeScaleDown, func(ctx context.Context, e events.Event) error {
		RecordScaleDown()
		return nil
	})
	bus.Subscribe(events.TypeScaleUp, func(ctx context.Context, e events.Event) error {
		RecordScaleUp()
		return nil
	})
}
