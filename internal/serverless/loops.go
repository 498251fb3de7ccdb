package serverless

import (
	"context"
	"time"

	"github.com/dumontcloud/control-plane/internal/events"
	"github.com/dumontcloud/control-plane/internal/model"
	"go.uber.org/zap"
)

// Start launches the scale-down and auto-destroy loops. It is meant to be
// called once at process startup; Stop cancels both.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.scaleDownLoop(ctx)
	go s.autoDestroyLoop(ctx)
}

// Stop cancels both background loops.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// scaleDownLoop ticks every CheckInterval, evaluating the idle predicate
// for each running binding (§4.7 "Scale-down loop").
func (s *Scheduler) scaleDownLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scaleDownTick(ctx)
		}
	}
}

func (s *Scheduler) scaleDownTick(ctx context.Context) {
	bindings, err := s.repo.InstancesToScaleDown(ctx, time.Now().UTC())
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("scale-down query failed", zap.Error(err))
		}
		return
	}
	for _, b := range bindings {
		if b.KeepWarm {
			continue
		}
		if time.Since(b.RunningSince) < s.cfg.MinRuntime {
			continue
		}
		if !s.isIdle(b) {
			continue
		}
		s.scaleDown(ctx, b)
	}
}

// isIdle implements the idle predicate: either time-since-last-request
// exceeds IdleTimeout, or observed utilization has been below GPUThreshold
// continuously since idle_since for IdleTimeout (§4.7).
func (s *Scheduler) isIdle(b *model.ServerlessBinding) bool {
	if time.Since(b.LastRequest) > b.IdleTimeout {
		return true
	}
	s.mu.Lock()
	rt, ok := s.bindings[b.InstanceID]
	s.mu.Unlock()
	if !ok || rt.idleSince == nil {
		return false
	}
	return time.Since(*rt.idleSince) >= b.IdleTimeout
}

// scaleDown performs the three-step scale-down procedure: optional
// checkpoint, provider pause, event.
func (s *Scheduler) scaleDown(ctx context.Context, b *model.ServerlessBinding) {
	release, ok := s.locks.TryLock(b.InstanceID)
	if !ok {
		return
	}
	defer release()

	checkpointTaken := false
	if b.Mode == model.ModeFast && b.CheckpointEnabled && s.checkpoint != nil && s.locator != nil {
		if target, err := s.locator.Locate(ctx, b.InstanceID); err == nil {
			driverMajor, derr := s.checkpoint.DetectDriverMajor(ctx, target)
			if derr != nil && s.logger != nil {
				s.logger.Warn("driver version detection failed before checkpoint", zap.String("instance_id", b.InstanceID), zap.Error(derr))
			}
			if ckpt, err := s.checkpoint.Create(ctx, target, b.InstanceID, "", driverMajor); err == nil {
				b.LastCheckpointID = ckpt.ID
				b.LastCheckpointDriverMajor = ckpt.DriverMajor
				checkpointTaken = true
			}
		}
		// Proceed to pause regardless of whether the checkpoint succeeded
		// (§4.7: "proceed whether it succeeds or not").
	}

	if _, err := s.gpu.Pause(ctx, b.InstanceID); err != nil {
		if s.logger != nil {
			s.logger.Warn("scale-down pause failed", zap.String("instance_id", b.InstanceID), zap.Error(err))
		}
		return
	}

	now := time.Now().UTC()
	b.State = model.BindingPaused
	b.PausedAt = &now
	b.ScaleDownCount++
	b.TotalRuntimeSeconds += time.Since(b.RunningSince).Seconds()
	_ = s.repo.Upsert(ctx, b)

	if s.bus != nil {
		s.bus.Publish(ctx, events.New(events.TypeScaleDown, b.InstanceID, map[string]any{
			"checkpoint_taken": checkpointTaken,
		}))
	}
}

// autoDestroyLoop ticks every AutoDestroyInterval, destroying bindings
// that have been paused past DestroyAfterHoursPaused (§4.7 "Auto-destroy
// loop").
func (s *Scheduler) autoDestroyLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.AutoDestroyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.autoDestroyTick(ctx)
		}
	}
}

func (s *Scheduler) autoDestroyTick(ctx context.Context) {
	bindings, err := s.repo.InstancesToDestroy(ctx, time.Now().UTC())
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("auto-destroy query failed", zap.Error(err))
		}
		return
	}
	cutoff := time.Duration(s.cfg.DestroyAfterHoursPaused * float64(time.Hour))
	for _, b := range bindings {
		if b.PausedAt == nil || time.Since(*b.PausedAt) < cutoff {
			continue
		}
		if _, err := s.gpu.Destroy(ctx, b.InstanceID); err != nil {
			if s.logger != nil {
				s.logger.Warn("auto-destroy failed", zap.String("instance_id", b.InstanceID), zap.Error(err))
			}
			continue
		}
		b.State = model.BindingDestroyed
		_ = s.repo.Upsert(ctx, b)
		if s.bus != nil {
			s.bus.Publish(ctx, events.New(events.TypeAutoDestroy, b.InstanceID, nil))
		}
	}
}
