package serverless

import (
	"context"
	"time"

	"github.com/dumontcloud/control-plane/internal/checkpoint"
	"github.com/dumontcloud/control-plane/internal/events"
	"github.com/dumontcloud/control-plane/internal/model"
	"go.uber.org/zap"
)

// WakeResult is the outcome of Wake/scale-up, mirroring manager.py's wake()
// return dict.
type WakeResult struct {
	Success            bool
	CheckpointRestored bool
	FellBackTo         string // "" | "snapshot" | "disk_migration" | "all_failed"
	NewInstanceID      string
}

// Wake resumes a paused instance, optionally restoring a checkpoint, and
// falls back to the fallback orchestrator on resume failure (§4.7 "Scale-up
// on request"). It takes the per-instance lock itself; callers (like
// OnRequestStart) that already hold it should call wakeLocked instead.
func (s *Scheduler) Wake(ctx context.Context, instanceID string, useCheckpoint bool) (WakeResult, error) {
	release := s.locks.Lock(instanceID)
	defer release()
	return s.wakeLocked(ctx, instanceID, useCheckpoint)
}

func (s *Scheduler) wakeLocked(ctx context.Context, instanceID string, useCheckpoint bool) (WakeResult, error) {
	b, err := s.repo.Get(ctx, instanceID)
	if err != nil || b == nil {
		return WakeResult{}, err
	}
	if b.State != model.BindingPaused {
		return WakeResult{Success: true}, nil
	}

	b.State = model.BindingWaking
	_ = s.repo.Upsert(ctx, b)

	ok, err := s.gpu.Resume(ctx, instanceID)
	resumed := ok && err == nil
	if resumed {
		resumed = s.waitSSH(ctx, instanceID)
	}

	if !resumed {
		if s.logger != nil {
			s.logger.Warn("resume failed, invoking fallback orchestrator", zap.String("instance_id", instanceID), zap.Error(err))
		}
		if s.bus != nil {
			s.bus.Publish(ctx, events.New(events.TypeResumeFailed, instanceID, nil))
		}
		return s.runFallback(ctx, b)
	}

	restored := false
	if useCheckpoint && b.Mode == model.ModeFast && b.LastCheckpointID != "" && s.checkpoint != nil && s.locator != nil {
		if target, lerr := s.locator.Locate(ctx, instanceID); lerr == nil {
			installedMajor, derr := s.checkpoint.DetectDriverMajor(ctx, target)
			if derr != nil {
				if s.logger != nil {
					s.logger.Warn("driver version detection failed before restore, skipping checkpoint restore", zap.String("instance_id", instanceID), zap.Error(derr))
				}
			} else if cerr := checkpoint.CheckDriverCompatible(b.LastCheckpointDriverMajor, installedMajor); cerr != nil {
				if s.logger != nil {
					s.logger.Warn("checkpoint driver version mismatch, skipping checkpoint restore", zap.String("instance_id", instanceID), zap.Error(cerr))
				}
			} else {
				restored = s.checkpoint.Restore(ctx, target, b.LastCheckpointID) == nil
			}
		}
	}

	pausedSeconds := 0.0
	if b.PausedAt != nil {
		pausedSeconds = time.Since(*b.PausedAt).Seconds()
	}
	b.TotalPausedSeconds += pausedSeconds
	// total_savings credited at (gpu_rate − idle_rate) × paused_seconds;
	// both rates are external pricing inputs this scheduler doesn't own,
	// so the caller (Instance Service) supplies them via CreditSavings.
	b.State = model.BindingRunning
	b.PausedAt = nil
	b.ScaleUpCount++
	b.RunningSince = time.Now().UTC()
	_ = s.repo.Upsert(ctx, b)

	if s.bus != nil {
		s.bus.Publish(ctx, events.New(events.TypeScaleUp, instanceID, map[string]any{"checkpoint_restored": restored}))
	}

	return WakeResult{Success: true, CheckpointRestored: restored}, nil
}

// CreditSavings adds (gpuRate-idleRate)*pausedSeconds to the binding's
// running total, called by the Instance Service which owns pricing.
func (s *Scheduler) CreditSavings(ctx context.Context, instanceID string, gpuRate, idleRate, pausedSeconds float64) error {
	b, err := s.repo.Get(ctx, instanceID)
	if err != nil || b == nil {
		return err
	}
	b.TotalSavings += (gpuRate - idleRate) * pausedSeconds
	return s.repo.Upsert(ctx, b)
}

func (s *Scheduler) waitSSH(ctx context.Context, instanceID string) bool {
	if s.locator == nil {
		return true
	}
	deadline := time.Now().Add(s.cfg.SSHVerifyTimeout)
	for time.Now().Before(deadline) {
		if _, err := s.locator.Locate(ctx, instanceID); err == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(2 * time.Second):
		}
	}
	return false
}

func (s *Scheduler) runFallback(ctx context.Context, b *model.ServerlessBinding) (WakeResult, error) {
	if s.fallback == nil {
		b.State = model.BindingFailed
		_ = s.repo.Upsert(ctx, b)
		return WakeResult{Success: false, FellBackTo: "all_failed"}, nil
	}

	res, err := s.fallback.Execute(ctx, b)
	if err != nil || !res.Success {
		b.State = model.BindingFailed
		_ = s.repo.Upsert(ctx, b)
		return WakeResult{Success: false, FellBackTo: "all_failed"}, err
	}

	oldInstanceID := b.InstanceID
	b.FallbackCount++
	b.State = model.BindingRunning
	b.InstanceID = res.NewInstanceID
	b.RunningSince = time.Now().UTC()
	if err := s.repo.Rekey(ctx, oldInstanceID, b); err != nil {
		if s.logger != nil {
			s.logger.Error("failed to rekey serverless binding after fallback", zap.String("old_instance_id", oldInstanceID), zap.String("new_instance_id", res.NewInstanceID), zap.Error(err))
		}
		_, _ = s.gpu.Destroy(ctx, res.NewInstanceID)
		return WakeResult{Success: false, FellBackTo: "all_failed"}, err
	}

	// The fallback instance took over; the old one (still paused/unreachable
	// after the failed resume) is no longer referenced by any binding and
	// must be destroyed (§4.7 "old instance marked destroyed").
	if _, err := s.gpu.Destroy(ctx, oldInstanceID); err != nil && s.logger != nil {
		s.logger.Warn("failed to destroy old instance after fallback", zap.String("instance_id", oldInstanceID), zap.Error(err))
	}

	eventType := events.TypeFallbackSnapshot
	if res.Strategy == "disk_migration" {
		eventType = events.TypeFallbackDisk
	}
	if s.bus != nil {
		s.bus.Publish(ctx, events.New(eventType, res.NewInstanceID, map[string]any{"strategy": res.Strategy}))
	}

	return WakeResult{Success: true, FellBackTo: res.Strategy, NewInstanceID: res.NewInstanceID}, nil
}
