package serverless

import (
	"context"
	"time"

	"github.com/dumontcloud/control-plane/internal/errs"
	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/dumontcloud/control-plane/internal/provider"
	"github.com/dumontcloud/control-plane/internal/sshexec"
)

// FallbackResult is the outcome of one fallback strategy attempt.
type FallbackResult struct {
	Success       bool
	Strategy      string
	NewInstanceID string
}

// SnapshotSource is the narrow slice of the Snapshot Engine (C3) the
// snapshot fallback strategy needs: find the most recent snapshot for an
// instance and restore it onto a freshly created one.
type SnapshotSource interface {
	MostRecent(ctx context.Context, instanceID string) (snapshotID string, ok bool)
	Restore(ctx context.Context, target *sshexec.Target, snapshotID, targetPath string, verify bool) error
}

// DiskLocator resolves an instance's persistent disk id, used by the
// disk-migration strategy.
type DiskLocator interface {
	DiskIDFor(ctx context.Context, instanceID string) (string, bool)
}

// FallbackOrchestrator tries strategies in order, stopping at the first
// success (§4.7 "Fallback orchestrator"), grounded on fallback.py's
// FallbackOrchestrator.execute_fallback.
type FallbackOrchestrator struct {
	gpu            provider.GPUProvider
	snapshots      SnapshotSource
	disks          DiskLocator
	fallbackPriceCap float64
	locator        InstanceLocator
}

// NewFallbackOrchestrator constructs an orchestrator. snapshots or disks
// may be nil to disable that strategy entirely.
func NewFallbackOrchestrator(gpu provider.GPUProvider, snapshots SnapshotSource, disks DiskLocator, locator InstanceLocator, fallbackPriceCap float64) *FallbackOrchestrator {
	return &FallbackOrchestrator{gpu: gpu, snapshots: snapshots, disks: disks, fallbackPriceCap: fallbackPriceCap, locator: locator}
}

// Execute tries the snapshot strategy, then disk_migration, stopping at the
// first success.
func (f *FallbackOrchestrator) Execute(ctx context.Context, b *model.ServerlessBinding) (FallbackResult, error) {
	if f.snapshots != nil {
		if res, err := f.trySnapshot(ctx, b); err == nil && res.Success {
			return res, nil
		}
	}
	if f.disks != nil {
		if res, err := f.tryDiskMigration(ctx, b); err == nil && res.Success {
			return res, nil
		}
	}
	return FallbackResult{Success: false, Strategy: "all_failed"}, errs.New(errs.KindProviderFatal, "all fallback strategies failed")
}

func (f *FallbackOrchestrator) trySnapshot(ctx context.Context, b *model.ServerlessBinding) (FallbackResult, error) {
	snapshotID, ok := f.snapshots.MostRecent(ctx, b.InstanceID)
	if !ok {
		return FallbackResult{}, errs.New(errs.KindNotFound, "no snapshot available for fallback")
	}

	offer, ok := f.findComparableOffer(ctx)
	if !ok {
		return FallbackResult{}, errs.New(errs.KindOfferUnavailable, "no comparable offer within fallback price cap")
	}

	newInst, err := f.gpu.CreateInstance(ctx, offer.ID, provider.CreateSpec{})
	if err != nil {
		return FallbackResult{}, err
	}
	if !f.waitRunning(ctx, newInst.ID) {
		_, _ = f.gpu.Destroy(ctx, newInst.ID)
		return FallbackResult{}, errs.New(errs.KindProviderTransient, "replacement instance never became running")
	}

	if f.locator != nil {
		if target, lerr := f.locator.Locate(ctx, newInst.ID); lerr == nil {
			if err := f.snapshots.Restore(ctx, &target, snapshotID, "/workspace", true); err != nil {
				_, _ = f.gpu.Destroy(ctx, newInst.ID)
				return FallbackResult{}, err
			}
		}
	}

	return FallbackResult{Success: true, Strategy: "snapshot", NewInstanceID: newInst.ID}, nil
}

func (f *FallbackOrchestrator) tryDiskMigration(ctx context.Context, b *model.ServerlessBinding) (FallbackResult, error) {
	diskID, ok := f.disks.DiskIDFor(ctx, b.InstanceID)
	if !ok {
		return FallbackResult{}, errs.New(errs.KindNotFound, "no persistent disk for fallback")
	}

	offer, ok := f.findComparableOffer(ctx)
	if !ok {
		return FallbackResult{}, errs.New(errs.KindOfferUnavailable, "no comparable offer within fallback price cap")
	}

	newInst, err := f.gpu.CreateInstance(ctx, offer.ID, provider.CreateSpec{
		Env: map[string]string{"ATTACH_DISK_ID": diskID},
	})
	if err != nil {
		return FallbackResult{}, err
	}
	if !f.waitRunning(ctx, newInst.ID) {
		_, _ = f.gpu.Destroy(ctx, newInst.ID)
		return FallbackResult{}, errs.New(errs.KindProviderTransient, "replacement instance never became running")
	}

	return FallbackResult{Success: true, Strategy: "disk_migration", NewInstanceID: newInst.ID}, nil
}

func (f *FallbackOrchestrator) findComparableOffer(ctx context.Context) (model.Offer, bool) {
	offers, err := f.gpu.SearchOffers(ctx, provider.OfferFilter{MaxPrice: f.fallbackPriceCap})
	if err != nil || len(offers) == 0 {
		return model.Offer{}, false
	}
	return offers[0], true
}

func (f *FallbackOrchestrator) waitRunning(ctx context.Context, id string) bool {
	deadline := time.Now().Add(2 * time.Minute)
	for time.Now().Before(deadline) {
		inst, err := f.gpu.GetInstance(ctx, id)
		if err == nil && inst.Status == model.InstanceRunning {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(5 * time.Second):
		}
	}
	return false
}
