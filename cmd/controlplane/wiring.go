package main

import (
	"context"
	"time"

	"github.com/dumontcloud/control-plane/internal/errs"
	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/dumontcloud/control-plane/internal/provider"
	"github.com/dumontcloud/control-plane/internal/repository"
	"github.com/dumontcloud/control-plane/internal/snapshot"
	"github.com/dumontcloud/control-plane/internal/sshexec"
	"golang.org/x/crypto/ssh"
)

// serverlessRepoAdapter narrows repository.ServerlessRepo's persistence
// surface (ListAll, InstancesToScaleDown(ctx)) to the serverless.Repo shape
// the scheduler actually calls (List, InstancesToScaleDown(ctx, now)). The
// two never matched name-for-name because the repository layer's SQL
// already filters on state/mode, so the scheduler's now argument has
// nothing left to do beyond carrying the call site's current time.
type serverlessRepoAdapter struct {
	repo repository.ServerlessRepo
}

func (a *serverlessRepoAdapter) Upsert(ctx context.Context, b *model.ServerlessBinding) error {
	return a.repo.Upsert(ctx, b)
}

func (a *serverlessRepoAdapter) Get(ctx context.Context, instanceID string) (*model.ServerlessBinding, error) {
	return a.repo.Get(ctx, instanceID)
}

func (a *serverlessRepoAdapter) List(ctx context.Context) ([]*model.ServerlessBinding, error) {
	return a.repo.ListAll(ctx)
}

func (a *serverlessRepoAdapter) Delete(ctx context.Context, instanceID string) error {
	return a.repo.Delete(ctx, instanceID)
}

func (a *serverlessRepoAdapter) InstancesToScaleDown(ctx context.Context, now time.Time) ([]*model.ServerlessBinding, error) {
	return a.repo.InstancesToScaleDown(ctx)
}

func (a *serverlessRepoAdapter) InstancesToDestroy(ctx context.Context, now time.Time) ([]*model.ServerlessBinding, error) {
	return a.repo.InstancesToDestroy(ctx, now)
}

func (a *serverlessRepoAdapter) Rekey(ctx context.Context, oldInstanceID string, b *model.ServerlessBinding) error {
	return a.repo.Rekey(ctx, oldInstanceID, b)
}

// gpuInstanceLocator resolves an instance id to its live SSH target by
// asking the GPU provider directly, satisfying both serverless.InstanceLocator
// and standby's internal notion of the same lookup.
type gpuInstanceLocator struct {
	gpu provider.GPUProvider
}

func (l *gpuInstanceLocator) Locate(ctx context.Context, instanceID string) (sshexec.Target, error) {
	inst, err := l.gpu.GetInstance(ctx, instanceID)
	if err != nil {
		return sshexec.Target{}, err
	}
	if inst.Network.ShellHost == "" {
		return sshexec.Target{}, errs.New(errs.KindServiceUnavailable, "instance has no shell host yet: "+instanceID)
	}
	return sshexec.Target{Host: inst.Network.ShellHost, Port: inst.Network.ShellPort, User: "root"}, nil
}

// diskLocatorAdapter exposes a serverless binding's persisted disk id
// (populated by C1's persistent-disk create path, §4.1 StableCloud) as a
// serverless.DiskLocator, so the fallback orchestrator's disk_migration
// strategy can attach it to a freshly created replacement instance.
type diskLocatorAdapter struct {
	repo repository.ServerlessRepo
}

func (d *diskLocatorAdapter) DiskIDFor(ctx context.Context, instanceID string) (string, bool) {
	b, err := d.repo.Get(ctx, instanceID)
	if err != nil || b == nil || b.DiskID == "" {
		return "", false
	}
	return b.DiskID, true
}

// snapshotSourceAdapter exposes the snapshot engine (§4.3) as a
// serverless.SnapshotSource: it locates the instance's current SSH target,
// lists its restic snapshots, and picks the most recent one tagged with the
// instance id (the tagging convention this project's snapshot callers use
// when backing up a serverless-eligible instance).
type snapshotSourceAdapter struct {
	engine  *snapshot.Engine
	locator *gpuInstanceLocator
}

func (s *snapshotSourceAdapter) MostRecent(ctx context.Context, instanceID string) (string, bool) {
	target, err := s.locator.Locate(ctx, instanceID)
	if err != nil {
		return "", false
	}
	snaps, err := s.engine.List(ctx, &target)
	if err != nil || len(snaps) == 0 {
		return "", false
	}
	var best *model.Snapshot
	for i := range snaps {
		snap := &snaps[i]
		tagged := false
		for _, tag := range snap.Tags {
			if tag == instanceID {
				tagged = true
				break
			}
		}
		if !tagged {
			continue
		}
		if best == nil || snap.Time.After(best.Time) {
			best = snap
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

func (s *snapshotSourceAdapter) Restore(ctx context.Context, target *sshexec.Target, snapshotID, targetPath string, verify bool) error {
	_, err := s.engine.Restore(ctx, *target, snapshotID, targetPath, verify)
	return err
}

// sshHealthChecker probes a GPU instance's liveness with a trivial remote
// command, the same signal the original's health-check loop used before
// declaring an instance failed (§4.6).
type sshHealthChecker struct {
	dialer  sshexec.Dialer
	signer  ssh.Signer
	timeout time.Duration
}

func (h *sshHealthChecker) Probe(ctx context.Context, inst *model.Instance) (bool, error) {
	if inst.Network.ShellHost == "" {
		return false, errs.New(errs.KindShellFailed, "instance has no shell host: "+inst.ID)
	}
	target := sshexec.Target{Host: inst.Network.ShellHost, Port: inst.Network.ShellPort, User: "root"}
	_, err := sshexec.Run(ctx, h.dialer, target, h.signer, "echo ok", h.timeout)
	if err != nil {
		return false, nil
	}
	return true, nil
}

// gpuInstanceSource enumerates currently running GPU instances as snapshot
// retention targets for the maintenance scheduler (A6).
type gpuInstanceSource struct {
	gpu provider.GPUProvider
}

func (s *gpuInstanceSource) ListActiveTargets(ctx context.Context) ([]sshexec.Target, error) {
	instances, err := s.gpu.ListInstances(ctx)
	if err != nil {
		return nil, err
	}
	var targets []sshexec.Target
	for _, inst := range instances {
		if inst.Status != model.InstanceRunning || inst.Network.ShellHost == "" {
			continue
		}
		targets = append(targets, sshexec.Target{Host: inst.Network.ShellHost, Port: inst.Network.ShellPort, User: "root"})
	}
	return targets, nil
}
