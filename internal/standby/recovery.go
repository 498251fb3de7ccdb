package standby

import (
	"context"
	"time"

	"github.com/dumontcloud/control-plane/internal/errs"
	"github.com/dumontcloud/control-plane/internal/events"
	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/dumontcloud/control-plane/internal/provider"
	syncloop "github.com/dumontcloud/control-plane/internal/sync"
	"go.uber.org/zap"
)

// BlacklistChecker is the narrow slice of the Machine-History/Blacklist
// Engine (C2) the recovery loop pre-validates candidate offers against.
type BlacklistChecker interface {
	IsBlacklisted(ctx context.Context, provider, machineID string) (bool, error)
}

// History, when set, gates recovery candidate offers through C2 before an
// attempt is made (§4.6 recovery step 2: "Pre-validate via C2").
func (m *Manager) SetHistory(h BlacklistChecker) { m.historyCheck = h }

// startRecoveryLocked launches the bounded recovery loop for gpuInstanceID.
// Called with m.locks held for gpuInstanceID.
func (m *Manager) startRecoveryLocked(gpuInstanceID string) {
	m.mu.Lock()
	if _, ok := m.recov[gpuInstanceID]; ok {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.recov[gpuInstanceID] = cancel
	m.mu.Unlock()

	go m.runRecoveryLoop(ctx, gpuInstanceID)
}

func (m *Manager) stopRecoveryLocked(gpuInstanceID string) {
	m.mu.Lock()
	cancel, ok := m.recov[gpuInstanceID]
	delete(m.recov, gpuInstanceID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// runRecoveryLoop implements §4.6's bounded recovery loop: up to
// RecoveryAttempts tries, 30s spacing on failure. On permanent failure the
// association stays failover_active and the CPU remains the sole endpoint.
func (m *Manager) runRecoveryLoop(ctx context.Context, gpuInstanceID string) {
	defer func() {
		m.mu.Lock()
		delete(m.recov, gpuInstanceID)
		m.mu.Unlock()
	}()

	for attempt := 1; attempt <= m.cfg.RecoveryAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ok := m.attemptRecovery(ctx, gpuInstanceID)
		if ok {
			return
		}
		if m.logger != nil {
			m.logger.Warn("standby recovery attempt failed", zap.String("gpu_instance_id", gpuInstanceID), zap.Int("attempt", attempt))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.RecoveryBackoff):
		}
	}
	// Permanent failure: leave state as failover_active, CPU stays the
	// sole endpoint until an operator intervenes.
}

func (m *Manager) attemptRecovery(ctx context.Context, gpuInstanceID string) bool {
	assoc, err := m.repo.Get(ctx, gpuInstanceID)
	if err != nil || assoc == nil {
		return false
	}
	assoc.State = model.AssocRecovering
	_ = m.repo.Upsert(ctx, assoc)

	offer, ok := m.findRecoveryOffer(ctx)
	if !ok {
		return false
	}

	newInst, err := m.gpu.CreateInstance(ctx, offer.ID, provider.CreateSpec{})
	if err != nil {
		return false
	}

	if err := m.waitGPURunning(ctx, newInst.ID); err != nil {
		_, _ = m.gpu.Destroy(ctx, newInst.ID)
		return false
	}

	cpuInst, err := m.cpu.Get(ctx, assoc.CPUInstanceID)
	if err != nil {
		_, _ = m.gpu.Destroy(ctx, newInst.ID)
		return false
	}

	relay := syncloop.NewLoop(
		gpuInstanceID,
		syncloop.Endpoint{Target: sshTargetOf(cpuInst), SourcePath: "/workspace"},
		syncloop.Endpoint{Target: sshTargetOf(newInst), SourcePath: "/workspace"},
		syncloop.Relay{Target: sshTargetOf(cpuInst), Path: "/var/lib/dumont/relay/" + gpuInstanceID},
		m.cfg.SyncInterval,
		m.signer,
		nil,
		nil,
		nil,
		m.logger,
	)
	if err := relay.RunOnce(ctx); err != nil {
		_, _ = m.gpu.Destroy(ctx, newInst.ID)
		return false
	}

	return m.finishRecovery(ctx, assoc, newInst, cpuInst)
}

// finishRecovery rekeys the standby association from its old (failed) GPU
// instance id onto newInst's id and restarts the sync/health-check loops
// under the new id. gpu_instance_id is the Upsert conflict key (§3,
// internal/repository/standby_repo.go), so this must move the existing row
// rather than Upsert a second one under the new key — Rekey does that in
// one statement instead of mutating assoc.GPUInstanceID before an Upsert,
// which would orphan the original row under its old key forever.
func (m *Manager) finishRecovery(ctx context.Context, assoc *model.StandbyAssociation, newInst, cpuInst *model.Instance) bool {
	oldGPUInstanceID := assoc.GPUInstanceID
	assoc.GPUInstanceID = newInst.ID
	assoc.GPUFailed = false
	assoc.FailedHealthChecks = 0
	assoc.State = model.AssocSyncing
	assoc.UpdatedAt = time.Now().UTC()
	if err := m.repo.Rekey(ctx, oldGPUInstanceID, assoc); err != nil {
		if m.logger != nil {
			m.logger.Error("failed to rekey standby association after recovery", zap.String("old_gpu_instance_id", oldGPUInstanceID), zap.String("new_gpu_instance_id", newInst.ID), zap.Error(err))
		}
		_, _ = m.gpu.Destroy(ctx, newInst.ID)
		return false
	}

	release := m.locks.Lock(newInst.ID)
	m.startSyncLocked(newInst, cpuInst)
	m.startHealthCheckLocked(newInst.ID)
	release()

	if m.bus != nil {
		m.bus.Publish(ctx, events.New(events.TypeResumeOK, newInst.ID, map[string]any{"previous_gpu_instance_id": oldGPUInstanceID}))
	}
	return true
}

// findRecoveryOffer searches for a candidate GPU offer using the
// configured filters, preferring earlier entries in RecoveryRegions, and
// pre-validates via the blacklist checker (§4.6 recovery steps 1-2).
func (m *Manager) findRecoveryOffer(ctx context.Context) (model.Offer, bool) {
	regions := m.cfg.RecoveryRegions
	if len(regions) == 0 {
		regions = []string{""}
	}
	for _, region := range regions {
		offers, err := m.gpu.SearchOffers(ctx, provider.OfferFilter{
			MinVRAMGB: m.cfg.RecoveryMinVRAMGB,
			MaxPrice:  m.cfg.RecoveryMaxPrice,
			Region:    region,
		})
		if err != nil {
			continue
		}
		for _, o := range offers {
			if m.historyCheck != nil {
				blacklisted, err := m.historyCheck.IsBlacklisted(ctx, o.Provider, o.MachineID)
				if err != nil || blacklisted {
					continue
				}
			}
			return o, true
		}
	}
	return model.Offer{}, false
}

func (m *Manager) waitGPURunning(ctx context.Context, id string) error {
	deadline := time.Now().Add(5 * time.Minute)
	for time.Now().Before(deadline) {
		inst, err := m.gpu.GetInstance(ctx, id)
		if err == nil && inst.Status == model.InstanceRunning && inst.Network.ShellHost != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	return errs.New(errs.KindProviderTransient, "recovered GPU did not become running with shell in time")
}
