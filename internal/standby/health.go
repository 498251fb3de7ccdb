package standby

import (
	"context"
	"time"

	"github.com/dumontcloud/control-plane/internal/model"
	"go.uber.org/zap"
)

// startHealthCheckLocked launches a per-association probe loop. Called with
// m.locks held for gpuInstanceID.
func (m *Manager) startHealthCheckLocked(gpuInstanceID string) {
	if m.health == nil {
		return
	}
	m.mu.Lock()
	if _, ok := m.health0[gpuInstanceID]; ok {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.health0[gpuInstanceID] = cancel
	m.mu.Unlock()

	go m.runHealthCheckLoop(ctx, gpuInstanceID)
}

func (m *Manager) stopHealthCheckLocked(gpuInstanceID string) {
	m.mu.Lock()
	cancel, ok := m.health0[gpuInstanceID]
	delete(m.health0, gpuInstanceID)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// runHealthCheckLoop polls the GPU's liveness every HealthCheckInterval;
// failed probes increment the association's FailedHealthChecks and trigger
// failover once FailoverThreshold consecutive failures are observed
// (§4.6, §5: "health-check per association").
func (m *Manager) runHealthCheckLoop(ctx context.Context, gpuInstanceID string) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx, gpuInstanceID)
		}
	}
}

func (m *Manager) probeOnce(ctx context.Context, gpuInstanceID string) {
	inst, err := m.gpu.GetInstance(ctx, gpuInstanceID)
	healthy := err == nil
	if healthy {
		healthy, err = m.health.Probe(ctx, inst)
	}

	if m.repo == nil {
		return
	}
	assoc, gerr := m.repo.Get(ctx, gpuInstanceID)
	if gerr != nil || assoc == nil {
		return
	}

	if healthy {
		assoc.FailedHealthChecks = 0
		assoc.UpdatedAt = time.Now().UTC()
		_ = m.repo.Upsert(ctx, assoc)
		return
	}

	assoc.FailedHealthChecks++
	assoc.UpdatedAt = time.Now().UTC()
	_ = m.repo.Upsert(ctx, assoc)

	if m.logger != nil {
		m.logger.Warn("standby health check failed",
			zap.String("gpu_instance_id", gpuInstanceID),
			zap.Int("consecutive", assoc.FailedHealthChecks),
			zap.Error(err),
		)
	}

	if m.cfg.AutoFailover && assoc.FailedHealthChecks >= m.cfg.FailoverThreshold && assoc.State != model.AssocFailoverActive {
		release := m.locks.Lock(gpuInstanceID)
		m.failoverLocked(ctx, gpuInstanceID, "health_check_threshold_exceeded")
		release()
	}
}
