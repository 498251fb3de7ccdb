// Package standby implements the Standby Manager (C6): pairs every GPU
// instance with a CPU "data custodian" VM, keeps it in sync via the Sync
// Loop (C5), watches GPU health, and fails over to the CPU side when the
// GPU goes unreachable. Grounded on original_source's
// cpu_standby_service.py's singleton configure/on_gpu_created/
// on_gpu_destroyed/mark_gpu_failed/health-check/recovery-loop shape, ported
// from an asyncio task registry to per-association goroutines.
package standby

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dumontcloud/control-plane/internal/errs"
	"github.com/dumontcloud/control-plane/internal/events"
	"github.com/dumontcloud/control-plane/internal/lockmap"
	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/dumontcloud/control-plane/internal/provider"
	"github.com/dumontcloud/control-plane/internal/region"
	"github.com/dumontcloud/control-plane/internal/sshexec"
	syncloop "github.com/dumontcloud/control-plane/internal/sync"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// Config mirrors cpu_standby_service.py's Configure(...) parameters.
type Config struct {
	AutoStandbyEnabled  bool
	AutoFailover        bool
	AutoRecovery        bool
	Zone                string
	MachineType         string
	DiskSizeGB          int
	BootImageFamily     string
	SyncInterval        time.Duration
	HealthCheckInterval time.Duration
	FailoverThreshold   int
	ShellReadyTimeout   time.Duration
	RecoveryAttempts    int
	RecoveryBackoff     time.Duration
	RecoveryMinVRAMGB   float64
	RecoveryMaxPrice    float64
	RecoveryRegions     []string

	// HibernateGPUThreshold is the utilization percentage below which a GPU
	// is considered idle for auto-hibernation purposes (agent.py's
	// gpu_threshold=5.0).
	HibernateGPUThreshold float64
	// HibernateIdleDelay is how long utilization must stay below threshold
	// before should_hibernate flips true.
	HibernateIdleDelay time.Duration
}

func (c *Config) setDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = syncloop.DefaultInterval
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.FailoverThreshold <= 0 {
		c.FailoverThreshold = 3
	}
	if c.ShellReadyTimeout <= 0 {
		c.ShellReadyTimeout = 5 * time.Minute
	}
	if c.RecoveryAttempts <= 0 {
		c.RecoveryAttempts = 10
	}
	if c.RecoveryBackoff <= 0 {
		c.RecoveryBackoff = 30 * time.Second
	}
	if c.HibernateGPUThreshold <= 0 {
		c.HibernateGPUThreshold = 5.0
	}
	if c.HibernateIdleDelay <= 0 {
		c.HibernateIdleDelay = 10 * time.Minute
	}
}

// HealthChecker queries a running GPU instance's liveness, independent of
// the provider's own (possibly stale) state field.
type HealthChecker interface {
	Probe(ctx context.Context, inst *model.Instance) (healthy bool, err error)
}

// Repo persists StandbyAssociation rows; kept narrow so this package
// doesn't depend on the full repository layer.
type Repo interface {
	Upsert(ctx context.Context, assoc *model.StandbyAssociation) error
	Get(ctx context.Context, gpuInstanceID string) (*model.StandbyAssociation, error)
	List(ctx context.Context) ([]*model.StandbyAssociation, error)
	Delete(ctx context.Context, gpuInstanceID string) error
	Rekey(ctx context.Context, oldGPUInstanceID string, assoc *model.StandbyAssociation) error
}

// Manager is the Standby Manager singleton (§4.6).
type Manager struct {
	cfg     Config
	cpu     provider.CPUProvider
	gpu     provider.GPUProvider
	health  HealthChecker
	repo    Repo
	region  *region.Resolver
	signer  ssh.Signer
	bus     *events.Bus
	logger  *zap.Logger
	locks   *lockmap.Map

	mu      sync.Mutex
	loops   map[string]*syncloop.Loop
	health0 map[string]context.CancelFunc
	recov   map[string]context.CancelFunc
	idleSince map[string]time.Time

	historyCheck BlacklistChecker
}

// NewManager constructs a Manager. cfg's zero-value fields are filled with
// the defaults from §4.6/§5's testable-defaults table.
func NewManager(cfg Config, cpu provider.CPUProvider, gpu provider.GPUProvider, health HealthChecker, repo Repo, resolver *region.Resolver, signer ssh.Signer, bus *events.Bus, logger *zap.Logger) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:     cfg,
		cpu:     cpu,
		gpu:     gpu,
		health:  health,
		repo:    repo,
		region:  resolver,
		signer:  signer,
		bus:     bus,
		logger:  logger,
		locks:   lockmap.New(),
		loops:   make(map[string]*syncloop.Loop),
		health0: make(map[string]context.CancelFunc),
		recov:   make(map[string]context.CancelFunc),
		idleSince: make(map[string]time.Time),
	}
}

// IsConfigured reports whether a CPU provider has been wired in.
func (m *Manager) IsConfigured() bool { return m.cpu != nil }

// IsAutoStandbyEnabled reports whether new GPUs should get a standby.
func (m *Manager) IsAutoStandbyEnabled() bool { return m.cfg.AutoStandbyEnabled }

// OnGPUCreated provisions a paired CPU standby for gpuInstance. Best-effort:
// a failure here never fails GPU creation, and any partially created CPU
// VM is cleaned up (§4.6).
func (m *Manager) OnGPUCreated(ctx context.Context, gpuInstance *model.Instance) {
	if !m.IsConfigured() || !m.IsAutoStandbyEnabled() {
		return
	}
	release := m.locks.Lock(gpuInstance.ID)
	defer release()

	zone := m.cfg.Zone
	if m.region != nil {
		res := m.region.Resolve(ctx, gpuInstance.Geolocation, gpuInstance.Network.ShellHost)
		zone = res.Zone
	}

	name := fmt.Sprintf("standby-%s-%d", gpuInstance.ID, time.Now().UnixNano())
	cpuInst, err := m.cpu.CreateInstance(ctx, provider.CPUCreateSpec{
		Zone:            zone,
		MachineType:     m.cfg.MachineType,
		DiskSizeGB:      m.cfg.DiskSizeGB,
		BootImageFamily: m.cfg.BootImageFamily,
		Metadata:        map[string]string{"name": name, "paired_gpu_instance_id": gpuInstance.ID},
	})
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("standby CPU provisioning failed", zap.String("gpu_instance_id", gpuInstance.ID), zap.Error(err))
		}
		return
	}

	if err := m.waitForShell(ctx, cpuInst); err != nil {
		if m.logger != nil {
			m.logger.Warn("standby CPU never became shell-ready, tearing down", zap.String("gpu_instance_id", gpuInstance.ID), zap.Error(err))
		}
		_ = m.cpu.Delete(ctx, cpuInst.ID)
		return
	}

	assoc := &model.StandbyAssociation{
		GPUInstanceID: gpuInstance.ID,
		CPUInstanceID: cpuInst.ID,
		State:         model.AssocProvisioning,
		SyncEnabled:   true,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if m.repo != nil {
		if err := m.repo.Upsert(ctx, assoc); err != nil && m.logger != nil {
			m.logger.Error("failed to persist standby association", zap.Error(err))
		}
	}

	m.startSyncLocked(gpuInstance, cpuInst)
	m.startHealthCheckLocked(gpuInstance.ID)

	assoc.State = model.AssocReady
	if m.repo != nil {
		_ = m.repo.Upsert(ctx, assoc)
	}
}

// waitForShell polls inst until its SSH host is set and reachable or
// cfg.ShellReadyTimeout elapses.
func (m *Manager) waitForShell(ctx context.Context, inst *model.Instance) error {
	deadline := time.Now().Add(m.cfg.ShellReadyTimeout)
	for time.Now().Before(deadline) {
		cur, err := m.cpu.Get(ctx, inst.ID)
		if err == nil && cur.Network.ShellHost != "" && cur.Status == model.InstanceRunning {
			*inst = *cur
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
	return errs.New(errs.KindProviderTransient, "standby CPU did not become shell-ready in time")
}

// OnGPUDestroyed tears down the paired standby when destroyStandby is true;
// always stops the sync and health-check loops and removes the association.
// Idempotent: calling it twice for the same id is a no-op on the second call.
func (m *Manager) OnGPUDestroyed(ctx context.Context, gpuInstanceID string, destroyStandby bool) {
	release := m.locks.Lock(gpuInstanceID)
	defer release()

	m.stopSyncLocked(gpuInstanceID)
	m.stopHealthCheckLocked(gpuInstanceID)
	m.stopRecoveryLocked(gpuInstanceID)

	if m.repo == nil {
		return
	}
	assoc, err := m.repo.Get(ctx, gpuInstanceID)
	if err != nil || assoc == nil {
		return
	}

	if destroyStandby {
		if err := m.cpu.Delete(ctx, assoc.CPUInstanceID); err != nil && m.logger != nil {
			m.logger.Warn("failed to delete standby CPU", zap.String("cpu_instance_id", assoc.CPUInstanceID), zap.Error(err))
		}
		_ = m.repo.Delete(ctx, gpuInstanceID)
	}
}

// MarkGPUFailed transitions the association to failover_active, leaving the
// CPU side alive as the data custodian, and optionally schedules recovery.
func (m *Manager) MarkGPUFailed(ctx context.Context, gpuInstanceID, reason string) {
	release := m.locks.Lock(gpuInstanceID)
	defer release()
	m.failoverLocked(ctx, gpuInstanceID, reason)
}

func (m *Manager) failoverLocked(ctx context.Context, gpuInstanceID, reason string) {
	m.stopSyncLocked(gpuInstanceID)
	m.stopHealthCheckLocked(gpuInstanceID)

	if m.repo != nil {
		if assoc, err := m.repo.Get(ctx, gpuInstanceID); err == nil && assoc != nil {
			assoc.State = model.AssocFailoverActive
			assoc.GPUFailed = true
			assoc.FailureReason = reason
			assoc.UpdatedAt = time.Now().UTC()
			_ = m.repo.Upsert(ctx, assoc)
		}
	}

	if m.bus != nil {
		m.bus.Publish(ctx, events.New(events.TypeFailoverTriggered, gpuInstanceID, map[string]any{"reason": reason}))
	}

	if m.cfg.AutoRecovery {
		m.startRecoveryLocked(gpuInstanceID)
	}
}

// StartSync (re)starts the sync loop for an existing association.
func (m *Manager) StartSync(ctx context.Context, gpuInstanceID string) error {
	if m.repo == nil {
		return errs.New(errs.KindNotFound, "no repository configured")
	}
	assoc, err := m.repo.Get(ctx, gpuInstanceID)
	if err != nil || assoc == nil {
		return errs.New(errs.KindNotFound, "no standby association for "+gpuInstanceID)
	}
	gpuInst, err := m.gpu.GetInstance(ctx, gpuInstanceID)
	if err != nil {
		return err
	}
	cpuInst, err := m.cpu.Get(ctx, assoc.CPUInstanceID)
	if err != nil {
		return err
	}
	release := m.locks.Lock(gpuInstanceID)
	defer release()
	m.startSyncLocked(gpuInst, cpuInst)
	return nil
}

// StopSync stops the sync loop for gpuInstanceID without touching the
// association's other state.
func (m *Manager) StopSync(gpuInstanceID string) {
	release := m.locks.Lock(gpuInstanceID)
	defer release()
	m.stopSyncLocked(gpuInstanceID)
}

func (m *Manager) startSyncLocked(gpuInst, cpuInst *model.Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loops[gpuInst.ID]; ok {
		return
	}
	loop := syncloop.NewLoop(
		gpuInst.ID,
		syncloop.Endpoint{Target: sshTargetOf(gpuInst), SourcePath: "/workspace"},
		syncloop.Endpoint{Target: sshTargetOf(cpuInst), SourcePath: "/workspace"},
		syncloop.Relay{Target: sshTargetOf(cpuInst), Path: "/var/lib/dumont/relay/" + gpuInst.ID},
		m.cfg.SyncInterval,
		m.signer,
		nil,
		m.persistCounters,
		m.bus,
		m.logger,
	)
	m.loops[gpuInst.ID] = loop
	go loop.Start(context.Background())
}

func (m *Manager) stopSyncLocked(gpuInstanceID string) {
	m.mu.Lock()
	loop, ok := m.loops[gpuInstanceID]
	delete(m.loops, gpuInstanceID)
	m.mu.Unlock()
	if ok {
		loop.Stop()
	}
}

func (m *Manager) persistCounters(ctx context.Context, associationID string, c syncloop.Counters) error {
	if m.repo == nil {
		return nil
	}
	assoc, err := m.repo.Get(ctx, associationID)
	if err != nil || assoc == nil {
		return err
	}
	assoc.SyncCount = c.SyncCount
	assoc.LastSyncAt = c.LastSyncAt
	assoc.LastSyncDuration = c.LastSyncDuration
	assoc.LastSyncBytes = c.LastSyncBytes
	assoc.ConsecutiveSyncFailures = c.ConsecutiveSyncFailures
	assoc.UpdatedAt = time.Now().UTC()
	if assoc.State == model.AssocProvisioning {
		assoc.State = model.AssocSyncing
	}
	return m.repo.Upsert(ctx, assoc)
}

func sshTargetOf(inst *model.Instance) sshexec.Target {
	return sshexec.Target{Host: inst.Network.ShellHost, Port: inst.Network.ShellPort, User: "root"}
}

// GetAssociation returns the current association for a GPU instance.
func (m *Manager) GetAssociation(ctx context.Context, gpuInstanceID string) (*model.StandbyAssociation, error) {
	if m.repo == nil {
		return nil, errs.New(errs.KindNotFound, "no repository configured")
	}
	return m.repo.Get(ctx, gpuInstanceID)
}

// ListAssociations returns every known association.
func (m *Manager) ListAssociations(ctx context.Context) ([]*model.StandbyAssociation, error) {
	if m.repo == nil {
		return nil, nil
	}
	return m.repo.List(ctx)
}

// GetStatus is an alias for ListAssociations, matching the spec's naming.
func (m *Manager) GetStatus(ctx context.Context) ([]*model.StandbyAssociation, error) {
	return m.ListAssociations(ctx)
}

// GetActiveEndpoint returns the SSH target a caller should talk to for
// gpuInstanceID: the GPU itself normally, or the CPU standby while
// failover_active (§4.6: "serve CPU shell coords via GetActiveEndpoint
// until recovery completes").
func (m *Manager) GetActiveEndpoint(ctx context.Context, gpuInstanceID string) (*model.Instance, error) {
	assoc, err := m.GetAssociation(ctx, gpuInstanceID)
	if err != nil {
		return nil, err
	}
	if assoc != nil && assoc.State == model.AssocFailoverActive {
		return m.cpu.Get(ctx, assoc.CPUInstanceID)
	}
	return m.gpu.GetInstance(ctx, gpuInstanceID)
}
