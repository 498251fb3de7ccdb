// Package serverless implements the Serverless Scheduler (C7): opt-in
// auto-suspend for idle GPU instances, with fast/economic/spot pause-resume
// strategies and a fallback orchestrator for when a resume fails outright.
// Grounded on original_source's modules/serverless/manager.py (the
// ServerlessManager singleton's enable/disable/monitor-loop/wake shape) and
// fallback.py (FallbackOrchestrator's ordered strategy list), ported from
// asyncio tasks + a threading.Lock registry to goroutine loops guarded by
// a lockmap.Map.
package serverless

import (
	"context"
	"sync"
	"time"

	"github.com/dumontcloud/control-plane/internal/checkpoint"
	"github.com/dumontcloud/control-plane/internal/errs"
	"github.com/dumontcloud/control-plane/internal/events"
	"github.com/dumontcloud/control-plane/internal/lockmap"
	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/dumontcloud/control-plane/internal/provider"
	"github.com/dumontcloud/control-plane/internal/sshexec"
	"go.uber.org/zap"
)

const (
	DefaultCheckInterval       = time.Second
	DefaultMinRuntime          = 60 * time.Second
	DefaultSSHVerifyTimeout    = 300 * time.Second
	DefaultAutoDestroyInterval = 5 * time.Minute
	DefaultDestroyAfterHoursPaused = 24.0
)

// EnableParams mirrors manager.py's enable(...) keyword arguments.
type EnableParams struct {
	Mode              model.ServerlessMode
	IdleTimeout       time.Duration
	GPUThreshold      float64
	KeepWarm          bool
	CheckpointEnabled bool
}

// Repo persists ServerlessBinding rows.
type Repo interface {
	Upsert(ctx context.Context, b *model.ServerlessBinding) error
	Get(ctx context.Context, instanceID string) (*model.ServerlessBinding, error)
	List(ctx context.Context) ([]*model.ServerlessBinding, error)
	Delete(ctx context.Context, instanceID string) error
	// InstancesToScaleDown and InstancesToDestroy mirror the repository
	// layer's aggregate queries (§4.11) so the loops don't scan the full
	// table in process memory every tick.
	InstancesToScaleDown(ctx context.Context, now time.Time) ([]*model.ServerlessBinding, error)
	InstancesToDestroy(ctx context.Context, now time.Time) ([]*model.ServerlessBinding, error)
	// Rekey moves the binding currently stored under oldInstanceID onto
	// b.InstanceID in place (§4.7 fallback: the fallback instance gets a
	// new id). instance_id is the Upsert conflict key, so a plain Upsert
	// under the new id would insert a second row and orphan the original.
	Rekey(ctx context.Context, oldInstanceID string, b *model.ServerlessBinding) error
}

// InstanceLocator resolves an instance id to its live SSH target, used by
// the checkpoint engine before a pause/resume.
type InstanceLocator interface {
	Locate(ctx context.Context, instanceID string) (sshexec.Target, error)
}

// Scheduler is the Serverless Scheduler singleton (§4.7).
type Scheduler struct {
	cfg struct {
		CheckInterval           time.Duration
		MinRuntime              time.Duration
		SSHVerifyTimeout        time.Duration
		DestroyAfterHoursPaused float64
		AutoDestroyInterval     time.Duration
	}

	gpu        provider.GPUProvider
	repo       Repo
	checkpoint *checkpoint.Engine
	locator    InstanceLocator
	fallback   *FallbackOrchestrator
	bus        *events.Bus
	logger     *zap.Logger
	locks      *lockmap.Map

	mu       sync.Mutex
	bindings map[string]*runtimeState
	cancel   context.CancelFunc
}

// runtimeState tracks per-instance transient fields manager.py keeps
// in-process rather than persisting every tick (idle_since, runtime_since_start).
type runtimeState struct {
	idleSince      *time.Time
	runningSince   time.Time
	lastUtil       float64
}

// NewScheduler constructs a Scheduler with the §5 testable defaults filled
// in for any zero-valued duration fields.
func NewScheduler(gpu provider.GPUProvider, repo Repo, ckpt *checkpoint.Engine, locator InstanceLocator, fallback *FallbackOrchestrator, bus *events.Bus, logger *zap.Logger,
	checkInterval, minRuntime, sshVerifyTimeout, autoDestroyInterval time.Duration, destroyAfterHoursPaused float64) *Scheduler {

	s := &Scheduler{
		gpu:        gpu,
		repo:       repo,
		checkpoint: ckpt,
		locator:    locator,
		fallback:   fallback,
		bus:        bus,
		logger:     logger,
		locks:      lockmap.New(),
		bindings:   make(map[string]*runtimeState),
	}
	s.cfg.CheckInterval = orDefault(checkInterval, DefaultCheckInterval)
	s.cfg.MinRuntime = orDefault(minRuntime, DefaultMinRuntime)
	s.cfg.SSHVerifyTimeout = orDefault(sshVerifyTimeout, DefaultSSHVerifyTimeout)
	s.cfg.AutoDestroyInterval = orDefault(autoDestroyInterval, DefaultAutoDestroyInterval)
	s.cfg.DestroyAfterHoursPaused = destroyAfterHoursPaused
	if s.cfg.DestroyAfterHoursPaused <= 0 {
		s.cfg.DestroyAfterHoursPaused = DefaultDestroyAfterHoursPaused
	}
	return s
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Enable opts instanceID into auto-suspend with the given parameters.
func (s *Scheduler) Enable(ctx context.Context, instanceID string, params EnableParams) error {
	if params.Mode == "" {
		params.Mode = model.ModeEconomic
	}
	if params.IdleTimeout <= 0 {
		params.IdleTimeout = 10 * time.Minute
	}
	b := &model.ServerlessBinding{
		InstanceID:        instanceID,
		Mode:              params.Mode,
		IdleTimeout:       params.IdleTimeout,
		GPUThreshold:      params.GPUThreshold,
		KeepWarm:          params.KeepWarm,
		CheckpointEnabled: params.CheckpointEnabled,
		State:             model.BindingRunning,
		RunningSince:      time.Now().UTC(),
		LastRequest:       time.Now().UTC(),
	}
	s.mu.Lock()
	s.bindings[instanceID] = &runtimeState{runningSince: b.RunningSince}
	s.mu.Unlock()
	return s.repo.Upsert(ctx, b)
}

// Disable removes instanceID from auto-suspend management.
func (s *Scheduler) Disable(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	delete(s.bindings, instanceID)
	s.mu.Unlock()
	return s.repo.Delete(ctx, instanceID)
}

// UpdateGPUUtilization records the latest observed utilization sample,
// feeding the idle predicate's utilization-based branch (§4.7).
func (s *Scheduler) UpdateGPUUtilization(ctx context.Context, instanceID string, util float64) error {
	b, err := s.repo.Get(ctx, instanceID)
	if err != nil || b == nil {
		return err
	}

	s.mu.Lock()
	rt, ok := s.bindings[instanceID]
	if !ok {
		rt = &runtimeState{}
		s.bindings[instanceID] = rt
	}
	wasIdle := rt.idleSince != nil
	isIdleNow := util < b.GPUThreshold
	if isIdleNow && !wasIdle {
		now := time.Now().UTC()
		rt.idleSince = &now
	} else if !isIdleNow {
		rt.idleSince = nil
	}
	rt.lastUtil = util
	s.mu.Unlock()

	return nil
}

// OnRequestStart marks instanceID as just having received a request; if
// paused, it triggers scale-up (§4.7 "Scale-up on request").
func (s *Scheduler) OnRequestStart(ctx context.Context, instanceID string) error {
	b, err := s.repo.Get(ctx, instanceID)
	if err != nil || b == nil {
		return errs.New(errs.KindNotFound, "no serverless binding for "+instanceID)
	}
	b.LastRequest = time.Now().UTC()
	if err := s.repo.Upsert(ctx, b); err != nil {
		return err
	}

	if b.State != model.BindingPaused {
		return nil
	}

	release, ok := s.locks.TryLock(instanceID)
	if !ok {
		// A wake is already in flight for this instance.
		return nil
	}
	defer release()

	_, err = s.wakeLocked(ctx, instanceID, b.CheckpointEnabled && b.Mode == model.ModeFast)
	return err
}

// OnRequestEnd is a bookkeeping hook: it currently only clears the idle
// timer so the scale-down loop waits a full IdleTimeout again before
// re-triggering (request completion resets, not starts, the idle clock).
func (s *Scheduler) OnRequestEnd(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	if rt, ok := s.bindings[instanceID]; ok {
		rt.idleSince = nil
	}
	s.mu.Unlock()
	return nil
}

// GetStatus returns the current binding for instanceID.
func (s *Scheduler) GetStatus(ctx context.Context, instanceID string) (*model.ServerlessBinding, error) {
	return s.repo.Get(ctx, instanceID)
}

// ListAll returns every managed binding.
func (s *Scheduler) ListAll(ctx context.Context) ([]*model.ServerlessBinding, error) {
	return s.repo.List(ctx)
}
