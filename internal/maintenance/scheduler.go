// Package maintenance runs the slow-cadence cron jobs (A6) that are
// deliberately kept out of the tight per-association loops in §5: blacklist
// TTL sweeping and snapshot retention. Grounded on the rebalancer
// controller's cron.New()/AddFunc scheduled-job shape.
package maintenance

import (
	"context"
	"time"

	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/dumontcloud/control-plane/internal/snapshot"
	"github.com/dumontcloud/control-plane/internal/sshexec"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultBlacklistSweepSchedule     = "*/30 * * * *"
	DefaultSnapshotRetentionSchedule  = "0 3 * * *"
	DefaultSnapshotKeepLast           = 5
)

// Config holds the cron schedules and retention parameters.
type Config struct {
	BlacklistSweepSchedule    string
	SnapshotRetentionSchedule string
	SnapshotKeepLast          int
}

func (c *Config) setDefaults() {
	if c.BlacklistSweepSchedule == "" {
		c.BlacklistSweepSchedule = DefaultBlacklistSweepSchedule
	}
	if c.SnapshotRetentionSchedule == "" {
		c.SnapshotRetentionSchedule = DefaultSnapshotRetentionSchedule
	}
	if c.SnapshotKeepLast <= 0 {
		c.SnapshotKeepLast = DefaultSnapshotKeepLast
	}
}

// BlacklistSweeper is the narrow slice of the Machine-History/Blacklist
// Engine (C2) the TTL sweep needs.
type BlacklistSweeper interface {
	List(ctx context.Context, activeOnly bool) ([]*model.MachineBlacklistEntry, error)
	Remove(ctx context.Context, provider, machineID string) error
}

// InstanceSource enumerates the live instances snapshot retention should
// run against, decoupling this package from the provider/standby layers.
type InstanceSource interface {
	ListActiveTargets(ctx context.Context) ([]sshexec.Target, error)
}

// Scheduler owns the cron jobs. Either dependency may be nil to disable
// that job entirely.
type Scheduler struct {
	cfg       Config
	blacklist BlacklistSweeper
	snapshots *snapshot.Engine
	instances InstanceSource
	logger    *zap.Logger
	cron      *cron.Cron
}

// NewScheduler constructs a Scheduler. cfg's zero-valued fields are filled
// with the package defaults.
func NewScheduler(cfg Config, blacklist BlacklistSweeper, snapshots *snapshot.Engine, instances InstanceSource, logger *zap.Logger) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{
		cfg:       cfg,
		blacklist: blacklist,
		snapshots: snapshots,
		instances: instances,
		logger:    logger,
		cron:      cron.New(),
	}
}

// Start registers and starts both cron jobs. Safe to call once; Stop
// cancels the underlying cron scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.blacklist != nil {
		if _, err := s.cron.AddFunc(s.cfg.BlacklistSweepSchedule, func() { s.sweepBlacklist(ctx) }); err != nil {
			return err
		}
	}
	if s.snapshots != nil && s.instances != nil {
		if _, err := s.cron.AddFunc(s.cfg.SnapshotRetentionSchedule, func() { s.pruneSnapshots(ctx) }); err != nil {
			return err
		}
	}
	s.cron.Start()
	return nil
}

// Stop cancels the cron scheduler and waits for any running job to finish.
func (s *Scheduler) Stop() {
	c := s.cron.Stop()
	<-c.Done()
}

// sweepBlacklist deactivates blacklist entries past their expiry, so
// List(activeOnly) stops returning them without a per-read Expired() check
// (§4.2's entries are read lazily via EffectivelyBlacklisted, but the
// Active column itself is only flipped here).
func (s *Scheduler) sweepBlacklist(ctx context.Context) {
	entries, err := s.blacklist.List(ctx, true)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("blacklist sweep: list failed", zap.Error(err))
		}
		return
	}
	now := time.Now().UTC()
	swept := 0
	for _, e := range entries {
		if !e.Expired(now) {
			continue
		}
		if err := s.blacklist.Remove(ctx, e.Provider, e.MachineID); err != nil {
			if s.logger != nil {
				s.logger.Warn("blacklist sweep: remove failed",
					zap.String("provider", e.Provider), zap.String("machine_id", e.MachineID), zap.Error(err))
			}
			continue
		}
		swept++
	}
	if s.logger != nil && swept > 0 {
		s.logger.Info("blacklist sweep complete", zap.Int("expired_entries_cleared", swept))
	}
}

// pruneSnapshots runs retention (keep last N) across every active instance.
func (s *Scheduler) pruneSnapshots(ctx context.Context) {
	targets, err := s.instances.ListActiveTargets(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("snapshot retention: failed to list instances", zap.Error(err))
		}
		return
	}
	for _, target := range targets {
		result, err := s.snapshots.Prune(ctx, target, s.cfg.SnapshotKeepLast)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("snapshot retention: prune failed", zap.String("host", target.Host), zap.Error(err))
			}
			continue
		}
		if s.logger != nil && result != nil && result.Success {
			s.logger.Info("snapshot retention pruned", zap.String("host", target.Host))
		}
	}
}
