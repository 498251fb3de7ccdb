// Package history implements the Machine-History/Blacklist Engine (C2):
// records every instance-creation attempt, derives reliability bands and
// auto-blacklisting from the failure rate, and annotates offers before they
// reach the Instance Service. Grounded in §4.2 and the reliability2 field
// the teacher's marketplace adapters already treat as an opaque score
// (internal/provider/gpumarket.go's offerDTO.Reliability).
package history

import (
	"context"
	"time"

	"github.com/dumontcloud/control-plane/internal/errs"
	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/dumontcloud/control-plane/internal/repository"
	"go.uber.org/zap"
)

// Auto-blacklist thresholds (§4.2): a machine with at least minAttempts
// creation attempts and a failure rate at or above autoBlacklistRate is
// barred from reuse for autoBlacklistTTL.
const (
	minAttemptsForAutoBlacklist = 3
	autoBlacklistFailureRate    = 0.5
	autoBlacklistTTL            = 24 * time.Hour
)

// Engine is the Machine-History/Blacklist Engine.
type Engine struct {
	repo   repository.MachineHistoryRepo
	logger *zap.Logger
}

func NewEngine(repo repository.MachineHistoryRepo, logger *zap.Logger) *Engine {
	return &Engine{repo: repo, logger: logger}
}

// RecordAttempt appends a CreationAttempt and, on failure, recomputes the
// machine's failure rate and auto-blacklists it if the threshold is
// crossed.
func (e *Engine) RecordAttempt(ctx context.Context, a *model.CreationAttempt) error {
	if err := e.repo.RecordAttempt(ctx, a); err != nil {
		return err
	}
	if a.Success {
		return nil
	}

	total, failed, err := e.repo.Stats(ctx, a.Provider, a.MachineID)
	if err != nil {
		return err
	}
	if total < minAttemptsForAutoBlacklist {
		return nil
	}

	rate := float64(failed) / float64(total)
	if rate < autoBlacklistFailureRate {
		return nil
	}

	expires := time.Now().UTC().Add(autoBlacklistTTL)
	entry := &model.MachineBlacklistEntry{
		Provider:          a.Provider,
		MachineID:         a.MachineID,
		Type:              model.BlacklistAuto,
		TotalAttempts:     total,
		FailedAttempts:    failed,
		FailureRate:       rate,
		LastFailureReason: a.FailureReason,
		CreatedAt:         time.Now().UTC(),
		ExpiresAt:         &expires,
		Active:            true,
		Reason:            "automatic: failure rate exceeded threshold",
		GPUName:           a.GPUModel,
	}
	if err := e.repo.UpsertBlacklistEntry(ctx, entry); err != nil {
		return err
	}
	if e.logger != nil {
		e.logger.Warn("machine auto-blacklisted",
			zap.String("provider", a.Provider),
			zap.String("machine_id", a.MachineID),
			zap.Float64("failure_rate", rate),
		)
	}
	return nil
}

// IsBlacklisted reports whether a single (provider, machine_id) pair is
// currently excluded from offer search.
func (e *Engine) IsBlacklisted(ctx context.Context, provider, machineID string) (bool, error) {
	entry, err := e.repo.GetBlacklistEntry(ctx, provider, machineID)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	return entry.EffectivelyBlacklisted(time.Now().UTC()), nil
}

// AddManual adds an operator-initiated blacklist entry with no
// expiration, requiring explicit removal.
func (e *Engine) AddManual(ctx context.Context, provider, machineID, reason string) error {
	if reason == "" {
		return errs.New(errs.KindValidation, "a reason is required for manual blacklist entries")
	}
	entry := &model.MachineBlacklistEntry{
		Provider:  provider,
		MachineID: machineID,
		Type:      model.BlacklistManual,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: nil,
		Active:    true,
		Reason:    reason,
	}
	return e.repo.UpsertBlacklistEntry(ctx, entry)
}

// Remove deactivates a blacklist entry, restoring the machine to offer
// search eligibility.
func (e *Engine) Remove(ctx context.Context, provider, machineID string) error {
	return e.repo.RemoveBlacklistEntry(ctx, provider, machineID)
}

// List returns blacklist entries, optionally filtered to active ones.
func (e *Engine) List(ctx context.Context, activeOnly bool) ([]*model.MachineBlacklistEntry, error) {
	return e.repo.ListBlacklistEntries(ctx, activeOnly)
}

// AnnotateOffers enriches offers in place with blacklist status,
// historical success rate, and a reliability band, batching the blacklist
// lookup into a single round trip per provider (§4.2).
func (e *Engine) AnnotateOffers(ctx context.Context, offers []model.Offer) error {
	byProvider := make(map[string][]string)
	for _, o := range offers {
		byProvider[o.Provider] = append(byProvider[o.Provider], o.MachineID)
	}

	blacklisted := make(map[string]map[string]bool, len(byProvider))
	now := time.Now().UTC()
	for provider, ids := range byProvider {
		set, err := e.repo.BlacklistedSet(ctx, provider, ids, now)
		if err != nil {
			return err
		}
		blacklisted[provider] = set
	}

	for i := range offers {
		o := &offers[i]
		o.IsBlacklisted = blacklisted[o.Provider][o.MachineID]

		total, failed, err := e.repo.Stats(ctx, o.Provider, o.MachineID)
		if err != nil {
			return err
		}
		o.TotalAttempts = total
		if total == 0 {
			o.SuccessRate = 0
			o.ReliabilityStatus = model.ReliabilityUnknown
			continue
		}
		o.SuccessRate = float64(total-failed) / float64(total)
		o.ReliabilityStatus = reliabilityBand(o.SuccessRate)
	}
	return nil
}

// reliabilityBand classifies a success rate into the bands from §3:
// >=0.95 excellent, >=0.80 good, >=0.50 fair, else poor.
func reliabilityBand(successRate float64) model.ReliabilityStatus {
	switch {
	case successRate >= 0.95:
		return model.ReliabilityExcellent
	case successRate >= 0.80:
		return model.ReliabilityGood
	case successRate >= 0.50:
		return model.ReliabilityFair
	default:
		return model.ReliabilityPoor
	}
}
