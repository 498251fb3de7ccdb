// Package instance implements the Instance Service (C9): the high-level
// orchestration layer that fronts the Provider Abstraction (C1) and the
// Machine-History/Blacklist Engine (C2) with search, validation, creation,
// and lifecycle operations, annotated with history and tracked for billing.
package instance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dumontcloud/control-plane/internal/billing"
	"github.com/dumontcloud/control-plane/internal/errs"
	"github.com/dumontcloud/control-plane/internal/history"
	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/dumontcloud/control-plane/internal/provider"
	"go.uber.org/zap"
)

// StandbyHooks is the narrow slice of the Standby Manager's API the
// Instance Service drives; kept as a local interface (rather than an
// import of internal/standby) so C9 can be built, tested, and wired
// independently of C6's implementation.
type StandbyHooks interface {
	OnGPUCreated(ctx context.Context, gpuInstance *model.Instance)
	OnGPUDestroyed(ctx context.Context, gpuInstanceID string, destroyStandby bool)
	MarkGPUFailed(ctx context.Context, gpuInstanceID, reason string)
}

// DestroyReason distinguishes why an instance is being destroyed, which
// governs what happens to its paired standby (§4.9).
type DestroyReason string

const (
	ReasonUserRequest     DestroyReason = "user_request"
	ReasonGPUFailure      DestroyReason = "gpu_failure"
	ReasonSpotInterruption DestroyReason = "spot_interruption"
)

// CreateParams are the caller-supplied parameters for CreateInstance.
type CreateParams struct {
	OfferID      string
	Image        string
	DiskGB       int
	Label        string
	Ports        []int
	OnStart      string
	Env          map[string]string
	SkipValidate bool
	// SubscriptionItemID, when non-empty, is the Stripe subscription item
	// this instance's runtime is metered against.
	SubscriptionItemID string
}

// ValidationResult is the outcome of ValidateBeforeCreate.
type ValidationResult struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

// Service is the Instance Service.
type Service struct {
	gpu      provider.GPUProvider
	hist     *history.Engine
	billing  billing.UsageReporter
	standby  StandbyHooks
	logger   *zap.Logger
	minBalanceHours float64
}

// NewService constructs an Instance Service. standby may be nil when the
// Standby Manager is not configured (§4.9: "if Standby Manager is
// configured").
func NewService(gpu provider.GPUProvider, hist *history.Engine, reporter billing.UsageReporter, standby StandbyHooks, logger *zap.Logger) *Service {
	if reporter == nil {
		reporter = billing.NoopUsageReporter{}
	}
	return &Service{
		gpu:             gpu,
		hist:            hist,
		billing:         reporter,
		standby:         standby,
		logger:          logger,
		minBalanceHours: 1.0,
	}
}

// SearchOffers invokes the provider's offer search, optionally filters by a
// region substring match against geolocation, annotates with history, and
// optionally drops blacklisted offers.
func (s *Service) SearchOffers(ctx context.Context, filter provider.OfferFilter, includeBlacklisted bool) ([]model.Offer, error) {
	offers, err := s.gpu.SearchOffers(ctx, filter)
	if err != nil {
		return nil, err
	}

	if filter.Region != "" {
		filtered := offers[:0]
		for _, o := range offers {
			if strings.Contains(strings.ToLower(o.Geolocation), strings.ToLower(filter.Region)) {
				filtered = append(filtered, o)
			}
		}
		offers = filtered
	}

	if err := s.hist.AnnotateOffers(ctx, offers); err != nil {
		return nil, err
	}

	if !includeBlacklisted {
		filtered := offers[:0]
		for _, o := range offers {
			if !o.IsBlacklisted {
				filtered = append(filtered, o)
			}
		}
		offers = filtered
	}

	return offers, nil
}

// ValidateBeforeCreate checks provider reachability, account balance, and
// offer availability, in that order (§4.9).
func (s *Service) ValidateBeforeCreate(ctx context.Context, offer model.Offer) ValidationResult {
	result := ValidationResult{Valid: true}

	credit, balance, err := s.gpu.GetBalance(ctx)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("provider unreachable: %v", err))
		return result
	}

	available := credit + balance
	required := offer.HourlyCost * s.minBalanceHours
	if available < required {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf(
			"insufficient balance: have %.4f, need at least %.4f for 1 hour", available, required))
		return result
	}

	offers, err := s.gpu.SearchOffers(ctx, provider.OfferFilter{})
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("could not confirm offer availability: %v", err))
		return result
	}
	found := false
	for _, o := range offers {
		if o.ID == offer.ID {
			found = true
			break
		}
	}
	if !found {
		result.Valid = false
		result.Errors = append(result.Errors, "offer is no longer available")
	}

	return result
}

// CreateInstance validates (unless skipped), creates the instance via the
// provider, records the attempt in the history engine, notifies the
// Standby Manager if configured, and starts best-effort usage tracking.
func (s *Service) CreateInstance(ctx context.Context, offer model.Offer, params CreateParams) (*model.Instance, error) {
	if !params.SkipValidate {
		v := s.ValidateBeforeCreate(ctx, offer)
		if !v.Valid {
			return nil, errs.New(errs.KindValidation, strings.Join(v.Errors, "; "))
		}
	}

	attemptedAt := time.Now().UTC()
	ports := make(map[int]int, len(params.Ports))
	for _, p := range params.Ports {
		ports[p] = p
	}
	inst, err := s.gpu.CreateInstance(ctx, offer.ID, provider.CreateSpec{
		Image:   params.Image,
		DiskGB:  float64(params.DiskGB),
		Label:   params.Label,
		Ports:   ports,
		OnStart: params.OnStart,
		Env:     params.Env,
	})

	attempt := &model.CreationAttempt{
		Provider:        offer.Provider,
		MachineID:       offer.MachineID,
		OfferID:         offer.ID,
		GPUModel:        offer.Hardware.GPUModel,
		AdvertisedPrice: offer.HourlyCost,
		AttemptedAt:     attemptedAt,
		Success:         err == nil,
		TimeToReadySecs: time.Since(attemptedAt).Seconds(),
	}
	if err != nil {
		attempt.FailingStage = classifyFailureStage(err)
		attempt.FailureReason = err.Error()
	} else {
		attempt.InstanceID = inst.ID
	}

	if histErr := s.hist.RecordAttempt(ctx, attempt); histErr != nil && s.logger != nil {
		s.logger.Error("failed to record creation attempt", zap.Error(histErr))
	}

	if err != nil {
		return nil, err
	}

	if s.standby != nil {
		go s.standby.OnGPUCreated(context.WithoutCancel(ctx), inst)
	}

	s.billing.StartTracking(ctx, inst.ID, params.SubscriptionItemID)

	return inst, nil
}

func classifyFailureStage(err error) model.AttemptStage {
	switch errs.KindOf(err) {
	case errs.KindOfferUnavailable:
		return model.StageOfferTaken
	case errs.KindProviderTransient, errs.KindProviderFatal:
		return model.StageAPIError
	case errs.KindShellFailed:
		return model.StageSSHTimeout
	default:
		return model.StageAPIError
	}
}

// DestroyInstance destroys the provider-side instance, always stops usage
// tracking, and branches on reason for standby handling (§4.9).
func (s *Service) DestroyInstance(ctx context.Context, id string, reason DestroyReason) error {
	_, err := s.gpu.Destroy(ctx, id)
	s.billing.StopTracking(ctx, id)
	if err != nil {
		return err
	}

	if s.standby == nil {
		return nil
	}

	switch reason {
	case ReasonUserRequest:
		s.standby.OnGPUDestroyed(ctx, id, true)
	case ReasonGPUFailure, ReasonSpotInterruption:
		s.standby.MarkGPUFailed(ctx, id, string(reason))
	default:
		s.standby.OnGPUDestroyed(ctx, id, false)
	}
	return nil
}

// PauseInstance pauses a running instance via the provider.
func (s *Service) PauseInstance(ctx context.Context, id string) error {
	_, err := s.gpu.Pause(ctx, id)
	return err
}

// ResumeInstance resumes a paused instance via the provider.
func (s *Service) ResumeInstance(ctx context.Context, id string) error {
	_, err := s.gpu.Resume(ctx, id)
	return err
}

// Transfer carries a workload from a source instance onto a freshly
// created target instance, driven by the Snapshot Engine (C3) over SSH.
// Kept as a local function type (rather than importing internal/snapshot
// directly) so the Instance Service stays decoupled from the snapshot
// transport's concrete signature.
type Transfer func(ctx context.Context, source, target *model.Instance) error

// MigrateInstance moves a running workload to a new instance of
// targetOffer: create the target, run transfer (snapshot + restore) onto
// it, and optionally destroy the source (§4.9: "migrate = snapshot +
// create + restore + optionally destroy source").
func (s *Service) MigrateInstance(ctx context.Context, source *model.Instance, targetOffer model.Offer, params CreateParams, transfer Transfer, destroySource bool) (*model.Instance, error) {
	target, err := s.CreateInstance(ctx, targetOffer, params)
	if err != nil {
		return nil, errs.Wrap(errs.KindProviderFatal, "migrate: create target instance", err)
	}

	if err := transfer(ctx, source, target); err != nil {
		// The target instance was created but never received the
		// workload; best-effort clean it up rather than leave an
		// orphaned, empty instance behind.
		_ = s.DestroyInstance(ctx, target.ID, ReasonUserRequest)
		return nil, errs.Wrap(errs.KindProviderFatal, "migrate: transfer workload", err)
	}

	if destroySource {
		if err := s.DestroyInstance(ctx, source.ID, ReasonUserRequest); err != nil && s.logger != nil {
			s.logger.Error("failed to destroy migration source", zap.String("instance_id", source.ID), zap.Error(err))
		}
	}

	return target, nil
}
