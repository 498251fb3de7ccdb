// Package model holds the shared data types of §3: Instance, Offer,
// StandbyAssociation, ServerlessBinding, Checkpoint, Snapshot,
// CreationAttempt, and MachineBlacklistEntry. Enumerated fields follow the
// teacher's models.NodeStatus convention: a string-backed type with a
// Valid() helper instead of an iota.
package model

import "time"

// InstanceStatus is the lifecycle state of an Instance.
type InstanceStatus string

const (
	InstanceCreating  InstanceStatus = "creating"
	InstanceRunning   InstanceStatus = "running"
	InstancePaused    InstanceStatus = "paused"
	InstanceStopped   InstanceStatus = "stopped"
	InstanceExited    InstanceStatus = "exited"
	InstanceDestroyed InstanceStatus = "destroyed"
)

func (s InstanceStatus) Valid() bool {
	switch s {
	case InstanceCreating, InstanceRunning, InstancePaused, InstanceStopped, InstanceExited, InstanceDestroyed:
		return true
	}
	return false
}

// Hardware describes the compute descriptor shared by Offer and Instance.
type Hardware struct {
	GPUModel string
	GPUCount int
	VRAMGB   float64
	CPUCores int
	RAMGB    float64
	DiskGB   float64
}

// Network describes an Instance's connectivity.
type Network struct {
	PublicIP  string
	ShellHost string
	ShellPort int
	// PortMap maps container port -> host port.
	PortMap map[int]int
}

// Instance is a rented GPU or CPU machine on some provider.
type Instance struct {
	ID            string
	Provider      string
	Status        InstanceStatus
	Hardware      Hardware
	HourlyCost    float64
	Network       Network
	MachineID     string
	Geolocation   string
	Reliability   float64
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DestroyedAt   *time.Time
}

// IsTerminal reports whether no further status transition is permitted
// (§3 Instance invariant: once destroyed, no further transitions).
func (i *Instance) IsTerminal() bool {
	return i.Status == InstanceDestroyed
}

// Offer is an advertised, at-most-once-consumable unit of purchasable
// capacity.
type Offer struct {
	ID          string
	Provider    string
	MachineID   string
	Hardware    Hardware
	HourlyCost  float64
	Geolocation string
	Reliability float64

	// Annotations populated by MachineHistoryStore.AnnotateOffers.
	IsBlacklisted     bool
	SuccessRate       float64
	TotalAttempts     int
	ReliabilityStatus ReliabilityStatus
}

type ReliabilityStatus string

const (
	ReliabilityExcellent ReliabilityStatus = "excellent"
	ReliabilityGood      ReliabilityStatus = "good"
	ReliabilityFair      ReliabilityStatus = "fair"
	ReliabilityPoor      ReliabilityStatus = "poor"
	ReliabilityUnknown   ReliabilityStatus = "unknown"
)

// AssociationState is the lifecycle state of a StandbyAssociation.
type AssociationState string

const (
	AssocProvisioning   AssociationState = "provisioning"
	AssocSyncing        AssociationState = "syncing"
	AssocReady          AssociationState = "ready"
	AssocFailoverActive AssociationState = "failover_active"
	AssocRecovering     AssociationState = "recovering"
	AssocError          AssociationState = "error"
)

func (s AssociationState) Valid() bool {
	switch s {
	case AssocProvisioning, AssocSyncing, AssocReady, AssocFailoverActive, AssocRecovering, AssocError:
		return true
	}
	return false
}

// StandbyAssociation pairs a GPU instance with its CPU standby (§3).
type StandbyAssociation struct {
	GPUInstanceID      string
	CPUInstanceID      string
	State              AssociationState
	SyncEnabled        bool
	SyncCount          int64
	LastSyncAt         time.Time
	LastSyncDuration   time.Duration
	LastSyncBytes      int64
	ConsecutiveSyncFailures int
	FailedHealthChecks int
	GPUFailed          bool
	FailureReason      string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ServerlessMode selects the Serverless Scheduler's pause/resume strategy.
type ServerlessMode string

const (
	ModeFast      ServerlessMode = "fast"
	ModeEconomic  ServerlessMode = "economic"
	ModeSpot      ServerlessMode = "spot"
	ModeDisabled  ServerlessMode = "disabled"
)

// BindingState is the lifecycle state of a ServerlessBinding.
type BindingState string

const (
	BindingRunning   BindingState = "running"
	BindingPaused    BindingState = "paused"
	BindingWaking    BindingState = "waking"
	BindingDestroyed BindingState = "destroyed"
	BindingFailed    BindingState = "failed"
)

// ServerlessBinding is a per-instance opt-in to auto-suspend (§3).
type ServerlessBinding struct {
	InstanceID              string
	Mode                    ServerlessMode
	IdleTimeout             time.Duration
	GPUThreshold            float64
	KeepWarm                bool
	ScaleDownTimeout        time.Duration
	DestroyAfterHoursPaused *float64
	CheckpointEnabled       bool

	State BindingState

	ScaleDownCount      int64
	ScaleUpCount        int64
	TotalPausedSeconds  float64
	TotalRuntimeSeconds float64
	TotalSavings        float64
	FallbackCount       int64

	LastRequest     time.Time
	IdleSince       *time.Time
	PausedAt        *time.Time
	RunningSince    time.Time
	LastCheckpointID          string
	LastCheckpointDriverMajor int
	DiskID                    string
}

// Checkpoint is a durable artifact referencing a suspended GPU process
// (§3). Invariant: valid for restore only on a machine with matching driver
// major-version.
type Checkpoint struct {
	ID             string
	InstanceID     string
	CreatedAt      time.Time
	SizeBytes      int64
	ProcessName    string
	VRAMBytes      int64
	DriverMajor    int
}

// Snapshot is an entry in the deduplicating, content-addressed backup
// store.
type Snapshot struct {
	ID       string
	ShortID  string
	Time     time.Time
	Hostname string
	Tags     []string
	Paths    []string
}

// AttemptStage is the failing stage of a CreationAttempt, when it failed.
type AttemptStage string

const (
	StageSearch          AttemptStage = "search"
	StageOfferTaken      AttemptStage = "offer_taken"
	StageAPIError        AttemptStage = "api_error"
	StageProvisionTimeout AttemptStage = "provision_timeout"
	StageSSHTimeout      AttemptStage = "ssh_timeout"
	StagePostStartFail   AttemptStage = "post_start_fail"
)

// CreationAttempt is an append-only record of every create_instance call
// (§3).
type CreationAttempt struct {
	Provider        string
	MachineID       string
	OfferID         string
	GPUModel        string
	AdvertisedPrice float64
	AttemptedAt     time.Time
	Success         bool
	FailingStage    AttemptStage
	FailureReason   string
	TimeToReadySecs float64
	InstanceID      string
}

// BlacklistEntryType distinguishes auto-derived from operator-added
// blacklist entries.
type BlacklistEntryType string

const (
	BlacklistAuto      BlacklistEntryType = "auto"
	BlacklistManual    BlacklistEntryType = "manual"
	BlacklistTemporary BlacklistEntryType = "temporary"
)

// MachineBlacklistEntry bars a provider/machine-id pair from reuse (§3).
type MachineBlacklistEntry struct {
	Provider          string
	MachineID         string
	Type              BlacklistEntryType
	TotalAttempts     int
	FailedAttempts    int
	FailureRate       float64
	LastFailureReason string
	CreatedAt         time.Time
	ExpiresAt         *time.Time
	Active            bool
	Reason            string
	GPUName           string
}

// Expired reports whether the entry's TTL has passed as of now.
func (e *MachineBlacklistEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// EffectivelyBlacklisted implements the invariant from §3: active and
// (expires_at is null or in the future) implies excluded from offer search.
func (e *MachineBlacklistEntry) EffectivelyBlacklisted(now time.Time) bool {
	return e.Active && !e.Expired(now)
}
