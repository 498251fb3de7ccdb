package events

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Type tags every structured event the core emits, matching the
// SyncEvent/ServerlessEvent vocabulary from the data model.
type Type string

const (
	TypeSyncOK          Type = "sync_ok"
	TypeSyncFail        Type = "sync_fail"
	TypeScaleDown        Type = "scale_down"
	TypeScaleUp          Type = "scale_up"
	TypeResumeFailed      Type = "resume_failed"
	TypeFallbackSnapshot  Type = "fallback_snapshot"
	TypeFallbackDisk      Type = "fallback_disk"
	TypeAutoDestroy       Type = "auto_destroy"
	TypeFailoverTriggered Type = "failover_triggered"
	TypeResumeOK          Type = "resume_ok"
	TypeGhostDetected     Type = "ghost_detected"
)

// Event is the append-only observability record every state transition and
// external call emits through the sink interface (§9 Observability).
type Event struct {
	ID         string
	Type       Type
	Timestamp  time.Time
	InstanceID string
	UserID     string
	Duration   time.Duration
	CostSaved  float64
	Detail     map[string]any
}

// New stamps a fresh Event with a random id and the current time.
func New(eventType Type, instanceID string, detail map[string]any) Event {
	return Event{
		ID:         newEventID(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		InstanceID: instanceID,
		Detail:     detail,
	}
}

// newEventID returns a random 16-hex-char id. Unlike ad-hoc
// nanosecond-seeded generators, this draws from crypto/rand so collisions
// under tight-loop bursts aren't a concern.
func newEventID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(buf[:])
}
