// Package agentingress implements the Agent Ingress (C10): the stateless
// heartbeat endpoint that in-guest agents call every few seconds, feeding
// the Standby Manager's hibernation decision and the Serverless Scheduler's
// idle tracking. Grounded on original_source's
// api/v1/endpoints/agent.py's receive_agent_status handler.
package agentingress

import (
	"context"
	"fmt"
	"strings"

	"github.com/dumontcloud/control-plane/internal/standby"
	"go.uber.org/zap"
)

// GPUMetrics mirrors agent.py's GPUMetrics payload.
type GPUMetrics struct {
	Utilization     float64   `json:"utilization"`
	GPUCount        int       `json:"gpu_count"`
	GPUNames        []string  `json:"gpu_names"`
	GPUUtilizations []float64 `json:"gpu_utilizations"`
	GPUMemoryUsed   []int64   `json:"gpu_memory_used"`
	GPUMemoryTotal  []int64   `json:"gpu_memory_total"`
	GPUTemperatures []float64 `json:"gpu_temperatures"`
}

// Heartbeat mirrors agent.py's AgentStatusRequest.
type Heartbeat struct {
	Agent          string      `json:"agent"`
	Version        string      `json:"version"`
	InstanceID     string      `json:"instance_id"`
	Status         string      `json:"status"`
	Message        string      `json:"message"`
	LastBackup     string      `json:"last_backup"`
	Timestamp      string      `json:"timestamp"`
	Uptime         string      `json:"uptime"`
	GPUMetrics     *GPUMetrics `json:"gpu_metrics"`
	GPUUtilization *float64    `json:"gpu_utilization"`
}

// Response mirrors agent.py's AgentStatusResponse.
type Response struct {
	Received   bool   `json:"received"`
	InstanceID string `json:"instance_id"`
	Action     string `json:"action"`
	Message    string `json:"message"`
}

const (
	ActionNone             = "none"
	ActionPrepareHibernate = "prepare_hibernate"
	ActionShutdown         = "shutdown"
)

// UtilizationUpdater is the narrow slice of the Serverless Scheduler (C7)
// the ingress path needs: best-effort utilization sample recording.
type UtilizationUpdater interface {
	UpdateGPUUtilization(ctx context.Context, instanceID string, util float64) error
}

// Ingress processes agent heartbeats. It is stateless beyond deferring to
// the Standby Manager and Serverless Scheduler (§4.10).
type Ingress struct {
	standby    *standby.Manager
	serverless UtilizationUpdater
	logger     *zap.Logger
}

// New constructs an Ingress. Either dependency may be nil to disable that
// leg of processing.
func New(standbyMgr *standby.Manager, serverless UtilizationUpdater, logger *zap.Logger) *Ingress {
	return &Ingress{standby: standbyMgr, serverless: serverless, logger: logger}
}

// ReceiveStatus processes one heartbeat (§4.10):
//  1. extract a numeric instance_id, stripping a provider prefix
//  2. derive a single utilization value
//  3. consult the Standby Manager's hibernation decision tree
//  4. best-effort feed the Serverless Scheduler's idle tracking
//  5. respond with {received, instance_id, action, message}
func (i *Ingress) ReceiveStatus(ctx context.Context, hb Heartbeat) Response {
	instanceID := stripProviderPrefix(hb.InstanceID)
	util := utilizationOf(hb)

	if i.logger != nil {
		i.logger.Info("agent heartbeat",
			zap.String("instance_id", instanceID),
			zap.String("status", hb.Status),
			zap.Float64("gpu_util", util),
		)
	}

	if i.standby != nil {
		status := i.standby.UpdateInstanceStatus(instanceID, util)
		if status.ShouldHibernate {
			return Response{
				Received:   true,
				InstanceID: instanceID,
				Action:     ActionPrepareHibernate,
				Message:    hibernateMessage(status.SecondsUntilHibernate),
			}
		}
	}

	if i.serverless != nil {
		if err := i.serverless.UpdateGPUUtilization(ctx, instanceID, util); err != nil && i.logger != nil {
			i.logger.Debug("could not update serverless scheduler from heartbeat", zap.String("instance_id", instanceID), zap.Error(err))
		}
	}

	return Response{
		Received:   true,
		InstanceID: instanceID,
		Action:     ActionNone,
		Message:    "status received",
	}
}

// stripProviderPrefix drops a "<provider>_" prefix (e.g. "vast_12345" ->
// "12345"), mirroring agent.py's manual vast_ strip generalized to any
// provider tag.
func stripProviderPrefix(instanceID string) string {
	if idx := strings.IndexByte(instanceID, '_'); idx >= 0 {
		rest := instanceID[idx+1:]
		if rest != "" {
			allDigits := true
			for _, r := range rest {
				if r < '0' || r > '9' {
					allDigits = false
					break
				}
			}
			if allDigits {
				return rest
			}
		}
	}
	return instanceID
}

func utilizationOf(hb Heartbeat) float64 {
	if hb.GPUMetrics != nil {
		return hb.GPUMetrics.Utilization
	}
	if hb.GPUUtilization != nil {
		return *hb.GPUUtilization
	}
	return 0
}

func hibernateMessage(secondsUntil int) string {
	return fmt.Sprintf("instance will hibernate in %ds", secondsUntil)
}
