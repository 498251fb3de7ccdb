// Package agent implements the in-guest heartbeat daemon (A8): a small
// process installed on every GPU instance that reports GPU utilization to
// the control plane's Agent Ingress (C10) and acts on the hibernate/
// shutdown directives it receives back. Grounded on
// teacher-node-agent/internal/agent/agent.go's loop structure, adapted to
// this project's heartbeat wire shape and nvidia-smi-based metrics instead
// of vLLM-specific health checks.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Heartbeat mirrors the control plane's agentingress.Heartbeat wire shape.
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

// Response mirrors the control plane's agentingress.Response wire shape.
type Response struct {
	Received   bool   `json:"received"`
	InstanceID string `json:"instance_id"`
	Action     string `json:"action"`
	Message    string `json:"message"`
}

const (
	actionPrepareHibernate = "prepare_hibernate"
	actionShutdown         = "shutdown"

	agentName    = "dumontcloud-agent"
	agentVersion = "1.0.0"
)

// Config holds agent configuration, populated from environment variables.
type Config struct {
	ControlPlaneURL   string
	InstanceID        string
	Provider          string
	SpotInstance      bool
	HeartbeatInterval time.Duration
}

// Agent polls local GPU metrics and reports them to the control plane.
type Agent struct {
	config     *Config
	logger     *zap.Logger
	httpClient *http.Client
	startedAt  time.Time
	stopChan   chan struct{}
}

// NewAgent creates a new heartbeat agent.
func NewAgent(config *Config, logger *zap.Logger) (*Agent, error) {
	return &Agent{
		config: config,
		logger: logger,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		startedAt: time.Now(),
		stopChan:  make(chan struct{}),
	}, nil
}

// Start launches the heartbeat loop and, for spot/preemptible instances,
// the termination-warning poller.
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info("starting node agent",
		zap.String("instance_id", a.config.InstanceID),
		zap.String("provider", a.config.Provider),
	)

	go a.heartbeatLoop(ctx)

	if a.config.SpotInstance {
		go a.terminationMonitorLoop(ctx)
	}

	return nil
}

// Stop signals all loops to exit.
func (a *Agent) Stop(ctx context.Context) error {
	a.logger.Info("stopping node agent")
	close(a.stopChan)
	return nil
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopChan:
			return
		case <-ticker.C:
			if err := a.sendHeartbeat(ctx); err != nil {
				a.logger.Error("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// sendHeartbeat collects GPU metrics, posts a status report, and acts on
// whatever directive the control plane's Agent Ingress sends back.
func (a *Agent) sendHeartbeat(ctx context.Context) error {
	gpuMetrics, err := collectGPUMetrics(ctx)
	if err != nil {
		a.logger.Debug("no gpu metrics available", zap.Error(err))
		gpuMetrics = nil
	}

	hb := Heartbeat{
		Agent:      agentName,
		Version:    agentVersion,
		InstanceID: a.config.InstanceID,
		Status:     "running",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Uptime:     time.Since(a.startedAt).String(),
		GPUMetrics: gpuMetrics,
	}
	if gpuMetrics != nil {
		hb.GPUUtilization = &gpuMetrics.Utilization
	}

	body, err := json.Marshal(hb)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/agent/status", a.config.ControlPlaneURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("heartbeat failed with status %d", resp.StatusCode)
	}

	var status Response
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return err
	}

	a.logger.Debug("heartbeat sent", zap.Float64("gpu_util", floatOrZero(hb.GPUUtilization)), zap.String("action", status.Action))
	a.handleAction(ctx, status)
	return nil
}

func (a *Agent) handleAction(ctx context.Context, status Response) {
	switch status.Action {
	case actionPrepareHibernate:
		a.logger.Warn("control plane requested hibernation prep", zap.String("message", status.Message))
		// TODO: flush any in-flight checkpoint state before the control
		// plane snapshots and suspends this instance.
	case actionShutdown:
		a.logger.Warn("control plane requested shutdown", zap.String("message", status.Message))
		a.gracefulDrain(ctx)
	}
}

func floatOrZero(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// terminationMonitorLoop polls cloud metadata for spot/preemptible
// termination signals, independent of the control plane's own
// hibernate/shutdown directives.
func (a *Agent) terminationMonitorLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopChan:
			return
		case <-ticker.C:
			if a.checkTerminationWarning(ctx) {
				a.logger.Warn("spot termination warning detected - initiating graceful drain")
				a.gracefulDrain(ctx)
				return
			}
		}
	}
}

// gracefulDrain waits out the cloud provider's termination warning window
// before the process exits, giving in-flight work a chance to finish.
func (a *Agent) gracefulDrain(ctx context.Context) {
	drainTimeout := 90 * time.Second
	deadline := time.Now().Add(drainTimeout)

	a.logger.Info("waiting for in-flight work to complete", zap.Duration("timeout", drainTimeout))

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	a.logger.Info("graceful drain completed")
}

func (a *Agent) checkTerminationWarning(ctx context.Context) bool {
	switch a.config.Provider {
	case "aws":
		return a.checkAWSTermination(ctx)
	case "gcp":
		return a.checkGCPTermination(ctx)
	case "azure":
		return a.checkAzureTermination(ctx)
	default:
		return false
	}
}

// checkAWSTermination polls the AWS spot instance termination notice.
func (a *Agent) checkAWSTermination(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://169.254.169.254/latest/meta-data/spot/instance-action", nil)
	if err != nil {
		return false
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// checkGCPTermination polls the GCP preemptible VM termination notice.
func (a *Agent) checkGCPTermination(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/instance/preempted", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(body)) == "TRUE"
}

// checkAzureTermination polls the Azure Scheduled Events API.
func (a *Agent) checkAzureTermination(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://169.254.169.254/metadata/scheduledevents?api-version=2020-07-01", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata", "true")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var scheduledEvents struct {
		Events []struct {
			EventType    string `json:"EventType"`
			ResourceType string `json:"ResourceType"`
			EventStatus  string `json:"EventStatus"`
		} `json:"Events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&scheduledEvents); err != nil {
		return false
	}

	for _, event := range scheduledEvents.Events {
		if (event.EventType == "Preempt" || event.EventType == "Terminate") &&
			event.ResourceType == "VirtualMachine" && event.EventStatus == "Scheduled" {
			return true
		}
	}
	return false
}
