package agent

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// GPUMetrics mirrors the control plane's agentingress.GPUMetrics wire shape.
// Kept as a local copy since this binary is a separate module and cannot
// import the control plane's internal packages.
type GPUMetrics struct {
	Utilization     float64   `json:"utilization"`
	GPUCount        int       `json:"gpu_count"`
	GPUNames        []string  `json:"gpu_names"`
	GPUUtilizations []float64 `json:"gpu_utilizations"`
	GPUMemoryUsed   []int64   `json:"gpu_memory_used"`
	GPUMemoryTotal  []int64   `json:"gpu_memory_total"`
	GPUTemperatures []float64 `json:"gpu_temperatures"`
}

// collectGPUMetrics shells out to nvidia-smi for a per-GPU snapshot. It
// returns (nil, err) on any box without a working nvidia-smi (CPU dev
// boxes, containers without GPU passthrough) so callers can fall back to a
// zero-value heartbeat instead of failing it outright.
func collectGPUMetrics(ctx context.Context) (*GPUMetrics, error) {
	out, err := runNvidiaSMI(ctx, "--query-gpu=name,utilization.gpu,memory.used,memory.total,temperature.gpu", "--format=csv,noheader,nounits")
	if err != nil {
		return nil, err
	}
	return parseNvidiaSMIOutput(out), nil
}

// parseNvidiaSMIOutput parses nvidia-smi's
// "--query-gpu=name,utilization.gpu,memory.used,memory.total,
// temperature.gpu --format=csv,noheader,nounits" output: one
// comma-separated line per GPU. Malformed lines are skipped rather than
// failing the whole snapshot.
func parseNvidiaSMIOutput(out string) *GPUMetrics {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	metrics := &GPUMetrics{}

	var utilSum float64
	for _, line := range lines {
		fields := strings.Split(line, ",")
		if len(fields) != 5 {
			continue
		}
		name := strings.TrimSpace(fields[0])
		util := parseFloat(fields[1])
		memUsed := parseInt(fields[2])
		memTotal := parseInt(fields[3])
		temp := parseFloat(fields[4])

		metrics.GPUNames = append(metrics.GPUNames, name)
		metrics.GPUUtilizations = append(metrics.GPUUtilizations, util)
		metrics.GPUMemoryUsed = append(metrics.GPUMemoryUsed, memUsed)
		metrics.GPUMemoryTotal = append(metrics.GPUMemoryTotal, memTotal)
		metrics.GPUTemperatures = append(metrics.GPUTemperatures, temp)
		utilSum += util
	}

	metrics.GPUCount = len(metrics.GPUNames)
	if metrics.GPUCount > 0 {
		metrics.Utilization = utilSum / float64(metrics.GPUCount)
	}

	return metrics
}

func runNvidiaSMI(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi", args...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
