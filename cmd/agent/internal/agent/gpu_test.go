package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseNvidiaSMIOutput_SingleGPU(t *testing.T) {
	out := "NVIDIA A100, 42, 1024, 81920, 55\n"
	metrics := parseNvidiaSMIOutput(out)

	assert.Equal(t, 1, metrics.GPUCount)
	assert.Equal(t, []string{"NVIDIA A100"}, metrics.GPUNames)
	assert.Equal(t, 42.0, metrics.GPUUtilizations[0])
	assert.Equal(t, int64(1024), metrics.GPUMemoryUsed[0])
	assert.Equal(t, int64(81920), metrics.GPUMemoryTotal[0])
	assert.Equal(t, 55.0, metrics.GPUTemperatures[0])
	assert.Equal(t, 42.0, metrics.Utilization)
}

func TestParseNvidiaSMIOutput_MultiGPUAverages(t *testing.T) {
	out := "GPU0, 20, 100, 1000, 40\nGPU1, 80, 200, 1000, 60\n"
	metrics := parseNvidiaSMIOutput(out)

	assert.Equal(t, 2, metrics.GPUCount)
	assert.Equal(t, 50.0, metrics.Utilization)
}

func TestParseNvidiaSMIOutput_SkipsMalformedLines(t *testing.T) {
	out := "GPU0, 20, 100, 1000, 40\nnot,enough,fields\n"
	metrics := parseNvidiaSMIOutput(out)

	assert.Equal(t, 1, metrics.GPUCount)
}

func TestParseNvidiaSMIOutput_Empty(t *testing.T) {
	metrics := parseNvidiaSMIOutput("")
	assert.Equal(t, 0, metrics.GPUCount)
	assert.Equal(t, 0.0, metrics.Utilization)
}
