package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrapeJSONLine_FindsFirstJSONLine(t *testing.T) {
	output := "Fazendo checkpoint do PID 123...\n{\"checkpoint_id\": \"gpu-1\", \"pid\": 123, \"size_bytes\": 2048, \"vram_mb\": 512}\n"
	data, err := scrapeJSONLine(output)
	require.NoError(t, err)
	assert.Equal(t, "gpu-1", data["checkpoint_id"])
	assert.Equal(t, float64(2048), data["size_bytes"])
}

func TestScrapeJSONLine_NoJSON(t *testing.T) {
	_, err := scrapeJSONLine("no json here at all")
	assert.Error(t, err)
}

func TestScrapeJSONLine_ErrorPayload(t *testing.T) {
	data, err := scrapeJSONLine(`{"error": "cuda-checkpoint falhou"}`)
	require.NoError(t, err)
	assert.Equal(t, "cuda-checkpoint falhou", data["error"])
}

func TestEscapeSingleQuotes(t *testing.T) {
	assert.Equal(t, `it'"'"'s`, escapeSingleQuotes("it's"))
}

func TestNewEngineDefaultsDialer(t *testing.T) {
	e := NewEngine(nil, nil, R2Config{RemoteName: "r2", Bucket: "checkpoints"}, nil)
	assert.NotNil(t, e.dialer)
	assert.Equal(t, "checkpoints", e.r2.Bucket)
}

func TestCheckDriverCompatible(t *testing.T) {
	cases := []struct {
		name               string
		checkpointDriver   int
		installedDriver    int
		wantErr            bool
	}{
		{name: "matching versions", checkpointDriver: 550, installedDriver: 550, wantErr: false},
		{name: "newer installed driver", checkpointDriver: 550, installedDriver: 560, wantErr: true},
		{name: "older installed driver", checkpointDriver: 560, installedDriver: 550, wantErr: true},
		{name: "zero checkpoint driver never matches a real one", checkpointDriver: 0, installedDriver: 550, wantErr: true},
		{name: "both zero (undetected on both sides) treated as matching", checkpointDriver: 0, installedDriver: 0, wantErr: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckDriverCompatible(tc.checkpointDriver, tc.installedDriver)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDriverMajorOf(t *testing.T) {
	cases := []struct {
		version string
		want    int
		ok      bool
	}{
		{version: "550.90.07", want: 550, ok: true},
		{version: "535", want: 535, ok: true},
		{version: "", want: 0, ok: false},
		{version: "not-a-version", want: 0, ok: false},
	}
	for _, tc := range cases {
		got, ok := driverMajorOf(tc.version)
		assert.Equal(t, tc.ok, ok, tc.version)
		if tc.ok {
			assert.Equal(t, tc.want, got, tc.version)
		}
	}
}
