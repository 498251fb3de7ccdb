package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/dumontcloud/control-plane/internal/sshexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// fakeDialer satisfies sshexec.Dialer without opening a real connection;
// it's swapped in wherever Run is exercised indirectly through a fake
// session. Since sshexec.Run talks to a real *ssh.Client, these tests
// instead exercise the pure parsing helpers directly — the same boundary
// restic_provider.py's own unit tests draw around subprocess output.
type fakeDialer struct{}

func (fakeDialer) Dial(ctx context.Context, target sshexec.Target, signer ssh.Signer) (*ssh.Client, error) {
	return nil, fmt.Errorf("fakeDialer: no real connection available in tests")
}

func TestSummaryFromRaw(t *testing.T) {
	raw := map[string]any{
		"message_type":          "summary",
		"snapshot_id":           "abcdef1234567890",
		"files_new":             float64(12),
		"files_changed":         float64(3),
		"files_unmodified":      float64(100),
		"total_files_processed": float64(115),
		"data_added":            float64(204800),
		"total_bytes_processed": float64(1048576),
	}
	s := summaryFromRaw(raw)
	assert.Equal(t, "abcdef12", s.SnapshotID)
	assert.Equal(t, 12, s.FilesNew)
	assert.Equal(t, 3, s.FilesChanged)
	assert.Equal(t, 100, s.FilesUnmodified)
	assert.Equal(t, 115, s.TotalFilesProcessed)
	assert.Equal(t, int64(204800), s.DataAdded)
	assert.Equal(t, int64(1048576), s.TotalBytesProcessed)
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abcd1234", shortID("abcd1234ef567890"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestParseResticTime(t *testing.T) {
	ts := parseResticTime("2024-03-01T10:15:30.123456789Z")
	require.False(t, ts.IsZero())
	assert.Equal(t, 2024, ts.Year())
	assert.Equal(t, time.March, ts.Month())
	assert.Equal(t, 1, ts.Day())
}

func TestNonEmptyLines(t *testing.T) {
	lines := nonEmptyLines("a\n\nb\n  \nc\n")
	assert.Equal(t, []string{"a", "b", "c"}, lines)
}

func TestNewEngineDefaults(t *testing.T) {
	e := NewEngine(Config{Repo: "s3:https://x/y", Password: "p"}, nil, nil, nil)
	assert.Equal(t, 32, e.cfg.Connections)
	assert.NotNil(t, e.dialer)
}

func TestEngineCreate_ParsesLastSummaryLine(t *testing.T) {
	// Exercises the multi-line JSON-stream parsing path directly, since
	// sshexec.Run requires a live SSH session. message_type: status lines
	// interleave with the terminal summary line in real restic --json output.
	lines := []byte(`{"message_type":"status","percent_done":0.1}
{"message_type":"status","percent_done":0.9}
{"message_type":"summary","snapshot_id":"deadbeefcafe0000","files_new":5,"files_changed":0,"files_unmodified":0,"total_files_processed":5,"data_added":1024,"total_bytes_processed":2048}
`)
	lns := nonEmptyLines(string(lines))
	require.Len(t, lns, 3)

	var last map[string]any
	for i := len(lns) - 1; i >= 0; i-- {
		var raw map[string]any
		if err := json.Unmarshal([]byte(lns[i]), &raw); err != nil {
			continue
		}
		if raw["message_type"] != "summary" {
			continue
		}
		last = raw
		break
	}
	require.NotNil(t, last)
	s := summaryFromRaw(last)
	assert.Equal(t, "deadbeef", s.SnapshotID)
	assert.Equal(t, 5, s.FilesNew)
}
