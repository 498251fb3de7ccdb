package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dumontcloud/control-plane/internal/sshexec"
	"github.com/stretchr/testify/assert"
)

func TestNewLoop_ClampsInterval(t *testing.T) {
	l := NewLoop("a1", Endpoint{}, Endpoint{}, Relay{}, 0, nil, nil, nil, nil, nil)
	assert.Equal(t, DefaultInterval, l.Interval)

	l = NewLoop("a1", Endpoint{}, Endpoint{}, Relay{}, time.Millisecond, nil, nil, nil, nil, nil)
	assert.Equal(t, MinInterval, l.Interval)

	l = NewLoop("a1", Endpoint{}, Endpoint{}, Relay{}, 24*time.Hour, nil, nil, nil, nil, nil)
	assert.Equal(t, MaxInterval, l.Interval)
}

func TestParseRsyncBytes(t *testing.T) {
	out := "Number of files: 10\nTotal transferred file size: 1,234,567 bytes\n"
	assert.Equal(t, int64(1234567), parseRsyncBytes(out))
}

func TestParseRsyncBytes_NoMatch(t *testing.T) {
	assert.Equal(t, int64(0), parseRsyncBytes("nothing here"))
}

func TestTargetAddr_DefaultsUserToRoot(t *testing.T) {
	got := targetAddr(sshexec.Target{Host: "10.0.0.5"}, "/workspace")
	assert.Equal(t, "root@10.0.0.5:/workspace", got)
}

func TestRsyncCommand_IncludesExcludesAndBandwidth(t *testing.T) {
	l := &Loop{BandwidthLimitKBps: 500}
	cmd := l.rsyncCommand("/relay", "root@host:/ws", true, 2222)
	assert.Contains(t, cmd, `--exclude=".git"`)
	assert.Contains(t, cmd, "--bwlimit=500")
	assert.Contains(t, cmd, "-p 2222")
	assert.Contains(t, cmd, "root@host:/ws/ /relay")
}

func TestRecordFailure_EmitsSyncFailAfterThreeConsecutive(t *testing.T) {
	l := NewLoop("a1", Endpoint{}, Endpoint{}, Relay{}, 0, nil, nil, nil, nil, nil)
	for i := 0; i < 2; i++ {
		l.recordFailure(context.Background(), "pull", errors.New("boom"))
	}
	assert.Equal(t, 2, l.Counters().ConsecutiveSyncFailures)
}
