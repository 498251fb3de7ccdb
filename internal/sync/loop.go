// Package sync implements the Sync Loop (C5): a periodic, per-association
// workspace replication task that keeps a CPU standby's disk current with
// its paired GPU instance. Grounded on original_source's
// sync_machine_service.py _sync_loop/start_continuous_sync/
// stop_continuous_sync: pull the GPU's source path down to a local relay
// directory, then push the relay up to the CPU side, since the transport
// this system has to the remote hosts does not permit a direct
// machine-to-machine rsync.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dumontcloud/control-plane/internal/errs"
	"github.com/dumontcloud/control-plane/internal/events"
	"github.com/dumontcloud/control-plane/internal/sshexec"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	// DefaultInterval matches sync_machine_service.py's default cadence.
	DefaultInterval = 30 * time.Second
	MinInterval     = 2 * time.Second
	MaxInterval     = time.Hour

	pullTimeout = 300 * time.Second
	pushTimeout = 300 * time.Second

	// consecutiveFailuresBeforeEvent is the number of back-to-back failed
	// rounds that triggers a sync_fail event without disabling the loop.
	consecutiveFailuresBeforeEvent = 3
)

// excludePatterns mirrors sync_machine_service.py's rsync --exclude list:
// VCS metadata, language caches, bytecode, logs, and virtualenv directories
// that have no business being replicated to a standby.
var excludePatterns = []string{
	".git", "__pycache__", "*.pyc", "node_modules", ".venv", "venv",
	"*.log", ".cache", ".pytest_cache", ".mypy_cache",
}

// Endpoint addresses one side of a sync round.
type Endpoint struct {
	Target     sshexec.Target
	SourcePath string
}

// Relay is the local staging directory a round pulls into and pushes from.
// It lives on whichever host runs the sync loop, not on the GPU or CPU.
type Relay struct {
	Target sshexec.Target
	Path   string
}

// Counters is the subset of StandbyAssociation fields a Round updates;
// kept separate from model.StandbyAssociation so this package doesn't need
// to import the repository layer to persist results.
type Counters struct {
	SyncCount               int64
	LastSyncAt              time.Time
	LastSyncDuration        time.Duration
	LastSyncBytes           int64
	ConsecutiveSyncFailures int
}

// Persister is called after every round (success or failure) to durably
// record the updated counters.
type Persister func(ctx context.Context, associationID string, c Counters) error

// Loop drives one StandbyAssociation's periodic pull-then-push replication.
type Loop struct {
	AssociationID      string
	GPU                Endpoint
	CPU                Endpoint
	Relay              Relay
	Interval           time.Duration
	BandwidthLimitKBps int
	Dialer             sshexec.Dialer
	Signer             ssh.Signer
	Persist            Persister
	Bus                *events.Bus
	Logger             *zap.Logger

	mu       sync.Mutex
	counters Counters
	stopCh   chan struct{}
	stopped  chan struct{}
	running  bool
}

// NewLoop constructs a Loop. Interval is clamped to [MinInterval,MaxInterval],
// defaulting to DefaultInterval when zero.
func NewLoop(associationID string, gpu, cpu Endpoint, relay Relay, interval time.Duration, signer ssh.Signer, dialer sshexec.Dialer, persist Persister, bus *events.Bus, logger *zap.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	if interval > MaxInterval {
		interval = MaxInterval
	}
	if dialer == nil {
		dialer = sshexec.DefaultDialer
	}
	return &Loop{
		AssociationID: associationID,
		GPU:           gpu,
		CPU:           cpu,
		Relay:         relay,
		Interval:      interval,
		Dialer:        dialer,
		Signer:        signer,
		Persist:       persist,
		Bus:           bus,
		Logger:        logger,
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// Start runs the loop until ctx is canceled or Stop is called. It is meant
// to be launched with `go loop.Start(ctx)`.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()

	defer close(l.stopped)

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.runRound(ctx)
		}
	}
}

// Stop signals Start to return and blocks until it has. Safe to call more
// than once or on a Loop that was never started.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()
	close(l.stopCh)
	<-l.stopped
}

// Counters returns a snapshot of the loop's current counters.
func (l *Loop) Counters() Counters {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters
}

// RunOnce performs a single pull-then-push round outside the ticker loop,
// updating counters exactly as a scheduled round would. Used by the
// recovery loop (§4.6 step 5) to relay the workspace onto a freshly
// recovered GPU without waiting for the next tick.
func (l *Loop) RunOnce(ctx context.Context) error {
	pullBytes, err := l.pull(ctx)
	if err != nil {
		l.recordFailure(ctx, "pull", err)
		return err
	}
	pushBytes, err := l.push(ctx)
	if err != nil {
		l.recordFailure(ctx, "push", err)
		return err
	}
	l.recordSuccess(ctx, time.Now(), pullBytes, pushBytes)
	return nil
}

// runRound performs one pull-then-push cycle. A failed pull skips the push
// entirely and the round is recorded as failed (§4.5: "failed pull skips
// push and waits one interval").
func (l *Loop) runRound(ctx context.Context) {
	start := time.Now()

	pullBytes, err := l.pull(ctx)
	if err != nil {
		l.recordFailure(ctx, "pull", err)
		return
	}

	pushBytes, err := l.push(ctx)
	if err != nil {
		l.recordFailure(ctx, "push", err)
		return
	}

	l.recordSuccess(ctx, start, pullBytes, pushBytes)
}

func (l *Loop) recordSuccess(ctx context.Context, start time.Time, pullBytes, pushBytes int64) {

	l.mu.Lock()
	l.counters.SyncCount++
	l.counters.LastSyncAt = time.Now().UTC()
	l.counters.LastSyncDuration = time.Since(start)
	l.counters.LastSyncBytes = pullBytes + pushBytes
	l.counters.ConsecutiveSyncFailures = 0
	snapshot := l.counters
	l.mu.Unlock()

	if l.Persist != nil {
		if err := l.Persist(ctx, l.AssociationID, snapshot); err != nil && l.Logger != nil {
			l.Logger.Warn("failed to persist sync counters", zap.String("association_id", l.AssociationID), zap.Error(err))
		}
	}

	if l.Bus != nil {
		l.Bus.Publish(ctx, events.New(events.TypeSyncOK, l.AssociationID, map[string]any{
			"bytes":    snapshot.LastSyncBytes,
			"duration": snapshot.LastSyncDuration.String(),
		}))
	}
}

func (l *Loop) recordFailure(ctx context.Context, stage string, cause error) {
	l.mu.Lock()
	l.counters.ConsecutiveSyncFailures++
	consecutive := l.counters.ConsecutiveSyncFailures
	snapshot := l.counters
	l.mu.Unlock()

	if l.Logger != nil {
		l.Logger.Warn("sync round failed",
			zap.String("association_id", l.AssociationID),
			zap.String("stage", stage),
			zap.Error(cause),
		)
	}

	if l.Persist != nil {
		if err := l.Persist(ctx, l.AssociationID, snapshot); err != nil && l.Logger != nil {
			l.Logger.Warn("failed to persist sync counters", zap.String("association_id", l.AssociationID), zap.Error(err))
		}
	}

	// Three consecutive failures raise a sync_fail event but the loop
	// keeps running (§4.5: "don't disable the loop").
	if consecutive >= consecutiveFailuresBeforeEvent && l.Bus != nil {
		l.Bus.Publish(ctx, events.New(events.TypeSyncFail, l.AssociationID, map[string]any{
			"stage":       stage,
			"consecutive": consecutive,
			"error":       cause.Error(),
		}))
	}
}

// pull replicates the GPU's source path down into the relay directory.
func (l *Loop) pull(ctx context.Context) (int64, error) {
	cmd := l.rsyncCommand(l.Relay.Path, targetAddr(l.GPU.Target, l.GPU.SourcePath), true, l.GPU.Target.Port)
	res, err := sshexec.Run(ctx, l.Dialer, l.Relay.Target, l.Signer, cmd, pullTimeout)
	if err != nil {
		return 0, errs.Wrap(errs.KindShellFailed, "pull from gpu", err)
	}
	return parseRsyncBytes(res.Stdout), nil
}

// push replicates the relay directory up to the CPU's destination path.
func (l *Loop) push(ctx context.Context) (int64, error) {
	cmd := l.rsyncCommand(l.Relay.Path, targetAddr(l.CPU.Target, l.CPU.SourcePath), false, l.CPU.Target.Port)
	res, err := sshexec.Run(ctx, l.Dialer, l.Relay.Target, l.Signer, cmd, pushTimeout)
	if err != nil {
		return 0, errs.Wrap(errs.KindShellFailed, "push to cpu", err)
	}
	return parseRsyncBytes(res.Stdout), nil
}

// targetAddr builds the "user@host:port:path" rsync remote-shell spec for t.
func targetAddr(t sshexec.Target, path string) string {
	user := t.User
	if user == "" {
		user = "root"
	}
	return fmt.Sprintf("%s@%s:%s", user, t.Host, path)
}

// rsyncCommand builds an rsync invocation matching sync_machine_service.py's
// flags: archive mode, delete-on-dest (deletions are preserved both ways),
// stats for byte accounting, the shared exclude list, and an optional
// bandwidth limit. relayPath is the local (to the relay host) side of the
// transfer; remoteSpec is the "user@host:path" side. remoteIsSource
// selects whether the remote or the relay is the rsync source.
func (l *Loop) rsyncCommand(relayPath, remoteSpec string, remoteIsSource bool, port int) string {
	excludes := ""
	for _, p := range excludePatterns {
		excludes += fmt.Sprintf(" --exclude=%q", p)
	}
	bw := ""
	if l.BandwidthLimitKBps > 0 {
		bw = fmt.Sprintf(" --bwlimit=%d", l.BandwidthLimitKBps)
	}

	sshFlag := "ssh -o StrictHostKeyChecking=no"
	if port > 0 && port != 22 {
		sshFlag += fmt.Sprintf(" -p %d", port)
	}
	if remoteIsSource {
		return fmt.Sprintf("rsync -az --delete --stats%s%s -e %q %s/ %s", excludes, bw, sshFlag, remoteSpec, relayPath)
	}
	return fmt.Sprintf("rsync -az --delete --stats%s%s -e %q %s/ %s", excludes, bw, sshFlag, relayPath, remoteSpec)
}

// parseRsyncBytes extracts "Total transferred file size" from rsync --stats
// output; returns 0 if the line isn't found rather than erroring, since
// byte accounting is a counter, not a correctness signal.
func parseRsyncBytes(stdout string) int64 {
	const marker = "Total transferred file size:"
	idx := indexOf(stdout, marker)
	if idx < 0 {
		return 0
	}
	rest := stdout[idx+len(marker):]
	var n int64
	started := false
	for _, r := range rest {
		if r >= '0' && r <= '9' {
			n = n*10 + int64(r-'0')
			started = true
			continue
		}
		if r == ',' {
			continue
		}
		if started {
			break
		}
	}
	return n
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
