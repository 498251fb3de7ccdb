// Package snapshot implements the Snapshot Engine (C3): a deduplicating,
// content-addressed backup over an S3-compatible object store, driven
// remotely via restic over SSH. Grounded directly on
// original_source/src/infrastructure/providers/restic_provider.py — same
// command shape, same credential-injection-via-export, same JSON summary
// parsing and benign-chown-error filtering.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dumontcloud/control-plane/internal/errs"
	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/dumontcloud/control-plane/internal/sshexec"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	createTimeout  = time.Hour
	listTimeout    = 60 * time.Second
	restoreTimeout = 30 * time.Minute
	deleteTimeout  = 120 * time.Second
	pruneTimeout   = 300 * time.Second
)

// Config holds the restic repository's credentials (§6 object-store
// contract).
type Config struct {
	Repo        string // e.g. s3:https://endpoint/bucket/restic
	Password    string
	AccessKey   string
	SecretKey   string
	Connections int
}

// Engine is the Snapshot Engine. Stateless aside from its config and shared
// SSH dialer, matching §4.3's "all adapters are stateless between calls".
type Engine struct {
	cfg    Config
	dialer sshexec.Dialer
	signer ssh.Signer
	logger *zap.Logger
}

// NewEngine constructs a Snapshot Engine. signer authenticates every SSH
// session; dialer is normally sshexec.DefaultDialer, swapped in tests.
func NewEngine(cfg Config, signer ssh.Signer, dialer sshexec.Dialer, logger *zap.Logger) *Engine {
	if cfg.Connections == 0 {
		cfg.Connections = 32
	}
	if dialer == nil {
		dialer = sshexec.DefaultDialer
	}
	return &Engine{cfg: cfg, dialer: dialer, signer: signer, logger: logger}
}

func (e *Engine) envPrefix() string {
	return fmt.Sprintf(
		"export AWS_ACCESS_KEY_ID='%s' && export AWS_SECRET_ACCESS_KEY='%s' && export RESTIC_PASSWORD='%s' && export RESTIC_REPOSITORY='%s' && ",
		e.cfg.AccessKey, e.cfg.SecretKey, e.cfg.Password, e.cfg.Repo,
	)
}

// SnapshotSummary is the parsed `message_type: summary` line of `restic
// backup --json`.
type SnapshotSummary struct {
	SnapshotID           string
	FilesNew             int
	FilesChanged         int
	FilesUnmodified      int
	TotalFilesProcessed  int
	DataAdded            int64
	TotalBytesProcessed  int64
}

// Create runs `restic backup` against sourcePath on the remote target and
// parses the final JSON summary line.
func (e *Engine) Create(ctx context.Context, target sshexec.Target, sourcePath string, tags []string) (*SnapshotSummary, error) {
	tagArgs := ""
	for _, t := range tags {
		tagArgs += fmt.Sprintf(" --tag %s", t)
	}
	cmd := e.envPrefix() + fmt.Sprintf(
		"restic backup %s%s -o s3.connections=%d --json",
		sourcePath, tagArgs, e.cfg.Connections,
	)

	res, err := sshexec.Run(ctx, e.dialer, target, e.signer, cmd, createTimeout)
	if err != nil {
		return nil, errs.Wrap(errs.KindSnapshotFailed, "restic backup failed", err)
	}

	lines := nonEmptyLines(res.Stdout)
	for i := len(lines) - 1; i >= 0; i-- {
		var raw map[string]any
		if err := json.Unmarshal([]byte(lines[i]), &raw); err != nil {
			continue
		}
		if raw["message_type"] != "summary" {
			continue
		}
		return summaryFromRaw(raw), nil
	}
	return nil, errs.New(errs.KindSnapshotFailed, "could not parse restic backup output")
}

func summaryFromRaw(raw map[string]any) *SnapshotSummary {
	s := &SnapshotSummary{}
	if v, ok := raw["snapshot_id"].(string); ok {
		s.SnapshotID = shortID(v)
	}
	s.FilesNew = intOf(raw["files_new"])
	s.FilesChanged = intOf(raw["files_changed"])
	s.FilesUnmodified = intOf(raw["files_unmodified"])
	s.TotalFilesProcessed = intOf(raw["total_files_processed"])
	s.DataAdded = int64(floatOf(raw["data_added"]))
	s.TotalBytesProcessed = int64(floatOf(raw["total_bytes_processed"]))
	return s
}

// List returns every snapshot in the repository, newest first. If target
// is nil, restic runs against the repository directly from the control
// plane host rather than over SSH (matching the Python provider's
// ssh_host-optional signature).
func (e *Engine) List(ctx context.Context, target *sshexec.Target) ([]model.Snapshot, error) {
	cmd := e.envPrefix() + "restic snapshots --json"

	var stdout string
	if target != nil {
		res, err := sshexec.Run(ctx, e.dialer, *target, e.signer, cmd, listTimeout)
		if err != nil {
			if e.logger != nil {
				e.logger.Error("failed to list snapshots", zap.Error(err))
			}
			return nil, nil // List degrades to empty rather than failing (§4.3 source behavior).
		}
		stdout = res.Stdout
	} else {
		return nil, errs.New(errs.KindValidation, "local restic execution is not supported; a target is required")
	}

	var raw []map[string]any
	if stdout != "" {
		if err := json.Unmarshal([]byte(stdout), &raw); err != nil {
			return nil, nil
		}
	}

	out := make([]model.Snapshot, 0, len(raw))
	for _, r := range raw {
		id, _ := r["id"].(string)
		ts, _ := r["time"].(string)
		hostname, _ := r["hostname"].(string)
		out = append(out, model.Snapshot{
			ID:       id,
			ShortID:  shortID(id),
			Time:     parseResticTime(ts),
			Hostname: hostname,
			Tags:     stringsOf(r["tags"]),
			Paths:    stringsOf(r["paths"]),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.After(out[j].Time) })
	return out, nil
}

// RestoreResult is the outcome of Restore. Chown/lchown lines are filtered
// out of Errors per §4.3's "chown failures are classified as benign".
type RestoreResult struct {
	Success       bool
	SnapshotID    string
	TargetPath    string
	FilesRestored int
	Errors        []string
}

func (e *Engine) Restore(ctx context.Context, target sshexec.Target, snapshotID, targetPath string, verify bool) (*RestoreResult, error) {
	verifyFlag := ""
	if verify {
		verifyFlag = " --verify"
	}
	cmd := e.envPrefix() + fmt.Sprintf(
		"restic restore %s --target %s --no-owner -o s3.connections=%d%s 2>&1",
		snapshotID, targetPath, e.cfg.Connections, verifyFlag,
	)

	res, err := sshexec.Run(ctx, e.dialer, target, e.signer, cmd, restoreTimeout)
	output := ""
	if res != nil {
		output = res.Stdout + res.Stderr
	}

	filesRestored := 0
	var restoreErrs []string
	for _, line := range strings.Split(output, "\n") {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "restoring") {
			filesRestored++
		}
		if strings.Contains(lower, "error") && !strings.Contains(lower, "lchown") && !strings.Contains(lower, "chown") {
			restoreErrs = append(restoreErrs, strings.TrimSpace(line))
		}
	}
	if len(restoreErrs) > 10 {
		restoreErrs = restoreErrs[:10]
	}

	if err != nil && len(restoreErrs) == 0 {
		// A non-zero exit with no non-benign error lines is still a hard
		// failure (e.g. the target machine was unreachable).
		return nil, errs.Wrap(errs.KindSnapshotFailed, "restic restore failed", err)
	}

	return &RestoreResult{
		Success:       true,
		SnapshotID:    snapshotID,
		TargetPath:    targetPath,
		FilesRestored: filesRestored,
		Errors:        restoreErrs,
	}, nil
}

func (e *Engine) Delete(ctx context.Context, target sshexec.Target, snapshotID string) error {
	cmd := e.envPrefix() + fmt.Sprintf("restic forget %s --prune", snapshotID)
	_, err := sshexec.Run(ctx, e.dialer, target, e.signer, cmd, deleteTimeout)
	if err != nil {
		return errs.Wrap(errs.KindSnapshotFailed, "restic forget failed", err)
	}
	return nil
}

// PruneResult is the outcome of Prune.
type PruneResult struct {
	Success bool
	Output  string
}

func (e *Engine) Prune(ctx context.Context, target sshexec.Target, keepLast int) (*PruneResult, error) {
	cmd := e.envPrefix() + fmt.Sprintf("restic forget --keep-last %d --prune", keepLast)
	res, err := sshexec.Run(ctx, e.dialer, target, e.signer, cmd, pruneTimeout)
	if err != nil {
		return &PruneResult{Success: false}, errs.Wrap(errs.KindSnapshotFailed, "restic prune failed", err)
	}
	return &PruneResult{Success: true, Output: res.Stdout}, nil
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, l := range strings.Split(strings.TrimSpace(s), "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func parseResticTime(ts string) time.Time {
	if len(ts) >= 19 {
		ts = ts[:19]
	}
	t, err := time.Parse("2006-01-02T15:04:05", ts)
	if err != nil {
		return time.Time{}
	}
	return t
}

func intOf(v any) int {
	f, _ := v.(float64)
	return int(f)
}

func floatOf(v any) float64 {
	f, _ := v.(float64)
	return f
}

func stringsOf(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, a := range arr {
		if s, ok := a.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
