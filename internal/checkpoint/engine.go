// Package checkpoint implements the Checkpoint Engine (C4): suspend and
// resume of a running GPU process's VRAM and process state in seconds
// rather than minutes, using cuda-checkpoint + CRIU on the remote
// instance. Grounded directly on
// original_source/src/modules/serverless/checkpoint.py — same embedded
// bash scripts, same JSON line-scraping of SSH output, same
// compress/rsync/rclone transfer pipeline for cross-machine sync and R2
// backup.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dumontcloud/control-plane/internal/errs"
	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/dumontcloud/control-plane/internal/sshexec"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

const (
	setupTimeout   = 300 * time.Second
	checkpointTimeout = 60 * time.Second
	restoreTimeout    = 60 * time.Second
	listTimeout       = 10 * time.Second
	deleteTimeout     = 30 * time.Second
	cleanupTimeout    = 30 * time.Second
	compressTimeout   = 120 * time.Second
	transferTimeout   = 300 * time.Second
	r2Timeout         = 300 * time.Second

	// minDriverMajor is the lowest NVIDIA driver major version that
	// supports cuda-checkpoint.
	minDriverMajor = 550
)

// remoteScripts are installed once per instance by Setup and then invoked
// by checkpoint_id on every subsequent Create/Restore call.
const (
	checkpointScript = `#!/bin/bash
set -e
CHECKPOINT_ID=${1:-"gpu-$(date +%s)"}
CHECKPOINT_DIR="/workspace/.gpu-checkpoints/$CHECKPOINT_ID"

PID=$(nvidia-smi --query-compute-apps=pid --format=csv,noheader | head -1)

if [ -z "$PID" ]; then
    echo '{"error": "no GPU compute process found"}'
    exit 1
fi

PROCESS_NAME=$(ps -p $PID -o comm= 2>/dev/null || echo "unknown")
VRAM_USED=$(nvidia-smi --query-compute-apps=used_memory --format=csv,noheader,nounits | head -1)

mkdir -p "$CHECKPOINT_DIR"

if ! cuda-checkpoint --toggle --pid $PID 2>/dev/null; then
    echo '{"error": "cuda-checkpoint toggle failed"}'
    exit 1
fi

if ! criu dump -t $PID -D "$CHECKPOINT_DIR" --shell-job --tcp-established --ext-unix-sk --file-locks 2>/dev/null; then
    cuda-checkpoint --toggle --pid $PID 2>/dev/null || true
    echo '{"error": "criu dump failed"}'
    exit 1
fi

SIZE=$(du -sb "$CHECKPOINT_DIR" | cut -f1)

echo "{\"checkpoint_id\": \"$CHECKPOINT_ID\", \"pid\": $PID, \"process_name\": \"$PROCESS_NAME\", \"vram_mb\": $VRAM_USED, \"size_bytes\": $SIZE, \"path\": \"$CHECKPOINT_DIR\"}"
`

	restoreScript = `#!/bin/bash
set -e
CHECKPOINT_ID=$1

if [ -z "$CHECKPOINT_ID" ]; then
    echo '{"error": "checkpoint_id required"}'
    exit 1
fi

CHECKPOINT_DIR="/workspace/.gpu-checkpoints/$CHECKPOINT_ID"

if [ ! -d "$CHECKPOINT_DIR" ]; then
    echo '{"error": "checkpoint not found"}'
    exit 1
fi

criu restore -D "$CHECKPOINT_DIR" --shell-job --tcp-established --ext-unix-sk --file-locks &
RESTORED_PID=$!

sleep 2

if ! kill -0 $RESTORED_PID 2>/dev/null; then
    echo '{"error": "restored process did not start"}'
    exit 1
fi

if ! cuda-checkpoint --toggle --pid $RESTORED_PID 2>/dev/null; then
    echo '{"error": "cuda-checkpoint resume failed"}'
    exit 1
fi

echo "{\"restored_pid\": $RESTORED_PID, \"checkpoint_id\": \"$CHECKPOINT_ID\"}"
`

	setupScriptTemplate = `#!/bin/bash
set -e

DRIVER_VERSION=$(nvidia-smi --query-gpu=driver_version --format=csv,noheader | head -1)
MAJOR_VERSION="${DRIVER_VERSION%%.*}"
if [ "$MAJOR_VERSION" -lt %d ]; then
    echo '{"error": "driver %d+ required (current: '$DRIVER_VERSION')"}'
    exit 1
fi

apt-get update -qq
apt-get install -y -qq criu protobuf-compiler libprotobuf-dev libnl-3-dev libcap-dev python3-protobuf

CRIU_VERSION=$(criu --version 2>/dev/null | grep -oP '\d+\.\d+' | head -1)

if ! command -v cuda-checkpoint &>/dev/null; then
    cd /tmp
    rm -rf cuda-checkpoint
    git clone --quiet https://github.com/NVIDIA/cuda-checkpoint.git
    cd cuda-checkpoint
    make -j$(nproc) 2>/dev/null
    cp cuda-checkpoint /usr/local/bin/
    chmod +x /usr/local/bin/cuda-checkpoint
fi

mkdir -p /workspace/.gpu-checkpoints
mkdir -p /opt/dumont/scripts

cat > /opt/dumont/scripts/gpu-checkpoint.sh << 'CHECKPOINT_EOF'
%s
CHECKPOINT_EOF

cat > /opt/dumont/scripts/gpu-restore.sh << 'RESTORE_EOF'
%s
RESTORE_EOF

chmod +x /opt/dumont/scripts/*.sh

echo '{"success": true, "driver": "'$DRIVER_VERSION'", "criu": "'$CRIU_VERSION'"}'
`
)

// R2Config addresses the rclone-configured Cloudflare-R2-compatible remote
// used as long-term checkpoint backup.
type R2Config struct {
	RemoteName string // rclone remote name, e.g. "r2"
	Bucket     string
}

// Engine is the Checkpoint Engine.
type Engine struct {
	dialer sshexec.Dialer
	signer ssh.Signer
	r2     R2Config
	logger *zap.Logger
}

// NewEngine constructs a Checkpoint Engine sharing its SSH dialer/signer
// with the Snapshot Engine and Sync Loop.
func NewEngine(signer ssh.Signer, dialer sshexec.Dialer, r2 R2Config, logger *zap.Logger) *Engine {
	if dialer == nil {
		dialer = sshexec.DefaultDialer
	}
	return &Engine{dialer: dialer, signer: signer, r2: r2, logger: logger}
}

// Setup installs cuda-checkpoint, CRIU, and the checkpoint/restore scripts
// on a freshly-provisioned GPU instance. Fails fast if the driver major
// version is below minDriverMajor.
func (e *Engine) Setup(ctx context.Context, target sshexec.Target) error {
	setup := fmt.Sprintf(setupScriptTemplate, minDriverMajor, minDriverMajor, checkpointScript, restoreScript)
	res, err := sshexec.Run(ctx, e.dialer, target, e.signer, "bash -c '"+escapeSingleQuotes(setup)+"'", setupTimeout)
	if err != nil {
		return errs.Wrap(errs.KindCheckpointFailed, "checkpoint setup failed", err)
	}
	data, jerr := scrapeJSONLine(res.Stdout)
	if jerr != nil {
		return errs.New(errs.KindCheckpointFailed, "checkpoint setup produced no parseable output")
	}
	if e, ok := data["error"].(string); ok {
		return errs.New(errs.KindCheckpointFailed, e)
	}
	return nil
}

// Create suspends the instance's active GPU compute process and writes a
// checkpoint to local disk, returning the driver-major-version-tagged
// model.Checkpoint it produced. checkpointID is auto-generated when empty.
func (e *Engine) Create(ctx context.Context, target sshexec.Target, instanceID, checkpointID string, driverMajor int) (*model.Checkpoint, error) {
	if checkpointID == "" {
		checkpointID = fmt.Sprintf("gpu-%s-%d", instanceID, time.Now().Unix())
	}

	res, err := sshexec.Run(ctx, e.dialer, target, e.signer,
		fmt.Sprintf("/opt/dumont/scripts/gpu-checkpoint.sh %s", checkpointID), checkpointTimeout)
	if err != nil {
		return nil, errs.Wrap(errs.KindCheckpointFailed, "checkpoint create failed", err)
	}

	data, jerr := scrapeJSONLine(res.Stdout)
	if jerr != nil {
		return nil, errs.New(errs.KindCheckpointFailed, "checkpoint create produced no parseable output")
	}
	if msg, ok := data["error"].(string); ok {
		return nil, errs.New(errs.KindCheckpointFailed, msg)
	}

	vramMB := floatOf(data["vram_mb"])
	return &model.Checkpoint{
		ID:          checkpointID,
		InstanceID:  instanceID,
		CreatedAt:   time.Now().UTC(),
		SizeBytes:   int64(floatOf(data["size_bytes"])),
		ProcessName: stringOf(data["process_name"]),
		VRAMBytes:   int64(vramMB * 1024 * 1024),
		DriverMajor: driverMajor,
	}, nil
}

// DetectDriverMajor queries target's installed NVIDIA driver major version,
// the same field the setup script checks against minDriverMajor.
func (e *Engine) DetectDriverMajor(ctx context.Context, target sshexec.Target) (int, error) {
	res, err := sshexec.Run(ctx, e.dialer, target, e.signer,
		`nvidia-smi --query-gpu=driver_version --format=csv,noheader | head -1`, listTimeout)
	if err != nil {
		return 0, errs.Wrap(errs.KindCheckpointFailed, "driver version detection failed", err)
	}
	version := strings.TrimSpace(res.Stdout)
	major, ok := driverMajorOf(version)
	if !ok {
		return 0, errs.New(errs.KindCheckpointFailed, "could not parse driver version: "+version)
	}
	return major, nil
}

// CheckDriverCompatible enforces §3's restore invariant: a checkpoint is
// valid for restore only on a machine whose installed driver major version
// matches the one it was taken under.
func CheckDriverCompatible(checkpointDriverMajor, installedDriverMajor int) error {
	if checkpointDriverMajor != installedDriverMajor {
		return errs.New(errs.KindCheckpointFailed, fmt.Sprintf(
			"checkpoint driver major %d does not match target driver major %d",
			checkpointDriverMajor, installedDriverMajor))
	}
	return nil
}

func driverMajorOf(version string) (int, bool) {
	major := strings.SplitN(version, ".", 2)[0]
	v, err := strconv.Atoi(major)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Restore resumes a checkpoint on target. Callers must verify the
// checkpoint's DriverMajor matches target's installed driver major version
// before invoking Restore — see CheckDriverCompatible — (§3 invariant:
// "valid for restore only on a machine with matching driver major
// version").
func (e *Engine) Restore(ctx context.Context, target sshexec.Target, checkpointID string) error {
	res, err := sshexec.Run(ctx, e.dialer, target, e.signer,
		fmt.Sprintf("/opt/dumont/scripts/gpu-restore.sh %s", checkpointID), restoreTimeout)
	if err != nil {
		return errs.Wrap(errs.KindCheckpointFailed, "checkpoint restore failed", err)
	}

	data, jerr := scrapeJSONLine(res.Stdout)
	if jerr != nil {
		return errs.New(errs.KindCheckpointFailed, "checkpoint restore produced no parseable output")
	}
	if msg, ok := data["error"].(string); ok {
		return errs.New(errs.KindCheckpointFailed, msg)
	}
	return nil
}

// List enumerates checkpoint directories present on target.
func (e *Engine) List(ctx context.Context, target sshexec.Target) ([]string, error) {
	res, err := sshexec.Run(ctx, e.dialer, target, e.signer,
		`ls -la /workspace/.gpu-checkpoints/ 2>/dev/null || echo "[]"`, listTimeout)
	if err != nil {
		return nil, nil // List degrades to empty rather than failing.
	}

	var ids []string
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if strings.HasPrefix(line, "d") && strings.Contains(line, "gpu-") {
			fields := strings.Fields(line)
			if len(fields) >= 9 {
				ids = append(ids, fields[len(fields)-1])
			}
		}
	}
	return ids, nil
}

// Delete removes a checkpoint directory from target.
func (e *Engine) Delete(ctx context.Context, target sshexec.Target, checkpointID string) error {
	_, err := sshexec.Run(ctx, e.dialer, target, e.signer,
		fmt.Sprintf("rm -rf /workspace/.gpu-checkpoints/%s", checkpointID), deleteTimeout)
	if err != nil {
		return errs.Wrap(errs.KindCheckpointFailed, "checkpoint delete failed", err)
	}
	return nil
}

// Cleanup keeps only the keepCount most recently modified checkpoints on
// target and removes the rest.
func (e *Engine) Cleanup(ctx context.Context, target sshexec.Target, keepCount int) error {
	cmd := fmt.Sprintf(
		`cd /workspace/.gpu-checkpoints 2>/dev/null || exit 0; ls -t | tail -n +%d | xargs -r rm -rf`,
		keepCount+1,
	)
	_, err := sshexec.Run(ctx, e.dialer, target, e.signer, cmd, cleanupTimeout)
	if err != nil {
		return errs.Wrap(errs.KindCheckpointFailed, "checkpoint cleanup failed", err)
	}
	return nil
}

// SyncToMachine moves a checkpoint from a GPU instance to its paired sync
// machine: compress on the source, rsync across, extract on the
// destination, then delete the compressed artifact from both sides.
func (e *Engine) SyncToMachine(ctx context.Context, src, dst sshexec.Target, checkpointID string) error {
	compressCmd := fmt.Sprintf(
		`cd /workspace/.gpu-checkpoints && tar -czf %s.tar.gz %s/ && echo "size=$(stat -c%%s %s.tar.gz)"`,
		checkpointID, checkpointID, checkpointID,
	)
	if _, err := sshexec.Run(ctx, e.dialer, src, e.signer, compressCmd, compressTimeout); err != nil {
		return errs.Wrap(errs.KindCheckpointFailed, "checkpoint compress failed", err)
	}

	rsyncCmd := fmt.Sprintf(
		`rsync -avz -e "ssh -o StrictHostKeyChecking=no -p %d" /workspace/.gpu-checkpoints/%s.tar.gz root@%s:/workspace/.gpu-checkpoints/`,
		dst.Port, checkpointID, dst.Host,
	)
	if _, err := sshexec.Run(ctx, e.dialer, src, e.signer, rsyncCmd, transferTimeout); err != nil {
		return errs.Wrap(errs.KindCheckpointFailed, "checkpoint rsync failed", err)
	}

	extractCmd := fmt.Sprintf(
		`cd /workspace/.gpu-checkpoints && tar -xzf %s.tar.gz && rm %s.tar.gz`,
		checkpointID, checkpointID,
	)
	if _, err := sshexec.Run(ctx, e.dialer, dst, e.signer, extractCmd, compressTimeout); err != nil {
		return errs.Wrap(errs.KindCheckpointFailed, "checkpoint extract failed", err)
	}

	// Best-effort cleanup of the compressed artifact on the source; a
	// failure here doesn't invalidate the sync.
	_, _ = sshexec.Run(ctx, e.dialer, src, e.signer,
		fmt.Sprintf("rm -f /workspace/.gpu-checkpoints/%s.tar.gz", checkpointID), 10*time.Second)

	return nil
}

// UploadToR2 compresses a checkpoint and copies it to the configured
// rclone remote for long-term backup.
func (e *Engine) UploadToR2(ctx context.Context, target sshexec.Target, checkpointID string) (string, error) {
	path := fmt.Sprintf("%s:%s/%s.tar.gz", e.r2.RemoteName, e.r2.Bucket, checkpointID)
	cmd := fmt.Sprintf(
		`cd /workspace/.gpu-checkpoints && tar -czf %s.tar.gz %s/ && rclone copy %s.tar.gz %s:%s/ && rm %s.tar.gz`,
		checkpointID, checkpointID, checkpointID, e.r2.RemoteName, e.r2.Bucket, checkpointID,
	)
	if _, err := sshexec.Run(ctx, e.dialer, target, e.signer, cmd, r2Timeout); err != nil {
		return "", errs.Wrap(errs.KindCheckpointFailed, "checkpoint R2 upload failed", err)
	}
	return path, nil
}

// DownloadFromR2 fetches a checkpoint archive from the rclone remote and
// extracts it on target.
func (e *Engine) DownloadFromR2(ctx context.Context, target sshexec.Target, checkpointID string) error {
	cmd := fmt.Sprintf(
		`mkdir -p /workspace/.gpu-checkpoints && cd /workspace/.gpu-checkpoints && rclone copy %s:%s/%s.tar.gz . && tar -xzf %s.tar.gz && rm %s.tar.gz`,
		e.r2.RemoteName, e.r2.Bucket, checkpointID, checkpointID, checkpointID,
	)
	if _, err := sshexec.Run(ctx, e.dialer, target, e.signer, cmd, r2Timeout); err != nil {
		return errs.Wrap(errs.KindCheckpointFailed, "checkpoint R2 download failed", err)
	}
	return nil
}

func scrapeJSONLine(output string) (map[string]any, error) {
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "{") {
			var data map[string]any
			if err := json.Unmarshal([]byte(line), &data); err == nil {
				return data, nil
			}
		}
	}
	return nil, errs.New(errs.KindCheckpointFailed, "no JSON line found in output")
}

func floatOf(v any) float64 {
	f, _ := v.(float64)
	return f
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func escapeSingleQuotes(s string) string {
	return strings.ReplaceAll(s, "'", `'"'"'`)
}
