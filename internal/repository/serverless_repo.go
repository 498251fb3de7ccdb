package repository

import (
	"context"
	"time"

	"github.com/dumontcloud/control-plane/internal/errs"
	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/jackc/pgx/v5"
)

// ServerlessRepo persists ServerlessBindings and the events emitted against
// them (§4.11). Each method opens its own session; no session crosses a
// component boundary.
type ServerlessRepo interface {
	Upsert(ctx context.Context, b *model.ServerlessBinding) error
	Get(ctx context.Context, instanceID string) (*model.ServerlessBinding, error)
	Delete(ctx context.Context, instanceID string) error
	ListAll(ctx context.Context) ([]*model.ServerlessBinding, error)
	// InstancesToScaleDown returns running bindings eligible for the
	// idle-predicate evaluation in the scale-down loop.
	InstancesToScaleDown(ctx context.Context) ([]*model.ServerlessBinding, error)
	// InstancesToDestroy returns paused bindings whose paused_at exceeds
	// their destroy_after_hours_paused.
	InstancesToDestroy(ctx context.Context, now time.Time) ([]*model.ServerlessBinding, error)
	RecordEvent(ctx context.Context, e ServerlessEventRow) error
	// Rekey updates the row currently keyed by oldInstanceID in place,
	// moving it to b.InstanceID's key and applying b's other fields.
	// Fallback (§4.7) replaces a failed instance with a freshly created
	// one, and instance_id is the Upsert conflict key (see Upsert above)
	// — a plain Upsert under the new id would insert a second row and
	// orphan the original instead of moving it.
	Rekey(ctx context.Context, oldInstanceID string, b *model.ServerlessBinding) error
}

// ServerlessEventRow is the persisted shape of a SyncEvent/ServerlessEvent
// (§3).
type ServerlessEventRow struct {
	ID         string
	Type       string
	InstanceID string
	UserID     string
	Duration   time.Duration
	CostSaved  float64
	DetailJSON string
	CreatedAt  time.Time
}

// pgServerlessRepo is the Postgres-backed implementation, using raw SQL
// with $N placeholders in the style of the teacher's scheduler package
// rather than an ORM.
type pgServerlessRepo struct {
	db *DB
}

func NewPGServerlessRepo(db *DB) ServerlessRepo { return &pgServerlessRepo{db: db} }

func (r *pgServerlessRepo) Upsert(ctx context.Context, b *model.ServerlessBinding) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO serverless_bindings (
			instance_id, mode, idle_timeout_seconds, gpu_threshold, keep_warm,
			scale_down_timeout_seconds, destroy_after_hours_paused, checkpoint_enabled,
			state, scale_down_count, scale_up_count, total_paused_seconds,
			total_runtime_seconds, total_savings, fallback_count,
			last_request, idle_since, paused_at, running_since,
			last_checkpoint_id, last_checkpoint_driver_major, disk_id
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (instance_id) DO UPDATE SET
			mode = EXCLUDED.mode,
			idle_timeout_seconds = EXCLUDED.idle_timeout_seconds,
			gpu_threshold = EXCLUDED.gpu_threshold,
			keep_warm = EXCLUDED.keep_warm,
			scale_down_timeout_seconds = EXCLUDED.scale_down_timeout_seconds,
			destroy_after_hours_paused = EXCLUDED.destroy_after_hours_paused,
			checkpoint_enabled = EXCLUDED.checkpoint_enabled,
			state = EXCLUDED.state,
			scale_down_count = EXCLUDED.scale_down_count,
			scale_up_count = EXCLUDED.scale_up_count,
			total_paused_seconds = EXCLUDED.total_paused_seconds,
			total_runtime_seconds = EXCLUDED.total_runtime_seconds,
			total_savings = EXCLUDED.total_savings,
			fallback_count = EXCLUDED.fallback_count,
			last_request = EXCLUDED.last_request,
			idle_since = EXCLUDED.idle_since,
			paused_at = EXCLUDED.paused_at,
			running_since = EXCLUDED.running_since,
			last_checkpoint_id = EXCLUDED.last_checkpoint_id,
			last_checkpoint_driver_major = EXCLUDED.last_checkpoint_driver_major,
			disk_id = EXCLUDED.disk_id
	`,
		b.InstanceID, b.Mode, int64(b.IdleTimeout.Seconds()), b.GPUThreshold, b.KeepWarm,
		int64(b.ScaleDownTimeout.Seconds()), b.DestroyAfterHoursPaused, b.CheckpointEnabled,
		b.State, b.ScaleDownCount, b.ScaleUpCount, b.TotalPausedSeconds,
		b.TotalRuntimeSeconds, b.TotalSavings, b.FallbackCount,
		nullableTime(b.LastRequest), b.IdleSince, b.PausedAt, nullableTime(b.RunningSince),
		b.LastCheckpointID, b.LastCheckpointDriverMajor, b.DiskID,
	)
	if err != nil {
		return errs.Wrap(errs.KindRepositoryFailed, "upsert serverless binding", err)
	}
	return nil
}

func (r *pgServerlessRepo) Rekey(ctx context.Context, oldInstanceID string, b *model.ServerlessBinding) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE serverless_bindings SET
			instance_id = $1,
			mode = $2,
			idle_timeout_seconds = $3,
			gpu_threshold = $4,
			keep_warm = $5,
			scale_down_timeout_seconds = $6,
			destroy_after_hours_paused = $7,
			checkpoint_enabled = $8,
			state = $9,
			scale_down_count = $10,
			scale_up_count = $11,
			total_paused_seconds = $12,
			total_runtime_seconds = $13,
			total_savings = $14,
			fallback_count = $15,
			last_request = $16,
			idle_since = $17,
			paused_at = $18,
			running_since = $19,
			last_checkpoint_id = $20,
			last_checkpoint_driver_major = $21,
			disk_id = $22
		WHERE instance_id = $23
	`,
		b.InstanceID, b.Mode, int64(b.IdleTimeout.Seconds()), b.GPUThreshold, b.KeepWarm,
		int64(b.ScaleDownTimeout.Seconds()), b.DestroyAfterHoursPaused, b.CheckpointEnabled,
		b.State, b.ScaleDownCount, b.ScaleUpCount, b.TotalPausedSeconds,
		b.TotalRuntimeSeconds, b.TotalSavings, b.FallbackCount,
		nullableTime(b.LastRequest), b.IdleSince, b.PausedAt, nullableTime(b.RunningSince),
		b.LastCheckpointID, b.LastCheckpointDriverMajor, b.DiskID, oldInstanceID,
	)
	if err != nil {
		return errs.Wrap(errs.KindRepositoryFailed, "rekey serverless binding", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.KindNotFound, "serverless binding not found: "+oldInstanceID)
	}
	return nil
}

func (r *pgServerlessRepo) Get(ctx context.Context, instanceID string) (*model.ServerlessBinding, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT instance_id, mode, idle_timeout_seconds, gpu_threshold, keep_warm,
			scale_down_timeout_seconds, destroy_after_hours_paused, checkpoint_enabled,
			state, scale_down_count, scale_up_count, total_paused_seconds,
			total_runtime_seconds, total_savings, fallback_count,
			last_request, idle_since, paused_at, running_since,
			last_checkpoint_id, last_checkpoint_driver_major, disk_id
		FROM serverless_bindings WHERE instance_id = $1
	`, instanceID)

	b, err := scanBinding(row)
	if err == pgx.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "serverless binding not found: "+instanceID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindRepositoryFailed, "get serverless binding", err)
	}
	return b, nil
}

func (r *pgServerlessRepo) Delete(ctx context.Context, instanceID string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM serverless_bindings WHERE instance_id = $1`, instanceID)
	if err != nil {
		return errs.Wrap(errs.KindRepositoryFailed, "delete serverless binding", err)
	}
	return nil
}

func (r *pgServerlessRepo) ListAll(ctx context.Context) ([]*model.ServerlessBinding, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT instance_id, mode, idle_timeout_seconds, gpu_threshold, keep_warm,
			scale_down_timeout_seconds, destroy_after_hours_paused, checkpoint_enabled,
			state, scale_down_count, scale_up_count, total_paused_seconds,
			total_runtime_seconds, total_savings, fallback_count,
			last_request, idle_since, paused_at, running_since,
			last_checkpoint_id, last_checkpoint_driver_major, disk_id
		FROM serverless_bindings
	`)
	if err != nil {
		return nil, errs.Wrap(errs.KindRepositoryFailed, "list serverless bindings", err)
	}
	defer rows.Close()
	return scanBindings(rows)
}

func (r *pgServerlessRepo) InstancesToScaleDown(ctx context.Context) ([]*model.ServerlessBinding, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT instance_id, mode, idle_timeout_seconds, gpu_threshold, keep_warm,
			scale_down_timeout_seconds, destroy_after_hours_paused, checkpoint_enabled,
			state, scale_down_count, scale_up_count, total_paused_seconds,
			total_runtime_seconds, total_savings, fallback_count,
			last_request, idle_since, paused_at, running_since,
			last_checkpoint_id, last_checkpoint_driver_major, disk_id
		FROM serverless_bindings WHERE state = 'running' AND mode != 'disabled'
	`)
	if err != nil {
		return nil, errs.Wrap(errs.KindRepositoryFailed, "query scale-down candidates", err)
	}
	defer rows.Close()
	return scanBindings(rows)
}

func (r *pgServerlessRepo) InstancesToDestroy(ctx context.Context, now time.Time) ([]*model.ServerlessBinding, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT instance_id, mode, idle_timeout_seconds, gpu_threshold, keep_warm,
			scale_down_timeout_seconds, destroy_after_hours_paused, checkpoint_enabled,
			state, scale_down_count, scale_up_count, total_paused_seconds,
			total_runtime_seconds, total_savings, fallback_count,
			last_request, idle_since, paused_at, running_since,
			last_checkpoint_id, last_checkpoint_driver_major, disk_id
		FROM serverless_bindings
		WHERE state = 'paused'
		  AND destroy_after_hours_paused IS NOT NULL
		  AND paused_at IS NOT NULL
		  AND paused_at <= $1 - (destroy_after_hours_paused * interval '1 hour')
	`, now)
	if err != nil {
		return nil, errs.Wrap(errs.KindRepositoryFailed, "query destroy candidates", err)
	}
	defer rows.Close()
	return scanBindings(rows)
}

func (r *pgServerlessRepo) RecordEvent(ctx context.Context, e ServerlessEventRow) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO serverless_events (id, type, instance_id, user_id, duration_ms, cost_saved, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ID, e.Type, e.InstanceID, e.UserID, e.Duration.Milliseconds(), e.CostSaved, e.DetailJSON, e.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.KindRepositoryFailed, "record serverless event", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBinding(row rowScanner) (*model.ServerlessBinding, error) {
	var b model.ServerlessBinding
	var idleSecs, scaleDownSecs int64
	var lastRequest, runningSince time.Time
	err := row.Scan(
		&b.InstanceID, &b.Mode, &idleSecs, &b.GPUThreshold, &b.KeepWarm,
		&scaleDownSecs, &b.DestroyAfterHoursPaused, &b.CheckpointEnabled,
		&b.State, &b.ScaleDownCount, &b.ScaleUpCount, &b.TotalPausedSeconds,
		&b.TotalRuntimeSeconds, &b.TotalSavings, &b.FallbackCount,
		&lastRequest, &b.IdleSince, &b.PausedAt, &runningSince,
		&b.LastCheckpointID, &b.LastCheckpointDriverMajor, &b.DiskID,
	)
	if err != nil {
		return nil, err
	}
	b.IdleTimeout = time.Duration(idleSecs) * time.Second
	b.ScaleDownTimeout = time.Duration(scaleDownSecs) * time.Second
	b.LastRequest = lastRequest
	b.RunningSince = runningSince
	return &b, nil
}

func scanBindings(rows pgx.Rows) ([]*model.ServerlessBinding, error) {
	var out []*model.ServerlessBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
