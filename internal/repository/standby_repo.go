package repository

import (
	"context"
	"time"

	"github.com/dumontcloud/control-plane/internal/errs"
	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/jackc/pgx/v5"
)

// StandbyRepo persists StandbyAssociation rows (§3), living in the same
// serverless/standby namespace as ServerlessRepo since both are paired with
// a live GPU instance.
type StandbyRepo interface {
	Upsert(ctx context.Context, assoc *model.StandbyAssociation) error
	Get(ctx context.Context, gpuInstanceID string) (*model.StandbyAssociation, error)
	List(ctx context.Context) ([]*model.StandbyAssociation, error)
	Delete(ctx context.Context, gpuInstanceID string) error
	// Rekey updates the row currently keyed by oldGPUInstanceID in place,
	// moving it to assoc.GPUInstanceID's key and applying assoc's other
	// fields. Recovery (§4.6) replaces the failed GPU instance with a new
	// one, and gpu_instance_id is the Upsert conflict key (see Upsert
	// above) — a plain Upsert under the new id would insert a second row
	// and orphan the original instead of moving it.
	Rekey(ctx context.Context, oldGPUInstanceID string, assoc *model.StandbyAssociation) error
}

type pgStandbyRepo struct {
	db *DB
}

// NewPGStandbyRepo builds a Postgres-backed StandbyRepo, raw SQL in the
// same style as pgServerlessRepo.
func NewPGStandbyRepo(db *DB) StandbyRepo { return &pgStandbyRepo{db: db} }

func (r *pgStandbyRepo) Upsert(ctx context.Context, a *model.StandbyAssociation) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO standby_associations (
			gpu_instance_id, cpu_instance_id, state, sync_enabled, sync_count,
			last_sync_at, last_sync_duration_ms, last_sync_bytes,
			consecutive_sync_failures, failed_health_checks, gpu_failed,
			failure_reason, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (gpu_instance_id) DO UPDATE SET
			cpu_instance_id = EXCLUDED.cpu_instance_id,
			state = EXCLUDED.state,
			sync_enabled = EXCLUDED.sync_enabled,
			sync_count = EXCLUDED.sync_count,
			last_sync_at = EXCLUDED.last_sync_at,
			last_sync_duration_ms = EXCLUDED.last_sync_duration_ms,
			last_sync_bytes = EXCLUDED.last_sync_bytes,
			consecutive_sync_failures = EXCLUDED.consecutive_sync_failures,
			failed_health_checks = EXCLUDED.failed_health_checks,
			gpu_failed = EXCLUDED.gpu_failed,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = EXCLUDED.updated_at
	`,
		a.GPUInstanceID, a.CPUInstanceID, a.State, a.SyncEnabled, a.SyncCount,
		nullableTime(a.LastSyncAt), a.LastSyncDuration.Milliseconds(), a.LastSyncBytes,
		a.ConsecutiveSyncFailures, a.FailedHealthChecks, a.GPUFailed,
		a.FailureReason, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return errs.Wrap(errs.KindRepositoryFailed, "upsert standby association", err)
	}
	return nil
}

func (r *pgStandbyRepo) Rekey(ctx context.Context, oldGPUInstanceID string, a *model.StandbyAssociation) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE standby_associations SET
			gpu_instance_id = $1,
			cpu_instance_id = $2,
			state = $3,
			sync_enabled = $4,
			sync_count = $5,
			last_sync_at = $6,
			last_sync_duration_ms = $7,
			last_sync_bytes = $8,
			consecutive_sync_failures = $9,
			failed_health_checks = $10,
			gpu_failed = $11,
			failure_reason = $12,
			updated_at = $13
		WHERE gpu_instance_id = $14
	`,
		a.GPUInstanceID, a.CPUInstanceID, a.State, a.SyncEnabled, a.SyncCount,
		nullableTime(a.LastSyncAt), a.LastSyncDuration.Milliseconds(), a.LastSyncBytes,
		a.ConsecutiveSyncFailures, a.FailedHealthChecks, a.GPUFailed,
		a.FailureReason, a.UpdatedAt, oldGPUInstanceID,
	)
	if err != nil {
		return errs.Wrap(errs.KindRepositoryFailed, "rekey standby association", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New(errs.KindNotFound, "standby association not found: "+oldGPUInstanceID)
	}
	return nil
}

func (r *pgStandbyRepo) Get(ctx context.Context, gpuInstanceID string) (*model.StandbyAssociation, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT gpu_instance_id, cpu_instance_id, state, sync_enabled, sync_count,
			last_sync_at, last_sync_duration_ms, last_sync_bytes,
			consecutive_sync_failures, failed_health_checks, gpu_failed,
			failure_reason, created_at, updated_at
		FROM standby_associations WHERE gpu_instance_id = $1
	`, gpuInstanceID)

	a, err := scanStandbyAssociation(row)
	if err == pgx.ErrNoRows {
		return nil, errs.New(errs.KindNotFound, "standby association not found: "+gpuInstanceID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindRepositoryFailed, "get standby association", err)
	}
	return a, nil
}

func (r *pgStandbyRepo) List(ctx context.Context) ([]*model.StandbyAssociation, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT gpu_instance_id, cpu_instance_id, state, sync_enabled, sync_count,
			last_sync_at, last_sync_duration_ms, last_sync_bytes,
			consecutive_sync_failures, failed_health_checks, gpu_failed,
			failure_reason, created_at, updated_at
		FROM standby_associations
	`)
	if err != nil {
		return nil, errs.Wrap(errs.KindRepositoryFailed, "list standby associations", err)
	}
	defer rows.Close()

	var out []*model.StandbyAssociation
	for rows.Next() {
		a, err := scanStandbyAssociation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *pgStandbyRepo) Delete(ctx context.Context, gpuInstanceID string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM standby_associations WHERE gpu_instance_id = $1`, gpuInstanceID)
	if err != nil {
		return errs.Wrap(errs.KindRepositoryFailed, "delete standby association", err)
	}
	return nil
}

func scanStandbyAssociation(row rowScanner) (*model.StandbyAssociation, error) {
	var a model.StandbyAssociation
	var lastSyncAt *time.Time
	var lastSyncMS int64
	err := row.Scan(
		&a.GPUInstanceID, &a.CPUInstanceID, &a.State, &a.SyncEnabled, &a.SyncCount,
		&lastSyncAt, &lastSyncMS, &a.LastSyncBytes,
		&a.ConsecutiveSyncFailures, &a.FailedHealthChecks, &a.GPUFailed,
		&a.FailureReason, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastSyncAt != nil {
		a.LastSyncAt = *lastSyncAt
	}
	a.LastSyncDuration = time.Duration(lastSyncMS) * time.Millisecond
	return &a, nil
}
